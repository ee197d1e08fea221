package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-classroom/internal/classroom"
	"github.com/npezzotti/go-classroom/internal/config"
	"github.com/npezzotti/go-classroom/internal/database"
	"github.com/npezzotti/go-classroom/internal/identity"
	"github.com/npezzotti/go-classroom/internal/relay"
	"github.com/npezzotti/go-classroom/internal/studyroom"
)

type ClassroomApp struct {
	log            *log.Logger
	rooms          *studyroom.Service
	store          database.RoomStore
	relay          *relay.Relay
	classroom      *classroom.Classroom
	verifier       *identity.TokenVerifier
	allowedOrigins []string
	srv            *http.Server
}

func NewClassroomApp(mux *http.ServeMux, logger *log.Logger, rooms *studyroom.Service, store database.RoomStore, rl *relay.Relay, cr *classroom.Classroom, cfg *config.Config) *ClassroomApp {
	s := &ClassroomApp{
		log:            logger,
		rooms:          rooms,
		store:          store,
		relay:          rl,
		classroom:      cr,
		verifier:       identity.NewTokenVerifier(cfg.SigningKey),
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.HandleFunc("GET /api/auth/session", s.authMiddleware(s.session))
	mux.HandleFunc("GET /api/auth/logout", s.logout)

	mux.HandleFunc("POST /api/rooms", s.authMiddleware(s.createRoom))
	mux.HandleFunc("GET /api/rooms", s.authMiddleware(s.listRooms))
	mux.HandleFunc("GET /api/rooms/{id}", s.authMiddleware(s.getRoom))
	mux.HandleFunc("POST /api/rooms/{id}/join", s.authMiddleware(s.joinRoom))
	mux.HandleFunc("POST /api/rooms/{id}/leave", s.authMiddleware(s.leaveRoom))
	mux.HandleFunc("GET /api/rooms/{id}/messages", s.authMiddleware(s.getMessages))
	mux.HandleFunc("POST /api/rooms/{id}/messages", s.authMiddleware(s.sendMessage))
	mux.HandleFunc("GET /ws/rooms/{id}", s.authMiddleware(s.serveRoomStream))

	mux.HandleFunc("GET /api/classroom/activity", s.authMiddleware(s.getActivity))
	mux.HandleFunc("POST /api/classroom/activity", s.authMiddleware(s.reportActivity))
	mux.HandleFunc("PUT /api/classroom/roster", s.authMiddleware(s.enroll))
	mux.HandleFunc("GET /api/classroom/quiz", s.authMiddleware(s.getQuiz))
	mux.HandleFunc("POST /api/classroom/quiz", s.authMiddleware(s.launchQuiz))
	mux.HandleFunc("DELETE /api/classroom/quiz", s.authMiddleware(s.endQuiz))
	mux.HandleFunc("GET /api/classroom/quiz/tally", s.authMiddleware(s.getTally))
	mux.HandleFunc("GET /ws/channel", s.authMiddleware(rl.ServeWS))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

func (s *ClassroomApp) Handler() http.Handler {
	return s.srv.Handler
}

func (s *ClassroomApp) Start() error {
	s.log.Printf("starting server on %s\n", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *ClassroomApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
