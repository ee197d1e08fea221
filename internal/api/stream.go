package api

import (
	"context"
	"log"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-classroom/internal/studyroom"
	"github.com/npezzotti/go-classroom/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 512
)

type RoomEventType string

const (
	EventRoom    RoomEventType = "room"
	EventMessage RoomEventType = "message"
)

// RoomEvent is one update pushed to a room stream.
type RoomEvent struct {
	Type    RoomEventType  `json:"type"`
	Room    *types.Room    `json:"room,omitempty"`
	Message *types.Message `json:"message,omitempty"`
}

// roomStream pushes a room's live updates to one websocket. The stream is
// read-only for the client; anything it sends is discarded.
type roomStream struct {
	conn     *websocket.Conn
	log      *log.Logger
	send     chan RoomEvent
	stop     chan struct{}
	stopOnce sync.Once
}

func newRoomStream(conn *websocket.Conn, l *log.Logger) *roomStream {
	return &roomStream{
		conn: conn,
		log:  l,
		send: make(chan RoomEvent, 256),
		stop: make(chan struct{}),
	}
}

// queue blocks the store's watcher goroutine until the event is taken or the
// stream ends.
func (rs *roomStream) queue(ev RoomEvent) {
	select {
	case rs.send <- ev:
	case <-rs.stop:
	}
}

func (rs *roomStream) close() {
	rs.stopOnce.Do(func() {
		close(rs.stop)
	})
}

func (rs *roomStream) write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		rs.conn.Close()
	}()

	for {
		select {
		case ev := <-rs.send:
			rs.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := rs.conn.WriteJSON(ev); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					rs.log.Printf("room stream write: %v", err)
				}
				return
			}
		case <-ticker.C:
			rs.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := rs.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-rs.stop:
			rs.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			return
		}
	}
}

func (rs *roomStream) read() {
	defer rs.close()

	rs.conn.SetReadLimit(maxMessageSize)
	rs.conn.SetReadDeadline(time.Now().Add(pongWait))
	rs.conn.SetPongHandler(func(string) error { rs.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		if _, _, err := rs.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				rs.log.Printf("room stream read: %v", err)
			}
			return
		}
	}
}

func (s *ClassroomApp) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	return slices.Contains(s.allowedOrigins, origin)
}

// serveRoomStream sends the room, then every message after the "after" query
// parameter, then live updates of both until the client disconnects.
func (s *ClassroomApp) serveRoomStream(w http.ResponseWriter, r *http.Request) {
	roomId := r.PathValue("id")
	after, ok := queryInt(r, "after")
	if !ok {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if _, err := s.rooms.GetRoom(r.Context(), roomId); err != nil {
		s.writeError(w, err)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	rs := newRoomStream(conn, s.log)
	ctx, cancel := context.WithCancel(context.Background())

	err = s.rooms.Subscribe(ctx, roomId, after, studyroom.RoomHandlers{
		OnRoom: func(room types.Room) {
			rs.queue(RoomEvent{Type: EventRoom, Room: &room})
		},
		OnMessage: func(msg types.Message) {
			rs.queue(RoomEvent{Type: EventMessage, Message: &msg})
		},
	})
	if err != nil {
		s.log.Println("subscribe to room:", err)
		cancel()
		conn.Close()
		return
	}

	go func() {
		<-rs.stop
		cancel()
	}()
	go rs.write()
	go rs.read()
}
