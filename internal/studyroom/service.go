package studyroom

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/npezzotti/go-classroom/internal/database"
	"github.com/npezzotti/go-classroom/internal/stats"
	"github.com/npezzotti/go-classroom/internal/types"
	"github.com/teris-io/shortid"
)

var (
	ErrRoomNotFound   = database.ErrRoomNotFound
	ErrRoomClosed     = database.ErrRoomClosed
	ErrEmptyMessage   = errors.New("message is empty")
	ErrEmptyName      = errors.New("room name is empty")
	ErrNotParticipant = errors.New("not a participant of this room")
)

// RoomHandlers receive live updates for one room. Either may be nil.
type RoomHandlers struct {
	OnRoom    func(types.Room)
	OnMessage func(types.Message)
}

// Service implements study room presence and chat on top of a RoomStore.
// Every method is a user action: failures are returned, never swallowed.
type Service struct {
	store database.RoomStore
	log   *log.Logger
	stats stats.StatsProvider
	now   func() time.Time
	newId func() (string, error)
}

type Option func(*Service)

func WithStats(sp stats.StatsProvider) Option {
	return func(s *Service) {
		if sp != nil {
			s.stats = sp
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithIdGenerator(fn func() (string, error)) Option {
	return func(s *Service) { s.newId = fn }
}

func NewService(store database.RoomStore, logger *log.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	s := &Service{
		store: store,
		log:   logger,
		stats: stats.Noop{},
		now:   time.Now,
		newId: shortid.Generate,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func participantOf(u types.User, joinedAt time.Time) types.Participant {
	return types.Participant{
		Id:        u.Id,
		Name:      u.Name,
		IsTeacher: u.IsTeacher(),
		JoinedAt:  joinedAt.UTC(),
	}
}

// CreateRoom creates an active room hosted by host and joins host to it.
func (s *Service) CreateRoom(ctx context.Context, name, course string, host types.User) (types.Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return types.Room{}, ErrEmptyName
	}

	id, err := s.newId()
	if err != nil {
		return types.Room{}, fmt.Errorf("generate room id: %w", err)
	}

	room, err := s.store.CreateRoom(ctx, database.CreateRoomParams{
		Id:     id,
		Name:   name,
		Course: strings.TrimSpace(course),
		Host:   participantOf(host, s.now()),
	})
	if err != nil {
		return types.Room{}, fmt.Errorf("create room: %w", err)
	}

	s.stats.Incr(stats.RoomsCreated)
	s.log.Printf("room %q created by %q", room.Id, host.Id)

	return s.JoinRoom(ctx, room.Id, host)
}

// JoinRoom adds user to the room. Joining twice is harmless and announces
// the participant only once.
func (s *Service) JoinRoom(ctx context.Context, roomId string, user types.User) (types.Room, error) {
	room, err := s.store.GetRoom(ctx, roomId)
	if err != nil {
		return types.Room{}, fmt.Errorf("join room: %w", err)
	}
	if !room.Active {
		return types.Room{}, ErrRoomClosed
	}

	added, err := s.store.AddParticipant(ctx, roomId, participantOf(user, s.now()))
	if err != nil {
		return types.Room{}, fmt.Errorf("add participant: %w", err)
	}

	if added {
		if err := s.systemMessage(ctx, roomId, fmt.Sprintf("%s joined the room", user.Name)); err != nil {
			return types.Room{}, err
		}
	}

	return s.GetRoom(ctx, roomId)
}

// LeaveRoom removes the participant and hands the host role to the
// earliest-joined remaining participant. The room closes when the last
// participant leaves.
func (s *Service) LeaveRoom(ctx context.Context, roomId, userId string) (types.Room, error) {
	room, err := s.store.GetRoom(ctx, roomId)
	if err != nil {
		return types.Room{}, fmt.Errorf("leave room: %w", err)
	}

	name := userId
	for _, p := range room.Participants {
		if p.Id == userId {
			name = p.Name
			break
		}
	}

	removed, err := s.store.RemoveParticipant(ctx, roomId, userId)
	if err != nil {
		return types.Room{}, fmt.Errorf("remove participant: %w", err)
	}
	if !removed {
		return types.Room{}, ErrNotParticipant
	}

	if err := s.systemMessage(ctx, roomId, fmt.Sprintf("%s left the room", name)); err != nil {
		return types.Room{}, err
	}

	updated, err := s.store.ReconcileHost(ctx, roomId)
	if err != nil {
		return types.Room{}, fmt.Errorf("reconcile host: %w", err)
	}

	switch {
	case !updated.Active:
		s.log.Printf("room %q closed", roomId)
	case updated.Host.Id != room.Host.Id:
		s.log.Printf("room %q host changed from %q to %q", roomId, room.Host.Id, updated.Host.Id)
		if err := s.systemMessage(ctx, roomId, fmt.Sprintf("%s is now the host", updated.Host.Name)); err != nil {
			return types.Room{}, err
		}
	}

	return updated, nil
}

func (s *Service) SendMessage(ctx context.Context, roomId string, sender types.User, text string) (types.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return types.Message{}, ErrEmptyMessage
	}

	room, err := s.store.GetRoom(ctx, roomId)
	if err != nil {
		return types.Message{}, fmt.Errorf("send message: %w", err)
	}
	if !room.Active {
		return types.Message{}, ErrRoomClosed
	}
	if !room.HasParticipant(sender.Id) {
		return types.Message{}, ErrNotParticipant
	}

	msg, err := s.store.AppendMessage(ctx, types.Message{
		RoomId:     roomId,
		SenderId:   sender.Id,
		SenderName: sender.Name,
		Text:       text,
		IsTeacher:  sender.IsTeacher(),
	})
	if err != nil {
		return types.Message{}, fmt.Errorf("append message: %w", err)
	}
	return msg, nil
}

func (s *Service) systemMessage(ctx context.Context, roomId, text string) error {
	_, err := s.store.AppendMessage(ctx, types.Message{
		RoomId:   roomId,
		Text:     text,
		IsSystem: true,
	})
	if err != nil {
		return fmt.Errorf("append system message: %w", err)
	}
	return nil
}

func (s *Service) GetRoom(ctx context.Context, roomId string) (types.Room, error) {
	room, err := s.store.GetRoom(ctx, roomId)
	if err != nil {
		return types.Room{}, fmt.Errorf("get room: %w", err)
	}
	return room, nil
}

func (s *Service) ListRooms(ctx context.Context) ([]types.Room, error) {
	rooms, err := s.store.ListActiveRooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return rooms, nil
}

func (s *Service) Messages(ctx context.Context, roomId string, after, limit int) ([]types.Message, error) {
	if _, err := s.store.GetRoom(ctx, roomId); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	msgs, err := s.store.ListMessages(ctx, roomId, after, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return msgs, nil
}

// Subscribe delivers room and message updates through two independent
// watches until ctx is done. Messages start after afterSeq.
func (s *Service) Subscribe(ctx context.Context, roomId string, afterSeq int, h RoomHandlers) error {
	ctx, cancel := context.WithCancel(ctx)

	if h.OnRoom != nil {
		if err := s.store.WatchRoom(ctx, roomId, h.OnRoom); err != nil {
			cancel()
			return fmt.Errorf("watch room: %w", err)
		}
	}

	if h.OnMessage != nil {
		if err := s.store.WatchMessages(ctx, roomId, afterSeq, h.OnMessage); err != nil {
			cancel()
			return fmt.Errorf("watch messages: %w", err)
		}
	}

	s.stats.Incr(stats.RoomWatchers)
	go func() {
		<-ctx.Done()
		cancel()
		s.stats.Decr(stats.RoomWatchers)
	}()
	return nil
}
