package database

import (
	"cmp"
	"context"
	"io"
	"log"
	"slices"
	"sort"
	"sync"

	"github.com/npezzotti/go-classroom/internal/types"
)

// MemoryRoomStore keeps rooms in process. It backs tests and single-node
// development setups.
type MemoryRoomStore struct {
	mu       sync.Mutex
	rooms    map[string]*types.Room
	messages map[string][]types.Message

	roomFeed    *feed[types.Room]
	messageFeed *feed[types.Message]
}

var _ RoomStore = (*MemoryRoomStore)(nil)

func NewMemoryRoomStore(logger *log.Logger) *MemoryRoomStore {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &MemoryRoomStore{
		rooms:       make(map[string]*types.Room),
		messages:    make(map[string][]types.Message),
		roomFeed:    newFeed[types.Room]("room", logger),
		messageFeed: newFeed[types.Message]("message", logger),
	}
}

func (s *MemoryRoomStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryRoomStore) CreateRoom(_ context.Context, params CreateRoomParams) (types.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := now()
	room := &types.Room{
		Id:           params.Id,
		Name:         params.Name,
		Course:       params.Course,
		Host:         params.Host,
		Participants: []types.Participant{},
		Active:       true,
		CreatedAt:    ts,
		UpdatedAt:    ts,
	}
	s.rooms[room.Id] = room
	return copyRoom(room), nil
}

func (s *MemoryRoomStore) GetRoom(_ context.Context, roomId string) (types.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomId]
	if !ok {
		return types.Room{}, ErrRoomNotFound
	}
	return copyRoom(room), nil
}

func (s *MemoryRoomStore) ListActiveRooms(context.Context) ([]types.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rooms := make([]types.Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		if r.Active {
			rooms = append(rooms, copyRoom(r))
		}
	}
	slices.SortFunc(rooms, func(a, b types.Room) int {
		return cmp.Or(b.CreatedAt.Compare(a.CreatedAt), cmp.Compare(a.Id, b.Id))
	})
	return rooms, nil
}

func (s *MemoryRoomStore) AddParticipant(_ context.Context, roomId string, p types.Participant) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomId]
	if !ok {
		return false, ErrRoomNotFound
	}
	if !room.Active {
		return false, ErrRoomClosed
	}
	if room.HasParticipant(p.Id) {
		return false, nil
	}

	room.Participants = append(room.Participants, p)
	room.UpdatedAt = now()
	s.roomFeed.publish(roomId, copyRoom(room))
	return true, nil
}

func (s *MemoryRoomStore) RemoveParticipant(_ context.Context, roomId, participantId string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomId]
	if !ok {
		return false, ErrRoomNotFound
	}

	n := len(room.Participants)
	room.Participants = slices.DeleteFunc(room.Participants, func(p types.Participant) bool {
		return p.Id == participantId
	})
	if len(room.Participants) == n {
		return false, nil
	}

	room.UpdatedAt = now()
	s.roomFeed.publish(roomId, copyRoom(room))
	return true, nil
}

func (s *MemoryRoomStore) ReconcileHost(_ context.Context, roomId string) (types.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomId]
	if !ok {
		return types.Room{}, ErrRoomNotFound
	}
	if !room.Active || room.HasParticipant(room.Host.Id) {
		return copyRoom(room), nil
	}

	if next, ok := NextHost(room.Participants); ok {
		room.Host = next
	} else {
		room.Active = false
	}
	room.UpdatedAt = now()
	s.roomFeed.publish(roomId, copyRoom(room))
	return copyRoom(room), nil
}

func (s *MemoryRoomStore) AppendMessage(_ context.Context, msg types.Message) (types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[msg.RoomId]
	if !ok {
		return types.Message{}, ErrRoomNotFound
	}

	room.SeqId++
	msg.SeqId = room.SeqId
	msg.Timestamp = now()
	room.UpdatedAt = msg.Timestamp
	s.messages[msg.RoomId] = append(s.messages[msg.RoomId], msg)
	s.messageFeed.publish(msg.RoomId, msg)
	return msg, nil
}

func (s *MemoryRoomStore) ListMessages(_ context.Context, roomId string, after, limit int) ([]types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[roomId]; !ok {
		return nil, ErrRoomNotFound
	}
	return s.messagesAfterLocked(roomId, after, clampLimit(limit)), nil
}

func (s *MemoryRoomStore) messagesAfterLocked(roomId string, after, limit int) []types.Message {
	all := s.messages[roomId]
	// seq ids are dense and start at 1
	i := sort.Search(len(all), func(i int) bool { return all[i].SeqId > after })
	end := len(all)
	if limit > 0 {
		end = min(end, i+limit)
	}
	return slices.Clone(all[i:end])
}

func (s *MemoryRoomStore) WatchRoom(ctx context.Context, roomId string, fn func(types.Room)) error {
	if _, err := s.GetRoom(ctx, roomId); err != nil {
		return err
	}

	s.roomFeed.subscribe(ctx, roomId, fn, func() ([]types.Room, error) {
		room, err := s.GetRoom(ctx, roomId)
		if err != nil {
			return nil, err
		}
		return []types.Room{room}, nil
	}, nil)
	return nil
}

func (s *MemoryRoomStore) WatchMessages(ctx context.Context, roomId string, afterSeq int, fn func(types.Message)) error {
	if _, err := s.GetRoom(ctx, roomId); err != nil {
		return err
	}

	s.messageFeed.subscribe(ctx, roomId, fn, func() ([]types.Message, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.messagesAfterLocked(roomId, afterSeq, 0), nil
	}, newerThan(afterSeq))
	return nil
}

func (s *MemoryRoomStore) Close() error {
	return nil
}

func copyRoom(r *types.Room) types.Room {
	c := *r
	c.Participants = slices.Clone(r.Participants)
	if c.Participants == nil {
		c.Participants = []types.Participant{}
	}
	return c
}

// NextHost picks the participant that joined first, breaking ties by id.
func NextHost(participants []types.Participant) (types.Participant, bool) {
	if len(participants) == 0 {
		return types.Participant{}, false
	}
	return slices.MinFunc(participants, func(a, b types.Participant) int {
		return cmp.Or(a.JoinedAt.Compare(b.JoinedAt), cmp.Compare(a.Id, b.Id))
	}), true
}
