package database

import (
	"context"

	"github.com/npezzotti/go-classroom/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockRoomStore struct {
	mock.Mock
}

var _ RoomStore = (*MockRoomStore)(nil)

func (m *MockRoomStore) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockRoomStore) CreateRoom(ctx context.Context, params CreateRoomParams) (types.Room, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(types.Room), args.Error(1)
}
func (m *MockRoomStore) GetRoom(ctx context.Context, roomId string) (types.Room, error) {
	args := m.Called(ctx, roomId)
	return args.Get(0).(types.Room), args.Error(1)
}
func (m *MockRoomStore) ListActiveRooms(ctx context.Context) ([]types.Room, error) {
	args := m.Called(ctx)
	if rooms, ok := args.Get(0).([]types.Room); ok {
		return rooms, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRoomStore) AddParticipant(ctx context.Context, roomId string, p types.Participant) (bool, error) {
	args := m.Called(ctx, roomId, p)
	return args.Bool(0), args.Error(1)
}
func (m *MockRoomStore) RemoveParticipant(ctx context.Context, roomId, participantId string) (bool, error) {
	args := m.Called(ctx, roomId, participantId)
	return args.Bool(0), args.Error(1)
}
func (m *MockRoomStore) ReconcileHost(ctx context.Context, roomId string) (types.Room, error) {
	args := m.Called(ctx, roomId)
	return args.Get(0).(types.Room), args.Error(1)
}
func (m *MockRoomStore) AppendMessage(ctx context.Context, msg types.Message) (types.Message, error) {
	args := m.Called(ctx, msg)
	return args.Get(0).(types.Message), args.Error(1)
}
func (m *MockRoomStore) ListMessages(ctx context.Context, roomId string, after, limit int) ([]types.Message, error) {
	args := m.Called(ctx, roomId, after, limit)
	if msgs, ok := args.Get(0).([]types.Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRoomStore) WatchRoom(ctx context.Context, roomId string, fn func(types.Room)) error {
	args := m.Called(ctx, roomId, fn)
	return args.Error(0)
}
func (m *MockRoomStore) WatchMessages(ctx context.Context, roomId string, afterSeq int, fn func(types.Message)) error {
	args := m.Called(ctx, roomId, afterSeq, fn)
	return args.Error(0)
}
func (m *MockRoomStore) Close() error {
	args := m.Called()
	return args.Error(0)
}
