package database

import (
	"context"
	"errors"
	"time"

	"github.com/npezzotti/go-classroom/internal/types"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomClosed   = errors.New("room is closed")
)

const (
	DefaultMessageLimit = 50
	MaxMessageLimit     = 200
)

type CreateRoomParams struct {
	Id     string
	Name   string
	Course string
	Host   types.Participant
}

// RoomStore is the shared document store behind study rooms. Participant
// changes are set operations applied by the store itself, never a
// read-modify-write of the whole list, so concurrent joins and leaves cannot
// lose updates.
type RoomStore interface {
	Ping(ctx context.Context) error
	CreateRoom(ctx context.Context, params CreateRoomParams) (types.Room, error)
	GetRoom(ctx context.Context, roomId string) (types.Room, error)
	ListActiveRooms(ctx context.Context) ([]types.Room, error)
	// AddParticipant adds p unless a participant with the same id is
	// present. It reports whether the set changed. Inactive rooms refuse new
	// participants with ErrRoomClosed.
	AddParticipant(ctx context.Context, roomId string, p types.Participant) (bool, error)
	// RemoveParticipant reports whether a participant was removed.
	RemoveParticipant(ctx context.Context, roomId, participantId string) (bool, error)
	// ReconcileHost promotes the earliest-joined remaining participant when
	// the host is no longer present, and deactivates the room when nobody
	// remains. It returns the room after the update.
	ReconcileHost(ctx context.Context, roomId string) (types.Room, error)
	// AppendMessage assigns the next sequence id and the server timestamp.
	AppendMessage(ctx context.Context, msg types.Message) (types.Message, error)
	// ListMessages returns up to limit messages with a sequence id greater
	// than after, oldest first.
	ListMessages(ctx context.Context, roomId string, after, limit int) ([]types.Message, error)
	// WatchRoom delivers the current room and every later change to it
	// until ctx is done.
	WatchRoom(ctx context.Context, roomId string, fn func(types.Room)) error
	// WatchMessages delivers every message after afterSeq, then new ones as
	// they are appended, until ctx is done.
	WatchMessages(ctx context.Context, roomId string, afterSeq int, fn func(types.Message)) error
	Close() error
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultMessageLimit
	}
	return min(limit, MaxMessageLimit)
}

func now() time.Time {
	return time.Now().UTC()
}
