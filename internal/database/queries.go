package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/npezzotti/go-classroom/internal/types"
)

const (
	selectRoomQuery = "SELECT id, name, course, host_id, host_name, host_is_teacher, host_joined_at, " +
		"active, seq_id, created_at, updated_at FROM study_rooms"

	// reconcileHostQuery promotes the earliest-joined participant when the
	// host is gone, or deactivates the room when nobody is left, in a single
	// statement.
	reconcileHostQuery = `
		WITH next_host AS (
			SELECT participant_id, name, is_teacher, joined_at
			FROM room_participants
			WHERE room_id = $1
			ORDER BY joined_at, participant_id
			LIMIT 1
		)
		UPDATE study_rooms SET
			host_id = COALESCE((SELECT participant_id FROM next_host), host_id),
			host_name = COALESCE((SELECT name FROM next_host), host_name),
			host_is_teacher = COALESCE((SELECT is_teacher FROM next_host), host_is_teacher),
			host_joined_at = COALESCE((SELECT joined_at FROM next_host), host_joined_at),
			active = EXISTS (SELECT 1 FROM next_host),
			updated_at = $2
		WHERE id = $1 AND active AND NOT EXISTS (
			SELECT 1 FROM room_participants p
			WHERE p.room_id = $1 AND p.participant_id = study_rooms.host_id
		)`
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoom(row rowScanner) (types.Room, error) {
	var r types.Room
	err := row.Scan(
		&r.Id,
		&r.Name,
		&r.Course,
		&r.Host.Id,
		&r.Host.Name,
		&r.Host.IsTeacher,
		&r.Host.JoinedAt,
		&r.Active,
		&r.SeqId,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	return r, err
}

func (s *PgRoomStore) CreateRoom(ctx context.Context, params CreateRoomParams) (types.Room, error) {
	ts := now()
	row := s.conn.QueryRowContext(ctx,
		"INSERT INTO study_rooms (id, name, course, host_id, host_name, host_is_teacher, host_joined_at, "+
			"active, seq_id, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, 0, $8, $8) "+
			"RETURNING id, name, course, host_id, host_name, host_is_teacher, host_joined_at, active, seq_id, created_at, updated_at",
		params.Id,
		params.Name,
		params.Course,
		params.Host.Id,
		params.Host.Name,
		params.Host.IsTeacher,
		params.Host.JoinedAt,
		ts,
	)

	room, err := scanRoom(row)
	if err != nil {
		return types.Room{}, fmt.Errorf("insert room: %w", err)
	}
	room.Participants = []types.Participant{}
	return room, nil
}

func (s *PgRoomStore) GetRoom(ctx context.Context, roomId string) (types.Room, error) {
	room, err := scanRoom(s.conn.QueryRowContext(ctx, selectRoomQuery+" WHERE id = $1 LIMIT 1", roomId))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Room{}, ErrRoomNotFound
		}
		return types.Room{}, fmt.Errorf("select room: %w", err)
	}

	room.Participants, err = s.participants(ctx, roomId)
	if err != nil {
		return types.Room{}, err
	}
	return room, nil
}

func (s *PgRoomStore) participants(ctx context.Context, roomId string) ([]types.Participant, error) {
	rows, err := s.conn.QueryContext(ctx,
		"SELECT participant_id, name, is_teacher, joined_at FROM room_participants "+
			"WHERE room_id = $1 ORDER BY joined_at, participant_id",
		roomId,
	)
	if err != nil {
		return nil, fmt.Errorf("select participants: %w", err)
	}
	defer rows.Close()

	participants := make([]types.Participant, 0)
	for rows.Next() {
		var p types.Participant
		if err := rows.Scan(&p.Id, &p.Name, &p.IsTeacher, &p.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		participants = append(participants, p)
	}

	return participants, rows.Err()
}

func (s *PgRoomStore) ListActiveRooms(ctx context.Context) ([]types.Room, error) {
	rows, err := s.conn.QueryContext(ctx, selectRoomQuery+" WHERE active ORDER BY created_at DESC, id")
	if err != nil {
		return nil, fmt.Errorf("select rooms: %w", err)
	}
	defer rows.Close()

	rooms := make([]types.Room, 0)
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		rooms = append(rooms, room)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	for i := range rooms {
		if rooms[i].Participants, err = s.participants(ctx, rooms[i].Id); err != nil {
			return nil, err
		}
	}
	return rooms, nil
}

func (s *PgRoomStore) AddParticipant(ctx context.Context, roomId string, p types.Participant) (bool, error) {
	res, err := s.conn.ExecContext(ctx,
		"INSERT INTO room_participants (room_id, participant_id, name, is_teacher, joined_at) "+
			"SELECT id, $2, $3, $4, $5 FROM study_rooms WHERE id = $1 AND active FOR SHARE "+
			"ON CONFLICT (room_id, participant_id) DO NOTHING",
		roomId,
		p.Id,
		p.Name,
		p.IsTeacher,
		p.JoinedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert participant: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, s.roomOpen(ctx, roomId)
	}
	return true, nil
}

// roomOpen returns ErrRoomNotFound or ErrRoomClosed unless the room exists
// and is active.
func (s *PgRoomStore) roomOpen(ctx context.Context, roomId string) error {
	var active bool
	err := s.conn.QueryRowContext(ctx, "SELECT active FROM study_rooms WHERE id = $1", roomId).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrRoomNotFound
	}
	if err != nil {
		return fmt.Errorf("check room: %w", err)
	}
	if !active {
		return ErrRoomClosed
	}
	return nil
}

func (s *PgRoomStore) RemoveParticipant(ctx context.Context, roomId, participantId string) (bool, error) {
	res, err := s.conn.ExecContext(ctx,
		"DELETE FROM room_participants WHERE room_id = $1 AND participant_id = $2",
		roomId,
		participantId,
	)
	if err != nil {
		return false, fmt.Errorf("delete participant: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, s.roomExists(ctx, roomId)
	}
	return true, nil
}

func (s *PgRoomStore) roomExists(ctx context.Context, roomId string) error {
	var exists bool
	err := s.conn.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM study_rooms WHERE id = $1)", roomId).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check room: %w", err)
	}
	if !exists {
		return ErrRoomNotFound
	}
	return nil
}

func (s *PgRoomStore) ReconcileHost(ctx context.Context, roomId string) (types.Room, error) {
	if _, err := s.conn.ExecContext(ctx, reconcileHostQuery, roomId, now()); err != nil {
		return types.Room{}, fmt.Errorf("reconcile host: %w", err)
	}
	return s.GetRoom(ctx, roomId)
}

func (s *PgRoomStore) AppendMessage(ctx context.Context, msg types.Message) (types.Message, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return types.Message{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	msg.Timestamp = now()
	err = tx.QueryRowContext(ctx,
		"UPDATE study_rooms SET seq_id = seq_id + 1, updated_at = $2 WHERE id = $1 RETURNING seq_id",
		msg.RoomId,
		msg.Timestamp,
	).Scan(&msg.SeqId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Message{}, ErrRoomNotFound
		}
		return types.Message{}, fmt.Errorf("next seq id: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO room_messages (room_id, seq_id, sender_id, sender_name, text, is_teacher, is_system, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8)",
		msg.RoomId,
		msg.SeqId,
		msg.SenderId,
		msg.SenderName,
		msg.Text,
		msg.IsTeacher,
		msg.IsSystem,
		msg.Timestamp,
	)
	if err != nil {
		return types.Message{}, fmt.Errorf("insert message: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return types.Message{}, err
	}
	return msg, nil
}

func (s *PgRoomStore) ListMessages(ctx context.Context, roomId string, after, limit int) ([]types.Message, error) {
	rows, err := s.conn.QueryContext(ctx,
		"SELECT room_id, seq_id, sender_id, sender_name, text, is_teacher, is_system, created_at FROM room_messages "+
			"WHERE room_id = $1 AND seq_id > $2 ORDER BY seq_id ASC LIMIT $3",
		roomId,
		after,
		clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}
	defer rows.Close()

	messages := make([]types.Message, 0)
	for rows.Next() {
		var m types.Message
		if err := rows.Scan(&m.RoomId, &m.SeqId, &m.SenderId, &m.SenderName, &m.Text, &m.IsTeacher, &m.IsSystem, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}

	return messages, rows.Err()
}
