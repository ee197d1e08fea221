package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/npezzotti/go-classroom/internal/types"
)

const (
	notifyChannel        = "study_room_events"
	minReconnectInterval = 10 * time.Second
	maxReconnectInterval = time.Minute
)

// PgRoomStore keeps study rooms in Postgres. Live updates come from
// LISTEN/NOTIFY; the triggers that raise them are installed by Migrate.
type PgRoomStore struct {
	conn *sql.DB
	dsn  string
	log  *log.Logger

	roomFeed    *feed[types.Room]
	messageFeed *feed[types.Message]

	listenOnce sync.Once
	listenErr  error
	listener   *pq.Listener
	stop       chan struct{}
	done       chan struct{}
}

var _ RoomStore = (*PgRoomStore)(nil)

func NewPgRoomStore(dsn string, logger *log.Logger) (*PgRoomStore, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	return &PgRoomStore{
		conn:        db,
		dsn:         dsn,
		log:         logger,
		roomFeed:    newFeed[types.Room]("room", logger),
		messageFeed: newFeed[types.Message]("message", logger),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}, nil
}

// DB exposes the connection pool for migrations.
func (s *PgRoomStore) DB() *sql.DB {
	return s.conn
}

func (s *PgRoomStore) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

func (s *PgRoomStore) Close() error {
	if s.listener != nil {
		close(s.stop)
		<-s.done
		s.listener.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

type roomEvent struct {
	RoomId string `json:"room_id"`
	Kind   string `json:"kind"`
	SeqId  int    `json:"seq_id"`
}

// listen starts the shared LISTEN connection the first time a watch is
// registered.
func (s *PgRoomStore) listen() error {
	s.listenOnce.Do(func() {
		s.listener = pq.NewListener(s.dsn, minReconnectInterval, maxReconnectInterval, func(ev pq.ListenerEventType, err error) {
			if err != nil {
				s.log.Printf("room listener: %v", err)
			}
		})
		if err := s.listener.Listen(notifyChannel); err != nil {
			s.listenErr = fmt.Errorf("listen %s: %w", notifyChannel, err)
			s.listener.Close()
			s.listener = nil
			return
		}
		go s.dispatch()
	})
	return s.listenErr
}

func (s *PgRoomStore) dispatch() {
	defer close(s.done)

	for {
		select {
		case n := <-s.listener.Notify:
			if n == nil {
				// the connection was re-established; notifications may have
				// been lost, so refresh every watched room
				s.log.Println("room listener reconnected")
				for _, id := range s.roomFeed.rooms() {
					s.publishRoom(id)
				}
				continue
			}
			s.handleNotification(n.Extra)
		case <-time.After(90 * time.Second):
			go s.listener.Ping()
		case <-s.stop:
			return
		}
	}
}

func (s *PgRoomStore) handleNotification(payload string) {
	var ev roomEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		s.log.Println("bad room notification:", err)
		return
	}

	switch ev.Kind {
	case "room":
		s.publishRoom(ev.RoomId)
	case "message":
		if !s.messageFeed.watching(ev.RoomId) {
			return
		}
		msgs, err := s.ListMessages(context.Background(), ev.RoomId, ev.SeqId-1, 1)
		if err != nil {
			s.log.Printf("load message %d for room %q: %v", ev.SeqId, ev.RoomId, err)
			return
		}
		for _, m := range msgs {
			s.messageFeed.publish(ev.RoomId, m)
		}
	}
}

func (s *PgRoomStore) publishRoom(roomId string) {
	if !s.roomFeed.watching(roomId) {
		return
	}
	room, err := s.GetRoom(context.Background(), roomId)
	if err != nil {
		s.log.Printf("load room %q: %v", roomId, err)
		return
	}
	s.roomFeed.publish(roomId, room)
}

func (s *PgRoomStore) WatchRoom(ctx context.Context, roomId string, fn func(types.Room)) error {
	if _, err := s.GetRoom(ctx, roomId); err != nil {
		return err
	}
	if err := s.listen(); err != nil {
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

func (s *PgRoomStore) WatchMessages(ctx context.Context, roomId string, afterSeq int, fn func(types.Message)) error {
	if _, err := s.GetRoom(ctx, roomId); err != nil {
		return err
	}
	if err := s.listen(); err != nil {
		return err
	}

	s.messageFeed.subscribe(ctx, roomId, fn, func() ([]types.Message, error) {
		var backlog []types.Message
		after := afterSeq
		for {
			page, err := s.ListMessages(ctx, roomId, after, MaxMessageLimit)
			if err != nil {
				return backlog, err
			}
			backlog = append(backlog, page...)
			if len(page) < MaxMessageLimit {
				return backlog, nil
			}
			after = page[len(page)-1].SeqId
		}
	}, newerThan(afterSeq))
	return nil
}
