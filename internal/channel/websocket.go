package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait = 10 * time.Second
	wsSendQueue = 256
)

// WSTransport is an endpoint of a relay reached over a websocket. The relay
// keeps the shared values and fans changes out to its other clients.
type WSTransport struct {
	conn     *websocket.Conn
	log      *log.Logger
	watchers *watcherSet
	send     chan Frame

	stop      chan struct{}
	readDone  chan struct{}
	writeDone chan struct{}
	closeOnce sync.Once
}

var _ Transport = (*WSTransport)(nil)

// DialRelay connects to a relay endpoint such as ws://host/ws/channel?ns=classroom.
func DialRelay(ctx context.Context, url string, header http.Header, logger *log.Logger) (*WSTransport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	return NewWSTransport(conn, logger), nil
}

func NewWSTransport(conn *websocket.Conn, logger *log.Logger) *WSTransport {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	t := &WSTransport{
		conn:      conn,
		log:       logger,
		watchers:  newWatcherSet(),
		send:      make(chan Frame, wsSendQueue),
		stop:      make(chan struct{}),
		readDone:  make(chan struct{}),
		writeDone: make(chan struct{}),
	}

	go t.readPump()
	go t.writePump()
	return t
}

func (t *WSTransport) Write(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	select {
	case <-t.stop:
		return ErrClosed
	case <-t.readDone:
		return ErrClosed
	case t.send <- Frame{Type: FrameWrite, Key: key, Value: value}:
		return nil
	default:
		return fmt.Errorf("write %q: send queue full", key)
	}
}

func (t *WSTransport) Watch(fn func(Change)) func() {
	return t.watchers.add(fn)
}

func (t *WSTransport) readPump() {
	defer close(t.readDone)

	for {
		_, raw, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				t.log.Printf("relay read: %v", err)
			}
			return
		}

		f, err := ParseFrame(raw)
		if err != nil {
			t.log.Println("relay:", err)
			continue
		}

		switch f.Type {
		case FrameChange:
			t.watchers.notify(f.Change())
		case FrameError:
			t.log.Printf("relay error for %q: %s", f.Key, f.Error)
		}
	}
}

func (t *WSTransport) writePump() {
	defer close(t.writeDone)

	for {
		select {
		case f := <-t.send:
			data, err := json.Marshal(f)
			if err != nil {
				t.log.Println("failed to serialize frame:", err)
				continue
			}

			t.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				t.log.Printf("relay write: %v", err)
				return
			}
		case <-t.readDone:
			return
		case <-t.stop:
			t.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsWriteWait),
			)
			return
		}
	}
}

func (t *WSTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.stop)
		<-t.writeDone
		err = t.conn.Close()
		<-t.readDone
	})
	return err
}
