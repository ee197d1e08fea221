package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-classroom/internal/channel"
	"github.com/npezzotti/go-classroom/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Client is one remote context attached to a namespace on behalf of an
// authenticated user.
type Client struct {
	conn     *websocket.Conn
	relay    *Relay
	log      *log.Logger
	user     types.User
	ns       channel.Namespace
	endpoint *channel.Endpoint
	send     chan channel.Frame
	stop     chan struct{}
	stopOnce sync.Once
}

func newClient(conn *websocket.Conn, r *Relay, u types.User, ns channel.Namespace, ep *channel.Endpoint, l *log.Logger) *Client {
	c := &Client{
		conn:     conn,
		relay:    r,
		log:      l,
		user:     u,
		ns:       ns,
		endpoint: ep,
		send:     make(chan channel.Frame, 256),
		stop:     make(chan struct{}),
	}

	ep.Watch(func(ch channel.Change) {
		c.queueFrame(channel.ChangeFrame(ch))
	})
	return c
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case f := <-c.send:
			data, err := json.Marshal(f)
			if err != nil {
				c.log.Println("relay: failed to serialize frame:", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, data) {
				return
			}
		case <-c.stop:
			c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"),
				time.Now().Add(writeWait),
			)
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("relay: read: %v", err)
			}
			return
		}

		f, err := channel.ParseFrame(raw)
		if err != nil {
			c.queueFrame(channel.Frame{Type: channel.FrameError, Error: err.Error()})
			continue
		}

		if f.Type != channel.FrameWrite {
			c.queueFrame(channel.Frame{
				Type:  channel.FrameError,
				Key:   f.Key,
				Error: fmt.Sprintf("unexpected %s frame", f.Type),
			})
			continue
		}

		if err := authorizeWrite(c.ns, c.user, f.Key, f.Value, time.Now()); err != nil {
			c.log.Printf("relay: rejected write to %q from user %q: %v", f.Key, c.user.Id, err)
			c.queueFrame(channel.Frame{Type: channel.FrameError, Key: f.Key, Error: err.Error()})
			continue
		}

		if err := c.endpoint.Write(context.Background(), f.Key, f.Value); err != nil {
			c.queueFrame(channel.Frame{Type: channel.FrameError, Key: f.Key, Error: err.Error()})
		}
	}
}

func (c *Client) queueFrame(f channel.Frame) bool {
	select {
	case c.send <- f:
	default:
		c.log.Printf("relay: send queue full for client %q, dropping %q", c.endpoint.Id(), f.Key)
		return false
	}

	return true
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("relay: write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

func (c *Client) cleanup() {
	c.relay.deRegister(c)
	c.endpoint.Close()
	c.stopClient()
}
