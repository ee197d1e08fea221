package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/npezzotti/go-classroom/internal/stats"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Bus is one context's typed view of a Transport. Components publish and
// subscribe to envelopes through it; they never touch the transport directly.
type Bus struct {
	transport Transport
	log       *log.Logger
	stats     stats.StatsProvider

	mu     sync.RWMutex
	nextId int
	subs   map[int]subscription

	cancelWatch func()
	closeOnce   sync.Once
}

type subscription struct {
	topic   Topic
	deliver func(Change)
}

type BusOption func(*Bus)

func WithLogger(l *log.Logger) BusOption {
	return func(b *Bus) {
		if l != nil {
			b.log = l
		}
	}
}

func WithStats(sp stats.StatsProvider) BusOption {
	return func(b *Bus) {
		if sp != nil {
			b.stats = sp
		}
	}
}

func NewBus(t Transport, opts ...BusOption) *Bus {
	b := &Bus{
		transport: t,
		log:       log.New(io.Discard, "", 0),
		stats:     stats.Noop{},
		subs:      make(map[int]subscription),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.cancelWatch = t.Watch(b.dispatch)
	return b
}

// Publish encodes v as JSON and writes it under key. Delivery is not
// acknowledged.
func (b *Bus) Publish(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode envelope %q: %w", key, err)
	}

	if err := b.transport.Write(ctx, key, string(data)); err != nil {
		return fmt.Errorf("write %q: %w", key, err)
	}

	b.stats.Incr(stats.EnvelopesPublished)
	return nil
}

// Remove deletes key from the medium. Subscribers are not called for
// removals.
func (b *Bus) Remove(ctx context.Context, key string) error {
	if err := b.transport.Write(ctx, key, ""); err != nil {
		return fmt.Errorf("remove %q: %w", key, err)
	}
	return nil
}

// Subscribe registers handler for every change whose key matches topic.
// Payloads that fail to decode or validate are logged and dropped; handler
// only ever sees valid envelopes.
func Subscribe[T any](b *Bus, topic Topic, handler func(key string, v T)) (unsubscribe func()) {
	return b.subscribe(topic, func(c Change) {
		var v T
		if err := Decode(c.Key, c.NewValue, &v); err != nil {
			b.log.Println("dropping envelope:", err)
			b.stats.Incr(stats.EnvelopesDropped)
			return
		}

		b.stats.Incr(stats.EnvelopesReceived)
		handler(c.Key, v)
	})
}

// Decode unmarshals raw into v and validates the result.
func Decode(key, raw string, v any) error {
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return &DecodeError{Key: key, Err: err}
	}

	if err := validate.Struct(v); err != nil {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			// not a struct; nothing to validate
			return nil
		}
		return &DecodeError{Key: key, Err: err}
	}

	return nil
}

func (b *Bus) subscribe(topic Topic, deliver func(Change)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextId
	b.nextId++
	b.subs[id] = subscription{topic: topic, deliver: deliver}

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

func (b *Bus) dispatch(c Change) {
	if c.NewValue == "" {
		// removals carry no envelope
		return
	}

	b.mu.RLock()
	matched := make([]func(Change), 0, 1)
	for _, sub := range b.subs {
		if sub.topic.Matches(c.Key) {
			matched = append(matched, sub.deliver)
		}
	}
	b.mu.RUnlock()

	for _, deliver := range matched {
		b.safeDeliver(deliver, c)
	}
}

// safeDeliver keeps one faulty handler from taking down the transport's
// delivery goroutine.
func (b *Bus) safeDeliver(deliver func(Change), c Change) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Printf("handler for %q panicked: %v", c.Key, r)
		}
	}()
	deliver(c)
}

// Close detaches the bus from its transport and closes the transport.
func (b *Bus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.cancelWatch()
		err = b.transport.Close()
	})
	return err
}
