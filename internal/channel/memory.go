package channel

import (
	"context"
	"io"
	"log"
	"sync"

	"github.com/google/uuid"
)

const defaultQueueSize = 256

// MemoryStore is an in-process shared key-value medium. Each attached
// Endpoint plays the part of one independent context: it sees changes made by
// every other endpoint, delivered on its own goroutine in write order.
type MemoryStore struct {
	mu        sync.Mutex
	values    map[string]string
	endpoints map[string]*Endpoint
	log       *log.Logger
	queueSize int
}

func NewMemoryStore(logger *log.Logger) *MemoryStore {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &MemoryStore{
		values:    make(map[string]string),
		endpoints: make(map[string]*Endpoint),
		log:       logger,
		queueSize: defaultQueueSize,
	}
}

// Endpoint attaches a new context to the store. An empty id is replaced with
// a random one.
func (s *MemoryStore) Endpoint(id string) *Endpoint {
	if id == "" {
		id = uuid.NewString()
	}

	ep := &Endpoint{
		id:       id,
		store:    s,
		changes:  make(chan Change, s.queueSize),
		watchers: newWatcherSet(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	s.endpoints[id] = ep
	s.mu.Unlock()

	go ep.run()
	return ep
}

func (s *MemoryStore) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

// Len returns the number of attached endpoints.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.endpoints)
}

func (s *MemoryStore) write(origin *Endpoint, key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.values[key]
	if old == value {
		return
	}

	if value == "" {
		delete(s.values, key)
	} else {
		s.values[key] = value
	}

	c := Change{Key: key, OldValue: old, NewValue: value, Origin: origin.id}
	// enqueue under the lock so that every endpoint observes writes to a key
	// in the order they were applied
	for _, ep := range s.endpoints {
		if ep == origin {
			continue
		}
		ep.enqueue(c)
	}
}

func (s *MemoryStore) detach(ep *Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.endpoints[ep.id]; ok && cur == ep {
		delete(s.endpoints, ep.id)
	}
}

type Endpoint struct {
	id       string
	store    *MemoryStore
	changes  chan Change
	watchers *watcherSet

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

var _ Transport = (*Endpoint)(nil)

func (ep *Endpoint) Id() string {
	return ep.id
}

func (ep *Endpoint) Write(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	select {
	case <-ep.stop:
		return ErrClosed
	default:
	}

	ep.store.write(ep, key, value)
	return nil
}

// Remove deletes key; other endpoints receive a Change with an empty
// NewValue.
func (ep *Endpoint) Remove(ctx context.Context, key string) error {
	return ep.Write(ctx, key, "")
}

func (ep *Endpoint) Watch(fn func(Change)) func() {
	return ep.watchers.add(fn)
}

func (ep *Endpoint) Close() error {
	ep.closeOnce.Do(func() {
		ep.store.detach(ep)
		close(ep.stop)
		<-ep.done
	})
	return nil
}

func (ep *Endpoint) enqueue(c Change) {
	select {
	case ep.changes <- c:
	default:
		ep.store.log.Printf("change queue full on endpoint %q, dropping %q", ep.id, c.Key)
	}
}

func (ep *Endpoint) run() {
	defer close(ep.done)
	for {
		select {
		case c := <-ep.changes:
			ep.watchers.notify(c)
		case <-ep.stop:
			return
		}
	}
}
