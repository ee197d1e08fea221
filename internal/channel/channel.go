package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrClosed = errors.New("transport closed")
)

// Change is a single change notification for one key of the shared medium.
// An empty NewValue means the key was removed.
type Change struct {
	Key      string
	OldValue string
	NewValue string
	Origin   string
}

// Transport is a shared key-value medium with change notifications.
//
// Write stores value under key. Every other endpoint attached to the same
// medium receives a Change for it; the writing endpoint never does. Writing a
// value equal to the current one produces no notification. Notifications for
// a single key arrive in write order; there is no ordering across keys or
// across writers.
//
// Callers that need every writer's value to survive must use a distinct key
// per writer (see Namespace.ResponseKey).
type Transport interface {
	Write(ctx context.Context, key, value string) error
	Watch(fn func(Change)) (cancel func())
	Close() error
}

// DecodeError reports an envelope that could not be decoded or failed
// validation. It is never returned to publishers.
type DecodeError struct {
	Key string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode envelope %q: %s", e.Key, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

type watcherSet struct {
	mu   sync.RWMutex
	next int
	fns  map[int]func(Change)
}

func newWatcherSet() *watcherSet {
	return &watcherSet{fns: make(map[int]func(Change))}
}

func (w *watcherSet) add(fn func(Change)) func() {
	w.mu.Lock()
	defer w.mu.Unlock()

	id := w.next
	w.next++
	w.fns[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			delete(w.fns, id)
			w.mu.Unlock()
		})
	}
}

func (w *watcherSet) notify(c Change) {
	w.mu.RLock()
	fns := make([]func(Change), 0, len(w.fns))
	for _, fn := range w.fns {
		fns = append(fns, fn)
	}
	w.mu.RUnlock()

	for _, fn := range fns {
		fn(c)
	}
}

func (w *watcherSet) len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.fns)
}
