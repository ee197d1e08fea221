package database

import (
	"context"
	"log"
	"sync"

	"github.com/npezzotti/go-classroom/internal/types"
)

const watchQueueSize = 64

// feed fans values out to watchers grouped by room id. Each watcher runs on
// its own goroutine so a slow consumer never stalls the writer; a full queue
// drops the value and logs it.
type feed[T any] struct {
	mu   sync.Mutex
	next int
	subs map[string]map[int]*watcher[T]
	log  *log.Logger
	name string
}

type watcher[T any] struct {
	id    int
	queue chan T
}

func newFeed[T any](name string, logger *log.Logger) *feed[T] {
	return &feed[T]{
		subs: make(map[string]map[int]*watcher[T]),
		log:  logger,
		name: name,
	}
}

// subscribe registers fn for roomId. prime runs on the watcher's goroutine
// before any queued value is delivered and returns the backlog to deliver
// first. accept filters every delivery, backlog included.
func (f *feed[T]) subscribe(ctx context.Context, roomId string, fn func(T), prime func() ([]T, error), accept func(T) bool) {
	f.mu.Lock()
	w := &watcher[T]{id: f.next, queue: make(chan T, watchQueueSize)}
	f.next++
	if f.subs[roomId] == nil {
		f.subs[roomId] = make(map[int]*watcher[T])
	}
	f.subs[roomId][w.id] = w
	f.mu.Unlock()

	deliver := func(v T) {
		if accept == nil || accept(v) {
			fn(v)
		}
	}

	go func() {
		defer f.remove(roomId, w.id)

		if prime != nil {
			backlog, err := prime()
			if err != nil {
				f.log.Printf("%s watch %q: %v", f.name, roomId, err)
			}
			for _, v := range backlog {
				deliver(v)
			}
		}

		for {
			select {
			case v := <-w.queue:
				deliver(v)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (f *feed[T]) remove(roomId string, id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs[roomId], id)
	if len(f.subs[roomId]) == 0 {
		delete(f.subs, roomId)
	}
}

func (f *feed[T]) publish(roomId string, v T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, w := range f.subs[roomId] {
		select {
		case w.queue <- v:
		default:
			f.log.Printf("%s watcher queue full for room %q, dropping update", f.name, roomId)
		}
	}
}

func (f *feed[T]) watching(roomId string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[roomId]) > 0
}

func (f *feed[T]) rooms() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.subs))
	for id := range f.subs {
		ids = append(ids, id)
	}
	return ids
}

// newerThan returns a filter that passes each message once, in increasing
// sequence order, starting after seq. It must only be used from a single
// watcher goroutine.
func newerThan(seq int) func(types.Message) bool {
	last := seq
	return func(msg types.Message) bool {
		if msg.SeqId <= last {
			return false
		}
		last = msg.SeqId
		return true
	}
}
