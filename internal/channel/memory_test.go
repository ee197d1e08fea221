package channel

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/go-classroom/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type changeRecorder struct {
	mu      sync.Mutex
	changes []Change
}

func (r *changeRecorder) record(c Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *changeRecorder) snapshot() []Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Change(nil), r.changes...)
}

func TestMemoryStore_WriterIsNotNotified(t *testing.T) {
	store := NewMemoryStore(testutil.TestLogger(t))
	writer := store.Endpoint("writer")
	reader := store.Endpoint("reader")
	defer writer.Close()
	defer reader.Close()

	var writerSeen, readerSeen changeRecorder
	writer.Watch(writerSeen.record)
	reader.Watch(readerSeen.record)

	require.NoError(t, writer.Write(context.Background(), "k", "v1"))

	require.Eventually(t, func() bool { return len(readerSeen.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	got := readerSeen.snapshot()[0]
	assert.Equal(t, Change{Key: "k", OldValue: "", NewValue: "v1", Origin: "writer"}, got)

	// give the writer's goroutine a chance to deliver anything it wrongly received
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, writerSeen.snapshot(), "expected writer not to observe its own write")

	v, ok := store.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v1", v)
}

func TestMemoryStore_SameValueDoesNotNotify(t *testing.T) {
	store := NewMemoryStore(testutil.TestLogger(t))
	writer := store.Endpoint("")
	reader := store.Endpoint("")
	defer writer.Close()
	defer reader.Close()

	var seen changeRecorder
	reader.Watch(seen.record)

	ctx := context.Background()
	require.NoError(t, writer.Write(ctx, "k", "same"))
	require.NoError(t, writer.Write(ctx, "k", "same"))
	require.NoError(t, writer.Write(ctx, "k", "other"))

	require.Eventually(t, func() bool { return len(seen.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	changes := seen.snapshot()
	assert.Equal(t, "same", changes[0].NewValue)
	assert.Equal(t, "same", changes[1].OldValue)
	assert.Equal(t, "other", changes[1].NewValue)
}

func TestMemoryStore_PerKeyOrder(t *testing.T) {
	store := NewMemoryStore(testutil.TestLogger(t))
	writer := store.Endpoint("w")
	reader := store.Endpoint("r")
	defer writer.Close()
	defer reader.Close()

	var seen changeRecorder
	reader.Watch(seen.record)

	for i := 0; i < 50; i++ {
		require.NoError(t, writer.Write(context.Background(), "counter", fmt.Sprint(i)))
	}

	require.Eventually(t, func() bool { return len(seen.snapshot()) == 50 }, time.Second, 5*time.Millisecond)
	for i, c := range seen.snapshot() {
		assert.Equal(t, fmt.Sprint(i), c.NewValue, "expected change %d in write order", i)
	}
}

func TestMemoryStore_Remove(t *testing.T) {
	store := NewMemoryStore(testutil.TestLogger(t))
	writer := store.Endpoint("w")
	reader := store.Endpoint("r")
	defer writer.Close()
	defer reader.Close()

	var seen changeRecorder
	reader.Watch(seen.record)

	ctx := context.Background()
	require.NoError(t, writer.Write(ctx, "k", "v"))
	require.NoError(t, writer.Remove(ctx, "k"))

	require.Eventually(t, func() bool { return len(seen.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "", seen.snapshot()[1].NewValue)
	_, ok := store.Get("k")
	assert.False(t, ok, "expected key to be removed")
}

func TestEndpoint_Close(t *testing.T) {
	store := NewMemoryStore(testutil.TestLogger(t))
	ep := store.Endpoint("a")
	assert.Equal(t, 1, store.Len())

	require.NoError(t, ep.Close())
	assert.NoError(t, ep.Close(), "expected second close to be a no-op")
	assert.Equal(t, 0, store.Len(), "expected endpoint to be detached")
	assert.ErrorIs(t, ep.Write(context.Background(), "k", "v"), ErrClosed)
}

func TestEndpoint_WriteCanceledContext(t *testing.T) {
	store := NewMemoryStore(testutil.TestLogger(t))
	ep := store.Endpoint("a")
	defer ep.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, ep.Write(ctx, "k", "v"), context.Canceled)
	_, ok := store.Get("k")
	assert.False(t, ok)
}

func TestEndpoint_UnwatchStopsDelivery(t *testing.T) {
	store := NewMemoryStore(testutil.TestLogger(t))
	writer := store.Endpoint("w")
	reader := store.Endpoint("r")
	defer writer.Close()
	defer reader.Close()

	var first, second changeRecorder
	cancel := reader.Watch(first.record)
	reader.Watch(second.record)
	cancel()
	cancel()

	require.NoError(t, writer.Write(context.Background(), "k", "v"))
	require.Eventually(t, func() bool { return len(second.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, first.snapshot())
}
