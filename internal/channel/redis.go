package channel

import (
	"context"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// writeScript stores the value and publishes the change frame in one atomic
// step, so subscribers see writes to a key in the order they were applied.
// The frame fields match Frame's JSON tags. A positive ARGV[4] sets the
// key's expiry in milliseconds.
var writeScript = redis.NewScript(`
local old = redis.call('GET', KEYS[1])
if old == ARGV[1] then
	return 0
end
if ARGV[1] == '' then
	redis.call('DEL', KEYS[1])
elseif tonumber(ARGV[4]) > 0 then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[4])
else
	redis.call('SET', KEYS[1], ARGV[1])
end
local frame = cjson.encode({type = 'change', key = KEYS[1], value = ARGV[1], old = old or '', origin = ARGV[2]})
redis.call('PUBLISH', ARGV[3], frame)
return 1
`)

// ResponseTTL bounds how long a quiz response outlives a teacher that never
// consumes it.
const ResponseTTL = time.Hour

// RedisTransport uses Redis as the shared medium: values live in ordinary
// keys and change frames travel over a pub/sub channel per namespace.
type RedisTransport struct {
	client         *redis.Client
	origin         string
	channel        string
	responsePrefix string
	log      *log.Logger
	watchers *watcherSet

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

var _ Transport = (*RedisTransport)(nil)

func NewRedisTransport(client *redis.Client, ns Namespace, logger *log.Logger) *RedisTransport {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &RedisTransport{
		client:         client,
		origin:         uuid.NewString(),
		channel:        ns.ChangesChannel(),
		responsePrefix: ns.QuizResponsePrefix(),
		log:            logger,
		watchers:       newWatcherSet(),
	}
}

func (t *RedisTransport) Origin() string {
	return t.origin
}

func (t *RedisTransport) Write(ctx context.Context, key, value string) error {
	return writeScript.Run(ctx, t.client, []string{key}, value, t.origin, t.channel, t.ttlFor(key).Milliseconds()).Err()
}

// ttlFor returns the expiry for key, zero meaning none. Only response keys
// expire; every other key holds the latest state of its channel.
func (t *RedisTransport) ttlFor(key string) time.Duration {
	if strings.HasPrefix(key, t.responsePrefix) {
		return ResponseTTL
	}
	return 0
}

// Watch starts the pub/sub subscription on first use.
func (t *RedisTransport) Watch(fn func(Change)) func() {
	cancel := t.watchers.add(fn)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel == nil {
		ctx, stop := context.WithCancel(context.Background())
		t.cancel = stop
		t.done = make(chan struct{})
		go t.subscribe(ctx)
	}

	return cancel
}

func (t *RedisTransport) subscribe(ctx context.Context) {
	defer close(t.done)

	pubsub := t.client.Subscribe(ctx, t.channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			t.handlePayload(msg.Payload)
		}
	}
}

func (t *RedisTransport) handlePayload(payload string) {
	f, err := ParseFrame([]byte(payload))
	if err != nil {
		t.log.Println("redis transport:", err)
		return
	}

	if f.Type != FrameChange || f.Origin == t.origin {
		return
	}

	t.watchers.notify(f.Change())
}

func (t *RedisTransport) Close() error {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}
