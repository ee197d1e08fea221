package quiz

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/npezzotti/go-classroom/internal/channel"
	"github.com/npezzotti/go-classroom/internal/identity"
	"github.com/npezzotti/go-classroom/internal/stats"
	"github.com/npezzotti/go-classroom/internal/types"
)

var (
	ErrNotPermitted    = errors.New("not permitted for this role")
	ErrQuizClosed      = errors.New("quiz is not accepting answers")
	ErrInvalidAnswer   = errors.New("answer is not one of the options")
	ErrInvalidQuestion = errors.New("invalid question")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

const removeTimeout = 5 * time.Second

type State string

const (
	StateInactive State = "inactive"
	StateActive   State = "active"
)

// Snapshot is a consistent copy of a coordinator's state.
type Snapshot struct {
	State     State                         `json:"state"`
	Question  *types.QuizQuestion           `json:"question,omitempty"`
	Remaining int                           `json:"remaining"`
	Accepting bool                          `json:"accepting"`
	Responses map[string]types.QuizResponse `json:"responses"`
}

// TickerFunc returns a channel ticking every d and a function that stops it.
type TickerFunc func(d time.Duration) (<-chan time.Time, func())

func realTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// Coordinator runs one context's side of the live quiz. Every context applies
// start and end envelopes; only a teacher context launches, ends and collects
// responses, and only a student context submits.
type Coordinator struct {
	bus      *channel.Bus
	resolver identity.Resolver
	role     types.Role
	ns       channel.Namespace

	log       *log.Logger
	stats     stats.StatsProvider
	now       func() time.Time
	newTicker TickerFunc
	onChange  func(Snapshot)

	mu          sync.Mutex
	state       State
	question    *types.QuizQuestion
	remaining   int
	accepting   bool
	responses   map[string]types.QuizResponse
	lastApplied int64
	myAnswer    string

	generation    int
	countdownStop chan struct{}

	unsubscribe []func()
	stopOnce    sync.Once
}

type Option func(*Coordinator)

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func WithTicker(fn TickerFunc) Option {
	return func(c *Coordinator) { c.newTicker = fn }
}

func WithLogger(l *log.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

// WithOnChange registers fn to receive a snapshot after every state change.
func WithOnChange(fn func(Snapshot)) Option {
	return func(c *Coordinator) { c.onChange = fn }
}

func WithStats(sp stats.StatsProvider) Option {
	return func(c *Coordinator) {
		if sp != nil {
			c.stats = sp
		}
	}
}

func NewCoordinator(bus *channel.Bus, resolver identity.Resolver, role types.Role, ns channel.Namespace, opts ...Option) *Coordinator {
	c := &Coordinator{
		bus:       bus,
		resolver:  resolver,
		role:      role,
		ns:        ns,
		log:       log.New(io.Discard, "", 0),
		stats:     stats.Noop{},
		now:       time.Now,
		newTicker: realTicker,
		state:     StateInactive,
		responses: make(map[string]types.QuizResponse),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start subscribes to the quiz channels for this context's role.
func (c *Coordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unsubscribe != nil {
		return
	}

	c.unsubscribe = append(c.unsubscribe,
		channel.Subscribe(c.bus, channel.Exact(c.ns.QuizKey()), c.handleQuiz))
	if c.role == types.RoleTeacher {
		c.unsubscribe = append(c.unsubscribe,
			channel.Subscribe(c.bus, channel.Prefix(c.ns.QuizResponsePrefix()), c.handleResponse))
	}
}

// Stop unsubscribes and clears the countdown.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for _, unsub := range c.unsubscribe {
			unsub()
		}
		c.stopCountdownLocked()
	})
}

// LaunchQuiz starts a quiz for every context, replacing any active one. It
// returns the question id, generated when q has none.
func (c *Coordinator) LaunchQuiz(ctx context.Context, q types.QuizQuestion, durationSeconds int) (string, error) {
	if c.role != types.RoleTeacher {
		return "", ErrNotPermitted
	}

	if q.Id == "" {
		q.Id = uuid.NewString()
	}
	if err := validateQuestion(q, durationSeconds); err != nil {
		return "", err
	}

	c.mu.Lock()
	b := types.QuizBroadcast{
		Action:    types.QuizStart,
		Question:  &q,
		Duration:  durationSeconds,
		Timestamp: c.nextTimestampLocked(),
	}
	c.applyStartLocked(b)
	c.mu.Unlock()

	c.notify()
	c.publish(ctx, c.ns.QuizKey(), b)
	return q.Id, nil
}

func validateQuestion(q types.QuizQuestion, durationSeconds int) error {
	if durationSeconds <= 0 {
		return fmt.Errorf("%w: duration must be positive", ErrInvalidQuestion)
	}
	if err := validate.Struct(q); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidQuestion, err)
	}

	seen := make(map[string]struct{}, len(q.Options))
	for _, opt := range q.Options {
		if _, dup := seen[opt]; dup {
			return fmt.Errorf("%w: duplicate option %q", ErrInvalidQuestion, opt)
		}
		seen[opt] = struct{}{}
	}
	return nil
}

// EndQuiz closes the active quiz everywhere. Collected responses are kept for
// the final tally. Ending when no quiz is active does nothing.
func (c *Coordinator) EndQuiz(ctx context.Context) error {
	if c.role != types.RoleTeacher {
		return ErrNotPermitted
	}

	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return nil
	}
	b := types.QuizBroadcast{Action: types.QuizEnd, Timestamp: c.nextTimestampLocked()}
	c.applyEndLocked()
	c.mu.Unlock()

	c.notify()
	c.publish(ctx, c.ns.QuizKey(), b)
	return nil
}

// SubmitAnswer publishes the current student's answer under a key of its own.
// Without an identity it does nothing.
func (c *Coordinator) SubmitAnswer(ctx context.Context, quizId, answer string) error {
	if c.role != types.RoleStudent {
		return ErrNotPermitted
	}

	c.mu.Lock()
	if c.state != StateActive || !c.accepting || c.question == nil || c.question.Id != quizId {
		c.mu.Unlock()
		return ErrQuizClosed
	}
	if !slices.Contains(c.question.Options, answer) {
		c.mu.Unlock()
		return ErrInvalidAnswer
	}
	c.mu.Unlock()

	user, err := c.resolver.CurrentUser(ctx)
	if err != nil {
		if !errors.Is(err, identity.ErrNoIdentity) {
			c.log.Println("resolve user:", err)
		}
		return nil
	}

	resp := types.QuizResponse{
		QuizId:    quizId,
		UserId:    user.Id,
		UserName:  user.Name,
		Answer:    answer,
		Timestamp: types.ToMillis(c.now()),
	}

	c.mu.Lock()
	c.myAnswer = answer
	c.mu.Unlock()

	c.publish(ctx, c.ns.ResponseKey(user.Id, uuid.NewString()), resp)
	return nil
}

func (c *Coordinator) publish(ctx context.Context, key string, v any) {
	if err := c.bus.Publish(ctx, key, v); err != nil {
		c.log.Printf("publish %q: %v", key, err)
	}
}

func (c *Coordinator) handleQuiz(_ string, b types.QuizBroadcast) {
	c.mu.Lock()
	if b.Timestamp <= c.lastApplied {
		c.mu.Unlock()
		c.stats.Incr(stats.EnvelopesStale)
		return
	}

	c.lastApplied = b.Timestamp
	switch b.Action {
	case types.QuizStart:
		c.applyStartLocked(b)
	case types.QuizEnd:
		c.applyEndLocked()
	}
	c.mu.Unlock()

	c.notify()
}

// handleResponse consumes one submission. Its key is removed from the medium
// whether or not the response is accepted.
func (c *Coordinator) handleResponse(key string, r types.QuizResponse) {
	defer c.consume(key)

	c.mu.Lock()
	if c.state != StateActive || c.question == nil || c.question.Id != r.QuizId {
		c.mu.Unlock()
		c.log.Printf("rejecting response %q for quiz %q", key, r.QuizId)
		return
	}
	if !slices.Contains(c.question.Options, r.Answer) {
		c.mu.Unlock()
		c.log.Printf("rejecting response %q: unknown answer %q", key, r.Answer)
		return
	}

	c.responses[r.UserId] = r
	c.mu.Unlock()

	c.notify()
}

func (c *Coordinator) consume(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()
	if err := c.bus.Remove(ctx, key); err != nil {
		c.log.Printf("remove %q: %v", key, err)
	}
}

// must be called with c.mu held
func (c *Coordinator) applyStartLocked(b types.QuizBroadcast) {
	c.stopCountdownLocked()

	q := *b.Question
	q.Options = slices.Clone(b.Question.Options)
	c.question = &q
	c.state = StateActive
	c.remaining = b.Duration
	c.accepting = true
	c.myAnswer = ""
	c.responses = make(map[string]types.QuizResponse)

	if b.Duration > 0 {
		c.startCountdownLocked()
	}
}

// must be called with c.mu held
func (c *Coordinator) applyEndLocked() {
	c.stopCountdownLocked()
	c.state = StateInactive
	c.accepting = false
	c.remaining = 0
}

// nextTimestampLocked returns a timestamp strictly newer than anything this
// context has applied and records it.
func (c *Coordinator) nextTimestampLocked() int64 {
	ts := types.ToMillis(c.now())
	if ts <= c.lastApplied {
		ts = c.lastApplied + 1
	}
	c.lastApplied = ts
	return ts
}

func (c *Coordinator) startCountdownLocked() {
	c.generation++
	gen := c.generation
	stop := make(chan struct{})
	c.countdownStop = stop

	ticks, cancel := c.newTicker(time.Second)
	go func() {
		defer cancel()
		for {
			select {
			case <-ticks:
				if !c.tick(gen) {
					return
				}
			case <-stop:
				return
			}
		}
	}()
}

func (c *Coordinator) stopCountdownLocked() {
	if c.countdownStop != nil {
		close(c.countdownStop)
		c.countdownStop = nil
	}
	c.generation++
}

// tick decrements the local countdown and reports whether it should keep
// running. At zero a teacher context ends the quiz; a student context stops
// accepting input and waits for the end envelope.
func (c *Coordinator) tick(gen int) bool {
	c.mu.Lock()
	if gen != c.generation || c.state != StateActive {
		c.mu.Unlock()
		return false
	}

	if c.remaining > 0 {
		c.remaining--
	}
	if c.remaining > 0 {
		c.mu.Unlock()
		c.notify()
		return true
	}

	// the goroutine exits on its own
	c.countdownStop = nil
	c.generation++
	c.accepting = false

	var end *types.QuizBroadcast
	if c.role == types.RoleTeacher {
		end = &types.QuizBroadcast{Action: types.QuizEnd, Timestamp: c.nextTimestampLocked()}
		c.applyEndLocked()
	}
	c.mu.Unlock()

	c.notify()
	if end != nil {
		c.log.Println("quiz timer expired, ending quiz")
		c.publish(context.Background(), c.ns.QuizKey(), *end)
	}
	return false
}

func (c *Coordinator) notify() {
	if c.onChange != nil {
		c.onChange(c.Snapshot())
	}
}

func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		State:     c.state,
		Remaining: c.remaining,
		Accepting: c.accepting,
		Responses: c.copyResponsesLocked(),
	}
	if c.question != nil {
		q := *c.question
		q.Options = slices.Clone(c.question.Options)
		s.Question = &q
	}
	return s
}

func (c *Coordinator) copyResponsesLocked() map[string]types.QuizResponse {
	out := make(map[string]types.QuizResponse, len(c.responses))
	for k, v := range c.responses {
		out[k] = v
	}
	return out
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Question returns the active or most recently ended question.
func (c *Coordinator) Question() (types.QuizQuestion, bool) {
	s := c.Snapshot()
	if s.Question == nil {
		return types.QuizQuestion{}, false
	}
	return *s.Question, true
}

func (c *Coordinator) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}

func (c *Coordinator) AcceptingInput() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accepting
}

// MyAnswer returns the answer this student context last submitted for the
// current question.
func (c *Coordinator) MyAnswer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.myAnswer
}

func (c *Coordinator) Responses() map[string]types.QuizResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.copyResponsesLocked()
}

// Tally counts responses per option of the current question.
func (c *Coordinator) Tally() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()

	tally := make(map[string]int)
	if c.question == nil {
		return tally
	}
	for _, opt := range c.question.Options {
		tally[opt] = 0
	}
	for _, r := range c.responses {
		if _, ok := tally[r.Answer]; ok {
			tally[r.Answer]++
		}
	}
	return tally
}
