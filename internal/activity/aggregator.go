package activity

import (
	"errors"
	"io"
	"log"
	"math"
	"sync"
	"time"

	"github.com/npezzotti/go-classroom/internal/channel"
	"github.com/npezzotti/go-classroom/internal/stats"
	"github.com/npezzotti/go-classroom/internal/types"
)

const (
	DefaultIdleTimeout   = 120 * time.Second
	DefaultSweepInterval = 5 * time.Second
	DefaultPulseWindow   = 15 * time.Second
	DefaultPulseInterval = 2 * time.Second

	broadcastQueueSize = 256
)

var (
	ErrAlreadyStarted = errors.New("aggregator already started")
	ErrStopped        = errors.New("aggregator stopped")
)

// Snapshot is a consistent copy of the aggregator's derived state.
type Snapshot struct {
	Students []types.LiveStudent   `json:"students"`
	Summary  types.ActivitySummary `json:"summary"`
	Pulse    int                   `json:"pulse"`
}

type ping struct {
	userId string
	at     time.Time
}

// Aggregator maintains the teacher's live roster from activity broadcasts.
// One goroutine drives it: broadcasts, the idle sweep and the pulse tick are
// all handled from the select loop in run.
type Aggregator struct {
	bus *channel.Bus
	ns  channel.Namespace

	log           *log.Logger
	stats         stats.StatsProvider
	now           func() time.Time
	idleTimeout   time.Duration
	sweepInterval time.Duration
	pulseWindow   time.Duration
	pulseInterval time.Duration
	onChange      func(Snapshot)

	mu       sync.RWMutex
	students []*types.LiveStudent
	index    map[string]*types.LiveStudent
	summary  types.ActivitySummary
	pings    []ping
	pulse    int

	broadcasts  chan types.ActivityBroadcast
	unsubscribe func()
	started     bool
	stop        chan struct{}
	done        chan struct{}
	stopOnce    sync.Once
}

type Option func(*Aggregator)

func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

func WithIdleTimeout(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.idleTimeout = d
		}
	}
}

func WithSweepInterval(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.sweepInterval = d
		}
	}
}

func WithPulseWindow(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.pulseWindow = d
		}
	}
}

func WithPulseInterval(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.pulseInterval = d
		}
	}
}

func WithLogger(l *log.Logger) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.log = l
		}
	}
}

// WithOnChange registers fn to receive a snapshot after every state change.
// fn runs on the aggregator's goroutine and must not block.
func WithOnChange(fn func(Snapshot)) Option {
	return func(a *Aggregator) { a.onChange = fn }
}

func WithStats(sp stats.StatsProvider) Option {
	return func(a *Aggregator) {
		if sp != nil {
			a.stats = sp
		}
	}
}

// NewAggregator seeds every roster entry as idle and never active.
func NewAggregator(bus *channel.Bus, roster []types.User, ns channel.Namespace, opts ...Option) *Aggregator {
	a := &Aggregator{
		bus:           bus,
		ns:            ns,
		log:           log.New(io.Discard, "", 0),
		stats:         stats.Noop{},
		now:           time.Now,
		idleTimeout:   DefaultIdleTimeout,
		sweepInterval: DefaultSweepInterval,
		pulseWindow:   DefaultPulseWindow,
		pulseInterval: DefaultPulseInterval,
		broadcasts:    make(chan types.ActivityBroadcast, broadcastQueueSize),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}

	a.seed(roster)
	return a
}

func (a *Aggregator) seed(roster []types.User) {
	a.students = make([]*types.LiveStudent, 0, len(roster))
	a.index = make(map[string]*types.LiveStudent, len(roster))
	for _, u := range roster {
		if _, ok := a.index[u.Id]; ok {
			continue
		}
		st := &types.LiveStudent{Id: u.Id, Name: u.Name, Status: types.StatusIdle}
		a.students = append(a.students, st)
		a.index[u.Id] = st
	}
	a.pings = nil
	a.pulse = 0
	a.recomputeSummary()
}

// Start subscribes to the activity channel and launches the aggregator's
// goroutine.
func (a *Aggregator) Start() error {
	select {
	case <-a.stop:
		return ErrStopped
	default:
	}

	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return ErrAlreadyStarted
	}
	a.started = true
	a.mu.Unlock()

	a.unsubscribe = channel.Subscribe(a.bus, channel.Exact(a.ns.ActivityKey()), a.enqueue)
	go a.run()
	return nil
}

// Stop unsubscribes and stops both timers. It blocks until the goroutine has
// exited.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() {
		if a.unsubscribe != nil {
			a.unsubscribe()
		}
		close(a.stop)

		a.mu.RLock()
		started := a.started
		a.mu.RUnlock()
		if started {
			<-a.done
		}
	})
}

func (a *Aggregator) enqueue(_ string, b types.ActivityBroadcast) {
	select {
	case a.broadcasts <- b:
	default:
		a.log.Printf("activity queue full, dropping broadcast from %q", b.UserId)
	}
}

func (a *Aggregator) run() {
	defer close(a.done)

	sweep := time.NewTicker(a.sweepInterval)
	pulse := time.NewTicker(a.pulseInterval)
	defer func() {
		sweep.Stop()
		pulse.Stop()
		a.log.Println("activity aggregator exiting")
	}()

	for {
		select {
		case b := <-a.broadcasts:
			a.handleBroadcast(b)
		case <-sweep.C:
			a.sweep()
		case <-pulse.C:
			a.tickPulse()
		case <-a.stop:
			return
		}
	}
}

// handleBroadcast applies b if it is newer than anything seen for its user.
// Unknown users are appended as late joiners.
func (a *Aggregator) handleBroadcast(b types.ActivityBroadcast) {
	a.mu.Lock()
	st, ok := a.index[b.UserId]
	if !ok {
		st = &types.LiveStudent{Id: b.UserId, Name: b.Name, Status: types.StatusIdle}
		a.students = append(a.students, st)
		a.index[b.UserId] = st
	} else if b.Timestamp <= st.LastActive {
		a.mu.Unlock()
		a.stats.Incr(stats.EnvelopesStale)
		return
	}

	st.Status = b.Status
	st.LastActive = b.Timestamp
	if b.Name != "" {
		st.Name = b.Name
	}
	if b.Status != types.StatusIdle {
		a.pings = append(a.pings, ping{userId: b.UserId, at: a.now()})
	}
	a.recomputeSummary()
	a.mu.Unlock()

	a.notify()
}

// sweep demotes every student silent for longer than the idle timeout.
func (a *Aggregator) sweep() {
	nowMs := types.ToMillis(a.now())
	limit := a.idleTimeout.Milliseconds()

	a.mu.Lock()
	changed := false
	for _, st := range a.students {
		if st.Status == types.StatusIdle {
			continue
		}
		if nowMs-st.LastActive > limit {
			st.Status = types.StatusIdle
			changed = true
		}
	}
	if changed {
		a.recomputeSummary()
	}
	a.mu.Unlock()

	if changed {
		a.notify()
	}
}

// tickPulse prunes pings outside the window and recomputes the pulse.
func (a *Aggregator) tickPulse() {
	cutoff := a.now().Add(-a.pulseWindow)

	a.mu.Lock()
	kept := a.pings[:0]
	for _, p := range a.pings {
		if !p.at.Before(cutoff) {
			kept = append(kept, p)
		}
	}
	a.pings = kept

	distinct := make(map[string]struct{}, len(a.pings))
	for _, p := range a.pings {
		distinct[p.userId] = struct{}{}
	}

	pulse := computePulse(len(distinct), len(a.students))
	changed := pulse != a.pulse
	a.pulse = pulse
	a.mu.Unlock()

	if changed {
		a.notify()
	}
}

func computePulse(active, total int) int {
	if total < 1 {
		total = 1
	}
	p := int(math.Round(float64(active) / float64(total) * 100))
	return max(0, min(100, p))
}

// must be called with a.mu held
func (a *Aggregator) recomputeSummary() {
	var s types.ActivitySummary
	for _, st := range a.students {
		switch st.Status {
		case types.StatusWatching:
			s.Watching++
		case types.StatusSubmitting:
			s.Submitting++
		default:
			s.Idle++
		}
	}
	a.summary = s
}

// Reseed replaces the roster. Every student starts idle again and the pulse
// log is cleared.
func (a *Aggregator) Reseed(roster []types.User) {
	a.mu.Lock()
	a.seed(roster)
	a.mu.Unlock()

	a.notify()
}

func (a *Aggregator) notify() {
	if a.onChange != nil {
		a.onChange(a.Snapshot())
	}
}

func (a *Aggregator) Students() []types.LiveStudent {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.copyStudents()
}

// must be called with a.mu held
func (a *Aggregator) copyStudents() []types.LiveStudent {
	out := make([]types.LiveStudent, len(a.students))
	for i, st := range a.students {
		out[i] = *st
	}
	return out
}

func (a *Aggregator) Summary() types.ActivitySummary {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.summary
}

func (a *Aggregator) Pulse() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.pulse
}

func (a *Aggregator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Snapshot{
		Students: a.copyStudents(),
		Summary:  a.summary,
		Pulse:    a.pulse,
	}
}

// Student returns the current view of one student.
func (a *Aggregator) Student(id string) (types.LiveStudent, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	st, ok := a.index[id]
	if !ok {
		return types.LiveStudent{}, false
	}
	return *st, true
}
