package classroom

import (
	"context"
	"io"
	"log"
	"time"

	"github.com/npezzotti/go-classroom/internal/activity"
	"github.com/npezzotti/go-classroom/internal/channel"
	"github.com/npezzotti/go-classroom/internal/identity"
	"github.com/npezzotti/go-classroom/internal/quiz"
	"github.com/npezzotti/go-classroom/internal/stats"
	"github.com/npezzotti/go-classroom/internal/types"
)

// Timing tunes the activity aggregator. Zero values keep the defaults.
type Timing struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	PulseWindow   time.Duration
	PulseInterval time.Duration
}

// Classroom is the server's own seat in a namespace. Through the monitor
// transport it keeps the teacher's live roster and runs the teacher side of
// the quiz; through the gateway transport it publishes activity on behalf of
// authenticated HTTP callers. The two transports must be distinct endpoints
// of the same medium, since an endpoint never observes its own writes.
type Classroom struct {
	ns  channel.Namespace
	log *log.Logger

	monitor   *channel.Bus
	gateway   *channel.Bus
	activity  *activity.Aggregator
	quiz      *quiz.Coordinator
	publisher *activity.Publisher
}

func New(monitor, gateway channel.Transport, ns channel.Namespace, timing Timing, logger *log.Logger, su stats.StatsProvider) *Classroom {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if su == nil {
		su = stats.Noop{}
	}

	c := &Classroom{
		ns:      ns,
		log:     logger,
		monitor: channel.NewBus(monitor, channel.WithLogger(logger), channel.WithStats(su)),
		gateway: channel.NewBus(gateway, channel.WithLogger(logger), channel.WithStats(su)),
	}

	c.activity = activity.NewAggregator(c.monitor, nil, ns,
		activity.WithLogger(logger),
		activity.WithStats(su),
		activity.WithIdleTimeout(timing.IdleTimeout),
		activity.WithSweepInterval(timing.SweepInterval),
		activity.WithPulseWindow(timing.PulseWindow),
		activity.WithPulseInterval(timing.PulseInterval),
	)
	c.quiz = quiz.NewCoordinator(c.monitor, identity.ContextResolver{}, types.RoleTeacher, ns,
		quiz.WithLogger(logger),
		quiz.WithStats(su),
	)
	c.publisher = activity.NewPublisher(c.gateway, identity.ContextResolver{}, ns, logger)

	return c
}

func (c *Classroom) Namespace() channel.Namespace {
	return c.ns
}

func (c *Classroom) Start() error {
	c.quiz.Start()
	return c.activity.Start()
}

func (c *Classroom) Stop() {
	c.log.Printf("stopping classroom %q", c.ns)
	c.activity.Stop()
	c.quiz.Stop()
	c.gateway.Close()
	c.monitor.Close()
}

func (c *Classroom) Activity() activity.Snapshot {
	return c.activity.Snapshot()
}

// Enroll replaces the roster the activity snapshot is measured against.
func (c *Classroom) Enroll(roster []types.User) {
	c.activity.Reseed(roster)
}

// ReportActivity publishes status for the user on ctx.
func (c *Classroom) ReportActivity(ctx context.Context, status types.ActivityStatus) {
	c.publisher.BroadcastActivity(ctx, status)
}

func (c *Classroom) Quiz() quiz.Snapshot {
	return c.quiz.Snapshot()
}

func (c *Classroom) Tally() map[string]int {
	return c.quiz.Tally()
}

func (c *Classroom) LaunchQuiz(ctx context.Context, user types.User, q types.QuizQuestion, durationSeconds int) (string, error) {
	if !user.IsTeacher() {
		return "", quiz.ErrNotPermitted
	}
	return c.quiz.LaunchQuiz(ctx, q, durationSeconds)
}

func (c *Classroom) EndQuiz(ctx context.Context, user types.User) error {
	if !user.IsTeacher() {
		return quiz.ErrNotPermitted
	}
	return c.quiz.EndQuiz(ctx)
}
