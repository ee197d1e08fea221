package activity

import (
	"context"
	"errors"
	"io"
	"log"
	"time"

	"github.com/npezzotti/go-classroom/internal/channel"
	"github.com/npezzotti/go-classroom/internal/identity"
	"github.com/npezzotti/go-classroom/internal/types"
)

// Publisher announces the current student's activity to every other context.
type Publisher struct {
	bus      *channel.Bus
	resolver identity.Resolver
	ns       channel.Namespace
	log      *log.Logger
	now      func() time.Time
}

func NewPublisher(bus *channel.Bus, resolver identity.Resolver, ns channel.Namespace, logger *log.Logger) *Publisher {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Publisher{
		bus:      bus,
		resolver: resolver,
		ns:       ns,
		log:      logger,
		now:      time.Now,
	}
}

// BroadcastActivity publishes status for the current user. It never fails:
// without an identity it does nothing and publish errors are only logged.
func (p *Publisher) BroadcastActivity(ctx context.Context, status types.ActivityStatus) {
	user, err := p.resolver.CurrentUser(ctx)
	if err != nil {
		if !errors.Is(err, identity.ErrNoIdentity) {
			p.log.Println("resolve user:", err)
		}
		return
	}

	b := types.ActivityBroadcast{
		UserId:    user.Id,
		Name:      user.Name,
		Status:    status,
		Timestamp: types.ToMillis(p.now()),
	}

	if err := p.bus.Publish(ctx, p.ns.ActivityKey(), b); err != nil {
		p.log.Println("broadcast activity:", err)
	}
}
