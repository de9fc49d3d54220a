package booker

import (
	"context"
	"time"

	"github.com/example/wodbooker/internal/bookings"
	"github.com/example/wodbooker/internal/logger"
	"github.com/example/wodbooker/internal/metrics"
	"github.com/example/wodbooker/internal/notify"
	"github.com/example/wodbooker/internal/wodbuster"
)

// Store is the persistence a worker needs. *bookings.Repo implements it.
type Store interface {
	Get(ctx context.Context, id int64) (bookings.Booking, error)
	AppendStatus(ctx context.Context, id int64, at time.Time, msg string) error
	Complete(ctx context.Context, id int64, day, bookedAt time.Time, cookie string) error
	Deactivate(ctx context.Context, id int64, at time.Time, msg string) error
}

type Session interface {
	Book(ctx context.Context, boxURL string, classAt time.Time) (bool, error)
	WaitForEvent(ctx context.Context, boxURL string, day time.Time, event wodbuster.Event, deadline time.Time) error
	Cookie() string
}

type Remote interface {
	Login(ctx context.Context, email, cookie string) (Session, error)
}

type Notifier interface {
	Notify(r notify.Request)
}

// Clock abstracts wall time so tests can run weeks of schedule instantly.
type Clock interface {
	Now() time.Time
	// SleepUntil blocks until t or until ctx is done.
	SleepUntil(ctx context.Context, t time.Time) error
}

// Lease guards a rule against being run by two processes.
type Lease interface {
	Acquire(ctx context.Context, id int64) (bool, error)
	Release(ctx context.Context, id int64) error
}

// Deps are shared by every worker of a registry.
type Deps struct {
	Store    Store
	Remote   Remote
	Notifier Notifier
	Clock    Clock
	Location *time.Location
	Log      logger.Logger
	Metrics  *metrics.Metrics
}

func (d *Deps) defaults() {
	if d.Clock == nil {
		d.Clock = SystemClock{}
	}
	if d.Location == nil {
		d.Location = time.UTC
	}
	if d.Log == nil {
		d.Log = logger.Nop()
	}
	if d.Notifier == nil {
		d.Notifier = discard{}
	}
}

type discard struct{}

func (discard) Notify(notify.Request) {}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) SleepUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// WodBuster adapts the site client to Remote.
func WodBuster(c *wodbuster.Client) Remote { return wodbusterRemote{c: c} }

type wodbusterRemote struct{ c *wodbuster.Client }

func (r wodbusterRemote) Login(ctx context.Context, email, cookie string) (Session, error) {
	s, err := r.c.Login(ctx, email, cookie)
	if err != nil {
		return nil, err
	}
	return s, nil
}
