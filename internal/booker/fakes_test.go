package booker

import (
	"context"
	"sync"
	"time"

	"github.com/example/wodbooker/internal/bookings"
	"github.com/example/wodbooker/internal/calendar"
	"github.com/example/wodbooker/internal/db"
	"github.com/example/wodbooker/internal/notify"
	"github.com/example/wodbooker/internal/wodbuster"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
	onWake func()
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *fakeClock) SleepUntil(ctx context.Context, t time.Time) error {
	c.mu.Lock()
	if t.After(c.now) {
		c.sleeps = append(c.sleeps, t.Sub(c.now))
		c.now = t
	}
	hook := c.onWake
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
	return ctx.Err()
}

func (c *fakeClock) slept() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

type fakeStore struct {
	mu          sync.Mutex
	b           bookings.Booking
	getErr      error
	statuses    []string
	completed   []time.Time
	cookies     []string
	deactivated bool
	finalMsg    string
	onComplete  func(n int)

	deactivateErr   error
	deactivateCalls int
}

func (s *fakeStore) Get(_ context.Context, id int64) (bookings.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return bookings.Booking{}, s.getErr
	}
	if id != s.b.ID {
		return bookings.Booking{}, db.ErrNotFound
	}
	return s.b, nil
}

func (s *fakeStore) AppendStatus(_ context.Context, _ int64, _ time.Time, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, msg)
	return nil
}

func (s *fakeStore) Complete(_ context.Context, _ int64, day, bookedAt time.Time, cookie string) error {
	s.mu.Lock()
	d := day
	s.b.LastBookDate = &d
	s.b.BookedAt = &bookedAt
	if cookie != "" {
		s.b.User.Cookie = cookie
	}
	s.completed = append(s.completed, day)
	s.cookies = append(s.cookies, cookie)
	n := len(s.completed)
	hook := s.onComplete
	s.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return nil
}

func (s *fakeStore) Deactivate(_ context.Context, _ int64, _ time.Time, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deactivateCalls++
	if s.deactivateErr != nil {
		return s.deactivateErr
	}
	s.statuses = append(s.statuses, msg)
	s.deactivated = true
	s.finalMsg = msg
	s.b.IsActive = false
	return nil
}

func (s *fakeStore) snapshot() fakeStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fakeStore{
		statuses:    append([]string(nil), s.statuses...),
		completed:   append([]time.Time(nil), s.completed...),
		cookies:     append([]string(nil), s.cookies...),
		deactivated: s.deactivated,
		finalMsg:    s.finalMsg,

		deactivateCalls: s.deactivateCalls,
	}
}

func (s *fakeStore) setCookie(cookie string) {
	s.mu.Lock()
	s.b.User.Cookie = cookie
	s.mu.Unlock()
}

func (s *fakeStore) cookie() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.User.Cookie
}

type waitCall struct {
	event    wodbuster.Event
	day      time.Time
	deadline time.Time
}

type fakeSession struct {
	mu       sync.Mutex
	book     func(n int, classAt time.Time) (bool, error)
	onWait   func(waitCall)
	classAts []time.Time
	waits    []waitCall
}

func (s *fakeSession) Book(_ context.Context, _ string, classAt time.Time) (bool, error) {
	s.mu.Lock()
	s.classAts = append(s.classAts, classAt)
	n := len(s.classAts)
	s.mu.Unlock()
	return s.book(n, classAt)
}

func (s *fakeSession) WaitForEvent(_ context.Context, _ string, day time.Time, event wodbuster.Event, deadline time.Time) error {
	c := waitCall{event: event, day: day, deadline: deadline}
	s.mu.Lock()
	s.waits = append(s.waits, c)
	hook := s.onWait
	s.mu.Unlock()
	if hook != nil {
		hook(c)
	}
	return nil
}

func (s *fakeSession) Cookie() string { return ".WBAuth=rotated" }

func (s *fakeSession) calls() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.classAts...)
}

type fakeRemote struct {
	sess     *fakeSession
	loginErr error
	block    bool

	mu      sync.Mutex
	cookies []string
}

func (r *fakeRemote) Login(ctx context.Context, _, cookie string) (Session, error) {
	r.mu.Lock()
	r.cookies = append(r.cookies, cookie)
	r.mu.Unlock()
	if r.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if r.loginErr != nil {
		return nil, r.loginErr
	}
	return r.sess, nil
}

func (r *fakeRemote) logins() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.cookies...)
}

type fakeNotifier struct {
	mu   sync.Mutex
	reqs []notify.Request
}

func (n *fakeNotifier) Notify(r notify.Request) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reqs = append(n.reqs, r)
}

func (n *fakeNotifier) outcomes() []notify.Outcome {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notify.Outcome, 0, len(n.reqs))
	for _, r := range n.reqs {
		out = append(out, r.Outcome)
	}
	return out
}

type fakeLease struct {
	mu       sync.Mutex
	deny     bool
	held     map[int64]bool
	released []int64

	// when set, Acquire signals entered and blocks until gate is closed
	entered chan struct{}
	gate    chan struct{}
}

func (l *fakeLease) Acquire(_ context.Context, id int64) (bool, error) {
	if l.gate != nil {
		l.entered <- struct{}{}
		<-l.gate
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.deny {
		return false, nil
	}
	if l.held == nil {
		l.held = map[int64]bool{}
	}
	l.held[id] = true
	return true, nil
}

func (l *fakeLease) Release(_ context.Context, id int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, id)
	l.released = append(l.released, id)
	return nil
}

// wednesdayRule is dow=2 18:00, window two days before at 09:00.
func wednesdayRule() bookings.Booking {
	return bookings.Booking{
		ID:          1,
		UserID:      10,
		DOW:         2,
		Time:        calendar.Clock{Hour: 18},
		URL:         "https://mybox.wodbuster.com",
		Offset:      2,
		AvailableAt: calendar.Clock{Hour: 9},
		IsActive:    true,
		User: bookings.User{
			ID:            10,
			Email:         "athlete@example.com",
			Cookie:        ".WBAuth=initial",
			NotifySuccess: true,
			NotifyFailure: true,
		},
	}
}
