// Package booker runs one long-lived worker per active booking rule.
//
// A worker loops over the rule's weekly occurrences: it computes the next
// class, sleeps until its reservation window opens, books it and persists
// the result before moving on to the following week. Failures are sorted
// into waits (class full, listing not published), linear backoff (network
// and malformed responses) and terminal conditions that switch the rule off.
package booker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/example/wodbooker/internal/bookings"
	"github.com/example/wodbooker/internal/calendar"
	"github.com/example/wodbooker/internal/db"
	"github.com/example/wodbooker/internal/logger"
	"github.com/example/wodbooker/internal/metrics"
	"github.com/example/wodbooker/internal/notify"
	"github.com/example/wodbooker/internal/wodbuster"
)

const (
	// MaxErrors consecutive transient failures abort the worker.
	MaxErrors = 5

	backoffUnit        = time.Minute
	finalWriteTimeout  = 10 * time.Second
	finalWriteAttempts = 3
	stampLayout        = "02/01/2006 15:04"
)

// Exit reasons, also used as metric labels.
const (
	ExitStopped  = "stopped"
	ExitShutdown = "shutdown"
	ExitDeleted  = "deleted"
	ExitFatal    = "fatal"
	ExitAborted  = "aborted"
	ExitPanic    = "panic"
)

type Worker struct {
	id   int64
	deps Deps
	log  logger.Logger

	stop atomic.Bool
	done chan struct{}

	// owned by the loop goroutine
	b               bookings.Booking
	errors          int
	notifiedFailure bool
	fullNotified    time.Time
}

func newWorker(id int64, deps Deps) *Worker {
	deps.defaults()
	return &Worker{
		id:   id,
		deps: deps,
		log:  deps.Log.With(logger.Int64("booking_id", id)),
		done: make(chan struct{}),
	}
}

func (w *Worker) ID() int64 { return w.id }

// Stop asks the loop to exit. It is observed between states only, so a
// wait in progress runs to completion first.
func (w *Worker) Stop() { w.stop.Store(true) }

func (w *Worker) Stopping() bool { return w.stop.Load() }

// Done is closed when Run returns.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Run executes the booking loop and returns why it ended. Cancelling ctx is
// a process shutdown: it interrupts waits and leaves the rule untouched.
func (w *Worker) Run(ctx context.Context) (reason string) {
	defer close(w.done)
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			w.log.Error("booking worker panicked", logger.Error(err), logger.String("stack", string(debug.Stack())))
			w.report(err)
			reason = w.terminate(ctx, ExitPanic, "Unexpected error while booking. Aborting...", "Booking aborted")
		}
	}()

	w.log.Info("booking worker started")
	for {
		if w.stop.Load() {
			w.log.Info("exiting because worker is marked as inactive")
			return ExitStopped
		}
		if ctx.Err() != nil {
			return ExitShutdown
		}
		if reason, done := w.cycle(ctx); done {
			return reason
		}
	}
}

// cycle runs one COMPUTE to PERSIST pass. done reports a terminal exit.
func (w *Worker) cycle(ctx context.Context) (string, bool) {
	b, err := w.deps.Store.Get(ctx, w.id)
	if err != nil {
		if db.IsNotFound(err) {
			w.log.Info("booking no longer exists")
			return ExitDeleted, true
		}
		if ctx.Err() != nil {
			return ExitShutdown, true
		}
		return w.transient(ctx, err, "Unable to load the booking")
	}
	if !b.IsActive {
		w.log.Info("booking was deactivated")
		return ExitStopped, true
	}
	w.b = b

	sess, err := w.deps.Remote.Login(ctx, b.User.Email, b.User.Cookie)
	if err != nil {
		return w.failed(ctx, err, nil, time.Time{}, time.Time{})
	}

	loc := w.deps.Location
	now := w.now()
	base := calendar.Date(now, loc)
	if b.LastBookDate != nil {
		base = calendar.Date(*b.LastBookDate, loc)
	}
	day := calendar.NextOccurrence(base, b.DOW)
	classAt := calendar.Combine(day, b.Time, loc)
	opensAt := calendar.WindowOpensAt(day, b.Offset, b.AvailableAt, loc)

	if opensAt.After(now) {
		w.status(ctx, "Waiting until %s when booking for %s will be available",
			opensAt.Format(stampLayout), day.Format(calendar.DateLayout))
		if err := w.deps.Clock.SleepUntil(ctx, opensAt); err != nil {
			return ExitShutdown, true
		}
		// back to COMPUTE so the attempt uses a freshly loaded rule and session
		return "", false
	}
	if w.stop.Load() {
		return ExitStopped, true
	}

	booked, err := sess.Book(ctx, b.URL, classAt)
	if err != nil {
		return w.failed(ctx, err, sess, day, classAt)
	}

	w.errors = 0
	if booked {
		w.deps.Metrics.Attempt(metrics.ResultBooked)
		w.log.Info("booking completed", logger.String("email", b.User.Email), logger.Time("class_at", classAt))
		w.status(ctx, "Booking completed successfully")
		w.notifySuccess(fmt.Sprintf("Class on %s %s at %s booked successfully",
			b.DayName(), day.Format(calendar.DateLayout), b.Time))
	} else {
		// A refusal without a reason closes the week like a success.
		w.deps.Metrics.Attempt(metrics.ResultNotBooked)
		w.log.Warn("class already booked or user cannot book, skipping week",
			logger.String("email", b.User.Email), logger.Time("class_at", classAt))
		w.status(ctx, "Class cannot be booked for unknown reason. Ignoring week and attempting booking for next week")
	}
	return w.complete(ctx, day, sess.Cookie())
}

// complete persists the finished occurrence. An empty cookie leaves the
// stored one alone.
func (w *Worker) complete(ctx context.Context, day time.Time, cookie string) (string, bool) {
	if err := w.deps.Store.Complete(ctx, w.id, day, w.now(), cookie); err != nil {
		if ctx.Err() != nil {
			return ExitShutdown, true
		}
		return w.transient(ctx, err, "Unable to save the booking")
	}
	return "", false
}

func (w *Worker) failed(ctx context.Context, err error, sess Session, day, classAt time.Time) (string, bool) {
	if ctx.Err() != nil {
		return ExitShutdown, true
	}

	var na *wodbuster.NotAvailableError
	switch {
	case sess != nil && errors.Is(err, wodbuster.ErrClassFull):
		return w.waitForCapacity(ctx, sess, day, classAt)
	case sess != nil && errors.As(err, &na):
		return w.waitForListing(ctx, sess, na, day, classAt)
	case errors.Is(err, wodbuster.ErrNetwork):
		return w.transient(ctx, err, "Unexpected network error")
	case errors.Is(err, wodbuster.ErrInvalidResponse):
		return w.transient(ctx, err, "Invalid response from WodBuster")
	case errors.Is(err, wodbuster.ErrPasswordRequired):
		return w.fatal(ctx, err, "Cookies are outdated. Please, login again and update this entry...")
	case errors.Is(err, wodbuster.ErrLogin):
		return w.fatal(ctx, err, "Login failed: invalid credentials...")
	case errors.Is(err, wodbuster.ErrInvalidBox):
		return w.fatal(ctx, err, "The box URL is not valid or you don't have access to it. Please, check the URL and try again...")
	default:
		w.log.Error("unexpected error while booking, aborting", logger.Error(err))
		w.report(err)
		w.deps.Metrics.Attempt(metrics.ResultFatal)
		return w.terminate(ctx, ExitFatal, "Unexpected error while booking. Aborting...", "Booking aborted"), true
	}
}

func (w *Worker) waitForCapacity(ctx context.Context, sess Session, day, classAt time.Time) (string, bool) {
	w.deps.Metrics.Attempt(metrics.ResultFull)
	msg := fmt.Sprintf("Class at %s is full. Waiting for available seats", classAt.Format(stampLayout))
	w.status(ctx, "%s", msg)
	if !w.fullNotified.Equal(day) {
		w.fullNotified = day
		w.notify(notify.Failure, "Class is full", msg)
	}

	if err := sess.WaitForEvent(ctx, w.b.URL, day, wodbuster.EventRosterChanged, classAt); err != nil {
		if ctx.Err() != nil {
			return ExitShutdown, true
		}
		w.log.Warn("waiting for free seats failed", logger.Error(err))
	}
	return w.afterWait(ctx, day, classAt, "Class at %s started while full. Moving on to next week")
}

func (w *Worker) waitForListing(ctx context.Context, sess Session, na *wodbuster.NotAvailableError, day, classAt time.Time) (string, bool) {
	w.deps.Metrics.Attempt(metrics.ResultNotAvailable)
	if na.AvailableAt != nil && na.AvailableAt.After(w.now()) {
		w.status(ctx, "Waiting until %s when booking for %s will be available",
			na.AvailableAt.In(w.deps.Location).Format(stampLayout), day.Format(calendar.DateLayout))
		if err := w.deps.Clock.SleepUntil(ctx, *na.AvailableAt); err != nil {
			return ExitShutdown, true
		}
		return "", false
	}

	w.status(ctx, "Waiting until classes are loaded for %s", day.Format(calendar.DateLayout))
	if err := sess.WaitForEvent(ctx, w.b.URL, day, wodbuster.EventListingChanged, classAt); err != nil {
		if ctx.Err() != nil {
			return ExitShutdown, true
		}
		w.log.Warn("waiting for class listing failed", logger.Error(err))
	}
	return w.afterWait(ctx, day, classAt, "Classes for %s were not published before the class. Moving on to next week")
}

// afterWait returns to COMPUTE, or closes the occurrence when the class
// already started so the same day is not retried forever. The session is
// older than the wait, so its cookie is not written back.
func (w *Worker) afterWait(ctx context.Context, day, classAt time.Time, passed string) (string, bool) {
	if w.now().Before(classAt) {
		return "", false
	}
	if w.stop.Load() {
		return ExitStopped, true
	}
	w.status(ctx, passed, classAt.Format(stampLayout))
	return w.complete(ctx, day, "")
}

func (w *Worker) transient(ctx context.Context, err error, what string) (string, bool) {
	w.deps.Metrics.Attempt(metrics.ResultTransient)
	w.errors++
	w.log.Warn(what, logger.Int("errors", w.errors), logger.Error(err))
	if w.errors >= MaxErrors {
		w.log.Error("exiting as maximum number of retries has been reached")
		msg := fmt.Sprintf("Impossible to book after %d consecutive errors. Aborted...", w.errors)
		return w.terminate(ctx, ExitAborted, msg, "Booking aborted"), true
	}

	wait := time.Duration(w.errors) * backoffUnit
	w.status(ctx, "%s. Waiting %d seconds before retrying...", what, int(wait.Seconds()))
	if err := w.deps.Clock.SleepUntil(ctx, w.now().Add(wait)); err != nil {
		return ExitShutdown, true
	}
	return "", false
}

func (w *Worker) fatal(ctx context.Context, err error, msg string) (string, bool) {
	w.deps.Metrics.Attempt(metrics.ResultFatal)
	w.log.Warn("fatal booking error, aborting", logger.String("email", w.b.User.Email), logger.Error(err))
	return w.terminate(ctx, ExitFatal, msg, "Booking stopped"), true
}

// terminate writes the final status, switches the rule off and tells the
// athlete. It runs even when ctx is already cancelled. The write is retried
// a few times; if it still fails the registry remembers the exit so the
// rule is not restarted until it is edited.
func (w *Worker) terminate(ctx context.Context, reason, msg, subject string) string {
	base := context.WithoutCancel(ctx)
	for attempt := 1; ; attempt++ {
		fctx, cancel := context.WithTimeout(base, finalWriteTimeout)
		err := w.deps.Store.Deactivate(fctx, w.id, w.now(), msg)
		cancel()
		if err == nil || db.IsNotFound(err) {
			break
		}
		w.log.Error("failed to deactivate booking", logger.Int("attempt", attempt), logger.Error(err))
		if attempt == finalWriteAttempts {
			break
		}
		_ = w.deps.Clock.SleepUntil(base, w.now().Add(time.Duration(attempt)*time.Second))
	}
	w.notify(notify.Failure, subject, msg)
	return reason
}

func (w *Worker) notifySuccess(msg string) {
	outcome := notify.Success
	if w.notifiedFailure {
		outcome = notify.SuccessAfterFailure
		w.notifiedFailure = false
	}
	w.notify(outcome, "Booking completed", msg)
}

func (w *Worker) notify(outcome notify.Outcome, subject, msg string) {
	if w.b.ID == 0 {
		return
	}
	if outcome == notify.Failure {
		w.notifiedFailure = true
	}
	w.deps.Notifier.Notify(notify.Request{
		Outcome:   outcome,
		BookingID: w.id,
		User:      w.b.User,
		DOW:       w.b.DOW,
		Time:      w.b.Time,
		URL:       w.b.URL,
		Subject:   subject,
		Message:   msg,
	})
}

func (w *Worker) status(ctx context.Context, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	w.log.Info(msg)
	if err := w.deps.Store.AppendStatus(ctx, w.id, w.now(), msg); err != nil && ctx.Err() == nil {
		w.log.Warn("failed to record booking status", logger.Error(err))
	}
}

func (w *Worker) now() time.Time { return w.deps.Clock.Now().In(w.deps.Location) }

func (w *Worker) report(err error) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", "booker")
		scope.SetTag("booking_id", strconv.FormatInt(w.id, 10))
		sentry.CaptureException(err)
	})
}
