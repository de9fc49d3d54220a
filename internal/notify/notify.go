// Package notify delivers booking outcome summaries to athletes.
//
// Workers hand requests to a Dispatcher which queues them and delivers from
// a single goroutine. Every request leaves an event row on the booking,
// whether it was delivered, filtered by the athlete's preferences or failed.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/example/wodbooker/internal/bookings"
	"github.com/example/wodbooker/internal/calendar"
	"github.com/example/wodbooker/internal/logger"
	"github.com/example/wodbooker/internal/metrics"
)

type Outcome int

const (
	Success Outcome = iota
	SuccessAfterFailure
	Failure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case SuccessAfterFailure:
		return "success_after_failure"
	case Failure:
		return "failure"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Request is what a worker knows about an outcome worth telling the athlete.
type Request struct {
	Outcome   Outcome
	BookingID int64
	User      bookings.User
	DOW       int
	Time      calendar.Clock
	URL       string
	Subject   string
	Message   string
}

// Allowed reports whether the athlete opted in to this outcome class.
// A success that follows a failure is gated by the failure flag, as the
// athlete asked to hear about the problem and now hears it is solved.
func (r Request) Allowed() bool {
	if r.Outcome == Success {
		return r.User.NotifySuccess
	}
	return r.User.NotifyFailure
}

// Sender transports one rendered message.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

type EventRecorder interface {
	AddEvent(ctx context.Context, bookingID int64, at time.Time, text string) error
}

const (
	StatusSent     = "sent"
	StatusFailed   = "failed"
	StatusDropped  = "dropped"
	StatusFiltered = "filtered"
	StatusDisabled = "disabled"

	maxEventLen = 256
)

type Options struct {
	QueueSize int
	LinkHost  string
	Timeout   time.Duration
}

type Dispatcher struct {
	q        chan Request
	sender   Sender
	events   EventRecorder
	log      logger.Logger
	metrics  *metrics.Metrics
	linkHost string
	timeout  time.Duration
	now      func() time.Time
}

// NewDispatcher builds a dispatcher. A nil sender disables delivery while
// still recording events.
func NewDispatcher(sender Sender, events EventRecorder, log logger.Logger, m *metrics.Metrics, opts Options) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Dispatcher{
		q:        make(chan Request, opts.QueueSize),
		sender:   sender,
		events:   events,
		log:      log,
		metrics:  m,
		linkHost: opts.LinkHost,
		timeout:  opts.Timeout,
		now:      time.Now,
	}
}

// Notify enqueues r without blocking. When the queue is full the request is
// dropped and logged.
func (d *Dispatcher) Notify(r Request) {
	select {
	case d.q <- r:
	default:
		d.metrics.Notification(StatusDropped)
		d.log.Warn("notification queue full, dropping",
			logger.Int64("booking_id", r.BookingID),
			logger.String("outcome", r.Outcome.String()),
			logger.String("subject", r.Subject))
	}
}

// Run delivers queued requests until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			if n := len(d.q); n > 0 {
				d.log.Warn("notifier stopping with pending requests", logger.Int("pending", n))
			}
			return nil
		case r := <-d.q:
			d.deliver(ctx, r)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, r Request) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	subject := Subject(r.Subject)
	status := StatusSent
	switch {
	case !r.Allowed():
		status = StatusFiltered
		d.log.Info("notification not sent because of preferences",
			logger.String("to", r.User.Email), logger.String("subject", subject))
	case d.sender == nil:
		status = StatusDisabled
	default:
		body, err := Render(r, d.linkHost)
		if err == nil {
			err = d.sender.Send(ctx, r.User.Email, subject, body)
		}
		if err != nil {
			status = StatusFailed
			d.log.Error("notification failed", logger.String("to", r.User.Email), logger.String("subject", subject), logger.Error(err))
		} else {
			d.log.Info("notification sent", logger.String("to", r.User.Email), logger.String("subject", subject))
		}
	}
	d.metrics.Notification(status)

	if d.events == nil {
		return
	}
	text := eventText(r, status)
	if err := d.events.AddEvent(ctx, r.BookingID, d.now(), text); err != nil {
		d.log.Warn("failed to record booking event", logger.Int64("booking_id", r.BookingID), logger.Error(err))
	}
}

func eventText(r Request, status string) string {
	text := fmt.Sprintf("%s (%s, %s): %s", r.Subject, r.Outcome, status, punctuate(r.Message))
	if len(text) <= maxEventLen {
		return text
	}
	cut := maxEventLen
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

func Subject(s string) string { return "[WodBooker] " + s }

var bodyTemplate = template.Must(template.New("body").Parse(`WodBooker - {{.Title}}:

{{.Message}}

Box: {{.URL}}
{{- if .LinkHost}}
All events of this booking: https://{{.LinkHost}}/api/bookings/{{.BookingID}}/events
Manage your notification preferences at https://{{.LinkHost}}/
{{- end}}
`))

// Render produces the plain text body for r.
func Render(r Request, linkHost string) (string, error) {
	day := fmt.Sprintf("day %d", r.DOW)
	if r.DOW >= 0 && r.DOW < len(bookings.DayNames) {
		day = bookings.DayNames[r.DOW]
	}
	title := fmt.Sprintf("Class on %s at %s booked successfully", day, r.Time)
	if r.Outcome == Failure {
		title = fmt.Sprintf("Booking error for %s at %s", day, r.Time)
	}

	var buf bytes.Buffer
	err := bodyTemplate.Execute(&buf, struct {
		Title     string
		Message   string
		URL       string
		LinkHost  string
		BookingID int64
	}{title, punctuate(r.Message), r.URL, strings.TrimRight(linkHost, "/"), r.BookingID})
	if err != nil {
		return "", fmt.Errorf("render notification: %w", err)
	}
	return buf.String(), nil
}

func punctuate(msg string) string {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return msg
	}
	last, _ := utf8.DecodeLastRuneInString(msg)
	if unicode.IsPunct(last) {
		return msg
	}
	return msg + "."
}
