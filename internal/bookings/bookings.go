package bookings

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/example/wodbooker/internal/calendar"
)

// Booking is a recurring weekly reservation rule for one class.
type Booking struct {
	ID          int64
	UserID      int64
	DOW         int // 0 = Monday
	Time        calendar.Clock
	URL         string
	Offset      int // days before the class the window opens
	AvailableAt calendar.Clock

	LastBookDate *time.Time
	BookedAt     *time.Time
	Status       Trail
	IsActive     bool
	Revision     int64

	CreatedAt time.Time

	User User
}

// User is a WodBuster athlete account the service books for.
type User struct {
	ID            int64
	Email         string
	Cookie        string
	NotifySuccess bool
	NotifyFailure bool
}

type Event struct {
	ID        int64
	BookingID int64
	Date      time.Time
	Text      string
}

func (e Event) String() string {
	return e.Date.Format(trailTimeLayout) + ": " + e.Text
}

var DayNames = [7]string{"Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday"}

// DayName returns the English weekday for the rule's DOW.
func (b Booking) DayName() string {
	if b.DOW < 0 || b.DOW > 6 {
		return fmt.Sprintf("day %d", b.DOW)
	}
	return DayNames[b.DOW]
}

// Box is the short box name taken from the site host, e.g. "mybox" for
// https://mybox.wodbuster.com.
func (b Booking) Box() string {
	u, err := url.Parse(b.URL)
	if err != nil || u.Host == "" {
		return b.URL
	}
	host, _, _ := strings.Cut(u.Host, ".")
	return host
}

func (b Booking) Validate() error {
	if b.DOW < 0 || b.DOW > 6 {
		return errors.New("dow must be between 0 (Monday) and 6 (Sunday)")
	}
	if b.Offset < 0 {
		return errors.New("offset must be >= 0")
	}
	if err := validateClock(b.Time); err != nil {
		return fmt.Errorf("time: %w", err)
	}
	if err := validateClock(b.AvailableAt); err != nil {
		return fmt.Errorf("available_at: %w", err)
	}
	u, err := url.Parse(b.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("url must be an http(s) box URL, got %q", b.URL)
	}
	return nil
}

func validateClock(c calendar.Clock) error {
	if c.Hour < 0 || c.Hour > 23 || c.Minute < 0 || c.Minute > 59 {
		return fmt.Errorf("%s is not a time of day", c)
	}
	return nil
}
