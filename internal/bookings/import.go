package bookings

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/example/wodbooker/internal/calendar"
)

// ImportFile is the YAML document accepted by "booking import".
type ImportFile struct {
	Users []ImportUser `yaml:"users"`
}

type ImportUser struct {
	Email         string          `yaml:"email"`
	Cookie        string          `yaml:"cookie"`
	NotifySuccess *bool           `yaml:"notify_success"`
	NotifyFailure *bool           `yaml:"notify_failure"`
	Bookings      []ImportBooking `yaml:"bookings"`
}

type ImportBooking struct {
	DOW         int    `yaml:"dow"`
	Time        string `yaml:"time"`
	URL         string `yaml:"url"`
	Offset      int    `yaml:"offset"`
	AvailableAt string `yaml:"available_at"`
	Active      *bool  `yaml:"active"`
}

// ParseImport decodes and validates an import document. Unknown keys are
// rejected so typos do not silently drop settings.
func ParseImport(r io.Reader) ([]User, [][]Booking, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f ImportFile
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil, errors.New("import: empty document")
		}
		return nil, nil, fmt.Errorf("import: %w", err)
	}

	users := make([]User, 0, len(f.Users))
	rules := make([][]Booking, 0, len(f.Users))
	for i, iu := range f.Users {
		email := strings.TrimSpace(iu.Email)
		if email == "" {
			return nil, nil, fmt.Errorf("import: users[%d]: email required", i)
		}
		users = append(users, User{
			Email:         email,
			Cookie:        strings.TrimSpace(iu.Cookie),
			NotifySuccess: boolOr(iu.NotifySuccess, true),
			NotifyFailure: boolOr(iu.NotifyFailure, true),
		})

		var bs []Booking
		for j, ib := range iu.Bookings {
			b, err := ib.toBooking()
			if err != nil {
				return nil, nil, fmt.Errorf("import: %s bookings[%d]: %w", email, j, err)
			}
			bs = append(bs, b)
		}
		rules = append(rules, bs)
	}
	return users, rules, nil
}

func (ib ImportBooking) toBooking() (Booking, error) {
	t, err := calendar.ParseClock(strings.TrimSpace(ib.Time))
	if err != nil {
		return Booking{}, err
	}
	avail, err := calendar.ParseClock(strings.TrimSpace(ib.AvailableAt))
	if err != nil {
		return Booking{}, err
	}
	b := Booking{
		DOW:         ib.DOW,
		Time:        t,
		URL:         strings.TrimRight(strings.TrimSpace(ib.URL), "/"),
		Offset:      ib.Offset,
		AvailableAt: avail,
		IsActive:    boolOr(ib.Active, true),
	}
	return b, b.Validate()
}

// Import stores every user and rule of a parsed document and returns the
// booking ids that ended up active.
func (r *Repo) Import(ctx context.Context, users []User, rules [][]Booking) ([]int64, error) {
	var active []int64
	for i, u := range users {
		uid, err := r.UpsertUser(ctx, u)
		if err != nil {
			return active, fmt.Errorf("import user %s: %w", u.Email, err)
		}
		for _, b := range rules[i] {
			b.UserID = uid
			id, err := r.Create(ctx, b)
			if err != nil {
				return active, fmt.Errorf("import booking for %s: %w", u.Email, err)
			}
			if b.IsActive {
				active = append(active, id)
			}
		}
	}
	return active, nil
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
