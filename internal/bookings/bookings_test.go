package bookings

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/wodbooker/internal/calendar"
)

func validBooking() Booking {
	return Booking{
		DOW:         2,
		Time:        calendar.Clock{Hour: 18},
		URL:         "https://mybox.wodbuster.com",
		Offset:      2,
		AvailableAt: calendar.Clock{Hour: 9},
	}
}

func TestBookingValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Booking)
		wantErr string
	}{
		{name: "valid", mutate: func(*Booking) {}},
		{name: "dow too large", mutate: func(b *Booking) { b.DOW = 7 }, wantErr: "dow"},
		{name: "negative offset", mutate: func(b *Booking) { b.Offset = -1 }, wantErr: "offset"},
		{name: "bad time", mutate: func(b *Booking) { b.Time = calendar.Clock{Hour: 24} }, wantErr: "time"},
		{name: "relative url", mutate: func(b *Booking) { b.URL = "mybox" }, wantErr: "url"},
		{name: "ftp url", mutate: func(b *Booking) { b.URL = "ftp://mybox.wodbuster.com" }, wantErr: "url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := validBooking()
			tt.mutate(&b)
			err := b.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestBookingNames(t *testing.T) {
	b := validBooking()
	assert.Equal(t, "Wednesday", b.DayName())
	assert.Equal(t, "mybox", b.Box())
}

func TestParseImport(t *testing.T) {
	doc := `
users:
  - email: athlete@example.com
    cookie: ".WBAuth=abc"
    notify_success: false
    bookings:
      - dow: 2
        time: "18:00"
        url: https://mybox.wodbuster.com/
        offset: 2
        available_at: "09:00"
      - dow: 4
        time: "07:30"
        url: https://mybox.wodbuster.com
        offset: 1
        available_at: "21:00"
        active: false
`
	users, rules, err := ParseImport(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, users, 1)
	require.Len(t, rules, 1)

	u := users[0]
	assert.Equal(t, "athlete@example.com", u.Email)
	assert.False(t, u.NotifySuccess)
	assert.True(t, u.NotifyFailure)

	require.Len(t, rules[0], 2)
	first := rules[0][0]
	assert.Equal(t, "https://mybox.wodbuster.com", first.URL)
	assert.Equal(t, calendar.Clock{Hour: 18}, first.Time)
	assert.True(t, first.IsActive)
	assert.False(t, rules[0][1].IsActive)
}

func TestParseImportRejects(t *testing.T) {
	tests := map[string]string{
		"empty":         ``,
		"unknown field": "users:\n  - email: a@b.c\n    cookies: x\n",
		"no email":      "users:\n  - cookie: x\n",
		"bad dow": `
users:
  - email: a@b.c
    bookings:
      - {dow: 9, time: "18:00", url: "https://b.wodbuster.com", available_at: "09:00"}
`,
		"bad time": `
users:
  - email: a@b.c
    bookings:
      - {dow: 1, time: "6pm", url: "https://b.wodbuster.com", available_at: "09:00"}
`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, _, err := ParseImport(strings.NewReader(doc))
			assert.Error(t, err)
		})
	}
}
