package bookings

import (
	"strings"
	"time"
)

// TrailCapacity is ten historical entries plus the newest one.
const TrailCapacity = 11

const (
	trailSep        = "\n"
	trailTimeLayout = "02/01/2006 15:04"
)

// Trail is the bounded, oldest-first status log kept on each booking.
// It is a fixed ring: pushing onto a full trail evicts the oldest entry.
type Trail struct {
	buf  [TrailCapacity]string
	head int // index of the oldest entry
	n    int
}

// ParseTrail decodes the stored form. Entries beyond capacity are dropped
// from the old end.
func ParseTrail(s string) Trail {
	var t Trail
	if s == "" {
		return t
	}
	for _, line := range strings.Split(s, trailSep) {
		if line != "" {
			t.pushRaw(line)
		}
	}
	return t
}

// Push appends "dd/mm/yyyy HH:MM: msg".
func (t *Trail) Push(at time.Time, msg string) {
	t.pushRaw(at.Format(trailTimeLayout) + ": " + msg)
}

func (t *Trail) pushRaw(entry string) {
	if t.n < TrailCapacity {
		t.buf[(t.head+t.n)%TrailCapacity] = entry
		t.n++
		return
	}
	t.buf[t.head] = entry
	t.head = (t.head + 1) % TrailCapacity
}

func (t Trail) Len() int { return t.n }

// Entries returns a copy, oldest first.
func (t Trail) Entries() []string {
	out := make([]string, t.n)
	for i := 0; i < t.n; i++ {
		out[i] = t.buf[(t.head+i)%TrailCapacity]
	}
	return out
}

// Last is the newest entry, or "" when empty.
func (t Trail) Last() string {
	if t.n == 0 {
		return ""
	}
	return t.buf[(t.head+t.n-1)%TrailCapacity]
}

func (t Trail) String() string { return strings.Join(t.Entries(), trailSep) }
