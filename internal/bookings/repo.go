package bookings

import (
	"context"
	"fmt"
	"time"

	"github.com/example/wodbooker/internal/calendar"
	"github.com/example/wodbooker/internal/db"
	"github.com/example/wodbooker/internal/secrets"
)

const bookingColumns = `
b.id, b.user_id, b.dow, to_char(b.class_time,'HH24:MI'), b.url, b.day_offset, to_char(b.available_at,'HH24:MI'),
b.last_book_date, b.booked_at, b.status, b.is_active, b.revision, b.created_at,
u.id, u.email, u.cookie, u.notify_success, u.notify_failure`

const bookingFrom = `
FROM bookings b
JOIN users u ON u.id = b.user_id`

// Repo persists users, bookings and their events. Cookies are sealed with
// box before they touch the database.
type Repo struct {
	db  *db.DB
	box *secrets.Box
}

func NewRepo(d *db.DB, box *secrets.Box) *Repo { return &Repo{db: d, box: box} }

// UpsertUser creates the user or updates cookie and notification flags of
// the existing one with the same email.
func (r *Repo) UpsertUser(ctx context.Context, u User) (int64, error) {
	sealed, err := r.box.Seal(u.Cookie)
	if err != nil {
		return 0, err
	}
	var id int64
	err = r.db.QueryRow(ctx, `
INSERT INTO users(email, cookie, notify_success, notify_failure)
VALUES ($1,$2,$3,$4)
ON CONFLICT (email) DO UPDATE
SET cookie=EXCLUDED.cookie, notify_success=EXCLUDED.notify_success, notify_failure=EXCLUDED.notify_failure, updated_at=now()
RETURNING id`, u.Email, sealed, u.NotifySuccess, u.NotifyFailure).Scan(&id)
	return id, db.WrapNotFound(err)
}

func (r *Repo) UserByEmail(ctx context.Context, email string) (User, error) {
	var u User
	var sealed string
	err := r.db.QueryRow(ctx, `SELECT id, email, cookie, notify_success, notify_failure FROM users WHERE email=$1`, email).
		Scan(&u.ID, &u.Email, &sealed, &u.NotifySuccess, &u.NotifyFailure)
	if err != nil {
		return User{}, db.WrapNotFound(err)
	}
	if u.Cookie, err = r.box.Open(sealed); err != nil {
		return User{}, err
	}
	return u, nil
}

func (r *Repo) Create(ctx context.Context, b Booking) (int64, error) {
	if err := b.Validate(); err != nil {
		return 0, err
	}
	var id int64
	err := r.db.QueryRow(ctx, `
INSERT INTO bookings(user_id, dow, class_time, url, day_offset, available_at, is_active)
VALUES ($1,$2,$3::time,$4,$5,$6::time,$7)
ON CONFLICT (user_id, dow, class_time, url) DO UPDATE
SET day_offset=EXCLUDED.day_offset, available_at=EXCLUDED.available_at, is_active=EXCLUDED.is_active, revision=bookings.revision+1
RETURNING id`,
		b.UserID, b.DOW, b.Time.String(), b.URL, b.Offset, b.AvailableAt.String(), b.IsActive,
	).Scan(&id)
	return id, db.WrapNotFound(err)
}

func (r *Repo) Get(ctx context.Context, id int64) (Booking, error) {
	row := r.db.QueryRow(ctx, `SELECT `+bookingColumns+bookingFrom+` WHERE b.id=$1`, id)
	b, err := r.scan(row)
	if err != nil {
		return Booking{}, db.WrapNotFound(err)
	}
	return b, nil
}

func (r *Repo) List(ctx context.Context) ([]Booking, error) {
	return r.list(ctx, `SELECT `+bookingColumns+bookingFrom+` ORDER BY b.id`)
}

func (r *Repo) ListByUser(ctx context.Context, userID int64) ([]Booking, error) {
	return r.list(ctx, `SELECT `+bookingColumns+bookingFrom+` WHERE b.user_id=$1 ORDER BY b.dow, b.class_time`, userID)
}

func (r *Repo) list(ctx context.Context, sql string, args ...any) ([]Booking, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Booking
	for rows.Next() {
		b, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *Repo) scan(row db.Row) (Booking, error) {
	var b Booking
	var classTime, availableAt, status, sealed string
	if err := row.Scan(
		&b.ID, &b.UserID, &b.DOW, &classTime, &b.URL, &b.Offset, &availableAt,
		&b.LastBookDate, &b.BookedAt, &status, &b.IsActive, &b.Revision, &b.CreatedAt,
		&b.User.ID, &b.User.Email, &sealed, &b.User.NotifySuccess, &b.User.NotifyFailure,
	); err != nil {
		return Booking{}, err
	}
	var err error
	if b.Time, err = calendar.ParseClock(classTime); err != nil {
		return Booking{}, err
	}
	if b.AvailableAt, err = calendar.ParseClock(availableAt); err != nil {
		return Booking{}, err
	}
	if b.User.Cookie, err = r.box.Open(sealed); err != nil {
		return Booking{}, fmt.Errorf("booking %d: cookie: %w", b.ID, err)
	}
	b.Status = ParseTrail(status)
	return b, nil
}

// ActiveRevisions maps every active booking id to its revision.
func (r *Repo) ActiveRevisions(ctx context.Context) (map[int64]int64, error) {
	rows, err := r.db.Query(ctx, `SELECT id, revision FROM bookings WHERE is_active`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[int64]int64{}
	for rows.Next() {
		var id, rev int64
		if err := rows.Scan(&id, &rev); err != nil {
			return nil, err
		}
		out[id] = rev
	}
	return out, rows.Err()
}

// SetActive is the operator switch. It bumps the revision so running
// workers are restarted by the reconciler.
func (r *Repo) SetActive(ctx context.Context, id int64, active bool) error {
	n, err := r.db.ExecRows(ctx, `UPDATE bookings SET is_active=$2, revision=revision+1 WHERE id=$1`, id, active)
	if err != nil {
		return err
	}
	if n == 0 {
		return db.ErrNotFound
	}
	return nil
}

// Delete removes the rule and, by cascade, its events.
func (r *Repo) Delete(ctx context.Context, id int64) error {
	n, err := r.db.ExecRows(ctx, `DELETE FROM bookings WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return db.ErrNotFound
	}
	return nil
}

// AppendStatus pushes one entry onto the booking's status trail.
func (r *Repo) AppendStatus(ctx context.Context, id int64, at time.Time, msg string) error {
	return r.db.WithTx(ctx, func(tx db.Tx) error {
		return pushStatus(ctx, tx, id, at, msg)
	})
}

// Complete records a finished iteration: the attempted day, the completion
// time and the refreshed WodBuster cookie of the owner.
func (r *Repo) Complete(ctx context.Context, id int64, day, bookedAt time.Time, cookie string) error {
	sealed, err := r.box.Seal(cookie)
	if err != nil {
		return err
	}
	return r.db.WithTx(ctx, func(tx db.Tx) error {
		var userID int64
		if err := tx.QueryRow(ctx, `
UPDATE bookings SET last_book_date=$2::date, booked_at=$3 WHERE id=$1
RETURNING user_id`, id, day.Format("2006-01-02"), bookedAt).Scan(&userID); err != nil {
			return db.WrapNotFound(err)
		}
		if cookie == "" {
			return nil
		}
		return tx.Exec(ctx, `UPDATE users SET cookie=$2, updated_at=now() WHERE id=$1`, userID, sealed)
	})
}

// Deactivate switches the rule off with a final status entry in one
// transaction. The revision is left alone: this is the worker's own exit.
func (r *Repo) Deactivate(ctx context.Context, id int64, at time.Time, msg string) error {
	return r.db.WithTx(ctx, func(tx db.Tx) error {
		if err := pushStatus(ctx, tx, id, at, msg); err != nil {
			return err
		}
		return tx.Exec(ctx, `UPDATE bookings SET is_active=false WHERE id=$1`, id)
	})
}

func pushStatus(ctx context.Context, tx db.Tx, id int64, at time.Time, msg string) error {
	var status string
	if err := tx.QueryRow(ctx, `SELECT status FROM bookings WHERE id=$1 FOR UPDATE`, id).Scan(&status); err != nil {
		return db.WrapNotFound(err)
	}
	trail := ParseTrail(status)
	trail.Push(at, msg)
	return tx.Exec(ctx, `UPDATE bookings SET status=$2 WHERE id=$1`, id, trail.String())
}

func (r *Repo) AddEvent(ctx context.Context, bookingID int64, at time.Time, text string) error {
	return r.db.Exec(ctx, `INSERT INTO events(booking_id, created_at, event) VALUES ($1,$2,$3)`, bookingID, at, text)
}

func (r *Repo) Events(ctx context.Context, bookingID int64, limit int) ([]Event, error) {
	rows, err := r.db.Query(ctx, `
SELECT id, booking_id, created_at, event FROM events
WHERE booking_id=$1
ORDER BY created_at DESC
LIMIT $2`, bookingID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.BookingID, &e.Date, &e.Text); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
