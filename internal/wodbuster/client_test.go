package wodbuster

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCookie = ".WBAuth=secret; ASP.NET_SessionId=abc"

type fakeSite struct {
	board   func(n int32) any
	enroll  any
	status  int
	loads   atomic.Int32
	enrolls atomic.Int32
}

func (f *fakeSite) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(sessionPath, func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie(".WBAuth"); err != nil || c.Value != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"Email": "athlete@example.com", "LoggedIn": true})
	})
	mux.HandleFunc(classesPath, func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.URL.Query().Get("ticks"))
		n := f.loads.Add(1)
		if f.status != 0 {
			w.WriteHeader(f.status)
			return
		}
		if s, ok := f.board(n).(string); ok {
			_, _ = w.Write([]byte(s))
			return
		}
		_ = json.NewEncoder(w).Encode(f.board(n))
	})
	mux.HandleFunc(enrollPath, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "42", r.URL.Query().Get("id"))
		f.enrolls.Add(1)
		_ = json.NewEncoder(w).Encode(f.enroll)
	})
	return mux
}

func board(estado string, plazas, inscritos int) map[string]any {
	return map[string]any{
		"Data": []any{
			map[string]any{"Hora": "07:00", "Valores": []any{map[string]any{"Id": 7, "Plazas": 10, "Inscritos": 1, "Estado": "Inscribible"}}},
			map[string]any{"Hora": "18:00", "Valores": []any{map[string]any{"Id": 42, "Plazas": plazas, "Inscritos": inscritos, "Estado": estado}}},
		},
	}
}

func enrolled(ok bool, msg string) map[string]any {
	return map[string]any{"Res": map[string]any{"EsCorrecto": ok, "ErrorMsg": msg}}
}

func newTestSession(t *testing.T, f *fakeSite) (*Session, string) {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)

	c, err := New(Options{BaseURL: srv.URL, PollInterval: 10 * time.Millisecond, Location: madrid(t)})
	require.NoError(t, err)
	s, err := c.Login(context.Background(), "athlete@example.com", testCookie)
	require.NoError(t, err)
	return s, srv.URL
}

func madrid(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Madrid")
	require.NoError(t, err)
	return loc
}

func classAt(t *testing.T) time.Time {
	return time.Date(2026, 10, 14, 18, 0, 0, 0, madrid(t))
}

func TestNewRejectsBadBaseURL(t *testing.T) {
	_, err := New(Options{BaseURL: "not a url"})
	assert.Error(t, err)
}

func TestLogin(t *testing.T) {
	f := &fakeSite{}
	srv := httptest.NewServer(f.handler(t))
	defer srv.Close()
	c, err := New(Options{BaseURL: srv.URL})
	require.NoError(t, err)

	t.Run("empty cookie", func(t *testing.T) {
		_, err := c.Login(context.Background(), "athlete@example.com", "")
		assert.ErrorIs(t, err, ErrPasswordRequired)
	})
	t.Run("stale cookie", func(t *testing.T) {
		_, err := c.Login(context.Background(), "athlete@example.com", ".WBAuth=old")
		assert.ErrorIs(t, err, ErrPasswordRequired)
	})
	t.Run("other account", func(t *testing.T) {
		_, err := c.Login(context.Background(), "someone@example.com", testCookie)
		assert.ErrorIs(t, err, ErrLogin)
	})
	t.Run("ok", func(t *testing.T) {
		s, err := c.Login(context.Background(), "athlete@example.com", testCookie)
		require.NoError(t, err)
		assert.Contains(t, s.Cookie(), ".WBAuth=secret")
		assert.Contains(t, s.Cookie(), "ASP.NET_SessionId=abc")
	})
}

func TestLoginNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(Options{BaseURL: url, Timeout: time.Second})
	require.NoError(t, err)
	_, err = c.Login(context.Background(), "athlete@example.com", testCookie)
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestBook(t *testing.T) {
	t.Run("booked", func(t *testing.T) {
		f := &fakeSite{board: func(int32) any { return board("Inscribible", 12, 3) }, enroll: enrolled(true, "")}
		s, box := newTestSession(t, f)
		ok, err := s.Book(context.Background(), box+"/", classAt(t))
		require.NoError(t, err)
		assert.True(t, ok)
		assert.EqualValues(t, 1, f.enrolls.Load())
	})

	t.Run("full by seats", func(t *testing.T) {
		f := &fakeSite{board: func(int32) any { return board("Inscribible", 12, 12) }}
		s, box := newTestSession(t, f)
		_, err := s.Book(context.Background(), box, classAt(t))
		assert.ErrorIs(t, err, ErrClassFull)
		assert.Zero(t, f.enrolls.Load())
	})

	t.Run("full on enroll", func(t *testing.T) {
		f := &fakeSite{board: func(int32) any { return board("Inscribible", 12, 11) }, enroll: enrolled(false, "Clase completa")}
		s, box := newTestSession(t, f)
		_, err := s.Book(context.Background(), box, classAt(t))
		assert.ErrorIs(t, err, ErrClassFull)
	})

	t.Run("already booked", func(t *testing.T) {
		f := &fakeSite{board: func(int32) any { return board(stateBooked, 12, 5) }}
		s, box := newTestSession(t, f)
		ok, err := s.Book(context.Background(), box, classAt(t))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("no class at that time", func(t *testing.T) {
		f := &fakeSite{board: func(int32) any { return board("Inscribible", 12, 5) }}
		s, box := newTestSession(t, f)
		ok, err := s.Book(context.Background(), box, classAt(t).Add(30*time.Minute))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("not published with opening time", func(t *testing.T) {
		f := &fakeSite{board: func(int32) any {
			return map[string]any{"Data": []any{}, "AbreEn": "2026-10-13T09:00:00+02:00"}
		}}
		s, box := newTestSession(t, f)
		_, err := s.Book(context.Background(), box, classAt(t))
		var na *NotAvailableError
		require.ErrorAs(t, err, &na)
		require.NotNil(t, na.AvailableAt)
		assert.True(t, na.AvailableAt.Equal(time.Date(2026, 10, 13, 7, 0, 0, 0, time.UTC)))
	})

	t.Run("not published", func(t *testing.T) {
		f := &fakeSite{board: func(int32) any { return map[string]any{"Data": nil} }}
		s, box := newTestSession(t, f)
		_, err := s.Book(context.Background(), box, classAt(t))
		var na *NotAvailableError
		require.ErrorAs(t, err, &na)
		assert.Nil(t, na.AvailableAt)
	})

	t.Run("unknown box", func(t *testing.T) {
		f := &fakeSite{status: http.StatusNotFound}
		s, box := newTestSession(t, f)
		_, err := s.Book(context.Background(), box, classAt(t))
		assert.ErrorIs(t, err, ErrInvalidBox)
	})

	t.Run("server error", func(t *testing.T) {
		f := &fakeSite{status: http.StatusBadGateway}
		s, box := newTestSession(t, f)
		_, err := s.Book(context.Background(), box, classAt(t))
		assert.ErrorIs(t, err, ErrNetwork)
	})

	t.Run("garbage", func(t *testing.T) {
		f := &fakeSite{board: func(int32) any { return "<html>maintenance</html>" }}
		s, box := newTestSession(t, f)
		_, err := s.Book(context.Background(), box, classAt(t))
		assert.ErrorIs(t, err, ErrInvalidResponse)
	})
}

func TestWaitForEvent(t *testing.T) {
	t.Run("listing published", func(t *testing.T) {
		f := &fakeSite{board: func(n int32) any {
			if n < 3 {
				return map[string]any{"Data": []any{}}
			}
			return board("Inscribible", 12, 0)
		}}
		s, box := newTestSession(t, f)
		err := s.WaitForEvent(context.Background(), box, classAt(t), EventListingChanged, time.Now().Add(5*time.Second))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, f.loads.Load(), int32(3))
	})

	t.Run("roster changed", func(t *testing.T) {
		f := &fakeSite{board: func(n int32) any {
			if n < 2 {
				return board("Completa", 12, 12)
			}
			return board("Inscribible", 12, 11)
		}}
		s, box := newTestSession(t, f)
		err := s.WaitForEvent(context.Background(), box, classAt(t), EventRosterChanged, time.Now().Add(5*time.Second))
		require.NoError(t, err)
	})

	t.Run("deadline", func(t *testing.T) {
		f := &fakeSite{board: func(int32) any { return board("Completa", 12, 12) }}
		s, box := newTestSession(t, f)
		start := time.Now()
		err := s.WaitForEvent(context.Background(), box, classAt(t), EventRosterChanged, start.Add(50*time.Millisecond))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	})

	t.Run("cancelled", func(t *testing.T) {
		f := &fakeSite{board: func(int32) any { return board("Completa", 12, 12) }}
		s, box := newTestSession(t, f)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := s.WaitForEvent(ctx, box, classAt(t), EventRosterChanged, time.Now().Add(time.Minute))
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("box gone", func(t *testing.T) {
		f := &fakeSite{status: http.StatusForbidden}
		s, box := newTestSession(t, f)
		err := s.WaitForEvent(context.Background(), box, classAt(t), EventRosterChanged, time.Now().Add(time.Minute))
		assert.ErrorIs(t, err, ErrInvalidBox)
	})
}

func TestCookieIncludesRotatedBoxCookies(t *testing.T) {
	s, _ := newTestSession(t, &fakeSite{})

	mux := http.NewServeMux()
	mux.HandleFunc(classesPath, func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "BoxSession", Value: "rotated", Path: "/"})
		http.SetCookie(w, &http.Cookie{Name: ".WBAuth", Value: "renewed", Path: "/"})
		_ = json.NewEncoder(w).Encode(board(stateBooked, 12, 5))
	})
	boxSrv := httptest.NewServer(mux)
	t.Cleanup(boxSrv.Close)
	// a different host than the 127.0.0.1 base, so the cookies stay host-only
	box := strings.Replace(boxSrv.URL, "127.0.0.1", "localhost", 1)

	ok, err := s.Book(context.Background(), box, classAt(t))
	require.NoError(t, err)
	assert.False(t, ok)

	got := s.Cookie()
	assert.Contains(t, got, "BoxSession=rotated")
	assert.Contains(t, got, ".WBAuth=renewed")
	assert.Contains(t, got, "ASP.NET_SessionId=abc")
	assert.NotContains(t, got, ".WBAuth=secret")
	assert.Equal(t, 1, strings.Count(got, ".WBAuth="))
}
