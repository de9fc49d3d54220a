package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/wodbooker/internal/auth"
	"github.com/example/wodbooker/internal/bookings"
	"github.com/example/wodbooker/internal/calendar"
	"github.com/example/wodbooker/internal/db"
	"github.com/example/wodbooker/internal/logger"
)

type Bookings interface {
	List(ctx context.Context) ([]bookings.Booking, error)
	Get(ctx context.Context, id int64) (bookings.Booking, error)
	SetActive(ctx context.Context, id int64, active bool) error
	Events(ctx context.Context, bookingID int64, limit int) ([]bookings.Event, error)
}

type Workers interface {
	Start(id int64) bool
	Stop(id int64) bool
	Running(id int64) bool
}

const eventsLimit = 100

// Server is the admin JSON API.
type Server struct {
	Auth     *auth.Store
	Bookings Bookings
	Workers  Workers
	Gatherer prometheus.Gatherer
	Log      logger.Logger

	Version   string
	StartTime time.Time
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(accessLog(s.Log))

	r.Get("/healthz", s.handleHealthz)
	if s.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Post("/login", s.handleLogin)
	r.Post("/logout", s.handleLogout)

	r.Route("/api/bookings", func(r chi.Router) {
		r.Use(s.Auth.RequireAuth)
		r.Use(middleware.Timeout(10 * time.Second))
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleGet)
		r.Post("/{id}/activate", s.handleSetActive(true))
		r.Post("/{id}/deactivate", s.handleSetActive(false))
		r.Get("/{id}/events", s.handleEvents)
	})
	return r
}

type bookingView struct {
	ID           int64      `json:"id"`
	UserEmail    string     `json:"user_email"`
	DOW          int        `json:"dow"`
	Day          string     `json:"day"`
	Time         string     `json:"time"`
	URL          string     `json:"url"`
	Offset       int        `json:"offset"`
	AvailableAt  string     `json:"available_at"`
	LastBookDate string     `json:"last_book_date,omitempty"`
	BookedAt     *time.Time `json:"booked_at,omitempty"`
	IsActive     bool       `json:"is_active"`
	Running      bool       `json:"running"`
	Status       []string   `json:"status"`
}

func (s *Server) view(b bookings.Booking) bookingView {
	v := bookingView{
		ID:          b.ID,
		UserEmail:   b.User.Email,
		DOW:         b.DOW,
		Day:         b.DayName(),
		Time:        b.Time.String(),
		URL:         b.URL,
		Offset:      b.Offset,
		AvailableAt: b.AvailableAt.String(),
		BookedAt:    b.BookedAt,
		IsActive:    b.IsActive,
		Running:     s.Workers.Running(b.ID),
		Status:      b.Status.Entries(),
	}
	if b.LastBookDate != nil {
		v.LastBookDate = b.LastBookDate.Format(calendar.DateLayout)
	}
	if v.Status == nil {
		v.Status = []string{}
	}
	return v
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        s.Version,
		"uptime_seconds": time.Since(s.StartTime).Seconds(),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		in.Username, in.Password = r.FormValue("username"), r.FormValue("password")
	}

	id, err := s.Auth.Authenticate(r.Context(), strings.TrimSpace(in.Username), in.Password)
	if err != nil {
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			s.Log.Error("login failed", logger.Error(err))
		}
		writeError(w, http.StatusUnauthorized, "invalid username/password")
		return
	}
	if err := s.Auth.SetSession(w, r, id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.Auth.ClearSession(w)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	bs, err := s.Bookings.List(r.Context())
	if err != nil {
		s.serverError(w, err)
		return
	}
	out := make([]bookingView, 0, len(bs))
	for _, b := range bs {
		out = append(out, s.view(b))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := bookingID(w, r)
	if !ok {
		return
	}
	b, err := s.Bookings.Get(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(b))
}

func (s *Server) handleSetActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := bookingID(w, r)
		if !ok {
			return
		}
		if err := s.Bookings.SetActive(r.Context(), id, active); err != nil {
			s.storeError(w, err)
			return
		}
		if active {
			s.Workers.Start(id)
		} else {
			s.Workers.Stop(id)
		}
		opID, _ := auth.OperatorIDFromContext(r.Context())
		s.Log.Info("booking switched", logger.Int64("booking_id", id), logger.Bool("active", active), logger.Int64("operator_id", opID))

		b, err := s.Bookings.Get(r.Context(), id)
		if err != nil {
			s.storeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s.view(b))
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := bookingID(w, r)
	if !ok {
		return
	}
	if _, err := s.Bookings.Get(r.Context(), id); err != nil {
		s.storeError(w, err)
		return
	}
	evs, err := s.Bookings.Events(r.Context(), id, eventsLimit)
	if err != nil {
		s.serverError(w, err)
		return
	}
	type eventView struct {
		Date time.Time `json:"date"`
		Text string    `json:"text"`
		Line string    `json:"line"`
	}
	out := make([]eventView, 0, len(evs))
	for _, e := range evs {
		out = append(out, eventView{Date: e.Date, Text: e.Text, Line: e.String()})
	}
	writeJSON(w, http.StatusOK, out)
}

func bookingID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid booking id")
		return 0, false
	}
	return id, true
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	if db.IsNotFound(err) {
		writeError(w, http.StatusNotFound, "booking not found")
		return
	}
	s.serverError(w, err)
}

func (s *Server) serverError(w http.ResponseWriter, err error) {
	s.Log.Error("request failed", logger.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Start serves h on addr until ctx is done.
func Start(ctx context.Context, addr string, h http.Handler, log logger.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info("http server listening", logger.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
