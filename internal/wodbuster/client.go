// Package wodbuster talks to WodBuster box sites on behalf of an athlete.
//
// Authentication piggybacks on the athlete's browser session: the stored
// cookie header is loaded into a jar, checked once per Login and exported
// again after every successful call so rotated cookies can be persisted.
package wodbuster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
)

const (
	sessionPath = "/api/athlete/session"
	classesPath = "/athlete/handlers/LoadClass.ashx"
	enrollPath  = "/athlete/handlers/Calendario_Inscribir.ashx"

	defaultUA = "Mozilla/5.0 (X11; Linux x86_64) wodbooker/1.0"

	stateBooked = "Borrable"
	stateFull   = "Completa"
)

// Event names a remote condition a session can wait for.
type Event string

const (
	// EventRosterChanged fires when the attendee list of a day changes.
	EventRosterChanged Event = "changedBooking"
	// EventListingChanged fires when the class board of a day is published or edited.
	EventListingChanged Event = "changedPizarra"
)

type Options struct {
	BaseURL      string
	Timeout      time.Duration
	PollInterval time.Duration
	Location     *time.Location
	UserAgent    string
}

type Client struct {
	opts Options
	base *url.URL
}

func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://wodbuster.com"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 20 * time.Second
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUA
	}
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("wodbuster: invalid base url %q", opts.BaseURL)
	}
	return &Client{opts: opts, base: base}, nil
}

// Session is an authenticated athlete session.
// Session is used by one goroutine at a time.
type Session struct {
	c     *Client
	hc    *http.Client
	email string

	// box sites visited, their host-only cookies are exported too
	boxes []*url.URL
}

// Login rebuilds a session from a stored cookie header and verifies it is
// still accepted.
func (c *Client) Login(ctx context.Context, email, cookie string) (*Session, error) {
	if strings.TrimSpace(cookie) == "" {
		return nil, ErrPasswordRequired
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}
	jar.SetCookies(c.base, parseCookieHeader(cookie, cookieDomain(c.base.Hostname())))

	s := &Session{
		c:     c,
		email: email,
		hc: &http.Client{
			Jar:     jar,
			Timeout: c.opts.Timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				// a redirect always means the login page
				return http.ErrUseLastResponse
			},
		},
	}

	var who struct {
		Email    string `json:"Email"`
		LoggedIn bool   `json:"LoggedIn"`
	}
	status, body, err := s.do(ctx, http.MethodGet, c.base.String()+sessionPath, nil)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusUnauthorized || isRedirect(status):
		return nil, ErrPasswordRequired
	case status == http.StatusForbidden:
		return nil, ErrLogin
	case status >= 500:
		return nil, networkError(fmt.Errorf("session check status %d", status))
	case status != http.StatusOK:
		return nil, invalidResponse("session check status %d", status)
	}
	if err := json.Unmarshal(body, &who); err != nil {
		return nil, invalidResponse("session check: %v", err)
	}
	if !who.LoggedIn {
		return nil, ErrPasswordRequired
	}
	if email != "" && !strings.EqualFold(who.Email, email) {
		return nil, fmt.Errorf("%w: cookie belongs to %s", ErrLogin, who.Email)
	}
	return s, nil
}

// Cookie exports the current cookie header for persistence. Cookies of the
// base site come first; a box cookie with the same name replaces the value
// since it is the one the box rotated last.
func (s *Session) Cookie() string {
	var names []string
	values := map[string]string{}
	for _, u := range append([]*url.URL{s.c.base}, s.boxes...) {
		for _, ck := range s.hc.Jar.Cookies(u) {
			if _, ok := values[ck.Name]; !ok {
				names = append(names, ck.Name)
			}
			values[ck.Name] = ck.Value
		}
	}
	parts := make([]string, 0, len(names))
	for _, n := range names {
		parts = append(parts, n+"="+values[n])
	}
	return strings.Join(parts, "; ")
}

func (s *Session) remember(boxURL string) {
	u, err := url.Parse(boxBase(boxURL))
	if err != nil || u.Host == "" {
		return
	}
	for _, b := range s.boxes {
		if b.Scheme == u.Scheme && b.Host == u.Host {
			return
		}
	}
	s.boxes = append(s.boxes, u)
}

type classBoard struct {
	Data []struct {
		Hora    string `json:"Hora"`
		Valores []struct {
			ID        int64  `json:"Id"`
			Plazas    int    `json:"Plazas"`
			Inscritos int    `json:"Inscritos"`
			Estado    string `json:"Estado"`
		} `json:"Valores"`
	} `json:"Data"`
	AbreEn string `json:"AbreEn"`
}

type enrollResponse struct {
	Res struct {
		EsCorrecto bool   `json:"EsCorrecto"`
		ErrorMsg   string `json:"ErrorMsg"`
	} `json:"Res"`
}

// Book tries to enroll in the class starting at classAt. It returns false
// without error when the class cannot be booked for a reason the site does
// not classify, e.g. it is already booked or the athlete is not eligible.
func (s *Session) Book(ctx context.Context, boxURL string, classAt time.Time) (bool, error) {
	day := classAt.In(s.c.opts.Location)
	board, _, err := s.loadBoard(ctx, boxURL, day)
	if err != nil {
		return false, err
	}
	if len(board.Data) == 0 {
		return false, s.notAvailable(board.AbreEn)
	}

	hora := day.Format("15:04")
	for _, slot := range board.Data {
		if slot.Hora != hora || len(slot.Valores) == 0 {
			continue
		}
		v := slot.Valores[0]
		switch {
		case v.Estado == stateBooked:
			return false, nil
		case v.Estado == stateFull || (v.Plazas > 0 && v.Inscritos >= v.Plazas):
			return false, ErrClassFull
		}
		return s.enroll(ctx, boxURL, v.ID, day)
	}
	return false, nil
}

func (s *Session) enroll(ctx context.Context, boxURL string, classID int64, day time.Time) (bool, error) {
	q := url.Values{}
	q.Set("id", strconv.FormatInt(classID, 10))
	q.Set("ticks", ticks(day, s.c.opts.Location))
	s.remember(boxURL)
	status, body, err := s.do(ctx, http.MethodPost, boxBase(boxURL)+enrollPath+"?"+q.Encode(), []byte{})
	if err != nil {
		return false, err
	}
	if err := checkBoxStatus(status); err != nil {
		return false, err
	}
	var res enrollResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return false, invalidResponse("enroll: %v", err)
	}
	if res.Res.EsCorrecto {
		return true, nil
	}
	if strings.Contains(strings.ToLower(res.Res.ErrorMsg), "complet") {
		return false, ErrClassFull
	}
	return false, nil
}

// WaitForEvent blocks until event is observed for the board of day or until
// deadline. Reaching the deadline is not an error.
func (s *Session) WaitForEvent(ctx context.Context, boxURL string, day time.Time, event Event, deadline time.Time) error {
	_, initial, err := s.loadBoard(ctx, boxURL, day)
	if err != nil && isFatal(err) {
		return err
	}

	for {
		wait := time.Until(deadline)
		if wait <= 0 {
			return nil
		}
		if wait > s.c.opts.PollInterval {
			wait = s.c.opts.PollInterval
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}

		board, raw, err := s.loadBoard(ctx, boxURL, day)
		if err != nil {
			if isFatal(err) || ctx.Err() != nil {
				return err
			}
			continue
		}
		switch event {
		case EventListingChanged:
			if len(board.Data) > 0 {
				return nil
			}
		default:
			if initial != nil && !bytes.Equal(initial, raw) {
				return nil
			}
			initial = raw
		}
	}
}

func (s *Session) loadBoard(ctx context.Context, boxURL string, day time.Time) (classBoard, []byte, error) {
	var board classBoard
	q := url.Values{}
	q.Set("ticks", ticks(day, s.c.opts.Location))
	s.remember(boxURL)
	status, body, err := s.do(ctx, http.MethodGet, boxBase(boxURL)+classesPath+"?"+q.Encode(), nil)
	if err != nil {
		return board, nil, err
	}
	if err := checkBoxStatus(status); err != nil {
		return board, nil, err
	}
	var raw struct {
		Data json.RawMessage `json:"Data"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return board, nil, invalidResponse("class board: %v", err)
	}
	if err := json.Unmarshal(body, &board); err != nil {
		return board, nil, invalidResponse("class board: %v", err)
	}
	return board, raw.Data, nil
}

func (s *Session) notAvailable(abreEn string) error {
	if abreEn == "" {
		return &NotAvailableError{}
	}
	at, err := time.ParseInLocation(time.RFC3339, abreEn, s.c.opts.Location)
	if err != nil {
		return &NotAvailableError{}
	}
	return &NotAvailableError{AvailableAt: &at}
}

func (s *Session) do(ctx context.Context, method, rawURL string, body []byte) (int, []byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, rd)
	if err != nil {
		return 0, nil, invalidResponse("request %s: %v", rawURL, err)
	}
	req.Header.Set("user-agent", s.c.opts.UserAgent)
	req.Header.Set("accept", "application/json")
	req.Header.Set("cache-control", "no-cache")
	if body != nil {
		req.Header.Set("content-type", "application/x-www-form-urlencoded")
	}

	res, err := s.hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		return 0, nil, networkError(err)
	}
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		return res.StatusCode, nil, networkError(err)
	}
	return res.StatusCode, b, nil
}

func checkBoxStatus(status int) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusUnauthorized || isRedirect(status):
		return ErrPasswordRequired
	case status == http.StatusForbidden || status == http.StatusNotFound:
		return ErrInvalidBox
	case status >= 500:
		return networkError(fmt.Errorf("status %d", status))
	default:
		return invalidResponse("status %d", status)
	}
}

func isFatal(err error) bool {
	return errors.Is(err, ErrPasswordRequired) || errors.Is(err, ErrLogin) || errors.Is(err, ErrInvalidBox)
}

func isRedirect(status int) bool { return status >= 300 && status < 400 }

func boxBase(boxURL string) string { return strings.TrimRight(boxURL, "/") }

func ticks(day time.Time, loc *time.Location) string {
	y, m, d := day.In(loc).Date()
	return strconv.FormatInt(time.Date(y, m, d, 0, 0, 0, 0, loc).Unix(), 10)
}

// cookieDomain widens cookies to the registrable domain so box subdomains
// receive them. IP hosts keep host-only cookies.
func cookieDomain(host string) string {
	if net.ParseIP(host) != nil || host == "localhost" {
		return ""
	}
	d, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return ""
	}
	return d
}

func parseCookieHeader(header, domain string) []*http.Cookie {
	var out []*http.Cookie
	for _, part := range strings.Split(header, ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || name == "" {
			continue
		}
		out = append(out, &http.Cookie{Name: name, Value: value, Domain: domain, Path: "/"})
	}
	return out
}
