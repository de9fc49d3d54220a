package notify

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/url"
	"strings"
	"time"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"
)

// ShoutrrrSender delivers through a shoutrrr service URL. For smtp:// URLs
// the recipient is injected as the toaddresses parameter, other services
// deliver to their configured destination.
type ShoutrrrSender struct {
	base    *url.URL
	timeout time.Duration
}

func NewShoutrrrSender(serviceURL string, timeout time.Duration) (*ShoutrrrSender, error) {
	u, err := url.Parse(serviceURL)
	if err != nil {
		return nil, fmt.Errorf("notify: invalid service url")
	}
	s := &ShoutrrrSender{base: u, timeout: timeout}
	// build once to validate the URL
	if _, err := shoutrrr.CreateSender(s.urlFor("validate@example.com")); err != nil {
		return nil, fmt.Errorf("notify: %s service: %w", u.Scheme, err)
	}
	return s, nil
}

func (s *ShoutrrrSender) urlFor(to string) string {
	u := *s.base
	if strings.EqualFold(u.Scheme, "smtp") && to != "" {
		q := u.Query()
		q.Set("toaddresses", to)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (s *ShoutrrrSender) Send(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sender, err := shoutrrr.CreateSender(s.urlFor(to))
	if err != nil {
		return err
	}
	if s.timeout > 0 {
		sender.Timeout = s.timeout
	}
	sender.SetLogger(log.New(io.Discard, "", 0))

	params := stypes.Params{}
	params.SetTitle(subject)
	for _, e := range sender.Send(body, &params) {
		if e != nil {
			return e
		}
	}
	return nil
}
