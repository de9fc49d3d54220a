package wodbuster

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrClassFull means every seat of the class is taken.
	ErrClassFull = errors.New("wodbuster: class is full")
	// ErrNetwork wraps transport failures. Retrying later may succeed.
	ErrNetwork = errors.New("wodbuster: network error")
	// ErrInvalidResponse means the site answered with something unexpected.
	ErrInvalidResponse = errors.New("wodbuster: invalid response")
	// ErrPasswordRequired means the stored cookie no longer authenticates.
	ErrPasswordRequired = errors.New("wodbuster: session expired, password required")
	// ErrLogin means the site rejected the account.
	ErrLogin = errors.New("wodbuster: login failed")
	// ErrInvalidBox means the box URL does not exist or the athlete has no access.
	ErrInvalidBox = errors.New("wodbuster: invalid box or access denied")
)

// NotAvailableError is returned while the class listing for a day is not
// published yet. AvailableAt is set when the site announces when it opens.
type NotAvailableError struct {
	AvailableAt *time.Time
}

func (e *NotAvailableError) Error() string {
	if e.AvailableAt == nil {
		return "wodbuster: booking not available yet"
	}
	return fmt.Sprintf("wodbuster: booking available at %s", e.AvailableAt.Format(time.RFC3339))
}

func networkError(err error) error {
	return fmt.Errorf("%w: %v", ErrNetwork, err)
}

func invalidResponse(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidResponse, fmt.Sprintf(format, args...))
}
