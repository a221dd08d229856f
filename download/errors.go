package download

import (
	"errors"
	"fmt"
)

// ErrCanceled is wrapped by the error delivered to waiters of a canceled request.
var ErrCanceled = errors.New("download canceled")

// HTTPError is returned when the origin answers with a non-2xx status.
type HTTPError struct {
	URL        string
	StatusCode int
	Body       []byte

	// Payload is the result of the fetcher's ResponseParser, if one is set.
	Payload any
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("fetching %s: unexpected status %d", e.URL, e.StatusCode)
}

// TransportError is returned when the request could not be completed, for
// example on connection failure or timeout.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("fetching %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is an HTTPError with status 404.
func IsNotFound(err error) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.StatusCode == 404
}
