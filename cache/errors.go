package cache

import (
	"errors"
	"fmt"
)

// ErrInvalidInput is returned when Fetch is called with an empty resource
// or a negative cache duration.
var ErrInvalidInput = errors.New("invalid cache input")

// TransportError reports an upstream request that could not be completed,
// either because the round trip failed (Err set, StatusCode 0) or because
// the upstream answered with a non-2xx status.
type TransportError struct {
	Method     string
	Resource   string
	StatusCode int
	Body       []byte
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", e.Method, e.Resource, e.Err)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Resource, e.StatusCode, truncate(e.Body, 256))
}

func (e *TransportError) Unwrap() error { return e.Err }

// StatusOf returns the upstream status carried by err, or 0 when err is not
// a *TransportError or the request never got a response.
func StatusOf(err error) int {
	var te *TransportError
	if errors.As(err, &te) {
		return te.StatusCode
	}
	return 0
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
