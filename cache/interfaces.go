// Package cache provides a request cache for upstream HTTP calls that
// coalesces concurrent identical requests into a single dispatch and
// serves recent successful responses from memory.
package cache

import (
	"net/http"
	"time"
)

// Doer issues HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Request carries the options that, together with the resource, identify
// a request. A nil *Request means GET with no headers and no body.
type Request struct {
	Method string
	Header http.Header
	Body   []byte
}

// Response is a fully materialised upstream response. Responses handed out
// by the cache are shared between callers and must be treated as read-only.
type Response struct {
	StatusCode int
	Header     http.Header
	Raw        []byte

	// Data is the parsed JSON body, or the body as a string when it is not
	// valid JSON. Text reports which of the two it is.
	Data any
	Text bool
}

// Entry represents a cached response with the time it was stored
type Entry struct {
	Response *Response
	StoredAt time.Time
}

// Stats is a point-in-time view of the cache
type Stats struct {
	CacheSize       int `json:"cacheSize"`
	PendingRequests int `json:"pendingRequests"`
}

// Outcome classifies how a Fetch call was satisfied
type Outcome string

const (
	OutcomeHit      Outcome = "hit"
	OutcomeJoined   Outcome = "joined"
	OutcomeDispatch Outcome = "dispatch"
)

// Observer receives cache events. Implementations must be safe for
// concurrent use and must not block.
type Observer interface {
	// Lookup is called once per Fetch with how it was satisfied
	Lookup(outcome Outcome)

	// Settled is called once per dispatch when the upstream call finishes
	Settled(err error, elapsed time.Duration)

	// Size is called whenever the entry or pending counts change. It runs
	// under the cache lock, so calls arrive in the order the changes
	// happened and must not call back into the cache.
	Size(stats Stats)
}

type nopObserver struct{}

func (nopObserver) Lookup(Outcome)               {}
func (nopObserver) Settled(error, time.Duration) {}
func (nopObserver) Size(Stats)                   {}
