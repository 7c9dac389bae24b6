package cache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultCacheDuration is applied to every Fetch that doesn't override it
const DefaultCacheDuration = 5 * time.Minute

// RequestCache deduplicates in-flight requests and caches successful
// responses for a bounded time. Expiry is checked on read; nothing is
// swept in the background.
type RequestCache struct {
	doer            Doer
	defaultDuration time.Duration
	now             func() time.Time
	logger          zerolog.Logger
	observer        Observer

	mu      sync.Mutex
	entries map[string]*Entry
	pending map[string]*flight
}

// flight is a dispatched request that hasn't settled yet. res and err are
// written once, before done is closed.
type flight struct {
	done chan struct{}
	res  *Response
	err  error
}

// wait prefers a settled result over an expired ctx
func (f *flight) wait(ctx context.Context) (*Response, error) {
	select {
	case <-f.done:
		return f.res, f.err
	default:
	}
	select {
	case <-f.done:
		return f.res, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type Option func(*RequestCache)

// WithDefaultDuration sets the cache duration used when Fetch isn't given
// one. A negative value makes those Fetch calls fail with ErrInvalidInput,
// the same as a negative WithDuration.
func WithDefaultDuration(d time.Duration) Option {
	return func(c *RequestCache) { c.defaultDuration = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *RequestCache) { c.logger = l }
}

func WithObserver(o Observer) Option {
	return func(c *RequestCache) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithClock replaces time.Now for expiry checks
func WithClock(now func() time.Time) Option {
	return func(c *RequestCache) { c.now = now }
}

// New creates a RequestCache dispatching through doer
func New(doer Doer, opts ...Option) *RequestCache {
	c := &RequestCache{
		doer:            doer,
		defaultDuration: DefaultCacheDuration,
		now:             time.Now,
		logger:          zerolog.Nop(),
		observer:        nopObserver{},
		entries:         make(map[string]*Entry),
		pending:         make(map[string]*flight),
	}
	for _, o := range opts {
		o(c)
	}
	if c.defaultDuration < 0 {
		c.logger.Error().Dur("default_duration", c.defaultDuration).Msg("negative default cache duration; fetches without WithDuration will fail")
	}
	return c
}

type fetchConfig struct {
	duration    time.Duration
	hasDuration bool
}

type FetchOption func(*fetchConfig)

// WithDuration overrides the cache duration for one call. Zero means the
// call never reads a stored entry, though it still joins an in-flight
// request for the same key.
func WithDuration(d time.Duration) FetchOption {
	return func(fc *fetchConfig) {
		fc.duration, fc.hasDuration = d, true
	}
}

// Fetch returns the response for resource, joining an in-flight request
// for the same key if there is one, else serving a fresh stored entry,
// else dispatching. Failed requests are never stored.
//
// ctx bounds only this caller's wait. The upstream call runs detached from
// it so other callers waiting on the same key still get the result.
func (c *RequestCache) Fetch(ctx context.Context, resource string, req *Request, opts ...FetchOption) (*Response, error) {
	if resource == "" {
		return nil, fmt.Errorf("%w: resource is required", ErrInvalidInput)
	}
	fc := fetchConfig{duration: c.defaultDuration}
	for _, o := range opts {
		o(&fc)
	}
	if fc.duration < 0 {
		return nil, fmt.Errorf("%w: negative cache duration %s", ErrInvalidInput, fc.duration)
	}

	key := Key(resource, req)

	c.mu.Lock()
	if f, ok := c.pending[key]; ok {
		c.mu.Unlock()
		c.observer.Lookup(OutcomeJoined)
		return f.wait(ctx)
	}
	if e, ok := c.entries[key]; ok && c.now().Sub(e.StoredAt) < fc.duration {
		c.mu.Unlock()
		c.observer.Lookup(OutcomeHit)
		return e.Response, nil
	}

	httpReq, err := newHTTPRequest(context.WithoutCancel(ctx), resource, req)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}

	f := &flight{done: make(chan struct{})}
	c.pending[key] = f
	c.observer.Size(c.statsLocked())
	c.mu.Unlock()

	c.observer.Lookup(OutcomeDispatch)

	go c.dispatch(key, resource, httpReq, f)
	return f.wait(ctx)
}

func (c *RequestCache) dispatch(key, resource string, req *http.Request, f *flight) {
	id := uuid.NewString()
	start := time.Now()
	c.logger.Debug().Str("dispatch_id", id).Str("key", key).Msg("cache dispatch")

	res, err := c.roundTrip(resource, req)

	c.mu.Lock()
	if err == nil {
		c.entries[key] = &Entry{Response: res, StoredAt: c.now()}
	}
	delete(c.pending, key)
	c.observer.Size(c.statsLocked())
	c.mu.Unlock()

	elapsed := time.Since(start)
	c.observer.Settled(err, elapsed)

	f.res, f.err = res, err
	close(f.done)

	if err != nil {
		c.logger.Warn().Err(err).Str("dispatch_id", id).Str("key", key).Dur("elapsed", elapsed).Msg("cache dispatch failed")
		return
	}
	c.logger.Debug().Str("dispatch_id", id).Str("key", key).Int("status", res.StatusCode).Dur("elapsed", elapsed).Msg("cache dispatch settled")
}

func (c *RequestCache) roundTrip(resource string, req *http.Request) (res *Response, err error) {
	// a panicking Doer would otherwise leave every waiter blocked forever
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, &TransportError{Method: req.Method, Resource: resource, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	resp, err := c.doer.Do(req)
	if err != nil {
		return nil, &TransportError{Method: req.Method, Resource: resource, Err: err}
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Method: req.Method, Resource: resource, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &TransportError{Method: req.Method, Resource: resource, StatusCode: resp.StatusCode, Body: body}
	}

	data, text := parseBody(body)
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Raw:        body,
		Data:       data,
		Text:       text,
	}, nil
}

func newHTTPRequest(ctx context.Context, resource string, r *Request) (*http.Request, error) {
	method := http.MethodGet
	var body io.Reader
	var header http.Header
	if r != nil {
		if r.Method != "" {
			method = strings.ToUpper(r.Method)
		}
		if len(r.Body) > 0 {
			body = bytes.NewReader(r.Body)
		}
		header = r.Header
	}

	req, err := http.NewRequestWithContext(ctx, method, resource, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if header != nil {
		req.Header = header.Clone()
	}
	return req, nil
}

// Clear removes the entry for key. An in-flight request for key is left
// alone and will store its result when it succeeds.
func (c *RequestCache) Clear(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.observer.Size(c.statsLocked())
	c.mu.Unlock()
}

// ClearAll removes every entry. In-flight requests are unaffected.
func (c *RequestCache) ClearAll() {
	c.mu.Lock()
	clear(c.entries)
	c.observer.Size(c.statsLocked())
	c.mu.Unlock()
}

// PruneExpired removes entries stored at least maxAge ago and returns how
// many were removed. A non-positive maxAge removes nothing.
func (c *RequestCache) PruneExpired(maxAge time.Duration) int {
	if maxAge <= 0 {
		return 0
	}
	c.mu.Lock()
	now := c.now()
	removed := 0
	for key, e := range c.entries {
		if now.Sub(e.StoredAt) >= maxAge {
			delete(c.entries, key)
			removed++
		}
	}
	if removed > 0 {
		c.observer.Size(c.statsLocked())
	}
	c.mu.Unlock()

	if removed > 0 {
		c.logger.Debug().Int("removed", removed).Dur("max_age", maxAge).Msg("cache pruned")
	}
	return removed
}

// Stats reports the current entry and in-flight counts
func (c *RequestCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statsLocked()
}

func (c *RequestCache) statsLocked() Stats {
	return Stats{CacheSize: len(c.entries), PendingRequests: len(c.pending)}
}
