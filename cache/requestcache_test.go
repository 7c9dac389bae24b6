package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDoer counts calls and optionally blocks each one until gate is closed
type fakeDoer struct {
	mu      sync.Mutex
	calls   int
	gate    chan struct{}
	respond func(req *http.Request, n int) (*http.Response, error)
}

func (d *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	d.mu.Lock()
	d.calls++
	n := d.calls
	gate := d.gate
	d.mu.Unlock()

	if gate != nil {
		<-gate
	}
	return d.respond(req, n)
}

func (d *fakeDoer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": {"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func okDoer(body string) *fakeDoer {
	return &fakeDoer{respond: func(*http.Request, int) (*http.Response, error) {
		return jsonResponse(http.StatusOK, body), nil
	}}
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type countingObserver struct {
	mu      sync.Mutex
	lookups map[Outcome]int
	settled int
	failed  int
	last    Stats
}

func newCountingObserver() *countingObserver {
	return &countingObserver{lookups: make(map[Outcome]int)}
}

func (o *countingObserver) Lookup(outcome Outcome) {
	o.mu.Lock()
	o.lookups[outcome]++
	o.mu.Unlock()
}

func (o *countingObserver) Settled(err error, _ time.Duration) {
	o.mu.Lock()
	o.settled++
	if err != nil {
		o.failed++
	}
	o.mu.Unlock()
}

func (o *countingObserver) Size(s Stats) {
	o.mu.Lock()
	o.last = s
	o.mu.Unlock()
}

func (o *countingObserver) count(outcome Outcome) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lookups[outcome]
}

func (o *countingObserver) total() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, v := range o.lookups {
		n += v
	}
	return n
}

type result struct {
	res *Response
	err error
}

// fetchConcurrently starts n Fetch calls for the same resource and waits
// until all of them have looked up the cache before returning
func fetchConcurrently(t *testing.T, c *RequestCache, obs *countingObserver, n int, resource string) <-chan result {
	t.Helper()
	out := make(chan result, n)
	for i := 0; i < n; i++ {
		go func() {
			res, err := c.Fetch(context.Background(), resource, nil)
			out <- result{res, err}
		}()
	}
	require.Eventually(t, func() bool { return obs.total() == n }, 2*time.Second, time.Millisecond)
	return out
}

func TestFetchCoalescesConcurrentCalls(t *testing.T) {
	doer := okDoer(`{"issues":[{"key":"REQ-1"}]}`)
	doer.gate = make(chan struct{})
	obs := newCountingObserver()
	c := New(doer, WithObserver(obs))

	const k = 25
	results := fetchConcurrently(t, c, obs, k, "https://jira.example.com/rest/api/2/search")

	assert.Equal(t, 1, c.Stats().PendingRequests)
	assert.Equal(t, 1, obs.count(OutcomeDispatch))
	assert.Equal(t, k-1, obs.count(OutcomeJoined))

	close(doer.gate)

	var first *Response
	for i := 0; i < k; i++ {
		r := <-results
		require.NoError(t, r.err)
		if first == nil {
			first = r.res
			continue
		}
		assert.Same(t, first, r.res)
	}
	assert.Equal(t, 1, doer.Calls())
	assert.Equal(t, Stats{CacheSize: 1, PendingRequests: 0}, c.Stats())
}

func TestFetchCoalescedFailureReachesEveryWaiter(t *testing.T) {
	doer := &fakeDoer{
		gate: make(chan struct{}),
		respond: func(*http.Request, int) (*http.Response, error) {
			return jsonResponse(http.StatusBadGateway, `{"error":"upstream"}`), nil
		},
	}
	obs := newCountingObserver()
	c := New(doer, WithObserver(obs))

	const k = 5
	results := fetchConcurrently(t, c, obs, k, "https://jira.example.com/rest/api/2/issue/REQ-7")
	close(doer.gate)

	var firstErr error
	for i := 0; i < k; i++ {
		r := <-results
		require.Error(t, r.err)
		assert.Nil(t, r.res)

		var te *TransportError
		require.ErrorAs(t, r.err, &te)
		assert.Equal(t, http.StatusBadGateway, te.StatusCode)
		if firstErr == nil {
			firstErr = r.err
			continue
		}
		assert.Same(t, firstErr, r.err)
	}
	assert.Equal(t, 1, doer.Calls())
	assert.Equal(t, Stats{}, c.Stats())
}

func TestFetchServesFreshEntryFromMemory(t *testing.T) {
	doer := okDoer(`{"key":"REQ-1"}`)
	clock := newFakeClock()
	c := New(doer, WithClock(clock.Now))
	ctx := context.Background()

	first, err := c.Fetch(ctx, "https://jira.example.com/rest/api/2/issue/REQ-1", nil)
	require.NoError(t, err)

	clock.Advance(4 * time.Minute)
	second, err := c.Fetch(ctx, "https://jira.example.com/rest/api/2/issue/REQ-1", nil)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, doer.Calls())
	assert.Equal(t, map[string]any{"key": "REQ-1"}, second.Data)
	assert.False(t, second.Text)
}

func TestFetchRefetchesAfterExpiry(t *testing.T) {
	tests := []struct {
		name    string
		advance time.Duration
		calls   int
	}{
		{"just inside", DefaultCacheDuration - time.Millisecond, 1},
		{"exactly at duration", DefaultCacheDuration, 2},
		{"well past", time.Hour, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doer := okDoer(`{}`)
			clock := newFakeClock()
			c := New(doer, WithClock(clock.Now))
			ctx := context.Background()

			_, err := c.Fetch(ctx, "https://jira.example.com/a", nil)
			require.NoError(t, err)
			clock.Advance(tt.advance)
			_, err = c.Fetch(ctx, "https://jira.example.com/a", nil)
			require.NoError(t, err)

			assert.Equal(t, tt.calls, doer.Calls())
		})
	}
}

func TestFetchPerCallDurationOverride(t *testing.T) {
	doer := okDoer(`{}`)
	clock := newFakeClock()
	c := New(doer, WithClock(clock.Now), WithDefaultDuration(time.Minute))
	ctx := context.Background()

	_, err := c.Fetch(ctx, "https://jira.example.com/a", nil)
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	_, err = c.Fetch(ctx, "https://jira.example.com/a", nil, WithDuration(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, doer.Calls(), "longer override should still accept the entry")

	_, err = c.Fetch(ctx, "https://jira.example.com/a", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, doer.Calls(), "default duration should treat the entry as expired")
}

func TestFetchDoesNotCacheFailures(t *testing.T) {
	doer := &fakeDoer{respond: func(_ *http.Request, n int) (*http.Response, error) {
		if n == 1 {
			return jsonResponse(http.StatusServiceUnavailable, `busy`), nil
		}
		return jsonResponse(http.StatusOK, `{"ok":true}`), nil
	}}
	c := New(doer)
	ctx := context.Background()

	_, err := c.Fetch(ctx, "https://jira.example.com/a", nil)
	require.Error(t, err)
	assert.Equal(t, 0, c.Stats().CacheSize)

	res, err := c.Fetch(ctx, "https://jira.example.com/a", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, res.Data)
	assert.Equal(t, 2, doer.Calls())
}

func TestFetchTransportFailure(t *testing.T) {
	netErr := errors.New("connection refused")
	doer := &fakeDoer{respond: func(*http.Request, int) (*http.Response, error) {
		return nil, netErr
	}}
	c := New(doer)

	_, err := c.Fetch(context.Background(), "https://jira.example.com/a", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, netErr)
	assert.Equal(t, 0, StatusOf(err))

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.MethodGet, te.Method)
	assert.Equal(t, "https://jira.example.com/a", te.Resource)
	assert.Equal(t, Stats{}, c.Stats())
}

func TestFetchRecoversFromPanickingDoer(t *testing.T) {
	doer := &fakeDoer{respond: func(*http.Request, int) (*http.Response, error) {
		panic("boom")
	}}
	c := New(doer)

	_, err := c.Fetch(context.Background(), "https://jira.example.com/a", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic: boom")
	assert.Equal(t, 0, c.Stats().PendingRequests)
}

func TestFetchZeroDurationAlwaysDispatches(t *testing.T) {
	doer := okDoer(`{}`)
	c := New(doer)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.Fetch(ctx, "https://jira.example.com/a", nil, WithDuration(0))
		require.NoError(t, err)
	}
	assert.Equal(t, 3, doer.Calls())
}

func TestFetchZeroDurationStillJoinsPending(t *testing.T) {
	doer := okDoer(`{}`)
	doer.gate = make(chan struct{})
	obs := newCountingObserver()
	c := New(doer, WithObserver(obs))

	done := make(chan error, 2)
	go func() {
		_, err := c.Fetch(context.Background(), "https://jira.example.com/a", nil)
		done <- err
	}()
	require.Eventually(t, func() bool { return c.Stats().PendingRequests == 1 }, time.Second, time.Millisecond)

	go func() {
		_, err := c.Fetch(context.Background(), "https://jira.example.com/a", nil, WithDuration(0))
		done <- err
	}()
	require.Eventually(t, func() bool { return obs.count(OutcomeJoined) == 1 }, time.Second, time.Millisecond)

	close(doer.gate)
	require.NoError(t, <-done)
	require.NoError(t, <-done)
	assert.Equal(t, 1, doer.Calls())
}

func TestFetchRejectsInvalidInput(t *testing.T) {
	doer := okDoer(`{}`)
	c := New(doer)
	ctx := context.Background()

	_, err := c.Fetch(ctx, "", nil)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = c.Fetch(ctx, "https://jira.example.com/a", nil, WithDuration(-time.Second))
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = c.Fetch(ctx, "https://jira.example.com/a", &Request{Method: "BAD METHOD"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	assert.Equal(t, 0, doer.Calls())
	assert.Equal(t, Stats{}, c.Stats())
}

func TestFetchNegativeDefaultDuration(t *testing.T) {
	doer := okDoer(`{}`)
	c := New(doer, WithDefaultDuration(-time.Second))
	ctx := context.Background()
	resource := "https://jira.example.com/a"

	tests := []struct {
		name    string
		opts    []FetchOption
		wantErr bool
	}{
		{"default applies", nil, true},
		{"per call override", []FetchOption{WithDuration(time.Minute)}, false},
		{"zero override", []FetchOption{WithDuration(0)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Fetch(ctx, resource, nil, tt.opts...)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidInput)
				return
			}
			assert.NoError(t, err)
		})
	}
	assert.Equal(t, 2, doer.Calls())
}

func TestFetchSeparatesDifferentOptions(t *testing.T) {
	doer := okDoer(`{}`)
	c := New(doer)
	ctx := context.Background()
	resource := "https://jira.example.com/rest/api/2/search"

	requests := []*Request{
		nil,
		{Method: http.MethodPost, Body: []byte(`{"jql":"project = REQ"}`)},
		{Method: http.MethodPost, Body: []byte(`{"jql":"project = VEN"}`)},
		{Header: http.Header{"Accept": {"text/csv"}}},
	}
	for _, r := range requests {
		_, err := c.Fetch(ctx, resource, r)
		require.NoError(t, err)
	}
	assert.Equal(t, len(requests), doer.Calls())
	assert.Equal(t, len(requests), c.Stats().CacheSize)
}

func TestFetchSendsMethodHeadersAndBody(t *testing.T) {
	var got *http.Request
	var gotBody string
	doer := &fakeDoer{respond: func(req *http.Request, _ int) (*http.Response, error) {
		got = req
		b, _ := io.ReadAll(req.Body)
		gotBody = string(b)
		return jsonResponse(http.StatusCreated, `{"id":"10001"}`), nil
	}}
	c := New(doer)

	_, err := c.Fetch(context.Background(), "https://jira.example.com/rest/api/2/issue", &Request{
		Method: http.MethodPost,
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   []byte(`{"fields":{}}`),
	})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "application/json", got.Header.Get("Content-Type"))
	assert.Equal(t, `{"fields":{}}`, gotBody)
}

func TestFetchNormalizesMethodCase(t *testing.T) {
	tests := []struct {
		name   string
		method string
		want   string
	}{
		{"lower get", "get", http.MethodGet},
		{"mixed get", "Get", http.MethodGet},
		{"lower post", "post", http.MethodPost},
		{"upper put", http.MethodPut, http.MethodPut},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var mu sync.Mutex
			var methods []string
			doer := &fakeDoer{respond: func(req *http.Request, _ int) (*http.Response, error) {
				mu.Lock()
				methods = append(methods, req.Method)
				mu.Unlock()
				return jsonResponse(http.StatusOK, `{}`), nil
			}}
			c := New(doer)
			ctx := context.Background()
			resource := "https://jira.example.com/a"

			first, err := c.Fetch(ctx, resource, &Request{Method: tt.method})
			require.NoError(t, err)
			second, err := c.Fetch(ctx, resource, &Request{Method: tt.want})
			require.NoError(t, err)

			assert.Same(t, first, second)
			assert.Equal(t, 1, doer.Calls())
			assert.Equal(t, []string{tt.want}, methods)
		})
	}
}

func TestFetchFallsBackToText(t *testing.T) {
	doer := &fakeDoer{respond: func(*http.Request, int) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": {"text/plain"}},
			Body:       io.NopCloser(strings.NewReader("not json at all")),
		}, nil
	}}
	c := New(doer)

	res, err := c.Fetch(context.Background(), "https://jira.example.com/a", nil)
	require.NoError(t, err)
	assert.True(t, res.Text)
	assert.Equal(t, "not json at all", res.Data)
	assert.Equal(t, []byte("not json at all"), res.Raw)
	assert.Equal(t, 1, c.Stats().CacheSize)
}

func TestCallerCancellationLeavesFlightRunning(t *testing.T) {
	doer := okDoer(`{"v":1}`)
	doer.gate = make(chan struct{})
	c := New(doer)

	ctx, cancel := context.WithCancel(context.Background())
	cancelled := make(chan error, 1)
	go func() {
		_, err := c.Fetch(ctx, "https://jira.example.com/a", nil)
		cancelled <- err
	}()
	require.Eventually(t, func() bool { return c.Stats().PendingRequests == 1 }, time.Second, time.Millisecond)

	other := make(chan result, 1)
	go func() {
		res, err := c.Fetch(context.Background(), "https://jira.example.com/a", nil)
		other <- result{res, err}
	}()

	cancel()
	assert.ErrorIs(t, <-cancelled, context.Canceled)
	assert.Equal(t, 1, c.Stats().PendingRequests, "shared flight keeps running")

	close(doer.gate)
	r := <-other
	require.NoError(t, r.err)
	assert.Equal(t, map[string]any{"v": float64(1)}, r.res.Data)
	assert.Equal(t, 1, doer.Calls())
	assert.Equal(t, 1, c.Stats().CacheSize)
}

func TestSettledFlightWinsOverCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	want := &Response{StatusCode: http.StatusOK}
	tests := []struct {
		name string
		err  error
	}{
		{"success", nil},
		{"failure", &TransportError{Method: http.MethodGet, Resource: "a", StatusCode: http.StatusNotFound}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &flight{done: make(chan struct{}), res: want, err: tt.err}
			close(f.done)
			for i := 0; i < 200; i++ {
				res, err := f.wait(ctx)
				assert.Same(t, want, res)
				assert.Equal(t, tt.err, err)
			}
		})
	}
}

func TestClearDuringFlightRepopulates(t *testing.T) {
	doer := okDoer(`{}`)
	doer.gate = make(chan struct{})
	c := New(doer)
	resource := "https://jira.example.com/a"

	done := make(chan error, 1)
	go func() {
		_, err := c.Fetch(context.Background(), resource, nil)
		done <- err
	}()
	require.Eventually(t, func() bool { return c.Stats().PendingRequests == 1 }, time.Second, time.Millisecond)

	c.Clear(Key(resource, nil))
	c.ClearAll()
	assert.Equal(t, 1, c.Stats().PendingRequests)

	close(doer.gate)
	require.NoError(t, <-done)
	assert.Equal(t, Stats{CacheSize: 1}, c.Stats())
}

func TestClearAndClearAll(t *testing.T) {
	doer := okDoer(`{}`)
	obs := newCountingObserver()
	c := New(doer, WithObserver(obs))
	ctx := context.Background()

	for _, r := range []string{"https://jira.example.com/a", "https://jira.example.com/b", "https://jira.example.com/c"} {
		_, err := c.Fetch(ctx, r, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, c.Stats().CacheSize)

	c.Clear(Key("https://jira.example.com/a", nil))
	assert.Equal(t, 2, c.Stats().CacheSize)

	c.Clear("no such key")
	assert.Equal(t, 2, c.Stats().CacheSize)

	_, err := c.Fetch(ctx, "https://jira.example.com/b", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, doer.Calls(), "b is still cached")

	c.ClearAll()
	assert.Equal(t, Stats{}, c.Stats())
	assert.Equal(t, Stats{}, obs.last)

	_, err = c.Fetch(ctx, "https://jira.example.com/b", nil)
	require.NoError(t, err)
	assert.Equal(t, 4, doer.Calls())
}

func TestPruneExpired(t *testing.T) {
	doer := okDoer(`{}`)
	clock := newFakeClock()
	c := New(doer, WithClock(clock.Now))
	ctx := context.Background()

	_, err := c.Fetch(ctx, "https://jira.example.com/old", nil)
	require.NoError(t, err)
	clock.Advance(20 * time.Minute)
	_, err = c.Fetch(ctx, "https://jira.example.com/new", nil)
	require.NoError(t, err)

	assert.Equal(t, 0, c.PruneExpired(0))
	assert.Equal(t, 1, c.PruneExpired(10*time.Minute))
	assert.Equal(t, 1, c.Stats().CacheSize)
	assert.Equal(t, 0, c.PruneExpired(10*time.Minute))
}

func TestObserverSeesSettlements(t *testing.T) {
	doer := &fakeDoer{respond: func(_ *http.Request, n int) (*http.Response, error) {
		if n == 2 {
			return jsonResponse(http.StatusNotFound, `{}`), nil
		}
		return jsonResponse(http.StatusOK, `{}`), nil
	}}
	obs := newCountingObserver()
	c := New(doer, WithObserver(obs))
	ctx := context.Background()

	_, _ = c.Fetch(ctx, "https://jira.example.com/a", nil)
	_, _ = c.Fetch(ctx, "https://jira.example.com/a", nil)
	_, _ = c.Fetch(ctx, "https://jira.example.com/b", nil)

	assert.Equal(t, 1, obs.count(OutcomeHit))
	assert.Equal(t, 2, obs.count(OutcomeDispatch))
	assert.Equal(t, 2, obs.settled)
	assert.Equal(t, 1, obs.failed)
}

func TestObserverSizeMatchesFinalStats(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{"stored", http.StatusOK},
		{"failed", http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doer := &fakeDoer{respond: func(*http.Request, int) (*http.Response, error) {
				return jsonResponse(tt.status, `{}`), nil
			}}
			obs := newCountingObserver()
			c := New(doer, WithObserver(obs))

			var wg sync.WaitGroup
			for i := 0; i < 50; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, _ = c.Fetch(context.Background(), fmt.Sprintf("https://jira.example.com/issue/%d", i), nil)
				}(i)
			}
			wg.Wait()

			obs.mu.Lock()
			last := obs.last
			obs.mu.Unlock()
			assert.Equal(t, c.Stats(), last)
			assert.Equal(t, 0, last.PendingRequests)
		})
	}
}

// Two views mount together and ask for the same list, a third asks ten
// seconds later, a fourth after the cache was cleared.
func TestIssueListScenario(t *testing.T) {
	doer := okDoer(`{"issues":[{"key":"REQ-1"},{"key":"REQ-2"}]}`)
	doer.gate = make(chan struct{})
	clock := newFakeClock()
	obs := newCountingObserver()
	c := New(doer, WithClock(clock.Now), WithObserver(obs))
	resource := "/api/jira/issues"

	results := fetchConcurrently(t, c, obs, 2, resource)
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(doer.gate)
	}()

	a, b := <-results, <-results
	require.NoError(t, a.err)
	require.NoError(t, b.err)
	assert.Same(t, a.res, b.res)
	assert.Equal(t, 1, doer.Calls())

	clock.Advance(10 * time.Second)
	third, err := c.Fetch(context.Background(), resource, nil)
	require.NoError(t, err)
	assert.Same(t, a.res, third)
	assert.Equal(t, 1, doer.Calls())

	c.ClearAll()
	fourth, err := c.Fetch(context.Background(), resource, nil)
	require.NoError(t, err)
	assert.NotSame(t, a.res, fourth)
	assert.Equal(t, 2, doer.Calls())
}

func TestFetchJSON(t *testing.T) {
	type page struct {
		Total  int `json:"total"`
		Issues []struct {
			Key string `json:"key"`
		} `json:"issues"`
	}
	c := New(okDoer(`{"total":1,"issues":[{"key":"REQ-9"}]}`))

	p, err := FetchJSON[page](context.Background(), c, "https://jira.example.com/search", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Total)
	require.Len(t, p.Issues, 1)
	assert.Equal(t, "REQ-9", p.Issues[0].Key)

	_, err = Decode[page](&Response{Raw: []byte("nope")})
	assert.Error(t, err)

	_, err = Decode[page](nil)
	assert.Error(t, err)
}
