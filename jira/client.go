// Package jira is a read-mostly client for the Jira REST API (v2). Reads
// go through the shared request cache; writes go straight to Jira and
// clear the cached reads they make stale.
package jira

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/jiradesk/cache"
	"github.com/briangreenhill/jiradesk/retry"
)

// DefaultProposalJQL finds contract proposals raised against a request.
// {key} is replaced with the request's issue key.
const DefaultProposalJQL = `issuetype = Proposal AND parent = {key} ORDER BY created DESC`

const apiPath = "/rest/api/2"

var (
	ErrBadIssueKey  = errors.New("invalid issue key")
	ErrEmptyComment = errors.New("comment body is empty")
	ErrEmptyJQL     = errors.New("jql is required")

	issueKeyRE = regexp.MustCompile(`^[A-Z][A-Z0-9_]*-[0-9]+$`)
)

var acceptJSON = &cache.Request{Header: http.Header{"Accept": {"application/json"}}}

type Client struct {
	baseURL     *url.URL
	cache       *cache.RequestCache
	http        cache.Doer
	retry       retry.Policy
	proposalJQL string
	logger      zerolog.Logger
}

type Option func(*Client)

// WithHTTPClient sets the client used for writes. Reads use whatever the
// request cache was built with.
func WithHTTPClient(h cache.Doer) Option {
	return func(c *Client) { c.http = h }
}

func WithRetry(p retry.Policy) Option {
	return func(c *Client) { c.retry = p }
}

func WithProposalJQL(tmpl string) Option {
	return func(c *Client) {
		if tmpl != "" {
			c.proposalJQL = tmpl
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client for the Jira instance at baseURL
func New(baseURL string, rc *cache.RequestCache, opts ...Option) (*Client, error) {
	if rc == nil {
		return nil, errors.New("request cache required")
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse jira base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("jira base url must be absolute, got %q", baseURL)
	}

	c := &Client{
		baseURL:     u,
		cache:       rc,
		http:        http.DefaultClient,
		retry:       retry.DefaultPolicy(),
		proposalJQL: DefaultProposalJQL,
		logger:      zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func validKey(key string) error {
	if !issueKeyRE.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrBadIssueKey, key)
	}
	return nil
}

// endpoint builds an absolute API URL. url.Values.Encode sorts the query
// so the same call always produces the same cache key.
func (c *Client) endpoint(p string, q url.Values) string {
	u := c.baseURL.JoinPath(apiPath, p)
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (c *Client) issueURL(key string) string {
	return c.endpoint("issue/"+key, nil)
}

func (c *Client) commentsURL(key string) string {
	return c.endpoint("issue/"+key+"/comment", nil)
}

func (c *Client) attachmentsURL(key string) string {
	return c.endpoint("issue/"+key, url.Values{"fields": {"attachment"}})
}

func (c *Client) searchURL(jql string, startAt, maxResults int) string {
	q := url.Values{"jql": {jql}}
	if startAt > 0 {
		q.Set("startAt", strconv.Itoa(startAt))
	}
	if maxResults > 0 {
		q.Set("maxResults", strconv.Itoa(maxResults))
	}
	return c.endpoint("search", q)
}

func (c *Client) proposalsURL(key string) string {
	return c.searchURL(strings.ReplaceAll(c.proposalJQL, "{key}", key), 0, 0)
}

// getJSON reads resource through the cache, retrying transient failures,
// and decodes it into T
func getJSON[T any](ctx context.Context, c *Client, resource string) (T, error) {
	return retry.Value(ctx, c.retry, func(ctx context.Context) (T, error) {
		return cache.FetchJSON[T](ctx, c.cache, resource, acceptJSON)
	})
}

// SearchIssues runs a JQL search. Zero startAt/maxResults use Jira's defaults.
func (c *Client) SearchIssues(ctx context.Context, jql string, startAt, maxResults int) (*SearchResult, error) {
	if strings.TrimSpace(jql) == "" {
		return nil, ErrEmptyJQL
	}
	res, err := getJSON[SearchResult](ctx, c, c.searchURL(jql, startAt, maxResults))
	if err != nil {
		return nil, fmt.Errorf("search issues: %w", err)
	}
	return &res, nil
}

func (c *Client) GetIssue(ctx context.Context, key string) (*Issue, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	issue, err := getJSON[Issue](ctx, c, c.issueURL(key))
	if err != nil {
		return nil, fmt.Errorf("get issue %s: %w", key, err)
	}
	return &issue, nil
}

func (c *Client) GetComments(ctx context.Context, key string) (*CommentPage, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	page, err := getJSON[CommentPage](ctx, c, c.commentsURL(key))
	if err != nil {
		return nil, fmt.Errorf("get comments %s: %w", key, err)
	}
	return &page, nil
}

func (c *Client) GetAttachments(ctx context.Context, key string) ([]Attachment, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	issue, err := getJSON[Issue](ctx, c, c.attachmentsURL(key))
	if err != nil {
		return nil, fmt.Errorf("get attachments %s: %w", key, err)
	}
	return issue.Fields.Attachments, nil
}

// GetProposals lists the proposals raised against a request issue
func (c *Client) GetProposals(ctx context.Context, key string) (*SearchResult, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	res, err := getJSON[SearchResult](ctx, c, c.proposalsURL(key))
	if err != nil {
		return nil, fmt.Errorf("get proposals %s: %w", key, err)
	}
	return &res, nil
}

// AddComment posts a comment and drops the cached comment list for key
func (c *Client) AddComment(ctx context.Context, key, body string) (*Comment, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	if strings.TrimSpace(body) == "" {
		return nil, ErrEmptyComment
	}

	payload, err := sonic.ConfigStd.Marshal(map[string]string{"body": body})
	if err != nil {
		return nil, err
	}

	resource := c.commentsURL(key)
	var out Comment
	if err := c.send(ctx, http.MethodPost, resource, payload, &out); err != nil {
		return nil, fmt.Errorf("add comment %s: %w", key, err)
	}

	c.cache.Clear(cache.Key(resource, acceptJSON))
	c.logger.Info().Str("issue", key).Str("comment_id", out.ID).Msg("comment added")
	return &out, nil
}

// Invalidate drops every cached read for one issue
func (c *Client) Invalidate(key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	for _, resource := range []string{
		c.issueURL(key),
		c.commentsURL(key),
		c.attachmentsURL(key),
		c.proposalsURL(key),
	} {
		c.cache.Clear(cache.Key(resource, acceptJSON))
	}
	return nil
}

// send performs an uncached write. Failures surface as *cache.TransportError
// so callers handle reads and writes the same way.
func (c *Client) send(ctx context.Context, method, resource string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, resource, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &cache.TransportError{Method: method, Resource: resource, Err: err}
	}
	defer resp.Body.Close() //nolint:errcheck

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return &cache.TransportError{Method: method, Resource: resource, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &cache.TransportError{Method: method, Resource: resource, StatusCode: resp.StatusCode, Body: b}
	}
	if out == nil || len(b) == 0 {
		return nil
	}
	if err := sonic.ConfigStd.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, resource, err)
	}
	return nil
}
