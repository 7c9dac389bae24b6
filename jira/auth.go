package jira

import (
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// Credentials for the Jira REST API. With Email set the token is sent as
// basic auth (Jira Cloud API tokens), otherwise as a bearer token
// (Data Center personal access tokens).
type Credentials struct {
	Email string
	Token string
}

// NewHTTPClient returns an http.Client that authenticates every request
func NewHTTPClient(creds Credentials, timeout time.Duration) *http.Client {
	base := http.DefaultTransport

	var rt http.RoundTripper = base
	switch {
	case creds.Token == "":
	case creds.Email != "":
		rt = &basicAuthTransport{user: creds.Email, pass: creds.Token, base: base}
	default:
		rt = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: creds.Token, TokenType: "Bearer"}),
			Base:   base,
		}
	}
	return &http.Client{Timeout: timeout, Transport: rt}
}

type basicAuthTransport struct {
	user, pass string
	base       http.RoundTripper
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// RoundTrippers must not modify the caller's request
	r := req.Clone(req.Context())
	r.SetBasicAuth(t.user, t.pass)
	return t.base.RoundTrip(r)
}
