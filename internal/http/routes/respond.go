package routes

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog/hlog"

	"github.com/briangreenhill/jiradesk/cache"
	"github.com/briangreenhill/jiradesk/jira"
)

const maxPageSize = 100

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = sonic.ConfigStd.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}

// writeFailure maps a client or upstream error onto a response. Caller
// errors are 400, a missing upstream resource is 404, a deadline is 504
// and anything else from Jira is 502.
func writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	log := hlog.FromRequest(r)

	switch {
	case errors.Is(err, jira.ErrBadIssueKey):
		writeError(w, http.StatusBadRequest, "bad_issue_key", err.Error())
		return
	case errors.Is(err, jira.ErrEmptyJQL), errors.Is(err, jira.ErrEmptyComment):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	case errors.Is(err, context.DeadlineExceeded):
		log.Warn().Err(err).Msg("upstream deadline exceeded")
		writeError(w, http.StatusGatewayTimeout, "upstream_timeout", "jira did not answer in time")
		return
	case errors.Is(err, context.Canceled):
		// client went away
		log.Debug().Err(err).Msg("request canceled")
		return
	case errors.Is(err, cache.ErrInvalidInput):
		log.Error().Err(err).Msg("invalid cache request")
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}

	switch status := cache.StatusOf(err); status {
	case http.StatusNotFound:
		writeError(w, http.StatusNotFound, "not_found", "not found in jira")
	case 0:
		log.Error().Err(err).Msg("upstream request failed")
		writeError(w, http.StatusBadGateway, "upstream_error", "jira request failed")
	default:
		log.Error().Err(err).Int("upstream_status", status).Msg("upstream returned error")
		writeError(w, http.StatusBadGateway, "upstream_error", fmt.Sprintf("jira returned status %d", status))
	}
}

// pageParams reads startAt and maxResults. Missing values are zero, which
// leaves Jira's defaults in place.
func pageParams(r *http.Request) (startAt, maxResults int, err error) {
	q := r.URL.Query()
	if startAt, err = intParam(q.Get("startAt")); err != nil || startAt < 0 {
		return 0, 0, errors.New("startAt must be a non-negative integer")
	}
	if maxResults, err = intParam(q.Get("maxResults")); err != nil || maxResults < 0 || maxResults > maxPageSize {
		return 0, 0, fmt.Errorf("maxResults must be an integer between 0 and %d", maxPageSize)
	}
	return startAt, maxResults, nil
}

func intParam(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
