package routes

import (
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/briangreenhill/jiradesk/jira"
	"github.com/briangreenhill/jiradesk/views"
)

const maxCommentBytes = 64 << 10

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	jql := strings.TrimSpace(r.URL.Query().Get("jql"))
	if jql == "" {
		writeError(w, http.StatusBadRequest, "missing_jql", "jql query parameter is required")
		return
	}
	startAt, maxResults, err := pageParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_paging", err.Error())
		return
	}

	res, err := s.Jira.SearchIssues(r.Context(), jql, startAt, maxResults)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleIssue(w http.ResponseWriter, r *http.Request) {
	issue, err := s.Jira.GetIssue(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, issue)
}

func (s *Server) handleBundle(w http.ResponseWriter, r *http.Request) {
	b, err := s.Jira.LoadIssueBundle(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleComments(w http.ResponseWriter, r *http.Request) {
	page, err := s.Jira.GetComments(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

type addCommentRequest struct {
	Body string `json:"body"`
}

func (s *Server) handleAddComment(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var in addCommentRequest
	if err := sonic.ConfigStd.NewDecoder(http.MaxBytesReader(w, r.Body, maxCommentBytes)).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "bad_body", "body must be JSON like {\"body\": \"...\"}")
		return
	}

	c, err := s.Jira.AddComment(r.Context(), key, in.Body)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	hlog.FromRequest(r).Info().Str("issue", key).Str("comment_id", c.ID).Msg("comment posted")
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleListViews(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Views.List())
}

type viewResult struct {
	View   views.View         `json:"view"`
	Result *jira.SearchResult `json:"result"`
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	v, ok := s.Views.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_view", "no view named "+name)
		return
	}
	startAt, maxResults, err := pageParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_paging", err.Error())
		return
	}

	res, err := v.Search(r.Context(), s.Jira, startAt, maxResults)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewResult{View: v, Result: res})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Cache.Stats())
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	before := s.Cache.Stats()
	s.Cache.ClearAll()
	hlog.FromRequest(r).Info().Int("entries", before.CacheSize).Msg("cache cleared")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInvalidateIssue(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := s.Jira.Invalidate(key); err != nil {
		writeFailure(w, r, err)
		return
	}
	hlog.FromRequest(r).Info().Str("issue", key).Msg("issue cache invalidated")
	w.WriteHeader(http.StatusNoContent)
}
