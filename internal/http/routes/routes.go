package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/briangreenhill/jiradesk/cache"
	appmw "github.com/briangreenhill/jiradesk/internal/http/middleware"
	"github.com/briangreenhill/jiradesk/jira"
	"github.com/briangreenhill/jiradesk/views"
)

type Server struct {
	Router  *chi.Mux
	Jira    *jira.Client
	Cache   *cache.RequestCache
	Views   *views.Registry
	Metrics http.Handler
	Logger  zerolog.Logger
}

type ServerOptions struct {
	Jira    *jira.Client
	Cache   *cache.RequestCache
	Views   *views.Registry
	Metrics http.Handler // nil disables /metrics
	Logger  zerolog.Logger

	// AdminToken guards the cache admin endpoints; empty leaves them unmounted
	AdminToken string

	// RequestTimeout bounds how long one API call waits on Jira; zero means
	// no limit beyond the client's own
	RequestTimeout time.Duration
}

func New(opts ServerOptions) *Server {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(hlog.NewHandler(opts.Logger))
	r.Use(hlog.RequestIDHandler("req_id", "X-Request-Id"))
	r.Use(hlog.AccessHandler(accessLog))
	r.Use(chimw.Recoverer)

	s := &Server{Router: r, Jira: opts.Jira, Cache: opts.Cache, Views: opts.Views, Metrics: opts.Metrics, Logger: opts.Logger}
	if s.Views == nil {
		s.Views = views.NewRegistry()
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("ok")); err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("write health check response")
		}
	})
	if s.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.Metrics)
	}

	r.Route("/api", func(api chi.Router) {
		api.Use(withTimeout(opts.RequestTimeout))

		api.Get("/issues", s.handleSearch)
		api.Get("/issues/{key}", s.handleIssue)
		api.Get("/issues/{key}/bundle", s.handleBundle)
		api.Get("/issues/{key}/comments", s.handleComments)
		api.Post("/issues/{key}/comments", s.handleAddComment)

		api.Get("/views", s.handleListViews)
		api.Get("/views/{name}", s.handleView)

		if opts.AdminToken != "" {
			api.Group(func(ar chi.Router) {
				ar.Use(appmw.RequireAdminToken(opts.AdminToken))
				ar.Get("/cache/stats", s.handleCacheStats)
				ar.Delete("/cache", s.handleClearCache)
				ar.Delete("/cache/issues/{key}", s.handleInvalidateIssue)
			})
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "no such route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	return s
}

func accessLog(r *http.Request, status, size int, duration time.Duration) {
	hlog.FromRequest(r).Info().
		Str("method", r.Method).
		Stringer("url", r.URL).
		Int("status", status).
		Int("size", size).
		Dur("duration", duration).
		Msg("request")
}

// withTimeout puts a deadline on the request context. The cache keeps the
// upstream call running past it so a retry can join or hit.
func withTimeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if d <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
