// cmd/api/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/jiradesk/cache"
	"github.com/briangreenhill/jiradesk/internal/config"
	"github.com/briangreenhill/jiradesk/internal/http/routes"
	"github.com/briangreenhill/jiradesk/internal/jobs"
	"github.com/briangreenhill/jiradesk/internal/metrics"
	"github.com/briangreenhill/jiradesk/jira"
	"github.com/briangreenhill/jiradesk/retry"
	"github.com/briangreenhill/jiradesk/views"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("config error")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(lvl)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server error")
	}
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	m := metrics.New(true)
	m.Registry().MustRegister(collectors.NewBuildInfoCollector())

	// Upstream client; auth lives in the transport so cache keys never
	// depend on credentials
	httpClient := jira.NewHTTPClient(jira.Credentials{Email: cfg.Jira.Email, Token: cfg.Jira.APIToken}, cfg.HTTPTimeout)

	rc := cache.New(httpClient,
		cache.WithDefaultDuration(cfg.Cache.Duration),
		cache.WithLogger(logger.With().Str("component", "cache").Logger()),
		cache.WithObserver(m),
	)

	jc, err := jira.New(cfg.Jira.BaseURL, rc,
		jira.WithHTTPClient(httpClient),
		jira.WithRetry(retry.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
		}),
		jira.WithProposalJQL(cfg.Jira.ProposalJQL),
		jira.WithLogger(logger.With().Str("component", "jira").Logger()),
	)
	if err != nil {
		return err
	}

	var sched *jobs.Scheduler
	if cfg.PruneEnabled() {
		sched = jobs.NewScheduler(logger.With().Str("component", "jobs").Logger())
		if err := sched.SchedulePrune(cfg.Cache.PruneSchedule, rc, cfg.Cache.PruneMaxAge); err != nil {
			return err
		}
		sched.Start()
	}

	// Router / server
	s := routes.New(routes.ServerOptions{
		Jira:           jc,
		Cache:          rc,
		Views:          views.Defaults(cfg.Jira.Project),
		Metrics:        m.Handler(),
		Logger:         logger,
		AdminToken:     cfg.AdminToken,
		RequestTimeout: cfg.RequestTimeout,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("jira", cfg.Jira.BaseURL).
			Dur("cache_duration", cfg.Cache.Duration).
			Bool("admin", cfg.HasAdmin()).
			Msg("starting api")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	if sched != nil {
		if err := sched.Stop(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("scheduler shutdown")
		}
	}
	logger.Info().Interface("cache", rc.Stats()).Msg("stopped")
	return nil
}
