package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/jiradesk/cache"
	"github.com/briangreenhill/jiradesk/internal/config"
	"github.com/briangreenhill/jiradesk/jira"
	"github.com/briangreenhill/jiradesk/retry"
	"github.com/briangreenhill/jiradesk/views"
)

const version = "jiradesk v0.1.0"

const usage = `Usage: jiradesk <command> [args]
Commands:
  issue KEY           Show one issue
  bundle KEY          Show an issue with comments, attachments and proposals
  comments KEY        List comments on an issue
  search JQL [N]      Run a JQL search, optionally limited to N results
  views               List saved views
  view NAME [N]       Run a saved view
  help, --help, -h    Show this help message
  version, --version  Show the version
Environment:
  JIRA_BASE_URL       Jira base URL (required)
  JIRA_EMAIL          Account email for basic auth (optional)
  JIRA_API_TOKEN      API token or personal access token (optional)
  JIRA_PROJECT        Scope saved views to one project (optional)
`

// backend is what the commands need. Tests substitute a fake Jira.
type backend struct {
	jira  *jira.Client
	views *views.Registry
}

type backendFactory func() (*backend, error)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger()

	if err := runCLI(context.Background(), os.Args[1:], os.Stdout, envBackend(logger)); err != nil {
		logger.Fatal().Err(err).Msg("jiradesk failed")
	}
}

// envBackend builds the client from the same environment as the API server
func envBackend(logger zerolog.Logger) backendFactory {
	return func() (*backend, error) {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
			logger = logger.Level(lvl)
		}

		httpClient := jira.NewHTTPClient(jira.Credentials{Email: cfg.Jira.Email, Token: cfg.Jira.APIToken}, cfg.HTTPTimeout)
		rc := cache.New(httpClient,
			cache.WithDefaultDuration(cfg.Cache.Duration),
			cache.WithLogger(logger),
		)
		jc, err := jira.New(cfg.Jira.BaseURL, rc,
			jira.WithHTTPClient(httpClient),
			jira.WithRetry(retry.Policy{MaxAttempts: cfg.Retry.MaxAttempts, BaseDelay: cfg.Retry.BaseDelay, MaxDelay: cfg.Retry.MaxDelay}),
			jira.WithProposalJQL(cfg.Jira.ProposalJQL),
			jira.WithLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		return &backend{jira: jc, views: views.Defaults(cfg.Jira.Project)}, nil
	}
}

func runCLI(ctx context.Context, args []string, out io.Writer, newBackend backendFactory) error {
	if len(args) == 0 {
		_, _ = fmt.Fprint(out, usage)
		return errors.New("no command given")
	}

	switch args[0] {
	case "help", "--help", "-h":
		_, _ = fmt.Fprint(out, usage)
		return nil
	case "version", "--version", "-v":
		_, _ = fmt.Fprintln(out, version)
		return nil
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "issue", "bundle", "comments", "search", "view":
		if len(rest) == 0 {
			return fmt.Errorf("%s: missing argument", cmd)
		}
	case "views":
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}

	b, err := newBackend()
	if err != nil {
		return err
	}

	var result any
	switch cmd {
	case "issue":
		result, err = b.jira.GetIssue(ctx, rest[0])
	case "bundle":
		result, err = b.jira.LoadIssueBundle(ctx, rest[0])
	case "comments":
		result, err = b.jira.GetComments(ctx, rest[0])
	case "search":
		var limit int
		if limit, err = limitArg(rest[1:]); err == nil {
			result, err = b.jira.SearchIssues(ctx, rest[0], 0, limit)
		}
	case "views":
		result = b.views.List()
	case "view":
		v, ok := b.views.Get(rest[0])
		if !ok {
			var names []string
			for _, known := range b.views.List() {
				names = append(names, known.Name)
			}
			return fmt.Errorf("view '%s' not found. Available views: %s", rest[0], strings.Join(names, ", "))
		}
		var limit int
		if limit, err = limitArg(rest[1:]); err == nil {
			result, err = v.Search(ctx, b.jira, 0, limit)
		}
	}
	if err != nil {
		return fmt.Errorf("%s: %w", cmd, err)
	}

	enc := sonic.ConfigStd.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func limitArg(args []string) (int, error) {
	if len(args) == 0 {
		return 0, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer, got %q", args[0])
	}
	return n, nil
}
