// Command khobor-ingest collects news feeds, fetches and parses the linked articles and stores
// them. With no argument it runs one cycle; with an integer argument it repeats every N minutes.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/Adda-Baaj/khobor-ingest/internal/collector"
	"github.com/Adda-Baaj/khobor-ingest/internal/config"
	"github.com/Adda-Baaj/khobor-ingest/internal/fetch"
	"github.com/Adda-Baaj/khobor-ingest/internal/logger"
	"github.com/Adda-Baaj/khobor-ingest/internal/metrics"
	"github.com/Adda-Baaj/khobor-ingest/internal/parsers"
	"github.com/Adda-Baaj/khobor-ingest/internal/runner"
	"github.com/Adda-Baaj/khobor-ingest/internal/seen"
	"github.com/Adda-Baaj/khobor-ingest/internal/store"
	"github.com/Adda-Baaj/khobor-ingest/pkg/httpclient"
	"github.com/Adda-Baaj/khobor-ingest/pkg/publishers"
	"github.com/Adda-Baaj/khobor-ingest/pkg/sources"

	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sethvargo/go-retry"
)

const seenCacheSize = 4096

func main() {
	interval, err := parseInterval(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, "usage: khobor-ingest [interval-minutes]")
		os.Exit(2)
	}

	cfg, err := config.Load(os.Getenv("KHOBOR_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := runApp(cfg, interval, log); err != nil {
		log.ErrorObj("khobor-ingest stopped with error", "app_failed", map[string]any{"error": err})
		_ = log.Sync()
		os.Exit(1)
	}
}

// parseInterval reads the optional loop interval in minutes. Zero means a single cycle.
func parseInterval(args []string) (time.Duration, error) {
	if len(args) == 0 {
		return 0, nil
	}
	if len(args) > 1 {
		return 0, fmt.Errorf("expected at most one argument, got %d", len(args))
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("interval must be a positive number of minutes, got %q", args[0])
	}
	return time.Duration(n) * time.Minute, nil
}

func runApp(cfg config.Config, interval time.Duration, log logger.Logger) error {
	srcs, err := sources.Load(cfg.SourcesFile)
	if err != nil {
		return err
	}
	log.InfoObj("sources loaded", "sources_loaded", map[string]any{
		"file":    cfg.SourcesFile,
		"enabled": len(srcs.Enabled()),
		"total":   len(srcs.All()),
	})

	seenStore, err := openSeen(cfg.SeenPath, log)
	if err != nil {
		return err
	}
	defer closeLogged(log, "seen store", seenStore.Close)

	articles, err := openStore(cfg.DatabasePath, log)
	if err != nil {
		return err
	}
	defer closeLogged(log, "article store", articles.Close)

	setupCtx, cancelSetup := context.WithTimeout(context.Background(), 30*time.Second)
	events, err := publishers.Setup(setupCtx, cfg.PublishersFile, log)
	cancelSetup()
	if err != nil {
		return fmt.Errorf("setup publishers: %w", err)
	}
	defer closeLogged(log, "publishers", events.Close)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.NewCollector(reg)

	client := httpclient.NewRestyClient(cfg.HTTP.Timeout)
	httpStrategy := fetch.NewHTTPStrategy(client, fetch.HTTPOptions{
		MinDelay:   cfg.HTTP.MinDelay,
		MaxDelay:   cfg.HTTP.MaxDelay,
		MaxRetries: cfg.HTTP.MaxRetries,
	}, log)

	var launcher fetch.BrowserFactory
	if cfg.Browser.Enabled {
		launcher = fetch.BrowserLauncher(fetch.BrowserOptions{
			Headless:   cfg.Browser.Headless,
			Timeout:    cfg.Browser.Timeout,
			MinDelay:   cfg.Browser.MinDelay,
			MaxDelay:   cfg.Browser.MaxDelay,
			MaxRetries: cfg.Browser.MaxRetries,
			Scroll:     cfg.Browser.Scroll,
			ExecPath:   cfg.Browser.ExecPath,
			StatePath:  cfg.Browser.StatePath,
		}, log)
	}
	fetcher := fetch.NewService(srcs, httpStrategy, launcher, fetch.ServiceOptions{
		Selector: fetch.SelectorOptions{MinLength: cfg.HTTP.MinUsableBody},
		Recorder: rec,
	}, log)
	defer closeLogged(log, "fetch service", fetcher.Shutdown)

	feeds := newFeedCollector(cfg.Feed, srcs, seenStore, log)

	r := runner.New(runner.Deps{
		Sources:   srcs,
		Collector: feeds,
		Fetcher:   fetcher,
		Parsers:   parsers.BuildRegistry(srcs.All(), parsers.DefaultFactories(), log),
		Store:     articles,
		Events:    events,
		Metrics:   rec,
	}, log)

	var g run.Group
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			if interval <= 0 {
				_, err := r.RunCycle(ctx)
				return err
			}
			log.InfoObj("loop mode", "loop_started", map[string]any{"interval": interval.String()})
			return r.Loop(ctx, interval)
		}, func(error) {
			cancel()
		})
	}
	g.Add(run.SignalHandler(context.Background(), os.Interrupt, syscall.SIGTERM))

	if cfg.MetricsAddr != "" {
		srv := metrics.NewServer(cfg.MetricsAddr, metrics.Router(reg))
		g.Add(srv.Run, func(error) {
			if err := srv.Shutdown(); err != nil {
				log.WarnObj("metrics server shutdown failed", "metrics_shutdown_failed", map[string]any{"error": err})
			}
		})
		log.InfoObj("metrics listening", "metrics_started", map[string]any{"addr": cfg.MetricsAddr})
	}

	err = g.Run()
	var sigErr run.SignalError
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return nil
	case errors.As(err, &sigErr):
		log.InfoObj("shutting down", "app_signal", map[string]any{"signal": sigErr.Signal.String()})
		return nil
	default:
		return err
	}
}

// openSeen opens the durable seen-link set and reports how many links it already holds.
func openSeen(path string, log logger.Logger) (*seen.Store, error) {
	st, err := seen.Open(path, seenCacheSize)
	if err != nil {
		return nil, fmt.Errorf("open seen store: %w", err)
	}
	n, err := st.Count()
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("count seen links: %w", err)
	}
	log.InfoObj("seen store opened", "seen_store_opened", map[string]any{
		"path":  path,
		"links": n,
	})
	return st, nil
}

// newFeedCollector builds the collector on its own client, bounded by feed.timeout alone.
func newFeedCollector(cfg config.FeedConfig, list collector.SourceList, seenLinks collector.SeenStore, log logger.Logger) *collector.Collector {
	return collector.New(list, seenLinks, httpclient.NewRestyClient(cfg.Timeout), collector.Options{
		UserAgent: cfg.UserAgent,
		Timeout:   cfg.Timeout,
	}, log)
}

// openStore retries the sqlite open a few times; a freshly mounted volume can lag behind start-up.
func openStore(path string, log logger.Logger) (*store.Store, error) {
	backoff := retry.WithMaxRetries(3, retry.NewExponential(500*time.Millisecond))

	var st *store.Store
	err := retry.Do(context.Background(), backoff, func(context.Context) error {
		s, err := store.Open(path)
		if err != nil {
			log.WarnObj("article store not ready", "store_open_retry", map[string]any{"path": path, "error": err})
			return retry.RetryableError(err)
		}
		st = s
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("open article store: %w", err)
	}
	return st, nil
}

func closeLogged(log logger.Logger, what string, fn func() error) {
	if err := fn(); err != nil {
		log.WarnObj("close failed", "app_close_failed", map[string]any{"component": what, "error": err})
	}
}
