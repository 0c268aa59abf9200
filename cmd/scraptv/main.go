// Package main wires together the scrape service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcpubsub "cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/TagusLX/scrapTV/internal/api"
	gcsblob "github.com/TagusLX/scrapTV/internal/blob/gcs"
	localblob "github.com/TagusLX/scrapTV/internal/blob/local"
	"github.com/TagusLX/scrapTV/internal/clock/system"
	"github.com/TagusLX/scrapTV/internal/config"
	"github.com/TagusLX/scrapTV/internal/coverage"
	"github.com/TagusLX/scrapTV/internal/export"
	"github.com/TagusLX/scrapTV/internal/fetch"
	collyfetcher "github.com/TagusLX/scrapTV/internal/fetch/colly"
	headlessfetcher "github.com/TagusLX/scrapTV/internal/fetch/headless"
	"github.com/TagusLX/scrapTV/internal/geo"
	"github.com/TagusLX/scrapTV/internal/id/uuid"
	"github.com/TagusLX/scrapTV/internal/logging"
	"github.com/TagusLX/scrapTV/internal/metrics"
	pubsubpublisher "github.com/TagusLX/scrapTV/internal/publisher/pubsub"
	"github.com/TagusLX/scrapTV/internal/scheduler"
	"github.com/TagusLX/scrapTV/internal/scrape"
	"github.com/TagusLX/scrapTV/internal/session"
	"github.com/TagusLX/scrapTV/internal/store"
	filestore "github.com/TagusLX/scrapTV/internal/store/file"
	"github.com/TagusLX/scrapTV/internal/store/memory"
	"github.com/TagusLX/scrapTV/internal/store/postgres"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("service exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	graph, err := geo.LoadTSV(cfg.Locations.Path)
	if err != nil {
		return fmt.Errorf("load locations: %w", err)
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Warn("store close failed", zap.Error(closeErr))
		}
	}()

	challenges := fetch.NewChallenges()
	fetcher, closeFetcher, err := buildFetcher(cfg, challenges)
	if err != nil {
		return fmt.Errorf("build fetcher: %w", err)
	}
	defer closeFetcher()

	clock := system.New()
	machine := session.New(st, fetcher, clock, uuid.New(), logger.Named("session"), cfg.Scrape.MaxCaptchaRejections)
	tracker := coverage.New(graph, st)

	hooks := []scheduler.CompletionHook{
		func(ctx context.Context, _ scrape.Session) {
			if _, err := tracker.Summary(ctx); err != nil {
				logger.Warn("coverage refresh failed", zap.Error(err))
			}
		},
	}
	exporter, err := buildExporter(ctx, cfg, graph, st, clock, logger)
	if err != nil {
		return fmt.Errorf("build exporter: %w", err)
	}
	if exporter != nil {
		hooks = append(hooks, exporter.OnComplete)
	}

	sched := scheduler.New(cfg.SchedulerConfig(), graph, st, machine, fetcher, logger.Named("scheduler"), hooks...)

	// A session suspended before the last shutdown still carries its
	// challenge token; re-register it so a solution can be submitted.
	if id, err := st.ActiveSession(ctx); err == nil && id != "" {
		if sess, err := st.GetSession(ctx, id); err == nil && sess.Captcha != nil {
			challenges.Restore(*sess.Captcha)
		}
	}

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	apiServer := api.NewServer(st, sched, machine, tracker, exporter, logger.Named("api"), api.AuthConfig{
		Enabled: cfg.Auth.Enabled,
		APIKey:  cfg.Auth.APIKey,
	})
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stopOnServeError()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	sched.Wait()
	if err := st.Flush(shutdownCtx); err != nil {
		logger.Error("final flush failed", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}

// stopOnServeError terminates the process when the listener dies outside a
// signal-driven shutdown.
func stopOnServeError() {
	p, err := os.FindProcess(os.Getpid())
	if err != nil {
		return
	}
	_ = p.Signal(syscall.SIGTERM)
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case "file":
		return filestore.Open(filestore.Config{Path: cfg.Store.Path})
	case "postgres":
		return postgres.New(ctx, cfg.Store.DSN)
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func buildFetcher(cfg config.Config, challenges *fetch.Challenges) (scrape.PriceFetcher, func(), error) {
	switch cfg.Fetcher.Mode {
	case "headless":
		f := headlessfetcher.New(headlessfetcher.Config{
			UserAgent:         cfg.Fetcher.UserAgent,
			NavigationTimeout: cfg.FetchTimeout(),
		}, challenges)
		return f, f.Close, nil
	case "colly":
		f := collyfetcher.New(collyfetcher.Config{
			UserAgent: cfg.Fetcher.UserAgent,
			Timeout:   cfg.FetchTimeout(),
		}, challenges)
		return f, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown fetcher mode %q", cfg.Fetcher.Mode)
	}
}

// buildExporter assembles the snapshot exporter and event publisher. It
// returns nil when both are disabled.
func buildExporter(ctx context.Context, cfg config.Config, graph *geo.Graph, st store.Store, clock scrape.Clock, logger *zap.Logger) (*export.Exporter, error) {
	var blob scrape.BlobStore
	if cfg.Export.Enabled {
		switch cfg.Export.Backend {
		case "gcs":
			client, err := storage.NewClient(ctx)
			if err != nil {
				return nil, fmt.Errorf("storage client: %w", err)
			}
			gcs, err := gcsblob.New(client, gcsblob.Config{Bucket: cfg.Export.GCSBucket})
			if err != nil {
				return nil, err
			}
			blob = gcs
		case "local":
			local, err := localblob.New(localblob.Config{BaseDir: cfg.Export.BaseDir})
			if err != nil {
				return nil, err
			}
			blob = local
		default:
			return nil, fmt.Errorf("unknown export backend %q", cfg.Export.Backend)
		}
	}

	var publisher scrape.Publisher
	if cfg.PubSub.Enabled {
		client, err := gcpubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client: %w", err)
		}
		publisher = pubsubpublisher.New(client)
	}

	if blob == nil && publisher == nil {
		return nil, nil
	}
	return export.New(graph, st, blob, publisher, cfg.PubSub.TopicName, clock, logger.Named("export")), nil
}
