package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/gasoline/internal/config"
	"github.com/petrijr/gasoline/internal/engine"
	"github.com/petrijr/gasoline/internal/metrics"
	"github.com/petrijr/gasoline/internal/persistence"
	"github.com/petrijr/gasoline/pkg/epoxy"
	"github.com/petrijr/gasoline/pkg/worker"
)

const shutdownGrace = 10 * time.Second

// NewServeCommand runs a workflow worker and an epoxy replica in one
// process until SIGINT or SIGTERM.
func NewServeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "serve",
		Short:         "Run a workflow worker and an epoxy replica",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.LoadConfig()
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load config", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	store, err := config.OpenKV(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer store.Close()
	bus, err := config.OpenBus(ctx, cfg.PubSubURL, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to connect pubsub", err)
	}
	defer bus.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	db := persistence.New(store, persistence.Options{
		Namespace: []byte(cfg.Namespace),
		Bus:       bus,
		LeaseTTL:  cfg.LeaseTTL(),
		Logger:    logger,
	})

	tr := epoxy.NewHTTPTransport(&http.Client{Timeout: 30 * time.Second})
	replica, err := epoxy.NewReplica(epoxy.Config{
		ID:        epoxy.ReplicaID(cfg.EpoxyReplicaID),
		DB:        store,
		Namespace: []byte(cfg.Namespace),
		Transport: tr,
		Metrics:   m,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer replica.Close()

	registry := engine.NewRegistry().MustRegister(
		epoxy.CoordinatorWorkflow(tr),
		epoxy.LearningWorkflow(tr),
	)
	w, err := worker.New(worker.Config{
		Engine: engine.Config{
			DB:              db,
			Bus:             bus,
			Registry:        registry,
			Observer:        m.Observer(),
			Outcomes:        m,
			Logger:          logger,
			AppConfig:       cfg,
			ActivityTimeout: cfg.ActivityTimeout(),
		},
		Concurrency:  cfg.WorkerConcurrency,
		PollInterval: cfg.PollInterval(),
		Metrics:      m,
	})
	if err != nil {
		return err
	}

	metricsHandler := metrics.HandlerFor(reg)
	servers := []*http.Server{{
		Addr:              cfg.EpoxyListenAddr,
		Handler:           epoxy.NewHandler(replica, metricsHandler),
		ReadHeaderTimeout: 10 * time.Second,
	}}
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		servers = append(servers, &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return replica.Run(gctx) })
	g.Go(func() error { return w.Start(gctx) })
	for _, srv := range servers {
		g.Go(func() error {
			logger.InfoContext(gctx, "http_listening", slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownGrace)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.WarnContext(shutdownCtx, "http_shutdown_failed", slog.String("addr", srv.Addr), slog.Any("error", err))
			}
		}
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("gasoline_stopped", slog.Any("error", err))
	return err
}
