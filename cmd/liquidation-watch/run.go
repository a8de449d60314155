package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"liquidation-watch/internal/config"
	"liquidation-watch/internal/ingestion"
	"liquidation-watch/internal/observability"
	"liquidation-watch/internal/sink"
	"liquidation-watch/internal/solana"
)

const shutdownTimeout = 30 * time.Second

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Stream liquidations from the feed into the sink",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "migrate",
				Usage:   "Apply schema migrations before streaming",
				EnvVars: []string{"SINK_MIGRATE"},
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			defer logger.Sync()

			return run(c.Context, cfg, logger, c.Bool("migrate"))
		},
	}
}

// run wires the pipeline and blocks until a shutdown signal arrives.
func run(parent context.Context, cfg *config.Config, logger *zap.Logger, migrate bool) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	// Handle shutdown signals with graceful timeout
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, initiating graceful shutdown", zap.Stringer("signal", sig))
			cancel()
		case <-done:
			return
		}

		// Wait for second signal for immediate shutdown
		select {
		case sig := <-sigCh:
			logger.Warn("received second signal, forcing immediate shutdown", zap.Stringer("signal", sig))
			os.Exit(1)
		case <-time.After(shutdownTimeout):
			logger.Error("graceful shutdown timed out, forcing exit", zap.Duration("timeout", shutdownTimeout))
			os.Exit(1)
		case <-done:
		}
	}()

	metrics := observability.NewMetrics("", nil)

	dsn, err := cfg.SinkDSN()
	if err != nil {
		return err
	}
	store, err := sink.Open(ctx, cfg.SinkBackend, dsn, migrate)
	if err != nil {
		return err
	}
	defer store.Close()

	logger.Info("sink ready",
		zap.String("backend", string(cfg.SinkBackend)),
		zap.String("org", cfg.SinkOrg),
		zap.Bool("migrated", migrate))

	writer := sink.NewWriter(sink.WriterOptions{
		Store:   store,
		Timeout: cfg.SinkWriteTimeout,
		Metrics: metrics,
	})

	wsCfg := cfg.WSConfig(logger.Named("feed"))
	runner := ingestion.NewRunner(ingestion.RunnerOptions{
		Dialer:           solana.NewWSDialer(cfg.FeedEndpoint, &wsCfg),
		Writer:           writer,
		Request:          cfg.SubscribeRequest(),
		Backoff:          ingestion.NewReconnectBackoff(cfg.ReconnectInitialDelay, cfg.ReconnectMaxDelay),
		ConnectTimeout:   cfg.ConnectTimeout,
		SubscribeTimeout: cfg.SubscribeTimeout,
		Logger:           logger.Named("ingestion"),
		Metrics:          metrics,
	})

	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           newMux(runner),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("starting metrics server", zap.String("addr", cfg.MetricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	err = runner.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("shutdown complete")
	return nil
}

// stateReporter is satisfied by *ingestion.Runner.
type stateReporter interface {
	State() ingestion.State
}

// newMux serves /metrics, /health (process alive) and /ready (subscription streaming).
func newMux(r stateReporter) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, _ *http.Request) {
		state := r.State()
		if state != ingestion.StateStreaming {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		w.Write([]byte(state.String()))
	})
	return mux
}
