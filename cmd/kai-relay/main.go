package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/kai-todo/kai-relay/internal/dotenv"
	"github.com/kai-todo/kai-relay/pkg/core/engine"
	"github.com/kai-todo/kai-relay/pkg/core/engine/openairt"
	"github.com/kai-todo/kai-relay/pkg/core/tasks"
	"github.com/kai-todo/kai-relay/pkg/gateway/auth"
	"github.com/kai-todo/kai-relay/pkg/gateway/config"
	"github.com/kai-todo/kai-relay/pkg/gateway/metrics"
	"github.com/kai-todo/kai-relay/pkg/gateway/realtime/session"
	gatewayserver "github.com/kai-todo/kai-relay/pkg/gateway/server"
)

type relayDeps struct {
	loadConfig   func() (config.Config, error)
	openPool     func(ctx context.Context, dsn string) (*pgxpool.Pool, error)
	newVerifier  func(secret string) (session.TokenVerifier, error)
	newEngine    func(cfg config.Config) engine.Dialer
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultRelayDeps() relayDeps {
	return relayDeps{
		loadConfig: config.LoadFromEnv,
		openPool: func(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
			return pgxpool.New(ctx, dsn)
		},
		newVerifier: func(secret string) (session.TokenVerifier, error) {
			return auth.NewVerifier(secret)
		},
		newEngine: func(cfg config.Config) engine.Dialer {
			return openairt.Dialer{
				APIKey:      cfg.OpenAIAPIKey,
				BaseWSURL:   cfg.RealtimeBaseURL,
				SettleDelay: cfg.SettleDelay,
			}
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func runRelay(ctx context.Context, logger *slog.Logger, deps relayDeps) error {
	if deps.loadConfig == nil || deps.openPool == nil || deps.newVerifier == nil || deps.newEngine == nil {
		return errors.New("missing dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	pool, err := deps.openPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open task store: %w", err)
	}
	defer pool.Close()

	if cfg.MigrateOnStart {
		db := stdlib.OpenDBFromPool(pool)
		if err := tasks.Migrate(ctx, db); err != nil {
			_ = db.Close()
			return fmt.Errorf("migrate task store: %w", err)
		}
		if err := db.Close(); err != nil {
			return fmt.Errorf("close migration handle: %w", err)
		}
		logger.Info("task store migrations applied")
	}

	verifier, err := deps.newVerifier(cfg.JWTSecret)
	if err != nil {
		return fmt.Errorf("init token verifier: %w", err)
	}

	m := metrics.New(cfg.MetricsNamespace)

	gw := gatewayserver.New(cfg, logger, gatewayserver.Dependencies{
		Verifier:  verifier,
		Snapshots: tasks.NewStore(pool),
		Engine:    deps.newEngine(cfg),
		Pool:      pool,
		Metrics:   m,
	})
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting relay", "addr", cfg.Addr, "model", cfg.RealtimeModel)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer drainCancel()
	gw.Drain(drainCtx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("relay stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps relayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(stderr, "kai-relay: %v\n", err)
		return 1
	}

	if err := runRelay(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "kai-relay: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultRelayDeps()))
}
