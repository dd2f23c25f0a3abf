package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kai-todo/kai-relay/pkg/core/engine"
	"github.com/kai-todo/kai-relay/pkg/gateway/config"
	"github.com/kai-todo/kai-relay/pkg/gateway/realtime/session"
)

type testVerifier struct{}

func (testVerifier) VerifyToken(token string) (string, error) { return "u1", nil }

type testDialer struct{}

func (testDialer) Dial(ctx context.Context, cfg engine.SessionConfig) (engine.Conn, error) {
	return nil, errors.New("not dialed in tests")
}

func testConfig() config.Config {
	return config.Config{
		Addr:                "127.0.0.1:0",
		JWTSecret:           "secret",
		DatabaseURL:         "postgres://localhost:5432/kai_test",
		OpenAIAPIKey:        "sk-test",
		RealtimeModel:       "gpt-4o-realtime-preview",
		ReadHeaderTimeout:   time.Second,
		ShutdownGracePeriod: time.Second,
		MetricsNamespace:    "kai_cmd_test",
	}
}

func testDeps(cfg config.Config, sigCh *chan chan<- os.Signal) relayDeps {
	return relayDeps{
		loadConfig: func() (config.Config, error) { return cfg, nil },
		openPool: func(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
			// The pool connects lazily, so a non-listening DSN is fine as
			// long as nothing pings it.
			return pgxpool.New(ctx, dsn)
		},
		newVerifier: func(secret string) (session.TokenVerifier, error) { return testVerifier{}, nil },
		newEngine:   func(cfg config.Config) engine.Dialer { return testDialer{} },
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			if sigCh != nil {
				*sigCh <- c
			}
		},
		signalStop: func(chan<- os.Signal) {},
	}
}

func TestRunMain_ReturnsNonZeroWhenConfigLoadFails(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	deps := testDeps(config.Config{}, nil)
	deps.loadConfig = func() (config.Config, error) {
		return config.Config{}, errors.New("boom")
	}
	deps.openPool = func(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
		t.Fatal("openPool should not be called when config load fails")
		return nil, nil
	}

	exitCode := runMain(context.Background(), &stderr, deps)
	if exitCode != 1 {
		t.Fatalf("exitCode = %d, want 1", exitCode)
	}
	if stderr.Len() == 0 {
		t.Fatal("expected stderr output for startup error")
	}
}

func TestRunRelay_ShutsDownOnSignal(t *testing.T) {
	t.Parallel()

	notifyCh := make(chan chan<- os.Signal, 1)
	deps := testDeps(testConfig(), &notifyCh)

	done := make(chan error, 1)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	go func() { done <- runRelay(context.Background(), logger, deps) }()

	select {
	case sigCh := <-notifyCh:
		sigCh <- syscall.SIGTERM
	case <-time.After(5 * time.Second):
		t.Fatal("signal channel never registered")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runRelay error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("runRelay did not stop after SIGTERM")
	}
}

func TestRunRelay_MissingDependency(t *testing.T) {
	t.Parallel()

	deps := testDeps(testConfig(), nil)
	deps.newEngine = nil
	if err := runRelay(context.Background(), nil, deps); err == nil {
		t.Fatal("runRelay accepted missing engine dependency")
	}
}

func TestBuildHTTPServer_UsesConfiguredAddress(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Addr: "127.0.0.1:9999", ReadHeaderTimeout: 2 * time.Second}
	srv := buildHTTPServer(cfg, http.NotFoundHandler())
	if srv.Addr != cfg.Addr {
		t.Fatalf("Addr = %q, want %q", srv.Addr, cfg.Addr)
	}
	if srv.ReadHeaderTimeout != cfg.ReadHeaderTimeout {
		t.Fatalf("ReadHeaderTimeout = %v", srv.ReadHeaderTimeout)
	}
}
