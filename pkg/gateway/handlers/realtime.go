package handlers

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kai-todo/kai-relay/pkg/core/engine"
	"github.com/kai-todo/kai-relay/pkg/core/tasks"
	"github.com/kai-todo/kai-relay/pkg/gateway/config"
	"github.com/kai-todo/kai-relay/pkg/gateway/lifecycle"
	"github.com/kai-todo/kai-relay/pkg/gateway/metrics"
	"github.com/kai-todo/kai-relay/pkg/gateway/mw"
	"github.com/kai-todo/kai-relay/pkg/gateway/realtime/session"
	"github.com/kai-todo/kai-relay/pkg/gateway/realtime/sessions"
)

// RealtimeHandler upgrades /ws/realtime and hands the socket to a Session.
type RealtimeHandler struct {
	Config    config.Config
	Logger    *slog.Logger
	Verifier  session.TokenVerifier
	Snapshots tasks.SnapshotProvider
	Engine    engine.Dialer
	Registry  *sessions.Registry
	Metrics   *metrics.Metrics
	Lifecycle *lifecycle.Lifecycle
}

func (h RealtimeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.Lifecycle != nil && h.Lifecycle.IsDraining() {
		http.Error(w, "gateway is draining", 529)
		return
	}
	if !h.originAllowed(r) {
		http.Error(w, "origin is not allowed", http.StatusForbidden)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sessionID := "s_" + mw.RandHex(8)
	reqID, _ := mw.RequestIDFrom(r.Context())
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("request_id", reqID)

	s, err := session.New(session.Dependencies{
		Conn:      conn,
		Logger:    logger,
		Verifier:  h.Verifier,
		Snapshots: h.Snapshots,
		Engine:    h.Engine,
		Registry:  h.Registry,
		Metrics:   h.Metrics,
		SessionID: sessionID,
		Model:     h.Config.RealtimeModel,
		Voice:     h.Config.RealtimeVoice,
		Config: session.Config{
			PingInterval:      h.Config.WSPingInterval,
			WriteTimeout:      h.Config.WSWriteTimeout,
			ReadTimeout:       h.Config.WSReadTimeout,
			MaxMessageBytes:   h.Config.WSMaxMessageBytes,
			ConnectTimeout:    h.Config.ConnectTimeout,
			SnapshotTimeout:   h.Config.SnapshotTimeout,
			CommitGrace:       h.Config.CommitGrace,
			DisconnectTimeout: h.Config.DisconnectTimeout,
			OutboundQueueSize: h.Config.OutboundQueueSize,
		},
	})
	if err != nil {
		logger.Error("failed to initialize realtime session", "error", err)
		return
	}

	start := time.Now()
	if h.Metrics != nil {
		h.Metrics.RecordSessionStart()
	}
	runErr := s.Run()
	if h.Metrics != nil {
		status := "ok"
		if s.State() == session.StateErrored || runErr != nil {
			status = "error"
		}
		h.Metrics.RecordSessionEnd(status, time.Since(start))
	}
	if runErr != nil {
		logger.Warn("realtime session ended with error", "session_id", sessionID, "error", runErr)
	}
}

func (h RealtimeHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if len(h.Config.AllowedOrigins) == 0 {
		// No allowlist configured, accept any origin (development).
		return true
	}
	_, ok := h.Config.AllowedOrigins[origin]
	return ok
}
