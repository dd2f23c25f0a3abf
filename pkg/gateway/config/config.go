package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr string

	// JWTSecret signs and verifies the session tokens minted by the todo
	// backend. HMAC-SHA256.
	JWTSecret string

	// DatabaseURL is the Postgres DSN for the task store.
	DatabaseURL string

	// MigrateOnStart runs the embedded schema migrations before serving.
	MigrateOnStart bool

	OpenAIAPIKey    string
	RealtimeModel   string
	RealtimeVoice   string
	RealtimeBaseURL string

	// SettleDelay is the wait between the upstream handshake and the
	// session configuration message.
	SettleDelay time.Duration
	// CommitGrace is the wait between committing the audio buffer and
	// requesting a response.
	CommitGrace time.Duration

	ConnectTimeout    time.Duration
	SnapshotTimeout   time.Duration
	DisconnectTimeout time.Duration

	WSPingInterval     time.Duration
	WSWriteTimeout     time.Duration
	WSReadTimeout      time.Duration
	WSMaxMessageBytes  int64
	OutboundQueueSize  int

	// CORS origins allowed to open the WebSocket. Empty means same-origin
	// checks are skipped (development).
	AllowedOrigins map[string]struct{}

	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration

	MetricsNamespace string
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                envOr("KAI_RELAY_ADDR", ":8081"),
		JWTSecret:           strings.TrimSpace(os.Getenv("KAI_JWT_SECRET")),
		DatabaseURL:         strings.TrimSpace(os.Getenv("DATABASE_URL")),
		MigrateOnStart:      envBoolOr("KAI_MIGRATE_ON_START", false),
		OpenAIAPIKey:        strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		RealtimeModel:       envOr("KAI_REALTIME_MODEL", "gpt-4o-realtime-preview"),
		RealtimeVoice:       envOr("KAI_REALTIME_VOICE", "alloy"),
		RealtimeBaseURL:     envOr("KAI_REALTIME_BASE_URL", ""),
		SettleDelay:         envDurationOr("KAI_SETTLE_DELAY", 500*time.Millisecond),
		CommitGrace:         envDurationOr("KAI_COMMIT_GRACE", 200*time.Millisecond),
		ConnectTimeout:      envDurationOr("KAI_CONNECT_TIMEOUT", 15*time.Second),
		SnapshotTimeout:     envDurationOr("KAI_SNAPSHOT_TIMEOUT", 5*time.Second),
		DisconnectTimeout:   envDurationOr("KAI_DISCONNECT_TIMEOUT", 2*time.Second),
		WSPingInterval:      envDurationOr("KAI_WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:      envDurationOr("KAI_WS_WRITE_TIMEOUT", 5*time.Second),
		WSReadTimeout:       envDurationOr("KAI_WS_READ_TIMEOUT", 60*time.Second),
		WSMaxMessageBytes:   envInt64Or("KAI_WS_MAX_MESSAGE_BYTES", 1<<20), // 1 MiB
		OutboundQueueSize:   envIntOr("KAI_OUTBOUND_QUEUE_SIZE", 128),
		AllowedOrigins:      make(map[string]struct{}),
		ReadHeaderTimeout:   envDurationOr("KAI_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod: envDurationOr("KAI_SHUTDOWN_GRACE_PERIOD", 15*time.Second),
		MetricsNamespace:    envOr("KAI_METRICS_NAMESPACE", "kai"),
	}

	for _, origin := range splitCSV(os.Getenv("KAI_CORS_ORIGINS")) {
		cfg.AllowedOrigins[origin] = struct{}{}
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("KAI_JWT_SECRET must be set")
	}
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL must be set")
	}
	if cfg.OpenAIAPIKey == "" {
		return Config{}, fmt.Errorf("OPENAI_API_KEY must be set")
	}
	if cfg.SettleDelay < 0 {
		return Config{}, fmt.Errorf("KAI_SETTLE_DELAY must be >= 0")
	}
	if cfg.CommitGrace < 0 {
		return Config{}, fmt.Errorf("KAI_COMMIT_GRACE must be >= 0")
	}
	if cfg.ConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("KAI_CONNECT_TIMEOUT must be > 0")
	}
	if cfg.SnapshotTimeout <= 0 {
		return Config{}, fmt.Errorf("KAI_SNAPSHOT_TIMEOUT must be > 0")
	}
	if cfg.DisconnectTimeout <= 0 {
		return Config{}, fmt.Errorf("KAI_DISCONNECT_TIMEOUT must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("KAI_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("KAI_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSReadTimeout <= 0 {
		return Config{}, fmt.Errorf("KAI_WS_READ_TIMEOUT must be > 0")
	}
	if cfg.WSReadTimeout <= cfg.WSPingInterval {
		return Config{}, fmt.Errorf("KAI_WS_READ_TIMEOUT must exceed KAI_WS_PING_INTERVAL")
	}
	if cfg.WSMaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("KAI_WS_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.OutboundQueueSize <= 0 {
		return Config{}, fmt.Errorf("KAI_OUTBOUND_QUEUE_SIZE must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("KAI_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("KAI_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
