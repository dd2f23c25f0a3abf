package config

import (
	"strings"
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("KAI_JWT_SECRET", "test-secret")
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/kai_test")
	t.Setenv("OPENAI_API_KEY", "sk-test")
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv error: %v", err)
	}

	if cfg.Addr != ":8081" {
		t.Fatalf("Addr = %q, want :8081", cfg.Addr)
	}
	if cfg.RealtimeModel != "gpt-4o-realtime-preview" {
		t.Fatalf("RealtimeModel = %q", cfg.RealtimeModel)
	}
	if cfg.RealtimeVoice != "alloy" {
		t.Fatalf("RealtimeVoice = %q", cfg.RealtimeVoice)
	}
	if cfg.SettleDelay != 500*time.Millisecond {
		t.Fatalf("SettleDelay = %v, want 500ms", cfg.SettleDelay)
	}
	if cfg.CommitGrace != 200*time.Millisecond {
		t.Fatalf("CommitGrace = %v, want 200ms", cfg.CommitGrace)
	}
	if cfg.WSPingInterval != 20*time.Second {
		t.Fatalf("WSPingInterval = %v, want 20s", cfg.WSPingInterval)
	}
	if cfg.WSReadTimeout != 60*time.Second {
		t.Fatalf("WSReadTimeout = %v, want 60s", cfg.WSReadTimeout)
	}
	if cfg.MigrateOnStart {
		t.Fatal("MigrateOnStart = true, want false by default")
	}
	if len(cfg.AllowedOrigins) != 0 {
		t.Fatalf("AllowedOrigins = %v, want empty", cfg.AllowedOrigins)
	}
	if cfg.MetricsNamespace != "kai" {
		t.Fatalf("MetricsNamespace = %q, want kai", cfg.MetricsNamespace)
	}
}

func TestLoadFromEnv_MissingRequired(t *testing.T) {
	cases := []struct {
		name  string
		unset string
	}{
		{"jwt secret", "KAI_JWT_SECRET"},
		{"database url", "DATABASE_URL"},
		{"openai key", "OPENAI_API_KEY"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(tc.unset, "")
			if _, err := LoadFromEnv(); err == nil {
				t.Fatalf("LoadFromEnv accepted missing %s", tc.unset)
			} else if !strings.Contains(err.Error(), tc.unset) {
				t.Fatalf("error %q does not name %s", err, tc.unset)
			}
		})
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("KAI_RELAY_ADDR", ":9000")
	t.Setenv("KAI_SETTLE_DELAY", "1s")
	t.Setenv("KAI_COMMIT_GRACE", "50ms")
	t.Setenv("KAI_MIGRATE_ON_START", "true")
	t.Setenv("KAI_CORS_ORIGINS", "https://app.example.com, https://staging.example.com")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv error: %v", err)
	}
	if cfg.Addr != ":9000" {
		t.Fatalf("Addr = %q", cfg.Addr)
	}
	if cfg.SettleDelay != time.Second {
		t.Fatalf("SettleDelay = %v", cfg.SettleDelay)
	}
	if cfg.CommitGrace != 50*time.Millisecond {
		t.Fatalf("CommitGrace = %v", cfg.CommitGrace)
	}
	if !cfg.MigrateOnStart {
		t.Fatal("MigrateOnStart = false")
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Fatalf("AllowedOrigins = %v, want 2 entries", cfg.AllowedOrigins)
	}
	if _, ok := cfg.AllowedOrigins["https://app.example.com"]; !ok {
		t.Fatalf("AllowedOrigins missing app origin: %v", cfg.AllowedOrigins)
	}
}

func TestLoadFromEnv_RejectsInvalidDurations(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("KAI_CONNECT_TIMEOUT", "-1s")
	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("LoadFromEnv accepted negative connect timeout")
	}
}

func TestLoadFromEnv_ReadTimeoutMustExceedPingInterval(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("KAI_WS_READ_TIMEOUT", "10s")
	t.Setenv("KAI_WS_PING_INTERVAL", "20s")
	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("LoadFromEnv accepted a read timeout shorter than the ping interval")
	}
}

func TestLoadFromEnv_MalformedDurationFallsBackToDefault(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("KAI_WS_PING_INTERVAL", "soon")
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv error: %v", err)
	}
	if cfg.WSPingInterval != 20*time.Second {
		t.Fatalf("WSPingInterval = %v, want default 20s", cfg.WSPingInterval)
	}
}
