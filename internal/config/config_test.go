package config

import (
	"strings"
	"testing"
	"time"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("INTERNET_API_KEYS", "key-a, key-b")
	t.Setenv("BEDROCK_BEARER_TOKEN", "tok")
}

func TestLoad_Defaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.Deadlines.Internet != 30*time.Second {
		t.Errorf("Internet deadline = %v, want 30s", cfg.Deadlines.Internet)
	}
	if cfg.Deadlines.VPN != 45*time.Second {
		t.Errorf("VPN deadline = %v, want 45s", cfg.Deadlines.VPN)
	}
	if cfg.Credential.TTL != 15*time.Minute {
		t.Errorf("credential TTL = %v, want 15m", cfg.Credential.TTL)
	}
	if cfg.Audit.Mode != "stdout" {
		t.Errorf("audit mode = %q, want stdout", cfg.Audit.Mode)
	}
	if cfg.VPNEnabled() {
		t.Error("vpn path must be disabled without VPN_BEDROCK_RUNTIME_ENDPOINT")
	}
	if got := cfg.Auth.InternetKeys; len(got) != 2 || got[0] != "key-a" || got[1] != "key-b" {
		t.Errorf("InternetKeys = %v", got)
	}
}

func TestLoad_RequiresAPIKeys(t *testing.T) {
	t.Setenv("INTERNET_API_KEYS", "")
	t.Setenv("VPN_API_KEYS", "")
	t.Setenv("ADMIN_API_KEYS", "")
	t.Setenv("BEDROCK_BEARER_TOKEN", "tok")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "API key") {
		t.Fatalf("expected missing-keys error, got %v", err)
	}
}

func TestLoad_RequiresCredentialSource(t *testing.T) {
	t.Setenv("INTERNET_API_KEYS", "key-a")
	t.Setenv("BEDROCK_BEARER_TOKEN", "")
	t.Setenv("CREDENTIAL_SECRET_URL", "")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "credential source") {
		t.Fatalf("expected credential-source error, got %v", err)
	}
}

func TestLoad_VPNRequiresSecretsEndpoint(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("VPN_BEDROCK_RUNTIME_ENDPOINT", "https://vpce-runtime.internal")
	t.Setenv("VPN_SECRETS_ENDPOINT", "")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "VPN_SECRETS_ENDPOINT") {
		t.Fatalf("expected vpn-secrets error, got %v", err)
	}
}

func TestLoad_ClickHouseModeRequiresURL(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("AUDIT_MODE", "clickhouse")
	t.Setenv("CLICKHOUSE_URL", "")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "CLICKHOUSE_URL") {
		t.Fatalf("expected clickhouse-url error, got %v", err)
	}
}

func TestLoad_RateLimitRequiresRedis(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("RPM_LIMIT", "100")
	t.Setenv("REDIS_URL", "")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "REDIS_URL") {
		t.Fatalf("expected redis-url error, got %v", err)
	}
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("LOG_LEVEL", "verbose")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "LOG_LEVEL") {
		t.Fatalf("expected log-level error, got %v", err)
	}
}
