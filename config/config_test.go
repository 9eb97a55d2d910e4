package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flowforge.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"server": {"addr": ":8080"},
		"auth": {"jwt_secret": "0123456789abcdef0123456789abcdef"}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Storage.Driver != "sqlite" || cfg.Storage.DSN != "flowforge.db" {
		t.Errorf("unexpected storage defaults: %+v", cfg.Storage)
	}
	if cfg.Auth.JWTExpiry.Duration != 24*time.Hour {
		t.Errorf("expected 24h jwt expiry, got %v", cfg.Auth.JWTExpiry)
	}
	if cfg.Storage.AuditRetention.Duration != 90*24*time.Hour {
		t.Errorf("expected 90d audit retention, got %v", cfg.Storage.AuditRetention)
	}
	if cfg.Generation.Model != "gpt-4o-mini" {
		t.Errorf("expected default model, got %q", cfg.Generation.Model)
	}
	if cfg.Generation.RequestTimeout.Duration != 60*time.Second {
		t.Errorf("expected 60s request timeout, got %v", cfg.Generation.RequestTimeout)
	}
	if cfg.Generation.BreakerFailures != 5 || cfg.Generation.BreakerCooldown.Duration != 30*time.Second {
		t.Errorf("unexpected breaker defaults: %d / %v", cfg.Generation.BreakerFailures, cfg.Generation.BreakerCooldown)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("unexpected logging defaults: %+v", cfg.Logging)
	}
	if cfg.RateLimit.RequestsPerSecond != 10 || cfg.RateLimit.Burst != 20 {
		t.Errorf("unexpected rate limit defaults: %+v", cfg.RateLimit)
	}
	if cfg.Server.MaxBodyBytes != 1024*1024 {
		t.Errorf("expected 1MB max body, got %d", cfg.Server.MaxBodyBytes)
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "*" {
		t.Errorf("unexpected CORS default: %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Billing.Enabled {
		t.Error("billing should be disabled by default")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadInvalidJSON(t *testing.T) {
	path := writeConfig(t, `{"server": `)
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name    string
		config  string
		wantErr string
	}{
		{
			name:    "missing addr",
			config:  `{"auth": {"jwt_secret": "0123456789abcdef0123456789abcdef"}}`,
			wantErr: "server.addr",
		},
		{
			name:    "missing secret",
			config:  `{"server": {"addr": ":8080"}}`,
			wantErr: "jwt_secret is required",
		},
		{
			name:    "short secret",
			config:  `{"server": {"addr": ":8080"}, "auth": {"jwt_secret": "tooshort"}}`,
			wantErr: "at least 32 characters",
		},
		{
			name:    "weak secret",
			config:  `{"server": {"addr": ":8080"}, "auth": {"jwt_secret": "local-dev-secret-for-testing-only-32chars!"}}`,
			wantErr: "weak secret",
		},
		{
			name:    "oidc without issuer",
			config:  `{"server": {"addr": ":8080"}, "auth": {"provider": "oidc"}}`,
			wantErr: "oidc_issuer",
		},
		{
			name: "billing without stripe key",
			config: `{"server": {"addr": ":8080"},
				"auth": {"jwt_secret": "0123456789abcdef0123456789abcdef"},
				"billing": {"enabled": true}}`,
			wantErr: "stripe_secret_key",
		},
		{
			name: "billing without webhook secret",
			config: `{"server": {"addr": ":8080"},
				"auth": {"jwt_secret": "0123456789abcdef0123456789abcdef"},
				"billing": {"enabled": true, "stripe_secret_key": "sk_test_x"}}`,
			wantErr: "stripe_webhook_secret",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.config)
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("expected error containing %q, got %q", tc.wantErr, err)
			}
		})
	}
}

func TestOIDCSkipsSecretRequirement(t *testing.T) {
	path := writeConfig(t, `{
		"server": {"addr": ":8080"},
		"auth": {"provider": "oidc", "oidc_issuer": "https://issuer.test"}
	}`)
	if _, err := Load(path); err != nil {
		t.Fatalf("oidc config should not require a jwt secret: %v", err)
	}
}

func TestDurationUnmarshal(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{`"30s"`, 30 * time.Second},
		{`"2h"`, 2 * time.Hour},
		{`90`, 90 * time.Second},
	}
	for _, tc := range tests {
		var d Duration
		if err := json.Unmarshal([]byte(tc.in), &d); err != nil {
			t.Fatalf("unmarshal %s: %v", tc.in, err)
		}
		if d.Duration != tc.want {
			t.Errorf("unmarshal %s: got %v, want %v", tc.in, d.Duration, tc.want)
		}
	}

	var d Duration
	if err := json.Unmarshal([]byte(`"banana"`), &d); err == nil {
		t.Error("expected error for invalid duration string")
	}
	if err := json.Unmarshal([]byte(`true`), &d); err == nil {
		t.Error("expected error for invalid duration type")
	}
}

func TestGenerateRandomSecret(t *testing.T) {
	a, err := GenerateRandomSecret()
	if err != nil {
		t.Fatal(err)
	}
	b, err := GenerateRandomSecret()
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
	if a == b {
		t.Error("secrets should not repeat")
	}
}
