package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wayfarerhq/llm-gateway/internal/domain"
)

const sampleYAML = `
server:
  port: 9090
  request_timeout: 45s
  rate_limit:
    rps: 10
    burst: 5

storage:
  path: /tmp/gateway.db

cache:
  max_entries: 256
  default_ttl: 2m

budget:
  global:
    limit_usd: 500
    period: monthly
  tenant_default:
    limit_usd: 25
  user_default:
    limit_usd: 2
  tenants:
    acme:
      limit_usd: 100
      period: daily

providers:
  - name: openai-primary
    type: openai
    api_key: ${TEST_OPENAI_KEY}
    weight: 10
    input_cost_per_1k: 0.15
    output_cost_per_1k: 0.60
    connect_timeout: 3s
    read_timeout: 20s
    tasks: [itinerary, chat]
    models:
      itinerary: gpt-4o-mini
      chat: gpt-4o-mini
  - name: anthropic-backup
    type: anthropic
    api_key: sk-plain
    weight: 5
    input_cost_per_1k: 0.25
    output_cost_per_1k: 1.25
    tasks: [itinerary]
    models:
      itinerary: claude-3-5-haiku-latest

routing:
  ab_split: 0.1
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_FromFile(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-from-env")

	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.RequestTimeout != 45*time.Second {
		t.Errorf("request_timeout = %v, want 45s", cfg.Server.RequestTimeout)
	}
	if cfg.Server.RateLimit.RPS != 10 || cfg.Server.RateLimit.Burst != 5 {
		t.Errorf("rate_limit = %+v, want rps 10 burst 5", cfg.Server.RateLimit)
	}
	if cfg.Cache.MaxEntries != 256 || cfg.Cache.DefaultTTL != 2*time.Minute {
		t.Errorf("cache = %+v", cfg.Cache)
	}
	// Unset cache.max_ttl falls back to the default.
	if cfg.Cache.MaxTTL != time.Hour {
		t.Errorf("max_ttl = %v, want default 1h", cfg.Cache.MaxTTL)
	}

	if len(cfg.Providers) != 2 {
		t.Fatalf("providers = %d, want 2", len(cfg.Providers))
	}
	if cfg.Providers[0].APIKey != "sk-from-env" {
		t.Errorf("api_key = %q, want substituted env value", cfg.Providers[0].APIKey)
	}
	if cfg.Providers[1].APIKey != "sk-plain" {
		t.Errorf("plain api_key mangled: %q", cfg.Providers[1].APIKey)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-x")
	t.Setenv("WAYFARER_SERVER__PORT", "7070")

	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("port = %d, env override should win", cfg.Server.Port)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want default 8080", cfg.Server.Port)
	}
	if cfg.Breaker.FailureThreshold != 5 || cfg.Breaker.Cooldown != 30*time.Second {
		t.Errorf("breaker defaults = %+v", cfg.Breaker)
	}
}

func TestLoad_RejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown provider type", `
providers:
  - name: p
    type: bedrock
`},
		{"duplicate provider name", `
providers:
  - name: p
    type: openai
  - name: p
    type: anthropic
`},
		{"task without model", `
providers:
  - name: p
    type: openai
    tasks: [chat]
`},
		{"ab_split out of range", `
routing:
  ab_split: 1.5
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.yaml)); err == nil {
				t.Error("Load() should reject this config")
			}
		})
	}
}

func TestProfiles_Conversion(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-x")

	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	profiles := cfg.Profiles()
	if len(profiles) != 2 {
		t.Fatalf("profiles = %d, want 2", len(profiles))
	}

	p := profiles[0]
	if p.ID != "openai-primary" || p.Weight != 10 {
		t.Errorf("profile = %+v", p)
	}
	if !p.Supports(domain.TaskChat) || p.Supports(domain.TaskTranslation) {
		t.Errorf("task support wrong: %v", p.SupportedTasks)
	}
	if p.ModelFor(domain.TaskItinerary) != "gpt-4o-mini" {
		t.Errorf("model = %s", p.ModelFor(domain.TaskItinerary))
	}
}

func TestBudgetLimits_Conversion(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-x")

	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	limits := cfg.BudgetLimits()
	if limits.Global.LimitUSD != 500 || string(limits.Global.Period) != "monthly" {
		t.Errorf("global = %+v", limits.Global)
	}
	override, ok := limits.TenantOverrides["acme"]
	if !ok || override.LimitUSD != 100 {
		t.Errorf("acme override = %+v, ok=%v", override, ok)
	}
}
