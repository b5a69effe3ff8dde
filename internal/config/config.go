// Package config loads gateway configuration from a YAML file with
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/wayfarerhq/llm-gateway/internal/breaker"
	"github.com/wayfarerhq/llm-gateway/internal/budget"
	"github.com/wayfarerhq/llm-gateway/internal/domain"
)

const envPrefix = "WAYFARER_"

type Config struct {
	Server    ServerConfig     `koanf:"server"`
	Storage   StorageConfig    `koanf:"storage"`
	Cache     CacheConfig      `koanf:"cache"`
	Breaker   BreakerConfig    `koanf:"breaker"`
	Budget    BudgetConfig     `koanf:"budget"`
	Providers []ProviderConfig `koanf:"providers"`
	Routing   RoutingConfig    `koanf:"routing"`
}

type ServerConfig struct {
	Port           int             `koanf:"port"`
	RequestTimeout time.Duration   `koanf:"request_timeout"`
	RateLimit      RateLimitConfig `koanf:"rate_limit"`
}

type RateLimitConfig struct {
	// RPS is the sustained per-tenant request rate. Zero disables limiting.
	RPS   float64 `koanf:"rps"`
	Burst int     `koanf:"burst"`
}

type StorageConfig struct {
	// Path is the sqlite database file. Empty runs without persistence.
	Path string `koanf:"path"`
}

type CacheConfig struct {
	MaxEntries int           `koanf:"max_entries"`
	DefaultTTL time.Duration `koanf:"default_ttl"`
	MaxTTL     time.Duration `koanf:"max_ttl"`
}

type BreakerConfig struct {
	FailureThreshold int           `koanf:"failure_threshold"`
	Cooldown         time.Duration `koanf:"cooldown"`
	BackoffFactor    float64       `koanf:"backoff_factor"`
	MaxCooldown      time.Duration `koanf:"max_cooldown"`
}

type LimitConfig struct {
	LimitUSD float64 `koanf:"limit_usd"`
	Period   string  `koanf:"period"` // daily or monthly
}

type BudgetConfig struct {
	Global        LimitConfig            `koanf:"global"`
	TenantDefault LimitConfig            `koanf:"tenant_default"`
	UserDefault   LimitConfig            `koanf:"user_default"`
	Tenants       map[string]LimitConfig `koanf:"tenants"`
}

type ProviderConfig struct {
	Name            string            `koanf:"name"`
	Type            string            `koanf:"type"` // openai, anthropic
	APIKey          string            `koanf:"api_key"`
	BaseURL         string            `koanf:"base_url"`
	Weight          float64           `koanf:"weight"`
	InputCostPer1K  float64           `koanf:"input_cost_per_1k"`
	OutputCostPer1K float64           `koanf:"output_cost_per_1k"`
	ConnectTimeout  time.Duration     `koanf:"connect_timeout"`
	ReadTimeout     time.Duration     `koanf:"read_timeout"`
	Tasks           []string          `koanf:"tasks"`
	Models          map[string]string `koanf:"models"` // task type -> upstream model
}

type RoutingConfig struct {
	// ABSplit is the fraction of requests routed to the second-ranked
	// candidate first. Zero disables the experiment.
	ABSplit float64 `koanf:"ab_split"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads the YAML file at path (missing file is fine) and overlays
// WAYFARER_ environment variables, with "__" separating nesting levels.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path == "" {
		path = "config.yaml"
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	applyDefaults(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	for i := range cfg.Providers {
		cfg.Providers[i].APIKey = substituteEnvVars(cfg.Providers[i].APIKey)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(k *koanf.Koanf) {
	defaults := map[string]interface{}{
		"server.port":               8080,
		"server.request_timeout":    "60s",
		"server.rate_limit.burst":   20,
		"cache.max_entries":         1024,
		"cache.default_ttl":         "5m",
		"cache.max_ttl":             "1h",
		"breaker.failure_threshold": 5,
		"breaker.cooldown":          "30s",
		"breaker.backoff_factor":    2.0,
		"breaker.max_cooldown":      "10m",
	}
	for key, val := range defaults {
		if !k.Exists(key) {
			k.Set(key, val)
		}
	}
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) validate() error {
	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider with empty name")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate provider name %q", p.Name)
		}
		seen[p.Name] = true
		if p.Type != "openai" && p.Type != "anthropic" {
			return fmt.Errorf("provider %q: unknown type %q", p.Name, p.Type)
		}
		for _, task := range p.Tasks {
			if !domain.IsKnownTaskType(domain.TaskType(task)) {
				return fmt.Errorf("provider %q: unknown task type %q", p.Name, task)
			}
			if p.Models[task] == "" {
				return fmt.Errorf("provider %q: no model configured for task %q", p.Name, task)
			}
		}
	}
	for scope, lim := range map[string]LimitConfig{
		"global": c.Budget.Global, "tenant_default": c.Budget.TenantDefault, "user_default": c.Budget.UserDefault,
	} {
		if lim.Period != "" && lim.Period != string(budget.PeriodDaily) && lim.Period != string(budget.PeriodMonthly) {
			return fmt.Errorf("budget.%s: unknown period %q", scope, lim.Period)
		}
	}
	if c.Routing.ABSplit < 0 || c.Routing.ABSplit > 1 {
		return fmt.Errorf("routing.ab_split must be within [0, 1]")
	}
	return nil
}

// Profiles converts the provider section into the domain form.
func (c *Config) Profiles() []*domain.ProviderProfile {
	out := make([]*domain.ProviderProfile, 0, len(c.Providers))
	for _, p := range c.Providers {
		tasks := make([]domain.TaskType, 0, len(p.Tasks))
		for _, t := range p.Tasks {
			tasks = append(tasks, domain.TaskType(t))
		}
		models := make(map[domain.TaskType]string, len(p.Models))
		for task, model := range p.Models {
			models[domain.TaskType(task)] = model
		}
		weight := p.Weight
		if weight <= 0 {
			weight = 1
		}
		out = append(out, &domain.ProviderProfile{
			ID:              p.Name,
			Type:            p.Type,
			BaseURL:         p.BaseURL,
			APIKey:          p.APIKey,
			SupportedTasks:  tasks,
			Models:          models,
			Weight:          weight,
			InputCostPer1K:  p.InputCostPer1K,
			OutputCostPer1K: p.OutputCostPer1K,
			ConnectTimeout:  p.ConnectTimeout,
			ReadTimeout:     p.ReadTimeout,
		})
	}
	return out
}

func (l LimitConfig) limit() budget.Limit {
	return budget.Limit{LimitUSD: l.LimitUSD, Period: budget.Period(l.Period)}
}

// BreakerSettings converts the breaker section into the enforcement form.
func (c *Config) BreakerSettings() breaker.Config {
	return breaker.Config{
		FailureThreshold: c.Breaker.FailureThreshold,
		Cooldown:         c.Breaker.Cooldown,
		BackoffFactor:    c.Breaker.BackoffFactor,
		MaxCooldown:      c.Breaker.MaxCooldown,
	}
}

// BudgetLimits converts the budget section into the enforcement form.
func (c *Config) BudgetLimits() budget.Limits {
	overrides := make(map[string]budget.Limit, len(c.Budget.Tenants))
	for tenant, lim := range c.Budget.Tenants {
		overrides[tenant] = lim.limit()
	}
	return budget.Limits{
		Global:          c.Budget.Global.limit(),
		TenantDefault:   c.Budget.TenantDefault.limit(),
		UserDefault:     c.Budget.UserDefault.limit(),
		TenantOverrides: overrides,
	}
}
