// Package config loads coordinator runtime configuration from the
// environment, with per-provider policy defaults loaded from an optional
// YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// Config is the coordinator's top-level runtime configuration.
type Config struct {
	// HTTPAddr is the listen address for the Agent Protocol + CLI HTTP surface.
	HTTPAddr string `env:"FLEETCTL_HTTP_ADDR" envDefault:":8080"`

	// PostgresDSN is the durable store connection string. Empty means
	// use the in-memory store (development/tests).
	PostgresDSN string `env:"FLEETCTL_POSTGRES_DSN"`

	// RedisAddr backs the idempotency store. Empty disables idempotency
	// guarding (calls are assumed not to be retried).
	RedisAddr string `env:"FLEETCTL_REDIS_ADDR"`

	// ProvidersFile points at a YAML file of per-provider rate/quota
	// policy. Empty uses built-in defaults.
	ProvidersFile string `env:"FLEETCTL_PROVIDERS_FILE"`

	// LeaseTTL is the default lease duration granted by reserve().
	LeaseTTL time.Duration `env:"FLEETCTL_LEASE_TTL" envDefault:"5m"`

	// MaxRetries bounds the retry policy's attempts counter.
	MaxRetries int `env:"FLEETCTL_MAX_RETRIES" envDefault:"3"`

	// HeartbeatInterval, LeaseRenewalInterval, HealthCheckInterval are the
	// three Heartbeat Manager periods. LeaseRenewalInterval must be less
	// than LeaseTTL/3.
	HeartbeatInterval    time.Duration `env:"FLEETCTL_HEARTBEAT_INTERVAL" envDefault:"10s"`
	LeaseRenewalInterval time.Duration `env:"FLEETCTL_LEASE_RENEWAL_INTERVAL" envDefault:"1m"`
	HealthCheckInterval  time.Duration `env:"FLEETCTL_HEALTH_CHECK_INTERVAL" envDefault:"30s"`

	// MaxHeartbeatFailures is the consecutive renewal-failure count after
	// which a lease is allowed to expire naturally.
	MaxHeartbeatFailures int `env:"FLEETCTL_MAX_HEARTBEAT_FAILURES" envDefault:"3"`

	// PredictionHorizon bounds time-to-predicted-state.
	PredictionHorizon time.Duration `env:"FLEETCTL_PREDICTION_HORIZON" envDefault:"10m"`

	// PredictiveAlertThreshold is loaded from the environment but is not
	// passed to internal/predict, whose PREDICTIVE_HEALTH_ALERT confidence
	// cutoff is a fixed 0.6.
	PredictiveAlertThreshold float64 `env:"FLEETCTL_PREDICTIVE_ALERT_THRESHOLD" envDefault:"0.75"`

	// EventRetention bounds how long events are kept.
	EventRetention time.Duration `env:"FLEETCTL_EVENT_RETENTION" envDefault:"168h"`

	// ReviewCycleEscalationThreshold is the CI Review Gate's default
	// escalation threshold, env-overridable.
	ReviewCycleEscalationThreshold int `env:"FLEETCTL_REVIEW_ESCALATION_THRESHOLD" envDefault:"3"`

	Development bool `env:"FLEETCTL_DEV" envDefault:"false"`
}

// Load reads Config from the environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}
	return cfg, nil
}

// ProviderPolicy is the per-provider rate-bucket/quota policy loaded from
// YAML (bucket capacity/refill; predictive-health trend thresholds are
// derived at runtime and not configured here).
type ProviderPolicy struct {
	Name            string  `yaml:"name" validate:"required"`
	BucketCapacity  float64 `yaml:"bucket_capacity" validate:"gt=0"`
	RefillPerSecond float64 `yaml:"refill_per_second" validate:"gt=0"`
}

// ProvidersConfig is the root of the providers policy YAML file.
type ProvidersConfig struct {
	Providers []ProviderPolicy `yaml:"providers"`
}

// DefaultProviders is used when no ProvidersFile is configured.
func DefaultProviders() ProvidersConfig {
	return ProvidersConfig{
		Providers: []ProviderPolicy{
			{Name: "default", BucketCapacity: 10, RefillPerSecond: 1},
		},
	}
}

// LoadProviders reads the providers policy YAML file, if path is non-empty;
// otherwise returns DefaultProviders.
func LoadProviders(path string) (ProvidersConfig, error) {
	if path == "" {
		return DefaultProviders(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ProvidersConfig{}, fmt.Errorf("read providers file: %w", err)
	}
	var pc ProvidersConfig
	if err := yaml.Unmarshal(data, &pc); err != nil {
		return ProvidersConfig{}, fmt.Errorf("parse providers file: %w", err)
	}
	if len(pc.Providers) == 0 {
		return DefaultProviders(), nil
	}
	for _, p := range pc.Providers {
		if err := validate.Struct(p); err != nil {
			return ProvidersConfig{}, fmt.Errorf("invalid provider policy %q: %w", p.Name, err)
		}
	}
	return pc, nil
}
