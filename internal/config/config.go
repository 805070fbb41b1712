package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// LoggingConfig controls the zap logger's verbosity and encoding.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ServerConfig controls the admin HTTP surface and health endpoint.
type ServerConfig struct {
	AdminAddr  string `mapstructure:"admin_addr"`
	HealthAddr string `mapstructure:"health_addr"`
}

// RedisConfig points at the Redis instance backing the Failure Budget's
// cross-replica counters.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LearningConfig mirrors spec.md §8's learning.* defaults.
type LearningConfig struct {
	MinRuns                int     `mapstructure:"min_runs"`
	MaxFailureRate         float64 `mapstructure:"max_failure_rate"`
	MinRunsBetweenTraining int     `mapstructure:"min_runs_between_training"`
	MaxTrainExamples       int     `mapstructure:"max_train_examples"`
	AggregateSampleSize    int     `mapstructure:"aggregate_sample_size"`
	TickCron               string  `mapstructure:"tick_cron"`
}

// ExplorationConfig mirrors spec.md §8's exploration.* defaults.
type ExplorationConfig struct {
	MaxFailures          int     `mapstructure:"max_failures"`
	MaxCostUSD           float64 `mapstructure:"max_cost_usd"`
	MaxLatencyMs         float64 `mapstructure:"max_latency_ms"`
	MaxParallelCandidates int    `mapstructure:"max_parallel_candidates"`
}

// RolloutConfig mirrors spec.md §8's rollout.* defaults.
type RolloutConfig struct {
	CanaryPct  float64 `mapstructure:"canary_pct"`
	PartialPct float64 `mapstructure:"partial_pct"`
}

// GateConfig mirrors spec.md §8's gate.* defaults.
type GateConfig struct {
	MinSuccessUplift      float64 `mapstructure:"min_success_uplift"`
	MaxCostIncrease       float64 `mapstructure:"max_cost_increase"`
	MaxLatencyIncreaseP95 float64 `mapstructure:"max_latency_increase_p95"`
	MinEvidencePassRate   float64 `mapstructure:"min_evidence_pass_rate"`
}

// RouterConfig carries the one operator override spec.md §8 names:
// router.active_policy_override, read from an env var rather than the
// settings file since it is meant for break-glass use.
type RouterConfig struct {
	ActivePolicyOverride string `mapstructure:"-"`
}

// TracingConfig controls the in-process span helpers around the admin API
// and the learning tick.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// Settings is the root configuration for the policyloopd daemon, loaded
// from a settings.yaml and overridable by environment variables.
type Settings struct {
	ArtifactRoot string            `mapstructure:"artifact_root"`
	Logging      LoggingConfig     `mapstructure:"logging"`
	Server       ServerConfig      `mapstructure:"server"`
	Redis        RedisConfig       `mapstructure:"redis"`
	Learning     LearningConfig    `mapstructure:"learning"`
	Exploration  ExplorationConfig `mapstructure:"exploration"`
	Rollout      RolloutConfig     `mapstructure:"rollout"`
	Gate         GateConfig        `mapstructure:"gate"`
	Router       RouterConfig      `mapstructure:"router"`
	Tracing      TracingConfig     `mapstructure:"tracing"`
}

// Defaults returns the illustrative defaults spec.md §8 names.
func Defaults() Settings {
	return Settings{
		ArtifactRoot: "data/artifacts",
		Logging:      LoggingConfig{Level: "info", Format: "console"},
		Server:       ServerConfig{AdminAddr: ":8090", HealthAddr: ":8091"},
		Redis:        RedisConfig{Addr: "localhost:6379"},
		Learning: LearningConfig{
			MinRuns:                500,
			MaxFailureRate:         0.15,
			MinRunsBetweenTraining: 1000,
			MaxTrainExamples:       5000,
			AggregateSampleSize:    200,
			TickCron:               "@every 5m",
		},
		Exploration: ExplorationConfig{
			MaxFailures:           10,
			MaxCostUSD:            5.0,
			MaxLatencyMs:          20000,
			MaxParallelCandidates: 2,
		},
		Rollout: RolloutConfig{CanaryPct: 0.05, PartialPct: 0.25},
		Gate: GateConfig{
			MinSuccessUplift:      0.0,
			MaxCostIncrease:       0.05,
			MaxLatencyIncreaseP95: 0.10,
			MinEvidencePassRate:   0.90,
		},
		Tracing: TracingConfig{Enabled: false, ServiceName: "policyloopd"},
	}
}

// Load reads settings.yaml from SETTINGS_PATH (or config/settings.yaml,
// falling back to built-in defaults if neither exists), then applies
// environment overrides.
func Load() (*Settings, error) {
	s := Defaults()

	cfgPath := os.Getenv("SETTINGS_PATH")
	if cfgPath == "" {
		cfgPath = "config/settings.yaml"
	}
	if info, err := os.Stat(cfgPath); err == nil && info.IsDir() {
		cfgPath = filepath.Join(cfgPath, "settings.yaml")
	}

	if _, err := os.Stat(cfgPath); err == nil {
		v := viper.New()
		v.SetConfigFile(cfgPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read settings %s: %w", cfgPath, err)
		}
		if err := v.Unmarshal(&s); err != nil {
			return nil, fmt.Errorf("unmarshal settings: %w", err)
		}
	}

	applyEnvOverrides(&s)
	return &s, nil
}

func applyEnvOverrides(s *Settings) {
	if v := os.Getenv("ARTIFACT_ROOT"); v != "" {
		s.ArtifactRoot = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		s.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		s.Redis.Password = v
	}
	if v := os.Getenv("ADMIN_ADDR"); v != "" {
		s.Server.AdminAddr = v
	}
	if v := os.Getenv("HEALTH_ADDR"); v != "" {
		s.Server.HealthAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		s.Logging.Level = v
	}
	if v := os.Getenv("LEARNING_MIN_RUNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			s.Learning.MinRuns = n
		}
	}
	if v := os.Getenv("LEARNING_TICK_CRON"); v != "" {
		s.Learning.TickCron = v
	}
	// router.active_policy_override is break-glass only: env, never the
	// settings file, and never hot-reloaded.
	s.Router.ActivePolicyOverride = strings.TrimSpace(os.Getenv("ROUTER_ACTIVE_POLICY_OVERRIDE"))
	if v := os.Getenv("TRACING_ENABLED"); v != "" {
		s.Tracing.Enabled = ParseBool(v)
	}
}

// ParseBool converts common string representations to bool.
func ParseBool(val string) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return n != 0
		}
	}
	return false
}
