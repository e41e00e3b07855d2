// Package guard is the operational admission substrate wrapped around every
// I/O-facing call in the pipeline: killswitches, per-endpoint rate limits,
// circuit breakers, retry/timeout dependency wrappers and drift detection.
//
// Order of checks is fixed: killswitch -> rate limit -> circuit-breaker
// precheck -> dependency wrapper. The guard itself fails open: its own
// malfunction must never black-hole traffic.
package guard

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/faturaops/backend/internal/fingerprint"
	"github.com/faturaops/backend/internal/ports"
)

// Config is an immutable guard configuration snapshot. Construct via
// DefaultConfig or LoadConfig; never mutate a shared instance.
type Config struct {
	SchemaVersion string `yaml:"schema_version" json:"schema_version"`

	KillswitchGlobalImportDisabled bool     `yaml:"killswitch_global_import_disabled" json:"killswitch_global_import_disabled"`
	KillswitchDisabledTenants      []string `yaml:"killswitch_disabled_tenants" json:"killswitch_disabled_tenants"`

	// RateLimitPerMinute maps endpoint name -> per-minute quota.
	RateLimitPerMinute        map[string]int `yaml:"rate_limit_per_minute" json:"rate_limit_per_minute"`
	RateLimitDefaultPerMinute int            `yaml:"rate_limit_default_per_minute" json:"rate_limit_default_per_minute"`

	CBErrorThresholdPct   float64 `yaml:"cb_error_threshold_pct" json:"cb_error_threshold_pct"`
	CBErrorThresholdCount int     `yaml:"cb_error_threshold_count" json:"cb_error_threshold_count"`
	CBOpenDurationSeconds int     `yaml:"cb_open_duration_seconds" json:"cb_open_duration_seconds"`
	CBPrecheckEnabled     bool    `yaml:"cb_precheck_enabled" json:"cb_precheck_enabled"`

	WrapperTimeoutSecondsDefault      float64            `yaml:"wrapper_timeout_seconds_default" json:"wrapper_timeout_seconds_default"`
	WrapperTimeoutSecondsByDependency map[string]float64 `yaml:"wrapper_timeout_seconds_by_dependency" json:"wrapper_timeout_seconds_by_dependency"`

	WrapperRetryMaxAttemptsDefault      int            `yaml:"wrapper_retry_max_attempts_default" json:"wrapper_retry_max_attempts_default"`
	WrapperRetryMaxAttemptsByDependency map[string]int `yaml:"wrapper_retry_max_attempts_by_dependency" json:"wrapper_retry_max_attempts_by_dependency"`

	WrapperRetryBackoffBaseMs int     `yaml:"wrapper_retry_backoff_base_ms" json:"wrapper_retry_backoff_base_ms"`
	WrapperRetryBackoffCapMs  int     `yaml:"wrapper_retry_backoff_cap_ms" json:"wrapper_retry_backoff_cap_ms"`
	WrapperRetryJitterPct     float64 `yaml:"wrapper_retry_jitter_pct" json:"wrapper_retry_jitter_pct"`
	WrapperRetryOnWrite       bool    `yaml:"wrapper_retry_on_write" json:"wrapper_retry_on_write"`
	WrapperFailOpenEnabled    bool    `yaml:"wrapper_fail_open_enabled" json:"wrapper_fail_open_enabled"`
}

// DefaultConfig returns the compiled-in defaults the loader falls back to.
func DefaultConfig() Config {
	return Config{
		SchemaVersion:                  "1",
		KillswitchDisabledTenants:      nil,
		RateLimitPerMinute:             map[string]int{},
		RateLimitDefaultPerMinute:      120,
		CBErrorThresholdPct:            50,
		CBErrorThresholdCount:          20,
		CBOpenDurationSeconds:          30,
		CBPrecheckEnabled:              true,
		WrapperTimeoutSecondsDefault:   10,
		WrapperRetryMaxAttemptsDefault: 3,
		WrapperRetryBackoffBaseMs:      100,
		WrapperRetryBackoffCapMs:       5000,
		WrapperRetryJitterPct:          0.2,
		WrapperRetryOnWrite:            false,
		WrapperFailOpenEnabled:         true,
	}
}

// Validate enforces the configuration invariants. A violation makes the
// whole overlay invalid and the loader falls back to defaults.
func (c Config) Validate() error {
	if c.WrapperRetryBackoffBaseMs > c.WrapperRetryBackoffCapMs {
		return fmt.Errorf("backoff base %dms exceeds cap %dms", c.WrapperRetryBackoffBaseMs, c.WrapperRetryBackoffCapMs)
	}
	if c.WrapperRetryJitterPct < 0 || c.WrapperRetryJitterPct > 1 {
		return fmt.Errorf("jitter pct %v outside [0,1]", c.WrapperRetryJitterPct)
	}
	if c.CBErrorThresholdPct < 0 || c.CBErrorThresholdPct > 100 {
		return fmt.Errorf("cb error threshold pct %v outside [0,100]", c.CBErrorThresholdPct)
	}
	if c.CBErrorThresholdCount <= 0 {
		return fmt.Errorf("cb error threshold count %d must be positive", c.CBErrorThresholdCount)
	}
	if c.CBOpenDurationSeconds <= 0 {
		return fmt.Errorf("cb open duration %ds must be positive", c.CBOpenDurationSeconds)
	}
	if c.WrapperTimeoutSecondsDefault <= 0 {
		return fmt.Errorf("wrapper default timeout %vs must be positive", c.WrapperTimeoutSecondsDefault)
	}
	if c.WrapperRetryMaxAttemptsDefault <= 0 {
		return fmt.Errorf("wrapper max attempts %d must be positive", c.WrapperRetryMaxAttemptsDefault)
	}
	return nil
}

// Hash returns the truncated SHA-256 of the canonical-JSON serialization,
// deterministic across processes. The drift guard compares it against a
// frozen baseline.
func (c Config) Hash() string {
	h, err := fingerprint.ConfigHash(c)
	if err != nil {
		// Config is a plain struct; Marshal cannot fail on it.
		return ""
	}
	return h
}

const envPrefix = "OPS_GUARD_"

// LoadConfig builds a Config from an optional YAML base file overlaid with
// OPS_GUARD_* environment variables. Any coercion or validation error emits
// a guard_config_fallback metric and returns the compiled-in defaults.
func LoadConfig(yamlPath string, metrics ports.MetricsSink) Config {
	cfg := DefaultConfig()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				metrics.Inc("guard_config_fallback", map[string]string{"source": "yaml"})
				return DefaultConfig()
			}
		} else if !os.IsNotExist(err) {
			metrics.Inc("guard_config_fallback", map[string]string{"source": "yaml"})
			return DefaultConfig()
		}
	}

	if err := overlayEnv(&cfg, metrics); err != nil {
		metrics.Inc("guard_config_fallback", map[string]string{"source": "env"})
		return DefaultConfig()
	}

	if err := cfg.Validate(); err != nil {
		metrics.Inc("guard_config_fallback", map[string]string{"source": "validate"})
		return DefaultConfig()
	}
	return cfg
}

func overlayEnv(cfg *Config, metrics ports.MetricsSink) error {
	if v, ok := lookup("SCHEMA_VERSION"); ok {
		cfg.SchemaVersion = v
	}
	if err := envBool("KILLSWITCH_GLOBAL_IMPORT_DISABLED", &cfg.KillswitchGlobalImportDisabled); err != nil {
		return err
	}
	if v, ok := lookup("KILLSWITCH_DISABLED_TENANTS"); ok {
		cfg.KillswitchDisabledTenants = splitCSV(v)
	}

	// Per-endpoint quotas: OPS_GUARD_RATE_LIMIT_<ENDPOINT>_PER_MINUTE.
	for _, kv := range os.Environ() {
		name, value, _ := strings.Cut(kv, "=")
		if !strings.HasPrefix(name, envPrefix+"RATE_LIMIT_") || !strings.HasSuffix(name, "_PER_MINUTE") {
			continue
		}
		endpoint := strings.TrimSuffix(strings.TrimPrefix(name, envPrefix+"RATE_LIMIT_"), "_PER_MINUTE")
		if endpoint == "DEFAULT" {
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			cfg.RateLimitDefaultPerMinute = n
			continue
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if cfg.RateLimitPerMinute == nil {
			cfg.RateLimitPerMinute = map[string]int{}
		}
		cfg.RateLimitPerMinute[strings.ToLower(endpoint)] = n
	}

	if err := envFloat("CB_ERROR_THRESHOLD_PCT", &cfg.CBErrorThresholdPct); err != nil {
		return err
	}
	if err := envInt("CB_ERROR_THRESHOLD_COUNT", &cfg.CBErrorThresholdCount); err != nil {
		return err
	}
	if err := envInt("CB_OPEN_DURATION_SECONDS", &cfg.CBOpenDurationSeconds); err != nil {
		return err
	}
	if err := envBool("CB_PRECHECK_ENABLED", &cfg.CBPrecheckEnabled); err != nil {
		return err
	}

	if err := envFloat("WRAPPER_TIMEOUT_SECONDS_DEFAULT", &cfg.WrapperTimeoutSecondsDefault); err != nil {
		return err
	}
	// Invalid per-dependency override JSON is soft: keep the default map and
	// count it, per the wrapper's fallback policy.
	if v, ok := lookup("WRAPPER_TIMEOUT_SECONDS_BY_DEPENDENCY"); ok {
		var m map[string]float64
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			metrics.Inc("guard_config_fallback", map[string]string{"source": "timeout_map"})
		} else {
			cfg.WrapperTimeoutSecondsByDependency = m
		}
	}
	if err := envInt("WRAPPER_RETRY_MAX_ATTEMPTS_DEFAULT", &cfg.WrapperRetryMaxAttemptsDefault); err != nil {
		return err
	}
	if v, ok := lookup("WRAPPER_RETRY_MAX_ATTEMPTS_BY_DEPENDENCY"); ok {
		var m map[string]int
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			metrics.Inc("guard_config_fallback", map[string]string{"source": "attempts_map"})
		} else {
			cfg.WrapperRetryMaxAttemptsByDependency = m
		}
	}
	if err := envInt("WRAPPER_RETRY_BACKOFF_BASE_MS", &cfg.WrapperRetryBackoffBaseMs); err != nil {
		return err
	}
	if err := envInt("WRAPPER_RETRY_BACKOFF_CAP_MS", &cfg.WrapperRetryBackoffCapMs); err != nil {
		return err
	}
	if err := envFloat("WRAPPER_RETRY_JITTER_PCT", &cfg.WrapperRetryJitterPct); err != nil {
		return err
	}
	if err := envBool("WRAPPER_RETRY_ON_WRITE", &cfg.WrapperRetryOnWrite); err != nil {
		return err
	}
	if err := envBool("WRAPPER_FAIL_OPEN_ENABLED", &cfg.WrapperFailOpenEnabled); err != nil {
		return err
	}
	return nil
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func envBool(key string, dst *bool) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", envPrefix, key, err)
	}
	*dst = b
	return nil
}

func envInt(key string, dst *int) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", envPrefix, key, err)
	}
	*dst = n
	return nil
}

func envFloat(key string, dst *float64) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s%s: %w", envPrefix, key, err)
	}
	*dst = f
	return nil
}

func splitCSV(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
