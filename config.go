package toolrpc

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration of the daemon. YAML, JSON and JSONC
// files are accepted; the file extension selects the parser. Zero values
// mean "use the built-in default".
type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	Framing   FramingConfig   `yaml:"framing" json:"framing"`
	RateLimit RateLimitConfig `yaml:"rateLimit" json:"rateLimit"`
	Breaker   BreakerConfig   `yaml:"breaker" json:"breaker"`
	Retry     RetryConfig     `yaml:"retry" json:"retry"`
	Batch     BatchConfig     `yaml:"batch" json:"batch"`
	Audit     AuditConfig     `yaml:"audit" json:"audit"`
	HTTP      HTTPConfig      `yaml:"http" json:"http"`
}

// ServerConfig names the server instance as reported during initialize.
type ServerConfig struct {
	Name    string `yaml:"name" json:"name"`
	Version string `yaml:"version" json:"version"`
}

// FramingConfig tunes the wire decoder.
type FramingConfig struct {
	MaxMessageSize      int `yaml:"maxMessageSize" json:"maxMessageSize"`
	StallTimeoutSeconds int `yaml:"stallTimeoutSeconds" json:"stallTimeoutSeconds"`
}

// RateLimitConfig tunes the per-tool, per-caller limiter.
type RateLimitConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	MaxRequests int    `yaml:"maxRequests" json:"maxRequests"`
	Window      string `yaml:"window" json:"window"`
}

// BreakerConfig tunes the per-tool circuit breaker.
type BreakerConfig struct {
	Enabled         bool    `yaml:"enabled" json:"enabled"`
	MinSamples      int     `yaml:"minSamples" json:"minSamples"`
	FailureRatio    float64 `yaml:"failureRatio" json:"failureRatio"`
	CooldownSeconds int     `yaml:"cooldownSeconds" json:"cooldownSeconds"`
}

// RetryConfig declares the default retry policy handed to tool authors.
type RetryConfig struct {
	Attempts    int    `yaml:"attempts" json:"attempts"`
	BaseDelayMS int    `yaml:"baseDelayMs" json:"baseDelayMs"`
	MaxDelayMS  int    `yaml:"maxDelayMs" json:"maxDelayMs"`
	Strategy    string `yaml:"strategy" json:"strategy"`
}

// BatchConfig tunes the batch executor.
type BatchConfig struct {
	ChunkSize    int `yaml:"chunkSize" json:"chunkSize"`
	MaxBatchSize int `yaml:"maxBatchSize" json:"maxBatchSize"`
}

// AuditConfig selects where audit records go. An empty path disables the
// audit sink.
type AuditConfig struct {
	Path string `yaml:"path" json:"path"`
}

// HTTPConfig enables the HTTP binding. An empty address disables it.
type HTTPConfig struct {
	Addr string `yaml:"addr" json:"addr"`
}

// LoadConfig reads and parses the configuration file at path. The zero
// Config is returned for an empty path so the daemon runs on defaults
// without a file.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, nil
	}

	bs, err := os.ReadFile(path)
	if err != nil {
		return cfg, ConfigurationError{Reason: "failed to read config file: " + err.Error()}
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(bs, &cfg); err != nil {
			return cfg, ConfigurationError{Reason: "invalid yaml config: " + err.Error()}
		}
	case ".json", ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(bs), &cfg); err != nil {
			return cfg, ConfigurationError{Reason: "invalid json config: " + err.Error()}
		}
	default:
		return cfg, ConfigurationError{Reason: "unsupported config format: " + filepath.Ext(path)}
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.RateLimit.Enabled {
		if c.RateLimit.MaxRequests <= 0 {
			return ConfigurationError{Reason: "rateLimit.maxRequests must be positive"}
		}
		if _, err := ParseWindow(c.RateLimit.Window); err != nil {
			return err
		}
	}
	if c.Breaker.Enabled {
		if c.Breaker.FailureRatio < 0 || c.Breaker.FailureRatio > 1 {
			return ConfigurationError{Reason: "breaker.failureRatio must be between 0 and 1"}
		}
	}
	if c.Retry.Strategy != "" {
		switch c.Retry.Strategy {
		case "fixed", "linear", "exponential":
		default:
			return ConfigurationError{Reason: "unknown retry strategy: " + c.Retry.Strategy}
		}
	}
	return nil
}

// RetryPolicy builds the policy declared by the retry section, falling back
// to a single-attempt policy when unset.
func (c RetryConfig) RetryPolicy() RetryPolicy {
	policy := RetryPolicy{
		Attempts:  c.Attempts,
		BaseDelay: time.Duration(c.BaseDelayMS) * time.Millisecond,
		MaxDelay:  time.Duration(c.MaxDelayMS) * time.Millisecond,
	}
	if policy.Attempts <= 0 {
		policy.Attempts = 1
	}
	switch c.Strategy {
	case "linear":
		policy.Strategy = BackoffLinear
	case "exponential":
		policy.Strategy = BackoffExponential
	default:
		policy.Strategy = BackoffFixed
	}
	return policy
}
