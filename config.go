package stanchion

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the file/environment representation of client construction
// options. It exists for deployments that configure the client outside of
// code; Options() bridges it onto the functional options.
type Config struct {
	MaxConnectionsPerHost int   `yaml:"maxConnectionsPerHost" env:"MAX_CONNECTIONS_PER_HOST"`
	KeepAlive             *bool `yaml:"keepAlive" env:"KEEP_ALIVE"`
	ProtocolUpgrade       *bool `yaml:"protocolUpgrade" env:"PROTOCOL_UPGRADE"`

	CacheCapacityBytes        int64  `yaml:"cacheCapacityBytes" env:"CACHE_CAPACITY_BYTES"`
	EvictionPolicy            string `yaml:"evictionPolicy" env:"EVICTION_POLICY"`
	BaseTTLMs                 int64  `yaml:"baseTTLMs" env:"BASE_TTL_MS"`
	CompressionThresholdBytes int    `yaml:"compressionThresholdBytes" env:"COMPRESSION_THRESHOLD_BYTES"`

	RetryMaxAttempts int   `yaml:"retryMaxAttempts" env:"RETRY_MAX_ATTEMPTS"`
	RetryBaseDelayMs int64 `yaml:"retryBaseDelayMs" env:"RETRY_BASE_DELAY_MS"`
	RetryMaxDelayMs  int64 `yaml:"retryMaxDelayMs" env:"RETRY_MAX_DELAY_MS"`

	BreakerFailureThreshold         int   `yaml:"breakerFailureThreshold" env:"BREAKER_FAILURE_THRESHOLD"`
	BreakerRecoveryTimeoutMs        int64 `yaml:"breakerRecoveryTimeoutMs" env:"BREAKER_RECOVERY_TIMEOUT_MS"`
	BreakerHalfOpenSuccessesToClose int   `yaml:"breakerHalfOpenSuccessesToClose" env:"BREAKER_HALF_OPEN_SUCCESSES_TO_CLOSE"`

	TimeoutMs     int64 `yaml:"timeoutMs" env:"TIMEOUT_MS"`
	DNSCacheTTLMs int64 `yaml:"dnsCacheTTLMs" env:"DNS_CACHE_TTL_MS"`
}

// envPrefix namespaces environment variables, e.g. STANCHION_RETRY_MAX_ATTEMPTS.
const envPrefix = "STANCHION_"

// DefaultConfig returns the construction defaults in config form.
func DefaultConfig() Config {
	keepAlive := true
	protocolUpgrade := true
	return Config{
		MaxConnectionsPerHost:           DefaultMaxConnsPerHost,
		KeepAlive:                       &keepAlive,
		ProtocolUpgrade:                 &protocolUpgrade,
		CacheCapacityBytes:              DefaultCacheCapacityBytes,
		EvictionPolicy:                  "LRU",
		BaseTTLMs:                       (5 * time.Minute).Milliseconds(),
		CompressionThresholdBytes:       DefaultCompressionThreshold,
		RetryMaxAttempts:                3,
		RetryBaseDelayMs:                100,
		RetryMaxDelayMs:                 (10 * time.Second).Milliseconds(),
		BreakerFailureThreshold:         5,
		BreakerRecoveryTimeoutMs:        (60 * time.Second).Milliseconds(),
		BreakerHalfOpenSuccessesToClose: 2,
		TimeoutMs:                       (30 * time.Second).Milliseconds(),
		DNSCacheTTLMs:                   DefaultDNSCacheTTL.Milliseconds(),
	}
}

// LoadConfig reads a YAML config file. Absent keys keep their defaults.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ConfigFromEnv reads configuration from STANCHION_-prefixed environment
// variables. Unset variables keep their defaults.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field ranges and the eviction policy name.
func (c Config) Validate() error {
	if c.MaxConnectionsPerHost < 0 {
		return fmt.Errorf("maxConnectionsPerHost: must be non-negative")
	}
	if c.CacheCapacityBytes < 0 {
		return fmt.Errorf("cacheCapacityBytes: must be non-negative")
	}
	if _, err := ParseEvictionPolicy(c.EvictionPolicy); err != nil {
		return fmt.Errorf("evictionPolicy: %w", err)
	}
	if c.BaseTTLMs < 0 {
		return fmt.Errorf("baseTTLMs: must be non-negative")
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("retryMaxAttempts: must be at least 1")
	}
	if c.RetryBaseDelayMs <= 0 {
		return fmt.Errorf("retryBaseDelayMs: must be positive")
	}
	if c.RetryMaxDelayMs < c.RetryBaseDelayMs {
		return fmt.Errorf("retryMaxDelayMs: must be >= retryBaseDelayMs")
	}
	if c.BreakerFailureThreshold <= 0 {
		return fmt.Errorf("breakerFailureThreshold: must be positive")
	}
	if c.BreakerRecoveryTimeoutMs <= 0 {
		return fmt.Errorf("breakerRecoveryTimeoutMs: must be positive")
	}
	if c.BreakerHalfOpenSuccessesToClose <= 0 {
		return fmt.Errorf("breakerHalfOpenSuccessesToClose: must be positive")
	}
	if c.TimeoutMs <= 0 {
		return fmt.Errorf("timeoutMs: must be positive")
	}
	if c.DNSCacheTTLMs < 0 {
		return fmt.Errorf("dnsCacheTTLMs: must be non-negative")
	}
	return nil
}

// Options converts the config to functional options for New.
func (c Config) Options() []Option {
	policy, _ := ParseEvictionPolicy(c.EvictionPolicy)

	opts := []Option{
		WithMaxAttempts(c.RetryMaxAttempts),
		WithInitialBackoff(time.Duration(c.RetryBaseDelayMs) * time.Millisecond),
		WithMaxBackoff(time.Duration(c.RetryMaxDelayMs) * time.Millisecond),
		WithTimeout(time.Duration(c.TimeoutMs) * time.Millisecond),
		WithCache(CacheConfig{
			CapacityBytes:        c.CacheCapacityBytes,
			Policy:               policy,
			CompressionThreshold: c.CompressionThresholdBytes,
		}),
		WithCacheTTL(time.Duration(c.BaseTTLMs) * time.Millisecond),
		WithCircuitBreaker(CircuitBreakerConfig{
			FailureThreshold: c.BreakerFailureThreshold,
			RecoveryTimeout:  time.Duration(c.BreakerRecoveryTimeoutMs) * time.Millisecond,
			SuccessThreshold: c.BreakerHalfOpenSuccessesToClose,
		}),
	}

	if c.MaxConnectionsPerHost > 0 {
		opts = append(opts, WithMaxConnectionsPerHost(c.MaxConnectionsPerHost))
	}
	if c.KeepAlive != nil {
		opts = append(opts, WithKeepAlive(*c.KeepAlive))
	}
	if c.ProtocolUpgrade != nil {
		opts = append(opts, WithProtocolUpgrade(*c.ProtocolUpgrade))
	}
	if c.DNSCacheTTLMs > 0 {
		opts = append(opts, WithDNSCache(time.Duration(c.DNSCacheTTLMs)*time.Millisecond))
	} else {
		opts = append(opts, WithoutDNSCache())
	}

	return opts
}

// ParseEvictionPolicy parses an eviction policy name, case-insensitively.
func ParseEvictionPolicy(name string) (EvictionPolicy, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "LRU", "":
		return LRU, nil
	case "LFU":
		return LFU, nil
	case "FIFO":
		return FIFO, nil
	default:
		return LRU, fmt.Errorf("unknown eviction policy %q (want LRU, LFU or FIFO)", name)
	}
}
