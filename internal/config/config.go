package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"rpcbatcher/internal/batcher"
)

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration bytes, applies defaults and validates the result
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyDefaults sets default values for unset fields
func applyDefaults(cfg *Config) {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.RPCPort == 0 {
		cfg.RPCPort = DefaultRPCPort
	}
	// MetricsPort 0 is valid and disables the listener
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.MaxBodySize == 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.StatusLogInterval == 0 {
		cfg.StatusLogInterval = DefaultStatusLogInterval
	}
	if cfg.UpstreamMessageTimeout == 0 {
		cfg.UpstreamMessageTimeout = DefaultUpstreamMessageTimeout
	}
	if cfg.UpstreamReconnectInterval == 0 {
		cfg.UpstreamReconnectInterval = DefaultUpstreamReconnectInterval
	}

	b := &cfg.Batching
	if b.MaxBatchItems == 0 {
		b.MaxBatchItems = batcher.DefaultMaxBatchItems
	}
	if b.MaxBufferSize == 0 {
		b.MaxBufferSize = batcher.DefaultMaxBufferSize
	}
	if b.FlushInterval == 0 {
		b.FlushInterval = int(batcher.DefaultFlushInterval.Milliseconds())
	}
	if b.IdleKeyTimeout == 0 {
		b.IdleKeyTimeout = int(batcher.DefaultIdleKeyTimeout.Milliseconds())
	}
	if b.MaxInFlightBatches == 0 {
		b.MaxInFlightBatches = batcher.DefaultMaxInFlightBatches
	}

	if cfg.Retry != nil {
		if cfg.Retry.MaxAttempts == 0 {
			cfg.Retry.MaxAttempts = DefaultRetryMaxAttempts
		}
		if cfg.Retry.InitialInterval == 0 {
			cfg.Retry.InitialInterval = DefaultRetryInitialInterval
		}
		if cfg.Retry.MaxInterval == 0 {
			cfg.Retry.MaxInterval = DefaultRetryMaxInterval
		}
	}

	if cfg.CircuitBreaker != nil {
		if cfg.CircuitBreaker.FailureThreshold == 0 {
			cfg.CircuitBreaker.FailureThreshold = DefaultCBFailureThreshold
		}
		if cfg.CircuitBreaker.RecoveryTimeout == 0 {
			cfg.CircuitBreaker.RecoveryTimeout = DefaultCBRecoveryTimeout
		}
		if cfg.CircuitBreaker.HalfOpenMaxRequests == 0 {
			cfg.CircuitBreaker.HalfOpenMaxRequests = DefaultCBHalfOpenMaxRequests
		}
	}

	if cfg.Cache != nil {
		if cfg.Cache.TTL == 0 {
			cfg.Cache.TTL = DefaultCacheTTL
		}
		if cfg.Cache.Size == 0 {
			cfg.Cache.Size = DefaultCacheSize
		}
		if len(cfg.Cache.Methods) == 0 {
			cfg.Cache.Methods = append([]string(nil), DefaultCacheMethods...)
		}
	}

	for i := range cfg.Groups {
		for j := range cfg.Groups[i].Upstreams {
			if cfg.Groups[i].Upstreams[j].Weight == 0 {
				cfg.Groups[i].Upstreams[j].Weight = DefaultUpstreamWeight
			}
			if cfg.Groups[i].Upstreams[j].Role == "" {
				cfg.Groups[i].Upstreams[j].Role = DefaultUpstreamRole
			}
		}
	}
}

// validate checks the configuration for errors
func validate(cfg *Config) error {
	if len(cfg.Groups) == 0 {
		return errors.New("at least one group is required")
	}

	groupNames := make(map[string]bool)
	for i, group := range cfg.Groups {
		if group.Name == "" {
			return fmt.Errorf("group[%d]: name is required", i)
		}

		if groupNames[group.Name] {
			return fmt.Errorf("group[%d]: duplicate group name '%s'", i, group.Name)
		}
		groupNames[group.Name] = true

		if len(group.Upstreams) == 0 {
			return fmt.Errorf("group '%s': at least one upstream is required", group.Name)
		}

		upstreamNames := make(map[string]bool)
		for j, upstream := range group.Upstreams {
			if upstream.Name == "" {
				return fmt.Errorf("group '%s', upstream[%d]: name is required", group.Name, j)
			}

			if upstreamNames[upstream.Name] {
				return fmt.Errorf("group '%s': duplicate upstream name '%s'", group.Name, upstream.Name)
			}
			upstreamNames[upstream.Name] = true

			if upstream.RPCURL == "" && upstream.WSURL == "" {
				return fmt.Errorf("group '%s', upstream '%s': at least one of rpcUrl or wsUrl is required",
					group.Name, upstream.Name)
			}

			if upstream.Weight <= 0 {
				return fmt.Errorf("group '%s', upstream '%s': weight must be positive",
					group.Name, upstream.Name)
			}

			if upstream.Role != RoleMain && upstream.Role != RoleFallback {
				return fmt.Errorf("group '%s', upstream '%s': role must be 'main' or 'fallback'",
					group.Name, upstream.Name)
			}
		}
	}

	if cfg.RPCPort < 1 || cfg.RPCPort > 65535 {
		return fmt.Errorf("rpcPort must be between 1 and 65535")
	}

	if cfg.WSPort < 0 || cfg.WSPort > 65535 {
		return fmt.Errorf("wsPort must be between 0 and 65535")
	}
	if cfg.WSPort != 0 && cfg.WSPort == cfg.RPCPort {
		return fmt.Errorf("wsPort must differ from rpcPort")
	}

	if cfg.MetricsPort < 0 || cfg.MetricsPort > 65535 {
		return fmt.Errorf("metricsPort must be between 0 and 65535")
	}
	if cfg.MetricsPort != 0 && (cfg.MetricsPort == cfg.RPCPort || cfg.MetricsPort == cfg.WSPort) {
		return fmt.Errorf("metricsPort must differ from rpcPort and wsPort")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("logLevel must be one of: debug, info, warn, error")
	}

	if cfg.RequestTimeout < 0 {
		return fmt.Errorf("requestTimeout must be non-negative")
	}

	if err := cfg.BatcherConfig().Validate(); err != nil {
		return fmt.Errorf("batching: %w", err)
	}

	if cfg.Retry != nil && cfg.Retry.Enabled {
		if cfg.Retry.MaxAttempts < 1 {
			return fmt.Errorf("retry.maxAttempts must be positive")
		}
		if cfg.Retry.InitialInterval < 0 || cfg.Retry.MaxInterval < cfg.Retry.InitialInterval {
			return fmt.Errorf("retry.maxInterval must be at least retry.initialInterval")
		}
	}

	if cfg.CircuitBreaker != nil && cfg.CircuitBreaker.Enabled {
		if cfg.CircuitBreaker.FailureThreshold < 1 {
			return fmt.Errorf("circuitBreaker.failureThreshold must be positive")
		}
		if cfg.CircuitBreaker.RecoveryTimeout < 0 {
			return fmt.Errorf("circuitBreaker.recoveryTimeout must be non-negative")
		}
		if cfg.CircuitBreaker.HalfOpenMaxRequests < 1 {
			return fmt.Errorf("circuitBreaker.halfOpenMaxRequests must be positive")
		}
	}

	if cfg.Cache != nil && cfg.Cache.Enabled {
		if cfg.Cache.TTL <= 0 {
			return fmt.Errorf("cache.ttl must be positive when cache is enabled")
		}
		if cfg.Cache.Size <= 0 {
			return fmt.Errorf("cache.size must be positive when cache is enabled")
		}
	}

	if cfg.KeyScript != "" {
		if _, err := os.Stat(cfg.KeyScript); err != nil {
			return fmt.Errorf("keyScript: %w", err)
		}
	}

	return nil
}
