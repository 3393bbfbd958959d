package config

import (
	"time"

	"rpcbatcher/internal/batcher"
)

// Role defines the upstream role type
type Role string

const (
	RoleMain     Role = "main"
	RoleFallback Role = "fallback"
)

// Config represents the main configuration structure
type Config struct {
	Host                      string                `json:"host"`
	RPCPort                   int                   `json:"rpcPort"`
	WSPort                    int                   `json:"wsPort"`      // 0 disables the WebSocket listener
	MetricsPort               int                   `json:"metricsPort"` // 0 disables the metrics listener
	LogLevel                  string                `json:"logLevel"`
	MaxBodySize               int64                 `json:"maxBodySize"`
	RequestTimeout            int                   `json:"requestTimeout"`            // ms
	StatusLogInterval         int                   `json:"statusLogInterval"`         // ms
	UpstreamMessageTimeout    int                   `json:"upstreamMessageTimeout"`    // ms - timeout for receiving messages from upstream WebSocket
	UpstreamReconnectInterval int                   `json:"upstreamReconnectInterval"` // ms - interval between reconnection attempts
	KeyScript                 string                `json:"keyScript,omitempty"`       // path to a partitionKey script
	Batching                  BatchingConfig        `json:"batching"`
	Retry                     *RetryConfig          `json:"retry,omitempty"`
	CircuitBreaker            *CircuitBreakerConfig `json:"circuitBreaker,omitempty"`
	Cache                     *CacheConfig          `json:"cache,omitempty"`
	Groups                    []GroupConfig         `json:"groups"`
}

// BatchingConfig represents the request batching options
type BatchingConfig struct {
	MaxBatchItems      int `json:"maxBatchItems"`
	MaxBufferSize      int `json:"maxBufferSize"`
	FlushInterval      int `json:"flushInterval"`  // ms
	IdleKeyTimeout     int `json:"idleKeyTimeout"` // ms, negative disables retirement
	MaxInFlightBatches int `json:"maxInFlightBatches"`
}

// RetryConfig represents retrying a failed upstream batch on another upstream
type RetryConfig struct {
	Enabled         bool `json:"enabled"`
	MaxAttempts     int  `json:"maxAttempts"`
	InitialInterval int  `json:"initialInterval"` // ms
	MaxInterval     int  `json:"maxInterval"`     // ms
}

// CircuitBreakerConfig represents per-upstream circuit breaker settings
type CircuitBreakerConfig struct {
	Enabled             bool `json:"enabled"`
	FailureThreshold    int  `json:"failureThreshold"`
	RecoveryTimeout     int  `json:"recoveryTimeout"` // ms
	HalfOpenMaxRequests int  `json:"halfOpenMaxRequests"`
}

// CacheConfig represents cache configuration
type CacheConfig struct {
	Enabled bool     `json:"enabled"`
	TTL     int      `json:"ttl"`     // seconds
	Size    int      `json:"size"`    // number of entries
	Methods []string `json:"methods"` // methods whose responses may be cached
}

// GroupConfig represents a group of upstreams
type GroupConfig struct {
	Name      string           `json:"name"`
	Upstreams []UpstreamConfig `json:"upstreams"`
}

// UpstreamConfig represents a single upstream configuration
type UpstreamConfig struct {
	Name     string `json:"name"`
	RPCURL   string `json:"rpcUrl"`
	WSURL    string `json:"wsUrl"`
	Weight   int    `json:"weight"`
	Role     Role   `json:"role"`
	PreferWS bool   `json:"preferWs"`
}

// Default values
const (
	DefaultHost                      = "localhost"
	DefaultRPCPort                   = 8545
	DefaultLogLevel                  = "info"
	DefaultMaxBodySize               = int64(0) // 0 means no limit
	DefaultRequestTimeout            = 5000     // ms
	DefaultStatusLogInterval         = 60000    // ms
	DefaultUpstreamMessageTimeout    = 60000    // ms
	DefaultUpstreamReconnectInterval = 5000     // ms
	DefaultUpstreamWeight            = 1
	DefaultUpstreamRole              = RoleMain

	DefaultRetryMaxAttempts     = 3
	DefaultRetryInitialInterval = 50   // ms
	DefaultRetryMaxInterval     = 1000 // ms

	DefaultCBFailureThreshold    = 5
	DefaultCBRecoveryTimeout     = 30000 // ms
	DefaultCBHalfOpenMaxRequests = 2

	DefaultCacheTTL  = 60 // seconds
	DefaultCacheSize = 10000
)

// DefaultCacheMethods are cached when cache.methods is empty
var DefaultCacheMethods = []string{"eth_chainId", "net_version", "eth_getTransactionReceipt", "eth_getBlockByHash"}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// GetRequestTimeoutDuration returns request timeout as time.Duration
func (c *Config) GetRequestTimeoutDuration() time.Duration {
	return ms(c.RequestTimeout)
}

// GetStatusLogIntervalDuration returns status log interval as time.Duration
func (c *Config) GetStatusLogIntervalDuration() time.Duration {
	return ms(c.StatusLogInterval)
}

// GetUpstreamMessageTimeoutDuration returns upstream message timeout as time.Duration
func (c *Config) GetUpstreamMessageTimeoutDuration() time.Duration {
	return ms(c.UpstreamMessageTimeout)
}

// GetUpstreamReconnectIntervalDuration returns upstream reconnect interval as time.Duration
func (c *Config) GetUpstreamReconnectIntervalDuration() time.Duration {
	return ms(c.UpstreamReconnectInterval)
}

// IsCacheEnabled returns true if cache is configured and enabled
func (c *Config) IsCacheEnabled() bool {
	return c.Cache != nil && c.Cache.Enabled
}

// IsRetryEnabled returns true if retry is configured and enabled
func (c *Config) IsRetryEnabled() bool {
	return c.Retry != nil && c.Retry.Enabled
}

// BatcherConfig converts the batching section to batcher options
func (c *Config) BatcherConfig() batcher.Config {
	idle := ms(c.Batching.IdleKeyTimeout)
	if idle < 0 {
		idle = 0
	}
	return batcher.Config{
		MaxBatchItems:      c.Batching.MaxBatchItems,
		MaxBufferSize:      c.Batching.MaxBufferSize,
		FlushInterval:      ms(c.Batching.FlushInterval),
		IdleKeyTimeout:     idle,
		MaxInFlightBatches: c.Batching.MaxInFlightBatches,
	}
}

// GetTTLDuration returns cache TTL as time.Duration
func (c *CacheConfig) GetTTLDuration() time.Duration {
	return time.Duration(c.TTL) * time.Second
}

// GetInitialIntervalDuration returns the first retry delay as time.Duration
func (c *RetryConfig) GetInitialIntervalDuration() time.Duration {
	return ms(c.InitialInterval)
}

// GetMaxIntervalDuration returns the largest retry delay as time.Duration
func (c *RetryConfig) GetMaxIntervalDuration() time.Duration {
	return ms(c.MaxInterval)
}

// GetRecoveryTimeoutDuration returns the open state duration as time.Duration
func (c *CircuitBreakerConfig) GetRecoveryTimeoutDuration() time.Duration {
	return ms(c.RecoveryTimeout)
}
