package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"rpcbatcher/internal/config"
	"rpcbatcher/internal/jsonrpc"
)

// Upstream represents a single upstream RPC endpoint
type Upstream struct {
	name     string
	rpcURL   string
	wsURL    string
	weight   int
	role     Role
	preferWS bool

	httpClient *http.Client
	breaker    *CircuitBreaker
	stats      Stats
	logger     zerolog.Logger

	wsClient *WSClient
}

// Config for creating a new Upstream
type Config struct {
	Name           string
	RPCURL         string
	WSURL          string
	Weight         int
	Role           Role
	PreferWS       bool
	RequestTimeout time.Duration
	CircuitBreaker CircuitBreakerConfig
	Clock          clockwork.Clock
	Logger         zerolog.Logger
}

// NewUpstream creates a new Upstream instance
func NewUpstream(cfg Config) *Upstream {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  true,
	}

	httpClient := &http.Client{
		Transport: transport,
		Timeout:   cfg.RequestTimeout,
	}

	return &Upstream{
		name:       cfg.Name,
		rpcURL:     cfg.RPCURL,
		wsURL:      cfg.WSURL,
		weight:     cfg.Weight,
		role:       cfg.Role,
		preferWS:   cfg.PreferWS,
		httpClient: httpClient,
		breaker:    NewCircuitBreaker(cfg.CircuitBreaker, cfg.Clock),
		logger:     cfg.Logger.With().Str("upstream", cfg.Name).Logger(),
	}
}

// NewUpstreamFromConfig creates an Upstream from config
func NewUpstreamFromConfig(cfg config.UpstreamConfig, globalCfg *config.Config, logger zerolog.Logger) *Upstream {
	return NewUpstream(Config{
		Name:           cfg.Name,
		RPCURL:         cfg.RPCURL,
		WSURL:          cfg.WSURL,
		Weight:         cfg.Weight,
		Role:           RoleFromConfig(cfg.Role),
		PreferWS:       cfg.PreferWS,
		RequestTimeout: globalCfg.GetRequestTimeoutDuration(),
		CircuitBreaker: CircuitBreakerConfigFrom(globalCfg.CircuitBreaker),
		Logger:         logger,
	})
}

// Name returns the upstream name
func (u *Upstream) Name() string {
	return u.name
}

// Weight returns the weight for load balancing
func (u *Upstream) Weight() int {
	return u.weight
}

// Role returns the upstream role
func (u *Upstream) Role() Role {
	return u.role
}

// IsMain returns true if this is a main upstream
func (u *Upstream) IsMain() bool {
	return u.role == RoleMain
}

// IsFallback returns true if this is a fallback upstream
func (u *Upstream) IsFallback() bool {
	return u.role == RoleFallback
}

// HasRPC returns true if HTTP RPC URL is configured
func (u *Upstream) HasRPC() bool {
	return u.rpcURL != ""
}

// HasWS returns true if WebSocket URL is configured
func (u *Upstream) HasWS() bool {
	return u.wsURL != ""
}

// Available reports whether the circuit breaker lets a batch through
func (u *Upstream) Available() bool {
	return u.breaker.AllowRequest()
}

// CircuitState returns the circuit breaker state name
func (u *Upstream) CircuitState() string {
	return u.breaker.State()
}

// RecordSuccess marks a batch as answered
func (u *Upstream) RecordSuccess() {
	u.breaker.RecordSuccess()
}

// RecordFailure marks a batch as failed
func (u *Upstream) RecordFailure() {
	u.stats.RecordFailure()
	u.breaker.RecordFailure()
}

// SwapStats returns the traffic counters and resets them to zero
func (u *Upstream) SwapStats() StatsSnapshot {
	return u.stats.Swap()
}

// ExecuteBatch sends a batch of JSON-RPC requests as one call.
// When preferWS is true and both rpcUrl and wsUrl are configured, uses WebSocket.
// Otherwise prefers HTTP RPC, falls back to WebSocket if HTTP is not available.
func (u *Upstream) ExecuteBatch(ctx context.Context, requests []*jsonrpc.Request) ([]*jsonrpc.Response, error) {
	if u.preferWS && u.HasWS() {
		return u.ExecuteBatchWS(ctx, requests)
	}
	if u.HasRPC() {
		return u.ExecuteBatchHTTP(ctx, requests)
	}
	if u.HasWS() {
		return u.ExecuteBatchWS(ctx, requests)
	}
	return nil, fmt.Errorf("no endpoint configured for upstream %s", u.name)
}

// ExecuteBatchHTTP posts the batch as a JSON array
func (u *Upstream) ExecuteBatchHTTP(ctx context.Context, requests []*jsonrpc.Request) ([]*jsonrpc.Response, error) {
	if u.rpcURL == "" {
		return nil, fmt.Errorf("HTTP RPC URL not configured")
	}

	reqBytes, err := json.Marshal(requests)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.rpcURL, bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := u.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	u.stats.RecordBatch(len(requests))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP error %d: %s", resp.StatusCode, string(body))
	}

	responses, isBatch, err := jsonrpc.ParseBatchResponse(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse batch response: %w", err)
	}
	if !isBatch {
		return nil, rejectedBatchError(responses[0])
	}

	return responses, nil
}

// ExecuteBatchWS sends the batch over the upstream WebSocket connection
func (u *Upstream) ExecuteBatchWS(ctx context.Context, requests []*jsonrpc.Request) ([]*jsonrpc.Response, error) {
	if u.wsClient == nil {
		return nil, fmt.Errorf("WebSocket not connected")
	}
	u.stats.RecordBatch(len(requests))
	return u.wsClient.SendBatch(ctx, requests)
}

// StartWS establishes the WebSocket connection for this upstream. Called by Pool at startup.
func (u *Upstream) StartWS(ctx context.Context, messageTimeout time.Duration, reconnectInterval time.Duration) error {
	if u.wsURL == "" {
		return fmt.Errorf("WebSocket URL not configured")
	}
	if u.wsClient != nil {
		return nil
	}

	u.wsClient = NewWSClient(u.wsURL, messageTimeout, reconnectInterval, u.logger)
	return u.wsClient.Connect(ctx)
}

// Close closes all connections
func (u *Upstream) Close() {
	if u.wsClient != nil {
		u.wsClient.Close()
		u.wsClient = nil
	}
	u.httpClient.CloseIdleConnections()
}

// rejectedBatchError turns a single-object reply to a batch into an error.
// Upstreams answer that way when they refuse the whole batch.
func rejectedBatchError(resp *jsonrpc.Response) error {
	if resp.HasError() {
		return fmt.Errorf("upstream rejected batch: %d %s", resp.Error.Code, resp.Error.Message)
	}
	return fmt.Errorf("upstream answered batch with a single response")
}
