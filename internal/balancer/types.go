package balancer

import "rpcbatcher/internal/upstream"

// Selector picks the upstream for the next batch
type Selector interface {
	// Next returns nil when every candidate is excluded or unavailable
	Next(exclude map[string]bool) *upstream.Upstream
}

// UpstreamProvider provides access to upstreams
type UpstreamProvider interface {
	// GetAvailableMain returns main upstreams whose circuit is not open
	GetAvailableMain() []*upstream.Upstream

	// GetAvailableFallback returns fallback upstreams whose circuit is not open
	GetAvailableFallback() []*upstream.Upstream
}
