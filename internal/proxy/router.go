package proxy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"rpcbatcher/internal/upstream"
)

// Router manages the upstream pool of each group
type Router struct {
	pools map[string]*upstream.Pool
	mu    sync.RWMutex
}

// NewRouter creates a new Router
func NewRouter() *Router {
	return &Router{
		pools: make(map[string]*upstream.Pool),
	}
}

// AddPool adds a pool to the router
func (r *Router) AddPool(pool *upstream.Pool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pools[pool.Name()] = pool
}

// GroupFromPath extracts the group name from a URL path and checks it is routed.
// Path format: /{groupName} or /{groupName}/
func (r *Router) GroupFromPath(path string) (string, error) {
	group := extractGroupName(path)
	if group == "" {
		return "", fmt.Errorf("invalid path: group name is required")
	}
	if !r.HasPool(group) {
		return "", fmt.Errorf("group '%s' not found", group)
	}
	return group, nil
}

// extractGroupName returns the first path segment:
//
//	/ethereum -> ethereum
//	/polygon/some/path -> polygon
func extractGroupName(path string) string {
	path = strings.TrimPrefix(path, "/")
	if idx := strings.Index(path, "/"); idx != -1 {
		path = path[:idx]
	}
	return path
}

// HasPool returns true if a pool exists for the given group name
func (r *Router) HasPool(group string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.pools[group]
	return ok
}

// Pools returns all registered pools ordered by group name
func (r *Router) Pools() []*upstream.Pool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pools := make([]*upstream.Pool, 0, len(r.pools))
	for _, pool := range r.pools {
		pools = append(pools, pool)
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i].Name() < pools[j].Name() })
	return pools
}

// StartAll starts all pools
func (r *Router) StartAll(ctx context.Context) {
	for _, pool := range r.Pools() {
		pool.Start(ctx)
	}
}

// StopAll stops all pools
func (r *Router) StopAll() {
	for _, pool := range r.Pools() {
		pool.Stop()
	}
}
