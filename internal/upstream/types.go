package upstream

import (
	"sync/atomic"

	"rpcbatcher/internal/config"
)

// Role represents the upstream role
type Role string

const (
	RoleMain     Role = "main"
	RoleFallback Role = "fallback"
)

// RoleFromConfig converts config.Role to upstream.Role
func RoleFromConfig(r config.Role) Role {
	switch r {
	case config.RoleFallback:
		return RoleFallback
	default:
		return RoleMain
	}
}

// Stats holds the traffic counters of an upstream
type Stats struct {
	batches  atomic.Uint64
	requests atomic.Uint64
	failures atomic.Uint64
}

// RecordBatch counts one batch call carrying n requests
func (s *Stats) RecordBatch(n int) {
	s.batches.Add(1)
	s.requests.Add(uint64(n))
}

// RecordFailure counts one failed batch call
func (s *Stats) RecordFailure() {
	s.failures.Add(1)
}

// StatsSnapshot is a point-in-time copy of Stats
type StatsSnapshot struct {
	Batches  uint64
	Requests uint64
	Failures uint64
}

// Swap returns the counters and resets them to zero
func (s *Stats) Swap() StatsSnapshot {
	return StatsSnapshot{
		Batches:  s.batches.Swap(0),
		Requests: s.requests.Swap(0),
		Failures: s.failures.Swap(0),
	}
}
