package rpcbatch

import (
	"errors"
	"time"

	"rpcbatcher/internal/jsonrpc"
)

var (
	// ErrUnknownGroup is returned for a call addressed to a group with no pool
	ErrUnknownGroup = errors.New("unknown group")

	// ErrNoUpstreamsAvailable is returned when every upstream of a group is excluded or has an open circuit
	ErrNoUpstreamsAvailable = errors.New("no upstreams available")

	// ErrAllUpstreamsFailed is returned when every attempt of a batch failed
	ErrAllUpstreamsFailed = errors.New("all upstreams failed")
)

// Call is one JSON-RPC request addressed to an upstream group
type Call struct {
	Group   string
	Request *jsonrpc.Request
}

// KeyFunc derives a sub-key for a request within its group.
// An empty key batches the request with the rest of the group.
type KeyFunc interface {
	PartitionKey(group string, req *jsonrpc.Request) (string, error)
}

// RetryConfig controls retrying a failed batch on another upstream
type RetryConfig struct {
	Enabled         bool
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}
