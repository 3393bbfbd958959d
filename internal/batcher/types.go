package batcher

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Default values
const (
	DefaultMaxBatchItems      = 10
	DefaultMaxBufferSize      = 500
	DefaultFlushInterval      = 200 * time.Millisecond
	DefaultIdleKeyTimeout     = 5 * time.Minute
	DefaultMaxInFlightBatches = 64

	// MaxBufferSizeLimit keeps buffered ids far below the uint32 id range so a
	// wrapped id can never collide with one still buffered.
	MaxBufferSizeLimit = 1 << 20
)

// Config holds the batching options shared by every partition key
type Config struct {
	MaxBatchItems      int           // eager flush threshold and cap per flush
	MaxBufferSize      int           // hard cap of buffered requests per key
	FlushInterval      time.Duration // per-key timer period
	IdleKeyTimeout     time.Duration // retire idle keys after this long, 0 disables
	MaxInFlightBatches int           // concurrent send calls
}

// DefaultConfig returns a Config populated with default values
func DefaultConfig() Config {
	return Config{
		MaxBatchItems:      DefaultMaxBatchItems,
		MaxBufferSize:      DefaultMaxBufferSize,
		FlushInterval:      DefaultFlushInterval,
		IdleKeyTimeout:     DefaultIdleKeyTimeout,
		MaxInFlightBatches: DefaultMaxInFlightBatches,
	}
}

// Validate checks the options for errors
func (c Config) Validate() error {
	if c.MaxBatchItems <= 0 {
		return fmt.Errorf("maxBatchItems must be positive")
	}
	if c.MaxBufferSize < c.MaxBatchItems {
		return fmt.Errorf("maxBufferSize (%d) must be at least maxBatchItems (%d)", c.MaxBufferSize, c.MaxBatchItems)
	}
	if c.MaxBufferSize > MaxBufferSizeLimit {
		return fmt.Errorf("maxBufferSize must not exceed %d", MaxBufferSizeLimit)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flushInterval must be positive")
	}
	if c.IdleKeyTimeout < 0 {
		return fmt.Errorf("idleKeyTimeout must be non-negative")
	}
	if c.MaxInFlightBatches <= 0 {
		return fmt.Errorf("maxInFlightBatches must be positive")
	}
	return nil
}

// IdentifiedRequest pairs a request with the correlation id it carries in a batch
type IdentifiedRequest[Req any] struct {
	ID      string
	Request Req
}

// Outcome is the result for one correlation id of a batch response.
// A non-nil Err marks an application-level failure for that id.
type Outcome[Resp any] struct {
	ID       string
	Response Resp
	Err      error
}

// Success builds a successful outcome
func Success[Resp any](id string, resp Resp) Outcome[Resp] {
	return Outcome[Resp]{ID: id, Response: resp}
}

// Failure builds a failed outcome
func Failure[Resp any](id string, err error) Outcome[Resp] {
	return Outcome[Resp]{ID: id, Err: err}
}

// KeyMapper returns the partition key of a request. Requests with the same
// key must be safe to send together in one batch.
type KeyMapper[Req any] func(req Req) (string, error)

// BatchSendFunc performs one batched remote call for the requests of a key.
// It may fail as a unit.
type BatchSendFunc[Req, BatchResp any] func(ctx context.Context, key string, reqs []IdentifiedRequest[Req]) (BatchResp, error)

// ResponseMapper splits a batch response into per-id outcomes
type ResponseMapper[BatchResp, Resp any] func(resp BatchResp) []Outcome[Resp]

// formatID renders a buffer id as the correlation id sent on the wire
func formatID(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}
