package rpcbatch

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"rpcbatcher/internal/balancer"
	"rpcbatcher/internal/batcher"
	"rpcbatcher/internal/jsonrpc"
	"rpcbatcher/internal/upstream"
)

// route is the upstream pool of a group and the selector over it
type route struct {
	pool     *upstream.Pool
	selector balancer.Selector
}

// Sender performs batched upstream calls for the batch manager
type Sender struct {
	routes  map[string]*route
	retry   RetryConfig
	timeout time.Duration
	logger  zerolog.Logger
}

// NewSender creates a Sender over the pools of all groups.
// timeout bounds a single attempt, 0 leaves it to the upstream transport.
func NewSender(pools []*upstream.Pool, retry RetryConfig, timeout time.Duration, logger zerolog.Logger) *Sender {
	routes := make(map[string]*route, len(pools))
	for _, pool := range pools {
		routes[pool.Name()] = &route{
			pool:     pool,
			selector: balancer.NewWeightedRoundRobin(pool),
		}
	}
	return &Sender{
		routes:  routes,
		retry:   retry,
		timeout: timeout,
		logger:  logger.With().Str("component", "sender").Logger(),
	}
}

// HasGroup reports whether a pool exists for the group
func (s *Sender) HasGroup(group string) bool {
	_, ok := s.routes[group]
	return ok
}

// Send rewrites each request id to its correlation id and sends the batch to
// one upstream of the group. With retry enabled a failed batch is resent to
// another upstream after an exponential backoff.
func (s *Sender) Send(ctx context.Context, key string, reqs []batcher.IdentifiedRequest[*Call]) ([]*jsonrpc.Response, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	group := reqs[0].Request.Group
	r, ok := s.routes[group]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGroup, group)
	}

	wire := make([]*jsonrpc.Request, len(reqs))
	for i, req := range reqs {
		wire[i] = req.Request.Request.WithID(jsonrpc.NewIDString(req.ID))
	}

	exclude := make(map[string]bool)
	attempt := 0
	var responses []*jsonrpc.Response
	var lastErr error

	operation := func() error {
		attempt++
		u := r.selector.Next(exclude)
		if u == nil {
			return backoff.Permanent(ErrNoUpstreamsAvailable)
		}
		exclude[u.Name()] = true

		resps, err := s.sendOnce(ctx, u, wire)
		if err != nil {
			lastErr = err
			s.logger.Warn().
				Err(err).
				Str("key", key).
				Str("upstream", u.Name()).
				Int("attempt", attempt).
				Int("requests", len(wire)).
				Bool("isFallback", u.IsFallback()).
				Msg("batch request failed")
			return err
		}
		responses = resps
		return nil
	}

	var err error
	if s.retry.Enabled && s.retry.MaxAttempts > 1 {
		err = backoff.Retry(operation, s.backoff(ctx))
	} else {
		err = operation()
	}

	if err == nil {
		return responses, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if lastErr == nil {
		return nil, err
	}
	if attempt > 1 {
		return nil, fmt.Errorf("%w after %d attempts: %v", ErrAllUpstreamsFailed, attempt, lastErr)
	}
	return nil, lastErr
}

func (s *Sender) backoff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(s.retry.InitialInterval),
		backoff.WithMaxInterval(s.retry.MaxInterval),
		backoff.WithMaxElapsedTime(0),
	)
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(s.retry.MaxAttempts-1)), ctx)
}

// sendOnce sends the batch to a single upstream and records the outcome on its circuit breaker
func (s *Sender) sendOnce(ctx context.Context, u *upstream.Upstream, wire []*jsonrpc.Request) ([]*jsonrpc.Response, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	resps, err := u.ExecuteBatch(ctx, wire)
	if err != nil {
		u.RecordFailure()
		return nil, err
	}
	u.RecordSuccess()

	s.logger.Debug().
		Str("upstream", u.Name()).
		Int("requests", len(wire)).
		Int("responses", len(resps)).
		Msg("batch request succeeded")
	return resps, nil
}

// MapResponses turns an upstream batch response into one outcome per
// correlation id. JSON-RPC error objects become failures carrying the
// *jsonrpc.Error.
func MapResponses(resps []*jsonrpc.Response) []batcher.Outcome[*jsonrpc.Response] {
	outcomes := make([]batcher.Outcome[*jsonrpc.Response], 0, len(resps))
	for _, resp := range resps {
		if resp == nil {
			continue
		}
		id := resp.ID.String()
		if resp.HasError() {
			outcomes = append(outcomes, batcher.Failure[*jsonrpc.Response](id, resp.Error))
			continue
		}
		outcomes = append(outcomes, batcher.Success(id, resp))
	}
	return outcomes
}
