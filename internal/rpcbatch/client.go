package rpcbatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"rpcbatcher/internal/batcher"
	"rpcbatcher/internal/cache"
	"rpcbatcher/internal/jsonrpc"
	"rpcbatcher/internal/upstream"
)

// Manager is the batch manager specialised for JSON-RPC calls
type Manager = batcher.Manager[*Call, *jsonrpc.Response, []*jsonrpc.Response]

// Options for creating a Client
type Options struct {
	Batching       batcher.Config
	Pools          []*upstream.Pool
	Retry          RetryConfig
	RequestTimeout time.Duration

	KeyScript    KeyFunc     // optional
	Cache        cache.Cache // optional
	CacheMethods []string

	Clock      clockwork.Clock       // defaults to the real clock
	Registerer prometheus.Registerer // defaults to a private registry
	Logger     zerolog.Logger
}

// Client coalesces individual JSON-RPC calls into upstream batches
type Client struct {
	manager *Manager
	sender  *Sender
	script  KeyFunc
	cache   cache.Cache
	policy  *cache.Policy
	logger  zerolog.Logger
}

// NewClient creates a Client and its batch manager
func NewClient(opts Options) (*Client, error) {
	if opts.Registerer == nil {
		opts.Registerer = prometheus.NewRegistry()
	}
	if opts.Cache == nil {
		opts.Cache = cache.NewNoopCache()
	}

	c := &Client{
		sender: NewSender(opts.Pools, opts.Retry, opts.RequestTimeout, opts.Logger),
		script: opts.KeyScript,
		cache:  opts.Cache,
		policy: cache.NewPolicy(opts.CacheMethods),
		logger: opts.Logger.With().Str("component", "rpcbatch").Logger(),
	}

	manager, err := batcher.NewManager(batcher.ManagerConfig[*Call, *jsonrpc.Response, []*jsonrpc.Response]{
		Config:         opts.Batching,
		KeyMapper:      c.PartitionKey,
		Send:           c.sender.Send,
		ResponseMapper: MapResponses,
		Logger:         opts.Logger,
		Clock:          opts.Clock,
		Metrics:        batcher.NewMetrics(opts.Registerer),
	})
	if err != nil {
		return nil, err
	}
	c.manager = manager

	return c, nil
}

// PartitionKey maps a call to its group, or to group/subkey when a key script is configured
func (c *Client) PartitionKey(call *Call) (string, error) {
	if call == nil || call.Request == nil {
		return "", errors.New("empty call")
	}
	if !c.sender.HasGroup(call.Group) {
		return "", fmt.Errorf("%w: %s", ErrUnknownGroup, call.Group)
	}
	if c.script == nil {
		return call.Group, nil
	}

	key, err := c.script.PartitionKey(call.Group, call.Request)
	if err != nil {
		return "", err
	}
	if key == "" {
		return call.Group, nil
	}
	return call.Group + "/" + key, nil
}

// Call submits a request for batching and waits for its response.
//
// A JSON-RPC error returned by the upstream for this request comes back as an
// error response carrying the caller's id. Rejection, transport failure,
// a missing response and shutdown are returned as Go errors.
func (c *Client) Call(ctx context.Context, group string, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	cacheable := c.policy.IsCacheable(req.Method, req.Params)
	var cacheKey string
	if cacheable {
		cacheKey = cache.GenerateCacheKey(group, req.Method, req.Params)
		if result, ok := c.cache.Get(cacheKey); ok {
			c.logger.Debug().Str("method", req.Method).Msg("cache hit")
			return jsonrpc.NewResponseRaw(req.ID, result), nil
		}
	}

	future, err := c.manager.Submit(&Call{Group: group, Request: req})
	if err != nil {
		return nil, err
	}

	resp, err := future.Wait(ctx)
	if err != nil {
		var rpcErr *jsonrpc.Error
		if errors.As(err, &rpcErr) {
			return jsonrpc.NewErrorResponse(req.ID, rpcErr), nil
		}
		return nil, err
	}

	if cacheable && !resp.ResultIsNull() {
		c.cache.Set(cacheKey, resp.Result)
	}
	return resp.WithID(req.ID), nil
}

// Manager returns the underlying batch manager
func (c *Client) Manager() *Manager {
	return c.manager
}

// Close stops accepting calls, fails buffered ones and waits for in-flight batches
func (c *Client) Close(ctx context.Context) error {
	return c.manager.Close(ctx)
}
