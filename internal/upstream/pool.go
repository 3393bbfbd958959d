package upstream

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"rpcbatcher/internal/config"
)

// Pool represents a group of upstreams
type Pool struct {
	name      string
	upstreams []*Upstream
	status    *StatusReporter
	logger    zerolog.Logger

	messageTimeout    time.Duration
	reconnectInterval time.Duration
}

// NewPool creates a new Pool from a group configuration
func NewPool(groupCfg config.GroupConfig, globalCfg *config.Config, logger zerolog.Logger) *Pool {
	poolLogger := logger.With().Str("group", groupCfg.Name).Logger()

	upstreams := make([]*Upstream, 0, len(groupCfg.Upstreams))
	for _, upCfg := range groupCfg.Upstreams {
		upstreams = append(upstreams, NewUpstreamFromConfig(upCfg, globalCfg, poolLogger))
	}

	return NewPoolFromUpstreams(groupCfg.Name, upstreams, globalCfg.GetStatusLogIntervalDuration(), poolLogger).
		withWS(globalCfg.GetUpstreamMessageTimeoutDuration(), globalCfg.GetUpstreamReconnectIntervalDuration())
}

// NewPoolFromUpstreams creates a Pool over already built upstreams
func NewPoolFromUpstreams(name string, upstreams []*Upstream, statusInterval time.Duration, logger zerolog.Logger) *Pool {
	return &Pool{
		name:      name,
		upstreams: upstreams,
		status:    NewStatusReporter(upstreams, statusInterval, logger),
		logger:    logger,
	}
}

func (p *Pool) withWS(messageTimeout, reconnectInterval time.Duration) *Pool {
	p.messageTimeout = messageTimeout
	p.reconnectInterval = reconnectInterval
	return p
}

// Name returns the pool name
func (p *Pool) Name() string {
	return p.name
}

// Start connects the WebSocket upstreams and starts status logging.
// An upstream whose connection fails stays usable over HTTP when it has an rpcUrl.
func (p *Pool) Start(ctx context.Context) {
	for _, u := range p.upstreams {
		if !u.HasWS() {
			continue
		}
		if err := u.StartWS(ctx, p.messageTimeout, p.reconnectInterval); err != nil {
			p.logger.Warn().Err(err).Str("upstream", u.Name()).Msg("failed to start WebSocket")
		}
	}

	p.status.Start()
	p.logger.Info().
		Int("upstreams", len(p.upstreams)).
		Msg("pool started")
}

// Stop stops the pool and closes all connections
func (p *Pool) Stop() {
	p.status.Stop()
	for _, u := range p.upstreams {
		u.Close()
	}
	p.logger.Info().Msg("pool stopped")
}

// GetAvailableMain returns main upstreams whose circuit is not open
func (p *Pool) GetAvailableMain() []*Upstream {
	return p.filter(func(u *Upstream) bool { return u.IsMain() && u.Available() })
}

// GetAvailableFallback returns fallback upstreams whose circuit is not open
func (p *Pool) GetAvailableFallback() []*Upstream {
	return p.filter(func(u *Upstream) bool { return u.IsFallback() && u.Available() })
}

func (p *Pool) filter(keep func(*Upstream) bool) []*Upstream {
	result := make([]*Upstream, 0, len(p.upstreams))
	for _, u := range p.upstreams {
		if keep(u) {
			result = append(result, u)
		}
	}
	return result
}
