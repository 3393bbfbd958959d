package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"rpcbatcher/internal/cache"
	"rpcbatcher/internal/config"
	"rpcbatcher/internal/keyscript"
	"rpcbatcher/internal/proxy"
	"rpcbatcher/internal/rpcbatch"
	"rpcbatcher/internal/upstream"
	"rpcbatcher/internal/ws"
)

// Server represents the main server
type Server struct {
	cfg      *config.Config
	router   *proxy.Router
	client   *rpcbatch.Client
	cache    cache.Cache
	registry *prometheus.Registry

	rpcServer     *http.Server
	wsServer      *http.Server
	metricsServer *http.Server
	rpcAddr       string

	logger zerolog.Logger
}

// New creates a new Server
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	router := proxy.NewRouter()
	pools := make([]*upstream.Pool, 0, len(cfg.Groups))
	for _, groupCfg := range cfg.Groups {
		pool := upstream.NewPool(groupCfg, cfg, logger)
		router.AddPool(pool)
		pools = append(pools, pool)
		logger.Info().
			Str("group", groupCfg.Name).
			Int("upstreams", len(groupCfg.Upstreams)).
			Msg("added group")
	}

	var rpcCache cache.Cache
	var cacheMethods []string
	if cfg.IsCacheEnabled() {
		rpcCache = cache.NewMemoryCache(cfg.Cache.Size, cfg.Cache.GetTTLDuration())
		cacheMethods = cfg.Cache.Methods
		logger.Info().
			Int("size", cfg.Cache.Size).
			Int("ttl", cfg.Cache.TTL).
			Strs("methods", cacheMethods).
			Msg("cache enabled")
	} else {
		rpcCache = cache.NewNoopCache()
		logger.Info().Msg("cache disabled")
	}

	opts := rpcbatch.Options{
		Batching:       cfg.BatcherConfig(),
		Pools:          pools,
		RequestTimeout: cfg.GetRequestTimeoutDuration(),
		Cache:          rpcCache,
		CacheMethods:   cacheMethods,
		Registerer:     registry,
		Logger:         logger,
	}

	if cfg.IsRetryEnabled() {
		opts.Retry = rpcbatch.RetryConfig{
			Enabled:         true,
			MaxAttempts:     cfg.Retry.MaxAttempts,
			InitialInterval: cfg.Retry.GetInitialIntervalDuration(),
			MaxInterval:     cfg.Retry.GetMaxIntervalDuration(),
		}
	}

	if cfg.KeyScript != "" {
		script, err := keyscript.Load(cfg.KeyScript, logger)
		if err != nil {
			rpcCache.Close()
			return nil, fmt.Errorf("failed to load key script: %w", err)
		}
		opts.KeyScript = script
	}

	client, err := rpcbatch.NewClient(opts)
	if err != nil {
		rpcCache.Close()
		return nil, fmt.Errorf("failed to create batch client: %w", err)
	}

	batching := cfg.BatcherConfig()
	logger.Info().
		Int("maxBatchItems", batching.MaxBatchItems).
		Int("maxBufferSize", batching.MaxBufferSize).
		Dur("flushInterval", batching.FlushInterval).
		Dur("idleKeyTimeout", batching.IdleKeyTimeout).
		Int("maxInFlightBatches", batching.MaxInFlightBatches).
		Bool("keyScript", opts.KeyScript != nil).
		Msg("batching configured")

	return &Server{
		cfg:      cfg,
		router:   router,
		client:   client,
		cache:    rpcCache,
		registry: registry,
		logger:   logger,
	}, nil
}

// Start connects the upstream pools and starts the listeners
func (s *Server) Start(ctx context.Context) error {
	s.router.StartAll(ctx)

	rpcHandler := proxy.NewHandler(s.router, s.client, s.cfg.MaxBodySize, s.logger)

	var err error
	s.rpcServer, s.rpcAddr, err = s.serve("RPC", s.cfg.RPCPort, rpcHandler)
	if err != nil {
		return err
	}

	if s.cfg.WSPort > 0 {
		wsHandler := ws.NewHandler(s.router, rpcHandler, s.logger)
		if s.wsServer, _, err = s.serve("WebSocket", s.cfg.WSPort, wsHandler); err != nil {
			return err
		}
	}

	if s.cfg.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
			Registry: s.registry,
		}))
		if s.metricsServer, _, err = s.serve("metrics", s.cfg.MetricsPort, mux); err != nil {
			return err
		}
	}

	for _, pool := range s.router.Pools() {
		s.logger.Info().
			Str("group", pool.Name()).
			Str("rpc", fmt.Sprintf("http://%s/%s", s.rpcAddr, pool.Name())).
			Msg("endpoint available")
	}

	return nil
}

// serve listens on host:port and serves handler in the background
func (s *Server) serve(name string, port int, handler http.Handler) (*http.Server, string, error) {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(port))
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, "", fmt.Errorf("failed to listen for %s on %s: %w", name, addr, err)
	}

	srv := &http.Server{
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		s.logger.Info().
			Str("addr", lis.Addr().String()).
			Msgf("starting %s server", name)
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msgf("%s server error", name)
		}
	}()

	return srv, lis.Addr().String(), nil
}

// RPCAddr returns the address the RPC listener is bound to
func (s *Server) RPCAddr() string {
	return s.rpcAddr
}

// Stop stops the listeners, then fails buffered requests, waits for
// in-flight batches and closes the upstream connections.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("shutting down server...")

	var errs []error
	for _, srv := range []*http.Server{s.rpcServer, s.wsServer, s.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP server shutdown error: %w", err))
		}
	}

	if err := s.client.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("batch manager shutdown error: %w", err))
	}

	s.router.StopAll()
	s.cache.Close()

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	s.logger.Info().Msg("server stopped")
	return nil
}

// Router returns the router
func (s *Server) Router() *proxy.Router {
	return s.router
}
