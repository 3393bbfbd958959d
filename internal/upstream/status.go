package upstream

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// StatusReporter periodically logs circuit state and traffic of a pool's upstreams
type StatusReporter struct {
	upstreams []*Upstream
	interval  time.Duration
	logger    zerolog.Logger

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewStatusReporter creates a reporter; a non-positive interval disables it
func NewStatusReporter(upstreams []*Upstream, interval time.Duration, logger zerolog.Logger) *StatusReporter {
	return &StatusReporter{
		upstreams: upstreams,
		interval:  interval,
		logger:    logger,
		stop:      make(chan struct{}),
	}
}

// Start starts the logging goroutine
func (r *StatusReporter) Start() {
	if r.interval <= 0 {
		return
	}
	r.wg.Add(1)
	go r.run()
}

// Stop stops the logging goroutine
func (r *StatusReporter) Stop() {
	r.once.Do(func() { close(r.stop) })
	r.wg.Wait()
}

func (r *StatusReporter) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.LogStatus()
		}
	}
}

// LogStatus logs circuit state per role and the traffic since the previous call
func (r *StatusReporter) LogStatus() {
	var availableMain, openMain, availableFallback, openFallback []string
	var total StatsSnapshot

	event := r.logger.Info().Dur("interval", r.interval)

	for _, u := range r.upstreams {
		stats := u.SwapStats()
		total.Batches += stats.Batches
		total.Requests += stats.Requests
		total.Failures += stats.Failures

		entry := fmt.Sprintf("%s(circuit=%s,batches=%d,requests=%d,failures=%d)",
			u.Name(), u.CircuitState(), stats.Batches, stats.Requests, stats.Failures)

		available := u.CircuitState() != cbOpen.String()
		switch {
		case u.IsMain() && available:
			availableMain = append(availableMain, entry)
		case u.IsMain():
			openMain = append(openMain, entry)
		case available:
			availableFallback = append(availableFallback, entry)
		default:
			openFallback = append(openFallback, entry)
		}
	}

	event.
		Strs("availableMain", availableMain).
		Strs("openMain", openMain).
		Strs("availableFallback", availableFallback).
		Strs("openFallback", openFallback).
		Uint64("batches", total.Batches).
		Uint64("requests", total.Requests).
		Uint64("failures", total.Failures).
		Msg("upstreams status")
}
