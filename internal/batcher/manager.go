package batcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/alitto/pond/v2"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// ManagerConfig holds everything needed to build a Manager
type ManagerConfig[Req, Resp, BatchResp any] struct {
	Config

	KeyMapper      KeyMapper[Req]
	Send           BatchSendFunc[Req, BatchResp]
	ResponseMapper ResponseMapper[BatchResp, Resp]

	Logger  zerolog.Logger
	Clock   clockwork.Clock // defaults to the real clock
	Metrics *Metrics        // defaults to metrics on a private registry
}

// Validate checks the configuration for errors
func (c *ManagerConfig[Req, Resp, BatchResp]) Validate() error {
	if err := c.Config.Validate(); err != nil {
		return err
	}
	if c.KeyMapper == nil {
		return errors.New("key mapper is required")
	}
	if c.Send == nil {
		return errors.New("batch send function is required")
	}
	if c.ResponseMapper == nil {
		return errors.New("response mapper is required")
	}
	return nil
}

// Manager owns one Buffer and one flush timer per partition key, decides
// when each buffer is flushed, and fans batch results back out to the
// submitted requests.
type Manager[Req, Resp, BatchResp any] struct {
	cfg       Config
	keyMapper KeyMapper[Req]
	send      BatchSendFunc[Req, BatchResp]
	mapper    ResponseMapper[BatchResp, Resp]
	clock     clockwork.Clock
	metrics   *Metrics
	logger    zerolog.Logger

	pool   pond.Pool
	ctx    context.Context
	cancel context.CancelFunc

	closed atomic.Bool

	// dispatchMu orders batch dispatch against pool shutdown
	dispatchMu sync.RWMutex
	stopped    bool

	buffers map[string]*Buffer[Req, Resp] // partition key -> buffer
	mu      sync.RWMutex
}

// NewManager creates a new batch manager
func NewManager[Req, Resp, BatchResp any](cfg ManagerConfig[Req, Resp, BatchResp]) (*Manager[Req, Resp, BatchResp], error) {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(prometheus.NewRegistry())
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid batch manager config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager[Req, Resp, BatchResp]{
		cfg:       cfg.Config,
		keyMapper: cfg.KeyMapper,
		send:      cfg.Send,
		mapper:    cfg.ResponseMapper,
		clock:     cfg.Clock,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger.With().Str("component", "batcher").Logger(),
		pool:      pond.NewPool(cfg.MaxInFlightBatches),
		ctx:       ctx,
		cancel:    cancel,
		buffers:   make(map[string]*Buffer[Req, Resp]),
	}, nil
}

// Submit routes a request to its key's buffer and returns its result handle.
// It never blocks on I/O: a full buffer fails immediately with
// ErrCapacityExceeded. When the buffer reaches MaxBatchItems the batch is
// extracted on the calling goroutine and handed to the send pool.
func (m *Manager[Req, Resp, BatchResp]) Submit(req Req) (*Future[Resp], error) {
	if m.closed.Load() {
		m.metrics.Rejected.WithLabelValues(RejectClosed).Inc()
		return nil, ErrManagerClosed
	}

	key, err := m.keyMapper(req)
	if err != nil {
		m.metrics.Rejected.WithLabelValues(RejectKey).Inc()
		return nil, fmt.Errorf("failed to map partition key: %w", err)
	}

	for {
		b := m.buffer(key)
		if b == nil {
			m.metrics.Rejected.WithLabelValues(RejectClosed).Inc()
			return nil, ErrManagerClosed
		}

		fut, size, err := b.submit(req, m.clock.Now())
		if errors.Is(err, errBufferRetired) {
			// Retired between lookup and submit; retry against a fresh buffer.
			continue
		}
		if err != nil {
			m.metrics.Rejected.WithLabelValues(RejectCapacity).Inc()
			return nil, fmt.Errorf("key %q: %w", key, err)
		}

		m.metrics.Submitted.Inc()
		m.metrics.Buffered.Inc()

		if size >= m.cfg.MaxBatchItems {
			m.flushFull(key, b)
		}
		return fut, nil
	}
}

// buffer returns the buffer for key, creating it and arming its timer on
// first use. Returns nil once the manager is closed.
func (m *Manager[Req, Resp, BatchResp]) buffer(key string) *Buffer[Req, Resp] {
	m.mu.RLock()
	b := m.buffers[key]
	m.mu.RUnlock()
	if b != nil {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed.Load() {
		return nil
	}
	if b = m.buffers[key]; b != nil {
		return b
	}

	b = NewBuffer[Req, Resp](m.cfg.MaxBufferSize)
	b.lastActive = m.clock.Now()
	m.buffers[key] = b
	m.armTimer(key, b)
	m.metrics.ActiveKeys.Inc()

	m.logger.Debug().Str("key", key).Msg("created partition buffer")
	return b
}

// armTimer replaces the key's flush timer with a fresh one
func (m *Manager[Req, Resp, BatchResp]) armTimer(key string, b *Buffer[Req, Resp]) {
	b.rearmWith(func(token *timerToken) clockwork.Timer {
		return m.clock.AfterFunc(m.cfg.FlushInterval, func() {
			m.onTimer(key, b, token)
		})
	})
}

// flushFull runs the size-triggered flush for a key
func (m *Manager[Req, Resp, BatchResp]) flushFull(key string, b *Buffer[Req, Resp]) {
	batch := b.extract(m.cfg.MaxBatchItems, true, true)
	if len(batch) == 0 {
		// Another flush took the entries first.
		return
	}
	m.armTimer(key, b)
	m.dispatch(key, b, batch, TriggerSize)
}

// onTimer runs the timer-triggered flush for a key. Partial batches are sent;
// the timer is re-armed whether or not anything was found, unless the key
// has been idle long enough to be retired.
func (m *Manager[Req, Resp, BatchResp]) onTimer(key string, b *Buffer[Req, Resp], token *timerToken) {
	if !b.isCurrentTimer(token) {
		return
	}

	batch := b.extract(m.cfg.MaxBatchItems, false, true)
	if len(batch) == 0 && m.retireIfIdle(key, b) {
		return
	}

	m.armTimer(key, b)
	if len(batch) > 0 {
		m.dispatch(key, b, batch, TriggerTimer)
	}
}

// retireIfIdle retires the key when it has been idle past IdleKeyTimeout
func (m *Manager[Req, Resp, BatchResp]) retireIfIdle(key string, b *Buffer[Req, Resp]) bool {
	if m.cfg.IdleKeyTimeout <= 0 {
		return false
	}
	idle, ok := b.idleFor(m.clock.Now())
	if !ok || idle < m.cfg.IdleKeyTimeout {
		return false
	}
	return m.retire(key, b)
}

// Retire evicts a key whose buffer is empty and has no batch in flight.
// A later Submit for the key creates a fresh buffer.
func (m *Manager[Req, Resp, BatchResp]) Retire(key string) bool {
	m.mu.RLock()
	b := m.buffers[key]
	m.mu.RUnlock()
	if b == nil {
		return false
	}
	return m.retire(key, b)
}

func (m *Manager[Req, Resp, BatchResp]) retire(key string, b *Buffer[Req, Resp]) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.buffers[key] != b || !b.retire() {
		return false
	}
	delete(m.buffers, key)
	m.metrics.ActiveKeys.Dec()

	m.logger.Debug().Str("key", key).Msg("retired idle partition buffer")
	return true
}

// dispatch hands an extracted batch to the send pool
func (m *Manager[Req, Resp, BatchResp]) dispatch(key string, b *Buffer[Req, Resp], batch []*PendingEntry[Req, Resp], trigger string) {
	m.metrics.Buffered.Sub(float64(len(batch)))
	m.metrics.Flushes.WithLabelValues(trigger).Inc()
	m.metrics.BatchSize.Observe(float64(len(batch)))

	reqs := make([]IdentifiedRequest[Req], len(batch))
	for i, entry := range batch {
		reqs[i] = IdentifiedRequest[Req]{ID: entry.CorrelationID(), Request: entry.Request}
	}

	m.logger.Debug().
		Str("key", key).
		Str("trigger", trigger).
		Int("items", len(batch)).
		Str("firstId", reqs[0].ID).
		Msg("flushing batch")

	m.dispatchMu.RLock()
	defer m.dispatchMu.RUnlock()

	if m.stopped {
		m.resolveAll(batch, ErrManagerClosed, OutcomeClosed)
		b.finishBatch(m.clock.Now())
		return
	}

	m.pool.Submit(func() {
		defer func() { b.finishBatch(m.clock.Now()) }()
		defer m.recoverBatch(key, batch)

		start := m.clock.Now()
		resp, err := m.send(m.ctx, key, reqs)
		m.metrics.SendDuration.Observe(m.clock.Since(start).Seconds())

		m.complete(key, batch, resp, err)
	})
}

// recoverBatch turns a panic in the send function or the response mapper
// into a transport failure of the whole batch. Entries already resolved
// keep their result.
func (m *Manager[Req, Resp, BatchResp]) recoverBatch(key string, batch []*PendingEntry[Req, Resp]) {
	r := recover()
	if r == nil {
		return
	}
	err := fmt.Errorf("batch send panicked: %v", r)
	m.logger.Error().
		Err(err).
		Str("key", key).
		Int("items", len(batch)).
		Msg("batch send panicked")

	var zero Resp
	failed := 0
	for _, entry := range batch {
		if entry.Result.complete(zero, &TransportError{Key: key, Err: err}) {
			failed++
		}
	}
	m.metrics.Results.WithLabelValues(OutcomeTransport).Add(float64(failed))
}

// complete resolves every entry of a sent batch
func (m *Manager[Req, Resp, BatchResp]) complete(key string, batch []*PendingEntry[Req, Resp], resp BatchResp, err error) {
	if err != nil {
		m.logger.Error().
			Err(err).
			Str("key", key).
			Int("items", len(batch)).
			Msg("batch send failed")
		m.resolveAll(batch, &TransportError{Key: key, Err: err}, OutcomeTransport)
		return
	}

	pending := make(map[string]*PendingEntry[Req, Resp], len(batch))
	for _, entry := range batch {
		pending[entry.CorrelationID()] = entry
	}

	var zero Resp
	for _, outcome := range m.mapper(resp) {
		entry, ok := pending[outcome.ID]
		if !ok {
			m.logger.Warn().
				Str("key", key).
				Str("id", outcome.ID).
				Msg("batch response has unknown or duplicate id")
			continue
		}
		delete(pending, outcome.ID)

		if outcome.Err != nil {
			entry.Result.complete(zero, &ApplicationError{ID: outcome.ID, Err: outcome.Err})
			m.metrics.Results.WithLabelValues(OutcomeApplication).Inc()
			continue
		}
		entry.Result.complete(outcome.Response, nil)
		m.metrics.Results.WithLabelValues(OutcomeSuccess).Inc()
	}

	if len(pending) == 0 {
		m.logger.Debug().Str("key", key).Int("items", len(batch)).Msg("batch completed")
		return
	}

	missing := make([]string, 0, len(pending))
	for _, entry := range batch {
		id := entry.CorrelationID()
		if _, ok := pending[id]; !ok {
			continue
		}
		missing = append(missing, id)
		entry.Result.complete(zero, &ApplicationError{ID: id, Err: ErrMissingResponse})
		m.metrics.Results.WithLabelValues(OutcomeMissing).Inc()
	}

	m.logger.Warn().
		Str("key", key).
		Strs("ids", missing).
		Int("items", len(batch)).
		Msg("batch response is missing requests")
}

// resolveAll fails every entry with the same error
func (m *Manager[Req, Resp, BatchResp]) resolveAll(batch []*PendingEntry[Req, Resp], err error, outcome string) {
	var zero Resp
	for _, entry := range batch {
		entry.Result.complete(zero, err)
	}
	m.metrics.Results.WithLabelValues(outcome).Add(float64(len(batch)))
}

// Close stops every flush timer and fails every still-buffered request with
// ErrManagerClosed; nothing buffered is sent. It then waits for in-flight
// batches until ctx is done, at which point their send context is cancelled.
func (m *Manager[Req, Resp, BatchResp]) Close(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	m.mu.Lock()
	buffers := m.buffers
	m.buffers = make(map[string]*Buffer[Req, Resp])
	m.mu.Unlock()

	abandoned := 0
	for _, b := range buffers {
		remaining := b.close()
		m.metrics.ActiveKeys.Dec()
		if len(remaining) == 0 {
			continue
		}
		m.metrics.Buffered.Sub(float64(len(remaining)))
		m.resolveAll(remaining, ErrManagerClosed, OutcomeClosed)
		abandoned += len(remaining)
	}

	m.dispatchMu.Lock()
	m.stopped = true
	m.dispatchMu.Unlock()

	done := make(chan struct{})
	go func() {
		m.pool.StopAndWait()
		close(done)
	}()

	defer m.cancel()

	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn().Msg("batch manager closed before in-flight batches completed")
		return fmt.Errorf("waiting for in-flight batches: %w", ctx.Err())
	}

	m.logger.Info().
		Int("keys", len(buffers)).
		Int("abandoned", abandoned).
		Msg("batch manager closed")
	return nil
}

// Len returns the number of requests buffered for key
func (m *Manager[Req, Resp, BatchResp]) Len(key string) int {
	m.mu.RLock()
	b := m.buffers[key]
	m.mu.RUnlock()
	if b == nil {
		return 0
	}
	return b.Len()
}

// Keys returns the partition keys that currently have a buffer
func (m *Manager[Req, Resp, BatchResp]) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.buffers))
	for key := range m.buffers {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
