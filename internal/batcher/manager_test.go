package batcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type sentBatch struct {
	key  string
	reqs []IdentifiedRequest[string]
}

type echoSender struct {
	mu      sync.Mutex
	batches []sentBatch
	sent    chan sentBatch

	// respond builds the batch response; defaults to echoing every request
	respond func(reqs []IdentifiedRequest[string]) ([]Outcome[string], error)
}

func newEchoSender() *echoSender {
	return &echoSender{sent: make(chan sentBatch, 128)}
}

func (s *echoSender) Send(_ context.Context, key string, reqs []IdentifiedRequest[string]) ([]Outcome[string], error) {
	batch := sentBatch{key: key, reqs: append([]IdentifiedRequest[string](nil), reqs...)}
	s.mu.Lock()
	s.batches = append(s.batches, batch)
	s.mu.Unlock()
	select {
	case s.sent <- batch:
	default:
	}

	if s.respond != nil {
		return s.respond(reqs)
	}
	out := make([]Outcome[string], len(reqs))
	for i, r := range reqs {
		out[i] = Success(r.ID, "echo:"+r.Request)
	}
	return out, nil
}

func (s *echoSender) Batches() []sentBatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentBatch(nil), s.batches...)
}

func prefixKey(req string) (string, error) {
	key, _, ok := strings.Cut(req, ":")
	if !ok {
		return "", fmt.Errorf("request %q has no key", req)
	}
	return key, nil
}

func identity(resp []Outcome[string]) []Outcome[string] { return resp }

type testManager struct {
	*Manager[string, string, []Outcome[string]]
	clock   *clockwork.FakeClock
	sender  *echoSender
	metrics *Metrics
}

func newTestManager(t *testing.T, cfg Config, sender *echoSender) *testManager {
	t.Helper()

	clock := clockwork.NewFakeClock()
	metrics := NewMetrics(prometheus.NewRegistry())

	m, err := NewManager(ManagerConfig[string, string, []Outcome[string]]{
		Config:         cfg,
		KeyMapper:      prefixKey,
		Send:           sender.Send,
		ResponseMapper: identity,
		Logger:         zerolog.Nop(),
		Clock:          clock,
		Metrics:        metrics,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = m.Close(context.Background())
	})
	return &testManager{Manager: m, clock: clock, sender: sender, metrics: metrics}
}

func testConfig(maxItems int) Config {
	cfg := DefaultConfig()
	cfg.MaxBatchItems = maxItems
	cfg.MaxBufferSize = 100
	cfg.FlushInterval = 100 * time.Millisecond
	cfg.IdleKeyTimeout = 0
	cfg.MaxInFlightBatches = 4
	return cfg
}

func waitAll(t *testing.T, futures []*Future[string]) ([]string, []error) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	values := make([]string, len(futures))
	errs := make([]error, len(futures))
	for i, f := range futures {
		values[i], errs[i] = f.Wait(ctx)
		require.False(t, errors.Is(errs[i], context.DeadlineExceeded), "future %d never resolved", i)
	}
	return values, errs
}

func submitAll(t *testing.T, m *testManager, reqs ...string) []*Future[string] {
	t.Helper()

	futures := make([]*Future[string], len(reqs))
	for i, req := range reqs {
		f, err := m.Submit(req)
		require.NoError(t, err)
		futures[i] = f
	}
	return futures
}

func TestNewManager_ValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := NewManager(ManagerConfig[string, string, []Outcome[string]]{
		Config:         testConfig(5),
		Send:           newEchoSender().Send,
		ResponseMapper: identity,
	})
	require.Error(t, err)

	cfg := testConfig(5)
	cfg.MaxBufferSize = 2
	_, err = NewManager(ManagerConfig[string, string, []Outcome[string]]{
		Config:         cfg,
		KeyMapper:      prefixKey,
		Send:           newEchoSender().Send,
		ResponseMapper: identity,
	})
	require.Error(t, err)
}

func TestManager_SizeTriggeredFlush(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, testConfig(5), newEchoSender())

	futures := submitAll(t, m, "a:0", "a:1", "a:2", "a:3", "a:4")
	values, errs := waitAll(t, futures)
	for i := range futures {
		require.NoError(t, errs[i])
		require.Equal(t, fmt.Sprintf("echo:a:%d", i), values[i])
	}

	batches := m.sender.Batches()
	require.Len(t, batches, 1)
	require.Equal(t, "a", batches[0].key)
	require.Len(t, batches[0].reqs, 5)
	for i, r := range batches[0].reqs {
		require.Equal(t, fmt.Sprint(i), r.ID)
	}

	require.Equal(t, float64(1), testutil.ToFloat64(m.metrics.Flushes.WithLabelValues(TriggerSize)))
	require.Equal(t, float64(5), testutil.ToFloat64(m.metrics.Results.WithLabelValues(OutcomeSuccess)))
	require.Zero(t, m.Len("a"))

	// The timer fires on an empty buffer and sends nothing more.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.clock.Advance(100 * time.Millisecond)
	require.NoError(t, m.clock.BlockUntilContext(ctx, 1))

	require.Zero(t, testutil.ToFloat64(m.metrics.Flushes.WithLabelValues(TriggerTimer)))
	require.Len(t, m.sender.Batches(), 1)
}

func TestManager_TimerTriggeredFlush(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, testConfig(10), newEchoSender())

	futures := submitAll(t, m, "a:x", "a:y")
	require.Empty(t, m.sender.Batches())
	require.Equal(t, 2, m.Len("a"))

	m.clock.Advance(100 * time.Millisecond)

	values, errs := waitAll(t, futures)
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.Equal(t, []string{"echo:a:x", "echo:a:y"}, values)

	batches := m.sender.Batches()
	require.Len(t, batches, 1)
	require.Len(t, batches[0].reqs, 2)
	require.Equal(t, float64(1), testutil.ToFloat64(m.metrics.Flushes.WithLabelValues(TriggerTimer)))
}

func TestManager_TimerRearmsAfterEmptyFire(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, testConfig(10), newEchoSender())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	futures := submitAll(t, m, "a:1")
	m.clock.Advance(100 * time.Millisecond)
	waitAll(t, futures)

	// Fire once with nothing buffered; the timer must come back.
	require.NoError(t, m.clock.BlockUntilContext(ctx, 1))
	m.clock.Advance(100 * time.Millisecond)
	require.NoError(t, m.clock.BlockUntilContext(ctx, 1))

	futures = submitAll(t, m, "a:2")
	m.clock.Advance(100 * time.Millisecond)
	values, errs := waitAll(t, futures)
	require.NoError(t, errs[0])
	require.Equal(t, "echo:a:2", values[0])
	require.Len(t, m.sender.Batches(), 2)
}

func TestManager_KeysAreIndependent(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, testConfig(2), newEchoSender())

	futures := submitAll(t, m, "a:1", "b:1", "a:2")
	_, errs := waitAll(t, []*Future[string]{futures[0], futures[2]})
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	_, ok, _ := futures[1].Result()
	require.False(t, ok)
	require.Equal(t, 1, m.Len("b"))
	require.Equal(t, []string{"a", "b"}, m.Keys())

	batches := m.sender.Batches()
	require.Len(t, batches, 1)
	require.Equal(t, "a", batches[0].key)
	// Each key numbers its requests independently.
	require.Equal(t, "0", batches[0].reqs[0].ID)
	require.Equal(t, "1", batches[0].reqs[1].ID)
}

func TestManager_TransportErrorSharedByBatch(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection reset")
	sender := newEchoSender()
	sender.respond = func([]IdentifiedRequest[string]) ([]Outcome[string], error) {
		return nil, cause
	}
	m := newTestManager(t, testConfig(3), sender)

	_, errs := waitAll(t, submitAll(t, m, "a:1", "a:2", "a:3"))

	var first *TransportError
	require.ErrorAs(t, errs[0], &first)
	require.Equal(t, "a", first.Key)
	require.ErrorIs(t, errs[0], cause)
	for _, err := range errs[1:] {
		var te *TransportError
		require.ErrorAs(t, err, &te)
		require.Same(t, first, te)
	}
	require.Equal(t, float64(3), testutil.ToFloat64(m.metrics.Results.WithLabelValues(OutcomeTransport)))
}

func TestManager_SendPanicFailsBatch(t *testing.T) {
	t.Parallel()

	sender := newEchoSender()
	sender.respond = func([]IdentifiedRequest[string]) ([]Outcome[string], error) {
		panic("upstream client bug")
	}
	m := newTestManager(t, testConfig(2), sender)

	_, errs := waitAll(t, submitAll(t, m, "a:1", "a:2"))
	for _, err := range errs {
		var transportErr *TransportError
		require.ErrorAs(t, err, &transportErr)
		require.Equal(t, "a", transportErr.Key)
		require.ErrorContains(t, err, "upstream client bug")
	}
	require.Equal(t, float64(2), testutil.ToFloat64(m.metrics.Results.WithLabelValues(OutcomeTransport)))

	// Nothing stays in flight, so the key can retire.
	require.Eventually(t, func() bool {
		return m.Retire("a")
	}, 5*time.Second, 10*time.Millisecond)
}

func TestManager_MapperPanicFailsBatch(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	metrics := NewMetrics(prometheus.NewRegistry())
	m, err := NewManager(ManagerConfig[string, string, []Outcome[string]]{
		Config:    testConfig(2),
		KeyMapper: prefixKey,
		Send:      newEchoSender().Send,
		ResponseMapper: func([]Outcome[string]) []Outcome[string] {
			panic("bad response")
		},
		Logger:  zerolog.Nop(),
		Clock:   clock,
		Metrics: metrics,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	futures := make([]*Future[string], 0, 2)
	for _, req := range []string{"b:1", "b:2"} {
		f, err := m.Submit(req)
		require.NoError(t, err)
		futures = append(futures, f)
	}

	_, errs := waitAll(t, futures)
	for _, err := range errs {
		var transportErr *TransportError
		require.ErrorAs(t, err, &transportErr)
		require.ErrorContains(t, err, "bad response")
	}
	require.Eventually(t, func() bool {
		return m.Retire("b")
	}, 5*time.Second, 10*time.Millisecond)
}

func TestManager_MixedOutcomes(t *testing.T) {
	t.Parallel()

	rejected := errors.New("invalid params")
	sender := newEchoSender()
	sender.respond = func(reqs []IdentifiedRequest[string]) ([]Outcome[string], error) {
		// Out of order on purpose.
		return []Outcome[string]{
			Success(reqs[2].ID, "c"),
			Failure[string](reqs[1].ID, rejected),
			Success(reqs[0].ID, "a"),
		}, nil
	}
	m := newTestManager(t, testConfig(3), sender)

	values, errs := waitAll(t, submitAll(t, m, "k:1", "k:2", "k:3"))

	require.NoError(t, errs[0])
	require.Equal(t, "a", values[0])
	require.NoError(t, errs[2])
	require.Equal(t, "c", values[2])

	var appErr *ApplicationError
	require.ErrorAs(t, errs[1], &appErr)
	require.Equal(t, "1", appErr.ID)
	require.ErrorIs(t, errs[1], rejected)
}

func TestManager_MissingAndUnknownIDs(t *testing.T) {
	t.Parallel()

	sender := newEchoSender()
	sender.respond = func(reqs []IdentifiedRequest[string]) ([]Outcome[string], error) {
		return []Outcome[string]{
			Success(reqs[0].ID, "ok"),
			Success(reqs[0].ID, "duplicate"),
			Success("999", "stranger"),
		}, nil
	}
	m := newTestManager(t, testConfig(2), sender)

	values, errs := waitAll(t, submitAll(t, m, "k:1", "k:2"))

	require.NoError(t, errs[0])
	require.Equal(t, "ok", values[0])

	var appErr *ApplicationError
	require.ErrorAs(t, errs[1], &appErr)
	require.Equal(t, "1", appErr.ID)
	require.ErrorIs(t, errs[1], ErrMissingResponse)
	require.Equal(t, float64(1), testutil.ToFloat64(m.metrics.Results.WithLabelValues(OutcomeMissing)))
}

func TestManager_RejectsUnmappableRequest(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, testConfig(10), newEchoSender())

	_, err := m.Submit("no-key")
	require.Error(t, err)
	require.Empty(t, m.Keys())
	require.Equal(t, float64(1), testutil.ToFloat64(m.metrics.Rejected.WithLabelValues(RejectKey)))
	require.Zero(t, testutil.ToFloat64(m.metrics.Submitted))
}

func TestManager_SubmitRejectsFullBuffer(t *testing.T) {
	t.Parallel()

	cfg := testConfig(10)
	cfg.MaxBufferSize = 10
	m := newTestManager(t, cfg, newEchoSender())

	b := m.buffer("a")
	for i := 0; i < 10; i++ {
		_, _, err := b.submit("a:fill", m.clock.Now())
		require.NoError(t, err)
	}

	_, err := m.Submit("a:overflow")
	require.ErrorIs(t, err, ErrCapacityExceeded)
	require.Equal(t, float64(1), testutil.ToFloat64(m.metrics.Rejected.WithLabelValues(RejectCapacity)))
}

func TestManager_CloseFailsBufferedRequests(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, testConfig(10), newEchoSender())

	futures := submitAll(t, m, "a:1", "b:1", "b:2")
	require.NoError(t, m.Close(context.Background()))

	_, errs := waitAll(t, futures)
	for _, err := range errs {
		require.ErrorIs(t, err, ErrManagerClosed)
	}
	require.Empty(t, m.sender.Batches())
	require.Empty(t, m.Keys())

	_, err := m.Submit("a:2")
	require.ErrorIs(t, err, ErrManagerClosed)

	// Closing twice is harmless.
	require.NoError(t, m.Close(context.Background()))
}

func TestManager_CloseWaitsForInFlight(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	sender := newEchoSender()
	sender.respond = func(reqs []IdentifiedRequest[string]) ([]Outcome[string], error) {
		<-release
		return []Outcome[string]{Success(reqs[0].ID, "done")}, nil
	}
	m := newTestManager(t, testConfig(1), sender)

	futures := submitAll(t, m, "a:1")
	<-sender.sent

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, m.Close(ctx), context.DeadlineExceeded)

	close(release)
	values, errs := waitAll(t, futures)
	require.NoError(t, errs[0])
	require.Equal(t, "done", values[0])
}

func TestManager_RetiresIdleKeys(t *testing.T) {
	t.Parallel()

	cfg := testConfig(1)
	cfg.IdleKeyTimeout = 300 * time.Millisecond
	m := newTestManager(t, cfg, newEchoSender())

	waitAll(t, submitAll(t, m, "a:1"))
	require.Equal(t, []string{"a"}, m.Keys())

	require.Eventually(t, func() bool {
		m.clock.Advance(100 * time.Millisecond)
		return len(m.Keys()) == 0
	}, 5*time.Second, 10*time.Millisecond)
	require.Zero(t, testutil.ToFloat64(m.metrics.ActiveKeys))

	// The key comes back on demand with a fresh buffer.
	values, errs := waitAll(t, submitAll(t, m, "a:2"))
	require.NoError(t, errs[0])
	require.Equal(t, "echo:a:2", values[0])
	require.Equal(t, []string{"a"}, m.Keys())
}

func TestManager_RetireRefusesBusyKey(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, testConfig(10), newEchoSender())

	submitAll(t, m, "a:1")
	require.False(t, m.Retire("a"))
	require.False(t, m.Retire("missing"))

	m.clock.Advance(100 * time.Millisecond)
	require.Eventually(t, func() bool {
		return m.Retire("a")
	}, 5*time.Second, 10*time.Millisecond)
	require.Empty(t, m.Keys())
}

func TestManager_ConcurrentExactlyOnce(t *testing.T) {
	t.Parallel()

	const (
		keys      = 4
		producers = 8
		perWorker = 100
	)
	cfg := testConfig(7)
	cfg.MaxBufferSize = producers * perWorker
	m := newTestManager(t, cfg, newEchoSender())

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		futures = make(map[string]*Future[string])
	)
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				req := fmt.Sprintf("k%d:%d-%d", i%keys, p, i)
				f, err := m.Submit(req)
				if err != nil {
					t.Errorf("submit %s: %v", req, err)
					return
				}
				mu.Lock()
				futures[req] = f
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()

	// Flush whatever is left below the size threshold.
	require.Eventually(t, func() bool {
		m.clock.Advance(100 * time.Millisecond)
		for _, f := range futures {
			if _, ok, _ := f.Result(); !ok {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	for req, f := range futures {
		value, ok, err := f.Result()
		require.True(t, ok)
		require.NoError(t, err)
		require.Equal(t, "echo:"+req, value)
	}

	seen := make(map[string]bool)
	for _, batch := range m.sender.Batches() {
		require.LessOrEqual(t, len(batch.reqs), 7)
		for _, r := range batch.reqs {
			require.False(t, seen[r.Request], "request %s sent twice", r.Request)
			seen[r.Request] = true
			require.True(t, strings.HasPrefix(r.Request, batch.key+":"))
		}
	}
	require.Len(t, seen, producers*perWorker)
}
