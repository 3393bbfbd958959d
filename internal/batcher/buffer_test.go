package batcher

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func ids[Req, Resp any](batch []*PendingEntry[Req, Resp]) []string {
	out := make([]string, len(batch))
	for i, entry := range batch {
		out[i] = entry.CorrelationID()
	}
	return out
}

func TestBuffer_SubmitAssignsSequentialIDs(t *testing.T) {
	t.Parallel()

	b := NewBuffer[string, string](10)
	for _, req := range []string{"a", "b", "c"} {
		_, err := b.Submit(req)
		require.NoError(t, err)
	}
	require.Equal(t, 3, b.Len())

	batch := b.Drain(10)
	require.Equal(t, []string{"0", "1", "2"}, ids(batch))
	require.Equal(t, "a", batch[0].Request)
	require.Equal(t, "c", batch[2].Request)
	require.Zero(t, b.Len())
}

func TestBuffer_SubmitRejectsWhenFull(t *testing.T) {
	t.Parallel()

	b := NewBuffer[int, int](2)
	_, err := b.Submit(1)
	require.NoError(t, err)
	_, err = b.Submit(2)
	require.NoError(t, err)

	fut, err := b.Submit(3)
	require.Nil(t, fut)
	require.ErrorIs(t, err, ErrCapacityExceeded)
	require.Equal(t, 2, b.Len())

	// Freed capacity is usable again and ids keep increasing.
	require.Len(t, b.Drain(1), 1)
	_, err = b.Submit(4)
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2"}, ids(b.Drain(10)))
}

func TestBuffer_TryFlushBelowThreshold(t *testing.T) {
	t.Parallel()

	b := NewBuffer[int, int](10)
	for i := 0; i < 3; i++ {
		_, err := b.Submit(i)
		require.NoError(t, err)
	}

	require.Nil(t, b.TryFlush(5))
	require.Equal(t, 3, b.Len())

	for i := 3; i < 7; i++ {
		_, err := b.Submit(i)
		require.NoError(t, err)
	}

	batch := b.TryFlush(5)
	require.Equal(t, []string{"0", "1", "2", "3", "4"}, ids(batch))
	require.Equal(t, 2, b.Len())
	require.Nil(t, b.TryFlush(5))
}

func TestBuffer_DrainPartial(t *testing.T) {
	t.Parallel()

	b := NewBuffer[int, int](10)
	require.Nil(t, b.Drain(5))

	for i := 0; i < 3; i++ {
		_, err := b.Submit(i)
		require.NoError(t, err)
	}

	require.Equal(t, []string{"0", "1"}, ids(b.Drain(2)))
	require.Equal(t, []string{"2"}, ids(b.Drain(2)))
	require.Nil(t, b.Drain(2))

	_, err := b.Submit(3)
	require.NoError(t, err)
	require.Equal(t, []string{"3"}, ids(b.Drain(2)))
}

func TestBuffer_DrainIgnoresNonPositiveMax(t *testing.T) {
	t.Parallel()

	b := NewBuffer[int, int](10)
	_, err := b.Submit(1)
	require.NoError(t, err)

	require.Nil(t, b.Drain(0))
	require.Nil(t, b.TryFlush(-1))
	require.Equal(t, 1, b.Len())
}

func TestBuffer_IDsWrapAround(t *testing.T) {
	t.Parallel()

	b := newBufferAt[int, int](10, math.MaxUint32-1)
	for i := 0; i < 4; i++ {
		_, err := b.Submit(i)
		require.NoError(t, err)
	}

	batch := b.Drain(10)
	require.Equal(t, []string{"4294967294", "4294967295", "0", "1"}, ids(batch))
	for i, entry := range batch {
		require.Equal(t, i, entry.Request)
	}
}

func TestBuffer_CloseReturnsRemainingInOrderAcrossWrap(t *testing.T) {
	t.Parallel()

	b := newBufferAt[int, int](10, math.MaxUint32)
	for i := 0; i < 3; i++ {
		_, err := b.Submit(i)
		require.NoError(t, err)
	}

	remaining := b.close()
	require.Equal(t, []string{"4294967295", "0", "1"}, ids(remaining))
	require.Zero(t, b.Len())

	_, err := b.Submit(9)
	require.ErrorIs(t, err, errBufferRetired)
}

func TestBuffer_ConcurrentSubmitNoLossOrDuplication(t *testing.T) {
	t.Parallel()

	const (
		producers = 8
		perWorker = 200
	)
	b := NewBuffer[int, int](producers * perWorker)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_, err := b.Submit(p*perWorker + i)
				require.NoError(t, err)
			}
		}(p)
	}

	var (
		mu       sync.Mutex
		drained  []*PendingEntry[int, int]
		stop     = make(chan struct{})
		drainers sync.WaitGroup
	)
	for d := 0; d < 3; d++ {
		drainers.Add(1)
		go func() {
			defer drainers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if batch := b.Drain(7); len(batch) > 0 {
					mu.Lock()
					drained = append(drained, batch...)
					mu.Unlock()
				}
			}
		}()
	}

	wg.Wait()
	close(stop)
	drainers.Wait()
	drained = append(drained, b.Drain(producers*perWorker)...)

	require.Len(t, drained, producers*perWorker)
	seen := make(map[uint32]bool, len(drained))
	requests := make(map[int]bool, len(drained))
	for _, entry := range drained {
		require.False(t, seen[entry.ID], "id %d delivered twice", entry.ID)
		seen[entry.ID] = true
		requests[entry.Request] = true
	}
	require.Len(t, requests, producers*perWorker)
	for id := uint32(0); id < producers*perWorker; id++ {
		require.True(t, seen[id], "id %d lost", id)
	}
}

func TestBuffer_DrainBatchesAreIncreasing(t *testing.T) {
	t.Parallel()

	b := NewBuffer[int, int](100)
	for i := 0; i < 25; i++ {
		_, err := b.Submit(i)
		require.NoError(t, err)
	}

	last := -1
	for {
		batch := b.Drain(4)
		if batch == nil {
			break
		}
		for _, entry := range batch {
			require.Greater(t, int(entry.ID), last)
			last = int(entry.ID)
		}
	}
	require.Equal(t, 24, last)
}

func TestBuffer_RearmTimerStopsPrevious(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	b := NewBuffer[int, int](10)

	first := clock.NewTimer(time.Second)
	second := clock.NewTimer(time.Second)

	b.RearmTimer(first)
	b.RearmTimer(second)

	// A stopped timer reports false on a second Stop.
	require.False(t, first.Stop())
	require.True(t, second.Stop())

	b.CancelTimer()
	require.Nil(t, b.timer)
}

func TestBuffer_RetireRequiresIdle(t *testing.T) {
	t.Parallel()

	b := NewBuffer[int, int](10)
	_, err := b.Submit(1)
	require.NoError(t, err)
	require.False(t, b.retire())

	batch := b.extract(10, false, true)
	require.Len(t, batch, 1)
	require.Equal(t, 1, b.InFlight())
	require.False(t, b.retire())

	now := time.Now()
	b.finishBatch(now)
	idle, ok := b.idleFor(now.Add(time.Minute))
	require.True(t, ok)
	require.Equal(t, time.Minute, idle)

	require.True(t, b.retire())
	_, err = b.Submit(2)
	require.True(t, errors.Is(err, errBufferRetired))
}
