package batcher

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// PendingEntry is a buffered request paired with its result handle
type PendingEntry[Req, Resp any] struct {
	ID      uint32
	Request Req
	Result  *Future[Resp]
}

// CorrelationID returns the id the entry carries inside a batch
func (e *PendingEntry[Req, Resp]) CorrelationID() string {
	return formatID(e.ID)
}

// timerToken identifies one armed flush timer so stale fires can be ignored
type timerToken struct{}

// Buffer holds the not-yet-sent requests of one partition key.
//
// Ids are assigned from a uint32 counter that wraps to zero. Entries only
// leave the buffer through extraction, which walks ids from the cursor, so
// buffered ids always form the contiguous range [cursor, nextID).
type Buffer[Req, Resp any] struct {
	capacity int
	entries  map[uint32]*PendingEntry[Req, Resp]
	nextID   uint32
	cursor   uint32

	timer clockwork.Timer
	token *timerToken

	inFlight   int       // extracted batches not yet completed
	lastActive time.Time // last submit or batch completion
	retired    bool      // evicted from the manager registry

	mu sync.Mutex
}

// NewBuffer creates a new Buffer holding at most capacity requests
func NewBuffer[Req, Resp any](capacity int) *Buffer[Req, Resp] {
	return newBufferAt[Req, Resp](capacity, 0)
}

// newBufferAt creates a buffer whose first id is startID
func newBufferAt[Req, Resp any](capacity int, startID uint32) *Buffer[Req, Resp] {
	return &Buffer[Req, Resp]{
		capacity: capacity,
		entries:  make(map[uint32]*PendingEntry[Req, Resp]),
		nextID:   startID,
		cursor:   startID,
	}
}

// Submit buffers a request and returns its result handle.
// Fails with ErrCapacityExceeded when the buffer is full.
func (b *Buffer[Req, Resp]) Submit(req Req) (*Future[Resp], error) {
	fut, _, err := b.submit(req, time.Now())
	return fut, err
}

// submit buffers a request and returns the number of buffered entries
func (b *Buffer[Req, Resp]) submit(req Req, now time.Time) (*Future[Resp], int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.retired {
		return nil, 0, errBufferRetired
	}

	if len(b.entries) >= b.capacity {
		return nil, len(b.entries), fmt.Errorf("%w: %d of %d entries buffered", ErrCapacityExceeded, len(b.entries), b.capacity)
	}

	id := b.nextID
	if _, taken := b.entries[id]; taken {
		return nil, len(b.entries), fmt.Errorf("%w: id %d is still buffered", ErrCapacityExceeded, id)
	}
	b.nextID++

	entry := &PendingEntry[Req, Resp]{
		ID:      id,
		Request: req,
		Result:  newFuture[Resp](),
	}
	b.entries[id] = entry
	b.lastActive = now

	return entry.Result, len(b.entries), nil
}

// TryFlush removes and returns up to maxItems entries, but only when at
// least maxItems are buffered. Otherwise it returns nil and removes nothing.
func (b *Buffer[Req, Resp]) TryFlush(maxItems int) []*PendingEntry[Req, Resp] {
	return b.extract(maxItems, true, false)
}

// Drain removes and returns up to maxItems entries if any are buffered
func (b *Buffer[Req, Resp]) Drain(maxItems int) []*PendingEntry[Req, Resp] {
	return b.extract(maxItems, false, false)
}

// extract takes a batch under the buffer lock. With track set the batch is
// counted as in flight until finishBatch.
func (b *Buffer[Req, Resp]) extract(maxItems int, threshold, track bool) []*PendingEntry[Req, Resp] {
	b.mu.Lock()
	defer b.mu.Unlock()

	if maxItems <= 0 || len(b.entries) == 0 {
		return nil
	}
	if threshold && len(b.entries) < maxItems {
		return nil
	}

	size := maxItems
	if len(b.entries) < size {
		size = len(b.entries)
	}
	batch := make([]*PendingEntry[Req, Resp], 0, size)

	// The cursor moves past every id it examines. A missing id ends this
	// collection; the next flush resumes after it.
	for scanned := 0; len(batch) < maxItems && len(b.entries) > 0 && scanned < b.capacity; scanned++ {
		id := b.cursor
		b.cursor++

		entry, ok := b.entries[id]
		if !ok {
			break
		}
		delete(b.entries, id)
		batch = append(batch, entry)
	}

	if track && len(batch) > 0 {
		b.inFlight++
	}
	return batch
}

// finishBatch marks one tracked batch as completed
func (b *Buffer[Req, Resp]) finishBatch(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inFlight--
	b.lastActive = now
}

// RearmTimer replaces the pending flush timer with t, stopping the previous one
func (b *Buffer[Req, Resp]) RearmTimer(t clockwork.Timer) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.cancelTimerLocked()
	if b.retired {
		t.Stop()
		return
	}
	b.timer = t
}

// rearmWith replaces the pending flush timer with one created by schedule.
// The timer is created under the buffer lock so its token is current before
// it can fire.
func (b *Buffer[Req, Resp]) rearmWith(schedule func(token *timerToken) clockwork.Timer) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.retired {
		return
	}
	b.cancelTimerLocked()

	token := &timerToken{}
	b.token = token
	b.timer = schedule(token)
}

// CancelTimer stops the pending flush timer, if any
func (b *Buffer[Req, Resp]) CancelTimer() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelTimerLocked()
}

func (b *Buffer[Req, Resp]) cancelTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.token = nil
}

// isCurrentTimer reports whether token belongs to the armed timer
func (b *Buffer[Req, Resp]) isCurrentTimer(token *timerToken) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.retired && token != nil && b.token == token
}

// idleFor returns how long the buffer has been empty with nothing in flight.
// ok is false while it holds entries or has a batch in flight.
func (b *Buffer[Req, Resp]) idleFor(now time.Time) (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) > 0 || b.inFlight > 0 {
		return 0, false
	}
	return now.Sub(b.lastActive), true
}

// retire evicts an idle buffer. Returns false if it still holds entries or
// has a batch in flight.
func (b *Buffer[Req, Resp]) retire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) > 0 || b.inFlight > 0 {
		return false
	}
	b.retired = true
	b.cancelTimerLocked()
	return true
}

// close retires the buffer unconditionally and returns the entries it still
// holds in submission order
func (b *Buffer[Req, Resp]) close() []*PendingEntry[Req, Resp] {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.retired = true
	b.cancelTimerLocked()

	if len(b.entries) == 0 {
		return nil
	}

	remaining := make([]*PendingEntry[Req, Resp], 0, len(b.entries))
	for _, entry := range b.entries {
		remaining = append(remaining, entry)
	}
	// Distance from the cursor orders ids correctly across a wrap.
	cursor := b.cursor
	sort.Slice(remaining, func(i, j int) bool {
		return remaining[i].ID-cursor < remaining[j].ID-cursor
	})

	b.entries = make(map[uint32]*PendingEntry[Req, Resp])
	b.cursor = b.nextID
	return remaining
}

// Len returns the number of buffered entries
func (b *Buffer[Req, Resp]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// InFlight returns the number of extracted batches not yet completed
func (b *Buffer[Req, Resp]) InFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inFlight
}
