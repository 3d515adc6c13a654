package runtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/stagehand-live/stagehand/pkg/types"
)

// Ingest queue limits.
const (
	defaultQueueCapacity = 1024

	// finalBlockBudget is how long a finalized chunk may block the producer
	// before it is admitted with delayed=true.
	finalBlockBudget = 200 * time.Millisecond
)

// ErrQueueClosed is returned by queue operations after Close.
var ErrQueueClosed = errors.New("runtime: ingest queue closed")

// IngestQueue is the bounded per-event inbound queue that serializes ingest.
//
// When full, the oldest non-final chunk is dropped to make room. Finalized
// chunks are never dropped: a producer pushing a final chunk into a full
// queue of finals blocks briefly, then the chunk is flagged delayed and the
// push keeps waiting for space.
//
// All methods are safe for concurrent use.
type IngestQueue struct {
	mu       sync.Mutex
	items    []types.TranscriptRecord
	capacity int
	closed   bool

	notEmpty chan struct{}
	notFull  chan struct{}

	droppedNonFinal int
	delayedFinal    int
}

// NewIngestQueue creates a queue holding at most capacity records. Zero or
// negative selects the default of 1024.
func NewIngestQueue(capacity int) *IngestQueue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &IngestQueue{
		capacity: capacity,
		notEmpty: make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
	}
}

// Push enqueues rec. It reports whether the record was admitted with the
// delayed flag set (final chunks that had to wait past the block budget).
// Non-final records may be silently dropped when no room can be made.
func (q *IngestQueue) Push(ctx context.Context, rec types.TranscriptRecord) (delayed bool, err error) {
	var blockTimer <-chan time.Time

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return false, ErrQueueClosed
		}

		if len(q.items) < q.capacity {
			q.items = append(q.items, rec)
			q.mu.Unlock()
			q.signal(q.notEmpty)
			return rec.Delayed, nil
		}

		// Full: evict the oldest non-final chunk if there is one.
		if q.dropOldestNonFinalLocked() {
			q.items = append(q.items, rec)
			q.mu.Unlock()
			q.signal(q.notEmpty)
			return rec.Delayed, nil
		}

		if !rec.Final {
			// All queued chunks are final and outrank a non-final arrival.
			q.droppedNonFinal++
			q.mu.Unlock()
			return false, nil
		}
		q.mu.Unlock()

		if blockTimer == nil {
			t := time.NewTimer(finalBlockBudget)
			defer t.Stop()
			blockTimer = t.C
		}

		select {
		case <-ctx.Done():
			return rec.Delayed, ctx.Err()
		case <-blockTimer:
			if !rec.Delayed {
				rec.Delayed = true
				q.mu.Lock()
				q.delayedFinal++
				q.mu.Unlock()
			}
			blockTimer = neverFires
		case <-q.notFull:
		}
	}
}

// neverFires is a nil-safe stand-in for an exhausted timer channel.
var neverFires = make(<-chan time.Time)

// Pop dequeues the oldest record, blocking until one is available, the queue
// closes empty, or ctx is cancelled.
func (q *IngestQueue) Pop(ctx context.Context) (types.TranscriptRecord, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			rec := q.items[0]
			q.items = q.items[1:]
			if len(q.items) == 0 {
				// Release the backing array once drained.
				q.items = nil
			}
			q.mu.Unlock()
			q.signal(q.notFull)
			return rec, nil
		}
		if q.closed {
			q.mu.Unlock()
			return types.TranscriptRecord{}, ErrQueueClosed
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return types.TranscriptRecord{}, ctx.Err()
		case <-q.notEmpty:
		}
	}
}

// Close rejects further pushes. Queued records remain poppable; Pop returns
// [ErrQueueClosed] once drained.
func (q *IngestQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal(q.notEmpty)
	q.signal(q.notFull)
}

// Len returns the number of queued records.
func (q *IngestQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// DroppedNonFinal returns how many non-final chunks were evicted or refused.
func (q *IngestQueue) DroppedNonFinal() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.droppedNonFinal
}

// DelayedFinal returns how many final chunks were admitted past the block
// budget.
func (q *IngestQueue) DelayedFinal() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.delayedFinal
}

// dropOldestNonFinalLocked removes the oldest non-final record.
// Must be called with q.mu held.
func (q *IngestQueue) dropOldestNonFinalLocked() bool {
	for i, it := range q.items {
		if !it.Final {
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.droppedNonFinal++
			return true
		}
	}
	return false
}

func (q *IngestQueue) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
