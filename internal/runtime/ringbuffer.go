package runtime

import (
	"strings"
	"sync"
	"time"

	"github.com/stagehand-live/stagehand/pkg/types"
)

// Default ring buffer limits.
const (
	defaultCapacity = 1000
	defaultWindow   = 5 * time.Minute
)

// RingBuffer maintains the bounded, time-windowed sequence of finalized
// transcript chunks for one event. Entries are strictly increasing in Seq and
// non-decreasing in At; chunks that violate either invariant, and non-final
// chunks, are rejected.
//
// The buffer enforces both a maximum entry count and a maximum age relative
// to the newest entry. Entries that exceed either limit are evicted
// automatically on every [RingBuffer.Add] call.
//
// All methods are safe for concurrent use.
type RingBuffer struct {
	mu       sync.RWMutex
	entries  []types.TranscriptChunk
	capacity int
	window   time.Duration
}

// Stats summarises the buffer contents for telemetry.
type Stats struct {
	// Total is the number of chunks currently held.
	Total int `json:"total"`

	// Finalized equals Total; only finalized chunks enter the buffer.
	Finalized int `json:"finalized"`

	// OldestSeq and NewestSeq bound the held sequence range. Zero when empty.
	OldestSeq uint64 `json:"oldest_seq,omitempty"`
	NewestSeq uint64 `json:"newest_seq,omitempty"`
}

// NewRingBuffer creates a buffer that retains at most capacity entries and
// evicts entries older than window behind the newest. Zero values select the
// defaults (1000 entries, 5 minutes).
func NewRingBuffer(capacity int, window time.Duration) *RingBuffer {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if window <= 0 {
		window = defaultWindow
	}
	return &RingBuffer{
		entries:  make([]types.TranscriptChunk, 0, capacity),
		capacity: capacity,
		window:   window,
	}
}

// Add appends chunk and evicts entries that exceed the configured capacity
// or age window. It reports whether the chunk was accepted: non-final chunks
// and chunks that would break Seq/At ordering are dropped.
func (b *RingBuffer) Add(chunk types.TranscriptChunk) bool {
	if !chunk.Final {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if n := len(b.entries); n > 0 {
		last := b.entries[n-1]
		if chunk.Seq <= last.Seq || chunk.At.Before(last.At) {
			return false
		}
	}

	b.entries = append(b.entries, chunk)
	b.evict()
	return true
}

// RecentText concatenates the text of the newest chunks, oldest first,
// without exceeding maxChars. Chunks are taken whole; a chunk that would
// push the total past the limit is excluded along with everything older.
func (b *RingBuffer) RecentText(maxChars int) string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if maxChars <= 0 || len(b.entries) == 0 {
		return ""
	}

	// Walk backwards to find the window of newest chunks that fits.
	total := 0
	start := len(b.entries)
	for i := len(b.entries) - 1; i >= 0; i-- {
		n := len(b.entries[i].Text)
		if total > 0 {
			n++ // joining space
		}
		if total+n > maxChars {
			break
		}
		total += n
		start = i
	}

	var sb strings.Builder
	sb.Grow(total)
	for i := start; i < len(b.entries); i++ {
		if i > start {
			sb.WriteByte(' ')
		}
		sb.WriteString(b.entries[i].Text)
	}
	return sb.String()
}

// Entries returns a copy of all current entries in order.
func (b *RingBuffer) Entries() []types.TranscriptChunk {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]types.TranscriptChunk, len(b.entries))
	copy(out, b.entries)
	return out
}

// Stats returns the current buffer statistics.
func (b *RingBuffer) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := Stats{Total: len(b.entries), Finalized: len(b.entries)}
	if len(b.entries) > 0 {
		s.OldestSeq = b.entries[0].Seq
		s.NewestSeq = b.entries[len(b.entries)-1].Seq
	}
	return s
}

// Len returns the number of held chunks.
func (b *RingBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// evict removes entries that are too old or exceed capacity.
// Must be called with b.mu held.
//
// Surviving entries are copied to a fresh backing array to prevent evicted
// entries from pinning memory for the lifetime of the event.
func (b *RingBuffer) evict() {
	if len(b.entries) == 0 {
		return
	}
	cutoff := b.entries[len(b.entries)-1].At.Add(-b.window)

	start := 0
	for start < len(b.entries) && b.entries[start].At.Before(cutoff) {
		start++
	}

	keep := b.entries[start:]
	if len(keep) > b.capacity {
		keep = keep[len(keep)-b.capacity:]
	}

	if start > 0 || len(keep) < len(b.entries) {
		fresh := make([]types.TranscriptChunk, len(keep), b.capacity)
		copy(fresh, keep)
		b.entries = fresh
	}
}
