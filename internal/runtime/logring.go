package runtime

import (
	"fmt"
	"sync"
	"time"

	"github.com/stagehand-live/stagehand/pkg/types"
)

// logRingCapacity is the number of entries retained per (event, agent).
const logRingCapacity = 100

// LogRing is a bounded ring of recent log entries for one (event, agent)
// pair. The status emitter surfaces the newest entries; recoverable errors
// land here instead of failing the runtime.
//
// All methods are safe for concurrent use.
type LogRing struct {
	mu      sync.Mutex
	entries []types.LogEntry
	next    int
	full    bool
}

// NewLogRing creates an empty ring with the standard capacity.
func NewLogRing() *LogRing {
	return &LogRing{entries: make([]types.LogEntry, logRingCapacity)}
}

// Append records a log entry, overwriting the oldest when full.
func (r *LogRing) Append(level, format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = types.LogEntry{
		At:      time.Now().UTC(),
		Level:   level,
		Message: fmt.Sprintf(format, args...),
	}
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
}

// LastN returns up to n entries, oldest first.
func (r *LogRing) LastN(n int) []types.LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.next
	if r.full {
		size = len(r.entries)
	}
	if n > size {
		n = size
	}
	out := make([]types.LogEntry, 0, n)
	start := r.next - n
	if start < 0 {
		start += len(r.entries)
	}
	for i := 0; i < n; i++ {
		out = append(out, r.entries[(start+i)%len(r.entries)])
	}
	return out
}
