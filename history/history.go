// Package history keeps a rolling window of timestamped values, which the
// auditor uses to compute recent throughput.
package history

import (
	"slices"
	"sync"
	"time"

	"github.com/mongodb-labs/orphan-auditor/internal/types"
)

// History is a concurrency-safe list of entries that expire after a TTL.
type History[T any] struct {
	mu   sync.RWMutex
	ttl  time.Duration
	logs []Log[T]
}

// Log is one entry in a History.
type Log[T any] struct {
	At    time.Time
	Datum T
}

func New[T any](ttl time.Duration) *History[T] {
	return &History[T]{ttl: ttl}
}

// Get returns a copy of the unexpired entries, oldest first.
func (h *History[T]) Get() []Log[T] {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return slices.Clone(h.logs[h.firstLiveIdx(time.Now()):])
}

// Add appends an entry and drops expired ones. It returns how many
// entries remain.
func (h *History[T]) Add(datum T) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()

	h.logs = append(h.logs[h.firstLiveIdx(now):], Log[T]{now, datum})

	return len(h.logs)
}

// Reset drops all entries.
func (h *History[T]) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.logs = nil
}

// Entries are appended in time order, so the expired ones form a prefix.
func (h *History[T]) firstLiveIdx(now time.Time) int {
	cutoff := now.Add(-h.ttl)

	idx, _ := slices.BinarySearchFunc(
		h.logs,
		cutoff,
		func(l Log[T], t time.Time) int {
			return l.At.Compare(t)
		},
	)

	return idx
}

// SumLogs totals the entries’ data.
func SumLogs[T types.RealNumber](logs []Log[T]) T {
	var sum T

	for _, l := range logs {
		sum += l.Datum
	}

	return sum
}
