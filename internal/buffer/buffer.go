// Package buffer implements the bounded per-user ring of recent samples.
//
// One StreamBuffer exists per user, created on first edge authentication and
// kept for the life of the process (a relay may reconnect into the same
// buffer). Appends evict the oldest sample once the ring is full; queries
// return independent copies so callers never race with future appends.
package buffer

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zanderlabs/ingest/internal/payload"
)

// Sample kinds as they appear on the wire and in query params.
const (
	KindFeatures = "features"
	KindRaw      = "raw"
)

// Sample is one buffered stream element. Samples live only in memory: they
// are dropped on ring eviction, independently of the persistence pipeline.
type Sample struct {
	Timestamp time.Time      `json:"timestamp"`
	SessionID uuid.UUID      `json:"session_id"`
	UserID    string         `json:"user_id"`
	Kind      string         `json:"sample_type"`
	Data      payload.Map    `json:"data"`
	Metadata  map[string]any `json:"metadata"`
}

// Filter narrows queries. Zero-value fields match everything.
type Filter struct {
	UserID string
	Kind   string
}

func (f Filter) matches(s *Sample) bool {
	if f.UserID != "" && s.UserID != f.UserID {
		return false
	}
	if f.Kind != "" && s.Kind != f.Kind {
		return false
	}
	return true
}

// Stats summarizes buffer contents for the REST surface.
type Stats struct {
	TotalSamples    int        `json:"total_samples"`
	UniqueUsers     int        `json:"unique_users"`
	UniqueSessions  int        `json:"unique_sessions"`
	OldestTimestamp *time.Time `json:"oldest_timestamp"`
	NewestTimestamp *time.Time `json:"newest_timestamp"`
	Capacity        int        `json:"buffer_capacity"`
	UsagePercent    float64    `json:"buffer_usage_percent"`
}

// StreamBuffer is a fixed-capacity ring with a single mutex guarding both
// appends and queries. The lock is effectively uncontended: one producer
// (the edge read loop) and occasional readers.
type StreamBuffer struct {
	mu       sync.Mutex
	samples  []Sample // ring storage, len == capacity
	head     int      // index of the oldest sample
	count    int
	capacity int
}

// New creates a buffer that retains at most capacity samples.
func New(capacity int) *StreamBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &StreamBuffer{
		samples:  make([]Sample, capacity),
		capacity: capacity,
	}
}

// Capacity returns the fixed ring capacity.
func (b *StreamBuffer) Capacity() int {
	return b.capacity
}

// Len returns the current number of retained samples.
func (b *StreamBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// at returns the sample at logical position i (0 = oldest).
// Caller must hold the lock.
func (b *StreamBuffer) at(i int) *Sample {
	return &b.samples[(b.head+i)%b.capacity]
}

// Append inserts a sample at the tail, dropping the oldest when full.
// O(1), never fails.
func (b *StreamBuffer) Append(s Sample) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == b.capacity {
		b.samples[b.head] = s
		b.head = (b.head + 1) % b.capacity
		return
	}
	b.samples[(b.head+b.count)%b.capacity] = s
	b.count++
}

// Latest returns the most recent sample matching the filter.
func (b *StreamBuffer) Latest(f Filter) (Sample, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := b.count - 1; i >= 0; i-- {
		if s := b.at(i); f.matches(s) {
			return *s, true
		}
	}
	return Sample{}, false
}

// LastN returns up to n most recent matches, newest first. n larger than the
// retained count returns what exists; n <= 0 returns empty.
func (b *StreamBuffer) LastN(n int, f Filter) []Sample {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := []Sample{}
	for i := b.count - 1; i >= 0 && len(out) < n; i-- {
		if s := b.at(i); f.matches(s) {
			out = append(out, *s)
		}
	}
	return out
}

// Range returns matches with start <= ts <= end, oldest first.
func (b *StreamBuffer) Range(start, end time.Time, f Filter) []Sample {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := []Sample{}
	for i := 0; i < b.count; i++ {
		s := b.at(i)
		if s.Timestamp.Before(start) || s.Timestamp.After(end) {
			continue
		}
		if f.matches(s) {
			out = append(out, *s)
		}
	}
	return out
}

// Clear drops all samples, or only those belonging to userID when non-empty.
func (b *StreamBuffer) Clear(userID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if userID == "" {
		b.head = 0
		b.count = 0
		return
	}

	kept := make([]Sample, 0, b.count)
	for i := 0; i < b.count; i++ {
		if s := b.at(i); s.UserID != userID {
			kept = append(kept, *s)
		}
	}
	b.head = 0
	b.count = copy(b.samples, kept)
}

// Stats returns a consistent snapshot of buffer statistics.
func (b *StreamBuffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := Stats{
		TotalSamples: b.count,
		Capacity:     b.capacity,
	}
	if b.count == 0 {
		return st
	}

	users := make(map[string]struct{})
	sessions := make(map[uuid.UUID]struct{})
	for i := 0; i < b.count; i++ {
		s := b.at(i)
		users[s.UserID] = struct{}{}
		sessions[s.SessionID] = struct{}{}
	}

	oldest := b.at(0).Timestamp
	newest := b.at(b.count - 1).Timestamp
	st.UniqueUsers = len(users)
	st.UniqueSessions = len(sessions)
	st.OldestTimestamp = &oldest
	st.NewestTimestamp = &newest
	st.UsagePercent = float64(int(float64(b.count)/float64(b.capacity)*10000)) / 100
	return st
}
