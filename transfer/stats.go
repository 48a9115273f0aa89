package transfer

import (
	"fmt"
	"sync"
	"time"

	"github.com/docker/go-units"
)

// Stats tracks per-stream transfer metrics.
type Stats struct {
	sum            time.Duration
	finishedChunks int64
	bytes          int64
	retries        int64
	mu             sync.Mutex
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{}
}

// Update records a successful chunk transfer of n bytes that took d, including retries.
func (s *Stats) Update(n int, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sum += d
	s.bytes += int64(n)
	s.finishedChunks++
}

// AddRetry records a retried attempt.
func (s *Stats) AddRetry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries++
}

// Average returns the average duration of completed chunks.
func (s *Stats) Average() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finishedChunks == 0 {
		return 0
	}
	return s.sum / time.Duration(s.finishedChunks)
}

// FinishedCount returns the number of completed chunks.
func (s *Stats) FinishedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishedChunks
}

// Bytes returns the number of bytes transferred in completed chunks.
func (s *Stats) Bytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

// Retries returns the number of retried attempts.
func (s *Stats) Retries() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retries
}

// TotalDuration returns the sum of all chunk durations.
func (s *Stats) TotalDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sum
}

// String formats the stats for logging, e.g. "3 chunks, 12MiB in 1.5s, 1 retries".
func (s *Stats) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("%d chunks, %s in %s, %d retries",
		s.finishedChunks, units.BytesSize(float64(s.bytes)), s.sum.Round(time.Millisecond), s.retries)
}
