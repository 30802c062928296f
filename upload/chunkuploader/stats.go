package chunkuploader

import (
	"time"
)

// Stats tracks chunk submission metrics of one upload attempt.
type Stats struct {
	sum            time.Duration
	finishedChunks int64
	bytes          int64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{}
}

// Update records an accepted chunk of n bytes that took d to submit.
func (s *Stats) Update(d time.Duration, n int64) {
	s.sum += d
	s.finishedChunks++
	s.bytes += n
}

// Average returns the average submission duration for accepted chunks.
func (s *Stats) Average() time.Duration {
	if s.finishedChunks == 0 {
		return 0
	}
	return s.sum / time.Duration(s.finishedChunks)
}

// FinishedCount returns the number of accepted chunks.
func (s *Stats) FinishedCount() int64 {
	return s.finishedChunks
}

// Bytes returns the number of accepted bytes.
func (s *Stats) Bytes() int64 {
	return s.bytes
}

// TotalDuration returns the sum of all submission durations.
func (s *Stats) TotalDuration() time.Duration {
	return s.sum
}
