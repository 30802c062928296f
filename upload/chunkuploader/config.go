package chunkuploader

import (
	"fmt"
	"time"
)

const (
	// DefaultChunkSize is 5 MiB, a multiple of the Graph chunk increment.
	DefaultChunkSize = 5 * 1024 * 1024

	// GraphChunkIncrement is the byte boundary every non-final Graph chunk must be a multiple of.
	GraphChunkIncrement = 320 * 1024
	// GraphMaxChunkSize is the largest chunk accepted by a Graph upload session.
	GraphMaxChunkSize = 60 * 1024 * 1024

	// S3MinPartSize is the smallest non-final part accepted by S3 multipart uploads.
	S3MinPartSize = 5 * 1024 * 1024
)

// Config holds configuration for the chunk uploader.
type Config struct {
	// ChunkSize is the size of every chunk except possibly the last.
	// Default: 5 MiB
	ChunkSize int64

	// CancelTimeout bounds the best-effort session cancellation after a failed attempt.
	// Zero disables cancellation.
	// Default: 10 seconds
	CancelTimeout time.Duration

	// Now returns the current time, used for session expiry checks.
	// Default: time.Now
	Now func() time.Time
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ChunkSize:     DefaultChunkSize,
		CancelTimeout: 10 * time.Second,
		Now:           time.Now,
	}
}

// Validate ...
func (c Config) Validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", c.ChunkSize)
	}
	return nil
}

// AlignChunkSize rounds size down to a multiple of increment, but never below one increment.
// A non-positive increment leaves size unchanged.
func AlignChunkSize(size, increment int64) int64 {
	if increment <= 0 {
		return size
	}

	aligned := size / increment * increment
	if aligned < increment {
		aligned = increment
	}

	return aligned
}
