package chunkuploader

import (
	"errors"
	"fmt"
	"time"
)

// ErrUploadNotConfirmed is returned when every chunk was accepted but the service never
// reported the assembled item.
var ErrUploadNotConfirmed = errors.New("service did not confirm the upload after the last chunk")

// ErrEmptyDocument ...
var ErrEmptyDocument = errors.New("document is empty")

// ChunkUploadError reports the chunk whose submission failed.
type ChunkUploadError struct {
	Index  int
	Offset int64
	Err    error
}

func (e *ChunkUploadError) Error() string {
	return fmt.Sprintf("upload chunk %d at offset %d: %s", e.Index+1, e.Offset, e.Err)
}

func (e *ChunkUploadError) Unwrap() error {
	return e.Err
}

// SessionExpiredError reports that the session validity window elapsed before the upload finished.
type SessionExpiredError struct {
	ExpiresAt time.Time
	// Offset of the first chunk not accepted by the session.
	Offset int64
}

func (e *SessionExpiredError) Error() string {
	if e.ExpiresAt.IsZero() {
		return fmt.Sprintf("upload session expired before offset %d", e.Offset)
	}
	return fmt.Sprintf("upload session expired at %s before offset %d", e.ExpiresAt.Format(time.RFC3339), e.Offset)
}
