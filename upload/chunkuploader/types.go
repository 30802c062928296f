// Package chunkuploader uploads an in-memory document through a storage upload session.
// The document is split into fixed-size chunks which are submitted strictly in byte order,
// one at a time, because the service tracks the append offset per session.
package chunkuploader

import (
	"context"
	"time"
)

// Target identifies the destination of an upload.
type Target struct {
	// Identity is the principal owning the destination storage, e.g. a UPN.
	Identity string
	// Path is the absolute destination path within the identity's storage.
	Path string
}

// Session is a server-issued context binding chunk submissions to one logical upload.
type Session struct {
	UploadURL string
	// ID is a backend specific session identifier (S3 upload ID). Empty for URL-only sessions.
	ID                 string
	ExpiresAt          time.Time
	NextExpectedRanges []string
}

// Expired reports whether the validity window of the session elapsed at now.
// A session without expiry never expires.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Chunk is a contiguous byte range of the document.
type Chunk struct {
	Index  int
	Offset int64
	Data   []byte
}

// Length ...
func (c Chunk) Length() int64 {
	return int64(len(c.Data))
}

// End is the offset of the last byte in the chunk.
func (c Chunk) End() int64 {
	return c.Offset + c.Length() - 1
}

// Status is the outcome of a single chunk submission.
type Status int

const (
	// StatusIncomplete means the service expects more chunks.
	StatusIncomplete Status = iota
	// StatusSucceeded means the assembled item exists at the destination.
	StatusSucceeded
	// StatusFailed is terminal for the attempt.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIncomplete:
		return "incomplete"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Item is the logical identity of the uploaded object.
type Item struct {
	ID     string
	Name   string
	WebURL string
	Size   int64
}

// ChunkResult is the service response to one chunk submission.
type ChunkResult struct {
	Status Status
	// Item is set when Status is StatusSucceeded.
	Item *Item
	// Err describes the failure when Status is StatusFailed.
	Err error
}

// Negotiator requests upload sessions from the storage service.
type Negotiator interface {
	CreateUploadSession(ctx context.Context, target Target) (Session, error)
}

// Submitter sends one chunk of a session to the storage service.
// A non-nil error is treated as a failed chunk.
type Submitter interface {
	SubmitChunk(ctx context.Context, session Session, chunk Chunk, totalLength int64) (ChunkResult, error)
}

// Canceler is implemented by backends that can discard an unfinished session.
type Canceler interface {
	CancelUploadSession(ctx context.Context, session Session) error
}

// Backend is a storage service supporting session based chunked uploads.
type Backend interface {
	Negotiator
	Submitter
}

// ProgressFunc is called after every chunk submission with the 1-based chunk index.
type ProgressFunc func(current, total int)

// StateFunc is called on every state transition of an upload attempt.
type StateFunc func(state State, chunk int)
