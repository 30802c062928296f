package chunkuploader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

// Uploader runs upload attempts: one session negotiation followed by strictly sequential chunk submissions.
// It keeps no per-attempt state, so concurrent Upload calls with separate documents are safe.
type Uploader struct {
	config   Config
	backend  Backend
	logger   log.Logger
	progress ProgressFunc
	onState  StateFunc
}

// New creates a new Uploader for the given backend.
func New(config Config, backend Backend, logger log.Logger) *Uploader {
	if config.Now == nil {
		config.Now = time.Now
	}

	u := &Uploader{
		config:  config,
		backend: backend,
		logger:  logger,
	}
	u.progress = u.logProgress

	return u
}

// WithProgress replaces the default progress logging.
func (u *Uploader) WithProgress(fn ProgressFunc) *Uploader {
	if fn != nil {
		u.progress = fn
	}
	return u
}

// WithStateObserver registers a callback for the state transitions of every attempt.
func (u *Uploader) WithStateObserver(fn StateFunc) *Uploader {
	u.onState = fn
	return u
}

// Upload transfers document to target and returns the confirmed item.
// Every call is a fresh attempt with its own session; a failed attempt is never resumed.
func (u *Uploader) Upload(ctx context.Context, target Target, document []byte) (*Item, error) {
	if err := u.config.Validate(); err != nil {
		return nil, err
	}

	provider, err := NewDocumentChunkProvider(document, u.config.ChunkSize)
	if err != nil {
		return nil, err
	}
	if provider.NumChunks() == 0 {
		return nil, ErrEmptyDocument
	}

	u.transition(StateIdle, 0)
	u.transition(StateNegotiating, 0)

	u.logger.Debugf("Requesting upload session for %s", target.Path)
	session, err := u.backend.CreateUploadSession(ctx, target)
	if err != nil {
		u.transition(StateFailed, 0)
		return nil, fmt.Errorf("create upload session: %w", err)
	}
	if !session.ExpiresAt.IsZero() {
		u.logger.Debugf("Upload session valid until %s", session.ExpiresAt.Format(time.RFC3339))
	}

	item, err := u.send(ctx, session, provider)
	if err != nil {
		u.transition(StateFailed, 0)
		u.cancel(ctx, session)
		return nil, err
	}

	u.transition(StateCompleted, 0)
	return item, nil
}

func (u *Uploader) send(ctx context.Context, session Session, provider ChunkProvider) (*Item, error) {
	numChunks := provider.NumChunks()
	total := provider.Size()
	stats := NewStats()

	u.logger.Debugf("Uploading %d chunks, %dB each", numChunks, u.config.ChunkSize)

	for i := 0; i < numChunks; i++ {
		chunk, err := provider.GetChunk(i)
		if err != nil {
			return nil, &ChunkUploadError{Index: i, Offset: int64(i) * u.config.ChunkSize, Err: err}
		}

		if err := ctx.Err(); err != nil {
			return nil, &ChunkUploadError{Index: i, Offset: chunk.Offset, Err: fmt.Errorf("upload cancelled: %w", err)}
		}

		if session.Expired(u.config.Now()) {
			return nil, &SessionExpiredError{ExpiresAt: session.ExpiresAt, Offset: chunk.Offset}
		}

		u.transition(StateUploading, i)

		start := time.Now()
		result, err := u.backend.SubmitChunk(ctx, session, chunk, total)
		took := time.Since(start)

		u.progress(i+1, numChunks)

		if err != nil {
			var expired *SessionExpiredError
			if errors.As(err, &expired) {
				return nil, &SessionExpiredError{ExpiresAt: session.ExpiresAt, Offset: chunk.Offset}
			}
			return nil, &ChunkUploadError{Index: i, Offset: chunk.Offset, Err: err}
		}

		switch result.Status {
		case StatusIncomplete:
			stats.Update(took, chunk.Length())
			u.logger.Debugf("Chunk %d accepted in %v, bytes %d-%d/%d", i+1, took.Round(time.Millisecond), chunk.Offset, chunk.End(), total)
		case StatusSucceeded:
			stats.Update(took, chunk.Length())
			if i < numChunks-1 {
				u.logger.Warnf("Upload confirmed after chunk %d of %d, remaining chunks are not sent", i+1, numChunks)
			}
			u.logger.Debugf("Uploaded %d chunks (%dB) in %v, avg %v per chunk",
				stats.FinishedCount(), stats.Bytes(), stats.TotalDuration().Round(time.Millisecond), stats.Average().Round(time.Millisecond))

			item := result.Item
			if item == nil {
				item = &Item{Size: total}
			}
			return item, nil
		default:
			cause := result.Err
			if cause == nil {
				cause = fmt.Errorf("chunk %s", result.Status)
			}
			return nil, &ChunkUploadError{Index: i, Offset: chunk.Offset, Err: cause}
		}
	}

	last, _ := provider.GetChunk(numChunks - 1)
	return nil, &ChunkUploadError{Index: numChunks - 1, Offset: last.Offset, Err: ErrUploadNotConfirmed}
}

func (u *Uploader) cancel(ctx context.Context, session Session) {
	canceler, ok := u.backend.(Canceler)
	if !ok || u.config.CancelTimeout <= 0 {
		return
	}

	cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), u.config.CancelTimeout)
	defer cancel()

	if err := canceler.CancelUploadSession(cancelCtx, session); err != nil {
		u.logger.Warnf("Failed to cancel upload session: %s", err)
		return
	}
	u.logger.Debugf("Upload session cancelled")
}

func (u *Uploader) transition(state State, chunk int) {
	if u.onState != nil {
		u.onState(state, chunk)
	}
}

func (u *Uploader) logProgress(current, total int) {
	u.logger.Printf("Uploading chunk %d out of %d", current, total)
}
