package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/bitrise-io/go-sheetupload/upload/chunkuploader"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// S3Params ...
type S3Params struct {
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	// Endpoint overrides the service endpoint, for S3 compatible storage. Implies path style addressing.
	Endpoint string
	// KeyPrefix is prepended to every object key.
	KeyPrefix string
	// MaxRetries is the number of extra multipart upload creation attempts after a transient failure.
	MaxRetries int
	// RetryWait is the pause between session negotiation attempts.
	// Default: 5 seconds
	RetryWait time.Duration
}

type s3API interface {
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// S3Backend maps upload sessions onto S3 multipart uploads: one part per chunk,
// completed when the chunk ending at the document length is accepted.
type S3Backend struct {
	client     s3API
	bucket     string
	keyPrefix  string
	maxRetries uint
	retryWait  time.Duration
	logger     log.Logger

	mu    sync.Mutex
	parts map[string][]types.CompletedPart
}

// NewS3Backend ...
func NewS3Backend(ctx context.Context, params S3Params, logger log.Logger) (*S3Backend, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("Bucket must not be empty")
	}
	if params.MaxRetries < 0 {
		return nil, fmt.Errorf("MaxRetries must not be negative")
	}

	cfg, err := loadAWSCredentials(
		ctx,
		params.Region,
		params.AccessKeyID,
		params.SecretAccessKey,
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	client := s3.NewFromConfig(*cfg, func(o *s3.Options) {
		if params.Endpoint != "" {
			o.BaseEndpoint = aws.String(params.Endpoint)
			o.UsePathStyle = true
		}
	})

	return newS3Backend(client, params, logger), nil
}

func newS3Backend(client s3API, params S3Params, logger log.Logger) *S3Backend {
	retryWait := params.RetryWait
	if retryWait == 0 {
		retryWait = 5 * time.Second
	}

	var maxRetries uint
	if params.MaxRetries > 0 {
		maxRetries = uint(params.MaxRetries)
	}

	return &S3Backend{
		client:     client,
		bucket:     params.Bucket,
		keyPrefix:  params.KeyPrefix,
		maxRetries: maxRetries,
		retryWait:  retryWait,
		logger:     logger,
		parts:      map[string][]types.CompletedPart{},
	}
}

// CreateUploadSession starts a multipart upload for the object key derived from target.
func (b *S3Backend) CreateUploadSession(ctx context.Context, target chunkuploader.Target) (chunkuploader.Session, error) {
	key, err := b.objectKey(target)
	if err != nil {
		return chunkuploader.Session{}, err
	}

	var session chunkuploader.Session
	err = retry.Times(b.maxRetries).Wait(b.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		if attempt > 0 {
			b.logger.Debugf("Retrying multipart upload creation, attempt %d", attempt)
		}

		resp, err := b.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
			Bucket:      aws.String(b.bucket),
			Key:         aws.String(key),
			ContentType: aws.String(xlsxContentType),
		})
		if err != nil {
			err = classifyS3Error(err, fmt.Sprintf("bucket '%s'", b.bucket))
			return err, !IsTransient(err)
		}
		if resp.UploadId == nil {
			return fmt.Errorf("multipart upload without upload ID"), true
		}

		session = chunkuploader.Session{
			UploadURL: fmt.Sprintf("s3://%s/%s", b.bucket, key),
			ID:        aws.ToString(resp.UploadId),
		}
		return nil, true
	})
	if err != nil {
		return chunkuploader.Session{}, err
	}

	b.mu.Lock()
	b.parts[session.ID] = nil
	b.mu.Unlock()

	return session, nil
}

// SubmitChunk uploads chunk as the part numbered after its index.
func (b *S3Backend) SubmitChunk(ctx context.Context, session chunkuploader.Session, chunk chunkuploader.Chunk, totalLength int64) (chunkuploader.ChunkResult, error) {
	key, err := b.sessionKey(session)
	if err != nil {
		return chunkuploader.ChunkResult{}, err
	}

	partNumber := int32(chunk.Index + 1)
	resp, err := b.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		UploadId:      aws.String(session.ID),
		PartNumber:    aws.Int32(partNumber),
		ContentLength: aws.Int64(chunk.Length()),
		Body:          bytes.NewReader(chunk.Data),
	})
	if err != nil {
		return b.chunkFailure(err, chunk)
	}

	b.mu.Lock()
	parts, ok := b.parts[session.ID]
	if !ok {
		b.mu.Unlock()
		return chunkuploader.ChunkResult{}, &chunkuploader.SessionExpiredError{Offset: chunk.Offset}
	}
	parts = append(parts, types.CompletedPart{ETag: resp.ETag, PartNumber: aws.Int32(partNumber)})
	b.parts[session.ID] = parts
	b.mu.Unlock()

	if chunk.Offset+chunk.Length() < totalLength {
		return chunkuploader.ChunkResult{Status: chunkuploader.StatusIncomplete}, nil
	}

	sort.Slice(parts, func(i, j int) bool {
		return aws.ToInt32(parts[i].PartNumber) < aws.ToInt32(parts[j].PartNumber)
	})

	completed, err := b.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(b.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(session.ID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return b.chunkFailure(err, chunk)
	}

	b.forget(session)

	name := key[strings.LastIndex(key, "/")+1:]
	return chunkuploader.ChunkResult{
		Status: chunkuploader.StatusSucceeded,
		Item: &chunkuploader.Item{
			ID:     strings.Trim(aws.ToString(completed.ETag), `"`),
			Name:   name,
			WebURL: aws.ToString(completed.Location),
			Size:   totalLength,
		},
	}, nil
}

// CancelUploadSession aborts the multipart upload and discards its parts.
func (b *S3Backend) CancelUploadSession(ctx context.Context, session chunkuploader.Session) error {
	key, err := b.sessionKey(session)
	if err != nil {
		return err
	}
	defer b.forget(session)

	_, err = b.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(b.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(session.ID),
	})
	if err != nil {
		var apiError smithy.APIError
		if errors.As(err, &apiError) && apiError.ErrorCode() == "NoSuchUpload" {
			return nil
		}
		return fmt.Errorf("abort multipart upload: %w", err)
	}

	return nil
}

func (b *S3Backend) chunkFailure(err error, chunk chunkuploader.Chunk) (chunkuploader.ChunkResult, error) {
	var apiError smithy.APIError
	if errors.As(err, &apiError) && apiError.ErrorCode() == "NoSuchUpload" {
		return chunkuploader.ChunkResult{}, &chunkuploader.SessionExpiredError{Offset: chunk.Offset}
	}
	return chunkuploader.ChunkResult{
		Status: chunkuploader.StatusFailed,
		Err:    classifyS3Error(err, fmt.Sprintf("bucket '%s'", b.bucket)),
	}, nil
}

func (b *S3Backend) forget(session chunkuploader.Session) {
	b.mu.Lock()
	delete(b.parts, session.ID)
	b.mu.Unlock()
}

func (b *S3Backend) objectKey(target chunkuploader.Target) (string, error) {
	if err := ValidatePath(target.Path); err != nil {
		return "", fmt.Errorf("validate path: %w", err)
	}

	key := strings.TrimPrefix(target.Path, "/")
	if identity := strings.Trim(target.Identity, "/"); identity != "" {
		key = identity + "/" + key
	}
	if b.keyPrefix != "" {
		key = strings.TrimSuffix(b.keyPrefix, "/") + "/" + key
	}

	return key, nil
}

func (b *S3Backend) sessionKey(session chunkuploader.Session) (string, error) {
	if session.ID == "" {
		return "", fmt.Errorf("session has no upload ID")
	}

	prefix := fmt.Sprintf("s3://%s/", b.bucket)
	if !strings.HasPrefix(session.UploadURL, prefix) {
		return "", fmt.Errorf("session %s does not belong to bucket %s", session.UploadURL, b.bucket)
	}

	return strings.TrimPrefix(session.UploadURL, prefix), nil
}

func classifyS3Error(err error, resource string) error {
	var apiError smithy.APIError
	if errors.As(err, &apiError) {
		switch apiError.ErrorCode() {
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "InvalidToken":
			return &AuthorizationError{Message: apiError.ErrorMessage(), Err: err}
		case "NoSuchBucket":
			return &NotFoundError{Resource: resource, StatusCode: http.StatusNotFound, Message: apiError.ErrorMessage()}
		case "SlowDown", "InternalError", "ServiceUnavailable", "RequestTimeout":
			return &TransientServiceError{Message: apiError.ErrorMessage(), Err: err}
		}
	}

	var responseError *smithyhttp.ResponseError
	if errors.As(err, &responseError) {
		status := responseError.HTTPStatusCode()
		if status == http.StatusTooManyRequests || status >= 500 {
			return &TransientServiceError{StatusCode: status, Err: err}
		}
	}

	return err
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return &cfg, nil
}
