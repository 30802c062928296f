package network

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bitrise-io/go-sheetupload/upload/chunkuploader"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/oauth2/microsoft"
)

const (
	// DefaultGraphBaseURL ...
	DefaultGraphBaseURL = "https://graph.microsoft.com/v1.0"
	// GraphScope requests every application permission granted to the client.
	GraphScope = "https://graph.microsoft.com/.default"
	// DefaultConflictBehavior overwrites an existing item at the destination path.
	DefaultConflictBehavior = "replace"
)

var conflictBehaviors = []string{"replace", "fail", "rename"}

// GraphParams ...
type GraphParams struct {
	BaseURL string
	// TokenURL defaults to the Azure AD v2 token endpoint of TenantID.
	TokenURL     string
	TenantID     string
	ClientID     string
	ClientSecret string

	ConflictBehavior string

	// MaxRetries applies to session negotiation only, chunks are never retried.
	MaxRetries   int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

func (p GraphParams) validate() error {
	if p.ClientID == "" {
		return fmt.Errorf("ClientID must not be empty")
	}
	if p.ClientSecret == "" {
		return fmt.Errorf("ClientSecret must not be empty")
	}
	if p.TenantID == "" && p.TokenURL == "" {
		return fmt.Errorf("TenantID must not be empty")
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("MaxRetries must not be negative")
	}
	if p.ConflictBehavior != "" && !contains(conflictBehaviors, p.ConflictBehavior) {
		return fmt.Errorf("ConflictBehavior must be one of %s, got %s", strings.Join(conflictBehaviors, ", "), p.ConflictBehavior)
	}
	return nil
}

// GraphBackend uploads to a user's OneDrive through Microsoft Graph upload sessions.
type GraphBackend struct {
	client           apiClient
	conflictBehavior string
	logger           log.Logger
}

// NewGraphBackend creates a backend authenticated with the client credentials grant.
// The access token is fetched lazily on the first request and cached for its lifetime.
func NewGraphBackend(ctx context.Context, params GraphParams, logger log.Logger) (*GraphBackend, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}

	baseURL := strings.TrimSuffix(params.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultGraphBaseURL
	}
	tokenURL := params.TokenURL
	if tokenURL == "" {
		tokenURL = microsoft.AzureADEndpoint(params.TenantID).TokenURL
	}
	conflictBehavior := params.ConflictBehavior
	if conflictBehavior == "" {
		conflictBehavior = DefaultConflictBehavior
	}

	credentials := clientcredentials.Config{
		ClientID:     params.ClientID,
		ClientSecret: params.ClientSecret,
		TokenURL:     tokenURL,
		Scopes:       []string{GraphScope},
		AuthStyle:    oauth2.AuthStyleInParams,
	}

	authClient := retryhttp.NewClient(logger)
	authClient.HTTPClient = credentials.Client(ctx)
	authClient.RetryMax = params.MaxRetries
	if params.RetryWaitMin > 0 {
		authClient.RetryWaitMin = params.RetryWaitMin
	}
	if params.RetryWaitMax > 0 {
		authClient.RetryWaitMax = params.RetryWaitMax
	}
	authClient.CheckRetry = negotiationRetryPolicy
	authClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	// Upload URLs are pre-authenticated, sending the bearer token to them is rejected.
	uploadClient := retryhttp.NewClient(logger)
	uploadClient.RetryMax = 0
	uploadClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &GraphBackend{
		client:           newAPIClient(authClient, uploadClient, baseURL, logger),
		conflictBehavior: conflictBehavior,
		logger:           logger,
	}, nil
}

// CreateUploadSession ...
func (b *GraphBackend) CreateUploadSession(ctx context.Context, target chunkuploader.Target) (chunkuploader.Session, error) {
	if strings.TrimSpace(target.Identity) == "" {
		return chunkuploader.Session{}, fmt.Errorf("identity must not be empty")
	}
	if err := ValidatePath(target.Path); err != nil {
		return chunkuploader.Session{}, fmt.Errorf("validate path: %w", err)
	}

	resp, err := b.client.createUploadSession(ctx, target.Identity, target.Path, b.conflictBehavior)
	if err != nil {
		return chunkuploader.Session{}, err
	}

	return chunkuploader.Session{
		UploadURL:          resp.UploadURL,
		ExpiresAt:          resp.ExpirationDateTime,
		NextExpectedRanges: resp.NextExpectedRanges,
	}, nil
}

// SubmitChunk ...
func (b *GraphBackend) SubmitChunk(ctx context.Context, session chunkuploader.Session, chunk chunkuploader.Chunk, totalLength int64) (chunkuploader.ChunkResult, error) {
	if session.UploadURL == "" {
		return chunkuploader.ChunkResult{}, fmt.Errorf("session has no upload URL")
	}
	return b.client.uploadChunk(ctx, session.UploadURL, chunk, totalLength)
}

// CancelUploadSession deletes the session and the bytes uploaded so far.
func (b *GraphBackend) CancelUploadSession(ctx context.Context, session chunkuploader.Session) error {
	if session.UploadURL == "" {
		return nil
	}
	return b.client.cancelUploadSession(ctx, session.UploadURL)
}

// negotiationRetryPolicy retries like retryablehttp, except for token endpoint rejections which are final.
func negotiationRetryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.Response != nil && retrieveErr.Response.StatusCode >= 500 {
			return true, nil
		}
		return false, err
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}
