package network

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/bitrise-io/go-sheetupload/upload/chunkuploader"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
)

const requestIDHeader = "client-request-id"

type createUploadSessionRequest struct {
	Item uploadSessionItem `json:"item"`
}

type uploadSessionItem struct {
	ConflictBehavior string `json:"@microsoft.graph.conflictBehavior,omitempty"`
	Name             string `json:"name,omitempty"`
}

type uploadSessionResponse struct {
	UploadURL          string    `json:"uploadUrl"`
	ExpirationDateTime time.Time `json:"expirationDateTime"`
	NextExpectedRanges []string  `json:"nextExpectedRanges"`
}

type driveItemResponse struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	WebURL string `json:"webUrl"`
}

// apiClient talks to the Graph drive API. authClient carries the OAuth token;
// uploadClient is used for the pre-authenticated upload URLs and must not send it.
type apiClient struct {
	authClient   *retryablehttp.Client
	uploadClient *retryablehttp.Client
	baseURL      string
	logger       log.Logger
}

func newAPIClient(authClient, uploadClient *retryablehttp.Client, baseURL string, logger log.Logger) apiClient {
	return apiClient{
		authClient:   authClient,
		uploadClient: uploadClient,
		baseURL:      baseURL,
		logger:       logger,
	}
}

func (c apiClient) createUploadSession(ctx context.Context, upn, path, conflictBehavior string) (uploadSessionResponse, error) {
	apiURL := fmt.Sprintf("%s/users/%s/drive/root:%s:/createUploadSession", c.baseURL, url.PathEscape(upn), escapePath(path))

	body, err := json.Marshal(createUploadSessionRequest{
		Item: uploadSessionItem{ConflictBehavior: conflictBehavior},
	})
	if err != nil {
		return uploadSessionResponse{}, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, apiURL, body)
	if err != nil {
		return uploadSessionResponse{}, err
	}
	req.Header.Set("Content-type", "application/json")
	requestID := setRequestID(req)

	resp, err := c.authClient.Do(req)
	if err != nil {
		return uploadSessionResponse{}, fmt.Errorf("request %s: %w", requestID, classifyTransportError(err))
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			c.logger.Printf(err.Error())
		}
	}(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return uploadSessionResponse{}, fmt.Errorf("request %s: %w", requestID, unwrapError(resp, fmt.Sprintf("user '%s'", upn)))
	}

	var response uploadSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return uploadSessionResponse{}, fmt.Errorf("decode upload session: %w", err)
	}
	if response.UploadURL == "" {
		return uploadSessionResponse{}, fmt.Errorf("upload session without upload URL")
	}

	return response, nil
}

func (c apiClient) uploadChunk(ctx context.Context, uploadURL string, chunk chunkuploader.Chunk, totalLength int64) (chunkuploader.ChunkResult, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, uploadURL, chunk.Data)
	if err != nil {
		return chunkuploader.ChunkResult{}, err
	}

	// Add Content-Length header manually because retryablehttp doesn't do it automatically
	req.Header.Set("Content-Length", fmt.Sprintf("%d", chunk.Length()))
	req.ContentLength = chunk.Length()
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", chunk.Offset, chunk.End(), totalLength))
	requestID := setRequestID(req)

	dump, err := httputil.DumpRequest(req.Request, false)
	if err != nil {
		c.logger.Warnf("error while dumping request: %s", err)
	}
	c.logger.Debugf("Chunk request dump: %s", string(dump))

	resp, err := c.uploadClient.Do(req)
	if err != nil {
		return chunkuploader.ChunkResult{}, fmt.Errorf("request %s: %w", requestID, err)
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			c.logger.Printf(err.Error())
		}
	}(resp.Body)

	switch resp.StatusCode {
	case http.StatusAccepted:
		var response uploadSessionResponse
		if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
			c.logger.Warnf("Failed to decode upload session status: %s", err)
		} else {
			c.checkNextExpected(response.NextExpectedRanges, chunk)
		}
		return chunkuploader.ChunkResult{Status: chunkuploader.StatusIncomplete}, nil
	case http.StatusOK, http.StatusCreated:
		var item driveItemResponse
		if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
			return chunkuploader.ChunkResult{}, fmt.Errorf("decode uploaded item: %w", err)
		}
		return chunkuploader.ChunkResult{
			Status: chunkuploader.StatusSucceeded,
			Item: &chunkuploader.Item{
				ID:     item.ID,
				Name:   item.Name,
				WebURL: item.WebURL,
				Size:   item.Size,
			},
		}, nil
	case http.StatusNotFound:
		// The upload URL disappears once the session expires
		return chunkuploader.ChunkResult{}, &chunkuploader.SessionExpiredError{Offset: chunk.Offset}
	default:
		return chunkuploader.ChunkResult{
			Status: chunkuploader.StatusFailed,
			Err:    fmt.Errorf("request %s: %w", requestID, unwrapError(resp, "upload session")),
		}, nil
	}
}

func (c apiClient) cancelUploadSession(ctx context.Context, uploadURL string) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodDelete, uploadURL, nil)
	if err != nil {
		return err
	}
	requestID := setRequestID(req)

	resp, err := c.uploadClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", requestID, err)
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			c.logger.Printf(err.Error())
		}
	}(resp.Body)

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("request %s: %w", requestID, unwrapError(resp, "upload session"))
	}

	return nil
}

func (c apiClient) checkNextExpected(ranges []string, chunk chunkuploader.Chunk) {
	if len(ranges) == 0 {
		return
	}

	expected := fmt.Sprintf("%d-", chunk.End()+1)
	if len(ranges[0]) < len(expected) || ranges[0][:len(expected)] != expected {
		c.logger.Warnf("Service expects range %v after chunk %d, sending %s next", ranges, chunk.Index+1, expected)
	}
}

func setRequestID(req *retryablehttp.Request) string {
	id := uuid.NewString()
	req.Header.Set(requestIDHeader, id)
	return id
}
