package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
)

// AuthorizationError means the credential is rejected or lacks the required write scope.
type AuthorizationError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *AuthorizationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("not authorized: %s", e.Err)
	}
	return fmt.Sprintf("not authorized: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *AuthorizationError) Unwrap() error {
	return e.Err
}

// NotFoundError means the identity or destination does not resolve.
type NotFoundError struct {
	Resource   string
	StatusCode int
	Message    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.Message)
}

// TransientServiceError is a retriable service failure (throttling or 5xx) that outlived the retries.
type TransientServiceError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *TransientServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("service unavailable: %s", e.Err)
	}
	return fmt.Sprintf("service unavailable: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *TransientServiceError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is worth retrying with a new attempt.
func IsTransient(err error) bool {
	var transient *TransientServiceError
	return errors.As(err, &transient)
}

type graphErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// unwrapError turns a non-success response into a typed error. resource names what a 404 refers to.
func unwrapError(resp *http.Response, resource string) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return err
	}

	message := strings.TrimSpace(string(body))
	var graphErr graphErrorResponse
	if err := json.Unmarshal(body, &graphErr); err == nil && graphErr.Error.Message != "" {
		message = fmt.Sprintf("%s (%s)", graphErr.Error.Message, graphErr.Error.Code)
	}

	return statusError(resp.StatusCode, message, resource)
}

func statusError(statusCode int, message, resource string) error {
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return &AuthorizationError{StatusCode: statusCode, Message: message}
	case statusCode == http.StatusNotFound:
		return &NotFoundError{Resource: resource, StatusCode: statusCode, Message: message}
	case statusCode == http.StatusTooManyRequests || statusCode >= 500:
		return &TransientServiceError{StatusCode: statusCode, Message: message}
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, message)
	}
}

// classifyTransportError maps errors raised before any service response, like token retrieval failures.
func classifyTransportError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.Response != nil && retrieveErr.Response.StatusCode >= 500 {
			return &TransientServiceError{StatusCode: retrieveErr.Response.StatusCode, Err: err}
		}
		return &AuthorizationError{Err: err}
	}
	return err
}
