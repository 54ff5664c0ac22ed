package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Common errors returned by the client.
var (
	ErrNoBaseURL        = errors.New("base URL is required")
	ErrNoAPIKey         = errors.New("API key is required")
	ErrResponseTooLarge = errors.New("response too large")
	ErrDecodeResponse   = errors.New("decode response")
)

// ErrorClass represents a classification of request failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors (bad filter, not found).
	ErrorClassClient ErrorClass = "client"

	// ErrorClassAuth represents 401/403 responses.
	ErrorClassAuth ErrorClass = "auth"

	// ErrorClassRateLimit represents 429 responses.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassNetwork represents transport failures and timeouts.
	ErrorClassNetwork ErrorClass = "network"
)

// APIError is returned when the platform rejects a request with a non-2xx status.
type APIError struct {
	StatusCode int
	ErrorClass ErrorClass
	Method     string
	Path       string
	Message    string
	RequestID  string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.RequestID != "" {
		return fmt.Sprintf("platform %s error (status %d) on %s %s: %s (request_id=%s)",
			e.ErrorClass, e.StatusCode, e.Method, e.Path, msg, e.RequestID)
	}
	return fmt.Sprintf("platform %s error (status %d) on %s %s: %s",
		e.ErrorClass, e.StatusCode, e.Method, e.Path, msg)
}

// TransportError is returned when the HTTP exchange itself could not complete.
type TransportError struct {
	Method string
	Path   string
	Err    error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("platform request %s %s failed: %v", e.Method, e.Path, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is an *APIError with status 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// parseError converts an error response body into an *APIError. The platform
// reports failures as {"message": ...} or {"error": ..., "errors": [...]}.
func parseError(statusCode int, body []byte, headers http.Header) *APIError {
	apiErr := &APIError{
		StatusCode: statusCode,
		RequestID:  headers.Get(headerRequestID),
	}

	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
		Errors  []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		apiErr.Message = string(body)
		return apiErr
	}

	switch {
	case payload.Message != "":
		apiErr.Message = payload.Message
	case len(payload.Errors) > 0 && payload.Errors[0].Message != "":
		apiErr.Message = payload.Errors[0].Message
	default:
		apiErr.Message = payload.Error
	}

	return apiErr
}
