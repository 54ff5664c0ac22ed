package client

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestAPIError_Error(t *testing.T) {
	tests := []struct {
		name     string
		apiError *APIError
		expected string
	}{
		{
			name: "with request id",
			apiError: &APIError{
				StatusCode: 400,
				ErrorClass: ErrorClassClient,
				Method:     "POST",
				Path:       "/client/1/host/search",
				Message:    "invalid filter",
				RequestID:  "abc",
			},
			expected: "platform client error (status 400) on POST /client/1/host/search: invalid filter (request_id=abc)",
		},
		{
			name: "without message falls back to status text",
			apiError: &APIError{
				StatusCode: 503,
				ErrorClass: ErrorClassServer,
				Method:     "GET",
				Path:       "/client/1/export/5/status",
			},
			expected: "platform server error (status 503) on GET /client/1/export/5/status: Service Unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.apiError.Error()
			if result != tt.expected {
				t.Errorf("Error() = %q, want %q", result, tt.expected)
			}
		})
	}
}

func TestTransportError_Unwrap(t *testing.T) {
	wrappedErr := errors.New("connection refused")
	transportErr := &TransportError{Method: "GET", Path: "/x", Err: wrappedErr}

	if transportErr.Unwrap() != wrappedErr {
		t.Errorf("Unwrap() = %v, want %v", transportErr.Unwrap(), wrappedErr)
	}
	if !errors.Is(fmt.Errorf("fetch: %w", transportErr), wrappedErr) {
		t.Error("errors.Is should reach the wrapped error")
	}
	if transportErr.Error() != "platform request GET /x failed: connection refused" {
		t.Errorf("Error() = %q", transportErr.Error())
	}
}

func TestIsNotFound(t *testing.T) {
	notFound := &APIError{StatusCode: http.StatusNotFound}
	badRequest := &APIError{StatusCode: http.StatusBadRequest}

	if !IsNotFound(fmt.Errorf("wrapped: %w", notFound)) {
		t.Error("IsNotFound should match a wrapped 404")
	}
	if IsNotFound(badRequest) {
		t.Error("IsNotFound should not match a 400")
	}
	if IsNotFound(errors.New("plain")) {
		t.Error("IsNotFound should not match a plain error")
	}
}

func TestParseError(t *testing.T) {
	headers := http.Header{}
	headers.Set("X-Request-ID", "rid")

	tests := []struct {
		name    string
		body    string
		message string
	}{
		{name: "message field", body: `{"message":"m"}`, message: "m"},
		{name: "error field", body: `{"error":"e"}`, message: "e"},
		{name: "errors array", body: `{"errors":[{"message":"first"},{"message":"second"}]}`, message: "first"},
		{name: "non json", body: `<html>oops</html>`, message: "<html>oops</html>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			apiErr := parseError(http.StatusBadRequest, []byte(tt.body), headers)
			if apiErr.Message != tt.message {
				t.Errorf("Message = %q, want %q", apiErr.Message, tt.message)
			}
			if apiErr.RequestID != "rid" {
				t.Errorf("RequestID = %q, want rid", apiErr.RequestID)
			}
		})
	}
}
