package authclient

import (
	"errors"
	"testing"
)

func TestServiceError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  ServiceError
		want string
	}{
		{
			name: "code only",
			err:  ServiceError{StatusCode: 500, ErrorCode: "server_error"},
			want: "token request rejected (500 server_error)",
		},
		{
			name: "with suberror and description",
			err: ServiceError{
				StatusCode:  400,
				ErrorCode:   "invalid_grant",
				SubError:    "bad_token",
				Description: "refresh token revoked",
			},
			want: "token request rejected (400 invalid_grant/bad_token): refresh token revoked",
		},
		{
			name: "with correlation id",
			err: ServiceError{
				StatusCode:    429,
				ErrorCode:     "invalid_request",
				CorrelationID: "abc-123",
			},
			want: "token request rejected (429 invalid_request) [correlation_id=abc-123]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("ServiceError.Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestServiceError_Retryable(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   bool
	}{
		{"too many requests", 429, true},
		{"internal server error", 500, true},
		{"service unavailable", 503, true},
		{"bad request", 400, false},
		{"unauthorized", 401, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &ServiceError{StatusCode: tt.status}
			if got := e.Retryable(); got != tt.want {
				t.Errorf("Retryable() with status %d = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestServiceError_InteractionRequired(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		subError string
		want     bool
	}{
		{"interaction required", ErrorCodeInteractionReq, "", true},
		{"invalid grant with bad token", ErrorCodeInvalidGrant, SubErrorBadToken, true},
		{"invalid grant with consent required", ErrorCodeInvalidGrant, SubErrorConsentRequired, true},
		{"invalid grant with basic action", ErrorCodeInvalidGrant, SubErrorBasicAction, true},
		{"invalid grant without suberror", ErrorCodeInvalidGrant, "", false},
		{"invalid grant with unknown suberror", ErrorCodeInvalidGrant, "something_else", false},
		{"server error", ErrorCodeServerError, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &ServiceError{ErrorCode: tt.code, SubError: tt.subError}
			if got := e.interactionRequired(); got != tt.want {
				t.Errorf("interactionRequired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestThrottledError_Unwrap(t *testing.T) {
	original := &ServiceError{StatusCode: 503, ErrorCode: ErrorCodeTempUnavail}
	throttled := &ThrottledError{Wrapped: original}

	var se *ServiceError
	if !errors.As(throttled, &se) {
		t.Fatal("ThrottledError should unwrap to *ServiceError")
	}
	if se.StatusCode != 503 {
		t.Errorf("unwrapped StatusCode = %d, want 503", se.StatusCode)
	}
}

func TestNewClientError(t *testing.T) {
	err := NewClientError("missing %s", "scope")
	if got, want := err.Error(), "authclient: missing scope"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
