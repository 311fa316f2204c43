package authclient

import (
	"fmt"
	"time"
)

// OAuth error codes the orchestrator branches on.
const (
	ErrorCodeInvalidRequest = "invalid_request"
	ErrorCodeInvalidGrant   = "invalid_grant"
	ErrorCodeInvalidClient  = "invalid_client"
	ErrorCodeInvalidScope   = "invalid_scope"
	ErrorCodeInteractionReq = "interaction_required"
	ErrorCodeServerError    = "server_error"
	ErrorCodeTempUnavail    = "temporarily_unavailable"
)

// Sub-error codes that mark an invalid_grant as requiring interaction
// rather than being a hard failure.
const (
	SubErrorBasicAction      = "basic_action"
	SubErrorAdditionalAction = "additional_action"
	SubErrorMessageOnly      = "message_only"
	SubErrorConsentRequired  = "consent_required"
	SubErrorBadToken         = "bad_token"
)

// ClientError is a programming or input mistake: a malformed parameter, a
// missing required field. Never retried, surfaced immediately.
type ClientError struct {
	Message string
}

func (e *ClientError) Error() string {
	return "authclient: " + e.Message
}

// NewClientError creates a ClientError with a formatted message.
func NewClientError(format string, args ...any) *ClientError {
	return &ClientError{Message: fmt.Sprintf(format, args...)}
}

// ServiceError is a rejection by the identity provider. It carries
// everything the caller needs to decide between retrying, prompting the
// user, and giving up, and it feeds the throttling gate.
type ServiceError struct {
	StatusCode    int
	ErrorCode     string
	SubError      string
	Description   string
	Claims        string
	CorrelationID string
	RetryAfter    time.Duration
}

func (e *ServiceError) Error() string {
	msg := fmt.Sprintf("token request rejected (%d %s", e.StatusCode, e.ErrorCode)
	if e.SubError != "" {
		msg += "/" + e.SubError
	}
	msg += ")"
	if e.Description != "" {
		msg += ": " + e.Description
	}
	if e.CorrelationID != "" {
		msg += " [correlation_id=" + e.CorrelationID + "]"
	}
	return msg
}

// Retryable reports whether the failure is transient on the service side.
func (e *ServiceError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// interactionRequired reports whether the error means a silent flow cannot
// complete and the user has to participate.
func (e *ServiceError) interactionRequired() bool {
	switch e.ErrorCode {
	case ErrorCodeInteractionReq:
		return true
	case ErrorCodeInvalidGrant:
		switch e.SubError {
		case SubErrorBasicAction, SubErrorAdditionalAction,
			SubErrorMessageOnly, SubErrorConsentRequired, SubErrorBadToken:
			return true
		}
	}
	return false
}

// UIRequiredError signals that the silent path is exhausted and the caller
// (or the orchestrator's interactive branch) must involve the user. It is a
// routing signal, not a fatal outcome.
type UIRequiredError struct {
	ServiceError
}

// NewUIRequiredError wraps a service rejection as a UI-required signal.
func NewUIRequiredError(se *ServiceError) *UIRequiredError {
	return &UIRequiredError{ServiceError: *se}
}

func (e *UIRequiredError) Error() string {
	return "interaction required: " + e.ServiceError.Error()
}

// ThrottledError wraps a previously recorded ServiceError replayed by the
// throttling gate without a network call. Unwrap exposes the original
// failure so callers can distinguish a replay from a fresh rejection.
type ThrottledError struct {
	// Wrapped is the failure recorded when the backoff window opened.
	Wrapped error
}

func (e *ThrottledError) Error() string {
	return "request throttled, replaying previous failure: " + e.Wrapped.Error()
}

func (e *ThrottledError) Unwrap() error {
	return e.Wrapped
}
