package igclient

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Failure kinds surfaced to callers. Check them with errors.Is.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountRestricted  = errors.New("account restricted")
	ErrChallengeRequired  = errors.New("challenge required")
	ErrSessionExpired     = errors.New("session expired")
	ErrThrottled          = errors.New("throttled by platform")
	ErrNotFound           = errors.New("not found")
	// ErrMissingSecret means neither a password nor a session blob was supplied.
	ErrMissingSecret = errors.New("password or session blob required")
)

// APIError is a non-2xx answer from the platform.
type APIError struct {
	Status  int
	Type    string // error_type from the body, may be empty
	Message string
	kind    error
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Type != "" {
		return fmt.Sprintf("instagram api %d (%s): %s", e.Status, e.Type, msg)
	}
	return fmt.Sprintf("instagram api %d: %s", e.Status, msg)
}

// Unwrap exposes the failure kind, nil when the answer could not be classified.
func (e *APIError) Unwrap() error { return e.kind }

// errorBody is the common failure envelope of the private API.
type errorBody struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	ErrorType string `json:"error_type"`
	Spam      bool   `json:"spam"`
	Challenge *struct {
		URL string `json:"url"`
	} `json:"challenge"`
}

// classify maps a failed response to one of the sentinel kinds.
func classify(status int, b errorBody) error {
	switch b.ErrorType {
	case "bad_password", "invalid_user", "invalid_parameters", "unusable_password":
		return ErrInvalidCredentials
	case "checkpoint_challenge_required", "challenge_required", "two_factor_required":
		return ErrChallengeRequired
	case "inactive_user", "sentry_block", "consent_required", "ip_block":
		return ErrAccountRestricted
	case "rate_limit_error":
		return ErrThrottled
	}
	if b.Challenge != nil {
		return ErrChallengeRequired
	}
	if b.Spam {
		return ErrThrottled
	}
	// A few answers only carry a code in message.
	switch strings.TrimSpace(b.Message) {
	case "challenge_required", "checkpoint_required":
		return ErrChallengeRequired
	case "login_required", "user_has_logged_out":
		return ErrSessionExpired
	case "feedback_required":
		return ErrThrottled
	}
	switch {
	case status == http.StatusTooManyRequests:
		return ErrThrottled
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return ErrSessionExpired
	}
	return nil
}
