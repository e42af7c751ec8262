package clients

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"
)

var (
	// ErrUnknownSource is returned when no adapter is registered under a source name
	ErrUnknownSource = errors.New("unknown source system")
	// ErrMissingRefreshToken is returned when a refresh response does not rotate the refresh token
	ErrMissingRefreshToken = errors.New("token response did not contain a new refresh token")
	// ErrRefreshNotSupported is returned for adapters without a refresh grant
	ErrRefreshNotSupported = errors.New("source does not support token refresh")
)

// AuthenticationError covers rejected webhook signatures and expired or invalid OAuth tokens
type AuthenticationError struct {
	Op  string
	Err error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed during %s: %v", e.Op, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// ValidationError is a permanent failure caused by the request or the product itself
type ValidationError struct {
	Op      string
	Reasons []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed during %s: %s", e.Op, strings.Join(e.Reasons, "; "))
}

// TransientError is a failure worth retrying: timeouts, 5xx responses, rate limits
type TransientError struct {
	Op         string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient failure during %s (status %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient failure during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ErrorClass is the retry decision derived from an error
type ErrorClass string

const (
	ClassTransient ErrorClass = "transient"
	ClassPermanent ErrorClass = "permanent"
)

// Classify maps any error onto the retry taxonomy. Errors nobody classified are transient,
// so a poison item is bounded by the retry ceiling rather than dropped on first sight.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassPermanent
	}

	var authErr *AuthenticationError
	var validationErr *ValidationError
	var transientErr *TransientError
	switch {
	case errors.As(err, &transientErr):
		return ClassTransient
	case errors.As(err, &authErr), errors.As(err, &validationErr):
		return ClassPermanent
	}
	// Deadlines, net.Error timeouts and anything unrecognised
	return ClassTransient
}

// IsAuthError reports whether err is an AuthenticationError
func IsAuthError(err error) bool {
	var authErr *AuthenticationError
	return errors.As(err, &authErr)
}

// maxErrorDetail bounds how much of a response body ends up in an error message
const maxErrorDetail = 512

// truncateUTF8 cuts s to at most max bytes without splitting a character
func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

// ClassifyStatus converts a non-2xx HTTP response into the matching taxonomy error
func ClassifyStatus(op string, statusCode int, body []byte) error {
	detail := truncateUTF8(strings.TrimSpace(string(body)), maxErrorDetail)
	cause := fmt.Errorf("status %d: %s", statusCode, detail)

	switch {
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		return &AuthenticationError{Op: op, Err: cause}
	case statusCode == http.StatusRequestTimeout,
		statusCode == http.StatusTooEarly,
		statusCode == http.StatusTooManyRequests,
		statusCode >= 500:
		return &TransientError{Op: op, StatusCode: statusCode, Err: cause}
	default:
		return &ValidationError{Op: op, Reasons: []string{cause.Error()}}
	}
}

// WrapTransport classifies an error returned by http.Client.Do. Everything that failed before a
// response arrived (timeouts, refused connections, resets) is transient unless the context was cancelled.
func WrapTransport(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &TransientError{Op: op, Err: err}
}
