package gmail

import (
	"errors"
	"fmt"
	"time"
)

// RateLimitError indicates the upstream refused the request for quota
// reasons. The client has already throttled its limiter; callers may retry.
type RateLimitError struct {
	Status     int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (%d), retry after %s", e.Status, e.RetryAfter)
}

// AuthError indicates expired or revoked credentials. It is never retried.
type AuthError struct {
	Status int
	Body   string
}

func (e *AuthError) Error() string {
	if e.Status == 0 {
		return "authentication failed: re-authentication required: " + e.Body
	}
	if e.Body == "" {
		return fmt.Sprintf("authentication failed (%d): re-authentication required", e.Status)
	}
	return fmt.Sprintf("authentication failed (%d): re-authentication required: %s", e.Status, e.Body)
}

// ServerError covers upstream 5xx responses and transport failures,
// including timeouts from the underlying HTTP client.
type ServerError struct {
	Status int // 0 for transport errors
	Err    error
}

func (e *ServerError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("transport error: %v", e.Err)
	}
	return fmt.Sprintf("server error (%d)", e.Status)
}

func (e *ServerError) Unwrap() error { return e.Err }

// NotFoundError indicates a 404 response.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s", e.Path)
}

// IsTransient reports whether err is worth retrying: a rate-limit
// response or a server/transport error.
func IsTransient(err error) bool {
	var rl *RateLimitError
	var se *ServerError
	return errors.As(err, &rl) || errors.As(err, &se)
}

// IsAuth reports whether err signals revoked or expired credentials.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
