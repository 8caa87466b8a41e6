package chat

import (
	"context"
	"errors"
)

var (
	// ErrAuth rejects a connection attempt: the identity token is bad or expired.
	ErrAuth = errors.New("authentication failed")
	// ErrUnauthorized is a forbidden topic action on a valid session.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidContent is a message that fails size or format validation.
	ErrInvalidContent = errors.New("invalid content")
	// ErrForbidden is a delete attempted by someone who is neither author nor owner.
	ErrForbidden = errors.New("forbidden")
	// ErrStoreUnavailable means the durable backend failed or timed out. Retry with backoff.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrSessionClosed is any operation on a torn-down session.
	ErrSessionClosed = errors.New("session closed")

	ErrNotFound         = errors.New("not found")
	ErrInvalidTopic     = errors.New("invalid topic")
	ErrRateLimited      = errors.New("rate limited")
	ErrSlowConsumer     = errors.New("outbound queue full")
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
	ErrShutdown         = errors.New("server shutting down")
)

// Code maps err onto the stable identifier used on the wire.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInvalidContent), errors.Is(err, ErrInvalidTopic):
		return "invalid_content"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrStoreUnavailable), errors.Is(err, context.DeadlineExceeded):
		return "store_unavailable"
	case errors.Is(err, ErrSessionClosed):
		return "session_closed"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrSlowConsumer):
		return "slow_consumer"
	case errors.Is(err, ErrHeartbeatTimeout):
		return "heartbeat_timeout"
	case errors.Is(err, ErrShutdown):
		return "shutdown"
	default:
		return "internal"
	}
}

// Retryable reports whether the same request may succeed later.
func Retryable(err error) bool {
	switch Code(err) {
	case "store_unavailable", "rate_limited":
		return true
	default:
		return false
	}
}
