package transport

import (
	"context"
	"errors"
	"fmt"
)

// EventKind identifies a transport-side session event.
type EventKind string

const (
	EventQR          EventKind = "qr"
	EventAuth        EventKind = "authenticated"
	EventReady       EventKind = "ready"
	EventDisconnect  EventKind = "disconnected"
	EventAuthFailure EventKind = "auth_failure"
)

// Event is a notification emitted by a Client for its tenant's session.
type Event struct {
	Kind   EventKind
	Code   string // pairing payload, EventQR only
	Reason string // EventDisconnect / EventAuthFailure
}

// Payload is an outbound message body. Media is referenced, never inlined.
type Payload struct {
	Text     string
	MediaURL string
}

// Client is one tenant's handle to the chat provider.
//
// Implementations own the wire protocol; this repo only consumes the
// capability surface. A Client's Events channel is closed by Close.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	// Ping verifies the link is still alive. A failed ping is treated by the
	// caller as a disconnect.
	Ping(ctx context.Context) error

	SendMessage(ctx context.Context, recipient string, payload Payload) error

	Events() <-chan Event
	Close() error
}

// Dialer creates a fresh Client for a tenant. Called on every pairing attempt.
type Dialer interface {
	Dial(ctx context.Context, tenantID string) (Client, error)
}

// SendErrorKind classifies a failed send or connect.
type SendErrorKind string

const (
	// KindTransient failures are retryable through the delivery queue.
	KindTransient SendErrorKind = "transient"
	// KindRateLimited is the provider's throttle signal (HTTP-like 429).
	// It must never be retried immediately; the session enters cooldown.
	KindRateLimited SendErrorKind = "rate_limited"
	// KindFatal failures are not retryable at all (bad recipient, banned).
	KindFatal SendErrorKind = "fatal"
)

// SendError carries the provider's failure classification.
type SendError struct {
	Kind   SendErrorKind
	Status int // provider status code when available, 0 otherwise
	Msg    string
}

func (e *SendError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transport: %s (status %d): %s", e.Kind, e.Status, e.Msg)
	}
	return fmt.Sprintf("transport: %s: %s", e.Kind, e.Msg)
}

// IsRateLimited reports whether err is a provider throttle signal.
func IsRateLimited(err error) bool {
	var se *SendError
	if errors.As(err, &se) {
		return se.Kind == KindRateLimited || se.Status == 429
	}
	return false
}

// IsFatal reports whether err is a non-retryable send failure.
func IsFatal(err error) bool {
	var se *SendError
	if errors.As(err, &se) {
		return se.Kind == KindFatal
	}
	return false
}
