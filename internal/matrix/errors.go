package matrix

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"maunium.net/go/mautrix"
)

// Failure classification happens here, at the layer that can see the protocol
// response. Callers (resolver, send queues) only consume the classification
// and never reclassify.

var (
	// ErrRecipientUnknown means the identity does not exist on the network.
	// Never retried.
	ErrRecipientUnknown = errors.New("recipient unknown")

	// ErrChannelGone means the cached channel is no longer valid (kicked,
	// room tombstoned, forbidden). The resolver drops the cache entry.
	ErrChannelGone = errors.New("channel no longer valid")
)

// SendError wraps a protocol failure with its retry classification.
type SendError struct {
	Op        string // "create", "send", "upload", "join"
	Transient bool

	// RetryAfter is the server-requested pause (M_LIMIT_EXCEEDED). Zero when
	// the server did not say; the caller's own backoff applies then.
	RetryAfter time.Duration

	Err error
}

func (e *SendError) Error() string {
	kind := "fatal"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, kind, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying with backoff.
func IsTransient(err error) bool {
	var se *SendError
	if errors.As(err, &se) {
		return se.Transient
	}
	return false
}

// RetryAfter returns the server-requested delay, if any.
func RetryAfter(err error) time.Duration {
	var se *SendError
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}

// classify maps a raw mautrix/transport error onto the taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	// Timeouts and connection-level failures: transient.
	if errors.Is(err, context.DeadlineExceeded) {
		return &SendError{Op: op, Transient: true, Err: err}
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return &SendError{Op: op, Transient: true, Err: err}
	}

	if errors.Is(err, mautrix.MLimitExceeded) {
		return &SendError{Op: op, Transient: true, RetryAfter: retryAfterOf(err), Err: err}
	}

	// Permission / nonexistence: retrying cannot succeed.
	if errors.Is(err, mautrix.MForbidden) ||
		errors.Is(err, mautrix.MNotFound) ||
		errors.Is(err, mautrix.MUnknownToken) {
		return &SendError{Op: op, Err: err}
	}

	var httpErr mautrix.HTTPError
	if errors.As(err, &httpErr) && httpErr.Response != nil {
		if httpErr.Response.StatusCode >= 500 {
			return &SendError{Op: op, Transient: true, Err: err}
		}
		return &SendError{Op: op, Err: err}
	}

	// Unknown shape (DNS failures etc. usually satisfy net.Error above).
	// Treat as transient so a flaky network never turns into dropped jobs.
	return &SendError{Op: op, Transient: true, Err: err}
}

// retryAfterOf extracts retry_after_ms from an M_LIMIT_EXCEEDED response.
func retryAfterOf(err error) time.Duration {
	var httpErr mautrix.HTTPError
	if !errors.As(err, &httpErr) {
		return 0
	}
	if httpErr.RespError != nil {
		if v, ok := httpErr.RespError.ExtraData["retry_after_ms"]; ok {
			switch n := v.(type) {
			case float64:
				return time.Duration(n) * time.Millisecond
			case int64:
				return time.Duration(n) * time.Millisecond
			}
		}
	}
	if httpErr.Response != nil {
		if s := httpErr.Response.Header.Get("Retry-After"); s != "" {
			if secs, perr := strconv.Atoi(s); perr == nil && secs > 0 {
				return time.Duration(secs) * time.Second
			}
		}
	}
	return 0
}

// classifyCreate is like classify but folds "no such user" responses into
// ErrRecipientUnknown so the resolver can reject instead of retrying.
func classifyCreate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mautrix.MNotFound) || errors.Is(err, mautrix.MInvalidUsername) {
		return fmt.Errorf("%w: %w", ErrRecipientUnknown, err)
	}
	var httpErr mautrix.HTTPError
	if errors.As(err, &httpErr) && httpErr.Response != nil &&
		httpErr.Response.StatusCode == 400 && !errors.Is(err, mautrix.MLimitExceeded) {
		return fmt.Errorf("%w: %w", ErrRecipientUnknown, err)
	}
	return classify("create", err)
}
