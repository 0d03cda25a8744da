package oracle

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies a call failure for retry and pacing decisions.
type Kind int

const (
	// KindThrottled means the oracle explicitly asked us to slow down.
	KindThrottled Kind = iota + 1
	// KindTransient covers timeouts, connection failures and short-lived
	// upstream unavailability; a retry may succeed.
	KindTransient
	// KindPermanent means the request itself was rejected; retrying the
	// same input cannot succeed.
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindThrottled:
		return "throttled"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// CallError is a classified oracle failure. Status carries the HTTP
// status when the failure came from a response; Code carries the oracle
// error code when one was returned.
type CallError struct {
	Kind    Kind
	Status  int
	Code    string
	Message string
}

func (e *CallError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("oracle call %s (status %d): %s", e.Kind, e.Status, e.Message)
	}
	if e.Code != "" {
		return fmt.Sprintf("oracle rejected request (%s): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("oracle call %s: %s", e.Kind, e.Message)
}

// KindOf classifies an arbitrary call error. Unrecognized errors count
// as transient; the retry budget bounds them either way.
func KindOf(err error) Kind {
	if err == nil {
		return 0
	}
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindTransient
	}
	return KindTransient
}

// Retryable reports whether a failed call may be attempted again with
// the same input.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindThrottled, KindTransient:
		return true
	default:
		return false
	}
}
