package agora

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrInvalidConfig is returned by NewClient for an unusable base URL or token.
var ErrInvalidConfig = errors.New("agora: invalid client config")

// TransportError wraps any failure talking to the POS platform: network
// errors, timeouts, unexpected status codes and undecodable bodies.
type TransportError struct {
	Op         string
	URL        string
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.StatusCode != 0 && e.Body != "":
		return fmt.Sprintf("agora %s %s: status %d: %s", e.Op, e.URL, e.StatusCode, e.Body)
	case e.StatusCode != 0:
		return fmt.Sprintf("agora %s %s: status %d", e.Op, e.URL, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("agora %s %s: %v", e.Op, e.URL, e.Err)
	}
	return fmt.Sprintf("agora %s %s: failed", e.Op, e.URL)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Timeout reports whether the failure was a deadline.
func (e *TransportError) Timeout() bool {
	if e == nil || e.Err == nil {
		return false
	}
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

// Unreachable reports whether the POS could not be reached at all, as
// opposed to answering with an error status or an undecodable body.
func (e *TransportError) Unreachable() bool {
	if e == nil || e.StatusCode != 0 || e.Err == nil {
		return false
	}
	if errors.Is(e.Err, context.Canceled) {
		return false
	}
	if e.Timeout() {
		return true
	}
	var netErr net.Error
	return errors.As(e.Err, &netErr)
}

// IsUnreachable reports whether err is a network or timeout failure
// talking to the POS.
func IsUnreachable(err error) bool {
	var target *TransportError
	return errors.As(err, &target) && target.Unreachable()
}

// IsTransport reports whether err came from the transport layer.
func IsTransport(err error) bool {
	var target *TransportError
	return errors.As(err, &target)
}
