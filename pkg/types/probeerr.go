package types

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ProbeErrorKind classifies probe failures. Transient kinds are retried with
// backoff inside one probe invocation; permanent kinds fail the job
// immediately.
type ProbeErrorKind string

const (
	ProbeErrTimeout            ProbeErrorKind = "TIMEOUT"
	ProbeErrNetworkUnreachable ProbeErrorKind = "NETWORK_UNREACHABLE"
	ProbeErrInvalidTarget      ProbeErrorKind = "INVALID_TARGET"
	ProbeErrRateLimited        ProbeErrorKind = "RATE_LIMITED"
	ProbeErrInternal           ProbeErrorKind = "INTERNAL"
)

type ProbeError struct {
	Kind   ProbeErrorKind
	Probe  string
	Target string
	Err    error
}

func (e *ProbeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: probe %s against %s: %v", e.Kind, e.Probe, e.Target, e.Err)
	}
	return fmt.Sprintf("%s: probe %s against %s", e.Kind, e.Probe, e.Target)
}

func (e *ProbeError) Unwrap() error {
	return e.Err
}

// Transient reports whether retrying the same invocation can help.
func (e *ProbeError) Transient() bool {
	switch e.Kind {
	case ProbeErrTimeout, ProbeErrNetworkUnreachable, ProbeErrRateLimited:
		return true
	}
	return false
}

func NewProbeError(kind ProbeErrorKind, probe, target string, err error) *ProbeError {
	return &ProbeError{Kind: kind, Probe: probe, Target: target, Err: err}
}

// ClassifyProbeError wraps an arbitrary error from a network operation into a
// ProbeError, inspecting context and net errors to pick the kind.
func ClassifyProbeError(probe, target string, err error) *ProbeError {
	if err == nil {
		return nil
	}
	var pe *ProbeError
	if errors.As(err, &pe) {
		return pe
	}
	kind := ProbeErrInternal
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = ProbeErrTimeout
	case errors.Is(err, context.Canceled):
		kind = ProbeErrTimeout
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			kind = ProbeErrTimeout
		} else {
			var opErr *net.OpError
			if errors.As(err, &opErr) {
				kind = ProbeErrNetworkUnreachable
			}
		}
	}
	return &ProbeError{Kind: kind, Probe: probe, Target: target, Err: err}
}
