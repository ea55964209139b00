package rcoder

import (
	"fmt"
	"time"
)

// Timeout operations.
const (
	TimeoutCommand   = "command"
	TimeoutHandshake = "handshake"
)

// TimeoutError reports a blocking wait that exceeded its deadline. The
// in-flight request is abandoned locally; no remote cancellation is
// attempted.
type TimeoutError struct {
	Op   string // "command" or "handshake"
	Wait time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Wait > 0 {
		return fmt.Sprintf("%s timed out after %s", e.Op, e.Wait)
	}
	return fmt.Sprintf("%s timed out", e.Op)
}

// Timeout implements the net.Error convention.
func (e *TimeoutError) Timeout() bool { return true }

// ProtocolError kinds.
const (
	ProtocolMalformed           = "malformed"
	ProtocolDecode              = "decode"
	ProtocolCorrelationMismatch = "correlation_mismatch"
)

// ProtocolError reports a violation of the wire protocol: unparseable
// frames, failed integrity checks, or responses that cannot be matched to a
// request.
type ProtocolError struct {
	Kind   string
	Detail string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("protocol error (%s)", e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// RestartTimeoutError reports that a host did not come back within
// RestartMaxWait after a wait-for-restart command.
type RestartTimeoutError struct {
	Elapsed time.Duration
}

func (e *RestartTimeoutError) Error() string {
	return fmt.Sprintf("host did not come back after restart (waited %s)", e.Elapsed.Round(time.Millisecond))
}
