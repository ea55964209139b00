package rcoder

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// HostPort addresses a single relay hop or target.
type HostPort struct {
	Host string
	Port int
}

func (h HostPort) String() string {
	return net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
}

// ServerProfile is the immutable description of how to reach and
// authenticate to one remote host. Profiles are plain values; construct a
// new one rather than mutating an existing one.
type ServerProfile struct {
	// Name identifies the profile. The session registry keys on it, and the
	// authenticator uses it to look up the pinned host key.
	Name string

	Host string
	Port int

	// UseHTTPSDisguise wraps protocol frames in traffic shaped like an
	// ordinary HTTPS exchange. Cosmetic only; it is not a security boundary.
	UseHTTPSDisguise bool

	// ProxyChain is the ordered list of relay hops to tunnel through before
	// the final target. Empty means a direct connection.
	ProxyChain []HostPort

	// Timeout is the default per-operation timeout, overridable per command.
	Timeout time.Duration

	// RestartMaxWait bounds how long a wait-for-restart command waits for
	// the host to come back.
	RestartMaxWait time.Duration

	// MonitoringInterval is the period between background health probes.
	MonitoringInterval time.Duration
}

// Addr returns the final target address.
func (p ServerProfile) Addr() string {
	return HostPort{Host: p.Host, Port: p.Port}.String()
}

// Command is one unit of remote execution.
type Command struct {
	Text string

	// Timeout overrides the profile default when non-zero.
	Timeout time.Duration

	// WaitForRestart marks a command expected to drop the connection
	// (e.g. a reboot). The dispatcher then waits for the host to return
	// instead of treating the disconnect as a failure.
	WaitForRestart bool
}

// Result is the outcome of one command. A non-zero ExitCode is data, not an
// error; Err is set only for protocol-level failures (timeout, disconnect,
// malformed response), never for a command that merely failed.
type Result struct {
	Command  string
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration

	Err error
}

// BatchKey identifies one entry of a BatchResult. The ordinal is the
// position in the submitted batch, so duplicate command strings stay
// distinguishable.
type BatchKey struct {
	Command string
	Ordinal int
}

// BatchResult maps each submitted command to its Result, preserving
// submission order. It always has exactly one entry per input command.
type BatchResult struct {
	order   []BatchKey
	results map[BatchKey]Result
}

func NewBatchResult() *BatchResult {
	return &BatchResult{results: map[BatchKey]Result{}}
}

// Add appends a result. Keys are recorded in insertion order.
func (b *BatchResult) Add(key BatchKey, res Result) {
	if _, ok := b.results[key]; !ok {
		b.order = append(b.order, key)
	}
	b.results[key] = res
}

func (b *BatchResult) Get(key BatchKey) (Result, bool) {
	res, ok := b.results[key]
	return res, ok
}

// At returns the i-th entry in submission order.
func (b *BatchResult) At(i int) (BatchKey, Result) {
	key := b.order[i]
	return key, b.results[key]
}

// Keys returns all keys in submission order.
func (b *BatchResult) Keys() []BatchKey {
	keys := make([]BatchKey, len(b.order))
	copy(keys, b.order)
	return keys
}

func (b *BatchResult) Len() int { return len(b.order) }

func (b *BatchResult) String() string {
	return fmt.Sprintf("BatchResult(%d commands)", len(b.order))
}
