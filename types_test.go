package rcoder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHostPortString(t *testing.T) {
	assert.Equal(t, "10.0.0.1:443", HostPort{Host: "10.0.0.1", Port: 443}.String())
	assert.Equal(t, "[::1]:8443", HostPort{Host: "::1", Port: 8443}.String())
}

func TestBatchResultPreservesOrderAndDuplicates(t *testing.T) {
	b := NewBatchResult()
	b.Add(BatchKey{Command: "uptime", Ordinal: 0}, Result{Command: "uptime", ExitCode: 0})
	b.Add(BatchKey{Command: "false", Ordinal: 1}, Result{Command: "false", ExitCode: 1})
	b.Add(BatchKey{Command: "uptime", Ordinal: 2}, Result{Command: "uptime", ExitCode: 0, Duration: time.Second})

	require.Equal(t, 3, b.Len())

	keys := b.Keys()
	require.Len(t, keys, 3)
	assert.Equal(t, BatchKey{Command: "uptime", Ordinal: 0}, keys[0])
	assert.Equal(t, BatchKey{Command: "uptime", Ordinal: 2}, keys[2])

	// Duplicate command texts stay distinct slots.
	first, ok := b.Get(BatchKey{Command: "uptime", Ordinal: 0})
	require.True(t, ok)
	assert.Zero(t, first.Duration)
	second, ok := b.Get(BatchKey{Command: "uptime", Ordinal: 2})
	require.True(t, ok)
	assert.Equal(t, time.Second, second.Duration)

	key, res := b.At(1)
	assert.Equal(t, "false", key.Command)
	assert.Equal(t, 1, res.ExitCode)
}

func TestErrorStrings(t *testing.T) {
	te := &TimeoutError{Op: TimeoutCommand, Wait: 5 * time.Second}
	assert.True(t, te.Timeout())
	assert.Contains(t, te.Error(), "5s")

	pe := &ProtocolError{Kind: ProtocolMalformed, Detail: "bad frame"}
	assert.Contains(t, pe.Error(), "bad frame")

	re := &RestartTimeoutError{Elapsed: 90 * time.Second}
	assert.Contains(t, re.Error(), "1m30s")
}
