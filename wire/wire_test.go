package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcoder/rcoder"
)

func pipeCodecs(t *testing.T, opts ...CodecOption) (*Codec, *Codec) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return NewCodec(a, opts...), NewCodec(b, opts...)
}

func roundTrip(t *testing.T, w, r *Codec, f Frame) Frame {
	t.Helper()
	errc := make(chan error, 1)
	go func() {
		errc <- w.WriteFrame(f)
	}()
	got, err := r.ReadFrame()
	require.NoError(t, err)
	require.NoError(t, <-errc)
	return got
}

func TestCodecRoundTrip(t *testing.T) {
	client, server := pipeCodecs(t)

	payload, err := json.Marshal(ExecRequest{Command: "uptime", TimeoutMS: 1000})
	require.NoError(t, err)

	got := roundTrip(t, client, server, Frame{Type: TypeCommand, ID: "req-1", Payload: payload})
	assert.Equal(t, TypeCommand, got.Type)
	assert.Equal(t, "req-1", got.ID)

	var req ExecRequest
	require.NoError(t, json.Unmarshal(got.Payload, &req))
	assert.Equal(t, "uptime", req.Command)
}

func TestCodecMACRejectsTamperedFrame(t *testing.T) {
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	writer := NewCodec(a)
	reader := NewCodec(b)
	key := []byte("0123456789abcdef0123456789abcdef")
	writer.SetKey(key)
	reader.SetKey(key)

	// Tamper with the payload after the MAC was computed.
	errc := make(chan error, 1)
	go func() {
		var f Frame
		f.Type = TypeCommand
		f.ID = "req-1"
		f.Payload = json.RawMessage(`{"command":"uptime"}`)
		f.MAC = frameMAC(key, f)
		f.Payload = json.RawMessage(`{"command":"reboot"}`)
		body, err := json.Marshal(f)
		if err != nil {
			errc <- err
			return
		}
		out := make([]byte, 4+len(body))
		binary.BigEndian.PutUint32(out, uint32(len(body)))
		copy(out[4:], body)
		_, err = a.Write(out)
		errc <- err
	}()

	_, err := reader.ReadFrame()
	require.NoError(t, <-errc)
	var perr *rcoder.ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, rcoder.ProtocolMalformed, perr.Kind)
}

func TestCodecKeyedRoundTrip(t *testing.T) {
	client, server := pipeCodecs(t)
	key := []byte("0123456789abcdef0123456789abcdef")
	client.SetKey(key)
	server.SetKey(key)

	got := roundTrip(t, client, server, Frame{Type: TypePing, ID: "ping-1"})
	assert.Equal(t, TypePing, got.Type)
	assert.NotEmpty(t, got.MAC)
}

func TestCodecRejectsOversizeFrame(t *testing.T) {
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	reader := NewCodec(b)

	go func() {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], MaxFrameSize+1)
		a.Write(lenBuf[:])
	}()

	_, err := reader.ReadFrame()
	var perr *rcoder.ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, rcoder.ProtocolMalformed, perr.Kind)
}

func TestCodecRejectsUnparseableFrame(t *testing.T) {
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	reader := NewCodec(b)

	go func() {
		body := []byte("this is not json")
		out := make([]byte, 4+len(body))
		binary.BigEndian.PutUint32(out, uint32(len(body)))
		copy(out[4:], body)
		a.Write(out)
	}()

	_, err := reader.ReadFrame()
	var perr *rcoder.ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, rcoder.ProtocolDecode, perr.Kind)
}

func TestCodecReadAfterCloseFails(t *testing.T) {
	a, b := net.Pipe()
	reader := NewCodec(b)
	a.Close()
	_, err := reader.ReadFrame()
	require.Error(t, err)
	var perr *rcoder.ProtocolError
	assert.False(t, errors.As(err, &perr), "transport errors must not look like protocol errors")
}
