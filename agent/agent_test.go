package agent

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"encoding/json"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcoder/rcoder"
	"github.com/rcoder/rcoder/auth"
	"github.com/rcoder/rcoder/transport"
	"github.com/rcoder/rcoder/wire"
)

func startTestAgent(t *testing.T) (*Agent, *auth.Credentials) {
	t.Helper()
	hostPub, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	clientPub, clientPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	a := New(
		auth.NewVerifier(hostPriv, map[string]ed25519.PublicKey{"tester": clientPub}),
		WithListenAddr("127.0.0.1:0"),
	)
	require.NoError(t, a.Start())
	t.Cleanup(func() { a.Stop() })

	creds := &auth.Credentials{
		ClientID:   "tester",
		PrivateKey: clientPriv,
		HostKeys:   map[string]ed25519.PublicKey{"test": hostPub},
	}
	return a, creds
}

// dialRaw opens a TLS connection and completes the handshake with a plain
// length-prefixed codec.
func dialRaw(t *testing.T, a *Agent, creds *auth.Credentials) *wire.Codec {
	t.Helper()
	conn, err := tls.Dial("tcp", a.Addr(), &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	codec := wire.NewCodec(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	key, err := auth.Handshake(ctx, codec, "test", creds)
	require.NoError(t, err)
	codec.SetKey(key)
	return codec
}

func request(t *testing.T, codec *wire.Codec, typ, id string, payload any) wire.Frame {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, codec.WriteFrame(wire.Frame{Type: typ, ID: id, Payload: body}))
	f, err := codec.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, wire.TypeResponse, f.Type)
	require.Equal(t, id, f.ID)
	return f
}

func TestAgentExecutesCommand(t *testing.T) {
	a, creds := startTestAgent(t)
	codec := dialRaw(t, a, creds)

	f := request(t, codec, wire.TypeCommand, "cmd-1", wire.ExecRequest{Command: "echo hello"})
	var resp wire.ExecResponse
	require.NoError(t, json.Unmarshal(f.Payload, &resp))
	assert.Equal(t, "hello\n", resp.Stdout)
	assert.Equal(t, 0, resp.ExitCode)
	assert.Empty(t, resp.Error)
}

func TestAgentReportsExitCodeAsData(t *testing.T) {
	a, creds := startTestAgent(t)
	codec := dialRaw(t, a, creds)

	f := request(t, codec, wire.TypeCommand, "cmd-2", wire.ExecRequest{Command: "echo oops >&2; exit 3"})
	var resp wire.ExecResponse
	require.NoError(t, json.Unmarshal(f.Payload, &resp))
	assert.Equal(t, 3, resp.ExitCode)
	assert.Equal(t, "oops\n", resp.Stderr)
	assert.Empty(t, resp.Error, "an exit code is data, not an execution error")
}

func TestAgentKillsTimedOutCommand(t *testing.T) {
	a, creds := startTestAgent(t)
	codec := dialRaw(t, a, creds)

	start := time.Now()
	f := request(t, codec, wire.TypeCommand, "cmd-3", wire.ExecRequest{Command: "sleep 10", TimeoutMS: 200})
	require.Less(t, time.Since(start), 5*time.Second)

	var resp wire.ExecResponse
	require.NoError(t, json.Unmarshal(f.Payload, &resp))
	assert.Equal(t, -1, resp.ExitCode)
	assert.Contains(t, resp.Error, "timed out")
}

func TestAgentRunsBatchInOrder(t *testing.T) {
	a, creds := startTestAgent(t)
	codec := dialRaw(t, a, creds)

	f := request(t, codec, wire.TypeBatch, "batch-1", wire.BatchRequest{
		Commands: []string{"echo one", "false", "echo three"},
	})
	var resp wire.BatchResponse
	require.NoError(t, json.Unmarshal(f.Payload, &resp))
	require.Len(t, resp.Results, 3)
	assert.Equal(t, "one\n", resp.Results[0].Stdout)
	assert.Equal(t, 1, resp.Results[1].ExitCode)
	assert.Equal(t, "three\n", resp.Results[2].Stdout)
}

func TestAgentReportsMalformedBatch(t *testing.T) {
	a, creds := startTestAgent(t)
	codec := dialRaw(t, a, creds)

	require.NoError(t, codec.WriteFrame(wire.Frame{
		Type:    wire.TypeBatch,
		ID:      "batch-bad",
		Payload: json.RawMessage(`"nope"`),
	}))
	f, err := codec.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, wire.TypeResponse, f.Type)
	require.Equal(t, "batch-bad", f.ID)

	var resp wire.BatchResponse
	require.NoError(t, json.Unmarshal(f.Payload, &resp))
	require.Len(t, resp.Results, 1, "a decode failure must not look like an empty batch")
	assert.Equal(t, -1, resp.Results[0].ExitCode)
	assert.Contains(t, resp.Results[0].Error, "decoding batch request")
}

func TestAgentAnswersPingWithStatus(t *testing.T) {
	a, creds := startTestAgent(t)
	codec := dialRaw(t, a, creds)

	f := request(t, codec, wire.TypePing, "ping-1", struct{}{})
	var st wire.Status
	require.NoError(t, json.Unmarshal(f.Payload, &st))
	assert.NotEmpty(t, st.Hostname)
	assert.GreaterOrEqual(t, st.UptimeSeconds, int64(0))
}

func TestAgentInterleavesConcurrentCommands(t *testing.T) {
	a, creds := startTestAgent(t)
	codec := dialRaw(t, a, creds)

	// A slow command first; the fast one must not wait behind it.
	slow, err := json.Marshal(wire.ExecRequest{Command: "sleep 2; echo slow"})
	require.NoError(t, err)
	fast, err := json.Marshal(wire.ExecRequest{Command: "echo fast"})
	require.NoError(t, err)
	require.NoError(t, codec.WriteFrame(wire.Frame{Type: wire.TypeCommand, ID: "slow", Payload: slow}))
	require.NoError(t, codec.WriteFrame(wire.Frame{Type: wire.TypeCommand, ID: "fast", Payload: fast}))

	f, err := codec.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "fast", f.ID)
}

func TestAgentRejectsUnauthenticatedClient(t *testing.T) {
	a, _ := startTestAgent(t)

	_, wrongPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	// The server's real key is unknown here, so pin a bogus one; the server
	// proof then fails verification on the client side.
	bogusPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	conn, err := tls.Dial("tcp", a.Addr(), &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, err)
	defer conn.Close()

	codec := wire.NewCodec(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err = auth.Handshake(ctx, codec, "test", &auth.Credentials{
		ClientID:   "stranger",
		PrivateKey: wrongPriv,
		HostKeys:   map[string]ed25519.PublicKey{"test": bogusPub},
	})
	require.Error(t, err)
}

func agentHostPort(t *testing.T, a *Agent) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(a.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func TestAgentServesHTTPFramedSession(t *testing.T) {
	a, creds := startTestAgent(t)
	host, port := agentHostPort(t, a)

	d := transport.NewDialer()
	conn, err := d.Dial(context.Background(), rcoder.ServerProfile{
		Name:             "test",
		Host:             host,
		Port:             port,
		UseHTTPSDisguise: true,
		Timeout:          5 * time.Second,
	})
	require.NoError(t, err)
	defer conn.Close()

	codec := wire.NewCodec(conn, wire.WithWrapper(conn.FrameWrapper()))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	key, err := auth.Handshake(ctx, codec, "test", creds)
	require.NoError(t, err)
	codec.SetKey(key)

	f := request(t, codec, wire.TypeCommand, "cmd-http", wire.ExecRequest{Command: "echo disguised"})
	var resp wire.ExecResponse
	require.NoError(t, json.Unmarshal(f.Payload, &resp))
	assert.Equal(t, "disguised\n", resp.Stdout)
}

func TestAgentServesWebSocketSession(t *testing.T) {
	a, creds := startTestAgent(t)
	host, port := agentHostPort(t, a)

	d := transport.NewDialer(transport.WithDisguiseMode(transport.DisguiseWebSocket))
	conn, err := d.Dial(context.Background(), rcoder.ServerProfile{
		Name:             "test",
		Host:             host,
		Port:             port,
		UseHTTPSDisguise: true,
		Timeout:          5 * time.Second,
	})
	require.NoError(t, err)
	defer conn.Close()

	codec := wire.NewCodec(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	key, err := auth.Handshake(ctx, codec, "test", creds)
	require.NoError(t, err)
	codec.SetKey(key)

	f := request(t, codec, wire.TypeCommand, "cmd-ws", wire.ExecRequest{Command: "echo over websocket"})
	var resp wire.ExecResponse
	require.NoError(t, json.Unmarshal(f.Payload, &resp))
	assert.Equal(t, "over websocket\n", resp.Stdout)
}
