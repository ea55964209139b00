// Package agent implements the server-side daemon: it listens for TLS
// connections, authenticates clients with the key handshake, and executes
// their commands through the local shell.
package agent

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rcoder/rcoder/auth"
	"github.com/rcoder/rcoder/disguise"
	inet "github.com/rcoder/rcoder/internal/net"
	"github.com/rcoder/rcoder/wire"
)

const (
	authDeadline          = 30 * time.Second
	defaultExecTimeout    = 60 * time.Second
	defaultShell          = "sh"
	defaultListenAddr     = "0.0.0.0:8443"
	maxConcurrentCommands = 64
)

// Agent serves one listening socket. Connections are sniffed after the TLS
// handshake, so the same port accepts raw framed sessions, HTTP-shaped
// framed sessions, and WebSocket-carried sessions.
type Agent struct {
	log        *zap.SugaredLogger
	verifier   *auth.Verifier
	listenAddr string
	tlsConfig  *tls.Config
	shell      string
	started    time.Time

	// sem bounds concurrently running shell commands across all sessions.
	sem chan struct{}

	mu        sync.Mutex
	ln        net.Listener
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type Option func(a *Agent)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(a *Agent) {
		a.log = l.Named("agent")
	}
}

func WithListenAddr(addr string) Option {
	return func(a *Agent) {
		a.listenAddr = addr
	}
}

// WithTLSConfig overrides the generated self-signed server config.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(a *Agent) {
		a.tlsConfig = cfg
	}
}

// WithShell sets the shell binary used to run commands, "sh" by default.
func WithShell(shell string) Option {
	return func(a *Agent) {
		a.shell = shell
	}
}

func New(verifier *auth.Verifier, opts ...Option) *Agent {
	a := &Agent{
		log:        zap.NewNop().Sugar(),
		verifier:   verifier,
		listenAddr: defaultListenAddr,
		shell:      defaultShell,
		started:    time.Now(),
		sem:        make(chan struct{}, maxConcurrentCommands),
		closed:     make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Start binds the listener and begins accepting connections in the
// background. Use Addr to discover the bound address when listening on
// port 0.
func (a *Agent) Start() error {
	if a.tlsConfig == nil {
		cfg, err := GenerateTLSConfig()
		if err != nil {
			return fmt.Errorf("generating TLS config: %w", err)
		}
		a.tlsConfig = cfg
	}

	ln, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.listenAddr, err)
	}
	a.mu.Lock()
	a.ln = ln
	a.mu.Unlock()

	a.log.Infow("agent listening", "Addr", ln.Addr().String())
	a.wg.Add(1)
	go a.acceptLoop(ln)
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (a *Agent) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ln == nil {
		return ""
	}
	return a.ln.Addr().String()
}

// Stop closes the listener and waits for in-flight sessions to finish.
func (a *Agent) Stop() error {
	a.closeOnce.Do(func() {
		close(a.closed)
		a.mu.Lock()
		if a.ln != nil {
			a.ln.Close()
		}
		a.mu.Unlock()
	})
	a.wg.Wait()
	return nil
}

func (a *Agent) acceptLoop(ln net.Listener) {
	defer a.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-a.closed:
			default:
				if !errors.Is(err, net.ErrClosed) {
					a.log.Debugw("accept failed", "Error", err)
				}
			}
			return
		}
		a.wg.Add(1)
		go a.handleConn(conn)
	}
}

// handleConn runs the TLS handshake, then peeks at the first plaintext
// bytes to pick the session carrier: a WebSocket upgrade, HTTP-shaped
// frames, or raw length-prefixed frames.
func (a *Agent) handleConn(conn net.Conn) {
	defer a.wg.Done()

	tconn := tls.Server(conn, a.tlsConfig)
	tconn.SetDeadline(time.Now().Add(authDeadline))
	if err := tconn.Handshake(); err != nil {
		a.log.Debugw("TLS handshake failed", "Remote", conn.RemoteAddr().String(), "Error", err)
		tconn.Close()
		return
	}

	br := bufio.NewReader(tconn)
	prefix, err := br.Peek(4)
	if err != nil {
		a.log.Debugw("reading connection preamble", "Remote", conn.RemoteAddr().String(), "Error", err)
		tconn.Close()
		return
	}
	tconn.SetDeadline(time.Time{})
	buffered := inet.NewBufferedConn(tconn, br)

	switch {
	case bytes.Equal(prefix, []byte("GET ")):
		a.serveWebSocket(buffered)
	case bytes.Equal(prefix, []byte("POST")):
		a.serveSession(buffered, &disguise.HTTPExchange{})
	default:
		a.serveSession(buffered, nil)
	}
}

// serveSession authenticates the connection and then answers its frames
// until it drops.
func (a *Agent) serveSession(conn net.Conn, wrapper wire.Wrapper) {
	defer conn.Close()

	var copts []wire.CodecOption
	if wrapper != nil {
		copts = append(copts, wire.WithWrapper(wrapper))
	}
	copts = append(copts, wire.WithCodecLogger(a.log))
	codec := wire.NewCodec(conn, copts...)

	hctx, cancel := context.WithTimeout(context.Background(), authDeadline)
	clientID, key, err := a.verifier.Handshake(hctx, codec)
	cancel()
	if err != nil {
		a.log.Debugw("handshake rejected", "Remote", conn.RemoteAddr().String(), "Error", err)
		return
	}
	codec.SetKey(key)
	log := a.log.With("ClientID", clientID)
	log.Debugw("session authenticated")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-a.closed:
			cancel()
			conn.Close()
		case <-ctx.Done():
		}
	}()

	var inflight sync.WaitGroup
	defer inflight.Wait()
	for {
		f, err := codec.ReadFrame()
		if err != nil {
			log.Debugw("session ended", "Error", err)
			return
		}
		switch f.Type {
		case wire.TypePing:
			inflight.Add(1)
			go func(f wire.Frame) {
				defer inflight.Done()
				a.respond(codec, f.ID, a.status())
			}(f)
		case wire.TypeCommand:
			inflight.Add(1)
			go func(f wire.Frame) {
				defer inflight.Done()
				a.handleCommand(ctx, codec, f)
			}(f)
		case wire.TypeBatch:
			inflight.Add(1)
			go func(f wire.Frame) {
				defer inflight.Done()
				a.handleBatch(ctx, codec, f)
			}(f)
		default:
			log.Debugw("ignoring frame", "Type", f.Type, "ID", f.ID)
		}
	}
}

func (a *Agent) handleCommand(ctx context.Context, codec *wire.Codec, f wire.Frame) {
	var req wire.ExecRequest
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		a.respond(codec, f.ID, wire.ExecResponse{ExitCode: -1, Error: fmt.Sprintf("decoding request: %s", err)})
		return
	}
	a.respond(codec, f.ID, a.execute(ctx, req))
}

func (a *Agent) handleBatch(ctx context.Context, codec *wire.Codec, f wire.Frame) {
	var req wire.BatchRequest
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		// An empty response would be indistinguishable from an empty
		// batch; report the decode failure as a failed result instead.
		a.respond(codec, f.ID, wire.BatchResponse{Results: []wire.ExecResponse{{
			ExitCode: -1,
			Error:    fmt.Sprintf("decoding batch request: %s", err),
		}}})
		return
	}
	resp := wire.BatchResponse{Results: make([]wire.ExecResponse, 0, len(req.Commands))}
	for _, command := range req.Commands {
		resp.Results = append(resp.Results, a.execute(ctx, wire.ExecRequest{Command: command, TimeoutMS: req.TimeoutMS}))
	}
	a.respond(codec, f.ID, resp)
}

// execute runs one shell command. A non-zero exit status is data, not an
// error; Error is set only when the command could not run or was killed by
// its timeout.
func (a *Agent) execute(ctx context.Context, req wire.ExecRequest) wire.ExecResponse {
	select {
	case a.sem <- struct{}{}:
		defer func() { <-a.sem }()
	case <-ctx.Done():
		return wire.ExecResponse{ExitCode: -1, Error: "agent shutting down"}
	}

	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(cctx, a.shell, "-c", req.Command)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	resp := wire.ExecResponse{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMS: time.Since(start).Milliseconds(),
	}
	switch {
	case err == nil:
		resp.ExitCode = 0
	case errors.Is(cctx.Err(), context.DeadlineExceeded):
		resp.ExitCode = -1
		resp.Error = fmt.Sprintf("command timed out after %s", timeout)
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			resp.ExitCode = exitErr.ExitCode()
		} else {
			resp.ExitCode = -1
			resp.Error = err.Error()
		}
	}
	return resp
}

func (a *Agent) respond(codec *wire.Codec, id string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		a.log.Debugw("encoding response", "ID", id, "Error", err)
		return
	}
	if err := codec.WriteFrame(wire.Frame{Type: wire.TypeResponse, ID: id, Payload: body}); err != nil {
		a.log.Debugw("writing response", "ID", id, "Error", err)
	}
}
