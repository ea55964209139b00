// Package session owns the lifecycle of one authenticated connection per
// server profile: connect, handshake, request/response correlation, bounded
// reconnection with backoff, and health pings. The Registry guarantees at
// most one live session per profile name.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rcoder/rcoder"
	"github.com/rcoder/rcoder/auth"
	"github.com/rcoder/rcoder/transport"
	"github.com/rcoder/rcoder/wire"
)

// State is the session lifecycle state. Transitions only move forward,
// except the Ready -> Connecting self-heal edge taken on a transient
// connection loss.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateReady
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrClosed means the session was closed and will not reconnect.
	ErrClosed = errors.New("session closed")
	// ErrDisconnected means the connection dropped while a request was in
	// flight. The request was abandoned locally; the remote side may still
	// have executed it.
	ErrDisconnected = errors.New("session disconnected mid-flight")
)

const (
	defaultCommandTimeout = 60 * time.Second
	defaultPingTimeout    = 10 * time.Second
	handshakeTimeout      = 15 * time.Second
)

// Session is one live, authenticated logical connection to a server
// profile. Safe for concurrent use; in-flight requests are correlated by
// frame ID, so callers may overlap freely.
type Session struct {
	log     *zap.SugaredLogger
	profile rcoder.ServerProfile
	creds   *auth.Credentials
	dialer  *transport.Dialer

	maxAttempts   int
	baseDelay     time.Duration
	maxDelay      time.Duration
	pingFailLimit int
	alertFn       func(rcoder.Alert)

	// connMu serializes connection attempts so concurrent callers never
	// race to open duplicate connections.
	connMu sync.Mutex

	mu        sync.Mutex
	state     State
	codec     *wire.Codec
	gen       int
	pending   map[string]chan wire.Frame
	pingFails int

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

type Option func(s *Session)

func WithSessionLogger(l *zap.SugaredLogger) Option {
	return func(s *Session) {
		s.log = l.Named("session")
	}
}

// WithMaxAttempts bounds connection attempts per connect or reconnect
// cycle.
func WithMaxAttempts(n int) Option {
	return func(s *Session) {
		s.maxAttempts = n
	}
}

// WithBackoff tunes the exponential reconnect backoff. Delays double from
// base up to max, with jitter.
func WithBackoff(base, max time.Duration) Option {
	return func(s *Session) {
		s.baseDelay = base
		s.maxDelay = max
	}
}

// WithPingFailureLimit sets how many consecutive ping failures force a
// self-heal reconnect.
func WithPingFailureLimit(n int) Option {
	return func(s *Session) {
		s.pingFailLimit = n
	}
}

// WithAlertSink receives degraded-session alerts.
func WithAlertSink(fn func(rcoder.Alert)) Option {
	return func(s *Session) {
		s.alertFn = fn
	}
}

func newSession(profile rcoder.ServerProfile, creds *auth.Credentials, dialer *transport.Dialer, opts ...Option) *Session {
	s := &Session{
		log:           zap.NewNop().Sugar(),
		profile:       profile,
		creds:         creds,
		dialer:        dialer,
		maxAttempts:   5,
		baseDelay:     500 * time.Millisecond,
		maxDelay:      15 * time.Second,
		pingFailLimit: 3,
		pending:       map[string]chan wire.Frame{},
		closed:        make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With("Server", profile.Name)
	return s
}

func (s *Session) Profile() rcoder.ServerProfile { return s.profile }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	old := s.state
	s.state = st
	s.mu.Unlock()
	if old != st {
		s.log.Debugw("state transition", "From", old.String(), "To", st.String())
	}
}

func (s *Session) alert(severity, msg string) {
	if s.alertFn == nil {
		return
	}
	s.alertFn(rcoder.Alert{
		Timestamp:  time.Now(),
		Severity:   severity,
		Message:    msg,
		ServerName: s.profile.Name,
	})
}

// connectOnce runs one full connect + handshake attempt.
func (s *Session) connectOnce(ctx context.Context) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	s.setState(StateConnecting)
	conn, err := s.dialer.Dial(ctx, s.profile)
	if err != nil {
		s.setState(StateDisconnected)
		return err
	}

	s.setState(StateAuthenticating)
	codec := wire.NewCodec(conn, wire.WithWrapper(conn.FrameWrapper()), wire.WithCodecLogger(s.log))
	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	key, err := auth.Handshake(hctx, codec, s.profile.Name, s.creds)
	if err != nil {
		codec.Close()
		s.setState(StateDisconnected)
		return err
	}
	codec.SetKey(key)

	s.mu.Lock()
	// Close may have raced with this attempt; never resurrect a closing
	// session.
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		codec.Close()
		return ErrClosed
	}
	s.codec = codec
	s.gen++
	gen := s.gen
	s.pingFails = 0
	s.state = StateReady
	s.mu.Unlock()

	s.wg.Add(1)
	go s.readLoop(codec, gen)
	s.log.Debugw("session ready", "Addr", s.profile.Addr())
	return nil
}

// connectWithRetry attempts up to maxAttempts connections with jittered
// exponential backoff. Auth failures abort immediately: retrying a bad key
// never helps.
func (s *Session) connectWithRetry(ctx context.Context) error {
	var lastErr error
	delay := s.baseDelay
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		select {
		case <-s.closed:
			return ErrClosed
		default:
		}

		err := s.connectOnce(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		var authErr *auth.AuthError
		if errors.As(err, &authErr) {
			return err
		}
		if ctx.Err() != nil || attempt == s.maxAttempts {
			break
		}

		sleep := delay + time.Duration(rand.Int63n(int64(delay/2)+1))
		if sleep > s.maxDelay {
			sleep = s.maxDelay
		}
		s.log.Debugw("connect failed, backing off", "Attempt", attempt, "Delay", sleep, "Error", err)
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return lastErr
		case <-s.closed:
			return ErrClosed
		}
		delay *= 2
		if delay > s.maxDelay {
			delay = s.maxDelay
		}
	}
	return lastErr
}

// ensureReady returns once the session is Ready, connecting if necessary.
// Concurrent callers serialize on connMu; only one actually connects.
func (s *Session) ensureReady(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateReady:
		s.mu.Unlock()
		return nil
	case StateClosing, StateClosed:
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	s.connMu.Lock()
	defer s.connMu.Unlock()

	s.mu.Lock()
	switch s.state {
	case StateReady:
		s.mu.Unlock()
		return nil
	case StateClosing, StateClosed:
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	return s.connectWithRetry(ctx)
}

func (s *Session) readLoop(codec *wire.Codec, gen int) {
	defer s.wg.Done()
	for {
		f, err := codec.ReadFrame()
		if err != nil {
			s.teardown(codec, gen, err)
			return
		}
		s.mu.Lock()
		ch, ok := s.pending[f.ID]
		if ok {
			delete(s.pending, f.ID)
		}
		s.mu.Unlock()
		if !ok {
			// Late response to a locally abandoned request.
			s.log.Debugw("dropping uncorrelated response", "ID", f.ID, "Type", f.Type)
			continue
		}
		ch <- f
	}
}

// teardown handles a dead connection: fails all in-flight requests and,
// unless the session is closing, takes the Ready -> Connecting self-heal
// edge.
func (s *Session) teardown(codec *wire.Codec, gen int, cause error) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.codec = nil
	pending := s.pending
	s.pending = map[string]chan wire.Frame{}
	closing := s.state == StateClosing || s.state == StateClosed
	if !closing {
		s.state = StateConnecting
	}
	s.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	codec.Close()

	if closing {
		return
	}
	s.log.Debugw("connection lost", "Cause", cause)
	s.wg.Add(1)
	go s.heal()
}

func (s *Session) heal() {
	defer s.wg.Done()
	s.connMu.Lock()
	defer s.connMu.Unlock()

	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := s.connectWithRetry(context.Background()); err != nil {
		if !errors.Is(err, ErrClosed) {
			s.setState(StateDisconnected)
			s.alert(rcoder.SeverityCritical, fmt.Sprintf("reconnect failed: %s", err))
		}
	}
}

func (s *Session) dropPending(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// roundTrip sends one request frame and waits for its correlated response.
func (s *Session) roundTrip(ctx context.Context, typ string, payload any) (wire.Frame, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return wire.Frame{}, fmt.Errorf("encoding request: %w", err)
	}

	id := uuid.NewString()
	ch := make(chan wire.Frame, 1)

	s.mu.Lock()
	if s.state != StateReady || s.codec == nil {
		s.mu.Unlock()
		return wire.Frame{}, ErrDisconnected
	}
	codec := s.codec
	s.pending[id] = ch
	s.mu.Unlock()

	if err := codec.WriteFrame(wire.Frame{Type: typ, ID: id, Payload: body}); err != nil {
		s.dropPending(id)
		return wire.Frame{}, fmt.Errorf("sending request: %w", err)
	}

	select {
	case f, ok := <-ch:
		if !ok {
			return wire.Frame{}, ErrDisconnected
		}
		if f.Type != wire.TypeResponse {
			return wire.Frame{}, &rcoder.ProtocolError{
				Kind:   rcoder.ProtocolCorrelationMismatch,
				Detail: fmt.Sprintf("request %s answered by %q frame", id, f.Type),
			}
		}
		return f, nil
	case <-ctx.Done():
		s.dropPending(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return wire.Frame{}, &rcoder.TimeoutError{Op: rcoder.TimeoutCommand}
		}
		return wire.Frame{}, ctx.Err()
	case <-s.closed:
		s.dropPending(id)
		return wire.Frame{}, ErrClosed
	}
}

// Call is one submitted command whose result has not been collected yet.
// Wait resolves it exactly once.
type Call struct {
	sess    *Session
	cmd     rcoder.Command
	id      string
	ch      chan wire.Frame
	start   time.Time
	timeout time.Duration
}

// Submit sends one command without waiting for its result. Commands
// submitted through the same session reach the wire in submission order;
// only the waits may overlap.
func (s *Session) Submit(ctx context.Context, cmd rcoder.Command) (*Call, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = s.profile.Timeout
	}
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}

	body, err := json.Marshal(wire.ExecRequest{Command: cmd.Text, TimeoutMS: timeout.Milliseconds()})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	id := uuid.NewString()
	ch := make(chan wire.Frame, 1)
	s.mu.Lock()
	if s.state != StateReady || s.codec == nil {
		s.mu.Unlock()
		return nil, ErrDisconnected
	}
	codec := s.codec
	s.pending[id] = ch
	s.mu.Unlock()

	if err := codec.WriteFrame(wire.Frame{Type: wire.TypeCommand, ID: id, Payload: body}); err != nil {
		s.dropPending(id)
		return nil, fmt.Errorf("sending request: %w", err)
	}
	return &Call{sess: s, cmd: cmd, id: id, ch: ch, start: time.Now(), timeout: timeout}, nil
}

// Wait blocks for the call's result. The timeout runs from submission and
// abandons the request locally; no remote cancellation is sent.
func (c *Call) Wait(ctx context.Context) (rcoder.Result, error) {
	cctx, cancel := context.WithDeadline(ctx, c.start.Add(c.timeout))
	defer cancel()

	select {
	case f, ok := <-c.ch:
		if !ok {
			return rcoder.Result{Command: c.cmd.Text}, ErrDisconnected
		}
		if f.Type != wire.TypeResponse {
			return rcoder.Result{Command: c.cmd.Text}, &rcoder.ProtocolError{
				Kind:   rcoder.ProtocolCorrelationMismatch,
				Detail: fmt.Sprintf("request %s answered by %q frame", c.id, f.Type),
			}
		}
		return c.decode(f)
	case <-cctx.Done():
		c.sess.dropPending(c.id)
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return rcoder.Result{Command: c.cmd.Text}, &rcoder.TimeoutError{Op: rcoder.TimeoutCommand, Wait: c.timeout}
		}
		return rcoder.Result{Command: c.cmd.Text}, cctx.Err()
	case <-c.sess.closed:
		c.sess.dropPending(c.id)
		return rcoder.Result{Command: c.cmd.Text}, ErrClosed
	}
}

func (c *Call) decode(f wire.Frame) (rcoder.Result, error) {
	var resp wire.ExecResponse
	if err := json.Unmarshal(f.Payload, &resp); err != nil {
		return rcoder.Result{Command: c.cmd.Text}, &rcoder.ProtocolError{Kind: rcoder.ProtocolDecode, Err: err}
	}

	duration := time.Duration(resp.DurationMS) * time.Millisecond
	if duration <= 0 {
		duration = time.Since(c.start)
	}
	res := rcoder.Result{
		Command:  c.cmd.Text,
		Stdout:   resp.Stdout,
		Stderr:   resp.Stderr,
		ExitCode: resp.ExitCode,
		Duration: duration,
	}
	if resp.Error != "" {
		res.Err = fmt.Errorf("remote execution: %s", resp.Error)
	}
	return res, nil
}

// Execute runs one command and blocks until its result or timeout.
func (s *Session) Execute(ctx context.Context, cmd rcoder.Command) (rcoder.Result, error) {
	call, err := s.Submit(ctx, cmd)
	if err != nil {
		return rcoder.Result{Command: cmd.Text}, err
	}
	return call.Wait(ctx)
}

// Ping runs a lightweight health probe. Repeated failures past the
// configured limit force a reconnect and emit a degraded alert.
func (s *Session) Ping(ctx context.Context) (wire.Status, error) {
	if err := s.ensureReady(ctx); err != nil {
		return wire.Status{}, err
	}

	timeout := defaultPingTimeout
	if s.profile.Timeout > 0 && s.profile.Timeout < timeout {
		timeout = s.profile.Timeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	f, err := s.roundTrip(cctx, wire.TypePing, struct {
		TS int64 `json:"ts"`
	}{time.Now().Unix()})
	if err != nil {
		s.notePingFailure()
		return wire.Status{}, err
	}

	s.mu.Lock()
	s.pingFails = 0
	s.mu.Unlock()

	var st wire.Status
	if err := json.Unmarshal(f.Payload, &st); err != nil {
		return wire.Status{}, &rcoder.ProtocolError{Kind: rcoder.ProtocolDecode, Err: err}
	}
	return st, nil
}

func (s *Session) notePingFailure() {
	s.mu.Lock()
	s.pingFails++
	trigger := s.pingFails >= s.pingFailLimit && s.state == StateReady
	codec := s.codec
	s.mu.Unlock()

	if !trigger {
		return
	}
	s.alert(rcoder.SeverityWarning, fmt.Sprintf("session degraded: %d consecutive ping failures, reconnecting", s.pingFailLimit))
	// Killing the connection makes the read loop take the self-heal edge.
	if codec != nil {
		codec.Close()
	}
}

// Close tears the session down. It returns after the read loop and any
// reconnect attempt have stopped.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosing
		codec := s.codec
		s.mu.Unlock()
		close(s.closed)
		if codec != nil {
			codec.Close()
		}
	})
	s.wg.Wait()

	s.mu.Lock()
	for _, ch := range s.pending {
		close(ch)
	}
	s.pending = map[string]chan wire.Frame{}
	s.state = StateClosed
	s.mu.Unlock()
	return nil
}
