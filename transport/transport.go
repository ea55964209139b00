// Package transport establishes the byte stream to a target host: directly,
// through a chain of relay hops, and optionally shaped like ordinary HTTPS
// traffic. The stream is always TLS end to end between client and target;
// relay hops only pipe bytes.
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/rcoder/rcoder"
	"github.com/rcoder/rcoder/disguise"
	inet "github.com/rcoder/rcoder/internal/net"
	"github.com/rcoder/rcoder/wire"
)

// ConnectError kinds.
const (
	KindDNS     = "dns"
	KindRefused = "refused"
	KindTimeout = "timeout"
	KindTLS     = "tls"
)

// ConnectError reports a failed connection attempt. Hop is zero for
// direct dials and 1-based through a relay chain; it names the hop that
// actually failed, never an earlier one. A chain whose last relay cannot
// reach the final target reports that last relay's hop number.
type ConnectError struct {
	Kind string
	Hop  int
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	if e.Hop > 0 {
		return fmt.Sprintf("connect failed at hop %d (%s) to %s: %v", e.Hop, e.Kind, e.Addr, e.Err)
	}
	return fmt.Sprintf("connect failed (%s) to %s: %v", e.Kind, e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// DisguiseMode selects the traffic-shaping strategy applied when a
// profile asks for the HTTPS disguise.
type DisguiseMode int

const (
	// DisguiseHTTPFraming wraps each frame as a small HTTP exchange.
	DisguiseHTTPFraming DisguiseMode = iota
	// DisguiseWebSocket carries frames as binary WebSocket messages after a
	// real HTTP upgrade.
	DisguiseWebSocket
)

// Conn is an established channel to a target. FrameWrapper returns the
// per-frame disguise wrapper the codec must apply, or nil.
type Conn struct {
	net.Conn
	wrapper wire.Wrapper
}

func (c *Conn) FrameWrapper() wire.Wrapper { return c.wrapper }

// Dialer builds channels to server profiles.
type Dialer struct {
	log            *zap.SugaredLogger
	netDialer      net.Dialer
	tlsConfig      *tls.Config
	mode           DisguiseMode
	connectTimeout time.Duration
}

type Option func(d *Dialer)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(d *Dialer) {
		d.log = l.Named("transport")
	}
}

// WithTLSConfig overrides the client TLS config. The default skips
// certificate verification: peers authenticate through the key handshake,
// not the certificate chain.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(d *Dialer) {
		d.tlsConfig = cfg
	}
}

func WithDisguiseMode(m DisguiseMode) Option {
	return func(d *Dialer) {
		d.mode = m
	}
}

func WithConnectTimeout(t time.Duration) Option {
	return func(d *Dialer) {
		d.connectTimeout = t
	}
}

func NewDialer(opts ...Option) *Dialer {
	d := &Dialer{
		log:            zap.NewNop().Sugar(),
		connectTimeout: 30 * time.Second,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dial establishes a channel to the profile's target: TCP (hop by hop when
// a proxy chain is configured), then TLS, then the disguise layer if the
// profile asks for it. The raw socket is closed on every error path.
func (d *Dialer) Dial(ctx context.Context, profile rcoder.ServerProfile) (*Conn, error) {
	timeout := profile.Timeout
	if timeout <= 0 {
		timeout = d.connectTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := rcoder.HostPort{Host: profile.Host, Port: profile.Port}
	hops := append([]rcoder.HostPort{}, profile.ProxyChain...)
	hops = append(hops, target)

	d.log.Debugw("dialing", "Target", target.String(), "Hops", len(profile.ProxyChain), "Disguise", profile.UseHTTPSDisguise)

	raw, err := d.netDialer.DialContext(ctx, "tcp", hops[0].String())
	if err != nil {
		hop := 0
		if len(profile.ProxyChain) > 0 {
			hop = 1
		}
		return nil, &ConnectError{Kind: classify(err), Hop: hop, Addr: hops[0].String(), Err: err}
	}

	if dl, ok := ctx.Deadline(); ok {
		raw.SetDeadline(dl)
	}

	br := bufio.NewReader(raw)
	for i := 1; i < len(hops); i++ {
		if err := establishTunnel(raw, br, hops[i]); err != nil {
			raw.Close()
			// A refused tunnel to the next relay is the next hop's
			// failure; a refused tunnel to the target is the last
			// relay's.
			hop := i + 1
			if i >= len(profile.ProxyChain) {
				hop = len(profile.ProxyChain)
			}
			return nil, &ConnectError{Kind: classify(err), Hop: hop, Addr: hops[i].String(), Err: err}
		}
		d.log.Debugw("tunnel established", "Next", hops[i].String())
	}

	tlsCfg := d.tlsConfig
	if tlsCfg == nil {
		tlsCfg = &tls.Config{InsecureSkipVerify: true}
	}
	tlsCfg = tlsCfg.Clone()
	if tlsCfg.ServerName == "" && !tlsCfg.InsecureSkipVerify {
		tlsCfg.ServerName = profile.Host
	}

	tconn := tls.Client(inet.NewBufferedConn(raw, br), tlsCfg)
	if err := tconn.HandshakeContext(ctx); err != nil {
		raw.Close()
		kind := KindTLS
		if classify(err) == KindTimeout {
			kind = KindTimeout
		}
		return nil, &ConnectError{Kind: kind, Addr: target.String(), Err: err}
	}
	raw.SetDeadline(time.Time{})

	if !profile.UseHTTPSDisguise {
		return &Conn{Conn: tconn}, nil
	}

	switch d.mode {
	case DisguiseWebSocket:
		ws, err := disguise.DialWebSocket(ctx, tconn, target.String())
		if err != nil {
			return nil, &ConnectError{Kind: KindRefused, Addr: target.String(), Err: err}
		}
		return &Conn{Conn: ws}, nil
	default:
		return &Conn{
			Conn:    tconn,
			wrapper: &disguise.HTTPExchange{Host: target.String()},
		}, nil
	}
}

// establishTunnel asks the relay on conn to extend the tunnel to next.
func establishTunnel(conn net.Conn, br *bufio.Reader, next rcoder.HostPort) error {
	req := fmt.Sprintf(
		"CONNECT %s HTTP/1.1\r\nHost: %s\r\nUser-Agent: Mozilla/5.0\r\nConnection: keep-alive\r\n\r\n",
		next.String(), next.String())
	if _, err := conn.Write([]byte(req)); err != nil {
		return fmt.Errorf("sending tunnel request: %w", err)
	}

	tp := textproto.NewReader(br)
	status, err := tp.ReadLine()
	if err != nil {
		return fmt.Errorf("reading tunnel response: %w", err)
	}
	if _, err := tp.ReadMIMEHeader(); err != nil {
		return fmt.Errorf("reading tunnel response headers: %w", err)
	}
	if !strings.Contains(status, " 200 ") && !strings.HasSuffix(status, " 200") {
		return fmt.Errorf("relay refused tunnel to %s: %q", next.String(), status)
	}
	return nil
}

func classify(err error) string {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindDNS
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return KindRefused
	}
	return KindRefused
}
