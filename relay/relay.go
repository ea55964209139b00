// Package relay implements the proxy hop: a plain TCP listener that
// accepts CONNECT requests and splices bytes between the client and the
// requested target. The relay never sees plaintext; the TLS session runs
// end to end through it.
package relay

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const dialTimeout = 10 * time.Second

// Relay forwards tunneled connections.
type Relay struct {
	log        *zap.SugaredLogger
	listenAddr string

	mu        sync.Mutex
	ln        net.Listener
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type Option func(r *Relay)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(r *Relay) {
		r.log = l.Named("relay")
	}
}

func New(listenAddr string, opts ...Option) *Relay {
	r := &Relay{
		log:        zap.NewNop().Sugar(),
		listenAddr: listenAddr,
		closed:     make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Start binds the listener and begins relaying in the background.
func (r *Relay) Start() error {
	ln, err := net.Listen("tcp", r.listenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", r.listenAddr, err)
	}
	r.mu.Lock()
	r.ln = ln
	r.mu.Unlock()

	r.log.Infow("relay listening", "Addr", ln.Addr().String())
	r.wg.Add(1)
	go r.acceptLoop(ln)
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (r *Relay) Addr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ln == nil {
		return ""
	}
	return r.ln.Addr().String()
}

// Stop closes the listener. Established tunnels keep running until either
// side hangs up.
func (r *Relay) Stop() error {
	r.closeOnce.Do(func() {
		close(r.closed)
		r.mu.Lock()
		if r.ln != nil {
			r.ln.Close()
		}
		r.mu.Unlock()
	})
	r.wg.Wait()
	return nil
}

func (r *Relay) acceptLoop(ln net.Listener) {
	defer r.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-r.closed:
			default:
				if !errors.Is(err, net.ErrClosed) {
					r.log.Debugw("accept failed", "Error", err)
				}
			}
			return
		}
		go r.handleConn(conn)
	}
}

func (r *Relay) handleConn(conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(dialTimeout))
	br := bufio.NewReader(conn)
	target, err := readConnect(br)
	if err != nil {
		r.log.Debugw("bad tunnel request", "Remote", conn.RemoteAddr().String(), "Error", err)
		fmt.Fprintf(conn, "HTTP/1.1 400 Bad Request\r\nConnection: close\r\n\r\n")
		return
	}
	conn.SetReadDeadline(time.Time{})

	upstream, err := net.DialTimeout("tcp", target, dialTimeout)
	if err != nil {
		r.log.Debugw("tunnel target unreachable", "Target", target, "Error", err)
		fmt.Fprintf(conn, "HTTP/1.1 502 Bad Gateway\r\nConnection: close\r\n\r\n")
		return
	}
	defer upstream.Close()

	if _, err := conn.Write([]byte("HTTP/1.1 200 Connection established\r\n\r\n")); err != nil {
		return
	}
	r.log.Debugw("tunnel open", "Remote", conn.RemoteAddr().String(), "Target", target)

	done := make(chan struct{}, 2)
	go splice(upstream, br, done)
	go splice(conn, upstream, done)
	<-done
}

// splice copies until one side hangs up, then signals so the other
// direction gets torn down too.
func splice(dst io.Writer, src io.Reader, done chan<- struct{}) {
	io.Copy(dst, src)
	done <- struct{}{}
}

// readConnect parses a CONNECT request and returns its target host:port.
func readConnect(br *bufio.Reader) (string, error) {
	tp := textproto.NewReader(br)
	line, err := tp.ReadLine()
	if err != nil {
		return "", fmt.Errorf("reading request line: %w", err)
	}
	parts := strings.Fields(line)
	if len(parts) != 3 || parts[0] != "CONNECT" {
		return "", fmt.Errorf("not a tunnel request: %q", line)
	}
	if _, err := tp.ReadMIMEHeader(); err != nil {
		return "", fmt.Errorf("reading request headers: %w", err)
	}
	host, port, err := net.SplitHostPort(parts[1])
	if err != nil || host == "" || port == "" {
		return "", fmt.Errorf("bad tunnel target %q", parts[1])
	}
	return net.JoinHostPort(host, port), nil
}
