// Package net holds small networking helpers shared by the transport, the
// agent, and tests.
package net

import (
	"bufio"
	"fmt"
	"net"
	"sync"
)

// EphemeralAddr grabs a free loopback TCP address. The listener used to
// discover it is closed before returning, so there is a small window in
// which another process could claim the port; fine for tests.
func EphemeralAddr() (string, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("listening to acquire port: %w", err)
	}
	defer l.Close()
	return l.Addr().String(), nil
}

// BufferedConn is a net.Conn whose reads go through a bufio.Reader, so
// bytes already buffered (e.g. after peeking or parsing a response) are not
// lost.
type BufferedConn struct {
	net.Conn
	br *bufio.Reader
}

func NewBufferedConn(conn net.Conn, br *bufio.Reader) *BufferedConn {
	return &BufferedConn{Conn: conn, br: br}
}

func (c *BufferedConn) Read(p []byte) (int, error) {
	return c.br.Read(p)
}

// Reader exposes the underlying buffered reader.
func (c *BufferedConn) Reader() *bufio.Reader { return c.br }

// OneShotListener yields a single pre-established connection and then
// reports closed. It lets an http.Server drive exactly one connection.
type OneShotListener struct {
	mu   sync.Mutex
	conn net.Conn
}

func NewOneShotListener(conn net.Conn) *OneShotListener {
	return &OneShotListener{conn: conn}
}

func (l *OneShotListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil, net.ErrClosed
	}
	conn := l.conn
	l.conn = nil
	return conn, nil
}

func (l *OneShotListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conn = nil
	return nil
}

func (l *OneShotListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}
}
