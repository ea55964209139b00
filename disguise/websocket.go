package disguise

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"nhooyr.io/websocket"
)

// WebSocketPath is the upgrade endpoint the agent exposes for the
// WebSocket disguise strategy.
const WebSocketPath = "/updates"

// DialWebSocket performs an HTTP/1.1 upgrade over an already-established
// connection and returns a net.Conn that carries protocol frames as binary
// WebSocket messages. On the wire the session then looks like a browser
// talking to a web endpoint.
func DialWebSocket(ctx context.Context, conn net.Conn, host string) (net.Conn, error) {
	// The HTTP client must reuse the connection we already tunneled and
	// encrypted, so its dialer hands back that exact conn. Scheme stays
	// http to avoid a second TLS layer.
	hc := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return conn, nil
			},
		},
	}
	u := fmt.Sprintf("http://%s%s", host, WebSocketPath)
	wsConn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPClient: hc,
		HTTPHeader: http.Header{"User-Agent": []string{browserUserAgent}},
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("dialing WebSocket disguise: %w", err)
	}
	return websocket.NetConn(context.Background(), wsConn, websocket.MessageBinary), nil
}

// AcceptWebSocket upgrades an incoming request and returns the stream
// carrying protocol frames. Counterpart of DialWebSocket.
func AcceptWebSocket(w http.ResponseWriter, r *http.Request) (net.Conn, error) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return nil, fmt.Errorf("accepting WebSocket disguise: %w", err)
	}
	return websocket.NetConn(r.Context(), wsConn, websocket.MessageBinary), nil
}
