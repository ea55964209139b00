// Package disguise shapes protocol traffic to resemble ordinary web
// traffic. The framing is purely cosmetic: confidentiality and integrity
// come from the underlying TLS transport and the wire integrity layer, not
// from anything here. Strategies are pluggable; two ship with the module:
// an HTTP-exchange-shaped per-frame wrapper and a WebSocket stream carrier.
package disguise

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/textproto"
	"strconv"

	"github.com/rcoder/rcoder"
	"github.com/rcoder/rcoder/wire"
)

const browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// HTTPExchange wraps each frame as a small HTTP POST carrying the frame as
// its body. Both directions use the same request shape, so wrap and unwrap
// are symmetric: Unwrap(Wrap(p)) == p for any payload.
type HTTPExchange struct {
	// Host fills the Host header. Optional.
	Host string

	// Path is the request path. Defaults to /api/v1/telemetry.
	Path string
}

func (h *HTTPExchange) path() string {
	if h.Path != "" {
		return h.Path
	}
	return "/api/v1/telemetry"
}

func (h *HTTPExchange) host() string {
	if h.Host != "" {
		return h.Host
	}
	return "localhost"
}

// Wrap frames p as an HTTP request.
func (h *HTTPExchange) Wrap(p []byte) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "POST %s HTTP/1.1\r\n", h.path())
	fmt.Fprintf(&b, "Host: %s\r\n", h.host())
	fmt.Fprintf(&b, "User-Agent: %s\r\n", browserUserAgent)
	b.WriteString("Content-Type: application/octet-stream\r\n")
	b.WriteString("Accept: */*\r\n")
	b.WriteString("Connection: keep-alive\r\n")
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(p))
	b.WriteString("\r\n")
	b.Write(p)
	return b.Bytes()
}

// Unwrap reads one wrapped frame from r and returns the original payload.
func (h *HTTPExchange) Unwrap(r *bufio.Reader) ([]byte, error) {
	tp := textproto.NewReader(r)
	if _, err := tp.ReadLine(); err != nil {
		return nil, err
	}
	hdr, err := tp.ReadMIMEHeader()
	if err != nil {
		return nil, &rcoder.ProtocolError{Kind: rcoder.ProtocolMalformed, Detail: "bad disguise headers", Err: err}
	}
	n, err := strconv.Atoi(hdr.Get("Content-Length"))
	if err != nil || n < 0 {
		return nil, &rcoder.ProtocolError{Kind: rcoder.ProtocolMalformed, Detail: "missing disguise content length"}
	}
	// The declared length is peer-controlled and may arrive before the
	// handshake; bound it like the raw frame path does, before allocating.
	if n > wire.MaxFrameSize {
		return nil, &rcoder.ProtocolError{
			Kind:   rcoder.ProtocolMalformed,
			Detail: fmt.Sprintf("disguised frame length %d exceeds limit", n),
		}
	}
	p := make([]byte, n)
	if _, err := io.ReadFull(r, p); err != nil {
		return nil, err
	}
	return p, nil
}
