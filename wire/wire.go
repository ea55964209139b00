// Package wire implements the rcoder frame protocol: length-prefixed JSON
// frames carried over an established byte stream, with an HMAC integrity
// layer keyed by the session key from the handshake. The integrity layer is
// independent of any traffic disguise, which is cosmetic only.
package wire

import (
	"bufio"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rcoder/rcoder"
)

// Frame types.
const (
	TypeAuth     = "auth"
	TypeCommand  = "command"
	TypeBatch    = "batch"
	TypePing     = "ping"
	TypeResponse = "response"
)

// MaxFrameSize bounds a single frame on the wire.
const MaxFrameSize = 4 << 20

// Frame is one protocol message. ID correlates a response with its request.
// MAC covers type, ID and payload; it is empty on pre-handshake frames.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
	MAC     []byte          `json:"mac,omitempty"`
}

// Wrapper cosmetically reshapes frame bytes on the wire. Wrap followed by
// Unwrap must be the identity function for any payload.
type Wrapper interface {
	Wrap(p []byte) []byte
	Unwrap(r *bufio.Reader) ([]byte, error)
}

// Codec reads and writes frames on a connection. Writes are serialized
// internally, so a codec may be shared by concurrent senders; reads must
// come from a single reader goroutine.
type Codec struct {
	log     *zap.SugaredLogger
	conn    net.Conn
	br      *bufio.Reader
	wrapper Wrapper

	writeMu sync.Mutex

	keyMu sync.RWMutex
	key   []byte
}

type CodecOption func(c *Codec)

// WithWrapper applies a disguise wrapper to every frame in both directions.
func WithWrapper(w Wrapper) CodecOption {
	return func(c *Codec) {
		c.wrapper = w
	}
}

func WithCodecLogger(l *zap.SugaredLogger) CodecOption {
	return func(c *Codec) {
		c.log = l
	}
}

func NewCodec(conn net.Conn, opts ...CodecOption) *Codec {
	c := &Codec{
		log:  zap.NewNop().Sugar(),
		conn: conn,
		br:   bufio.NewReader(conn),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SetKey installs the session integrity key. All frames written afterwards
// carry a MAC, and incoming frames are verified against it.
func (c *Codec) SetKey(key []byte) {
	c.keyMu.Lock()
	c.key = key
	c.keyMu.Unlock()
}

func (c *Codec) sessionKey() []byte {
	c.keyMu.RLock()
	defer c.keyMu.RUnlock()
	return c.key
}

func frameMAC(key []byte, f Frame) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(f.Type))
	mac.Write([]byte{0})
	mac.Write([]byte(f.ID))
	mac.Write([]byte{0})
	mac.Write(f.Payload)
	return mac.Sum(nil)
}

// WriteFrame encodes and sends one frame.
func (c *Codec) WriteFrame(f Frame) error {
	if key := c.sessionKey(); key != nil {
		f.MAC = frameMAC(key, f)
	}
	body, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	var out []byte
	if c.wrapper != nil {
		out = c.wrapper.Wrap(body)
	} else {
		out = make([]byte, 4+len(body))
		binary.BigEndian.PutUint32(out, uint32(len(body)))
		copy(out[4:], body)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.conn.Write(out)
	if err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// ReadFrame reads and verifies the next frame. Integrity and decode
// failures surface as *rcoder.ProtocolError.
func (c *Codec) ReadFrame() (Frame, error) {
	var body []byte
	var err error
	if c.wrapper != nil {
		body, err = c.wrapper.Unwrap(c.br)
		if err != nil {
			return Frame{}, err
		}
	} else {
		var lenBuf [4]byte
		if _, err := io.ReadFull(c.br, lenBuf[:]); err != nil {
			return Frame{}, err
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n > MaxFrameSize {
			return Frame{}, &rcoder.ProtocolError{
				Kind:   rcoder.ProtocolMalformed,
				Detail: fmt.Sprintf("frame length %d exceeds limit", n),
			}
		}
		body = make([]byte, n)
		if _, err := io.ReadFull(c.br, body); err != nil {
			return Frame{}, err
		}
	}

	var f Frame
	if err := json.Unmarshal(body, &f); err != nil {
		return Frame{}, &rcoder.ProtocolError{Kind: rcoder.ProtocolDecode, Err: err}
	}
	if key := c.sessionKey(); key != nil {
		if !hmac.Equal(f.MAC, frameMAC(key, f)) {
			return Frame{}, &rcoder.ProtocolError{
				Kind:   rcoder.ProtocolMalformed,
				Detail: "frame integrity check failed",
			}
		}
	}
	c.log.Debugw("read frame", "Type", f.Type, "ID", f.ID)
	return f, nil
}

// SetDeadline bounds both reads and writes on the underlying connection.
func (c *Codec) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

func (c *Codec) Close() error {
	return c.conn.Close()
}
