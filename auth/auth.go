// Package auth implements the mutual key-based handshake that turns an
// established channel into a verified session. The client pins the server's
// public key ahead of time (never trust-on-first-use), the server checks
// the client against an authorized-key list, and both sides derive a shared
// session key for the wire integrity layer.
package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"

	"github.com/rcoder/rcoder"
	"github.com/rcoder/rcoder/wire"
)

// AuthError reasons.
const (
	ReasonUnknownHost  = "unknown_host"
	ReasonBadSignature = "bad_signature"
	ReasonExpired      = "expired"
	ReasonReplay       = "replay"
)

// AuthError reports a failed handshake. Any AuthError is fatal for the
// connection attempt; there is no fallback or auto-accept.
type AuthError struct {
	Reason string
	Detail string
}

func (e *AuthError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("authentication failed (%s): %s", e.Reason, e.Detail)
	}
	return fmt.Sprintf("authentication failed (%s)", e.Reason)
}

// NonceWindow is how far a handshake timestamp may drift from local time
// before it is rejected as expired. Tolerates moderate clock skew.
const NonceWindow = 30 * time.Second

// Credentials is the client-side key material, provided by the caller; how
// it is loaded or stored is not this package's concern.
type Credentials struct {
	// ClientID is the identity claimed during the handshake. The server
	// looks it up in its authorized-key list.
	ClientID string

	PrivateKey ed25519.PrivateKey

	// HostKeys pins the expected public key per server profile name. A
	// server whose key is absent or mismatched always aborts the attempt.
	HostKeys map[string]ed25519.PublicKey
}

// Handshake payloads. All ride in frames of type "auth".

type clientHello struct {
	ClientID string `json:"client_id"`
	Nonce    string `json:"nonce"`
	TS       int64  `json:"ts"`
}

type serverProof struct {
	Nonce string `json:"nonce"`
	TS    int64  `json:"ts"`
	Sig   []byte `json:"sig"`
}

type clientProof struct {
	TS  int64  `json:"ts"`
	Sig []byte `json:"sig"`
}

type handshakeResult struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// proofDigest is the byte string each side signs: the peer's nonce first,
// then its own, then the signer's timestamp.
func proofDigest(peerNonce, ownNonce string, ts int64) []byte {
	h := sha256.New()
	h.Write([]byte(peerNonce))
	h.Write([]byte{0})
	h.Write([]byte(ownNonce))
	h.Write([]byte{0})
	fmt.Fprintf(h, "%d", ts)
	return h.Sum(nil)
}

func deriveSessionKey(clientNonce, serverNonce, clientID string) ([]byte, error) {
	r := hkdf.New(sha256.New, []byte(clientNonce+serverNonce), []byte("rcoder session v1"), []byte(clientID))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving session key: %w", err)
	}
	return key, nil
}

func fresh(ts int64) bool {
	d := time.Since(time.Unix(ts, 0))
	if d < 0 {
		d = -d
	}
	return d <= NonceWindow
}

// Handshake runs the client side of the handshake on codec. serverName
// selects the pinned host key. On success it returns the session key to
// install on the codec.
func Handshake(ctx context.Context, codec *wire.Codec, serverName string, creds *Credentials) ([]byte, error) {
	hostKey, ok := creds.HostKeys[serverName]
	if !ok {
		return nil, &AuthError{Reason: ReasonUnknownHost, Detail: fmt.Sprintf("no pinned key for server %q", serverName)}
	}

	if dl, ok := ctx.Deadline(); ok {
		codec.SetDeadline(dl)
		defer codec.SetDeadline(time.Time{})
	}

	clientNonce := uuid.NewString()
	hello := clientHello{ClientID: creds.ClientID, Nonce: clientNonce, TS: time.Now().Unix()}
	if err := writeAuth(codec, hello); err != nil {
		return nil, wrapTimeout(err)
	}

	var proof serverProof
	if err := readAuth(codec, &proof); err != nil {
		return nil, wrapTimeout(err)
	}
	if !fresh(proof.TS) {
		return nil, &AuthError{Reason: ReasonExpired, Detail: "server proof timestamp outside validity window"}
	}
	if !ed25519.Verify(hostKey, proofDigest(clientNonce, proof.Nonce, proof.TS), proof.Sig) {
		return nil, &AuthError{Reason: ReasonBadSignature, Detail: "server host key proof did not verify"}
	}

	ts := time.Now().Unix()
	cp := clientProof{TS: ts, Sig: ed25519.Sign(creds.PrivateKey, proofDigest(proof.Nonce, clientNonce, ts))}
	if err := writeAuth(codec, cp); err != nil {
		return nil, wrapTimeout(err)
	}

	var res handshakeResult
	if err := readAuth(codec, &res); err != nil {
		return nil, wrapTimeout(err)
	}
	if !res.OK {
		reason := res.Reason
		if reason == "" {
			reason = ReasonBadSignature
		}
		return nil, &AuthError{Reason: reason, Detail: "server rejected handshake"}
	}

	return deriveSessionKey(clientNonce, proof.Nonce, creds.ClientID)
}

// Verifier runs the server side of the handshake. One verifier serves many
// connections; its nonce guard enforces single use across all of them.
type Verifier struct {
	log            *zap.SugaredLogger
	hostKey        ed25519.PrivateKey
	authorizedKeys map[string]ed25519.PublicKey
	nonces         *nonceGuard
}

type VerifierOption func(v *Verifier)

func WithVerifierLogger(l *zap.SugaredLogger) VerifierOption {
	return func(v *Verifier) {
		v.log = l.Named("auth")
	}
}

// NewVerifier builds a verifier from the server's private key and the
// authorized client keys, keyed by client ID.
func NewVerifier(hostKey ed25519.PrivateKey, authorized map[string]ed25519.PublicKey, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		log:            zap.NewNop().Sugar(),
		hostKey:        hostKey,
		authorizedKeys: authorized,
		nonces:         newNonceGuard(NonceWindow),
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Handshake authenticates one incoming connection. It returns the verified
// client ID and the session key. Rejections are reported to the peer
// before the error is returned.
func (v *Verifier) Handshake(ctx context.Context, codec *wire.Codec) (string, []byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		codec.SetDeadline(dl)
		defer codec.SetDeadline(time.Time{})
	}

	var hello clientHello
	if err := readAuth(codec, &hello); err != nil {
		return "", nil, wrapTimeout(err)
	}
	if !fresh(hello.TS) {
		return "", nil, v.reject(codec, ReasonExpired, "client hello timestamp outside validity window")
	}
	if !v.nonces.use(hello.Nonce) {
		return "", nil, v.reject(codec, ReasonReplay, "client nonce already used")
	}
	clientKey, ok := v.authorizedKeys[hello.ClientID]
	if !ok {
		return "", nil, v.reject(codec, ReasonUnknownHost, fmt.Sprintf("client %q is not authorized", hello.ClientID))
	}

	serverNonce := uuid.NewString()
	ts := time.Now().Unix()
	proof := serverProof{
		Nonce: serverNonce,
		TS:    ts,
		Sig:   ed25519.Sign(v.hostKey, proofDigest(hello.Nonce, serverNonce, ts)),
	}
	if err := writeAuth(codec, proof); err != nil {
		return "", nil, wrapTimeout(err)
	}

	var cp clientProof
	if err := readAuth(codec, &cp); err != nil {
		return "", nil, wrapTimeout(err)
	}
	if !fresh(cp.TS) {
		return "", nil, v.reject(codec, ReasonExpired, "client proof timestamp outside validity window")
	}
	if !ed25519.Verify(clientKey, proofDigest(serverNonce, hello.Nonce, cp.TS), cp.Sig) {
		return "", nil, v.reject(codec, ReasonBadSignature, "client proof did not verify")
	}

	if err := writeAuth(codec, handshakeResult{OK: true}); err != nil {
		return "", nil, wrapTimeout(err)
	}

	key, err := deriveSessionKey(hello.Nonce, serverNonce, hello.ClientID)
	if err != nil {
		return "", nil, err
	}
	v.log.Debugw("handshake complete", "ClientID", hello.ClientID)
	return hello.ClientID, key, nil
}

func (v *Verifier) reject(codec *wire.Codec, reason, detail string) error {
	if err := writeAuth(codec, handshakeResult{OK: false, Reason: reason}); err != nil {
		v.log.Debugf("sending handshake rejection: %s", err)
	}
	return &AuthError{Reason: reason, Detail: detail}
}

func writeAuth(codec *wire.Codec, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding handshake message: %w", err)
	}
	return codec.WriteFrame(wire.Frame{Type: wire.TypeAuth, ID: uuid.NewString(), Payload: body})
}

func readAuth(codec *wire.Codec, out any) error {
	f, err := codec.ReadFrame()
	if err != nil {
		return err
	}
	if f.Type != wire.TypeAuth {
		return &rcoder.ProtocolError{Kind: rcoder.ProtocolMalformed, Detail: fmt.Sprintf("unexpected %q frame during handshake", f.Type)}
	}
	if err := json.Unmarshal(f.Payload, out); err != nil {
		return &rcoder.ProtocolError{Kind: rcoder.ProtocolDecode, Err: err}
	}
	return nil
}

func wrapTimeout(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &rcoder.TimeoutError{Op: rcoder.TimeoutHandshake}
	}
	return err
}

// nonceGuard tracks seen nonces so each is accepted at most once within
// the validity window.
type nonceGuard struct {
	window time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
	last time.Time
}

func newNonceGuard(window time.Duration) *nonceGuard {
	return &nonceGuard{window: window, seen: map[string]time.Time{}}
}

// use records the nonce and reports whether it was new.
func (g *nonceGuard) use(nonce string) bool {
	now := time.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	if now.Sub(g.last) > g.window {
		for n, t := range g.seen {
			if now.Sub(t) > 2*g.window {
				delete(g.seen, n)
			}
		}
		g.last = now
	}
	if _, dup := g.seen[nonce]; dup {
		return false
	}
	g.seen[nonce] = now
	return true
}
