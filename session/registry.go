package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/rcoder/rcoder"
	"github.com/rcoder/rcoder/auth"
	"github.com/rcoder/rcoder/transport"
)

// Registry hands out sessions, one per server profile name. Concurrent
// acquires for the same profile always resolve to the same session; a new
// one is created only when none exists or the old one was closed.
type Registry struct {
	log      *zap.SugaredLogger
	dialer   *transport.Dialer
	creds    *auth.Credentials
	sessOpts []Option

	mu      sync.Mutex
	entries map[string]*entry
}

// entry tracks one session slot. ready is closed once creation settled,
// successfully or not.
type entry struct {
	ready chan struct{}
	sess  *Session
	err   error
}

type RegistryOption func(r *Registry)

func WithRegistryLogger(l *zap.SugaredLogger) RegistryOption {
	return func(r *Registry) {
		r.log = l.Named("registry")
	}
}

func WithDialer(d *transport.Dialer) RegistryOption {
	return func(r *Registry) {
		r.dialer = d
	}
}

// WithSessionOptions applies opts to every session the registry creates.
func WithSessionOptions(opts ...Option) RegistryOption {
	return func(r *Registry) {
		r.sessOpts = opts
	}
}

func NewRegistry(creds *auth.Credentials, opts ...RegistryOption) *Registry {
	r := &Registry{
		log:     zap.NewNop().Sugar(),
		creds:   creds,
		entries: map[string]*entry{},
	}
	for _, o := range opts {
		o(r)
	}
	if r.dialer == nil {
		r.dialer = transport.NewDialer()
	}
	return r
}

// Acquire returns the live session for profile, connecting one if needed.
// While a connection attempt is in progress, other acquirers for the same
// profile wait on it instead of racing to open their own.
func (r *Registry) Acquire(ctx context.Context, profile rcoder.ServerProfile) (*Session, error) {
	for {
		r.mu.Lock()
		e, ok := r.entries[profile.Name]
		if !ok {
			e = &entry{ready: make(chan struct{})}
			r.entries[profile.Name] = e
			r.mu.Unlock()
			return r.create(ctx, profile, e)
		}
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-e.ready:
		}
		if e.err != nil {
			// Creator failed and already removed the entry; take over.
			continue
		}
		sess := e.sess
		if sess.State() == StateClosed {
			r.remove(profile.Name, e)
			continue
		}
		if err := sess.ensureReady(ctx); err != nil {
			if errors.Is(err, ErrClosed) {
				r.remove(profile.Name, e)
				continue
			}
			return nil, err
		}
		return sess, nil
	}
}

func (r *Registry) create(ctx context.Context, profile rcoder.ServerProfile, e *entry) (*Session, error) {
	opts := append([]Option{WithSessionLogger(r.log)}, r.sessOpts...)
	sess := newSession(profile, r.creds, r.dialer, opts...)
	if err := sess.ensureReady(ctx); err != nil {
		sess.Close()
		r.remove(profile.Name, e)
		e.err = err
		close(e.ready)
		return nil, err
	}
	e.sess = sess
	close(e.ready)
	r.log.Debugw("session established", "Server", profile.Name)
	return sess, nil
}

func (r *Registry) remove(name string, e *entry) {
	r.mu.Lock()
	if r.entries[name] == e {
		delete(r.entries, name)
	}
	r.mu.Unlock()
}

// Drop closes and forgets the session for name, if any. Used when the
// caller knows the connection is gone for good, e.g. before a host restart.
func (r *Registry) Drop(name string) {
	r.mu.Lock()
	e := r.entries[name]
	r.mu.Unlock()
	if e == nil {
		return
	}
	// Wait for an in-flight creation to settle so the session cannot leak.
	<-e.ready
	r.remove(name, e)
	if e.sess != nil {
		e.sess.Close()
	}
}

// CloseAll closes every session. The registry stays usable afterwards.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	entries := r.entries
	r.entries = map[string]*entry{}
	r.mu.Unlock()

	var errs []error
	for name, e := range entries {
		<-e.ready
		if e.sess != nil {
			if err := e.sess.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing session %q: %w", name, err))
			}
		}
	}
	return errors.Join(errs...)
}
