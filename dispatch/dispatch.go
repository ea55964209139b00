// Package dispatch routes commands to servers through the session
// registry: single commands, sequential or pipelined batches, async
// futures, and restart-aware execution.
package dispatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rcoder/rcoder"
	"github.com/rcoder/rcoder/session"
)

// Dispatcher is the execution front end. All calls acquire sessions from
// the shared registry, so commands to the same server reuse one
// connection.
type Dispatcher struct {
	log *zap.SugaredLogger
	reg *session.Registry

	restartPoll time.Duration
}

type Option func(d *Dispatcher)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(d *Dispatcher) {
		d.log = l.Named("dispatch")
	}
}

// WithRestartPollInterval sets how often restart-aware execution probes
// the host for liveness. Intervals below the floor are clamped up.
func WithRestartPollInterval(interval time.Duration) Option {
	return func(d *Dispatcher) {
		d.restartPoll = interval
	}
}

func New(reg *session.Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		log:         zap.NewNop().Sugar(),
		reg:         reg,
		restartPoll: restartPollFloor,
	}
	for _, o := range opts {
		o(d)
	}
	if d.restartPoll < restartPollFloor {
		d.restartPoll = restartPollFloor
	}
	return d
}

// Execute runs one command on the profile's server and blocks for the
// result. Commands flagged WaitForRestart go through the restart
// coordinator instead of the normal round trip.
func (d *Dispatcher) Execute(ctx context.Context, profile rcoder.ServerProfile, cmd rcoder.Command) (rcoder.Result, error) {
	if cmd.WaitForRestart {
		return d.executeRestart(ctx, profile, cmd)
	}
	sess, err := d.reg.Acquire(ctx, profile)
	if err != nil {
		return rcoder.Result{Command: cmd.Text}, err
	}
	return sess.Execute(ctx, cmd)
}

// BatchOption tunes batch execution.
type BatchOption func(o *batchOpts)

type batchOpts struct {
	pipelined bool
}

// Pipelined submits all batch commands concurrently instead of waiting
// for each result before the next submission. Results still come back in
// submission order.
func Pipelined() BatchOption {
	return func(o *batchOpts) {
		o.pipelined = true
	}
}

// ExecuteBatch runs the commands against one server. A failing command
// never aborts the batch: its failure is captured in its Result slot and
// the rest proceed. Duplicate command texts get distinct slots.
func (d *Dispatcher) ExecuteBatch(ctx context.Context, profile rcoder.ServerProfile, cmds []rcoder.Command, opts ...BatchOption) (*rcoder.BatchResult, error) {
	var bo batchOpts
	for _, o := range opts {
		o(&bo)
	}

	batch := rcoder.NewBatchResult()
	if len(cmds) == 0 {
		return batch, nil
	}

	sess, err := d.reg.Acquire(ctx, profile)
	if err != nil {
		return nil, err
	}

	if bo.pipelined {
		d.runPipelined(ctx, sess, cmds, batch)
		return batch, nil
	}

	for i, cmd := range cmds {
		res, err := sess.Execute(ctx, cmd)
		if err != nil {
			res = rcoder.Result{Command: cmd.Text, Err: err}
		}
		batch.Add(rcoder.BatchKey{Command: cmd.Text, Ordinal: i}, res)
	}
	return batch, nil
}

func (d *Dispatcher) runPipelined(ctx context.Context, sess *session.Session, cmds []rcoder.Command, batch *rcoder.BatchResult) {
	// Submit sequentially so the request frames hit the wire in slice
	// order; only the waits overlap.
	results := make([]rcoder.Result, len(cmds))
	calls := make([]*session.Call, len(cmds))
	for i, cmd := range cmds {
		call, err := sess.Submit(ctx, cmd)
		if err != nil {
			results[i] = rcoder.Result{Command: cmd.Text, Err: err}
			continue
		}
		calls[i] = call
	}

	var wg sync.WaitGroup
	for i := range calls {
		if calls[i] == nil {
			continue
		}
		wg.Add(1)
		go func(i int, cmd rcoder.Command) {
			defer wg.Done()
			res, err := calls[i].Wait(ctx)
			if err != nil {
				res = rcoder.Result{Command: cmd.Text, Err: err}
			}
			results[i] = res
		}(i, cmds[i])
	}
	wg.Wait()

	for i, res := range results {
		batch.Add(rcoder.BatchKey{Command: cmds[i].Text, Ordinal: i}, res)
	}
}

// Future is a pending single-command execution.
type Future struct {
	done chan struct{}
	res  rcoder.Result
	err  error
}

// Done reports completion without blocking.
func (f *Future) Done() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the result is available or ctx ends. A ctx error
// abandons the wait only; the command keeps running remotely.
func (f *Future) Wait(ctx context.Context) (rcoder.Result, error) {
	select {
	case <-f.done:
		return f.res, f.err
	case <-ctx.Done():
		return rcoder.Result{}, ctx.Err()
	}
}

// ExecuteAsync starts the command and returns immediately. The returned
// future resolves exactly once.
func (d *Dispatcher) ExecuteAsync(ctx context.Context, profile rcoder.ServerProfile, cmd rcoder.Command) *Future {
	f := &Future{done: make(chan struct{})}
	go func() {
		f.res, f.err = d.Execute(ctx, profile, cmd)
		close(f.done)
	}()
	return f
}

// BatchFuture is a pending batch execution.
type BatchFuture struct {
	done  chan struct{}
	batch *rcoder.BatchResult
	err   error
}

func (f *BatchFuture) Done() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *BatchFuture) Wait(ctx context.Context) (*rcoder.BatchResult, error) {
	select {
	case <-f.done:
		return f.batch, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ExecuteBatchAsync starts the batch and returns immediately.
func (d *Dispatcher) ExecuteBatchAsync(ctx context.Context, profile rcoder.ServerProfile, cmds []rcoder.Command, opts ...BatchOption) *BatchFuture {
	f := &BatchFuture{done: make(chan struct{})}
	go func() {
		f.batch, f.err = d.ExecuteBatch(ctx, profile, cmds, opts...)
		close(f.done)
	}()
	return f
}
