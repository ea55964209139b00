package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/rcoder/rcoder"
)

// restartPollFloor is the minimum interval between liveness probes while
// waiting for a host to come back. Probing faster just burns connection
// attempts against a host that is still booting.
const restartPollFloor = 2 * time.Second

const defaultRestartMaxWait = 60 * time.Second

// executeRestart submits a command expected to take the host down (reboot,
// agent restart), then polls until the host answers again or the wait
// budget runs out. The submission itself failing is normal: the connection
// usually dies before a response can be sent.
func (d *Dispatcher) executeRestart(ctx context.Context, profile rcoder.ServerProfile, cmd rcoder.Command) (rcoder.Result, error) {
	maxWait := profile.RestartMaxWait
	if maxWait <= 0 {
		maxWait = defaultRestartMaxWait
	}

	start := time.Now()
	sess, err := d.reg.Acquire(ctx, profile)
	if err != nil {
		return rcoder.Result{Command: cmd.Text}, err
	}

	submit := cmd
	submit.WaitForRestart = false
	if submit.Timeout <= 0 {
		submit.Timeout = d.restartPoll
	}
	if _, err := sess.Execute(ctx, submit); err != nil {
		d.log.Debugw("restart command submission ended", "Server", profile.Name, "Error", err)
	}

	// The old connection is dead or about to be; drop it so probes below
	// build fresh ones.
	d.reg.Drop(profile.Name)

	for {
		select {
		case <-ctx.Done():
			return rcoder.Result{Command: cmd.Text}, ctx.Err()
		case <-time.After(d.restartPoll):
		}

		elapsed := time.Since(start)
		if elapsed >= maxWait {
			return rcoder.Result{Command: cmd.Text}, &rcoder.RestartTimeoutError{Elapsed: elapsed}
		}

		if d.probe(ctx, profile) {
			elapsed = time.Since(start)
			d.log.Debugw("host back online", "Server", profile.Name, "Elapsed", elapsed)
			return rcoder.Result{
				Command:  cmd.Text,
				Stdout:   fmt.Sprintf("host restarted, back online after %s", elapsed.Round(time.Millisecond)),
				ExitCode: 0,
				Duration: elapsed,
			}, nil
		}
	}
}

// probe attempts one short connect + ping. Any failure just means the host
// is not back yet.
func (d *Dispatcher) probe(ctx context.Context, profile rcoder.ServerProfile) bool {
	pctx, cancel := context.WithTimeout(ctx, d.restartPoll)
	defer cancel()

	sess, err := d.reg.Acquire(pctx, profile)
	if err != nil {
		d.reg.Drop(profile.Name)
		return false
	}
	if _, err := sess.Ping(pctx); err != nil {
		d.reg.Drop(profile.Name)
		return false
	}
	return true
}
