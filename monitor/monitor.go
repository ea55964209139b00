// Package monitor runs periodic health checks against servers and turns
// misses and threshold breaches into alerts on a shared queue.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rcoder/rcoder"
	"github.com/rcoder/rcoder/session"
)

const defaultInterval = 30 * time.Second

// Monitor samples server health on a per-profile loop. One monitor covers
// any number of servers; each gets its own ticker.
type Monitor struct {
	log   *zap.SugaredLogger
	reg   *session.Registry
	queue *rcoder.AlertQueue

	loadWarn    float64
	memWarnPct  float64
	diskWarnPct float64
	probeBudget time.Duration

	mu    sync.Mutex
	loops map[string]*loop
}

type loop struct {
	stop chan struct{}
	done chan struct{}
}

type Option func(m *Monitor)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(m *Monitor) {
		m.log = l.Named("monitor")
	}
}

// WithThresholds overrides the warning thresholds: 1-minute load average,
// memory used percent, disk used percent.
func WithThresholds(load, memPct, diskPct float64) Option {
	return func(m *Monitor) {
		m.loadWarn = load
		m.memWarnPct = memPct
		m.diskWarnPct = diskPct
	}
}

// WithProbeBudget bounds how long one health sample may take, connection
// included.
func WithProbeBudget(d time.Duration) Option {
	return func(m *Monitor) {
		m.probeBudget = d
	}
}

func New(reg *session.Registry, queue *rcoder.AlertQueue, opts ...Option) *Monitor {
	m := &Monitor{
		log:         zap.NewNop().Sugar(),
		reg:         reg,
		queue:       queue,
		loadWarn:    4.0,
		memWarnPct:  90,
		diskWarnPct: 90,
		probeBudget: 15 * time.Second,
		loops:       map[string]*loop{},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start begins monitoring profile at its configured interval. The first
// sample runs immediately. Starting an already-monitored profile is an
// error.
func (m *Monitor) Start(profile rcoder.ServerProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, running := m.loops[profile.Name]; running {
		return fmt.Errorf("server %q is already monitored", profile.Name)
	}
	l := &loop{stop: make(chan struct{}), done: make(chan struct{})}
	m.loops[profile.Name] = l
	go m.run(profile, l)
	return nil
}

// Stop halts monitoring for name and waits for its loop to exit, so no
// alert for that server arrives after Stop returns.
func (m *Monitor) Stop(name string) {
	m.mu.Lock()
	l := m.loops[name]
	delete(m.loops, name)
	m.mu.Unlock()
	if l == nil {
		return
	}
	close(l.stop)
	<-l.done
}

// StopAll halts every monitoring loop.
func (m *Monitor) StopAll() {
	m.mu.Lock()
	loops := m.loops
	m.loops = map[string]*loop{}
	m.mu.Unlock()
	for _, l := range loops {
		close(l.stop)
	}
	for _, l := range loops {
		<-l.done
	}
}

func (m *Monitor) run(profile rcoder.ServerProfile, l *loop) {
	defer close(l.done)

	interval := profile.MonitoringInterval
	if interval <= 0 {
		interval = defaultInterval
	}
	m.log.Debugw("monitoring started", "Server", profile.Name, "Interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.sample(profile, l.stop)
	for {
		select {
		case <-l.stop:
			m.log.Debugw("monitoring stopped", "Server", profile.Name)
			return
		case <-ticker.C:
			m.sample(profile, l.stop)
		}
	}
}

func (m *Monitor) sample(profile rcoder.ServerProfile, stop chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), m.probeBudget)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	sess, err := m.reg.Acquire(ctx, profile)
	if err != nil {
		m.push(profile.Name, rcoder.SeverityCritical, fmt.Sprintf("server unreachable: %s", err))
		return
	}
	st, err := sess.Ping(ctx)
	if err != nil {
		m.push(profile.Name, rcoder.SeverityWarning, fmt.Sprintf("health probe failed: %s", err))
		return
	}

	if st.Load1 > m.loadWarn {
		m.push(profile.Name, rcoder.SeverityWarning, fmt.Sprintf("load average %.2f exceeds %.2f", st.Load1, m.loadWarn))
	}
	if st.MemUsedPct > m.memWarnPct {
		m.push(profile.Name, rcoder.SeverityWarning, fmt.Sprintf("memory usage %.1f%% exceeds %.1f%%", st.MemUsedPct, m.memWarnPct))
	}
	if st.DiskUsedPct > m.diskWarnPct {
		m.push(profile.Name, rcoder.SeverityWarning, fmt.Sprintf("disk usage %.1f%% exceeds %.1f%%", st.DiskUsedPct, m.diskWarnPct))
	}
}

func (m *Monitor) push(server, severity, msg string) {
	m.queue.Push(rcoder.Alert{
		Timestamp:  time.Now(),
		Severity:   severity,
		Message:    msg,
		ServerName: server,
	})
	m.log.Debugw("alert", "Server", server, "Severity", severity, "Message", msg)
}
