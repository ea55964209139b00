package monitor

import (
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcoder/rcoder"
	"github.com/rcoder/rcoder/agent"
	"github.com/rcoder/rcoder/auth"
	"github.com/rcoder/rcoder/session"
)

type harness struct {
	agent   *agent.Agent
	profile rcoder.ServerProfile
	reg     *session.Registry
	queue   *rcoder.AlertQueue
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	hostPub, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	clientPub, clientPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	a := agent.New(
		auth.NewVerifier(hostPriv, map[string]ed25519.PublicKey{"tester": clientPub}),
		agent.WithListenAddr("127.0.0.1:0"),
	)
	require.NoError(t, a.Start())
	t.Cleanup(func() { a.Stop() })

	host, portStr, err := net.SplitHostPort(a.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	creds := &auth.Credentials{
		ClientID:   "tester",
		PrivateKey: clientPriv,
		HostKeys:   map[string]ed25519.PublicKey{"test": hostPub},
	}
	reg := session.NewRegistry(creds, session.WithSessionOptions(
		session.WithMaxAttempts(1),
		session.WithBackoff(50*time.Millisecond, 100*time.Millisecond),
	))
	t.Cleanup(func() { reg.CloseAll() })

	return &harness{
		agent: a,
		profile: rcoder.ServerProfile{
			Name:               "test",
			Host:               host,
			Port:               port,
			Timeout:            5 * time.Second,
			MonitoringInterval: 100 * time.Millisecond,
		},
		reg:   reg,
		queue: rcoder.NewAlertQueue(64),
	}
}

func TestMonitorEmitsThresholdAlerts(t *testing.T) {
	h := newHarness(t)
	// Impossible thresholds so every sample breaches all three.
	mon := New(h.reg, h.queue, WithThresholds(-1, -1, -1), WithProbeBudget(3*time.Second))

	require.NoError(t, mon.Start(h.profile))
	defer mon.StopAll()

	require.Eventually(t, func() bool {
		return h.queue.Len() >= 3
	}, 5*time.Second, 50*time.Millisecond)

	alerts := h.queue.Drain()
	for _, a := range alerts {
		assert.Equal(t, rcoder.SeverityWarning, a.Severity)
		assert.Equal(t, "test", a.ServerName)
	}
}

func TestMonitorHealthySilence(t *testing.T) {
	h := newHarness(t)
	// Unreachable thresholds: no alerts from a healthy host.
	mon := New(h.reg, h.queue, WithThresholds(1e9, 101, 101), WithProbeBudget(3*time.Second))

	require.NoError(t, mon.Start(h.profile))
	time.Sleep(500 * time.Millisecond)
	mon.StopAll()

	assert.Equal(t, 0, h.queue.Len())
}

func TestMonitorAlertsCriticalWhenUnreachable(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.agent.Stop())

	mon := New(h.reg, h.queue, WithProbeBudget(time.Second))
	require.NoError(t, mon.Start(h.profile))
	defer mon.StopAll()

	require.Eventually(t, func() bool {
		for _, a := range h.queue.Drain() {
			if a.Severity == rcoder.SeverityCritical {
				return true
			}
		}
		return false
	}, 10*time.Second, 100*time.Millisecond)
}

func TestMonitorStartTwiceFails(t *testing.T) {
	h := newHarness(t)
	mon := New(h.reg, h.queue)
	require.NoError(t, mon.Start(h.profile))
	defer mon.StopAll()

	err := mon.Start(h.profile)
	require.Error(t, err)
}

func TestMonitorStopIsSynchronous(t *testing.T) {
	h := newHarness(t)
	mon := New(h.reg, h.queue, WithThresholds(-1, -1, -1), WithProbeBudget(2*time.Second))

	require.NoError(t, mon.Start(h.profile))
	require.Eventually(t, func() bool {
		return h.queue.Len() > 0
	}, 5*time.Second, 50*time.Millisecond)

	mon.Stop(h.profile.Name)
	h.queue.Drain()

	// No loop survives Stop, so nothing new may arrive.
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, 0, h.queue.Len())

	// Stopping again or stopping an unknown name is harmless.
	mon.Stop(h.profile.Name)
	mon.Stop("never-started")
}

func TestMonitorCoversMultipleServers(t *testing.T) {
	h := newHarness(t)

	// The second profile points at the same agent but has no pinned host
	// key under its name, so its samples fail while the first stays green.
	second := h.profile
	second.Name = "unpinned"

	mon := New(h.reg, h.queue, WithThresholds(-1, -1, -1), WithProbeBudget(3*time.Second))
	require.NoError(t, mon.Start(h.profile))
	require.NoError(t, mon.Start(second))
	defer mon.StopAll()

	seen := map[string]string{}
	require.Eventually(t, func() bool {
		for _, a := range h.queue.Drain() {
			seen[a.ServerName] = a.Severity
		}
		return seen["test"] != "" && seen["unpinned"] != ""
	}, 10*time.Second, 100*time.Millisecond)
	assert.Equal(t, rcoder.SeverityWarning, seen["test"])
	assert.Equal(t, rcoder.SeverityCritical, seen["unpinned"])
}
