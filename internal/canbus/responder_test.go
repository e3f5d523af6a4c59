package canbus

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/halcyon-robotics/graspgate/internal/percept"
)

type fixedSource struct {
	p  r3.Vec
	ok bool
}

func (s fixedSource) SnapshotTarget() (r3.Vec, bool) { return s.p, s.ok }

func startResponder(t *testing.T, r *Responder, port *MockPort) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		port.Close()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Error("responder did not exit after cancel")
		}
	})
	return cancel
}

func TestRespondsToTargetRequest(t *testing.T) {
	t.Parallel()
	port := NewMockPort()
	r := NewResponder(Config{AlertInterval: time.Hour}, port, fixedSource{p: r3.Vec{X: 1000, Y: -1800, Z: 258}, ok: true})
	startResponder(t, r, port)

	port.Feed([]byte("t03082222222222222222\r"))

	want := TargetResponse(r3.Vec{X: 1000, Y: -1800, Z: 258}, true).Marshal()
	require.Eventually(t, func() bool {
		return bytes.Equal(port.Written(), want)
	}, time.Second, 5*time.Millisecond)

	reqs, resps, alerts := r.Stats()
	assert.Equal(t, uint64(1), reqs)
	assert.Equal(t, uint64(1), resps)
	assert.Zero(t, alerts)
}

func TestNoTargetAnswersOrigin(t *testing.T) {
	t.Parallel()
	port := NewMockPort()
	r := NewResponder(Config{AlertInterval: time.Hour}, port, fixedSource{})
	startResponder(t, r, port)

	port.Feed([]byte("t03082222222222222222\r"))

	want := TargetResponse(r3.Vec{}, false).Marshal()
	require.Eventually(t, func() bool {
		return bytes.Equal(port.Written(), want)
	}, time.Second, 5*time.Millisecond)
}

func TestIgnoresForeignTraffic(t *testing.T) {
	t.Parallel()
	port := NewMockPort()
	r := NewResponder(Config{AlertInterval: time.Hour}, port, fixedSource{ok: true})
	startResponder(t, r, port)

	// Adapter banner, foreign ID, malformed line, then a real request.
	port.Feed([]byte("z\rt1008AABBCCDDEEFF0011\rnot-a-frame\rt03082222222222222222\r"))

	require.Eventually(t, func() bool {
		reqs, _, _ := r.Stats()
		return reqs == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, TargetResponse(r3.Vec{}, true).Marshal(), port.Written())
}

func TestAlertBroadcastFollowsWarnings(t *testing.T) {
	t.Parallel()
	port := NewMockPort()
	r := NewResponder(Config{AlertInterval: 10 * time.Millisecond}, port, fixedSource{})
	startResponder(t, r, port)

	r.HandleWarning(percept.ProximityWarning{Status: percept.WarningTriggered, DeviceID: "cam-a"})
	assert.True(t, r.AlarmActive())

	alert := AlertFrame().Marshal()
	require.Eventually(t, func() bool {
		return bytes.Count(port.Written(), alert) >= 3
	}, time.Second, 5*time.Millisecond)

	r.HandleWarning(percept.ProximityWarning{Status: percept.WarningCleared, DeviceID: "cam-a"})
	assert.False(t, r.AlarmActive())

	// After clearing, the broadcast stops.
	time.Sleep(30 * time.Millisecond)
	n := bytes.Count(port.Written(), alert)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, bytes.Count(port.Written(), alert))

	// Unknown payload types are ignored without touching the alarm.
	r.HandleWarning("bogus")
	assert.False(t, r.AlarmActive())
}

func TestSplitHandlesMixedTerminators(t *testing.T) {
	t.Parallel()
	port := NewMockPort()
	r := NewResponder(Config{AlertInterval: time.Hour}, port, fixedSource{ok: true})
	startResponder(t, r, port)

	port.Feed([]byte("\r\n\rt03082222222222222222\n\rt03082222222222222222\r"))

	require.Eventually(t, func() bool {
		reqs, _, _ := r.Stats()
		return reqs == 2
	}, time.Second, 5*time.Millisecond)
}
