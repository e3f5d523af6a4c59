package canbus

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/halcyon-robotics/graspgate/internal/monitoring"
	"github.com/halcyon-robotics/graspgate/internal/percept"
)

// TargetSource yields the current global grasp target, if any. The decision
// engine satisfies it.
type TargetSource interface {
	SnapshotTarget() (r3.Vec, bool)
}

// DefaultAlertInterval is the alarm broadcast period while a proximity
// warning is active.
const DefaultAlertInterval = 100 * time.Millisecond

// Config holds the responder's tunables.
type Config struct {
	AlertInterval time.Duration // default DefaultAlertInterval
}

// Responder services grasp-target polls on the CAN bus and broadcasts
// alert frames for as long as the proximity alarm is raised.
type Responder struct {
	cfg    Config
	port   Porter
	source TargetSource

	writeMu sync.Mutex
	alarm   atomic.Bool

	requests  atomic.Uint64
	responses atomic.Uint64
	alerts    atomic.Uint64
}

// NewResponder wires a responder to an open port and a target source.
func NewResponder(cfg Config, port Porter, source TargetSource) *Responder {
	if cfg.AlertInterval <= 0 {
		cfg.AlertInterval = DefaultAlertInterval
	}
	return &Responder{cfg: cfg, port: port, source: source}
}

// HandleWarning is the proximity-warning bus handler. Triggered warnings
// raise the alarm broadcast, cleared warnings stop it.
func (r *Responder) HandleWarning(payload interface{}) {
	w, ok := payload.(percept.ProximityWarning)
	if !ok {
		monitoring.Diagf("[canbus] ignoring warning event with payload type %T", payload)
		return
	}
	raised := w.Status == percept.WarningTriggered
	if r.alarm.Swap(raised) != raised {
		monitoring.Opsf("[canbus] alarm broadcast %s (device %s)", map[bool]string{true: "on", false: "off"}[raised], w.DeviceID)
	}
}

// AlarmActive reports whether the alert broadcast is currently running.
func (r *Responder) AlarmActive() bool { return r.alarm.Load() }

// scanFrames splits the SLCAN byte stream on carriage returns or newlines,
// dropping empty segments between terminators.
func scanFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := 0
	for start < len(data) && (data[start] == '\r' || data[start] == '\n') {
		start++
	}
	if i := bytes.IndexAny(data[start:], "\r\n"); i >= 0 {
		return start + i + 1, data[start : start+i], nil
	}
	if atEOF && start < len(data) {
		return len(data), data[start:], nil
	}
	return start, nil, nil
}

// Run services the port until the context is cancelled or the port fails.
// A blocking Read cannot observe cancellation, so the scan loop runs on its
// own goroutine feeding the select below; callers should Close the port
// after cancelling to unblock it promptly.
func (r *Responder) Run(ctx context.Context) error {
	scan := bufio.NewScanner(r.port)
	scan.Split(scanFrames)

	lineCh := make(chan string)
	errCh := make(chan error, 1)
	go func() {
		defer close(lineCh)
		for scan.Scan() {
			select {
			case lineCh <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case errCh <- err:
			case <-ctx.Done():
			}
		}
	}()

	ticker := time.NewTicker(r.cfg.AlertInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-errCh:
			return fmt.Errorf("canbus: port read failed: %w", err)

		case <-ticker.C:
			if r.alarm.Load() {
				if err := r.send(AlertFrame()); err != nil {
					return err
				}
				r.alerts.Add(1)
			}

		case line, ok := <-lineCh:
			if !ok {
				return nil
			}
			frame, err := ParseFrame(line)
			if err != nil {
				// Adapter chatter and foreign traffic are expected; skip it.
				monitoring.Tracef("[canbus] skipping line %q", line)
				continue
			}
			if !frame.IsTargetRequest() {
				continue
			}
			r.requests.Add(1)
			p, has := r.source.SnapshotTarget()
			if err := r.send(TargetResponse(p, has)); err != nil {
				return err
			}
			r.responses.Add(1)
		}
	}
}

// send writes one frame. The mutex keeps response and alert writes from
// interleaving on the wire.
func (r *Responder) send(f Frame) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	raw := f.Marshal()
	n, err := r.port.Write(raw)
	if err != nil {
		return fmt.Errorf("canbus: write failed: %w", err)
	}
	if n != len(raw) {
		return fmt.Errorf("canbus: short write, %d of %d bytes", n, len(raw))
	}
	return nil
}

// Stats returns the responder's lifetime counters.
func (r *Responder) Stats() (requests, responses, alerts uint64) {
	return r.requests.Load(), r.responses.Load(), r.alerts.Load()
}
