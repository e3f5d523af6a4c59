// Package pipeline owns the per-frame processing loop: detection frames are
// queued by a non-blocking ingress callback, dequeued by a single worker
// goroutine, and pushed through transform, filter, decision and publish.
//
// One worker serialises all Decide calls, so per-device frame order follows
// enqueue order and the decision engine sees a single writer. Overloaded
// ingress drops frames (counted) rather than queueing unboundedly.
package pipeline

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/halcyon-robotics/graspgate/internal/eventbus"
	"github.com/halcyon-robotics/graspgate/internal/monitoring"
	"github.com/halcyon-robotics/graspgate/internal/percept"
)

// ErrConfigInvalid wraps construction-time validation failures.
var ErrConfigInvalid = errors.New("pipeline: invalid config")

// DefaultQueueCapacity bounds the ingress queue when the config leaves it zero.
const DefaultQueueCapacity = 16

// DeviceMeta describes one sensor device.
type DeviceMeta struct {
	Alias string // human-readable name carried into output envelopes
}

// Config holds the orchestrator's construction parameters.
type Config struct {
	Devices       map[string]DeviceMeta // device ID -> metadata; required non-empty
	Roles         map[string]string     // role name -> device ID bindings
	Labels        map[int]string        // optional detector class label names
	QueueCapacity int                   // ingress queue depth; default DefaultQueueCapacity
}

// Validate checks the construction contract.
func (c Config) Validate() error {
	if len(c.Devices) == 0 {
		return fmt.Errorf("%w: device metadata map must not be empty", ErrConfigInvalid)
	}
	for role, id := range c.Roles {
		if _, ok := c.Devices[id]; !ok {
			return fmt.Errorf("%w: role %q bound to unknown device %q", ErrConfigInvalid, role, id)
		}
	}
	if c.QueueCapacity < 0 {
		return fmt.Errorf("%w: queue capacity must be non-negative, got %d", ErrConfigInvalid, c.QueueCapacity)
	}
	return nil
}

// Metrics is a point-in-time counter snapshot.
type Metrics struct {
	FramesProcessed  uint64    `json:"frames_processed"`
	FramesPublished  uint64    `json:"frames_published"`
	FramesDropped    uint64    `json:"frames_dropped"`
	FramesFailed     uint64    `json:"frames_failed"`
	DecisionFailures uint64    `json:"decision_failures"`
	LastFrameAt      time.Time `json:"last_frame_at"`
}

// Orchestrator sequences the per-frame pipeline and owns its worker
// lifecycle.
type Orchestrator struct {
	cfg       Config
	bus       Bus
	transform Transformer
	filter    Filter
	decider   Decider

	frameCh chan *percept.DetectionFrame
	subID   string

	// lifecycle guards Start/Stop/Shutdown so idempotence holds under
	// concurrent callers.
	lifecycle sync.Mutex
	running   bool
	stopping  bool
	shutdown  bool
	stopCh    chan struct{}
	doneCh    chan struct{}

	processed        atomic.Uint64
	published        atomic.Uint64
	dropped          atomic.Uint64
	failed           atomic.Uint64
	decisionFailures atomic.Uint64
	lastFrameNanos   atomic.Int64
}

// New validates the config, subscribes to the detection-frame event and
// returns an orchestrator ready to Start. The ingress callback only performs
// a non-blocking enqueue; no processing happens on the publisher's
// goroutine.
func New(cfg Config, bus Bus, transform Transformer, filter Filter, decider Decider) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if bus == nil || transform == nil || filter == nil || decider == nil {
		return nil, fmt.Errorf("%w: bus, transform, filter and decider are required", ErrConfigInvalid)
	}
	if cfg.QueueCapacity == 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}

	o := &Orchestrator{
		cfg:       cfg,
		bus:       bus,
		transform: transform,
		filter:    filter,
		decider:   decider,
		frameCh:   make(chan *percept.DetectionFrame, cfg.QueueCapacity),
	}
	o.subID = bus.Subscribe(eventbus.EventDetectionFrame, o.enqueue)
	return o, nil
}

// enqueue is the ingress callback. Full queue drops the frame and counts it;
// overflow is backpressure, not an error.
func (o *Orchestrator) enqueue(payload interface{}) {
	frame, ok := payload.(*percept.DetectionFrame)
	if !ok {
		monitoring.Diagf("[pipeline] ignoring detection event with payload type %T", payload)
		return
	}
	select {
	case o.frameCh <- frame:
	default:
		n := o.dropped.Add(1)
		if n%50 == 1 {
			monitoring.Diagf("[pipeline] ingress queue full, dropped %d frames so far", n)
		}
	}
}

// Start spawns the worker. It returns false if the orchestrator is already
// running or has been shut down.
func (o *Orchestrator) Start() bool {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()
	if o.running || o.shutdown {
		return false
	}
	o.stopCh = make(chan struct{})
	o.doneCh = make(chan struct{})
	o.running = true
	o.stopping = false
	go o.worker(o.stopCh, o.doneCh)
	monitoring.Opsf("[pipeline] worker started (queue capacity %d)", o.cfg.QueueCapacity)
	return true
}

// Stop signals the worker and waits up to timeout for it to exit. Stopping
// an already-stopped orchestrator returns true. A false return means the
// worker did not confirm termination in time; its state is left as
// consistent as possible and a later Stop may still succeed.
func (o *Orchestrator) Stop(timeout time.Duration) bool {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()
	return o.stopLocked(timeout)
}

func (o *Orchestrator) stopLocked(timeout time.Duration) bool {
	if !o.running {
		return true
	}
	if !o.stopping {
		close(o.stopCh)
		o.stopping = true
	}
	select {
	case <-o.doneCh:
		o.running = false
		o.stopping = false
		monitoring.Opsf("[pipeline] worker stopped")
		return true
	case <-time.After(timeout):
		monitoring.Opsf("[pipeline] worker did not stop within %v", timeout)
		return false
	}
}

// Shutdown cancels the ingress subscription and stops the worker. Unlike
// Stop it is not reversible: a shut-down orchestrator cannot be restarted.
func (o *Orchestrator) Shutdown(timeout time.Duration) bool {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()
	if !o.shutdown {
		o.bus.Unsubscribe(o.subID)
		o.shutdown = true
	}
	return o.stopLocked(timeout)
}

// worker drains the ingress queue until the stop channel closes. A frame
// failure never kills the loop.
func (o *Orchestrator) worker(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)
	for {
		select {
		case <-stopCh:
			return
		case frame := <-o.frameCh:
			o.runFrame(frame)
		}
	}
}

// runFrame wraps ProcessFrame with the loop-level failure isolation.
func (o *Orchestrator) runFrame(frame *percept.DetectionFrame) {
	defer func() {
		if r := recover(); r != nil {
			o.failed.Add(1)
			monitoring.Opsf("[pipeline] frame processing panicked (device %s frame %d): %v",
				frame.DeviceID, frame.FrameID, r)
		}
	}()
	if err := o.ProcessFrame(frame); err != nil {
		o.failed.Add(1)
		monitoring.Opsf("[pipeline] %v", err)
	}
}

// ProcessFrame runs the per-frame pipeline synchronously. It is the same
// path the worker uses and may be called directly for offline processing.
// Exactly one processed-frame event is published per call unless transform
// or filter fails, in which case the frame is dropped with an error.
func (o *Orchestrator) ProcessFrame(frame *percept.DetectionFrame) error {
	if frame == nil {
		return nil
	}
	o.processed.Add(1)
	o.lastFrameNanos.Store(time.Now().UnixNano())

	n := len(frame.Detections)
	if n == 0 {
		// Zero-detection frames still produce exactly one output event.
		o.publish(o.assemble(frame, nil, nil, nil, nil, nil))
		return nil
	}

	homogeneous := make([][4]float64, n)
	bboxes := make([][4]float32, n)
	confidence := make([]float32, n)
	labels := make([]int, n)
	for i, d := range frame.Detections {
		homogeneous[i] = [4]float64{float64(d.XYZ[0]), float64(d.XYZ[1]), float64(d.XYZ[2]), 1}
		bboxes[i] = d.BBox
		confidence[i] = d.Confidence
		labels[i] = d.Label
	}

	coords, err := o.transform.Transform(frame.DeviceID, homogeneous)
	if err != nil {
		return fmt.Errorf("transform failed (device %s frame %d): %w", frame.DeviceID, frame.FrameID, err)
	}
	if len(coords) != n {
		return fmt.Errorf("transform returned %d coords for %d rows (device %s frame %d)",
			len(coords), n, frame.DeviceID, frame.FrameID)
	}

	coords, bboxes, confidence, labels, err = o.filter.Filter(frame.DeviceID, coords, bboxes, confidence, labels)
	if err != nil {
		return fmt.Errorf("filter failed (device %s frame %d): %w", frame.DeviceID, frame.FrameID, err)
	}
	if len(bboxes) != len(coords) || len(confidence) != len(coords) || len(labels) != len(coords) {
		return fmt.Errorf("filter returned misaligned arrays (device %s frame %d)", frame.DeviceID, frame.FrameID)
	}

	stateLabels := o.safeDecide(frame, coords, labels)

	o.publish(o.assemble(frame, coords, bboxes, confidence, labels, stateLabels))
	return nil
}

// safeDecide isolates decision failures: losing one frame's safety labels is
// preferable to losing its geometry entirely.
func (o *Orchestrator) safeDecide(frame *percept.DetectionFrame, coords []r3.Vec, labels []int) (out []percept.Label) {
	defer func() {
		if r := recover(); r != nil {
			o.decisionFailures.Add(1)
			monitoring.Opsf("[pipeline] decision failed (device %s frame %d): %v", frame.DeviceID, frame.FrameID, r)
			out = nil
		}
	}()
	return o.decider.Decide(frame.DeviceID, coords, labels, time.Now())
}

func (o *Orchestrator) assemble(frame *percept.DetectionFrame, coords []r3.Vec, bboxes [][4]float32, confidence []float32, labels []int, stateLabels []percept.Label) *percept.ProcessedFrame {
	alias := frame.DeviceAlias
	if alias == "" {
		alias = o.cfg.Devices[frame.DeviceID].Alias
	}
	return &percept.ProcessedFrame{
		DeviceID:    frame.DeviceID,
		FrameID:     frame.FrameID,
		DeviceAlias: alias,
		Coords:      coords,
		BBoxes:      bboxes,
		Confidence:  confidence,
		ClassLabels: labels,
		StateLabels: stateLabels,
	}
}

// publish is fire-and-forget: loop liveness never depends on downstream
// subscriber health.
func (o *Orchestrator) publish(env *percept.ProcessedFrame) {
	if err := o.bus.Publish(eventbus.EventProcessedFrame, env, false); err != nil {
		monitoring.Diagf("[pipeline] publish failed (device %s frame %d): %v", env.DeviceID, env.FrameID, err)
		return
	}
	o.published.Add(1)
	monitoring.Tracef("[pipeline] published frame %d from %s with %d rows", env.FrameID, env.DeviceID, len(env.Coords))
}

// Metrics returns a snapshot of the orchestrator's counters.
func (o *Orchestrator) Metrics() Metrics {
	m := Metrics{
		FramesProcessed:  o.processed.Load(),
		FramesPublished:  o.published.Load(),
		FramesDropped:    o.dropped.Load(),
		FramesFailed:     o.failed.Load(),
		DecisionFailures: o.decisionFailures.Load(),
	}
	if nanos := o.lastFrameNanos.Load(); nanos > 0 {
		m.LastFrameAt = time.Unix(0, nanos)
	}
	return m
}
