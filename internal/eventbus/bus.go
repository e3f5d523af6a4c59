// Package eventbus is the in-process publish/subscribe transport between the
// detectors, the pipeline and downstream consumers.
//
// Delivery is at-most-once: the default publish mode hands the payload to
// each subscriber's bounded queue and drops it when that queue is full, so a
// slow subscriber can never stall a publisher. Latency beats completeness.
package eventbus

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/halcyon-robotics/graspgate/internal/monitoring"
)

// Event types carried on the bus.
const (
	// EventDetectionFrame carries *percept.DetectionFrame (ingress).
	EventDetectionFrame = "percept.detection-frame"
	// EventProcessedFrame carries *percept.ProcessedFrame (egress).
	EventProcessedFrame = "percept.processed-frame"
	// EventProximityWarning carries percept.ProximityWarning (egress).
	EventProximityWarning = "percept.proximity-warning"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("eventbus: closed")

// DefaultQueueCapacity is the per-subscriber queue depth.
const DefaultQueueCapacity = 64

// Handler receives event payloads. In the default publish mode it runs on
// the subscriber's dispatch goroutine; with waitForAll it runs on the
// publisher's goroutine.
type Handler func(payload interface{})

type subscriber struct {
	id    string
	event string
	fn    Handler
	ch    chan interface{}
	done  chan struct{}
}

func (s *subscriber) run() {
	defer close(s.done)
	for payload := range s.ch {
		s.fn(payload)
	}
}

// Bus fans events out to subscribers, one dispatch goroutine per
// subscription.
type Bus struct {
	capacity int

	mu      sync.RWMutex
	subs    map[string]*subscriber
	byEvent map[string][]*subscriber
	closed  bool

	dropped atomic.Uint64
}

// New creates a bus with the default per-subscriber queue capacity.
func New() *Bus { return NewWithCapacity(DefaultQueueCapacity) }

// NewWithCapacity creates a bus with the given per-subscriber queue capacity.
func NewWithCapacity(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Bus{
		capacity: capacity,
		subs:     make(map[string]*subscriber),
		byEvent:  make(map[string][]*subscriber),
	}
}

// Subscribe registers a handler for an event type and returns the
// subscription ID used to unsubscribe.
func (b *Bus) Subscribe(event string, fn Handler) string {
	s := &subscriber{
		id:    uuid.NewString(),
		event: event,
		fn:    fn,
		ch:    make(chan interface{}, b.capacity),
		done:  make(chan struct{}),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		return s.id
	}
	b.subs[s.id] = s
	b.byEvent[event] = append(b.byEvent[event], s)
	go s.run()
	return s.id
}

// Unsubscribe removes a subscription and waits for its dispatch goroutine to
// drain. Unknown IDs are ignored.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	s, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
		b.byEvent[s.event] = removeSub(b.byEvent[s.event], s)
		close(s.ch)
	}
	b.mu.Unlock()
	if ok {
		<-s.done
	}
}

func removeSub(subs []*subscriber, target *subscriber) []*subscriber {
	out := subs[:0]
	for _, s := range subs {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

// Publish delivers a payload to every subscriber of the event type.
//
// With waitForAll false (the only mode the pipeline uses) the payload is
// queued per subscriber and dropped on overflow; the call never blocks.
// With waitForAll true the handlers are invoked synchronously on the
// caller's goroutine before Publish returns. They run outside the bus lock,
// so a handler may itself subscribe, unsubscribe or close the bus.
func (b *Bus) Publish(event string, payload interface{}, waitForAll bool) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}

	if waitForAll {
		fns := make([]Handler, 0, len(b.byEvent[event]))
		for _, s := range b.byEvent[event] {
			fns = append(fns, s.fn)
		}
		b.mu.RUnlock()
		for _, fn := range fns {
			fn(payload)
		}
		return nil
	}

	defer b.mu.RUnlock()
	for _, s := range b.byEvent[event] {
		select {
		case s.ch <- payload:
		default:
			n := b.dropped.Add(1)
			if n%100 == 1 {
				monitoring.Diagf("[eventbus] dropped %d events to slow subscribers (latest: %s)", n, event)
			}
		}
	}
	return nil
}

// Dropped returns the number of payloads dropped on full subscriber queues.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Close tears down all subscriptions. Publish returns ErrClosed afterwards.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
		close(s.ch)
	}
	b.subs = map[string]*subscriber{}
	b.byEvent = map[string][]*subscriber{}
	b.mu.Unlock()
	for _, s := range subs {
		<-s.done
	}
}
