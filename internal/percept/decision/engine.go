// Package decision owns the per-device safety state: it classifies every
// detection row, drives the proximity alarm, and arbitrates one grasp target
// across all devices.
//
// Exactly one Engine exists per process. Consumers share the handle built at
// startup; the pipeline worker writes through Decide while the control-bus
// responder reads through SnapshotTarget from its own thread.
package decision

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/halcyon-robotics/graspgate/internal/monitoring"
	"github.com/halcyon-robotics/graspgate/internal/percept"
	"github.com/halcyon-robotics/graspgate/internal/percept/proximity"
	"github.com/halcyon-robotics/graspgate/internal/percept/zones"
)

// ErrConfigInvalid wraps construction-time validation failures.
var ErrConfigInvalid = errors.New("decision: invalid config")

// Config assembles the engine's sub-configs. All fields are validated at
// construction and immutable afterwards.
type Config struct {
	PersonLabels    []int // detector class labels treated as people
	Warning         proximity.Config
	Zones           zones.Config
	StateExpiration time.Duration // candidate staleness cutoff for arbitration
}

// Validate checks the composite config.
func (c Config) Validate() error {
	if len(c.PersonLabels) == 0 {
		return fmt.Errorf("%w: person label set must not be empty", ErrConfigInvalid)
	}
	if c.StateExpiration <= 0 {
		return fmt.Errorf("%w: state_expiration must be positive, got %v", ErrConfigInvalid, c.StateExpiration)
	}
	if err := c.Warning.Validate(); err != nil {
		return err
	}
	return c.Zones.Validate()
}

// GlobalTarget is the arbitrated best-object-to-grasp across all devices.
type GlobalTarget struct {
	Coords   r3.Vec // world frame, millimetres
	Distance float64
	DeviceID string
}

// WarnFunc receives alarm edges. It is called outside engine locks, from the
// goroutine that invoked Decide.
type WarnFunc func(percept.ProximityWarning)

// candidate is a device's nearest graspable detection.
type candidate struct {
	coords   r3.Vec
	distance float64
}

// deviceState is created lazily on a device's first Decide call and lives
// for the process lifetime.
type deviceState struct {
	prox       *proximity.Machine
	nearest    *candidate
	lastUpdate time.Time // last object-path update; zero until then
}

// Engine composes the zone classifier, the per-device proximity machines and
// the target arbitrator.
type Engine struct {
	cfg        Config
	classifier *zones.Classifier
	personSet  map[int]bool
	warn       WarnFunc

	mu      sync.Mutex // guards devices and their contents
	devices map[string]*deviceState

	// targetMu is separate from mu: SnapshotTarget is called synchronously
	// by the bus responder under a sub-0.1ms budget and must never wait for
	// a Decide call to finish.
	targetMu sync.RWMutex
	target   *GlobalTarget
}

// New validates the config and builds the engine. warn may be nil.
func New(cfg Config, warn WarnFunc) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	classifier, err := zones.NewClassifier(cfg.Zones)
	if err != nil {
		return nil, err
	}
	personSet := make(map[int]bool, len(cfg.PersonLabels))
	for _, l := range cfg.PersonLabels {
		personSet[l] = true
	}
	return &Engine{
		cfg:        cfg,
		classifier: classifier,
		personSet:  personSet,
		warn:       warn,
		devices:    make(map[string]*deviceState),
	}, nil
}

// Decide classifies one device's frame and returns state labels aligned with
// the input rows. Coordinates are world-frame millimetres.
//
// len(coords) must equal len(labels); a mismatch is a programmer error and
// panics. Validation happens upstream so the hot path stays branch-light.
func (e *Engine) Decide(deviceID string, coords []r3.Vec, labels []int, now time.Time) []percept.Label {
	if len(coords) != len(labels) {
		panic(fmt.Sprintf("decision: coords/labels length mismatch: %d != %d", len(coords), len(labels)))
	}
	if len(coords) == 0 {
		return nil
	}

	out := make([]percept.Label, len(labels))
	var personIdx, objectIdx []int
	for i, l := range labels {
		if e.personSet[l] {
			personIdx = append(personIdx, i)
		} else {
			objectIdx = append(objectIdx, i)
		}
	}

	event := proximity.None

	e.mu.Lock()
	ds := e.deviceLocked(deviceID)

	if len(personIdx) > 0 {
		event = e.personPath(ds, personIdx, coords, out, now)
	} else {
		// No person rows: after the grace window the machine presumes the
		// person gone, so an unattended alarm eventually releases.
		event = ds.prox.ObserveAbsence(now)
	}
	if len(objectIdx) > 0 {
		e.objectPath(deviceID, ds, objectIdx, coords, out, now)
	}
	e.mu.Unlock()

	if event != proximity.None && e.warn != nil {
		status := percept.WarningTriggered
		if event == proximity.Cleared {
			status = percept.WarningCleared
		}
		monitoring.Opsf("[decision] proximity %s on device %s", status, deviceID)
		e.warn(percept.ProximityWarning{Status: status, DeviceID: deviceID, Timestamp: now})
	}
	return out
}

// deviceLocked returns the device state, creating it lazily. e.mu held.
func (e *Engine) deviceLocked(deviceID string) *deviceState {
	ds, ok := e.devices[deviceID]
	if !ok {
		ds = &deviceState{prox: proximity.NewMachine(e.cfg.Warning)}
		e.devices[deviceID] = ds
		monitoring.Diagf("[decision] tracking new device %s", deviceID)
	}
	return ds
}

// personPath drives the proximity machine off the frame-minimum person
// distance and labels every person row. e.mu held.
func (e *Engine) personPath(ds *deviceState, personIdx []int, coords []r3.Vec, out []percept.Label, now time.Time) proximity.Event {
	minDist := r3.Norm(coords[personIdx[0]])
	for _, i := range personIdx[1:] {
		if d := r3.Norm(coords[i]); d < minDist {
			minDist = d
		}
	}

	event := ds.prox.Observe(minDist, now)

	for _, i := range personIdx {
		if ds.prox.LabelIsDangerous(r3.Norm(coords[i])) {
			out[i] = percept.HumanDangerous
		} else {
			out[i] = percept.HumanSafe
		}
	}
	return event
}

// objectPath classifies object rows, records this device's nearest graspable
// candidate, and re-runs global arbitration. e.mu held.
func (e *Engine) objectPath(deviceID string, ds *deviceState, objectIdx []int, coords []r3.Vec, out []percept.Label, now time.Time) {
	bestIdx := -1
	bestDist := 0.0
	for _, i := range objectIdx {
		label := e.classifier.Classify(coords[i])
		out[i] = label
		if label != percept.ObjectGraspable {
			continue
		}
		if d := r3.Norm(coords[i]); bestIdx < 0 || d < bestDist {
			bestIdx, bestDist = i, d
		}
	}

	if bestIdx >= 0 {
		ds.nearest = &candidate{coords: coords[bestIdx], distance: bestDist}
	} else {
		ds.nearest = nil
	}
	ds.lastUpdate = now

	target := e.arbitrateLocked(now)

	// The arbitration winner, when it is this device's nearest row, is
	// promoted so downstream consumers see which object the actuator will
	// take next.
	if target != nil && target.DeviceID == deviceID &&
		ds.nearest != nil && target.Coords == ds.nearest.coords {
		out[bestIdx] = percept.ObjectPendingGrasp
	}
}

// arbitrateLocked rescans all devices, expires stale candidates, and
// installs the new global target under targetMu. e.mu held.
//
// Ties on distance resolve to the lexicographically smallest device ID so
// the winner never depends on map iteration order.
func (e *Engine) arbitrateLocked(now time.Time) *GlobalTarget {
	var winner *GlobalTarget
	for id, ds := range e.devices {
		if ds.nearest == nil {
			continue
		}
		if now.Sub(ds.lastUpdate) > e.cfg.StateExpiration {
			ds.nearest = nil
			monitoring.Tracef("[decision] expired grasp candidate from device %s", id)
			continue
		}
		if winner == nil ||
			ds.nearest.distance < winner.Distance ||
			(ds.nearest.distance == winner.Distance && id < winner.DeviceID) {
			winner = &GlobalTarget{Coords: ds.nearest.coords, Distance: ds.nearest.distance, DeviceID: id}
		}
	}

	e.targetMu.Lock()
	e.target = winner
	e.targetMu.Unlock()
	return winner
}

// SnapshotTarget returns an owned copy of the current global target's
// coordinates. The second return is false when no target exists. It only
// takes the target lock, never the device lock.
func (e *Engine) SnapshotTarget() (r3.Vec, bool) {
	e.targetMu.RLock()
	defer e.targetMu.RUnlock()
	if e.target == nil {
		return r3.Vec{}, false
	}
	return e.target.Coords, true
}

// Target returns an owned copy of the full arbitration result for status
// reporting.
func (e *Engine) Target() (GlobalTarget, bool) {
	e.targetMu.RLock()
	defer e.targetMu.RUnlock()
	if e.target == nil {
		return GlobalTarget{}, false
	}
	return *e.target, true
}

// DeviceStatus is a point-in-time view of one device's safety state.
type DeviceStatus struct {
	DeviceID        string    `json:"device_id"`
	ProximityState  string    `json:"proximity_state"`
	LastMinDistance float64   `json:"last_min_distance_mm"`
	PersonLastSeen  time.Time `json:"person_last_seen"`
	LastUpdate      time.Time `json:"last_update"`
	HasCandidate    bool      `json:"has_grasp_candidate"`
}

// DeviceStatuses returns an owned snapshot of all device states, sorted by
// device ID for stable output.
func (e *Engine) DeviceStatuses() []DeviceStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]DeviceStatus, 0, len(e.devices))
	for id, ds := range e.devices {
		out = append(out, DeviceStatus{
			DeviceID:        id,
			ProximityState:  ds.prox.State().String(),
			LastMinDistance: ds.prox.LastMinDistance(),
			PersonLastSeen:  ds.prox.LastSeen(),
			LastUpdate:      ds.lastUpdate,
			HasCandidate:    ds.nearest != nil,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// AlarmActive reports whether any device is currently in the Alarm state.
func (e *Engine) AlarmActive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ds := range e.devices {
		if ds.prox.State() == proximity.Alarm {
			return true
		}
	}
	return false
}
