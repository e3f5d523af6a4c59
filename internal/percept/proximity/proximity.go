// Package proximity implements the per-device human-proximity hysteresis
// state machine that gates the actuator. Entry and exit use different
// distance thresholds (DIn < DOut) so a person hovering near one boundary
// cannot toggle the alarm.
//
// Timers accumulate elapsed wall-clock time between a device's successive
// observations, not a fixed tick, so devices reporting at different frame
// rates behave identically.
package proximity

import (
	"errors"
	"fmt"
	"time"
)

// ErrConfigInvalid wraps construction-time validation failures.
var ErrConfigInvalid = errors.New("proximity: invalid config")

// State is the hysteresis machine state.
type State int

const (
	// Safe means no person inside the warning band long enough to matter.
	Safe State = iota
	// Pending means a person crossed DIn; the danger timer is running.
	Pending
	// Alarm means the danger timer expired; the actuator must be gated.
	Alarm
)

func (s State) String() string {
	switch s {
	case Safe:
		return "safe"
	case Pending:
		return "pending"
	case Alarm:
		return "alarm"
	}
	return "unknown"
}

// Event reports an alarm edge produced by a single observation.
type Event int

const (
	// None means the observation caused no alarm edge.
	None Event = iota
	// Triggered fires exactly once on the Pending -> Alarm transition.
	Triggered
	// Cleared fires exactly once on the Alarm -> Safe transition.
	Cleared
)

// Config holds the person-warning thresholds. Distances are millimetres.
type Config struct {
	DIn        float64       // entry threshold; below this starts the danger timer
	DOut       float64       // exit threshold; must exceed DIn for hysteresis
	WarnAfter  time.Duration // dwell below DIn before the alarm engages
	ClearAfter time.Duration // dwell beyond DOut before the alarm releases
	Grace      time.Duration // detector dropout tolerance before a person is presumed gone
}

// Validate checks the hysteresis invariants.
func (c Config) Validate() error {
	if c.DIn <= 0 {
		return fmt.Errorf("%w: d_in must be positive, got %f", ErrConfigInvalid, c.DIn)
	}
	if c.DOut <= c.DIn {
		return fmt.Errorf("%w: d_out (%f) must exceed d_in (%f)", ErrConfigInvalid, c.DOut, c.DIn)
	}
	if c.WarnAfter < 0 || c.ClearAfter < 0 || c.Grace < 0 {
		return fmt.Errorf("%w: timer durations must be non-negative", ErrConfigInvalid)
	}
	return nil
}

// Machine is the per-device hysteresis state machine. It is not internally
// synchronised; the decision engine serialises access per device.
type Machine struct {
	cfg Config

	state       State
	dangerTimer time.Duration
	clearTimer  time.Duration
	lastSeen    time.Time
	lastMinDist float64
}

// NewMachine returns a machine in the Safe state. The config must already be
// validated by the caller.
func NewMachine(cfg Config) *Machine {
	return &Machine{cfg: cfg, lastMinDist: -1}
}

// State returns the current machine state.
func (m *Machine) State() State { return m.state }

// LastMinDistance returns the nearest-person distance of the most recent
// observation, or -1 before the first observation.
func (m *Machine) LastMinDistance() float64 { return m.lastMinDist }

// LastSeen returns the timestamp of the most recent machine advance,
// including presumed-gone advances from ObserveAbsence.
func (m *Machine) LastSeen() time.Time { return m.lastSeen }

// Observe feeds the frame-minimum person distance into the machine and
// returns the alarm edge, if any. Timer advancement uses the elapsed time
// since this machine's previous observation; the first observation advances
// no timers.
func (m *Machine) Observe(distance float64, now time.Time) Event {
	var elapsed time.Duration
	if !m.lastSeen.IsZero() {
		elapsed = now.Sub(m.lastSeen)
		if elapsed < 0 {
			elapsed = 0
		}
	}
	m.lastSeen = now
	m.lastMinDist = distance

	switch m.state {
	case Safe:
		if distance < m.cfg.DIn {
			m.state = Pending
			m.dangerTimer = 0
			m.clearTimer = 0
		}

	case Pending:
		switch {
		case distance >= m.cfg.DOut:
			m.state = Safe
			m.dangerTimer = 0
			m.clearTimer = 0
		case distance < m.cfg.DIn:
			m.dangerTimer += elapsed
			if m.dangerTimer >= m.cfg.WarnAfter {
				m.state = Alarm
				m.clearTimer = 0
				return Triggered
			}
		default:
			// Mid-band: no transition, timers frozen.
		}

	case Alarm:
		if distance >= m.cfg.DOut {
			m.clearTimer += elapsed
			if m.clearTimer >= m.cfg.ClearAfter {
				m.state = Safe
				m.dangerTimer = 0
				m.clearTimer = 0
				return Cleared
			}
		} else {
			// Any re-entry below DOut restarts the clear dwell.
			m.clearTimer = 0
		}
	}
	return None
}

// ObserveAbsence advances the machine for a frame that carried no person
// rows. Within Grace of the last advance the machine holds its state, so
// brief detector dropout cannot release the alarm. Beyond Grace the person
// is presumed gone and the absence counts as an observation beyond DOut: a
// Pending machine releases to Safe and an Alarm machine accumulates its
// clear dwell, firing Cleared once the dwell completes. Before the first
// real observation this is a no-op.
func (m *Machine) ObserveAbsence(now time.Time) Event {
	if m.lastSeen.IsZero() {
		return None
	}
	if now.Sub(m.lastSeen) <= m.cfg.Grace {
		return None
	}
	// The synthetic distance is not a measurement; keep the last real one
	// for status reporting.
	last := m.lastMinDist
	event := m.Observe(m.cfg.DOut, now)
	m.lastMinDist = last
	return event
}

// LabelIsDangerous reports whether a person at the given distance should be
// labelled dangerous under the current state. Rows beyond DOut are always
// safe and rows inside DIn always dangerous; the mid-band follows the
// machine state so every person row in a frame shares one label there.
func (m *Machine) LabelIsDangerous(distance float64) bool {
	switch {
	case distance >= m.cfg.DOut:
		return false
	case distance < m.cfg.DIn:
		return true
	default:
		return m.state == Alarm
	}
}
