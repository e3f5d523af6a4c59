package store

import (
	"time"

	"github.com/halcyon-robotics/graspgate/internal/eventbus"
	"github.com/halcyon-robotics/graspgate/internal/monitoring"
	"github.com/halcyon-robotics/graspgate/internal/percept"
)

// Recorder subscribes to bus events and persists them. Inserts happen on
// the bus dispatch goroutine; a slow disk sheds events instead of stalling
// the pipeline.
type Recorder struct {
	db     *DB
	bus    *eventbus.Bus
	subIDs []string
}

// NewRecorder attaches a recorder to the bus.
func NewRecorder(db *DB, bus *eventbus.Bus) *Recorder {
	r := &Recorder{db: db, bus: bus}
	r.subIDs = append(r.subIDs,
		bus.Subscribe(eventbus.EventProximityWarning, r.onWarning),
		bus.Subscribe(eventbus.EventProcessedFrame, r.onFrame),
	)
	return r
}

// Close detaches the recorder from the bus.
func (r *Recorder) Close() {
	for _, id := range r.subIDs {
		r.bus.Unsubscribe(id)
	}
	r.subIDs = nil
}

func (r *Recorder) onWarning(payload interface{}) {
	w, ok := payload.(percept.ProximityWarning)
	if !ok {
		return
	}
	ts := w.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	if err := r.db.RecordWarning(w.Status.String(), w.DeviceID, ts); err != nil {
		monitoring.Opsf("[store] %v", err)
	}
}

func (r *Recorder) onFrame(payload interface{}) {
	env, ok := payload.(*percept.ProcessedFrame)
	if !ok {
		return
	}
	s := FrameStats{
		DeviceID:   env.DeviceID,
		FrameID:    env.FrameID,
		Detections: len(env.Coords),
		Timestamp:  time.Now(),
	}
	for _, label := range env.StateLabels {
		switch label {
		case percept.ObjectGraspable, percept.ObjectPendingGrasp:
			s.Graspable++
		case percept.ObjectDangerous, percept.HumanDangerous:
			s.Dangerous++
		}
		if label == percept.HumanSafe || label == percept.HumanDangerous {
			s.Humans++
		}
	}
	if err := r.db.RecordFrame(s); err != nil {
		monitoring.Opsf("[store] %v", err)
	}
}
