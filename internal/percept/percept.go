// Package percept defines the shared data model for the perception-to-actuation
// core: detection envelopes as they arrive from the per-device detectors,
// processed envelopes as they leave the pipeline, and the per-row
// safety/grasp classification labels attached along the way.
//
// All coordinates are world-frame millimetres unless noted otherwise.
package percept

import (
	"time"

	"gonum.org/v1/gonum/spatial/r3"
)

// Label is the per-detection safety/grasp classification assigned by the
// decision engine. Values are stable wire codes carried in ProcessedFrame.
type Label int

const (
	// ObjectGraspable marks an object inside the configured grasp zone.
	ObjectGraspable Label = iota
	// ObjectDangerous marks an object too close to the actuator centreline.
	ObjectDangerous
	// ObjectOutOfRange marks an object outside both danger and grasp zones.
	ObjectOutOfRange
	// ObjectPendingGrasp marks the single globally arbitrated grasp target.
	ObjectPendingGrasp
	// HumanSafe marks a person row beyond the warning hysteresis band.
	HumanSafe
	// HumanDangerous marks a person row inside the warning band, or any
	// person row while the device's proximity alarm is active.
	HumanDangerous
)

func (l Label) String() string {
	switch l {
	case ObjectGraspable:
		return "object_graspable"
	case ObjectDangerous:
		return "object_dangerous"
	case ObjectOutOfRange:
		return "object_out_of_range"
	case ObjectPendingGrasp:
		return "object_pending_grasp"
	case HumanSafe:
		return "human_safe"
	case HumanDangerous:
		return "human_dangerous"
	}
	return "unknown"
}

// Detection is a single detector output row in device (camera) frame.
type Detection struct {
	Label      int        // detector class label
	Confidence float32    // detector confidence [0, 1]
	BBox       [4]float32 // image-space bounding box
	XYZ        [3]float32 // camera-frame position, millimetres
}

// DetectionFrame is the ingress envelope published by an upstream detector.
// It is consumed exactly once by the pipeline orchestrator.
type DetectionFrame struct {
	DeviceID    string
	FrameID     uint64
	DeviceAlias string
	Detections  []Detection
}

// ProcessedFrame is the egress envelope published once per ingested
// DetectionFrame, including frames with zero detections. All slices share
// length N and index alignment.
type ProcessedFrame struct {
	DeviceID    string
	FrameID     uint64
	DeviceAlias string
	Coords      []r3.Vec     // world-frame positions, millimetres
	BBoxes      [][4]float32 // image-space bounding boxes
	Confidence  []float32
	ClassLabels []int   // detector class labels after filtering
	StateLabels []Label // decision engine output; empty on decision failure
}

// WarningStatus is the payload discriminator for proximity warning events.
type WarningStatus int

const (
	// WarningTriggered is emitted once when a device's alarm engages.
	WarningTriggered WarningStatus = iota
	// WarningCleared is emitted once when a device's alarm releases.
	WarningCleared
)

func (s WarningStatus) String() string {
	if s == WarningTriggered {
		return "triggered"
	}
	return "cleared"
}

// ProximityWarning is the payload of proximity-warning events. Exactly one
// Triggered and one Cleared event is emitted per alarm episode per device.
type ProximityWarning struct {
	Status    WarningStatus
	DeviceID  string
	Timestamp time.Time
}
