package pipeline

import (
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/halcyon-robotics/graspgate/internal/eventbus"
	"github.com/halcyon-robotics/graspgate/internal/percept"
)

// Transformer maps homogeneous camera-frame coordinates [x,y,z,1] into
// world-frame positions. An error is fatal for the frame: downstream
// geometry cannot be trusted without it.
type Transformer interface {
	Transform(deviceID string, points [][4]float64) ([]r3.Vec, error)
}

// Filter applies temporal filtering to the four parallel detection arrays
// and returns arrays of identical length. An error is fatal for the frame.
type Filter interface {
	Filter(deviceID string, coords []r3.Vec, bboxes [][4]float32, confidence []float32, labels []int) ([]r3.Vec, [][4]float32, []float32, []int, error)
}

// Decider is the decision engine contract consumed by the orchestrator.
// Implementations may panic on contract violations; the orchestrator
// isolates that so a decision failure never drops the frame's geometry.
type Decider interface {
	Decide(deviceID string, coords []r3.Vec, labels []int, now time.Time) []percept.Label
}

// Bus is the publish/subscribe transport consumed by the orchestrator.
type Bus interface {
	Subscribe(event string, fn eventbus.Handler) string
	Unsubscribe(id string)
	Publish(event string, payload interface{}, waitForAll bool) error
}

// IdentityTransform drops the homogeneous coordinate unchanged: world frame
// equals camera frame. Used when no per-device calibration is mounted.
type IdentityTransform struct{}

// Transform implements Transformer.
func (IdentityTransform) Transform(_ string, points [][4]float64) ([]r3.Vec, error) {
	out := make([]r3.Vec, len(points))
	for i, p := range points {
		out[i] = r3.Vec{X: p[0], Y: p[1], Z: p[2]}
	}
	return out, nil
}

// PassthroughFilter performs no temporal filtering.
type PassthroughFilter struct{}

// Filter implements Filter.
func (PassthroughFilter) Filter(_ string, coords []r3.Vec, bboxes [][4]float32, confidence []float32, labels []int) ([]r3.Vec, [][4]float32, []float32, []int, error) {
	return coords, bboxes, confidence, labels, nil
}
