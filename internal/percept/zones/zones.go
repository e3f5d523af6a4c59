// Package zones classifies world-frame points into safety zones around the
// actuator. The classifier is a pure function of its validated geometry
// config; it holds no state and is safe for concurrent use.
package zones

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/halcyon-robotics/graspgate/internal/percept"
)

// ErrConfigInvalid wraps all construction-time validation failures.
var ErrConfigInvalid = errors.New("zones: invalid config")

// RectZone is an axis-aligned grasp window: x in (XMin, XMax) and |y| in
// (YMin, YMax). All bounds are strict.
type RectZone struct {
	XMin, XMax float64 // millimetres
	YMin, YMax float64 // millimetres, applied to |y|
}

// RadiusZone is a spherical grasp shell: Euclidean range in (RMin, RMax),
// bounds strict.
type RadiusZone struct {
	RMin, RMax float64 // millimetres
}

// GraspZone selects exactly one grasp geometry mode.
type GraspZone struct {
	Rect   *RectZone
	Radius *RadiusZone
}

// Config is the object-zone geometry: a danger band around the actuator
// centreline plus one grasp zone.
type Config struct {
	DangerYThreshold float64 // millimetres; |y| below this is dangerous
	Grasp            GraspZone
}

// Validate checks the geometry invariants. Invalid configs are rejected at
// construction and never afterwards.
func (c Config) Validate() error {
	if c.DangerYThreshold < 0 {
		return fmt.Errorf("%w: danger_y_threshold must be non-negative, got %f", ErrConfigInvalid, c.DangerYThreshold)
	}
	rect, radius := c.Grasp.Rect, c.Grasp.Radius
	switch {
	case rect == nil && radius == nil:
		return fmt.Errorf("%w: grasp zone requires rect or radius mode", ErrConfigInvalid)
	case rect != nil && radius != nil:
		return fmt.Errorf("%w: grasp zone modes are mutually exclusive", ErrConfigInvalid)
	case rect != nil:
		if rect.XMin >= rect.XMax {
			return fmt.Errorf("%w: rect x bounds require min < max, got (%f, %f)", ErrConfigInvalid, rect.XMin, rect.XMax)
		}
		if rect.YMin >= rect.YMax {
			return fmt.Errorf("%w: rect y bounds require min < max, got (%f, %f)", ErrConfigInvalid, rect.YMin, rect.YMax)
		}
	case radius != nil:
		if radius.RMin >= radius.RMax {
			return fmt.Errorf("%w: radius bounds require min < max, got (%f, %f)", ErrConfigInvalid, radius.RMin, radius.RMax)
		}
	}
	return nil
}

// Classifier maps world-frame points to object zone labels.
type Classifier struct {
	cfg Config
}

// NewClassifier validates the geometry and returns a classifier.
func NewClassifier(cfg Config) (*Classifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Classifier{cfg: cfg}, nil
}

// Classify returns the zone label for a single point, priority
// danger > graspable > out-of-range.
func (c *Classifier) Classify(p r3.Vec) percept.Label {
	if math.Abs(p.Y) < c.cfg.DangerYThreshold {
		return percept.ObjectDangerous
	}
	if c.inGraspZone(p) {
		return percept.ObjectGraspable
	}
	return percept.ObjectOutOfRange
}

func (c *Classifier) inGraspZone(p r3.Vec) bool {
	if rect := c.cfg.Grasp.Rect; rect != nil {
		absY := math.Abs(p.Y)
		return p.X > rect.XMin && p.X < rect.XMax && absY > rect.YMin && absY < rect.YMax
	}
	radius := c.cfg.Grasp.Radius
	r := r3.Norm(p)
	return r > radius.RMin && r < radius.RMax
}
