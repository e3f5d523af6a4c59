// Package config loads the runtime configuration for the perception core.
// Fields are pointers so partial JSON files are safe: anything omitted
// falls back to the Get* defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/halcyon-robotics/graspgate/internal/canbus"
	"github.com/halcyon-robotics/graspgate/internal/percept/decision"
	"github.com/halcyon-robotics/graspgate/internal/percept/pipeline"
	"github.com/halcyon-robotics/graspgate/internal/percept/proximity"
	"github.com/halcyon-robotics/graspgate/internal/percept/zones"
)

// DeviceConfig describes one sensor device entry.
type DeviceConfig struct {
	Alias string `json:"alias,omitempty"`
}

// Config is the root runtime configuration.
type Config struct {
	// Proximity warning params. Distances are millimetres, durations are
	// strings like "3s".
	WarnDistanceIn  *float64 `json:"warn_distance_in,omitempty"`
	WarnDistanceOut *float64 `json:"warn_distance_out,omitempty"`
	WarnAfter       *string  `json:"warn_after,omitempty"`
	ClearAfter      *string  `json:"clear_after,omitempty"`
	Grace           *string  `json:"grace,omitempty"`
	StateExpiration *string  `json:"state_expiration,omitempty"`
	PersonLabels    []int    `json:"person_labels,omitempty"`

	// Zone geometry params. Exactly one of the rect/radius groups should be
	// present; both defaulting is an error caught at engine construction.
	DangerYThreshold *float64 `json:"danger_y_threshold,omitempty"`
	GraspRectXMin    *float64 `json:"grasp_rect_x_min,omitempty"`
	GraspRectXMax    *float64 `json:"grasp_rect_x_max,omitempty"`
	GraspRectYMin    *float64 `json:"grasp_rect_y_min,omitempty"`
	GraspRectYMax    *float64 `json:"grasp_rect_y_max,omitempty"`
	GraspRadiusMin   *float64 `json:"grasp_radius_min,omitempty"`
	GraspRadiusMax   *float64 `json:"grasp_radius_max,omitempty"`

	// Pipeline params.
	Devices       map[string]DeviceConfig `json:"devices,omitempty"`
	Roles         map[string]string       `json:"roles,omitempty"`
	Labels        map[string]string       `json:"labels,omitempty"` // class label -> name, keys are ints
	QueueCapacity *int                    `json:"queue_capacity,omitempty"`

	// Control bus params. An empty serial port disables the responder.
	SerialPort    *string `json:"serial_port,omitempty"`
	BaudRate      *int    `json:"baud_rate,omitempty"`
	AlertInterval *string `json:"alert_interval,omitempty"`

	// Service params.
	ListenAddr *string `json:"listen_addr,omitempty"`
	DBPath     *string `json:"db_path,omitempty"`
}

// Load reads and validates a JSON config file. The file must have a .json
// extension and be under 1MB.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks field-level sanity. Cross-field invariants are enforced
// again by the component constructors the builders feed.
func (c *Config) Validate() error {
	for name, v := range map[string]*string{
		"warn_after":       c.WarnAfter,
		"clear_after":      c.ClearAfter,
		"grace":            c.Grace,
		"state_expiration": c.StateExpiration,
		"alert_interval":   c.AlertInterval,
	} {
		if v != nil && *v != "" {
			if _, err := time.ParseDuration(*v); err != nil {
				return fmt.Errorf("invalid %s %q: %w", name, *v, err)
			}
		}
	}
	if c.WarnDistanceIn != nil && c.WarnDistanceOut != nil && *c.WarnDistanceOut <= *c.WarnDistanceIn {
		return fmt.Errorf("warn_distance_out (%f) must exceed warn_distance_in (%f)", *c.WarnDistanceOut, *c.WarnDistanceIn)
	}
	for key := range c.Labels {
		if _, err := strconv.Atoi(key); err != nil {
			return fmt.Errorf("label keys must be integers, got %q", key)
		}
	}
	for role, id := range c.Roles {
		if _, ok := c.Devices[id]; !ok {
			return fmt.Errorf("role %q references unknown device %q", role, id)
		}
	}
	return nil
}

func (c *Config) duration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetWarnDistanceIn returns the alarm entry threshold in millimetres.
func (c *Config) GetWarnDistanceIn() float64 {
	if c.WarnDistanceIn == nil {
		return 3000
	}
	return *c.WarnDistanceIn
}

// GetWarnDistanceOut returns the alarm exit threshold in millimetres.
func (c *Config) GetWarnDistanceOut() float64 {
	if c.WarnDistanceOut == nil {
		return 3050
	}
	return *c.WarnDistanceOut
}

// GetWarnAfter returns the danger dwell before the alarm engages.
func (c *Config) GetWarnAfter() time.Duration { return c.duration(c.WarnAfter, 3*time.Second) }

// GetClearAfter returns the safe dwell before the alarm releases.
func (c *Config) GetClearAfter() time.Duration { return c.duration(c.ClearAfter, 3*time.Second) }

// GetGrace returns the detector dropout tolerance.
func (c *Config) GetGrace() time.Duration { return c.duration(c.Grace, 500*time.Millisecond) }

// GetStateExpiration returns the arbitration staleness cutoff.
func (c *Config) GetStateExpiration() time.Duration {
	return c.duration(c.StateExpiration, time.Second)
}

// GetPersonLabels returns the detector class labels treated as people.
func (c *Config) GetPersonLabels() []int {
	if len(c.PersonLabels) == 0 {
		return []int{0}
	}
	return c.PersonLabels
}

// GetDangerYThreshold returns the centreline danger band half-width.
func (c *Config) GetDangerYThreshold() float64 {
	if c.DangerYThreshold == nil {
		return 400
	}
	return *c.DangerYThreshold
}

// GetQueueCapacity returns the pipeline ingress queue depth.
func (c *Config) GetQueueCapacity() int {
	if c.QueueCapacity == nil {
		return pipeline.DefaultQueueCapacity
	}
	return *c.QueueCapacity
}

// GetSerialPort returns the SLCAN adapter device path, empty when the
// responder is disabled.
func (c *Config) GetSerialPort() string {
	if c.SerialPort == nil {
		return ""
	}
	return *c.SerialPort
}

// GetBaudRate returns the adapter baud rate.
func (c *Config) GetBaudRate() int {
	if c.BaudRate == nil {
		return canbus.DefaultBaudRate
	}
	return *c.BaudRate
}

// GetAlertInterval returns the alarm broadcast period.
func (c *Config) GetAlertInterval() time.Duration {
	return c.duration(c.AlertInterval, canbus.DefaultAlertInterval)
}

// GetListenAddr returns the status webserver bind address.
func (c *Config) GetListenAddr() string {
	if c.ListenAddr == nil {
		return ":8080"
	}
	return *c.ListenAddr
}

// GetDBPath returns the event database path.
func (c *Config) GetDBPath() string {
	if c.DBPath == nil {
		return "graspgate.db"
	}
	return *c.DBPath
}

// graspZone assembles the grasp geometry from whichever field group is
// present. With neither group set it falls back to the default rect window.
func (c *Config) graspZone() zones.GraspZone {
	if c.GraspRadiusMin != nil || c.GraspRadiusMax != nil {
		z := &zones.RadiusZone{RMin: 1000, RMax: 3000}
		if c.GraspRadiusMin != nil {
			z.RMin = *c.GraspRadiusMin
		}
		if c.GraspRadiusMax != nil {
			z.RMax = *c.GraspRadiusMax
		}
		return zones.GraspZone{Radius: z}
	}
	z := &zones.RectZone{XMin: 200, XMax: 2200, YMin: 500, YMax: 2500}
	if c.GraspRectXMin != nil {
		z.XMin = *c.GraspRectXMin
	}
	if c.GraspRectXMax != nil {
		z.XMax = *c.GraspRectXMax
	}
	if c.GraspRectYMin != nil {
		z.YMin = *c.GraspRectYMin
	}
	if c.GraspRectYMax != nil {
		z.YMax = *c.GraspRectYMax
	}
	return zones.GraspZone{Rect: z}
}

// DecisionConfig builds the decision engine config.
func (c *Config) DecisionConfig() decision.Config {
	return decision.Config{
		PersonLabels: c.GetPersonLabels(),
		Warning: proximity.Config{
			DIn:        c.GetWarnDistanceIn(),
			DOut:       c.GetWarnDistanceOut(),
			WarnAfter:  c.GetWarnAfter(),
			ClearAfter: c.GetClearAfter(),
			Grace:      c.GetGrace(),
		},
		Zones: zones.Config{
			DangerYThreshold: c.GetDangerYThreshold(),
			Grasp:            c.graspZone(),
		},
		StateExpiration: c.GetStateExpiration(),
	}
}

// PipelineConfig builds the orchestrator config. With no devices configured
// a single default device is assumed so a bare config file still runs.
func (c *Config) PipelineConfig() pipeline.Config {
	devices := make(map[string]pipeline.DeviceMeta, len(c.Devices))
	for id, d := range c.Devices {
		devices[id] = pipeline.DeviceMeta{Alias: d.Alias}
	}
	if len(devices) == 0 {
		devices["cam-0"] = pipeline.DeviceMeta{Alias: "default"}
	}
	labels := make(map[int]string, len(c.Labels))
	for key, name := range c.Labels {
		if n, err := strconv.Atoi(key); err == nil {
			labels[n] = name
		}
	}
	return pipeline.Config{
		Devices:       devices,
		Roles:         c.Roles,
		Labels:        labels,
		QueueCapacity: c.GetQueueCapacity(),
	}
}

// ResponderConfig builds the control-bus responder config.
func (c *Config) ResponderConfig() canbus.Config {
	return canbus.Config{AlertInterval: c.GetAlertInterval()}
}

// DeviceIDs returns the configured device IDs in sorted order.
func (c *Config) DeviceIDs() []string {
	ids := make([]string, 0, len(c.Devices))
	for id := range c.Devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
