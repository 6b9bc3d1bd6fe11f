// Package tuning holds the authored constants of the placement feel: snap
// search radii, the position/angle bias blend, debounce and countdown
// delays. Loaded from tuning.yaml; defaults are usable as-is in tests.
package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	FrameRateHz int `yaml:"frame_rate_hz"`

	// Snap search.
	OverlapRadius      float64 `yaml:"overlap_radius"`       // base candidate radius, scaled per-placeable
	SnapBias           float64 `yaml:"snap_bias"`            // [-1,1]: -1 pure position, +1 pure angle
	SnapEpsilon        float64 `yaml:"snap_epsilon"`         // max snapped-pose error accepted at commit
	CameraTieEpsilon   float64 `yaml:"camera_tie_epsilon"`   // position-rating window for the camera tie-break
	MinConnectorLength float64 `yaml:"min_connector_length"` // reject end handles closer than this to the start
	RaycastMaxDist     float64 `yaml:"raycast_max_dist"`

	// Delayed operations, in frames.
	FloatDestroyFrames int `yaml:"float_destroy_frames"` // disconnected non-floaters live this long
	WorldChangedFrames int `yaml:"world_changed_frames"` // debounce before the aggregated notification

	// Session setup.
	StartResources   map[string]int `yaml:"start_resources"` // granted to every joining builder
	GroundHalfExtent float64        `yaml:"ground_half_extent"`
}

func Defaults() Tuning {
	return Tuning{
		FrameRateHz:        30,
		OverlapRadius:      2.0,
		SnapBias:           0,
		SnapEpsilon:        0.05,
		CameraTieEpsilon:   0.02,
		MinConnectorLength: 1.0,
		RaycastMaxDist:     250,
		FloatDestroyFrames: 90,
		WorldChangedFrames: 15,
		GroundHalfExtent:   500,
	}
}

func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	if t.FrameRateHz <= 0 {
		return fmt.Errorf("frame_rate_hz must be > 0")
	}
	if t.OverlapRadius <= 0 {
		return fmt.Errorf("overlap_radius must be > 0")
	}
	if t.SnapBias < -1 || t.SnapBias > 1 {
		return fmt.Errorf("snap_bias must be in [-1,1]")
	}
	if t.SnapEpsilon <= 0 {
		return fmt.Errorf("snap_epsilon must be > 0")
	}
	if t.MinConnectorLength < 0 {
		return fmt.Errorf("min_connector_length must be >= 0")
	}
	if t.RaycastMaxDist <= 0 {
		return fmt.Errorf("raycast_max_dist must be > 0")
	}
	if t.FloatDestroyFrames < 1 {
		return fmt.Errorf("float_destroy_frames must be >= 1")
	}
	if t.WorldChangedFrames < 1 {
		return fmt.Errorf("world_changed_frames must be >= 1")
	}
	return nil
}
