// Package config holds the tunables of the fracture subsystem and the
// simulation it drives.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// Fracture controls how a source mesh is cut and glued back together.
type Fracture struct {
	FrameWidth  float32 `json:"frame_width"`  // half thickness of the anchor slabs
	TouchRadius float32 `json:"touch_radius"` // sphere radius used to find touching chunks
	BreakForce  float32 `json:"break_force"`
	BreakTorque float32 `json:"break_torque"`
	Density     float32 `json:"density"`
	MeshCells   int     `json:"mesh_cells"` // marching cubes resolution along the longest axis
}

// Split controls recursive sub-fracturing of damaged chunks.
type Split struct {
	MaxGeneration uint32  `json:"max_generation"`
	Impulse       float32 `json:"impulse"` // 0 disables damage splits
	Pieces        int     `json:"pieces"`
}

// Body holds the solver tuning applied to every chunk actor.
type Body struct {
	MaxAngularVelocity       float32 `json:"max_angular_velocity"`
	LinearDamping            float32 `json:"linear_damping"`
	AngularDamping           float32 `json:"angular_damping"`
	PositionIterations       int     `json:"position_iterations"`
	VelocityIterations       int     `json:"velocity_iterations"`
	MaxDepenetrationVelocity float32 `json:"max_depenetration_velocity"`
	MaxContactImpulse        float32 `json:"max_contact_impulse"`
	Mass                     float32 `json:"mass"` // fallback when density yields nothing
}

// Sim configures the reference rigid-body world.
type Sim struct {
	Gravity        [3]float32 `json:"gravity"`
	TimeStep       float32    `json:"time_step"`
	Workers        int        `json:"workers"`
	JointStiffness float32    `json:"joint_stiffness"`
}

// Config is the full configuration.
type Config struct {
	Fracture Fracture `json:"fracture"`
	Split    Split    `json:"split"`
	Body     Body     `json:"body"`
	Sim      Sim      `json:"sim"`
}

// Default returns a Config with the stock values.
func Default() *Config {
	return &Config{
		Fracture: Fracture{
			FrameWidth:  0.01,
			TouchRadius: 0.01,
			BreakForce:  200,
			BreakTorque: 100,
			Density:     500,
			MeshCells:   32,
		},
		Split: Split{
			MaxGeneration: 3,
			Impulse:       1,
			Pieces:        4,
		},
		Body: Body{
			MaxAngularVelocity:       100,
			LinearDamping:            0.01,
			AngularDamping:           0.01,
			PositionIterations:       4,
			VelocityIterations:       4,
			MaxDepenetrationVelocity: 3,
			MaxContactImpulse:        1000,
			Mass:                     3,
		},
		Sim: Sim{
			Gravity:        [3]float32{0, -9.81, 0},
			TimeStep:       1.0 / 60,
			Workers:        4,
			JointStiffness: 1e4,
		},
	}
}

// Load reads a JSON config file on top of the defaults. A missing file is
// not an error and yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid value")

// Validate rejects values the subsystem cannot run with.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, field string) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %s", ErrInvalid, field))
		}
	}
	check(c.Fracture.FrameWidth > 0, "fracture.frame_width")
	check(c.Fracture.TouchRadius > 0, "fracture.touch_radius")
	check(c.Fracture.Density >= 0, "fracture.density")
	check(c.Fracture.MeshCells >= 0, "fracture.mesh_cells")
	check(c.Split.Pieces >= 0, "split.pieces")
	check(c.Split.Impulse >= 0, "split.impulse")
	check(c.Body.Mass > 0, "body.mass")
	check(c.Sim.TimeStep > 0, "sim.time_step")
	check(c.Sim.Workers >= 0, "sim.workers")
	return errors.Join(errs...)
}

// Merge applies file-loaded values into cfg, but only for fields that were
// NOT explicitly set via CLI flags. explicitFlags contains the flag names
// that were explicitly provided on the command line.
func Merge(cfg *Config, fromFile *Config, explicitFlags map[string]bool) {
	// Sections without flags come from the file wholesale.
	cfg.Body = fromFile.Body
	cfg.Split.Pieces = fromFile.Split.Pieces

	if !explicitFlags["frame-width"] {
		cfg.Fracture.FrameWidth = fromFile.Fracture.FrameWidth
	}
	if !explicitFlags["touch-radius"] {
		cfg.Fracture.TouchRadius = fromFile.Fracture.TouchRadius
	}
	if !explicitFlags["break-force"] {
		cfg.Fracture.BreakForce = fromFile.Fracture.BreakForce
	}
	if !explicitFlags["break-torque"] {
		cfg.Fracture.BreakTorque = fromFile.Fracture.BreakTorque
	}
	if !explicitFlags["density"] {
		cfg.Fracture.Density = fromFile.Fracture.Density
	}
	if !explicitFlags["mesh-cells"] {
		cfg.Fracture.MeshCells = fromFile.Fracture.MeshCells
	}
	if !explicitFlags["max-generation"] {
		cfg.Split.MaxGeneration = fromFile.Split.MaxGeneration
	}
	if !explicitFlags["split-impulse"] {
		cfg.Split.Impulse = fromFile.Split.Impulse
	}
	if !explicitFlags["time-step"] {
		cfg.Sim.TimeStep = fromFile.Sim.TimeStep
	}
	if !explicitFlags["workers"] {
		cfg.Sim.Workers = fromFile.Sim.Workers
	}
	cfg.Sim.Gravity = fromFile.Sim.Gravity
	cfg.Sim.JointStiffness = fromFile.Sim.JointStiffness
}
