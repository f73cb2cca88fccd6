package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Fracture.FrameWidth != 0.01 || cfg.Fracture.TouchRadius != 0.01 {
		t.Errorf("frame/touch = %v/%v, want 0.01/0.01", cfg.Fracture.FrameWidth, cfg.Fracture.TouchRadius)
	}
	if cfg.Split.MaxGeneration != 3 {
		t.Errorf("max generation = %d, want 3", cfg.Split.MaxGeneration)
	}
	if cfg.Body.MaxAngularVelocity != 100 || cfg.Body.MaxDepenetrationVelocity != 3 {
		t.Errorf("body tuning = %+v", cfg.Body)
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if *cfg != *Default() {
		t.Errorf("missing file did not yield defaults: %+v", cfg)
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr error
		check   func(t *testing.T, c *Config)
	}{
		{
			name: "partial override",
			body: `{"fracture": {"break_force": 50}, "split": {"max_generation": 1}}`,
			check: func(t *testing.T, c *Config) {
				if c.Fracture.BreakForce != 50 {
					t.Errorf("break force = %v, want 50", c.Fracture.BreakForce)
				}
				if c.Fracture.TouchRadius != 0.01 {
					t.Errorf("touch radius = %v, want default 0.01", c.Fracture.TouchRadius)
				}
				if c.Split.MaxGeneration != 1 {
					t.Errorf("max generation = %d, want 1", c.Split.MaxGeneration)
				}
			},
		},
		{
			name:    "invalid value",
			body:    `{"body": {"mass": 0}}`,
			wantErr: ErrInvalid,
		},
		{
			name: "malformed",
			body: `{"fracture": `,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "splinter.json")
			if err := os.WriteFile(path, []byte(tt.body), 0o644); err != nil {
				t.Fatal(err)
			}
			cfg, err := Load(path)
			if tt.check == nil {
				if err == nil {
					t.Fatal("expected an error")
				}
				if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
					t.Errorf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			tt.check(t, cfg)
		})
	}
}

func TestMerge(t *testing.T) {
	cfg := Default()
	cfg.Fracture.BreakForce = 999
	cfg.Sim.Workers = 8

	file := Default()
	file.Fracture.BreakForce = 10
	file.Sim.Workers = 2
	file.Fracture.Density = 42
	file.Body.Mass = 7

	Merge(cfg, file, map[string]bool{"break-force": true})

	if cfg.Fracture.BreakForce != 999 {
		t.Errorf("explicit flag overwritten: %v", cfg.Fracture.BreakForce)
	}
	if cfg.Sim.Workers != 2 {
		t.Errorf("workers = %d, want file value 2", cfg.Sim.Workers)
	}
	if cfg.Fracture.Density != 42 || cfg.Body.Mass != 7 {
		t.Errorf("file values not applied: density %v mass %v", cfg.Fracture.Density, cfg.Body.Mass)
	}
}
