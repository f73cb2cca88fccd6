package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/chazu/splinter/pkg/config"
)

// float32Value adapts a float32 config field to the flag package.
type float32Value struct{ p *float32 }

func (v float32Value) String() string {
	if v.p == nil {
		return "0"
	}
	return strconv.FormatFloat(float64(*v.p), 'g', -1, 32)
}

func (v float32Value) Set(s string) error {
	f, err := strconv.ParseFloat(s, 32)
	if err != nil {
		return err
	}
	*v.p = float32(f)
	return nil
}

type uint32Value struct{ p *uint32 }

func (v uint32Value) String() string {
	if v.p == nil {
		return "0"
	}
	return strconv.FormatUint(uint64(*v.p), 10)
}

func (v uint32Value) Set(s string) error {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return err
	}
	*v.p = uint32(n)
	return nil
}

func main() {
	cfg := config.Default()

	configPath := flag.String("config", "splinter.json", "configuration file")
	script := flag.String("script", "examples/wall.zy", "scene script to load")
	frames := flag.Int("frames", 240, "simulation frames to run")
	verbose := flag.Bool("v", false, "debug logging")

	flag.Var(float32Value{&cfg.Fracture.FrameWidth}, "frame-width", "half thickness of the anchor slabs")
	flag.Var(float32Value{&cfg.Fracture.TouchRadius}, "touch-radius", "radius used to find touching chunks")
	flag.Var(float32Value{&cfg.Fracture.BreakForce}, "break-force", "default joint break force")
	flag.Var(float32Value{&cfg.Fracture.BreakTorque}, "break-torque", "default joint break torque")
	flag.Var(float32Value{&cfg.Fracture.Density}, "density", "default chunk density")
	flag.IntVar(&cfg.Fracture.MeshCells, "mesh-cells", cfg.Fracture.MeshCells, "marching cubes resolution")
	flag.Var(uint32Value{&cfg.Split.MaxGeneration}, "max-generation", "deepest split generation")
	flag.Var(float32Value{&cfg.Split.Impulse}, "split-impulse", "impulse that splits a chunk, 0 disables")
	flag.Var(float32Value{&cfg.Sim.TimeStep}, "time-step", "simulation time step in seconds")
	flag.IntVar(&cfg.Sim.Workers, "workers", cfg.Sim.Workers, "break event workers")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	fromFile, err := config.Load(*configPath)
	if err != nil {
		log.Error("load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	explicit := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { explicit[f.Name] = true })
	config.Merge(cfg, fromFile, explicit)
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	source, err := os.ReadFile(*script)
	if err != nil {
		log.Error("read script", "path", *script, "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app := NewApp(cfg, log)
	defer app.Close()

	res, err := app.Load(ctx, string(source))
	if err != nil {
		log.Error("load scene", "error", err)
		os.Exit(1)
	}
	for _, e := range res.Errors {
		log.Error("scene error", "line", e.Line, "message", e.Message)
	}
	if len(res.Destructibles) == 0 {
		log.Error("scene declares nothing to simulate", "script", *script)
		os.Exit(1)
	}

	if _, err := app.Run(ctx, *frames); err != nil {
		log.Error("run", "error", err)
		os.Exit(1)
	}
}
