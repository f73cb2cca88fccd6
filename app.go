package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/chazu/splinter/pkg/config"
	"github.com/chazu/splinter/pkg/engine"
	"github.com/chazu/splinter/pkg/fracture"
	"github.com/chazu/splinter/pkg/graph"
	"github.com/chazu/splinter/pkg/kernel"
	"github.com/chazu/splinter/pkg/kernel/sdfx"
	"github.com/chazu/splinter/pkg/physics/sim"
	"github.com/chazu/splinter/pkg/scene"
	"github.com/go-gl/mathgl/mgl32"
)

// App ties a scene script to a running fracture simulation: the script
// engine declares destructibles, the subsystem fractures them into the
// reference physics world and Run steps it.
type App struct {
	cfg      *config.Config
	log      *slog.Logger
	engine   *engine.Engine
	world    *sim.World
	registry *scene.MemoryRegistry
	fracture *fracture.Subsystem
	recorder *graph.Recorder

	byName  map[string]fracture.DestructibleID
	impacts []engine.Impact
	frame   int
}

// LoadResult reports what a script produced.
type LoadResult struct {
	Destructibles []fracture.DestructibleID
	Errors        []engine.EvalError
}

// Summary totals a Run.
type Summary struct {
	Frames       int
	Released     int // chunks turned dynamic
	Splits       int // nested destructibles created
	JointsBroken int // joints broken by scripted impacts
	Breaks       int // every break event seen so far
	Missed       int // impacts whose chunk did not exist
}

// NewApp creates an App fracturing with the sdfx kernel.
func NewApp(cfg *config.Config, log *slog.Logger) *App {
	return newApp(cfg, sdfx.New(cfg.Fracture.MeshCells), log)
}

func newApp(cfg *config.Config, k kernel.Kernel, log *slog.Logger) *App {
	if log == nil {
		log = slog.Default()
	}
	world := sim.New(sim.Config{
		Gravity:        mgl32.Vec3(cfg.Sim.Gravity),
		Workers:        cfg.Sim.Workers,
		JointStiffness: cfg.Sim.JointStiffness,
	}, log.With("component", "sim"))
	registry := scene.NewRegistry()
	rec := graph.NewRecorder()

	sub := fracture.New(cfg, k, world, registry, log.With("component", "fracture"))
	sub.Record(rec)

	return &App{
		cfg:      cfg,
		log:      log,
		engine:   engine.NewEngine(),
		world:    world,
		registry: registry,
		fracture: sub,
		recorder: rec,
		byName:   make(map[string]fracture.DestructibleID),
	}
}

// Load evaluates source and fractures every destructible it declares.
// Script errors and failed fractures are reported in the result; the
// returned error is only set for fatal evaluation failures.
func (a *App) Load(ctx context.Context, source string) (LoadResult, error) {
	var res LoadResult

	sc, evalErrs, err := a.engine.Evaluate(source)
	if err != nil {
		return res, fmt.Errorf("evaluate: %w", err)
	}
	if len(evalErrs) > 0 {
		res.Errors = evalErrs
		return res, nil
	}

	for _, def := range sc.Destructibles {
		if _, dup := a.byName[def.Name]; dup {
			res.Errors = append(res.Errors, engine.EvalError{Message: fmt.Sprintf("%q is already loaded", def.Name)})
			continue
		}
		id, err := a.fracture.Fracture(ctx, def.Request())
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.Errors = append(res.Errors, engine.EvalError{Message: fmt.Sprintf("fracture %q: %v", def.Name, err)})
			continue
		}
		a.byName[def.Name] = id
		res.Destructibles = append(res.Destructibles, id)
	}
	for _, im := range sc.Impacts {
		im.Step += a.frame
		a.impacts = append(a.impacts, im)
	}

	a.log.Info("scene loaded",
		"destructibles", len(res.Destructibles),
		"impacts", len(sc.Impacts),
		"errors", len(res.Errors))
	return res, nil
}

// Run advances the simulation by frames steps of the configured time step,
// applying scripted impacts as their frame comes up.
func (a *App) Run(ctx context.Context, frames int) (Summary, error) {
	var sum Summary
	dt := a.cfg.Sim.TimeStep

	for i := 0; i < frames; i++ {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		a.applyImpacts(&sum)

		rep, err := a.fracture.Step(ctx, dt)
		if err != nil {
			return sum, err
		}
		sum.Frames++
		sum.Released += len(rep.Unfrozen)
		sum.Splits += len(rep.Split)
		if len(rep.Unfrozen) > 0 || len(rep.Split) > 0 {
			a.log.Debug("frame", "frame", a.frame, "released", len(rep.Unfrozen), "splits", len(rep.Split))
		}
		a.frame++
	}

	sum.Breaks = a.recorder.Len()
	a.log.Info("run finished",
		"frames", sum.Frames,
		"released", sum.Released,
		"splits", sum.Splits,
		"breaks", sum.Breaks,
		"actors", a.world.ActorCount(),
		"joints", a.world.JointCount())
	return sum, nil
}

// applyImpacts fires the impacts due this frame and drops them.
func (a *App) applyImpacts(sum *Summary) {
	kept := a.impacts[:0]
	for _, im := range a.impacts {
		if im.Step > a.frame {
			kept = append(kept, im)
			continue
		}
		broken, err := a.impact(im)
		switch {
		case errors.Is(err, errNoChunk):
			sum.Missed++
			a.log.Warn("impact missed", "target", im.Target, "chunk", im.Chunk)
		case err != nil:
			a.log.Error("impact", "target", im.Target, "error", err)
		default:
			sum.JointsBroken += broken
		}
	}
	a.impacts = kept
}

var errNoChunk = errors.New("no such chunk")

func (a *App) impact(im engine.Impact) (int, error) {
	id, ok := a.byName[im.Target]
	if !ok {
		return 0, fmt.Errorf("%w: %q", fracture.ErrUnknownDestructible, im.Target)
	}
	d, ok := a.fracture.Get(id)
	if !ok {
		return 0, fmt.Errorf("%w: %q", fracture.ErrUnknownDestructible, im.Target)
	}
	actors := d.Actors()
	if im.Chunk >= len(actors) {
		return 0, errNoChunk
	}
	res, err := a.fracture.Damage(actors[im.Chunk], im.Impulse)
	if err != nil {
		return 0, err
	}
	return len(res.Broken), nil
}

// Destructible returns the live destructible loaded under name.
func (a *App) Destructible(name string) (*fracture.Destructible, bool) {
	id, ok := a.byName[name]
	if !ok {
		return nil, false
	}
	return a.fracture.Get(id)
}

// Close stops the subsystem.
func (a *App) Close() error {
	return a.fracture.Close()
}
