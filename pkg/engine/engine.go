// Package engine provides the scene script engine for splinter.
// It wraps zygomys in a sandboxed environment and produces a Scene
// describing the destructibles to fracture from user source code.
package engine

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/chazu/splinter/pkg/fracture"
	"github.com/chazu/splinter/pkg/kernel"
	"github.com/chazu/splinter/pkg/physics"
	"github.com/chazu/splinter/pkg/scene"
	"github.com/go-gl/mathgl/mgl32"
	zygo "github.com/glycerine/zygomys/zygo"
)

// EvalError represents a non-fatal error encountered during evaluation,
// such as a parse error or a runtime error in user code.
type EvalError struct {
	Line    int
	Col     int
	Message string
}

func (e EvalError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d: %s", e.Line, e.Message)
	}
	return e.Message
}

// Definition is one destructible declared by a script. Zero numeric fields
// fall back to the fracture configuration.
type Definition struct {
	Name     string
	Mesh     *kernel.Mesh
	Position mgl32.Vec3
	Rotation mgl32.Quat
	Anchor   fracture.Anchor
	Chunks   int
	Seed     int64

	BreakForce  float32
	BreakTorque float32
	Density     float32

	Inside  *scene.Material
	Outside *scene.Material
}

// Request converts d into a fracture request.
func (d Definition) Request() fracture.Request {
	rot := d.Rotation
	if rot.Len() == 0 {
		rot = mgl32.QuatIdent()
	}
	return fracture.Request{
		Name:        d.Name,
		Mesh:        d.Mesh,
		Pose:        physics.Pose{Position: d.Position, Rotation: rot},
		Anchor:      d.Anchor,
		Seed:        d.Seed,
		ChunkCount:  d.Chunks,
		Inside:      d.Inside,
		Outside:     d.Outside,
		BreakForce:  d.BreakForce,
		BreakTorque: d.BreakTorque,
		Density:     d.Density,
	}
}

// Impact is a scripted hit on one chunk of a destructible, applied at the
// given simulation step.
type Impact struct {
	Target  string
	Chunk   int
	Impulse mgl32.Vec3
	Step    int
}

// Scene is the output of a script.
type Scene struct {
	Destructibles []Definition
	Impacts       []Impact
}

// Lookup returns the definition with the given name.
func (s *Scene) Lookup(name string) (Definition, bool) {
	for _, d := range s.Destructibles {
		if d.Name == name {
			return d, true
		}
	}
	return Definition{}, false
}

// Engine wraps the zygomys interpreter for scene evaluation.
// It is safe for concurrent use; each call to Evaluate creates a fresh
// sandboxed environment for determinism.
type Engine struct {
	mu         sync.Mutex
	generation uint64
}

// NewEngine creates a new Engine instance.
func NewEngine() *Engine {
	return &Engine{}
}

// Evaluate takes Lisp source code and produces a new Scene.
// Each call creates a fresh zygomys sandbox for deterministic evaluation.
//
// Return semantics:
//   - On success: returns scene + nil errors + nil error
//   - On parse/eval failure: returns nil scene + eval errors + nil error
//   - On fatal failure (timeout, panic): returns nil + nil + error
func (e *Engine) Evaluate(source string) (*Scene, []EvalError, error) {
	e.mu.Lock()
	e.generation++
	gen := e.generation
	e.mu.Unlock()

	ch := make(chan evalResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- evalResult{err: fmt.Errorf("panic during evaluation: %v", r)}
			}
		}()

		sc, evalErrs, err := e.evaluate(source)
		ch <- evalResult{scene: sc, errors: evalErrs, err: err}
	}()

	return waitWithTimeout(ch, gen, &e.mu, &e.generation)
}

// evaluate performs the actual zygomys evaluation in a fresh sandbox.
func (e *Engine) evaluate(source string) (*Scene, []EvalError, error) {
	sc := &Scene{}
	if strings.TrimSpace(source) == "" {
		return sc, nil, nil
	}

	// Sandbox mode keeps scripts away from the filesystem and syscalls.
	env := zygo.NewZlispSandbox()
	defer env.Stop()
	registerBuiltins(env, sc)

	if err := env.LoadString(preprocessSource(source)); err != nil {
		return nil, parseZygomysError(err), nil
	}
	if _, err := env.Run(); err != nil {
		return nil, parseZygomysError(err), nil
	}
	if errs := checkImpacts(sc); len(errs) > 0 {
		return nil, errs, nil
	}
	return sc, nil, nil
}

// checkImpacts reports impacts naming a destructible the script never
// declared.
func checkImpacts(sc *Scene) []EvalError {
	var errs []EvalError
	for _, im := range sc.Impacts {
		if _, ok := sc.Lookup(im.Target); !ok {
			errs = append(errs, EvalError{Message: fmt.Sprintf("impact: no destructible named %q", im.Target)})
		}
	}
	return errs
}

// linePattern matches zygomys error messages that include "Error on line N: ..."
var linePattern = regexp.MustCompile(`(?i)(?:error )?on line (\d+):\s*(.*)`)

// linePatternShort matches simpler "line N: ..." patterns.
var linePatternShort = regexp.MustCompile(`(?i)^line (\d+):\s*(.*)`)

// parseZygomysError converts a zygomys error into one or more EvalError values.
// It attempts to extract line number information from the error message.
func parseZygomysError(err error) []EvalError {
	msg := err.Error()

	for _, p := range []*regexp.Regexp{linePattern, linePatternShort} {
		if m := p.FindStringSubmatch(msg); m != nil {
			line, _ := strconv.Atoi(m[1])
			return []EvalError{{
				Line:    line,
				Message: strings.TrimSpace(m[2]),
			}}
		}
	}

	// Fallback: no line info available.
	return []EvalError{{Message: strings.TrimSpace(msg)}}
}
