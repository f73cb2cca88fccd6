package engine

import (
	"fmt"
	"math"
	"strings"

	"github.com/chazu/splinter/pkg/fracture"
	"github.com/chazu/splinter/pkg/kernel"
	"github.com/chazu/splinter/pkg/scene"
	"github.com/chazu/splinter/pkg/tessellate"
	"github.com/go-gl/mathgl/mgl32"
	zygo "github.com/glycerine/zygomys/zygo"
)

// defaultChunks is used when a destructible omits :chunks.
const defaultChunks = 8

// ---------------------------------------------------------------------------
// Custom Sexp types for passing Go values through the zygomys environment
// ---------------------------------------------------------------------------

// sexpVec3 wraps an mgl32.Vec3.
type sexpVec3 struct {
	vec mgl32.Vec3
}

func (v *sexpVec3) SexpString(ps *zygo.PrintState) string {
	return fmt.Sprintf("(vec3 %g %g %g)", v.vec.X(), v.vec.Y(), v.vec.Z())
}
func (v *sexpVec3) Type() *zygo.RegisteredType { return nil }

// sexpMaterial wraps a scene.Material so it can be shared by several
// destructibles.
type sexpMaterial struct {
	mat *scene.Material
}

func (m *sexpMaterial) SexpString(ps *zygo.PrintState) string {
	return fmt.Sprintf("(material :name %q)", m.mat.Name)
}
func (m *sexpMaterial) Type() *zygo.RegisteredType { return nil }

// sexpMesh wraps a source mesh returned by a mesh builtin.
type sexpMesh struct {
	mesh *kernel.Mesh
}

func (m *sexpMesh) SexpString(ps *zygo.PrintState) string {
	return fmt.Sprintf("(mesh %q %d tris)", m.mesh.Name, len(m.mesh.Indices)/3)
}
func (m *sexpMesh) Type() *zygo.RegisteredType { return nil }

// sexpAnchor wraps an anchor mask built by (anchor ...).
type sexpAnchor struct {
	anchor fracture.Anchor
}

func (a *sexpAnchor) SexpString(ps *zygo.PrintState) string {
	return fmt.Sprintf("(anchor %s)", a.anchor)
}
func (a *sexpAnchor) Type() *zygo.RegisteredType { return nil }

// sexpDestructibleRef names a declared destructible.
type sexpDestructibleRef struct {
	name string
}

func (d *sexpDestructibleRef) SexpString(ps *zygo.PrintState) string {
	return fmt.Sprintf("(destructible %q)", d.name)
}
func (d *sexpDestructibleRef) Type() *zygo.RegisteredType { return nil }

// ---------------------------------------------------------------------------
// Keyword argument parsing
// ---------------------------------------------------------------------------

// kwPrefix is the marker prepended to keyword names by preprocessSource.
const kwPrefix = "__kw_"

// isKW checks if a Sexp is a preprocessed keyword string.
// Returns the keyword name (without prefix) and true if it is.
func isKW(s zygo.Sexp) (string, bool) {
	str, ok := s.(*zygo.SexpStr)
	if !ok {
		return "", false
	}
	if strings.HasPrefix(str.S, kwPrefix) {
		return str.S[len(kwPrefix):], true
	}
	return "", false
}

// kwArgs holds the result of parsing a mixed positional+keyword argument list.
type kwArgs struct {
	kw         map[string]zygo.Sexp
	positional []zygo.Sexp
}

// parseArgs separates args into keyword and positional arguments.
// Keywords are identified by the __kw_ prefix added during preprocessing.
func parseArgs(args []zygo.Sexp) kwArgs {
	result := kwArgs{kw: make(map[string]zygo.Sexp)}
	i := 0
	for i < len(args) {
		name, ok := isKW(args[i])
		if ok {
			if i+1 < len(args) {
				result.kw[name] = args[i+1]
				i += 2
			} else {
				// Trailing keyword with no value is a flag.
				result.kw[name] = zygo.SexpNull
				i++
			}
		} else {
			result.positional = append(result.positional, args[i])
			i++
		}
	}
	return result
}

// ---------------------------------------------------------------------------
// Value extraction helpers
// ---------------------------------------------------------------------------

// toFloat64 extracts a float64 from a Sexp (SexpInt or SexpFloat).
func toFloat64(s zygo.Sexp) (float64, error) {
	switch v := s.(type) {
	case *zygo.SexpInt:
		return float64(v.Val), nil
	case *zygo.SexpFloat:
		return v.Val, nil
	}
	return 0, fmt.Errorf("expected number, got %T (%s)", s, s.SexpString(nil))
}

func toFloat32(s zygo.Sexp) (float32, error) {
	f, err := toFloat64(s)
	return float32(f), err
}

// toInt extracts a whole number.
func toInt(s zygo.Sexp) (int64, error) {
	f, err := toFloat64(s)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("expected whole number, got %g", f)
	}
	return int64(f), nil
}

// toString extracts a string from a Sexp.
func toString(s zygo.Sexp) (string, error) {
	if str, ok := s.(*zygo.SexpStr); ok {
		return str.S, nil
	}
	return "", fmt.Errorf("expected string, got %T (%s)", s, s.SexpString(nil))
}

// toKeywordString extracts a keyword name or plain string from a Sexp.
// Handles both preprocessed keywords (__kw_left) and plain strings ("left").
func toKeywordString(s zygo.Sexp) (string, error) {
	str, ok := s.(*zygo.SexpStr)
	if !ok {
		return "", fmt.Errorf("expected keyword or string, got %T (%s)", s, s.SexpString(nil))
	}
	if strings.HasPrefix(str.S, kwPrefix) {
		return str.S[len(kwPrefix):], nil
	}
	return str.S, nil
}

// toVec3 extracts a Vec3 from a sexpVec3.
func toVec3(s zygo.Sexp) (mgl32.Vec3, error) {
	if v, ok := s.(*sexpVec3); ok {
		return v.vec, nil
	}
	return mgl32.Vec3{}, fmt.Errorf("expected vec3, got %T (%s)", s, s.SexpString(nil))
}

// toMaterial extracts a material from a sexpMaterial.
func toMaterial(s zygo.Sexp) (*scene.Material, error) {
	if m, ok := s.(*sexpMaterial); ok {
		return m.mat, nil
	}
	return nil, fmt.Errorf("expected material, got %T (%s)", s, s.SexpString(nil))
}

// toMesh extracts a mesh from a sexpMesh.
func toMesh(s zygo.Sexp) (*kernel.Mesh, error) {
	if m, ok := s.(*sexpMesh); ok {
		return m.mesh, nil
	}
	return nil, fmt.Errorf("expected mesh, got %T (%s)", s, s.SexpString(nil))
}

// toAnchor accepts an (anchor ...) value, a single side keyword, or a list
// of side keywords.
func toAnchor(s zygo.Sexp) (fracture.Anchor, error) {
	switch v := s.(type) {
	case *sexpAnchor:
		return v.anchor, nil
	case *zygo.SexpStr:
		name, _ := toKeywordString(v)
		return fracture.ParseAnchor(name)
	}
	items, err := sexpListToSlice(s)
	if err != nil {
		return fracture.AnchorNone, fmt.Errorf("expected anchor: %w", err)
	}
	return keywordsToAnchor(items)
}

func keywordsToAnchor(items []zygo.Sexp) (fracture.Anchor, error) {
	names := make([]string, 0, len(items))
	for _, it := range items {
		n, err := toKeywordString(it)
		if err != nil {
			return fracture.AnchorNone, err
		}
		names = append(names, n)
	}
	return fracture.ParseAnchor(names...)
}

// sexpListToSlice converts a SexpPair (Lisp list) or SexpArray to a Go slice.
func sexpListToSlice(s zygo.Sexp) ([]zygo.Sexp, error) {
	switch v := s.(type) {
	case *zygo.SexpPair:
		return zygo.ListToArray(v)
	case *zygo.SexpArray:
		return v.Val, nil
	case *zygo.SexpSentinel:
		if v == zygo.SexpNull {
			return nil, nil
		}
	}
	return nil, fmt.Errorf("expected list or array, got %T", s)
}

// ---------------------------------------------------------------------------
// Builtin registration
// ---------------------------------------------------------------------------

// registerBuiltins installs the scene builtins into a zygomys environment.
// The builtins append to sc as the script runs.
//
// Source code must be preprocessed with preprocessSource() before evaluation so
// that :keyword tokens are converted to recognizable string literals.
func registerBuiltins(env *zygo.Zlisp, sc *Scene) {

	// -----------------------------------------------------------------------
	// (vec3 1 2 3)
	// -----------------------------------------------------------------------
	env.AddFunction("vec3", func(env *zygo.Zlisp, name string, args []zygo.Sexp) (zygo.Sexp, error) {
		if len(args) != 3 {
			return zygo.SexpNull, fmt.Errorf("vec3 requires exactly 3 arguments, got %d", len(args))
		}
		var v mgl32.Vec3
		for i, axis := range []string{"x", "y", "z"} {
			f, err := toFloat32(args[i])
			if err != nil {
				return zygo.SexpNull, fmt.Errorf("vec3: %s: %w", axis, err)
			}
			v[i] = f
		}
		return &sexpVec3{vec: v}, nil
	})

	// -----------------------------------------------------------------------
	// (material :name "brick" :color (vec3 0.7 0.3 0.2) :alpha 1)
	// -----------------------------------------------------------------------
	env.AddFunction("material", func(env *zygo.Zlisp, name string, args []zygo.Sexp) (zygo.Sexp, error) {
		pa := parseArgs(args)
		mat := &scene.Material{Color: mgl32.Vec4{1, 1, 1, 1}}

		if v, ok := pa.kw["name"]; ok {
			s, err := toString(v)
			if err != nil {
				return zygo.SexpNull, fmt.Errorf("material: name: %w", err)
			}
			mat.Name = s
		}
		if v, ok := pa.kw["color"]; ok {
			c, err := toVec3(v)
			if err != nil {
				return zygo.SexpNull, fmt.Errorf("material: color: %w", err)
			}
			mat.Color = c.Vec4(1)
		}
		if v, ok := pa.kw["alpha"]; ok {
			a, err := toFloat32(v)
			if err != nil {
				return zygo.SexpNull, fmt.Errorf("material: alpha: %w", err)
			}
			mat.Color[3] = a
		}

		return &sexpMaterial{mat: mat}, nil
	})

	// -----------------------------------------------------------------------
	// (box-mesh :size (vec3 4 2 0.25) :name "panel")
	// -----------------------------------------------------------------------
	env.AddFunction("box_mesh", func(env *zygo.Zlisp, name string, args []zygo.Sexp) (zygo.Sexp, error) {
		pa := parseArgs(args)
		v, ok := pa.kw["size"]
		if !ok {
			return zygo.SexpNull, fmt.Errorf("box-mesh requires :size")
		}
		size, err := toVec3(v)
		if err != nil {
			return zygo.SexpNull, fmt.Errorf("box-mesh: size: %w", err)
		}
		if size.X() <= 0 || size.Y() <= 0 || size.Z() <= 0 {
			return zygo.SexpNull, fmt.Errorf("box-mesh: size must be positive, got %v", size)
		}

		mesh := tessellate.Box(size)
		if v, ok := pa.kw["name"]; ok {
			s, err := toString(v)
			if err != nil {
				return zygo.SexpNull, fmt.Errorf("box-mesh: name: %w", err)
			}
			mesh.Name = s
		}
		return &sexpMesh{mesh: mesh}, nil
	})

	// -----------------------------------------------------------------------
	// (anchor :left :bottom)
	// -----------------------------------------------------------------------
	env.AddFunction("anchor", func(env *zygo.Zlisp, name string, args []zygo.Sexp) (zygo.Sexp, error) {
		a, err := keywordsToAnchor(args)
		if err != nil {
			return zygo.SexpNull, fmt.Errorf("anchor: %w", err)
		}
		return &sexpAnchor{anchor: a}, nil
	})

	// -----------------------------------------------------------------------
	// (destructible "wall" :mesh m :at (vec3 0 1 0) :rotate (vec3 0 90 0)
	//   :anchor (anchor :bottom) :chunks 12 :seed 7 :break-force 250
	//   :break-torque 120 :density 600 :inside stone :outside paint)
	// -----------------------------------------------------------------------
	env.AddFunction("destructible", func(env *zygo.Zlisp, name string, args []zygo.Sexp) (zygo.Sexp, error) {
		pa := parseArgs(args)
		if len(pa.positional) < 1 {
			return zygo.SexpNull, fmt.Errorf("destructible requires a name")
		}
		dname, err := toString(pa.positional[0])
		if err != nil {
			return zygo.SexpNull, fmt.Errorf("destructible: name: %w", err)
		}
		if _, dup := sc.Lookup(dname); dup {
			return zygo.SexpNull, fmt.Errorf("destructible: %q declared twice", dname)
		}

		def := Definition{Name: dname, Rotation: mgl32.QuatIdent(), Chunks: defaultChunks}

		v, ok := pa.kw["mesh"]
		if !ok {
			return zygo.SexpNull, fmt.Errorf("destructible %q requires :mesh", dname)
		}
		if def.Mesh, err = toMesh(v); err != nil {
			return zygo.SexpNull, fmt.Errorf("destructible %q: mesh: %w", dname, err)
		}

		if v, ok := pa.kw["at"]; ok {
			if def.Position, err = toVec3(v); err != nil {
				return zygo.SexpNull, fmt.Errorf("destructible %q: at: %w", dname, err)
			}
		}
		if v, ok := pa.kw["rotate"]; ok {
			deg, err := toVec3(v)
			if err != nil {
				return zygo.SexpNull, fmt.Errorf("destructible %q: rotate: %w", dname, err)
			}
			def.Rotation = mgl32.AnglesToQuat(
				mgl32.DegToRad(deg.X()), mgl32.DegToRad(deg.Y()), mgl32.DegToRad(deg.Z()), mgl32.XYZ)
		}
		if v, ok := pa.kw["anchor"]; ok {
			if def.Anchor, err = toAnchor(v); err != nil {
				return zygo.SexpNull, fmt.Errorf("destructible %q: anchor: %w", dname, err)
			}
		}
		if v, ok := pa.kw["chunks"]; ok {
			n, err := toInt(v)
			if err != nil {
				return zygo.SexpNull, fmt.Errorf("destructible %q: chunks: %w", dname, err)
			}
			if n < 1 {
				return zygo.SexpNull, fmt.Errorf("destructible %q: chunks must be at least 1, got %d", dname, n)
			}
			def.Chunks = int(n)
		}
		if v, ok := pa.kw["seed"]; ok {
			if def.Seed, err = toInt(v); err != nil {
				return zygo.SexpNull, fmt.Errorf("destructible %q: seed: %w", dname, err)
			}
		}

		floats := []struct {
			kw  string
			dst *float32
		}{
			{"break-force", &def.BreakForce},
			{"break-torque", &def.BreakTorque},
			{"density", &def.Density},
		}
		for _, f := range floats {
			v, ok := pa.kw[f.kw]
			if !ok {
				continue
			}
			x, err := toFloat32(v)
			if err != nil {
				return zygo.SexpNull, fmt.Errorf("destructible %q: %s: %w", dname, f.kw, err)
			}
			if x < 0 {
				return zygo.SexpNull, fmt.Errorf("destructible %q: %s must not be negative", dname, f.kw)
			}
			*f.dst = x
		}

		if v, ok := pa.kw["inside"]; ok {
			if def.Inside, err = toMaterial(v); err != nil {
				return zygo.SexpNull, fmt.Errorf("destructible %q: inside: %w", dname, err)
			}
		}
		if v, ok := pa.kw["outside"]; ok {
			if def.Outside, err = toMaterial(v); err != nil {
				return zygo.SexpNull, fmt.Errorf("destructible %q: outside: %w", dname, err)
			}
		}

		sc.Destructibles = append(sc.Destructibles, def)
		return &sexpDestructibleRef{name: dname}, nil
	})

	// -----------------------------------------------------------------------
	// (impact wall :chunk 3 :impulse (vec3 0 0 -400) :step 30)
	// -----------------------------------------------------------------------
	env.AddFunction("impact", func(env *zygo.Zlisp, name string, args []zygo.Sexp) (zygo.Sexp, error) {
		pa := parseArgs(args)
		if len(pa.positional) < 1 {
			return zygo.SexpNull, fmt.Errorf("impact requires a target")
		}
		var im Impact
		switch t := pa.positional[0].(type) {
		case *sexpDestructibleRef:
			im.Target = t.name
		default:
			s, err := toString(t)
			if err != nil {
				return zygo.SexpNull, fmt.Errorf("impact: target: %w", err)
			}
			im.Target = s
		}

		if v, ok := pa.kw["chunk"]; ok {
			n, err := toInt(v)
			if err != nil || n < 0 {
				return zygo.SexpNull, fmt.Errorf("impact: chunk must be a non-negative integer")
			}
			im.Chunk = int(n)
		}
		v, ok := pa.kw["impulse"]
		if !ok {
			return zygo.SexpNull, fmt.Errorf("impact requires :impulse")
		}
		imp, err := toVec3(v)
		if err != nil {
			return zygo.SexpNull, fmt.Errorf("impact: impulse: %w", err)
		}
		im.Impulse = imp
		if v, ok := pa.kw["step"]; ok {
			n, err := toInt(v)
			if err != nil || n < 0 {
				return zygo.SexpNull, fmt.Errorf("impact: step must be a non-negative integer")
			}
			im.Step = int(n)
		}

		sc.Impacts = append(sc.Impacts, im)
		return zygo.SexpNull, nil
	})
}
