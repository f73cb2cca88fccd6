// Package tessellate turns the triangle soup of one fractured chunk into an
// indexed mesh asset usable by rendering and physics. Vertices are
// deduplicated, open boundary edges are detected and stitched where
// possible, and missing normals and bounds are filled in.
package tessellate

import (
	"errors"
	"fmt"
	"math"

	"github.com/chazu/splinter/pkg/kernel"
	"github.com/go-gl/mathgl/mgl32"
)

// ErrTooManyVertices is returned when a chunk needs more vertices than
// 16-bit indices can address.
var ErrTooManyVertices = errors.New("tessellate: chunk exceeds 16-bit vertex limit")

// ErrNoTriangles is returned for an empty triangle list.
var ErrNoTriangles = errors.New("tessellate: no triangles")

// WeldTolerance is the distance under which two positions are treated as
// the same point for edge topology.
const WeldTolerance = 1e-5

// Report describes the topology of an extracted chunk mesh.
type Report struct {
	OpenEdges        int // boundary edges found before stitching
	NonManifoldEdges int // edges shared by more than two triangles
	StitchedLoops    int // boundary loops closed by fan filling
	RemainingOpen    int // boundary edges left after stitching
}

// Closed reports whether the final mesh has no boundary edges.
func (r Report) Closed() bool {
	return r.RemainingOpen == 0
}

// posKey is a quantized position used for welding.
type posKey [3]int64

func keyOf(p mgl32.Vec3) posKey {
	return posKey{
		int64(math.Round(float64(p[0]) / WeldTolerance)),
		int64(math.Round(float64(p[1]) / WeldTolerance)),
		int64(math.Round(float64(p[2]) / WeldTolerance)),
	}
}

// vertKey identifies a unique output vertex.
type vertKey struct {
	pos posKey
	n   mgl32.Vec3
	uv  mgl32.Vec2
}

// builder accumulates the indexed mesh.
type builder struct {
	mesh  *kernel.Mesh
	verts map[vertKey]int
	welds map[posKey]int // position key -> weld id
	wPos  []mgl32.Vec3   // weld id -> position
	wUV   []mgl32.Vec2   // weld id -> first uv seen
	tris  [][3]int       // output vertex indices
	wTris [][3]int       // weld ids per triangle

	tooMany bool
}

func newBuilder(name string, hint int) *builder {
	return &builder{
		mesh:  &kernel.Mesh{Name: name},
		verts: make(map[vertKey]int, hint),
		welds: make(map[posKey]int, hint),
	}
}

func (b *builder) weld(v kernel.Vertex) int {
	k := keyOf(v.P)
	if id, ok := b.welds[k]; ok {
		return id
	}
	id := len(b.wPos)
	b.welds[k] = id
	b.wPos = append(b.wPos, v.P)
	b.wUV = append(b.wUV, v.UV)
	return id
}

func (b *builder) vertex(v kernel.Vertex) int {
	k := vertKey{pos: keyOf(v.P), n: v.N, uv: v.UV}
	if i, ok := b.verts[k]; ok {
		return i
	}
	i := len(b.mesh.Positions)
	if i >= kernel.MaxVertices {
		b.tooMany = true
		return 0
	}
	b.verts[k] = i
	b.mesh.Positions = append(b.mesh.Positions, v.P)
	b.mesh.Normals = append(b.mesh.Normals, v.N)
	b.mesh.UVs = append(b.mesh.UVs, v.UV)
	return i
}

func (b *builder) add(t kernel.Triangle) {
	corners := [3]kernel.Vertex{t.A, t.B, t.C}
	fn := t.Normal()
	var tri, wtri [3]int
	for j, v := range corners {
		if v.N.Len() == 0 {
			v.N = fn
		}
		wtri[j] = b.weld(v)
		tri[j] = b.vertex(v)
	}
	// Triangles collapsed by welding carry no area.
	if wtri[0] == wtri[1] || wtri[1] == wtri[2] || wtri[2] == wtri[0] {
		return
	}
	b.tris = append(b.tris, tri)
	b.wTris = append(b.wTris, wtri)
	b.mesh.Materials = append(b.mesh.Materials, t.Material)
}

// ChunkMesh builds an indexed mesh from a chunk triangle soup. Open edges
// are stitched by fan-filling each boundary loop with inside faces; a mesh
// that still has open edges is returned with the Report saying so.
func ChunkMesh(name string, tris []kernel.Triangle) (*kernel.Mesh, Report, error) {
	if len(tris) == 0 {
		return nil, Report{}, ErrNoTriangles
	}

	b := newBuilder(name, len(tris)*3)
	for _, t := range tris {
		b.add(t)
	}

	var rep Report
	open, nonManifold := openEdges(b.wTris)
	rep.OpenEdges = len(open)
	rep.NonManifoldEdges = nonManifold

	if len(open) > 0 {
		for _, loop := range boundaryLoops(open) {
			b.fill(loop)
			rep.StitchedLoops++
		}
		remaining, _ := openEdges(b.wTris)
		rep.RemainingOpen = len(remaining)
	}

	if b.tooMany {
		return nil, rep, fmt.Errorf("%w: %s needs more than %d vertices", ErrTooManyVertices, name, kernel.MaxVertices)
	}

	b.mesh.Indices = make([]uint16, 0, len(b.tris)*3)
	for _, t := range b.tris {
		b.mesh.Indices = append(b.mesh.Indices, uint16(t[0]), uint16(t[1]), uint16(t[2]))
	}
	b.mesh.Bounds = kernel.BoundsOf(b.mesh.Positions)
	return b.mesh, rep, nil
}

// fill closes one boundary loop with a triangle fan whose winding is the
// reverse of the loop direction.
func (b *builder) fill(loop []int) {
	v0 := b.wPos[loop[0]]
	for i := 1; i+1 < len(loop); i++ {
		t := kernel.Triangle{
			A:        kernel.Vertex{P: v0, UV: b.wUV[loop[0]]},
			B:        kernel.Vertex{P: b.wPos[loop[i+1]], UV: b.wUV[loop[i+1]]},
			C:        kernel.Vertex{P: b.wPos[loop[i]], UV: b.wUV[loop[i]]},
			Material: kernel.MaterialInside,
		}
		n := t.Normal()
		if n.Len() == 0 {
			continue
		}
		t.A.N, t.B.N, t.C.N = n, n, n
		b.add(t)
	}
}

// ---------------------------------------------------------------------------
// Edge topology
// ---------------------------------------------------------------------------

type edge struct{ a, b int }

// openEdges returns the directed boundary edges (as they appear in their
// single owning triangle) in triangle order, and the number of undirected
// edges shared by more than two triangles.
func openEdges(tris [][3]int) ([]edge, int) {
	count := make(map[edge]int, len(tris)*3)
	undirected := func(e edge) edge {
		if e.a > e.b {
			return edge{e.b, e.a}
		}
		return e
	}
	for _, t := range tris {
		for j := 0; j < 3; j++ {
			count[undirected(edge{t[j], t[(j+1)%3]})]++
		}
	}

	var open []edge
	nonManifold := 0
	for _, t := range tris {
		for j := 0; j < 3; j++ {
			e := edge{t[j], t[(j+1)%3]}
			if count[undirected(e)] == 1 {
				open = append(open, e)
			}
		}
	}
	for _, c := range count {
		if c > 2 {
			nonManifold++
		}
	}
	return open, nonManifold
}

// boundaryLoops chains directed open edges into closed loops. Chains that
// do not close, or that are shorter than three vertices, are skipped.
func boundaryLoops(open []edge) [][]int {
	next := make(map[int][]int, len(open))
	for _, e := range open {
		next[e.a] = append(next[e.a], e.b)
	}
	used := make(map[edge]bool, len(open))

	var loops [][]int
	for _, start := range open {
		if used[start] {
			continue
		}
		loop := []int{start.a}
		used[start] = true
		cur := start.b
		closed := false
		for steps := 0; steps <= len(open); steps++ {
			if cur == start.a {
				closed = true
				break
			}
			loop = append(loop, cur)
			advanced := false
			for _, n := range next[cur] {
				e := edge{cur, n}
				if !used[e] {
					used[e] = true
					cur = n
					advanced = true
					break
				}
			}
			if !advanced {
				break
			}
		}
		if closed && len(loop) >= 3 {
			loops = append(loops, loop)
		}
	}
	return loops
}

// ---------------------------------------------------------------------------
// Source meshes
// ---------------------------------------------------------------------------

// Box returns a closed box of the given size centred at the origin, with
// four vertices per face so that every face has its own normal and UVs.
func Box(size mgl32.Vec3) *kernel.Mesh {
	h := size.Mul(0.5)
	type side struct {
		n    mgl32.Vec3
		u, v mgl32.Vec3
	}
	sides := []side{
		{mgl32.Vec3{1, 0, 0}, mgl32.Vec3{0, 0, -1}, mgl32.Vec3{0, 1, 0}},
		{mgl32.Vec3{-1, 0, 0}, mgl32.Vec3{0, 0, 1}, mgl32.Vec3{0, 1, 0}},
		{mgl32.Vec3{0, 1, 0}, mgl32.Vec3{1, 0, 0}, mgl32.Vec3{0, 0, -1}},
		{mgl32.Vec3{0, -1, 0}, mgl32.Vec3{1, 0, 0}, mgl32.Vec3{0, 0, 1}},
		{mgl32.Vec3{0, 0, 1}, mgl32.Vec3{1, 0, 0}, mgl32.Vec3{0, 1, 0}},
		{mgl32.Vec3{0, 0, -1}, mgl32.Vec3{-1, 0, 0}, mgl32.Vec3{0, 1, 0}},
	}

	m := &kernel.Mesh{Name: "box"}
	mul := func(a, b mgl32.Vec3) mgl32.Vec3 { return mgl32.Vec3{a[0] * b[0], a[1] * b[1], a[2] * b[2]} }
	for _, s := range sides {
		base := uint16(len(m.Positions))
		c := mul(s.n, h)
		u := mul(s.u, h)
		v := mul(s.v, h)
		corners := []struct {
			p  mgl32.Vec3
			uv mgl32.Vec2
		}{
			{c.Sub(u).Sub(v), mgl32.Vec2{0, 0}},
			{c.Add(u).Sub(v), mgl32.Vec2{1, 0}},
			{c.Add(u).Add(v), mgl32.Vec2{1, 1}},
			{c.Sub(u).Add(v), mgl32.Vec2{0, 1}},
		}
		for _, cr := range corners {
			m.Positions = append(m.Positions, cr.p)
			m.Normals = append(m.Normals, s.n)
			m.UVs = append(m.UVs, cr.uv)
		}
		m.Indices = append(m.Indices, base, base+1, base+2, base, base+2, base+3)
		m.Materials = append(m.Materials, kernel.MaterialOutside, kernel.MaterialOutside)
	}
	m.Bounds = kernel.BoundsOf(m.Positions)
	return m
}
