// Package sdfx implements the kernel.Kernel interface using the
// github.com/deadsy/sdfx SDF-based CAD library.
//
// A source mesh is turned into a signed distance field (distance to the
// nearest triangle, signed by winding number). Each Voronoi cell is the
// intersection of the bisector half-spaces between its site and every other
// site. A chunk is the sdfx intersection of the two fields, polygonized with
// marching cubes on a grid shared by all chunks so that neighbouring chunks
// meet on coincident faces.
package sdfx

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/chazu/splinter/pkg/kernel"
	"github.com/deadsy/sdfx/render"
	"github.com/deadsy/sdfx/sdf"
	v3 "github.com/deadsy/sdfx/vec/v3"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/go-gl/mathgl/mgl64"
)

// Compile-time interface check.
var _ kernel.Kernel = (*SdfxKernel)(nil)

// DefaultMeshCells controls marching cubes tessellation resolution along
// the longest axis of the source bounds.
const DefaultMeshCells = 32

// maxSiteAttempts bounds rejection sampling per requested site.
const maxSiteAttempts = 1000

// SdfxKernel implements kernel.Kernel using sdfx.
type SdfxKernel struct {
	meshCells int
}

// New returns a new SdfxKernel. A non-positive meshCells selects
// DefaultMeshCells.
func New(meshCells int) *SdfxKernel {
	if meshCells <= 0 {
		meshCells = DefaultMeshCells
	}
	return &SdfxKernel{meshCells: meshCells}
}

// MeshCells returns the marching cubes resolution.
func (k *SdfxKernel) MeshCells() int {
	return k.meshCells
}

// GenerateSites places count sites inside src by seeded rejection sampling
// of its bounding box. Fewer sites than requested are returned only when
// sampling keeps missing a very thin mesh.
func (k *SdfxKernel) GenerateSites(src *kernel.Mesh, count int, seed int64) ([]mgl32.Vec3, error) {
	if src.IsEmpty() || count < 1 {
		return nil, kernel.ErrNoSites
	}
	bb := src.Bounds
	if bb.IsEmpty() {
		bb = kernel.BoundsOf(src.Positions)
	}
	size := bb.Max.Sub(bb.Min)
	rng := rand.New(rand.NewSource(seed))

	sites := make([]mgl32.Vec3, 0, count)
	for attempt := 0; attempt < count*maxSiteAttempts && len(sites) < count; attempt++ {
		p := mgl32.Vec3{
			bb.Min[0] + rng.Float32()*size[0],
			bb.Min[1] + rng.Float32()*size[1],
			bb.Min[2] + rng.Float32()*size[2],
		}
		if src.Inside(kernel.Vec64(p)) {
			sites = append(sites, p)
		}
	}
	if len(sites) == 0 {
		return nil, kernel.ErrNoSites
	}
	return sites, nil
}

// Fracture splits src into one chunk per site. Cells that produce no
// geometry are dropped.
func (k *SdfxKernel) Fracture(ctx context.Context, src *kernel.Mesh, sites []mgl32.Vec3, replace bool) (kernel.Result, error) {
	if src.IsEmpty() {
		return nil, fmt.Errorf("sdfx: empty source mesh")
	}
	if len(sites) == 0 {
		return nil, kernel.ErrNoSites
	}

	bounds := src.Bounds
	if bounds.IsEmpty() {
		bounds = kernel.BoundsOf(src.Positions)
	}
	field := newMeshSDF(src, bounds)
	res := &result{}
	if !replace {
		res.chunks = append(res.chunks, src.Triangles())
	}

	centers := make([]mgl64.Vec3, len(sites))
	for i, s := range sites {
		centers[i] = kernel.Vec64(s)
	}

	for i := range centers {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("sdfx: fracture cancelled: %w", err)
		}
		cell := newCellSDF(centers, i, field.BoundingBox())
		chunk := &boundedSDF{SDF3: sdf.Intersect3D(field, cell), bb: field.BoundingBox()}

		renderer := render.NewMarchingCubesUniform(k.meshCells)
		triangles := render.ToTriangles(chunk, renderer)
		if len(triangles) == 0 {
			continue
		}
		faces := make([]face, 0, len(triangles))
		for _, tri := range triangles {
			n := tri.Normal()
			f := face{n: mgl32.Vec3{float32(n.X), float32(n.Y), float32(n.Z)}}
			for j := 0; j < 3; j++ {
				f.p[j] = mgl32.Vec3{float32(tri[j].X), float32(tri[j].Y), float32(tri[j].Z)}
			}
			faces = append(faces, f)
		}
		res.chunks = append(res.chunks, convert(faces, field, cell, bounds))
	}

	if res.ChunkCount()-kernel.FirstLeaf(replace) == 0 {
		return nil, fmt.Errorf("sdfx: fracture produced no chunks")
	}
	return res, nil
}

// face is one polygonized triangle with its face normal.
type face struct {
	p [3]mgl32.Vec3
	n mgl32.Vec3
}

// convert turns polygonized faces into a kernel triangle soup with face
// normals, planar UVs and inside/outside materials.
func convert(faces []face, field *meshSDF, cell *cellSDF, bounds kernel.Bounds) []kernel.Triangle {
	ext := bounds.Max.Sub(bounds.Min)
	scale := float32(1)
	if m := max(ext[0], ext[1], ext[2]); m > 0 {
		scale = 1 / m
	}

	out := make([]kernel.Triangle, 0, len(faces))
	for _, f := range faces {
		var verts [3]kernel.Vertex
		var centroid mgl64.Vec3
		for j, p := range f.p {
			verts[j] = kernel.Vertex{P: p, N: f.n, UV: planarUV(p.Sub(bounds.Min).Mul(scale), f.n)}
			centroid = centroid.Add(kernel.Vec64(p))
		}
		centroid = centroid.Mul(1.0 / 3)

		t := kernel.Triangle{A: verts[0], B: verts[1], C: verts[2], Material: kernel.MaterialOutside}
		if cell.eval(centroid) >= field.exact(centroid) {
			t.Material = kernel.MaterialInside
		}
		out = append(out, t)
	}
	return out
}

// planarUV projects p onto the plane most aligned with the face normal.
func planarUV(p, n mgl32.Vec3) mgl32.Vec2 {
	ax, ay, az := abs32(n[0]), abs32(n[1]), abs32(n[2])
	switch {
	case ax >= ay && ax >= az:
		return mgl32.Vec2{p[1], p[2]}
	case ay >= az:
		return mgl32.Vec2{p[0], p[2]}
	default:
		return mgl32.Vec2{p[0], p[1]}
	}
}

func abs32(f float32) float32 {
	if f < 0 {
		return -f
	}
	return f
}

// ---------------------------------------------------------------------------
// Result
// ---------------------------------------------------------------------------

type result struct {
	chunks [][]kernel.Triangle
}

func (r *result) ChunkCount() int { return len(r.chunks) }

func (r *result) ChunkTriangles(i int) []kernel.Triangle {
	if i < 0 || i >= len(r.chunks) {
		return nil
	}
	return r.chunks[i]
}

// ---------------------------------------------------------------------------
// Distance fields
// ---------------------------------------------------------------------------

// meshSDF is the signed distance field of a closed triangle mesh. Grid
// evaluations are memoized: every chunk of one fracture pass is rendered
// on the same grid, so the expensive mesh query runs once per grid point.
type meshSDF struct {
	mesh *kernel.Mesh
	bb   sdf.Box3

	mu    sync.Mutex
	cache map[v3.Vec]float64
}

var _ sdf.SDF3 = (*meshSDF)(nil)

func newMeshSDF(m *kernel.Mesh, b kernel.Bounds) *meshSDF {
	return &meshSDF{
		mesh: m,
		bb: sdf.Box3{
			Min: v3.Vec{X: float64(b.Min[0]), Y: float64(b.Min[1]), Z: float64(b.Min[2])},
			Max: v3.Vec{X: float64(b.Max[0]), Y: float64(b.Max[1]), Z: float64(b.Max[2])},
		},
		cache: make(map[v3.Vec]float64),
	}
}

// Evaluate returns the signed distance at p, negative inside.
func (s *meshSDF) Evaluate(p v3.Vec) float64 {
	s.mu.Lock()
	d, ok := s.cache[p]
	s.mu.Unlock()
	if ok {
		return d
	}
	d = s.exact(mgl64.Vec3{p.X, p.Y, p.Z})
	s.mu.Lock()
	s.cache[p] = d
	s.mu.Unlock()
	return d
}

func (s *meshSDF) exact(p mgl64.Vec3) float64 {
	d := s.mesh.Distance(p)
	if s.mesh.Inside(p) {
		return -d
	}
	return d
}

// BoundingBox returns the bounds of the source mesh.
func (s *meshSDF) BoundingBox() sdf.Box3 {
	return s.bb
}

// cellSDF is the Voronoi cell of one site: the maximum of the signed
// distances to the bisector planes with every other site.
type cellSDF struct {
	planes []plane
	bb     sdf.Box3
}

type plane struct {
	origin mgl64.Vec3
	normal mgl64.Vec3 // points away from the cell
}

var _ sdf.SDF3 = (*cellSDF)(nil)

func newCellSDF(sites []mgl64.Vec3, i int, bb sdf.Box3) *cellSDF {
	c := &cellSDF{bb: bb}
	for j, other := range sites {
		if j == i {
			continue
		}
		d := other.Sub(sites[i])
		if d.Len() == 0 {
			continue
		}
		c.planes = append(c.planes, plane{
			origin: sites[i].Add(other).Mul(0.5),
			normal: d.Normalize(),
		})
	}
	return c
}

func (c *cellSDF) eval(p mgl64.Vec3) float64 {
	d := math.Inf(-1)
	for _, pl := range c.planes {
		d = max(d, p.Sub(pl.origin).Dot(pl.normal))
	}
	if math.IsInf(d, -1) {
		// A single site owns all of space.
		return math.Inf(-1)
	}
	return d
}

// Evaluate returns the signed distance to the cell boundary.
func (c *cellSDF) Evaluate(p v3.Vec) float64 {
	return c.eval(mgl64.Vec3{p.X, p.Y, p.Z})
}

// BoundingBox returns the box the cell is clipped to.
func (c *cellSDF) BoundingBox() sdf.Box3 {
	return c.bb
}

// boundedSDF overrides the bounding box of a composed field so that every
// chunk is polygonized on the grid of the source mesh.
type boundedSDF struct {
	sdf.SDF3
	bb sdf.Box3
}

func (b *boundedSDF) BoundingBox() sdf.Box3 {
	return b.bb
}
