package kernel

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// Face materials. Outside faces lie on the original surface, inside faces
// were created by the fracture.
const (
	MaterialOutside uint8 = iota
	MaterialInside
)

// MaxVertices is the vertex limit of a mesh with 16-bit indices.
const MaxVertices = math.MaxUint16 + 1

// Vertex is one corner of a triangle in a fracture triangle soup.
type Vertex struct {
	P  mgl32.Vec3 // position
	N  mgl32.Vec3 // normal, zero if unknown
	UV mgl32.Vec2
}

// Triangle is one face of a triangle soup.
type Triangle struct {
	A, B, C  Vertex
	Material uint8
}

// Normal returns the unit face normal, or zero for a degenerate face.
func (t Triangle) Normal() mgl32.Vec3 {
	n := t.B.P.Sub(t.A.P).Cross(t.C.P.Sub(t.A.P))
	if n.Len() == 0 {
		return mgl32.Vec3{}
	}
	return n.Normalize()
}

// Mesh is an indexed triangle mesh handed to rendering and physics.
// Indices are 16-bit, three per triangle.
type Mesh struct {
	Name      string
	Positions []mgl32.Vec3
	Normals   []mgl32.Vec3
	UVs       []mgl32.Vec2
	Indices   []uint16
	Materials []uint8 // one per triangle, empty means all MaterialOutside
	Bounds    Bounds
}

// VertexCount returns the number of vertices.
func (m *Mesh) VertexCount() int {
	return len(m.Positions)
}

// TriangleCount returns the number of triangles.
func (m *Mesh) TriangleCount() int {
	return len(m.Indices) / 3
}

// IsEmpty returns true if the mesh has no geometry.
func (m *Mesh) IsEmpty() bool {
	return m == nil || len(m.Positions) == 0 || len(m.Indices) < 3
}

// Corners returns the positions of triangle i.
func (m *Mesh) Corners(i int) (a, b, c mgl32.Vec3) {
	return m.Positions[m.Indices[3*i]], m.Positions[m.Indices[3*i+1]], m.Positions[m.Indices[3*i+2]]
}

// Triangles expands the mesh back into a triangle soup, the input form
// of the fracturing kernel.
func (m *Mesh) Triangles() []Triangle {
	tris := make([]Triangle, 0, m.TriangleCount())
	for i := 0; i < m.TriangleCount(); i++ {
		t := Triangle{
			A: m.vertex(m.Indices[3*i]),
			B: m.vertex(m.Indices[3*i+1]),
			C: m.vertex(m.Indices[3*i+2]),
		}
		if i < len(m.Materials) {
			t.Material = m.Materials[i]
		}
		tris = append(tris, t)
	}
	return tris
}

func (m *Mesh) vertex(i uint16) Vertex {
	v := Vertex{P: m.Positions[i]}
	if int(i) < len(m.Normals) {
		v.N = m.Normals[i]
	}
	if int(i) < len(m.UVs) {
		v.UV = m.UVs[i]
	}
	return v
}

// Volume returns the enclosed volume of a closed mesh using the sum of
// signed tetrahedron volumes. The result is always non-negative.
func (m *Mesh) Volume() float32 {
	var v float64
	for i := 0; i < m.TriangleCount(); i++ {
		a, b, c := m.Corners(i)
		v += SignedTetraVolume(vec64(a), vec64(b), vec64(c))
	}
	return float32(math.Abs(v))
}

// Scaled returns a copy of the mesh with every position multiplied
// component-wise by s. Normals are re-normalized.
func (m *Mesh) Scaled(s mgl32.Vec3) *Mesh {
	out := &Mesh{
		Name:      m.Name,
		Positions: make([]mgl32.Vec3, len(m.Positions)),
		Normals:   make([]mgl32.Vec3, len(m.Normals)),
		UVs:       append([]mgl32.Vec2(nil), m.UVs...),
		Indices:   append([]uint16(nil), m.Indices...),
		Materials: append([]uint8(nil), m.Materials...),
	}
	for i, p := range m.Positions {
		out.Positions[i] = mgl32.Vec3{p[0] * s[0], p[1] * s[1], p[2] * s[2]}
	}
	for i, n := range m.Normals {
		// Normals transform by the inverse scale.
		scaled := mgl32.Vec3{n[0] / nonZero(s[0]), n[1] / nonZero(s[1]), n[2] / nonZero(s[2])}
		if scaled.Len() > 0 {
			scaled = scaled.Normalize()
		}
		out.Normals[i] = scaled
	}
	out.Bounds = BoundsOf(out.Positions)
	return out
}

func nonZero(f float32) float32 {
	if f == 0 {
		return 1
	}
	return f
}

// Bounds is an axis-aligned bounding box.
type Bounds struct {
	Min, Max mgl32.Vec3
}

// EmptyBounds returns an inverted box that any point will grow.
func EmptyBounds() Bounds {
	inf := float32(math.Inf(1))
	return Bounds{
		Min: mgl32.Vec3{inf, inf, inf},
		Max: mgl32.Vec3{-inf, -inf, -inf},
	}
}

// BoundsOf returns the bounds of a point set.
func BoundsOf(points []mgl32.Vec3) Bounds {
	b := EmptyBounds()
	for _, p := range points {
		b = b.Grow(p)
	}
	return b
}

// IsEmpty reports whether the box contains no point.
func (b Bounds) IsEmpty() bool {
	return b.Min[0] > b.Max[0] || b.Min[1] > b.Max[1] || b.Min[2] > b.Max[2]
}

// Grow returns the box extended to contain p.
func (b Bounds) Grow(p mgl32.Vec3) Bounds {
	for i := 0; i < 3; i++ {
		b.Min[i] = min(b.Min[i], p[i])
		b.Max[i] = max(b.Max[i], p[i])
	}
	return b
}

// Encapsulate returns the smallest box containing both b and o.
func (b Bounds) Encapsulate(o Bounds) Bounds {
	if o.IsEmpty() {
		return b
	}
	return b.Grow(o.Min).Grow(o.Max)
}

// Center returns the box center.
func (b Bounds) Center() mgl32.Vec3 {
	return b.Min.Add(b.Max).Mul(0.5)
}

// Extents returns the half size of the box.
func (b Bounds) Extents() mgl32.Vec3 {
	return b.Max.Sub(b.Min).Mul(0.5)
}

// Contains reports whether p lies inside or on the box.
func (b Bounds) Contains(p mgl32.Vec3) bool {
	for i := 0; i < 3; i++ {
		if p[i] < b.Min[i] || p[i] > b.Max[i] {
			return false
		}
	}
	return true
}
