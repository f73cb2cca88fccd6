package kernel

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/go-gl/mathgl/mgl64"
)

// Geometry helpers shared by kernel backends. They work in float64 so that
// distance and winding queries stay stable near chunk boundaries.

func vec64(v mgl32.Vec3) mgl64.Vec3 {
	return mgl64.Vec3{float64(v[0]), float64(v[1]), float64(v[2])}
}

// Vec64 converts a single precision vector to double precision.
func Vec64(v mgl32.Vec3) mgl64.Vec3 { return vec64(v) }

// Vec32 converts a double precision vector to single precision.
func Vec32(v mgl64.Vec3) mgl32.Vec3 {
	return mgl32.Vec3{float32(v[0]), float32(v[1]), float32(v[2])}
}

// SignedTetraVolume returns the signed volume of the tetrahedron formed by
// the origin and the triangle abc.
func SignedTetraVolume(a, b, c mgl64.Vec3) float64 {
	return a.Dot(b.Cross(c)) / 6
}

// ClosestPointOnTriangle returns the point of triangle abc nearest to p.
func ClosestPointOnTriangle(p, a, b, c mgl64.Vec3) mgl64.Vec3 {
	ab := b.Sub(a)
	ac := c.Sub(a)
	ap := p.Sub(a)
	d1 := ab.Dot(ap)
	d2 := ac.Dot(ap)
	if d1 <= 0 && d2 <= 0 {
		return a
	}

	bp := p.Sub(b)
	d3 := ab.Dot(bp)
	d4 := ac.Dot(bp)
	if d3 >= 0 && d4 <= d3 {
		return b
	}

	vc := d1*d4 - d3*d2
	if vc <= 0 && d1 >= 0 && d3 <= 0 {
		return a.Add(ab.Mul(d1 / (d1 - d3)))
	}

	cp := p.Sub(c)
	d5 := ab.Dot(cp)
	d6 := ac.Dot(cp)
	if d6 >= 0 && d5 <= d6 {
		return c
	}

	vb := d5*d2 - d1*d6
	if vb <= 0 && d2 >= 0 && d6 <= 0 {
		return a.Add(ac.Mul(d2 / (d2 - d6)))
	}

	va := d3*d6 - d5*d4
	if va <= 0 && (d4-d3) >= 0 && (d5-d6) >= 0 {
		w := (d4 - d3) / ((d4 - d3) + (d5 - d6))
		return b.Add(c.Sub(b).Mul(w))
	}

	denom := 1 / (va + vb + vc)
	v := vb * denom
	w := vc * denom
	return a.Add(ab.Mul(v)).Add(ac.Mul(w))
}

// SolidAngle returns the signed solid angle subtended by triangle abc as
// seen from p (Van Oosterom and Strackee).
func SolidAngle(p, a, b, c mgl64.Vec3) float64 {
	ra := a.Sub(p)
	rb := b.Sub(p)
	rc := c.Sub(p)
	la, lb, lc := ra.Len(), rb.Len(), rc.Len()
	num := ra.Dot(rb.Cross(rc))
	den := la*lb*lc + ra.Dot(rb)*lc + rb.Dot(rc)*la + rc.Dot(ra)*lb
	return 2 * math.Atan2(num, den)
}

// WindingNumber returns the generalized winding number of point p with
// respect to the mesh. It is ~1 inside a closed outward-facing mesh and ~0
// outside.
func (m *Mesh) WindingNumber(p mgl64.Vec3) float64 {
	var total float64
	for i := 0; i < m.TriangleCount(); i++ {
		a, b, c := m.Corners(i)
		total += SolidAngle(p, vec64(a), vec64(b), vec64(c))
	}
	return total / (4 * math.Pi)
}

// Inside reports whether p lies inside the closed mesh.
func (m *Mesh) Inside(p mgl64.Vec3) bool {
	return m.WindingNumber(p) > 0.5
}

// Distance returns the unsigned distance from p to the mesh surface.
func (m *Mesh) Distance(p mgl64.Vec3) float64 {
	best := math.Inf(1)
	for i := 0; i < m.TriangleCount(); i++ {
		a, b, c := m.Corners(i)
		q := ClosestPointOnTriangle(p, vec64(a), vec64(b), vec64(c))
		if d := q.Sub(p).Len(); d < best {
			best = d
		}
	}
	return best
}
