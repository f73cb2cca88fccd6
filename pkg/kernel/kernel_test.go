package kernel

import (
	"context"
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/go-gl/mathgl/mgl64"
)

// unitCube returns a closed, outward-facing cube spanning [0,1]^3.
func unitCube() *Mesh {
	pos := []mgl32.Vec3{
		{0, 0, 0}, {1, 0, 0}, {1, 1, 0}, {0, 1, 0},
		{0, 0, 1}, {1, 0, 1}, {1, 1, 1}, {0, 1, 1},
	}
	idx := []uint16{
		0, 2, 1, 0, 3, 2, // -z
		4, 5, 6, 4, 6, 7, // +z
		0, 1, 5, 0, 5, 4, // -y
		3, 7, 6, 3, 6, 2, // +y
		0, 4, 7, 0, 7, 3, // -x
		1, 2, 6, 1, 6, 5, // +x
	}
	return &Mesh{Positions: pos, Indices: idx, Bounds: BoundsOf(pos)}
}

// --- Mesh helper method tests ---

func TestMeshVertexCount(t *testing.T) {
	tests := []struct {
		name      string
		positions []mgl32.Vec3
		want      int
	}{
		{"empty", nil, 0},
		{"one vertex", []mgl32.Vec3{{1, 2, 3}}, 1},
		{"four vertices", []mgl32.Vec3{{0, 0, 0}, {1, 0, 0}, {1, 1, 0}, {0, 1, 0}}, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &Mesh{Positions: tt.positions}
			if got := m.VertexCount(); got != tt.want {
				t.Errorf("VertexCount() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestMeshTriangleCount(t *testing.T) {
	tests := []struct {
		name    string
		indices []uint16
		want    int
	}{
		{"empty", nil, 0},
		{"one triangle", []uint16{0, 1, 2}, 1},
		{"two triangles", []uint16{0, 1, 2, 2, 3, 0}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &Mesh{Indices: tt.indices}
			if got := m.TriangleCount(); got != tt.want {
				t.Errorf("TriangleCount() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestMeshIsEmpty(t *testing.T) {
	t.Run("nil mesh", func(t *testing.T) {
		var m *Mesh
		if !m.IsEmpty() {
			t.Error("IsEmpty() = false for nil mesh, want true")
		}
	})
	t.Run("empty mesh", func(t *testing.T) {
		m := &Mesh{}
		if !m.IsEmpty() {
			t.Error("IsEmpty() = false for empty mesh, want true")
		}
	})
	t.Run("non-empty mesh", func(t *testing.T) {
		if unitCube().IsEmpty() {
			t.Error("IsEmpty() = true for cube, want false")
		}
	})
}

func TestMeshVolume(t *testing.T) {
	m := unitCube()
	if got := m.Volume(); math.Abs(float64(got)-1) > 1e-5 {
		t.Errorf("Volume() = %v, want 1", got)
	}

	// Flipping every triangle must not change the reported volume.
	flipped := unitCube()
	for i := 0; i < len(flipped.Indices); i += 3 {
		flipped.Indices[i+1], flipped.Indices[i+2] = flipped.Indices[i+2], flipped.Indices[i+1]
	}
	if got := flipped.Volume(); math.Abs(float64(got)-1) > 1e-5 {
		t.Errorf("flipped Volume() = %v, want 1", got)
	}

	scaled := m.Scaled(mgl32.Vec3{2, 3, 4})
	if got := scaled.Volume(); math.Abs(float64(got)-24) > 1e-4 {
		t.Errorf("scaled Volume() = %v, want 24", got)
	}
	if scaled.Bounds.Max != (mgl32.Vec3{2, 3, 4}) {
		t.Errorf("scaled Bounds.Max = %v, want [2 3 4]", scaled.Bounds.Max)
	}
}

func TestMeshTriangles(t *testing.T) {
	m := unitCube()
	m.Materials = make([]uint8, m.TriangleCount())
	m.Materials[3] = MaterialInside

	tris := m.Triangles()
	if len(tris) != 12 {
		t.Fatalf("Triangles() returned %d, want 12", len(tris))
	}
	if tris[3].Material != MaterialInside {
		t.Errorf("triangle 3 material = %d, want inside", tris[3].Material)
	}
	// -z face normals point down.
	if n := tris[0].Normal(); n[2] > -0.99 {
		t.Errorf("triangle 0 normal = %v, want -Z", n)
	}
}

// --- Bounds ---

func TestBounds(t *testing.T) {
	b := EmptyBounds()
	if !b.IsEmpty() {
		t.Fatal("EmptyBounds().IsEmpty() = false")
	}
	b = b.Grow(mgl32.Vec3{1, 2, 3}).Grow(mgl32.Vec3{-1, 0, 1})
	if b.Center() != (mgl32.Vec3{0, 1, 2}) {
		t.Errorf("Center() = %v, want [0 1 2]", b.Center())
	}
	if b.Extents() != (mgl32.Vec3{1, 1, 1}) {
		t.Errorf("Extents() = %v, want [1 1 1]", b.Extents())
	}

	other := Bounds{Min: mgl32.Vec3{5, 5, 5}, Max: mgl32.Vec3{6, 6, 6}}
	u := b.Encapsulate(other)
	if u.Min != (mgl32.Vec3{-1, 0, 1}) || u.Max != (mgl32.Vec3{6, 6, 6}) {
		t.Errorf("Encapsulate() = %v, want [-1 0 1]..[6 6 6]", u)
	}
	if got := b.Encapsulate(EmptyBounds()); got != b {
		t.Errorf("Encapsulate(empty) = %v, want %v", got, b)
	}
	if !u.Contains(mgl32.Vec3{3, 3, 3}) {
		t.Error("Contains([3 3 3]) = false, want true")
	}
	if u.Contains(mgl32.Vec3{7, 0, 0}) {
		t.Error("Contains([7 0 0]) = true, want false")
	}
}

// --- Geometry helpers ---

func TestClosestPointOnTriangle(t *testing.T) {
	a := mgl64.Vec3{0, 0, 0}
	b := mgl64.Vec3{1, 0, 0}
	c := mgl64.Vec3{0, 1, 0}
	tests := []struct {
		name string
		p    mgl64.Vec3
		want mgl64.Vec3
	}{
		{"above interior", mgl64.Vec3{0.25, 0.25, 1}, mgl64.Vec3{0.25, 0.25, 0}},
		{"vertex region a", mgl64.Vec3{-1, -1, 0}, a},
		{"vertex region b", mgl64.Vec3{2, -0.5, 0}, b},
		{"edge ab", mgl64.Vec3{0.5, -1, 0}, mgl64.Vec3{0.5, 0, 0}},
		{"edge bc", mgl64.Vec3{1, 1, 0}, mgl64.Vec3{0.5, 0.5, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClosestPointOnTriangle(tt.p, a, b, c)
			if !got.ApproxEqualThreshold(tt.want, 1e-9) {
				t.Errorf("ClosestPointOnTriangle(%v) = %v, want %v", tt.p, got, tt.want)
			}
		})
	}
}

func TestInsideAndDistance(t *testing.T) {
	m := unitCube()
	tests := []struct {
		name   string
		p      mgl64.Vec3
		inside bool
		dist   float64
	}{
		{"center", mgl64.Vec3{0.5, 0.5, 0.5}, true, 0.5},
		{"near face", mgl64.Vec3{0.9, 0.5, 0.5}, true, 0.1},
		{"outside", mgl64.Vec3{2, 0.5, 0.5}, false, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.Inside(tt.p); got != tt.inside {
				t.Errorf("Inside(%v) = %v, want %v (winding %v)", tt.p, got, tt.inside, m.WindingNumber(tt.p))
			}
			if got := m.Distance(tt.p); math.Abs(got-tt.dist) > 1e-9 {
				t.Errorf("Distance(%v) = %v, want %v", tt.p, got, tt.dist)
			}
		})
	}
}

func TestFirstLeaf(t *testing.T) {
	if FirstLeaf(false) != 1 {
		t.Errorf("FirstLeaf(false) = %d, want 1", FirstLeaf(false))
	}
	if FirstLeaf(true) != 0 {
		t.Errorf("FirstLeaf(true) = %d, want 0", FirstLeaf(true))
	}
}

// --- Compile-time interface check with a stub kernel ---

type stubResult struct{ chunks [][]Triangle }

func (r stubResult) ChunkCount() int                 { return len(r.chunks) }
func (r stubResult) ChunkTriangles(i int) []Triangle { return r.chunks[i] }

// stubKernel is a minimal Kernel implementation that proves the interface
// is satisfiable. Every site gets the full source mesh.
type stubKernel struct{}

func (stubKernel) GenerateSites(src *Mesh, count int, seed int64) ([]mgl32.Vec3, error) {
	if src.IsEmpty() {
		return nil, ErrNoSites
	}
	sites := make([]mgl32.Vec3, count)
	for i := range sites {
		sites[i] = src.Bounds.Center()
	}
	return sites, nil
}

func (stubKernel) Fracture(ctx context.Context, src *Mesh, sites []mgl32.Vec3, replace bool) (Result, error) {
	var r stubResult
	if !replace {
		r.chunks = append(r.chunks, src.Triangles())
	}
	for range sites {
		r.chunks = append(r.chunks, src.Triangles())
	}
	return r, nil
}

var _ Kernel = stubKernel{}

func TestStubKernel(t *testing.T) {
	var k Kernel = stubKernel{}
	src := unitCube()
	sites, err := k.GenerateSites(src, 3, 1)
	if err != nil {
		t.Fatalf("GenerateSites failed: %v", err)
	}
	res, err := k.Fracture(context.Background(), src, sites, false)
	if err != nil {
		t.Fatalf("Fracture failed: %v", err)
	}
	if got := res.ChunkCount() - FirstLeaf(false); got != 3 {
		t.Errorf("leaf chunk count = %d, want 3", got)
	}
	if _, err := k.GenerateSites(&Mesh{}, 3, 1); err != ErrNoSites {
		t.Errorf("GenerateSites(empty) error = %v, want ErrNoSites", err)
	}
}
