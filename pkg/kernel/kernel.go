// Package kernel defines the abstract fracturing kernel interface.
// Implementations (sdfx) decompose a closed source mesh into Voronoi
// chunks behind this interface. The kernel abstraction allows swapping
// backends without changing the fracture pipeline.
package kernel

import (
	"context"
	"errors"

	"github.com/go-gl/mathgl/mgl32"
)

// ErrNoSites is returned when site generation cannot place any site
// inside the source mesh.
var ErrNoSites = errors.New("kernel: no voronoi sites inside mesh")

// Result is the output of one fracture pass. It is read-only.
//
// When the pass was run with replace set to false, chunk 0 is the
// unfractured source and the produced pieces start at index 1.
type Result interface {
	// ChunkCount returns the number of chunks, including the source
	// chunk when it was kept.
	ChunkCount() int

	// ChunkTriangles returns the triangle soup of chunk i.
	ChunkTriangles(i int) []Triangle
}

// Kernel is the abstract fracturing kernel interface.
type Kernel interface {
	// GenerateSites places count Voronoi sites uniformly inside src.
	// The same seed always yields the same sites for the same mesh.
	GenerateSites(src *Mesh, count int, seed int64) ([]mgl32.Vec3, error)

	// Fracture splits src into one chunk per site. A non-nil error means
	// the pass failed as a whole and no partial result is available.
	Fracture(ctx context.Context, src *Mesh, sites []mgl32.Vec3, replace bool) (Result, error)
}

// FirstLeaf returns the index of the first produced piece of a result
// obtained with the given replace flag.
func FirstLeaf(replace bool) int {
	if replace {
		return 0
	}
	return 1
}
