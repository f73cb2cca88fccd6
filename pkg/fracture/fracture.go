package fracture

import (
	"context"

	"github.com/chazu/splinter/pkg/kernel"
	"github.com/chazu/splinter/pkg/physics"
	"github.com/chazu/splinter/pkg/scene"
)

// Request describes one object to fracture. Zero joint and density
// values fall back to the subsystem configuration.
type Request struct {
	Name       string
	Mesh       *kernel.Mesh // source mesh, in object space
	Pose       physics.Pose
	Anchor     Anchor
	Seed       int64
	ChunkCount int

	Inside  *scene.Material // faces created by cutting
	Outside *scene.Material // faces of the source surface

	BreakForce  float32
	BreakTorque float32
	Density     float32
	TouchRadius float32
}

// Fracture cuts req.Mesh into req.ChunkCount chunks and turns them into a
// destructible: one kinematic actor and one entity per chunk under a root
// entity named "Fracture", touching chunks joined by breakable joints, and
// a frozen connectivity graph with the anchored chunks pinned.
//
// A chunk count of one skips cutting and uses the source mesh as the only
// chunk. On any failure nothing is created and NilID is returned.
func (s *Subsystem) Fracture(ctx context.Context, req Request) (DestructibleID, error) {
	if s.isClosed() {
		return NilID, ErrClosed
	}
	if req.ChunkCount < 1 {
		return NilID, ErrInvalidChunkCount
	}
	if req.Mesh.IsEmpty() {
		return NilID, ErrEmptyMesh
	}
	if err := ctx.Err(); err != nil {
		return NilID, err
	}

	fc := s.cfg.Fracture
	pose := req.Pose
	if pose.Rotation.Len() == 0 {
		pose.Rotation = physics.Identity().Rotation
	}
	name := req.Name
	if name == "" {
		name = req.Mesh.Name
	}

	d, err := s.build(ctx, buildSpec{
		name:    name,
		mesh:    req.Mesh,
		pose:    pose,
		count:   req.ChunkCount,
		seed:    req.Seed,
		inside:  req.Inside,
		outside: req.Outside,
		joints: jointSettings{
			radius:      orDefault(req.TouchRadius, fc.TouchRadius),
			breakForce:  orDefault(req.BreakForce, fc.BreakForce),
			breakTorque: orDefault(req.BreakTorque, fc.BreakTorque),
		},
		density: orDefault(req.Density, fc.Density),
		anchor:  req.Anchor,
	})
	if err != nil {
		s.log.Warn("fracture failed", "name", name, "chunks", req.ChunkCount, "error", err)
		return NilID, err
	}
	return d.ID, nil
}

func orDefault(v, def float32) float32 {
	if v == 0 {
		return def
	}
	return v
}
