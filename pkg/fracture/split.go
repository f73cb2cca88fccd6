package fracture

import (
	"context"
	"fmt"

	"github.com/chazu/splinter/pkg/physics"
	"github.com/chazu/splinter/pkg/scene"
)

// Split re-fractures the chunk backed by actor into a nested destructible
// one generation deeper. The chunk's joints are released, its actor and
// entity are removed, and its former neighbours are re-evaluated on the
// next Step. Children of an anchored chunk are anchored against the
// parent's anchor faces; children of a released chunk start dynamic.
// Frozen children are re-evaluated on the next Step, and those that reach
// no anchor are released.
func (s *Subsystem) Split(ctx context.Context, actor physics.ActorID) (DestructibleID, error) {
	d, ok := s.Owner(actor)
	if !ok {
		return NilID, fmt.Errorf("%w: %d", ErrUnknownActor, actor)
	}
	node, ok := d.manager.Node(actor)
	if !ok || node.Detached {
		return NilID, fmt.Errorf("%w: %d", ErrUnknownActor, actor)
	}
	if node.SplitGeneration >= s.cfg.Split.MaxGeneration {
		return NilID, fmt.Errorf("%w: actor %d at generation %d", ErrSplitGenerationCap, actor, node.SplitGeneration)
	}
	mesh, _ := d.ChunkMesh(actor)

	pose, ok := s.engine.Pose(actor)
	if !ok {
		pose = d.pose
	}
	pieces := max(s.cfg.Split.Pieces, 2)

	b := buildSpec{
		name:       fmt.Sprintf("%s.split%d", d.Name, actor),
		mesh:       mesh,
		pose:       pose,
		count:      pieces,
		seed:       d.seed + int64(actor),
		inside:     d.inside,
		outside:    d.outside,
		joints:     d.joints,
		density:    d.density,
		generation: node.SplitGeneration + 1,
		parent:     d.ID,
		dynamic:    !node.Frozen,
		settle:     true,
	}
	if node.Anchored {
		b.anchor = d.Anchor
		b.anchorFrame = &anchorFrame{pose: d.pose, bounds: d.bounds}
	}

	child, err := s.build(ctx, b)
	if err != nil {
		return NilID, err
	}

	if _, err := d.manager.Detach(actor); err != nil {
		d.log.Error("detach split chunk", "actor", actor, "error", err)
	}
	s.retireChunk(d, actor)
	d.log.Info("chunk split", "actor", actor, "child", child.ID.String(), "pieces", len(child.chunks))
	return child.ID, nil
}

// retireChunk removes a chunk's actor and entity and stops routing events
// for it. The graph node stays, detached.
func (s *Subsystem) retireChunk(d *Destructible, actor physics.ActorID) {
	s.mu.Lock()
	if s.owners[actor] == d {
		delete(s.owners, actor)
	}
	i, ok := d.byActor[actor]
	var c chunk
	if ok {
		c = d.chunks[i]
		d.chunks = append(d.chunks[:i], d.chunks[i+1:]...)
		delete(d.byActor, actor)
		for j := i; j < len(d.chunks); j++ {
			d.byActor[d.chunks[j].actor] = j
		}
	}
	s.mu.Unlock()

	s.engine.DestroyActor(actor)
	if ok && c.entity != scene.NoEntity {
		s.registry.Destroy(c.entity)
	}
}
