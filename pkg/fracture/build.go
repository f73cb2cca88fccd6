package fracture

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/chazu/splinter/pkg/graph"
	"github.com/chazu/splinter/pkg/kernel"
	"github.com/chazu/splinter/pkg/physics"
	"github.com/chazu/splinter/pkg/scene"
	"github.com/chazu/splinter/pkg/tessellate"
	"github.com/google/uuid"
)

// buildSpec is everything needed to turn one mesh into a destructible.
type buildSpec struct {
	name            string
	mesh            *kernel.Mesh
	pose            physics.Pose
	count           int
	seed            int64
	inside, outside *scene.Material
	joints          jointSettings
	density         float32
	generation      uint32
	parent          DestructibleID

	// Anchor slabs are laid on the faces of anchorFrame. Nil uses the
	// composite bounds of the new chunks placed by pose.
	anchor      Anchor
	anchorFrame *anchorFrame

	// dynamic releases every non-anchored chunk right after setup.
	dynamic bool
	// settle queues every chunk for the next Update, so components that
	// reach no anchor are released there.
	settle bool
}

// anchorFrame is the box whose faces anchor a destructible.
type anchorFrame struct {
	pose   physics.Pose
	bounds kernel.Bounds
}

// build cuts b.mesh, creates one actor and entity per chunk, joins touching
// chunks, sets up the graph and anchors it. On failure everything created
// so far is removed again.
func (s *Subsystem) build(ctx context.Context, b buildSpec) (*Destructible, error) {
	meshes, err := s.chunkMeshes(ctx, b)
	if err != nil {
		return nil, err
	}

	mass := s.chunkMass(b)
	id := DestructibleID(uuid.New())
	log := s.log.With("destructible", id.String(), "name", b.name)
	d := &Destructible{
		ID:         id,
		Name:       b.name,
		Parent:     b.parent,
		Generation: b.generation,
		Anchor:     b.anchor,
		pose:       b.pose,
		bounds:     kernel.EmptyBounds(),
		byActor:    make(map[physics.ActorID]int, len(meshes)),
		log:        log,
		seed:       b.seed,
		density:    b.density,
		joints:     b.joints,
		inside:     b.inside,
		outside:    b.outside,
		manager: graph.NewManager(s.engine, &s.lock, graph.Policy{
			SplitImpulse:       s.cfg.Split.Impulse,
			MaxSplitGeneration: s.cfg.Split.MaxGeneration,
		}, log),
	}

	d.Root = s.registry.Create("Fracture")
	rootT := scene.IdentityTransform()
	rootT.Position, rootT.Rotation = b.pose.Position, b.pose.Rotation
	if err := s.registry.SetTransform(d.Root, rootT); err != nil {
		s.teardown(d)
		return nil, fmt.Errorf("fracture: root transform: %w", err)
	}

	for i, m := range meshes {
		if err := s.addChunk(d, i, m, mass, b); err != nil {
			s.teardown(d)
			return nil, err
		}
	}

	linked := make(map[actorPair]bool)
	for i := range d.chunks {
		if _, err := s.connectTouchingChunks(d, i, b.joints, linked); err != nil {
			s.teardown(d)
			return nil, err
		}
	}

	handles := make([]graph.Chunk, len(d.chunks))
	for i, c := range d.chunks {
		handles[i] = graph.Chunk{Handle: c.actor, Entity: c.entity}
	}
	if err := d.manager.Setup(handles, b.generation); err != nil {
		s.teardown(d)
		return nil, fmt.Errorf("fracture: graph setup: %w", err)
	}

	frame := anchorFrame{pose: b.pose, bounds: d.bounds}
	if b.anchorFrame != nil {
		frame = *b.anchorFrame
	}
	anchored := s.anchorChunks(d, b.anchor, frame.pose, frame.bounds)

	switch {
	case b.dynamic:
		for _, c := range d.chunks {
			if _, err := d.manager.Unfreeze(c.actor); err != nil {
				log.Error("release chunk", "actor", c.actor, "error", err)
			}
		}
	case b.settle:
		for _, c := range d.chunks {
			d.manager.Invalidate(c.actor)
		}
	}

	s.register(d)
	log.Info("destructible created",
		"chunks", len(d.chunks),
		"joints", len(linked),
		"anchored", anchored,
		"generation", b.generation,
		"mass", mass)
	return d, nil
}

// chunkMeshes produces the chunk meshes of b in root space.
func (s *Subsystem) chunkMeshes(ctx context.Context, b buildSpec) ([]*kernel.Mesh, error) {
	if b.count == 1 {
		m := *b.mesh
		if m.Bounds.IsEmpty() {
			m.Bounds = kernel.BoundsOf(m.Positions)
		}
		return []*kernel.Mesh{&m}, nil
	}

	sites, err := s.kernel.GenerateSites(b.mesh, b.count, b.seed)
	if err != nil {
		return nil, fmt.Errorf("%w: sites: %w", ErrFractureFailed, err)
	}
	const replace = true
	res, err := s.kernel.Fracture(ctx, b.mesh, sites, replace)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFractureFailed, err)
	}

	var meshes []*kernel.Mesh
	for i := kernel.FirstLeaf(replace); i < res.ChunkCount(); i++ {
		name := fmt.Sprintf("%s.chunk%d", b.name, i)
		m, rep, err := tessellate.ChunkMesh(name, res.ChunkTriangles(i))
		switch {
		case errors.Is(err, tessellate.ErrNoTriangles):
			s.log.Warn("empty chunk skipped", "name", b.name, "chunk", i)
			continue
		case err != nil:
			return nil, fmt.Errorf("%w: %w", ErrFractureFailed, err)
		}
		if !rep.Closed() {
			s.log.Warn("chunk mesh is not closed",
				"name", b.name,
				"chunk", i,
				"open_edges", rep.RemainingOpen,
				"non_manifold", rep.NonManifoldEdges)
		}
		meshes = append(meshes, m)
	}
	if len(meshes) == 0 {
		return nil, fmt.Errorf("%w: no chunks produced", ErrFractureFailed)
	}
	return meshes, nil
}

// chunkMass splits the source mass evenly between the requested chunks.
func (s *Subsystem) chunkMass(b buildSpec) float32 {
	mass := float32(math.Abs(float64(b.mesh.Volume()))) * b.density / float32(b.count)
	if mass <= 0 || math.IsNaN(float64(mass)) {
		return s.cfg.Body.Mass
	}
	return mass
}

func (s *Subsystem) tuning() physics.BodyTuning {
	bc := s.cfg.Body
	return physics.BodyTuning{
		MaxAngularVelocity:       bc.MaxAngularVelocity,
		LinearDamping:            bc.LinearDamping,
		AngularDamping:           bc.AngularDamping,
		PositionIterations:       bc.PositionIterations,
		VelocityIterations:       bc.VelocityIterations,
		MaxDepenetrationVelocity: bc.MaxDepenetrationVelocity,
		MaxContactImpulse:        bc.MaxContactImpulse,
	}
}

// addChunk creates the actor and entity of chunk i.
func (s *Subsystem) addChunk(d *Destructible, i int, m *kernel.Mesh, mass float32, b buildSpec) error {
	name := fmt.Sprintf("%s.chunk%d", b.name, i)
	actor, err := s.engine.CreateActor(physics.BodyDesc{
		Name:      name,
		Pose:      b.pose,
		Mass:      mass,
		Shape:     m,
		Kinematic: true,
		Tuning:    s.tuning(),
	})
	if err != nil {
		return fmt.Errorf("fracture: create %s: %w", name, err)
	}
	// Track the actor first so a failure below still removes it.
	d.byActor[actor] = len(d.chunks)
	d.chunks = append(d.chunks, chunk{actor: actor, mesh: m})

	e := s.registry.Create(name)
	d.chunks[len(d.chunks)-1].entity = e
	if err := s.registry.SetParent(e, d.Root); err != nil {
		return fmt.Errorf("fracture: parent %s: %w", name, err)
	}
	if err := s.registry.SetTransform(e, scene.IdentityTransform()); err != nil {
		return fmt.Errorf("fracture: transform %s: %w", name, err)
	}
	if err := s.registry.AttachMesh(e, scene.MeshComponent{Mesh: m, Outside: b.outside, Inside: b.inside}); err != nil {
		return fmt.Errorf("fracture: mesh %s: %w", name, err)
	}
	if err := s.registry.AttachBody(e, scene.BodyComponent{Actor: actor}); err != nil {
		return fmt.Errorf("fracture: body %s: %w", name, err)
	}
	d.bounds = d.bounds.Encapsulate(m.Bounds)
	return nil
}
