// Package fracture turns meshes into destructible objects: it cuts a
// source mesh into Voronoi chunks, creates one rigid body per chunk, glues
// touching chunks with breakable joints and keeps a connectivity graph per
// object that decides which chunks fall once joints break.
//
// A Subsystem owns every piece of shared state (the graph lock, the
// actor-to-manager routing table, the split queue), so several subsystems
// can run side by side.
package fracture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/chazu/splinter/pkg/config"
	"github.com/chazu/splinter/pkg/graph"
	"github.com/chazu/splinter/pkg/kernel"
	"github.com/chazu/splinter/pkg/physics"
	"github.com/chazu/splinter/pkg/scene"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

// Errors returned by the subsystem.
var (
	ErrInvalidChunkCount   = errors.New("fracture: chunk count must be at least 1")
	ErrEmptyMesh           = errors.New("fracture: source mesh is empty")
	ErrFractureFailed      = errors.New("fracture: kernel failed")
	ErrUnknownDestructible = errors.New("fracture: unknown destructible")
	ErrUnknownActor        = errors.New("fracture: actor is not a chunk")
	ErrSplitGenerationCap  = errors.New("fracture: split generation cap reached")
	ErrClosed              = errors.New("fracture: subsystem closed")
)

// DestructibleID identifies one fractured object.
type DestructibleID uuid.UUID

// NilID is returned when no destructible was created.
var NilID DestructibleID

func (id DestructibleID) String() string { return uuid.UUID(id).String() }

// IsNil reports whether id is the empty handle.
func (id DestructibleID) IsNil() bool { return id == NilID }

// chunk is one piece of a destructible.
type chunk struct {
	actor  physics.ActorID
	entity scene.EntityID
	mesh   *kernel.Mesh // local to the destructible root
}

// Destructible is a fractured object: a root entity, its chunks and the
// graph that connects them.
type Destructible struct {
	ID         DestructibleID
	Name       string
	Parent     DestructibleID // set for sub-fractured chunks
	Root       scene.EntityID
	Generation uint32
	Anchor     Anchor

	pose    physics.Pose  // root pose at creation
	bounds  kernel.Bounds // composite local bounds
	chunks  []chunk
	byActor map[physics.ActorID]int
	manager *graph.Manager
	log     *slog.Logger

	// Settings reused when a chunk is split.
	seed            int64
	density         float32
	joints          jointSettings
	inside, outside *scene.Material
}

// Manager returns the connectivity graph of d.
func (d *Destructible) Manager() *graph.Manager { return d.manager }

// Actors returns the chunk actors in creation order.
func (d *Destructible) Actors() []physics.ActorID {
	return lo.Map(d.chunks, func(c chunk, _ int) physics.ActorID { return c.actor })
}

// Entities returns the chunk entities in creation order.
func (d *Destructible) Entities() []scene.EntityID {
	return lo.Map(d.chunks, func(c chunk, _ int) scene.EntityID { return c.entity })
}

// ChunkMesh returns the mesh of the chunk backed by actor.
func (d *Destructible) ChunkMesh(actor physics.ActorID) (*kernel.Mesh, bool) {
	i, ok := d.byActor[actor]
	if !ok {
		return nil, false
	}
	return d.chunks[i].mesh, true
}

// Bounds returns the composite bounds of every chunk mesh, in root space.
func (d *Destructible) Bounds() kernel.Bounds { return d.bounds }

// Pose returns the root pose the destructible was created with.
func (d *Destructible) Pose() physics.Pose { return d.pose }

// Inside and Outside return the chunk materials. Either may be nil.
func (d *Destructible) Inside() *scene.Material  { return d.inside }
func (d *Destructible) Outside() *scene.Material { return d.outside }

// StepReport summarizes one Subsystem.Step.
type StepReport struct {
	Unfrozen []physics.ActorID
	Split    []DestructibleID
}

// Subsystem runs fracturing and destruction for one physics world.
type Subsystem struct {
	cfg      *config.Config
	kernel   kernel.Kernel
	engine   physics.Engine
	registry scene.Registry
	log      *slog.Logger

	// lock guards every manager's graph state.
	lock graph.SpinLock

	mu           sync.RWMutex
	destructible map[DestructibleID]*Destructible
	order        []DestructibleID
	owners       map[physics.ActorID]*Destructible
	closed       bool

	splitMu    sync.Mutex
	splitQueue []physics.ActorID

	recorder *graph.Recorder
}

// New creates a subsystem and installs its break handler on engine. A nil
// config uses config.Default(); a nil logger uses slog.Default().
func New(cfg *config.Config, k kernel.Kernel, engine physics.Engine, registry scene.Registry, log *slog.Logger) *Subsystem {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Subsystem{
		cfg:          cfg,
		kernel:       k,
		engine:       engine,
		registry:     registry,
		log:          log,
		destructible: make(map[DestructibleID]*Destructible),
		owners:       make(map[physics.ActorID]*Destructible),
	}
	engine.SetBreakHandler(s.onBreak)
	return s
}

// Config returns the configuration in use.
func (s *Subsystem) Config() *config.Config { return s.cfg }

// Record starts recording every break routed by the subsystem. Nil stops.
func (s *Subsystem) Record(r *graph.Recorder) {
	s.mu.Lock()
	s.recorder = r
	for _, d := range s.destructible {
		d.manager.SetRecorder(r)
	}
	s.mu.Unlock()
}

// onBreak routes an engine break event to the manager owning its actors.
// It runs on engine worker goroutines.
func (s *Subsystem) onBreak(ev physics.BreakEvent) {
	s.mu.RLock()
	d := s.owners[ev.ActorA]
	if d == nil {
		d = s.owners[ev.ActorB]
	}
	s.mu.RUnlock()
	if d == nil {
		return
	}
	d.manager.OnJointBreak(ev)
}

// Get returns the destructible with the given id.
func (s *Subsystem) Get(id DestructibleID) (*Destructible, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.destructible[id]
	return d, ok
}

// Owner returns the destructible that owns actor.
func (s *Subsystem) Owner(actor physics.ActorID) (*Destructible, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.owners[actor]
	return d, ok
}

// List returns the live destructibles in creation order.
func (s *Subsystem) List() []DestructibleID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.order)
}

func (s *Subsystem) register(d *Destructible) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destructible[d.ID] = d
	s.order = append(s.order, d.ID)
	for _, c := range d.chunks {
		s.owners[c.actor] = d
	}
	if s.recorder != nil {
		d.manager.SetRecorder(s.recorder)
	}
}

// ---------------------------------------------------------------------------
// Step
// ---------------------------------------------------------------------------

// Step advances the engine, re-evaluates every graph touched by breaks,
// re-pins frozen chunks, runs queued splits and copies chunk poses into the
// scene.
func (s *Subsystem) Step(ctx context.Context, dt float32) (StepReport, error) {
	var rep StepReport
	if s.isClosed() {
		return rep, ErrClosed
	}
	if err := s.engine.Step(ctx, dt); err != nil {
		return rep, fmt.Errorf("fracture: step: %w", err)
	}

	for _, d := range s.snapshot() {
		ur := d.manager.Update()
		if len(ur.Unfrozen) > 0 {
			d.log.Debug("chunks released", "count", len(ur.Unfrozen), "components", ur.Components)
			rep.Unfrozen = append(rep.Unfrozen, ur.Unfrozen...)
		}
		d.manager.Pin()
	}

	for _, actor := range s.drainSplits() {
		id, err := s.Split(ctx, actor)
		switch {
		case err == nil:
			rep.Split = append(rep.Split, id)
		case errors.Is(err, ErrSplitGenerationCap), errors.Is(err, ErrUnknownActor):
			s.log.Debug("split skipped", "actor", actor, "error", err)
		case ctx.Err() != nil:
			return rep, ctx.Err()
		default:
			s.log.Warn("split failed", "actor", actor, "error", err)
		}
	}

	s.syncTransforms()
	return rep, nil
}

func (s *Subsystem) snapshot() []*Destructible {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Destructible, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.destructible[id])
	}
	return out
}

func (s *Subsystem) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// syncTransforms writes every chunk's engine pose into its entity, relative
// to the destructible root.
func (s *Subsystem) syncTransforms() {
	for _, d := range s.snapshot() {
		rootInv := d.pose.Inverse()
		for _, e := range s.registry.Children(d.Root) {
			body, ok := s.registry.Body(e)
			if !ok {
				d.log.Error("chunk entity has no body component", "entity", e)
				continue
			}
			pose, ok := s.engine.Pose(body.Actor)
			if !ok {
				continue
			}
			local := rootInv.Mul(pose)
			t, ok := s.registry.Transform(e)
			if !ok {
				t = scene.IdentityTransform()
			}
			t.Position, t.Rotation = local.Position, local.Rotation
			if err := s.registry.SetTransform(e, t); err != nil {
				d.log.Error("sync chunk transform", "entity", e, "error", err)
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Damage
// ---------------------------------------------------------------------------

// Damage applies an impulse to a chunk. Joints weaker than the impulse
// break at once; a hit strong enough queues the chunk for sub-fracturing
// on the next Step.
func (s *Subsystem) Damage(actor physics.ActorID, impulse mgl32.Vec3) (graph.DamageResult, error) {
	d, ok := s.Owner(actor)
	if !ok {
		return graph.DamageResult{}, fmt.Errorf("%w: %d", ErrUnknownActor, actor)
	}
	res, err := d.manager.ProcessDamage(actor, impulse)
	if err != nil {
		return res, err
	}
	s.engine.ApplyImpulse(actor, impulse)
	if res.SplitRequested {
		s.splitMu.Lock()
		if !slices.Contains(s.splitQueue, actor) {
			s.splitQueue = append(s.splitQueue, actor)
		}
		s.splitMu.Unlock()
	}
	d.log.Debug("damage", "actor", actor, "broken", len(res.Broken), "split", res.SplitRequested)
	return res, nil
}

func (s *Subsystem) drainSplits() []physics.ActorID {
	s.splitMu.Lock()
	defer s.splitMu.Unlock()
	q := s.splitQueue
	s.splitQueue = nil
	return q
}

// PendingSplits returns the number of queued split requests.
func (s *Subsystem) PendingSplits() int {
	s.splitMu.Lock()
	defer s.splitMu.Unlock()
	return len(s.splitQueue)
}

// ---------------------------------------------------------------------------
// Teardown
// ---------------------------------------------------------------------------

// Destroy removes a destructible together with every destructible split
// off it: actors, joints, entities and graphs.
func (s *Subsystem) Destroy(id DestructibleID) error {
	s.mu.Lock()
	d, ok := s.destructible[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDestructible, id)
	}
	var children []DestructibleID
	for _, cid := range s.order {
		if s.destructible[cid].Parent == id {
			children = append(children, cid)
		}
	}
	s.unregister(d)
	s.mu.Unlock()

	for _, cid := range children {
		if err := s.Destroy(cid); err != nil && !errors.Is(err, ErrUnknownDestructible) {
			return err
		}
	}
	s.teardown(d)
	d.log.Info("destructible destroyed")
	return nil
}

// unregister drops d from the routing tables. Callers hold s.mu.
func (s *Subsystem) unregister(d *Destructible) {
	delete(s.destructible, d.ID)
	s.order = lo.Without(s.order, d.ID)
	for _, c := range d.chunks {
		if s.owners[c.actor] == d {
			delete(s.owners, c.actor)
		}
	}
}

func (s *Subsystem) teardown(d *Destructible) {
	for _, c := range d.chunks {
		s.engine.DestroyActor(c.actor)
		if c.entity != scene.NoEntity {
			s.registry.Destroy(c.entity)
		}
	}
	s.registry.Destroy(d.Root)
}

// Close destroys every destructible, drops queued splits and detaches the
// break handler.
func (s *Subsystem) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	all := make([]*Destructible, 0, len(s.order))
	for _, id := range s.order {
		all = append(all, s.destructible[id])
	}
	for _, d := range all {
		s.unregister(d)
	}
	s.mu.Unlock()

	s.splitMu.Lock()
	s.splitQueue = nil
	s.splitMu.Unlock()

	s.engine.SetBreakHandler(nil)
	for _, d := range all {
		s.teardown(d)
	}
	return nil
}
