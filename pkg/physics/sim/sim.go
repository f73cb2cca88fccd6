// Package sim is a small reference implementation of physics.Engine. It
// integrates gravity and impulses for dynamic bodies, measures the load on
// fixed joints, breaks overloaded joints and answers overlap queries
// through an R-tree broad phase. It has no contact solver.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/chazu/splinter/pkg/kernel"
	"github.com/chazu/splinter/pkg/physics"
	"github.com/dhconnelly/rtreego"
	"github.com/go-gl/mathgl/mgl32"
)

// Compile-time interface check.
var _ physics.Engine = (*World)(nil)

// boundsPadding keeps R-tree rectangles non-degenerate for flat shapes.
const boundsPadding = 1e-4

// Config holds world settings.
type Config struct {
	Gravity mgl32.Vec3
	// Workers is the number of goroutines that deliver break events.
	Workers int
	// JointStiffness converts joint drift (metres or radians) into load.
	JointStiffness float32
}

// DefaultConfig returns Earth gravity, four break workers and a stiff
// joint model.
func DefaultConfig() Config {
	return Config{
		Gravity:        mgl32.Vec3{0, -9.81, 0},
		Workers:        4,
		JointStiffness: 1e4,
	}
}

type body struct {
	id        physics.ActorID
	name      string
	pose      physics.Pose
	vel       mgl32.Vec3
	mass      float32
	shape     *kernel.Mesh
	local     kernel.Bounds
	kinematic bool
	tuning    physics.BodyTuning
	impulse   mgl32.Vec3 // accumulated since the last step
}

// entry is the R-tree record of a body. Its rectangle is fixed at
// insertion time; moving a body re-inserts the entry.
type entry struct {
	id   physics.ActorID
	rect rtreego.Rect
}

func (e *entry) Bounds() rtreego.Rect { return e.rect }

type joint struct {
	id   physics.JointID
	a, b physics.ActorID
	desc physics.JointDesc
	rest physics.Pose // pose of b in the frame of a at creation
}

type pair struct{ a, b physics.ActorID }

func orderedPair(a, b physics.ActorID) pair {
	if a > b {
		a, b = b, a
	}
	return pair{a, b}
}

// World is the reference engine. All methods are safe for concurrent use.
type World struct {
	cfg Config
	log *slog.Logger

	mu        sync.RWMutex
	nextActor physics.ActorID
	nextJoint physics.JointID
	bodies    map[physics.ActorID]*body
	entries   map[physics.ActorID]*entry
	joints    map[physics.JointID]*joint
	noCollide map[pair]struct{}
	index     *rtreego.Rtree
	handler   physics.BreakHandler
}

// New creates an empty world. A nil logger uses slog.Default().
func New(cfg Config, log *slog.Logger) *World {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &World{
		cfg:       cfg,
		log:       log,
		bodies:    make(map[physics.ActorID]*body),
		entries:   make(map[physics.ActorID]*entry),
		joints:    make(map[physics.JointID]*joint),
		noCollide: make(map[pair]struct{}),
		index:     rtreego.NewTree(3, 4, 16),
	}
}

// ---------------------------------------------------------------------------
// Actors
// ---------------------------------------------------------------------------

// CreateActor adds a body to the world.
func (w *World) CreateActor(desc physics.BodyDesc) (physics.ActorID, error) {
	if desc.Mass < 0 {
		return physics.NoActor, fmt.Errorf("sim: negative mass %v for %q", desc.Mass, desc.Name)
	}
	if desc.Pose.Rotation.Len() == 0 {
		desc.Pose.Rotation = mgl32.QuatIdent()
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.nextActor++
	b := &body{
		id:        w.nextActor,
		name:      desc.Name,
		pose:      desc.Pose,
		mass:      desc.Mass,
		shape:     desc.Shape,
		kinematic: desc.Kinematic,
		tuning:    desc.Tuning,
	}
	if !desc.Shape.IsEmpty() {
		b.local = kernel.BoundsOf(desc.Shape.Positions)
	}
	w.bodies[b.id] = b
	w.reindex(b)
	return b.id, nil
}

// DestroyActor removes a body and releases its joints without firing the
// break handler. Unknown ids are ignored.
func (w *World) DestroyActor(id physics.ActorID) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.bodies[id]; !ok {
		return
	}
	if e, ok := w.entries[id]; ok {
		w.index.Delete(e)
		delete(w.entries, id)
	}
	delete(w.bodies, id)
	for jid, j := range w.joints {
		if j.a == id || j.b == id {
			delete(w.joints, jid)
		}
	}
	for p := range w.noCollide {
		if p.a == id || p.b == id {
			delete(w.noCollide, p)
		}
	}
}

// Pose returns the current pose of a body.
func (w *World) Pose(id physics.ActorID) (physics.Pose, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	b, ok := w.bodies[id]
	if !ok {
		return physics.Pose{}, false
	}
	return b.pose, true
}

// SetPose teleports a body.
func (w *World) SetPose(id physics.ActorID, p physics.Pose) {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.bodies[id]
	if !ok {
		return
	}
	b.pose = p
	w.reindex(b)
}

// Kinematic reports whether the body is kinematic. Unknown ids report
// false.
func (w *World) Kinematic(id physics.ActorID) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	b, ok := w.bodies[id]
	return ok && b.kinematic
}

// SetKinematic toggles the kinematic flag. A body switched to kinematic
// loses its velocity.
func (w *World) SetKinematic(id physics.ActorID, kinematic bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.bodies[id]
	if !ok {
		return
	}
	b.kinematic = kinematic
	if kinematic {
		b.vel = mgl32.Vec3{}
	}
}

// ApplyImpulse adds an impulse at the centre of mass. Kinematic bodies do
// not move, but the impulse still loads their joints.
func (w *World) ApplyImpulse(id physics.ActorID, impulse mgl32.Vec3) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if b, ok := w.bodies[id]; ok {
		b.impulse = b.impulse.Add(impulse)
	}
}

// Velocity returns the linear velocity of a body.
func (w *World) Velocity(id physics.ActorID) mgl32.Vec3 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if b, ok := w.bodies[id]; ok {
		return b.vel
	}
	return mgl32.Vec3{}
}

// Mass returns the mass of a body.
func (w *World) Mass(id physics.ActorID) float32 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if b, ok := w.bodies[id]; ok {
		return b.mass
	}
	return 0
}

// Tuning returns the solver settings a body was created with.
func (w *World) Tuning(id physics.ActorID) (physics.BodyTuning, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	b, ok := w.bodies[id]
	if !ok {
		return physics.BodyTuning{}, false
	}
	return b.tuning, true
}

// ActorCount returns the number of live bodies.
func (w *World) ActorCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.bodies)
}

// reindex moves the R-tree entry of b to its current world bounds.
// Callers hold w.mu.
func (w *World) reindex(b *body) {
	if e, ok := w.entries[b.id]; ok {
		w.index.Delete(e)
	}
	e := &entry{id: b.id, rect: toRect(worldBounds(b))}
	w.entries[b.id] = e
	w.index.Insert(e)
}

// worldBounds returns the axis-aligned box around the oriented local
// bounds of b.
func worldBounds(b *body) kernel.Bounds {
	out := kernel.EmptyBounds()
	lo, hi := b.local.Min, b.local.Max
	for i := 0; i < 8; i++ {
		c := mgl32.Vec3{lo[0], lo[1], lo[2]}
		if i&1 != 0 {
			c[0] = hi[0]
		}
		if i&2 != 0 {
			c[1] = hi[1]
		}
		if i&4 != 0 {
			c[2] = hi[2]
		}
		out = out.Grow(b.pose.Apply(c))
	}
	return out
}

func toRect(b kernel.Bounds) rtreego.Rect {
	lo := rtreego.Point{
		float64(b.Min[0]) - boundsPadding,
		float64(b.Min[1]) - boundsPadding,
		float64(b.Min[2]) - boundsPadding,
	}
	hi := rtreego.Point{
		float64(b.Max[0]) + boundsPadding,
		float64(b.Max[1]) + boundsPadding,
		float64(b.Max[2]) + boundsPadding,
	}
	r, err := rtreego.NewRectFromPoints(lo, hi)
	if err != nil {
		// Only reachable with NaN coordinates.
		r, _ = rtreego.NewRectFromPoints(rtreego.Point{0, 0, 0}, rtreego.Point{boundsPadding, boundsPadding, boundsPadding})
	}
	return r
}

// ---------------------------------------------------------------------------
// Joints
// ---------------------------------------------------------------------------

// CreateFixedJoint connects a and b at their current relative pose. A
// non-positive break force or torque never breaks.
func (w *World) CreateFixedJoint(a, b physics.ActorID, desc physics.JointDesc) (physics.JointID, error) {
	if a == b {
		return physics.NoJoint, physics.ErrSameActor
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	ba, ok := w.bodies[a]
	if !ok {
		return physics.NoJoint, fmt.Errorf("%w: %d", physics.ErrUnknownActor, a)
	}
	bb, ok := w.bodies[b]
	if !ok {
		return physics.NoJoint, fmt.Errorf("%w: %d", physics.ErrUnknownActor, b)
	}
	w.nextJoint++
	j := &joint{
		id:   w.nextJoint,
		a:    a,
		b:    b,
		desc: desc,
		rest: ba.pose.Inverse().Mul(bb.pose),
	}
	w.joints[j.id] = j
	return j.id, nil
}

// ReleaseJoint removes a joint without firing the break handler.
func (w *World) ReleaseJoint(id physics.JointID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.joints, id)
}

// JointAlive reports whether the joint exists.
func (w *World) JointAlive(id physics.JointID) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.joints[id]
	return ok
}

// JointActors returns the endpoints of a live joint.
func (w *World) JointActors(id physics.JointID) (physics.ActorID, physics.ActorID, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	j, ok := w.joints[id]
	if !ok {
		return physics.NoActor, physics.NoActor, false
	}
	return j.a, j.b, true
}

// JointCount returns the number of live joints.
func (w *World) JointCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.joints)
}

// SetCollisionEnabled toggles contacts between a and b.
func (w *World) SetCollisionEnabled(a, b physics.ActorID, enabled bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p := orderedPair(a, b)
	if enabled {
		delete(w.noCollide, p)
	} else {
		w.noCollide[p] = struct{}{}
	}
}

// CollisionEnabled reports whether contacts between a and b are enabled.
func (w *World) CollisionEnabled(a, b physics.ActorID) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, disabled := w.noCollide[orderedPair(a, b)]
	return !disabled
}

// SetBreakHandler installs the break callback. Nil removes it.
func (w *World) SetBreakHandler(h physics.BreakHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handler = h
}

// ---------------------------------------------------------------------------
// Simulation
// ---------------------------------------------------------------------------

// Step advances the world by dt seconds. Joints overloaded in this step
// are removed and their break events are delivered through the worker
// pool before Step returns.
func (w *World) Step(ctx context.Context, dt float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if dt <= 0 {
		return fmt.Errorf("sim: non-positive time step %v", dt)
	}

	w.mu.Lock()
	for _, b := range w.bodies {
		w.integrate(b, dt)
	}
	broken := w.breakJoints(dt)
	for _, b := range w.bodies {
		b.impulse = mgl32.Vec3{}
	}
	h := w.handler
	w.mu.Unlock()

	if len(broken) > 0 {
		w.log.Debug("joints broken", "count", len(broken))
	}
	w.dispatch(h, broken)
	return nil
}

// integrate applies gravity, impulses and damping to a dynamic body.
// Callers hold w.mu.
func (w *World) integrate(b *body, dt float32) {
	if b.kinematic || b.mass <= 0 {
		return
	}
	imp := b.impulse
	if limit := b.tuning.MaxContactImpulse; limit > 0 && imp.Len() > limit {
		imp = imp.Normalize().Mul(limit)
	}
	b.vel = b.vel.Add(w.cfg.Gravity.Mul(dt)).Add(imp.Mul(1 / b.mass))
	if d := b.tuning.LinearDamping; d > 0 {
		b.vel = b.vel.Mul(float32(math.Max(0, float64(1-d*dt))))
	}
	b.pose.Position = b.pose.Position.Add(b.vel.Mul(dt))
	w.reindex(b)
}

// breakJoints removes every joint whose load exceeds its thresholds and
// returns the matching events. Callers hold w.mu.
func (w *World) breakJoints(dt float32) []physics.BreakEvent {
	var events []physics.BreakEvent
	for id, j := range w.joints {
		ba, okA := w.bodies[j.a]
		bb, okB := w.bodies[j.b]
		if !okA || !okB {
			delete(w.joints, id)
			continue
		}

		rel := ba.pose.Inverse().Mul(bb.pose)
		drift := rel.Position.Sub(j.rest.Position).Len()
		angle := quatAngle(rel.Rotation, j.rest.Rotation)

		force := w.cfg.JointStiffness*drift + (ba.impulse.Len()+bb.impulse.Len())/dt
		torque := w.cfg.JointStiffness * angle

		if (j.desc.BreakForce > 0 && force > j.desc.BreakForce) ||
			(j.desc.BreakTorque > 0 && torque > j.desc.BreakTorque) {
			delete(w.joints, id)
			events = append(events, physics.BreakEvent{Joint: id, ActorA: j.a, ActorB: j.b})
		}
	}
	return events
}

// dispatch delivers break events from a fixed pool of goroutines, the way
// a multithreaded engine fires callbacks from its solver workers.
func (w *World) dispatch(h physics.BreakHandler, events []physics.BreakEvent) {
	if h == nil || len(events) == 0 {
		return
	}
	ch := make(chan physics.BreakEvent)
	var wg sync.WaitGroup
	for i := 0; i < min(w.cfg.Workers, len(events)); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ev := range ch {
				h(ev)
			}
		}()
	}
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	wg.Wait()
}

func quatAngle(a, b mgl32.Quat) float32 {
	d := math.Abs(float64(a.Dot(b)))
	if d > 1 {
		d = 1
	}
	return float32(2 * math.Acos(d))
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// OverlapBox returns the bodies whose shapes have a vertex inside the
// oriented box, or that contain the box centre.
func (w *World) OverlapBox(center, halfExtents mgl32.Vec3, rot mgl32.Quat) []physics.ActorID {
	if rot.Len() == 0 {
		rot = mgl32.QuatIdent()
	}
	box := physics.Pose{Position: center, Rotation: rot}
	inv := box.Inverse()

	w.mu.RLock()
	defer w.mu.RUnlock()

	aabb := kernel.EmptyBounds()
	for i := 0; i < 8; i++ {
		c := halfExtents
		if i&1 != 0 {
			c[0] = -c[0]
		}
		if i&2 != 0 {
			c[1] = -c[1]
		}
		if i&4 != 0 {
			c[2] = -c[2]
		}
		aabb = aabb.Grow(box.Apply(c))
	}

	var hits []physics.ActorID
	for _, s := range w.index.SearchIntersect(toRect(aabb)) {
		b := w.bodies[s.(*entry).id]
		if b == nil {
			continue
		}
		if b.shape.IsEmpty() {
			hits = append(hits, b.id)
			continue
		}
		if boxHitsShape(b, inv, halfExtents, center) {
			hits = append(hits, b.id)
		}
	}
	return hits
}

func boxHitsShape(b *body, boxInv physics.Pose, half, center mgl32.Vec3) bool {
	for _, p := range b.shape.Positions {
		q := boxInv.Apply(b.pose.Apply(p))
		if abs(q[0]) <= half[0] && abs(q[1]) <= half[1] && abs(q[2]) <= half[2] {
			return true
		}
	}
	local := b.pose.Inverse().Apply(center)
	return b.shape.Inside(kernel.Vec64(local))
}

// OverlapSphere returns the bodies whose surface lies within radius of
// centre, or that contain centre.
func (w *World) OverlapSphere(center mgl32.Vec3, radius float32) []physics.ActorID {
	r := mgl32.Vec3{radius, radius, radius}
	query := kernel.Bounds{Min: center.Sub(r), Max: center.Add(r)}

	w.mu.RLock()
	defer w.mu.RUnlock()

	var hits []physics.ActorID
	for _, s := range w.index.SearchIntersect(toRect(query)) {
		b := w.bodies[s.(*entry).id]
		if b == nil {
			continue
		}
		if b.shape.IsEmpty() {
			hits = append(hits, b.id)
			continue
		}
		local := kernel.Vec64(b.pose.Inverse().Apply(center))
		if b.shape.Distance(local) <= float64(radius) || b.shape.Inside(local) {
			hits = append(hits, b.id)
		}
	}
	return hits
}

func abs(f float32) float32 {
	if f < 0 {
		return -f
	}
	return f
}
