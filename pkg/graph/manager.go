package graph

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/chazu/splinter/pkg/physics"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/samber/lo"
)

// ErrAlreadySetup is returned by Setup for a handle that already has a node.
var ErrAlreadySetup = errors.New("graph: chunk already set up")

// ErrUnknownChunk is returned for handles the manager does not own.
var ErrUnknownChunk = errors.New("graph: unknown chunk")

// Policy holds the damage thresholds of a manager.
type Policy struct {
	// SplitImpulse is the impulse magnitude above which damage requests a
	// sub-fracture of the hit chunk.
	SplitImpulse float32
	// MaxSplitGeneration bounds recursive sub-fracturing.
	MaxSplitGeneration uint32
}

// UpdateReport summarizes one Update pass.
type UpdateReport struct {
	Components int               // connected components walked
	Visited    int               // nodes visited
	Unfrozen   []physics.ActorID // nodes released to dynamic simulation
	Pruned     int               // dangling edges removed
}

// DamageResult is the outcome of ProcessDamage.
type DamageResult struct {
	Broken         []physics.JointID
	SplitRequested bool
}

// Manager owns the connectivity graph of one fractured object.
//
// OnJointBreak may be called from any goroutine. Every other method is
// meant for the goroutine that steps the simulation; they are nonetheless
// safe against concurrent break callbacks.
type Manager struct {
	engine physics.Engine
	lock   *SpinLock
	policy Policy
	log    *slog.Logger

	arena      []node
	index      map[physics.ActorID]NodeIndex
	nodes      []physics.ActorID // in setup order
	joints     map[physics.ActorID][]physics.JointID
	breakForce map[physics.JointID]float32
	nbNodes    int
	dirty      []NodeIndex

	recorder *Recorder
}

// NewManager creates an empty manager. A nil lock gives the manager a
// private lock; a nil logger uses slog.Default().
func NewManager(engine physics.Engine, lock *SpinLock, policy Policy, log *slog.Logger) *Manager {
	if lock == nil {
		lock = &SpinLock{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		engine:     engine,
		lock:       lock,
		policy:     policy,
		log:        log,
		index:      make(map[physics.ActorID]NodeIndex),
		joints:     make(map[physics.ActorID][]physics.JointID),
		breakForce: make(map[physics.JointID]float32),
	}
}

// SetRecorder makes the manager record every break it receives. Nil stops
// recording.
func (m *Manager) SetRecorder(r *Recorder) {
	m.lock.Lock()
	m.recorder = r
	m.lock.Unlock()
}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

// Connect records joint as an edge between a and b. It is called while
// joints are created, before Setup builds the neighbour maps.
func (m *Manager) Connect(a, b physics.ActorID, joint physics.JointID, breakForce float32) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.joints[a] = append(m.joints[a], joint)
	m.joints[b] = append(m.joints[b], joint)
	m.breakForce[joint] = breakForce
}

// Setup creates one frozen node per chunk and links neighbours from the
// recorded joints. Handles that already have a node are skipped and
// reported through ErrAlreadySetup.
func (m *Manager) Setup(chunks []Chunk, generation uint32) error {
	// Resolve joint endpoints before taking the lock.
	type link struct {
		a, b  physics.ActorID
		joint physics.JointID
	}
	var links []link
	m.lock.Lock()
	pending := make(map[physics.JointID]struct{})
	for _, c := range chunks {
		for _, j := range m.joints[c.Handle] {
			pending[j] = struct{}{}
		}
	}
	m.lock.Unlock()
	for j := range pending {
		a, b, ok := m.engine.JointActors(j)
		if !ok || a == b {
			continue
		}
		links = append(links, link{a: a, b: b, joint: j})
	}

	var errs []error
	var created []NodeIndex
	m.lock.Lock()
	for _, c := range chunks {
		if _, exists := m.index[c.Handle]; exists {
			errs = append(errs, fmt.Errorf("%w: actor %d", ErrAlreadySetup, c.Handle))
			continue
		}
		idx := NodeIndex(len(m.arena))
		m.arena = append(m.arena, newNode(c, generation))
		m.index[c.Handle] = idx
		m.nodes = append(m.nodes, c.Handle)
		m.nbNodes++
		created = append(created, idx)
	}
	for _, l := range links {
		ia, okA := m.index[l.a]
		ib, okB := m.index[l.b]
		if !okA || !okB {
			continue
		}
		m.arena[ia].link(l.b, l.joint)
		m.arena[ib].link(l.a, l.joint)
	}
	m.lock.Unlock()

	for _, idx := range created {
		m.freeze(idx)
	}
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// Break hand-off
// ---------------------------------------------------------------------------

// OnJointBreak records a broken joint. It removes the edge from both
// endpoints, flags them and queues them for the next Update. It never
// walks the graph and never calls the engine, so it is safe from engine
// callback goroutines.
func (m *Manager) OnJointBreak(ev physics.BreakEvent) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.recorder != nil {
		m.recorder.record(ev)
	}
	for _, h := range []physics.ActorID{ev.ActorA, ev.ActorB} {
		idx, ok := m.index[h]
		if !ok {
			continue
		}
		n := &m.arena[idx]
		if other, ok := n.unlinkJoint(ev.Joint); ok && other != ev.ActorA && other != ev.ActorB {
			// The joint led somewhere else; the reported pair is stale.
			m.log.Debug("break event endpoint mismatch", "joint", ev.Joint, "actor", h, "neighbour", other)
		}
		m.joints[h] = lo.Without(m.joints[h], ev.Joint)
		n.hasBrokenLinks = true
		m.enqueue(idx)
	}
}

// enqueue adds idx to the dirty queue once. Callers hold the lock.
func (m *Manager) enqueue(idx NodeIndex) {
	n := &m.arena[idx]
	if n.queued {
		return
	}
	n.queued = true
	m.dirty = append(m.dirty, idx)
}

// Remove detaches the edge carried by joint from handle and from the
// neighbour it led to. Removing an edge that is already gone is a no-op
// and returns false.
func (m *Manager) Remove(handle physics.ActorID, joint physics.JointID) bool {
	m.lock.Lock()
	defer m.lock.Unlock()

	idx, ok := m.index[handle]
	if !ok {
		return false
	}
	other, ok := m.arena[idx].unlinkJoint(joint)
	if !ok {
		return false
	}
	m.joints[handle] = lo.Without(m.joints[handle], joint)
	m.arena[idx].hasBrokenLinks = true
	m.enqueue(idx)
	if oi, ok := m.index[other]; ok {
		m.arena[oi].unlinkJoint(joint)
		m.joints[other] = lo.Without(m.joints[other], joint)
		m.arena[oi].hasBrokenLinks = true
		m.enqueue(oi)
	}
	return true
}

// Detach cuts every edge of handle, releases the engine joints and marks
// the node detached. The former neighbours are queued for re-evaluation.
func (m *Manager) Detach(handle physics.ActorID) ([]physics.JointID, error) {
	m.lock.Lock()
	idx, ok := m.index[handle]
	if !ok {
		m.lock.Unlock()
		return nil, fmt.Errorf("%w: actor %d", ErrUnknownChunk, handle)
	}
	n := &m.arena[idx]
	released := lo.Keys(n.jointToChunk)
	for _, j := range released {
		other, _ := n.unlinkJoint(j)
		if oi, ok := m.index[other]; ok {
			m.arena[oi].unlinkJoint(j)
			m.joints[other] = lo.Without(m.joints[other], j)
			m.arena[oi].hasBrokenLinks = true
			m.enqueue(oi)
		}
	}
	m.joints[handle] = nil
	n.detached = true
	m.lock.Unlock()

	for _, j := range released {
		m.engine.ReleaseJoint(j)
	}
	return released, nil
}

// Invalidate queues handle for re-evaluation on the next Update.
func (m *Manager) Invalidate(handle physics.ActorID) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if idx, ok := m.index[handle]; ok {
		m.arena[idx].hasBrokenLinks = true
		m.enqueue(idx)
	}
}

// ---------------------------------------------------------------------------
// Update
// ---------------------------------------------------------------------------

// Update drains the dirty queue and walks each affected component once.
// Components that no longer contain an anchored node are unfrozen; a node
// is unfrozen at most once. The lock is taken per node while copying its
// edges, never across the walk.
func (m *Manager) Update() UpdateReport {
	var rep UpdateReport

	m.lock.Lock()
	dirty := m.dirty
	m.dirty = nil
	for _, idx := range dirty {
		m.arena[idx].queued = false
	}
	m.lock.Unlock()

	if len(dirty) == 0 {
		return rep
	}

	visited := make(map[NodeIndex]bool)
	var dead []edgeCopy
	var deadFrom []NodeIndex

	for _, start := range dirty {
		if visited[start] {
			continue
		}
		rep.Components++

		search := []NodeIndex{start}
		visited[start] = true
		var component []NodeIndex
		anchored := false

		for len(search) > 0 {
			cur := search[0]
			search = search[1:]
			component = append(component, cur)

			m.lock.Lock()
			n := &m.arena[cur]
			if n.anchored {
				anchored = true
			}
			edges := make([]edgeCopy, 0, len(n.neighbours))
			for other := range n.neighbours {
				edges = append(edges, edgeCopy{other: other, joint: n.chunkToJoint[other]})
			}
			m.lock.Unlock()

			for _, e := range edges {
				oi, known := m.lookup(e.other)
				if !known || e.joint == physics.NoJoint || !m.engine.JointAlive(e.joint) {
					dead = append(dead, e)
					deadFrom = append(deadFrom, cur)
					continue
				}
				if !visited[oi] {
					visited[oi] = true
					search = append(search, oi)
				}
			}
		}
		rep.Visited += len(component)

		if !anchored {
			for _, idx := range component {
				if m.unfreeze(idx) {
					rep.Unfrozen = append(rep.Unfrozen, m.handleOf(idx))
				}
			}
		}
	}

	m.lock.Lock()
	for i, e := range dead {
		n := &m.arena[deadFrom[i]]
		if _, still := n.neighbours[e.other]; !still {
			continue
		}
		n.unlinkChunk(e.other)
		if oi, ok := m.index[e.other]; ok {
			m.arena[oi].unlinkChunk(n.handle)
		}
		rep.Pruned++
	}
	for idx := range visited {
		// A node re-queued by a callback during the walk keeps its flag.
		if !m.arena[idx].queued {
			m.arena[idx].hasBrokenLinks = false
		}
	}
	m.lock.Unlock()

	if rep.Pruned > 0 {
		m.log.Debug("pruned dangling edges", "count", rep.Pruned)
	}
	return rep
}

func (m *Manager) lookup(h physics.ActorID) (NodeIndex, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	idx, ok := m.index[h]
	return idx, ok
}

func (m *Manager) handleOf(idx NodeIndex) physics.ActorID {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.arena[idx].handle
}

// ---------------------------------------------------------------------------
// Freeze state
// ---------------------------------------------------------------------------

// Freeze makes handle kinematic and pins it at its current pose.
func (m *Manager) Freeze(handle physics.ActorID) error {
	idx, ok := m.lookup(handle)
	if !ok {
		return fmt.Errorf("%w: actor %d", ErrUnknownChunk, handle)
	}
	m.freeze(idx)
	return nil
}

// Unfreeze releases handle to dynamic simulation. It reports whether the
// node was frozen.
func (m *Manager) Unfreeze(handle physics.ActorID) (bool, error) {
	idx, ok := m.lookup(handle)
	if !ok {
		return false, fmt.Errorf("%w: actor %d", ErrUnknownChunk, handle)
	}
	return m.unfreeze(idx), nil
}

func (m *Manager) freeze(idx NodeIndex) {
	handle := m.handleOf(idx)
	pose, ok := m.engine.Pose(handle)
	if !ok {
		pose = physics.Identity()
	}

	m.lock.Lock()
	n := &m.arena[idx]
	n.frozen = true
	n.isKinematic = true
	n.frozenPos = pose.Position
	n.frozenRot = pose.Rotation
	m.lock.Unlock()

	m.engine.SetKinematic(handle, true)
}

func (m *Manager) unfreeze(idx NodeIndex) bool {
	m.lock.Lock()
	n := &m.arena[idx]
	if !n.frozen || n.anchored {
		m.lock.Unlock()
		return false
	}
	n.frozen = false
	n.isKinematic = false
	handle := n.handle
	start := physics.Pose{Position: n.frozenPos, Rotation: n.frozenRot}
	m.lock.Unlock()

	// Release from the cached pose so drift since the last Pin is dropped.
	m.engine.SetPose(handle, start)
	m.engine.SetKinematic(handle, false)
	return true
}

// Anchor marks handle as anchored, frozen and kinematic. Anchored nodes
// keep their component frozen until the anchor is cleared.
func (m *Manager) Anchor(handle physics.ActorID) error {
	idx, ok := m.lookup(handle)
	if !ok {
		return fmt.Errorf("%w: actor %d", ErrUnknownChunk, handle)
	}
	m.freeze(idx)
	m.lock.Lock()
	m.arena[idx].anchored = true
	m.lock.Unlock()
	return nil
}

// ClearAnchor removes the anchor of handle and queues it so the next
// Update re-decides its component.
func (m *Manager) ClearAnchor(handle physics.ActorID) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	idx, ok := m.index[handle]
	if !ok {
		return fmt.Errorf("%w: actor %d", ErrUnknownChunk, handle)
	}
	n := &m.arena[idx]
	n.anchored = false
	n.hasBrokenLinks = true
	m.enqueue(idx)
	return nil
}

// Pin moves every frozen node back to its frozen pose.
func (m *Manager) Pin() {
	type pin struct {
		handle physics.ActorID
		pose   physics.Pose
	}
	m.lock.Lock()
	pins := make([]pin, 0, len(m.arena))
	for i := range m.arena {
		n := &m.arena[i]
		if n.frozen && !n.detached {
			pins = append(pins, pin{handle: n.handle, pose: physics.Pose{Position: n.frozenPos, Rotation: n.frozenRot}})
		}
	}
	m.lock.Unlock()

	for _, p := range pins {
		m.engine.SetPose(p.handle, p.pose)
	}
}

// ---------------------------------------------------------------------------
// Damage
// ---------------------------------------------------------------------------

// ProcessDamage breaks every joint of handle whose break force is at most
// the impulse magnitude, feeding each through the same path as an engine
// break. It also reports whether the hit should sub-fracture the chunk.
func (m *Manager) ProcessDamage(handle physics.ActorID, impulse mgl32.Vec3) (DamageResult, error) {
	magnitude := impulse.Len()

	m.lock.Lock()
	idx, ok := m.index[handle]
	if !ok {
		m.lock.Unlock()
		return DamageResult{}, fmt.Errorf("%w: actor %d", ErrUnknownChunk, handle)
	}
	n := &m.arena[idx]
	var victims []physics.BreakEvent
	for j, other := range n.jointToChunk {
		if f := m.breakForce[j]; f > 0 && f <= magnitude {
			victims = append(victims, physics.BreakEvent{Joint: j, ActorA: handle, ActorB: other})
		}
	}
	generation := n.splitGeneration
	m.lock.Unlock()

	var res DamageResult
	for _, ev := range victims {
		m.engine.ReleaseJoint(ev.Joint)
		m.OnJointBreak(ev)
		res.Broken = append(res.Broken, ev.Joint)
	}
	res.SplitRequested = m.policy.SplitImpulse > 0 &&
		magnitude > m.policy.SplitImpulse &&
		generation < m.policy.MaxSplitGeneration
	return res, nil
}

// ---------------------------------------------------------------------------
// Inspection
// ---------------------------------------------------------------------------

// Len returns the number of nodes.
func (m *Manager) Len() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.nbNodes
}

// Contains reports whether handle has a node in this manager.
func (m *Manager) Contains(handle physics.ActorID) bool {
	_, ok := m.lookup(handle)
	return ok
}

// Nodes returns the node handles in setup order.
func (m *Manager) Nodes() []physics.ActorID {
	m.lock.Lock()
	defer m.lock.Unlock()
	return append([]physics.ActorID(nil), m.nodes...)
}

// Joints returns the live joints recorded for handle.
func (m *Manager) Joints(handle physics.ActorID) []physics.JointID {
	m.lock.Lock()
	defer m.lock.Unlock()
	return append([]physics.JointID(nil), m.joints[handle]...)
}

// Node returns a copy of the node of handle.
func (m *Manager) Node(handle physics.ActorID) (NodeState, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	idx, ok := m.index[handle]
	if !ok {
		return NodeState{}, false
	}
	return m.arena[idx].state(idx), true
}

// Snapshot returns a copy of every node in setup order.
func (m *Manager) Snapshot() []NodeState {
	m.lock.Lock()
	defer m.lock.Unlock()
	out := make([]NodeState, len(m.arena))
	for i := range m.arena {
		out[i] = m.arena[i].state(NodeIndex(i))
	}
	return out
}

// Pending returns the number of queued nodes.
func (m *Manager) Pending() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.dirty)
}
