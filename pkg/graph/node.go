package graph

import (
	"slices"

	"github.com/chazu/splinter/pkg/physics"
	"github.com/chazu/splinter/pkg/scene"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/samber/lo"
)

// NodeIndex is the stable arena slot of a node inside its manager.
type NodeIndex int

// Chunk is one actor handed to Setup.
type Chunk struct {
	Handle physics.ActorID
	Entity scene.EntityID
}

// node is the arena record of a chunk. Every field is guarded by the
// manager's lock.
type node struct {
	handle physics.ActorID
	entity scene.EntityID

	neighbours   map[physics.ActorID]struct{}
	jointToChunk map[physics.JointID]physics.ActorID
	chunkToJoint map[physics.ActorID]physics.JointID

	frozen         bool
	isKinematic    bool
	hasBrokenLinks bool
	anchored       bool
	detached       bool
	queued         bool

	frozenPos mgl32.Vec3
	frozenRot mgl32.Quat

	splitGeneration uint32
}

func newNode(c Chunk, generation uint32) node {
	return node{
		handle:          c.Handle,
		entity:          c.Entity,
		neighbours:      make(map[physics.ActorID]struct{}),
		jointToChunk:    make(map[physics.JointID]physics.ActorID),
		chunkToJoint:    make(map[physics.ActorID]physics.JointID),
		frozenRot:       mgl32.QuatIdent(),
		splitGeneration: generation,
	}
}

// link records the edge to other through joint.
func (n *node) link(other physics.ActorID, joint physics.JointID) {
	n.neighbours[other] = struct{}{}
	n.jointToChunk[joint] = other
	n.chunkToJoint[other] = joint
}

// unlinkJoint removes the edge carried by joint and returns the neighbour
// it led to.
func (n *node) unlinkJoint(joint physics.JointID) (physics.ActorID, bool) {
	other, ok := n.jointToChunk[joint]
	if !ok {
		return physics.NoActor, false
	}
	delete(n.jointToChunk, joint)
	if n.chunkToJoint[other] == joint {
		delete(n.chunkToJoint, other)
		delete(n.neighbours, other)
	}
	return other, true
}

// unlinkChunk removes the edge to other whatever joint carries it.
func (n *node) unlinkChunk(other physics.ActorID) {
	if j, ok := n.chunkToJoint[other]; ok {
		delete(n.jointToChunk, j)
		delete(n.chunkToJoint, other)
	}
	delete(n.neighbours, other)
}

// NodeState is a read-only copy of one node.
type NodeState struct {
	Index           NodeIndex
	Handle          physics.ActorID
	Entity          scene.EntityID
	Neighbours      []physics.ActorID // sorted
	Joints          map[physics.JointID]physics.ActorID
	Frozen          bool
	IsKinematic     bool
	HasBrokenLinks  bool
	Anchored        bool
	Detached        bool
	FrozenPos       mgl32.Vec3
	FrozenRot       mgl32.Quat
	SplitGeneration uint32
}

func (n *node) state(idx NodeIndex) NodeState {
	nb := lo.Keys(n.neighbours)
	slices.Sort(nb)
	joints := make(map[physics.JointID]physics.ActorID, len(n.jointToChunk))
	for j, c := range n.jointToChunk {
		joints[j] = c
	}
	return NodeState{
		Index:           idx,
		Handle:          n.handle,
		Entity:          n.entity,
		Neighbours:      nb,
		Joints:          joints,
		Frozen:          n.frozen,
		IsKinematic:     n.isKinematic,
		HasBrokenLinks:  n.hasBrokenLinks,
		Anchored:        n.anchored,
		Detached:        n.detached,
		FrozenPos:       n.frozenPos,
		FrozenRot:       n.frozenRot,
		SplitGeneration: n.splitGeneration,
	}
}

// edgeCopy is one neighbour edge copied out of the lock.
type edgeCopy struct {
	other physics.ActorID
	joint physics.JointID
}
