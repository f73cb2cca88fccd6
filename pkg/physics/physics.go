// Package physics defines the rigid-body engine boundary used by the
// fracture pipeline: actors, breakable fixed joints, break callbacks,
// kinematic control and spatial overlap queries. The reference
// implementation lives in physics/sim.
package physics

import (
	"context"
	"errors"

	"github.com/chazu/splinter/pkg/kernel"
	"github.com/go-gl/mathgl/mgl32"
)

// ActorID is a stable integer handle for a rigid-body actor. Zero is never
// issued.
type ActorID uint32

// JointID is a stable integer handle for a joint. Zero is never issued.
type JointID uint32

// NoActor and NoJoint are the empty handles.
const (
	NoActor ActorID = 0
	NoJoint JointID = 0
)

// Sentinel errors returned by engines.
var (
	ErrUnknownActor = errors.New("physics: unknown actor")
	ErrUnknownJoint = errors.New("physics: unknown joint")
	ErrSameActor    = errors.New("physics: joint endpoints must differ")
)

// Pose is a rigid transform.
type Pose struct {
	Position mgl32.Vec3
	Rotation mgl32.Quat
}

// Identity returns the identity pose.
func Identity() Pose {
	return Pose{Rotation: mgl32.QuatIdent()}
}

// Apply transforms a local point into world space.
func (p Pose) Apply(v mgl32.Vec3) mgl32.Vec3 {
	return p.Rotation.Rotate(v).Add(p.Position)
}

// Mul returns the composition p * local.
func (p Pose) Mul(local Pose) Pose {
	return Pose{
		Position: p.Apply(local.Position),
		Rotation: p.Rotation.Mul(local.Rotation).Normalize(),
	}
}

// Inverse returns the pose that undoes p.
func (p Pose) Inverse() Pose {
	inv := p.Rotation.Inverse()
	return Pose{Position: inv.Rotate(p.Position).Mul(-1), Rotation: inv}
}

// BodyTuning carries per-body solver settings applied to every chunk.
type BodyTuning struct {
	MaxAngularVelocity       float32
	LinearDamping            float32
	AngularDamping           float32
	PositionIterations       int
	VelocityIterations       int
	MaxDepenetrationVelocity float32
	MaxContactImpulse        float32
}

// BodyDesc describes an actor to create.
type BodyDesc struct {
	Name      string
	Pose      Pose
	Mass      float32
	Shape     *kernel.Mesh // collision shape in local space
	Kinematic bool
	Tuning    BodyTuning
}

// JointDesc describes a breakable fixed joint.
type JointDesc struct {
	BreakForce  float32
	BreakTorque float32
}

// BreakEvent is delivered when the engine severs a joint.
type BreakEvent struct {
	Joint  JointID
	ActorA ActorID
	ActorB ActorID
}

// BreakHandler receives break events. It may be called from engine worker
// goroutines and must not block.
type BreakHandler func(BreakEvent)

// Engine is the rigid-body engine boundary.
type Engine interface {
	CreateActor(desc BodyDesc) (ActorID, error)
	DestroyActor(id ActorID)

	Pose(id ActorID) (Pose, bool)
	SetPose(id ActorID, p Pose)
	Kinematic(id ActorID) bool
	SetKinematic(id ActorID, kinematic bool)
	ApplyImpulse(id ActorID, impulse mgl32.Vec3)

	// CreateFixedJoint connects a and b with a joint that breaks when the
	// load exceeds the descriptor thresholds.
	CreateFixedJoint(a, b ActorID, desc JointDesc) (JointID, error)
	// ReleaseJoint removes a joint without firing the break handler.
	ReleaseJoint(id JointID)
	// JointAlive reports whether the joint still exists.
	JointAlive(id JointID) bool
	// JointActors returns the endpoints of a live joint.
	JointActors(id JointID) (ActorID, ActorID, bool)
	// SetCollisionEnabled toggles contact generation between a pair.
	SetCollisionEnabled(a, b ActorID, enabled bool)
	SetBreakHandler(h BreakHandler)

	// OverlapBox returns the actors whose shapes intersect the oriented box.
	OverlapBox(center, halfExtents mgl32.Vec3, rot mgl32.Quat) []ActorID
	// OverlapSphere returns the actors whose shapes intersect the sphere.
	OverlapSphere(center mgl32.Vec3, radius float32) []ActorID

	// Step advances the simulation. Break handlers for joints broken in
	// this step have returned when Step returns.
	Step(ctx context.Context, dt float32) error
}
