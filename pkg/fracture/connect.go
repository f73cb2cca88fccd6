package fracture

import (
	"fmt"

	"github.com/chazu/splinter/pkg/physics"
	"github.com/samber/lo"
)

// actorPair is an unordered chunk pair.
type actorPair struct{ a, b physics.ActorID }

func pairOf(a, b physics.ActorID) actorPair {
	if a > b {
		a, b = b, a
	}
	return actorPair{a, b}
}

// jointSettings are the joint parameters shared by one destructible.
type jointSettings struct {
	radius      float32
	breakForce  float32
	breakTorque float32
}

// touchingChunks returns the chunks of d whose surface lies within radius
// of any vertex of chunk i, excluding the chunk itself.
func (s *Subsystem) touchingChunks(d *Destructible, i int, radius float32) []physics.ActorID {
	c := d.chunks[i]
	pose, ok := s.engine.Pose(c.actor)
	if !ok {
		pose = d.pose
	}
	var hits []physics.ActorID
	for _, p := range lo.Uniq(c.mesh.Positions) {
		hits = append(hits, s.engine.OverlapSphere(pose.Apply(p), radius)...)
	}
	return lo.Filter(lo.Uniq(hits), func(h physics.ActorID, _ int) bool {
		_, ours := d.byActor[h]
		return ours && h != c.actor
	})
}

// connectTouchingChunks joins chunk i to every touching chunk of d with a
// breakable fixed joint. Pairs already in linked are skipped and new pairs
// are added to it. Collision between joined chunks is disabled.
func (s *Subsystem) connectTouchingChunks(d *Destructible, i int, js jointSettings, linked map[actorPair]bool) (int, error) {
	a := d.chunks[i].actor
	made := 0
	for _, b := range s.touchingChunks(d, i, js.radius) {
		p := pairOf(a, b)
		if linked[p] {
			continue
		}
		j, err := s.engine.CreateFixedJoint(a, b, physics.JointDesc{BreakForce: js.breakForce, BreakTorque: js.breakTorque})
		if err != nil {
			return made, fmt.Errorf("fracture: joint %d-%d: %w", a, b, err)
		}
		linked[p] = true
		s.engine.SetCollisionEnabled(a, b, false)
		d.manager.Connect(a, b, j, js.breakForce)
		made++
	}
	return made, nil
}
