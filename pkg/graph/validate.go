package graph

import (
	"fmt"

	"github.com/chazu/splinter/pkg/physics"
)

// ValidationSeverity indicates whether a validation finding is a broken
// invariant or merely informational.
type ValidationSeverity int

const (
	SeverityError   ValidationSeverity = iota // invariant violated
	SeverityWarning                           // informational
)

func (s ValidationSeverity) String() string {
	switch s {
	case SeverityError:
		return "error"
	case SeverityWarning:
		return "warning"
	default:
		return fmt.Sprintf("ValidationSeverity(%d)", int(s))
	}
}

// ValidationError describes a single validation finding.
type ValidationError struct {
	Handle   physics.ActorID    // which node has the problem (zero if graph-level)
	Message  string             // human-readable description
	Severity ValidationSeverity // error or warning
}

func (e ValidationError) Error() string {
	if e.Handle == physics.NoActor {
		return fmt.Sprintf("[%s] %s", e.Severity, e.Message)
	}
	return fmt.Sprintf("[%s] actor %d: %s", e.Severity, e.Handle, e.Message)
}

// HasErrors reports whether any finding has error severity.
func HasErrors(findings []ValidationError) bool {
	for _, f := range findings {
		if f.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Validate checks the structural invariants of a manager's graph and
// returns every violation. An empty slice means the graph is consistent.
// It is read-only and works on a snapshot.
func Validate(m *Manager) []ValidationError {
	snap := m.Snapshot()
	byHandle := make(map[physics.ActorID]NodeState, len(snap))
	for _, n := range snap {
		byHandle[n.Handle] = n
	}

	var errs []ValidationError
	errs = append(errs, validateSelfLoops(snap)...)
	errs = append(errs, validateSymmetry(snap, byHandle)...)
	errs = append(errs, validateJointMaps(snap)...)
	errs = append(errs, validateCount(m, snap)...)
	return errs
}

// validateSelfLoops checks that no node lists itself as a neighbour.
func validateSelfLoops(snap []NodeState) []ValidationError {
	var errs []ValidationError
	for _, n := range snap {
		for _, nb := range n.Neighbours {
			if nb == n.Handle {
				errs = append(errs, ValidationError{
					Handle:   n.Handle,
					Message:  "node is its own neighbour",
					Severity: SeverityError,
				})
			}
		}
	}
	return errs
}

// validateSymmetry checks that B in A.neighbours implies A in B.neighbours
// and that both sides record the same joint.
func validateSymmetry(snap []NodeState, byHandle map[physics.ActorID]NodeState) []ValidationError {
	var errs []ValidationError
	for _, a := range snap {
		for _, bh := range a.Neighbours {
			b, ok := byHandle[bh]
			if !ok {
				errs = append(errs, ValidationError{
					Handle:   a.Handle,
					Message:  fmt.Sprintf("neighbour %d is not managed here", bh),
					Severity: SeverityWarning,
				})
				continue
			}
			if !containsActor(b.Neighbours, a.Handle) {
				errs = append(errs, ValidationError{
					Handle:   a.Handle,
					Message:  fmt.Sprintf("neighbour %d does not list this node back", bh),
					Severity: SeverityError,
				})
				continue
			}
			ja, jb := jointTo(a, bh), jointTo(b, a.Handle)
			if ja != jb {
				errs = append(errs, ValidationError{
					Handle:   a.Handle,
					Message:  fmt.Sprintf("edge to %d carried by joint %d here but joint %d there", bh, ja, jb),
					Severity: SeverityError,
				})
			}
		}
	}
	return errs
}

// validateJointMaps checks that every recorded joint leads to a neighbour
// and every neighbour is reached through a joint.
func validateJointMaps(snap []NodeState) []ValidationError {
	var errs []ValidationError
	for _, n := range snap {
		reached := make(map[physics.ActorID]int)
		for j, other := range n.Joints {
			if !containsActor(n.Neighbours, other) {
				errs = append(errs, ValidationError{
					Handle:   n.Handle,
					Message:  fmt.Sprintf("joint %d leads to %d which is not a neighbour", j, other),
					Severity: SeverityError,
				})
			}
			reached[other]++
		}
		for _, nb := range n.Neighbours {
			switch reached[nb] {
			case 0:
				errs = append(errs, ValidationError{
					Handle:   n.Handle,
					Message:  fmt.Sprintf("neighbour %d has no joint", nb),
					Severity: SeverityError,
				})
			case 1:
			default:
				errs = append(errs, ValidationError{
					Handle:   n.Handle,
					Message:  fmt.Sprintf("neighbour %d is reached by %d joints", nb, reached[nb]),
					Severity: SeverityWarning,
				})
			}
		}
	}
	return errs
}

// validateCount checks the node counter against the arena.
func validateCount(m *Manager, snap []NodeState) []ValidationError {
	if n := m.Len(); n != len(snap) {
		return []ValidationError{{
			Message:  fmt.Sprintf("node count %d does not match %d arena slots", n, len(snap)),
			Severity: SeverityError,
		}}
	}
	return nil
}

func containsActor(list []physics.ActorID, h physics.ActorID) bool {
	for _, x := range list {
		if x == h {
			return true
		}
	}
	return false
}

func jointTo(n NodeState, other physics.ActorID) physics.JointID {
	for j, o := range n.Joints {
		if o == other {
			return j
		}
	}
	return physics.NoJoint
}
