// Package scene is the entity boundary of the fracture pipeline: named
// entities arranged in a parent/child hierarchy, each with a transform and
// optional mesh and rigid-body components.
package scene

import (
	"errors"
	"fmt"
	"sync"

	"github.com/chazu/splinter/pkg/kernel"
	"github.com/chazu/splinter/pkg/physics"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/samber/lo"
)

// EntityID identifies an entity. Zero is never issued.
type EntityID uint32

// NoEntity is the empty handle.
const NoEntity EntityID = 0

// ErrUnknownEntity is returned for operations on destroyed or never
// created entities.
var ErrUnknownEntity = errors.New("scene: unknown entity")

// Transform is the local transform of an entity.
type Transform struct {
	Position mgl32.Vec3
	Rotation mgl32.Quat
	Scale    mgl32.Vec3
}

// IdentityTransform returns a transform with unit scale.
func IdentityTransform() Transform {
	return Transform{Rotation: mgl32.QuatIdent(), Scale: mgl32.Vec3{1, 1, 1}}
}

// Pose drops the scale of t.
func (t Transform) Pose() physics.Pose {
	return physics.Pose{Position: t.Position, Rotation: t.Rotation}
}

// Material is a named surface colour.
type Material struct {
	Name  string
	Color mgl32.Vec4
}

// MeshComponent attaches renderable geometry to an entity. Outside faces
// use Outside, faces created by fracturing use Inside.
type MeshComponent struct {
	Mesh    *kernel.Mesh
	Outside *Material
	Inside  *Material
}

// BodyComponent links an entity to its rigid-body actor.
type BodyComponent struct {
	Actor physics.ActorID
}

// Registry is the entity system used by the fracture pipeline.
type Registry interface {
	Create(name string) EntityID
	// Destroy removes an entity and all of its descendants.
	Destroy(id EntityID)
	Valid(id EntityID) bool
	Name(id EntityID) string

	SetParent(child, parent EntityID) error
	Parent(id EntityID) EntityID
	Children(id EntityID) []EntityID

	Transform(id EntityID) (Transform, bool)
	SetTransform(id EntityID, t Transform) error

	AttachMesh(id EntityID, m MeshComponent) error
	Mesh(id EntityID) (MeshComponent, bool)
	AttachBody(id EntityID, b BodyComponent) error
	Body(id EntityID) (BodyComponent, bool)
}

type entity struct {
	name      string
	parent    EntityID
	children  []EntityID
	transform Transform
	mesh      *MeshComponent
	body      *BodyComponent
}

// MemoryRegistry is an in-memory Registry safe for concurrent use.
type MemoryRegistry struct {
	mu       sync.RWMutex
	next     EntityID
	entities map[EntityID]*entity
}

var _ Registry = (*MemoryRegistry)(nil)

// NewRegistry returns an empty in-memory registry.
func NewRegistry() *MemoryRegistry {
	return &MemoryRegistry{entities: make(map[EntityID]*entity)}
}

// Create adds a root entity with an identity transform.
func (r *MemoryRegistry) Create(name string) EntityID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.entities[r.next] = &entity{name: name, transform: IdentityTransform()}
	return r.next
}

// Destroy removes id and its subtree. Unknown ids are ignored.
func (r *MemoryRegistry) Destroy(id EntityID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entities[id]
	if !ok {
		return
	}
	if p, ok := r.entities[e.parent]; ok {
		p.children = lo.Without(p.children, id)
	}
	r.destroy(id)
}

func (r *MemoryRegistry) destroy(id EntityID) {
	e, ok := r.entities[id]
	if !ok {
		return
	}
	for _, c := range e.children {
		r.destroy(c)
	}
	delete(r.entities, id)
}

// Valid reports whether id names a live entity.
func (r *MemoryRegistry) Valid(id EntityID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entities[id]
	return ok
}

// Name returns the entity name, or "" for unknown ids.
func (r *MemoryRegistry) Name(id EntityID) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entities[id]; ok {
		return e.name
	}
	return ""
}

// Len returns the number of live entities.
func (r *MemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entities)
}

// SetParent moves child under parent. NoEntity detaches child to the root.
func (r *MemoryRegistry) SetParent(child, parent EntityID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.entities[child]
	if !ok {
		return fmt.Errorf("%w: child %d", ErrUnknownEntity, child)
	}
	if parent != NoEntity {
		if _, ok := r.entities[parent]; !ok {
			return fmt.Errorf("%w: parent %d", ErrUnknownEntity, parent)
		}
		for p := parent; p != NoEntity; p = r.entities[p].parent {
			if p == child {
				return fmt.Errorf("scene: parenting %d under %d would create a cycle", child, parent)
			}
		}
	}
	if old, ok := r.entities[c.parent]; ok {
		old.children = lo.Without(old.children, child)
	}
	c.parent = parent
	if parent != NoEntity {
		r.entities[parent].children = append(r.entities[parent].children, child)
	}
	return nil
}

// Parent returns the parent of id, or NoEntity.
func (r *MemoryRegistry) Parent(id EntityID) EntityID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entities[id]; ok {
		return e.parent
	}
	return NoEntity
}

// Children returns a copy of the child list of id.
func (r *MemoryRegistry) Children(id EntityID) []EntityID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entities[id]; ok {
		return append([]EntityID(nil), e.children...)
	}
	return nil
}

// Transform returns the local transform of id.
func (r *MemoryRegistry) Transform(id EntityID) (Transform, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entities[id]; ok {
		return e.transform, true
	}
	return Transform{}, false
}

// SetTransform replaces the local transform of id.
func (r *MemoryRegistry) SetTransform(id EntityID, t Transform) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entities[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownEntity, id)
	}
	e.transform = t
	return nil
}

// AttachMesh sets the mesh component of id.
func (r *MemoryRegistry) AttachMesh(id EntityID, m MeshComponent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entities[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownEntity, id)
	}
	e.mesh = &m
	return nil
}

// Mesh returns the mesh component of id.
func (r *MemoryRegistry) Mesh(id EntityID) (MeshComponent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entities[id]; ok && e.mesh != nil {
		return *e.mesh, true
	}
	return MeshComponent{}, false
}

// AttachBody sets the rigid-body component of id.
func (r *MemoryRegistry) AttachBody(id EntityID, b BodyComponent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entities[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownEntity, id)
	}
	e.body = &b
	return nil
}

// Body returns the rigid-body component of id.
func (r *MemoryRegistry) Body(id EntityID) (BodyComponent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entities[id]; ok && e.body != nil {
		return *e.body, true
	}
	return BodyComponent{}, false
}
