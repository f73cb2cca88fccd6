package scene

import (
	"errors"
	"testing"

	"github.com/chazu/splinter/pkg/kernel"
	"github.com/go-gl/mathgl/mgl32"
)

func TestCreateAndDestroyHierarchy(t *testing.T) {
	r := NewRegistry()
	root := r.Create("Fracture")
	a := r.Create("chunk-0")
	b := r.Create("chunk-1")
	grand := r.Create("piece")

	for _, c := range []EntityID{a, b} {
		if err := r.SetParent(c, root); err != nil {
			t.Fatalf("SetParent(%d, root) failed: %v", c, err)
		}
	}
	if err := r.SetParent(grand, a); err != nil {
		t.Fatalf("SetParent(grand, a) failed: %v", err)
	}

	if got := r.Children(root); len(got) != 2 || got[0] != a || got[1] != b {
		t.Errorf("Children(root) = %v, want [%d %d]", got, a, b)
	}
	if r.Parent(grand) != a {
		t.Errorf("Parent(grand) = %d, want %d", r.Parent(grand), a)
	}
	if r.Name(root) != "Fracture" {
		t.Errorf("Name(root) = %q", r.Name(root))
	}

	r.Destroy(a)
	if r.Valid(a) || r.Valid(grand) {
		t.Error("Destroy did not remove the subtree")
	}
	if got := r.Children(root); len(got) != 1 || got[0] != b {
		t.Errorf("Children(root) after destroy = %v, want [%d]", got, b)
	}

	r.Destroy(root)
	if r.Len() != 0 {
		t.Errorf("Len() = %d after destroying root, want 0", r.Len())
	}
	r.Destroy(root) // idempotent
}

func TestSetParentErrors(t *testing.T) {
	r := NewRegistry()
	a := r.Create("a")
	b := r.Create("b")
	_ = r.SetParent(b, a)

	tests := []struct {
		name          string
		child, parent EntityID
		unknown       bool
	}{
		{"unknown child", 99, a, true},
		{"unknown parent", a, 99, true},
		{"cycle", a, b, false},
		{"self", a, a, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.SetParent(tt.child, tt.parent)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := errors.Is(err, ErrUnknownEntity); got != tt.unknown {
				t.Errorf("errors.Is(ErrUnknownEntity) = %v, want %v (%v)", got, tt.unknown, err)
			}
		})
	}

	if err := r.SetParent(b, NoEntity); err != nil {
		t.Fatalf("detach failed: %v", err)
	}
	if len(r.Children(a)) != 0 || r.Parent(b) != NoEntity {
		t.Error("detach did not unlink")
	}
}

func TestComponents(t *testing.T) {
	r := NewRegistry()
	e := r.Create("chunk")

	if _, ok := r.Mesh(e); ok {
		t.Error("new entity has a mesh component")
	}
	if _, ok := r.Body(e); ok {
		t.Error("new entity has a body component")
	}

	inside := &Material{Name: "inside", Color: mgl32.Vec4{1, 0, 0, 1}}
	if err := r.AttachMesh(e, MeshComponent{Mesh: &kernel.Mesh{Name: "m"}, Inside: inside}); err != nil {
		t.Fatalf("AttachMesh failed: %v", err)
	}
	if err := r.AttachBody(e, BodyComponent{Actor: 7}); err != nil {
		t.Fatalf("AttachBody failed: %v", err)
	}
	m, ok := r.Mesh(e)
	if !ok || m.Mesh.Name != "m" || m.Inside != inside {
		t.Errorf("Mesh() = %+v, %v", m, ok)
	}
	b, ok := r.Body(e)
	if !ok || b.Actor != 7 {
		t.Errorf("Body() = %+v, %v", b, ok)
	}

	if err := r.AttachBody(99, BodyComponent{}); !errors.Is(err, ErrUnknownEntity) {
		t.Errorf("AttachBody(unknown) = %v, want ErrUnknownEntity", err)
	}
	if err := r.AttachMesh(99, MeshComponent{}); !errors.Is(err, ErrUnknownEntity) {
		t.Errorf("AttachMesh(unknown) = %v, want ErrUnknownEntity", err)
	}
}

func TestTransform(t *testing.T) {
	r := NewRegistry()
	e := r.Create("t")
	got, ok := r.Transform(e)
	if !ok || got != IdentityTransform() {
		t.Fatalf("initial Transform() = %+v, %v; want identity", got, ok)
	}
	want := Transform{Position: mgl32.Vec3{1, 2, 3}, Rotation: mgl32.QuatIdent(), Scale: mgl32.Vec3{2, 2, 2}}
	if err := r.SetTransform(e, want); err != nil {
		t.Fatalf("SetTransform failed: %v", err)
	}
	if got, _ := r.Transform(e); got != want {
		t.Errorf("Transform() = %+v, want %+v", got, want)
	}
	if p := want.Pose(); p.Position != want.Position {
		t.Errorf("Pose().Position = %v", p.Position)
	}
	if err := r.SetTransform(99, want); !errors.Is(err, ErrUnknownEntity) {
		t.Errorf("SetTransform(unknown) = %v, want ErrUnknownEntity", err)
	}
}
