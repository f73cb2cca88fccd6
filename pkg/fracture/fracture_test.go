package fracture

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/chazu/splinter/pkg/config"
	"github.com/chazu/splinter/pkg/graph"
	"github.com/chazu/splinter/pkg/kernel"
	"github.com/chazu/splinter/pkg/kernel/sdfx"
	"github.com/chazu/splinter/pkg/physics"
	"github.com/chazu/splinter/pkg/physics/sim"
	"github.com/chazu/splinter/pkg/scene"
	"github.com/chazu/splinter/pkg/tessellate"
	"github.com/go-gl/mathgl/mgl32"
)

const dt = float32(1.0 / 60)

// slabKernel cuts a mesh into equal slabs along X. Neighbouring slabs
// share their faces exactly, which makes joint counts predictable.
type slabKernel struct {
	fail error
}

func (k slabKernel) GenerateSites(src *kernel.Mesh, count int, _ int64) ([]mgl32.Vec3, error) {
	b := kernel.BoundsOf(src.Positions)
	c := b.Center()
	sites := make([]mgl32.Vec3, count)
	for i := range sites {
		t := (float32(i) + 0.5) / float32(count)
		sites[i] = mgl32.Vec3{b.Min[0] + t*(b.Max[0]-b.Min[0]), c[1], c[2]}
	}
	return sites, nil
}

func (k slabKernel) Fracture(ctx context.Context, src *kernel.Mesh, sites []mgl32.Vec3, _ bool) (kernel.Result, error) {
	if k.fail != nil {
		return nil, k.fail
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := kernel.BoundsOf(src.Positions)
	size := b.Max.Sub(b.Min)
	n := len(sites)
	width := size[0] / float32(n)
	res := &slabResult{}
	for i := 0; i < n; i++ {
		lo := b.Min[0] + width*float32(i)
		hi := lo + width
		if i == n-1 {
			hi = b.Max[0]
		}
		box := tessellate.Box(mgl32.Vec3{hi - lo, size[1], size[2]})
		offset := mgl32.Vec3{(lo + hi) / 2, b.Center()[1], b.Center()[2]}
		tris := box.Triangles()
		for j := range tris {
			tris[j].A.P = tris[j].A.P.Add(offset)
			tris[j].B.P = tris[j].B.P.Add(offset)
			tris[j].C.P = tris[j].C.P.Add(offset)
		}
		res.chunks = append(res.chunks, tris)
	}
	return res, nil
}

type slabResult struct{ chunks [][]kernel.Triangle }

func (r *slabResult) ChunkCount() int                       { return len(r.chunks) }
func (r *slabResult) ChunkTriangles(i int) []kernel.Triangle { return r.chunks[i] }

type fixture struct {
	sub   *Subsystem
	world *sim.World
	reg   *scene.MemoryRegistry
}

func newFixture(t *testing.T, k kernel.Kernel, tweak func(*config.Config)) fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Split.Impulse = 0
	if tweak != nil {
		tweak(cfg)
	}
	world := sim.New(sim.DefaultConfig(), nil)
	reg := scene.NewRegistry()
	sub := New(cfg, k, world, reg, nil)
	t.Cleanup(func() { sub.Close() })
	return fixture{sub: sub, world: world, reg: reg}
}

func wall(chunks int, anchor Anchor) Request {
	return Request{
		Name:       "wall",
		Mesh:       tessellate.Box(mgl32.Vec3{1, 1, 1}),
		Pose:       physics.Identity(),
		Anchor:     anchor,
		Seed:       7,
		ChunkCount: chunks,
		Inside:     &scene.Material{Name: "inside"},
		Outside:    &scene.Material{Name: "outside"},
	}
}

func mustFracture(t *testing.T, f fixture, req Request) *Destructible {
	t.Helper()
	id, err := f.sub.Fracture(context.Background(), req)
	if err != nil {
		t.Fatalf("Fracture: %v", err)
	}
	d, ok := f.sub.Get(id)
	if !ok {
		t.Fatalf("destructible %s not registered", id)
	}
	return d
}

func TestFractureBuildsGraph(t *testing.T) {
	f := newFixture(t, slabKernel{}, nil)
	d := mustFracture(t, f, wall(4, AnchorLeft))

	actors := d.Actors()
	if len(actors) != 4 {
		t.Fatalf("chunks = %d, want 4", len(actors))
	}
	m := d.Manager()
	if m.Len() != 4 {
		t.Errorf("graph nodes = %d, want 4", m.Len())
	}
	if got := f.world.JointCount(); got != 3 {
		t.Errorf("joints = %d, want 3 between neighbouring slabs", got)
	}
	if findings := graph.Validate(m); len(findings) != 0 {
		t.Errorf("Validate: %v", findings)
	}
	for i, a := range actors {
		n, _ := m.Node(a)
		if !n.Frozen || !f.world.Kinematic(a) {
			t.Errorf("chunk %d not frozen", i)
		}
		if n.Anchored != (i == 0) {
			t.Errorf("chunk %d anchored = %v", i, n.Anchored)
		}
	}
	if f.world.CollisionEnabled(actors[0], actors[1]) {
		t.Error("collision between joined chunks still enabled")
	}
	if got := f.world.Mass(actors[0]); math.Abs(float64(got)-125) > 1e-3 {
		t.Errorf("mass = %v, want 125", got)
	}

	if got := f.reg.Name(d.Root); got != "Fracture" {
		t.Errorf("root name = %q", got)
	}
	children := f.reg.Children(d.Root)
	if len(children) != 4 {
		t.Fatalf("root children = %d, want 4", len(children))
	}
	for _, e := range children {
		mc, ok := f.reg.Mesh(e)
		if !ok || mc.Mesh.IsEmpty() || mc.Inside.Name != "inside" {
			t.Errorf("entity %d mesh component = %+v", e, mc)
		}
		if _, ok := f.reg.Body(e); !ok {
			t.Errorf("entity %d has no body", e)
		}
	}
}

func TestFractureAnchorsFaceChunks(t *testing.T) {
	tests := []struct {
		name   string
		anchor Anchor
		pose   physics.Pose
		want   []int
	}{
		{"left", AnchorLeft, physics.Identity(), []int{0}},
		{"right", AnchorRight, physics.Identity(), []int{3}},
		{"left and right", AnchorLeft | AnchorRight, physics.Identity(), []int{0, 3}},
		{"bottom", AnchorBottom, physics.Identity(), []int{0, 1, 2, 3}},
		{"none", AnchorNone, physics.Identity(), nil},
		{
			name:   "left, moved and turned",
			anchor: AnchorLeft,
			pose: physics.Pose{
				Position: mgl32.Vec3{3, 1, -2},
				Rotation: mgl32.QuatRotate(math.Pi/2, mgl32.Vec3{0, 1, 0}),
			},
			want: []int{0},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, slabKernel{}, nil)
			req := wall(4, tt.anchor)
			req.Pose = tt.pose
			d := mustFracture(t, f, req)

			want := make(map[int]bool)
			for _, i := range tt.want {
				want[i] = true
			}
			for i, a := range d.Actors() {
				n, _ := d.Manager().Node(a)
				if n.Anchored != want[i] {
					t.Errorf("chunk %d anchored = %v, want %v", i, n.Anchored, want[i])
				}
			}
		})
	}
}

func TestFractureRejects(t *testing.T) {
	tests := []struct {
		name    string
		kernel  kernel.Kernel
		req     Request
		wantErr error
	}{
		{"zero chunks", slabKernel{}, wall(0, AnchorNone), ErrInvalidChunkCount},
		{"negative chunks", slabKernel{}, wall(-3, AnchorNone), ErrInvalidChunkCount},
		{"empty mesh", slabKernel{}, Request{ChunkCount: 2}, ErrEmptyMesh},
		{"kernel failure", slabKernel{fail: errors.New("boom")}, wall(4, AnchorNone), ErrFractureFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.kernel, nil)
			id, err := f.sub.Fracture(context.Background(), tt.req)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if !id.IsNil() {
				t.Errorf("id = %s, want nil", id)
			}
			if f.reg.Len() != 0 || f.world.ActorCount() != 0 {
				t.Errorf("left %d entities and %d actors behind", f.reg.Len(), f.world.ActorCount())
			}
		})
	}
}

func TestFractureSingleChunk(t *testing.T) {
	f := newFixture(t, slabKernel{fail: errors.New("must not be called")}, nil)
	d := mustFracture(t, f, wall(1, AnchorNone))

	if len(d.Actors()) != 1 || d.Manager().Len() != 1 {
		t.Fatalf("chunks = %d, nodes = %d, want 1", len(d.Actors()), d.Manager().Len())
	}
	if f.world.JointCount() != 0 {
		t.Errorf("joints = %d, want 0", f.world.JointCount())
	}
	rep, err := f.sub.Step(context.Background(), dt)
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Unfrozen) != 0 {
		t.Errorf("unfrozen = %v without any break", rep.Unfrozen)
	}
}

func TestDamageReleasesUnanchoredChunks(t *testing.T) {
	f := newFixture(t, slabKernel{}, nil)
	d := mustFracture(t, f, wall(4, AnchorLeft))
	actors := d.Actors()

	res, err := f.sub.Damage(actors[1], mgl32.Vec3{0, 0, 500})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Broken) != 2 {
		t.Errorf("broken = %v, want both joints of chunk 1", res.Broken)
	}
	if res.SplitRequested {
		t.Error("split requested with splits disabled")
	}

	rep, err := f.sub.Step(context.Background(), dt)
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Unfrozen) != 3 {
		t.Fatalf("unfrozen = %v, want chunks 1-3", rep.Unfrozen)
	}
	for i := 0; i < 10; i++ {
		if _, err := f.sub.Step(context.Background(), dt); err != nil {
			t.Fatal(err)
		}
	}

	anchored, _ := f.world.Pose(actors[0])
	fallen, _ := f.world.Pose(actors[3])
	if anchored.Position != (mgl32.Vec3{}) {
		t.Errorf("anchored chunk moved to %v", anchored.Position)
	}
	if fallen.Position.Y() >= 0 {
		t.Errorf("released chunk at %v, want below origin", fallen.Position)
	}
	// Chunks 2 and 3 are still joined and fall together.
	other, _ := f.world.Pose(actors[2])
	if other.Position != fallen.Position {
		t.Errorf("joined chunks drifted: %v vs %v", other.Position, fallen.Position)
	}

	tr, ok := f.reg.Transform(d.Entities()[3])
	if !ok || tr.Position != fallen.Position {
		t.Errorf("entity transform %v not synced to %v", tr.Position, fallen.Position)
	}
}

func TestEngineBreakIsRouted(t *testing.T) {
	f := newFixture(t, slabKernel{}, nil)
	d := mustFracture(t, f, wall(4, AnchorLeft))
	rec := graph.NewRecorder()
	f.sub.Record(rec)
	actors := d.Actors()

	// Below the joint break force, so only the engine's load test breaks it.
	res, err := f.sub.Damage(actors[3], mgl32.Vec3{150, 0, 0})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Broken) != 0 {
		t.Fatalf("direct breaks = %v, want none", res.Broken)
	}
	rep, err := f.sub.Step(context.Background(), dt)
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Unfrozen) != 1 || rep.Unfrozen[0] != actors[3] {
		t.Errorf("unfrozen = %v, want [%d]", rep.Unfrozen, actors[3])
	}
	if rec.Len() != 1 {
		t.Errorf("recorded %d breaks, want 1", rec.Len())
	}
}

func TestSplit(t *testing.T) {
	f := newFixture(t, slabKernel{}, func(c *config.Config) {
		c.Split.MaxGeneration = 1
		c.Split.Pieces = 2
	})
	d := mustFracture(t, f, wall(4, AnchorLeft))
	actors := d.Actors()

	childID, err := f.sub.Split(context.Background(), actors[0])
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	child, ok := f.sub.Get(childID)
	if !ok {
		t.Fatal("child not registered")
	}
	if child.Parent != d.ID || child.Generation != 1 {
		t.Errorf("child parent %s generation %d", child.Parent, child.Generation)
	}
	pieces := child.Actors()
	if len(pieces) != 2 {
		t.Fatalf("pieces = %d, want 2", len(pieces))
	}
	n0, _ := child.Manager().Node(pieces[0])
	n1, _ := child.Manager().Node(pieces[1])
	if !n0.Anchored || n1.Anchored {
		t.Errorf("anchored = %v/%v, want only the piece on the left face", n0.Anchored, n1.Anchored)
	}
	if n0.SplitGeneration != 1 {
		t.Errorf("piece generation = %d, want 1", n0.SplitGeneration)
	}

	if len(d.Actors()) != 3 {
		t.Errorf("parent chunks = %d, want 3", len(d.Actors()))
	}
	if _, ok := f.sub.Owner(actors[0]); ok {
		t.Error("split actor still routed")
	}
	if _, ok := f.world.Pose(actors[0]); ok {
		t.Error("split actor still in the world")
	}
	if node, _ := d.Manager().Node(actors[0]); !node.Detached {
		t.Error("parent node not detached")
	}
	if findings := graph.Validate(d.Manager()); graph.HasErrors(findings) {
		t.Errorf("parent graph: %v", findings)
	}

	if _, err := f.sub.Split(context.Background(), pieces[0]); !errors.Is(err, ErrSplitGenerationCap) {
		t.Errorf("split past cap err = %v", err)
	}
	if _, err := f.sub.Split(context.Background(), actors[0]); !errors.Is(err, ErrUnknownActor) {
		t.Errorf("split of retired actor err = %v", err)
	}

	// Chunk 1 lost its anchored neighbour and falls on the next step.
	rep, err := f.sub.Step(context.Background(), dt)
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Unfrozen) != 3 {
		t.Errorf("unfrozen = %v, want the three remaining parent chunks", rep.Unfrozen)
	}
}

func TestSplitOfSupportedChunkFalls(t *testing.T) {
	f := newFixture(t, slabKernel{}, func(c *config.Config) { c.Split.Pieces = 2 })
	d := mustFracture(t, f, wall(4, AnchorLeft))
	actors := d.Actors()

	// Chunk 2 is frozen only through chunk 1; its pieces have no anchor.
	childID, err := f.sub.Split(context.Background(), actors[2])
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	child, _ := f.sub.Get(childID)
	pieces := child.Actors()
	if len(pieces) != 2 {
		t.Fatalf("pieces = %d, want 2", len(pieces))
	}

	rep, err := f.sub.Step(context.Background(), dt)
	if err != nil {
		t.Fatal(err)
	}
	released := make(map[physics.ActorID]bool)
	for _, a := range rep.Unfrozen {
		released[a] = true
	}
	for _, p := range append(pieces, actors[3]) {
		if !released[p] {
			t.Errorf("actor %d not released, unfrozen = %v", p, rep.Unfrozen)
		}
	}
	if released[actors[0]] || released[actors[1]] {
		t.Errorf("anchored side released: %v", rep.Unfrozen)
	}

	for i := 0; i < 30; i++ {
		if _, err := f.sub.Step(context.Background(), dt); err != nil {
			t.Fatal(err)
		}
	}
	for _, p := range pieces {
		n, _ := child.Manager().Node(p)
		pose, _ := f.world.Pose(p)
		if n.Frozen || f.world.Kinematic(p) {
			t.Errorf("piece %d frozen=%v kinematic=%v", p, n.Frozen, f.world.Kinematic(p))
		}
		if pose.Position.Y() >= 0 {
			t.Errorf("piece %d at %v, want falling", p, pose.Position)
		}
	}
	if n, _ := d.Manager().Node(actors[1]); !n.Frozen {
		t.Error("chunk 1 released while joined to the anchored chunk")
	}
}

func TestDamageQueuesSplit(t *testing.T) {
	f := newFixture(t, slabKernel{}, func(c *config.Config) {
		c.Split.Impulse = 1000
		c.Split.Pieces = 2
	})
	d := mustFracture(t, f, wall(2, AnchorNone))
	actors := d.Actors()

	res, err := f.sub.Damage(actors[1], mgl32.Vec3{0, 2000, 0})
	if err != nil {
		t.Fatal(err)
	}
	if !res.SplitRequested || f.sub.PendingSplits() != 1 {
		t.Fatalf("split requested %v, pending %d", res.SplitRequested, f.sub.PendingSplits())
	}
	rep, err := f.sub.Step(context.Background(), dt)
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Split) != 1 {
		t.Fatalf("splits = %v, want 1", rep.Split)
	}
	if f.sub.PendingSplits() != 0 {
		t.Error("split queue not drained")
	}
	if len(f.sub.List()) != 2 {
		t.Errorf("destructibles = %d, want parent and child", len(f.sub.List()))
	}
}

func TestDestroy(t *testing.T) {
	f := newFixture(t, slabKernel{}, func(c *config.Config) { c.Split.Pieces = 2 })
	d := mustFracture(t, f, wall(3, AnchorBottom))
	if _, err := f.sub.Split(context.Background(), d.Actors()[1]); err != nil {
		t.Fatal(err)
	}

	if err := f.sub.Destroy(d.ID); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if f.reg.Len() != 0 {
		t.Errorf("entities left = %d", f.reg.Len())
	}
	if f.world.ActorCount() != 0 || f.world.JointCount() != 0 {
		t.Errorf("actors %d joints %d left", f.world.ActorCount(), f.world.JointCount())
	}
	if len(f.sub.List()) != 0 {
		t.Errorf("destructibles left = %v", f.sub.List())
	}
	if err := f.sub.Destroy(d.ID); !errors.Is(err, ErrUnknownDestructible) {
		t.Errorf("second Destroy err = %v", err)
	}
}

func TestStepAfterClose(t *testing.T) {
	f := newFixture(t, slabKernel{}, nil)
	mustFracture(t, f, wall(2, AnchorNone))
	if err := f.sub.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := f.sub.Step(context.Background(), dt); !errors.Is(err, ErrClosed) {
		t.Errorf("Step err = %v, want ErrClosed", err)
	}
	if _, err := f.sub.Fracture(context.Background(), wall(2, AnchorNone)); !errors.Is(err, ErrClosed) {
		t.Errorf("Fracture err = %v, want ErrClosed", err)
	}
	if f.world.ActorCount() != 0 {
		t.Errorf("actors left = %d", f.world.ActorCount())
	}
}

func TestCloseDropsQueuedSplits(t *testing.T) {
	f := newFixture(t, slabKernel{}, func(c *config.Config) { c.Split.Impulse = 1000 })
	d := mustFracture(t, f, wall(2, AnchorNone))
	if _, err := f.sub.Damage(d.Actors()[0], mgl32.Vec3{2000, 0, 0}); err != nil {
		t.Fatal(err)
	}
	if f.sub.PendingSplits() != 1 {
		t.Fatalf("pending = %d, want 1", f.sub.PendingSplits())
	}
	if err := f.sub.Close(); err != nil {
		t.Fatal(err)
	}
	if got := f.sub.PendingSplits(); got != 0 {
		t.Errorf("pending after Close = %d, want 0", got)
	}
}

func TestMissingBodyComponentIsLogged(t *testing.T) {
	f := newFixture(t, slabKernel{}, nil)
	d := mustFracture(t, f, wall(2, AnchorNone))
	stray := f.reg.Create("stray")
	if err := f.reg.SetParent(stray, d.Root); err != nil {
		t.Fatal(err)
	}
	if _, err := f.sub.Step(context.Background(), dt); err != nil {
		t.Fatalf("Step with a bodiless child: %v", err)
	}
	if tr, _ := f.reg.Transform(stray); tr != scene.IdentityTransform() {
		t.Errorf("stray entity transform changed to %+v", tr)
	}
}

func TestFractureWithSdfxKernel(t *testing.T) {
	if testing.Short() {
		t.Skip("meshes every chunk")
	}
	f := newFixture(t, sdfx.New(12), nil)
	d := mustFracture(t, f, wall(3, AnchorBottom))

	n := len(d.Actors())
	if n < 1 || n > 3 {
		t.Fatalf("chunks = %d, want 1..3", n)
	}
	if findings := graph.Validate(d.Manager()); graph.HasErrors(findings) {
		t.Errorf("Validate: %v", findings)
	}
	t.Logf("%d chunks, %d joints", n, f.world.JointCount())
}
