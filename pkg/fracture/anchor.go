package fracture

import (
	"fmt"
	"strings"

	"github.com/chazu/splinter/pkg/kernel"
	"github.com/chazu/splinter/pkg/physics"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/samber/lo"
)

// Anchor is a bit mask of the bounding box faces whose chunks are held in
// place.
type Anchor uint8

const (
	AnchorLeft   Anchor = 1 << iota // -X
	AnchorRight                     // +X
	AnchorBottom                    // -Y
	AnchorTop                       // +Y
	AnchorFront                     // -Z
	AnchorBack                      // +Z

	AnchorNone Anchor = 0
	AnchorAll         = AnchorLeft | AnchorRight | AnchorBottom | AnchorTop | AnchorFront | AnchorBack
)

type anchorName struct {
	bit  Anchor
	name string
}

var anchorNames = []anchorName{
	{AnchorLeft, "left"},
	{AnchorRight, "right"},
	{AnchorBottom, "bottom"},
	{AnchorTop, "top"},
	{AnchorFront, "front"},
	{AnchorBack, "back"},
}

func (a Anchor) String() string {
	if a == AnchorNone {
		return "none"
	}
	var parts []string
	for _, n := range anchorNames {
		if a&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// ParseAnchor combines face names ("left", "bottom", "all", "none", ...)
// into a mask.
func ParseAnchor(names ...string) (Anchor, error) {
	var a Anchor
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		switch name {
		case "", "none":
			continue
		case "all":
			a |= AnchorAll
			continue
		}
		n, ok := lo.Find(anchorNames, func(n anchorName) bool { return n.name == name })
		if !ok {
			return AnchorNone, fmt.Errorf("fracture: unknown anchor %q", raw)
		}
		a |= n.bit
	}
	return a, nil
}

// slab is one overlap box used to find anchored chunks.
type slab struct {
	center mgl32.Vec3
	half   mgl32.Vec3
	rot    mgl32.Quat
}

// anchorSlabs returns one thin box per anchored face of bounds, placed in
// world space by pose. frameWidth is the half thickness of each box.
func anchorSlabs(a Anchor, pose physics.Pose, bounds kernel.Bounds, frameWidth float32) []slab {
	if a == AnchorNone || bounds.IsEmpty() {
		return nil
	}
	center := pose.Apply(bounds.Center())
	ext := bounds.Extents()
	right := pose.Rotation.Rotate(mgl32.Vec3{1, 0, 0})
	up := pose.Rotation.Rotate(mgl32.Vec3{0, 1, 0})
	forward := pose.Rotation.Rotate(mgl32.Vec3{0, 0, 1})

	var out []slab
	add := func(bit Anchor, dir mgl32.Vec3, dist float32, half mgl32.Vec3) {
		if a&bit == 0 {
			return
		}
		out = append(out, slab{center: center.Add(dir.Mul(dist)), half: half, rot: pose.Rotation})
	}
	xSlab := mgl32.Vec3{frameWidth, ext[1], ext[2]}
	ySlab := mgl32.Vec3{ext[0], frameWidth, ext[2]}
	zSlab := mgl32.Vec3{ext[0], ext[1], frameWidth}
	add(AnchorLeft, right, -ext[0], xSlab)
	add(AnchorRight, right, ext[0], xSlab)
	add(AnchorBottom, up, -ext[1], ySlab)
	add(AnchorTop, up, ext[1], ySlab)
	add(AnchorFront, forward, -ext[2], zSlab)
	add(AnchorBack, forward, ext[2], zSlab)
	return out
}

// AnchoredColliders returns the chunks of d touched by the anchor slabs of
// mask laid on the given root-space bounds.
func (s *Subsystem) AnchoredColliders(d *Destructible, mask Anchor, pose physics.Pose, bounds kernel.Bounds) []physics.ActorID {
	var hits []physics.ActorID
	for _, sl := range anchorSlabs(mask, pose, bounds, s.cfg.Fracture.FrameWidth) {
		hits = append(hits, s.engine.OverlapBox(sl.center, sl.half, sl.rot)...)
	}
	hits = lo.Uniq(hits)
	return lo.Filter(hits, func(h physics.ActorID, _ int) bool {
		_, ours := d.byActor[h]
		return ours
	})
}

// anchorChunks marks every chunk under an anchor slab as anchored. It
// returns the number of anchored chunks.
func (s *Subsystem) anchorChunks(d *Destructible, mask Anchor, pose physics.Pose, bounds kernel.Bounds) int {
	if mask == AnchorNone {
		return 0
	}
	anchored := 0
	for _, h := range s.AnchoredColliders(d, mask, pose, bounds) {
		if err := d.manager.Anchor(h); err != nil {
			d.log.Error("anchor chunk", "actor", h, "error", err)
			continue
		}
		anchored++
	}
	d.log.Debug("anchored chunks", "anchor", mask, "count", anchored)
	return anchored
}
