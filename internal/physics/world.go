package physics

// BodyHandle refers to a rigid body inside one World. Handles encode a
// 32-bit slot index and a 32-bit generation so a handle from a removed
// body never resolves to its slot's new occupant.
type BodyHandle uint64

func newBodyHandle(index uint32, generation uint32) BodyHandle {
	return BodyHandle(uint64(generation)<<32 | uint64(index))
}

func (h BodyHandle) index() uint32      { return uint32(h) }
func (h BodyHandle) generation() uint32 { return uint32(h >> 32) }
func (h BodyHandle) IsZero() bool       { return h == 0 }

// BodyKind selects how Step treats a body.
type BodyKind uint8

const (
	// Kinematic bodies are moved only by SetPosition; Step never
	// integrates them and dynamic bodies collide against them.
	Kinematic BodyKind = iota
	// Dynamic bodies fall under gravity and are resolved against
	// kinematic bodies and the ground plane.
	Dynamic
)

type body struct {
	kind BodyKind
	pos  Vec3 // center
	vel  Vec3
	half Vec3 // half extents of the AABB

	// target is a pending MoveToward destination; nil speed means idle.
	targetPos   Vec3
	targetSpeed float64
	hasTarget   bool

	alive bool
}

// World owns the rigid bodies of one game instance. It is not safe for
// concurrent use; the owning tick loop is the only caller.
type World struct {
	bodies      []body
	generations []uint32
	freeList    []uint32
	gravity     float64
	groundY     float64
}

// NewWorld creates an empty physics world with default gravity and a
// ground plane at y=0.
func NewWorld() *World {
	w := &World{
		bodies:      make([]body, 1, 64),
		generations: make([]uint32, 1, 64),
		freeList:    make([]uint32, 0, 16),
		gravity:     -196.2, // studs/s², matches the hosted runtime scale
	}
	// Burn slot 0 so the zero BodyHandle never resolves.
	w.generations[0] = 1
	return w
}

// CreateBody adds a body and returns its handle.
func (w *World) CreateBody(kind BodyKind, pos, size Vec3) BodyHandle {
	half := size.Scale(0.5)
	if len(w.freeList) > 0 {
		idx := w.freeList[len(w.freeList)-1]
		w.freeList = w.freeList[:len(w.freeList)-1]
		w.bodies[idx] = body{kind: kind, pos: pos, half: half, alive: true}
		return newBodyHandle(idx, w.generations[idx])
	}
	idx := uint32(len(w.bodies))
	w.bodies = append(w.bodies, body{kind: kind, pos: pos, half: half, alive: true})
	w.generations = append(w.generations, 0)
	return newBodyHandle(idx, w.generations[idx])
}

// RemoveBody frees a body. Stale handles are ignored.
func (w *World) RemoveBody(h BodyHandle) {
	b := w.resolve(h)
	if b == nil {
		return
	}
	b.alive = false
	idx := h.index()
	w.generations[idx]++
	w.freeList = append(w.freeList, idx)
}

func (w *World) resolve(h BodyHandle) *body {
	idx := h.index()
	if int(idx) >= len(w.bodies) {
		return nil
	}
	if w.generations[idx] != h.generation() {
		return nil
	}
	b := &w.bodies[idx]
	if !b.alive {
		return nil
	}
	return b
}

// Alive reports whether the handle still refers to a live body.
func (w *World) Alive(h BodyHandle) bool {
	return w.resolve(h) != nil
}

// Position returns the body center, or the zero vector for a stale handle.
func (w *World) Position(h BodyHandle) Vec3 {
	if b := w.resolve(h); b != nil {
		return b.pos
	}
	return Vec3{}
}

// SetPosition teleports a body. The write is visible to the next Step; it
// never retroactively affects a step that already ran.
func (w *World) SetPosition(h BodyHandle, pos Vec3) {
	if b := w.resolve(h); b != nil {
		b.pos = pos
	}
}

// Velocity returns the body's linear velocity.
func (w *World) Velocity(h BodyHandle) Vec3 {
	if b := w.resolve(h); b != nil {
		return b.vel
	}
	return Vec3{}
}

// SetVelocity overrides the body's linear velocity.
func (w *World) SetVelocity(h BodyHandle, vel Vec3) {
	if b := w.resolve(h); b != nil {
		b.vel = vel
	}
}

// MoveToward steers a body horizontally toward dst at the given speed.
// The body stops (and the target clears) once within arrival distance.
func (w *World) MoveToward(h BodyHandle, dst Vec3, speed float64) {
	if b := w.resolve(h); b != nil {
		b.targetPos = dst
		b.targetSpeed = speed
		b.hasTarget = true
	}
}

// ClearTarget cancels a pending MoveToward.
func (w *World) ClearTarget(h BodyHandle) {
	if b := w.resolve(h); b != nil {
		b.hasTarget = false
	}
}

const arrivalDistance = 0.5

// Step advances the simulation by dt seconds: steering, gravity, velocity
// integration, then collision resolution against kinematic bodies and the
// ground plane. Only dynamic bodies move.
func (w *World) Step(dt float64) {
	for i := range w.bodies {
		b := &w.bodies[i]
		if !b.alive || b.kind != Dynamic {
			continue
		}

		if b.hasTarget {
			flat := Vec3{b.targetPos.X - b.pos.X, 0, b.targetPos.Z - b.pos.Z}
			if flat.Length() <= arrivalDistance {
				b.hasTarget = false
				b.vel.X, b.vel.Z = 0, 0
			} else {
				dir := flat.Normalized().Scale(b.targetSpeed)
				b.vel.X, b.vel.Z = dir.X, dir.Z
			}
		}

		b.vel.Y += w.gravity * dt
		b.pos = b.pos.Add(b.vel.Scale(dt))

		w.resolveGround(b)
		w.resolveStatics(b)
	}
}

func (w *World) resolveGround(b *body) {
	bottom := b.pos.Y - b.half.Y
	if bottom < w.groundY {
		b.pos.Y = w.groundY + b.half.Y
		if b.vel.Y < 0 {
			b.vel.Y = 0
		}
	}
}

// resolveStatics pushes a dynamic body out of overlapping kinematic AABBs
// along the axis of least penetration.
func (w *World) resolveStatics(b *body) {
	for i := range w.bodies {
		s := &w.bodies[i]
		if !s.alive || s.kind != Kinematic {
			continue
		}
		dx := (b.half.X + s.half.X) - abs(b.pos.X-s.pos.X)
		dy := (b.half.Y + s.half.Y) - abs(b.pos.Y-s.pos.Y)
		dz := (b.half.Z + s.half.Z) - abs(b.pos.Z-s.pos.Z)
		if dx <= 0 || dy <= 0 || dz <= 0 {
			continue
		}
		switch {
		case dy <= dx && dy <= dz:
			if b.pos.Y >= s.pos.Y {
				b.pos.Y += dy
			} else {
				b.pos.Y -= dy
			}
			b.vel.Y = 0
		case dx <= dz:
			if b.pos.X >= s.pos.X {
				b.pos.X += dx
			} else {
				b.pos.X -= dx
			}
			b.vel.X = 0
		default:
			if b.pos.Z >= s.pos.Z {
				b.pos.Z += dz
			} else {
				b.pos.Z -= dz
			}
			b.vel.Z = 0
		}
	}
}

// BodyCount returns the number of live bodies.
func (w *World) BodyCount() int {
	n := 0
	for i := range w.bodies {
		if w.bodies[i].alive {
			n++
		}
	}
	return n
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
