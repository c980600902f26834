package physics

import (
	"math"
	"testing"
)

func TestBodyHandleLifecycle(t *testing.T) {
	w := NewWorld()

	h := w.CreateBody(Dynamic, Vec3{X: 1, Y: 2, Z: 3}, Vec3{X: 1, Y: 1, Z: 1})
	if !w.Alive(h) {
		t.Fatalf("fresh body not alive")
	}
	if got := w.Position(h); got != (Vec3{X: 1, Y: 2, Z: 3}) {
		t.Fatalf("position = %+v, want {1 2 3}", got)
	}

	w.RemoveBody(h)
	if w.Alive(h) {
		t.Fatalf("removed body still alive")
	}
	if got := w.Position(h); got != (Vec3{}) {
		t.Fatalf("stale position = %+v, want zero", got)
	}

	// Slot reuse must not resurrect the old handle.
	h2 := w.CreateBody(Dynamic, Vec3{X: 9}, Vec3{X: 1, Y: 1, Z: 1})
	if h2 == h {
		t.Fatalf("recycled slot produced identical handle")
	}
	if w.Alive(h) {
		t.Fatalf("stale handle resolves after slot reuse")
	}
	if !w.Alive(h2) {
		t.Fatalf("new body not alive")
	}

	// Double remove is a no-op and must not free the new occupant.
	w.RemoveBody(h)
	if !w.Alive(h2) {
		t.Fatalf("stale remove freed the slot's new occupant")
	}
}

func TestZeroHandleNeverResolves(t *testing.T) {
	w := NewWorld()
	if w.Alive(BodyHandle(0)) {
		t.Fatalf("zero handle resolved")
	}
	w.SetPosition(BodyHandle(0), Vec3{X: 5}) // must not panic
}

func TestGravitySettlesOnGround(t *testing.T) {
	w := NewWorld()
	h := w.CreateBody(Dynamic, Vec3{Y: 10}, Vec3{X: 1, Y: 1, Z: 1})

	for i := 0; i < 200; i++ {
		w.Step(1.0 / 60.0)
	}

	got := w.Position(h)
	if math.Abs(got.Y-0.5) > 1e-9 {
		t.Fatalf("resting Y = %v, want 0.5 (half extent above ground)", got.Y)
	}
	if vy := w.Velocity(h).Y; vy != 0 {
		t.Fatalf("resting vertical velocity = %v, want 0", vy)
	}
}

func TestKinematicBodyIgnoresGravity(t *testing.T) {
	w := NewWorld()
	h := w.CreateBody(Kinematic, Vec3{Y: 10}, Vec3{X: 2, Y: 2, Z: 2})

	for i := 0; i < 50; i++ {
		w.Step(1.0 / 60.0)
	}
	if got := w.Position(h); got.Y != 10 {
		t.Fatalf("kinematic body moved to Y=%v", got.Y)
	}
}

func TestMoveTowardArrives(t *testing.T) {
	w := NewWorld()
	h := w.CreateBody(Dynamic, Vec3{Y: 0.5}, Vec3{X: 1, Y: 1, Z: 1})
	w.MoveToward(h, Vec3{X: 10, Y: 0.5}, 8)

	for i := 0; i < 300; i++ {
		w.Step(1.0 / 60.0)
	}

	got := w.Position(h)
	if math.Abs(got.X-10) > 1.0 {
		t.Fatalf("X = %v, want within arrival distance of 10", got.X)
	}
	if vel := w.Velocity(h); vel.X != 0 || vel.Z != 0 {
		t.Fatalf("horizontal velocity after arrival = %+v, want zero", vel)
	}
}

func TestSetPositionTeleports(t *testing.T) {
	w := NewWorld()
	h := w.CreateBody(Dynamic, Vec3{Y: 0.5}, Vec3{X: 1, Y: 1, Z: 1})
	w.MoveToward(h, Vec3{X: 100, Y: 0.5}, 8)
	w.Step(1.0 / 60.0)

	w.SetPosition(h, Vec3{X: 50, Y: 0.5})
	if got := w.Position(h); got.X != 50 {
		t.Fatalf("position after teleport = %+v", got)
	}
	w.ClearTarget(h)
	w.SetVelocity(h, Vec3{})
	w.Step(1.0 / 60.0)
	if got := w.Position(h); math.Abs(got.X-50) > 1e-9 {
		t.Fatalf("cleared body drifted to X=%v", got.X)
	}
}

func TestDynamicPushedOutOfKinematic(t *testing.T) {
	w := NewWorld()
	w.CreateBody(Kinematic, Vec3{Y: 5}, Vec3{X: 2, Y: 2, Z: 2})
	// Overlapping on X by 0.1; X is the axis of least penetration.
	d := w.CreateBody(Dynamic, Vec3{X: 1.4, Y: 5}, Vec3{X: 1, Y: 1, Z: 1})

	w.Step(0.001)

	got := w.Position(d)
	if got.X < 1.5-1e-6 {
		t.Fatalf("X = %v, want pushed out to >= 1.5", got.X)
	}
}

func TestBodyCount(t *testing.T) {
	w := NewWorld()
	if w.BodyCount() != 0 {
		t.Fatalf("empty world count = %d", w.BodyCount())
	}
	a := w.CreateBody(Dynamic, Vec3{}, Vec3{X: 1, Y: 1, Z: 1})
	w.CreateBody(Kinematic, Vec3{}, Vec3{X: 1, Y: 1, Z: 1})
	if w.BodyCount() != 2 {
		t.Fatalf("count = %d, want 2", w.BodyCount())
	}
	w.RemoveBody(a)
	if w.BodyCount() != 1 {
		t.Fatalf("count after remove = %d, want 1", w.BodyCount())
	}
}
