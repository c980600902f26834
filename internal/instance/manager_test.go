package instance

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/agentarena/server/internal/faults"
)

func newTestManager(t *testing.T, cfg ManagerConfig) *Manager {
	t.Helper()
	if cfg.TickRate == 0 {
		cfg.TickRate = 5 * time.Millisecond
	}
	m := NewManager(cfg, newMemStore(), zap.NewNop())
	t.Cleanup(m.Shutdown)
	return m
}

// waitFor polls until cond returns true or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestManagerInstanceCapacity(t *testing.T) {
	m := newTestManager(t, ManagerConfig{MaxInstances: 1})
	def := testDef(t, echoScript, 4)

	id, err := m.Create(def)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.Create(def); !errors.Is(err, faults.ErrResourceExhausted) {
		t.Fatalf("over-capacity create = %v, want resource exhausted", err)
	}

	m.Destroy(id)
	if _, err := m.Create(def); err != nil {
		t.Fatalf("create after destroy: %v", err)
	}
}

func TestManagerCreateRejectsBrokenScript(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	def := testDef(t, `error("boot failure")`, 4)

	if _, err := m.Create(def); err == nil {
		t.Fatalf("faulty boot did not fail the create")
	}
	if m.InstanceCount() != 0 {
		t.Fatalf("failed create left an instance behind")
	}
}

func TestManagerUnknownInstance(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})

	if _, err := m.Join("nope", "a", "a"); !errors.Is(err, faults.ErrNotFound) {
		t.Fatalf("join unknown = %v", err)
	}
	if _, err := m.Observe("nope"); !errors.Is(err, faults.ErrNotFound) {
		t.Fatalf("observe unknown = %v", err)
	}
	if err := m.SubmitInput("nope", "a", "MoveTo", nil); !errors.Is(err, faults.ErrNotFound) {
		t.Fatalf("submit unknown = %v", err)
	}
}

func TestManagerJoinExclusiveAcrossInstances(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	def := testDef(t, echoScript, 4)

	i1, err := m.Create(def)
	if err != nil {
		t.Fatalf("create i1: %v", err)
	}
	i2, err := m.Create(def)
	if err != nil {
		t.Fatalf("create i2: %v", err)
	}

	token, err := m.Join(i1, "agent-1", "Alice")
	if err != nil {
		t.Fatalf("join i1: %v", err)
	}
	if token == "" {
		t.Fatalf("empty session token")
	}

	if _, err := m.Join(i2, "agent-1", "Alice"); !errors.Is(err, faults.ErrConflict) {
		t.Fatalf("second join = %v, want conflict", err)
	}
	if _, err := m.Join(i1, "agent-1", "Alice"); !errors.Is(err, faults.ErrConflict) {
		t.Fatalf("rejoin same instance = %v, want conflict", err)
	}

	if err := m.Leave(i1, "agent-1"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if _, err := m.Join(i2, "agent-1", "Alice"); err != nil {
		t.Fatalf("join after leave: %v", err)
	}
}

func TestManagerPlayerSlotCapacity(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	id, err := m.Create(testDef(t, echoScript, 1))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := m.Join(id, "a", "A"); err != nil {
		t.Fatalf("join a: %v", err)
	}
	if _, err := m.Join(id, "b", "B"); !errors.Is(err, faults.ErrResourceExhausted) {
		t.Fatalf("join into full instance = %v, want resource exhausted", err)
	}
}

func TestManagerDestroyIdempotent(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	id, err := m.Create(testDef(t, echoScript, 4))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	m.Destroy(id)
	m.Destroy(id)
	if _, err := m.Get(id); !errors.Is(err, faults.ErrNotFound) {
		t.Fatalf("get after destroy = %v", err)
	}
}

func TestManagerDestroyFreesJoinedAgents(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	def := testDef(t, echoScript, 4)
	i1, _ := m.Create(def)
	i2, _ := m.Create(def)

	if _, err := m.Join(i1, "agent-1", "A"); err != nil {
		t.Fatalf("join: %v", err)
	}
	m.Destroy(i1)

	if _, err := m.Join(i2, "agent-1", "A"); err != nil {
		t.Fatalf("join after destroy of old instance: %v", err)
	}
}

func TestManagerEndToEndMoveTo(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	id, err := m.Create(testDef(t, echoScript, 4))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := m.Join(id, "agent-1", "Alice"); err != nil {
		t.Fatalf("join: %v", err)
	}
	waitFor(t, "player in snapshot", func() bool {
		snap, err := m.Observe(id)
		return err == nil && len(snap.Players) == 1
	})

	err = m.SubmitInput(id, "agent-1", "MoveTo", map[string]any{
		"target": []any{20.0, 3.0, 0.0},
		"speed":  32.0,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitFor(t, "player to travel", func() bool {
		obs, err := m.ObserveAs(id, "agent-1")
		return err == nil && obs.Player != nil && obs.Player.Position[0] > 5
	})
}

func TestManagerFaultIsolation(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	crashDef := testDef(t, `
		AgentInput.OnInput("Crash", function(player, data)
			error("deliberate")
		end)
	`, 4)
	calm, err := m.Create(testDef(t, echoScript, 4))
	if err != nil {
		t.Fatalf("create calm: %v", err)
	}
	doomed, err := m.Create(crashDef)
	if err != nil {
		t.Fatalf("create doomed: %v", err)
	}

	if _, err := m.Join(doomed, "agent-1", "A"); err != nil {
		t.Fatalf("join: %v", err)
	}
	waitFor(t, "join to apply", func() bool {
		snap, _ := m.Observe(doomed)
		return snap != nil && len(snap.Players) == 1
	})
	if err := m.SubmitInput(doomed, "agent-1", "Crash", nil); err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitFor(t, "doomed instance to finish", func() bool {
		snap, _ := m.Observe(doomed)
		return snap != nil && snap.GameStatus == StatusFinished
	})
	snap, _ := m.Observe(doomed)
	if snap.Error == "" {
		t.Fatalf("terminal snapshot carries no error")
	}

	// The sibling instance keeps ticking.
	calmSnap, err := m.Observe(calm)
	if err != nil {
		t.Fatalf("observe calm: %v", err)
	}
	base := calmSnap.Tick
	waitFor(t, "sibling to keep ticking", func() bool {
		s, _ := m.Observe(calm)
		return s != nil && s.Tick > base
	})

	// The faulted instance released its agents; they can join elsewhere.
	waitFor(t, "agent release", func() bool {
		_, err := m.Join(calm, "agent-1", "A")
		return err == nil
	})
}

func TestManagerChatFlow(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	id, err := m.Create(testDef(t, echoScript, 4))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := m.Chat(id, "stranger", "hi"); !errors.Is(err, faults.ErrNotFound) {
		t.Fatalf("unjoined chat = %v, want not found", err)
	}

	if _, err := m.Join(id, "agent-1", "A"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := m.Chat(id, "agent-1", "gl hf"); err != nil {
		t.Fatalf("chat: %v", err)
	}
	msgs, err := m.ChatSince(id, 0)
	if err != nil || len(msgs) != 1 || msgs[0].Text != "gl hf" {
		t.Fatalf("msgs = %+v, err = %v", msgs, err)
	}
}
