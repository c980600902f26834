package scripting

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
	"go.uber.org/zap"

	"github.com/agentarena/server/internal/faults"
	"github.com/agentarena/server/internal/physics"
	"github.com/agentarena/server/internal/world"
)

type stubStore struct {
	values map[string]any
	fail   error
}

func newStubStore() *stubStore {
	return &stubStore{values: make(map[string]any)}
}

func (s *stubStore) Get(_ context.Context, gameID, key string) (any, error) {
	if s.fail != nil {
		return nil, s.fail
	}
	v, ok := s.values[gameID+"/"+key]
	if !ok {
		return nil, fmt.Errorf("missing: %w", faults.ErrNotFound)
	}
	return v, nil
}

func (s *stubStore) Set(_ context.Context, gameID, key string, value any) error {
	if s.fail != nil {
		return s.fail
	}
	s.values[gameID+"/"+key] = value
	return nil
}

type testRig struct {
	sandbox *Sandbox
	state   *world.State
	phys    *physics.World
	store   *stubStore
}

func newTestRig(t *testing.T, source string, budget time.Duration) *testRig {
	t.Helper()
	rig := &testRig{
		state: world.NewState(),
		phys:  physics.NewWorld(),
		store: newStubStore(),
	}
	rig.sandbox = NewSandbox(Host{
		GameID:  "test-game",
		World:   rig.state,
		Physics: rig.phys,
		Store:   rig.store,
		Log:     zap.NewNop(),
	}, budget)
	t.Cleanup(rig.sandbox.Close)

	if err := rig.sandbox.Boot(compileChunk(t, source)); err != nil {
		t.Fatalf("boot: %v", err)
	}
	return rig
}

func compileChunk(t *testing.T, source string) *lua.FunctionProto {
	t.Helper()
	chunk, err := parse.Parse(strings.NewReader(source), "test")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	proto, err := lua.Compile(chunk, "test")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return proto
}

func (r *testRig) addPlayer(agentID string) world.ID {
	body := r.phys.CreateBody(physics.Dynamic, physics.Vec3{Y: 3}, physics.Vec3{X: 2, Y: 5, Z: 1})
	return r.state.AddPlayer(&world.Player{AgentID: agentID, Name: agentID, Body: body})
}

func TestSandboxContainment(t *testing.T) {
	// All ambient escape hatches must be absent; only the whitelisted
	// stdlib and the service globals exist.
	newTestRig(t, `
		for _, name in ipairs({"os", "io", "debug", "package", "require",
				"dofile", "loadfile", "load", "loadstring"}) do
			if _G[name] ~= nil then
				error(name .. " is reachable")
			end
		end
		assert(type(table.insert) == "function")
		assert(type(string.format) == "function")
		assert(type(math.sqrt) == "function")
		assert(type(Players.GetPlayers) == "function")
		assert(type(Workspace.CreatePart) == "function")
		assert(type(RunService.Heartbeat) == "function")
		assert(type(AgentInput.OnInput) == "function")
		assert(type(DataStore.Get) == "function")
	`, 0)
}

func TestBootErrorIsScriptFault(t *testing.T) {
	rig := &testRig{state: world.NewState(), phys: physics.NewWorld(), store: newStubStore()}
	rig.sandbox = NewSandbox(Host{
		GameID: "g", World: rig.state, Physics: rig.phys, Store: rig.store, Log: zap.NewNop(),
	}, 0)
	defer rig.sandbox.Close()

	err := rig.sandbox.Boot(compileChunk(t, `error("kaboom")`))
	if err == nil {
		t.Fatalf("expected boot error")
	}
	fault, ok := faults.AsScriptFault(err)
	if !ok {
		t.Fatalf("error is %T, want ScriptFault", err)
	}
	if fault.Hook != "boot" || !strings.Contains(fault.Message, "kaboom") {
		t.Fatalf("fault = %+v", fault)
	}
}

func TestInputHandlerRegistration(t *testing.T) {
	rig := newTestRig(t, `
		AgentInput.OnInput("Jump", function(player, data) end)
	`, 0)

	if !rig.sandbox.HasInputHandler("Jump") {
		t.Fatalf("registered handler not visible")
	}
	if rig.sandbox.HasInputHandler("Teleport") {
		t.Fatalf("unregistered handler reported present")
	}
}

func TestDispatchInputMutatesPlayer(t *testing.T) {
	rig := newTestRig(t, `
		AgentInput.OnInput("SetScore", function(player, data)
			player:SetAttribute("score", data.value)
		end)
	`, 0)

	id := rig.addPlayer("agent-1")
	if err := rig.sandbox.DispatchInput("SetScore", id, map[string]any{"value": 42.0}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if got := rig.state.GetPlayer(id).Attributes["score"]; got != 42.0 {
		t.Fatalf("score = %v, want 42", got)
	}
}

func TestPlayerAddedRemovingCallbacks(t *testing.T) {
	rig := newTestRig(t, `
		Players.PlayerAdded(function(player)
			player:SetAttribute("greeted", true)
		end)
		Players.PlayerRemoving(function(player)
			DataStore.Set("left", player:AgentID())
		end)
	`, 0)

	id := rig.addPlayer("agent-1")
	if err := rig.sandbox.FirePlayerAdded(id); err != nil {
		t.Fatalf("player added: %v", err)
	}
	if got := rig.state.GetPlayer(id).Attributes["greeted"]; got != true {
		t.Fatalf("greeted = %v", got)
	}

	if err := rig.sandbox.FirePlayerRemoving(id); err != nil {
		t.Fatalf("player removing: %v", err)
	}
	if got := rig.store.values["test-game/left"]; got != "agent-1" {
		t.Fatalf("removing hook wrote %v", got)
	}
}

func TestStalePlayerRefRaises(t *testing.T) {
	rig := newTestRig(t, `
		local ghost
		Players.PlayerAdded(function(player) ghost = player end)
		AgentInput.OnInput("Poke", function(player, data)
			ghost:Name()
		end)
	`, 0)

	id := rig.addPlayer("agent-1")
	if err := rig.sandbox.FirePlayerAdded(id); err != nil {
		t.Fatalf("player added: %v", err)
	}
	rig.state.RemovePlayer("agent-1")
	rig.sandbox.ForgetPlayer(id)

	other := rig.addPlayer("agent-2")
	err := rig.sandbox.DispatchInput("Poke", other, nil)
	if err == nil {
		t.Fatalf("expected fault from stale player ref")
	}
	fault, ok := faults.AsScriptFault(err)
	if !ok || !strings.Contains(fault.Message, "no longer in the game") {
		t.Fatalf("fault = %v", err)
	}
}

func TestWorkspaceCreatePart(t *testing.T) {
	rig := newTestRig(t, `
		local p = Workspace.CreatePart({
			name = "pillar",
			position = {1, 2, 3},
			size = {2, 4, 2},
			color = {0.5, 0.5, 0.5},
			yaw = 90,
			anchored = true,
		})
		p:SetAttribute("hp", 100)
	`, 0)

	part := rig.state.FindPart("pillar")
	if part == nil {
		t.Fatalf("part not created")
	}
	if part.Position != (physics.Vec3{X: 1, Y: 2, Z: 3}) || !part.Anchored {
		t.Fatalf("part = %+v", part)
	}
	if part.Yaw != 90 {
		t.Fatalf("yaw = %v, want 90", part.Yaw)
	}
	if part.Attributes["hp"] != 100.0 {
		t.Fatalf("hp = %v", part.Attributes["hp"])
	}
	if part.Body.IsZero() || !rig.phys.Alive(part.Body) {
		t.Fatalf("anchored part has no live body")
	}
}

func TestDestroyTakesEffectImmediately(t *testing.T) {
	rig := newTestRig(t, `
		local crate = Workspace.CreatePart({name = "crate", anchored = true})
		AgentInput.OnInput("Smash", function(player, data)
			crate:Destroy()
			if Workspace.Find("crate") ~= nil then
				error("destroyed part still findable")
			end
			local ok = pcall(function() return crate:Position() end)
			if ok then
				error("destroyed part still usable")
			end
		end)
	`, 0)

	id := rig.addPlayer("a")
	if err := rig.sandbox.DispatchInput("Smash", id, nil); err != nil {
		t.Fatalf("smash: %v", err)
	}
	if rig.state.PartCount() != 0 {
		t.Fatalf("part count = %d after destroy", rig.state.PartCount())
	}
	// Only the player's body remains; the crate stops colliding in the
	// same tick, before the physics step runs.
	if got := rig.phys.BodyCount(); got != 1 {
		t.Fatalf("body count = %d, want 1", got)
	}
}

func TestLogicOnlyPartAttachDetach(t *testing.T) {
	rig := newTestRig(t, `
		local marker = Workspace.CreatePart({name = "marker", physics = false})
		AgentInput.OnInput("Attach", function() Workspace.Attach(marker) end)
		AgentInput.OnInput("Detach", function() Workspace.Detach(marker) end)
	`, 0)

	part := rig.state.FindPart("marker")
	if part == nil || !part.Body.IsZero() {
		t.Fatalf("logic-only part got a body: %+v", part)
	}

	id := rig.addPlayer("a")
	if err := rig.sandbox.DispatchInput("Attach", id, nil); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if part.Body.IsZero() {
		t.Fatalf("attach did not create a body")
	}
	if err := rig.sandbox.DispatchInput("Detach", id, nil); err != nil {
		t.Fatalf("detach: %v", err)
	}
	if !part.Body.IsZero() {
		t.Fatalf("detach did not clear the body")
	}
}

func TestSetSpawnMovesSpawnPoint(t *testing.T) {
	rig := newTestRig(t, `Workspace.SetSpawn({10, 3, -5})`, 0)
	if got := rig.sandbox.SpawnPoint(); got != (physics.Vec3{X: 10, Y: 3, Z: -5}) {
		t.Fatalf("spawn = %+v", got)
	}
}

func TestDataStoreBridge(t *testing.T) {
	rig := newTestRig(t, `
		AgentInput.OnInput("Save", function(player, data)
			local ok, err = DataStore.Set("scores", {best = data.value})
			player:SetAttribute("save_err", err)
		end)
		AgentInput.OnInput("Load", function(player, data)
			local v, err = DataStore.Get(data.key)
			if err then
				player:SetAttribute("load_err", err)
			else
				player:SetAttribute("best", v.best)
			end
		end)
	`, 0)

	id := rig.addPlayer("agent-1")
	p := rig.state.GetPlayer(id)

	if err := rig.sandbox.DispatchInput("Save", id, map[string]any{"value": 9.0}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if p.Attributes["save_err"] != nil {
		t.Fatalf("save_err = %v", p.Attributes["save_err"])
	}

	if err := rig.sandbox.DispatchInput("Load", id, map[string]any{"key": "scores"}); err != nil {
		t.Fatalf("load: %v", err)
	}
	if p.Attributes["best"] != 9.0 {
		t.Fatalf("best = %v", p.Attributes["best"])
	}

	if err := rig.sandbox.DispatchInput("Load", id, map[string]any{"key": "missing"}); err != nil {
		t.Fatalf("load missing: %v", err)
	}
	if p.Attributes["load_err"] != "not_found" {
		t.Fatalf("load_err = %v, want not_found", p.Attributes["load_err"])
	}

	rig.store.fail = faults.ErrStoreFailure
	if err := rig.sandbox.DispatchInput("Load", id, map[string]any{"key": "scores"}); err != nil {
		t.Fatalf("load failing store: %v", err)
	}
	if p.Attributes["load_err"] != "store_failure" {
		t.Fatalf("failing store reported %v, want store_failure", p.Attributes["load_err"])
	}
}

func TestHeartbeatAndSteppedOrder(t *testing.T) {
	rig := newTestRig(t, `
		local log = Workspace.CreatePart({name = "log", physics = false})
		log:SetAttribute("seq", "")
		RunService.Heartbeat(function(dt)
			log:SetAttribute("seq", log:GetAttribute("seq") .. "H")
		end)
		RunService.Stepped(function(dt)
			log:SetAttribute("seq", log:GetAttribute("seq") .. "S")
		end)
	`, 0)

	if err := rig.sandbox.FireHeartbeat(0.05); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if err := rig.sandbox.FireStepped(0.05); err != nil {
		t.Fatalf("stepped: %v", err)
	}
	if got := rig.state.FindPart("log").Attributes["seq"]; got != "HS" {
		t.Fatalf("seq = %v, want HS", got)
	}
}

func TestBudgetAbortsRunawayCallback(t *testing.T) {
	rig := newTestRig(t, `
		RunService.Heartbeat(function(dt)
			while true do end
		end)
	`, 20*time.Millisecond)

	rig.sandbox.BeginTick(1)
	defer rig.sandbox.EndTick()

	start := time.Now()
	err := rig.sandbox.FireHeartbeat(0.05)
	if err == nil {
		t.Fatalf("runaway loop did not fault")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("budget abort took %v", elapsed)
	}
	fault, ok := faults.AsScriptFault(err)
	if !ok || fault.Hook != "Heartbeat" {
		t.Fatalf("fault = %v", err)
	}
}
