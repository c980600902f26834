package scripting

import (
	"context"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/agentarena/server/internal/faults"
	"github.com/agentarena/server/internal/physics"
	"github.com/agentarena/server/internal/world"
)

// DataStore is the persistence capability exposed to scripts through the
// DataStore service. Keys are scoped per game, not per instance.
type DataStore interface {
	Get(ctx context.Context, gameID, key string) (any, error)
	Set(ctx context.Context, gameID, key string, value any) error
}

// Host bundles the capabilities the service bridge resolves against. The
// sandbox never hands any of these to the script directly — only opaque
// ids wrapped in userdata.
type Host struct {
	GameID  string
	World   *world.State
	Physics *physics.World
	Store   DataStore
	Log     *zap.Logger
}

// Sandbox wraps one gopher-lua state executing a game's logic. Single
// goroutine access only (the owning instance's tick loop); the one
// exception is HasInputHandler, which submit goroutines call and which is
// guarded separately.
type Sandbox struct {
	vm   *lua.LState
	host Host
	log  *zap.Logger

	heartbeat      []*lua.LFunction
	stepped        []*lua.LFunction
	playerAdded    []*lua.LFunction
	playerRemoving []*lua.LFunction
	inputHandlers  map[string]*lua.LFunction

	inputMu          sync.RWMutex
	registeredInputs map[string]struct{}

	playerUDs map[world.ID]*lua.LUserData
	partUDs   map[world.ID]*lua.LUserData

	spawn physics.Vec3

	tick   uint64
	budget time.Duration
	cancel context.CancelFunc

	closed bool
}

// NewSandbox creates a sandboxed lua state with only the whitelisted
// stdlib (base, table, string, math) and the five service globals. No os,
// io, debug, or package library — scripts have no ambient access to the
// host beyond the bridge.
func NewSandbox(host Host, budget time.Duration) *Sandbox {
	vm := lua.NewState(lua.Options{SkipOpenLibs: true})

	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		vm.Push(vm.NewFunction(lib.open))
		vm.Push(lua.LString(lib.name))
		vm.Call(1, 0)
	}

	// Base opens a few escape hatches; close them.
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring"} {
		vm.SetGlobal(name, lua.LNil)
	}

	s := &Sandbox{
		vm:               vm,
		host:             host,
		log:              host.Log,
		inputHandlers:    make(map[string]*lua.LFunction),
		registeredInputs: make(map[string]struct{}),
		playerUDs:        make(map[world.ID]*lua.LUserData),
		partUDs:          make(map[world.ID]*lua.LUserData),
		spawn:            physics.Vec3{Y: 3},
		budget:           budget,
	}

	// Route print through the host logger instead of stdout.
	vm.SetGlobal("print", vm.NewFunction(func(L *lua.LState) int {
		parts := make([]string, 0, L.GetTop())
		for i := 1; i <= L.GetTop(); i++ {
			parts = append(parts, L.ToStringMeta(L.Get(i)).String())
		}
		s.log.Info("script print", zap.String("game", s.host.GameID), zap.Strings("args", parts))
		return 0
	}))

	s.installServices()
	return s
}

// Boot executes the game's compiled script chunk. Handler registration
// happens here; a runtime error means the definition is unusable.
func (s *Sandbox) Boot(proto *lua.FunctionProto) error {
	return s.run("boot", func() error {
		fn := s.vm.NewFunctionFromProto(proto)
		s.vm.Push(fn)
		return s.vm.PCall(0, lua.MultRet, nil)
	})
}

// BeginTick arms the per-tick execution budget. Every callback fired
// before EndTick shares the same deadline; exceeding it aborts the lua
// call and surfaces as a fatal script fault.
func (s *Sandbox) BeginTick(tick uint64) {
	s.tick = tick
	if s.budget <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.budget)
	s.cancel = cancel
	s.vm.SetContext(ctx)
}

// EndTick disarms the budget deadline.
func (s *Sandbox) EndTick() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
		s.vm.RemoveContext()
	}
}

// run executes fn and converts any error into a terminal ScriptFault.
func (s *Sandbox) run(hook string, fn func() error) error {
	if s.closed {
		return nil
	}
	if err := fn(); err != nil {
		return &faults.ScriptFault{
			Game:    s.host.GameID,
			Tick:    s.tick,
			Hook:    hook,
			Message: err.Error(),
		}
	}
	return nil
}

func (s *Sandbox) call(hook string, fn *lua.LFunction, args ...lua.LValue) error {
	return s.run(hook, func() error {
		return s.vm.CallByParam(lua.P{
			Fn:      fn,
			NRet:    0,
			Protect: true,
		}, args...)
	})
}

// FirePlayerAdded invokes every PlayerAdded handler for a new player.
func (s *Sandbox) FirePlayerAdded(id world.ID) error {
	for _, fn := range s.playerAdded {
		if err := s.call("PlayerAdded", fn, s.playerUD(id)); err != nil {
			return err
		}
	}
	return nil
}

// FirePlayerRemoving invokes every PlayerRemoving handler while the
// player is still resolvable.
func (s *Sandbox) FirePlayerRemoving(id world.ID) error {
	for _, fn := range s.playerRemoving {
		if err := s.call("PlayerRemoving", fn, s.playerUD(id)); err != nil {
			return err
		}
	}
	return nil
}

// DispatchInput routes one drained input event to its typed handler. The
// caller has already verified the handler exists at enqueue time, but the
// script may have been replaced since, so a missing handler is a no-op.
func (s *Sandbox) DispatchInput(typeName string, playerID world.ID, data map[string]any) error {
	fn, ok := s.inputHandlers[typeName]
	if !ok {
		return nil
	}
	return s.call("input:"+typeName, fn, s.playerUD(playerID), goToLua(s.vm, data))
}

// FireHeartbeat invokes per-tick handlers before the physics step.
func (s *Sandbox) FireHeartbeat(dt float64) error {
	for _, fn := range s.heartbeat {
		if err := s.call("Heartbeat", fn, lua.LNumber(dt)); err != nil {
			return err
		}
	}
	return nil
}

// FireStepped invokes post-physics-step handlers.
func (s *Sandbox) FireStepped(dt float64) error {
	for _, fn := range s.stepped {
		if err := s.call("Stepped", fn, lua.LNumber(dt)); err != nil {
			return err
		}
	}
	return nil
}

// HasInputHandler reports whether the script registered a handler for the
// given input type. Safe for concurrent use by submit goroutines.
func (s *Sandbox) HasInputHandler(typeName string) bool {
	s.inputMu.RLock()
	defer s.inputMu.RUnlock()
	_, ok := s.registeredInputs[typeName]
	return ok
}

func (s *Sandbox) registerInput(typeName string, fn *lua.LFunction) {
	s.inputHandlers[typeName] = fn
	s.inputMu.Lock()
	s.registeredInputs[typeName] = struct{}{}
	s.inputMu.Unlock()
}

// SpawnPoint returns where new player bodies materialize. Scripts adjust
// it through Workspace.SetSpawn.
func (s *Sandbox) SpawnPoint() physics.Vec3 { return s.spawn }

// ForgetPlayer drops the cached userdata for a removed player so the
// arena slot can be recycled without aliasing.
func (s *Sandbox) ForgetPlayer(id world.ID) {
	delete(s.playerUDs, id)
}

// ForgetPart drops the cached userdata for a destroyed part.
func (s *Sandbox) ForgetPart(id world.ID) {
	delete(s.partUDs, id)
}

// Close shuts down the lua state. Further callback dispatch is a no-op.
func (s *Sandbox) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.vm.Close()
}
