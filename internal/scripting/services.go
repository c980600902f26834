package scripting

import (
	"context"
	"errors"

	lua "github.com/yuin/gopher-lua"

	"github.com/agentarena/server/internal/faults"
	"github.com/agentarena/server/internal/physics"
	"github.com/agentarena/server/internal/world"
)

// Distinct wrapper types so player and part userdata can never be
// confused for one another.
type playerRef world.ID
type partRef world.ID

const (
	playerTypeName = "arena.player"
	partTypeName   = "arena.part"

	defaultMoveSpeed = 16.0
)

// installServices registers the five service globals. This is the entire
// capability surface of a script; anything else raises at the lua level.
func (s *Sandbox) installServices() {
	s.installMetatables()
	s.installPlayers()
	s.installWorkspace()
	s.installRunService()
	s.installAgentInput()
	s.installDataStore()
}

func (s *Sandbox) installMetatables() {
	vm := s.vm

	pmt := vm.NewTypeMetatable(playerTypeName)
	vm.SetField(pmt, "__index", vm.SetFuncs(vm.NewTable(), map[string]lua.LGFunction{
		"Name": func(L *lua.LState) int {
			L.Push(lua.LString(s.checkPlayer(L).Name))
			return 1
		},
		"AgentID": func(L *lua.LState) int {
			L.Push(lua.LString(s.checkPlayer(L).AgentID))
			return 1
		},
		"Position": func(L *lua.LState) int {
			L.Push(vec3ToLua(L, s.checkPlayer(L).Position))
			return 1
		},
		"MoveTo": func(L *lua.LState) int {
			p := s.checkPlayer(L)
			dst, ok := lVec3(L.Get(2))
			if !ok {
				L.ArgError(2, "expected position table")
			}
			speed := float64(L.OptNumber(3, defaultMoveSpeed))
			s.host.Physics.MoveToward(p.Body, dst, speed)
			return 0
		},
		"Teleport": func(L *lua.LState) int {
			p := s.checkPlayer(L)
			pos, ok := lVec3(L.Get(2))
			if !ok {
				L.ArgError(2, "expected position table")
			}
			s.host.Physics.SetPosition(p.Body, pos)
			s.host.Physics.ClearTarget(p.Body)
			p.Position = pos
			return 0
		},
		"GetAttribute": func(L *lua.LState) int {
			p := s.checkPlayer(L)
			key := L.CheckString(2)
			L.Push(goToLua(L, p.Attributes[key]))
			return 1
		},
		"SetAttribute": func(L *lua.LState) int {
			p := s.checkPlayer(L)
			key := L.CheckString(2)
			p.Attributes[key] = luaToGo(L.Get(3))
			return 0
		},
		"Attributes": func(L *lua.LState) int {
			p := s.checkPlayer(L)
			t := L.NewTable()
			for k, v := range p.Attributes {
				t.RawSetString(k, goToLua(L, v))
			}
			L.Push(t)
			return 1
		},
	}))

	mt := vm.NewTypeMetatable(partTypeName)
	vm.SetField(mt, "__index", vm.SetFuncs(vm.NewTable(), map[string]lua.LGFunction{
		"Name": func(L *lua.LState) int {
			L.Push(lua.LString(s.checkPart(L).Name))
			return 1
		},
		"Position": func(L *lua.LState) int {
			part := s.checkPart(L)
			if !part.Body.IsZero() {
				part.Position = s.host.Physics.Position(part.Body)
			}
			L.Push(vec3ToLua(L, part.Position))
			return 1
		},
		"SetPosition": func(L *lua.LState) int {
			part := s.checkPart(L)
			pos, ok := lVec3(L.Get(2))
			if !ok {
				L.ArgError(2, "expected position table")
			}
			part.Position = pos
			if !part.Body.IsZero() {
				s.host.Physics.SetPosition(part.Body, pos)
			}
			return 0
		},
		"Size": func(L *lua.LState) int {
			L.Push(vec3ToLua(L, s.checkPart(L).Size))
			return 1
		},
		"Velocity": func(L *lua.LState) int {
			part := s.checkPart(L)
			L.Push(vec3ToLua(L, s.host.Physics.Velocity(part.Body)))
			return 1
		},
		"SetVelocity": func(L *lua.LState) int {
			part := s.checkPart(L)
			vel, ok := lVec3(L.Get(2))
			if !ok {
				L.ArgError(2, "expected velocity table")
			}
			s.host.Physics.SetVelocity(part.Body, vel)
			return 0
		},
		"MoveToward": func(L *lua.LState) int {
			part := s.checkPart(L)
			dst, ok := lVec3(L.Get(2))
			if !ok {
				L.ArgError(2, "expected position table")
			}
			speed := float64(L.OptNumber(3, defaultMoveSpeed))
			s.host.Physics.MoveToward(part.Body, dst, speed)
			return 0
		},
		"Color": func(L *lua.LState) int {
			part := s.checkPart(L)
			t := L.NewTable()
			t.RawSetInt(1, lua.LNumber(part.Color[0]))
			t.RawSetInt(2, lua.LNumber(part.Color[1]))
			t.RawSetInt(3, lua.LNumber(part.Color[2]))
			L.Push(t)
			return 1
		},
		"SetColor": func(L *lua.LState) int {
			part := s.checkPart(L)
			c, ok := lVec3(L.Get(2))
			if !ok {
				L.ArgError(2, "expected color table")
			}
			part.Color = [3]float64{c.X, c.Y, c.Z}
			return 0
		},
		"Anchored": func(L *lua.LState) int {
			L.Push(lua.LBool(s.checkPart(L).Anchored))
			return 1
		},
		"GetAttribute": func(L *lua.LState) int {
			part := s.checkPart(L)
			key := L.CheckString(2)
			L.Push(goToLua(L, part.Attributes[key]))
			return 1
		},
		"SetAttribute": func(L *lua.LState) int {
			part := s.checkPart(L)
			key := L.CheckString(2)
			part.Attributes[key] = luaToGo(L.Get(3))
			return 0
		},
		"Destroy": func(L *lua.LState) int {
			s.destroyPart(s.checkPart(L))
			return 0
		},
	}))
}

// destroyPart takes effect within the current tick: the body stops
// colliding, lookups stop resolving, and the part is absent from the
// snapshot published at the end of this tick.
func (s *Sandbox) destroyPart(part *world.Part) {
	if !part.Body.IsZero() {
		s.host.Physics.RemoveBody(part.Body)
	}
	s.host.World.MarkPartForDestruction(part.ID)
	s.ForgetPart(part.ID)
}

func (s *Sandbox) installPlayers() {
	vm := s.vm
	players := vm.NewTable()

	vm.SetField(players, "GetPlayers", vm.NewFunction(func(L *lua.LState) int {
		t := L.NewTable()
		i := 0
		s.host.World.EachPlayer(func(p *world.Player) {
			i++
			t.RawSetInt(i, s.playerUD(p.ID))
		})
		L.Push(t)
		return 1
	}))
	vm.SetField(players, "Get", vm.NewFunction(func(L *lua.LState) int {
		agentID := L.CheckString(1)
		p := s.host.World.GetByAgent(agentID)
		if p == nil {
			L.Push(lua.LNil)
		} else {
			L.Push(s.playerUD(p.ID))
		}
		return 1
	}))
	vm.SetField(players, "Count", vm.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(s.host.World.PlayerCount()))
		return 1
	}))
	vm.SetField(players, "PlayerAdded", vm.NewFunction(func(L *lua.LState) int {
		s.playerAdded = append(s.playerAdded, L.CheckFunction(1))
		return 0
	}))
	vm.SetField(players, "PlayerRemoving", vm.NewFunction(func(L *lua.LState) int {
		s.playerRemoving = append(s.playerRemoving, L.CheckFunction(1))
		return 0
	}))

	vm.SetGlobal("Players", players)
}

func (s *Sandbox) installWorkspace() {
	vm := s.vm
	ws := vm.NewTable()

	vm.SetField(ws, "CreatePart", vm.NewFunction(func(L *lua.LState) int {
		opts := L.CheckTable(1)

		part := &world.Part{
			Name: lStr(opts, "name"),
			Size: physics.Vec3{X: 1, Y: 1, Z: 1},
		}
		if pos, ok := lVec3(opts.RawGetString("position")); ok {
			part.Position = pos
		}
		if size, ok := lVec3(opts.RawGetString("size")); ok {
			part.Size = size
		}
		if c, ok := lVec3(opts.RawGetString("color")); ok {
			part.Color = [3]float64{c.X, c.Y, c.Z}
		}
		part.Yaw = lFloat(opts, "yaw")
		part.Anchored = opts.RawGetString("anchored") == lua.LTrue

		withPhysics := true
		if opts.RawGetString("physics") == lua.LFalse {
			withPhysics = false
		}
		if withPhysics {
			kind := physics.Dynamic
			if part.Anchored {
				kind = physics.Kinematic
			}
			part.Body = s.host.Physics.CreateBody(kind, part.Position, part.Size)
		}

		s.host.World.AddPart(part)
		L.Push(s.partUD(part.ID))
		return 1
	}))
	vm.SetField(ws, "Find", vm.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		part := s.host.World.FindPart(name)
		if part == nil {
			L.Push(lua.LNil)
		} else {
			L.Push(s.partUD(part.ID))
		}
		return 1
	}))
	vm.SetField(ws, "Parts", vm.NewFunction(func(L *lua.LState) int {
		t := L.NewTable()
		i := 0
		s.host.World.EachPart(func(p *world.Part) {
			i++
			t.RawSetInt(i, s.partUD(p.ID))
		})
		L.Push(t)
		return 1
	}))
	vm.SetField(ws, "Destroy", vm.NewFunction(func(L *lua.LState) int {
		s.destroyPart(s.checkPart(L))
		return 0
	}))
	// Attach gives a logic-only part a physics body; Detach strips it
	// while keeping the part.
	vm.SetField(ws, "Attach", vm.NewFunction(func(L *lua.LState) int {
		part := s.checkPart(L)
		if !part.Body.IsZero() {
			return 0
		}
		kind := physics.Dynamic
		if part.Anchored {
			kind = physics.Kinematic
		}
		part.Body = s.host.Physics.CreateBody(kind, part.Position, part.Size)
		return 0
	}))
	vm.SetField(ws, "Detach", vm.NewFunction(func(L *lua.LState) int {
		part := s.checkPart(L)
		if part.Body.IsZero() {
			return 0
		}
		part.Position = s.host.Physics.Position(part.Body)
		s.host.Physics.RemoveBody(part.Body)
		part.Body = 0
		return 0
	}))
	vm.SetField(ws, "SetSpawn", vm.NewFunction(func(L *lua.LState) int {
		pos, ok := lVec3(L.Get(1))
		if !ok {
			L.ArgError(1, "expected position table")
		}
		s.spawn = pos
		return 0
	}))

	vm.SetGlobal("Workspace", ws)
}

func (s *Sandbox) installRunService() {
	vm := s.vm
	rs := vm.NewTable()

	vm.SetField(rs, "Heartbeat", vm.NewFunction(func(L *lua.LState) int {
		s.heartbeat = append(s.heartbeat, L.CheckFunction(1))
		return 0
	}))
	vm.SetField(rs, "Stepped", vm.NewFunction(func(L *lua.LState) int {
		s.stepped = append(s.stepped, L.CheckFunction(1))
		return 0
	}))

	vm.SetGlobal("RunService", rs)
}

func (s *Sandbox) installAgentInput() {
	vm := s.vm
	ai := vm.NewTable()

	vm.SetField(ai, "OnInput", vm.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		fn := L.CheckFunction(2)
		s.registerInput(name, fn)
		return 0
	}))

	vm.SetGlobal("AgentInput", ai)
}

func (s *Sandbox) installDataStore() {
	vm := s.vm
	ds := vm.NewTable()

	vm.SetField(ds, "Get", vm.NewFunction(func(L *lua.LState) int {
		key := L.CheckString(1)
		v, err := s.host.Store.Get(s.storeCtx(), s.host.GameID, key)
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(storeErrCode(err)))
			return 2
		}
		L.Push(goToLua(L, v))
		L.Push(lua.LNil)
		return 2
	}))
	vm.SetField(ds, "Set", vm.NewFunction(func(L *lua.LState) int {
		key := L.CheckString(1)
		value := luaToGo(L.Get(2))
		if err := s.host.Store.Set(s.storeCtx(), s.host.GameID, key, value); err != nil {
			L.Push(lua.LFalse)
			L.Push(lua.LString(storeErrCode(err)))
			return 2
		}
		L.Push(lua.LTrue)
		L.Push(lua.LNil)
		return 2
	}))

	vm.SetGlobal("DataStore", ds)
}

// storeErrCode maps store errors to the codes scripts branch on. A
// failing store is never reported as missing data.
func storeErrCode(err error) string {
	switch {
	case errors.Is(err, faults.ErrNotFound):
		return "not_found"
	case errors.Is(err, faults.ErrConflict):
		return "conflict"
	default:
		return "store_failure"
	}
}

func (s *Sandbox) storeCtx() context.Context {
	if ctx := s.vm.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// playerUD returns the cached userdata for a player so scripts can
// compare references with ==.
func (s *Sandbox) playerUD(id world.ID) *lua.LUserData {
	if ud, ok := s.playerUDs[id]; ok {
		return ud
	}
	ud := s.vm.NewUserData()
	ud.Value = playerRef(id)
	s.vm.SetMetatable(ud, s.vm.GetTypeMetatable(playerTypeName))
	s.playerUDs[id] = ud
	return ud
}

func (s *Sandbox) partUD(id world.ID) *lua.LUserData {
	if ud, ok := s.partUDs[id]; ok {
		return ud
	}
	ud := s.vm.NewUserData()
	ud.Value = partRef(id)
	s.vm.SetMetatable(ud, s.vm.GetTypeMetatable(partTypeName))
	s.partUDs[id] = ud
	return ud
}

// checkPlayer resolves the player userdata in arg 1. A stale reference
// raises a lua error the script can pcall; unhandled it becomes a fault.
func (s *Sandbox) checkPlayer(L *lua.LState) *world.Player {
	ud := L.CheckUserData(1)
	ref, ok := ud.Value.(playerRef)
	if !ok {
		L.ArgError(1, "expected a player")
	}
	p := s.host.World.GetPlayer(world.ID(ref))
	if p == nil {
		L.RaiseError("player is no longer in the game")
	}
	return p
}

func (s *Sandbox) checkPart(L *lua.LState) *world.Part {
	ud := L.CheckUserData(1)
	ref, ok := ud.Value.(partRef)
	if !ok {
		L.ArgError(1, "expected a part")
	}
	p := s.host.World.GetPart(world.ID(ref))
	if p == nil {
		L.RaiseError("part has been destroyed")
	}
	return p
}
