package scripting

import (
	lua "github.com/yuin/gopher-lua"

	"github.com/agentarena/server/internal/physics"
)

// goToLua converts an attribute value into a lua value. Supported kinds:
// nil, bool, string, numbers, []any, map[string]any. Anything else maps
// to nil so the sandbox never sees a host type it cannot handle.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch x := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(x)
	case string:
		return lua.LString(x)
	case float64:
		return lua.LNumber(x)
	case float32:
		return lua.LNumber(x)
	case int:
		return lua.LNumber(x)
	case int32:
		return lua.LNumber(x)
	case int64:
		return lua.LNumber(x)
	case uint64:
		return lua.LNumber(x)
	case []any:
		t := L.NewTable()
		for i, e := range x {
			t.RawSetInt(i+1, goToLua(L, e))
		}
		return t
	case map[string]any:
		t := L.NewTable()
		for k, e := range x {
			t.RawSetString(k, goToLua(L, e))
		}
		return t
	default:
		return lua.LNil
	}
}

// luaToGo converts a lua value into an attribute value. Tables with only
// consecutive integer keys starting at 1 become []any, everything else
// becomes map[string]any. Functions, userdata, and threads convert to nil
// so host handles never leak into attributes or the datastore.
func luaToGo(v lua.LValue) any {
	switch x := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(x)
	case lua.LString:
		return string(x)
	case lua.LNumber:
		return float64(x)
	case *lua.LTable:
		return tableToGo(x)
	default:
		return nil
	}
}

func tableToGo(t *lua.LTable) any {
	n := t.Len()
	if n > 0 {
		// Array-style table: confirm no extra string keys.
		arrayOnly := true
		t.ForEach(func(k, _ lua.LValue) {
			if _, ok := k.(lua.LNumber); !ok {
				arrayOnly = false
			}
		})
		if arrayOnly {
			arr := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				arr = append(arr, luaToGo(t.RawGetInt(i)))
			}
			return arr
		}
	}
	m := make(map[string]any)
	t.ForEach(func(k, v lua.LValue) {
		if ks, ok := k.(lua.LString); ok {
			m[string(ks)] = luaToGo(v)
		}
	})
	return m
}

// lVec3 reads a {x, y, z} array-style table into a Vec3. A plain
// {x=..., y=..., z=...} table works too. Tables carrying neither shape
// are rejected rather than read as the origin.
func lVec3(v lua.LValue) (physics.Vec3, bool) {
	t, ok := v.(*lua.LTable)
	if !ok {
		return physics.Vec3{}, false
	}
	if t.Len() >= 3 {
		return physics.Vec3{
			X: float64(lua.LVAsNumber(t.RawGetInt(1))),
			Y: float64(lua.LVAsNumber(t.RawGetInt(2))),
			Z: float64(lua.LVAsNumber(t.RawGetInt(3))),
		}, true
	}
	lx, ly, lz := t.RawGetString("x"), t.RawGetString("y"), t.RawGetString("z")
	if lx == lua.LNil && ly == lua.LNil && lz == lua.LNil {
		return physics.Vec3{}, false
	}
	return physics.Vec3{
		X: float64(lua.LVAsNumber(lx)),
		Y: float64(lua.LVAsNumber(ly)),
		Z: float64(lua.LVAsNumber(lz)),
	}, true
}

// vec3ToLua builds the canonical {x, y, z} array-style table.
func vec3ToLua(L *lua.LState, v physics.Vec3) *lua.LTable {
	t := L.NewTable()
	t.RawSetInt(1, lua.LNumber(v.X))
	t.RawSetInt(2, lua.LNumber(v.Y))
	t.RawSetInt(3, lua.LNumber(v.Z))
	return t
}

// lStr reads a string field from a lua table.
func lStr(t *lua.LTable, key string) string {
	return lua.LVAsString(t.RawGetString(key))
}

// lFloat reads a number field from a lua table.
func lFloat(t *lua.LTable, key string) float64 {
	return float64(lua.LVAsNumber(t.RawGetString(key)))
}
