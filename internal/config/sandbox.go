package config

import (
	lua "github.com/yuin/gopher-lua"
)

// sandboxLuaVM removes the globals that reach outside the VM: os and io,
// module and chunk loading, and the debug library. string, table, math and
// the basic functions stay available.
func sandboxLuaVM(L *lua.LState) {
	for _, name := range []string{
		"os", "io", "debug",
		"require", "dofile", "loadfile", "load", "loadstring",
		"collectgarbage",
	} {
		L.SetGlobal(name, lua.LNil)
	}
}

// newSandboxedVM creates a Lua state with sandboxing applied.
func newSandboxedVM() *lua.LState {
	L := lua.NewState(lua.Options{
		CallStackSize: 256,
		RegistrySize:  1024 * 8,
	})
	sandboxLuaVM(L)
	return L
}
