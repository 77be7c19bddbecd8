// Package interpreter hosts the embedded Lua runtime that runs user-registered
// background message handlers.
//
// gopher-lua's LState is not goroutine-safe, so a Runtime owns exactly one
// state on exactly one goroutine. Work reaches it through an unbounded FIFO backlog and
// reports back through each request's completion signal.
package interpreter

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// newSandboxedState creates a Lua state with only the safe standard
// libraries opened and the file/chunk loaders removed.
func newSandboxedState() *lua.LState {
	L := lua.NewState(lua.Options{
		SkipOpenLibs: true,
	})

	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	// io, os, debug and package stay closed.
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

// protect converts a panic inside fn into an error.
func protect(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	return fn()
}

// ScriptSource resolves an entry point reference into Lua source.
type ScriptSource interface {
	Load(ref string) (string, error)
}

// DirSource loads entry point scripts from a directory. References are
// relative paths; anything escaping the directory is rejected.
type DirSource struct {
	Dir string
}

func (s DirSource) Load(ref string) (string, error) {
	clean := filepath.Clean("/" + ref)
	path := filepath.Join(s.Dir, clean)
	if !strings.HasPrefix(path, filepath.Clean(s.Dir)+string(filepath.Separator)) {
		return "", fmt.Errorf("entry point %q resolves outside the script directory", ref)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read entry point %q: %w", ref, err)
	}
	return string(b), nil
}

// MapSource serves scripts from memory, keyed by reference.
type MapSource map[string]string

func (s MapSource) Load(ref string) (string, error) {
	script, ok := s[ref]
	if !ok {
		return "", fmt.Errorf("entry point %q not found", ref)
	}
	return script, nil
}
