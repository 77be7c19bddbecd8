package interpreter

import (
	"context"
	"log/slog"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// installBindings exposes the messaging module to scripts as a global table.
//
//	messaging.log(level, msg)
//	messaging.notify(targets, notice) -> sent, failed
//	messaging.now() -> unix millis
func (r *Runtime) installBindings(L *lua.LState) {
	mod := L.NewTable()
	L.SetFuncs(mod, map[string]lua.LGFunction{
		"log":    r.luaLog,
		"notify": r.luaNotify,
		"now":    luaNow,
	})
	L.SetGlobal("messaging", mod)
}

func (r *Runtime) luaLog(L *lua.LState) int {
	level := L.CheckString(1)
	msg := L.CheckString(2)

	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	r.logger.Log(context.Background(), lvl, msg, "source", "script")
	return 0
}

func (r *Runtime) luaNotify(L *lua.LState) int {
	targetsTbl := L.CheckTable(1)
	noticeTbl := L.CheckTable(2)

	if r.notifier == nil {
		L.RaiseError("no notifier configured")
		return 0
	}
	targets, err := tableToTargets(targetsTbl)
	if err != nil {
		L.ArgError(1, err.Error())
		return 0
	}

	ctx := L.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	receipt, err := r.notifier.Notify(ctx, targets, tableToNotice(noticeTbl))
	if err != nil {
		L.RaiseError("notify failed: %v", err)
		return 0
	}
	L.Push(lua.LNumber(receipt.Sent))
	L.Push(lua.LNumber(receipt.Failed))
	return 2
}

func luaNow(L *lua.LState) int {
	L.Push(lua.LNumber(time.Now().UnixMilli()))
	return 1
}
