package lua

import (
	lua "github.com/yuin/gopher-lua"

	"github.com/silky/arcan/internal/event"
	"github.com/silky/arcan/internal/frameserver"
)

// registerAPI installs the arcan table the hook scripts program against.
func (e *Engine) registerAPI() {
	t := e.state.NewTable()
	e.state.SetGlobal("arcan", t)

	e.state.SetField(t, "launch_target", e.state.NewFunction(e.apiLaunchTarget))
	e.state.SetField(t, "spawn", e.state.NewFunction(e.apiSpawn))
	e.state.SetField(t, "pause", e.state.NewFunction(e.apiPause))
	e.state.SetField(t, "suspend", e.state.NewFunction(e.apiSuspend))
	e.state.SetField(t, "resume", e.state.NewFunction(e.apiResume))
	e.state.SetField(t, "destroy", e.state.NewFunction(e.apiDestroy))
	e.state.SetField(t, "target_command", e.state.NewFunction(e.apiTargetCommand))
	e.state.SetField(t, "message_target", e.state.NewFunction(e.apiMessageTarget))
	e.state.SetField(t, "list", e.state.NewFunction(e.apiList))
	e.state.SetField(t, "frametime", e.state.NewFunction(e.apiFrametime))
}

// arcan.launch_target(resource [, loop]) -> vid | nil, err
func (e *Engine) apiLaunchTarget(L *lua.LState) int {
	resource := L.CheckString(1)
	loop := L.OptBool(2, false)

	s, err := e.fsrv.Spawn(frameserver.SpawnEnv{
		UseBuiltin: true,
		Resource:   resource,
		Loop:       loop,
		Autoplay:   true,
	})
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LNumber(s.VID))
	return 1
}

// arcan.spawn(mode, command [, args...]) -> vid | nil, err
func (e *Engine) apiSpawn(L *lua.LState) int {
	mode := L.CheckString(1)
	command := L.CheckString(2)
	var argv []string
	for i := 3; i <= L.GetTop(); i++ {
		argv = append(argv, L.CheckString(i))
	}

	s, err := e.fsrv.Spawn(frameserver.SpawnEnv{
		Mode:     mode,
		Command:  command,
		Argv:     argv,
		Autoplay: true,
	})
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LNumber(s.VID))
	return 1
}

func (e *Engine) withSource(L *lua.LState, fn func(*frameserver.Source) error) int {
	vid := uint32(L.CheckNumber(1))
	s, ok := e.fsrv.Source(vid)
	if !ok {
		L.Push(lua.LFalse)
		L.Push(lua.LString("no such source"))
		return 2
	}
	if err := fn(s); err != nil {
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// arcan.pause(vid): user pause, also tells the child to hold.
func (e *Engine) apiPause(L *lua.LState) int {
	return e.withSource(L, func(s *frameserver.Source) error {
		if err := s.Pause(false); err != nil {
			return err
		}
		return s.PushEvent(event.NewTarget(event.TargetPause, event.TargetData{}))
	})
}

// arcan.suspend(vid): system suspend, distinguishable on resume.
func (e *Engine) apiSuspend(L *lua.LState) int {
	return e.withSource(L, func(s *frameserver.Source) error {
		if err := s.Pause(true); err != nil {
			return err
		}
		return s.PushEvent(event.NewTarget(event.TargetPause, event.TargetData{}))
	})
}

// arcan.resume(vid)
func (e *Engine) apiResume(L *lua.LState) int {
	return e.withSource(L, func(s *frameserver.Source) error {
		if err := s.Resume(); err != nil {
			return err
		}
		return s.PushEvent(event.NewTarget(event.TargetUnpause, event.TargetData{}))
	})
}

// arcan.destroy(vid)
func (e *Engine) apiDestroy(L *lua.LState) int {
	vid := uint32(L.CheckNumber(1))
	if err := e.fsrv.Destroy(vid); err != nil {
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// arcan.target_command(vid, kind [, iv1..iv6]): raw target command.
func (e *Engine) apiTargetCommand(L *lua.LState) int {
	return e.withSource(L, func(s *frameserver.Source) error {
		kind := uint8(L.CheckNumber(2))
		var d event.TargetData
		for i := 0; i < 6 && L.GetTop() >= 3+i; i++ {
			d.Ioevs[i] = int32(L.CheckNumber(3 + i))
		}
		return s.PushEvent(event.NewTarget(kind, d))
	})
}

// arcan.message_target(vid, text): custommsg to a network source.
func (e *Engine) apiMessageTarget(L *lua.LState) int {
	return e.withSource(L, func(s *frameserver.Source) error {
		msg := L.CheckString(2)
		return s.PushEvent(event.NewNet(event.NetCustomMsg,
			event.NetData{Message: msg}))
	})
}

// arcan.list() -> { {vid=, kind=, state=}, ... }
func (e *Engine) apiList(L *lua.LState) int {
	out := e.state.NewTable()
	for _, s := range e.fsrv.Sources() {
		row := e.state.NewTable()
		row.RawSetString("vid", lua.LNumber(s.VID))
		row.RawSetString("kind", lua.LString(s.Kind.String()))
		row.RawSetString("state", lua.LNumber(s.State()))
		w, h := s.Geometry()
		row.RawSetString("width", lua.LNumber(w))
		row.RawSetString("height", lua.LNumber(h))
		out.Append(row)
	}
	L.Push(out)
	return 1
}

// arcan.frametime() -> ms since engine start
func (e *Engine) apiFrametime(L *lua.LState) int {
	L.Push(lua.LNumber(e.fsrv.Frametime()))
	return 1
}
