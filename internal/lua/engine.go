// Package lua is the scripting layer of the compositor: hook scripts
// receive the engine's event stream and drive sources back through a
// small arcan API table. Scripts hot-reload on change.
package lua

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/silky/arcan/internal/event"
	"github.com/silky/arcan/internal/frameserver"
)

var log = logging.Logger("lua")

// scriptMeta holds one compiled hook script.
type scriptMeta struct {
	proto *lua.FunctionProto
	path  string
}

// Engine manages hook scripts, hot reload and event dispatch. The LState
// is owned by the compositor thread: Dispatch and Reload must only be
// called from there; the watcher goroutine merely marks scripts dirty.
type Engine struct {
	fsrv      *frameserver.Engine
	scriptDir string

	state   *lua.LState
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	scripts map[string]*scriptMeta
	dirty   map[string]bool

	closed chan struct{}
}

// NewEngine compiles every .lua file under scriptDir and starts watching
// it for changes.
func NewEngine(fsrv *frameserver.Engine, scriptDir string) (*Engine, error) {
	if err := os.MkdirAll(scriptDir, 0o755); err != nil {
		return nil, fmt.Errorf("create script dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	e := &Engine{
		fsrv:      fsrv,
		scriptDir: scriptDir,
		state:     lua.NewState(),
		watcher:   watcher,
		scripts:   make(map[string]*scriptMeta),
		dirty:     make(map[string]bool),
		closed:    make(chan struct{}),
	}
	e.registerAPI()
	e.scanDir()

	if err := watcher.Add(scriptDir); err != nil {
		watcher.Close()
		e.state.Close()
		return nil, fmt.Errorf("watch script dir: %w", err)
	}
	go e.watchLoop()
	return e, nil
}

// Close stops the watcher and the interpreter.
func (e *Engine) Close() {
	close(e.closed)
	e.watcher.Close()
	e.state.Close()
}

func (e *Engine) scanDir() {
	entries, err := os.ReadDir(e.scriptDir)
	if err != nil {
		log.Warnw("scan scripts", "err", err)
		return
	}
	names := make([]string, 0, len(entries))
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".lua") {
			continue
		}
		names = append(names, ent.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		e.loadScript(name)
	}
}

func (e *Engine) loadScript(name string) {
	path := filepath.Join(e.scriptDir, name)
	proto, err := compileFile(path)
	if err != nil {
		log.Warnw("compile failed", "script", name, "err", err)
		return
	}

	e.mu.Lock()
	e.scripts[name] = &scriptMeta{proto: proto, path: path}
	e.mu.Unlock()

	fn := e.state.NewFunctionFromProto(proto)
	e.state.Push(fn)
	if err := e.state.PCall(0, lua.MultRet, nil); err != nil {
		log.Warnw("script error", "script", name, "err", err)
		return
	}
	log.Infow("loaded script", "script", name)
}

func compileFile(path string) (*lua.FunctionProto, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	chunk, err := parse.Parse(f, path)
	if err != nil {
		return nil, err
	}
	return lua.Compile(chunk, path)
}

func (e *Engine) watchLoop() {
	for {
		select {
		case <-e.closed:
			return
		case ev, ok := <-e.watcher.Events:
			if !ok {
				return
			}
			name := filepath.Base(ev.Name)
			if !strings.HasSuffix(name, ".lua") {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				e.mu.Lock()
				e.dirty[name] = true
				e.mu.Unlock()
			}
		case err, ok := <-e.watcher.Errors:
			if !ok {
				return
			}
			log.Warnw("watcher error", "err", err)
		}
	}
}

// Reload applies pending script changes. Compositor thread only.
func (e *Engine) Reload() {
	e.mu.Lock()
	pending := make([]string, 0, len(e.dirty))
	for name := range e.dirty {
		pending = append(pending, name)
	}
	e.dirty = make(map[string]bool)
	e.mu.Unlock()

	sort.Strings(pending)
	for _, name := range pending {
		if _, err := os.Stat(filepath.Join(e.scriptDir, name)); err != nil {
			e.mu.Lock()
			delete(e.scripts, name)
			e.mu.Unlock()
			continue
		}
		e.loadScript(name)
	}
}

// Dispatch hands one bus entry to the matching global hook, if a script
// defined it. Compositor thread only.
func (e *Engine) Dispatch(ev event.Sourced) {
	hook := hookName(ev.Category)
	if hook == "" {
		return
	}
	fn := e.state.GetGlobal(hook)
	if fn == lua.LNil {
		return
	}
	if err := e.state.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true},
		e.eventTable(ev)); err != nil {
		log.Warnw("hook error", "hook", hook, "err", err)
	}
}

func hookName(cat event.Category) string {
	switch cat {
	case event.Frameserver:
		return "on_frameserver_event"
	case event.External:
		return "on_external_event"
	case event.Net:
		return "on_net_event"
	case event.IO:
		return "on_input_event"
	case event.Target:
		return "on_target_event"
	}
	return ""
}

func (e *Engine) eventTable(ev event.Sourced) *lua.LTable {
	t := e.state.NewTable()
	t.RawSetString("source", lua.LNumber(ev.Source))
	t.RawSetString("category", lua.LString(ev.Category.String()))
	t.RawSetString("kind", lua.LNumber(ev.Kind))

	switch ev.Category {
	case event.Frameserver:
		d := ev.FrameserverData()
		t.RawSetString("width", lua.LNumber(d.Width))
		t.RawSetString("height", lua.LNumber(d.Height))
		t.RawSetString("tag", lua.LNumber(d.OTag))
		t.RawSetString("kindname", lua.LString(frameserverKind(ev.Kind)))
	case event.External:
		d := ev.ExternalData()
		t.RawSetString("code", lua.LNumber(d.Code))
		t.RawSetString("message", lua.LString(d.Message))
	case event.Net:
		d := ev.NetData()
		t.RawSetString("connid", lua.LNumber(d.ConnID))
		t.RawSetString("message", lua.LString(d.Message))
	case event.IO:
		d := ev.InputData()
		t.RawSetString("devid", lua.LNumber(d.Devid))
		t.RawSetString("subid", lua.LNumber(d.Subid))
		t.RawSetString("keysym", lua.LNumber(d.Keysym))
		t.RawSetString("active", lua.LBool(d.Active))
	}
	return t
}

func frameserverKind(kind uint8) string {
	switch kind {
	case event.FrameserverSpawned:
		return "spawned"
	case event.FrameserverResized:
		return "resized"
	case event.FrameserverLooped:
		return "looped"
	case event.FrameserverTerminated:
		return "terminated"
	}
	return "unknown"
}
