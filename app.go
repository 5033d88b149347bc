// app.go
package main

import (
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/silky/arcan/internal/audio"
	"github.com/silky/arcan/internal/config"
	"github.com/silky/arcan/internal/db"
	"github.com/silky/arcan/internal/event"
	"github.com/silky/arcan/internal/frameserver"
	"github.com/silky/arcan/internal/lua"
)

// App wires the engine together: config, launch-target database, event
// bus, frameserver engine, audio sink and the Lua hook layer.
type App struct {
	Cfg     config.Config
	Targets *db.DB
	Bus     *event.Bus
	Engine  *frameserver.Engine
	Scripts *lua.Engine
	Sink    audio.Sink
}

func NewApp(cfgPath string) (*App, error) {
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if created {
		fmt.Printf("created default config at %s\n", cfgPath)
	}
	cfg.ApplyEnv()

	if lvl, err := logging.LevelFromString(cfg.Debug.LogLevel); err == nil {
		logging.SetAllLoggers(lvl)
	}

	targets, err := db.Open(cfg.Paths.Database)
	if err != nil {
		return nil, fmt.Errorf("targets: %w", err)
	}

	sink, err := audio.New(cfg.Audio.Backend, cfg.Audio.SampleRate, cfg.Audio.Channels)
	if err != nil {
		targets.Close()
		return nil, fmt.Errorf("audio: %w", err)
	}

	bus := event.NewBus()
	engine := frameserver.New(cfg, bus,
		frameserver.WithTargets(targets),
		frameserver.WithAudioSink(sink),
	)

	scripts, err := lua.NewEngine(engine, cfg.Paths.Scripts)
	if err != nil {
		engine.Shutdown()
		targets.Close()
		return nil, fmt.Errorf("scripts: %w", err)
	}

	return &App{
		Cfg:     cfg,
		Targets: targets,
		Bus:     bus,
		Engine:  engine,
		Scripts: scripts,
		Sink:    sink,
	}, nil
}

// Play launches one builtin target immediately.
func (a *App) Play(target string, loop bool) error {
	_, err := a.Engine.Spawn(frameserver.SpawnEnv{
		UseBuiltin: true,
		Resource:   target,
		Loop:       loop,
		Autoplay:   true,
	})
	return err
}

// Run is the compositor loop: tick the engine, hand the drained bus to
// the script layer, apply pending script reloads. Everything here stays
// on one goroutine; the feed functions assume it.
func (a *App) Run(stop <-chan struct{}) {
	tick := time.NewTicker(time.Duration(a.Cfg.Engine.TickMS) * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-stop:
			return
		case <-tick.C:
			a.Engine.Tick()
			for _, ev := range a.Bus.Drain() {
				a.Scripts.Dispatch(ev)
			}
			a.Scripts.Reload()
		}
	}
}

func (a *App) Close() {
	a.Scripts.Close()
	a.Engine.Shutdown()
	a.Targets.Close()
}
