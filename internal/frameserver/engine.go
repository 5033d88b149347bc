package frameserver

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/silky/arcan/internal/audio"
	"github.com/silky/arcan/internal/config"
	"github.com/silky/arcan/internal/db"
	"github.com/silky/arcan/internal/event"
	"github.com/silky/arcan/internal/framequeue"
	"github.com/silky/arcan/internal/sem"
	"github.com/silky/arcan/internal/shm"
)

// ShmKeyEnv is how the connection key reaches a spawned child; ModeEnv
// and ResourceEnv carry the rest of the envelope.
const (
	ShmKeyEnv   = "ARCAN_SHMKEY"
	ModeEnv     = "ARCAN_MODE"
	ResourceEnv = "ARCAN_RESOURCE"
)

// SpawnEnv is the spawn envelope. With UseBuiltin, Resource is looked up
// in the launch-target database and its mode selects the kind unless Mode
// is set explicitly; otherwise
// Command/Argv run directly. An empty command with UseBuiltin unset
// creates the connection without starting a process, for children that
// attach on their own (and for the test fixtures).
type SpawnEnv struct {
	UseBuiltin bool
	Resource   string
	Mode       string
	Command    string
	Argv       []string

	Tag      int64
	Loop     bool
	Autoplay bool
	NoPTS    bool
}

// Engine is the per-process source table and compositor-side clock. Table
// changes and feed swaps happen on the compositor thread; guard threads
// report their verdicts through the notice channel with their source's
// video id. Each guard goroutine does hold a pointer to its source record
// and reads its liveness flag, launch time and loop setting through it.
type Engine struct {
	cfg config.Config
	bus *event.Bus

	targets    *db.DB
	sink       audio.Sink
	newSurface SurfaceFactory

	sources map[uint32]*Source
	nextVID uint32
	nextAID uint32

	epoch   time.Time
	now     func() int64
	notices chan guardNotice
}

// Option tweaks engine construction.
type Option func(*Engine)

// WithTargets attaches the launch-target database used by builtin spawns.
func WithTargets(d *db.DB) Option {
	return func(e *Engine) { e.targets = d }
}

// WithAudioSink routes scheduler audio submissions.
func WithAudioSink(s audio.Sink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithSurfaceFactory overrides how upload targets are built.
func WithSurfaceFactory(f SurfaceFactory) Option {
	return func(e *Engine) { e.newSurface = f }
}

// WithClock replaces the compositor clock; the presentation scheduler is
// only reproducible against a deterministic time source.
func WithClock(now func() int64) Option {
	return func(e *Engine) { e.now = now }
}

func New(cfg config.Config, bus *event.Bus, opts ...Option) *Engine {
	e := &Engine{
		cfg:     cfg,
		bus:     bus,
		sink:    audio.NewHeadless(),
		sources: make(map[uint32]*Source),
		epoch:   time.Now(),
		notices: make(chan guardNotice, 16),
	}
	e.newSurface = func(s *Source) Surface {
		return NewMemSurface(s.UsePBO)
	}
	OverrideQueueOpts(QueueOpts{
		VideoCells: cfg.Engine.VideoCells,
		AudioCells: cfg.Engine.AudioCells,
		AudioBufSz: cfg.Engine.AudioBufSz,
		Presilence: cfg.Engine.Presilence,
	})
	for _, o := range opts {
		o(e)
	}
	return e
}

// Frametime is the compositor clock in milliseconds since engine start.
func (e *Engine) Frametime() int64 {
	if e.now != nil {
		return e.now()
	}
	return time.Since(e.epoch).Milliseconds()
}

// Bus exposes the main event queue.
func (e *Engine) Bus() *event.Bus { return e.bus }

// AudioSink exposes the attached sink.
func (e *Engine) AudioSink() audio.Sink { return e.sink }

// Source looks a source up by video id.
func (e *Engine) Source(vid uint32) (*Source, bool) {
	s, ok := e.sources[vid]
	return s, ok
}

// Sources snapshots the current table.
func (e *Engine) Sources() []*Source {
	out := make([]*Source, 0, len(e.sources))
	for _, s := range e.sources {
		out = append(out, s)
	}
	return out
}

// Spawn creates the page and semaphores for a new source, optionally
// starts the child process, and registers the source with an empty feed
// (network kinds start on the net feed). The empty feed upgrades itself
// on the first acknowledged resize.
func (e *Engine) Spawn(env SpawnEnv) (*Source, error) {
	mode := env.Mode
	command := env.Command
	argv := env.Argv

	if env.UseBuiltin {
		if e.targets == nil {
			return nil, fmt.Errorf("frameserver: no launch-target database")
		}
		t, err := e.targets.Get(env.Resource)
		if err != nil {
			return nil, err
		}
		command = t.Executable
		argv = t.Argv
		if mode == "" {
			mode = t.Mode
		}
	}
	if mode == "" {
		mode = "movie"
	}

	s := &Source{
		VID:      e.allocVID(),
		AID:      e.allocAID(),
		Tag:      env.Tag,
		Resource: env.Resource,
		Loop:     env.Loop,
		Autoplay: env.Autoplay,
		NoPTS:    env.NoPTS,
		UsePBO:   true,
		command:  command,
		argv:     argv,
		mode:     mode,
		width:    32,
		height:   32,
	}
	if err := s.configure(mode); err != nil {
		return nil, err
	}
	if e.cfg.Debug.NoFDPass {
		s.UsePBO = false
	}
	s.vskipthresh = int64(e.cfg.Engine.VSkipThreshMS)
	s.surface = e.newSurface(s)

	if err := e.attachIPC(s); err != nil {
		return nil, err
	}
	if err := e.launch(s); err != nil {
		s.releaseIPC()
		return nil, err
	}

	e.sources[s.VID] = s
	e.startGuard(s)

	e.bus.Enqueue(s.VID, event.NewFrameserver(event.FrameserverSpawned,
		event.FrameserverData{Video: s.VID, Audio: s.AID, OTag: s.Tag}))
	log.Infow("spawned", "vid", s.VID, "kind", s.Kind.String(), "key", s.Key)
	return s, nil
}

// attachIPC builds a fresh page, semaphore set and ring views for the
// source and resets its lifecycle state.
func (e *Engine) attachIPC(s *Source) error {
	key := newKey()
	page, err := shm.Create(key, shm.MinSegmentSize())
	if err != nil {
		return err
	}
	page.SetParentPID(os.Getpid())

	var sems [3]*sem.Sem
	for i, suffix := range []string{"v", "a", "e"} {
		sm, err := sem.Create(shm.SemName(key, suffix))
		if err != nil {
			for _, prev := range sems[:i] {
				prev.Close()
			}
			sem.DropKeyed(key)
			page.Unmap()
			return err
		}
		sems[i] = sm
	}

	s.Key = key
	s.page = page
	s.vsem, s.asem, s.esem = sems[0], sems[1], sems[2]
	// handshake invitation: the child's acquire blocks on V until this
	sems[0].Post()
	s.inq = event.Attach(page.ChildQueue())
	s.outq = event.Attach(page.ParentQueue())
	s.setOffsets(shm.Offsets{})
	s.abufsize, s.abufCount, s.vbufCount = shm.AudioBufferLimit, 1, 1
	s.width, s.height = 32, 32
	s.guardStop = make(chan struct{})
	s.termSent.Store(false)
	s.launchedAt = e.Frametime()
	s.alive.Store(true)
	s.setState(StateInitializing)
	if s.Kind == KindNetClient || s.Kind == KindNetServer {
		s.setFeed(feedNet)
	} else {
		s.setFeed(feedEmpty)
	}
	return nil
}

// launch starts the child process if the envelope names one.
func (e *Engine) launch(s *Source) error {
	if s.command == "" {
		return nil
	}
	cmd := exec.Command(s.command, s.argv...)
	cmd.Env = append(os.Environ(),
		ShmKeyEnv+"="+s.Key,
		ModeEnv+"="+s.mode,
	)
	if s.Resource != "" {
		cmd.Env = append(cmd.Env, ResourceEnv+"="+s.Resource)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn %q: %w", s.command, err)
	}
	s.proc = cmd.Process
	s.page.SetChildPID(cmd.Process.Pid)
	// collect the exit status so a crashed child never lingers as a
	// zombie; the guard notices the death through the pid check
	go cmd.Wait()
	return nil
}

// respawn relaunches a crashed looping source into the same record: new
// key, page, semaphores and process, same video/audio ids and tag.
func (e *Engine) respawn(s *Source) error {
	e.free(s)
	s.Autoplay = true
	if err := e.attachIPC(s); err != nil {
		return err
	}
	if err := e.launch(s); err != nil {
		s.releaseIPC()
		return err
	}
	e.startGuard(s)
	e.bus.Enqueue(s.VID, event.NewFrameserver(event.FrameserverLooped,
		event.FrameserverData{Video: s.VID, Audio: s.AID, OTag: s.Tag}))
	log.Infow("relaunched", "vid", s.VID, "resource", s.Resource)
	return nil
}

func (e *Engine) allocVID() uint32 {
	e.nextVID++
	return e.nextVID
}

func (e *Engine) allocAID() uint32 {
	e.nextAID++
	return e.nextAID + 0x8000
}

// Tick runs one compositor pass: apply guard notices, then drive every
// source through its feed function.
func (e *Engine) Tick() {
	e.applyNotices()
	for _, s := range e.Sources() {
		e.feedDispatch(s, CmdTick, nil)
		if e.feedDispatch(s, CmdPoll, nil) == GotFrame {
			e.feedDispatch(s, CmdRender, nil)
		}
		e.pumpAudio(s)
	}
}

// Run loops Tick at the configured cadence until stop is closed.
func (e *Engine) Run(stop <-chan struct{}) {
	tick := time.NewTicker(time.Duration(e.cfg.Engine.TickMS) * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-stop:
			return
		case <-tick.C:
			e.Tick()
		}
	}
}

// Destroy tears a source down and removes it from the table.
func (e *Engine) Destroy(vid uint32) error {
	s, ok := e.sources[vid]
	if !ok {
		return ErrNoSuchSource
	}
	e.free(s)
	delete(e.sources, vid)
	return nil
}

// Shutdown destroys every source and releases the sink.
func (e *Engine) Shutdown() {
	for vid := range e.sources {
		e.Destroy(vid)
	}
	if e.sink != nil {
		e.sink.Close()
	}
}

// free walks the teardown path: pull the switch, wake every waiter, stop
// the queues and the guard, kill the child, release the IPC objects.
func (e *Engine) free(s *Source) {
	s.alive.Store(false)
	s.setState(StateTerminated)
	s.setFeed(feedDummy)

	if s.page != nil {
		s.page.ClearDMS()
		s.vsem.Post()
		s.asem.Post()
		s.esem.Post()
	}

	if s.guardStop != nil {
		select {
		case <-s.guardStop:
		default:
			close(s.guardStop)
		}
	}
	s.dropQueues()

	if s.proc != nil {
		s.proc.Kill()
		s.proc = nil
	}
	s.releaseIPC()
}

// dropQueues stops both producer workers and blocks until they have
// exited; a worker still blocked on the semaphore could otherwise steal
// the post meant for the child. Workers wake within their wait ceiling.
func (s *Source) dropQueues() {
	for _, q := range []*framequeue.Queue{s.vfq, s.afq} {
		if q != nil {
			q.Free()
		}
	}
	for _, q := range []*framequeue.Queue{s.vfq, s.afq} {
		if q == nil {
			continue
		}
		select {
		case <-q.Done():
		case <-time.After(250 * time.Millisecond):
			log.Warnw("queue worker did not stop", "label", q.Label())
		}
	}
	s.vfq, s.afq = nil, nil
}

func (s *Source) releaseIPC() {
	if s.page == nil {
		return
	}
	s.vsem.Close()
	s.asem.Close()
	s.esem.Close()
	sem.DropKeyed(s.Key)
	s.page.Unmap()
	s.page = nil
	s.inq, s.outq = nil, nil
}

// newKey derives a fresh short ASCII connection key.
func newKey() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
