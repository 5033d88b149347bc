// Package frameserver implements the parent side of the shared-memory
// transport: per-source lifecycle and state machines, the guard threads,
// the resize protocol, frame queueing and the per-tick feed functions that
// reconcile producer pacing against the compositor clock.
package frameserver

import (
	"errors"
	"os"
	"sync"
	"sync/atomic"

	logging "github.com/ipfs/go-log/v2"

	"github.com/silky/arcan/internal/event"
	"github.com/silky/arcan/internal/framequeue"
	"github.com/silky/arcan/internal/sem"
	"github.com/silky/arcan/internal/shm"
)

var log = logging.Logger("frameserver")

var (
	// ErrUnacceptableState is returned for operations that do not apply
	// to the source's current playstate; no side effects occur.
	ErrUnacceptableState = errors.New("frameserver: unacceptable state")

	ErrNoSuchSource = errors.New("frameserver: no such source")

	errDead = errors.New("frameserver: child gone")
)

// Kind selects pacing, queueing and feed behavior at spawn time.
type Kind int

const (
	// KindDecoded is a PTS-driven decoded stream: video and audio
	// queues with frameskip.
	KindDecoded Kind = iota + 1

	// KindInteractive presents as soon as possible, single buffer,
	// direct upload.
	KindInteractive

	// KindRecorder reverses direction: the parent delivers rendered
	// frames into the page on readback.
	KindRecorder

	// KindNetClient and KindNetServer are event-only.
	KindNetClient
	KindNetServer
)

func (k Kind) String() string {
	switch k {
	case KindDecoded:
		return "decoded-stream"
	case KindInteractive:
		return "interactive"
	case KindRecorder:
		return "recorder"
	case KindNetClient:
		return "net-cl"
	case KindNetServer:
		return "net-srv"
	}
	return "unknown"
}

// PlayState is the per-source lifecycle state, written only by the
// compositor thread, read anywhere.
type PlayState int32

const (
	StateInitializing PlayState = iota
	StatePlaying
	StatePaused
	StateSuspended
	StateTerminated
)

// feedMode is the tagged variant the per-tick dispatch matches on. The
// set is finite and swaps happen only on the compositor thread.
type feedMode int32

const (
	feedEmpty feedMode = iota
	feedDummy
	feedDirect
	feedQueued
	feedQueuedAV
	feedRecorder
	feedNet
)

// interactiveStagingSize matches what a single interactive transfer can
// reasonably accumulate between flushes.
const interactiveStagingSize = 64 * 1024

// Source is one connected frameserver as the parent tracks it.
type Source struct {
	VID uint32
	AID uint32
	Tag int64

	Kind     Kind
	Key      string
	Resource string

	NoPTS    bool
	Autoplay bool
	Loop     bool
	UsePBO   bool

	page *shm.Page
	vsem *sem.Sem
	asem *sem.Sem
	esem *sem.Sem

	proc *os.Process

	inq  *event.Ring // child outbound ring
	outq *event.Ring // parent outbound ring

	offsMu sync.RWMutex
	offs   shm.Offsets

	vfq *framequeue.Queue
	afq *framequeue.Queue

	// audb is the local audio staging buffer between the producer and
	// the mixer thread; the mutex is held for memcpy durations only.
	audbMu  sync.Mutex
	audb    []byte
	ofsAudb int

	command string
	argv    []string
	mode    string

	playstate atomic.Int32
	feed      atomic.Int32
	alive     atomic.Bool
	termSent  atomic.Bool

	// wall-clock anchors and pacing parameters, compositor thread only
	launchedAt  int64
	startedAt   int64
	lastPTS     int64
	audioClock  float64
	bpms        float64
	vskipthresh int64

	width     int
	height    int
	abufsize  int
	abufCount int
	vbufCount int
	channels  int
	rate      int

	surface Surface
	vfcount int32

	guardStop chan struct{}
}

func (s *Source) State() PlayState {
	return PlayState(s.playstate.Load())
}

func (s *Source) setState(st PlayState) {
	s.playstate.Store(int32(st))
}

func (s *Source) feedState() feedMode {
	return feedMode(s.feed.Load())
}

func (s *Source) setFeed(m feedMode) {
	s.feed.Store(int32(m))
}

// ChildAlive reports whether the source's child is still considered live.
func (s *Source) ChildAlive() bool { return s.alive.Load() }

// Geometry is the last acknowledged width and height.
func (s *Source) Geometry() (w, h int) { return s.width, s.height }

// Surface exposes the upload target, mainly for tests and readback.
func (s *Source) UploadSurface() Surface { return s.surface }

// configure applies the kind-specific presets from the spawn envelope,
// mirroring how each mode parameterizes the rest of the pipeline.
func (s *Source) configure(mode string) error {
	switch mode {
	case "movie":
		s.Kind = KindDecoded

	case "libretro":
		// single videoframe+audiobuffer per transfer, latency first
		s.Kind = KindInteractive
		s.NoPTS = true
		s.Autoplay = true
		s.audb = make([]byte, interactiveStagingSize)

	case "record":
		// parent maintains up-to-date buffers, child samples on demand;
		// sizing is generous because any number of audio feeds may be
		// monitored into the staging buffer
		s.Kind = KindRecorder
		s.audb = make([]byte, shm.LegacyAudioLimit)

	case "net-cl":
		s.Kind = KindNetClient
		s.UsePBO = false
		s.Autoplay = true

	case "net-srv":
		s.Kind = KindNetServer
		s.UsePBO = false
		s.Autoplay = true

	default:
		return ErrUnacceptableState
	}
	return nil
}

// PushEvent queues an event to the child and wakes it through E. Fails
// with ErrUnacceptableState once the child is gone.
func (s *Source) PushEvent(ev event.Event) error {
	if !s.alive.Load() {
		return ErrUnacceptableState
	}
	if err := s.outq.Enqueue(ev); err != nil {
		return err
	}
	return s.esem.Post()
}

// StageAudio appends mixed samples to the staging buffer; the recorder
// readback drains it into the page. The audio mixer calls this from its
// own thread as the monitor hook of a recorded session. Overfull
// submissions are dropped whole.
func (s *Source) StageAudio(buf []byte) {
	s.audbMu.Lock()
	if s.ofsAudb+len(buf) <= len(s.audb) {
		copy(s.audb[s.ofsAudb:], buf)
		s.ofsAudb += len(buf)
	}
	s.audbMu.Unlock()
}

// GainChanged is the audio-proxy hook for interactive sources: a local
// gain change becomes an ATTENUATE command to the child.
func (s *Source) GainChanged(gain float32) error {
	return s.PushEvent(event.NewTarget(event.TargetAttenuate,
		event.TargetData{Fv: gain}))
}

// Playback rebases the presentation clock and starts consuming.
func (s *Source) Playback(now int64) error {
	if s.State() == StateTerminated {
		return ErrUnacceptableState
	}
	s.startedAt = now
	s.setState(StatePlaying)
	return nil
}

// Pause stops consumption; syssusp distinguishes a system-initiated
// suspend from a user pause so Resume can tell them apart.
func (s *Source) Pause(syssusp bool) error {
	if s.State() == StateTerminated {
		return ErrUnacceptableState
	}
	if syssusp {
		s.setState(StateSuspended)
	} else {
		s.setState(StatePaused)
	}
	return nil
}

// Resume is only valid from the paused and suspended states.
func (s *Source) Resume() error {
	st := s.State()
	if st != StatePaused && st != StateSuspended {
		return ErrUnacceptableState
	}
	s.setState(StatePlaying)
	return nil
}

func (s *Source) snapshotOffsets() shm.Offsets {
	s.offsMu.RLock()
	defer s.offsMu.RUnlock()
	return s.offs
}

func (s *Source) setOffsets(o shm.Offsets) {
	s.offsMu.Lock()
	s.offs = o
	s.offsMu.Unlock()
}

// videoSource is the producer callback for the video frame queue: copy
// one ready frame from the page into a fresh cell, acknowledge, tag with
// the producer PTS.
func (s *Source) videoSource(dst []byte) (int, int64, error) {
	if !s.alive.Load() {
		return 0, 0, errDead
	}
	if s.page.Resized() || !s.page.VReady() {
		return 0, 0, framequeue.ErrAgain
	}
	offs := s.snapshotOffsets()
	if len(offs.Video) > len(dst) {
		return 0, 0, framequeue.ErrAgain
	}
	tag := s.page.VPTS()
	n := copy(dst, offs.Video)
	s.page.SetVReady(false)
	if err := s.vsem.Post(); err != nil {
		return 0, 0, err
	}
	return n, tag, nil
}

// audioSource drains the page audio slice into an audio cell. Partial
// consumption moves abufbase; the final chunk resets the cursors and
// acknowledges on A.
func (s *Source) audioSource(dst []byte) (int, int64, error) {
	if !s.alive.Load() {
		return 0, 0, errDead
	}
	if s.page.Resized() || !s.page.AReady() {
		return 0, 0, framequeue.ErrAgain
	}
	offs := s.snapshotOffsets()
	used, base := s.page.ABufUsed(), s.page.ABufBase()
	if used <= base {
		// nothing pending under the flag; treat as consumed
		s.page.SetABufUsed(0)
		s.page.SetABufBase(0)
		s.page.SetAReady(false)
		if err := s.asem.Post(); err != nil {
			return 0, 0, err
		}
		return 0, 0, framequeue.ErrAgain
	}
	tag := s.page.VPTS()
	pending := used - base
	if pending > len(dst) {
		n := copy(dst, offs.Audio[base:base+len(dst)])
		s.page.SetABufBase(base + n)
		return n, tag, nil
	}
	n := copy(dst, offs.Audio[base:used])
	s.page.SetABufUsed(0)
	s.page.SetABufBase(0)
	s.page.SetAReady(false)
	if err := s.asem.Post(); err != nil {
		return 0, 0, err
	}
	return n, tag, nil
}
