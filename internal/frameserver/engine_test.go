package frameserver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silky/arcan/internal/audio"
	"github.com/silky/arcan/internal/config"
	"github.com/silky/arcan/internal/event"
	"github.com/silky/arcan/internal/shm"
	"github.com/silky/arcan/internal/shmif"
)

func testEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.Engine.GuardPeriodMS = 25
	base := []Option{
		WithSurfaceFactory(func(s *Source) Surface { return NewMemSurface(false) }),
	}
	e := New(cfg, event.NewBus(), append(base, opts...)...)
	t.Cleanup(e.Shutdown)
	return e
}

// drive ticks the engine until cond holds or the budget runs out.
func drive(e *Engine, cond func() bool) bool {
	for i := 0; i < 600; i++ {
		e.Tick()
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return false
}

func countKind(events []event.Sourced, kind uint8) int {
	n := 0
	for _, ev := range events {
		if ev.Category == event.Frameserver && ev.Kind == kind {
			n++
		}
	}
	return n
}

func TestInteractiveSpawnAndRenderOneFrame(t *testing.T) {
	e := testEngine(t)
	s, err := e.Spawn(SpawnEnv{Mode: "libretro"})
	require.NoError(t, err)

	childDone := make(chan error, 1)
	go func() {
		cont, err := shmif.Acquire(s.Key, shmif.DisableGuard)
		if err != nil {
			childDone <- err
			return
		}
		if err := cont.Resize(320, 240); err != nil {
			childDone <- err
			return
		}
		for i := 0; i < len(cont.Vidp); i += 4 {
			cont.Vidp[i] = 0x7f
			cont.Vidp[i+1] = 0x7f
			cont.Vidp[i+2] = 0x7f
			cont.Vidp[i+3] = 0xff
		}
		pcm := make([]byte, 1024)
		for i := range pcm {
			pcm[i] = 0x10
		}
		if _, err := cont.SubmitAudio(pcm, 0, shmif.SigNone); err != nil {
			childDone <- err
			return
		}
		childDone <- cont.SignalVideo(0, shmif.SigBlockForce)
	}()

	var events []event.Sourced
	ok := drive(e, func() bool {
		events = append(events, e.Bus().Drain()...)
		select {
		case err := <-childDone:
			require.NoError(t, err)
			return true
		default:
			return false
		}
	})
	require.True(t, ok, "child never completed the transfer")
	e.Tick()

	assert.Equal(t, 1, countKind(events, event.FrameserverResized))
	rz := func() event.Sourced {
		for _, ev := range events {
			if ev.Category == event.Frameserver && ev.Kind == event.FrameserverResized {
				return ev
			}
		}
		t.Fatal("no resized event")
		return event.Sourced{}
	}()
	d := rz.FrameserverData()
	assert.Equal(t, uint16(320), d.Width)
	assert.Equal(t, uint16(240), d.Height)

	surf := s.UploadSurface().(*MemSurface)
	frame := surf.Frame()
	require.NotNil(t, frame)
	require.Len(t, frame, 320*240*shm.BytesPerPixel)
	assert.Equal(t, byte(0x7f), frame[0])
	assert.Equal(t, byte(0xff), frame[3])
	assert.Equal(t, byte(0x7f), frame[len(frame)-4])

	assert.False(t, s.page.VReady(), "vready must be clear after the ack")

	// the staged audio reaches the sink on the following ticks
	sink := e.AudioSink().(*audio.Headless)
	assert.Greater(t, sink.Submitted(), int64(0))
}

func TestResizeDenied(t *testing.T) {
	e := testEngine(t)
	s, err := e.Spawn(SpawnEnv{Mode: "libretro"})
	require.NoError(t, err)

	childDone := make(chan error, 2)
	go func() {
		cont, err := shmif.Acquire(s.Key, shmif.DisableGuard)
		if err != nil {
			childDone <- err
			return
		}
		// over MaxWidth: must come back declined with old geometry
		err = cont.Resize(8192, 100)
		if err != shmif.ErrDeclined {
			childDone <- err
			return
		}
		if w, _ := cont.Page().Geometry(); w != 32 {
			childDone <- assert.AnError
			return
		}
		childDone <- nil
		childDone <- cont.Resize(1024, 768)
	}()

	var events []event.Sourced
	got := 0
	ok := drive(e, func() bool {
		events = append(events, e.Bus().Drain()...)
		select {
		case err := <-childDone:
			require.NoError(t, err)
			got++
		default:
		}
		return got == 2
	})
	require.True(t, ok, "child did not finish both resize attempts")

	assert.Equal(t, 1, countKind(events, event.FrameserverResized))
	w, h := s.Geometry()
	assert.Equal(t, 1024, w)
	assert.Equal(t, 768, h)
}

func TestResizeMaxBounds(t *testing.T) {
	e := testEngine(t)
	s, err := e.Spawn(SpawnEnv{Mode: "libretro"})
	require.NoError(t, err)

	childDone := make(chan error, 1)
	go func() {
		cont, err := shmif.Acquire(s.Key, shmif.DisableGuard)
		if err != nil {
			childDone <- err
			return
		}
		childDone <- cont.Resize(shm.MaxWidth, shm.MaxHeight)
	}()

	ok := drive(e, func() bool {
		select {
		case err := <-childDone:
			require.NoError(t, err, "maximum geometry must be accepted")
			return true
		default:
			return false
		}
	})
	require.True(t, ok)
	w, h := s.Geometry()
	assert.Equal(t, shm.MaxWidth, w)
	assert.Equal(t, shm.MaxHeight, h)
}

func TestCrashWithoutLoopTerminates(t *testing.T) {
	e := testEngine(t)
	s, err := e.Spawn(SpawnEnv{Mode: "movie"})
	require.NoError(t, err)

	// child-side anomaly: the switch goes down
	s.page.ClearDMS()

	var events []event.Sourced
	ok := drive(e, func() bool {
		events = append(events, e.Bus().Drain()...)
		return countKind(events, event.FrameserverTerminated) > 0 &&
			s.feedState() == feedDummy
	})
	require.True(t, ok, "guard never escalated")

	// exactly once, and later ticks are no-ops
	for i := 0; i < 10; i++ {
		e.Tick()
	}
	events = append(events, e.Bus().Drain()...)
	assert.Equal(t, 1, countKind(events, event.FrameserverTerminated))
	assert.Equal(t, 0, countKind(events, event.FrameserverLooped))
	assert.Equal(t, StateTerminated, s.State())
}

func TestCrashWithLoopRespawns(t *testing.T) {
	e := testEngine(t)
	s, err := e.Spawn(SpawnEnv{Mode: "movie", Loop: true})
	require.NoError(t, err)

	oldKey := s.Key
	// past the respawn grace window
	s.launchedAt = e.Frametime() - 2000
	s.page.ClearDMS()

	var events []event.Sourced
	ok := drive(e, func() bool {
		events = append(events, e.Bus().Drain()...)
		return countKind(events, event.FrameserverLooped) > 0
	})
	require.True(t, ok, "guard never requested a respawn")

	assert.Equal(t, 0, countKind(events, event.FrameserverTerminated))
	assert.NotEqual(t, oldKey, s.Key, "respawn must build a fresh connection")
	assert.True(t, s.page.DMS())
	assert.True(t, s.ChildAlive())
}

func TestCrashWithLoopInsideGraceTerminates(t *testing.T) {
	e := testEngine(t)
	s, err := e.Spawn(SpawnEnv{Mode: "movie", Loop: true})
	require.NoError(t, err)

	// crash immediately: the debounce treats it as a broken spawn
	s.page.ClearDMS()

	var events []event.Sourced
	ok := drive(e, func() bool {
		events = append(events, e.Bus().Drain()...)
		return countKind(events, event.FrameserverTerminated) > 0
	})
	require.True(t, ok)
	assert.Equal(t, 0, countKind(events, event.FrameserverLooped))
}

func TestRecorderReadback(t *testing.T) {
	e := testEngine(t)
	s, err := e.Spawn(SpawnEnv{Mode: "record"})
	require.NoError(t, err)

	type step struct {
		frameNo int32
		pixel   byte
	}
	childGot := make(chan step, 1)
	childReady := make(chan *shmif.Cont, 1)
	go func() {
		cont, err := shmif.Acquire(s.Key, shmif.DisableGuard)
		if err != nil {
			close(childReady)
			return
		}
		if err := cont.Resize(64, 64); err != nil {
			close(childReady)
			return
		}
		cont.PostVideo() // invite the first readback
		childReady <- cont
		for {
			ev, ok := cont.WaitEvent(100)
			if !ok {
				if !cont.Alive() {
					return
				}
				continue
			}
			if ev.Category == event.Target && ev.Kind == event.TargetStepframe {
				childGot <- step{
					frameNo: ev.TargetData().Ioevs[0],
					pixel:   cont.Vidp[0],
				}
				return
			}
		}
	}()

	ok := drive(e, func() bool {
		select {
		case <-childReady:
			return true
		default:
			return false
		}
	})
	require.True(t, ok, "recorder child never negotiated")
	require.Equal(t, KindRecorder, s.Kind)

	// mixed audio accumulates in staging between readbacks
	s.StageAudio([]byte{1, 2, 3, 4})

	frame := make([]byte, 64*64*shm.BytesPerPixel)
	for i := range frame {
		frame[i] = 0xab
	}
	require.NoError(t, e.Readback(s.VID, frame))

	select {
	case got := <-childGot:
		assert.Equal(t, int32(1), got.frameNo)
		assert.Equal(t, byte(0xab), got.pixel)
	case <-time.After(2 * time.Second):
		t.Fatal("stepframe never reached the child")
	}
	assert.Equal(t, 4, s.page.ABufUsed())
}

func TestSpawnInvalidMode(t *testing.T) {
	e := testEngine(t)
	_, err := e.Spawn(SpawnEnv{Mode: "teletext"})
	assert.ErrorIs(t, err, ErrUnacceptableState)
}

func TestPlaystateTransitions(t *testing.T) {
	e := testEngine(t)
	s, err := e.Spawn(SpawnEnv{Mode: "movie"})
	require.NoError(t, err)

	assert.Equal(t, StateInitializing, s.State())
	assert.ErrorIs(t, s.Resume(), ErrUnacceptableState)

	require.NoError(t, s.Playback(e.Frametime()))
	assert.Equal(t, StatePlaying, s.State())

	require.NoError(t, s.Pause(false))
	assert.Equal(t, StatePaused, s.State())
	require.NoError(t, s.Resume())

	require.NoError(t, s.Pause(true))
	assert.Equal(t, StateSuspended, s.State())
	require.NoError(t, s.Resume())
	assert.Equal(t, StatePlaying, s.State())

	require.NoError(t, e.Destroy(s.VID))
	assert.ErrorIs(t, s.Playback(0), ErrUnacceptableState)
	assert.ErrorIs(t, s.Pause(false), ErrUnacceptableState)
	assert.ErrorIs(t, e.Destroy(s.VID), ErrNoSuchSource)
}

func TestGainChangeBecomesAttenuate(t *testing.T) {
	e := testEngine(t)
	s, err := e.Spawn(SpawnEnv{Mode: "libretro"})
	require.NoError(t, err)

	require.NoError(t, s.GainChanged(0.25))
	ev, ok := s.outq.Poll()
	require.True(t, ok)
	assert.Equal(t, event.Target, ev.Category)
	assert.Equal(t, event.TargetAttenuate, ev.Kind)
	assert.InDelta(t, 0.25, float64(ev.TargetData().Fv), 1e-6)
}
