package frameserver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silky/arcan/internal/audio"
	"github.com/silky/arcan/internal/config"
	"github.com/silky/arcan/internal/event"
	"github.com/silky/arcan/internal/framequeue"
)

// fakeClock drives the scheduler deterministically.
type fakeClock struct{ now int64 }

func (c *fakeClock) fn() func() int64 { return func() int64 { return c.now } }

// queuedSource builds a playing decoded-stream source with a hand-fed
// video queue and no IPC behind it.
func queuedSource(t *testing.T, e *Engine) *Source {
	t.Helper()
	s := &Source{
		VID:         1,
		Kind:        KindDecoded,
		vskipthresh: 60,
		surface:     NewMemSurface(false),
	}
	s.vfq = framequeue.Alloc("video_test", 16, 4)
	s.afq = framequeue.Alloc("audio_test", 16, 64)
	s.alive.Store(true)
	s.setState(StatePlaying)
	s.setFeed(feedQueuedAV)
	s.bpms = (1000.0 / 48000.0) / 2.0 * 0.5
	e.sources[s.VID] = s
	return s
}

func pushFrame(t *testing.T, q *framequeue.Queue, pts int64) {
	t.Helper()
	require.NoError(t, q.Produce(func(dst []byte) (int, int64, error) {
		return len(dst), pts, nil
	}))
}

func TestSkipPolicy(t *testing.T) {
	clock := &fakeClock{}
	cfg := config.Default()
	e := New(cfg, event.NewBus(), WithClock(clock.fn()))
	s := queuedSource(t, e)

	// child produced at a 33ms cadence, the compositor clock evaluates
	// each tick at the times below; threshold 60ms
	pts := []int64{0, 33, 66, 99, 133, 200, 233, 266, 300, 333}
	for _, p := range pts {
		pushFrame(t, s.vfq, p)
	}
	s.startedAt = 0

	ticks := []int64{0, 33, 66, 99, 133, 166, 200, 233, 266, 300, 333}
	presented := 0
	for _, now := range ticks {
		clock.now = now
		if e.feedDispatch(s, CmdPoll, nil) == GotFrame {
			e.feedDispatch(s, CmdRender, nil)
			presented++
		}
	}
	// with a fixed clock every frame lands inside the window: at
	// now=166, PTS 200 is |200-166|=34 < 60 and presentable
	assert.Equal(t, 10, presented)
	assert.Equal(t, 0, s.vfq.Len())
	assert.Equal(t, int64(333), s.lastPTS)
}

func TestSkipPolicyDropsStale(t *testing.T) {
	clock := &fakeClock{}
	e := New(config.Default(), event.NewBus(), WithClock(clock.fn()))
	s := queuedSource(t, e)
	s.startedAt = 0

	for _, p := range []int64{0, 33, 66, 300} {
		pushFrame(t, s.vfq, p)
	}

	// clock jumps far ahead: everything older than now-60 is shed, and
	// the dropped tags keep the audio clock anchor moving
	clock.now = 290
	got := e.feedDispatch(s, CmdPoll, nil)
	assert.Equal(t, GotFrame, got)
	front := s.vfq.Front()
	require.NotNil(t, front)
	assert.Equal(t, int64(300), front.Tag)
	assert.Equal(t, int64(300), s.lastPTS)
}

func TestSkipPolicyTooEarly(t *testing.T) {
	clock := &fakeClock{}
	e := New(config.Default(), event.NewBus(), WithClock(clock.fn()))
	s := queuedSource(t, e)
	s.startedAt = 0

	pushFrame(t, s.vfq, 500)
	clock.now = 10
	assert.Equal(t, NoFrame, e.feedDispatch(s, CmdPoll, nil))
	// the cell is revisited, not dropped
	assert.Equal(t, 1, s.vfq.Len())

	clock.now = 460
	assert.Equal(t, GotFrame, e.feedDispatch(s, CmdPoll, nil))
}

func TestSkipPolicyIgnoredWhenPaused(t *testing.T) {
	clock := &fakeClock{}
	e := New(config.Default(), event.NewBus(), WithClock(clock.fn()))
	s := queuedSource(t, e)
	pushFrame(t, s.vfq, 0)

	s.setState(StatePaused)
	assert.Equal(t, NoFrame, e.feedDispatch(s, CmdPoll, nil))
	s.setState(StatePlaying)
	assert.Equal(t, GotFrame, e.feedDispatch(s, CmdPoll, nil))
}

func TestNoPTSPresentsImmediately(t *testing.T) {
	clock := &fakeClock{}
	e := New(config.Default(), event.NewBus(), WithClock(clock.fn()))
	s := queuedSource(t, e)
	s.NoPTS = true

	pushFrame(t, s.vfq, 99999)
	clock.now = 0
	assert.Equal(t, GotFrame, e.feedDispatch(s, CmdPoll, nil))
}

func TestAudioClockReconciliation(t *testing.T) {
	clock := &fakeClock{}
	sink := audio.NewHeadless()
	e := New(config.Default(), event.NewBus(),
		WithClock(clock.fn()), WithAudioSink(sink))
	s := queuedSource(t, e)

	fill := func(pts int64) {
		require.NoError(t, s.afq.Produce(func(dst []byte) (int, int64, error) {
			return len(dst), pts, nil
		}))
	}

	// in synch: drift below the 60ms window, cell submitted
	s.lastPTS = 10
	s.audioClock = 0
	fill(0)
	e.pumpAudio(s)
	assert.Equal(t, int64(64), sink.Submitted())
	assert.Greater(t, s.audioClock, 0.0)

	// video far ahead: audio cells are shed until the clock catches up
	s.lastPTS = 10_000
	s.audioClock = 0
	before := sink.Submitted()
	fill(0)
	fill(0)
	e.pumpAudio(s)
	assert.Equal(t, before, sink.Submitted(), "desynched audio must be dropped")
	assert.Equal(t, 0, s.afq.Len())
}

func TestAudioClockAdvancesPerSubmission(t *testing.T) {
	clock := &fakeClock{}
	e := New(config.Default(), event.NewBus(), WithClock(clock.fn()))
	s := queuedSource(t, e)

	// bpms * bytes for one 64-byte cell of 48kHz stereo
	require.NoError(t, s.afq.Produce(func(dst []byte) (int, int64, error) {
		return 64, 0, nil
	}))
	s.lastPTS = 1
	e.pumpAudio(s)
	assert.InDelta(t, s.bpms*64, s.audioClock, 1e-9)
}
