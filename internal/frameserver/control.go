package frameserver

import (
	"errors"
	"fmt"
	"math"

	"github.com/silky/arcan/internal/event"
	"github.com/silky/arcan/internal/framequeue"
	"github.com/silky/arcan/internal/sem"
	"github.com/silky/arcan/internal/shm"
)

// controlChild verifies the source is still trustworthy: page integrity,
// dead man's switch, process liveness. On failure the feed demotes to
// dummy; the guard thread performs the heavier teardown on its own clock.
func (e *Engine) controlChild(s *Source) bool {
	if !s.alive.Load() {
		return false
	}
	if err := s.page.IntegrityCheck(); err != nil {
		log.Errorw("page corrupt", "vid", s.VID, "err", err)
		s.setFeed(feedDummy)
		return false
	}
	if !s.page.DMS() || !s.procAlive() {
		s.setFeed(feedDummy)
		return false
	}
	return true
}

// tickControl is the per-tick housekeeping every live feed runs: verify
// the child, drain its share of inbound events, drive a pending resize.
func (e *Engine) tickControl(s *Source) {
	if !e.controlChild(s) {
		return
	}
	event.QueueTransfer(e.bus, s.inq, event.External|event.Net,
		e.cfg.Engine.Fairness, s.VID)

	if s.page.Resized() {
		e.applyResize(s)
	}
}

// applyResize acknowledges (or declines) a child-initiated geometry
// change. The child is the geometry authority, the parent the bounds
// authority: a proposal past the build-time limits is declined by
// restoring the previous header values before the acknowledgement post.
func (e *Engine) applyResize(s *Source) {
	page := s.page
	w, h := page.Geometry()
	abufsize, abufCount, vbufCount := page.AudioLayout()

	if w <= 0 || h <= 0 || w > shm.MaxWidth || h > shm.MaxHeight ||
		abufsize <= 0 || abufsize > shm.LegacyAudioLimit ||
		shm.SegmentSize(w, h, abufsize) > shm.MaxSegmentSize {
		log.Warnw("resize declined", "vid", s.VID, "w", w, "h", h, "abufsize", abufsize)
		page.SetGeometry(s.width, s.height)
		page.SetAudioLayout(s.abufsize, s.abufCount, s.vbufCount)
		page.SetResized(false)
		s.vsem.Post()
		return
	}

	// stale cells point at the old mapping; drop unconditionally
	s.dropQueues()

	need := shm.SegmentSize(w, h, abufsize)
	if need > page.SegmentSize() {
		if err := page.Remap(need); err != nil {
			log.Errorw("remap failed", "vid", s.VID, "err", err)
			page.ClearDMS()
			s.vsem.Post()
			return
		}
		// the ring views alias the old mapping, rebind them
		s.inq = event.Attach(page.ChildQueue())
		s.outq = event.Attach(page.ParentQueue())
	}

	offs, err := page.CalcOffsets()
	if err != nil {
		log.Errorw("offsets after resize", "vid", s.VID, "err", err)
		page.ClearDMS()
		s.vsem.Post()
		return
	}
	s.setOffsets(offs)
	s.width, s.height = w, h
	s.abufsize, s.abufCount, s.vbufCount = abufsize, abufCount, vbufCount
	s.surface.Resize(w, h)

	channels, rate := page.ChannelLayout()
	if channels == 0 || rate == 0 {
		channels, rate = shm.Channels, shm.SampleRate
	}
	s.channels, s.rate = channels, rate
	s.bpms = (1000.0 / float64(rate)) / float64(channels) * 0.5
	s.audioClock = 0
	s.lastPTS = 0

	e.bus.Enqueue(s.VID, event.NewFrameserver(event.FrameserverResized,
		event.FrameserverData{
			Video: s.VID, Audio: s.AID,
			Width: uint16(w), Height: uint16(h),
			OTag: s.Tag, GLSource: page.Colormode() != shm.ColorRGBA,
		}))

	if s.Autoplay && s.State() != StatePlaying {
		s.Playback(e.Frametime())
	}

	// acknowledge before attaching the queue workers: the blocked child
	// must be the one to consume this post, not a fresh producer worker
	// waiting on the same semaphore. Ready flags from before the resize
	// refer to undefined contents.
	page.SetVReady(false)
	page.SetAReady(false)
	page.SetABufUsed(0)
	page.SetABufBase(0)
	page.SetResized(false)
	s.vsem.Post()

	switch {
	case s.Kind == KindRecorder:
		s.setFeed(feedRecorder)

	case s.Kind == KindNetClient || s.Kind == KindNetServer:
		s.setFeed(feedNet)

	case s.NoPTS:
		// present-ASAP: no queues, the render path reads the page
		s.setFeed(feedDirect)
		if s.audb == nil {
			s.audb = make([]byte, interactiveStagingSize)
		}

	default:
		opts := CurrentQueueOpts()
		acells, abuf := opts.AudioCells, opts.AudioBufSz
		if acells == 0 || abuf == 0 {
			// derive from frame cadence: enough audio per cell to cover
			// one 30Hz video frame
			mspvf := 1000.0 / 30.0
			mspaf := 1000.0 / float64(rate)
			abuf = int(math.Ceil(mspvf / mspaf * float64(channels) * 2))
			acells = opts.VideoCells * 2
		}
		s.vfq = newVideoQueue(s, opts.VideoCells, w*h*shm.BytesPerPixel)
		s.afq = newAudioQueue(s, acells, abuf)
		s.setFeed(feedQueuedAV)
	}
	log.Debugw("resized", "vid", s.VID, "w", w, "h", h,
		"abufsize", abufsize, "abufc", abufCount, "vbufc", vbufCount)
}

func newVideoQueue(s *Source, cells, cellSize int) *framequeue.Queue {
	q := framequeue.Alloc(fmt.Sprintf("video_%d", s.VID), cells, cellSize)
	q.Run(semGate(s, s.vsem), s.videoSource)
	return q
}

func newAudioQueue(s *Source, cells, cellSize int) *framequeue.Queue {
	q := framequeue.Alloc(fmt.Sprintf("audio_%d", s.VID), cells, cellSize)
	q.Run(semGate(s, s.asem), s.audioSource)
	return q
}

// semGate is the producer-worker wait: block on the semaphore with a
// 100 ms ceiling (the longest allowed guard period) so a stopped queue is
// noticed promptly, and turn a pulled dead man's switch into worker exit.
func semGate(s *Source, sm *sem.Sem) func() error {
	return func() error {
		if err := sm.Wait(100); err != nil && !errors.Is(err, sem.ErrTimeout) {
			return err
		}
		if !s.alive.Load() {
			return errDead
		}
		return nil
	}
}
