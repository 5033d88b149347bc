package frameserver

import (
	"github.com/silky/arcan/internal/event"
	"github.com/silky/arcan/internal/shm"
)

// Command is what the compositor asks of a feed on a given tick.
type Command int

const (
	// CmdTick drives the resize protocol, event drain and liveness.
	CmdTick Command = iota

	// CmdPoll asks whether a frame should render this tick.
	CmdPoll

	// CmdRender uploads the pending frame.
	CmdRender

	// CmdDestroy frees the source.
	CmdDestroy

	// CmdReadback (recorder only) pushes a rendered frame down into the
	// page; the frame travels in the arg buffer.
	CmdReadback
)

// FeedResult is the poll verdict.
type FeedResult int

const (
	NoFrame FeedResult = iota
	GotFrame
)

// feedDispatch routes a command through the source's current feed mode.
// The mode is a tagged variant over a finite set and only ever swapped on
// the compositor thread, so this match is the entire dispatch cost.
func (e *Engine) feedDispatch(s *Source, cmd Command, arg []byte) FeedResult {
	switch s.feedState() {
	case feedEmpty:
		return e.emptyFeed(s, cmd)
	case feedDummy:
		return e.dummyFeed(s, cmd)
	case feedDirect:
		return e.directFeed(s, cmd)
	case feedQueued, feedQueuedAV:
		return e.queuedFeed(s, cmd)
	case feedRecorder:
		return e.recorderFeed(s, cmd, arg)
	case feedNet:
		return e.netFeed(s, cmd)
	}
	return NoFrame
}

// emptyFeed carries a source between spawn and its first acknowledged
// resize: nothing to present, but the control path must run so the
// resize can ever be observed.
func (e *Engine) emptyFeed(s *Source, cmd Command) FeedResult {
	switch cmd {
	case CmdTick:
		e.tickControl(s)
	case CmdDestroy:
		e.Destroy(s.VID)
	}
	return NoFrame
}

// dummyFeed is the terminal feed: a dead source parks here so stray
// ticks are no-ops and only destroy does anything.
func (e *Engine) dummyFeed(s *Source, cmd Command) FeedResult {
	if cmd == CmdDestroy {
		e.Destroy(s.VID)
	}
	return NoFrame
}

// directFeed is the interactive path: single buffer, present as soon as
// the producer flags readiness, audio rides along into the staging
// buffer. The child blocks on V alone, so the acknowledgement post at
// the end is what lets it produce the next frame.
func (e *Engine) directFeed(s *Source, cmd Command) FeedResult {
	switch cmd {
	case CmdTick:
		e.tickControl(s)

	case CmdPoll:
		if s.page == nil {
			return NoFrame
		}
		if s.page.Resized() {
			e.tickControl(s)
		}
		if s.feedState() != feedDirect || !s.alive.Load() {
			return NoFrame
		}
		if s.page.VReady() {
			return GotFrame
		}

	case CmdRender:
		event.QueueTransfer(e.bus, s.inq, event.External|event.Net,
			e.cfg.Engine.Fairness, s.VID)

		// a resize detected mid-transfer means this frame describes a
		// geometry we no longer track; skip the upload, ack anyway
		w, h := s.page.Geometry()
		if w == s.width && h == s.height {
			offs := s.snapshotOffsets()
			s.surface.Upload(offs.Video)

			if s.page.AReady() {
				used := s.page.ABufUsed()
				s.audbMu.Lock()
				ntc := used
				if s.ofsAudb+used > len(s.audb) {
					ntc = len(s.audb) - s.ofsAudb
				}
				if ntc == 0 {
					log.Warnw("incoming audio overflow, resetting", "vid", s.VID)
					s.ofsAudb = 0
				} else {
					copy(s.audb[s.ofsAudb:], offs.Audio[:ntc])
					s.ofsAudb += ntc
				}
				s.audbMu.Unlock()
				s.page.SetABufUsed(0)
				s.page.SetAReady(false)
			}
		}
		s.page.SetVReady(false)
		s.vsem.Post()

	case CmdDestroy:
		e.Destroy(s.VID)
	}
	return NoFrame
}

// queuedFeed is the decoded-stream path: frames arrive through the
// producer workers into the PTS-tagged queues, and poll applies the
// skip/present policy against the compositor clock.
func (e *Engine) queuedFeed(s *Source, cmd Command) FeedResult {
	switch cmd {
	case CmdTick:
		e.tickControl(s)

	case CmdPoll:
		if s.page != nil && s.page.Resized() {
			e.tickControl(s)
		}
		if s.feedState() != feedQueued && s.feedState() != feedQueuedAV {
			return NoFrame
		}
		if s.State() != StatePlaying || s.vfq == nil {
			return NoFrame
		}

		// synch-to-PTS disabled: any queued frame renders now
		if s.NoPTS {
			if s.vfq.Front() != nil {
				return GotFrame
			}
			return NoFrame
		}

		front := s.vfq.Front()
		if front == nil {
			return NoFrame
		}
		now := e.Frametime() - s.startedAt

		// frames older than the skip window are dropped, but keep the
		// audio clock anchored to the last discarded tag
		for front != nil && now-front.Tag > s.vskipthresh {
			s.lastPTS = front.Tag
			s.vfq.Dequeue()
			front = s.vfq.Front()
		}

		if front != nil && abs64(front.Tag-now) < s.vskipthresh {
			s.lastPTS = front.Tag
			return GotFrame
		}
		// too early; revisit the cell next tick

	case CmdRender:
		if s.vfq == nil {
			return NoFrame
		}
		if front := s.vfq.Front(); front != nil {
			s.surface.Upload(front.Buf[:front.Used])
			s.vfq.Dequeue()
		}

	case CmdDestroy:
		e.Destroy(s.VID)
	}
	return NoFrame
}

// recorderFeed reverses the transfer direction: on readback the parent
// samples the rendered output into the page, flushes staged audio, and
// steps the child. The V try-wait never blocks the compositor; if the
// child has not freed the slot the frame is simply dropped and the
// recorder doubles the previous one.
func (e *Engine) recorderFeed(s *Source, cmd Command, buf []byte) FeedResult {
	switch cmd {
	case CmdTick:
		if !e.controlChild(s) {
			return NoFrame
		}
		event.QueueTransfer(e.bus, s.inq, event.External|event.Net,
			e.cfg.Engine.Fairness, s.VID)

	case CmdReadback:
		if buf == nil || !s.alive.Load() {
			return NoFrame
		}
		if !s.vsem.TryWait() {
			return NoFrame
		}
		offs := s.snapshotOffsets()
		copy(offs.Video, buf)

		s.audbMu.Lock()
		if s.ofsAudb > 0 {
			n := copy(offs.Audio, s.audb[:s.ofsAudb])
			s.page.SetABufUsed(n)
			s.ofsAudb = 0
		}
		s.audbMu.Unlock()

		// the child decides whether to encode, drop or double
		s.vfcount++
		s.PushEvent(event.NewTarget(event.TargetStepframe,
			event.TargetData{Ioevs: [6]int32{s.vfcount}}))

	case CmdDestroy:
		e.Destroy(s.VID)
	}
	return NoFrame
}

// netFeed never carries frames; the page is an event surface only.
func (e *Engine) netFeed(s *Source, cmd Command) FeedResult {
	switch cmd {
	case CmdTick:
		if !e.controlChild(s) {
			return NoFrame
		}
		event.QueueTransfer(e.bus, s.inq, event.Net|event.External,
			e.cfg.Engine.Fairness, s.VID)
	case CmdDestroy:
		e.Destroy(s.VID)
	}
	return NoFrame
}

// Readback is the recorder entry point for the video pipeline: deliver a
// just-rendered frame of the source's negotiated geometry.
func (e *Engine) Readback(vid uint32, frame []byte) error {
	s, ok := e.sources[vid]
	if !ok {
		return ErrNoSuchSource
	}
	if s.Kind != KindRecorder {
		return ErrUnacceptableState
	}
	e.feedDispatch(s, CmdReadback, frame)
	return nil
}

// pumpAudio runs the per-tick audio submission for a source, reconciling
// the audio clock against the video presentation clock.
func (e *Engine) pumpAudio(s *Source) {
	if !s.alive.Load() || s.State() != StatePlaying || e.sink == nil {
		return
	}
	channels, rate := s.channels, s.rate
	if channels == 0 || rate == 0 {
		channels, rate = shm.Channels, shm.SampleRate
	}

	switch s.feedState() {
	case feedDirect:
		// latency first: whatever has been staged goes out now
		s.audbMu.Lock()
		if s.ofsAudb > 0 {
			e.sink.Buffer(s.audb[:s.ofsAudb], channels, rate)
			s.ofsAudb = 0
		}
		s.audbMu.Unlock()

	case feedQueuedAV:
		if s.afq == nil {
			return
		}
		for {
			cell := s.afq.Front()
			if cell == nil {
				return
			}
			drift := float64(s.lastPTS) - s.audioClock
			s.audioClock += s.bpms * float64(cell.Used)

			// lagging more than 60ms behind the video cadence: shed the
			// cell and keep going; video cadence wins under pressure
			if drift < 60.0 {
				e.sink.Buffer(cell.Buf[:cell.Used], channels, rate)
				s.afq.Dequeue()
				return
			}
			s.afq.Dequeue()
		}
	}
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
