package shmif

import (
	"os"
	"time"
)

// Skip modes, parent-settable through the SKIPMODE target command.
// Values at or below SkipRollback select a rollback window of
// (SkipRollback - mode) + 1 savestate slots.
const (
	SkipAuto     = 0
	SkipNone     = -1
	SkipRollback = -2

	// SkipStep and above are accepted but, like SkipNone, only turn off
	// automatic skipping in Sync; no stepping or fast-forward is done.
	SkipStep    = 1
	SkipFastFwd = 10
)

// Pacer aligns a fixed-rate producer to wall time: sleep up to the next
// frame deadline with a prewake margin, skip at most one frame when
// lagging, and rebase the timers outright when the clock deviates wildly
// (suspend/resume, clock steps) unless the debug-stall env holds it.
type Pacer struct {
	mspf float64

	basetime    int64
	vframecount int64
	aframecount int64
	frameskips  int
	rebasecount int

	// Prewake compensates for scheduler jitter by waking early and
	// busy-advancing the remainder.
	Prewake int

	SkipMode   int
	SkipVideo  bool
	SkipAudio  bool
	EmptyVideo bool

	debugStall int // 0 unchecked, 1 reset on stall, -1 never reset
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// NewPacer builds a pacer for the given frame rate.
func NewPacer(fps float64, prewake int) *Pacer {
	if fps <= 0 {
		fps = 60
	}
	return &Pacer{
		mspf:     1000.0 / fps,
		basetime: nowMillis(),
		Prewake:  prewake,
		SkipMode: SkipAuto,
	}
}

// SetRate changes the frame cadence mid-stream.
func (p *Pacer) SetRate(fps float64) {
	if fps > 0 {
		p.mspf = 1000.0 / fps
	}
}

// Reset rebases the clock and counters.
func (p *Pacer) Reset() {
	p.basetime = nowMillis()
	p.vframecount = 1
	p.aframecount = 1
	p.frameskips = 0
}

// CountAudio advances the produced-sample counter; the video counter
// advances inside Sync.
func (p *Pacer) CountAudio(n int) { p.aframecount += int64(n) }

// Frameskips reports how many frames were dropped since the last reset.
func (p *Pacer) Frameskips() int { return p.frameskips }

// Rebases reports how many times a timing stall forced a reset.
func (p *Pacer) Rebases() int { return p.rebasecount }

// Sync blocks until the next frame deadline. It returns true when the
// upcoming frame should be transferred, false when it should be skipped
// to catch up. Each call skips at most one frame; the result of the
// previous call is not tracked, so while the producer stays more than half
// a frame behind consecutive calls each return false unless the caller
// sets SkipVideo.
func (p *Pacer) Sync() bool {
	timestamp := nowMillis()
	p.vframecount++

	// only ever skip one frame at a time
	if p.SkipVideo || p.EmptyVideo {
		return true
	}

	now := timestamp - p.basetime
	next := int64(float64(p.vframecount) * p.mspf)
	left := next - now

	// ntpd, settimeofday, a massive stall or a suspend: the deadline is
	// meaningless, rebase instead of fast-forwarding through the gap
	if left > 200 || left < -200 {
		if p.debugStall == 0 {
			if os.Getenv("ARCAN_FRAMESERVER_DEBUGSTALL") != "" {
				p.debugStall = -1
			} else {
				p.debugStall = 1
			}
		}
		if p.debugStall == 1 {
			log.Warn("frameskip stall detected, resetting timers")
			p.Reset()
			p.rebasecount++
		}
		return true
	}

	if p.SkipMode != SkipAuto {
		return true
	}

	// more than half a frame behind: skip
	if float64(left) < -0.5*p.mspf {
		p.frameskips++
		return false
	}

	// better to under- than overshoot the transfer deadline; prewake
	// shaves the sleep so jitter lands us slightly early
	if left > int64(p.Prewake) {
		time.Sleep(time.Duration(left-int64(p.Prewake)) * time.Millisecond)
	}
	return true
}
