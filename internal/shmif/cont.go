// Package shmif is the child side of the frameserver transport: acquire a
// connection by key, negotiate geometry, submit audio/video, exchange
// events, and keep a guard thread watching the parent.
package shmif

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sys/unix"

	"github.com/silky/arcan/internal/event"
	"github.com/silky/arcan/internal/sem"
	"github.com/silky/arcan/internal/shm"
)

var log = logging.Logger("shmif")

var (
	// ErrDead means the dead man's switch was pulled; every operation
	// fails with it once teardown has started.
	ErrDead = errors.New("shmif: connection dead")

	ErrDeclined = errors.New("shmif: resize declined")
)

// Flags tune Acquire behavior.
type Flags int

const (
	// ForceUnlink removes the page and semaphore names from the
	// namespace once mapped, so a crashed pair leaves nothing behind.
	ForceUnlink Flags = 1 << iota

	// DisableGuard skips the parent-watching thread.
	DisableGuard
)

// SigMode selects how SignalVideo and SubmitAudio block.
type SigMode int

const (
	// SigBlockForce sets the ready flag and sleeps on the channel's
	// semaphore (V for video, A for audio) until the parent
	// acknowledges; the interactive transfer mode.
	SigBlockForce SigMode = iota

	// SigPost posts the channel's semaphore after flagging and returns
	// once the parent has cleared the flag; the queued-producer mode.
	SigPost

	// SigNone flags and returns immediately. Further writes may tear.
	SigNone
)

// Cont is one acquired connection.
type Cont struct {
	page *shm.Page
	vsem *sem.Sem
	asem *sem.Sem
	esem *sem.Sem

	inq  *event.Ring // parent outbound
	outq *event.Ring // our outbound

	// Vidp and Audp are the negotiated buffer views, refreshed by every
	// successful Resize. Do not alias across a resize.
	Vidp []byte
	Audp []byte

	W, H int

	dead      atomic.Bool
	guardStop chan struct{}
}

// KeyFromEnv reads the connection key the parent passed down.
func KeyFromEnv() string {
	return os.Getenv("ARCAN_SHMKEY")
}

// Acquire maps the page under key, opens the three semaphores, optionally
// unlinks the names, starts the guard thread and performs the synchronous
// handshake: wait on V, verify cookie and version.
func Acquire(key string, flags Flags) (*Cont, error) {
	page, err := shm.Map(key)
	if err != nil {
		return nil, err
	}

	var sems [3]*sem.Sem
	for i, suffix := range []string{"v", "a", "e"} {
		sm, err := sem.Open(shm.SemName(key, suffix))
		if err != nil {
			for _, prev := range sems[:i] {
				prev.Close()
			}
			page.Unmap()
			return nil, err
		}
		sems[i] = sm
	}

	if flags&ForceUnlink != 0 {
		shm.Unlink(key)
		sem.DropKeyed(key)
	}

	c := &Cont{
		page:      page,
		vsem:      sems[0],
		asem:      sems[1],
		esem:      sems[2],
		inq:       event.Attach(page.ParentQueue()),
		outq:      event.Attach(page.ChildQueue()),
		guardStop: make(chan struct{}),
	}

	// the parent posts V once at spawn as the handshake invitation; the
	// version/cookie verification is deliberately fatal on mismatch
	if err := c.vsem.Wait(-1); err != nil {
		c.release()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	if err := page.IntegrityCheck(); err != nil {
		c.release()
		return nil, err
	}
	page.SetChildPID(os.Getpid())
	c.W, c.H = page.Geometry()

	if flags&DisableGuard == 0 {
		go c.guard()
	}
	return c, nil
}

// guard is the child-side supervisor: verify the page and the parent pid
// periodically, and on any anomaly pull the switch and wake everything so
// no thread sleeps through teardown.
func (c *Cont) guard() {
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-c.guardStop:
			return
		case <-tick.C:
		}
		if c.dead.Load() {
			return
		}
		ppid := c.page.ParentPID()
		ok := c.page.DMS() && c.page.IntegrityCheck() == nil &&
			(ppid == 0 || unix.Kill(ppid, 0) == nil)
		if ok {
			continue
		}
		log.Warn("parent gone or page corrupt, tearing down")
		c.dead.Store(true)
		c.page.ClearDMS()
		c.vsem.Post()
		c.asem.Post()
		c.esem.Post()
		return
	}
}

// Alive reports whether the connection is still usable.
func (c *Cont) Alive() bool {
	return !c.dead.Load() && c.page.DMS()
}

// Page exposes the raw page for integrity checks and PTS updates.
func (c *Cont) Page() *shm.Page { return c.page }

// Resize renegotiates geometry with the current audio slicing.
func (c *Cont) Resize(w, h int) error {
	return c.ResizeExt(w, h, 0, 0, 0)
}

// ResizeExt additionally proposes audio slice size and buffer counts
// (zero keeps the current values). The child is the geometry authority
// but the parent owns bounds: on decline the header reads back the old
// values and ErrDeclined is returned.
func (c *Cont) ResizeExt(w, h, abufsize, abufCount, vbufCount int) error {
	if !c.Alive() {
		return ErrDead
	}
	oldW, oldH := c.page.Geometry()
	curSz, curAC, curVC := c.page.AudioLayout()
	if abufsize == 0 {
		abufsize = curSz
	}
	if abufCount == 0 {
		abufCount = curAC
	}
	if vbufCount == 0 {
		vbufCount = curVC
	}

	c.page.SetGeometry(w, h)
	c.page.SetAudioLayout(abufsize, abufCount, vbufCount)
	c.page.SetResized(true)

	// everything but the header is undefined until the parent clears
	// the flag and posts back
	if err := c.vsem.Wait(-1); err != nil {
		return err
	}
	if !c.Alive() {
		return ErrDead
	}

	gotW, gotH := c.page.Geometry()
	if gotW != w || gotH != h {
		log.Warnw("resize declined", "want_w", w, "want_h", h,
			"have_w", gotW, "have_h", gotH)
		c.W, c.H = oldW, oldH
		return ErrDeclined
	}

	// the parent may have grown the backing segment; chase it
	if err := c.remapIfNeeded(); err != nil {
		return err
	}

	offs, err := c.page.CalcOffsets()
	if err != nil {
		return err
	}
	c.Vidp, c.Audp = offs.Video, offs.Audio
	c.W, c.H = gotW, gotH
	return nil
}

func (c *Cont) remapIfNeeded() error {
	w, h := c.page.Geometry()
	abufsize, _, _ := c.page.AudioLayout()
	need := shm.SegmentSize(w, h, abufsize)
	if need <= c.page.Mapped() {
		return nil
	}
	if err := c.page.Remap(c.page.SegmentSize()); err != nil {
		return err
	}
	c.inq = event.Attach(c.page.ParentQueue())
	c.outq = event.Attach(c.page.ChildQueue())
	return nil
}

// SignalVideo submits the video buffer with the given PTS.
func (c *Cont) SignalVideo(pts int64, mode SigMode) error {
	if !c.Alive() {
		return ErrDead
	}
	c.page.SetVPTS(pts)
	c.page.SetVReady(true)

	switch mode {
	case SigBlockForce:
		if err := c.vsem.Wait(-1); err != nil {
			return err
		}
		if !c.Alive() {
			return ErrDead
		}

	case SigPost:
		if err := c.vsem.Post(); err != nil {
			return err
		}
		for c.page.VReady() {
			if !c.Alive() {
				return ErrDead
			}
			time.Sleep(500 * time.Microsecond)
		}
		// drain the acknowledgement token so the count stays balanced
		c.vsem.TryWait()

	case SigNone:
	}
	return nil
}

// SubmitAudio appends samples to the page audio slice and flags
// readiness. When the slice cannot take the whole submission the caller
// must wait for the parent to consume first.
func (c *Cont) SubmitAudio(pcm []byte, pts int64, mode SigMode) (int, error) {
	if !c.Alive() {
		return 0, ErrDead
	}
	used := c.page.ABufUsed()
	if used+len(pcm) > len(c.Audp) {
		return 0, fmt.Errorf("shmif: audio slice full (%d of %d used)",
			used, len(c.Audp))
	}
	copy(c.Audp[used:], pcm)
	c.page.SetABufUsed(used + len(pcm))
	c.page.SetAPTS(pts)
	c.page.SetAReady(true)

	switch mode {
	case SigBlockForce:
		if err := c.asem.Wait(-1); err != nil {
			return 0, err
		}
	case SigPost:
		if err := c.asem.Post(); err != nil {
			return 0, err
		}
		for c.page.AReady() {
			if !c.Alive() {
				return 0, ErrDead
			}
			time.Sleep(500 * time.Microsecond)
		}
		c.asem.TryWait()
	case SigNone:
	}
	return len(pcm), nil
}

// PostVideo releases the video slot without flagging content; the
// recorder consumer uses it to invite the next parent readback.
func (c *Cont) PostVideo() error {
	if !c.Alive() {
		return ErrDead
	}
	return c.vsem.Post()
}

// Enqueue pushes an event to the parent and wakes it through E.
func (c *Cont) Enqueue(ev event.Event) error {
	if !c.Alive() {
		return ErrDead
	}
	if err := c.outq.Enqueue(ev); err != nil {
		return err
	}
	return c.esem.Post()
}

// Poll drains one inbound event without blocking.
func (c *Cont) Poll() (event.Event, bool) {
	return c.inq.Poll()
}

// WaitEvent blocks on E up to timeoutMS for an inbound event.
func (c *Cont) WaitEvent(timeoutMS int) (event.Event, bool) {
	if ev, ok := c.inq.Poll(); ok {
		return ev, true
	}
	if err := c.esem.Wait(timeoutMS); err != nil {
		return event.Event{}, false
	}
	return c.inq.Poll()
}

// Drop pulls the switch and releases every resource.
func (c *Cont) Drop() {
	c.dead.Store(true)
	c.page.ClearDMS()
	select {
	case <-c.guardStop:
	default:
		close(c.guardStop)
	}
	c.vsem.Post()
	c.asem.Post()
	c.esem.Post()
	c.release()
}

func (c *Cont) release() {
	c.vsem.Close()
	c.asem.Close()
	c.esem.Close()
	c.page.Unmap()
}
