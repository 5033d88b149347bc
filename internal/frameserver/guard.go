package frameserver

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/silky/arcan/internal/event"
)

// guardNotice is how a guard thread reports a dead source back to the
// compositor. It carries the table id, not a pointer; by the time the
// notice is applied the record may already have been destroyed.
type guardNotice struct {
	vid     uint32
	respawn bool
}

// startGuard runs the per-source supervisor: every period it re-verifies
// page integrity and child liveness, and on the first failure walks the
// teardown protocol (pull the dead man's switch, post all three
// semaphores so no waiter sleeps past one period, report upward) and
// exits. Sources that die within the grace window are never respawned,
// which keeps a broken spawn from turning into a relaunch loop.
func (e *Engine) startGuard(s *Source) {
	period := time.Duration(e.cfg.Engine.GuardPeriodMS) * time.Millisecond
	grace := int64(e.cfg.Engine.RespawnGraceMS)
	page := s.page
	vsem, asem, esem := s.vsem, s.asem, s.esem
	stop := s.guardStop
	vid := s.VID

	go func() {
		tick := time.NewTicker(period)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
			}

			err := page.IntegrityCheck()
			healthy := err == nil && page.DMS() && s.alive.Load() && s.procAlive()
			if healthy {
				continue
			}
			if err != nil {
				log.Errorw("integrity check failed", "vid", vid, "err", err)
			}

			page.ClearDMS()
			vsem.Post()
			asem.Post()
			esem.Post()

			uptime := e.Frametime() - s.launchedAt
			if s.Loop && uptime > grace {
				select {
				case e.notices <- guardNotice{vid: vid, respawn: true}:
				case <-stop:
				}
				return
			}

			if s.termSent.CompareAndSwap(false, true) {
				e.bus.Enqueue(vid, event.NewFrameserver(event.FrameserverTerminated,
					event.FrameserverData{Video: vid, Audio: s.AID, OTag: s.Tag}))
			}
			select {
			case e.notices <- guardNotice{vid: vid}:
			case <-stop:
			}
			return
		}
	}()
}

// procAlive pings the child process handle. Sources without a spawned
// process are governed by the page state alone.
func (s *Source) procAlive() bool {
	if s.proc == nil {
		return true
	}
	return unix.Kill(s.proc.Pid, 0) == nil
}

// applyNotices folds guard verdicts into the source table on the
// compositor thread.
func (e *Engine) applyNotices() {
	for {
		select {
		case n := <-e.notices:
			s, ok := e.sources[n.vid]
			if !ok {
				continue
			}
			if n.respawn {
				if err := e.respawn(s); err != nil {
					log.Errorw("respawn failed", "vid", n.vid, "err", err)
					delete(e.sources, n.vid)
				}
				continue
			}
			// terminal: the guard already pulled the switch and raised
			// TERMINATED; demote the feed so ticks become no-ops
			s.alive.Store(false)
			s.setState(StateTerminated)
			s.setFeed(feedDummy)
			s.dropQueues()
			if s.proc != nil {
				s.proc.Kill()
				s.proc = nil
			}
			s.releaseIPC()
		default:
			return
		}
	}
}
