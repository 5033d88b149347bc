package main

import (
	"errors"
	"time"

	"github.com/silky/arcan/internal/event"
	anet "github.com/silky/arcan/internal/net"
	"github.com/silky/arcan/internal/shmif"
)

// sender is the common outbound surface of the client and server
// workers.
type sender interface {
	Send(env anet.Envelope) error
	Close() error
}

type clientSender struct{ *anet.Client }

func (c clientSender) Send(env anet.Envelope) error { return c.Client.Send(env) }

type serverSender struct{ *anet.Server }

func (s serverSender) Send(env anet.Envelope) error { return s.Server.Send(0, env) }

// runNetClient plays the event-only role toward a remote host: the page
// carries no frames, only the rings matter.
func runNetClient(cont *shmif.Cont, addr string) error {
	if addr == "" {
		return errors.New("net-cl: ARCAN_CONNECT not set")
	}
	events := make(anet.Events, 64)
	cl, err := anet.Dial(addr, events)
	if err != nil {
		// nohost already went onto the channel; flush it upward first
		drainNetEvents(cont, events)
		return err
	}
	defer cl.Close()
	return netPump(cont, events, clientSender{cl})
}

// runNetServer accepts remote peers and assigns connection ids.
func runNetServer(cont *shmif.Cont, addr string) error {
	if addr == "" {
		addr = ":6680"
	}
	events := make(anet.Events, 64)
	srv, err := anet.Listen(addr, events)
	if err != nil {
		return err
	}
	defer srv.Close()
	return netPump(cont, events, serverSender{srv})
}

// netPump shuttles events both ways until either side goes away: network
// traffic up into the child ring, parent commands down onto the wire.
func netPump(cont *shmif.Cont, events anet.Events, out sender) error {
	for cont.Alive() {
		select {
		case ev := <-events:
			if err := enqueueBackoff(cont, ev); err != nil {
				return nil
			}
			if ev.Kind == event.NetBroken {
				return nil
			}

		default:
			ev, ok := cont.WaitEvent(25)
			if !ok {
				continue
			}
			switch {
			case ev.Category == event.Target && ev.Kind == event.TargetExit:
				return nil
			case ev.Category == event.Net:
				if env, ok := anet.FromEvent(ev); ok {
					if err := out.Send(env); err != nil {
						log.Warnw("send failed", "err", err)
					}
				}
			}
		}
	}
	return nil
}

// enqueueBackoff retries until the ring has room, pausing between
// attempts so the parent's fairness budget can catch up. A full burst
// therefore pauses the producer instead of losing events.
func enqueueBackoff(cont *shmif.Cont, ev event.Event) error {
	for cont.Alive() {
		err := cont.Enqueue(ev)
		if err == nil {
			return nil
		}
		if errors.Is(err, shmif.ErrDead) {
			return err
		}
		time.Sleep(2 * time.Millisecond)
	}
	return shmif.ErrDead
}

// drainNetEvents flushes whatever the worker managed to report before
// failing (nohost, broken) so the parent still sees it.
func drainNetEvents(cont *shmif.Cont, events anet.Events) {
	for {
		select {
		case ev := <-events:
			cont.Enqueue(ev)
		default:
			return
		}
	}
}
