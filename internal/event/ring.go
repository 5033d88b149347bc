package event

import (
	"errors"
	"sync/atomic"
	"unsafe"

	"github.com/silky/arcan/internal/shm"
)

// ErrFull is returned when an enqueue would overwrite an unread slot. The
// caller must back off; events are never dropped inside the ring.
var ErrFull = errors.New("event: ring full")

// Ring is one direction of the event transport, layered over a region of
// the shared page: a front/back cursor pair followed by RingCapacity
// fixed-size slots. Single producer, single consumer; the producer only
// writes back and slots, the consumer only writes front.
type Ring struct {
	mem []byte
}

// Attach wraps a ring region of the shared page (ChildQueue or
// ParentQueue). The region must stay mapped for the life of the ring;
// after a remap the ring has to be attached again.
func Attach(region []byte) *Ring {
	if len(region) != shm.RingSize {
		panic("event: bad ring region")
	}
	return &Ring{mem: region}
}

func (r *Ring) front() *uint32 { return (*uint32)(unsafe.Pointer(&r.mem[0])) }
func (r *Ring) back() *uint32  { return (*uint32)(unsafe.Pointer(&r.mem[4])) }

func (r *Ring) slot(i uint32) []byte {
	off := shm.RingHeaderLen + int(i)*shm.EventSlotSize
	return r.mem[off : off+shm.EventSlotSize]
}

// Len reports the number of undequeued events.
func (r *Ring) Len() int {
	f := atomic.LoadUint32(r.front())
	b := atomic.LoadUint32(r.back())
	return int((b + shm.RingCapacity - f) % shm.RingCapacity)
}

// Empty is front == back.
func (r *Ring) Empty() bool {
	return atomic.LoadUint32(r.front()) == atomic.LoadUint32(r.back())
}

// Enqueue appends one event, or fails with ErrFull when the next slot has
// not been consumed yet.
func (r *Ring) Enqueue(ev Event) error {
	b := atomic.LoadUint32(r.back())
	next := (b + 1) % shm.RingCapacity
	if next == atomic.LoadUint32(r.front()) {
		return ErrFull
	}
	ev.Marshal(r.slot(b))
	atomic.StoreUint32(r.back(), next)
	return nil
}

// Poll removes and returns the oldest event, if any.
func (r *Ring) Poll() (Event, bool) {
	f := atomic.LoadUint32(r.front())
	if f == atomic.LoadUint32(r.back()) {
		return Event{}, false
	}
	var ev Event
	ev.Unmarshal(r.slot(f))
	atomic.StoreUint32(r.front(), (f+1)%shm.RingCapacity)
	return ev, true
}

// Peek returns the oldest event without consuming it.
func (r *Ring) Peek() (Event, bool) {
	f := atomic.LoadUint32(r.front())
	if f == atomic.LoadUint32(r.back()) {
		return Event{}, false
	}
	var ev Event
	ev.Unmarshal(r.slot(f))
	return ev, true
}
