// Package framequeue holds decoded frames between the shared-page producer
// worker and the compositor tick. The queue is SPSC: the producer thread
// writes at the next-in cursor, the compositor reads at front, and neither
// cursor is touched by the other side.
package framequeue

import (
	"errors"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("framequeue")

var (
	// ErrAgain means the source had no frame ready; the worker should
	// wait for the next semaphore post.
	ErrAgain = errors.New("framequeue: no frame ready")

	// ErrFull means the compositor has fallen behind the producer.
	ErrFull = errors.New("framequeue: queue full")
)

// Cell is one queued frame: a buffer, how much of it is filled, and the
// producer's PTS tag. Video cells are always full; audio cells fill
// incrementally.
type Cell struct {
	Buf  []byte
	Used int
	Tag  int64
}

// SourceFunc copies one frame from wherever the producer reads (the shared
// page) into dst. It returns the byte count and the PTS tag, or ErrAgain
// when nothing is pending.
type SourceFunc func(dst []byte) (n int, tag int64, err error)

// Queue is a bounded circular buffer of frame cells.
type Queue struct {
	label    string
	cells    []Cell
	cellSize int

	front uint32 // consumer cursor, atomic
	ni    uint32 // producer cursor, atomic

	stop chan struct{}
	done chan struct{}
}

// Alloc builds a queue of capacity cells, each cellSize bytes. Capacity
// must be at least 2; one slot is always kept open to distinguish full
// from empty.
func Alloc(label string, capacity, cellSize int) *Queue {
	if capacity < 2 {
		capacity = 2
	}
	q := &Queue{
		label:    label,
		cells:    make([]Cell, capacity),
		cellSize: cellSize,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for i := range q.cells {
		q.cells[i].Buf = make([]byte, cellSize)
	}
	return q
}

func (q *Queue) Label() string { return q.label }
func (q *Queue) CellSize() int { return q.cellSize }
func (q *Queue) Cap() int      { return len(q.cells) }

// Len is the number of queued frames.
func (q *Queue) Len() int {
	f := atomic.LoadUint32(&q.front)
	n := atomic.LoadUint32(&q.ni)
	c := uint32(len(q.cells))
	return int((n + c - f) % c)
}

// Front returns the oldest queued cell, or nil. The cell stays valid until
// Dequeue or Free.
func (q *Queue) Front() *Cell {
	f := atomic.LoadUint32(&q.front)
	if f == atomic.LoadUint32(&q.ni) {
		return nil
	}
	return &q.cells[f]
}

// Dequeue releases the front cell back to the producer.
func (q *Queue) Dequeue() {
	f := atomic.LoadUint32(&q.front)
	if f == atomic.LoadUint32(&q.ni) {
		return
	}
	atomic.StoreUint32(&q.front, (f+1)%uint32(len(q.cells)))
}

// writeSlot returns the producer-side cell, or nil when the queue is full.
func (q *Queue) writeSlot() *Cell {
	n := atomic.LoadUint32(&q.ni)
	if (n+1)%uint32(len(q.cells)) == atomic.LoadUint32(&q.front) {
		return nil
	}
	return &q.cells[n]
}

// commit publishes the producer-side cell.
func (q *Queue) commit(used int, tag int64) {
	n := atomic.LoadUint32(&q.ni)
	q.cells[n].Used = used
	q.cells[n].Tag = tag
	atomic.StoreUint32(&q.ni, (n+1)%uint32(len(q.cells)))
}

// Produce runs one producer step: take the write slot, fill it from src,
// publish. Returns ErrFull with the queue untouched when the compositor
// is behind, or the error from src.
func (q *Queue) Produce(src SourceFunc) error {
	cell := q.writeSlot()
	if cell == nil {
		return ErrFull
	}
	n, tag, err := src(cell.Buf)
	if err != nil {
		return err
	}
	q.commit(n, tag)
	return nil
}

// Run is the producer worker loop: block on wait (the V or A semaphore),
// then pull frames until the source runs dry. Any non-nil error from wait
// ends the worker, so a wait that times out should return nil; the guard
// thread posting after a DMS pull is what unblocks a worker on teardown.
func (q *Queue) Run(wait func() error, src SourceFunc) {
	go func() {
		defer close(q.done)
		for {
			select {
			case <-q.stop:
				return
			default:
			}
			if err := wait(); err != nil {
				return
			}
			select {
			case <-q.stop:
				return
			default:
			}
		produce:
			for {
				switch err := q.Produce(src); {
				case err == nil:
					// drained one frame, see if another is pending
				case errors.Is(err, ErrFull):
					// compositor behind; the frame stays in the page
					// until a tick dequeues and frees a cell
					log.Debugw("queue full", "label", q.label)
					select {
					case <-q.stop:
						return
					case <-time.After(2 * time.Millisecond):
					}
				case errors.Is(err, ErrAgain):
					break produce
				default:
					return
				}
			}
		}
	}()
}

// Free stops the worker (if any) and drops every queued cell. After a
// resize the old cells reference a stale geometry and are never reused.
func (q *Queue) Free() {
	select {
	case <-q.stop:
	default:
		close(q.stop)
	}
	atomic.StoreUint32(&q.front, 0)
	atomic.StoreUint32(&q.ni, 0)
}

// Done reports worker exit for teardown synchronization.
func (q *Queue) Done() <-chan struct{} { return q.done }
