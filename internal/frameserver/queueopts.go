package frameserver

import "sync"

// QueueOpts are the process-wide defaults for frame-queue sizing, read at
// every resize; the spawn envelope has no per-source override. They live
// in one package-level container that starts with built-in values and is
// replaced by OverrideQueueOpts, which every engine New calls with its
// config. Nothing resets the container at shutdown.
type QueueOpts struct {
	VideoCells int
	AudioCells int
	AudioBufSz int
	Presilence int
}

var (
	queueMu   sync.RWMutex
	queueOpts = QueueOpts{
		VideoCells: 8,
		AudioCells: 12,
		AudioBufSz: 65535,
		Presilence: 1,
	}
)

// OverrideQueueOpts replaces the process-wide defaults. Zero fields mean
// "derive at resize time from the negotiated frame rate".
func OverrideQueueOpts(o QueueOpts) {
	queueMu.Lock()
	queueOpts = o
	queueMu.Unlock()
}

// CurrentQueueOpts returns a copy of the defaults.
func CurrentQueueOpts() QueueOpts {
	queueMu.RLock()
	defer queueMu.RUnlock()
	return queueOpts
}
