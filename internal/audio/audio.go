// Package audio is the mixer-facing boundary of the transport: feed
// functions submit interleaved 16-bit PCM here and a backend drains it on
// its own thread. Mixing policy itself lives outside the engine; this
// package only buffers and plays.
package audio

import (
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("audio")

// Sink consumes PCM from the presentation scheduler.
type Sink interface {
	// Buffer appends interleaved 16-bit little-endian samples.
	Buffer(pcm []byte, channels, rate int)
	Close() error
}

// New selects a backend by name.
func New(backend string, sampleRate, channels int) (Sink, error) {
	switch backend {
	case "oto":
		return newOtoSink(sampleRate, channels)
	case "headless":
		return NewHeadless(), nil
	}
	return nil, fmt.Errorf("audio: unknown backend %q", backend)
}

// Headless discards samples while tracking what was submitted, which is
// all the tests and the recorder path need.
type Headless struct {
	mu        sync.Mutex
	bytes     int64
	lastRate  int
	lastChans int
}

func NewHeadless() *Headless {
	return &Headless{}
}

func (h *Headless) Buffer(pcm []byte, channels, rate int) {
	h.mu.Lock()
	h.bytes += int64(len(pcm))
	h.lastChans = channels
	h.lastRate = rate
	h.mu.Unlock()
}

func (h *Headless) Close() error { return nil }

// Submitted reports total bytes buffered so far.
func (h *Headless) Submitted() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bytes
}

// LastFormat reports the channel/rate pair of the most recent submission.
func (h *Headless) LastFormat() (channels, rate int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastChans, h.lastRate
}
