package audio

import (
	"sync"

	"github.com/ebitengine/oto/v3"
)

// otoSink plays submitted PCM through one oto player. The player's Read
// callback runs on oto's own thread and drains the pending buffer; when
// the buffer runs dry it emits silence rather than blocking.
type otoSink struct {
	ctx    *oto.Context
	player *oto.Player

	mu      sync.Mutex
	pending []byte
}

func newOtoSink(sampleRate, channels int) (*otoSink, error) {
	op := &oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: channels,
		Format:       oto.FormatSignedInt16LE,
	}
	ctx, ready, err := oto.NewContext(op)
	if err != nil {
		return nil, err
	}
	<-ready

	s := &otoSink{ctx: ctx}
	s.player = ctx.NewPlayer(s)
	s.player.Play()
	return s, nil
}

func (s *otoSink) Buffer(pcm []byte, channels, rate int) {
	s.mu.Lock()
	s.pending = append(s.pending, pcm...)
	if len(s.pending) > 1<<20 {
		// a megabyte of backlog means the producer outran the card for
		// seconds; drop the oldest half instead of growing forever
		log.Warnw("audio backlog, dropping", "bytes", len(s.pending))
		s.pending = s.pending[len(s.pending)/2:]
	}
	s.mu.Unlock()
}

// Read implements io.Reader for the oto player.
func (s *otoSink) Read(p []byte) (int, error) {
	s.mu.Lock()
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	s.mu.Unlock()
	for i := n; i < len(p); i++ {
		p[i] = 0
	}
	return len(p), nil
}

func (s *otoSink) Close() error {
	return s.player.Close()
}
