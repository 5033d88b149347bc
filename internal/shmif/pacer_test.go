package shmif

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPacerOnTime(t *testing.T) {
	p := NewPacer(50, 0) // 20ms frames
	ok := 0
	for i := 0; i < 5; i++ {
		if p.Sync() {
			ok++
		}
	}
	// pacing at the nominal rate must not skip
	assert.Equal(t, 5, ok)
	assert.Equal(t, 0, p.Frameskips())
}

func TestPacerSkipsWhenBehind(t *testing.T) {
	p := NewPacer(100, 0) // 10ms frames
	p.basetime = nowMillis() - 25

	// ~2.5 frames behind with only one counted: more than half a frame
	// late, so auto mode skips
	assert.False(t, p.Sync())
	assert.Equal(t, 1, p.Frameskips())
}

func TestPacerNeverSkipsOutsideAutoMode(t *testing.T) {
	p := NewPacer(100, 0)
	p.SkipMode = SkipNone
	p.basetime = nowMillis() - 25
	assert.True(t, p.Sync())
	assert.Equal(t, 0, p.Frameskips())
}

func TestPacerSkipVideoShortCircuit(t *testing.T) {
	p := NewPacer(100, 0)
	p.basetime = nowMillis() - 500
	p.SkipVideo = true
	// an externally skipped frame never consults the deadline
	assert.True(t, p.Sync())
}

func TestPacerStallResets(t *testing.T) {
	t.Setenv("ARCAN_FRAMESERVER_DEBUGSTALL", "")
	p := NewPacer(100, 0)
	p.basetime = nowMillis() - 10_000

	base := p.basetime
	assert.True(t, p.Sync())
	assert.Equal(t, 1, p.Rebases())
	assert.Greater(t, p.basetime, base, "stall must rebase the clock")
}

func TestPacerDebugStallHoldsReset(t *testing.T) {
	t.Setenv("ARCAN_FRAMESERVER_DEBUGSTALL", "1")
	p := NewPacer(100, 0)
	p.basetime = nowMillis() - 10_000

	base := p.basetime
	assert.True(t, p.Sync())
	assert.Equal(t, 0, p.Rebases())
	assert.Equal(t, base, p.basetime)
}

func TestPacerPrewakeSleeps(t *testing.T) {
	p := NewPacer(20, 10) // 50ms frames, 10ms prewake
	start := time.Now()
	assert.True(t, p.Sync())
	elapsed := time.Since(start)
	// sleeps to roughly deadline minus prewake, never the full frame
	assert.Less(t, elapsed, 50*time.Millisecond)
	assert.GreaterOrEqual(t, elapsed, 25*time.Millisecond)
}
