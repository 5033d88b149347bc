package shmif

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// counterCore is a deterministic core whose state is a single counter.
type counterCore struct {
	counter uint64
	visible []uint64 // counters of frames that produced video
}

func (c *counterCore) StateSize() int { return 8 }

func (c *counterCore) Serialize(dst []byte) error {
	binary.LittleEndian.PutUint64(dst, c.counter)
	return nil
}

func (c *counterCore) Deserialize(src []byte) error {
	c.counter = binary.LittleEndian.Uint64(src)
	return nil
}

func (c *counterCore) RunFrame(skipVideo, skipAudio bool) {
	c.counter++
	if !skipVideo {
		c.visible = append(c.visible, c.counter)
	}
}

func TestRollbackWindowSizing(t *testing.T) {
	cases := []struct {
		mode   int
		window int
	}{
		{SkipRollback, 1},
		{SkipRollback - 1, 2},
		{SkipRollback - 4, 5},
		{SkipRollback - 100, 10}, // capped
	}
	for _, tc := range cases {
		r := NewRollback(&counterCore{}, tc.mode)
		require.NotNil(t, r, "mode %d", tc.mode)
		assert.Equal(t, tc.window, r.Window(), "mode %d", tc.mode)
	}
}

func TestRollbackDisabled(t *testing.T) {
	assert.Nil(t, NewRollback(&counterCore{}, SkipAuto))
	assert.Nil(t, NewRollback(&counterCore{}, SkipNone))
	assert.Nil(t, NewRollback(nil, SkipRollback))
}

func TestRollbackReplayIsInvisible(t *testing.T) {
	core := &counterCore{}
	r := NewRollback(core, SkipRollback-2) // window of 3
	require.NotNil(t, r)

	// three visible frames, each captured
	for i := 0; i < 3; i++ {
		core.RunFrame(false, false)
		require.NoError(t, r.Capture())
	}
	require.Equal(t, []uint64{1, 2, 3}, core.visible)

	// late input: rewind and replay the window with video skipped
	require.NoError(t, r.ApplyInput())
	core.RunFrame(false, false)

	// the replay itself produced no frames
	assert.Len(t, core.visible, 4)
}

func TestRollbackRewindsToOldestState(t *testing.T) {
	core := &counterCore{}
	r := NewRollback(core, SkipRollback-1) // window of 2
	require.NotNil(t, r)

	core.counter = 100
	require.NoError(t, r.Capture()) // slot: 100
	core.counter = 200
	require.NoError(t, r.Capture()) // slot: 200

	// oldest retained state is 100; replay advances it by window-1
	require.NoError(t, r.ApplyInput())
	assert.Equal(t, uint64(101), core.counter)
}
