package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeadlessTracksSubmissions(t *testing.T) {
	h := NewHeadless()
	assert.Equal(t, int64(0), h.Submitted())

	h.Buffer(make([]byte, 128), 2, 48000)
	h.Buffer(make([]byte, 64), 2, 44100)

	assert.Equal(t, int64(192), h.Submitted())
	channels, rate := h.LastFormat()
	assert.Equal(t, 2, channels)
	assert.Equal(t, 44100, rate)
	require.NoError(t, h.Close())
}

func TestNewSelectsBackend(t *testing.T) {
	s, err := New("headless", 48000, 2)
	require.NoError(t, err)
	_, ok := s.(*Headless)
	assert.True(t, ok)

	_, err = New("alsa-direct", 48000, 2)
	assert.Error(t, err)
}
