package shm

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) string {
	t.Helper()
	return "t" + uuid.NewString()[:8]
}

func newTestPage(t *testing.T) *Page {
	t.Helper()
	p, err := Create(testKey(t), MinSegmentSize())
	require.NoError(t, err)
	t.Cleanup(func() { p.Unmap() })
	return p
}

func TestValidKey(t *testing.T) {
	cases := []struct {
		key string
		ok  bool
	}{
		{"abc123", true},
		{"ABCxyz09", true},
		{"", false},
		{"with-dash", false},
		{"with space", false},
		{"0123456789012345678901234567890123", false}, // > 32
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, ValidKey(tc.key), "key %q", tc.key)
	}
}

func TestCreateMapRoundtrip(t *testing.T) {
	key := testKey(t)
	parent, err := Create(key, MinSegmentSize())
	require.NoError(t, err)
	defer parent.Unmap()

	parent.SetGeometry(320, 240)
	parent.SetVPTS(1234)

	child, err := Map(key)
	require.NoError(t, err)
	defer child.Unmap()

	w, h := child.Geometry()
	assert.Equal(t, 320, w)
	assert.Equal(t, 240, h)
	assert.Equal(t, int64(1234), child.VPTS())
	assert.Equal(t, uint8(VersionMajor), child.Major())
	assert.Equal(t, Cookie, child.PageCookie())
	require.NoError(t, child.IntegrityCheck())

	// flags written on one mapping are visible on the other
	child.SetVReady(true)
	assert.True(t, parent.VReady())
	parent.SetVReady(false)
	assert.False(t, child.VReady())
}

func TestIntegrityCheck(t *testing.T) {
	p := newTestPage(t)
	require.NoError(t, p.IntegrityCheck())

	// cookie never changes after init; any mutation is corruption
	p.mem[offCookie] ^= 0xff
	assert.ErrorIs(t, p.IntegrityCheck(), ErrCorrupted)
	p.mem[offCookie] ^= 0xff
	require.NoError(t, p.IntegrityCheck())

	p.mem[offMajor]++
	assert.ErrorIs(t, p.IntegrityCheck(), ErrCorrupted)
	p.mem[offMajor]--

	p.SetGeometry(MaxWidth+1, 100)
	assert.ErrorIs(t, p.IntegrityCheck(), ErrCorrupted)

	// during a resize, geometry is undefined and skipped
	p.SetResized(true)
	assert.NoError(t, p.IntegrityCheck())
	p.SetResized(false)
	p.SetGeometry(32, 32)
	require.NoError(t, p.IntegrityCheck())
}

func TestDMS(t *testing.T) {
	p := newTestPage(t)
	assert.True(t, p.DMS())
	p.ClearDMS()
	assert.False(t, p.DMS())
	// clearing is idempotent and final
	p.ClearDMS()
	assert.False(t, p.DMS())
}

func TestCalcOffsets(t *testing.T) {
	p := newTestPage(t)
	p.SetGeometry(32, 32)
	p.SetAudioLayout(4096, 1, 1)

	offs, err := p.CalcOffsets()
	require.NoError(t, err)
	assert.Len(t, offs.Audio, 4096)
	assert.Len(t, offs.Video, 32*32*BytesPerPixel)

	// video lands after audio, both inside the mapping
	offs.Video[len(offs.Video)-1] = 0x7f
	offs.Audio[0] = 0x11
	assert.Equal(t, byte(0x7f), offs.Video[len(offs.Video)-1])

	// a layout that does not fit the segment is corruption, not a
	// partial view
	p.SetGeometry(MaxWidth, MaxHeight)
	_, err = p.CalcOffsets()
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestRemapGrow(t *testing.T) {
	p := newTestPage(t)
	want := SegmentSize(1024, 768, AudioBufferLimit)
	require.NoError(t, p.Remap(want))
	assert.Equal(t, want, p.Mapped())
	assert.Equal(t, want, p.SegmentSize())
	require.NoError(t, p.IntegrityCheck())

	p.SetGeometry(1024, 768)
	offs, err := p.CalcOffsets()
	require.NoError(t, err)
	assert.Len(t, offs.Video, 1024*768*BytesPerPixel)
}

func TestSegmentSizeMath(t *testing.T) {
	// header + rings + audio + video all fit under the build cap at the
	// maximum negotiable geometry
	assert.LessOrEqual(t,
		SegmentSize(MaxWidth, MaxHeight, AudioBufferLimit), MaxSegmentSize)
	assert.Greater(t, SegmentSize(33, 32, AudioBufferLimit),
		SegmentSize(32, 32, AudioBufferLimit))
	assert.GreaterOrEqual(t, AudioOffset(), HeaderSize)
	assert.Equal(t, 0, AudioOffset()%64)
}

func TestDirtyRegion(t *testing.T) {
	p := newTestPage(t)
	r := Region{X1: 1, Y1: 2, X2: 10, Y2: 12}
	p.SetDirty(r)
	assert.Equal(t, r, p.Dirty())

	assert.True(t, r.Valid(32, 32))
	assert.False(t, Region{X1: 5, X2: 5, Y1: 0, Y2: 2}.Valid(32, 32))
	assert.False(t, Region{X1: 0, X2: 40, Y1: 0, Y2: 2}.Valid(32, 32))
}

func TestSemName(t *testing.T) {
	assert.Equal(t, "abcv", SemName("abc", "v"))
	assert.Equal(t, "abce", SemName("abc", "e"))
	assert.Panics(t, func() { SemName("abc", "x") })
}
