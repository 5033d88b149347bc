package frameserver

// Surface is the upload target a feed function renders into. Texture
// upload mechanics live with the video platform; the engine only needs
// resize-on-renegotiation and a place to push packed pixels.
type Surface interface {
	// Resize rebinds upload state for a new geometry. Called with frame
	// queues quiescent, from the compositor thread.
	Resize(w, h int)

	// Upload presents one packed frame of the current geometry.
	Upload(pix []byte) error
}

// SurfaceFactory builds the upload target for a newly spawned source.
type SurfaceFactory func(s *Source) Surface

// MemSurface is the in-process Surface used when no GPU platform is
// attached: it retains the last uploaded frame. With streaming enabled it
// emulates the flip-flopping double-buffer upload path, so a frame
// becomes visible one Upload later, the way a PBO transfer would.
type MemSurface struct {
	w, h      int
	streaming bool

	bufs    [2][]byte
	idx     int
	visible []byte
	uploads int
}

func NewMemSurface(streaming bool) *MemSurface {
	return &MemSurface{streaming: streaming}
}

func (m *MemSurface) Resize(w, h int) {
	m.w, m.h = w, h
	sz := w * h * 4
	m.bufs[0] = make([]byte, sz)
	m.bufs[1] = make([]byte, sz)
	m.idx = 0
	m.visible = nil
}

func (m *MemSurface) Upload(pix []byte) error {
	m.uploads++
	if !m.streaming {
		dst := m.bufs[0]
		copy(dst, pix)
		m.visible = dst
		return nil
	}
	// present the previously staged buffer, stage into the other
	m.visible = m.bufs[1-m.idx]
	copy(m.bufs[m.idx], pix)
	m.idx = 1 - m.idx
	return nil
}

// Frame returns the currently visible pixels (nil before first present).
func (m *MemSurface) Frame() []byte { return m.visible }

// Uploads reports how many times Upload ran.
func (m *MemSurface) Uploads() int { return m.uploads }

// Size returns the current geometry.
func (m *MemSurface) Size() (int, int) { return m.w, m.h }
