package shmif

// StateCore is what a deterministic interactive core must expose for the
// input-rollback path: fixed-size serialization and a way to run frames
// with the audio/video outputs suppressed.
type StateCore interface {
	StateSize() int
	Serialize(dst []byte) error
	Deserialize(src []byte) error

	// RunFrame advances one frame; skipped outputs are discarded.
	RunFrame(skipVideo, skipAudio bool)
}

// maxRollbackWindow caps the savestate ring regardless of skip mode.
const maxRollbackWindow = 10

// Rollback keeps a ring of N savestate slots so input arriving late can
// be applied in the past: deserialize the oldest state, replay the window
// with outputs skipped, then run one visible frame. This absorbs the
// nondeterminism a new input would otherwise inject into an
// already-presented frame sequence.
type Rollback struct {
	core   StateCore
	window int
	front  int
	states [][]byte
}

// NewRollback sizes the window from the skip mode: |mode - SkipRollback|
// + 1 slots, capped. Returns nil when the core cannot serialize or the
// mode does not select rollback.
func NewRollback(core StateCore, skipMode int) *Rollback {
	if skipMode > SkipRollback || core == nil || core.StateSize() <= 0 {
		return nil
	}
	window := (SkipRollback - skipMode) + 1
	if window > maxRollbackWindow {
		window = maxRollbackWindow
	}

	r := &Rollback{core: core, window: window}
	r.states = make([][]byte, window)
	for i := range r.states {
		r.states[i] = make([]byte, core.StateSize())
	}

	// seed every slot from the current state so the first rollback has
	// a coherent past to return to
	if err := core.Serialize(r.states[0]); err != nil {
		return nil
	}
	for i := 1; i < window; i++ {
		copy(r.states[i], r.states[0])
	}
	log.Infow("input rollback enabled", "window", window)
	return r
}

// Window reports the slot count.
func (r *Rollback) Window() int { return r.window }

// Capture snapshots the state after a frame has run and advances the
// ring. Call once per frame run, skipped or visible; ApplyInput calls it
// after its replay.
func (r *Rollback) Capture() error {
	if err := r.core.Serialize(r.states[r.front]); err != nil {
		return err
	}
	r.front = (r.front + 1) % r.window
	return nil
}

// ApplyInput rewinds to the oldest retained state and replays the window
// with outputs suppressed; the pending input is consumed by the replay.
// The caller then runs its normal visible frame.
func (r *Rollback) ApplyInput() error {
	// front is the oldest slot: the ring has been fully rotated
	if err := r.core.Deserialize(r.states[r.front]); err != nil {
		return err
	}
	for i := 0; i < r.window-1; i++ {
		r.core.RunFrame(true, true)
	}
	return r.Capture()
}
