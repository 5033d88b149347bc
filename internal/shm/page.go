package shm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	// ErrCorrupted is returned when the page fails its integrity check;
	// the page is cooperative, not adversarial, so this is terminal.
	ErrCorrupted = errors.New("shm: page corrupted")

	// ErrBounds is returned for geometry that exceeds the build-time limits.
	ErrBounds = errors.New("shm: geometry out of bounds")

	ErrBadKey = errors.New("shm: invalid connection key")
)

const shmDir = "/dev/shm"

// Path returns the backing file for a connection key.
func Path(key string) string {
	return filepath.Join(shmDir, "arcan_"+key)
}

// ValidKey enforces the short-ASCII key rule used for the page and its
// three semaphores.
func ValidKey(key string) bool {
	if key == "" || len(key) > KeyLimit {
		return false
	}
	for _, r := range key {
		if r < '0' || (r > '9' && r < 'A') || (r > 'Z' && r < 'a') || r > 'z' {
			return false
		}
	}
	return true
}

// Page is one mapped connection segment. All accessors read and write the
// mapping directly; flag fields use atomic word operations so the two
// processes and the guard threads never see torn values. The mutex only
// guards the mapping swap during Remap against the guard thread's
// periodic checks; everything else is single-threaded or stopped around
// a remap.
type Page struct {
	mu   sync.RWMutex
	mem  []byte
	file *os.File
	key  string
	own  bool
}

// Create allocates and initializes a new segment under the given key.
// Parent side only.
func Create(key string, segmentSize int) (*Page, error) {
	if !ValidKey(key) {
		return nil, ErrBadKey
	}
	if segmentSize < MinSegmentSize() {
		segmentSize = MinSegmentSize()
	}
	if segmentSize > MaxSegmentSize {
		return nil, ErrBounds
	}

	f, err := os.OpenFile(Path(key), os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create segment: %w", err)
	}
	if err := f.Truncate(int64(segmentSize)); err != nil {
		f.Close()
		os.Remove(Path(key))
		return nil, fmt.Errorf("size segment: %w", err)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, segmentSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		os.Remove(Path(key))
		return nil, fmt.Errorf("map segment: %w", err)
	}

	p := &Page{mem: mem, file: f, key: key, own: true}
	p.init(segmentSize)
	return p, nil
}

// Map attaches to an existing segment. Child side.
func Map(key string) (*Page, error) {
	if !ValidKey(key) {
		return nil, ErrBadKey
	}
	f, err := os.OpenFile(Path(key), os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open segment: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat segment: %w", err)
	}
	sz := int(st.Size())
	if sz < MinSegmentSize() || sz > MaxSegmentSize {
		f.Close()
		return nil, ErrCorrupted
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, sz,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("map segment: %w", err)
	}
	return &Page{mem: mem, file: f, key: key}, nil
}

func (p *Page) init(segmentSize int) {
	for i := range p.mem {
		p.mem[i] = 0
	}
	p.mem[offMajor] = VersionMajor
	p.mem[offMinor] = VersionMinor
	binary.LittleEndian.PutUint64(p.mem[offCookie:], Cookie)
	atomic.StoreUint32(p.word(offSegmentSize), uint32(segmentSize))
	p.SetGeometry(32, 32)
	p.SetAudioLayout(AudioBufferLimit, 1, 1)
	binary.LittleEndian.PutUint32(p.mem[offSampleRate:], SampleRate)
	p.mem[offChannels] = Channels
	atomic.StoreUint32(p.word(offDMS), 1)
}

// Remap grows or truncates the mapping after a resize negotiation. The
// parent owns sizing; the child calls Remap with the size it reads back
// from the header.
func (p *Page) Remap(segmentSize int) error {
	if segmentSize < MinSegmentSize() || segmentSize > MaxSegmentSize {
		return ErrBounds
	}
	if segmentSize == len(p.mem) {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := unix.Munmap(p.mem); err != nil {
		return fmt.Errorf("unmap segment: %w", err)
	}
	p.mem = nil
	if p.own {
		if err := p.file.Truncate(int64(segmentSize)); err != nil {
			return fmt.Errorf("resize segment: %w", err)
		}
	}
	mem, err := unix.Mmap(int(p.file.Fd()), 0, segmentSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("remap segment: %w", err)
	}
	p.mem = mem
	if p.own {
		atomic.StoreUint32(p.word(offSegmentSize), uint32(segmentSize))
	}
	return nil
}

// Unmap drops the mapping. The backing file is removed only by the side
// that created it.
func (p *Page) Unmap() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mem != nil {
		if err := unix.Munmap(p.mem); err != nil {
			return err
		}
		p.mem = nil
	}
	err := p.file.Close()
	if p.own {
		os.Remove(Path(p.key))
	}
	return err
}

// Unlink removes the backing file from the namespace without touching the
// mapping, for children asked to force-unlink on acquire.
func Unlink(key string) error {
	err := os.Remove(Path(key))
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

func (p *Page) Key() string { return p.key }

// Mapped is the current mapping length, which can trail SegmentSize on
// the side that has not chased a grow yet.
func (p *Page) Mapped() int { return len(p.mem) }

// word returns an atomically addressable view of a 4-byte field. Every
// offset it is called with is 4-byte aligned and the mapping is page
// aligned.
func (p *Page) word(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&p.mem[off]))
}

func (p *Page) word64(off int) *int64 {
	return (*int64)(unsafe.Pointer(&p.mem[off]))
}

func (p *Page) Major() uint8 { return p.mem[offMajor] }
func (p *Page) Minor() uint8 { return p.mem[offMinor] }

func (p *Page) PageCookie() uint64 {
	return binary.LittleEndian.Uint64(p.mem[offCookie:])
}

// DMS reports the dead man's switch. Clearing it is idempotent and final:
// the page never goes back to alive.
func (p *Page) DMS() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.mem == nil {
		return false
	}
	return atomic.LoadUint32(p.word(offDMS)) != 0
}

func (p *Page) ClearDMS() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.mem == nil {
		return
	}
	atomic.StoreUint32(p.word(offDMS), 0)
}

func (p *Page) Resized() bool { return atomic.LoadUint32(p.word(offResized)) != 0 }

func (p *Page) SetResized(v bool) { atomic.StoreUint32(p.word(offResized), b32(v)) }

func (p *Page) VReady() bool     { return atomic.LoadUint32(p.word(offVReady)) != 0 }
func (p *Page) SetVReady(v bool) { atomic.StoreUint32(p.word(offVReady), b32(v)) }
func (p *Page) AReady() bool     { return atomic.LoadUint32(p.word(offAReady)) != 0 }
func (p *Page) SetAReady(v bool) { atomic.StoreUint32(p.word(offAReady), b32(v)) }

func (p *Page) VPending() uint32     { return atomic.LoadUint32(p.word(offVPending)) }
func (p *Page) SetVPending(v uint32) { atomic.StoreUint32(p.word(offVPending), v) }
func (p *Page) APending() uint32     { return atomic.LoadUint32(p.word(offAPending)) }
func (p *Page) SetAPending(v uint32) { atomic.StoreUint32(p.word(offAPending), v) }

func (p *Page) SegmentSize() int {
	return int(atomic.LoadUint32(p.word(offSegmentSize)))
}

func (p *Page) Geometry() (w, h int) {
	return int(binary.LittleEndian.Uint16(p.mem[offWidth:])),
		int(binary.LittleEndian.Uint16(p.mem[offHeight:]))
}

func (p *Page) SetGeometry(w, h int) {
	binary.LittleEndian.PutUint16(p.mem[offWidth:], uint16(w))
	binary.LittleEndian.PutUint16(p.mem[offHeight:], uint16(h))
}

func (p *Page) AudioLayout() (abufsize, abufCount, vbufCount int) {
	return int(binary.LittleEndian.Uint32(p.mem[offABufSize:])),
		int(p.mem[offABufCount]), int(p.mem[offVBufCount])
}

func (p *Page) SetAudioLayout(abufsize, abufCount, vbufCount int) {
	binary.LittleEndian.PutUint32(p.mem[offABufSize:], uint32(abufsize))
	p.mem[offABufCount] = uint8(abufCount)
	p.mem[offVBufCount] = uint8(vbufCount)
}

func (p *Page) ABufUsed() int { return int(binary.LittleEndian.Uint32(p.mem[offABufUsed:])) }
func (p *Page) SetABufUsed(n int) {
	binary.LittleEndian.PutUint32(p.mem[offABufUsed:], uint32(n))
}
func (p *Page) ABufBase() int { return int(binary.LittleEndian.Uint32(p.mem[offABufBase:])) }
func (p *Page) SetABufBase(n int) {
	binary.LittleEndian.PutUint32(p.mem[offABufBase:], uint32(n))
}

func (p *Page) ChannelLayout() (channels, rate int) {
	return int(p.mem[offChannels]), int(binary.LittleEndian.Uint32(p.mem[offSampleRate:]))
}

func (p *Page) VPTS() int64     { return atomic.LoadInt64(p.word64(offVPTS)) }
func (p *Page) SetVPTS(v int64) { atomic.StoreInt64(p.word64(offVPTS), v) }
func (p *Page) APTS() int64     { return atomic.LoadInt64(p.word64(offAPTS)) }
func (p *Page) SetAPTS(v int64) { atomic.StoreInt64(p.word64(offAPTS), v) }

func (p *Page) Hints() uint8     { return p.mem[offHints] }
func (p *Page) SetHints(h uint8) { p.mem[offHints] = h }

func (p *Page) Colormode() uint8     { return p.mem[offColormode] }
func (p *Page) SetColormode(m uint8) { p.mem[offColormode] = m }

func (p *Page) SegmentToken() uint32 {
	return binary.LittleEndian.Uint32(p.mem[offSegmentToken:])
}
func (p *Page) SetSegmentToken(t uint32) {
	binary.LittleEndian.PutUint32(p.mem[offSegmentToken:], t)
}

// ParentPID is read from guard threads that can race an unmap, so it
// shares the mapping lock.
func (p *Page) ParentPID() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.mem == nil {
		return 0
	}
	return int(int32(binary.LittleEndian.Uint32(p.mem[offParentPID:])))
}
func (p *Page) SetParentPID(pid int) {
	binary.LittleEndian.PutUint32(p.mem[offParentPID:], uint32(int32(pid)))
}
func (p *Page) ChildPID() int { return int(int32(binary.LittleEndian.Uint32(p.mem[offChildPID:]))) }
func (p *Page) SetChildPID(pid int) {
	binary.LittleEndian.PutUint32(p.mem[offChildPID:], uint32(int32(pid)))
}

// Region is a dirty subrectangle hint.
type Region struct {
	X1, Y1, X2, Y2 uint16
}

func (r Region) Valid(w, h int) bool {
	return r.X2 > r.X1 && r.Y2 > r.Y1 &&
		int(r.X2) <= w && int(r.Y2) <= h
}

func (p *Page) Dirty() Region {
	return Region{
		X1: binary.LittleEndian.Uint16(p.mem[offDirty:]),
		Y1: binary.LittleEndian.Uint16(p.mem[offDirty+2:]),
		X2: binary.LittleEndian.Uint16(p.mem[offDirty+4:]),
		Y2: binary.LittleEndian.Uint16(p.mem[offDirty+6:]),
	}
}

func (p *Page) SetDirty(r Region) {
	binary.LittleEndian.PutUint16(p.mem[offDirty:], r.X1)
	binary.LittleEndian.PutUint16(p.mem[offDirty+2:], r.Y1)
	binary.LittleEndian.PutUint16(p.mem[offDirty+4:], r.X2)
	binary.LittleEndian.PutUint16(p.mem[offDirty+6:], r.Y2)
}

// ChildQueue and ParentQueue expose the embedded event ring regions; the
// event package wraps these in its SPSC codec.
func (p *Page) ChildQueue() []byte  { return p.mem[offChildQueue : offChildQueue+RingSize] }
func (p *Page) ParentQueue() []byte { return p.mem[offParentQueue : offParentQueue+RingSize] }

// Offsets holds slice views into the negotiated buffers, recomputed after
// every resize instead of keeping raw pointers around.
type Offsets struct {
	Video []byte
	Audio []byte
}

// CalcOffsets recomputes the buffer views from the current header. It
// fails when the described layout does not fit the mapping, which the
// caller must treat the same as a failed integrity check.
func (p *Page) CalcOffsets() (Offsets, error) {
	w, h := p.Geometry()
	abufsize, _, _ := p.AudioLayout()
	need := SegmentSize(w, h, abufsize)
	if need > len(p.mem) || need > p.SegmentSize() {
		return Offsets{}, ErrCorrupted
	}
	ab := AudioOffset()
	vb := VideoOffset(abufsize)
	return Offsets{
		Audio: p.mem[ab : ab+abufsize],
		Video: p.mem[vb : vb+w*h*BytesPerPixel],
	}, nil
}

// IntegrityCheck verifies the page against the layout cookie, ABI version
// and bounded field values. Both sides run this periodically; a failure is
// a terminal state transition, never a recoverable protocol error.
func (p *Page) IntegrityCheck() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.mem == nil {
		return ErrCorrupted
	}
	if p.Major() != VersionMajor || p.Minor() != VersionMinor {
		return fmt.Errorf("%w: version %d.%d, built against %d.%d",
			ErrCorrupted, p.Major(), p.Minor(), VersionMajor, VersionMinor)
	}
	if p.PageCookie() != Cookie {
		return fmt.Errorf("%w: cookie mismatch", ErrCorrupted)
	}
	// the local mapping may lag segment_size between a parent-side grow
	// and the child chasing it, so only the build limits apply here;
	// CalcOffsets enforces the mapping bound.
	sz := p.SegmentSize()
	if sz < MinSegmentSize() || sz > MaxSegmentSize {
		return fmt.Errorf("%w: segment size %d", ErrCorrupted, sz)
	}
	abufsize, _, _ := p.AudioLayout()
	if abufsize > LegacyAudioLimit {
		return fmt.Errorf("%w: audio buffer %d", ErrCorrupted, abufsize)
	}
	if used := p.ABufUsed(); used > abufsize {
		return fmt.Errorf("%w: audio cursor %d past %d", ErrCorrupted, used, abufsize)
	}

	// While a resize is pending, geometry and ring indices are undefined
	// by contract and skipped here.
	if p.Resized() {
		return nil
	}
	w, h := p.Geometry()
	if w == 0 || h == 0 || w > MaxWidth || h > MaxHeight {
		return fmt.Errorf("%w: geometry %dx%d", ErrCorrupted, w, h)
	}
	if SegmentSize(w, h, abufsize) > sz {
		return fmt.Errorf("%w: buffers exceed segment", ErrCorrupted)
	}
	for _, q := range [][]byte{p.ChildQueue(), p.ParentQueue()} {
		front := binary.LittleEndian.Uint32(q[0:])
		back := binary.LittleEndian.Uint32(q[4:])
		if front >= RingCapacity || back >= RingCapacity {
			return fmt.Errorf("%w: ring cursor %d/%d", ErrCorrupted, front, back)
		}
	}
	return nil
}

func b32(v bool) uint32 {
	if v {
		return 1
	}
	return 0
}

// SemName derives the name of one of the three synchronization semaphores
// from the connection key. Suffix must be one of "v", "a", "e".
func SemName(key, suffix string) string {
	if !strings.ContainsAny(suffix, "vae") || len(suffix) != 1 {
		panic("shm: bad semaphore suffix")
	}
	return key + suffix
}
