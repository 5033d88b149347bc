package shm

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// ABI version of the page layout. A mismatch between the two sides is a
// terminal condition, never negotiated around.
const (
	VersionMajor = 0
	VersionMinor = 6
)

// Build-time limits on what a page may describe. Resize requests beyond
// these are declined.
const (
	MaxWidth       = 4096
	MaxHeight      = 2048
	MaxSegmentSize = 48294400

	// AudioBufferLimit is the negotiable ceiling for the audio slice;
	// LegacyAudioLimit is the old oversized buffer kept for frameservers
	// that still expect 1.5s of 48kHz stereo in one go.
	AudioBufferLimit = 65535
	LegacyAudioLimit = 288000

	// KeyLimit bounds the ASCII connection key passed to the child.
	KeyLimit = 32
)

// Pixel format constants. The transfer format is packed 32-bit RGBA unless
// the producer hints otherwise.
const (
	BytesPerPixel = 4
	SampleRate    = 48000
	Channels      = 2
	SampleSize    = 2
)

// Colormode values the producer may declare.
const (
	ColorRGBA uint8 = iota
	ColorRGB565
	ColorXRGB
)

// Render hints, set by the producer.
const (
	HintOrigoUL    uint8 = 0
	HintOrigoLL    uint8 = 1
	HintSubregion  uint8 = 2
)

// Event ring geometry. Two rings of RingCapacity fixed-size slots are
// embedded in the page between the header and the audio buffer.
const (
	RingCapacity  = 32
	EventSlotSize = 104
	RingHeaderLen = 8
	RingSize      = RingHeaderLen + RingCapacity*EventSlotSize
)

// Field offsets into the mapped page, little-endian. Flag words are full
// uint32 so both sides can use plain atomic loads/stores on them.
const (
	offMajor        = 0  // u8
	offMinor        = 1  // u8
	offHints        = 2  // u8
	offColormode    = 3  // u8
	offResized      = 4  // u32 atomic
	offDMS          = 8  // u32 atomic
	offVReady       = 12 // u32 atomic
	offVPending     = 16 // u32 atomic
	offAReady       = 20 // u32 atomic
	offAPending     = 24 // u32 atomic
	offSegmentToken = 28 // u32
	offCookie       = 32 // u64
	offSegmentSize  = 40 // u32 atomic
	offWidth        = 44 // u16
	offHeight       = 46 // u16
	offABufUsed     = 48 // u32
	offABufBase     = 52 // u32
	offABufSize     = 56 // u32
	offABufCount    = 60 // u8
	offVBufCount    = 61 // u8
	offChannels     = 62 // u8
	offSampleRate   = 64 // u32
	offDirty        = 68 // 4 x u16: x1, y1, x2, y2
	offParentPID    = 76 // i32
	offChildPID     = 80 // i32
	offVPTS         = 88 // i64
	offAPTS         = 96 // i64

	offChildQueue  = 104
	offParentQueue = offChildQueue + RingSize

	// HeaderSize is where the negotiated buffers begin, before alignment.
	HeaderSize = offParentQueue + RingSize
)

// bufferAlign pads buffer bases so pixel rows start cache-line aligned.
const bufferAlign = 64

func alignUp(v int) int {
	return (v + bufferAlign - 1) &^ (bufferAlign - 1)
}

// AudioOffset is the byte offset of the audio slice within the page.
func AudioOffset() int {
	return alignUp(HeaderSize)
}

// VideoOffset is the byte offset of the video buffer for a given audio
// slice size.
func VideoOffset(abufsize int) int {
	return alignUp(AudioOffset() + abufsize)
}

// SegmentSize is the total mapping needed for the given geometry.
func SegmentSize(w, h, abufsize int) int {
	return VideoOffset(abufsize) + w*h*BytesPerPixel
}

// MinSegmentSize fits the initial 32x32 placeholder geometry with a full
// audio slice; every mapping starts at least this large.
func MinSegmentSize() int {
	return SegmentSize(32, 32, AudioBufferLimit)
}

// cookie is derived from the layout itself: any disagreement about field
// offsets, slot sizes or ABI version between the two sides yields a
// different value, and the integrity check turns that into a terminal
// condition instead of silent corruption.
func cookie() uint64 {
	desc := fmt.Sprintf(
		"arcan-shmpage %d.%d flags@%d,%d,%d,%d,%d,%d geom@%d,%d audio@%d,%d,%d pts@%d,%d rings@%d,%d slot=%d cap=%d",
		VersionMajor, VersionMinor,
		offResized, offDMS, offVReady, offVPending, offAReady, offAPending,
		offWidth, offHeight,
		offABufUsed, offABufBase, offABufSize,
		offVPTS, offAPTS,
		offChildQueue, offParentQueue, EventSlotSize, RingCapacity,
	)
	sum := blake2b.Sum256([]byte(desc))
	return binary.LittleEndian.Uint64(sum[:8])
}

// Cookie is the expected value of the page cookie field for this build.
var Cookie = cookie()
