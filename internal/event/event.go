// Package event defines the fixed-size event records exchanged over a
// frameserver connection, the SPSC rings embedded in the shared page that
// carry them, and the parent-side bus the compositor and scripting layer
// consume from.
package event

import (
	"encoding/binary"
	"math"

	"github.com/silky/arcan/internal/shm"
)

// Category is a bitmask so transfer filters can select several at once.
type Category uint8

const (
	Frameserver Category = 1 << iota
	Target
	IO
	External
	Net

	AnyCategory Category = 0xff
)

func (c Category) String() string {
	switch c {
	case Frameserver:
		return "frameserver"
	case Target:
		return "target"
	case IO:
		return "io"
	case External:
		return "external"
	case Net:
		return "net"
	}
	return "mixed"
}

// Frameserver lifecycle kinds, emitted by the parent about a source.
const (
	FrameserverSpawned uint8 = iota + 1
	FrameserverResized
	FrameserverLooped
	FrameserverTerminated
)

// Target command kinds, parent to child.
const (
	TargetPause uint8 = iota + 1
	TargetUnpause
	TargetExit
	TargetReset
	TargetFramestep
	TargetSetIODev
	TargetCoreopt
	TargetDisplayHint
	TargetGraphMode
	TargetSkipMode
	TargetStore
	TargetRestore
	TargetNewSegment
	TargetAttenuate
	TargetStepframe
)

// External kinds, child to parent.
const (
	ExternalIdent uint8 = iota + 1
	ExternalCoreopt
	ExternalFramestatus
	ExternalStatesize
	ExternalCursorhint
	ExternalSegreq
)

// Input kinds.
const (
	IOTranslated uint8 = iota + 1
	IODigital
	IOAnalog
)

// Net kinds.
const (
	NetConnected uint8 = iota + 1
	NetDisconnected
	NetNoHost
	NetNoResponse
	NetCustomMsg
	NetInputEvent
	NetBroken
	NetStateXfer // forwarded opaque, never interpreted here
)

// PayloadSize is the fixed space for the kind-specific union.
const PayloadSize = shm.EventSlotSize - 4

// MsgLimit bounds the inline text carried by ident/custommsg payloads.
const MsgLimit = 78

// Event is one fixed-size record. Payload layout depends on (Category,
// Kind) and is accessed through the typed views below.
type Event struct {
	Category Category
	Kind     uint8
	Payload  [PayloadSize]byte
}

// Marshal packs the event into a ring slot.
func (ev *Event) Marshal(dst []byte) {
	dst[0] = byte(ev.Category)
	dst[1] = ev.Kind
	dst[2] = 0
	dst[3] = 0
	copy(dst[4:], ev.Payload[:])
}

// Unmarshal unpacks a ring slot.
func (ev *Event) Unmarshal(src []byte) {
	ev.Category = Category(src[0])
	ev.Kind = src[1]
	copy(ev.Payload[:], src[4:shm.EventSlotSize])
}

// FrameserverData rides frameserver lifecycle events.
type FrameserverData struct {
	Video    uint32
	Audio    uint32
	Width    uint16
	Height   uint16
	OTag     int64
	GLSource bool
}

func NewFrameserver(kind uint8, d FrameserverData) Event {
	ev := Event{Category: Frameserver, Kind: kind}
	binary.LittleEndian.PutUint32(ev.Payload[0:], d.Video)
	binary.LittleEndian.PutUint32(ev.Payload[4:], d.Audio)
	binary.LittleEndian.PutUint16(ev.Payload[8:], d.Width)
	binary.LittleEndian.PutUint16(ev.Payload[10:], d.Height)
	binary.LittleEndian.PutUint64(ev.Payload[16:], uint64(d.OTag))
	if d.GLSource {
		ev.Payload[24] = 1
	}
	return ev
}

func (ev *Event) FrameserverData() FrameserverData {
	return FrameserverData{
		Video:    binary.LittleEndian.Uint32(ev.Payload[0:]),
		Audio:    binary.LittleEndian.Uint32(ev.Payload[4:]),
		Width:    binary.LittleEndian.Uint16(ev.Payload[8:]),
		Height:   binary.LittleEndian.Uint16(ev.Payload[10:]),
		OTag:     int64(binary.LittleEndian.Uint64(ev.Payload[16:])),
		GLSource: ev.Payload[24] != 0,
	}
}

// TargetData carries the small argument vector target commands use.
type TargetData struct {
	Ioevs [6]int32
	Fv    float32
}

func NewTarget(kind uint8, d TargetData) Event {
	ev := Event{Category: Target, Kind: kind}
	for i, v := range d.Ioevs {
		binary.LittleEndian.PutUint32(ev.Payload[i*4:], uint32(v))
	}
	binary.LittleEndian.PutUint32(ev.Payload[24:], math.Float32bits(d.Fv))
	return ev
}

func (ev *Event) TargetData() TargetData {
	var d TargetData
	for i := range d.Ioevs {
		d.Ioevs[i] = int32(binary.LittleEndian.Uint32(ev.Payload[i*4:]))
	}
	d.Fv = math.Float32frombits(binary.LittleEndian.Uint32(ev.Payload[24:]))
	return d
}

// ExternalData is what a child reports about itself.
type ExternalData struct {
	Code    int64
	Message string
}

func NewExternal(kind uint8, d ExternalData) Event {
	ev := Event{Category: External, Kind: kind}
	binary.LittleEndian.PutUint64(ev.Payload[0:], uint64(d.Code))
	putMsg(ev.Payload[8:], d.Message)
	return ev
}

func (ev *Event) ExternalData() ExternalData {
	return ExternalData{
		Code:    int64(binary.LittleEndian.Uint64(ev.Payload[0:])),
		Message: getMsg(ev.Payload[8:]),
	}
}

// InputData is a translated key or digital/analog sample.
type InputData struct {
	Devid     uint16
	Subid     uint16
	Keysym    uint32
	Modifiers uint16
	Active    bool
	Axis      int16
	Samples   [4]int16
}

func NewInput(kind uint8, d InputData) Event {
	ev := Event{Category: IO, Kind: kind}
	binary.LittleEndian.PutUint16(ev.Payload[0:], d.Devid)
	binary.LittleEndian.PutUint16(ev.Payload[2:], d.Subid)
	binary.LittleEndian.PutUint32(ev.Payload[4:], d.Keysym)
	binary.LittleEndian.PutUint16(ev.Payload[8:], d.Modifiers)
	if d.Active {
		ev.Payload[10] = 1
	}
	binary.LittleEndian.PutUint16(ev.Payload[12:], uint16(d.Axis))
	for i, s := range d.Samples {
		binary.LittleEndian.PutUint16(ev.Payload[14+i*2:], uint16(s))
	}
	return ev
}

func (ev *Event) InputData() InputData {
	d := InputData{
		Devid:     binary.LittleEndian.Uint16(ev.Payload[0:]),
		Subid:     binary.LittleEndian.Uint16(ev.Payload[2:]),
		Keysym:    binary.LittleEndian.Uint32(ev.Payload[4:]),
		Modifiers: binary.LittleEndian.Uint16(ev.Payload[8:]),
		Active:    ev.Payload[10] != 0,
		Axis:      int16(binary.LittleEndian.Uint16(ev.Payload[12:])),
	}
	for i := range d.Samples {
		d.Samples[i] = int16(binary.LittleEndian.Uint16(ev.Payload[14+i*2:]))
	}
	return d
}

// NetData carries connection state and short messages for network sources.
type NetData struct {
	ConnID  uint32
	Message string
}

func NewNet(kind uint8, d NetData) Event {
	ev := Event{Category: Net, Kind: kind}
	binary.LittleEndian.PutUint32(ev.Payload[0:], d.ConnID)
	putMsg(ev.Payload[4:], d.Message)
	return ev
}

func (ev *Event) NetData() NetData {
	return NetData{
		ConnID:  binary.LittleEndian.Uint32(ev.Payload[0:]),
		Message: getMsg(ev.Payload[4:]),
	}
}

// putMsg writes a length-prefixed string, truncating at MsgLimit. Oversize
// payloads lose their tail, matching the wire behavior for custommsg.
func putMsg(dst []byte, s string) {
	if len(s) > MsgLimit {
		s = s[:MsgLimit]
	}
	dst[0] = uint8(len(s))
	copy(dst[1:], s)
}

func getMsg(src []byte) string {
	n := int(src[0])
	if n > MsgLimit {
		n = MsgLimit
	}
	return string(src[1 : 1+n])
}
