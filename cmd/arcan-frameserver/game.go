package main

import (
	"encoding/binary"

	"github.com/silky/arcan/internal/event"
	"github.com/silky/arcan/internal/shm"
	"github.com/silky/arcan/internal/shmif"
)

const (
	gameW   = 320
	gameH   = 240
	gameFPS = 60.0
)

// demoCore is a minimal deterministic core standing in for a loaded
// guest: its whole state is a frame counter and the latched input, which
// is exactly enough to exercise serialization and the rollback window.
type demoCore struct {
	frame  uint64
	inputX int32
	inputY int32

	vidp []byte
	w, h int

	audio     []byte
	audioUsed int
}

func (c *demoCore) StateSize() int { return 16 }

func (c *demoCore) Serialize(dst []byte) error {
	binary.LittleEndian.PutUint64(dst[0:], c.frame)
	binary.LittleEndian.PutUint32(dst[8:], uint32(c.inputX))
	binary.LittleEndian.PutUint32(dst[12:], uint32(c.inputY))
	return nil
}

func (c *demoCore) Deserialize(src []byte) error {
	c.frame = binary.LittleEndian.Uint64(src[0:])
	c.inputX = int32(binary.LittleEndian.Uint32(src[8:]))
	c.inputY = int32(binary.LittleEndian.Uint32(src[12:]))
	return nil
}

func (c *demoCore) RunFrame(skipVideo, skipAudio bool) {
	c.frame++
	if !skipVideo {
		c.render()
	}
	if !skipAudio {
		c.genAudio()
	}
}

func (c *demoCore) render() {
	// a block that tracks the latched input over a frame-counting field
	bg := uint8(c.frame)
	for i := 0; i < len(c.vidp); i += 4 {
		c.vidp[i] = bg
		c.vidp[i+1] = bg / 2
		c.vidp[i+2] = 0x20
		c.vidp[i+3] = 0xff
	}
	bx := int(c.inputX) % (c.w - 16)
	by := int(c.inputY) % (c.h - 16)
	if bx < 0 {
		bx += c.w - 16
	}
	if by < 0 {
		by += c.h - 16
	}
	for y := by; y < by+16; y++ {
		row := c.vidp[y*c.w*4:]
		for x := bx; x < bx+16; x++ {
			px := row[x*4:]
			px[0], px[1], px[2], px[3] = 0xff, 0xff, 0xff, 0xff
		}
	}
}

func (c *demoCore) genAudio() {
	n := int(gameSamplesPerFrame) * shm.Channels * shm.SampleSize
	if c.audioUsed+n > len(c.audio) {
		return
	}
	// square wave keyed on the frame counter keeps the output
	// deterministic across rollback replays
	v := int16(4000)
	if c.frame%2 == 0 {
		v = -v
	}
	for i := 0; i < n; i += 2 {
		binary.LittleEndian.PutUint16(c.audio[c.audioUsed+i:], uint16(v))
	}
	c.audioUsed += n
}

const gameSamplesPerFrame = shm.SampleRate / 60

// runGame plays the interactive role: one videoframe and audio batch per
// transfer, latency first, input applied through the rollback window
// when one is configured.
func runGame(cont *shmif.Cont) error {
	if err := cont.Resize(gameW, gameH); err != nil {
		return err
	}

	core := &demoCore{
		vidp:  cont.Vidp,
		w:     cont.W,
		h:     cont.H,
		audio: make([]byte, 64*1024),
	}

	pacer := shmif.NewPacer(gameFPS, 10)
	var rollback *shmif.Rollback
	dirtyInput := false
	paused := false

	// one warmup frame, then rebase so the first transfer is on time
	core.RunFrame(false, false)
	core.audioUsed = 0
	pacer.Reset()
	doPreaudio(core, 1)

	cont.Enqueue(event.NewExternal(event.ExternalCursorhint,
		event.ExternalData{Message: "hidden"}))
	cont.Enqueue(event.NewExternal(event.ExternalStatesize,
		event.ExternalData{Code: int64(core.StateSize())}))

	for cont.Alive() {
		// event flush happens outside the frame-time measurement
		for {
			ev, ok := cont.Poll()
			if !ok {
				break
			}
			switch {
			case ev.Category == event.Target && ev.Kind == event.TargetExit:
				return nil
			case ev.Category == event.Target && ev.Kind == event.TargetPause:
				paused = true
			case ev.Category == event.Target && ev.Kind == event.TargetUnpause:
				paused = false
				pacer.Reset()
			case ev.Category == event.Target && ev.Kind == event.TargetReset:
				core.frame = 0
				pacer.Reset()
			case ev.Category == event.Target && ev.Kind == event.TargetSkipMode:
				d := ev.TargetData()
				pacer.SkipMode = int(d.Ioevs[0])
				rollback = shmif.NewRollback(core, pacer.SkipMode)
			case ev.Category == event.IO:
				d := ev.InputData()
				core.inputX = int32(d.Samples[0])
				core.inputY = int32(d.Samples[1])
				dirtyInput = true
			}
		}
		for cont.Alive() && paused {
			if ev, ok := cont.WaitEvent(50); ok {
				if ev.Category == event.Target && ev.Kind == event.TargetUnpause {
					paused = false
					pacer.Reset()
				}
				if ev.Category == event.Target && ev.Kind == event.TargetExit {
					return nil
				}
			}
		}

		if rollback != nil && dirtyInput {
			// rewind to the retained past, consume the input there, and
			// roll forward with outputs suppressed
			if err := rollback.ApplyInput(); err != nil {
				return err
			}
			dirtyInput = false
		}

		skip := !pacer.Sync()
		core.RunFrame(skip, false)
		if rollback != nil {
			rollback.Capture()
		}
		if skip {
			continue
		}

		if core.audioUsed > 0 {
			if _, err := cont.SubmitAudio(core.audio[:core.audioUsed], 0,
				shmif.SigNone); err == nil {
				core.audioUsed = 0
			}
		}
		if err := cont.SignalVideo(0, shmif.SigBlockForce); err != nil {
			return err
		}

		cont.Enqueue(event.NewExternal(event.ExternalFramestatus,
			event.ExternalData{Code: int64(core.frame)}))
	}
	return nil
}

// doPreaudio primes the audio pipeline with n frames of samples so the
// first transfers do not start with an underrun.
func doPreaudio(core *demoCore, n int) {
	for i := 0; i < n; i++ {
		core.RunFrame(true, false)
	}
}
