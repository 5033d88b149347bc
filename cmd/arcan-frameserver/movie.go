package main

import (
	"encoding/binary"
	"math"

	"github.com/silky/arcan/internal/event"
	"github.com/silky/arcan/internal/shm"
	"github.com/silky/arcan/internal/shmif"
)

const (
	movieW   = 640
	movieH   = 360
	movieFPS = 30.0
)

// runMovie plays the decoded-stream role: frames carry monotonic PTS
// tags at a fixed cadence, audio rides the A channel in slices sized to
// one video frame. A real build would feed this loop from a demuxer;
// the test source renders a moving gradient and a sine tone.
func runMovie(cont *shmif.Cont) error {
	if err := cont.Resize(movieW, movieH); err != nil {
		return err
	}

	pacer := shmif.NewPacer(movieFPS, 10)
	_, rate := cont.Page().ChannelLayout()
	if rate == 0 {
		rate = shm.SampleRate
	}
	samplesPerFrame := int(float64(rate) / movieFPS)
	tone := make([]byte, samplesPerFrame*shm.Channels*shm.SampleSize)

	var frame int64
	paused := false
	phase := 0.0

	for cont.Alive() {
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
			}
		}
		if paused {
			ev, ok := cont.WaitEvent(50)
			if ok && ev.Category == event.Target {
				switch ev.Kind {
				case event.TargetUnpause:
					paused = false
					pacer.Reset()
				case event.TargetExit:
					return nil
				}
			}
			continue
		}

		if !pacer.Sync() {
			frame++
			continue
		}

		pts := int64(float64(frame) * (1000.0 / movieFPS))
		drawGradient(cont.Vidp, cont.W, cont.H, frame)
		if err := cont.SignalVideo(pts, shmif.SigPost); err != nil {
			return err
		}

		phase = fillTone(tone, phase, 440.0, rate)
		if _, err := cont.SubmitAudio(tone, pts, shmif.SigPost); err != nil {
			log.Debugw("audio submit", "err", err)
		}
		pacer.CountAudio(samplesPerFrame)
		frame++
	}
	return nil
}

// drawGradient fills a packed RGBA buffer with a frame-dependent ramp.
func drawGradient(dst []byte, w, h int, frame int64) {
	shift := uint8(frame)
	for y := 0; y < h; y++ {
		row := dst[y*w*4:]
		g := uint8(y * 255 / h)
		for x := 0; x < w; x++ {
			px := row[x*4:]
			px[0] = uint8(x*255/w) + shift
			px[1] = g
			px[2] = shift
			px[3] = 0xff
		}
	}
}

// fillTone writes an interleaved stereo sine into dst, returning the
// carried phase.
func fillTone(dst []byte, phase, freq float64, rate int) float64 {
	step := 2 * math.Pi * freq / float64(rate)
	for i := 0; i < len(dst); i += 4 {
		v := int16(math.Sin(phase) * 12000)
		binary.LittleEndian.PutUint16(dst[i:], uint16(v))
		binary.LittleEndian.PutUint16(dst[i+2:], uint16(v))
		phase += step
	}
	return math.Mod(phase, 2*math.Pi)
}
