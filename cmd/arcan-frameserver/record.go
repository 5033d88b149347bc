package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/silky/arcan/internal/event"
	"github.com/silky/arcan/internal/shmif"
)

const (
	recordW = 640
	recordH = 360
)

// runRecord plays the pull consumer: the parent writes rendered frames
// into the page on readback and steps us with STEPFRAME; we drain video
// and staged audio to the output. Encoding is an external concern, the
// built-in sink stores raw frames.
func runRecord(cont *shmif.Cont) error {
	if err := cont.Resize(recordW, recordH); err != nil {
		return err
	}

	outPath := os.Getenv("ARCAN_RECORD_OUT")
	if outPath == "" {
		outPath = filepath.Join(os.TempDir(),
			fmt.Sprintf("arcan-record-%d.raw", os.Getpid()))
	}
	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer out.Close()
	log.Infow("recording", "path", outPath, "w", recordW, "h", recordH)

	// invite the first readback
	cont.PostVideo()

	frames := 0
	for cont.Alive() {
		ev, ok := cont.WaitEvent(100)
		if !ok {
			continue
		}
		if ev.Category != event.Target {
			continue
		}
		switch ev.Kind {
		case event.TargetExit:
			return nil

		case event.TargetStepframe:
			if _, err := out.Write(cont.Vidp); err != nil {
				return err
			}
			if used := cont.Page().ABufUsed(); used > 0 {
				if _, err := out.Write(cont.Audp[:used]); err != nil {
					return err
				}
				cont.Page().SetABufUsed(0)
			}
			frames++
			// free the slot for the next readback
			cont.PostVideo()
		}
	}
	log.Infow("recording done", "frames", frames)
	return nil
}
