// arcan-frameserver is the child half of the transport: it acquires the
// connection named in the environment and runs one of the producer or
// consumer modes. Real decoders and cores are external collaborators;
// the built-in modes drive the protocol with synthetic content.
package main

import (
	"fmt"
	"os"

	logging "github.com/ipfs/go-log/v2"

	"github.com/silky/arcan/internal/shmif"
)

var log = logging.Logger("frameserver")

func main() {
	logging.SetAllLoggers(logging.LevelInfo)

	key := shmif.KeyFromEnv()
	mode := os.Getenv("ARCAN_MODE")
	if len(os.Args) > 2 && key == "" {
		key, mode = os.Args[1], os.Args[2]
	}
	if key == "" || mode == "" {
		fmt.Fprintln(os.Stderr, "usage: arcan-frameserver <shmkey> <mode>")
		fmt.Fprintln(os.Stderr, "  (or ARCAN_SHMKEY / ARCAN_MODE in the environment)")
		fmt.Fprintln(os.Stderr, "modes: movie libretro record net-cl net-srv")
		os.Exit(1)
	}

	cont, err := shmif.Acquire(key, shmif.ForceUnlink)
	if err != nil {
		log.Errorw("acquire failed", "key", key, "err", err)
		os.Exit(1)
	}
	defer cont.Drop()

	switch mode {
	case "movie":
		err = runMovie(cont)
	case "libretro":
		err = runGame(cont)
	case "record":
		err = runRecord(cont)
	case "net-cl":
		err = runNetClient(cont, os.Getenv("ARCAN_CONNECT"))
	case "net-srv":
		err = runNetServer(cont, os.Getenv("ARCAN_LISTEN"))
	default:
		log.Errorw("unknown mode", "mode", mode)
		os.Exit(1)
	}
	if err != nil {
		log.Errorw("mode exited", "mode", mode, "err", err)
		os.Exit(1)
	}
}
