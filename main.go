// main.go
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/silky/arcan/internal/db"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	cfgPath  = flag.String("config", "arcan.json", "Config file path")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("arcan v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		runEngine()
		return
	}

	switch args[0] {
	case "run":
		runEngine()

	case "play":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: play requires a target name")
			fmt.Fprintln(os.Stderr, "Usage: arcan play <target> [loop]")
			os.Exit(1)
		}
		runPlay(args[1], len(args) > 2 && args[2] == "loop")

	case "targets":
		runTargets(args[1:])

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		showUsage()
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`arcan - frameserver compositor core

Usage:
  arcan [flags]                       Run the engine with the script layer
  arcan run                           Same as above
  arcan play <target> [loop]          Run the engine and launch one target
  arcan targets list                  List launch targets
  arcan targets add <name> <mode> <exe> [args...]
  arcan targets del <name>

Flags:
  -config <path>   Config file (default arcan.json)
  -version         Show version
  -h               Show help

Environment:
  GAME_ABUFC / GAME_VBUFC / GAME_ABUFSZ   Buffer count/size overrides
  ARCAN_FRAMESERVER_DEBUGSTALL            Hold timing resets on stall
  ARCAN_VIDEO_NO_FDPASS                   Disable the GPU handle side channel
  ARCAN_LIBRETRO_SYSPATH                  System resource path`)
}

func runEngine() {
	app, err := NewApp(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	stop := make(chan struct{})
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		close(stop)
	}()

	app.Run(stop)
}

func runPlay(target string, loop bool) {
	app, err := NewApp(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	if err := app.Play(target, loop); err != nil {
		fmt.Fprintf(os.Stderr, "play: %v\n", err)
		os.Exit(1)
	}

	stop := make(chan struct{})
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		close(stop)
	}()

	app.Run(stop)
}

func runTargets(args []string) {
	app, err := NewApp(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	if len(args) == 0 {
		args = []string{"list"}
	}
	switch args[0] {
	case "list":
		targets, err := app.Targets.List()
		if err != nil {
			fmt.Fprintf(os.Stderr, "list: %v\n", err)
			os.Exit(1)
		}
		for _, t := range targets {
			fmt.Printf("%-20s %-10s %s %v\n", t.Name, t.Mode, t.Executable, t.Argv)
		}

	case "add":
		if len(args) < 4 {
			fmt.Fprintln(os.Stderr, "Usage: arcan targets add <name> <mode> <exe> [args...]")
			os.Exit(1)
		}
		t := db.Target{Name: args[1], Mode: args[2], Executable: args[3], Argv: args[4:]}
		if err := app.Targets.Put(t); err != nil {
			fmt.Fprintf(os.Stderr, "add: %v\n", err)
			os.Exit(1)
		}

	case "del":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Usage: arcan targets del <name>")
			os.Exit(1)
		}
		if err := app.Targets.Delete(args[1]); err != nil {
			fmt.Fprintf(os.Stderr, "del: %v\n", err)
			os.Exit(1)
		}

	default:
		fmt.Fprintf(os.Stderr, "Unknown targets command: %s\n", args[0])
		os.Exit(1)
	}
}
