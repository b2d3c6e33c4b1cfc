package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/odvcencio/sessiontap/pkg/config"
)

// Version information - set via ldflags during build
var (
	version   = "0.1.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// loadConfigFn allows tests to supply configuration without touching the
// user's home directory.
var loadConfigFn = func(path string) (*config.Config, error) {
	if strings.TrimSpace(path) != "" {
		return config.LoadFromPath(path)
	}
	return config.Load()
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("sessiontap", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to a config file (default: ~/.sessiontap and ./.sessiontap layers)")
	fs.Usage = func() { printUsage(stderr) }
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	rest := fs.Args()
	if len(rest) == 0 {
		printUsage(stderr)
		return 2
	}

	var err error
	switch rest[0] {
	case "serve":
		err = runServeCommand(rest[1:], *configPath)
	case "query":
		err = runQueryCommand(rest[1:], *configPath, stdout)
	case "version":
		printVersion(stdout)
		return 0
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Error: unknown command %q\n\n", rest[0])
		printUsage(stderr)
		return 2
	}
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitCodeForError(err)
	}
	return 0
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "sessiontap %s\n", version)
	fmt.Fprintf(w, "commit: %s\n", commit)
	fmt.Fprintf(w, "built: %s\n", buildDate)
	fmt.Fprintf(w, "go: %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `sessiontap - browser session event and cookie aggregation engine

Usage:
  sessiontap [-config path] <command> [flags]

Commands:
  serve     run the session engine and control API
  query     ask a running engine for a session's cookies (NATS bus)
  version   print version information

Run "sessiontap <command> -h" for command flags.
`)
}
