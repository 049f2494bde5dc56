// keyshellctl is the control CLI for keyshell.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"keyshell/internal/config"
	"keyshell/internal/ipc"
)

// Version is set at build time.
var Version = "dev"

const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorRed    = "\033[31m"
)

func main() {
	fs := flag.NewFlagSet("keyshellctl", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file, used to find the socket")
	socketPath := fs.String("socket", "", "control socket path")
	asJSON := fs.Bool("json", false, "print responses as JSON")
	noColor := fs.Bool("no-color", false, "disable colored output")
	fs.Usage = func() { usage(os.Stderr) }
	_ = fs.Parse(os.Args[1:])

	if fs.NArg() < 1 {
		usage(os.Stderr)
		os.Exit(1)
	}
	cmd, args := fs.Arg(0), fs.Args()[1:]

	switch cmd {
	case "help", "-h", "--help":
		usage(os.Stdout)
		return
	case "version":
		fmt.Printf("keyshellctl %s\n", Version)
		return
	}

	socket := *socketPath
	if socket == "" {
		socket = resolveSocket(*configPath)
	}

	a := &app{
		out:   os.Stdout,
		json:  *asJSON,
		color: !*noColor && os.Getenv("NO_COLOR") == "" && isTerminal(os.Stdout),
	}
	if err := a.connect(socket); err != nil {
		a.printError("Cannot connect to daemon: %v", err)
		if errors.Is(err, ipc.ErrDaemonNotRunning) {
			fmt.Fprintf(os.Stderr, "  Is keyshell running? Socket: %s\n", socket)
		}
		os.Exit(1)
	}
	defer a.close()

	if err := a.run(cmd, args); err != nil {
		a.printError("%v", err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, `keyshellctl - Control utility for keyshell

Usage: keyshellctl [options] <command> [args]

Commands:
  status                 Show daemon status
  ping                   Check that the daemon answers
  drivers                List attached drivers
  detach <name>          Detach a hot-plugged driver
  suspend                Stop delivering input
  resume                 Resume delivering input
  inject <KEY[:state]>   Inject a key through the virtual keypad
  contexts               List registered contexts
  switch <name>          Give a context input focus
  faults [limit]         Show recent callback faults
  watch                  Stream daemon events until interrupted
  version                Print the version
  help                   Show this help message

Options:
  -socket <path>   Control socket (default: from config)
  -config <path>   Config file used to find the socket
  -json            Print JSON
  -no-color        Disable colored output`)
}

// resolveSocket finds the socket from the config file, falling back to the
// default path when there is no usable config.
func resolveSocket(path string) string {
	cfg, err := config.Load(path)
	if err != nil || cfg.IPC.SocketPath == "" {
		return config.DefaultSocketPath()
	}
	return cfg.IPC.SocketPath
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
