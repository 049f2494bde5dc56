// keyshell - input dispatch daemon for embedded keypads and keyboards
//
// keyshell reads key events from HID keyboards, GPIO buttons and PCF8574
// expanders and dispatches them to callbacks bound per context.
//
//	keyshell                    Run with the discovered configuration file
//	keyshell -config <file>     Run with an explicit configuration file
//	keyshell -version           Print the version
//
// Signals: SIGINT/SIGTERM stop, SIGHUP reloads the configuration, SIGUSR1
// suspends input and SIGUSR2 resumes it.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"keyshell/internal/config"
	"keyshell/internal/logging"
)

// Version is set at build time.
var Version = "dev"

type options struct {
	configPath string
	logLevel   string
	socketPath string
}

func main() {
	var opts options
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.StringVar(&opts.configPath, "config", "", "configuration file (default: search standard locations)")
	flag.StringVar(&opts.logLevel, "log-level", "", "override the configured log level")
	flag.StringVar(&opts.socketPath, "socket", "", "override the control socket path")
	flag.Parse()

	if *showVersion {
		fmt.Printf("keyshell %s\n", Version)
		return
	}

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "keyshell: %v\n", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	path := opts.configPath
	if path == "" {
		path = config.FindConfigFile()
	}
	if path == "" {
		path = config.ConfigPath()
	}

	// The first read only configures logging.
	boot, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	opts.apply(boot)

	logger, err := newLogger(boot.Logging)
	if err != nil {
		return err
	}
	defer logger.Close()
	logging.SetDefault(logger)

	crash := logging.NewCrashHandler(&logging.CrashHandlerConfig{
		Version:   Version,
		Component: "keyshell",
	})
	defer crash.Repanic()

	loader := config.NewLoader(path, logger.Logger)
	defer loader.Close()
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	opts.apply(cfg)

	d, err := newDaemon(cfg, logger.Logger, Version)
	if err != nil {
		return err
	}
	if err := d.start(); err != nil {
		_ = d.stop()
		return err
	}

	loader.OnChange(func(old, next *config.Config) {
		opts.apply(next)
		if lvl, err := logging.ParseLevel(next.Logging.Level); err == nil {
			logger.SetLevel(lvl)
		}
		d.applyConfig(old, next)
	})
	if err := loader.Watch(); err != nil {
		logger.Warn("configuration changes will need SIGHUP", "error", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigChan)

	for {
		select {
		case sig := <-sigChan:
			switch sig {
			case syscall.SIGHUP:
				if err := loader.Reload(); err != nil {
					logger.Error("reload failed", "error", err)
				}
			case syscall.SIGUSR1:
				d.proc.Suspend()
				logger.Info("input suspended")
			case syscall.SIGUSR2:
				d.proc.Resume()
				logger.Info("input resumed")
			default:
				logger.Info("shutting down", "signal", sig.String())
				return d.stop()
			}

		case err := <-loader.Errors():
			logger.Warn("configuration watch", "error", err)
		}
	}
}

// apply re-applies command-line overrides on top of a loaded configuration.
func (o options) apply(cfg *config.Config) {
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.socketPath != "" {
		cfg.IPC.SocketPath = o.socketPath
	}
}

func newLogger(lc config.LoggingConfig) (*logging.Logger, error) {
	lcfg := logging.DefaultConfig()
	level, err := logging.ParseLevel(lc.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(lc.Format)
	if err != nil {
		return nil, err
	}
	lcfg.Level = level
	lcfg.Format = format
	if lc.Output != "" {
		lcfg.Output = lc.Output
	}
	if lc.FilePath != "" {
		lcfg.FilePath = lc.FilePath
	}
	if lc.MaxSizeMB > 0 {
		lcfg.MaxSize = int64(lc.MaxSizeMB)
	}
	if lc.MaxBackups > 0 {
		lcfg.MaxBackups = lc.MaxBackups
	}
	lcfg.Compress = lc.Compress
	return logging.New(lcfg)
}
