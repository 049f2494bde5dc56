package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"time"

	"keyshell/internal/backlight"
	"keyshell/internal/config"
	"keyshell/internal/contexts"
	"keyshell/internal/driver"
	"keyshell/internal/driver/virtual"
	"keyshell/internal/hotplug"
	"keyshell/internal/input"
	"keyshell/internal/ipc"
	"keyshell/internal/journal"
	"keyshell/internal/metrics"
)

// mainContext is the context that owns input when the daemon starts.
const mainContext = "main"

// backlightCheckInterval is how often the idle timeout is checked.
const backlightCheckInterval = time.Second

// faultFanout reports faults to several reporters.
type faultFanout []input.FaultReporter

func (f faultFanout) ReportFault(fault input.Fault) {
	for _, r := range f {
		r.ReportFault(fault)
	}
}

// observerFanout forwards registry changes to several observers.
type observerFanout []input.DriverObserver

func (o observerFanout) DriverAttached(info input.DriverInfo) {
	for _, obs := range o {
		obs.DriverAttached(info)
	}
}

func (o observerFanout) DriverDetached(info input.DriverInfo) {
	for _, obs := range o {
		obs.DriverDetached(info)
	}
}

// daemon owns every long-lived component.
type daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	version string

	registry  *metrics.Registry
	journal   *journal.Journal
	server    *ipc.Server
	notifier  *ipc.Notifier
	proc      *input.Processor
	contexts  *contexts.Manager
	keypad    *virtual.Keypad
	backlight *backlight.Backlight
	hotplug   *hotplug.Manager
	closers   []func() error
}

// newDaemon builds every component from cfg. Nothing is started.
func newDaemon(cfg *config.Config, logger *slog.Logger, version string) (_ *daemon, err error) {
	d := &daemon{
		cfg:      cfg,
		logger:   logger,
		version:  version,
		registry: metrics.NewRegistry("keyshell"),
		contexts: contexts.New(logger),
	}
	defer func() {
		if err != nil {
			if cerr := d.closeResources(); cerr != nil {
				logger.Warn("cleanup after failed start", "error", cerr)
			}
		}
	}()

	if cfg.Journal.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Journal.Path), 0700); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
		d.journal, err = journal.Open(cfg.Journal.Path, logger)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, d.journal.Close)
		d.pruneJournal()
	}

	if cfg.IPC.Enabled {
		if err := d.newServer(); err != nil {
			return nil, err
		}
	}
	d.notifier = ipc.NewNotifier(d.server)

	drivers, err := d.buildDrivers()
	if err != nil {
		return nil, err
	}

	faults := faultFanout{d.notifier}
	observers := observerFanout{d.notifier}
	if d.journal != nil {
		faults = append(faults, d.journal)
		observers = append(observers, d.journal)
	}

	inCfg := input.Config{
		QueueSize:    cfg.Input.QueueSize,
		PollInterval: cfg.PollInterval(),
		Logger:       logger,
		Metrics:      metrics.NewDispatchMetrics(d.registry),
		Faults:       faults,
		Observer:     observers,
	}
	d.proc, err = input.New(inCfg, d.contexts, drivers...)
	if err != nil {
		return nil, fmt.Errorf("create processor: %w", err)
	}
	d.closers = append(d.closers, d.proc.Close)
	d.contexts.Bind(d.proc)
	d.contexts.OnSwitch(d.notifier.ContextSwitched)

	if _, err := d.contexts.Register(mainContext); err != nil {
		return nil, err
	}
	if err := d.contexts.Switch(mainContext); err != nil {
		return nil, err
	}

	if cfg.Backlight.Enabled {
		if err := d.newBacklight(); err != nil {
			return nil, err
		}
	}

	if err := d.bindGlobalKeys(); err != nil {
		return nil, err
	}

	if cfg.Hotplug.Enabled {
		d.newHotplug()
	}

	if d.server != nil {
		var faultLog ipc.FaultLog
		if d.journal != nil {
			faultLog = d.journal
		}
		handler := ipc.NewDaemonHandler(ipc.DaemonHandlerConfig{
			Version:    version,
			Dispatcher: d.proc,
			Injector:   d.keypad,
			Contexts:   d.contexts,
			Faults:     faultLog,
			Metrics:    d.registry,
		})
		d.server.SetHandler(handler)
	}

	return d, nil
}

func (d *daemon) newServer() error {
	perm, err := strconv.ParseUint(d.cfg.IPC.Permissions, 8, 32)
	if err != nil || d.cfg.IPC.Permissions == "" {
		perm = 0600
	}
	timeout := time.Duration(d.cfg.IPC.TimeoutSec) * time.Second

	srv, err := ipc.NewServer(ipc.ServerConfig{
		SocketPath:   d.cfg.IPC.SocketPath,
		Version:      d.version,
		Permissions:  os.FileMode(perm),
		WriteTimeout: timeout,
		Logger:       d.logger,
	}, nil)
	if err != nil {
		return err
	}
	d.server = srv
	return nil
}

// buildDrivers constructs the configured drivers. With the control socket
// enabled, a virtual keypad is always present so keys can be injected.
func (d *daemon) buildDrivers() ([]input.Driver, error) {
	var drivers []input.Driver
	for i, dc := range d.cfg.Input.Drivers {
		drv, err := buildDriver(dc, d.logger)
		if err != nil {
			return nil, fmt.Errorf("driver %d (%s): %w", i, dc.Driver, err)
		}
		if kp, ok := drv.(*virtual.Keypad); ok && d.keypad == nil {
			d.keypad = kp
		}
		drivers = append(drivers, drv)
	}

	if d.keypad == nil && d.server != nil {
		d.keypad = virtual.New(nil, driver.Options{Logger: d.logger})
		drivers = append(drivers, d.keypad)
	}
	return drivers, nil
}

func (d *daemon) newBacklight() error {
	var setter backlight.Setter
	switch d.cfg.Backlight.Backend {
	case "logind":
		l, err := backlight.OpenLogind(d.cfg.Backlight.Device)
		if err != nil {
			return err
		}
		d.closers = append(d.closers, l.Close)
		setter = l
	default:
		s, err := backlight.OpenSysfs("", d.cfg.Backlight.Device)
		if err != nil {
			return err
		}
		setter = s
	}

	d.backlight = backlight.New(backlight.Config{
		Timeout:    d.cfg.BacklightTimeout(),
		Brightness: d.cfg.Backlight.Brightness,
		Logger:     d.logger,
	}, setter)
	d.proc.SetBacklightGate(d.backlight.Wake)
	return nil
}

func (d *daemon) bindGlobalKeys() error {
	env := actionEnv{
		logger:   d.logger,
		switchTo: d.contexts.Switch,
		run:      startCommand(d.logger),
	}
	if d.backlight != nil {
		env.backlightOff = d.backlight.TurnOff
	}

	for _, gk := range d.cfg.GlobalKeys {
		key, a, err := buildGlobalAction(gk, env)
		if err != nil {
			return fmt.Errorf("global key: %w", err)
		}
		if err := d.proc.SetGlobalCallback(key, a); err != nil {
			return fmt.Errorf("global key %s: %w", key, err)
		}
	}
	return nil
}

func (d *daemon) newHotplug() {
	hc := d.cfg.Hotplug
	d.hotplug = hotplug.New(hotplug.Config{
		Dir:    hc.Dir,
		Settle: time.Duration(hc.SettleMs) * time.Millisecond,
		Logger: d.logger,
	}, d.proc, hotplugFactory(hc, d.logger))

	for _, dc := range d.cfg.Input.Drivers {
		if dc.Driver == config.DriverHID && dc.Device != "" {
			d.hotplug.Ignore(dc.Device)
		}
	}
}

func (d *daemon) pruneJournal() {
	if d.cfg.Journal.RetentionDays <= 0 {
		return
	}
	before := time.Now().AddDate(0, 0, -d.cfg.Journal.RetentionDays)
	n, err := d.journal.Prune(before)
	if err != nil {
		d.logger.Warn("pruning journal failed", "error", err)
		return
	}
	if n > 0 {
		d.logger.Info("pruned journal", "entries", n, "before", before)
	}
}

// start brings up the control socket, watchers and the dispatch loop.
func (d *daemon) start() error {
	if d.server != nil {
		if err := d.server.Start(); err != nil {
			return err
		}
	}
	if d.backlight != nil {
		d.backlight.Start(backlightCheckInterval)
	}
	if d.hotplug != nil {
		if err := d.hotplug.Start(); err != nil {
			d.logger.Warn("hot-plug disabled", "error", err)
			d.hotplug = nil
		}
	}
	d.proc.Listen()
	d.logger.Info("keyshell started", "version", d.version, "drivers", len(d.proc.ListDrivers()))
	return nil
}

// stop shuts everything down in reverse order of start.
func (d *daemon) stop() error {
	d.notifier.Shutdown()

	var errs []error
	if d.hotplug != nil {
		errs = append(errs, d.hotplug.Stop())
	}
	if d.server != nil {
		errs = append(errs, d.server.Stop())
	}
	if d.backlight != nil {
		d.backlight.Stop()
	}
	d.proc.StopListen()
	errs = append(errs, d.closeResources())
	return errors.Join(errs...)
}

// closeResources closes what newDaemon opened, newest first.
func (d *daemon) closeResources() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		errs = append(errs, d.closers[i]())
	}
	d.closers = nil
	return errors.Join(errs...)
}

// applyConfig applies the parts of a reloaded configuration that can change
// at runtime.
func (d *daemon) applyConfig(old, cfg *config.Config) {
	if d.backlight != nil {
		if old.Backlight.TimeoutSec != cfg.Backlight.TimeoutSec {
			d.backlight.SetTimeout(cfg.BacklightTimeout())
		}
		if old.Backlight.Brightness != cfg.Backlight.Brightness {
			if err := d.backlight.SetBrightness(cfg.Backlight.Brightness); err != nil {
				d.logger.Warn("set brightness", "error", err)
			}
		}
	}

	if !reflect.DeepEqual(old.Input.Drivers, cfg.Input.Drivers) ||
		old.IPC != cfg.IPC || old.Journal != cfg.Journal ||
		old.Input.QueueSize != cfg.Input.QueueSize {
		d.logger.Warn("driver, socket and journal changes take effect after a restart")
	}
	d.cfg = cfg
}
