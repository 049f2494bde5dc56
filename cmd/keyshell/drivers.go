package main

import (
	"fmt"
	"log/slog"
	"strings"

	"keyshell/internal/config"
	"keyshell/internal/driver"
	"keyshell/internal/driver/gpio"
	"keyshell/internal/driver/hid"
	"keyshell/internal/driver/pcf8574"
	"keyshell/internal/driver/virtual"
	"keyshell/internal/hotplug"
	"keyshell/internal/input"
	"keyshell/internal/keys"
)

// buildDriver constructs the driver described by dc.
func buildDriver(dc config.DriverConfig, logger *slog.Logger) (input.Driver, error) {
	mapping, err := dc.KeyMapping()
	if err != nil {
		return nil, err
	}
	nameMapping, err := dc.KeyNameMapping()
	if err != nil {
		return nil, err
	}
	warnDeprecated(logger, dc.Driver, mapping, nameMapping)

	opts := driver.Options{
		Mapping:     mapping,
		NameMapping: nameMapping,
		Logger:      logger,
	}

	switch dc.Driver {
	case config.DriverHID:
		return hid.New(hid.Config{
			Device:     dc.Device,
			Grab:       dc.Grab,
			FilterHeld: dc.FilterHeld,
			Options:    opts,
		}), nil

	case config.DriverGPIO:
		return gpio.New(gpio.Config{
			Pins:         dc.Pins,
			ActiveHigh:   dc.ActiveHigh,
			Pullups:      dc.Pullups,
			PollInterval: dc.PollInterval(0),
			Options:      opts,
		}), nil

	case config.DriverPCF8574:
		addr, err := dc.Address(pcf8574.DefaultAddr)
		if err != nil {
			return nil, err
		}
		intPin := -1
		if dc.IntPin != nil {
			intPin = *dc.IntPin
		}
		return pcf8574.New(pcf8574.Config{
			Bus:          dc.Bus,
			Addr:         addr,
			IntPin:       intPin,
			PollInterval: dc.PollInterval(0),
			Options:      opts,
		}), nil

	case config.DriverVirtual:
		return virtual.New(mapping, opts), nil

	default:
		return nil, fmt.Errorf("unknown driver %q", dc.Driver)
	}
}

func warnDeprecated(logger *slog.Logger, kind string, mapping []keys.ID, nameMapping map[keys.ID]keys.ID) {
	check := func(k keys.ID) {
		if keys.IsDeprecated(k) {
			logger.Warn("deprecated key in driver config", "driver", kind, "key", k)
		}
	}
	for _, k := range mapping {
		check(k)
	}
	for from, to := range nameMapping {
		check(from)
		check(to)
	}
}

// hotplugFactory builds HID drivers for new keyboards whose name contains
// one of the match strings. An empty match list accepts every keyboard.
func hotplugFactory(cfg config.HotplugConfig, logger *slog.Logger) hotplug.Factory {
	return func(path string) (input.Driver, error) {
		name, hasKeys, err := hid.Identify(path)
		if err != nil {
			return nil, err
		}
		if !hasKeys || !matchesAny(name, cfg.Match) {
			logger.Debug("ignoring input device", "path", path, "name", name)
			return nil, nil
		}
		return hid.New(hid.Config{
			Device:  path,
			Grab:    cfg.Grab,
			Options: driver.Options{Logger: logger},
		}), nil
	}
}

func matchesAny(name string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if strings.Contains(strings.ToLower(name), strings.ToLower(p)) {
			return true
		}
	}
	return false
}
