//go:build linux

package hid

import (
	"context"
	"fmt"
	"slices"

	"github.com/holoplot/go-evdev"

	"keyshell/internal/driver"
	"keyshell/internal/keys"
)

// Start finds the device and starts reading it. A device that disappears
// later is waited for and reopened.
func (k *Keyboard) Start() error {
	if _, err := findDevice(k.cfg.Device); err != nil {
		return err
	}

	s := &session{k: k}
	k.sup = &driver.Supervisor{
		Device:           s,
		ProbeInterval:    k.cfg.ProbeInterval,
		MaxProbeInterval: 10 * k.cfg.ProbeInterval,
		Logger:           k.Logger().With("device", k.cfg.Device),
		OnReattach:       k.Reattached,
	}
	return k.Run(k.sup.Run)
}

// Stop stops reading and releases the device.
func (k *Keyboard) Stop() error {
	k.Halt()
	return nil
}

// session is one open evdev device as seen by the supervisor.
type session struct {
	k    *Keyboard
	path string
	dev  *evdev.InputDevice
}

func (s *session) Init() error {
	path, err := findDevice(s.k.cfg.Device)
	if err != nil {
		return err
	}
	dev, err := evdev.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	if s.k.cfg.Grab {
		if err := dev.Grab(); err != nil {
			dev.Close()
			return fmt.Errorf("grab %s: %w", path, err)
		}
	}

	s.path, s.dev = path, dev
	s.k.SetAvailableKeys(capableKeys(dev))

	name, _ := dev.Name()
	s.k.Logger().Info("input device opened", "path", path, "name", name)
	return nil
}

func (s *session) Probe() error {
	_, err := findDevice(s.k.cfg.Device)
	return err
}

func (s *session) Serve(ctx context.Context) error {
	dev := s.dev
	defer dev.Close()

	// ReadOne blocks; closing the device is the only way to interrupt it.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			dev.Close()
		case <-stop:
		}
	}()

	for {
		ev, err := dev.ReadOne()
		if err != nil {
			return fmt.Errorf("read %s: %w", s.path, err)
		}
		if ev.Type != evdev.EV_KEY {
			continue
		}
		s.k.handle(ev.CodeName(), ev.Value)
	}
}

// findDevice resolves a device path or name to a device path.
func findDevice(device string) (string, error) {
	if isPath(device) {
		dev, err := evdev.Open(device)
		if err != nil {
			return "", fmt.Errorf("%w: %s: %v", driver.ErrNoDevice, device, err)
		}
		dev.Close()
		return device, nil
	}

	paths, err := evdev.ListDevicePaths()
	if err != nil {
		return "", fmt.Errorf("list input devices: %w", err)
	}
	for _, p := range paths {
		if device != "" && p.Name == device {
			return p.Path, nil
		}
		if device == "" && reportsKeys(p.Path) {
			return p.Path, nil
		}
	}
	if device == "" {
		return "", fmt.Errorf("%w: no device reports keys", driver.ErrNoDevice)
	}
	return "", fmt.Errorf("%w: %q", driver.ErrNoDevice, device)
}

func reportsKeys(path string) bool {
	dev, err := evdev.Open(path)
	if err != nil {
		return false
	}
	defer dev.Close()
	return slices.Contains(dev.CapableTypes(), evdev.EV_KEY)
}

func capableKeys(dev *evdev.InputDevice) []keys.ID {
	var ks []keys.ID
	for _, code := range dev.CapableEvents(evdev.EV_KEY) {
		name, ok := evdev.KEYToString[code]
		if !ok {
			continue
		}
		if key, _, ok := translate(name, 1); ok {
			ks = append(ks, key)
		}
	}
	return ks
}

// Identify opens the device at path and reports its name and whether it
// reports keys at all.
func Identify(path string) (name string, hasKeys bool, err error) {
	dev, err := evdev.Open(path)
	if err != nil {
		return "", false, err
	}
	defer dev.Close()

	name, err = dev.Name()
	if err != nil {
		return "", false, fmt.Errorf("read device name: %w", err)
	}
	return name, slices.Contains(dev.CapableTypes(), evdev.EV_KEY), nil
}
