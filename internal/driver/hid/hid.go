// Package hid reads keys from evdev input devices: USB and Bluetooth
// keyboards, keypads and the like.
package hid

import (
	"errors"
	"strings"
	"time"

	"keyshell/internal/driver"
	"keyshell/internal/keys"
)

// ErrUnsupported is returned on platforms without evdev.
var ErrUnsupported = errors.New("hid driver requires linux evdev")

// Config configures a keyboard.
type Config struct {
	// Device is an evdev device path (/dev/input/eventN) or a device name.
	// Empty picks the first device that reports keys.
	Device string

	// Grab takes exclusive access so keys do not also reach the console.
	Grab bool

	// FilterHeld drops auto-repeat events.
	FilterHeld bool

	// ProbeInterval is how often a vanished device is looked for.
	ProbeInterval time.Duration

	Options driver.Options
}

// Keyboard is an evdev-backed driver.
type Keyboard struct {
	*driver.Base
	cfg Config

	sup *driver.Supervisor
}

// New creates a keyboard driver.
func New(cfg Config) *Keyboard {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = time.Second
	}
	return &Keyboard{
		Base: driver.NewBase("hid", nil, cfg.Options),
		cfg:  cfg,
	}
}

// Device returns the configured device.
func (k *Keyboard) Device() string {
	return k.cfg.Device
}

// State returns the connection state of the device.
func (k *Keyboard) State() driver.DeviceState {
	if k.sup == nil {
		return driver.StateStopped
	}
	return k.sup.State()
}

// handle translates one evdev key event and forwards it.
func (k *Keyboard) handle(codeName string, value int32) {
	key, state, ok := translate(codeName, value)
	if !ok {
		return
	}
	if k.cfg.FilterHeld && state == keys.Held {
		return
	}
	k.MapAndSend(key, state)
}

// translate converts an evdev code name and value to a key event. Codes
// with several names ("KEY_COFFEE/KEY_SCREENLOCK") are joined with "+".
func translate(codeName string, value int32) (keys.ID, keys.State, bool) {
	if !strings.HasPrefix(codeName, "KEY_") {
		return "", keys.StateNone, false
	}
	state, ok := keys.StateFromEvdev(value)
	if !ok {
		return "", keys.StateNone, false
	}
	return keys.ID(strings.ReplaceAll(codeName, "/", "+")), state, true
}

// isPath reports whether device names a device node rather than a device
// name.
func isPath(device string) bool {
	return strings.HasPrefix(device, "/")
}
