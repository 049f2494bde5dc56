// Package virtual provides a keypad driven from code: the control socket
// injects keys through it, and tests use it in place of hardware.
package virtual

import (
	"errors"
	"sync/atomic"

	"keyshell/internal/driver"
	"keyshell/internal/keys"
)

// ErrNotStarted is returned when injecting into a stopped keypad.
var ErrNotStarted = errors.New("virtual keypad not started")

// Keypad is a driver whose events come from Inject.
type Keypad struct {
	*driver.Base
	started atomic.Bool
}

// New creates a virtual keypad. The available keys default to every key
// the application knows about.
func New(available []keys.ID, opts driver.Options) *Keypad {
	if len(available) == 0 {
		available = keys.All()
	}
	b := driver.NewBase("virtual", nil, opts)
	b.SetAvailableKeys(available)
	return &Keypad{Base: b}
}

// Start implements input.Driver.
func (k *Keypad) Start() error {
	k.started.Store(true)
	return nil
}

// Stop implements input.Driver.
func (k *Keypad) Stop() error {
	k.started.Store(false)
	return nil
}

// Inject validates ev and sends it as if a device produced it.
func (k *Keypad) Inject(ev keys.Event) error {
	if !k.started.Load() {
		return ErrNotStarted
	}
	if err := ev.Validate(); err != nil {
		return err
	}
	k.MapAndSend(ev.Key, ev.State)
	return nil
}

// Press injects a press followed by a release.
func (k *Keypad) Press(key keys.ID) error {
	if err := k.Inject(keys.Event{Key: key, State: keys.Pressed}); err != nil {
		return err
	}
	return k.Inject(keys.Event{Key: key, State: keys.Released})
}
