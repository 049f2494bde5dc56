// Package gpio drives pushbuttons wired straight to GPIO pins. Button state
// changes become Pressed and Released events.
package gpio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"keyshell/internal/driver"
	"keyshell/internal/keys"
)

// DefaultSysfsRoot is where the kernel exposes the sysfs GPIO interface.
const DefaultSysfsRoot = "/sys/class/gpio"

// ErrUnsupported is returned on platforms without sysfs GPIO.
var ErrUnsupported = errors.New("gpio requires linux sysfs")

// DefaultMapping is the key order of the common eight-button keypad.
var DefaultMapping = []keys.ID{
	keys.Up,
	keys.Down,
	keys.Left,
	keys.Right,
	keys.Enter,
	keys.F3,
	keys.F4,
	keys.Prog1,
}

// Line is one input pin.
type Line interface {
	// Value returns the electrical level of the pin.
	Value() (bool, error)
	Close() error
}

// Config configures a button set.
type Config struct {
	// Pins are GPIO numbers, in mapping order.
	Pins []int

	// ActiveHigh means a pressed button reads high. Buttons to ground with
	// pull-ups, the usual wiring, are active low.
	ActiveHigh bool

	// Pullups records that the buttons rely on pull-ups. Sysfs cannot set
	// bias, so they must come from the device tree or the board.
	Pullups bool

	// PollInterval bounds how long a missed edge can go unnoticed.
	PollInterval time.Duration

	SysfsRoot string

	Options driver.Options
}

// Buttons is a GPIO pushbutton driver.
type Buttons struct {
	*driver.Base
	cfg Config

	mu     sync.Mutex
	lines  []Line
	states []bool
	open   func() ([]Line, waitFunc, error)
}

// waitFunc blocks until an edge is seen, the timeout passes, or ctx is done.
type waitFunc func(ctx context.Context, timeout time.Duration) error

// New creates a button driver.
func New(cfg Config) *Buttons {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	if cfg.SysfsRoot == "" {
		cfg.SysfsRoot = DefaultSysfsRoot
	}
	b := &Buttons{
		Base: driver.NewBase("gpio", DefaultMapping, cfg.Options),
		cfg:  cfg,
	}
	b.open = b.openSysfs
	if len(cfg.Pins) < len(b.Mapping()) {
		b.SetAvailableKeys(b.Mapping()[:len(cfg.Pins)])
	}
	return b
}

// Start exports the pins and starts watching them.
func (b *Buttons) Start() error {
	if !b.cfg.Pullups {
		b.Logger().Debug("pull-ups disabled, expecting external pull resistors")
	}

	lines, wait, err := b.open()
	if err != nil {
		return err
	}
	if err := b.init(lines); err != nil {
		closeAll(lines)
		return err
	}

	return b.Run(func(ctx context.Context) {
		defer closeAll(lines)
		for ctx.Err() == nil {
			if err := wait(ctx, b.cfg.PollInterval); err != nil && ctx.Err() == nil {
				b.Logger().Warn("gpio wait failed", "error", err)
				time.Sleep(b.cfg.PollInterval)
			}
			b.scan()
		}
	})
}

// Stop stops watching the pins.
func (b *Buttons) Stop() error {
	b.Halt()
	return nil
}

func (b *Buttons) init(lines []Line) error {
	states := make([]bool, len(lines))
	for i, l := range lines {
		v, err := l.Value()
		if err != nil {
			return fmt.Errorf("read pin %d: %w", b.pin(i), err)
		}
		states[i] = v
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines, b.states = lines, states
	return nil
}

// scan reads every pin and reports the ones that changed. Changes seen while
// the driver is disabled are absorbed without events.
func (b *Buttons) scan() {
	b.mu.Lock()
	type change struct {
		index   int
		pressed bool
	}
	var changes []change
	for i, l := range b.lines {
		v, err := l.Value()
		if err != nil {
			b.Logger().Warn("gpio read failed", "pin", b.pin(i), "error", err)
			continue
		}
		if v == b.states[i] {
			continue
		}
		b.states[i] = v
		changes = append(changes, change{index: i, pressed: v == b.cfg.ActiveHigh})
	}
	b.mu.Unlock()

	for _, c := range changes {
		state := keys.Released
		if c.pressed {
			state = keys.Pressed
		}
		b.SendIndex(c.index, state)
	}
}

func (b *Buttons) pin(i int) int {
	if i < len(b.cfg.Pins) {
		return b.cfg.Pins[i]
	}
	return -1
}

func closeAll(lines []Line) {
	for _, l := range lines {
		l.Close()
	}
}
