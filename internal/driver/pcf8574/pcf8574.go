// Package pcf8574 reads buttons wired to a PCF8574 I2C IO expander. All
// eight pins are treated as buttons to ground.
//
// The expander only tells us levels, so the driver reports a key, without a
// state, when its button is let go. If the expander stops answering the
// driver waits for it to come back and runs the reattach callbacks.
package pcf8574

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"keyshell/internal/driver"
	"keyshell/internal/keys"
)

// DefaultAddr is the usual address of a PCF8574A with all address pins high.
const DefaultAddr = 0x3f

// ErrUnsupported is returned on platforms without i2c-dev.
var ErrUnsupported = errors.New("pcf8574 requires linux i2c-dev")

// DefaultMapping is the button order of the reference keypad board.
var DefaultMapping = []keys.ID{
	keys.Up,
	keys.Prog1,
	keys.Right,
	keys.F3,
	keys.Down,
	keys.Left,
	keys.F4,
	keys.Enter,
}

// Bus is an I2C connection to one device address.
type Bus interface {
	WriteByte(b byte) error
	ReadByte() (byte, error)
	Close() error
}

// Config configures an expander.
type Config struct {
	Bus  int
	Addr uint16

	// IntPin is the GPIO wired to the expander's INT output; negative means
	// polling.
	IntPin int

	PollInterval  time.Duration
	ProbeInterval time.Duration

	// SysfsRoot locates the sysfs GPIO interface for IntPin.
	SysfsRoot string

	Options driver.Options
}

// Expander is a PCF8574 button driver.
type Expander struct {
	*driver.Base
	cfg Config

	openBus  func() (Bus, error)
	openWait func() (waitFunc, func(), error)

	mu   sync.Mutex
	bus  Bus
	prev byte

	sup *driver.Supervisor
}

type waitFunc func(ctx context.Context, timeout time.Duration) error

// New creates an expander driver.
func New(cfg Config) *Expander {
	if cfg.Addr == 0 {
		cfg.Addr = DefaultAddr
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = time.Second
	}
	e := &Expander{
		Base: driver.NewBase("pcf8574", DefaultMapping, cfg.Options),
		cfg:  cfg,
	}
	e.openBus = e.openI2C
	e.openWait = e.openInterrupt
	return e
}

// Start begins reading the expander. It fails if the expander is absent at
// startup; later disappearances are ridden out.
func (e *Expander) Start() error {
	if err := e.Probe(); err != nil {
		return err
	}

	e.sup = &driver.Supervisor{
		Device:           e,
		ProbeInterval:    e.cfg.ProbeInterval,
		MaxProbeInterval: e.cfg.ProbeInterval,
		Logger:           e.Logger().With("bus", e.cfg.Bus, "addr", fmt.Sprintf("%#x", e.cfg.Addr)),
		OnReattach:       e.Reattached,
	}
	return e.Run(e.sup.Run)
}

// Stop stops reading the expander.
func (e *Expander) Stop() error {
	e.Halt()
	e.closeBus()
	return nil
}

// State returns the connection state of the expander.
func (e *Expander) State() driver.DeviceState {
	if e.sup == nil {
		return driver.StateStopped
	}
	return e.sup.State()
}

// Init sets every pin high so the buttons can pull them down.
func (e *Expander) Init() error {
	bus, err := e.connect()
	if err != nil {
		return err
	}
	if err := bus.WriteByte(0xff); err != nil {
		e.closeBus()
		return fmt.Errorf("init pcf8574: %w", err)
	}
	return nil
}

// Probe checks whether the expander answers.
func (e *Expander) Probe() error {
	bus, err := e.connect()
	if err != nil {
		return err
	}
	if _, err := bus.ReadByte(); err != nil {
		e.closeBus()
		return fmt.Errorf("probe pcf8574: %w", err)
	}
	return nil
}

// Serve reads the expander until it fails or ctx is done.
func (e *Expander) Serve(ctx context.Context) error {
	wait, closeWait, err := e.waiter()
	if err != nil {
		return err
	}
	defer closeWait()

	for {
		if err := wait(ctx, e.cfg.PollInterval); err != nil && ctx.Err() == nil {
			e.Logger().Warn("interrupt wait failed", "error", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !e.Enabled() {
			continue
		}
		if err := e.poll(); err != nil {
			e.closeBus()
			return err
		}
	}
}

// poll reads the pins once and reports released buttons.
func (e *Expander) poll() error {
	e.mu.Lock()
	bus := e.bus
	e.mu.Unlock()
	if bus == nil {
		return errors.New("pcf8574 bus closed")
	}

	raw, err := bus.ReadByte()
	if err != nil {
		return fmt.Errorf("read pcf8574: %w", err)
	}
	e.process(^raw)
	return nil
}

// process compares data, where a set bit is a pressed button, with the
// previous reading.
func (e *Expander) process(data byte) {
	e.mu.Lock()
	changed := data ^ e.prev
	e.prev = data
	e.mu.Unlock()

	for i := 0; i < 8; i++ {
		bit := byte(1) << i
		if changed&bit != 0 && data&bit == 0 {
			e.SendIndex(i, keys.StateNone)
		}
	}
}

func (e *Expander) waiter() (waitFunc, func(), error) {
	if e.cfg.IntPin < 0 {
		return sleepWait, func() {}, nil
	}
	return e.openWait()
}

func sleepWait(ctx context.Context, timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (e *Expander) connect() (Bus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.bus != nil {
		return e.bus, nil
	}
	bus, err := e.openBus()
	if err != nil {
		return nil, err
	}
	e.bus = bus
	return bus, nil
}

func (e *Expander) closeBus() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.bus != nil {
		e.bus.Close()
		e.bus = nil
	}
}
