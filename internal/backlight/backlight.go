// Package backlight turns the screen off after a period without input and
// back on at the next key. The first key after the screen went dark only
// wakes it; Wake is the gate the input processor consults.
package backlight

import (
	"log/slog"
	"sync"
	"time"
)

// Setter changes the panel brightness.
type Setter interface {
	SetBrightness(level int) error
}

// Config configures a Backlight.
type Config struct {
	// Timeout is the idle time before the screen turns off. Zero keeps the
	// screen on.
	Timeout time.Duration

	// Brightness is the level used when the screen is on.
	Brightness int

	Logger *slog.Logger
}

// Backlight tracks activity and drives a Setter.
type Backlight struct {
	setter Setter
	logger *slog.Logger
	now    func() time.Time

	mu           sync.Mutex
	timeout      time.Duration
	brightness   int
	on           bool
	lastActivity time.Time

	stopCh chan struct{}
	done   chan struct{}
}

// New creates a backlight controller. The screen is assumed to be on.
func New(cfg Config, setter Setter) *Backlight {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Backlight{
		setter:       setter,
		logger:       logger.With("component", "backlight"),
		now:          time.Now,
		timeout:      cfg.Timeout,
		brightness:   cfg.Brightness,
		on:           true,
		lastActivity: time.Now(),
	}
}

// Wake records activity and turns the screen on. It reports whether the
// screen was off, in which case the key that caused it should be dropped.
func (b *Backlight) Wake() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastActivity = b.now()
	if b.on {
		return false
	}
	if err := b.setter.SetBrightness(b.brightness); err != nil {
		// Input must keep working with a broken panel.
		b.logger.Warn("turning backlight on failed", "error", err)
		return false
	}
	b.on = true
	b.logger.Debug("backlight on")
	return true
}

// IsOn reports whether the screen is on.
func (b *Backlight) IsOn() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.on
}

// SetTimeout changes the idle timeout.
func (b *Backlight) SetTimeout(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.timeout = d
	b.logger.Info("backlight timeout changed", "timeout", d)
}

// SetBrightness changes the on level, applying it right away if the screen
// is on.
func (b *Backlight) SetBrightness(level int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.brightness = level
	if !b.on {
		return nil
	}
	return b.setter.SetBrightness(level)
}

// TurnOff turns the screen off now.
func (b *Backlight) TurnOff() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.turnOffLocked()
}

func (b *Backlight) turnOffLocked() error {
	if !b.on {
		return nil
	}
	if err := b.setter.SetBrightness(0); err != nil {
		return err
	}
	b.on = false
	b.logger.Debug("backlight off")
	return nil
}

// check turns the screen off if it has been idle for the timeout.
func (b *Backlight) check() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.on || b.timeout <= 0 {
		return
	}
	if b.now().Sub(b.lastActivity) < b.timeout {
		return
	}
	if err := b.turnOffLocked(); err != nil {
		b.logger.Warn("turning backlight off failed", "error", err)
	}
}

// Start checks for idleness every interval.
func (b *Backlight) Start(interval time.Duration) {
	b.mu.Lock()
	if b.stopCh != nil {
		b.mu.Unlock()
		return
	}
	b.stopCh = make(chan struct{})
	b.done = make(chan struct{})
	stopCh, done := b.stopCh, b.done
	b.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				b.check()
			}
		}
	}()
}

// Stop stops the idle checks and turns the screen back on.
func (b *Backlight) Stop() {
	b.mu.Lock()
	stopCh, done := b.stopCh, b.done
	b.stopCh, b.done = nil, nil
	b.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		<-done
	}
	b.Wake()
}
