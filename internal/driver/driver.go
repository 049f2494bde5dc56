// Package driver holds the pieces shared by the input drivers: the send
// hook the processor rewires, key mapping, the enable flag, reattach
// callbacks and the goroutine lifecycle.
package driver

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"

	"keyshell/internal/keys"
)

var (
	// ErrAlreadyRunning is returned when starting a running driver.
	ErrAlreadyRunning = errors.New("driver already running")

	// ErrNoDevice is returned when the configured device cannot be found.
	ErrNoDevice = errors.New("input device not found")
)

// Options configures the shared driver behavior.
type Options struct {
	// Mapping maps pin or bit indexes to keys. Drivers fall back to their
	// default mapping when it is empty.
	Mapping []keys.ID

	// NameMapping renames keys after they are decoded.
	NameMapping map[keys.ID]keys.ID

	Logger *slog.Logger
}

// Base implements the bookkeeping every driver shares. Drivers embed it and
// provide Start and Stop.
type Base struct {
	kind   string
	logger *slog.Logger

	mu          sync.RWMutex
	send        keys.SendFunc
	enabled     bool
	mapping     []keys.ID
	nameMapping map[keys.ID]keys.ID
	available   []keys.ID
	reattach    []func()
	keysChanged []func()

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewBase creates the shared state for a driver of the given kind.
func NewBase(kind string, defaultMapping []keys.ID, opts Options) *Base {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mapping := opts.Mapping
	if len(mapping) == 0 {
		mapping = defaultMapping
	}

	b := &Base{
		kind:        kind,
		logger:      logger.With("component", "driver", "kind", kind),
		enabled:     true,
		mapping:     slices.Clone(mapping),
		nameMapping: make(map[keys.ID]keys.ID, len(opts.NameMapping)),
	}
	for from, to := range opts.NameMapping {
		b.nameMapping[from] = to
	}
	b.available = b.mapAll(b.mapping)
	return b
}

// Kind returns the driver type.
func (b *Base) Kind() string {
	return b.kind
}

// Logger returns the driver logger.
func (b *Base) Logger() *slog.Logger {
	return b.logger
}

// AvailableKeys returns the keys the driver can produce.
func (b *Base) AvailableKeys() []keys.ID {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.available)
}

// SetAvailableKeys replaces the available keys, applying the name mapping.
// Drivers that learn their key set from the device call it once connected.
// Functions registered with OnKeysChanged run when the set differs.
func (b *Base) SetAvailableKeys(ks []keys.ID) {
	mapped := b.mapAll(ks)
	b.mu.Lock()
	changed := !slices.Equal(b.available, mapped)
	b.available = mapped
	fns := slices.Clone(b.keysChanged)
	b.mu.Unlock()

	if changed {
		b.runCallbacks("keys changed", fns)
	}
}

// OnKeysChanged registers a function to run when the available keys change.
func (b *Base) OnKeysChanged(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.keysChanged = append(b.keysChanged, fn)
}

// SetSendKey installs fn and returns the previous send function.
func (b *Base) SetSendKey(fn keys.SendFunc) keys.SendFunc {
	b.mu.Lock()
	defer b.mu.Unlock()
	old := b.send
	b.send = fn
	return old
}

// SetEnabled enables or disables the driver. Disabled drivers drop events.
func (b *Base) SetEnabled(enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enabled = enabled
}

// Enabled reports whether events are forwarded.
func (b *Base) Enabled() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.enabled
}

// KeyAt returns the key mapped to a pin or bit index.
func (b *Base) KeyAt(i int) (keys.ID, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if i < 0 || i >= len(b.mapping) {
		return "", false
	}
	return b.mapping[i], true
}

// Mapping returns the index mapping.
func (b *Base) Mapping() []keys.ID {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.mapping)
}

// Send forwards an event unless the driver is disabled or has no send
// function.
func (b *Base) Send(key keys.ID, state keys.State) {
	b.mu.RLock()
	send, enabled := b.send, b.enabled
	b.mu.RUnlock()

	if !enabled || send == nil {
		return
	}
	send(key, state)
}

// MapAndSend applies the name mapping to key and forwards it.
func (b *Base) MapAndSend(key keys.ID, state keys.State) {
	b.Send(b.mapName(key), state)
}

// SendIndex sends the key mapped to a pin or bit index.
func (b *Base) SendIndex(i int, state keys.State) {
	key, ok := b.KeyAt(i)
	if !ok {
		b.logger.Warn("no key mapped to index", "index", i)
		return
	}
	b.MapAndSend(key, state)
}

// OnReattach registers a function to run every time the device comes back.
func (b *Base) OnReattach(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reattach = append(b.reattach, fn)
}

// Reattached runs the reattach callbacks. A panicking callback does not stop
// the others.
func (b *Base) Reattached() {
	b.mu.RLock()
	fns := slices.Clone(b.reattach)
	b.mu.RUnlock()
	b.runCallbacks("reattach", fns)
}

func (b *Base) runCallbacks(what string, fns []func()) {
	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error(what+" callback panicked",
						"panic", r,
						"stack", string(debug.Stack()),
					)
				}
			}()
			fn()
		}()
	}
}

// Run starts run on its own goroutine. The context is canceled by Halt.
func (b *Base) Run(run func(ctx context.Context)) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	if b.done != nil {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	b.cancel, b.done = cancel, done

	go func() {
		defer close(done)
		run(ctx)
	}()
	return nil
}

// Halt cancels the goroutine started by Run and waits for it.
func (b *Base) Halt() {
	b.runMu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel, b.done = nil, nil
	b.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the driver goroutine is running.
func (b *Base) Running() bool {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	return b.done != nil
}

func (b *Base) mapName(key keys.ID) keys.ID {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if to, ok := b.nameMapping[key]; ok {
		return to
	}
	return key
}

func (b *Base) mapAll(ks []keys.ID) []keys.ID {
	out := make([]keys.ID, 0, len(ks))
	for _, k := range ks {
		mapped := b.mapName(k)
		if !slices.Contains(out, mapped) {
			out = append(out, mapped)
		}
	}
	return out
}
