// Package input implements the key event dispatcher: a registry of input
// drivers feeding one queue, a dispatch loop draining it, and per-context
// proxies holding the keymaps the loop resolves events against.
//
// Only one proxy is current at a time. Events are delivered in the order
// drivers produced them, one at a time, on the dispatch goroutine.
package input

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"keyshell/internal/action"
	"keyshell/internal/keys"
	"keyshell/internal/metrics"
)

// Default tuning values.
const (
	DefaultQueueSize    = 256
	DefaultPollInterval = 100 * time.Millisecond
)

// Config configures a Processor.
type Config struct {
	// QueueSize bounds the event queue. Drivers block when it is full until
	// they are detached or the processor is closed.
	QueueSize int

	// PollInterval is how long the loop waits for an event, or sleeps when
	// no proxy is attached, before checking its stop flag again.
	PollInterval time.Duration

	Logger   *slog.Logger
	Metrics  *metrics.DispatchMetrics
	Faults   FaultReporter
	Observer DriverObserver
}

// DefaultConfig returns the default processor configuration.
func DefaultConfig() Config {
	return Config{
		QueueSize:    DefaultQueueSize,
		PollInterval: DefaultPollInterval,
	}
}

// DriverObserver is told about registry changes.
type DriverObserver interface {
	DriverAttached(info DriverInfo)
	DriverDetached(info DriverInfo)
}

// Processor owns the driver registry, the event queue, the global keymap
// and the dispatch loop.
type Processor struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.DispatchMetrics
	tracker ContextTracker

	queue *queue

	mu           sync.RWMutex
	drivers      map[string]*driverEntry
	order        []string
	globalKeymap map[keys.ID]action.Binding
	current      *Proxy
	proxies      []*Proxy
	backlight    func() bool
	suspended    bool

	loopMu sync.Mutex
	gen    *generation
	nextID uint64

	closeOnce sync.Once
}

// New creates a processor and attaches the initial drivers. Initial drivers
// cannot be detached later. If any driver fails to start, the drivers
// attached so far are stopped and the error is returned.
func New(cfg Config, tracker ContextTracker, initial ...Driver) (*Processor, error) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "input")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewDispatchMetrics(metrics.NewRegistry("keyshell"))
	}

	p := &Processor{
		cfg:          cfg,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		tracker:      tracker,
		queue:        newQueue(cfg.QueueSize),
		drivers:      make(map[string]*driverEntry),
		globalKeymap: make(map[keys.ID]action.Binding),
	}

	for _, d := range initial {
		if _, err := p.attach(d, true); err != nil {
			p.stopDrivers()
			return nil, err
		}
	}

	return p, nil
}

// SetBacklightGate installs the function consulted before non-critical
// tiers. When it returns true the event is swallowed.
func (p *Processor) SetBacklightGate(gate func() bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.backlight = gate
}

// SetGlobalCallback binds a key for every context. A key can only be bound
// globally once.
func (p *Processor) SetGlobalCallback(key keys.ID, b action.Binding) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.globalKeymap[key]; ok {
		return &CallbackError{Kind: GlobalKeyTaken, Key: key}
	}
	p.globalKeymap[key] = b
	p.logger.Debug("global callback set", "key", key, "callback", action.Unwrap(b).Name())
	return nil
}

// GlobalKeymap returns a copy of the global keymap.
func (p *Processor) GlobalKeymap() map[keys.ID]action.Binding {
	p.mu.RLock()
	defer p.mu.RUnlock()

	m := make(map[keys.ID]action.Binding, len(p.globalKeymap))
	for k, v := range p.globalKeymap {
		m[k] = v
	}
	return m
}

// AttachProxy makes proxy the current one. It fails if another proxy is
// current; callers switching contexts use AttachNewProxy.
func (p *Processor) AttachProxy(proxy *Proxy) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current != nil {
		return fmt.Errorf("%w: %s", ErrProxyAttached, p.current.Context())
	}
	p.current = proxy
	p.logger.Debug("proxy attached", "context", proxy.Context())
	return nil
}

// DetachCurrentProxy clears the current proxy. Events that arrive while no
// proxy is attached wait in the queue.
func (p *Processor) DetachCurrentProxy() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current != nil {
		p.logger.Debug("proxy detached", "context", p.current.Context())
	}
	p.current = nil
}

// AttachNewProxy replaces the current proxy.
func (p *Processor) AttachNewProxy(proxy *Proxy) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.current = proxy
	p.logger.Debug("proxy attached", "context", proxy.Context())
}

// CurrentProxy returns the current proxy, or nil.
func (p *Processor) CurrentProxy() *Proxy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// RegisterProxy connects a proxy to the processor so its Listen and
// StopListen reach the loop and its available keys stay current.
func (p *Processor) RegisterProxy(proxy *Proxy) {
	p.mu.Lock()
	proxy.setProcessor(p)
	proxy.setAvailableKeys(p.availableKeysLocked())
	p.proxies = append(p.proxies, proxy)
	p.mu.Unlock()
}

// proxyCall runs fn on behalf of a proxy, but only while the proxy's
// context has focus. Background contexts must not start or stop the loop.
func (p *Processor) proxyCall(contextID, method string, fn func()) {
	if p.tracker != nil {
		if active := p.tracker.CurrentContext(); active != contextID {
			p.logger.Debug("ignoring proxy call from inactive context",
				"method", method,
				"context", contextID,
				"active", active,
			)
			return
		}
	}
	fn()
}

// Metrics returns the dispatch metrics.
func (p *Processor) Metrics() *metrics.DispatchMetrics {
	return p.metrics
}

// QueueLen returns the number of events waiting for dispatch.
func (p *Processor) QueueLen() int {
	return p.queue.len()
}

// Close stops the loop, waits for it to finish the event in flight, stops
// every driver and runs their exit hooks.
func (p *Processor) Close() error {
	var errs []error
	p.closeOnce.Do(func() {
		p.StopListen()
		p.Wait()
		errs = p.stopDrivers()
		p.atExit()
	})
	return errors.Join(errs...)
}

func (p *Processor) stopDrivers() []error {
	p.mu.Lock()
	entries := make([]*driverEntry, 0, len(p.order))
	for _, name := range p.order {
		entries = append(entries, p.drivers[name])
	}
	p.mu.Unlock()

	for _, e := range entries {
		e.halt()
	}

	var errs []error
	for _, e := range entries {
		if err := e.driver.Stop(); err != nil {
			p.logger.Warn("driver stop failed", "driver", e.name, "error", err)
			errs = append(errs, fmt.Errorf("stop %s: %w", e.name, err))
		}
	}
	return errs
}

func (p *Processor) atExit() {
	p.mu.RLock()
	entries := make([]*driverEntry, 0, len(p.order))
	for _, name := range p.order {
		entries = append(entries, p.drivers[name])
	}
	p.mu.RUnlock()

	for _, e := range entries {
		ae, ok := e.driver.(AtExiter)
		if !ok {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error("driver exit hook panicked",
						"driver", e.name,
						"panic", r,
						"stack", string(debug.Stack()),
					)
				}
			}()
			ae.AtExit()
		}()
	}
}
