// Package contexts keeps the application contexts: one input proxy each,
// exactly one of them active. Switching contexts makes the new context's
// proxy the processor's current proxy.
package contexts

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"keyshell/internal/input"
)

var (
	// ErrContextExists is returned when registering a name twice.
	ErrContextExists = errors.New("context already registered")

	// ErrUnknownContext is returned for names that were never registered.
	ErrUnknownContext = errors.New("unknown context")

	// ErrActiveContext is returned when removing the active context.
	ErrActiveContext = errors.New("context is active")

	// ErrNotBound is returned when switching before Bind.
	ErrNotBound = errors.New("context manager not bound to a processor")
)

// Manager owns the contexts. It implements input.ContextTracker.
type Manager struct {
	logger *slog.Logger

	mu       sync.RWMutex
	proc     *input.Processor
	proxies  map[string]*input.Proxy
	order    []string
	active   string
	previous string
	onSwitch []func(from, to string)
}

var _ input.ContextTracker = (*Manager)(nil)

// New creates an empty manager. The processor is created with the manager
// as its tracker and handed back through Bind.
func New(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:  logger.With("component", "contexts"),
		proxies: make(map[string]*input.Proxy),
	}
}

// Bind connects the manager to a processor and registers the proxies
// created so far.
func (m *Manager) Bind(proc *input.Processor) {
	m.mu.Lock()
	m.proc = proc
	proxies := make([]*input.Proxy, 0, len(m.order))
	for _, name := range m.order {
		proxies = append(proxies, m.proxies[name])
	}
	m.mu.Unlock()

	for _, p := range proxies {
		proc.RegisterProxy(p)
	}
}

// Register creates a context and its proxy.
func (m *Manager) Register(name string) (*input.Proxy, error) {
	m.mu.Lock()
	if _, ok := m.proxies[name]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrContextExists, name)
	}
	proxy := input.NewProxy(name)
	m.proxies[name] = proxy
	m.order = append(m.order, name)
	proc := m.proc
	m.mu.Unlock()

	if proc != nil {
		proc.RegisterProxy(proxy)
	}
	m.logger.Debug("context registered", "context", name)
	return proxy, nil
}

// Unregister removes an inactive context.
func (m *Manager) Unregister(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.proxies[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownContext, name)
	}
	if m.active == name {
		return fmt.Errorf("%w: %s", ErrActiveContext, name)
	}
	delete(m.proxies, name)
	m.order = slices.DeleteFunc(m.order, func(n string) bool { return n == name })
	if m.previous == name {
		m.previous = ""
	}
	return nil
}

// Proxy returns the proxy of a context.
func (m *Manager) Proxy(name string) (*input.Proxy, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.proxies[name]
	return p, ok
}

// Names returns the registered contexts in registration order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.order)
}

// CurrentContext implements input.ContextTracker.
func (m *Manager) CurrentContext() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// OnSwitch registers a function called after every context switch.
func (m *Manager) OnSwitch(fn func(from, to string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSwitch = append(m.onSwitch, fn)
}

// Switch makes name the active context and its proxy the current one.
func (m *Manager) Switch(name string) error {
	m.mu.Lock()
	proxy, ok := m.proxies[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownContext, name)
	}
	if m.proc == nil {
		m.mu.Unlock()
		return ErrNotBound
	}
	from := m.active
	if from != name {
		m.previous = from
	}
	m.active = name
	proc := m.proc
	hooks := slices.Clone(m.onSwitch)
	m.mu.Unlock()

	proc.AttachNewProxy(proxy)
	m.logger.Info("switched context", "from", from, "to", name)

	for _, fn := range hooks {
		fn(from, name)
	}
	return nil
}

// SwitchPrevious goes back to the context that was active before the
// current one.
func (m *Manager) SwitchPrevious() error {
	m.mu.RLock()
	prev := m.previous
	m.mu.RUnlock()

	if prev == "" {
		return fmt.Errorf("%w: no previous context", ErrUnknownContext)
	}
	return m.Switch(prev)
}
