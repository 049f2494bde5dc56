// Package hotplug attaches drivers for input devices that appear after
// startup and detaches them when they go away.
package hotplug

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"keyshell/internal/input"
)

// DefaultDir is where evdev device nodes live.
const DefaultDir = "/dev/input"

// ErrAlreadyWatching is returned by Start on a running manager.
var ErrAlreadyWatching = errors.New("already watching")

// Attacher is the part of the processor the manager drives.
type Attacher interface {
	AttachDriver(d input.Driver) (string, error)
	DetachDriver(name string) error
}

// Factory builds a driver for a device node. It returns a nil driver for
// devices that should be left alone.
type Factory func(path string) (input.Driver, error)

// Config configures a Manager.
type Config struct {
	// Dir is the directory watched for device nodes.
	Dir string

	// Settle is how long a new node is given before it is opened, so udev
	// can fix its permissions.
	Settle time.Duration

	Logger *slog.Logger
}

// Manager watches a device directory.
type Manager struct {
	cfg      Config
	attacher Attacher
	factory  Factory
	logger   *slog.Logger

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	done     chan struct{}
	attached map[string]string
	ignored  map[string]bool
}

// New creates a manager.
func New(cfg Config, a Attacher, f Factory) *Manager {
	if cfg.Dir == "" {
		cfg.Dir = DefaultDir
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 100 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		attacher: a,
		factory:  f,
		logger:   logger.With("component", "hotplug"),
		attached: make(map[string]string),
		ignored:  make(map[string]bool),
	}
}

// Ignore excludes a device node, typically one a configured driver already
// reads.
func (m *Manager) Ignore(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ignored[filepath.Clean(path)] = true
}

// Attached returns the device nodes with an attached driver, mapped to the
// driver name.
func (m *Manager) Attached() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.attached)
}

// Start begins watching. Devices already present are not attached; they
// are either configured or were there before the application started.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.watcher != nil {
		return ErrAlreadyWatching
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(m.cfg.Dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", m.cfg.Dir, err)
	}

	m.watcher = watcher
	m.stopCh = make(chan struct{})
	m.done = make(chan struct{})
	go m.watchLoop(watcher, m.stopCh, m.done)

	m.logger.Info("watching for input devices", "dir", m.cfg.Dir)
	return nil
}

// Stop stops watching and detaches every driver the manager attached.
func (m *Manager) Stop() error {
	m.mu.Lock()
	watcher, stopCh, done := m.watcher, m.stopCh, m.done
	m.watcher = nil
	m.mu.Unlock()

	if watcher == nil {
		return nil
	}
	close(stopCh)
	err := watcher.Close()
	<-done

	m.mu.Lock()
	attached := maps.Clone(m.attached)
	clear(m.attached)
	m.mu.Unlock()

	for path, name := range attached {
		if derr := m.attacher.DetachDriver(name); derr != nil {
			m.logger.Warn("detach failed", "path", path, "driver", name, "error", derr)
		}
	}
	return err
}

func (m *Manager) watchLoop(w *fsnotify.Watcher, stopCh, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-stopCh:
			return
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			m.handle(event, stopCh)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			m.logger.Warn("watcher error", "error", err)
		}
	}
}

func (m *Manager) handle(event fsnotify.Event, stopCh chan struct{}) {
	if !isEventNode(event.Name) {
		return
	}
	path := filepath.Clean(event.Name)

	switch {
	case event.Has(fsnotify.Create):
		select {
		case <-time.After(m.cfg.Settle):
		case <-stopCh:
			return
		}
		if _, err := os.Stat(path); err != nil {
			return
		}
		m.deviceAdded(path)
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		m.deviceRemoved(path)
	}
}

func (m *Manager) deviceAdded(path string) {
	m.mu.Lock()
	skip := m.ignored[path] || m.attached[path] != ""
	m.mu.Unlock()
	if skip {
		return
	}

	d, err := m.factory(path)
	if err != nil {
		m.logger.Warn("cannot create driver", "path", path, "error", err)
		return
	}
	if d == nil {
		m.logger.Debug("ignoring device", "path", path)
		return
	}

	name, err := m.attacher.AttachDriver(d)
	if err != nil {
		m.logger.Warn("attach failed", "path", path, "error", err)
		return
	}

	m.mu.Lock()
	m.attached[path] = name
	m.mu.Unlock()
	m.logger.Info("device connected", "path", path, "driver", name)
}

func (m *Manager) deviceRemoved(path string) {
	m.mu.Lock()
	name, ok := m.attached[path]
	delete(m.attached, path)
	m.mu.Unlock()
	if !ok {
		return
	}

	if err := m.attacher.DetachDriver(name); err != nil {
		m.logger.Warn("detach failed", "path", path, "driver", name, "error", err)
		return
	}
	m.logger.Info("device disconnected", "path", path, "driver", name)
}

func isEventNode(path string) bool {
	return strings.HasPrefix(filepath.Base(path), "event")
}
