package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading, watching, and hot-reloading.
type Loader struct {
	path     string
	logger   *slog.Logger
	debounce time.Duration

	mu       sync.RWMutex
	config   *Config
	onChange []func(old, new *Config)

	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	errChan chan error
}

// NewLoader creates a configuration loader for path.
func NewLoader(path string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Loader{
		path:     path,
		logger:   logger.With("component", "config"),
		debounce: 100 * time.Millisecond,
		errChan:  make(chan error, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Path returns the watched file.
func (l *Loader) Path() string {
	return l.path
}

// Load reads, overrides from the environment and validates the
// configuration. A missing file yields the defaults.
func (l *Loader) Load() (*Config, error) {
	cfg, err := loadConfigFromFile(l.path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	l.mu.Lock()
	l.config = cfg
	l.mu.Unlock()
	return cfg, nil
}

// Config returns the current configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

// OnChange registers a callback invoked with the old and new configuration
// after every successful reload.
func (l *Loader) OnChange(cb func(old, new *Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, cb)
}

// Errors returns a channel for errors that occur while watching.
func (l *Loader) Errors() <-chan error {
	return l.errChan
}

// Watch reloads the configuration whenever the file changes. The directory
// is watched so editors that replace the file are handled.
func (l *Loader) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch directory: %w", err)
	}

	l.watcher = watcher
	l.done = make(chan struct{})
	go l.watchLoop()
	return nil
}

func (l *Loader) watchLoop() {
	defer close(l.done)

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-l.ctx.Done():
			return

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(l.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(l.debounce, l.reload)

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.report(err)
		}
	}
}

// Reload re-reads the file now. An invalid file leaves the current
// configuration in place.
func (l *Loader) Reload() error {
	newCfg, err := loadConfigFromFile(l.path)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}
	newCfg.ApplyEnvOverrides()
	if err := newCfg.Validate(); err != nil {
		return fmt.Errorf("validate new config: %w", err)
	}

	l.mu.Lock()
	oldCfg := l.config
	l.config = newCfg
	callbacks := append([]func(old, new *Config){}, l.onChange...)
	l.mu.Unlock()

	l.logger.Info("configuration reloaded", "path", l.path)
	for _, cb := range callbacks {
		cb(oldCfg, newCfg)
	}
	return nil
}

func (l *Loader) reload() {
	if err := l.Reload(); err != nil {
		l.logger.Warn("keeping previous configuration", "error", err)
		l.report(err)
	}
}

func (l *Loader) report(err error) {
	select {
	case l.errChan <- err:
	default:
	}
}

// Close stops the watcher.
func (l *Loader) Close() error {
	l.cancel()
	if l.watcher == nil {
		return nil
	}
	err := l.watcher.Close()
	<-l.done
	return err
}

// Load reads the configuration at path without watching it. An empty path
// searches the standard locations.
func Load(path string) (*Config, error) {
	if path == "" {
		path = FindConfigFile()
	}
	if path == "" {
		cfg := DefaultConfig()
		cfg.ApplyEnvOverrides()
		return cfg, cfg.Validate()
	}
	return NewLoader(path, nil).Load()
}

// loadConfigFromFile reads and parses a config file based on its extension.
func loadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()

	switch filepath.Ext(path) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		cfg, err = autoDetectAndParse(data)
		if err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	return cfg, nil
}

// autoDetectAndParse tries TOML, then JSON, then YAML. Each attempt starts
// from fresh defaults so a failed attempt leaves nothing behind.
func autoDetectAndParse(data []byte) (*Config, error) {
	decoders := []func(*Config) error{
		func(c *Config) error { _, err := toml.Decode(string(data), c); return err },
		func(c *Config) error { return json.Unmarshal(data, c) },
		func(c *Config) error { return yaml.Unmarshal(data, c) },
	}
	for _, decode := range decoders {
		cfg := DefaultConfig()
		if err := decode(cfg); err == nil {
			return cfg, nil
		}
	}
	return nil, fmt.Errorf("unable to parse config file (tried TOML, JSON, YAML)")
}

// SaveConfig writes cfg as TOML.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	clone := cfg.Clone()
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(clone); err != nil {
		return fmt.Errorf("encode TOML: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
