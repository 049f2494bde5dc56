// Package config handles configuration loading and validation for keyshell.
package config

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"keyshell/internal/keys"
)

// Version is the current configuration schema version.
const Version = 1

// Driver kinds.
const (
	DriverHID     = "hid"
	DriverGPIO    = "gpio"
	DriverPCF8574 = "pcf8574"
	DriverVirtual = "virtual"
)

// Global key actions.
const (
	ActionExec         = "exec"
	ActionContext      = "context"
	ActionBacklightOff = "backlight_off"
)

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Input configures the processor and the initial drivers.
	Input InputConfig `toml:"input" json:"input" yaml:"input"`

	// Hotplug configures attaching HID keyboards as they appear.
	Hotplug HotplugConfig `toml:"hotplug" json:"hotplug" yaml:"hotplug"`

	// Backlight configures the screen idle timeout.
	Backlight BacklightConfig `toml:"backlight" json:"backlight" yaml:"backlight"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// IPC configures the control socket.
	IPC IPCConfig `toml:"ipc" json:"ipc" yaml:"ipc"`

	// Journal configures the fault journal.
	Journal JournalConfig `toml:"journal" json:"journal" yaml:"journal"`

	// GlobalKeys are bound for every context.
	GlobalKeys []GlobalKeyConfig `toml:"global_keys" json:"global_keys" yaml:"global_keys"`

	// mu protects concurrent access to the config.
	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// InputConfig configures the input processor.
type InputConfig struct {
	// QueueSize bounds the event queue.
	QueueSize int `toml:"queue_size" json:"queue_size" yaml:"queue_size"`

	// PollIntervalMs is how often the dispatch loop checks its stop flag.
	PollIntervalMs int `toml:"poll_interval_ms" json:"poll_interval_ms" yaml:"poll_interval_ms"`

	// Drivers are attached at startup and cannot be detached.
	Drivers DriverList `toml:"drivers" json:"drivers" yaml:"drivers"`
}

// DriverConfig configures one input driver. Which fields apply depends on
// the driver kind.
type DriverConfig struct {
	// Driver is the kind: hid, gpio, pcf8574 or virtual.
	Driver string `toml:"driver" json:"driver" yaml:"driver"`

	// Mapping maps pin or bit indexes to key names.
	Mapping []string `toml:"mapping" json:"mapping,omitempty" yaml:"mapping"`

	// NameMapping renames keys after decoding.
	NameMapping map[string]string `toml:"name_mapping" json:"name_mapping,omitempty" yaml:"name_mapping"`

	// Device is the evdev device name or path (hid).
	Device string `toml:"device" json:"device,omitempty" yaml:"device"`

	// Grab takes the evdev device exclusively (hid).
	Grab bool `toml:"grab" json:"grab,omitempty" yaml:"grab"`

	// FilterHeld drops autorepeat events (hid).
	FilterHeld bool `toml:"filter_held" json:"filter_held,omitempty" yaml:"filter_held"`

	// Pins are the GPIO line numbers (gpio).
	Pins []int `toml:"pins" json:"pins,omitempty" yaml:"pins"`

	// ActiveHigh means a pressed button reads 1 (gpio).
	ActiveHigh bool `toml:"active_high" json:"active_high,omitempty" yaml:"active_high"`

	// Pullups is recorded for boards whose pull-ups are set elsewhere (gpio).
	Pullups bool `toml:"pullups" json:"pullups,omitempty" yaml:"pullups"`

	// Bus is the I2C bus number (pcf8574).
	Bus int `toml:"bus" json:"bus,omitempty" yaml:"bus"`

	// Addr is the I2C address as a hex string like "0x3f" (pcf8574).
	Addr string `toml:"addr" json:"addr,omitempty" yaml:"addr"`

	// IntPin is the GPIO line of the interrupt output (pcf8574). Unset
	// means polling.
	IntPin *int `toml:"int_pin" json:"int_pin,omitempty" yaml:"int_pin"`

	// PollIntervalMs is the polling period.
	PollIntervalMs int `toml:"poll_interval_ms" json:"poll_interval_ms,omitempty" yaml:"poll_interval_ms"`
}

// HotplugConfig configures the /dev/input watcher.
type HotplugConfig struct {
	// Enabled starts the watcher.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Dir is the directory watched for event nodes.
	Dir string `toml:"dir" json:"dir" yaml:"dir"`

	// SettleMs is how long to wait before opening a new node.
	SettleMs int `toml:"settle_ms" json:"settle_ms" yaml:"settle_ms"`

	// Match restricts hot-plugged devices to names containing one of these
	// substrings. Empty accepts every keyboard.
	Match []string `toml:"match" json:"match" yaml:"match"`

	// Grab takes hot-plugged devices exclusively.
	Grab bool `toml:"grab" json:"grab" yaml:"grab"`
}

// BacklightConfig configures the backlight gate.
type BacklightConfig struct {
	// Enabled installs the gate.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Backend is "sysfs" or "logind".
	Backend string `toml:"backend" json:"backend" yaml:"backend"`

	// Device is the backlight device name. Empty picks the first one.
	Device string `toml:"device" json:"device" yaml:"device"`

	// TimeoutSec is the idle time before the screen turns off. Zero keeps
	// it on.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`

	// Brightness is the level used while the screen is on.
	Brightness int `toml:"brightness" json:"brightness" yaml:"brightness"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is "stdout", "stderr", "file" or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the log file when Output includes a file.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the size at which the log file is rotated.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of rotated files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// Compress gzips rotated files.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`
}

// IPCConfig holds control socket configuration.
type IPCConfig struct {
	// Enabled starts the control socket.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// SocketPath is the path to the Unix socket.
	SocketPath string `toml:"socket_path" json:"socket_path" yaml:"socket_path"`

	// Permissions is the socket mode, e.g. "0600".
	Permissions string `toml:"permissions" json:"permissions" yaml:"permissions"`

	// TimeoutSec is the per-request timeout.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`
}

// JournalConfig configures the fault journal.
type JournalConfig struct {
	// Enabled opens the journal.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Path is the SQLite database file.
	Path string `toml:"path" json:"path" yaml:"path"`

	// RetentionDays prunes older entries at startup. Zero keeps everything.
	RetentionDays int `toml:"retention_days" json:"retention_days" yaml:"retention_days"`
}

// GlobalKeyConfig binds a key for every context.
type GlobalKeyConfig struct {
	// Key is the key name, e.g. "KEY_PROG2".
	Key string `toml:"key" json:"key" yaml:"key"`

	// Action is exec, context or backlight_off.
	Action string `toml:"action" json:"action" yaml:"action"`

	// Args are the command line (exec) or the context name (context).
	Args []string `toml:"args" json:"args" yaml:"args"`

	// Force makes the binding win over a context's nonmaskable binding.
	Force bool `toml:"force" json:"force" yaml:"force"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := DataDir()

	return &Config{
		Version: Version,
		Input: InputConfig{
			QueueSize:      256,
			PollIntervalMs: 100,
		},
		Hotplug: HotplugConfig{
			Enabled:  false,
			Dir:      "/dev/input",
			SettleMs: 100,
		},
		Backlight: BacklightConfig{
			Enabled:    false,
			Backend:    "sysfs",
			TimeoutSec: 60,
			Brightness: 100,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(dir, "keyshell.log"),
			MaxSizeMB:  10,
			MaxBackups: 3,
			Compress:   true,
		},
		IPC: IPCConfig{
			Enabled:     true,
			SocketPath:  DefaultSocketPath(),
			Permissions: "0600",
			TimeoutSec:  5,
		},
		Journal: JournalConfig{
			Enabled:       true,
			Path:          filepath.Join(dir, "journal.db"),
			RetentionDays: 30,
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// ApplyEnvOverrides applies KEYSHELL_ environment overrides.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := os.Getenv("KEYSHELL_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("KEYSHELL_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}
	if v := os.Getenv("KEYSHELL_SOCKET"); v != "" {
		c.IPC.SocketPath = v
	}
	if v := os.Getenv("KEYSHELL_JOURNAL_PATH"); v != "" {
		c.Journal.Path = v
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := &Config{
		Version:    c.Version,
		Input:      c.Input,
		Hotplug:    c.Hotplug,
		Backlight:  c.Backlight,
		Logging:    c.Logging,
		IPC:        c.IPC,
		Journal:    c.Journal,
		GlobalKeys: slices.Clone(c.GlobalKeys),
	}
	clone.Hotplug.Match = slices.Clone(c.Hotplug.Match)
	clone.Input.Drivers = make(DriverList, len(c.Input.Drivers))
	for i, d := range c.Input.Drivers {
		d.Mapping = slices.Clone(d.Mapping)
		d.Pins = slices.Clone(d.Pins)
		d.NameMapping = maps.Clone(d.NameMapping)
		if d.IntPin != nil {
			pin := *d.IntPin
			d.IntPin = &pin
		}
		clone.Input.Drivers[i] = d
	}
	for i, g := range clone.GlobalKeys {
		clone.GlobalKeys[i].Args = slices.Clone(g.Args)
	}
	return clone
}

// PollInterval returns the dispatch loop poll interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Input.PollIntervalMs) * time.Millisecond
}

// BacklightTimeout returns the backlight idle timeout.
func (c *Config) BacklightTimeout() time.Duration {
	return time.Duration(c.Backlight.TimeoutSec) * time.Second
}

// KeyMapping parses Mapping.
func (d *DriverConfig) KeyMapping() ([]keys.ID, error) {
	out := make([]keys.ID, 0, len(d.Mapping))
	for i, name := range d.Mapping {
		k := keys.ID(strings.ToUpper(name))
		if !k.Valid() {
			return nil, fmt.Errorf("mapping[%d]: invalid key %q", i, name)
		}
		out = append(out, k)
	}
	return out, nil
}

// KeyNameMapping parses NameMapping.
func (d *DriverConfig) KeyNameMapping() (map[keys.ID]keys.ID, error) {
	out := make(map[keys.ID]keys.ID, len(d.NameMapping))
	for from, to := range d.NameMapping {
		f, t := keys.ID(strings.ToUpper(from)), keys.ID(strings.ToUpper(to))
		if !f.Valid() || !t.Valid() {
			return nil, fmt.Errorf("name_mapping: invalid key pair %q -> %q", from, to)
		}
		out[f] = t
	}
	return out, nil
}

// Address parses Addr. An empty address returns def.
func (d *DriverConfig) Address(def uint16) (uint16, error) {
	if d.Addr == "" {
		return def, nil
	}
	v, err := strconv.ParseUint(d.Addr, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("addr: %w", err)
	}
	if v > 0x7f {
		return 0, fmt.Errorf("addr: 0x%x is not a 7-bit I2C address", v)
	}
	return uint16(v), nil
}

// PollInterval returns the driver polling period, or def when unset.
func (d *DriverConfig) PollInterval(def time.Duration) time.Duration {
	if d.PollIntervalMs <= 0 {
		return def
	}
	return time.Duration(d.PollIntervalMs) * time.Millisecond
}
