package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"keyshell/internal/keys"
)

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Is makes errors.Is(err, ErrInvalidConfig) true for validation failures.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig
}

// Fields returns the names of the offending fields.
func (e ValidationErrors) Fields() []string {
	fields := make([]string, 0, len(e))
	for _, err := range e {
		fields = append(fields, err.Field)
	}
	return fields
}

// ValidateConfig checks every section of the configuration.
func ValidateConfig(c *Config) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateInput(&c.Input)...)
	errs = append(errs, validateHotplug(&c.Hotplug)...)
	errs = append(errs, validateBacklight(&c.Backlight)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateIPC(&c.IPC)...)
	errs = append(errs, validateJournal(&c.Journal)...)
	errs = append(errs, validateGlobalKeys(c.GlobalKeys)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateInput(in *InputConfig) ValidationErrors {
	var errs ValidationErrors

	if in.QueueSize < 1 {
		errs = append(errs, ValidationError{
			Field:   "input.queue_size",
			Message: "queue size must be at least 1",
		})
	}
	if in.PollIntervalMs < 1 || in.PollIntervalMs > 10000 {
		errs = append(errs, *RangeError("input.poll_interval_ms", 1, 10000))
	}

	if err := ValidateDrivers(in.Drivers); err != nil {
		errs = append(errs, ValidationError{
			Field:   "input.drivers",
			Message: err.Error(),
		})
		return errs
	}

	for i := range in.Drivers {
		d := &in.Drivers[i]
		field := fmt.Sprintf("input.drivers[%d]", i)
		if _, err := d.KeyMapping(); err != nil {
			errs = append(errs, ValidationError{Field: field + ".mapping", Message: err.Error()})
		}
		if _, err := d.KeyNameMapping(); err != nil {
			errs = append(errs, ValidationError{Field: field + ".name_mapping", Message: err.Error()})
		}
		if d.Driver == DriverPCF8574 {
			if _, err := d.Address(0); err != nil {
				errs = append(errs, ValidationError{Field: field + ".addr", Message: err.Error()})
			}
		}
		if d.Driver == DriverGPIO && len(d.Mapping) > 0 && len(d.Mapping) < len(d.Pins) {
			errs = append(errs, ValidationError{
				Field:   field + ".mapping",
				Message: fmt.Sprintf("%d pins but only %d mapped keys", len(d.Pins), len(d.Mapping)),
			})
		}
	}

	return errs
}

func validateHotplug(h *HotplugConfig) ValidationErrors {
	var errs ValidationErrors

	if !h.Enabled {
		return errs
	}
	if h.Dir == "" {
		errs = append(errs, *RequiredFieldError("hotplug.dir"))
	}
	if h.SettleMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "hotplug.settle_ms",
			Message: "settle time cannot be negative",
		})
	}
	return errs
}

func validateBacklight(b *BacklightConfig) ValidationErrors {
	var errs ValidationErrors

	if !b.Enabled {
		return errs
	}
	switch b.Backend {
	case "sysfs", "logind":
	default:
		errs = append(errs, ValidationError{
			Field:   "backlight.backend",
			Message: fmt.Sprintf("invalid backend: %s (valid: sysfs, logind)", b.Backend),
		})
	}
	if b.Backend == "logind" && b.Device == "" {
		errs = append(errs, ValidationError{
			Field:   "backlight.device",
			Message: "device is required for the logind backend",
		})
	}
	if b.TimeoutSec < 0 {
		errs = append(errs, ValidationError{
			Field:   "backlight.timeout_sec",
			Message: "timeout cannot be negative",
		})
	}
	if b.Brightness < 1 {
		errs = append(errs, ValidationError{
			Field:   "backlight.brightness",
			Message: "brightness must be at least 1",
		})
	}
	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required when logging to a file",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}
	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}

	return errs
}

func validateIPC(i *IPCConfig) ValidationErrors {
	var errs ValidationErrors

	if !i.Enabled {
		return errs
	}

	if i.SocketPath == "" {
		errs = append(errs, ValidationError{
			Field:   "ipc.socket_path",
			Message: "socket path is required when IPC is enabled",
		})
	}

	if i.Permissions != "" {
		if matched, _ := regexp.MatchString(`^0[0-7]{3}$`, i.Permissions); !matched {
			errs = append(errs, ValidationError{
				Field:   "ipc.permissions",
				Message: fmt.Sprintf("invalid permissions format: %s (expected octal like 0600)", i.Permissions),
			})
		}
	}

	if i.TimeoutSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "ipc.timeout_sec",
			Message: "timeout must be at least 1 second",
		})
	}

	return errs
}

func validateJournal(j *JournalConfig) ValidationErrors {
	var errs ValidationErrors

	if !j.Enabled {
		return errs
	}
	if j.Path == "" {
		errs = append(errs, *RequiredFieldError("journal.path"))
	}
	if j.RetentionDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "journal.retention_days",
			Message: "retention cannot be negative",
		})
	}
	return errs
}

func validateGlobalKeys(gks []GlobalKeyConfig) ValidationErrors {
	var errs ValidationErrors
	seen := make(map[keys.ID]bool, len(gks))

	for i, g := range gks {
		field := fmt.Sprintf("global_keys[%d]", i)
		k := keys.ID(strings.ToUpper(g.Key))
		if !k.Valid() {
			errs = append(errs, ValidationError{
				Field:   field + ".key",
				Message: fmt.Sprintf("invalid key: %q", g.Key),
			})
		} else if seen[k] {
			errs = append(errs, ValidationError{
				Field:   field + ".key",
				Message: fmt.Sprintf("%s is bound globally more than once", k),
			})
		}
		seen[k] = true

		switch g.Action {
		case ActionExec, ActionContext:
			if len(g.Args) == 0 {
				errs = append(errs, ValidationError{
					Field:   field + ".args",
					Message: fmt.Sprintf("action %s needs arguments", g.Action),
				})
			}
		case ActionBacklightOff:
		default:
			errs = append(errs, ValidationError{
				Field:   field + ".action",
				Message: fmt.Sprintf("invalid action: %s (valid: exec, context, backlight_off)", g.Action),
			})
		}
	}
	return errs
}

// RequiredFieldError creates a validation error for a required field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: "required field is missing",
	}
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(field string, min, max any) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}
