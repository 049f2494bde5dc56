package input

import (
	"errors"
	"fmt"

	"keyshell/internal/keys"
)

// CallbackErrorKind classifies registration conflicts.
type CallbackErrorKind int

const (
	// ReservedKey: a special callback was requested for a navigation key.
	ReservedKey CallbackErrorKind = iota + 1
	// AlreadyNonmaskable: the key already has a nonmaskable callback.
	AlreadyNonmaskable
	// AlreadyMaskable: the key already has a maskable callback.
	AlreadyMaskable
	// GlobalKeyTaken: the key already has a global callback.
	GlobalKeyTaken
)

func (k CallbackErrorKind) String() string {
	switch k {
	case ReservedKey:
		return "reserved key"
	case AlreadyNonmaskable:
		return "already nonmaskable"
	case AlreadyMaskable:
		return "already maskable"
	case GlobalKeyTaken:
		return "global key taken"
	default:
		return "unknown"
	}
}

// CallbackError is returned when a callback cannot be bound to a key.
// It matches the Err* sentinels of the same kind with errors.Is.
type CallbackError struct {
	Kind    CallbackErrorKind
	Key     keys.ID
	Context string
}

func (e *CallbackError) Error() string {
	switch e.Kind {
	case ReservedKey:
		return fmt.Sprintf("special callback for %s can't be set because it's one of the reserved keys", e.Key)
	case AlreadyNonmaskable:
		return fmt.Sprintf("special callback for %s can't be set because it's already set as nonmaskable", e.Key)
	case AlreadyMaskable:
		return fmt.Sprintf("special callback for %s can't be set because it's already set as maskable", e.Key)
	case GlobalKeyTaken:
		return fmt.Sprintf("global callback for %s can't be set because it's already in the keymap", e.Key)
	default:
		return fmt.Sprintf("callback for %s rejected", e.Key)
	}
}

// Is matches sentinels by kind.
func (e *CallbackError) Is(target error) bool {
	t, ok := target.(*CallbackError)
	return ok && t.Kind == e.Kind
}

// Registration conflict sentinels.
var (
	ErrReservedKey        = &CallbackError{Kind: ReservedKey}
	ErrAlreadyNonmaskable = &CallbackError{Kind: AlreadyNonmaskable}
	ErrAlreadyMaskable    = &CallbackError{Kind: AlreadyMaskable}
	ErrGlobalKeyTaken     = &CallbackError{Kind: GlobalKeyTaken}
)

// ConfigurationError reports a driver management request that would break
// the boot-time configuration.
type ConfigurationError struct {
	Driver string
	Err    error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("driver %s: %v", e.Driver, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

var (
	// ErrInitialDriver is returned when detaching a driver from the config.
	ErrInitialDriver = errors.New("driver is from the configuration file, not removing for safety purposes")

	// ErrUnknownDriver is returned for names the registry does not know.
	ErrUnknownDriver = errors.New("unknown driver")

	// ErrProxyAttached is returned when attaching a proxy while another one
	// is current.
	ErrProxyAttached = errors.New("a proxy is already attached")

	// ErrMalformedEvent is returned for events that fail validation.
	ErrMalformedEvent = keys.ErrMalformedEvent
)
