package input

import (
	"keyshell/internal/keys"
)

// Driver bridges one physical input device to the processor.
//
// A driver owns its own goroutine between Start and Stop and reports key
// events through the send function installed with SetSendKey. The processor
// swaps in its own send function on attach and restores the previous one on
// detach.
type Driver interface {
	// Kind is the driver type, used to generate names like "hid-0".
	Kind() string

	Start() error
	Stop() error

	// AvailableKeys lists the keys the device can produce.
	AvailableKeys() []keys.ID

	// SetSendKey installs fn and returns the previously installed function.
	SetSendKey(fn keys.SendFunc) keys.SendFunc
}

// AtExiter is implemented by drivers that need hardware cleanup on shutdown.
type AtExiter interface {
	AtExit()
}

// Enabler is implemented by drivers that can be paused without being
// stopped. A disabled driver drops events.
type Enabler interface {
	SetEnabled(enabled bool)
}

// Reattacher is implemented by drivers that detect their device going away
// and coming back; fn runs after every reattachment.
type Reattacher interface {
	OnReattach(fn func())
}

// KeysNotifier is implemented by drivers that learn their key set from the
// device after Start; fn runs whenever the set changes.
type KeysNotifier interface {
	OnKeysChanged(fn func())
}

// DriverInfo describes an attached driver.
type DriverInfo struct {
	Name          string    `json:"name"`
	Kind          string    `json:"kind"`
	AvailableKeys []keys.ID `json:"available_keys"`
	Initial       bool      `json:"initial"`
}

// ContextTracker reports which context currently owns input focus.
type ContextTracker interface {
	CurrentContext() string
}

// ContextTrackerFunc adapts a function to ContextTracker.
type ContextTrackerFunc func() string

// CurrentContext implements ContextTracker.
func (f ContextTrackerFunc) CurrentContext() string {
	return f()
}
