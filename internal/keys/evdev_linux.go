//go:build linux

package keys

import (
	"github.com/holoplot/go-evdev"
)

// Keyboards report evdev key names, so every one of them is a valid key.
func init() {
	names := make([]ID, 0, len(evdev.KEYFromString))
	for name := range evdev.KEYFromString {
		names = append(names, ID(name))
	}
	Register(names...)
}
