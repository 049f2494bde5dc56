// Package keys defines the key vocabulary shared by input drivers and the
// dispatch engine.
//
// A key is identified by a stable string name (KEY_UP, KEY_ENTER, KEY_1, ...)
// so that drivers for very different hardware (GPIO buttons, I2C expanders,
// evdev keyboards) agree on what they emit.
package keys

import (
	"fmt"
	"strings"
	"sync"
)

// ID identifies a key.
type ID string

// Key vocabulary.
const (
	Left       ID = "KEY_LEFT"
	Up         ID = "KEY_UP"
	Down       ID = "KEY_DOWN"
	Right      ID = "KEY_RIGHT"
	Enter      ID = "KEY_ENTER"
	Key1       ID = "KEY_1"
	Key2       ID = "KEY_2"
	Key3       ID = "KEY_3"
	Key4       ID = "KEY_4"
	Key5       ID = "KEY_5"
	Key6       ID = "KEY_6"
	Key7       ID = "KEY_7"
	Key8       ID = "KEY_8"
	Key9       ID = "KEY_9"
	Key0       ID = "KEY_0"
	Star       ID = "KEY_*"
	Sharp      ID = "KEY_#"
	F1         ID = "KEY_F1"
	F2         ID = "KEY_F2"
	F3         ID = "KEY_F3"
	F4         ID = "KEY_F4"
	F5         ID = "KEY_F5"
	F6         ID = "KEY_F6"
	F7         ID = "KEY_F7"
	Answer     ID = "KEY_ANSWER"
	Hangup     ID = "KEY_HANGUP"
	PageUp     ID = "KEY_PAGEUP"
	PageDown   ID = "KEY_PAGEDOWN"
	VolumeUp   ID = "KEY_VOLUMEUP"
	VolumeDown ID = "KEY_VOLUMEDOWN"
	Prog1      ID = "KEY_PROG1"
	Prog2      ID = "KEY_PROG2"
	Camera     ID = "KEY_CAMERA"
	Backspace  ID = "KEY_BACKSPACE"
)

// reserved navigation keys can never be bound as maskable or nonmaskable.
var reserved = map[ID]struct{}{
	Left:  {},
	Right: {},
	Up:    {},
	Down:  {},
	Enter: {},
}

var deprecated = map[ID]struct{}{
	PageUp:   {},
	PageDown: {},
}

var all = []ID{
	Left, Up, Down, Right, Enter,
	Key1, Key2, Key3, Key4, Key5, Key6, Key7, Key8, Key9, Key0, Star, Sharp,
	F1, F2, F3, F4, F5, F6, F7,
	Answer, Hangup, PageUp, PageDown, VolumeUp, VolumeDown,
	Prog1, Prog2, Camera, Backspace,
}

var (
	vocabMu    sync.RWMutex
	vocabulary = make(map[ID]struct{}, len(all))
)

func init() {
	Register(all...)
}

// Register adds names to the key vocabulary. Drivers whose devices report
// keys beyond the named set register the names they can emit.
func Register(ids ...ID) {
	vocabMu.Lock()
	defer vocabMu.Unlock()
	for _, k := range ids {
		if strings.HasPrefix(string(k), "KEY_") && len(k) > len("KEY_") {
			vocabulary[k] = struct{}{}
		}
	}
}

// All returns every named key.
func All() []ID {
	return append([]ID(nil), all...)
}

// Reserved returns the navigation keys that cannot carry special callbacks.
func Reserved() []ID {
	return []ID{Left, Right, Up, Down, Enter}
}

// IsReserved reports whether k is one of the navigation keys.
func IsReserved(k ID) bool {
	_, ok := reserved[k]
	return ok
}

// IsDeprecated reports whether k is kept only for old keymaps.
func IsDeprecated(k ID) bool {
	_, ok := deprecated[k]
	return ok
}

// Valid reports whether k is in the key vocabulary. A key with several
// names ("KEY_COFFEE+KEY_SCREENLOCK") is valid when every name is.
func (k ID) Valid() bool {
	if k == "" {
		return false
	}
	vocabMu.RLock()
	defer vocabMu.RUnlock()
	for _, name := range strings.Split(string(k), "+") {
		if _, ok := vocabulary[ID(name)]; !ok {
			return false
		}
	}
	return true
}

func (k ID) String() string {
	return string(k)
}

// State is the state of a key carried by an event.
type State int

const (
	// StateNone is used by drivers that can only report presses.
	StateNone State = iota
	// Pressed means the key went down.
	Pressed
	// Released means the key went up.
	Released
	// Held is reported periodically while a key stays down.
	Held
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case Pressed:
		return "pressed"
	case Released:
		return "released"
	case Held:
		return "held"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	return s >= StateNone && s <= Held
}

// ParseState parses a state name.
func ParseState(s string) (State, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return StateNone, nil
	case "pressed", "press", "down":
		return Pressed, nil
	case "released", "release", "up":
		return Released, nil
	case "held", "hold", "repeat":
		return Held, nil
	default:
		return StateNone, fmt.Errorf("unknown key state: %q", s)
	}
}

// StateFromEvdev converts an evdev EV_KEY value (0 release, 1 press,
// 2 autorepeat) into a State.
func StateFromEvdev(value int32) (State, bool) {
	switch value {
	case 0:
		return Released, true
	case 1:
		return Pressed, true
	case 2:
		return Held, true
	default:
		return StateNone, false
	}
}
