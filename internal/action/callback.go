// Package action provides the callback types bound to keys.
//
// A Callback records, at construction time, which calling convention the
// wrapped function uses. The dispatcher never inspects function values at
// dispatch time; it only looks at the Convention.
package action

import (
	"reflect"
	"runtime"
	"strings"

	"keyshell/internal/keys"
)

// Convention describes which arguments a callback wants.
type Convention int

const (
	// NoArgs callbacks are called as cb().
	NoArgs Convention = iota
	// WantsState callbacks are called as cb(state).
	WantsState
	// WantsKey callbacks are called as cb(key).
	WantsKey
	// WantsKeyAndState callbacks are called as cb(key, state).
	WantsKeyAndState
)

// String returns the string representation of the convention.
func (c Convention) String() string {
	switch c {
	case NoArgs:
		return "no-args"
	case WantsState:
		return "state"
	case WantsKey:
		return "key"
	case WantsKeyAndState:
		return "key+state"
	default:
		return "unknown"
	}
}

// TakesState reports whether the state is passed to the callback.
func (c Convention) TakesState() bool {
	return c == WantsState || c == WantsKeyAndState
}

// TakesKey reports whether the key name is passed to the callback.
func (c Convention) TakesKey() bool {
	return c == WantsKey || c == WantsKeyAndState
}

// Binding is anything that can be bound to a key: a plain Callback or an
// *Action wrapping one.
type Binding interface {
	// Callback returns the callback to invoke.
	Callback() Callback
	// ForcesGlobal reports whether a global binding must win over a
	// context's nonmaskable binding for the same key.
	ForcesGlobal() bool
}

// Callback is a key handler with a fixed calling convention.
// The zero value is a nil callback.
type Callback struct {
	name string
	conv Convention
	fn   func(keys.ID, keys.State) error
}

// Func wraps a callback taking no arguments.
func Func(fn func()) Callback {
	if fn == nil {
		return Callback{}
	}
	return Callback{name: funcName(fn), conv: NoArgs, fn: func(keys.ID, keys.State) error {
		fn()
		return nil
	}}
}

// ErrFunc wraps a callback taking no arguments that may fail.
func ErrFunc(fn func() error) Callback {
	if fn == nil {
		return Callback{}
	}
	return Callback{name: funcName(fn), conv: NoArgs, fn: func(keys.ID, keys.State) error {
		return fn()
	}}
}

// StateFunc wraps a callback that wants the key state. It is called for
// every state, including Held and Released.
func StateFunc(fn func(keys.State)) Callback {
	if fn == nil {
		return Callback{conv: WantsState}
	}
	return Callback{name: funcName(fn), conv: WantsState, fn: func(_ keys.ID, st keys.State) error {
		fn(st)
		return nil
	}}
}

// KeyFunc wraps a callback that wants the key name, typically a streaming
// hook.
func KeyFunc(fn func(keys.ID)) Callback {
	if fn == nil {
		return Callback{conv: WantsKey}
	}
	return Callback{name: funcName(fn), conv: WantsKey, fn: func(k keys.ID, _ keys.State) error {
		fn(k)
		return nil
	}}
}

// KeyStateFunc wraps a callback that wants both the key name and its state.
func KeyStateFunc(fn func(keys.ID, keys.State)) Callback {
	if fn == nil {
		return Callback{conv: WantsKeyAndState}
	}
	return Callback{name: funcName(fn), conv: WantsKeyAndState, fn: func(k keys.ID, st keys.State) error {
		fn(k, st)
		return nil
	}}
}

// Named returns a copy of the callback with a name used in logs.
func (c Callback) Named(name string) Callback {
	c.name = name
	return c
}

// Name returns the name used in logs.
func (c Callback) Name() string {
	if c.name == "" {
		return "<anonymous>"
	}
	return c.name
}

// Convention returns the calling convention.
func (c Callback) Convention() Convention {
	return c.conv
}

// IsNil reports whether no function is bound.
func (c Callback) IsNil() bool {
	return c.fn == nil
}

// Accepts reports whether the callback runs for an event in the given
// state. Callbacks that do not take the state only run on presses, or on
// events from drivers that cannot report states at all.
func (c Callback) Accepts(st keys.State) bool {
	if c.conv.TakesState() {
		return true
	}
	return st == keys.Pressed || st == keys.StateNone
}

// Call invokes the callback with its own convention.
func (c Callback) Call(k keys.ID, st keys.State) error {
	if c.fn == nil {
		return nil
	}
	return c.fn(k, st)
}

// Callback implements Binding.
func (c Callback) Callback() Callback {
	return c
}

// ForcesGlobal implements Binding.
func (c Callback) ForcesGlobal() bool {
	return false
}

func funcName(fn any) string {
	name := runtime.FuncForPC(reflect.ValueOf(fn).Pointer()).Name()
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	return name
}
