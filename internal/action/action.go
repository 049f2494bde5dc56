package action

// Action wraps a callback with metadata for menus and the global keymap.
// The dispatcher only looks at the callback and the ForceGlobal flag; the
// names are for the presentation layer.
type Action struct {
	Cb Callback

	// Name is the static display name.
	Name string
	// NameFunc, when set, is evaluated every time the name is displayed.
	NameFunc func() string

	Description string

	// ForceGlobal makes a global binding fire even when the active context
	// has a nonmaskable binding for the same key.
	ForceGlobal bool
}

// New creates an action.
func New(name string, cb Callback) *Action {
	return &Action{Cb: cb, Name: name}
}

// DisplayName returns the current display name.
func (a *Action) DisplayName() string {
	if a.NameFunc != nil {
		return a.NameFunc()
	}
	return a.Name
}

// Callback implements Binding. The static Name, when set, replaces the
// function name so faults and logs carry the action's name.
func (a *Action) Callback() Callback {
	if a == nil {
		return Callback{}
	}
	cb := a.Cb
	if a.Name != "" {
		cb.name = a.Name
	}
	return cb
}

// ForcesGlobal implements Binding.
func (a *Action) ForcesGlobal() bool {
	return a != nil && a.ForceGlobal
}

// Unwrap returns the callback behind a binding, or a nil callback for a nil
// binding.
func Unwrap(b Binding) Callback {
	if b == nil {
		return Callback{}
	}
	return b.Callback()
}
