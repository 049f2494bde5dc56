//go:build !linux

package hid

// Start implements input.Driver.
func (k *Keyboard) Start() error {
	return ErrUnsupported
}

// Stop implements input.Driver.
func (k *Keyboard) Stop() error {
	return nil
}

// Identify is only implemented on Linux.
func Identify(path string) (name string, hasKeys bool, err error) {
	return "", false, ErrUnsupported
}
