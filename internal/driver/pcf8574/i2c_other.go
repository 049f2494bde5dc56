//go:build !linux

package pcf8574

func (e *Expander) openI2C() (Bus, error) {
	return nil, ErrUnsupported
}

func (e *Expander) openInterrupt() (waitFunc, func(), error) {
	return nil, nil, ErrUnsupported
}
