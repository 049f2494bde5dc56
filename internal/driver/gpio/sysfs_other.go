//go:build !linux

package gpio

func (b *Buttons) openSysfs() ([]Line, waitFunc, error) {
	return nil, nil, ErrUnsupported
}
