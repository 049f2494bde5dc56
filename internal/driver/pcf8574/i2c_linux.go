//go:build linux

package pcf8574

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"keyshell/internal/driver/gpio"
)

// i2cSlave is the I2C_SLAVE ioctl from linux/i2c-dev.h.
const i2cSlave = 0x0703

type i2cBus struct {
	f *os.File
}

// OpenI2C opens /dev/i2c-<bus> and binds it to addr.
func OpenI2C(bus int, addr uint16) (Bus, error) {
	path := fmt.Sprintf("/dev/i2c-%d", bus)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := unix.IoctlSetInt(int(f.Fd()), i2cSlave, int(addr)); err != nil {
		f.Close()
		return nil, fmt.Errorf("set i2c address %#x: %w", addr, err)
	}
	return &i2cBus{f: f}, nil
}

func (b *i2cBus) WriteByte(v byte) error {
	_, err := b.f.Write([]byte{v})
	return err
}

func (b *i2cBus) ReadByte() (byte, error) {
	var buf [1]byte
	if _, err := b.f.Read(buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (b *i2cBus) Close() error {
	return b.f.Close()
}

func (e *Expander) openI2C() (Bus, error) {
	return OpenI2C(e.cfg.Bus, e.cfg.Addr)
}

// openInterrupt watches the INT pin, which the expander pulls low when any
// input changes.
func (e *Expander) openInterrupt() (waitFunc, func(), error) {
	root := e.cfg.SysfsRoot
	if root == "" {
		root = gpio.DefaultSysfsRoot
	}
	line, err := gpio.OpenSysfs(root, e.cfg.IntPin, "falling")
	if err != nil {
		return nil, nil, err
	}
	lines := []*gpio.SysfsLine{line}
	wait := func(ctx context.Context, timeout time.Duration) error {
		return gpio.WaitEdge(ctx, lines, timeout)
	}
	return wait, func() { line.Close() }, nil
}
