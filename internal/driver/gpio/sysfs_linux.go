//go:build linux

package gpio

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sys/unix"
)

// SysfsLine is an input pin exported through sysfs.
type SysfsLine struct {
	pin int
	f   *os.File
}

// OpenSysfs exports pin as an input and sets its interrupt edge ("none",
// "rising", "falling" or "both").
func OpenSysfs(root string, pin int, edge string) (*SysfsLine, error) {
	dir := filepath.Join(root, "gpio"+strconv.Itoa(pin))
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		if err := os.WriteFile(filepath.Join(root, "export"), []byte(strconv.Itoa(pin)), 0o644); err != nil {
			return nil, fmt.Errorf("export gpio %d: %w", pin, err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "direction"), []byte("in"), 0o644); err != nil {
		return nil, fmt.Errorf("set gpio %d direction: %w", pin, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "edge"), []byte(edge), 0o644); err != nil {
		return nil, fmt.Errorf("set gpio %d edge: %w", pin, err)
	}

	f, err := os.Open(filepath.Join(dir, "value"))
	if err != nil {
		return nil, fmt.Errorf("open gpio %d: %w", pin, err)
	}
	return &SysfsLine{pin: pin, f: f}, nil
}

// Pin returns the GPIO number.
func (l *SysfsLine) Pin() int {
	return l.pin
}

// Value implements Line. Reading also acknowledges a pending edge.
func (l *SysfsLine) Value() (bool, error) {
	var buf [1]byte
	if _, err := l.f.ReadAt(buf[:], 0); err != nil {
		return false, err
	}
	return buf[0] == '1', nil
}

// Close implements Line. The pin stays exported.
func (l *SysfsLine) Close() error {
	return l.f.Close()
}

// WaitEdge blocks until one of the lines sees an edge, timeout passes, or
// ctx is done.
func WaitEdge(ctx context.Context, lines []*SysfsLine, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fds := make([]unix.PollFd, len(lines))
	for i, l := range lines {
		fds[i] = unix.PollFd{Fd: int32(l.f.Fd()), Events: unix.POLLPRI | unix.POLLERR}
	}
	_, err := unix.Poll(fds, int(timeout.Milliseconds()))
	if errors.Is(err, unix.EINTR) {
		return nil
	}
	return err
}

func (b *Buttons) openSysfs() ([]Line, waitFunc, error) {
	sys := make([]*SysfsLine, 0, len(b.cfg.Pins))
	lines := make([]Line, 0, len(b.cfg.Pins))
	for _, pin := range b.cfg.Pins {
		l, err := OpenSysfs(b.cfg.SysfsRoot, pin, "both")
		if err != nil {
			closeAll(lines)
			return nil, nil, err
		}
		sys = append(sys, l)
		lines = append(lines, l)
	}

	wait := func(ctx context.Context, timeout time.Duration) error {
		return WaitEdge(ctx, sys, timeout)
	}
	return lines, wait, nil
}
