package backlight

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

// logind D-Bus constants
const (
	LogindService          = "org.freedesktop.login1"
	LogindSessionPath      = "/org/freedesktop/login1/session/auto"
	LogindSetBrightness    = "org.freedesktop.login1.Session.SetBrightness"
	logindBacklightSubsys  = "backlight"
)

// Logind sets brightness through systemd-logind, which lets an unprivileged
// session user change it without write access to sysfs.
type Logind struct {
	conn   *dbus.Conn
	device string
	obj    dbus.BusObject
}

// OpenLogind connects to the system bus.
func OpenLogind(device string) (*Logind, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}
	return NewLogind(conn, device), nil
}

// NewLogind uses an existing bus connection.
func NewLogind(conn *dbus.Conn, device string) *Logind {
	return &Logind{
		conn:   conn,
		device: device,
		obj:    conn.Object(LogindService, dbus.ObjectPath(LogindSessionPath)),
	}
}

// SetBrightness implements Setter.
func (l *Logind) SetBrightness(level int) error {
	if level < 0 {
		level = 0
	}
	call := l.obj.Call(LogindSetBrightness, 0, logindBacklightSubsys, l.device, uint32(level))
	if call.Err != nil {
		return fmt.Errorf("logind SetBrightness: %w", call.Err)
	}
	return nil
}

// Close closes the bus connection.
func (l *Logind) Close() error {
	return l.conn.Close()
}
