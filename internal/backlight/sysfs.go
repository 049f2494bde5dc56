package backlight

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultSysfsRoot is where the kernel exposes backlight devices.
const DefaultSysfsRoot = "/sys/class/backlight"

// Sysfs writes brightness straight to /sys/class/backlight/<device>.
type Sysfs struct {
	dir string
	max int
}

// OpenSysfs opens a backlight device. An empty device picks the first one.
func OpenSysfs(root, device string) (*Sysfs, error) {
	if root == "" {
		root = DefaultSysfsRoot
	}
	if device == "" {
		entries, err := os.ReadDir(root)
		if err != nil {
			return nil, fmt.Errorf("list backlights: %w", err)
		}
		if len(entries) == 0 {
			return nil, fmt.Errorf("no backlight device in %s", root)
		}
		device = entries[0].Name()
	}

	dir := filepath.Join(root, device)
	max, err := readInt(filepath.Join(dir, "max_brightness"))
	if err != nil {
		return nil, err
	}
	return &Sysfs{dir: dir, max: max}, nil
}

// Device returns the device name.
func (s *Sysfs) Device() string {
	return filepath.Base(s.dir)
}

// MaxBrightness returns the highest level the device accepts.
func (s *Sysfs) MaxBrightness() int {
	return s.max
}

// SetBrightness implements Setter. Levels are clamped to the device range.
func (s *Sysfs) SetBrightness(level int) error {
	level = min(max(level, 0), s.max)
	path := filepath.Join(s.dir, "brightness")
	if err := os.WriteFile(path, []byte(strconv.Itoa(level)), 0o644); err != nil {
		return fmt.Errorf("set brightness: %w", err)
	}
	return nil
}

// Brightness reads the current level.
func (s *Sysfs) Brightness() (int, error) {
	return readInt(filepath.Join(s.dir, "brightness"))
}

func readInt(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return v, nil
}
