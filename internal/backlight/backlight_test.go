package backlight

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSetter struct {
	mu     sync.Mutex
	levels []int
	err    error
}

func (s *fakeSetter) SetBrightness(level int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.levels = append(s.levels, level)
	return nil
}

func (s *fakeSetter) got() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.levels...)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBacklight(timeout time.Duration) (*Backlight, *fakeSetter, *clock) {
	s := &fakeSetter{}
	c := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := New(Config{
		Timeout:    timeout,
		Brightness: 80,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, s)
	b.now = c.Now
	b.lastActivity = c.Now()
	return b, s, c
}

func TestWakeWhileOn(t *testing.T) {
	b, s, _ := newTestBacklight(time.Minute)
	assert.False(t, b.Wake())
	assert.True(t, b.IsOn())
	assert.Empty(t, s.got())
}

func TestIdleTurnsOffAndKeyWakes(t *testing.T) {
	b, s, c := newTestBacklight(time.Minute)

	c.advance(30 * time.Second)
	b.check()
	assert.True(t, b.IsOn())

	c.advance(30 * time.Second)
	b.check()
	assert.False(t, b.IsOn())
	assert.Equal(t, []int{0}, s.got())

	assert.True(t, b.Wake())
	assert.True(t, b.IsOn())
	assert.Equal(t, []int{0, 80}, s.got())

	assert.False(t, b.Wake())
}

func TestActivityResetsIdle(t *testing.T) {
	b, _, c := newTestBacklight(time.Minute)

	c.advance(50 * time.Second)
	b.Wake()
	c.advance(50 * time.Second)
	b.check()
	assert.True(t, b.IsOn())
}

func TestZeroTimeoutKeepsScreenOn(t *testing.T) {
	b, s, c := newTestBacklight(0)
	c.advance(24 * time.Hour)
	b.check()
	assert.True(t, b.IsOn())
	assert.Empty(t, s.got())

	b.SetTimeout(time.Second)
	b.check()
	assert.False(t, b.IsOn())
}

func TestWakeSetterFailure(t *testing.T) {
	b, s, _ := newTestBacklight(time.Minute)
	require.NoError(t, b.TurnOff())

	s.mu.Lock()
	s.err = errors.New("panel gone")
	s.mu.Unlock()

	assert.False(t, b.Wake())
	assert.False(t, b.IsOn())
}

func TestSetBrightness(t *testing.T) {
	b, s, _ := newTestBacklight(time.Minute)
	require.NoError(t, b.SetBrightness(40))
	require.NoError(t, b.TurnOff())
	require.NoError(t, b.SetBrightness(60))
	assert.Equal(t, []int{40, 0}, s.got())

	assert.True(t, b.Wake())
	assert.Equal(t, []int{40, 0, 60}, s.got())
}

func TestStartStop(t *testing.T) {
	b, _, c := newTestBacklight(time.Second)
	c.advance(time.Hour)

	b.Start(time.Millisecond)
	require.Eventually(t, func() bool { return !b.IsOn() }, 5*time.Second, time.Millisecond)

	b.Stop()
	assert.True(t, b.IsOn())
	b.Stop()
}

func writeFile(t *testing.T, path, data string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
}

func TestSysfs(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "lcd", "max_brightness"), "255\n")
	writeFile(t, filepath.Join(root, "lcd", "brightness"), "100\n")

	s, err := OpenSysfs(root, "")
	require.NoError(t, err)
	assert.Equal(t, "lcd", s.Device())
	assert.Equal(t, 255, s.MaxBrightness())

	level, err := s.Brightness()
	require.NoError(t, err)
	assert.Equal(t, 100, level)

	require.NoError(t, s.SetBrightness(1000))
	level, err = s.Brightness()
	require.NoError(t, err)
	assert.Equal(t, 255, level)

	require.NoError(t, s.SetBrightness(-3))
	level, err = s.Brightness()
	require.NoError(t, err)
	assert.Equal(t, 0, level)
}

func TestSysfsErrors(t *testing.T) {
	root := t.TempDir()
	_, err := OpenSysfs(root, "")
	assert.Error(t, err)

	_, err = OpenSysfs(root, "missing")
	assert.Error(t, err)

	writeFile(t, filepath.Join(root, "bad", "max_brightness"), "lots")
	_, err = OpenSysfs(root, "bad")
	assert.Error(t, err)
}
