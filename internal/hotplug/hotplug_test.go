package hotplug

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyshell/internal/driver"
	"keyshell/internal/driver/virtual"
	"keyshell/internal/input"
)

type fakeAttacher struct {
	mu       sync.Mutex
	n        int
	attached map[string]input.Driver
	detached []string
}

func newFakeAttacher() *fakeAttacher {
	return &fakeAttacher{attached: make(map[string]input.Driver)}
}

func (a *fakeAttacher) AttachDriver(d input.Driver) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	name := fmt.Sprintf("%s-%d", d.Kind(), a.n)
	a.n++
	a.attached[name] = d
	return name, nil
}

func (a *fakeAttacher) DetachDriver(name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.attached[name]; !ok {
		return errors.New("unknown")
	}
	delete(a.attached, name)
	a.detached = append(a.detached, name)
	return nil
}

func (a *fakeAttacher) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.attached)
}

func keypadFactory(path string) (input.Driver, error) {
	if filepath.Base(path) == "event9" {
		return nil, nil
	}
	return virtual.New(nil, driver.Options{}), nil
}

func startManager(t *testing.T, a Attacher) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	m := New(Config{Dir: dir, Settle: time.Millisecond}, a, keypadFactory)
	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Stop() })
	return m, dir
}

func TestAttachAndDetach(t *testing.T) {
	a := newFakeAttacher()
	m, dir := startManager(t, a)

	node := filepath.Join(dir, "event3")
	require.NoError(t, os.WriteFile(node, nil, 0o644))

	require.Eventually(t, func() bool { return a.count() == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, map[string]string{node: "virtual-0"}, m.Attached())

	require.NoError(t, os.Remove(node))
	require.Eventually(t, func() bool { return a.count() == 0 }, 5*time.Second, 5*time.Millisecond)
	assert.Empty(t, m.Attached())
	assert.Equal(t, []string{"virtual-0"}, a.detached)
}

func TestIgnoredAndForeignNodes(t *testing.T) {
	a := newFakeAttacher()
	m, dir := startManager(t, a)

	m.Ignore(filepath.Join(dir, "event1"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "event1"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mouse0"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "event9"), nil, 0o644))

	// A node the factory accepts, to know the others have been seen.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "event2"), nil, 0o644))
	require.Eventually(t, func() bool { return a.count() == 1 }, 5*time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, a.count())
	assert.Contains(t, m.Attached(), filepath.Join(dir, "event2"))
}

func TestStopDetachesEverything(t *testing.T) {
	a := newFakeAttacher()
	dir := t.TempDir()
	m := New(Config{Dir: dir, Settle: time.Millisecond}, a, keypadFactory)
	require.NoError(t, m.Start())
	assert.ErrorIs(t, m.Start(), ErrAlreadyWatching)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "event4"), nil, 0o644))
	require.Eventually(t, func() bool { return a.count() == 1 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, m.Stop())
	assert.Equal(t, 0, a.count())
	assert.NoError(t, m.Stop())
}

func TestStartMissingDir(t *testing.T) {
	m := New(Config{Dir: filepath.Join(t.TempDir(), "nope")}, newFakeAttacher(), keypadFactory)
	assert.Error(t, m.Start())
}
