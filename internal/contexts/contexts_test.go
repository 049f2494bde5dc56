package contexts

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyshell/internal/input"
	"keyshell/internal/metrics"
)

func newManager(t *testing.T) (*Manager, *input.Processor) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := New(logger)

	cfg := input.DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.Logger = logger
	cfg.Metrics = metrics.NewDispatchMetrics(metrics.NewRegistry("test"))

	proc, err := input.New(cfg, m)
	require.NoError(t, err)
	t.Cleanup(func() { _ = proc.Close() })
	m.Bind(proc)
	return m, proc
}

func TestRegisterAndSwitch(t *testing.T) {
	m, proc := newManager(t)

	main, err := m.Register("main")
	require.NoError(t, err)
	app, err := m.Register("app.clock")
	require.NoError(t, err)

	_, err = m.Register("main")
	assert.ErrorIs(t, err, ErrContextExists)

	require.NoError(t, m.Switch("main"))
	assert.Same(t, main, proc.CurrentProxy())
	assert.Equal(t, "main", m.CurrentContext())

	require.NoError(t, m.Switch("app.clock"))
	assert.Same(t, app, proc.CurrentProxy())

	require.NoError(t, m.SwitchPrevious())
	assert.Equal(t, "main", m.CurrentContext())

	assert.ErrorIs(t, m.Switch("nope"), ErrUnknownContext)
	assert.Equal(t, []string{"main", "app.clock"}, m.Names())
}

func TestOnlyActiveContextControlsLoop(t *testing.T) {
	m, proc := newManager(t)
	main, err := m.Register("main")
	require.NoError(t, err)
	bg, err := m.Register("background")
	require.NoError(t, err)
	require.NoError(t, m.Switch("main"))

	bg.Listen()
	assert.False(t, proc.Listening())

	main.Listen()
	assert.True(t, proc.Listening())

	bg.StopListen()
	assert.True(t, proc.Listening())
}

func TestUnregister(t *testing.T) {
	m, _ := newManager(t)
	_, err := m.Register("main")
	require.NoError(t, err)
	_, err = m.Register("app")
	require.NoError(t, err)
	require.NoError(t, m.Switch("main"))

	assert.ErrorIs(t, m.Unregister("main"), ErrActiveContext)
	assert.ErrorIs(t, m.Unregister("ghost"), ErrUnknownContext)
	require.NoError(t, m.Unregister("app"))

	_, ok := m.Proxy("app")
	assert.False(t, ok)
}

func TestSwitchHooks(t *testing.T) {
	m, _ := newManager(t)
	_, err := m.Register("main")
	require.NoError(t, err)

	var from, to string
	m.OnSwitch(func(f, tt string) { from, to = f, tt })
	require.NoError(t, m.Switch("main"))
	assert.Equal(t, "", from)
	assert.Equal(t, "main", to)
}

func TestSwitchBeforeBind(t *testing.T) {
	m := New(nil)
	_, err := m.Register("main")
	require.NoError(t, err)
	assert.ErrorIs(t, m.Switch("main"), ErrNotBound)
}
