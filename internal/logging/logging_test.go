package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		hasError bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"ERROR", LevelError, false},
		{"invalid", LevelInfo, true},
		{"", LevelInfo, true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			level, err := ParseLevel(test.input)
			if test.hasError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.expected, level)
			assert.Equal(t, test.expected, mustParse(t, LevelString(level)))
		})
	}
}

func mustParse(t *testing.T, s string) Level {
	t.Helper()
	l, err := ParseLevel(s)
	require.NoError(t, err)
	return l
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("JSON")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)

	f, err = ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatText, f)

	_, err = ParseFormat("xml")
	assert.Error(t, err)
}

func TestJSONOutputWithComponent(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Format = FormatJSON
	cfg.Writer = &buf

	l, err := New(cfg)
	require.NoError(t, err)
	l.WithComponent("input").Info("processing callback", "key", "KEY_ENTER")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "processing callback", rec["msg"])
	assert.Equal(t, "KEY_ENTER", rec["key"])
	assert.Equal(t, "input", rec["component"])
}

func TestSetLevelAppliesToDerivedLoggers(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Writer = &buf

	l, err := New(cfg)
	require.NoError(t, err)
	child := l.WithComponent("hotplug")

	child.Debug("hidden")
	assert.Empty(t, buf.String())

	l.SetLevel(LevelDebug)
	assert.Equal(t, LevelDebug, child.GetLevel())
	child.Debug("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestFileOutput(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Output = "file"
	cfg.FilePath = filepath.Join(t.TempDir(), "logs", "keyshell.log")

	l, err := New(cfg)
	require.NoError(t, err)
	l.Info("driver attached", "driver", "hid-0")
	require.NoError(t, l.Sync())
	require.NoError(t, l.Close())

	data, err := os.ReadFile(cfg.FilePath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "driver attached")
}

func TestRotation(t *testing.T) {
	cfg := &Config{
		FilePath:   filepath.Join(t.TempDir(), "keyshell.log"),
		MaxSize:    1,
		MaxBackups: 2,
	}
	r, err := NewFileRotator(cfg)
	require.NoError(t, err)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	n := 0
	r.now = func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}

	chunk := []byte(strings.Repeat("x", 700*1024))
	for i := 0; i < 5; i++ {
		_, err := r.Write(chunk)
		require.NoError(t, err)
	}
	require.NoError(t, r.Close())

	backups, err := r.Backups()
	require.NoError(t, err)
	assert.Len(t, backups, 2)

	info, err := os.Stat(cfg.FilePath)
	require.NoError(t, err)
	assert.Equal(t, int64(len(chunk)), info.Size())
}

func TestRotationCompresses(t *testing.T) {
	cfg := &Config{
		FilePath:   filepath.Join(t.TempDir(), "keyshell.log"),
		MaxSize:    1,
		MaxBackups: 5,
		Compress:   true,
	}
	r, err := NewFileRotator(cfg)
	require.NoError(t, err)

	chunk := []byte(strings.Repeat("y", 700*1024))
	for i := 0; i < 2; i++ {
		_, err := r.Write(chunk)
		require.NoError(t, err)
	}
	require.NoError(t, r.Close())

	backups, err := r.Backups()
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.True(t, strings.HasSuffix(backups[0], ".log.gz"))
}

func TestCrashHandler(t *testing.T) {
	dir := t.TempDir()
	var got CrashReport
	h := NewCrashHandler(&CrashHandlerConfig{
		CrashDir:  dir,
		Version:   "test",
		Component: "keyshell",
		OnCrash:   func(r CrashReport) { got = r },
	})

	h.Recover(func() { panic("driver exploded") })
	assert.Equal(t, "driver exploded", got.PanicValue)

	func() {
		defer h.RecoverGoroutine("hotplug")
		panic("watcher died")
	}()

	reports, err := h.Reports()
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, "test", reports[0].Version)
	assert.NotEmpty(t, reports[0].StackTrace)

	assert.Panics(t, func() {
		defer h.Repanic()
		panic("fatal")
	})

	require.NoError(t, h.CleanupOldReports(-time.Hour))
	reports, err = h.Reports()
	require.NoError(t, err)
	assert.Empty(t, reports)
}
