package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sort"
	"sync"
	"time"
)

// CrashReport describes a panic that reached the top of a goroutine.
type CrashReport struct {
	Timestamp    time.Time      `json:"timestamp"`
	Version      string         `json:"version"`
	GOOS         string         `json:"goos"`
	GOARCH       string         `json:"goarch"`
	NumGoroutine int            `json:"num_goroutine"`
	PanicValue   string         `json:"panic_value"`
	StackTrace   string         `json:"stack_trace"`
	Component    string         `json:"component,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
}

// CrashHandlerConfig configures the crash handler.
type CrashHandlerConfig struct {
	// CrashDir is the directory crash reports are written to.
	CrashDir string

	// Version is the application version.
	Version string

	// Component is the component name.
	Component string

	// OnCrash is called after a report is written.
	OnCrash func(CrashReport)
}

// CrashHandler writes crash reports for unrecovered panics.
type CrashHandler struct {
	mu        sync.Mutex
	crashDir  string
	version   string
	component string
	onCrash   func(CrashReport)
	seq       int
}

// DefaultCrashDir returns $XDG_STATE_HOME/keyshell/crashes.
func DefaultCrashDir() string {
	return filepath.Join(stateDir(), "crashes")
}

// NewCrashHandler creates a crash handler.
func NewCrashHandler(cfg *CrashHandlerConfig) *CrashHandler {
	if cfg == nil {
		cfg = &CrashHandlerConfig{}
	}
	if cfg.CrashDir == "" {
		cfg.CrashDir = DefaultCrashDir()
	}
	return &CrashHandler{
		crashDir:  cfg.CrashDir,
		version:   cfg.Version,
		component: cfg.Component,
		onCrash:   cfg.OnCrash,
	}
}

// Recover runs fn and reports a panic instead of crashing.
func (h *CrashHandler) Recover(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.HandlePanic(r, nil)
		}
	}()
	fn()
}

// RecoverGoroutine reports a panic and lets the goroutine end.
// Usage: go func() { defer h.RecoverGoroutine("hotplug"); ... }()
func (h *CrashHandler) RecoverGoroutine(name string) {
	if r := recover(); r != nil {
		h.HandlePanic(r, map[string]any{"goroutine": name})
	}
}

// Repanic reports a panic and panics again, so the process still dies.
// Usage: defer h.Repanic()
func (h *CrashHandler) Repanic() {
	if r := recover(); r != nil {
		h.HandlePanic(r, map[string]any{"fatal": true})
		panic(r)
	}
}

// HandlePanic writes a crash report for a recovered panic value.
func (h *CrashHandler) HandlePanic(value any, contextInfo map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	report := CrashReport{
		Timestamp:    time.Now().UTC(),
		Version:      h.version,
		GOOS:         runtime.GOOS,
		GOARCH:       runtime.GOARCH,
		NumGoroutine: runtime.NumGoroutine(),
		PanicValue:   fmt.Sprintf("%v", value),
		StackTrace:   string(debug.Stack()),
		Component:    h.component,
		Context:      contextInfo,
	}

	path, err := h.write(report)
	if err != nil {
		Error("writing crash report failed", "error", err)
	} else {
		Error("crash report written", "path", path, "panic", report.PanicValue)
	}

	if h.onCrash != nil {
		h.onCrash(report)
	}
}

func (h *CrashHandler) write(report CrashReport) (string, error) {
	if err := os.MkdirAll(h.crashDir, 0750); err != nil {
		return "", fmt.Errorf("create crash directory: %w", err)
	}

	h.seq++
	name := fmt.Sprintf("crash-%s-%s-%03d.json", report.Component, report.Timestamp.Format("20060102-150405.000000"), h.seq)
	path := filepath.Join(h.crashDir, name)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal crash report: %w", err)
	}
	if err := os.WriteFile(path, data, 0640); err != nil {
		return "", fmt.Errorf("write crash report: %w", err)
	}
	return path, nil
}

// Reports returns the stored crash reports, oldest first.
func (h *CrashHandler) Reports() ([]CrashReport, error) {
	files, err := filepath.Glob(filepath.Join(h.crashDir, "crash-*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	reports := make([]CrashReport, 0, len(files))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			continue
		}
		var report CrashReport
		if err := json.Unmarshal(data, &report); err != nil {
			continue
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// CleanupOldReports removes crash reports older than maxAge.
func (h *CrashHandler) CleanupOldReports(maxAge time.Duration) error {
	files, err := filepath.Glob(filepath.Join(h.crashDir, "crash-*.json"))
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-maxAge)
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(file)
		}
	}
	return nil
}
