package logging

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileRotator is an io.Writer that rotates the log file once it grows past
// Config.MaxSize megabytes.
type FileRotator struct {
	config *Config
	now    func() time.Time

	mu   sync.Mutex
	file *os.File
	size int64
	wg   sync.WaitGroup
}

// NewFileRotator opens the log file, creating its directory.
func NewFileRotator(cfg *Config) (*FileRotator, error) {
	r := &FileRotator{
		config: cfg,
		now:    time.Now,
	}

	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if err := r.openFile(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileRotator) openFile() error {
	file, err := os.OpenFile(r.config.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat log file: %w", err)
	}

	r.file = file
	r.size = info.Size()
	return nil
}

// Write implements io.Writer.
func (r *FileRotator) Write(p []byte) (n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		if err := r.openFile(); err != nil {
			return 0, err
		}
	}

	if r.size > 0 && r.size+int64(len(p)) > r.maxBytes() {
		if err := r.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log: %w", err)
		}
	}

	n, err = r.file.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *FileRotator) maxBytes() int64 {
	if r.config.MaxSize <= 0 {
		return 10 * 1024 * 1024
	}
	return r.config.MaxSize * 1024 * 1024
}

func (r *FileRotator) rotate() error {
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("close current log: %w", err)
	}
	r.file = nil

	rotated := r.rotatedPath()
	if err := os.Rename(r.config.FilePath, rotated); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rename log file: %w", err)
	}

	if err := r.openFile(); err != nil {
		return err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if r.config.Compress {
			compressFile(rotated)
		}
		r.cleanup()
	}()
	return nil
}

func (r *FileRotator) rotatedPath() string {
	base := filepath.Base(r.config.FilePath)
	ext := filepath.Ext(base)
	name := strings.TrimSuffix(base, ext)
	stamp := r.now().Format("20060102-150405.000")
	return filepath.Join(filepath.Dir(r.config.FilePath), fmt.Sprintf("%s-%s%s", name, stamp, ext))
}

func compressFile(path string) {
	in, err := os.Open(path)
	if err != nil {
		return
	}
	defer in.Close()

	out, err := os.Create(path + ".gz")
	if err != nil {
		return
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	gz.Name = filepath.Base(path)
	if _, err := io.Copy(gz, in); err != nil {
		gz.Close()
		os.Remove(path + ".gz")
		return
	}
	if err := gz.Close(); err != nil {
		os.Remove(path + ".gz")
		return
	}
	os.Remove(path)
}

// cleanup keeps the newest MaxBackups rotated files.
func (r *FileRotator) cleanup() {
	files, err := r.Backups()
	if err != nil || r.config.MaxBackups <= 0 {
		return
	}
	if len(files) <= r.config.MaxBackups {
		return
	}
	for _, f := range files[:len(files)-r.config.MaxBackups] {
		os.Remove(f)
	}
}

// Backups returns the rotated files, oldest first.
func (r *FileRotator) Backups() ([]string, error) {
	base := filepath.Base(r.config.FilePath)
	ext := filepath.Ext(base)
	name := strings.TrimSuffix(base, ext)

	matches, err := filepath.Glob(filepath.Join(filepath.Dir(r.config.FilePath), name+"-*"+ext+"*"))
	if err != nil {
		return nil, err
	}
	// The timestamp in the name sorts chronologically.
	sort.Strings(matches)
	return matches, nil
}

// Close waits for pending compression and closes the file.
func (r *FileRotator) Close() error {
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		return err
	}
	return nil
}

// Sync flushes the file.
func (r *FileRotator) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		return r.file.Sync()
	}
	return nil
}
