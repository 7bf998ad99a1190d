// Package files owns the transient audio files staged between the chat
// transport and the speech engines.
package files

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// NewRequestID returns a fresh correlation id for one inbound event.
func NewRequestID() string {
	return uuid.NewString()
}

// Manager hands out uniquely named files under one directory and tracks how
// many are still unreleased.
type Manager struct {
	dir   string
	log   *slog.Logger
	live  atomic.Int64
	clock func() time.Time
	write func(name string, data []byte, perm fs.FileMode) error

	mu   sync.Mutex
	held map[string]struct{}
}

func New(dir string, log *slog.Logger) (*Manager, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "aethra")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	return &Manager{
		dir:   dir,
		log:   log.With(slog.String("component", "files")),
		clock: time.Now,
		write: os.WriteFile,
		held:  make(map[string]struct{}),
	}, nil
}

func (m *Manager) Dir() string { return m.dir }

// Live reports handles acquired and not yet released.
func (m *Manager) Live() int64 { return m.live.Load() }

// Path returns the name a request's file gets: <dir>/<chat>-<request><ext>.
func (m *Manager) Path(chatID int64, requestID, ext string) string {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return filepath.Join(m.dir, strconv.FormatInt(chatID, 10)+"-"+requestID+ext)
}

// Acquire reserves an empty file for the request. Two requests can never
// share a file: the name carries the request id and is created exclusively.
func (m *Manager) Acquire(chatID int64, requestID, ext string) (*Handle, error) {
	if requestID == "" {
		return nil, errors.New("request id must not be empty")
	}
	path := m.Path(chatID, requestID, ext)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("reserve transient file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("reserve transient file: %w", err)
	}
	m.live.Add(1)
	m.mu.Lock()
	m.held[path] = struct{}{}
	m.mu.Unlock()
	return &Handle{path: path, m: m}, nil
}

// Stage writes inbound media to a fresh file.
func (m *Manager) Stage(chatID int64, requestID, ext string, data []byte) (*Handle, error) {
	h, err := m.Acquire(chatID, requestID, ext)
	if err != nil {
		return nil, err
	}
	if err := m.write(h.path, data, 0o600); err != nil {
		return nil, errors.Join(fmt.Errorf("stage media: %w", err), h.Release())
	}
	m.log.Debug("media staged",
		slog.String("path", h.path),
		slog.String("size", humanize.Bytes(uint64(len(data)))))
	return h, nil
}

// Sweep deletes files older than age that no live handle holds: leftovers
// of a crashed process or of a request that never released its file.
func (m *Manager) Sweep(age time.Duration) (int, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return 0, fmt.Errorf("read temp dir: %w", err)
	}
	cutoff := m.clock().Add(-age)
	removed := 0
	var errs []error
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(m.dir, entry.Name())
		if m.holds(path) {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		m.log.Info("swept orphaned transient files", slog.Int("count", removed))
	}
	return removed, errors.Join(errs...)
}

func (m *Manager) holds(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.held[path]
	return ok
}

// Handle is one acquired transient file.
type Handle struct {
	path string
	m    *Manager
	once sync.Once
	err  error
}

func (h *Handle) Path() string { return h.path }

// Size returns the current file size.
func (h *Handle) Size() (int64, error) {
	info, err := os.Stat(h.path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Release deletes the file. It is safe to call more than once and on a file
// that was already removed.
func (h *Handle) Release() error {
	if h == nil {
		return nil
	}
	h.once.Do(func() {
		h.m.live.Add(-1)
		h.m.mu.Lock()
		delete(h.m.held, h.path)
		h.m.mu.Unlock()
		if err := os.Remove(h.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			h.err = fmt.Errorf("remove transient file: %w", err)
			h.m.log.Warn("failed to remove transient file",
				slog.String("path", h.path),
				slog.String("error", err.Error()))
		}
	})
	return h.err
}
