// Package testutil provides staging fixtures and fault-injecting filesystems for tests.
package testutil

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/go-git/go-billy/v5"

	"github.com/tus-placer/backend/internal/storage"
)

// HookFS wraps a filesystem and lets tests fail selected operations.
type HookFS struct {
	storage.FS

	// OnRename, OnOpen and OnRemove return a non-nil error to fail the call.
	OnRename func(from, to string) error
	OnOpen   func(name string) error
	OnRemove func(name string) error

	mu      sync.Mutex
	renames []string
}

// Rename records the call and consults OnRename first.
func (h *HookFS) Rename(from, to string) error {
	h.mu.Lock()
	h.renames = append(h.renames, from+" -> "+to)
	h.mu.Unlock()

	if h.OnRename != nil {
		if err := h.OnRename(from, to); err != nil {
			return err
		}
	}
	return h.FS.Rename(from, to)
}

// Open consults OnOpen first.
func (h *HookFS) Open(name string) (billy.File, error) {
	if h.OnOpen != nil {
		if err := h.OnOpen(name); err != nil {
			return nil, &os.PathError{Op: "open", Path: name, Err: err}
		}
	}
	return h.FS.Open(name)
}

// Remove consults OnRemove first.
func (h *HookFS) Remove(name string) error {
	if h.OnRemove != nil {
		if err := h.OnRemove(name); err != nil {
			return &os.PathError{Op: "remove", Path: name, Err: err}
		}
	}
	return h.FS.Remove(name)
}

// Renames returns every rename attempted so far.
func (h *HookFS) Renames() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.renames...)
}

// CrossDevice simulates each of volumes being a separate device: a rename
// whose source and target live under different volumes fails with EXDEV.
func CrossDevice(base storage.FS, volumes ...string) *HookFS {
	return &HookFS{
		FS: base,
		OnRename: func(from, to string) error {
			if volumeOf(from, volumes) != volumeOf(to, volumes) {
				return &os.LinkError{Op: "rename", Old: from, New: to, Err: syscall.EXDEV}
			}
			return nil
		},
	}
}

func volumeOf(path string, volumes []string) string {
	clean := filepath.Clean(path)
	for _, v := range volumes {
		v = filepath.Clean(v)
		if clean == v || strings.HasPrefix(clean, v+string(filepath.Separator)) {
			return v
		}
	}
	return ""
}
