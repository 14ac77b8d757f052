/*
Package leak maintains the process's collection of deliberately
unclosed file handles.

Each leaked handle is an anonymous temp file kept open for no reason
other than occupying a descriptor slot. The registry only tracks
handles it opened itself; descriptors held by other subsystems are
invisible to it.
*/
package leak

import (
	"log/slog"
	"os"
	"sync"
)

// marker is written to each leaked file so the handles are not
// zero-length curiosities in debugging tools.
var marker = []byte("fdleakd leaked descriptor")

// Registry is an ordered, mutex-guarded collection of open handles.
// One registry exists per process; it is constructed in main and
// passed to the accounting service rather than living as a package
// global, so tests can inject a fresh one.
type Registry struct {
	mu     sync.Mutex
	files  []*os.File
	logger *slog.Logger
}

// New returns an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Leak opens n new handles and registers them without closing. Opens
// are attempted sequentially; the first failure stops the loop and
// whatever succeeded so far is registered and counted. Partial success
// is not an error.
func (r *Registry) Leak(n int) int {
	opened := make([]*os.File, 0, max(n, 0))
	for i := 0; i < n; i++ {
		f, err := os.CreateTemp("", "fdleakd-leak-*")
		if err != nil {
			r.logger.Error("failed to open leak handle",
				"created", len(opened),
				"requested", n,
				"error", err,
			)
			break
		}
		// Unlink immediately so only the open handle pins the
		// descriptor; nothing is left on disk after close.
		_ = os.Remove(f.Name())
		_, _ = f.Write(marker) //nolint:errcheck // content is irrelevant

		opened = append(opened, f)
	}

	if len(opened) > 0 {
		r.mu.Lock()
		r.files = append(r.files, opened...)
		total := len(r.files)
		r.mu.Unlock()

		r.logger.Debug("leaked descriptors",
			"created", len(opened),
			"requested", n,
			"total_leaked", total,
		)
	}

	return len(opened)
}

// CleanupAll closes and removes every registered handle. Individual
// close failures are logged, never propagated, and the registry is
// empty afterward regardless.
func (r *Registry) CleanupAll() int {
	r.mu.Lock()
	taken := r.files
	r.files = nil
	r.mu.Unlock()

	r.closeAll(taken)
	return len(taken)
}

// CleanupN closes and removes the n most recently added handles, last
// opened first. Returns the count actually closed, which is at most
// min(n, current size).
func (r *Registry) CleanupN(n int) int {
	if n <= 0 {
		return 0
	}

	r.mu.Lock()
	if n > len(r.files) {
		n = len(r.files)
	}
	cut := len(r.files) - n
	taken := make([]*os.File, n)
	copy(taken, r.files[cut:])
	r.files = r.files[:cut]
	r.mu.Unlock()

	// Close in LIFO order: last opened, first reclaimed.
	for i, j := 0, len(taken)-1; i < j; i, j = i+1, j-1 {
		taken[i], taken[j] = taken[j], taken[i]
	}
	r.closeAll(taken)
	return len(taken)
}

// Size returns the current number of registered handles.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.files)
}

func (r *Registry) closeAll(files []*os.File) {
	for _, f := range files {
		if err := f.Close(); err != nil {
			r.logger.Error("failed to close leaked handle", "error", err)
		}
	}
}
