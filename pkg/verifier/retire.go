package verifier

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

const retireTick = time.Second

// retirer removes baseline records of paths that stayed absent for one
// fallback interval. Atomic saves that replace a file via rename bring the
// path back before the deadline and cancel the retirement.
type retirer struct {
	store    Baseline
	interval func() time.Duration

	mu       sync.Mutex
	deadline map[string]time.Time
	retired  atomic.Int64
}

func newRetirer(store Baseline, interval func() time.Duration) *retirer {
	return &retirer{store: store, interval: interval, deadline: make(map[string]time.Time)}
}

func (r *retirer) schedule(path string, seen time.Time) {
	if seen.IsZero() {
		seen = time.Now()
	}
	r.mu.Lock()
	r.deadline[path] = seen.Add(r.interval())
	r.mu.Unlock()
}

func (r *retirer) cancel(path string) {
	r.mu.Lock()
	delete(r.deadline, path)
	r.mu.Unlock()
}

func (r *retirer) pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.deadline)
}

func (r *retirer) run(ctx context.Context) {
	ticker := time.NewTicker(retireTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.sweep(now)
		}
	}
}

// due pops the paths whose deadline passed.
func (r *retirer) due(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var paths []string
	for path, deadline := range r.deadline {
		if !now.Before(deadline) {
			paths = append(paths, path)
			delete(r.deadline, path)
		}
	}
	return paths
}

func (r *retirer) sweep(now time.Time) {
	for _, path := range r.due(now) {
		if _, err := os.Lstat(path); err == nil || !errors.Is(err, os.ErrNotExist) {
			continue
		}
		r.retireTree(path)
	}
}

// retireTree retires path and, for vanished directories, every record below it.
func (r *retirer) retireTree(path string) {
	files, err := r.store.Files()
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("cannot list baseline for retirement")
		return
	}
	prefix := path + string(filepath.Separator)
	for _, file := range files {
		if file != path && !strings.HasPrefix(file, prefix) {
			continue
		}
		if _, err := os.Lstat(file); err == nil {
			continue
		}
		retired, err := r.store.Retire(file)
		if err != nil {
			log.Warn().Err(err).Str("path", file).Msg("retirement failed")
			continue
		}
		if retired {
			r.retired.Add(1)
		}
	}
}
