package baseline

import "sync"

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// pathLocks hands out one mutex per path and forgets it once unused.
type pathLocks struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

func newPathLocks() *pathLocks {
	return &pathLocks{locks: make(map[string]*lockEntry)}
}

func (p *pathLocks) Lock(path string) (unlock func()) {
	p.mu.Lock()
	entry, ok := p.locks[path]
	if !ok {
		entry = &lockEntry{}
		p.locks[path] = entry
	}
	entry.refs++
	p.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		p.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(p.locks, path)
		}
		p.mu.Unlock()
	}
}
