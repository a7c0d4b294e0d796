package detector

import "time"

type entry struct {
	path string
	ts   time.Time
	seq  uint64
}

// window is a time-ordered queue of suspicious observations plus the latest
// observation per path. Queue entries superseded by a later observation of
// the same path are skipped on eviction.
type window struct {
	queue []entry
	head  int
	last  map[string]entry
	now   time.Time
	seq   uint64
}

func newWindow() *window {
	return &window{last: make(map[string]entry)}
}

// advance moves the window clock forward. It never goes backwards.
func (w *window) advance(ts time.Time) time.Time {
	if ts.After(w.now) {
		w.now = ts
	}
	return w.now
}

// add records path at ts. Late timestamps are inserted in order, equal
// timestamps keep their arrival order.
func (w *window) add(path string, ts time.Time) {
	w.seq++
	e := entry{path: path, ts: ts, seq: w.seq}
	w.last[path] = e

	i := len(w.queue)
	for i > w.head && w.queue[i-1].ts.After(ts) {
		i--
	}
	w.queue = append(w.queue, entry{})
	copy(w.queue[i+1:], w.queue[i:])
	w.queue[i] = e
}

func (w *window) remove(path string) {
	delete(w.last, path)
}

// evict drops every observation older than cutoff.
func (w *window) evict(cutoff time.Time) {
	for w.head < len(w.queue) && w.queue[w.head].ts.Before(cutoff) {
		e := w.queue[w.head]
		if current, ok := w.last[e.path]; ok && current.seq == e.seq {
			delete(w.last, e.path)
		}
		w.queue[w.head] = entry{}
		w.head++
	}
	if w.head > 0 && w.head*2 >= len(w.queue) {
		w.queue = append(w.queue[:0], w.queue[w.head:]...)
		w.head = 0
	}
}

func (w *window) len() int {
	return len(w.last)
}

func (w *window) contains(path string) bool {
	_, ok := w.last[path]
	return ok
}

// paths returns the distinct paths in the order they entered the window.
func (w *window) paths() []string {
	result := make([]string, 0, len(w.last))
	seen := make(map[string]bool, len(w.last))
	for _, e := range w.queue[w.head:] {
		current, ok := w.last[e.path]
		if !ok || seen[e.path] {
			continue
		}
		// a path counts from its latest observation onwards
		if current.seq != e.seq {
			continue
		}
		seen[e.path] = true
		result = append(result, e.path)
	}
	return result
}

// start is the timestamp of the oldest live observation.
func (w *window) start() time.Time {
	for _, e := range w.queue[w.head:] {
		if current, ok := w.last[e.path]; ok && current.seq == e.seq {
			return e.ts
		}
	}
	return w.now
}
