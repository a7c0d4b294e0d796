package watcher

import (
	"bytes"
	"context"
	"io/fs"
	"sort"
	"time"

	"github.com/gentoomaniac/fsguard/pkg/baseline"
	"github.com/rs/zerolog/log"
)

type fileState struct {
	size    int64
	modTime time.Time
	hash    []byte
}

// scanner diffs full-file hashes of one root against its previous scan.
type scanner struct {
	root     string
	exclude  func(string) bool
	fullHash func(string) ([]byte, int64, error)
	snapshot map[string]fileState
}

func newScanner(root string, exclude func(string) bool, fullHash func(string) ([]byte, int64, error)) *scanner {
	return &scanner{root: root, exclude: exclude, fullHash: fullHash}
}

func (s *scanner) walk(ctx context.Context) (map[string]fileState, error) {
	current := make(map[string]fileState, len(s.snapshot))
	err := baseline.WalkFiles(ctx, []string{s.root}, s.exclude, func(path string, info fs.FileInfo) error {
		hash, size, err := s.fullHash(path)
		if err != nil {
			// keep the old state so an unreadable file is not reported as deleted
			if previous, ok := s.snapshot[path]; ok {
				current[path] = previous
			}
			log.Debug().Err(err).Str("path", path).Msg("fallback scan could not hash file")
			return nil
		}
		current[path] = fileState{size: size, modTime: info.ModTime(), hash: hash}
		return nil
	})
	return current, err
}

// prime records the first snapshot. Files modified at or after since are
// reported as modified, nothing else is.
func (s *scanner) prime(ctx context.Context, since time.Time) ([]ChangeEvent, error) {
	current, err := s.walk(ctx)
	if err != nil {
		return nil, err
	}
	s.snapshot = current
	if since.IsZero() {
		return nil, nil
	}

	now := time.Now()
	var events []ChangeEvent
	for path, state := range current {
		if !state.modTime.Before(since) {
			events = append(events, ChangeEvent{Path: path, Kind: Modified, Timestamp: now, Source: SourceFallbackScan})
		}
	}
	sortEvents(events)
	return events, nil
}

// scan walks the root again and reports the drift since the last snapshot.
func (s *scanner) scan(ctx context.Context) ([]ChangeEvent, error) {
	current, err := s.walk(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var events []ChangeEvent
	for path, state := range current {
		previous, ok := s.snapshot[path]
		switch {
		case !ok:
			events = append(events, ChangeEvent{Path: path, Kind: Created, Timestamp: now, Source: SourceFallbackScan})
		case previous.size != state.size || !bytes.Equal(previous.hash, state.hash):
			events = append(events, ChangeEvent{Path: path, Kind: Modified, Timestamp: now, Source: SourceFallbackScan})
		}
	}
	for path := range s.snapshot {
		if _, ok := current[path]; !ok {
			events = append(events, ChangeEvent{Path: path, Kind: Deleted, Timestamp: now, Source: SourceFallbackScan})
		}
	}
	s.snapshot = current
	sortEvents(events)
	return events, nil
}

func sortEvents(events []ChangeEvent) {
	sort.Slice(events, func(i, j int) bool { return events[i].Path < events[j].Path })
}
