package quarantine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gentoomaniac/fsguard/pkg/baseline"
	"github.com/gentoomaniac/fsguard/pkg/db"
	"github.com/gentoomaniac/fsguard/pkg/detector"
	"github.com/gentoomaniac/fsguard/pkg/eventlog"
	"github.com/gentoomaniac/fsguard/pkg/hasher"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	StateQuarantined = "quarantined"
	StateReverted    = "reverted"
	StateReleased    = "released"
)

var (
	ErrEntryNotFound  = errors.New("quarantine entry not found")
	ErrEntryClosed    = errors.New("quarantine entry already closed")
	ErrNoRestoreImage = errors.New("quarantine entry has no restore image")
	ErrPathOccupied   = errors.New("original path is occupied")
)

// RevertVerificationError is returned when restored content does not match
// the baseline. The entry stays quarantined.
type RevertVerificationError struct {
	ID       string
	Path     string
	Expected []byte
	Actual   []byte
}

func (e *RevertVerificationError) Error() string {
	return fmt.Sprintf("revert of %s (%s): restored hash %x does not match baseline hash %x", e.Path, e.ID, e.Actual, e.Expected)
}

// Baseline is the part of the baseline store quarantine works with.
type Baseline interface {
	Hasher() (*hasher.Hasher, error)
	Hold(path string)
	Unhold(path string)
	SnapshotBlocksForBackup(path string) (*baseline.Snapshot, error)
	Put(path string, state baseline.FileState, blocks [][]byte, payloads map[int][]byte) error
}

type Store interface {
	SaveQuarantineEntry(entry *db.QuarantineEntry) error
	GetQuarantineEntry(id string) (*db.QuarantineEntry, error)
	ListQuarantineEntries() ([]*db.QuarantineEntry, error)
}

// Incidents receives containment updates.
type Incidents interface {
	MarkContained(id string) error
}

type Entry struct {
	ID             string    `json:"id"`
	OriginalPath   string    `json:"original_path"`
	QuarantinePath string    `json:"quarantine_path,omitempty"`
	IncidentID     string    `json:"incident_id"`
	BackedUpBlocks int       `json:"backed_up_blocks"`
	ExpectedHash   string    `json:"expected_hash,omitempty"`
	Size           int64     `json:"size"`
	Mode           string    `json:"mode"`
	State          string    `json:"state"`
	Created        time.Time `json:"created_at"`
	Updated        time.Time `json:"updated_at"`
}

func toEntry(e *db.QuarantineEntry) Entry {
	entry := Entry{
		ID:             e.ID,
		OriginalPath:   e.OriginalPath,
		QuarantinePath: e.QuarantinePath,
		IncidentID:     e.IncidentID,
		BackedUpBlocks: len(e.Blocks),
		Size:           e.Size,
		Mode:           e.FileMode.String(),
		State:          e.State,
		Created:        e.Created,
		Updated:        e.Updated,
	}
	if len(e.ExpectedHash) > 0 {
		entry.ExpectedHash = fmt.Sprintf("%x", e.ExpectedHash)
	}
	return entry
}

// Engine isolates incident members and reverts or releases them on request.
// It is the only writer to the quarantine directory.
type Engine struct {
	dir       string
	baseline  Baseline
	store     Store
	incidents Incidents
	events    *eventlog.Log

	mu sync.Mutex
	// entry locks and the path of every quarantined entry
	locks  map[string]*sync.Mutex
	active map[string]string
}

func New(dir string, base Baseline, store Store, incidents Incidents, events *eventlog.Log) (*Engine, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	if err := os.Chmod(dir, 0700); err != nil {
		return nil, err
	}
	if events == nil {
		events = eventlog.Nop()
	}
	e := &Engine{
		dir:       dir,
		baseline:  base,
		store:     store,
		incidents: incidents,
		events:    events,
		locks:     make(map[string]*sync.Mutex),
		active:    make(map[string]string),
	}

	entries, err := store.ListQuarantineEntries()
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if entry.State != StateQuarantined {
			continue
		}
		e.active[entry.OriginalPath] = entry.ID
		base.Hold(entry.OriginalPath)
	}
	if len(e.active) > 0 {
		log.Info().Int("entries", len(e.active)).Msg("quarantined paths held")
	}
	return e, nil
}

// Run quarantines the new members of every notification until the channel
// closes or ctx is done.
func (e *Engine) Run(ctx context.Context, notifications <-chan detector.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notifications:
			if !ok {
				return
			}
			e.Contain(n)
		}
	}
}

// Contain quarantines the new paths of n and marks the incident contained
// once every member is isolated.
func (e *Engine) Contain(n detector.Notification) {
	for _, path := range n.NewPaths {
		if _, err := e.Quarantine(path, n.Incident.ID); err != nil {
			log.Error().Err(err).Str("path", path).Str("incident", n.Incident.ID).Msg("quarantine failed")
		}
	}

	e.mu.Lock()
	contained := true
	for _, path := range n.Incident.Paths {
		if _, ok := e.active[path]; !ok {
			contained = false
			break
		}
	}
	e.mu.Unlock()
	if contained && e.incidents != nil {
		if err := e.incidents.MarkContained(n.Incident.ID); err != nil {
			log.Error().Err(err).Str("incident", n.Incident.ID).Msg("failed marking incident contained")
		}
	}
}

func (e *Engine) lock(id string) func() {
	e.mu.Lock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Quarantine isolates one file. The path is held in the baseline first so its
// record survives the file disappearing. A path that is already quarantined
// returns the existing entry.
func (e *Engine) Quarantine(path, incidentID string) (*Entry, error) {
	e.mu.Lock()
	if id, ok := e.active[path]; ok {
		e.mu.Unlock()
		return e.Get(id)
	}
	e.mu.Unlock()

	e.baseline.Hold(path)

	id := uuid.NewString()
	now := time.Now()
	entry := &db.QuarantineEntry{
		ID:           id,
		OriginalPath: path,
		IncidentID:   incidentID,
		State:        StateQuarantined,
		Created:      now,
		Updated:      now,
	}

	snapshot, err := e.baseline.SnapshotBlocksForBackup(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("no restore image available")
	} else {
		entry.RestorePath = filepath.Join(e.dir, id+".restore")
		if err := writeRestoreImage(entry.RestorePath, snapshot); err != nil {
			e.baseline.Unhold(path)
			return nil, fmt.Errorf("writing restore image for %s: %w", path, err)
		}
		entry.ExpectedHash = snapshot.FullHash
		entry.Size = snapshot.Size
		for _, block := range snapshot.Data {
			entry.Blocks = append(entry.Blocks, block.Hash)
		}
	}

	info, err := os.Lstat(path)
	switch {
	case err == nil:
		entry.FileMode = info.Mode().Perm()
		name := fmt.Sprintf("%s_%s_%s.quarantine", now.Format("20060102_150405"), id, filepath.Base(path))
		target := filepath.Join(e.dir, name)
		if err := move(path, target); err != nil {
			e.cleanup(entry)
			return nil, fmt.Errorf("moving %s to quarantine: %w", path, err)
		}
		if err := os.Chmod(target, 0600); err != nil {
			log.Warn().Err(err).Str("path", target).Msg("failed restricting quarantined file")
		}
		entry.QuarantinePath = target
	case errors.Is(err, os.ErrNotExist):
		log.Warn().Str("path", path).Msg("file already gone, keeping restore image only")
		entry.FileMode = 0644
	default:
		e.cleanup(entry)
		return nil, err
	}

	if entry.QuarantinePath == "" && entry.RestorePath == "" {
		e.baseline.Unhold(path)
		return nil, fmt.Errorf("%s: nothing to quarantine", path)
	}

	if err := e.store.SaveQuarantineEntry(entry); err != nil {
		// the file is isolated already, keep it held and report
		log.Error().Err(err).Str("entry", id).Str("path", path).Msg("failed persisting quarantine entry")
		return nil, err
	}

	e.mu.Lock()
	e.active[path] = id
	e.mu.Unlock()

	log.Warn().Str("entry", id).Str("path", path).Str("incident", incidentID).Msg("file quarantined")
	e.events.Critical(eventlog.FileQuarantined).
		Str("entry", id).
		Str("path", path).
		Str("incident", incidentID).
		Str("quarantine_path", entry.QuarantinePath).
		Int("backed_up_blocks", len(entry.Blocks)).
		Msg("file quarantined")

	result := toEntry(entry)
	return &result, nil
}

func (e *Engine) cleanup(entry *db.QuarantineEntry) {
	if entry.RestorePath != "" {
		os.Remove(entry.RestorePath)
	}
	e.baseline.Unhold(entry.OriginalPath)
}

// load fetches an entry that may still be operated on. Callers hold its lock.
func (e *Engine) load(id string) (*db.QuarantineEntry, error) {
	entry, err := e.store.GetQuarantineEntry(id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if entry.State != StateQuarantined {
		return nil, fmt.Errorf("%w: %s is %s", ErrEntryClosed, id, entry.State)
	}
	return entry, nil
}

func (e *Engine) close(entry *db.QuarantineEntry, state string) error {
	entry.State = state
	entry.Updated = time.Now()
	if state == StateReleased {
		entry.Blocks = nil
	}
	if err := e.store.SaveQuarantineEntry(entry); err != nil {
		return err
	}
	e.mu.Lock()
	if e.active[entry.OriginalPath] == entry.ID {
		delete(e.active, entry.OriginalPath)
	}
	e.mu.Unlock()
	e.baseline.Unhold(entry.OriginalPath)
	return nil
}

// Revert writes the pre-incident content back to the original path. The
// restored bytes are verified against the baseline hash before they replace
// anything. A failed verification is never retried automatically.
func (e *Engine) Revert(id string) (*Entry, error) {
	unlock := e.lock(id)
	defer unlock()

	entry, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if entry.RestorePath == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoRestoreImage, id)
	}
	h, err := e.baseline.Hasher()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(entry.OriginalPath), 0755); err != nil {
		return nil, err
	}
	tmp, err := copyToTemp(entry.RestorePath, filepath.Dir(entry.OriginalPath), entry.FileMode)
	if err != nil {
		return nil, fmt.Errorf("restoring %s: %w", entry.OriginalPath, err)
	}
	sum, _, err := h.FullHashFile(tmp)
	if err != nil {
		os.Remove(tmp)
		return nil, err
	}
	if !bytes.Equal(sum, entry.ExpectedHash) {
		os.Remove(tmp)
		verr := &RevertVerificationError{ID: id, Path: entry.OriginalPath, Expected: entry.ExpectedHash, Actual: sum}
		log.Error().Err(verr).Str("entry", id).Msg("revert verification failed")
		e.events.Critical(eventlog.RevertFailed).Str("entry", id).Str("path", entry.OriginalPath).Msg(verr.Error())
		return nil, verr
	}
	if err := os.Rename(tmp, entry.OriginalPath); err != nil {
		os.Remove(tmp)
		return nil, err
	}

	if err := e.close(entry, StateReverted); err != nil {
		return nil, err
	}
	removeIfSet(entry.QuarantinePath)
	removeIfSet(entry.RestorePath)

	log.Info().Str("entry", id).Str("path", entry.OriginalPath).Msg("file reverted")
	e.events.Event(eventlog.FileReverted).Str("entry", id).Str("path", entry.OriginalPath).Str("incident", entry.IncidentID).Msg("file reverted")
	result := toEntry(entry)
	return &result, nil
}

// Release accepts the quarantined content: it becomes the new baseline of the
// original path and the file is moved back unchanged.
func (e *Engine) Release(id string) (*Entry, error) {
	unlock := e.lock(id)
	defer unlock()

	entry, err := e.load(id)
	if err != nil {
		return nil, err
	}

	if entry.QuarantinePath != "" {
		if _, err := os.Lstat(entry.OriginalPath); err == nil {
			return nil, fmt.Errorf("%w: %s", ErrPathOccupied, entry.OriginalPath)
		}
		h, err := e.baseline.Hasher()
		if err != nil {
			return nil, err
		}
		res, payloads, err := h.HashFile(entry.QuarantinePath, func(int, []byte) bool { return true })
		if err != nil {
			return nil, err
		}
		state := baseline.FileState{Size: res.Size, FullHash: res.FullHash}
		if info, err := os.Stat(entry.QuarantinePath); err == nil {
			state.ModTime = info.ModTime()
		}
		// accept first so the returning file verifies as unchanged
		if err := e.baseline.Put(entry.OriginalPath, state, res.Blocks, payloads); err != nil {
			return nil, fmt.Errorf("accepting %s into baseline: %w", entry.OriginalPath, err)
		}
		if err := os.Chmod(entry.QuarantinePath, entry.FileMode); err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(entry.OriginalPath), 0755); err != nil {
			return nil, err
		}
		if err := move(entry.QuarantinePath, entry.OriginalPath); err != nil {
			return nil, err
		}
	}

	if err := e.close(entry, StateReleased); err != nil {
		return nil, err
	}
	removeIfSet(entry.RestorePath)

	log.Info().Str("entry", id).Str("path", entry.OriginalPath).Msg("file released")
	e.events.Event(eventlog.FileReleased).Str("entry", id).Str("path", entry.OriginalPath).Str("incident", entry.IncidentID).Msg("file released")
	result := toEntry(entry)
	return &result, nil
}

// List returns every entry, oldest first.
func (e *Engine) List() ([]Entry, error) {
	entries, err := e.store.ListQuarantineEntries()
	if err != nil {
		return nil, err
	}
	result := make([]Entry, 0, len(entries))
	for _, entry := range entries {
		result = append(result, toEntry(entry))
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].Created.Before(result[j].Created) })
	return result, nil
}

func (e *Engine) Get(id string) (*Entry, error) {
	entry, err := e.store.GetQuarantineEntry(id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	result := toEntry(entry)
	return &result, nil
}

// RevertFailure records an entry that could not be reverted. The entry stays
// quarantined.
type RevertFailure struct {
	EntryID      string `json:"entry_id"`
	Path         string `json:"path"`
	Verification bool   `json:"verification_failed"`
	Error        string `json:"error"`
}

// RevertPaths reverts the quarantined entry of every path in paths. Paths
// without an active entry are skipped. Nothing is retried.
func (e *Engine) RevertPaths(paths []string) ([]Entry, []RevertFailure) {
	e.mu.Lock()
	ids := make([]string, 0, len(paths))
	for _, path := range paths {
		if id, ok := e.active[path]; ok {
			ids = append(ids, id)
		}
	}
	e.mu.Unlock()

	var reverted []Entry
	var failures []RevertFailure
	for _, id := range ids {
		entry, err := e.Revert(id)
		if err == nil {
			reverted = append(reverted, *entry)
			continue
		}
		failure := RevertFailure{EntryID: id, Error: err.Error()}
		var verr *RevertVerificationError
		if errors.As(err, &verr) {
			failure.Verification = true
			failure.Path = verr.Path
		} else if current, gerr := e.Get(id); gerr == nil {
			failure.Path = current.OriginalPath
		}
		if !errors.Is(err, ErrEntryClosed) {
			log.Error().Err(err).Str("entry", id).Msg("automatic revert failed")
		}
		failures = append(failures, failure)
	}
	return reverted, failures
}

// Active is the number of entries still quarantined.
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

func writeRestoreImage(path string, snapshot *baseline.Snapshot) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	for _, block := range snapshot.Data {
		if _, err = f.Write(block.Data); err != nil {
			break
		}
	}
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
	}
	return err
}

// move renames src to dst, copying across filesystems.
func move(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return err
	}
	info, serr := os.Stat(src)
	if serr != nil {
		return err
	}
	tmp, cerr := copyToTemp(src, filepath.Dir(dst), info.Mode().Perm())
	if cerr != nil {
		return fmt.Errorf("rename failed (%v), copy failed: %w", err, cerr)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Remove(src)
}

// copyToTemp copies src into a new temp file in dir and returns its name.
func copyToTemp(src, dir string, mode os.FileMode) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	out, err := os.CreateTemp(dir, ".fsguard-*")
	if err != nil {
		return "", err
	}
	_, err = io.Copy(out, in)
	if err == nil {
		err = out.Sync()
	}
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Chmod(out.Name(), mode)
	}
	if err != nil {
		os.Remove(out.Name())
		return "", err
	}
	return out.Name(), nil
}

func removeIfSet(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Str("path", path).Msg("failed removing quarantine file")
	}
}
