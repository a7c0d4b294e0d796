package baseline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"sync"
	"time"

	"github.com/gentoomaniac/fsguard/pkg/config"
	"github.com/gentoomaniac/fsguard/pkg/db"
	"github.com/gentoomaniac/fsguard/pkg/hasher"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotInitialized  = errors.New("baseline not initialized")
	ErrStaleGeneration = errors.New("baseline generation does not match the block configuration")
	ErrNotFound        = errors.New("path not in baseline")
	ErrInconsistent    = errors.New("baseline record is inconsistent")
	ErrBuildRunning    = errors.New("baseline build already running")
	ErrBlockMissing    = errors.New("backup block missing")
)

// Record is the baseline of one tracked file.
type Record struct {
	Path       string
	Generation int64
	Size       int64
	ModTime    time.Time
	FullHash   []byte
	// Blocks are the accepted hashes, OriginalBlocks the hashes the
	// generation was built with.
	Blocks         [][]byte
	OriginalBlocks [][]byte
}

// FileState is the freshly observed metadata of a file.
type FileState struct {
	Size     int64
	ModTime  time.Time
	FullHash []byte
}

type Block struct {
	Index int
	Hash  []byte
	Data  []byte
}

// Snapshot is a copy of a record's accepted blocks including their payloads.
type Snapshot struct {
	Record
	Data []Block
}

type Status struct {
	Initialized  bool           `json:"initialized"`
	Generation   *db.Generation `json:"generation,omitempty"`
	Stale        bool           `json:"stale"`
	Building     bool           `json:"building"`
	Files        int            `json:"files"`
	Blocks       int            `json:"blocks"`
	TotalBytes   int64          `json:"total_bytes"`
	Held         int            `json:"held"`
	Inconsistent int            `json:"inconsistent"`
}

type Store struct {
	db        db.DB
	cfg       *config.Holder
	key       []byte
	backupDir string

	locks *pathLocks

	// genMu is held for writing only while a generation is activated.
	genMu      sync.RWMutex
	gen        *db.Generation
	genHasher  *hasher.Hasher
	buildingID int64

	buildMu sync.Mutex

	mu           sync.Mutex
	held         map[string]int
	inconsistent map[string]string
}

// Open loads the active generation and drops builds left over from a crash.
func Open(database db.DB, cfg *config.Holder, key []byte, backupDir string) (*Store, error) {
	s := &Store{
		db:           database,
		cfg:          cfg,
		key:          key,
		backupDir:    backupDir,
		locks:        newPathLocks(),
		held:         make(map[string]int),
		inconsistent: make(map[string]string),
	}

	purged, err := database.PurgeBuildingGenerations()
	if err != nil {
		return nil, err
	}
	if purged > 0 {
		log.Warn().Int64("generations", purged).Msg("discarded unfinished baseline builds")
	}

	gen, err := database.ActiveGeneration()
	if errors.Is(err, db.ErrNotFound) {
		log.Info().Msg("no baseline generation yet")
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	if err := s.setGeneration(gen); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) setGeneration(gen *db.Generation) error {
	h, err := hasher.New(gen.Algorithm, gen.BlockSize)
	if err != nil {
		return err
	}
	s.gen = gen
	s.genHasher = h
	log.Info().Int64("generation", gen.ID).Int("block_size", gen.BlockSize).Str("algorithm", gen.Algorithm).Msg("baseline generation loaded")
	return nil
}

// generation returns the active generation. Callers hold genMu.
func (s *Store) generation() (*db.Generation, *hasher.Hasher, error) {
	if s.gen == nil {
		return nil, nil, ErrNotInitialized
	}
	blocks := s.cfg.Current().BlockConfig
	if s.gen.BlockSize != blocks.Size || s.gen.Algorithm != blocks.Algorithm {
		return nil, nil, fmt.Errorf("%w: generation %d uses %d/%s, config has %d/%s", ErrStaleGeneration,
			s.gen.ID, s.gen.BlockSize, s.gen.Algorithm, blocks.Size, blocks.Algorithm)
	}
	return s.gen, s.genHasher, nil
}

// Hasher returns the hasher matching the active generation.
func (s *Store) Hasher() (*hasher.Hasher, error) {
	s.genMu.RLock()
	defer s.genMu.RUnlock()
	_, h, err := s.generation()
	return h, err
}

func toRecord(file *db.FileRecord) *Record {
	return &Record{
		Path:           file.Path,
		Generation:     file.GenerationID,
		Size:           file.Size,
		ModTime:        file.ModTime,
		FullHash:       file.FullHash,
		Blocks:         file.Blocks,
		OriginalBlocks: file.OriginalBlocks,
	}
}

func (s *Store) Lookup(path string) (*Record, error) {
	s.genMu.RLock()
	defer s.genMu.RUnlock()
	return s.lookup(path)
}

func (s *Store) lookup(path string) (*Record, error) {
	gen, _, err := s.generation()
	if err != nil {
		return nil, err
	}
	file, err := s.db.GetFile(gen.ID, path)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, err
	}
	return toRecord(file), nil
}

// CreateBaseline builds a new generation from the protected path globs and
// activates it in one step. On error or cancellation the previous generation
// stays active.
func (s *Store) CreateBaseline(ctx context.Context, patterns []string) (int64, error) {
	if !s.buildMu.TryLock() {
		return 0, ErrBuildRunning
	}
	defer s.buildMu.Unlock()

	cfg := s.cfg.Current()
	h, err := hasher.New(cfg.BlockConfig.Algorithm, cfg.BlockConfig.Size)
	if err != nil {
		return 0, err
	}
	roots, err := ResolveRoots(patterns)
	if err != nil {
		return 0, err
	}

	genID, err := s.db.BeginGeneration(h.BlockSize(), h.Algorithm())
	if err != nil {
		return 0, err
	}
	s.setBuilding(genID)
	defer s.setBuilding(0)

	logger := log.With().Int64("generation", genID).Logger()
	logger.Info().Strs("roots", roots).Msg("building baseline")

	started := time.Now()
	files := 0
	err = WalkFiles(ctx, roots, cfg.Excludes, func(path string, info fs.FileInfo) error {
		unlock := s.locks.Lock(path)
		defer unlock()

		res, err := h.HashFileEach(path, func(index int, hash []byte, data []byte) error {
			return s.storeBlock(hash, data)
		})
		var ioErr *hasher.IOError
		if errors.As(err, &ioErr) {
			logger.Warn().Err(err).Str("path", path).Msg("skipping unreadable file")
			return nil
		}
		if err != nil {
			return err
		}
		files++
		return s.db.PutFile(&db.FileRecord{
			GenerationID:   genID,
			Path:           path,
			Size:           res.Size,
			ModTime:        info.ModTime(),
			FullHash:       res.FullHash,
			Blocks:         res.Blocks,
			OriginalBlocks: res.Blocks,
		})
	})
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		s.setBuilding(0)
		if abortErr := s.db.AbortGeneration(genID); abortErr != nil {
			logger.Error().Err(abortErr).Msg("failed discarding baseline build")
		}
		logger.Warn().Err(err).Msg("baseline build aborted")
		return 0, err
	}

	s.genMu.Lock()
	defer s.genMu.Unlock()
	s.setBuilding(0)
	if err := s.db.ActivateGeneration(genID); err != nil {
		s.db.AbortGeneration(genID)
		return 0, err
	}
	gen, err := s.db.ActiveGeneration()
	if err != nil {
		return 0, err
	}
	if err := s.setGeneration(gen); err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.inconsistent = make(map[string]string)
	s.mu.Unlock()

	logger.Info().Int("files", files).Dur("took", time.Since(started)).Msg("baseline activated")
	return genID, nil
}

func (s *Store) setBuilding(id int64) {
	s.mu.Lock()
	s.buildingID = id
	s.mu.Unlock()
}

func (s *Store) Building() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buildingID != 0
}

// ensureBlocks makes sure every hash in blocks can be restored from the
// backup area, writing payloads where given.
func (s *Store) ensureBlocks(h *hasher.Hasher, hashes map[int][]byte, payloads map[int][]byte) error {
	indices := make([]int, 0, len(hashes))
	for index := range hashes {
		indices = append(indices, index)
	}
	sort.Ints(indices)

	for _, index := range indices {
		hash := hashes[index]
		if data, ok := payloads[index]; ok {
			if !bytes.Equal(h.Sum(data), hash) {
				return fmt.Errorf("payload for block %d does not match hash %x", index, hash)
			}
			if err := s.storeBlock(hash, data); err != nil {
				return err
			}
			continue
		}
		meta, err := s.db.GetBlockMeta(hash)
		if err != nil {
			return err
		}
		if meta == nil {
			return fmt.Errorf("%w: block %d (%x) has no payload", ErrBlockMissing, index, hash)
		}
	}
	return nil
}

// Put replaces the record for path with a complete, freshly hashed one. It
// also clears an inconsistency mark since nothing of the old record survives.
// While a build is running the record is written into the new generation too.
func (s *Store) Put(path string, state FileState, blocks [][]byte, payloads map[int][]byte) error {
	unlock := s.locks.Lock(path)
	defer unlock()
	s.genMu.RLock()
	defer s.genMu.RUnlock()

	s.mu.Lock()
	building := s.buildingID
	s.mu.Unlock()

	var targets []int64
	var h *hasher.Hasher
	gen, gh, err := s.generation()
	switch {
	case err == nil:
		targets = append(targets, gen.ID)
		h = gh
	case building != 0 && (errors.Is(err, ErrNotInitialized) || errors.Is(err, ErrStaleGeneration)):
	default:
		return err
	}
	if building != 0 {
		targets = append(targets, building)
		if h == nil {
			cfg := s.cfg.Current().BlockConfig
			if h, err = hasher.New(cfg.Algorithm, cfg.Size); err != nil {
				return err
			}
		}
	}
	if want := hasher.BlockCount(state.Size, h.BlockSize()); len(blocks) != want {
		return fmt.Errorf("%s: %d block hashes for %d bytes, expected %d", path, len(blocks), state.Size, want)
	}

	hashes := make(map[int][]byte, len(blocks))
	for i, hash := range blocks {
		hashes[i] = hash
	}
	if err := s.ensureBlocks(h, hashes, payloads); err != nil {
		return err
	}

	for _, genID := range targets {
		err := s.db.PutFile(&db.FileRecord{
			GenerationID:   genID,
			Path:           path,
			Size:           state.Size,
			ModTime:        state.ModTime,
			FullHash:       state.FullHash,
			Blocks:         blocks,
			OriginalBlocks: blocks,
		})
		if err != nil {
			return err
		}
	}

	s.mu.Lock()
	delete(s.inconsistent, path)
	s.mu.Unlock()
	return nil
}

// UpdateBlocks accepts new hashes for the changed block indices of path. The
// block count follows state.Size, blocks past the new end are dropped. Either
// the whole update is applied or none of it.
func (s *Store) UpdateBlocks(path string, state FileState, changed map[int][]byte, payloads map[int][]byte) error {
	unlock := s.locks.Lock(path)
	defer unlock()
	s.genMu.RLock()
	defer s.genMu.RUnlock()

	if reason, bad := s.isInconsistent(path); bad {
		return fmt.Errorf("%w: %s: %s", ErrInconsistent, path, reason)
	}
	gen, h, err := s.generation()
	if err != nil {
		return err
	}
	current, err := s.db.GetFile(gen.ID, path)
	if errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return err
	}

	count := hasher.BlockCount(state.Size, gen.BlockSize)
	blocks := make([][]byte, count)
	copy(blocks, current.Blocks)
	for index, hash := range changed {
		if index < 0 || index >= count {
			return fmt.Errorf("%s: changed block %d outside of %d blocks", path, index, count)
		}
		blocks[index] = hash
	}
	for index, hash := range blocks {
		if hash == nil {
			reason := fmt.Sprintf("block %d has no hash after update", index)
			s.MarkInconsistent(path, reason)
			return fmt.Errorf("%w: %s: %s", ErrInconsistent, path, reason)
		}
	}

	if err := s.ensureBlocks(h, changed, payloads); err != nil {
		if errors.Is(err, ErrBlockMissing) {
			s.MarkInconsistent(path, err.Error())
		}
		return err
	}
	return s.db.UpdateFileBlocks(&db.FileRecord{
		GenerationID: gen.ID,
		Path:         path,
		Size:         state.Size,
		ModTime:      state.ModTime,
		FullHash:     state.FullHash,
		Blocks:       blocks,
	}, changed)
}

// SnapshotBlocksForBackup copies the accepted block hashes of path together
// with their payloads from the backup area.
func (s *Store) SnapshotBlocksForBackup(path string) (*Snapshot, error) {
	unlock := s.locks.Lock(path)
	defer unlock()
	s.genMu.RLock()
	defer s.genMu.RUnlock()

	rec, err := s.lookup(path)
	if err != nil {
		return nil, err
	}
	_, h, err := s.generation()
	if err != nil {
		return nil, err
	}

	snapshot := &Snapshot{Record: *rec}
	for index, hash := range rec.Blocks {
		data, err := s.readBlock(hash, h.Sum)
		if err != nil {
			return nil, fmt.Errorf("%s: block %d: %w", path, index, err)
		}
		snapshot.Data = append(snapshot.Data, Block{Index: index, Hash: hash, Data: data})
	}
	return snapshot, nil
}

// Retire removes the record of a vanished path. Paths held by quarantine are
// kept and false is returned.
func (s *Store) Retire(path string) (bool, error) {
	unlock := s.locks.Lock(path)
	defer unlock()
	s.genMu.RLock()
	defer s.genMu.RUnlock()

	if s.IsHeld(path) {
		log.Debug().Str("path", path).Msg("not retiring held path")
		return false, nil
	}
	gen, _, err := s.generation()
	if err != nil {
		return false, err
	}
	deleted, err := s.db.DeleteFile(gen.ID, path)
	if err != nil {
		return false, err
	}
	if deleted {
		log.Info().Str("path", path).Msg("retired baseline record")
	}
	s.mu.Lock()
	delete(s.inconsistent, path)
	s.mu.Unlock()
	return deleted, nil
}

// Hold protects the record of path from retirement until Unhold.
func (s *Store) Hold(path string) {
	s.mu.Lock()
	s.held[path]++
	s.mu.Unlock()
}

func (s *Store) Unhold(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held[path] <= 1 {
		delete(s.held, path)
		return
	}
	s.held[path]--
}

func (s *Store) IsHeld(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held[path] > 0
}

// MarkInconsistent excludes path from benign updates until it is rebuilt.
func (s *Store) MarkInconsistent(path, reason string) {
	log.Error().Str("path", path).Str("reason", reason).Msg("baseline record marked inconsistent")
	s.mu.Lock()
	s.inconsistent[path] = reason
	s.mu.Unlock()
}

func (s *Store) isInconsistent(path string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reason, ok := s.inconsistent[path]
	return reason, ok
}

func (s *Store) IsInconsistent(path string) bool {
	_, bad := s.isInconsistent(path)
	return bad
}

// Inconsistent returns a copy of the inconsistent paths and their reasons.
func (s *Store) Inconsistent() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make(map[string]string, len(s.inconsistent))
	for path, reason := range s.inconsistent {
		result[path] = reason
	}
	return result
}

func (s *Store) Files() ([]string, error) {
	s.genMu.RLock()
	defer s.genMu.RUnlock()
	gen, _, err := s.generation()
	if err != nil {
		return nil, err
	}
	return s.db.ListFiles(gen.ID)
}

func (s *Store) Status() (*Status, error) {
	s.genMu.RLock()
	defer s.genMu.RUnlock()

	status := &Status{Building: s.Building()}
	s.mu.Lock()
	status.Held = len(s.held)
	status.Inconsistent = len(s.inconsistent)
	s.mu.Unlock()

	if s.gen == nil {
		return status, nil
	}
	status.Initialized = true
	gen := *s.gen
	status.Generation = &gen
	_, _, err := s.generation()
	status.Stale = errors.Is(err, ErrStaleGeneration)

	stats, err := s.db.Stats(s.gen.ID)
	if err != nil {
		return nil, err
	}
	status.Files = stats.Files
	status.Blocks = stats.Blocks
	status.TotalBytes = stats.TotalBytes
	return status, nil
}

// CheckIntegrity runs the database integrity check and verifies that every
// record's block count matches its size. Offending records are marked
// inconsistent and returned.
func (s *Store) CheckIntegrity() ([]string, error) {
	result, err := s.db.IntegrityCheck()
	if err != nil {
		return nil, err
	}
	if result != "ok" {
		return nil, fmt.Errorf("baseline database integrity check failed: %s", result)
	}

	s.genMu.RLock()
	defer s.genMu.RUnlock()
	gen, _, err := s.generation()
	if err != nil {
		return nil, err
	}
	paths, err := s.db.ListFiles(gen.ID)
	if err != nil {
		return nil, err
	}

	var bad []string
	for _, path := range paths {
		file, err := s.db.GetFile(gen.ID, path)
		if err != nil {
			return nil, err
		}
		want := hasher.BlockCount(file.Size, gen.BlockSize)
		if len(file.Blocks) != want {
			s.MarkInconsistent(path, fmt.Sprintf("%d block hashes for %d bytes, expected %d", len(file.Blocks), file.Size, want))
			bad = append(bad, path)
			continue
		}
		for index, hash := range file.Blocks {
			if hash == nil {
				s.MarkInconsistent(path, fmt.Sprintf("block %d has no hash", index))
				bad = append(bad, path)
				break
			}
		}
	}
	return bad, nil
}
