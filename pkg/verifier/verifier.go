package verifier

import (
	"bytes"
	"context"
	"errors"
	"hash/fnv"
	"io"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gentoomaniac/fsguard/pkg/baseline"
	"github.com/gentoomaniac/fsguard/pkg/config"
	"github.com/gentoomaniac/fsguard/pkg/hasher"
	"github.com/gentoomaniac/fsguard/pkg/watcher"
	"github.com/rs/zerolog/log"
)

// entropySampleLimit caps the bytes fed into the entropy estimate.
const entropySampleLimit = 1 << 20

const ioRetryDelay = 100 * time.Millisecond

// Baseline is the part of the baseline store the verifier works with.
type Baseline interface {
	Hasher() (*hasher.Hasher, error)
	Lookup(path string) (*baseline.Record, error)
	Put(path string, state baseline.FileState, blocks [][]byte, payloads map[int][]byte) error
	UpdateBlocks(path string, state baseline.FileState, changed map[int][]byte, payloads map[int][]byte) error
	Retire(path string) (bool, error)
	Files() ([]string, error)
	IsInconsistent(path string) bool
}

// Detector receives every verdict in per-path order.
type Detector interface {
	Observe(v Verdict)
	IsMember(path string) bool
}

type outcome struct {
	verdict *Verdict
	err     error
}

type task struct {
	event watcher.ChangeEvent
	reply chan<- outcome
}

type Stats struct {
	Processed  int64 `json:"processed"`
	Suspicious int64 `json:"suspicious"`
	Updated    int64 `json:"updated"`
	Inserted   int64 `json:"inserted"`
	Accepted   int64 `json:"accepted"`
	Errors     int64 `json:"errors"`
	Retired    int64 `json:"retired"`
	Pending    int   `json:"pending_retirements"`
}

// Verifier checks changed files against the baseline with a fixed pool of
// workers. A path always lands on the same worker, so events for one path are
// verified and reported in the order they arrived.
type Verifier struct {
	store    Baseline
	cfg      *config.Holder
	detector Detector

	queuesMu sync.RWMutex
	closed   bool
	queues   []chan task
	initMode   atomic.Bool
	updateMode atomic.Bool
	retirer    *retirer

	processed  atomic.Int64
	suspicious atomic.Int64
	updated    atomic.Int64
	inserted   atomic.Int64
	accepted   atomic.Int64
	failures   atomic.Int64

	wg sync.WaitGroup
}

func New(store Baseline, cfg *config.Holder, detector Detector) *Verifier {
	current := cfg.Current()
	workers := current.Verifier.Workers
	depth := current.Verifier.QueueSize / workers
	if depth < 1 {
		depth = 1
	}
	v := &Verifier{
		store:    store,
		cfg:      cfg,
		detector: detector,
		queues:   make([]chan task, workers),
	}
	for i := range v.queues {
		v.queues[i] = make(chan task, depth)
	}
	v.retirer = newRetirer(store, func() time.Duration {
		return time.Duration(cfg.Current().Monitoring.FallbackInterval) * time.Second
	})
	return v
}

// SetInitMode switches between verifying and populating the baseline.
func (v *Verifier) SetInitMode(on bool) {
	v.initMode.Store(on)
}

func (v *Verifier) InitMode() bool {
	return v.initMode.Load()
}

// SetUpdateMode makes every change an authorized one: the observed content
// replaces the baseline record and no verdict is produced. Incident members
// are still verified.
func (v *Verifier) SetUpdateMode(on bool) {
	v.updateMode.Store(on)
}

func (v *Verifier) UpdateMode() bool {
	return v.updateMode.Load()
}

func (v *Verifier) Stats() Stats {
	return Stats{
		Processed:  v.processed.Load(),
		Suspicious: v.suspicious.Load(),
		Updated:    v.updated.Load(),
		Inserted:   v.inserted.Load(),
		Accepted:   v.accepted.Load(),
		Errors:     v.failures.Load(),
		Retired:    v.retirer.retired.Load(),
		Pending:    v.retirer.pending(),
	}
}

func (v *Verifier) queueFor(path string) chan task {
	h := fnv.New32a()
	h.Write([]byte(path))
	return v.queues[h.Sum32()%uint32(len(v.queues))]
}

// Run dispatches events to the workers until events is closed or ctx is done.
func (v *Verifier) Run(ctx context.Context, events <-chan watcher.ChangeEvent) {
	for i, queue := range v.queues {
		v.wg.Add(1)
		go v.work(ctx, i, queue)
	}
	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		v.retirer.run(ctx)
	}()

	log.Info().Int("workers", len(v.queues)).Msg("verifier started")
	defer func() {
		v.queuesMu.Lock()
		v.closed = true
		for _, queue := range v.queues {
			close(queue)
		}
		v.queuesMu.Unlock()
		v.wg.Wait()
		log.Info().Msg("verifier stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if !v.dispatch(ctx, task{event: event}) {
				return
			}
		}
	}
}

func (v *Verifier) dispatch(ctx context.Context, t task) bool {
	v.queuesMu.RLock()
	defer v.queuesMu.RUnlock()
	if v.closed {
		return false
	}
	select {
	case v.queueFor(t.event.Path) <- t:
		return true
	case <-ctx.Done():
		return false
	}
}

func (v *Verifier) work(ctx context.Context, id int, queue <-chan task) {
	defer v.wg.Done()
	logger := log.With().Int("worker", id).Logger()

	for t := range queue {
		verdict, err := v.handle(ctx, t.event)
		if err != nil {
			v.failures.Add(1)
			logger.Warn().Err(err).Str("path", t.event.Path).Str("kind", string(t.event.Kind)).Msg("verification failed")
		}
		if t.reply != nil {
			t.reply <- outcome{verdict: verdict, err: err}
		}
	}
}

func (v *Verifier) handle(ctx context.Context, event watcher.ChangeEvent) (*Verdict, error) {
	if event.Terminal() {
		v.retirer.schedule(event.Path, event.Timestamp)
		return nil, nil
	}
	v.retirer.cancel(event.Path)

	verdict, err := v.verify(event)
	var ioErr *hasher.IOError
	if errors.As(err, &ioErr) && !errors.Is(err, os.ErrNotExist) {
		select {
		case <-ctx.Done():
			return nil, err
		case <-time.After(ioRetryDelay):
		}
		verdict, err = v.verify(event)
	}
	if errors.Is(err, baseline.ErrNotInitialized) {
		log.Debug().Str("path", event.Path).Msg("no baseline yet, change not verified")
		return nil, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		// gone again before we got to it, the terminal event follows
		log.Debug().Str("path", event.Path).Msg("changed file vanished before verification")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	v.processed.Add(1)
	if verdict == nil {
		return nil, nil
	}
	if verdict.Suspicious {
		v.suspicious.Add(1)
		log.Warn().
			Str("path", verdict.Path).
			Int("changed_blocks", verdict.ChangedBlocks).
			Int("total_blocks", verdict.TotalBlocks).
			Float64("change_percent", verdict.ChangePercent).
			Float64("entropy", verdict.Entropy).
			Msg("suspicious change")
	}
	v.detector.Observe(*verdict)
	return verdict, nil
}

func stateOf(path string, res *hasher.Result) baseline.FileState {
	state := baseline.FileState{Size: res.Size, FullHash: res.FullHash}
	if info, err := os.Stat(path); err == nil {
		state.ModTime = info.ModTime()
	}
	return state
}

func keepAll(int, []byte) bool { return true }

// verify computes the verdict for one created or modified file. In init and
// update mode the file is written to the baseline and no verdict is produced.
func (v *Verifier) verify(event watcher.ChangeEvent) (*Verdict, error) {
	h, err := v.store.Hasher()
	if v.InitMode() {
		return nil, v.populate(event.Path, h, err, &v.inserted)
	}
	if v.UpdateMode() && !v.detector.IsMember(event.Path) {
		if err != nil {
			return nil, err
		}
		log.Debug().Str("path", event.Path).Msg("accepting change in update mode")
		return nil, v.populate(event.Path, h, nil, &v.accepted)
	}
	if err != nil {
		return nil, err
	}

	record, err := v.store.Lookup(event.Path)
	if errors.Is(err, baseline.ErrNotFound) {
		return v.insert(event, h)
	}
	if err != nil {
		return nil, err
	}

	verdict, res, changedPayloads, err := v.evaluate(event, h, record)
	if err != nil {
		return nil, err
	}
	if !verdict.Suspicious {
		v.acceptBenign(event.Path, record, res, changedPayloads)
	}
	return verdict, nil
}

// Check verifies path against its baseline record without touching the
// baseline or the detector. It uses whole-file entropy like a manual scan.
func (v *Verifier) Check(path string) (*Verdict, error) {
	h, err := v.store.Hasher()
	if err != nil {
		return nil, err
	}
	record, err := v.store.Lookup(path)
	if err != nil {
		return nil, err
	}
	event := watcher.ChangeEvent{Path: path, Kind: watcher.Modified, Timestamp: time.Now(), Source: watcher.SourceFallbackScan}
	verdict, _, _, err := v.evaluate(event, h, record)
	return verdict, err
}

// evaluate hashes the file of event and compares it with record. The returned
// payloads are the blocks that differ from the accepted hashes.
func (v *Verifier) evaluate(event watcher.ChangeEvent, h *hasher.Hasher, record *baseline.Record) (*Verdict, *hasher.Result, map[int][]byte, error) {
	res, changedPayloads, err := h.HashFile(event.Path, func(index int, hash []byte) bool {
		return index >= len(record.Blocks) || !bytes.Equal(hash, record.Blocks[index])
	})
	if err != nil {
		return nil, nil, nil, err
	}

	total := len(record.OriginalBlocks)
	if len(res.Blocks) > total {
		total = len(res.Blocks)
	}
	changed := 0
	for i := 0; i < total; i++ {
		if i >= len(record.OriginalBlocks) || i >= len(res.Blocks) || !bytes.Equal(record.OriginalBlocks[i], res.Blocks[i]) {
			changed++
		}
	}

	var entropy float64
	if event.Source == watcher.SourceFallbackScan {
		entropy, err = fileEntropy(event.Path)
		if err != nil {
			return nil, nil, nil, err
		}
	} else {
		entropy = hasher.Entropy(sample(changedPayloads))
	}

	thresholds := v.cfg.Current().RansomwareThresholds
	verdict := &Verdict{
		Path:          event.Path,
		Timestamp:     event.Timestamp,
		Kind:          event.Kind,
		Source:        event.Source,
		TotalBlocks:   total,
		ChangedBlocks: changed,
		ChangePercent: ChangePercent(changed, total),
		Entropy:       entropy,
	}
	verdict.Suspicious = changed > 0 && IsSuspicious(verdict.ChangePercent, entropy,
		thresholds.BlockChangePercent, thresholds.EntropyThreshold)
	return verdict, res, changedPayloads, nil
}

// acceptBenign moves the accepted hashes of path to the observed content.
func (v *Verifier) acceptBenign(path string, record *baseline.Record, res *hasher.Result, payloads map[int][]byte) {
	if len(payloads) == 0 && len(res.Blocks) == len(record.Blocks) && bytes.Equal(res.FullHash, record.FullHash) {
		return
	}
	if v.store.IsInconsistent(path) {
		log.Warn().Str("path", path).Msg("not updating inconsistent baseline record")
		return
	}
	if v.detector.IsMember(path) {
		log.Info().Str("path", path).Msg("not updating baseline of incident member")
		return
	}

	changed := make(map[int][]byte, len(payloads))
	for index := range payloads {
		changed[index] = res.Blocks[index]
	}
	if err := v.store.UpdateBlocks(path, stateOf(path, res), changed, payloads); err != nil {
		v.failures.Add(1)
		log.Error().Err(err).Str("path", path).Msg("failed updating baseline")
		return
	}
	v.updated.Add(1)
	log.Debug().Str("path", path).Int("blocks", len(changed)).Msg("baseline updated")
}

// insert adds a file without a baseline record. The verdict is never suspicious.
func (v *Verifier) insert(event watcher.ChangeEvent, h *hasher.Hasher) (*Verdict, error) {
	res, payloads, err := h.HashFile(event.Path, keepAll)
	if err != nil {
		return nil, err
	}
	if err := v.store.Put(event.Path, stateOf(event.Path, res), res.Blocks, payloads); err != nil {
		return nil, err
	}
	v.inserted.Add(1)
	log.Info().Str("path", event.Path).Int("blocks", len(res.Blocks)).Msg("added new file to baseline")

	return &Verdict{
		Path:          event.Path,
		Timestamp:     event.Timestamp,
		Kind:          event.Kind,
		Source:        event.Source,
		TotalBlocks:   len(res.Blocks),
		ChangedBlocks: len(res.Blocks),
		ChangePercent: ChangePercent(len(res.Blocks), len(res.Blocks)),
		Entropy:       hasher.Entropy(sample(payloads)),
		New:           true,
	}, nil
}

// populate records the current content as the accepted baseline of path and
// counts it in counter.
func (v *Verifier) populate(path string, h *hasher.Hasher, hasherErr error, counter *atomic.Int64) error {
	if hasherErr != nil {
		current := v.cfg.Current().BlockConfig
		var err error
		if h, err = hasher.New(current.Algorithm, current.Size); err != nil {
			return err
		}
	}
	res, payloads, err := h.HashFile(path, keepAll)
	if err != nil {
		return err
	}
	err = v.store.Put(path, stateOf(path, res), res.Blocks, payloads)
	if errors.Is(err, baseline.ErrNotInitialized) || errors.Is(err, baseline.ErrStaleGeneration) {
		log.Debug().Str("path", path).Msg("no generation to populate yet, the running build covers it")
		return nil
	}
	if err == nil {
		counter.Add(1)
	}
	return err
}

// sample concatenates payloads in block order up to the entropy sample limit.
func sample(payloads map[int][]byte) []byte {
	indices := make([]int, 0, len(payloads))
	for index := range payloads {
		indices = append(indices, index)
	}
	sort.Ints(indices)

	var buffer []byte
	for _, index := range indices {
		remaining := entropySampleLimit - len(buffer)
		if remaining <= 0 {
			break
		}
		data := payloads[index]
		if len(data) > remaining {
			data = data[:remaining]
		}
		buffer = append(buffer, data...)
	}
	return buffer
}

func fileEntropy(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, &hasher.IOError{Path: path, Err: err}
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, entropySampleLimit))
	if err != nil {
		return 0, &hasher.IOError{Path: path, Err: err}
	}
	return hasher.Entropy(data), nil
}
