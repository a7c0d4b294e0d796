package verifier

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/gentoomaniac/fsguard/pkg/baseline"
	"github.com/gentoomaniac/fsguard/pkg/watcher"
	"github.com/rs/zerolog/log"
)

// ErrStopped is returned by Scan when the verifier stopped before every file
// was handed to a worker.
var ErrStopped = errors.New("verifier stopped")

type ScanReport struct {
	Files           int64    `json:"files"`
	Changed         int64    `json:"changed"`
	New             int64    `json:"new"`
	Suspicious      int64    `json:"suspicious"`
	Missing         int64    `json:"missing"`
	Errors          int64    `json:"errors"`
	SuspiciousPaths []string `json:"suspicious_paths,omitempty"`
}

// Scan verifies every file below roots through the worker pool, with the
// whole-file semantics of a fallback scan. Baseline records below roots whose
// file is gone are scheduled for retirement. progress, if set, is called after
// each file. Run must be active.
func (v *Verifier) Scan(ctx context.Context, roots []string, exclude func(string) bool, progress func(ScanReport)) (ScanReport, error) {
	var (
		report  ScanReport
		mu      sync.Mutex
		pending sync.WaitGroup
	)
	replies := make(chan outcome, 64)
	collected := make(chan struct{})

	go func() {
		defer close(collected)
		for reply := range replies {
			mu.Lock()
			report.Files++
			switch {
			case reply.err != nil:
				report.Errors++
			case reply.verdict == nil:
			case reply.verdict.New:
				report.New++
			case reply.verdict.ChangedBlocks > 0:
				report.Changed++
			}
			if reply.verdict != nil && reply.verdict.Suspicious {
				report.Suspicious++
				report.SuspiciousPaths = append(report.SuspiciousPaths, reply.verdict.Path)
			}
			snapshot := report
			mu.Unlock()
			pending.Done()
			if progress != nil {
				progress(snapshot)
			}
		}
	}()

	seen := make(map[string]bool)
	err := baseline.WalkFiles(ctx, roots, exclude, func(path string, info fs.FileInfo) error {
		seen[path] = true
		pending.Add(1)
		t := task{
			event: watcher.ChangeEvent{Path: path, Kind: watcher.Modified, Timestamp: time.Now(), Source: watcher.SourceFallbackScan},
			reply: replies,
		}
		if !v.dispatch(ctx, t) {
			pending.Done()
			if err := ctx.Err(); err != nil {
				return err
			}
			return ErrStopped
		}
		return nil
	})
	pending.Wait()
	close(replies)
	<-collected

	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return report, err
	}

	if files, ferr := v.store.Files(); ferr == nil {
		for _, path := range files {
			if seen[path] || !baseline.Covers(roots, path) {
				continue
			}
			if _, serr := os.Lstat(path); os.IsNotExist(serr) {
				report.Missing++
				v.retirer.schedule(path, time.Now())
			}
		}
	} else {
		log.Debug().Err(ferr).Msg("scan skipped missing file check")
	}

	log.Info().
		Int64("files", report.Files).
		Int64("changed", report.Changed).
		Int64("new", report.New).
		Int64("suspicious", report.Suspicious).
		Int64("missing", report.Missing).
		Msg("manual scan finished")
	return report, nil
}
