package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gentoomaniac/fsguard/pkg/baseline"
	"github.com/gentoomaniac/fsguard/pkg/config"
	"github.com/gentoomaniac/fsguard/pkg/crypt/aes256"
	"github.com/gentoomaniac/fsguard/pkg/db"
	"github.com/gentoomaniac/fsguard/pkg/detector"
	"github.com/gentoomaniac/fsguard/pkg/eventlog"
	"github.com/gentoomaniac/fsguard/pkg/hasher"
	"github.com/gentoomaniac/fsguard/pkg/ipc"
	"github.com/gentoomaniac/fsguard/pkg/quarantine"
	"github.com/gentoomaniac/fsguard/pkg/verifier"
	"github.com/gentoomaniac/fsguard/pkg/watcher"
	"github.com/rs/zerolog/log"
)

const (
	ModeMonitoring     = "monitoring"
	ModeInitialization = "initialization"
	ModeUpdate         = "update"
)

var ErrWrongMode = errors.New("command not allowed in the current mode")

// EnsureDirectories creates the storage layout with owner-only permissions.
// Failing here is fatal for the daemon.
func EnsureDirectories(cfg *config.Config) error {
	for _, dir := range []string{cfg.StoragePath, cfg.BackupDir(), cfg.QuarantineDir()} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
		if err := os.Chmod(dir, 0700); err != nil {
			return fmt.Errorf("restricting %s: %w", dir, err)
		}
	}
	for _, dir := range []string{filepath.Dir(cfg.LogPath), filepath.Dir(cfg.IPCSocket)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}

// Store bundles the persistent state shared by the daemon and the offline
// init command.
type Store struct {
	DB       *db.SQLLiteDB
	Baseline *baseline.Store
	lock     *os.File
}

// OpenStore locks the storage directory and opens the baseline database.
func OpenStore(holder *config.Holder) (*Store, error) {
	cfg := holder.Current()
	if err := EnsureDirectories(cfg); err != nil {
		return nil, err
	}
	lock, err := lockStore(cfg.LockPath())
	if err != nil {
		return nil, err
	}

	database, err := db.NewSQLLite(cfg.DBPath())
	if err != nil {
		lock.Close()
		return nil, err
	}
	if err := database.Init(); err != nil {
		database.Close()
		lock.Close()
		return nil, err
	}
	if err := os.Chmod(cfg.DBPath(), 0600); err != nil {
		log.Warn().Err(err).Str("path", cfg.DBPath()).Msg("failed restricting database permissions")
	}

	key, err := aes256.LoadOrCreateKey(cfg.KeyPath())
	if err != nil {
		database.Close()
		lock.Close()
		return nil, err
	}
	store, err := baseline.Open(database, holder, key, cfg.BackupDir())
	if err != nil {
		database.Close()
		lock.Close()
		return nil, err
	}
	return &Store{DB: database, Baseline: store, lock: lock}, nil
}

func (s *Store) Close() error {
	err := s.DB.Close()
	s.lock.Close()
	return err
}

// Daemon owns every component and the system mode. Components only talk to
// each other through the channels and interfaces wired here.
type Daemon struct {
	cfg   *config.Holder
	store *Store

	events     *eventlog.Log
	verifier   *verifier.Verifier
	detector   *detector.Detector
	quarantine *quarantine.Engine
	server     *ipc.Server
	jobs       *jobs

	// changes carries watcher events to the verifier across watcher restarts
	changes chan watcher.ChangeEvent

	// watchMu serializes watcher replacement, it is taken before mu
	watchMu sync.Mutex

	mu          sync.Mutex
	mode        string
	paused      bool
	updateUntil time.Time
	updateTimer *time.Timer
	watcher     *watcher.Watcher
	pumped      chan struct{}
	roots       []string
	started     time.Time
	ctx         context.Context
}

func New(holder *config.Holder) (*Daemon, error) {
	cfg := holder.Current()

	store, err := OpenStore(holder)
	if err != nil {
		return nil, err
	}
	events, err := eventlog.Open(cfg.LogPath)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("opening security log: %w", err)
	}

	d := &Daemon{
		cfg:     holder,
		store:   store,
		events:  events,
		jobs:    newJobs(100),
		changes: make(chan watcher.ChangeEvent, cfg.Verifier.QueueSize),
		mode:    ModeMonitoring,
	}

	if d.detector, err = detector.New(holder, store.DB); err != nil {
		d.Close()
		return nil, err
	}
	d.verifier = verifier.New(store.Baseline, holder, &verdictSink{detector: d.detector, events: events})
	if d.quarantine, err = quarantine.New(cfg.QuarantineDir(), store.Baseline, store.DB, d.detector, events); err != nil {
		d.Close()
		return nil, fmt.Errorf("opening quarantine: %w", err)
	}

	d.server = ipc.NewServer(cfg.IPCSocket)
	d.register()
	if err := d.server.Listen(); err != nil {
		d.Close()
		return nil, fmt.Errorf("opening control socket: %w", err)
	}
	return d, nil
}

// Close releases the store and the security log. Run closes them itself.
func (d *Daemon) Close() error {
	d.events.Close()
	return d.store.Close()
}

// Run starts every component and blocks until ctx is done.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.Close()

	d.mu.Lock()
	d.started = time.Now()
	d.ctx = ctx
	d.mu.Unlock()

	if bad, err := d.store.Baseline.CheckIntegrity(); err == nil && len(bad) > 0 {
		log.Error().Strs("paths", bad).Msg("inconsistent baseline records found")
	} else if errors.Is(err, baseline.ErrNotInitialized) {
		log.Warn().Msg("no baseline yet, enter initialization mode or run fsguard init")
	} else if errors.Is(err, baseline.ErrStaleGeneration) {
		log.Warn().Msg("baseline was built with a different block configuration and needs re-initialization")
	} else if err != nil {
		return err
	}

	var wg sync.WaitGroup
	run := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	contain := make(chan detector.Notification)
	run(func() { d.detector.Run(ctx) })
	run(func() { d.relay(ctx, contain) })
	run(func() { d.quarantine.Run(ctx, contain) })
	run(func() { d.verifier.Run(ctx, d.changes) })

	if err := d.restartWatcher(ctx); err != nil {
		log.Error().Err(err).Msg("could not resolve protected paths")
	}

	serverErr := make(chan error, 1)
	run(func() { serverErr <- d.server.Serve(ctx) })

	d.events.Event(eventlog.SystemStart).Str("mode", d.Mode()).Strs("roots", d.Roots()).Msg("daemon started")
	log.Info().Str("socket", d.cfg.Current().IPCSocket).Msg("fsguard running")

	var err error
	select {
	case <-ctx.Done():
	case err = <-serverErr:
		log.Error().Err(err).Msg("control socket failed")
	}

	d.mu.Lock()
	if d.updateTimer != nil {
		d.updateTimer.Stop()
	}
	d.mu.Unlock()
	d.jobs.wait()
	d.stopWatcher()
	wg.Wait()
	d.events.Event(eventlog.SystemStop).Msg("daemon stopped")
	log.Info().Msg("fsguard stopped")
	return err
}

func (d *Daemon) Mode() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// parent is the context jobs started from commands run under.
func (d *Daemon) parent() context.Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx == nil {
		return context.Background()
	}
	return d.ctx
}

func (d *Daemon) Roots() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.roots...)
}

// restartWatcher resolves protected_paths again and replaces the running
// watcher. The old watcher is drained completely before the new one starts.
// While monitoring is paused only the roots are updated.
func (d *Daemon) restartWatcher(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.watchMu.Lock()
	defer d.watchMu.Unlock()

	cfg := d.cfg.Current()
	roots, err := baseline.ResolveRoots(cfg.ProtectedPaths)
	if err != nil {
		return err
	}
	if len(roots) == 0 {
		log.Warn().Strs("protected_paths", cfg.ProtectedPaths).Msg("protected paths match nothing")
	}

	d.mu.Lock()
	paused := d.paused
	if paused {
		d.roots = roots
	}
	d.mu.Unlock()
	if paused {
		log.Debug().Strs("roots", roots).Msg("monitoring paused, watcher not started")
		return nil
	}

	d.stopWatcherLocked()

	h, err := hasher.New(cfg.BlockConfig.Algorithm, cfg.BlockConfig.Size)
	if err != nil {
		return err
	}
	w := watcher.New(watcher.Options{
		Roots:            roots,
		UseInotify:       cfg.Monitoring.UseInotify,
		FallbackInterval: time.Duration(cfg.Monitoring.FallbackInterval) * time.Second,
		QueueSize:        cfg.Verifier.QueueSize,
		Exclude:          cfg.Excludes,
		FullHash:         h.FullHashFile,
	})
	pumped := make(chan struct{})

	d.mu.Lock()
	d.watcher = w
	d.pumped = pumped
	d.roots = roots
	d.mu.Unlock()

	w.Start(ctx)
	go func() {
		defer close(pumped)
		for event := range w.Events() {
			select {
			case d.changes <- event:
			case <-ctx.Done():
				// keep draining so Stop can close the channel
			}
		}
	}()
	return nil
}

func (d *Daemon) stopWatcher() {
	d.watchMu.Lock()
	defer d.watchMu.Unlock()
	d.stopWatcherLocked()
}

func (d *Daemon) stopWatcherLocked() {
	d.mu.Lock()
	w, pumped := d.watcher, d.pumped
	d.watcher, d.pumped = nil, nil
	d.mu.Unlock()
	if w == nil {
		return
	}
	w.Stop()
	<-pumped
}

// relay forwards incident notifications to quarantine and the security log.
func (d *Daemon) relay(ctx context.Context, contain chan<- detector.Notification) {
	defer close(contain)
	for n := range d.detector.Notifications() {
		kind := eventlog.IncidentExtended
		if n.Opened {
			kind = eventlog.IncidentOpened
		}
		d.events.Critical(kind).
			Str("incident", n.Incident.ID).
			Strs("paths", n.NewPaths).
			Int("members", len(n.Incident.Paths)).
			Time("window_start", n.Incident.WindowStart).
			Msg("ransomware activity")

		select {
		case contain <- n:
		case <-ctx.Done():
			return
		}
	}
}

// verdictSink feeds verdicts to the detector and records suspicious ones.
type verdictSink struct {
	detector *detector.Detector
	events   *eventlog.Log
}

func (s *verdictSink) Observe(v verifier.Verdict) {
	if v.Suspicious {
		s.events.Warn(eventlog.FileSuspicious).
			Str("path", v.Path).
			Float64("change_percent", v.ChangePercent).
			Float64("entropy", v.Entropy).
			Str("source", string(v.Source)).
			Msg("suspicious modification")
	} else if v.ChangedBlocks > 0 && !v.New {
		s.events.Event(eventlog.FileModifiedAllowed).
			Str("path", v.Path).
			Int("changed_blocks", v.ChangedBlocks).
			Msg("benign modification accepted")
	}
	s.detector.Observe(v)
}

func (s *verdictSink) IsMember(path string) bool {
	return s.detector.IsMember(path)
}
