package daemon

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/gentoomaniac/fsguard/pkg/baseline"
	"github.com/gentoomaniac/fsguard/pkg/config"
	"github.com/gentoomaniac/fsguard/pkg/detector"
	"github.com/gentoomaniac/fsguard/pkg/eventlog"
	"github.com/gentoomaniac/fsguard/pkg/ipc"
	"github.com/gentoomaniac/fsguard/pkg/quarantine"
	"github.com/gentoomaniac/fsguard/pkg/verifier"
	"github.com/gentoomaniac/fsguard/pkg/watcher"
	"github.com/rs/zerolog/log"
)

const (
	CmdPing              = "Ping"
	CmdGetStatus         = "GetStatus"
	CmdEnterInitMode     = "EnterInitMode"
	CmdExitInitMode      = "ExitInitMode"
	CmdTriggerManualScan = "TriggerManualScan"
	CmdGetScan           = "GetScan"
	CmdCancelScan        = "CancelScan"
	CmdListIncidents     = "ListIncidents"
	CmdResolveIncident   = "ResolveIncident"
	CmdListQuarantine    = "ListQuarantine"
	CmdRevertEntry       = "RevertEntry"
	CmdReleaseEntry      = "ReleaseEntry"
	CmdReloadConfig      = "ReloadConfig"
	CmdEnterUpdateMode   = "EnterUpdateMode"
	CmdExitUpdateMode    = "ExitUpdateMode"
	CmdPauseMonitoring   = "PauseMonitoring"
	CmdResumeMonitoring  = "ResumeMonitoring"
	CmdListFiles         = "ListFiles"
	CmdGetFileInfo       = "GetFileInfo"
	CmdCheckFile         = "CheckFile"
	CmdGetConfig         = "GetConfig"
)

type IDArgs struct {
	ID string `json:"id"`
}

type ScanArgs struct {
	Path string `json:"path"`
}

type ResolveArgs struct {
	ID      string `json:"id"`
	Outcome string `json:"outcome"`
}

type PathArgs struct {
	Path string `json:"path"`
}

// UpdateArgs carries the update mode duration in seconds, zero means the
// configured default.
type UpdateArgs struct {
	Timeout int `json:"timeout,omitempty"`
}

type ModeResult struct {
	Mode    string     `json:"mode"`
	Paused  bool       `json:"paused,omitempty"`
	Expires *time.Time `json:"expires,omitempty"`
	Job     *Job       `json:"job,omitempty"`
}

// ResolveResult is the closed incident plus the outcome of the automatic
// revert of a confirmed incident.
type ResolveResult struct {
	detector.Incident
	Reverted       []quarantine.Entry         `json:"reverted,omitempty"`
	RevertFailures []quarantine.RevertFailure `json:"revert_failures,omitempty"`
}

type FileInfo struct {
	Path           string    `json:"path"`
	Generation     int64     `json:"generation"`
	Size           int64     `json:"size"`
	ModTime        time.Time `json:"mtime"`
	FullHash       string    `json:"full_hash"`
	Blocks         int       `json:"blocks"`
	AcceptedBlocks int       `json:"accepted_blocks"`
	Held           bool      `json:"held"`
	Inconsistent   string    `json:"inconsistent,omitempty"`
	IncidentMember bool      `json:"incident_member"`
}

type ReloadResult struct {
	Source string `json:"source"`
	// Pending lists settings that only apply after re-initialization or restart.
	Pending []string `json:"pending,omitempty"`
}

type Status struct {
	Mode           string              `json:"mode"`
	Paused         bool                `json:"paused"`
	UpdateExpires  *time.Time          `json:"update_expires,omitempty"`
	Started        time.Time           `json:"started"`
	Uptime         string              `json:"uptime"`
	ConfigSource   string              `json:"config_source"`
	Baseline       *baseline.Status    `json:"baseline,omitempty"`
	BaselineError  string              `json:"baseline_error,omitempty"`
	Inconsistent   map[string]string   `json:"inconsistent,omitempty"`
	Watcher        []watcher.RootState `json:"watcher"`
	QueueDepth     int                 `json:"queue_depth"`
	Verifier       verifier.Stats      `json:"verifier"`
	DetectorWindow int                 `json:"detector_window"`
	OpenIncidents  int                 `json:"open_incidents"`
	Quarantined    int                 `json:"quarantined"`
	Jobs           []Job               `json:"jobs,omitempty"`
}

func (d *Daemon) register() {
	s := d.server
	handle := func(name string, h ipc.Handler) { s.Handle(name, d.wrap(h)) }
	mutating := func(name string, h ipc.Handler) { s.HandleMutating(name, d.wrap(d.audit(name, h))) }

	s.Handle(CmdPing, func(ctx context.Context, args json.RawMessage) (interface{}, error) {
		return map[string]string{"message": "pong"}, nil
	})
	handle(CmdGetStatus, func(ctx context.Context, args json.RawMessage) (interface{}, error) {
		return d.Status(), nil
	})
	handle(CmdGetConfig, func(ctx context.Context, args json.RawMessage) (interface{}, error) {
		return d.cfg.Current(), nil
	})
	mutating(CmdEnterInitMode, func(ctx context.Context, args json.RawMessage) (interface{}, error) {
		return d.EnterInitMode()
	})
	mutating(CmdExitInitMode, func(ctx context.Context, args json.RawMessage) (interface{}, error) {
		return d.ExitInitMode()
	})
	mutating(CmdEnterUpdateMode, func(ctx context.Context, args json.RawMessage) (interface{}, error) {
		var in UpdateArgs
		if err := ipc.DecodeArgs(args, &in); err != nil {
			return nil, err
		}
		return d.EnterUpdateMode(in.Timeout)
	})
	mutating(CmdExitUpdateMode, func(ctx context.Context, args json.RawMessage) (interface{}, error) {
		return d.ExitUpdateMode()
	})
	mutating(CmdPauseMonitoring, func(ctx context.Context, args json.RawMessage) (interface{}, error) {
		return d.PauseMonitoring()
	})
	mutating(CmdResumeMonitoring, func(ctx context.Context, args json.RawMessage) (interface{}, error) {
		return d.ResumeMonitoring()
	})
	mutating(CmdTriggerManualScan, func(ctx context.Context, args json.RawMessage) (interface{}, error) {
		var in ScanArgs
		if err := ipc.DecodeArgs(args, &in); err != nil {
			return nil, err
		}
		return d.TriggerManualScan(in.Path)
	})
	handle(CmdGetScan, func(ctx context.Context, args json.RawMessage) (interface{}, error) {
		id, err := requireID(args)
		if err != nil {
			return nil, err
		}
		return d.jobs.get(id)
	})
	mutating(CmdCancelScan, func(ctx context.Context, args json.RawMessage) (interface{}, error) {
		id, err := requireID(args)
		if err != nil {
			return nil, err
		}
		return d.jobs.cancel(id)
	})
	handle(CmdListFiles, func(ctx context.Context, args json.RawMessage) (interface{}, error) {
		var in PathArgs
		if err := ipc.DecodeArgs(args, &in); err != nil {
			return nil, err
		}
		return d.ListFiles(in.Path)
	})
	handle(CmdGetFileInfo, func(ctx context.Context, args json.RawMessage) (interface{}, error) {
		path, err := requirePath(args)
		if err != nil {
			return nil, err
		}
		return d.GetFileInfo(path)
	})
	handle(CmdCheckFile, func(ctx context.Context, args json.RawMessage) (interface{}, error) {
		path, err := requirePath(args)
		if err != nil {
			return nil, err
		}
		return d.CheckFile(path)
	})
	handle(CmdListIncidents, func(ctx context.Context, args json.RawMessage) (interface{}, error) {
		return d.detector.List(), nil
	})
	mutating(CmdResolveIncident, func(ctx context.Context, args json.RawMessage) (interface{}, error) {
		var in ResolveArgs
		if err := ipc.DecodeArgs(args, &in); err != nil {
			return nil, err
		}
		if in.ID == "" {
			return nil, ipc.Errorf(ipc.CodeInvalidArgument, "id is required")
		}
		return d.ResolveIncident(in.ID, in.Outcome)
	})
	handle(CmdListQuarantine, func(ctx context.Context, args json.RawMessage) (interface{}, error) {
		return d.quarantine.List()
	})
	mutating(CmdRevertEntry, func(ctx context.Context, args json.RawMessage) (interface{}, error) {
		id, err := requireID(args)
		if err != nil {
			return nil, err
		}
		return d.quarantine.Revert(id)
	})
	mutating(CmdReleaseEntry, func(ctx context.Context, args json.RawMessage) (interface{}, error) {
		id, err := requireID(args)
		if err != nil {
			return nil, err
		}
		return d.quarantine.Release(id)
	})
	mutating(CmdReloadConfig, func(ctx context.Context, args json.RawMessage) (interface{}, error) {
		return d.ReloadConfig()
	})
}

func requireID(args json.RawMessage) (string, error) {
	var in IDArgs
	if err := ipc.DecodeArgs(args, &in); err != nil {
		return "", err
	}
	if in.ID == "" {
		return "", ipc.Errorf(ipc.CodeInvalidArgument, "id is required")
	}
	return in.ID, nil
}

func requirePath(args json.RawMessage) (string, error) {
	var in PathArgs
	if err := ipc.DecodeArgs(args, &in); err != nil {
		return "", err
	}
	if in.Path == "" || !filepath.IsAbs(in.Path) {
		return "", ipc.Errorf(ipc.CodeInvalidArgument, "path must be absolute, got %q", in.Path)
	}
	return filepath.Clean(in.Path), nil
}

// audit records every state changing command in the security log.
func (d *Daemon) audit(name string, h ipc.Handler) ipc.Handler {
	return func(ctx context.Context, args json.RawMessage) (interface{}, error) {
		result, err := h(ctx, args)
		event := d.events.Event(eventlog.AdminAction).Str("command", name)
		if len(args) > 0 && string(args) != "null" && json.Valid(args) {
			event = event.RawJSON("args", args)
		}
		if err != nil {
			event.Err(err).Msg("command rejected")
		} else {
			event.Msg("command executed")
		}
		return result, err
	}
}

// wrap translates domain errors into control plane error codes.
func (d *Daemon) wrap(h ipc.Handler) ipc.Handler {
	return func(ctx context.Context, args json.RawMessage) (interface{}, error) {
		result, err := h(ctx, args)
		if err != nil {
			return nil, toIPCError(err)
		}
		return result, nil
	}
}

func toIPCError(err error) error {
	var ierr *ipc.Error
	var verr *quarantine.RevertVerificationError
	var cerr *config.ConfigError
	switch {
	case errors.As(err, &ierr):
		return ierr
	case errors.As(err, &verr):
		return &ipc.Error{Code: ipc.CodeRevertVerificationFailed, Message: err.Error()}
	case errors.As(err, &cerr):
		return &ipc.Error{Code: ipc.CodeConfig, Message: err.Error()}
	case errors.Is(err, detector.ErrIncidentNotFound),
		errors.Is(err, quarantine.ErrEntryNotFound),
		errors.Is(err, ErrJobNotFound),
		errors.Is(err, baseline.ErrNotFound):
		return &ipc.Error{Code: ipc.CodeNotFound, Message: err.Error()}
	case errors.Is(err, detector.ErrInvalidOutcome):
		return &ipc.Error{Code: ipc.CodeInvalidArgument, Message: err.Error()}
	case errors.Is(err, detector.ErrIncidentClosed),
		errors.Is(err, quarantine.ErrEntryClosed),
		errors.Is(err, quarantine.ErrPathOccupied),
		errors.Is(err, quarantine.ErrNoRestoreImage),
		errors.Is(err, baseline.ErrBuildRunning),
		errors.Is(err, ErrWrongMode):
		return &ipc.Error{Code: ipc.CodeConflict, Message: err.Error()}
	case errors.Is(err, baseline.ErrNotInitialized),
		errors.Is(err, baseline.ErrStaleGeneration),
		errors.Is(err, baseline.ErrInconsistent),
		errors.Is(err, baseline.ErrBlockMissing):
		return &ipc.Error{Code: ipc.CodeBaselineInconsistency, Message: err.Error()}
	}
	return &ipc.Error{Code: ipc.CodeInternal, Message: err.Error()}
}

func (d *Daemon) Status() Status {
	d.mu.Lock()
	status := Status{Mode: d.mode, Paused: d.paused, Started: d.started}
	if d.mode == ModeUpdate {
		expires := d.updateUntil
		status.UpdateExpires = &expires
	}
	w := d.watcher
	d.mu.Unlock()

	if !status.Started.IsZero() {
		status.Uptime = time.Since(status.Started).Round(time.Second).String()
	}
	status.ConfigSource = d.cfg.Current().Source()
	if b, err := d.store.Baseline.Status(); err != nil {
		status.BaselineError = err.Error()
	} else {
		status.Baseline = b
	}
	if bad := d.store.Baseline.Inconsistent(); len(bad) > 0 {
		status.Inconsistent = bad
	}
	if w != nil {
		status.Watcher = w.States()
		status.QueueDepth = w.QueueDepth()
	}
	status.QueueDepth += len(d.changes)
	status.Verifier = d.verifier.Stats()
	status.DetectorWindow = d.detector.WindowSize()
	for _, inc := range d.detector.List() {
		if inc.Active() {
			status.OpenIncidents++
		}
	}
	status.Quarantined = d.quarantine.Active()
	status.Jobs = d.jobs.running("")
	return status
}

// EnterInitMode switches verdicts to baseline population and starts a full
// baseline build. The build runs as a job, its handle is returned.
func (d *Daemon) EnterInitMode() (*ModeResult, error) {
	parent := d.parent()
	d.mu.Lock()
	switch d.mode {
	case ModeInitialization:
		d.mu.Unlock()
		return nil, ipc.Errorf(ipc.CodeConflict, "already in initialization mode")
	case ModeUpdate:
		d.mu.Unlock()
		return nil, ipc.Errorf(ipc.CodeConflict, "leave update mode first")
	}
	d.mode = ModeInitialization
	d.mu.Unlock()

	d.verifier.SetInitMode(true)
	log.Info().Msg("entered initialization mode")
	d.events.Event(eventlog.InitModeEnabled).Msg("initialization mode enabled")

	patterns := d.cfg.Current().ProtectedPaths
	job := d.jobs.start(parent, JobBaseline, "", func(ctx context.Context, update func(func(*Job))) error {
		gen, err := d.store.Baseline.CreateBaseline(ctx, patterns)
		if err != nil {
			log.Error().Err(err).Msg("baseline build failed")
			return err
		}
		update(func(j *Job) { j.Generation = gen })
		status, _ := d.store.Baseline.Status()
		files := 0
		if status != nil {
			files = status.Files
		}
		d.events.Event(eventlog.BaselineBuilt).Int64("generation", gen).Int("files", files).Msg("baseline built")
		// roots are re-resolved for every new generation
		return d.restartWatcher(parent)
	})
	return &ModeResult{Mode: ModeInitialization, Job: &job}, nil
}

// ExitInitMode returns to monitoring. It is refused while a build runs.
func (d *Daemon) ExitInitMode() (*ModeResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mode != ModeInitialization {
		return nil, ErrWrongMode
	}
	if building := d.jobs.running(JobBaseline); len(building) > 0 {
		return nil, ipc.Errorf(ipc.CodeConflict, "baseline build %s still running", building[0].ID)
	}
	d.mode = ModeMonitoring
	d.verifier.SetInitMode(false)
	log.Info().Msg("left initialization mode")
	d.events.Event(eventlog.InitModeDisabled).Msg("initialization mode disabled")
	return &ModeResult{Mode: ModeMonitoring}, nil
}

// EnterUpdateMode accepts every change outside incidents into the baseline
// for timeout seconds. Entering again while active extends the window.
func (d *Daemon) EnterUpdateMode(timeout int) (*ModeResult, error) {
	if timeout < 0 {
		return nil, ipc.Errorf(ipc.CodeInvalidArgument, "timeout must not be negative")
	}
	if timeout == 0 {
		timeout = d.cfg.Current().UpdateMode.Timeout
	}
	if _, err := d.store.Baseline.Hasher(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mode == ModeInitialization {
		return nil, ipc.Errorf(ipc.CodeConflict, "not available in initialization mode")
	}
	extended := d.mode == ModeUpdate
	if d.updateTimer != nil {
		d.updateTimer.Stop()
	}
	duration := time.Duration(timeout) * time.Second
	d.mode = ModeUpdate
	d.updateUntil = time.Now().Add(duration)
	d.updateTimer = time.AfterFunc(duration, d.expireUpdateMode)
	d.verifier.SetUpdateMode(true)

	expires := d.updateUntil
	log.Info().Time("expires", expires).Bool("extended", extended).Msg("entered update mode")
	d.events.Event(eventlog.UpdateModeEnabled).Time("expires", expires).Bool("extended", extended).Msg("update mode enabled")
	return &ModeResult{Mode: ModeUpdate, Paused: d.paused, Expires: &expires}, nil
}

func (d *Daemon) ExitUpdateMode() (*ModeResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mode != ModeUpdate {
		return nil, ErrWrongMode
	}
	d.leaveUpdateMode("command")
	return &ModeResult{Mode: ModeMonitoring, Paused: d.paused}, nil
}

func (d *Daemon) expireUpdateMode() {
	d.mu.Lock()
	defer d.mu.Unlock()
	// a stopped timer may still fire after the window was extended
	if d.mode != ModeUpdate || time.Now().Before(d.updateUntil) {
		return
	}
	d.leaveUpdateMode("timeout")
}

// leaveUpdateMode must be called with mu held.
func (d *Daemon) leaveUpdateMode(reason string) {
	if d.updateTimer != nil {
		d.updateTimer.Stop()
		d.updateTimer = nil
	}
	d.mode = ModeMonitoring
	d.updateUntil = time.Time{}
	d.verifier.SetUpdateMode(false)
	log.Info().Str("reason", reason).Msg("left update mode")
	d.events.Event(eventlog.UpdateModeDisabled).Str("reason", reason).Msg("update mode disabled")
}

// PauseMonitoring stops the watcher. Commands keep working, changes made
// meanwhile are caught by the scan ResumeMonitoring starts.
func (d *Daemon) PauseMonitoring() (*ModeResult, error) {
	d.watchMu.Lock()
	defer d.watchMu.Unlock()

	d.mu.Lock()
	if d.paused {
		d.mu.Unlock()
		return nil, ipc.Errorf(ipc.CodeConflict, "monitoring already paused")
	}
	d.paused = true
	mode := d.mode
	d.mu.Unlock()

	d.stopWatcherLocked()
	log.Warn().Msg("monitoring paused")
	d.events.Warn(eventlog.MonitoringPaused).Msg("monitoring paused")
	return &ModeResult{Mode: mode, Paused: true}, nil
}

func (d *Daemon) ResumeMonitoring() (*ModeResult, error) {
	d.mu.Lock()
	if !d.paused {
		d.mu.Unlock()
		return nil, ipc.Errorf(ipc.CodeConflict, "monitoring is not paused")
	}
	d.paused = false
	mode := d.mode
	d.mu.Unlock()

	if err := d.restartWatcher(d.parent()); err != nil {
		return nil, err
	}
	result := &ModeResult{Mode: mode}
	if roots := d.Roots(); len(roots) > 0 {
		job := d.startScan("", roots)
		result.Job = &job
	}
	log.Info().Msg("monitoring resumed")
	d.events.Event(eventlog.MonitoringResumed).Msg("monitoring resumed")
	return result, nil
}

// TriggerManualScan verifies every file below path as a background job.
func (d *Daemon) TriggerManualScan(path string) (*Job, error) {
	if path == "" || !filepath.IsAbs(path) {
		return nil, ipc.Errorf(ipc.CodeInvalidArgument, "path must be absolute, got %q", path)
	}
	path = filepath.Clean(path)
	if _, err := os.Stat(path); err != nil {
		return nil, ipc.Errorf(ipc.CodeInvalidArgument, "%v", err)
	}
	if !baseline.Covers(d.Roots(), path) {
		return nil, ipc.Errorf(ipc.CodeInvalidArgument, "%s is not below a protected path", path)
	}
	job := d.startScan(path, []string{path})
	return &job, nil
}

func (d *Daemon) startScan(path string, roots []string) Job {
	exclude := d.cfg.Current().Excludes
	return d.jobs.start(d.parent(), JobScan, path, func(ctx context.Context, update func(func(*Job))) error {
		report, err := d.verifier.Scan(ctx, roots, exclude, func(progress verifier.ScanReport) {
			update(func(j *Job) { j.Report = &progress })
		})
		update(func(j *Job) { j.Report = &report })
		if err == nil {
			d.events.Event(eventlog.ScanFinished).
				Strs("paths", roots).
				Int64("files", report.Files).
				Int64("suspicious", report.Suspicious).
				Int64("missing", report.Missing).
				Msg("scan finished")
		}
		return err
	})
}

// ResolveIncident closes an incident. A confirmed incident gets its still
// quarantined members reverted when response.auto_revert is set.
func (d *Daemon) ResolveIncident(id, outcome string) (*ResolveResult, error) {
	inc, err := d.detector.Resolve(id, outcome)
	if err != nil {
		return nil, err
	}
	d.events.Event(eventlog.IncidentResolved).Str("incident", id).Str("outcome", outcome).Int("members", len(inc.Paths)).Msg("incident resolved")

	result := &ResolveResult{Incident: inc}
	if outcome == detector.OutcomeConfirmed && d.cfg.Current().Response.AutoRevert {
		result.Reverted, result.RevertFailures = d.quarantine.RevertPaths(inc.Paths)
		log.Info().
			Str("incident", id).
			Int("reverted", len(result.Reverted)).
			Int("failed", len(result.RevertFailures)).
			Msg("confirmed incident reverted")
	}
	return result, nil
}

// ListFiles returns the protected files of the active generation, limited
// to those below path when it is set.
func (d *Daemon) ListFiles(path string) ([]string, error) {
	if path != "" && !filepath.IsAbs(path) {
		return nil, ipc.Errorf(ipc.CodeInvalidArgument, "path must be absolute, got %q", path)
	}
	files, err := d.store.Baseline.Files()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return files, nil
	}
	below := []string{filepath.Clean(path)}
	matched := make([]string, 0, len(files))
	for _, f := range files {
		if baseline.Covers(below, f) {
			matched = append(matched, f)
		}
	}
	return matched, nil
}

func (d *Daemon) GetFileInfo(path string) (*FileInfo, error) {
	record, err := d.store.Baseline.Lookup(path)
	if err != nil {
		return nil, err
	}
	info := &FileInfo{
		Path:           record.Path,
		Generation:     record.Generation,
		Size:           record.Size,
		ModTime:        record.ModTime,
		FullHash:       hex.EncodeToString(record.FullHash),
		Blocks:         len(record.OriginalBlocks),
		Held:           d.store.Baseline.IsHeld(path),
		Inconsistent:   d.store.Baseline.Inconsistent()[path],
		IncidentMember: d.detector.IsMember(path),
	}
	for i, hash := range record.Blocks {
		if i >= len(record.OriginalBlocks) || !bytes.Equal(hash, record.OriginalBlocks[i]) {
			info.AcceptedBlocks++
		}
	}
	return info, nil
}

// CheckFile verifies path against the baseline without acting on the result.
func (d *Daemon) CheckFile(path string) (*verifier.Verdict, error) {
	verdict, err := d.verifier.Check(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ipc.Errorf(ipc.CodeNotFound, "%s does not exist", path)
	}
	return verdict, err
}

// ReloadConfig swaps in the configuration file's current content. Thresholds
// apply immediately, settings that shape the baseline or the watcher are
// reported as pending.
func (d *Daemon) ReloadConfig() (*ReloadResult, error) {
	previous := d.cfg.Current()
	cfg, err := d.cfg.Reload()
	if err != nil {
		return nil, err
	}

	result := &ReloadResult{Source: cfg.Source()}
	if previous.BlockConfig != cfg.BlockConfig {
		result.Pending = append(result.Pending, "block_config")
	}
	if !equalStrings(previous.ProtectedPaths, cfg.ProtectedPaths) {
		result.Pending = append(result.Pending, "protected_paths")
	}
	if previous.Monitoring != cfg.Monitoring {
		result.Pending = append(result.Pending, "monitoring")
	}
	if previous.Verifier != cfg.Verifier {
		result.Pending = append(result.Pending, "verifier")
	}
	if previous.StoragePath != cfg.StoragePath || previous.LogPath != cfg.LogPath || previous.IPCSocket != cfg.IPCSocket {
		result.Pending = append(result.Pending, "paths")
	}
	d.events.Event(eventlog.ConfigChanged).Str("source", cfg.Source()).Strs("pending", result.Pending).Msg("configuration reloaded")
	return result, nil
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
