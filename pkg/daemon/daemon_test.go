package daemon

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gentoomaniac/fsguard/pkg/config"
	"github.com/gentoomaniac/fsguard/pkg/detector"
	"github.com/gentoomaniac/fsguard/pkg/ipc"
	"github.com/gentoomaniac/fsguard/pkg/quarantine"
	"github.com/gentoomaniac/fsguard/pkg/watcher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const configTemplate = `protected_paths: [%q]
block_config: {size: 4096, algorithm: sha256}
ransomware_thresholds: {files_count: %d, time_window: 60, block_change_percent: 70, entropy_threshold: 7.5}
monitoring: {fallback_interval: 1, use_inotify: false}
verifier: {workers: 2, queue_size: 64}
storage_path: %q
log_path: %q
ipc_socket: %q
`

type env struct {
	root       string
	configPath string
	storage    string
	logPath    string
	socket     string
	client     *ipc.Client
	daemon     *Daemon
	done       chan error
}

func (e *env) writeConfig(t *testing.T, filesCount int) {
	t.Helper()
	data := fmt.Sprintf(configTemplate, e.root, filesCount, e.storage, e.logPath, e.socket)
	require.NoError(t, os.WriteFile(e.configPath, []byte(data), 0600))
}

func startDaemon(t *testing.T) *env {
	t.Helper()
	// unix socket paths are short, keep everything below one short temp dir
	dir, err := os.MkdirTemp("", "fsg")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	e := &env{
		root:       filepath.Join(dir, "docs"),
		configPath: filepath.Join(dir, "system.yaml"),
		storage:    filepath.Join(dir, "storage"),
		logPath:    filepath.Join(dir, "log", "system.log"),
		socket:     filepath.Join(dir, "run", "fsguard.sock"),
		done:       make(chan error, 1),
	}
	require.NoError(t, os.MkdirAll(e.root, 0755))
	e.writeConfig(t, 3)

	cfg, err := config.Load(e.configPath)
	require.NoError(t, err)
	d, err := New(config.NewHolder(e.configPath, cfg))
	require.NoError(t, err)
	e.daemon = d

	ctx, cancel := context.WithCancel(context.Background())
	go func() { e.done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-e.done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("daemon did not stop")
		}
	})

	e.client, err = ipc.Dial(e.socket, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { e.client.Close() })
	return e
}

func (e *env) call(t *testing.T, command string, args interface{}, result interface{}) {
	t.Helper()
	require.NoError(t, e.client.Call(command, args, result), command)
}

func (e *env) code(t *testing.T, command string, args interface{}) string {
	t.Helper()
	err := e.client.Call(command, args, nil)
	ierr, ok := err.(*ipc.Error)
	require.True(t, ok, "%s: expected a command error, got %v", command, err)
	return ierr.Code
}

func (e *env) waitJob(t *testing.T, id string) Job {
	t.Helper()
	var job Job
	require.Eventually(t, func() bool {
		require.NoError(t, e.client.Call(CmdGetScan, IDArgs{ID: id}, &job))
		return job.State != JobRunning
	}, 15*time.Second, 50*time.Millisecond)
	return job
}

func (e *env) waitFallback(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		var status Status
		require.NoError(t, e.client.Call(CmdGetStatus, nil, &status))
		return len(status.Watcher) == 1 && status.Watcher[0].Mode == watcher.ModeFallback
	}, 10*time.Second, 50*time.Millisecond)
}

func (e *env) initialize(t *testing.T) {
	t.Helper()
	var entered ModeResult
	e.call(t, CmdEnterInitMode, nil, &entered)
	assert.Equal(t, ModeInitialization, entered.Mode)
	require.NotNil(t, entered.Job)
	assert.Equal(t, JobBaseline, entered.Job.Kind)

	job := e.waitJob(t, entered.Job.ID)
	require.Equal(t, JobCompleted, job.State, job.Error)
	assert.NotZero(t, job.Generation)

	var exited ModeResult
	e.call(t, CmdExitInitMode, nil, &exited)
	assert.Equal(t, ModeMonitoring, exited.Mode)
	e.waitFallback(t)
}

func random(t *testing.T, n int) []byte {
	data := make([]byte, n)
	_, err := rand.Read(data)
	require.NoError(t, err)
	return data
}

func TestStatusAndModes(t *testing.T) {
	e := startDaemon(t)

	var pong map[string]string
	e.call(t, CmdPing, nil, &pong)
	assert.Equal(t, "pong", pong["message"])

	var status Status
	e.call(t, CmdGetStatus, nil, &status)
	assert.Equal(t, ModeMonitoring, status.Mode)
	require.NotNil(t, status.Baseline)
	assert.False(t, status.Baseline.Initialized)
	assert.Equal(t, e.configPath, status.ConfigSource)

	assert.Equal(t, ipc.CodeConflict, e.code(t, CmdExitInitMode, nil))

	require.NoError(t, os.WriteFile(filepath.Join(e.root, "a.txt"), []byte("alpha"), 0644))
	e.initialize(t)

	e.call(t, CmdGetStatus, nil, &status)
	assert.True(t, status.Baseline.Initialized)
	assert.Equal(t, 1, status.Baseline.Files)

	info, err := os.Stat(e.storage)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), info.Mode().Perm())
	info, err = os.Stat(e.socket)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0660), info.Mode().Perm())
}

func TestCommandErrors(t *testing.T) {
	e := startDaemon(t)

	tests := []struct {
		command string
		args    interface{}
		code    string
	}{
		{"Shutdown", nil, ipc.CodeUnknownCommand},
		{CmdGetScan, IDArgs{ID: "nope"}, ipc.CodeNotFound},
		{CmdGetScan, nil, ipc.CodeInvalidArgument},
		{CmdCancelScan, IDArgs{ID: "nope"}, ipc.CodeNotFound},
		{CmdTriggerManualScan, ScanArgs{Path: "relative/path"}, ipc.CodeInvalidArgument},
		{CmdTriggerManualScan, ScanArgs{Path: os.TempDir()}, ipc.CodeInvalidArgument},
		{CmdResolveIncident, ResolveArgs{ID: "nope", Outcome: detector.OutcomeConfirmed}, ipc.CodeNotFound},
		{CmdRevertEntry, IDArgs{ID: "nope"}, ipc.CodeNotFound},
		{CmdReleaseEntry, IDArgs{}, ipc.CodeInvalidArgument},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, e.code(t, tt.command, tt.args), tt.command)
	}
}

func TestReloadConfig(t *testing.T) {
	e := startDaemon(t)

	e.writeConfig(t, 5)
	var result ReloadResult
	e.call(t, CmdReloadConfig, nil, &result)
	assert.Equal(t, e.configPath, result.Source)
	assert.Empty(t, result.Pending)

	require.NoError(t, os.WriteFile(e.configPath, []byte("block_config: {size: -1}\n"), 0600))
	assert.Equal(t, ipc.CodeConfig, e.code(t, CmdReloadConfig, nil))

	// the previous snapshot stays active
	e.call(t, CmdPing, nil, nil)
}

func TestIncidentFalsePositiveRelease(t *testing.T) {
	e := startDaemon(t)

	original := bytes.Repeat([]byte("meeting minutes, all fine\n"), 800)
	var paths []string
	for i := 0; i < 3; i++ {
		path := filepath.Join(e.root, fmt.Sprintf("doc%d.txt", i))
		require.NoError(t, os.WriteFile(path, original, 0644))
		paths = append(paths, path)
	}
	e.initialize(t)

	rewritten := make(map[string][]byte)
	for _, path := range paths {
		rewritten[path] = random(t, len(original))
		require.NoError(t, os.WriteFile(path, rewritten[path], 0644))
	}

	var incidents []detector.Incident
	require.Eventually(t, func() bool {
		require.NoError(t, e.client.Call(CmdListIncidents, nil, &incidents))
		return len(incidents) == 1 && incidents[0].Status == detector.StatusContained
	}, 15*time.Second, 100*time.Millisecond)
	assert.ElementsMatch(t, paths, incidents[0].Paths)

	var entries []quarantine.Entry
	e.call(t, CmdListQuarantine, nil, &entries)
	require.Len(t, entries, 3)
	for _, path := range paths {
		_, err := os.Stat(path)
		assert.True(t, os.IsNotExist(err), path)
	}

	var resolved detector.Incident
	e.call(t, CmdResolveIncident, ResolveArgs{ID: incidents[0].ID, Outcome: detector.OutcomeFalsePositive}, &resolved)
	assert.Equal(t, detector.StatusFalsePositive, resolved.Status)
	assert.Equal(t, ipc.CodeConflict, e.code(t, CmdResolveIncident, ResolveArgs{ID: incidents[0].ID, Outcome: detector.OutcomeConfirmed}))

	for _, entry := range entries {
		var released quarantine.Entry
		e.call(t, CmdReleaseEntry, IDArgs{ID: entry.ID}, &released)
		assert.Equal(t, quarantine.StateReleased, released.State)
	}
	assert.Equal(t, ipc.CodeConflict, e.code(t, CmdRevertEntry, IDArgs{ID: entries[0].ID}))

	for _, path := range paths {
		content, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, rewritten[path], content)
	}

	var started Job
	e.call(t, CmdTriggerManualScan, ScanArgs{Path: e.root}, &started)
	assert.Equal(t, JobScan, started.Kind)
	job := e.waitJob(t, started.ID)
	require.Equal(t, JobCompleted, job.State, job.Error)
	require.NotNil(t, job.Report)
	assert.Equal(t, int64(3), job.Report.Files)
	assert.Zero(t, job.Report.Suspicious)

	e.call(t, CmdListIncidents, nil, &incidents)
	assert.Len(t, incidents, 1)

	events, err := os.ReadFile(e.logPath)
	require.NoError(t, err)
	for _, kind := range []string{"incident_opened", "file_quarantined", "incident_resolved", "file_released", "scan_finished", "admin_action"} {
		assert.Contains(t, string(events), kind)
	}
}

func TestSecondDaemonIsRefused(t *testing.T) {
	e := startDaemon(t)

	cfg, err := config.Load(e.configPath)
	require.NoError(t, err)
	_, err = New(config.NewHolder(e.configPath, cfg))
	assert.Error(t, err)

	// the running daemon is unaffected
	e.call(t, CmdPing, nil, nil)
}

func TestConfirmedIncidentIsReverted(t *testing.T) {
	e := startDaemon(t)

	original := bytes.Repeat([]byte("quarterly figures, unchanged\n"), 800)
	var paths []string
	for i := 0; i < 3; i++ {
		path := filepath.Join(e.root, fmt.Sprintf("report%d.txt", i))
		require.NoError(t, os.WriteFile(path, original, 0644))
		paths = append(paths, path)
	}
	e.initialize(t)

	for _, path := range paths {
		require.NoError(t, os.WriteFile(path, random(t, len(original)), 0644))
	}

	var incidents []detector.Incident
	require.Eventually(t, func() bool {
		require.NoError(t, e.client.Call(CmdListIncidents, nil, &incidents))
		return len(incidents) == 1 && incidents[0].Status == detector.StatusContained
	}, 15*time.Second, 100*time.Millisecond)

	var resolved ResolveResult
	e.call(t, CmdResolveIncident, ResolveArgs{ID: incidents[0].ID, Outcome: detector.OutcomeConfirmed}, &resolved)
	assert.Equal(t, detector.StatusResolved, resolved.Status)
	assert.Len(t, resolved.Reverted, 3)
	assert.Empty(t, resolved.RevertFailures)

	for _, path := range paths {
		content, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, original, content, path)
	}

	var entries []quarantine.Entry
	e.call(t, CmdListQuarantine, nil, &entries)
	require.Len(t, entries, 3)
	for _, entry := range entries {
		assert.Equal(t, quarantine.StateReverted, entry.State)
	}

	var status Status
	e.call(t, CmdGetStatus, nil, &status)
	assert.Zero(t, status.Quarantined)
	assert.Zero(t, status.OpenIncidents)

	events, err := os.ReadFile(e.logPath)
	require.NoError(t, err)
	assert.Contains(t, string(events), "file_reverted")
	assert.Contains(t, string(events), `"command":"ResolveIncident"`)
}

func TestUpdateMode(t *testing.T) {
	e := startDaemon(t)

	// without a baseline there is nothing to update
	assert.Equal(t, ipc.CodeBaselineInconsistency, e.code(t, CmdEnterUpdateMode, nil))

	path := filepath.Join(e.root, "installer.bin")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("version 1\n"), 2000), 0644))
	e.initialize(t)

	var entered ModeResult
	e.call(t, CmdEnterUpdateMode, UpdateArgs{Timeout: 60}, &entered)
	assert.Equal(t, ModeUpdate, entered.Mode)
	require.NotNil(t, entered.Expires)
	assert.WithinDuration(t, time.Now().Add(time.Minute), *entered.Expires, 5*time.Second)

	var status Status
	e.call(t, CmdGetStatus, nil, &status)
	assert.Equal(t, ModeUpdate, status.Mode)
	require.NotNil(t, status.UpdateExpires)
	assert.Equal(t, ipc.CodeConflict, e.code(t, CmdEnterInitMode, nil))
	assert.Equal(t, ipc.CodeInvalidArgument, e.code(t, CmdEnterUpdateMode, UpdateArgs{Timeout: -5}))

	updated := random(t, 5*4096)
	require.NoError(t, os.WriteFile(path, updated, 0644))
	sum := sha256.Sum256(updated)
	require.Eventually(t, func() bool {
		var info FileInfo
		require.NoError(t, e.client.Call(CmdGetFileInfo, PathArgs{Path: path}, &info))
		return info.FullHash == hex.EncodeToString(sum[:])
	}, 10*time.Second, 50*time.Millisecond)

	var info FileInfo
	e.call(t, CmdGetFileInfo, PathArgs{Path: path}, &info)
	assert.Equal(t, 5, info.Blocks)
	assert.Zero(t, info.AcceptedBlocks, "accepted content is the new reference")
	e.call(t, CmdGetStatus, nil, &status)
	assert.GreaterOrEqual(t, status.Verifier.Accepted, int64(1))
	assert.Zero(t, status.Verifier.Suspicious)

	var exited ModeResult
	e.call(t, CmdExitUpdateMode, nil, &exited)
	assert.Equal(t, ModeMonitoring, exited.Mode)
	assert.Equal(t, ipc.CodeConflict, e.code(t, CmdExitUpdateMode, nil))

	// the window closes on its own
	e.call(t, CmdEnterUpdateMode, UpdateArgs{Timeout: 1}, &entered)
	require.Eventually(t, func() bool {
		var current Status
		require.NoError(t, e.client.Call(CmdGetStatus, nil, &current))
		return current.Mode == ModeMonitoring && current.UpdateExpires == nil
	}, 5*time.Second, 50*time.Millisecond)

	events, err := os.ReadFile(e.logPath)
	require.NoError(t, err)
	assert.Contains(t, string(events), "update_mode_enabled")
	assert.Contains(t, string(events), `"reason":"timeout"`)
}

func TestPauseAndResume(t *testing.T) {
	e := startDaemon(t)

	path := filepath.Join(e.root, "thesis.txt")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("chapter one\n"), 2000), 0644))
	e.initialize(t)

	var paused ModeResult
	e.call(t, CmdPauseMonitoring, nil, &paused)
	assert.True(t, paused.Paused)
	assert.Equal(t, ipc.CodeConflict, e.code(t, CmdPauseMonitoring, nil))

	var status Status
	e.call(t, CmdGetStatus, nil, &status)
	assert.True(t, status.Paused)
	assert.Empty(t, status.Watcher)

	require.NoError(t, os.WriteFile(path, random(t, 6*4096), 0644))

	var resumed ModeResult
	e.call(t, CmdResumeMonitoring, nil, &resumed)
	assert.False(t, resumed.Paused)
	require.NotNil(t, resumed.Job)
	job := e.waitJob(t, resumed.Job.ID)
	require.Equal(t, JobCompleted, job.State, job.Error)
	require.NotNil(t, job.Report)
	assert.EqualValues(t, 1, job.Report.Files)
	assert.EqualValues(t, 1, job.Report.Suspicious)

	e.waitFallback(t)
	e.call(t, CmdGetStatus, nil, &status)
	assert.False(t, status.Paused)
	assert.Equal(t, ipc.CodeConflict, e.code(t, CmdResumeMonitoring, nil))
}

func TestFileQueries(t *testing.T) {
	e := startDaemon(t)

	sub := filepath.Join(e.root, "letters")
	require.NoError(t, os.MkdirAll(sub, 0755))
	top := filepath.Join(e.root, "notes.txt")
	letter := filepath.Join(sub, "dear-anna.txt")
	content := bytes.Repeat([]byte("see you on sunday\n"), 500)
	require.NoError(t, os.WriteFile(top, content, 0644))
	require.NoError(t, os.WriteFile(letter, content, 0644))
	e.initialize(t)

	var files []string
	e.call(t, CmdListFiles, nil, &files)
	assert.ElementsMatch(t, []string{top, letter}, files)
	e.call(t, CmdListFiles, PathArgs{Path: sub}, &files)
	assert.Equal(t, []string{letter}, files)

	var info FileInfo
	e.call(t, CmdGetFileInfo, PathArgs{Path: letter}, &info)
	sum := sha256.Sum256(content)
	assert.Equal(t, hex.EncodeToString(sum[:]), info.FullHash)
	assert.Equal(t, int64(len(content)), info.Size)
	assert.Equal(t, 3, info.Blocks)
	assert.False(t, info.Held)
	assert.False(t, info.IncidentMember)
	assert.Empty(t, info.Inconsistent)

	require.NoError(t, os.WriteFile(top, random(t, 4*4096), 0644))
	var verdict struct {
		Path       string `json:"path"`
		Suspicious bool   `json:"suspicious"`
	}
	e.call(t, CmdCheckFile, PathArgs{Path: top}, &verdict)
	assert.Equal(t, top, verdict.Path)
	assert.True(t, verdict.Suspicious)

	e.daemon.store.Baseline.MarkInconsistent(letter, "backup block missing")
	var status Status
	e.call(t, CmdGetStatus, nil, &status)
	assert.Contains(t, status.Inconsistent[letter], "backup block missing")
	e.call(t, CmdGetFileInfo, PathArgs{Path: letter}, &info)
	assert.Equal(t, "backup block missing", info.Inconsistent)

	var cfg map[string]interface{}
	e.call(t, CmdGetConfig, nil, &cfg)
	assert.Equal(t, []interface{}{e.root}, cfg["protected_paths"])
	assert.Equal(t, map[string]interface{}{"auto_revert": true}, cfg["response"])

	tests := []struct {
		command string
		args    interface{}
		code    string
	}{
		{CmdGetFileInfo, PathArgs{Path: filepath.Join(e.root, "missing.txt")}, ipc.CodeNotFound},
		{CmdGetFileInfo, PathArgs{Path: "notes.txt"}, ipc.CodeInvalidArgument},
		{CmdCheckFile, PathArgs{Path: filepath.Join(e.root, "missing.txt")}, ipc.CodeNotFound},
		{CmdCheckFile, nil, ipc.CodeInvalidArgument},
		{CmdListFiles, PathArgs{Path: "letters"}, ipc.CodeInvalidArgument},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, e.code(t, tt.command, tt.args), tt.command)
	}
}
