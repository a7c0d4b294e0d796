package eventlog

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

const (
	SystemStart         = "system_start"
	SystemStop          = "system_stop"
	InitModeEnabled     = "init_mode_enabled"
	InitModeDisabled    = "init_mode_disabled"
	UpdateModeEnabled   = "update_mode_enabled"
	UpdateModeDisabled  = "update_mode_disabled"
	MonitoringPaused    = "monitoring_paused"
	MonitoringResumed   = "monitoring_resumed"
	BaselineBuilt       = "baseline_built"
	FileModifiedAllowed = "file_modified_allowed"
	FileSuspicious      = "file_suspicious"
	IncidentOpened      = "incident_opened"
	IncidentExtended    = "incident_extended"
	IncidentResolved    = "incident_resolved"
	FileQuarantined     = "file_quarantined"
	FileReverted        = "file_reverted"
	RevertFailed        = "revert_failed"
	FileReleased        = "file_released"
	ConfigChanged       = "config_changed"
	ScanFinished        = "scan_finished"
	AdminAction         = "admin_action"
)

// Log writes security events as JSON lines. It is separate from the
// diagnostic logger so the file only ever holds events.
type Log struct {
	logger zerolog.Logger
	file   *os.File
	mu     sync.Mutex
}

// Open appends to path, creating it with mode 0600.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, err
	}
	l := New(file)
	l.file = file
	return l, nil
}

func New(w io.Writer) *Log {
	return &Log{logger: zerolog.New(w).With().Timestamp().Logger()}
}

// Nop discards every event.
func Nop() *Log {
	return &Log{logger: zerolog.Nop()}
}

// Event starts a record of kind. Finish it with Msg or Send.
func (l *Log) Event(kind string) *zerolog.Event {
	return l.logger.Info().Str("event", kind)
}

// Warn starts a record of kind with warning severity.
func (l *Log) Warn(kind string) *zerolog.Event {
	return l.logger.Warn().Str("event", kind)
}

// Critical is used for incidents and failed reverts.
func (l *Log) Critical(kind string) *zerolog.Event {
	return l.logger.Error().Str("event", kind)
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
