package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const DefaultPath = "/etc/fsguard/system.yaml"

var supportedAlgorithms = map[string]bool{
	"sha256": true,
	"sha512": true,
	"sha1":   true,
	"md5":    true,
}

// ConfigError is returned for a missing, unreadable or invalid configuration.
type ConfigError struct {
	Path   string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("config %s: %s", e.Path, e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Err }

type BlockConfig struct {
	Size      int    `yaml:"size" json:"size"`
	Algorithm string `yaml:"algorithm" json:"algorithm"`
}

type RansomwareThresholds struct {
	FilesCount         int     `yaml:"files_count" json:"files_count"`
	TimeWindow         int     `yaml:"time_window" json:"time_window"`
	BlockChangePercent float64 `yaml:"block_change_percent" json:"block_change_percent"`
	EntropyThreshold   float64 `yaml:"entropy_threshold" json:"entropy_threshold"`
}

type Monitoring struct {
	FallbackInterval int  `yaml:"fallback_interval" json:"fallback_interval"`
	UseInotify       bool `yaml:"use_inotify" json:"use_inotify"`
}

// Response controls what happens once an incident is confirmed.
type Response struct {
	AutoRevert bool `yaml:"auto_revert" json:"auto_revert"`
}

// UpdateMode bounds how long authorized changes are accepted.
type UpdateMode struct {
	Timeout int `yaml:"timeout" json:"timeout"`
}

type Verifier struct {
	Workers   int `yaml:"workers" json:"workers"`
	QueueSize int `yaml:"queue_size" json:"queue_size"`
}

// Config is an immutable snapshot once loaded. Components must not modify it.
type Config struct {
	ProtectedPaths       []string             `yaml:"protected_paths" json:"protected_paths"`
	BlockConfig          BlockConfig          `yaml:"block_config" json:"block_config"`
	RansomwareThresholds RansomwareThresholds `yaml:"ransomware_thresholds" json:"ransomware_thresholds"`
	Monitoring           Monitoring           `yaml:"monitoring" json:"monitoring"`
	Verifier             Verifier             `yaml:"verifier" json:"verifier"`
	Response             Response             `yaml:"response" json:"response"`
	UpdateMode           UpdateMode           `yaml:"update_mode" json:"update_mode"`
	StoragePath          string               `yaml:"storage_path" json:"storage_path"`
	LogPath              string               `yaml:"log_path" json:"log_path"`
	IPCSocket            string               `yaml:"ipc_socket" json:"ipc_socket"`

	source string
}

func Default() *Config {
	return &Config{
		ProtectedPaths: []string{"/home/*/Documents"},
		BlockConfig: BlockConfig{
			Size:      64 * 1024,
			Algorithm: "sha256",
		},
		RansomwareThresholds: RansomwareThresholds{
			FilesCount:         10,
			TimeWindow:         10,
			BlockChangePercent: 70,
			EntropyThreshold:   7.5,
		},
		Monitoring: Monitoring{
			FallbackInterval: 60,
			UseInotify:       true,
		},
		Verifier: Verifier{
			Workers:   4,
			QueueSize: 1024,
		},
		Response: Response{
			AutoRevert: true,
		},
		UpdateMode: UpdateMode{
			Timeout: 300,
		},
		StoragePath: "/var/lib/fsguard/storage",
		LogPath:     "/var/log/fsguard/system.log",
		IPCSocket:   "/var/run/fsguard.sock",
	}
}

// Load reads a YAML file on top of Default and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Path: path, Reason: "read failed", Err: err}
	}
	return Parse(path, data)
}

func Parse(source string, data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &ConfigError{Path: source, Reason: "invalid YAML", Err: err}
	}
	cfg.source = source
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero values that yaml left behind for partially specified sections.
func (c *Config) ApplyDefaults() {
	d := Default()
	if c.BlockConfig.Algorithm == "" {
		c.BlockConfig.Algorithm = d.BlockConfig.Algorithm
	}
	if c.Verifier.Workers == 0 {
		c.Verifier.Workers = d.Verifier.Workers
	}
	if c.Verifier.QueueSize == 0 {
		c.Verifier.QueueSize = d.Verifier.QueueSize
	}
	if c.UpdateMode.Timeout == 0 {
		c.UpdateMode.Timeout = d.UpdateMode.Timeout
	}
}

func (c *Config) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return &ConfigError{Path: c.source, Reason: fmt.Sprintf(format, args...)}
	}

	if len(c.ProtectedPaths) == 0 {
		return invalid("protected_paths must not be empty")
	}
	for _, p := range c.ProtectedPaths {
		if !filepath.IsAbs(p) {
			return invalid("protected path %q is not absolute", p)
		}
		if _, err := filepath.Match(p, p); err != nil {
			return invalid("protected path %q is not a valid glob: %v", p, err)
		}
	}
	if c.BlockConfig.Size <= 0 {
		return invalid("block_config.size must be positive, got %d", c.BlockConfig.Size)
	}
	if !supportedAlgorithms[c.BlockConfig.Algorithm] {
		return invalid("block_config.algorithm %q is not supported", c.BlockConfig.Algorithm)
	}
	t := c.RansomwareThresholds
	if t.FilesCount < 1 {
		return invalid("ransomware_thresholds.files_count must be at least 1")
	}
	if t.TimeWindow < 1 {
		return invalid("ransomware_thresholds.time_window must be at least 1 second")
	}
	if t.BlockChangePercent < 0 || t.BlockChangePercent > 100 {
		return invalid("ransomware_thresholds.block_change_percent must be within 0-100")
	}
	if t.EntropyThreshold < 0 || t.EntropyThreshold > 8 {
		return invalid("ransomware_thresholds.entropy_threshold must be within 0-8")
	}
	if c.Monitoring.FallbackInterval < 1 {
		return invalid("monitoring.fallback_interval must be at least 1 second")
	}
	if c.Verifier.Workers < 1 || c.Verifier.QueueSize < 1 {
		return invalid("verifier.workers and verifier.queue_size must be positive")
	}
	if c.UpdateMode.Timeout < 1 {
		return invalid("update_mode.timeout must be at least 1 second")
	}
	if c.StoragePath == "" || c.IPCSocket == "" || c.LogPath == "" {
		return invalid("storage_path, log_path and ipc_socket are required")
	}
	return nil
}

// Source is the file the config was loaded from, empty for defaults.
func (c *Config) Source() string { return c.source }

func (c *Config) DBPath() string        { return filepath.Join(c.StoragePath, "baseline.db") }
func (c *Config) BackupDir() string     { return filepath.Join(c.StoragePath, "backups") }
func (c *Config) QuarantineDir() string { return filepath.Join(c.StoragePath, "quarantine") }
func (c *Config) KeyPath() string       { return filepath.Join(c.StoragePath, "backup.key") }
func (c *Config) LockPath() string      { return filepath.Join(c.StoragePath, "fsguard.lock") }

// Excludes reports whether path belongs to fsguard's own state and must never
// be tracked, even when a protected root contains it.
func (c *Config) Excludes(path string) bool {
	for _, own := range []string{c.StoragePath, c.LogPath, c.IPCSocket} {
		if own == "" {
			continue
		}
		own = filepath.Clean(own)
		if path == own || strings.HasPrefix(path, own+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// WriteDefault writes the default configuration to path, refusing to overwrite.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Holder publishes the current configuration snapshot. Reload swaps it atomically.
type Holder struct {
	path    string
	current atomic.Pointer[Config]
	mu      sync.Mutex
}

func NewHolder(path string, cfg *Config) *Holder {
	h := &Holder{path: path}
	h.current.Store(cfg)
	return h
}

func (h *Holder) Current() *Config {
	return h.current.Load()
}

// Reload re-reads the file. On error the previous snapshot stays in place.
func (h *Holder) Reload() (*Config, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cfg, err := Load(h.path)
	if err != nil {
		log.Warn().Err(err).Str("path", h.path).Msg("config reload failed, keeping previous config")
		return h.current.Load(), err
	}
	h.current.Store(cfg)
	log.Info().Str("path", h.path).Msg("config reloaded")
	return cfg, nil
}
