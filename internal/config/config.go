package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration for the two storage tiers and the
// incoming spool.
type Paths struct {
	IncomingDir string `toml:"incoming_dir"`
	StagingDir  string `toml:"staging_dir"`
	ArchiveDir  string `toml:"archive_dir"`
	LogDir      string `toml:"log_dir"`
}

// Ingest contains configuration for input unit discovery.
type Ingest struct {
	// FilePattern is the glob matched against file names in IncomingDir.
	FilePattern string `toml:"file_pattern"`
	// TimestampLayout is the Go time layout tried against the file base name
	// to recover the acquisition time. Falls back to file mtime when the name
	// does not parse.
	TimestampLayout string `toml:"timestamp_layout"`
}

// Grouping contains configuration for the group detector.
type Grouping struct {
	TargetSize        int    `toml:"target_size"`
	HalfWindowMinutes int    `toml:"half_window_minutes"`
	StalenessMinutes  int    `toml:"staleness_minutes"`
	PartialPolicy     string `toml:"partial_policy"` // "emit" or "wait"
	MinPartialSize    int    `toml:"min_partial_size"`
}

// Pipeline contains configuration for stage execution.
type Pipeline struct {
	StageTimeoutSeconds int `toml:"stage_timeout_seconds"`
	MaxStageAttempts    int `toml:"max_stage_attempts"`
	// StageCommands maps a stage name to the external command template run
	// for that stage. See execcmd for placeholder expansion.
	StageCommands map[string]string `toml:"stage_commands"`
	// StageResources maps a stage name to the calibration artifact kinds the
	// stage needs resolved before it runs.
	StageResources map[string][]string `toml:"stage_resources"`
}

// Publish contains configuration for the auto-publish engine.
type Publish struct {
	MaxAttempts         int `toml:"max_attempts"`
	BackoffSeconds      int `toml:"backoff_seconds"`
	BackoffMaxSeconds   int `toml:"backoff_max_seconds"`
	// QATypes lists the data types eligible for auto-publish once their QA
	// gate passes. Empty means every type. Types outside the list publish
	// manually only.
	QATypes []string `toml:"qa_types"`
}

// Batch contains configuration for the batch job tracker.
type Batch struct {
	AggregationPolicy string `toml:"aggregation_policy"` // "any_success" or "all_success"
	Workers           int    `toml:"workers"`
}

// Workflow contains configuration for daemon polling intervals and timeouts.
type Workflow struct {
	IngestPollInterval      int `toml:"ingest_poll_interval"`
	GroupPollInterval       int `toml:"group_poll_interval"`
	PublishPollInterval     int `toml:"publish_poll_interval"`
	ErrorRetryInterval      int `toml:"error_retry_interval"`
	StaleProcessingTimeout  int `toml:"stale_processing_timeout"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for orrery.
//
// Configuration sections by subsystem:
//   - Paths: incoming spool, staging tier, archive tier, logs
//   - Ingest: input unit discovery and timestamp parsing
//   - Grouping: group detector window and partial-group policy
//   - Pipeline: stage commands, resources, timeouts, retry bounds
//   - Publish: auto-publish gates, attempts, backoff
//   - Batch: aggregation policy and worker count
//   - Workflow: daemon polling intervals
//   - Logging: log format and level
type Config struct {
	Paths    Paths    `toml:"paths"`
	Ingest   Ingest   `toml:"ingest"`
	Grouping Grouping `toml:"grouping"`
	Pipeline Pipeline `toml:"pipeline"`
	Publish  Publish  `toml:"publish"`
	Batch    Batch    `toml:"batch"`
	Workflow Workflow `toml:"workflow"`
	Logging  Logging  `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/orrery/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("orrery.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
// ArchiveDir is created on a best-effort basis so the daemon can run when
// archival storage is temporarily unavailable.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.IncomingDir, c.Paths.StagingDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	if strings.TrimSpace(c.Paths.ArchiveDir) != "" {
		// Best-effort to avoid failing config load when storage is offline.
		_ = os.MkdirAll(c.Paths.ArchiveDir, 0o755)
	}
	return nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes path expansion for callers outside the package.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes the embedded sample configuration to the target path.
func CreateSample(path string) error {
	expanded, err := expandPath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if _, err := os.Stat(expanded); err == nil {
		return fmt.Errorf("config file already exists at %s", expanded)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat config: %w", err)
	}
	if err := os.WriteFile(expanded, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
