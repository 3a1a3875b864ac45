package testsupport

import (
	"path/filepath"
	"testing"

	"orrery/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.IncomingDir = filepath.Join(base, "incoming")
	cfgVal.Paths.StagingDir = filepath.Join(base, "staging")
	cfgVal.Paths.ArchiveDir = filepath.Join(base, "archive")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithGrouping overrides group-detector tuning on the test config.
func WithGrouping(targetSize, halfWindowMinutes int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Grouping.TargetSize = targetSize
		b.cfg.Grouping.HalfWindowMinutes = halfWindowMinutes
	}
}

// WithPartialPolicy sets the stale partial-group policy on the test config.
func WithPartialPolicy(policy string, minSize int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Grouping.PartialPolicy = policy
		b.cfg.Grouping.MinPartialSize = minSize
	}
}

// WithStageCommand wires a stage to an external command line on the test config.
func WithStageCommand(stage, command string) ConfigOption {
	return func(b *configBuilder) {
		if b.cfg.Pipeline.StageCommands == nil {
			b.cfg.Pipeline.StageCommands = map[string]string{}
		}
		b.cfg.Pipeline.StageCommands[stage] = command
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StagingDir)
}
