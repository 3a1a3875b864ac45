package config

import (
	"fmt"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeIngest()
	c.normalizeGrouping()
	c.normalizePipeline()
	c.normalizeBatch()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	for _, entry := range []struct {
		name  string
		value *string
	}{
		{"incoming_dir", &c.Paths.IncomingDir},
		{"staging_dir", &c.Paths.StagingDir},
		{"archive_dir", &c.Paths.ArchiveDir},
		{"log_dir", &c.Paths.LogDir},
	} {
		trimmed := strings.TrimSpace(*entry.value)
		if trimmed == "" {
			return fmt.Errorf("%s must not be empty", entry.name)
		}
		expanded, err := expandPath(trimmed)
		if err != nil {
			return fmt.Errorf("expand %s: %w", entry.name, err)
		}
		*entry.value = expanded
	}
	return nil
}

func (c *Config) normalizeIngest() {
	c.Ingest.FilePattern = strings.TrimSpace(c.Ingest.FilePattern)
	if c.Ingest.FilePattern == "" {
		c.Ingest.FilePattern = defaultFilePattern
	}
	c.Ingest.TimestampLayout = strings.TrimSpace(c.Ingest.TimestampLayout)
}

func (c *Config) normalizeGrouping() {
	c.Grouping.PartialPolicy = strings.ToLower(strings.TrimSpace(c.Grouping.PartialPolicy))
	if c.Grouping.PartialPolicy == "" {
		c.Grouping.PartialPolicy = defaultGroupPartialPolicy
	}
	if c.Grouping.MinPartialSize <= 0 {
		c.Grouping.MinPartialSize = defaultGroupMinPartialSize
	}
}

func (c *Config) normalizePipeline() {
	if c.Pipeline.StageCommands == nil {
		c.Pipeline.StageCommands = map[string]string{}
	}
	if c.Pipeline.StageResources == nil {
		c.Pipeline.StageResources = map[string][]string{}
	}
	normalized := make(map[string]string, len(c.Pipeline.StageCommands))
	for stage, command := range c.Pipeline.StageCommands {
		normalized[strings.ToLower(strings.TrimSpace(stage))] = strings.TrimSpace(command)
	}
	c.Pipeline.StageCommands = normalized
}

func (c *Config) normalizeBatch() {
	c.Batch.AggregationPolicy = strings.ToLower(strings.TrimSpace(c.Batch.AggregationPolicy))
	if c.Batch.AggregationPolicy == "" {
		c.Batch.AggregationPolicy = defaultBatchPolicy
	}
	if c.Batch.Workers <= 0 {
		c.Batch.Workers = defaultBatchWorkers
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
