package config

import (
	"errors"
	"fmt"
)

// Validate checks configuration invariants after normalization.
func (c *Config) Validate() error {
	if err := c.validateGrouping(); err != nil {
		return err
	}
	if err := c.validatePipeline(); err != nil {
		return err
	}
	if err := c.validatePublish(); err != nil {
		return err
	}
	if err := c.validateBatch(); err != nil {
		return err
	}
	return c.validateWorkflow()
}

func (c *Config) validateGrouping() error {
	if c.Grouping.TargetSize <= 0 {
		return errors.New("grouping target_size must be positive")
	}
	if c.Grouping.HalfWindowMinutes <= 0 {
		return errors.New("grouping half_window_minutes must be positive")
	}
	if c.Grouping.StalenessMinutes <= 0 {
		return errors.New("grouping staleness_minutes must be positive")
	}
	switch c.Grouping.PartialPolicy {
	case PartialPolicyEmit, PartialPolicyWait:
	default:
		return fmt.Errorf("grouping partial_policy must be %q or %q, got %q",
			PartialPolicyEmit, PartialPolicyWait, c.Grouping.PartialPolicy)
	}
	if c.Grouping.MinPartialSize > c.Grouping.TargetSize {
		return errors.New("grouping min_partial_size must not exceed target_size")
	}
	return nil
}

func (c *Config) validatePipeline() error {
	if c.Pipeline.StageTimeoutSeconds <= 0 {
		return errors.New("pipeline stage_timeout_seconds must be positive")
	}
	if c.Pipeline.MaxStageAttempts <= 0 {
		return errors.New("pipeline max_stage_attempts must be positive")
	}
	return nil
}

func (c *Config) validatePublish() error {
	if c.Publish.MaxAttempts <= 0 {
		return errors.New("publish max_attempts must be positive")
	}
	if c.Publish.BackoffSeconds <= 0 {
		return errors.New("publish backoff_seconds must be positive")
	}
	if c.Publish.BackoffMaxSeconds < c.Publish.BackoffSeconds {
		return errors.New("publish backoff_max_seconds must be >= backoff_seconds")
	}
	return nil
}

func (c *Config) validateBatch() error {
	switch c.Batch.AggregationPolicy {
	case AggregationAnySuccess, AggregationAllSuccess:
	default:
		return fmt.Errorf("batch aggregation_policy must be %q or %q, got %q",
			AggregationAnySuccess, AggregationAllSuccess, c.Batch.AggregationPolicy)
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	return ensurePositiveMap(map[string]int{
		"workflow ingest_poll_interval":     c.Workflow.IngestPollInterval,
		"workflow group_poll_interval":      c.Workflow.GroupPollInterval,
		"workflow publish_poll_interval":    c.Workflow.PublishPollInterval,
		"workflow error_retry_interval":     c.Workflow.ErrorRetryInterval,
		"workflow stale_processing_timeout": c.Workflow.StaleProcessingTimeout,
	})
}

func ensurePositiveMap(values map[string]int) error {
	for name, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}
