package config

const (
	defaultIncomingDir = "~/.local/share/orrery/incoming"
	defaultStagingDir  = "~/.local/share/orrery/staging"
	defaultArchiveDir  = "~/archive/orrery"
	defaultLogDir      = "~/.local/share/orrery/logs"

	defaultFilePattern     = "*.h5"
	defaultTimestampLayout = "20060102T150405"

	defaultGroupTargetSize     = 10
	defaultGroupHalfWindowMin  = 25
	defaultGroupStalenessMin   = 180
	defaultGroupPartialPolicy  = PartialPolicyEmit
	defaultGroupMinPartialSize = 2

	defaultStageTimeoutSeconds = 3600
	defaultMaxStageAttempts    = 3

	defaultPublishMaxAttempts    = 3
	defaultPublishBackoffSeconds = 30
	defaultPublishBackoffMax     = 3600

	defaultBatchPolicy  = AggregationAnySuccess
	defaultBatchWorkers = 2

	defaultIngestPollInterval     = 10
	defaultGroupPollInterval      = 5
	defaultPublishPollInterval    = 30
	defaultErrorRetryInterval     = 10
	defaultStaleProcessingTimeout = 7200

	defaultLogFormat = "console"
	defaultLogLevel  = "info"
)

// Partial-group policies accepted by the group detector.
const (
	PartialPolicyEmit = "emit"
	PartialPolicyWait = "wait"
)

// Batch aggregation policies.
const (
	AggregationAnySuccess = "any_success"
	AggregationAllSuccess = "all_success"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			IncomingDir: defaultIncomingDir,
			StagingDir:  defaultStagingDir,
			ArchiveDir:  defaultArchiveDir,
			LogDir:      defaultLogDir,
		},
		Ingest: Ingest{
			FilePattern:     defaultFilePattern,
			TimestampLayout: defaultTimestampLayout,
		},
		Grouping: Grouping{
			TargetSize:        defaultGroupTargetSize,
			HalfWindowMinutes: defaultGroupHalfWindowMin,
			StalenessMinutes:  defaultGroupStalenessMin,
			PartialPolicy:     defaultGroupPartialPolicy,
			MinPartialSize:    defaultGroupMinPartialSize,
		},
		Pipeline: Pipeline{
			StageTimeoutSeconds: defaultStageTimeoutSeconds,
			MaxStageAttempts:    defaultMaxStageAttempts,
			StageCommands:       map[string]string{},
			StageResources: map[string][]string{
				"calibrate": {"bandpass", "gain"},
			},
		},
		Publish: Publish{
			MaxAttempts:       defaultPublishMaxAttempts,
			BackoffSeconds:    defaultPublishBackoffSeconds,
			BackoffMaxSeconds: defaultPublishBackoffMax,
			QATypes:           []string{"image", "mosaic"},
		},
		Batch: Batch{
			AggregationPolicy: defaultBatchPolicy,
			Workers:           defaultBatchWorkers,
		},
		Workflow: Workflow{
			IngestPollInterval:     defaultIngestPollInterval,
			GroupPollInterval:      defaultGroupPollInterval,
			PublishPollInterval:    defaultPublishPollInterval,
			ErrorRetryInterval:     defaultErrorRetryInterval,
			StaleProcessingTimeout: defaultStaleProcessingTimeout,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
