package constants

// Pipeline

const (
	DefaultBatchSize                 = 50000
	DefaultMaxRetries                = 5
	DefaultRetryBackoffBaseMs        = 500
	DefaultPrefetchDepth             = 2
	MaxPrefetchDepth                 = 3
	DefaultDivisionScale             = 6
	DefaultStatsDumpFrequencySeconds = 5
	InsertBatchNumRowsDefault        = 500
	TimeFormatYearSeconds            = "20060102T150405" // used for human readable file names
	TimeFormatYearSecondsRegex       = "[0-9]{4}[0-9]{2}[0-9]{2}T[0-9]{6}"
	TimeFormatWatermark              = "20060102T150405.000000Z" // partition names carry microsecond watermarks in UTC.
	TimeFormatWatermarkRegex         = "[0-9]{8}T[0-9]{6}\\.[0-9]{6}Z"
	EmojiBang                        = "\U0001F4A5"
	ServiceName                      = "lakepipe"
	EnvVarPrefix                     = "LP" // prefixed for environment variables in twelveFactorMode
	StagingDirName                   = "_staging"
	CheckpointDirName                = "_checkpoints"
	PartitionFileExt                 = ".parquet"
	LockTTLSeconds                   = 3600
)

// Connections and stores

const (
	ConnectionTypeMySql     = "mysql"
	ConnectionTypePostgres  = "postgres"
	ConnectionTypeSqlServer = "sqlserver"
	ConnectionTypeDuckDb    = "duckdb"
	ConnectionTypeS3        = "s3"
	ConnectionTypeMemory    = "mem"
	CheckpointTypeObject    = "object"
	CheckpointTypePostgres  = "postgres"
	CheckpointTypeMemory    = "memory"
)

// Partition conflict policies.

const (
	ConflictPolicyFail    = "fail"
	ConflictPolicySkip    = "skip"
	ConflictPolicyReplace = "replace"
)
