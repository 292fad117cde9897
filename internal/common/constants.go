package common

// Environment variable keys
const (
	EnvConfigFile       = "CONFIG_FILE"
	EnvDataPath         = "DATA_PATH"
	EnvDatasetPath      = "DATASET_PATH"
	EnvReferenceYear    = "REFERENCE_YEAR"
	EnvCurrency         = "CURRENCY"
	EnvTrainWorkers     = "TRAIN_WORKERS"
	EnvSeed             = "TRAIN_SEED"
	EnvListenPort       = "LISTEN_PORT"
	EnvMetricsEnabled   = "METRICS_ENABLED"
	EnvReloadInterval   = "RELOAD_INTERVAL"
	EnvRequestTimeout   = "REQUEST_TIMEOUT"
	EnvLogLevel         = "LOG_LEVEL"
	EnvLogFormat        = "LOG_FORMAT"
	EnvCompressionLevel = "COMPRESSION_LEVEL"
)

// Configuration defaults
const (
	DefaultDataPath         = "data"
	DefaultDatasetPath      = "car_data.csv"
	DefaultReferenceYear    = 2026
	DefaultCurrency         = "AZN"
	DefaultTrainWorkers     = 4
	DefaultSeed             = 42
	DefaultListenPort       = 8080
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "json"
	DefaultCompressionLevel = 2
)

// MinRecordYear is the earliest production year kept for training.
const MinRecordYear = 1990

// Confidence labels reported with every estimate.
const (
	ConfidenceVeryHigh = "very high"
	ConfidenceHigh     = "high"
	ConfidenceMedium   = "medium"
	ConfidenceLow      = "low"
)
