package cfg

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"carprice/internal/common"
)

type Settings struct {
	DataPath         string
	DatasetPath      string
	ReferenceYear    int
	Currency         string
	TrainWorkers     int
	Seed             uint64
	KeepVersions     int
	ListenPort       int
	MetricsEnabled   bool
	ReloadInterval   time.Duration
	RequestTimeout   time.Duration
	LogLevel         string
	LogFormat        string
	CompressionLevel int
}

type ConfigFile struct {
	Storage struct {
		DataPath         string `yaml:"dataPath"`
		CompressionLevel int    `yaml:"compressionLevel"`
		KeepVersions     int    `yaml:"keepVersions"`
	} `yaml:"storage"`

	Training struct {
		DatasetPath   string `yaml:"datasetPath"`
		ReferenceYear int    `yaml:"referenceYear"`
		Workers       int    `yaml:"workers"`
		Seed          uint64 `yaml:"seed"`
	} `yaml:"training"`

	Server struct {
		ListenPort     int    `yaml:"listenPort"`
		MetricsEnabled *bool  `yaml:"metricsEnabled"`
		ReloadInterval string `yaml:"reloadInterval"`
		RequestTimeout string `yaml:"requestTimeout"`
		Currency       string `yaml:"currency"`
	} `yaml:"server"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

const dotEnvFile = ".env"

const (
	defaultReloadInterval = 30 * time.Second
	defaultRequestTimeout = 5 * time.Second
	defaultKeepVersions   = 10
	envKeepVersions       = "KEEP_VERSIONS"
)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

func Load() (Settings, error) {
	if err := loadDotEnv(dotEnvFile); err != nil {
		return Settings{}, err
	}

	// Try to load from YAML file first
	if configPath := os.Getenv(common.EnvConfigFile); configPath != "" {
		return loadFromYAML(configPath)
	}

	// Fallback to environment variables
	return loadFromEnv()
}

// loadDotEnv exports variables from path without overriding the process
// environment. A missing file is not an error.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func loadFromYAML(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config ConfigFile
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Settings{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Parse durations
	reloadInterval := defaultReloadInterval
	if config.Server.ReloadInterval != "" {
		if reloadInterval, err = time.ParseDuration(config.Server.ReloadInterval); err != nil {
			return Settings{}, fmt.Errorf("invalid server.reloadInterval %q: %w", config.Server.ReloadInterval, err)
		}
	}

	requestTimeout := defaultRequestTimeout
	if config.Server.RequestTimeout != "" {
		if requestTimeout, err = time.ParseDuration(config.Server.RequestTimeout); err != nil {
			return Settings{}, fmt.Errorf("invalid server.requestTimeout %q: %w", config.Server.RequestTimeout, err)
		}
	}

	metricsEnabled := true
	if config.Server.MetricsEnabled != nil {
		metricsEnabled = *config.Server.MetricsEnabled
	}

	// Override with environment variables if they exist
	settings := Settings{
		DataPath:         getEnvOrDefault(common.EnvDataPath, orString(config.Storage.DataPath, common.DefaultDataPath)),
		DatasetPath:      getEnvOrDefault(common.EnvDatasetPath, orString(config.Training.DatasetPath, common.DefaultDatasetPath)),
		ReferenceYear:    getIntFromEnvOrConfig(common.EnvReferenceYear, config.Training.ReferenceYear, common.DefaultReferenceYear),
		Currency:         getEnvOrDefault(common.EnvCurrency, orString(config.Server.Currency, common.DefaultCurrency)),
		TrainWorkers:     getIntFromEnvOrConfig(common.EnvTrainWorkers, config.Training.Workers, common.DefaultTrainWorkers),
		Seed:             getUintFromEnvOrConfig(common.EnvSeed, config.Training.Seed, common.DefaultSeed),
		KeepVersions:     getIntFromEnvOrConfig(envKeepVersions, config.Storage.KeepVersions, defaultKeepVersions),
		ListenPort:       getIntFromEnvOrConfig(common.EnvListenPort, config.Server.ListenPort, common.DefaultListenPort),
		MetricsEnabled:   getBoolOrDefault(common.EnvMetricsEnabled, metricsEnabled),
		ReloadInterval:   getDurationOrDefault(common.EnvReloadInterval, reloadInterval),
		RequestTimeout:   getDurationOrDefault(common.EnvRequestTimeout, requestTimeout),
		LogLevel:         getEnvOrDefault(common.EnvLogLevel, orString(config.Logging.Level, common.DefaultLogLevel)),
		LogFormat:        getEnvOrDefault(common.EnvLogFormat, orString(config.Logging.Format, common.DefaultLogFormat)),
		CompressionLevel: getIntFromEnvOrConfig(common.EnvCompressionLevel, config.Storage.CompressionLevel, common.DefaultCompressionLevel),
	}

	// Validate configuration
	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

func loadFromEnv() (Settings, error) {
	settings := Settings{
		DataPath:         getEnvOrDefault(common.EnvDataPath, common.DefaultDataPath),
		DatasetPath:      getEnvOrDefault(common.EnvDatasetPath, common.DefaultDatasetPath),
		ReferenceYear:    getIntOrDefault(common.EnvReferenceYear, common.DefaultReferenceYear),
		Currency:         getEnvOrDefault(common.EnvCurrency, common.DefaultCurrency),
		TrainWorkers:     getIntOrDefault(common.EnvTrainWorkers, common.DefaultTrainWorkers),
		Seed:             getUintOrDefault(common.EnvSeed, common.DefaultSeed),
		KeepVersions:     getIntOrDefault(envKeepVersions, defaultKeepVersions),
		ListenPort:       getIntOrDefault(common.EnvListenPort, common.DefaultListenPort),
		MetricsEnabled:   getBoolOrDefault(common.EnvMetricsEnabled, true),
		ReloadInterval:   getDurationOrDefault(common.EnvReloadInterval, defaultReloadInterval),
		RequestTimeout:   getDurationOrDefault(common.EnvRequestTimeout, defaultRequestTimeout),
		LogLevel:         getEnvOrDefault(common.EnvLogLevel, common.DefaultLogLevel),
		LogFormat:        getEnvOrDefault(common.EnvLogFormat, common.DefaultLogFormat),
		CompressionLevel: getIntOrDefault(common.EnvCompressionLevel, common.DefaultCompressionLevel),
	}

	// Validate configuration
	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

func orString(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getUintOrDefault(key string, defaultValue uint64) uint64 {
	if v := os.Getenv(key); v != "" {
		if u, err := strconv.ParseUint(v, 10, 64); err == nil {
			return u
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getIntFromEnvOrConfig(key string, configValue, defaultValue int) int {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.Atoi(env); err == nil {
			return val
		}
	}
	if configValue != 0 {
		return configValue
	}
	return defaultValue
}

func getUintFromEnvOrConfig(key string, configValue, defaultValue uint64) uint64 {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.ParseUint(env, 10, 64); err == nil {
			return val
		}
	}
	if configValue != 0 {
		return configValue
	}
	return defaultValue
}

// validateSettings performs range checks on every configuration value
func validateSettings(settings *Settings) error {
	// Validate paths
	if settings.DataPath == "" {
		return fmt.Errorf("data path cannot be empty")
	}
	if settings.DatasetPath == "" {
		return fmt.Errorf("dataset path cannot be empty")
	}

	// Validate training parameters
	if settings.ReferenceYear < 2000 || settings.ReferenceYear > 2100 {
		return fmt.Errorf("reference year must be between 2000 and 2100, got %d", settings.ReferenceYear)
	}
	if settings.TrainWorkers < 1 || settings.TrainWorkers > 256 {
		return fmt.Errorf("train workers must be between 1 and 256, got %d", settings.TrainWorkers)
	}
	if settings.KeepVersions < 0 {
		return fmt.Errorf("keep versions cannot be negative, got %d", settings.KeepVersions)
	}
	if settings.CompressionLevel < 1 || settings.CompressionLevel > 4 {
		return fmt.Errorf("compression level must be between 1 and 4, got %d", settings.CompressionLevel)
	}

	// Validate server parameters
	if !currencyPattern.MatchString(settings.Currency) {
		return fmt.Errorf("currency must be a three letter upper-case code, got %q", settings.Currency)
	}
	if settings.ListenPort < 1024 || settings.ListenPort > 65535 {
		return fmt.Errorf("listen port must be between 1024 and 65535, got %d", settings.ListenPort)
	}

	// Validate time durations; a zero reload interval disables reloading
	if settings.ReloadInterval != 0 && (settings.ReloadInterval < time.Second || settings.ReloadInterval > 24*time.Hour) {
		return fmt.Errorf("reload interval must be 0 or between 1s and 24h, got %v", settings.ReloadInterval)
	}
	if settings.RequestTimeout < 100*time.Millisecond || settings.RequestTimeout > time.Minute {
		return fmt.Errorf("request timeout must be between 100ms and 1m, got %v", settings.RequestTimeout)
	}

	// Validate logging
	if _, err := zerolog.ParseLevel(settings.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", settings.LogLevel, err)
	}
	if settings.LogFormat != LogFormatJSON && settings.LogFormat != LogFormatConsole {
		return fmt.Errorf("log format must be %q or %q, got %q", LogFormatJSON, LogFormatConsole, settings.LogFormat)
	}

	return nil
}
