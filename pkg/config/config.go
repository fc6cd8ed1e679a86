package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidationError reports an invalid configuration value
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Detail)
}

// Config holds the full pipeline configuration for one workload
type Config struct {
	// Workload identity
	Workload  string `yaml:"workload"`
	Namespace string `yaml:"namespace"`

	// Server
	ListenAddr string `yaml:"listen_addr"`
	APIKey     string `yaml:"api_key"` // empty disables auth

	// Metrics input
	PrometheusURL string        `yaml:"prometheus_url"`
	FetchTimeout  time.Duration `yaml:"fetch_timeout"`

	// Artifact storage
	StorageEnabled bool   `yaml:"storage_enabled"`
	DatabaseURL    string `yaml:"database_url"`

	// Pipeline
	BucketInterval time.Duration `yaml:"bucket_interval"`

	// Scoring loop
	ScoringInterval  time.Duration `yaml:"scoring_interval"`
	InferenceTimeout time.Duration `yaml:"inference_timeout"`
	MaxTickFailures  int           `yaml:"max_tick_failures"` // before degraded

	// Model lifecycle
	ModelLoadTimeout time.Duration `yaml:"model_load_timeout"`
	RetainedVersions int           `yaml:"retained_versions"`
	CacheTTL         time.Duration `yaml:"cache_ttl"` // prediction cache

	// Training
	RetrainInterval time.Duration `yaml:"retrain_interval"`
	TrainingWindow  time.Duration `yaml:"training_window"`
	MinImprovement  float64       `yaml:"min_improvement"` // holdout MAPE gate

	// Anomaly thresholds (in residual standard deviations)
	WarningThreshold  float64 `yaml:"warning_threshold"`
	CriticalThreshold float64 `yaml:"critical_threshold"`

	// Recommendation thresholds
	Thresholds Thresholds `yaml:"thresholds"`
}

// Thresholds drives the recommendation engine rules
type Thresholds struct {
	CPUScaleUp        float64       `yaml:"cpu_scale_up"`
	CPUScaleDown      float64       `yaml:"cpu_scale_down"`
	MinConfidence     float64       `yaml:"min_confidence"`
	MemoryWarning     float64       `yaml:"memory_warning"`
	SpikeMultiplier   float64       `yaml:"spike_multiplier"`
	SustainedLowFor   time.Duration `yaml:"sustained_low_for"`
	Cooldown          time.Duration `yaml:"cooldown"`
	MinReplicas       int           `yaml:"min_replicas"`
	MaxReplicas       int           `yaml:"max_replicas"`
	TargetUtilization float64       `yaml:"target_utilization"`
}

// NewConfig creates a configuration from environment variables with defaults
func NewConfig() *Config {
	return &Config{
		Workload:  getEnv("HELIOS_WORKLOAD", "default"),
		Namespace: getEnv("HELIOS_NAMESPACE", "default"),

		ListenAddr: getEnv("HELIOS_LISTEN_ADDR", ":8080"),
		APIKey:     getEnv("HELIOS_API_KEY", ""),

		PrometheusURL: getEnv("PROMETHEUS_URL", "http://localhost:9090"),
		FetchTimeout:  getEnvDuration("FETCH_TIMEOUT", 15*time.Second),

		StorageEnabled: getEnvBool("STORAGE_ENABLED", false),
		DatabaseURL:    getEnv("DATABASE_URL", "host=localhost port=5432 user=helios password=devpassword dbname=helios sslmode=disable"),

		BucketInterval: getEnvDuration("BUCKET_INTERVAL", 5*time.Minute),

		ScoringInterval:  getEnvDuration("SCORING_INTERVAL", 300*time.Second),
		InferenceTimeout: getEnvDuration("INFERENCE_TIMEOUT", 10*time.Second),
		MaxTickFailures:  getEnvInt("MAX_TICK_FAILURES", 5),

		ModelLoadTimeout: getEnvDuration("MODEL_LOAD_TIMEOUT", 30*time.Second),
		RetainedVersions: getEnvInt("RETAINED_VERSIONS", 3),
		CacheTTL:         getEnvDuration("CACHE_TTL", 5*time.Minute),

		RetrainInterval: getEnvDuration("RETRAIN_INTERVAL", 6*time.Hour),
		TrainingWindow:  getEnvDuration("TRAINING_WINDOW", 24*time.Hour),
		MinImprovement:  getEnvFloat("RETRAIN_MIN_IMPROVEMENT", 0.05),

		WarningThreshold:  getEnvFloat("ANOMALY_WARNING_THRESHOLD", 2.5),
		CriticalThreshold: getEnvFloat("ANOMALY_CRITICAL_THRESHOLD", 4.0),

		Thresholds: Thresholds{
			CPUScaleUp:        getEnvFloat("CPU_SCALE_UP_THRESHOLD", 0.80),
			CPUScaleDown:      getEnvFloat("CPU_SCALE_DOWN_THRESHOLD", 0.20),
			MinConfidence:     getEnvFloat("MIN_FORECAST_CONFIDENCE", 0.7),
			MemoryWarning:     getEnvFloat("MEMORY_WARNING_THRESHOLD", 0.85),
			SpikeMultiplier:   getEnvFloat("SPIKE_MULTIPLIER", 2.0),
			SustainedLowFor:   getEnvDuration("SUSTAINED_LOW_FOR", time.Hour),
			Cooldown:          getEnvDuration("SCALING_COOLDOWN", 5*time.Minute),
			MinReplicas:       getEnvInt("MIN_REPLICAS", 1),
			MaxReplicas:       getEnvInt("MAX_REPLICAS", 100),
			TargetUtilization: getEnvFloat("TARGET_UTILIZATION", 0.7),
		},
	}
}

// LoadFile overlays values from a YAML file on top of the current config
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// SustainedLowEvaluations converts the sustained-low duration into a count of
// consecutive scoring evaluations
func (c *Config) SustainedLowEvaluations() int {
	if c.ScoringInterval <= 0 {
		return 1
	}
	n := int(c.Thresholds.SustainedLowFor / c.ScoringInterval)
	if n < 1 {
		n = 1
	}
	return n
}

// Validate checks threshold orderings and required values
func (c *Config) Validate() error {
	if c.Workload == "" {
		return &ValidationError{Field: "workload", Detail: "must not be empty"}
	}
	if c.BucketInterval <= 0 {
		return &ValidationError{Field: "bucket_interval", Detail: "must be positive"}
	}
	if c.ScoringInterval <= 0 {
		return &ValidationError{Field: "scoring_interval", Detail: "must be positive"}
	}
	if c.WarningThreshold >= c.CriticalThreshold {
		return &ValidationError{
			Field:  "warning_threshold",
			Detail: fmt.Sprintf("warning threshold (%.2f) must be below critical threshold (%.2f)", c.WarningThreshold, c.CriticalThreshold),
		}
	}
	if c.Thresholds.CPUScaleDown >= c.Thresholds.CPUScaleUp {
		return &ValidationError{
			Field:  "cpu_scale_down",
			Detail: fmt.Sprintf("scale-down threshold (%.2f) must be below scale-up threshold (%.2f)", c.Thresholds.CPUScaleDown, c.Thresholds.CPUScaleUp),
		}
	}
	if c.Thresholds.MinReplicas < 1 {
		return &ValidationError{Field: "min_replicas", Detail: "must be at least 1"}
	}
	if c.Thresholds.MaxReplicas < c.Thresholds.MinReplicas {
		return &ValidationError{Field: "max_replicas", Detail: "must be >= min_replicas"}
	}
	if c.Thresholds.MinConfidence < 0 || c.Thresholds.MinConfidence > 1 {
		return &ValidationError{Field: "min_confidence", Detail: "must be in [0,1]"}
	}
	if c.StorageEnabled && c.DatabaseURL == "" {
		return &ValidationError{Field: "database_url", Detail: "must be set when storage is enabled"}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
