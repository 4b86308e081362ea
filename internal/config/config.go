package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all canaryloop configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Storage configuration
	Storage StorageConfig `yaml:"storage"`

	// Feed ingestion
	Feed FeedConfig `yaml:"feed"`

	// Training
	Training TrainingConfig `yaml:"training"`

	// Judge reliability scoring
	Judges JudgeConfig `yaml:"judges"`

	// Uncertainty sampling
	Sampler SamplerConfig `yaml:"sampler"`

	// Canary guard policy
	Guard GuardConfig `yaml:"guard"`

	// Operator HTTP API
	Server ServerConfig `yaml:"server"`
}

// StorageConfig configures the SQLite-backed stores.
type StorageConfig struct {
	// DatabasePath is the SQLite file holding examples, predictions and raw
	// upstream events. ":memory:" is allowed for tests.
	DatabasePath string `yaml:"database_path"`

	// SettingsPath is the SQLite file backing the versioned settings map.
	// Empty means share DatabasePath.
	SettingsPath string `yaml:"settings_path"`
}

// FeedConfig configures the labeled-example ETL.
type FeedConfig struct {
	// GoldsetDir is a directory of YAML goldset files, one suite per file.
	GoldsetDir string `yaml:"goldset_dir"`

	// WatchGoldsets ingests new goldset files as they appear on disk.
	WatchGoldsets bool `yaml:"watch_goldsets"`

	// LookbackDays bounds load_from_approvals/load_from_feedback windows
	// when the caller does not pass an explicit since time.
	LookbackDays int `yaml:"lookback_days"`

	// BatchLimit caps rows pulled from one upstream source per run.
	BatchLimit int `yaml:"batch_limit"`
}

// TrainingConfig configures bundle training.
type TrainingConfig struct {
	// MinExamples is the floor below which training fails.
	MinExamples int `yaml:"min_examples"`

	// ModelType selects the default trainer: "logistic" or "tree".
	ModelType string `yaml:"model_type"`

	// TreeMaxDepth bounds the decision tree trainer.
	TreeMaxDepth int `yaml:"tree_max_depth"`
}

// JudgeConfig configures judge trust-weight scoring.
type JudgeConfig struct {
	// HalfLifeDays is the evidence decay half-life.
	HalfLifeDays float64 `yaml:"half_life_days"`

	// LookbackDays is the evidence window for the nightly batch.
	LookbackDays int `yaml:"lookback_days"`

	// MinEvidence is the matched-prediction floor below which the prior
	// weight is retained instead of being overwritten.
	MinEvidence int `yaml:"min_evidence"`

	// DefaultWeight is the cold-start weight for judges with no evidence.
	DefaultWeight float64 `yaml:"default_weight"`
}

// SamplerConfig configures review-queue sampling.
type SamplerConfig struct {
	TopN           int     `yaml:"top_n"`
	MinUncertainty float64 `yaml:"min_uncertainty"`

	// WindowDays is how far back predictions are fetched.
	WindowDays int `yaml:"window_days"`

	// LowConfidenceFloor is the weighted-confidence cutoff for the
	// low_confidence method.
	LowConfidenceFloor float64 `yaml:"low_confidence_floor"`
}

// GuardConfig configures the canary promotion/rollback policy.
type GuardConfig struct {
	// Rollback triggers. Asymmetric on purpose: rollback fires easier
	// than promotion.
	QualityDropThreshold  float64 `yaml:"quality_drop_threshold"`
	LatencyRiseThreshold  float64 `yaml:"latency_rise_threshold"`
	QualityGainThreshold  float64 `yaml:"quality_gain_threshold"`
	LatencyDropThreshold  float64 `yaml:"latency_drop_threshold"`
	LookbackHours         int     `yaml:"lookback_hours"`
	Stages                []int   `yaml:"stages"`
	MaxStalledCycles      int     `yaml:"max_stalled_cycles"`
	CheckInterval         string  `yaml:"check_interval"`
}

// ServerConfig configures the operator API.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// DefaultConfig returns the configuration defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "canaryloop",
		Version: "0.3.0",
		Storage: StorageConfig{
			DatabasePath: "canaryloop.db",
		},
		Feed: FeedConfig{
			GoldsetDir:   "goldsets",
			LookbackDays: 30,
			BatchLimit:   500,
		},
		Training: TrainingConfig{
			MinExamples:  50,
			ModelType:    "logistic",
			TreeMaxDepth: 3,
		},
		Judges: JudgeConfig{
			HalfLifeDays:  7.0,
			LookbackDays:  30,
			MinEvidence:   5,
			DefaultWeight: 0.5,
		},
		Sampler: SamplerConfig{
			TopN:               50,
			MinUncertainty:     0.0,
			WindowDays:         7,
			LowConfidenceFloor: 0.60,
		},
		Guard: GuardConfig{
			QualityDropThreshold: -0.05,
			LatencyRiseThreshold: 0.10,
			QualityGainThreshold: 0.02,
			LatencyDropThreshold: -0.10,
			LookbackHours:        24,
			Stages:               []int{10, 50, 100},
			MaxStalledCycles:     3,
			CheckInterval:        "24h",
		},
		Server: ServerConfig{
			Addr: ":8743",
		},
	}
}

// Load reads configuration from a YAML file, applying defaults for
// anything the file leaves unset. A missing file returns defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CANARYLOOP_DB"); v != "" {
		c.Storage.DatabasePath = v
	}
	if v := os.Getenv("CANARYLOOP_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("CANARYLOOP_GOLDSET_DIR"); v != "" {
		c.Feed.GoldsetDir = v
	}
}

// ValidModelTypes lists the supported trainer variants.
var ValidModelTypes = []string{"logistic", "tree"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Storage.DatabasePath == "" {
		return fmt.Errorf("storage.database_path not configured")
	}

	validModel := false
	for _, m := range ValidModelTypes {
		if c.Training.ModelType == m {
			validModel = true
			break
		}
	}
	if !validModel {
		return fmt.Errorf("invalid model type: %s (valid: %v)", c.Training.ModelType, ValidModelTypes)
	}

	if c.Training.MinExamples < 1 {
		return fmt.Errorf("training.min_examples must be >= 1, got %d", c.Training.MinExamples)
	}
	if c.Judges.DefaultWeight < 0.10 || c.Judges.DefaultWeight > 1.00 {
		return fmt.Errorf("judges.default_weight must be within [0.10, 1.00], got %.2f", c.Judges.DefaultWeight)
	}
	if len(c.Guard.Stages) == 0 {
		return fmt.Errorf("guard.stages must not be empty")
	}
	prev := 0
	for _, s := range c.Guard.Stages {
		if s <= prev || s > 100 {
			return fmt.Errorf("guard.stages must be strictly increasing percentages in (0, 100], got %v", c.Guard.Stages)
		}
		prev = s
	}
	return nil
}

// GetCheckInterval returns the guard check interval as a duration.
func (c *Config) GetCheckInterval() time.Duration {
	d, err := time.ParseDuration(c.Guard.CheckInterval)
	if err != nil {
		return 24 * time.Hour
	}
	return d
}
