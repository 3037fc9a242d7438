// Package config holds all dirforge configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all dirforge configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Campaign targets and cadence
	Campaign CampaignConfig `yaml:"campaign"`

	// Per-service budget caps
	Budget BudgetConfig `yaml:"budget"`

	// Per-phase execution settings
	Phases PhasesConfig `yaml:"phases"`

	// Record storage
	Storage StorageConfig `yaml:"storage"`

	// Identity matching
	Dedup DedupConfig `yaml:"dedup"`

	// External collaborator endpoints
	Services ServicesConfig `yaml:"services"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// CampaignConfig configures campaign targets and checkpointing.
type CampaignConfig struct {
	TotalTarget        int `yaml:"total_target"`        // Campaign-lifetime record goal
	DailyTarget        int `yaml:"daily_target"`        // Records per daily batch
	CheckpointInterval int `yaml:"checkpoint_interval"` // Snapshot every K accepted records
	CheckpointsKept    int `yaml:"checkpoints_kept"`    // Bounded ring size
}

// ServiceBudget holds the two caps governing one external service.
// Whichever cap is tighter governs.
type ServiceBudget struct {
	DailyCap    float64 `yaml:"daily_cap"`
	LifetimeCap float64 `yaml:"lifetime_cap"`
}

// BudgetConfig configures per-service spend caps.
type BudgetConfig struct {
	Search  ServiceBudget `yaml:"search"`
	Enrich  ServiceBudget `yaml:"enrich"`
	Publish ServiceBudget `yaml:"publish"`

	// WarnAtPercent raises a non-fatal warning at this fraction of either cap.
	WarnAtPercent float64 `yaml:"warn_at_percent"`
}

// PhaseConfig configures one phase executor.
type PhaseConfig struct {
	MaxConcurrent int    `yaml:"max_concurrent"` // Worker pool size
	MinDelay      string `yaml:"min_delay"`      // Minimum inter-call delay
	CallTimeout   string `yaml:"call_timeout"`   // Per-call timeout
	MaxRetries    int    `yaml:"max_retries"`    // Transient-error retry attempts
	RetryBase     string `yaml:"retry_base"`     // Backoff base delay
	BatchSize     int    `yaml:"batch_size"`     // Enrich only: records per call
}

// PhasesConfig configures the three phase executors.
type PhasesConfig struct {
	Search  PhaseConfig `yaml:"search"`
	Enrich  PhaseConfig `yaml:"enrich"`
	Publish PhaseConfig `yaml:"publish"`
}

// StorageConfig configures local record storage.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// DedupConfig configures the identity matcher.
type DedupConfig struct {
	// SignalThreshold is how many of the three identity signals must agree
	// before a candidate is treated as a duplicate.
	SignalThreshold int `yaml:"signal_threshold"`

	// NameSimilarity is the minimum token-overlap score for the name signal.
	NameSimilarity float64 `yaml:"name_similarity"`
}

// ServicesConfig holds the base URLs and credentials for the three
// external collaborators. The published identity index is served by the
// publish collaborator.
type ServicesConfig struct {
	SearchURL  string `yaml:"search_url"`
	EnrichURL  string `yaml:"enrich_url"`
	PublishURL string `yaml:"publish_url"`
	APIKey     string `yaml:"api_key"`
}

// LoggingConfig configures the categorized debug logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	JSONFormat bool            `yaml:"json_format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "dirforge",
		Version: "1.0.0",

		Campaign: CampaignConfig{
			TotalTarget:        5000,
			DailyTarget:        150,
			CheckpointInterval: 50,
			CheckpointsKept:    10,
		},

		Budget: BudgetConfig{
			Search:        ServiceBudget{DailyCap: 25.0, LifetimeCap: 600.0},
			Enrich:        ServiceBudget{DailyCap: 40.0, LifetimeCap: 900.0},
			Publish:       ServiceBudget{DailyCap: 10.0, LifetimeCap: 250.0},
			WarnAtPercent: 0.80,
		},

		Phases: PhasesConfig{
			Search:  PhaseConfig{MaxConcurrent: 2, MinDelay: "1500ms", CallTimeout: "30s", MaxRetries: 3, RetryBase: "2s"},
			Enrich:  PhaseConfig{MaxConcurrent: 1, MinDelay: "3s", CallTimeout: "120s", MaxRetries: 3, RetryBase: "5s", BatchSize: 5},
			Publish: PhaseConfig{MaxConcurrent: 2, MinDelay: "500ms", CallTimeout: "30s", MaxRetries: 3, RetryBase: "2s"},
		},

		Storage: StorageConfig{
			DatabasePath: ".dirforge/records.db",
		},

		Dedup: DedupConfig{
			SignalThreshold: 2,
			NameSimilarity:  0.85,
		},

		Services: ServicesConfig{
			SearchURL:  "http://localhost:8701",
			EnrichURL:  "http://localhost:8702",
			PublishURL: "http://localhost:8703",
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file. Missing file returns defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies DIRFORGE_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if path := os.Getenv("DIRFORGE_DB"); path != "" {
		c.Storage.DatabasePath = path
	}
	if v := os.Getenv("DIRFORGE_DAILY_TARGET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Campaign.DailyTarget = n
		}
	}
	if v := os.Getenv("DIRFORGE_TOTAL_TARGET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Campaign.TotalTarget = n
		}
	}
	if v := os.Getenv("DIRFORGE_CHECKPOINT_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Campaign.CheckpointInterval = n
		}
	}
	if v := os.Getenv("DIRFORGE_SEARCH_DAILY_CAP"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			c.Budget.Search.DailyCap = f
		}
	}
	if v := os.Getenv("DIRFORGE_ENRICH_DAILY_CAP"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			c.Budget.Enrich.DailyCap = f
		}
	}
	if v := os.Getenv("DIRFORGE_PUBLISH_DAILY_CAP"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			c.Budget.Publish.DailyCap = f
		}
	}
	if key := os.Getenv("DIRFORGE_API_KEY"); key != "" {
		c.Services.APIKey = key
	}
	if v := os.Getenv("DIRFORGE_DEBUG"); v == "1" || v == "true" {
		c.Logging.DebugMode = true
	}
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Campaign.TotalTarget < 1 {
		return fmt.Errorf("campaign.total_target must be >= 1")
	}
	if c.Campaign.DailyTarget < 1 {
		return fmt.Errorf("campaign.daily_target must be >= 1")
	}
	if c.Campaign.CheckpointInterval < 1 {
		return fmt.Errorf("campaign.checkpoint_interval must be >= 1")
	}
	if c.Campaign.CheckpointsKept < 1 {
		return fmt.Errorf("campaign.checkpoints_kept must be >= 1")
	}
	for name, sb := range map[string]ServiceBudget{
		"search":  c.Budget.Search,
		"enrich":  c.Budget.Enrich,
		"publish": c.Budget.Publish,
	} {
		if sb.DailyCap <= 0 {
			return fmt.Errorf("budget.%s.daily_cap must be > 0", name)
		}
		if sb.LifetimeCap < sb.DailyCap {
			return fmt.Errorf("budget.%s.lifetime_cap must be >= daily_cap", name)
		}
	}
	if c.Budget.WarnAtPercent <= 0 || c.Budget.WarnAtPercent >= 1 {
		return fmt.Errorf("budget.warn_at_percent must be in (0, 1)")
	}
	for name, pc := range map[string]PhaseConfig{
		"search":  c.Phases.Search,
		"enrich":  c.Phases.Enrich,
		"publish": c.Phases.Publish,
	} {
		if pc.MaxConcurrent < 1 {
			return fmt.Errorf("phases.%s.max_concurrent must be >= 1", name)
		}
		if pc.MaxRetries < 0 {
			return fmt.Errorf("phases.%s.max_retries must be >= 0", name)
		}
	}
	if c.Phases.Enrich.BatchSize < 1 {
		return fmt.Errorf("phases.enrich.batch_size must be >= 1")
	}
	if c.Dedup.SignalThreshold < 1 || c.Dedup.SignalThreshold > 3 {
		return fmt.Errorf("dedup.signal_threshold must be between 1 and 3")
	}
	if c.Dedup.NameSimilarity <= 0 || c.Dedup.NameSimilarity > 1 {
		return fmt.Errorf("dedup.name_similarity must be in (0, 1]")
	}
	return nil
}

// Duration parses a duration field, returning fallback on error.
func Duration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

// MinDelayDuration returns the parsed minimum inter-call delay.
func (p PhaseConfig) MinDelayDuration() time.Duration {
	return Duration(p.MinDelay, time.Second)
}

// CallTimeoutDuration returns the parsed per-call timeout.
func (p PhaseConfig) CallTimeoutDuration() time.Duration {
	return Duration(p.CallTimeout, 30*time.Second)
}

// RetryBaseDuration returns the parsed backoff base delay.
func (p PhaseConfig) RetryBaseDuration() time.Duration {
	return Duration(p.RetryBase, 2*time.Second)
}
