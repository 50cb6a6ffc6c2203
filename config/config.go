// Package config loads, validates, and publishes querywatch
// configuration. A YAML file provides the base, QW_-prefixed
// environment variables override secrets and deployment knobs, and the
// result is validated once at startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "90s" parse.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// RemediationMode is the global posture toward write actions.
type RemediationMode string

const (
	ModeReadOnly           RemediationMode = "ReadOnly"
	ModeSuggestRemediation RemediationMode = "SuggestRemediation"
	ModeAutoApplyLowRisk   RemediationMode = "AutoApplyLowRisk"
)

// Environment tags a deployment or a monitored instance.
type Environment string

const (
	EnvDev        Environment = "Dev"
	EnvStaging    Environment = "Staging"
	EnvProduction Environment = "Production"
)

// Instance is one monitored SQL Server instance.
type Instance struct {
	Name        string      `yaml:"name" validate:"required"`
	DSN         string      `yaml:"dsn" validate:"required"`
	Databases   []string    `yaml:"databases" validate:"min=1"`
	Environment Environment `yaml:"environment" validate:"oneof=Dev Staging Production"`
	Enabled     bool        `yaml:"enabled"`
}

// StoreConfig points at the monitoring database (not a monitored one).
type StoreConfig struct {
	DSN            string   `yaml:"dsn" validate:"required"`
	ConnectTimeout Duration `yaml:"connectTimeout"`
	CommandTimeout Duration `yaml:"commandTimeout"`
}

// PlanCollection controls the collection job.
type PlanCollection struct {
	Interval               Duration `yaml:"interval"`
	TopN                   int      `yaml:"topN" validate:"gt=0"`
	LookbackWindow         Duration `yaml:"lookbackWindow"`
	MinimumExecutionCount  int64    `yaml:"minimumExecutionCount" validate:"gte=0"`
	MaxInstanceParallelism int      `yaml:"maxInstanceParallelism" validate:"gt=0"`
	MaxDatabaseParallelism int      `yaml:"maxDatabaseParallelism" validate:"gt=0"`
	SnapshotRetention      Duration `yaml:"snapshotRetention"`
	CollectionTimeout      Duration `yaml:"collectionTimeout"`
}

// RegressionRules are the detector thresholds.
type RegressionRules struct {
	DurationIncreaseThresholdPercent     float64 `yaml:"durationIncreaseThresholdPercent" validate:"gt=0"`
	CPUIncreaseThresholdPercent          float64 `yaml:"cpuIncreaseThresholdPercent" validate:"gt=0"`
	LogicalReadsIncreaseThresholdPercent float64 `yaml:"logicalReadsIncreaseThresholdPercent" validate:"gt=0"`
	MinimumExecutions                    int64   `yaml:"minimumExecutions" validate:"gte=0"`
	MinimumBaselineSamples               int     `yaml:"minimumBaselineSamples" validate:"gt=0"`
	RequireMultipleMetrics               bool    `yaml:"requireMultipleMetrics"`
}

// HotspotRules are the detector filters and ranking.
type HotspotRules struct {
	MinTotalCPUMs                 float64 `yaml:"minTotalCpuMs" validate:"gte=0"`
	MinTotalDurationMs            float64 `yaml:"minTotalDurationMs" validate:"gte=0"`
	MinExecutionCount             int64   `yaml:"minExecutionCount" validate:"gte=0"`
	MinAvgDurationMs              float64 `yaml:"minAvgDurationMs" validate:"gte=0"`
	IncludeQueriesWithRegressions bool    `yaml:"includeQueriesWithRegressions"`
	RankBy                        string  `yaml:"rankBy"`
	TopN                          int     `yaml:"topN" validate:"gt=0"`
}

// Analysis controls the analysis job.
type Analysis struct {
	RecentWindow                Duration        `yaml:"recentWindow"`
	HotspotWindow               Duration        `yaml:"hotspotWindow"`
	AnalysisInterval            Duration        `yaml:"analysisInterval"`
	AutoResolutionCheckInterval Duration        `yaml:"autoResolutionCheckInterval"`
	BaselineLookbackDays        int             `yaml:"baselineLookbackDays" validate:"gt=0"`
	BaselineMaxAge              Duration        `yaml:"baselineMaxAge"`
	SampleRetention             Duration        `yaml:"sampleRetention"`
	RegressionRetention         Duration        `yaml:"regressionRetention"`
	RegressionRules             RegressionRules `yaml:"regressionRules"`
	HotspotRules                HotspotRules    `yaml:"hotspotRules"`
}

// Scheduling controls the job fabric.
type Scheduling struct {
	CollectionStartupDelay Duration `yaml:"collectionStartupDelay"`
	AnalysisStartupDelay   Duration `yaml:"analysisStartupDelay"`
	// HH:MM, UTC.
	BaselineRebuildTimeOfDay string   `yaml:"baselineRebuildTimeOfDay" validate:"required"`
	DailySummaryTimeOfDay    string   `yaml:"dailySummaryTimeOfDay" validate:"required"`
	FailureBackoff           Duration `yaml:"failureBackoff"`
	MaxFailureBackoff        Duration `yaml:"maxFailureBackoff"`
	MaxConsecutiveFailures   int      `yaml:"maxConsecutiveFailures" validate:"gt=0"`
	ShutdownGracePeriod      Duration `yaml:"shutdownGracePeriod"`
}

// Security is the remediation guard policy.
type Security struct {
	Mode                       RemediationMode `yaml:"mode" validate:"oneof=ReadOnly SuggestRemediation AutoApplyLowRisk"`
	Environment                Environment     `yaml:"environment" validate:"oneof=Dev Staging Production"`
	EnableRemediation          bool            `yaml:"enableRemediation"`
	DryRunMode                 bool            `yaml:"dryRunMode"`
	MaxRemediationsPerHour     int             `yaml:"maxRemediationsPerHour" validate:"gte=0"`
	ExcludedDatabases          []string        `yaml:"excludedDatabases"`
	ApprovalThreshold          string          `yaml:"approvalThreshold" validate:"oneof=Low Medium High Critical"`
	MaintenanceWindowRequired  bool            `yaml:"maintenanceWindowRequired"`
	MaintenanceStartHour       int             `yaml:"maintenanceStartHour" validate:"gte=0,lte=23"`
	MaintenanceEndHour         int             `yaml:"maintenanceEndHour" validate:"gte=0,lte=23"`
	AllowProductionRemediation bool            `yaml:"allowProductionRemediation"`
}

// SlackChannel configures the Slack alert channel.
type SlackChannel struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	Channel string `yaml:"channel"`
}

// WebhookChannel configures the generic webhook alert channel.
type WebhookChannel struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// Alerting is the alert fan-out policy.
type Alerting struct {
	Enabled              bool           `yaml:"enabled"`
	MinimumSeverity      string         `yaml:"minimumSeverity"`
	CooldownPeriod       Duration       `yaml:"alertCooldownPeriod"`
	MaxHotspotsInSummary int            `yaml:"maxHotspotsInSummary" validate:"gt=0"`
	SendDailySummary     bool           `yaml:"sendDailySummary"`
	Slack                SlackChannel   `yaml:"slack"`
	Webhook              WebhookChannel `yaml:"webhook"`
}

// Features is the boot value of every feature flag.
type Features struct {
	PlanCollection  bool `yaml:"plancollection"`
	Analysis        bool `yaml:"analysis"`
	BaselineRebuild bool `yaml:"baselinerebuild"`
	DailySummary    bool `yaml:"dailysummary"`
	Alerting        bool `yaml:"alerting"`
	Remediation     bool `yaml:"remediation"`
	HealthChecks    bool `yaml:"healthchecks"`
	QueryStore      bool `yaml:"querystore"`
}

// Logging controls the zap setup.
type Logging struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

// Metrics controls the Prometheus listener.
type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Config is the whole configuration tree.
type Config struct {
	Instances      []Instance     `yaml:"instances" validate:"min=1,dive"`
	Store          StoreConfig    `yaml:"store"`
	PlanCollection PlanCollection `yaml:"planCollection"`
	Analysis       Analysis       `yaml:"analysis"`
	Scheduling     Scheduling     `yaml:"scheduling"`
	Security       Security       `yaml:"security"`
	Alerting       Alerting       `yaml:"alerting"`
	Features       Features       `yaml:"features"`
	Logging        Logging        `yaml:"logging"`
	Metrics        Metrics        `yaml:"metrics"`
}

// Default returns the configuration used when a key is absent from the
// file. Instances and DSNs have no default.
func Default() Config {
	return Config{
		Store: StoreConfig{
			ConnectTimeout: Duration(30 * time.Second),
			CommandTimeout: Duration(120 * time.Second),
		},
		PlanCollection: PlanCollection{
			Interval:               Duration(5 * time.Minute),
			TopN:                   50,
			LookbackWindow:         Duration(10 * time.Minute),
			MinimumExecutionCount:  2,
			MaxInstanceParallelism: 1,
			MaxDatabaseParallelism: 1,
			SnapshotRetention:      Duration(7 * 24 * time.Hour),
			CollectionTimeout:      Duration(2 * time.Minute),
		},
		Analysis: Analysis{
			RecentWindow:                Duration(1 * time.Hour),
			HotspotWindow:               Duration(1 * time.Hour),
			AnalysisInterval:            Duration(15 * time.Minute),
			AutoResolutionCheckInterval: Duration(30 * time.Minute),
			BaselineLookbackDays:        7,
			BaselineMaxAge:              Duration(26 * time.Hour),
			SampleRetention:             Duration(30 * 24 * time.Hour),
			RegressionRetention:         Duration(90 * 24 * time.Hour),
			RegressionRules: RegressionRules{
				DurationIncreaseThresholdPercent:     50,
				CPUIncreaseThresholdPercent:          50,
				LogicalReadsIncreaseThresholdPercent: 100,
				MinimumExecutions:                    5,
				MinimumBaselineSamples:               3,
				RequireMultipleMetrics:               false,
			},
			HotspotRules: HotspotRules{
				MinTotalCPUMs:                 1000,
				MinTotalDurationMs:            1000,
				MinExecutionCount:             10,
				MinAvgDurationMs:              10,
				IncludeQueriesWithRegressions: true,
				RankBy:                        "TotalCPUTime",
				TopN:                          20,
			},
		},
		Scheduling: Scheduling{
			CollectionStartupDelay:   Duration(10 * time.Second),
			AnalysisStartupDelay:     Duration(90 * time.Second),
			BaselineRebuildTimeOfDay: "02:00",
			DailySummaryTimeOfDay:    "08:00",
			FailureBackoff:           Duration(30 * time.Second),
			MaxFailureBackoff:        Duration(15 * time.Minute),
			MaxConsecutiveFailures:   5,
			ShutdownGracePeriod:      Duration(10 * time.Second),
		},
		Security: Security{
			Mode:                   ModeReadOnly,
			Environment:            EnvDev,
			EnableRemediation:      false,
			DryRunMode:             true,
			MaxRemediationsPerHour: 5,
			ApprovalThreshold:      "High",
			MaintenanceStartHour:   2,
			MaintenanceEndHour:     5,
		},
		Alerting: Alerting{
			Enabled:              true,
			MinimumSeverity:      "Medium",
			CooldownPeriod:       Duration(1 * time.Hour),
			MaxHotspotsInSummary: 10,
			SendDailySummary:     true,
		},
		Features: Features{
			PlanCollection:  true,
			Analysis:        true,
			BaselineRebuild: true,
			DailySummary:    true,
			Alerting:        true,
			Remediation:     false,
			HealthChecks:    true,
			QueryStore:      true,
		},
		Logging: Logging{Level: "info", Format: "json"},
		Metrics: Metrics{Enabled: true, Addr: ":9406"},
	}
}

// Load reads the YAML file at path on top of Default, applies QW_
// environment overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overlays QW_-prefixed environment variables. Secrets and
// deployment knobs only; structural config stays in the file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("QW_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("QW_SLACK_TOKEN"); v != "" {
		cfg.Alerting.Slack.Token = v
	}
	if v := os.Getenv("QW_WEBHOOK_URL"); v != "" {
		cfg.Alerting.Webhook.URL = v
	}
	if v := os.Getenv("QW_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("QW_ENVIRONMENT"); v != "" {
		cfg.Security.Environment = Environment(v)
	}
	if v := os.Getenv("QW_ENABLE_REMEDIATION"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Security.EnableRemediation = b
			cfg.Features.Remediation = b
		}
	}
	if v := os.Getenv("QW_DRY_RUN"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Security.DryRunMode = b
		}
	}
	if v := os.Getenv("QW_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
}

// Validate checks structural validity plus the cross-field rules the
// tag language cannot express.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := ParseTimeOfDay(c.Scheduling.BaselineRebuildTimeOfDay); err != nil {
		return fmt.Errorf("scheduling.baselineRebuildTimeOfDay: %w", err)
	}
	if _, err := ParseTimeOfDay(c.Scheduling.DailySummaryTimeOfDay); err != nil {
		return fmt.Errorf("scheduling.dailySummaryTimeOfDay: %w", err)
	}
	if c.Scheduling.FailureBackoff.Std() <= 0 || c.Scheduling.MaxFailureBackoff.Std() < c.Scheduling.FailureBackoff.Std() {
		return fmt.Errorf("invalid config: failure backoff curve %v..%v",
			c.Scheduling.FailureBackoff.Std(), c.Scheduling.MaxFailureBackoff.Std())
	}
	return nil
}

// TimeOfDay is a wall-clock HH:MM in UTC.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return TimeOfDay{}, fmt.Errorf("want HH:MM, got %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return TimeOfDay{}, fmt.Errorf("bad hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return TimeOfDay{}, fmt.Errorf("bad minute in %q", s)
	}
	return TimeOfDay{Hour: h, Minute: m}, nil
}

// Next returns the next occurrence of the time of day strictly after
// now, in UTC.
func (t TimeOfDay) Next(now time.Time) time.Time {
	now = now.UTC()
	target := time.Date(now.Year(), now.Month(), now.Day(), t.Hour, t.Minute, 0, 0, time.UTC)
	if !target.After(now) {
		target = target.Add(24 * time.Hour)
	}
	return target
}
