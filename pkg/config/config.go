package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Prompt   PromptConfig   `yaml:"prompt"`
	Deferral DeferralConfig `yaml:"deferral"`
	Enforce  EnforceConfig  `yaml:"enforce"`
	Workday  WorkdayConfig  `yaml:"workday"`
	State    StateConfig    `yaml:"state"`
	Promptd  PromptdConfig  `yaml:"promptd"`
	Mgmt     MgmtConfig     `yaml:"mgmt"`
	Health   HealthConfig   `yaml:"health"`
	Logging  LoggingConfig  `yaml:"logging"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

type PromptConfig struct {
	InstallLabel             string `yaml:"install_label"`
	DeferLabel               string `yaml:"defer_label"`
	TimeoutS                 int    `yaml:"timeout_s"`
	LogoPath                 string `yaml:"logo_path"`
	SupportContact           string `yaml:"support_contact"`
	SuppressPostInstallAlert bool   `yaml:"suppress_post_install_alert"`
}

type DeferralConfig struct {
	PeriodS      int  `yaml:"period_s"`
	MaxWindowS   int  `yaml:"max_window_s"`
	SkipDeferral bool `yaml:"skip_deferral"`
}

type EnforceConfig struct {
	ApplyDelayS         int  `yaml:"apply_delay_s"`
	HardRestartDelayS   int  `yaml:"hard_restart_delay_s"`
	ManualUpdates       bool `yaml:"manual_updates"`
	ManualPollIntervalS int  `yaml:"manual_poll_interval_s"`
}

// WorkdayConfig shifts a computed deadline that lands inside working hours
// out to the end of the workday. Hours are local, 0-24; -1 means unset.
type WorkdayConfig struct {
	StartHour int `yaml:"start_hour"`
	EndHour   int `yaml:"end_hour"`
}

type StateConfig struct {
	DBPath    string `yaml:"db_path"`
	Namespace string `yaml:"namespace"`
	LeaseTTLS int    `yaml:"lease_ttl_s"`
}

type PromptdConfig struct {
	URL            string `yaml:"url"`
	RequestTimeout int    `yaml:"request_timeout_s"`
}

type MgmtConfig struct {
	URL             string `yaml:"url"`
	RequestTimeout  int    `yaml:"request_timeout_s"`
	RetryInitialMs  int    `yaml:"retry_initial_ms"`
	RetryMaxMs      int    `yaml:"retry_max_ms"`
	RetryMaxRetries int    `yaml:"retry_max_attempts"`
	RetryIntervalS  int    `yaml:"retry_interval_s"`
}

// HealthConfig tunes the preflight checks. CatalogURL is probed for
// reachability when set; leave it empty when the platform updater resolves
// its own catalog endpoint.
type HealthConfig struct {
	CatalogURL string `yaml:"catalog_url"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
	// File enables the diagnostic log target; empty logs to stdout so the
	// scheduler captures output in the system log.
	File string `yaml:"file"`
}

type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
	LogSpans    bool    `yaml:"log_spans"`
}

// DefaultConfig returns a config with the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Prompt: PromptConfig{
			InstallLabel:   "Install",
			DeferLabel:     "Defer",
			TimeoutS:       3600,
			SupportContact: "IT",
		},
		Deferral: DeferralConfig{
			PeriodS:    14400,
			MaxWindowS: 259200,
		},
		Enforce: EnforceConfig{
			ApplyDelayS:         600,
			HardRestartDelayS:   300,
			ManualPollIntervalS: 60,
		},
		Workday: WorkdayConfig{
			StartHour: -1,
			EndHour:   -1,
		},
		State: StateConfig{
			DBPath:    "/var/lib/compel/state.db",
			Namespace: "default",
			LeaseTTLS: 7200,
		},
		Promptd: PromptdConfig{
			URL:            "http://127.0.0.1:8712",
			RequestTimeout: 10,
		},
		Mgmt: MgmtConfig{
			RequestTimeout:  10,
			RetryInitialMs:  500,
			RetryMaxMs:      5000,
			RetryMaxRetries: 5,
			RetryIntervalS:  900,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Tracing: TracingConfig{
			SampleRatio: 1,
		},
	}
}

// Load reads config from file with env var overrides. The file is re-read on
// every invocation; administrators may change any setting between runs.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		}
	}

	if url := os.Getenv("COMPEL_PROMPTD_URL"); url != "" {
		cfg.Promptd.URL = url
	}
	if url := os.Getenv("COMPEL_MGMT_URL"); url != "" {
		cfg.Mgmt.URL = url
	}
	if dbPath := os.Getenv("COMPEL_DB_PATH"); dbPath != "" {
		cfg.State.DBPath = dbPath
	}
	if level := os.Getenv("COMPEL_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.State.DBPath == "" {
		return ErrMissingDBPath
	}
	if c.Promptd.URL == "" {
		return ErrMissingPromptdURL
	}
	if c.State.Namespace == "" {
		c.State.Namespace = "default"
	}
	if c.Deferral.PeriodS <= 0 {
		c.Deferral.PeriodS = 14400
	}
	if c.Deferral.MaxWindowS <= 0 {
		c.Deferral.MaxWindowS = 259200
	}
	if c.Prompt.TimeoutS <= 0 {
		c.Prompt.TimeoutS = 3600
	}
	if c.Prompt.InstallLabel == "" {
		c.Prompt.InstallLabel = "Install"
	}
	if c.Prompt.DeferLabel == "" {
		c.Prompt.DeferLabel = "Defer"
	}
	if c.Prompt.SupportContact == "" {
		c.Prompt.SupportContact = "IT"
	}
	if c.Enforce.ApplyDelayS < 0 {
		c.Enforce.ApplyDelayS = 600
	}
	if c.Enforce.HardRestartDelayS <= 0 {
		c.Enforce.HardRestartDelayS = 300
	}
	if c.Enforce.ManualPollIntervalS <= 0 {
		c.Enforce.ManualPollIntervalS = 60
	}
	if c.State.LeaseTTLS <= 0 {
		c.State.LeaseTTLS = 7200
	}
	if c.Promptd.RequestTimeout <= 0 {
		c.Promptd.RequestTimeout = 10
	}
	if c.Mgmt.RequestTimeout <= 0 {
		c.Mgmt.RequestTimeout = 10
	}
	if c.Mgmt.RetryInitialMs <= 0 {
		c.Mgmt.RetryInitialMs = 500
	}
	if c.Mgmt.RetryMaxMs < c.Mgmt.RetryInitialMs {
		c.Mgmt.RetryMaxMs = c.Mgmt.RetryInitialMs
	}
	if c.Mgmt.RetryMaxRetries < 0 {
		c.Mgmt.RetryMaxRetries = 5
	}
	if c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1 {
		c.Tracing.SampleRatio = 1
	}
	if err := c.Workday.validate(); err != nil {
		return err
	}
	return nil
}

func (w WorkdayConfig) validate() error {
	if !w.Enabled() {
		// Half-set windows are a config mistake, not an unset window.
		if (w.StartHour >= 0) != (w.EndHour >= 0) {
			return &Error{"workday start_hour and end_hour must both be set or both unset"}
		}
		return nil
	}
	if w.StartHour > 23 || w.EndHour > 24 {
		return &Error{fmt.Sprintf("workday hours out of range: %d-%d", w.StartHour, w.EndHour)}
	}
	if w.StartHour >= w.EndHour {
		return &Error{fmt.Sprintf("workday start %d must precede end %d", w.StartHour, w.EndHour)}
	}
	return nil
}

// Enabled reports whether a workday window is configured.
func (w WorkdayConfig) Enabled() bool {
	return w.StartHour >= 0 && w.EndHour >= 0
}

func (c *Config) DeferralPeriod() time.Duration {
	return time.Duration(c.Deferral.PeriodS) * time.Second
}

func (c *Config) MaxDeferralWindow() time.Duration {
	return time.Duration(c.Deferral.MaxWindowS) * time.Second
}

func (c *Config) PromptTimeout() time.Duration {
	return time.Duration(c.Prompt.TimeoutS) * time.Second
}

var (
	ErrMissingDBPath     = &Error{"state db_path is required"}
	ErrMissingPromptdURL = &Error{"promptd URL is required"}
)

type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}
