// Package config provides configuration loading and management for sonda.
package config

import "time"

// Config is the root configuration.
type Config struct {
	Oracle    OracleConfig    `json:"oracle"              mapstructure:"oracle"`
	Browser   BrowserConfig   `json:"browser"             mapstructure:"browser"`
	Budgets   Budgets         `json:"budgets"             mapstructure:"budgets"`
	Retention RetentionPolicy `json:"retention,omitempty" mapstructure:"retention"`
	Redaction RedactionConfig `json:"redaction,omitempty" mapstructure:"redaction"`
}

// OracleConfig describes the language model endpoint used for
// planning, verification and patching.
type OracleConfig struct {
	Model      string `json:"model"                 mapstructure:"model"`
	BaseURL    string `json:"base_url,omitempty"    mapstructure:"base_url"`
	APIKeyEnv  string `json:"api_key_env,omitempty" mapstructure:"api_key_env"`
	TimeoutSec int    `json:"timeout_sec,omitempty" mapstructure:"timeout_sec"`
	MaxTries   int    `json:"max_tries,omitempty"   mapstructure:"max_tries"`
	MaxTokens  int    `json:"max_tokens,omitempty"  mapstructure:"max_tokens"`
}

// BrowserConfig describes the browser session.
type BrowserConfig struct {
	Headless      *bool  `json:"headless,omitempty"       mapstructure:"headless"`
	RemoteURL     string `json:"remote_url,omitempty"     mapstructure:"remote_url"`
	NavTimeoutSec int    `json:"nav_timeout_sec,omitempty" mapstructure:"nav_timeout_sec"`
	OpTimeoutSec  int    `json:"op_timeout_sec,omitempty"  mapstructure:"op_timeout_sec"`
}

// Budgets defines run limits.
type Budgets struct {
	MaxPatchRounds int `json:"max_patch_rounds"            mapstructure:"max_patch_rounds"`
	MaxSteps       int `json:"max_steps,omitempty"         mapstructure:"max_steps"`
	MaxWallTimeSec int `json:"max_wall_time_sec,omitempty" mapstructure:"max_wall_time_sec"`
	StepTimeoutSec int `json:"step_timeout_sec,omitempty"  mapstructure:"step_timeout_sec"`
}

// RetentionPolicy defines how many old runs to keep.
type RetentionPolicy struct {
	KeepLast int `json:"keep_last,omitempty" mapstructure:"keep_last"`
	KeepDays int `json:"keep_days,omitempty" mapstructure:"keep_days"`
}

// RedactionConfig tunes what gets scrubbed from persisted artifacts.
type RedactionConfig struct {
	AllowFields   []string `json:"allow_fields,omitempty"   mapstructure:"allow_fields"`
	ExtraPatterns []string `json:"extra_patterns,omitempty" mapstructure:"extra_patterns"`
}

// Default returns a configuration that works without a config file.
func Default() Config {
	headless := true
	return Config{
		Oracle: OracleConfig{
			Model:      "gpt-4o-mini",
			APIKeyEnv:  "OPENAI_API_KEY",
			TimeoutSec: 120,
			MaxTries:   3,
			MaxTokens:  4096,
		},
		Browser: BrowserConfig{
			Headless:      &headless,
			NavTimeoutSec: 30,
			OpTimeoutSec:  10,
		},
		Budgets: Budgets{
			MaxPatchRounds: 2,
			MaxSteps:       25,
			MaxWallTimeSec: 600,
			StepTimeoutSec: 15,
		},
		Retention: RetentionPolicy{KeepLast: 20},
	}
}

// ApplyDefaults fills zero-valued fields from Default.
func (c *Config) ApplyDefaults() {
	def := Default()
	if c.Oracle.Model == "" {
		c.Oracle.Model = def.Oracle.Model
	}
	if c.Oracle.APIKeyEnv == "" {
		c.Oracle.APIKeyEnv = def.Oracle.APIKeyEnv
	}
	if c.Oracle.TimeoutSec <= 0 {
		c.Oracle.TimeoutSec = def.Oracle.TimeoutSec
	}
	if c.Oracle.MaxTries <= 0 {
		c.Oracle.MaxTries = def.Oracle.MaxTries
	}
	if c.Oracle.MaxTokens <= 0 {
		c.Oracle.MaxTokens = def.Oracle.MaxTokens
	}
	if c.Browser.Headless == nil {
		c.Browser.Headless = def.Browser.Headless
	}
	if c.Browser.NavTimeoutSec <= 0 {
		c.Browser.NavTimeoutSec = def.Browser.NavTimeoutSec
	}
	if c.Browser.OpTimeoutSec <= 0 {
		c.Browser.OpTimeoutSec = def.Browser.OpTimeoutSec
	}
	if c.Budgets.MaxPatchRounds <= 0 {
		c.Budgets.MaxPatchRounds = def.Budgets.MaxPatchRounds
	}
	if c.Budgets.MaxSteps <= 0 {
		c.Budgets.MaxSteps = def.Budgets.MaxSteps
	}
	if c.Budgets.MaxWallTimeSec <= 0 {
		c.Budgets.MaxWallTimeSec = def.Budgets.MaxWallTimeSec
	}
	if c.Budgets.StepTimeoutSec <= 0 {
		c.Budgets.StepTimeoutSec = def.Budgets.StepTimeoutSec
	}
}

// NavTimeout returns the navigation timeout as a duration.
func (c BrowserConfig) NavTimeout() time.Duration {
	return time.Duration(c.NavTimeoutSec) * time.Second
}

// OpTimeout returns the per-operation timeout as a duration.
func (c BrowserConfig) OpTimeout() time.Duration {
	return time.Duration(c.OpTimeoutSec) * time.Second
}

// WallTime returns the global run deadline as a duration.
func (b Budgets) WallTime() time.Duration {
	return time.Duration(b.MaxWallTimeSec) * time.Second
}

// StepTimeout returns the per-step timeout as a duration.
func (b Budgets) StepTimeout() time.Duration {
	return time.Duration(b.StepTimeoutSec) * time.Second
}
