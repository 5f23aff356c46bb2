// Package config provides configuration management for phpunit-supervisor.
package config

import (
	"time"

	"github.com/randomizedcoder/go-phpunit-supervisor/internal/process"
)

// Config holds all configuration options for the supervisor.
type Config struct {
	// Command
	Runtime      string            `json:"runtime" yaml:"runtime"`
	Args         []string          `json:"args" yaml:"args"`
	Dir          string            `json:"dir" yaml:"dir"`
	Env          map[string]string `json:"env" yaml:"env"`
	CoverageFile string            `json:"coverage_file" yaml:"coverage_file"`
	RunFile      string            `json:"run_file" yaml:"-"`

	// Cancellation
	FallbackMode string        `json:"fallback_mode" yaml:"-"` // cli, api, off
	APITimeout   time.Duration `json:"api_timeout" yaml:"-"`
	Timeout      time.Duration `json:"timeout" yaml:"-"` // 0 = no limit

	// Repetition
	Repeat        int  `json:"repeat" yaml:"-"`
	StopOnFailure bool `json:"stop_on_failure" yaml:"-"`

	// Observability
	MetricsAddr string `json:"metrics_addr" yaml:"-"` // empty = disabled
	LogFormat   string `json:"log_format" yaml:"-"`   // json, text
	LogLevel    string `json:"log_level" yaml:"-"`
	Verbose     bool   `json:"verbose" yaml:"-"`
	TUI         bool   `json:"tui" yaml:"-"`

	// Run reports
	KafkaBrokers []string `json:"kafka_brokers" yaml:"-"`
	KafkaTopic   string   `json:"kafka_topic" yaml:"-"`

	// Diagnostic modes
	PrintCmd      bool `json:"print_cmd" yaml:"-"`
	SkipPreflight bool `json:"skip_preflight" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		// Cancellation
		FallbackMode: "cli",
		APITimeout:   10 * time.Second,
		Timeout:      0, // No limit

		// Repetition
		Repeat: 1,

		// Observability
		MetricsAddr: "",
		LogFormat:   "json",
		LogLevel:    "info",

		// Run reports
		KafkaTopic: "phpunit-runs",
	}
}

// CommandConfig returns the test-runner invocation described by cfg.
func (c *Config) CommandConfig() *process.CommandConfig {
	var env map[string]string
	if len(c.Env) > 0 {
		env = make(map[string]string, len(c.Env))
		for k, v := range c.Env {
			env[k] = v
		}
	}
	return &process.CommandConfig{
		Runtime: c.Runtime,
		Args:    append([]string(nil), c.Args...),
		Options: process.SpawnOptions{
			Dir: c.Dir,
			Env: env,
		},
		CoverageFile: c.CoverageFile,
	}
}

// ReportsEnabled reports whether run reports should be published to Kafka.
func (c *Config) ReportsEnabled() bool {
	return len(c.KafkaBrokers) > 0
}
