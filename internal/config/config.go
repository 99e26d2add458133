// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the vantage server configuration from a YAML file
// and VANTAGE_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/vantage/internal/alert"
	"github.com/tombee/vantage/internal/audit"
	"github.com/tombee/vantage/internal/budget"
	"github.com/tombee/vantage/internal/storage"
	"github.com/tombee/vantage/internal/tracing"
	"github.com/tombee/vantage/internal/tracing/redact"
	"github.com/tombee/vantage/internal/validation"
	vantageerrors "github.com/tombee/vantage/pkg/errors"
)

var (
	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// Config represents the complete vantage configuration.
type Config struct {
	Log       LogConfig      `yaml:"log"`
	Server    ServerConfig   `yaml:"server"`
	Traces    TracesConfig   `yaml:"traces"`
	Alerts    AlertsConfig   `yaml:"alerts"`
	Storage   storage.Config `yaml:"storage"`
	Telemetry tracing.Config `yaml:"telemetry"`

	// Seed data applied at startup and on every reload. A list present in
	// the file replaces the corresponding defaults.
	LatencyBudgets []budget.LatencyBudget `yaml:"latency_budgets"`
	ErrorBudgets   []budget.ErrorBudget   `yaml:"error_budgets"`
	AlertRules     []alert.Rule           `yaml:"alert_rules"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	// Level sets the minimum log level (debug, info, warn, error).
	// Environment: VANTAGE_LOG_LEVEL, LOG_LEVEL
	// Default: info
	Level string `yaml:"level"`

	// Format sets the output format (json, text).
	// Environment: LOG_FORMAT
	// Default: json
	Format string `yaml:"format"`

	// AddSource adds source file and line information to logs.
	// Environment: LOG_SOURCE
	AddSource bool `yaml:"add_source"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	// Addr is the listen address.
	// Environment: VANTAGE_ADDR
	// Default: 127.0.0.1:8080
	Addr string `yaml:"addr"`

	// MetricsPath serves Prometheus metrics; empty disables the endpoint.
	// Default: /metrics
	MetricsPath string `yaml:"metrics_path"`

	// ShutdownTimeout bounds graceful shutdown.
	// Default: 10s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Audit logs budget, alert rule and experiment changes.
	Audit AuditConfig `yaml:"audit"`
}

// AuditConfig configures the control-plane audit log.
type AuditConfig struct {
	// Destination is none, stdout or file.
	// Environment: VANTAGE_AUDIT
	// Default: none
	Destination string `yaml:"destination"`

	// FilePath is required for the file destination.
	FilePath string `yaml:"file_path"`

	// TrustedProxies may set X-Forwarded-For and X-Real-IP.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// TracesConfig configures the trace recorder and the timeout sweeper.
type TracesConfig struct {
	// CompletedCapacity bounds the completed-trace ring.
	// Environment: VANTAGE_TRACE_CAPACITY
	// Default: 1000
	CompletedCapacity int `yaml:"completed_capacity"`

	// SweepInterval enables the timeout sweeper when positive.
	// Environment: VANTAGE_SWEEP_INTERVAL
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// Timeout expires running traces no latency budget covers. Zero
	// leaves them running.
	// Environment: VANTAGE_TRACE_TIMEOUT
	Timeout time.Duration `yaml:"timeout"`

	// Redaction scrubs failed-trace error text: none, standard or strict.
	// Environment: VANTAGE_REDACTION
	// Default: standard
	Redaction string `yaml:"redaction"`
}

// AlertsConfig configures the alert engine and webhook delivery.
type AlertsConfig struct {
	// EventCapacity bounds the alert event log.
	// Environment: VANTAGE_ALERT_CAPACITY
	// Default: 1000
	EventCapacity int `yaml:"event_capacity"`

	// AlertOnTraceError raises a critical alert for every failed trace.
	// Environment: VANTAGE_ALERT_ON_TRACE_ERROR
	// Default: true
	AlertOnTraceError bool `yaml:"alert_on_trace_error"`

	// Webhook bounds the delivery worker pool.
	Webhook alert.DispatcherConfig `yaml:"webhook"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Server: ServerConfig{
			Addr:            "127.0.0.1:8080",
			MetricsPath:     "/metrics",
			ShutdownTimeout: 10 * time.Second,
		},
		Traces: TracesConfig{
			CompletedCapacity: tracing.DefaultCompletedCapacity,
			Redaction:         string(redact.ModeStandard),
		},
		Alerts: AlertsConfig{
			EventCapacity:     alert.DefaultEventCapacity,
			AlertOnTraceError: true,
			Webhook:           alert.DefaultDispatcherConfig(),
		},
		Telemetry:      tracing.DefaultConfig(),
		LatencyBudgets: budget.DefaultLatencyBudgets(),
		ErrorBudgets:   budget.DefaultErrorBudgets(),
	}
}

// Load loads configuration from an optional YAML file and the
// environment. Environment variables take precedence over the file.
func Load(configPath string) (*Config, error) {
	cfg, err := Parse(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, &vantageerrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}
	return cfg, nil
}

// Parse is Load without validation.
func Parse(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &vantageerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()
	return cfg, nil
}

// applyDefaults fills zero values so minimal files work.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = d.Server.ShutdownTimeout
	}
	if c.Traces.CompletedCapacity == 0 {
		c.Traces.CompletedCapacity = d.Traces.CompletedCapacity
	}
	if c.Traces.Redaction == "" {
		c.Traces.Redaction = d.Traces.Redaction
	}
	if c.Alerts.EventCapacity == 0 {
		c.Alerts.EventCapacity = d.Alerts.EventCapacity
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = d.Telemetry.ServiceName
	}
	if c.Telemetry.BatchInterval == 0 {
		c.Telemetry.BatchInterval = d.Telemetry.BatchInterval
	}
}

func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// loadFromEnv applies environment overrides. Unparseable values are
// ignored.
func (c *Config) loadFromEnv() {
	if val := firstEnv("VANTAGE_LOG_LEVEL", "LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_SOURCE"); val != "" {
		c.Log.AddSource = parseBool(val)
	}

	if val := os.Getenv("VANTAGE_ADDR"); val != "" {
		c.Server.Addr = val
	}

	envInt("VANTAGE_TRACE_CAPACITY", &c.Traces.CompletedCapacity)
	envDuration("VANTAGE_SWEEP_INTERVAL", &c.Traces.SweepInterval)
	envDuration("VANTAGE_TRACE_TIMEOUT", &c.Traces.Timeout)

	envInt("VANTAGE_ALERT_CAPACITY", &c.Alerts.EventCapacity)
	if val := os.Getenv("VANTAGE_ALERT_ON_TRACE_ERROR"); val != "" {
		c.Alerts.AlertOnTraceError = parseBool(val)
	}
	envInt("VANTAGE_WEBHOOK_WORKERS", &c.Alerts.Webhook.Workers)
	envDuration("VANTAGE_WEBHOOK_TIMEOUT", &c.Alerts.Webhook.Timeout)

	if val := os.Getenv("VANTAGE_STORAGE_PATH"); val != "" {
		c.Storage.Path = val
	}
	if val := os.Getenv("VANTAGE_AUDIT"); val != "" {
		c.Server.Audit.Destination = val
	}
	if val := os.Getenv("VANTAGE_REDACTION"); val != "" {
		c.Traces.Redaction = val
	}

	if val := firstEnv("VANTAGE_SERVICE_NAME", "OTEL_SERVICE_NAME"); val != "" {
		c.Telemetry.ServiceName = val
	}
	if val := os.Getenv("VANTAGE_SAMPLING_RATE"); val != "" {
		if rate, err := strconv.ParseFloat(val, 64); err == nil {
			c.Telemetry.Sampling.Enabled = true
			c.Telemetry.Sampling.Rate = rate
		}
	}
	// The standard OTLP endpoint variable adds an exporter when the file
	// configures none.
	if val := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); val != "" && len(c.Telemetry.Exporters) == 0 {
		c.Telemetry.Exporters = append(c.Telemetry.Exporters, tracing.ExporterConfig{
			Type:     "otlp",
			Endpoint: val,
			Insecure: parseBool(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")),
		})
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if errs := c.Problems(); len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}
	return nil
}

// Problems lists every validation failure, one per entry.
func (c *Config) Problems() []string {
	var errs []string

	switch c.Log.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Sprintf("log.level must be one of debug, info, warn, error; got %q", c.Log.Level))
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Sprintf("log.format must be json or text, got %q", c.Log.Format))
	}

	if c.Server.Addr == "" {
		errs = append(errs, "server.addr is required")
	}
	if c.Server.MetricsPath != "" && !strings.HasPrefix(c.Server.MetricsPath, "/") {
		errs = append(errs, fmt.Sprintf("server.metrics_path must start with /, got %q", c.Server.MetricsPath))
	}
	switch c.Server.Audit.Destination {
	case "", audit.DestinationNone, audit.DestinationStdout:
	case audit.DestinationFile:
		if c.Server.Audit.FilePath == "" {
			errs = append(errs, "server.audit.file_path is required when destination is file")
		}
	default:
		errs = append(errs, fmt.Sprintf("server.audit.destination must be none, stdout or file, got %q", c.Server.Audit.Destination))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("server.shutdown_timeout must be positive, got %v", c.Server.ShutdownTimeout))
	}

	if c.Traces.CompletedCapacity <= 0 {
		errs = append(errs, fmt.Sprintf("traces.completed_capacity must be positive, got %d", c.Traces.CompletedCapacity))
	}
	if c.Traces.SweepInterval < 0 {
		errs = append(errs, fmt.Sprintf("traces.sweep_interval must not be negative, got %v", c.Traces.SweepInterval))
	}
	if c.Traces.Timeout < 0 {
		errs = append(errs, fmt.Sprintf("traces.timeout must not be negative, got %v", c.Traces.Timeout))
	}
	if _, err := redact.ParseMode(c.Traces.Redaction); err != nil {
		errs = append(errs, "traces.redaction: "+err.Error())
	}

	if c.Alerts.EventCapacity <= 0 {
		errs = append(errs, fmt.Sprintf("alerts.event_capacity must be positive, got %d", c.Alerts.EventCapacity))
	}
	if err := validation.Struct(c.Alerts.Webhook); err != nil {
		errs = append(errs, describe("alerts.webhook", err))
	}
	if err := validation.Struct(c.Storage); err != nil {
		errs = append(errs, describe("storage", err))
	}
	if err := validation.Struct(c.Telemetry); err != nil {
		errs = append(errs, describe("telemetry", err))
	}

	seen := make(map[string]bool)
	for i, b := range c.LatencyBudgets {
		if err := b.Validate(); err != nil {
			errs = append(errs, describe(fmt.Sprintf("latency_budgets[%d]", i), err))
		}
		if seen[b.ID] {
			errs = append(errs, fmt.Sprintf("latency_budgets[%d]: duplicate id %q", i, b.ID))
		}
		seen[b.ID] = true
	}
	seen = make(map[string]bool)
	for i, b := range c.ErrorBudgets {
		if err := b.Validate(); err != nil {
			errs = append(errs, describe(fmt.Sprintf("error_budgets[%d]", i), err))
		}
		if seen[b.ID] {
			errs = append(errs, fmt.Sprintf("error_budgets[%d]: duplicate id %q", i, b.ID))
		}
		seen[b.ID] = true
	}
	seen = make(map[string]bool)
	for i, r := range c.AlertRules {
		if err := r.Validate(); err != nil {
			errs = append(errs, describe(fmt.Sprintf("alert_rules[%d]", i), err))
		}
		if seen[r.ID] {
			errs = append(errs, fmt.Sprintf("alert_rules[%d]: duplicate id %q", i, r.ID))
		}
		seen[r.ID] = true
	}

	return errs
}

// describe renders a validation failure under its config key.
func describe(prefix string, err error) string {
	var ve *vantageerrors.ValidationError
	if errors.As(err, &ve) && ve.Field != "" {
		return fmt.Sprintf("%s.%s %s", prefix, ve.Field, ve.Message)
	}
	return fmt.Sprintf("%s: %v", prefix, err)
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

func parseBool(val string) bool {
	return val == "1" || strings.ToLower(val) == "true"
}

func envInt(key string, dst *int) {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			*dst = d
		}
	}
}
