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
package tracing

import (
	"time"
)

// Config holds telemetry configuration.
type Config struct {
	// ServiceName identifies this service in spans and metrics.
	ServiceName string `yaml:"service_name" validate:"required"`

	// ServiceVersion is the application version.
	ServiceVersion string `yaml:"service_version"`

	// Sampling configures span sampling.
	Sampling SamplingConfig `yaml:"sampling"`

	// Exporters configures span export destinations.
	Exporters []ExporterConfig `yaml:"exporters" validate:"dive"`

	// BatchInterval is how often to flush spans (default: 5s).
	BatchInterval time.Duration `yaml:"batch_interval"`
}

// SamplingConfig controls which spans are recorded.
type SamplingConfig struct {
	// Enabled activates sampling (default: false - sample all).
	Enabled bool `yaml:"enabled"`

	// Rate is the fraction of root spans to sample (0.0 - 1.0).
	Rate float64 `yaml:"rate" validate:"gte=0,lte=1"`
}

// ExporterConfig defines a span export destination.
type ExporterConfig struct {
	// Type is the exporter type: "otlp", "otlp-http", or "console".
	Type string `yaml:"type" validate:"required,oneof=otlp otlp-http console"`

	// Endpoint is the OTLP receiver address.
	Endpoint string `yaml:"endpoint"`

	// Insecure disables TLS (for development only).
	Insecure bool `yaml:"insecure"`

	// Headers are additional headers for authentication.
	Headers map[string]string `yaml:"headers"`

	// TLS configures secure connections.
	TLS TLSConfig `yaml:"tls"`
}

// TLSConfig configures TLS for exporters.
type TLSConfig struct {
	Enabled           bool   `yaml:"enabled"`
	VerifyCertificate bool   `yaml:"verify_certificate"`
	CACertPath        string `yaml:"ca_cert_path"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "vantage",
		ServiceVersion: "unknown",
		Sampling: SamplingConfig{
			Enabled: false,
			Rate:    1.0,
		},
		Exporters:     nil, // spans stay in-process unless configured
		BatchInterval: 5 * time.Second,
	}
}
