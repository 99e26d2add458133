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
// Package export builds span exporters for external observability platforms.
package export

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"

	"go.opentelemetry.io/otel/sdk/trace"
)

// Exporter types.
const (
	TypeConsole  = "console"
	TypeOTLP     = "otlp"
	TypeOTLPHTTP = "otlp-http"
)

// Spec describes one span export destination.
type Spec struct {
	Type     string
	Endpoint string

	// Insecure disables TLS (for development only).
	Insecure bool

	// TLSConfig overrides the default TLS 1.2+ system configuration.
	TLSConfig *tls.Config

	Headers map[string]string

	// Writer is the console destination (default: os.Stdout).
	Writer io.Writer
}

// New creates the exporter described by s.
func New(ctx context.Context, s Spec) (trace.SpanExporter, error) {
	if s.TLSConfig != nil {
		if err := ValidateTLSConfig(s.TLSConfig); err != nil {
			return nil, fmt.Errorf("invalid TLS config: %w", err)
		}
	}

	switch s.Type {
	case TypeConsole:
		return NewConsoleExporter(s.Writer)
	case TypeOTLP:
		if s.Endpoint == "" {
			return nil, fmt.Errorf("otlp exporter requires an endpoint")
		}
		return NewOTLPExporter(ctx, s)
	case TypeOTLPHTTP:
		if s.Endpoint == "" {
			return nil, fmt.Errorf("otlp-http exporter requires an endpoint")
		}
		return NewOTLPHTTPExporter(ctx, s)
	default:
		return nil, fmt.Errorf("unknown exporter type %q", s.Type)
	}
}

func defaultTLS() *tls.Config {
	return &tls.Config{MinVersion: tls.VersionTLS12}
}
