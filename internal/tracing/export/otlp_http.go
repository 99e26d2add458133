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
package export

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/trace"
)

// NewOTLPHTTPExporter creates an OTLP HTTP span exporter. Spans are posted
// to the default /v1/traces path of s.Endpoint.
func NewOTLPHTTPExporter(ctx context.Context, s Spec) (trace.SpanExporter, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(s.Endpoint)}

	switch {
	case s.Insecure:
		opts = append(opts, otlptracehttp.WithInsecure())
	case s.TLSConfig != nil:
		opts = append(opts, otlptracehttp.WithTLSClientConfig(s.TLSConfig))
	default:
		opts = append(opts, otlptracehttp.WithTLSClientConfig(defaultTLS()))
	}

	if len(s.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(s.Headers))
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP HTTP exporter: %w", err)
	}
	return exporter, nil
}
