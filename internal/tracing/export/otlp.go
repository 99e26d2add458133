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

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc/credentials"
)

// NewOTLPExporter creates an OTLP gRPC span exporter for s.Endpoint
// (e.g. "localhost:4317").
func NewOTLPExporter(ctx context.Context, s Spec) (trace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(s.Endpoint)}

	switch {
	case s.Insecure:
		opts = append(opts, otlptracegrpc.WithInsecure())
	case s.TLSConfig != nil:
		opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewTLS(s.TLSConfig)))
	default:
		opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewTLS(defaultTLS())))
	}

	if len(s.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(s.Headers))
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP gRPC exporter: %w", err)
	}
	return exporter, nil
}
