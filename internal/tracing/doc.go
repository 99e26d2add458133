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
/*
Package tracing records execution traces of skills, workflows and steps.

A Recorder follows each execution from Start to one terminal status
(success, error or timeout). Running traces are held in a sharded map;
finished traces are kept in a bounded ring of the most recent
DefaultCompletedCapacity executions, from which Summary computes success
rate, latency percentiles and cost.

# Observers

Budget tracking and alerting subscribe to terminal transitions with
WithObserver. Observers run synchronously, in registration order, after
the trace has been stored, so an observer may read it back with Get.

# OpenTelemetry

OTelProvider builds the tracer and meter providers. Its MetricsCollector
feeds the Prometheus registry served by MetricsHandler, and its
SpanMirror turns every trace into a span, nesting child executions under
their parent:

	provider, err := tracing.NewOTelProvider(ctx, tracing.DefaultConfig())
	if err != nil {
	    return err
	}
	defer provider.Shutdown(ctx)

	rec := tracing.NewRecorder(
	    tracing.WithMetricsCollector(provider.MetricsCollector()),
	    tracing.WithSpanMirror(provider.SpanMirror()),
	)

# Timeouts

Executions are never cancelled. A Sweeper may be run to move traces that
exceeded their entity's limit to the timeout status with code TIMEOUT.
*/
package tracing
