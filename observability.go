// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package spannerclient

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationScope = "github.com/googleapis/go-spanner-client"

// observability bundles the span factory and the metric instruments that are
// used by a client. Both default to the global OpenTelemetry providers, which
// are no-ops unless the application registers an SDK.
type observability struct {
	tracer trace.Tracer

	sessionsAcquired  metric.Int64Counter
	transactionAborts metric.Int64Counter
	poolExhausted     metric.Int64Counter
}

func newObservability(tp trace.TracerProvider, mp metric.MeterProvider) *observability {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationScope)
	o := &observability{tracer: tp.Tracer(instrumentationScope)}
	o.sessionsAcquired = int64Counter(meter, "spanner/sessions_acquired", "Number of sessions that have been acquired for a transaction.")
	o.transactionAborts = int64Counter(meter, "spanner/transaction_aborts", "Number of times that a read/write transaction was aborted.")
	o.poolExhausted = int64Counter(meter, "spanner/pool_exhausted", "Number of session checkouts that timed out.")
	return o
}

func int64Counter(meter metric.Meter, name, description string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		return metricnoop.Int64Counter{}
	}
	return c
}

func (o *observability) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return o.tracer.Start(ctx, name, trace.WithAttributes(attrs...), trace.WithSpanKind(trace.SpanKindClient))
}

// endSpan records err on the span, if any, and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
	}
	span.End()
}

func addEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}
