// Copyright (c) Peter Newcomb. All rights reserved.
// Licensed under the MIT License.

// Package telemetry holds the logging, metrics, and tracing plumbing shared by
// the queue, the simulator runner, and the local driver. Instruments are
// obtained from the global OpenTelemetry providers so that a program only
// needs to install providers to start exporting.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/petenewcomb/jobq-go"

// Logger returns l, or the global zap logger if l is nil.
func Logger(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.L()
	}
	return l
}

// StartSpan starts a span named operationName as a child of any span already
// in ctx.
func StartSpan(ctx context.Context, operationName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, operationName, trace.WithAttributes(attrs...))
}

// EndSpan records err, if any, on span and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Counter is a monotonic count. A nil Counter discards everything, which
// keeps callers free of error handling when an instrument cannot be created.
type Counter struct {
	c metric.Int64Counter
}

// Add increments the counter by one.
func (c *Counter) Add(ctx context.Context) {
	if c == nil || c.c == nil {
		return
	}
	c.c.Add(ctx, 1)
}

// Histogram records durations in seconds.
type Histogram struct {
	h metric.Float64Histogram
}

// Record records d.
func (h *Histogram) Record(ctx context.Context, d time.Duration) {
	if h == nil || h.h == nil {
		return
	}
	h.h.Record(ctx, d.Seconds())
}

func newCounter(meter metric.Meter, name string) *Counter {
	c, err := meter.Int64Counter(name)
	if err != nil {
		zap.L().Warn("Cannot create counter", zap.String("metric", name), zap.Error(err))
		return nil
	}
	return &Counter{c: c}
}

func newHistogram(meter metric.Meter, name string) *Histogram {
	h, err := meter.Float64Histogram(name)
	if err != nil {
		zap.L().Warn("Cannot create histogram", zap.String("metric", name), zap.Error(err))
		return nil
	}
	return &Histogram{h: h}
}

// QueueMetrics are the instruments updated by a job queue's control loop.
type QueueMetrics struct {
	Dispatched        *Counter
	SubmitErrors      *Counter
	Retried           *Counter
	Succeeded         *Counter
	FailedPermanently *Counter
	Killed            *Counter
	AttemptDuration   *Histogram
}

// NewQueueMetrics creates the queue instruments on the global meter provider.
func NewQueueMetrics() *QueueMetrics {
	meter := otel.GetMeterProvider().Meter(instrumentationName)
	return &QueueMetrics{
		Dispatched:        newCounter(meter, "jobq.jobs.dispatched"),
		SubmitErrors:      newCounter(meter, "jobq.jobs.submit_errors"),
		Retried:           newCounter(meter, "jobq.jobs.retried"),
		Succeeded:         newCounter(meter, "jobq.jobs.succeeded"),
		FailedPermanently: newCounter(meter, "jobq.jobs.failed_permanently"),
		Killed:            newCounter(meter, "jobq.jobs.killed"),
		AttemptDuration:   newHistogram(meter, "jobq.attempt.duration"),
	}
}

// RunnerMetrics are the instruments updated by the simulator runner.
type RunnerMetrics struct {
	Runs             *Counter
	Failures         *Counter
	ExecDuration     *Histogram
	SummaryWaitTimes *Histogram
}

// NewRunnerMetrics creates the runner instruments on the global meter
// provider.
func NewRunnerMetrics() *RunnerMetrics {
	meter := otel.GetMeterProvider().Meter(instrumentationName)
	return &RunnerMetrics{
		Runs:             newCounter(meter, "simrun.runs"),
		Failures:         newCounter(meter, "simrun.failures"),
		ExecDuration:     newHistogram(meter, "simrun.exec.duration"),
		SummaryWaitTimes: newHistogram(meter, "simrun.summary_wait.duration"),
	}
}
