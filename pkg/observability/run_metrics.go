package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricBucketsTotal       = "archgen.buckets.processed.total"
	metricItemsTotal         = "archgen.items.processed.total"
	metricItemsSkipped       = "archgen.items.skipped.total"
	metricGenerationDuration = "archgen.generation.duration.seconds"
	metricTokensTotal        = "archgen.tokens.total"
	metricWarningsTotal      = "archgen.warnings.total"

	attrDirection = "direction"
	attrKind      = "kind"
)

// RunMetrics holds instruments describing a generation run. All methods are
// safe to call on a nil receiver.
type RunMetrics struct {
	buckets  metric.Int64Counter
	items    metric.Int64Counter
	skipped  metric.Int64Counter
	duration metric.Float64Histogram
	tokens   metric.Int64Counter
	warnings metric.Int64Counter
}

// NewRunMetrics creates run instruments from mt.
func NewRunMetrics(mt metric.Meter) (*RunMetrics, error) {
	b := metricBuilder{meter: mt}

	rm := &RunMetrics{
		buckets:  b.counter(metricBucketsTotal, "Buckets processed by the generator", "{bucket}"),
		items:    b.counter(metricItemsTotal, "Items processed by the generator", "{item}"),
		skipped:  b.counter(metricItemsSkipped, "Items skipped for exceeding the hard ceiling", "{item}"),
		tokens:   b.counter(metricTokensTotal, "Model tokens by direction", "{token}"),
		warnings: b.counter(metricWarningsTotal, "Non-fatal warnings by kind", "{warning}"),
		duration: b.histogram(metricGenerationDuration, "Per-bucket generation duration in seconds"),
	}

	if b.err != nil {
		return nil, b.err
	}

	return rm, nil
}

// RecordBucket records one processed bucket.
func (rm *RunMetrics) RecordBucket(ctx context.Context, items int, elapsed time.Duration, inputTokens, outputTokens int) {
	if rm == nil {
		return
	}

	rm.buckets.Add(ctx, 1)
	rm.items.Add(ctx, int64(items))
	rm.duration.Record(ctx, elapsed.Seconds())
	rm.tokens.Add(ctx, int64(inputTokens), metric.WithAttributes(attribute.String(attrDirection, "input")))
	rm.tokens.Add(ctx, int64(outputTokens), metric.WithAttributes(attribute.String(attrDirection, "output")))
}

// RecordWarning counts one warning of the given kind.
func (rm *RunMetrics) RecordWarning(ctx context.Context, kind string) {
	if rm == nil {
		return
	}

	rm.warnings.Add(ctx, 1, metric.WithAttributes(attribute.String(attrKind, kind)))
}

// RecordSkipped counts items left out of the plan.
func (rm *RunMetrics) RecordSkipped(ctx context.Context, n int) {
	if rm == nil || n == 0 {
		return
	}

	rm.skipped.Add(ctx, int64(n))
}

// metricBuilder creates instruments and keeps the first error.
type metricBuilder struct {
	meter metric.Meter
	err   error
}

func (b *metricBuilder) counter(name, desc, unit string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("create %s: %w", name, err)
	}

	return c
}

func (b *metricBuilder) upDownCounter(name, desc, unit string) metric.Int64UpDownCounter {
	c, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("create %s: %w", name, err)
	}

	return c
}

func (b *metricBuilder) histogram(name, desc string) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBucketBoundaries...),
	)
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("create %s: %w", name, err)
	}

	return h
}
