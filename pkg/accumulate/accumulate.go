// Package accumulate drives the generator across buckets in order, folding
// each partial result into one running summary and diagram, and persisting
// progress after every bucket so an interrupted run can resume.
package accumulate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/Sumatoshi-tech/archgen/pkg/bucket"
	"github.com/Sumatoshi-tech/archgen/pkg/diagram"
	"github.com/Sumatoshi-tech/archgen/pkg/generator"
	"github.com/Sumatoshi-tech/archgen/pkg/item"
	"github.com/Sumatoshi-tech/archgen/pkg/observability"
	"github.com/Sumatoshi-tech/archgen/pkg/state"
)

// DefaultSummaryDelimiter separates per-bucket summaries.
const DefaultSummaryDelimiter = "\n\n---\n\n"

// Strategy selects how bucket fragments are folded into the running diagram.
type Strategy string

const (
	// StrategyDeferred collects every fragment for one final model merge.
	StrategyDeferred Strategy = "deferred"
	// StrategyStructural merges fragments of the accumulated kind as they
	// arrive and defers only fragments of another kind.
	StrategyStructural Strategy = "structural"
)

// ParseStrategy validates a strategy name. Empty selects StrategyDeferred.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategyDeferred:
		return StrategyDeferred, nil
	case StrategyStructural:
		return StrategyStructural, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
	}
}

// Sentinel errors.
var (
	ErrUnknownStrategy = errors.New("unknown merge strategy")
	ErrStateMismatch   = errors.New("state does not match bucket plan")
)

// Generator is the part of a provider the accumulator needs.
type Generator interface {
	ProcessBucket(ctx context.Context, items []item.Item, summary, diagram string) (generator.Result, error)
	MergeOrRepair(ctx context.Context, existing string, fragments []string) (string, error)
}

// FragmentGenerator draws a bucket's diagram in a dedicated call. A generator
// implementing it is asked again when ProcessBucket returns no fragment.
type FragmentGenerator interface {
	GenerateDiagram(ctx context.Context, items []item.Item, summary, priorDiagram string) (string, generator.Usage, error)
}

// SummaryGenerator describes a bucket in a dedicated call. A generator
// implementing it is asked again when ProcessBucket returns no summary.
type SummaryGenerator interface {
	GenerateSummary(ctx context.Context, items []item.Item, priorSummary string) (string, generator.Usage, error)
}

// StateStore persists progress.
type StateStore interface {
	Save(ctx context.Context, st *state.ProcessingState) error
	SaveCheckpoint(ctx context.Context, st *state.ProcessingState, buckets []*bucket.Bucket) error
}

// WarningKind classifies non-fatal problems.
type WarningKind string

// Warning kinds.
const (
	WarningValidation WarningKind = "validation"
	WarningStorage    WarningKind = "storage"
	WarningRestore    WarningKind = "restore"
	WarningMerge      WarningKind = "merge"
)

// Warning is a non-fatal problem surfaced to the caller.
type Warning struct {
	Kind    WarningKind `json:"kind" yaml:"kind"`
	Message string      `json:"message" yaml:"message"`
}

func (w Warning) String() string {
	return string(w.Kind) + ": " + w.Message
}

// GenerationError reports a failed generator call for one bucket.
type GenerationError struct {
	Bucket int
	Err    error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generate bucket %d: %v", e.Bucket, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Prior seeds a fresh run with existing context.
type Prior struct {
	Summary string
	Diagram string
}

// Trailer is the out-of-band comment block appended to the final diagram.
type Trailer struct {
	Summary string
	Lines   []string
}

// Artifact is the finished diagram.
type Artifact struct {
	// Diagram is the sanitized diagram body.
	Diagram string
	// Text is Diagram followed by the trailer comment block.
	Text     string
	Warnings []Warning
}

// Options tune an Accumulator.
type Options struct {
	Strategy Strategy
	// Checkpoint enables a content-free checkpoint after every bucket.
	Checkpoint bool
	// SummaryDelimiter joins bucket summaries. Empty uses DefaultSummaryDelimiter.
	SummaryDelimiter string
	// DiagramKind is recorded when no prior diagram fixes the kind.
	DiagramKind string

	Logger  *slog.Logger
	Metrics *observability.RunMetrics
	Tracer  trace.Tracer
}

// Accumulator folds bucket results sequentially. It is not safe for
// concurrent use.
type Accumulator struct {
	gen   Generator
	store StateStore
	opts  Options
	usage generator.Usage
}

// New creates an Accumulator. A nil store disables persistence.
func New(gen Generator, store StateStore, opts Options) *Accumulator {
	if opts.Strategy == "" {
		opts.Strategy = StrategyDeferred
	}

	if opts.SummaryDelimiter == "" {
		opts.SummaryDelimiter = DefaultSummaryDelimiter
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if opts.Tracer == nil {
		opts.Tracer = nooptrace.NewTracerProvider().Tracer("")
	}

	return &Accumulator{gen: gen, store: store, opts: opts}
}

// Usage returns the token usage of generator calls made by this Accumulator.
func (a *Accumulator) Usage() generator.Usage {
	return a.usage
}

// Process runs every bucket from a fresh state seeded with prior.
func (a *Accumulator) Process(ctx context.Context, buckets []*bucket.Bucket, prior Prior) (*state.ProcessingState, []Warning, error) {
	kind := diagram.Kind(prior.Diagram)
	if kind == "" {
		kind = a.opts.DiagramKind
	}

	total := 0
	for _, b := range buckets {
		total += b.Len()
	}

	st := &state.ProcessingState{
		TotalBuckets:       len(buckets),
		TotalItems:         total,
		AccumulatedSummary: strings.TrimSpace(prior.Summary),
		AccumulatedDiagram: prior.Diagram,
		DiagramKind:        kind,
	}

	return a.run(ctx, buckets, st)
}

// Resume continues st from st.CurrentBucket. Buckets before the cursor are
// not sent to the generator again.
func (a *Accumulator) Resume(ctx context.Context, buckets []*bucket.Bucket, st *state.ProcessingState) (*state.ProcessingState, []Warning, error) {
	if st == nil {
		return a.Process(ctx, buckets, Prior{})
	}

	if st.TotalBuckets != len(buckets) || st.CurrentBucket < 0 || st.CurrentBucket > len(buckets) {
		return nil, nil, fmt.Errorf("%w: cursor %d of %d, plan has %d buckets",
			ErrStateMismatch, st.CurrentBucket, st.TotalBuckets, len(buckets))
	}

	a.opts.Logger.InfoContext(ctx, "resuming accumulation",
		"next_bucket", st.CurrentBucket, "total_buckets", st.TotalBuckets)

	return a.run(ctx, buckets, st.Clone())
}

func (a *Accumulator) run(ctx context.Context, buckets []*bucket.Bucket, st *state.ProcessingState) (*state.ProcessingState, []Warning, error) {
	var warnings []Warning

	for idx := st.CurrentBucket; idx < len(buckets); idx++ {
		if err := ctx.Err(); err != nil {
			return nil, warnings, err
		}

		b := buckets[idx]

		if b.Len() > 0 {
			err := a.processBucket(ctx, idx, b, st)
			if err != nil {
				return nil, warnings, err
			}
		} else {
			a.opts.Logger.WarnContext(ctx, "skipping empty bucket", "bucket", idx)
		}

		st.CurrentBucket = idx + 1
		st.ProcessedItems += b.Len()

		warnings = append(warnings, a.persist(ctx, st, buckets)...)
	}

	return st, warnings, nil
}

func (a *Accumulator) processBucket(ctx context.Context, idx int, b *bucket.Bucket, st *state.ProcessingState) error {
	ctx, span := a.opts.Tracer.Start(ctx, "archgen.bucket", trace.WithAttributes(
		attribute.Int("bucket.index", idx),
		attribute.Int("bucket.items", b.Len()),
		attribute.Int("bucket.weight", b.Weight),
	))
	defer span.End()

	start := time.Now()

	view := DiagramView(st)

	res, err := a.gen.ProcessBucket(ctx, b.Items, st.AccumulatedSummary, view)
	if err == nil {
		res, err = a.complete(ctx, b.Items, st.AccumulatedSummary, view, res)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation failed")

		return &GenerationError{Bucket: idx, Err: err}
	}

	elapsed := time.Since(start)
	a.usage = a.usage.Add(res.Usage)
	a.opts.Metrics.RecordBucket(ctx, b.Len(), elapsed, res.Usage.InputTokens, res.Usage.OutputTokens)

	b.Summary = res.Summary
	b.Fragment = res.Fragment

	st.AccumulatedSummary = joinSummary(st.AccumulatedSummary, res.Summary, a.opts.SummaryDelimiter)

	a.fold(st, res.Fragment)

	a.opts.Logger.InfoContext(ctx, "bucket processed",
		"bucket", idx,
		"items", b.Len(),
		"weight", b.Weight,
		"duration", elapsed,
		"input_tokens", res.Usage.InputTokens,
		"output_tokens", res.Usage.OutputTokens)

	return nil
}

// complete fills a missing fragment or summary in res with a dedicated call
// when the generator supports one. A dedicated call that also comes back empty
// leaves res as it was.
func (a *Accumulator) complete(ctx context.Context, items []item.Item, summary, view string, res generator.Result) (generator.Result, error) {
	if strings.TrimSpace(res.Fragment) == "" {
		if fg, ok := a.gen.(FragmentGenerator); ok {
			a.opts.Logger.DebugContext(ctx, "requesting fragment separately", "items", len(items))

			fragment, usage, err := fg.GenerateDiagram(ctx, items, joinSummary(summary, res.Summary, a.opts.SummaryDelimiter), view)
			res.Usage = res.Usage.Add(usage)

			switch {
			case errors.Is(err, generator.ErrNoDiagram):
			case err != nil:
				return res, err
			default:
				res.Fragment = fragment
			}
		}
	}

	if strings.TrimSpace(res.Summary) == "" {
		if sg, ok := a.gen.(SummaryGenerator); ok {
			a.opts.Logger.DebugContext(ctx, "requesting summary separately", "items", len(items))

			text, usage, err := sg.GenerateSummary(ctx, items, "")
			res.Usage = res.Usage.Add(usage)

			switch {
			case errors.Is(err, generator.ErrEmptyResponse):
			case err != nil:
				return res, err
			default:
				res.Summary = text
			}
		}
	}

	return res, nil
}

func joinSummary(acc, next, delim string) string {
	next = strings.TrimSpace(next)

	switch {
	case next == "":
		return acc
	case acc == "":
		return next
	default:
		return acc + delim + next
	}
}

// DiagramView is the diagram the generator sees before the next bucket: the
// accumulated diagram with every pending fragment of the same kind folded in
// structurally. Fragments of another kind stay out of the view.
func DiagramView(st *state.ProcessingState) string {
	view := st.AccumulatedDiagram

	for _, f := range st.Fragments {
		if kind := diagram.Kind(view); kind == "" || kind == diagram.Kind(f) {
			view = diagram.StructuralMerge(view, f)
		}
	}

	return view
}

// fold adds fragment to st according to the strategy.
func (a *Accumulator) fold(st *state.ProcessingState, fragment string) {
	if strings.TrimSpace(fragment) == "" {
		return
	}

	kind := diagram.Kind(fragment)

	if a.opts.Strategy == StrategyStructural {
		accumulatedKind := diagram.Kind(st.AccumulatedDiagram)

		if accumulatedKind == "" || accumulatedKind == kind {
			st.AccumulatedDiagram = diagram.StructuralMerge(st.AccumulatedDiagram, fragment)
			st.DiagramKind = diagram.Kind(st.AccumulatedDiagram)

			return
		}
	}

	if st.DiagramKind == "" {
		st.DiagramKind = kind
	}

	st.Fragments = append(st.Fragments, fragment)
}

func (a *Accumulator) persist(ctx context.Context, st *state.ProcessingState, buckets []*bucket.Bucket) []Warning {
	if a.store == nil {
		return nil
	}

	var warnings []Warning

	err := a.store.Save(ctx, st)
	if err != nil {
		warnings = append(warnings, a.warn(ctx, WarningStorage, fmt.Sprintf("save state after bucket %d: %v", st.CurrentBucket-1, err)))
	}

	if a.opts.Checkpoint {
		cpErr := a.store.SaveCheckpoint(ctx, st, buckets)
		if cpErr != nil {
			warnings = append(warnings, a.warn(ctx, WarningStorage, fmt.Sprintf("save checkpoint after bucket %d: %v", st.CurrentBucket-1, cpErr)))
		}
	}

	return warnings
}

func (a *Accumulator) warn(ctx context.Context, kind WarningKind, msg string) Warning {
	a.opts.Logger.WarnContext(ctx, "run warning", "kind", string(kind), "message", msg)
	a.opts.Metrics.RecordWarning(ctx, string(kind))

	return Warning{Kind: kind, Message: msg}
}

// Finalize merges deferred fragments, sanitizes and validates the result and
// appends the trailer. A failed model merge falls back to a structural merge
// with a WarningMerge.
func (a *Accumulator) Finalize(ctx context.Context, st *state.ProcessingState, trailer Trailer) (Artifact, error) {
	ctx, span := a.opts.Tracer.Start(ctx, "archgen.finalize", trace.WithAttributes(
		attribute.Int("archgen.fragments", len(st.Fragments)),
	))
	defer span.End()

	var warnings []Warning

	text := st.AccumulatedDiagram

	if len(st.Fragments) > 0 {
		merged, err := a.gen.MergeOrRepair(ctx, text, st.Fragments)

		switch {
		case err != nil && ctx.Err() != nil:
			return Artifact{}, ctx.Err()
		case err != nil:
			warnings = append(warnings, a.warn(ctx, WarningMerge,
				fmt.Sprintf("model merge failed, using structural merge: %v", err)))
			text = diagram.MergeAll(text, st.Fragments)
		default:
			text = merged
		}
	}

	body := diagram.Sanitize(text)

	for _, msg := range diagram.Validate(body) {
		warnings = append(warnings, a.warn(ctx, WarningValidation, msg))
	}

	block := diagram.Trailer(trailer.Summary, trailer.Lines...)

	out := block
	if strings.TrimSpace(body) != "" {
		out = diagram.AppendTrailer(body, block)
	}

	return Artifact{Diagram: body, Text: out, Warnings: warnings}, nil
}
