// Package runner wires discovery, planning, accumulation and persistence into
// one diagram generation run.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/Sumatoshi-tech/archgen/pkg/accumulate"
	"github.com/Sumatoshi-tech/archgen/pkg/bucket"
	"github.com/Sumatoshi-tech/archgen/pkg/generator"
	"github.com/Sumatoshi-tech/archgen/pkg/item"
	"github.com/Sumatoshi-tech/archgen/pkg/observability"
	"github.com/Sumatoshi-tech/archgen/pkg/source"
	"github.com/Sumatoshi-tech/archgen/pkg/state"
	"github.com/Sumatoshi-tech/archgen/pkg/weight"
)

// outputDirPerm is used when creating the directory of the output file.
const outputDirPerm = 0o750

// Input errors, reported before any generation.
var (
	ErrNoItems    = errors.New("no items found")
	ErrAllSkipped = errors.New("every item exceeds the hard limit")
)

// InputError reports a problem with the run input.
type InputError struct {
	Root string
	Err  error
}

func (e *InputError) Error() string {
	return fmt.Sprintf("%s: %v", e.Root, e.Err)
}

func (e *InputError) Unwrap() error { return e.Err }

// StateOptions control persistence.
type StateOptions struct {
	// Enabled stores state on disk under Dir. Disabled runs keep state in memory.
	Enabled bool
	Dir     string
	// Checkpoint writes a content-free checkpoint after every bucket.
	Checkpoint bool
	// Resume continues from a stored checkpoint that matches the plan.
	Resume   bool
	Compress bool
	// Keep leaves stored state in place after a successful run.
	Keep bool
	// Clear removes stored state for the root before the run starts.
	Clear bool
}

// PlanOptions select the items and how they are packed.
type PlanOptions struct {
	Root      string
	Locators  []string
	Recursive bool
	Source    source.Options

	Limits        bucket.Limits
	CharsPerToken int
	// Optimize reshapes the initial plan with Planner.Optimize.
	Optimize bool
}

// Options configure Run.
type Options struct {
	PlanOptions

	Generator   accumulate.Generator
	Strategy    accumulate.Strategy
	DiagramKind string
	Prior       accumulate.Prior
	State       StateOptions

	// OutputPath receives the artifact. Empty leaves writing to the caller.
	OutputPath string
	// RunID identifies the run in logs and checkpoints. Empty generates one.
	RunID string

	Logger  *slog.Logger
	Metrics *observability.RunMetrics
	Tracer  trace.Tracer
}

// Plan is the result of discovery and bucket planning.
type Plan struct {
	Root    string              `json:"root" yaml:"root"`
	Limits  bucket.Limits       `json:"limits" yaml:"limits"`
	Items   int                 `json:"items" yaml:"items"`
	Weight  int                 `json:"weight" yaml:"weight"`
	Buckets []*bucket.Bucket    `json:"-" yaml:"-"`
	Skipped []bucket.SkipRecord `json:"skipped" yaml:"skipped"`
	Stats   bucket.Statistics   `json:"stats" yaml:"stats"`

	// SkippedSummary is the human-readable skip report.
	SkippedSummary string `json:"-" yaml:"-"`

	source *source.Source
	ratio  int
}

// Report describes a finished run.
type Report struct {
	RunID      string
	Resumed    bool
	State      *state.ProcessingState
	Stats      bucket.Statistics
	Skipped    []bucket.SkipRecord
	Artifact   accumulate.Artifact
	Warnings   []accumulate.Warning
	Usage      generator.Usage
	OutputPath string
	Duration   time.Duration
}

// BuildPlan discovers items under opts.Root and packs them into buckets.
// It returns an InputError when nothing is left to generate from.
func BuildPlan(ctx context.Context, opts PlanOptions, logger *slog.Logger) (*Plan, error) {
	if logger == nil {
		logger = slog.Default()
	}

	est := weight.NewEstimator(opts.CharsPerToken)

	srcOpts := opts.Source
	srcOpts.Logger = logger
	src := source.New(srcOpts, est)

	items, err := src.Discover(ctx, opts.Root, opts.Locators, opts.Recursive)
	if err != nil {
		return nil, fmt.Errorf("discover: %w", err)
	}

	if len(items) == 0 {
		return nil, &InputError{Root: opts.Root, Err: ErrNoItems}
	}

	planner := bucket.NewPlanner(opts.Limits).WithLogger(logger)

	buckets := planner.CreateBuckets(items)
	if opts.Optimize {
		buckets = planner.Optimize(buckets)
	}

	if len(buckets) == 0 {
		return nil, &InputError{Root: opts.Root, Err: fmt.Errorf("%w: %d item(s)", ErrAllSkipped, len(items))}
	}

	plan := &Plan{
		Root:           src.Root(),
		Limits:         planner.Limits(),
		Items:          len(items),
		Weight:         item.TotalWeight(items),
		Buckets:        buckets,
		Skipped:        planner.Skipped(),
		Stats:          planner.Statistics(buckets),
		SkippedSummary: planner.SkippedSummary(),
		source:         src,
		ratio:          est.Ratio(),
	}

	logger.InfoContext(ctx, "plan ready",
		"root", plan.Root,
		"items", plan.Items,
		"weight", humanize.Comma(int64(plan.Weight)),
		"buckets", plan.Stats.Count,
		"skipped", len(plan.Skipped),
		"utilization", fmt.Sprintf("%.1f%%", plan.Stats.UtilizationRate))

	return plan, nil
}

// Fingerprint identifies the planner settings of p.
func (p *Plan) Fingerprint() state.PlanFingerprint {
	return state.Fingerprint(p.Limits, p.ratio)
}

// Run executes a full generation run.
func Run(ctx context.Context, opts Options) (*Report, error) {
	opts.applyDefaults()

	start := time.Now()
	logger := observability.WithRun(opts.Logger, opts.RunID)

	ctx, span := opts.Tracer.Start(ctx, "archgen.run", trace.WithAttributes(
		attribute.String("run.id", opts.RunID),
		attribute.String("run.strategy", string(opts.Strategy)),
	))
	defer span.End()

	report, err := run(ctx, opts, logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "run failed")

		return nil, err
	}

	report.Duration = time.Since(start)

	logger.InfoContext(ctx, "run complete",
		"buckets", report.State.CurrentBucket,
		"items", report.State.ProcessedItems,
		"warnings", len(report.Warnings),
		"input_tokens", report.Usage.InputTokens,
		"output_tokens", report.Usage.OutputTokens,
		"duration", report.Duration)

	return report, nil
}

func (o *Options) applyDefaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	if o.Tracer == nil {
		o.Tracer = nooptrace.NewTracerProvider().Tracer("")
	}

	if o.RunID == "" {
		o.RunID = uuid.NewString()
	}

	if o.Generator == nil {
		o.Generator = generator.NewScripted()
	}

	if o.State.Dir == "" {
		o.State.Dir = state.DefaultDir()
	}
}

func run(ctx context.Context, opts Options, logger *slog.Logger) (*Report, error) {
	plan, err := BuildPlan(ctx, opts.PlanOptions, logger)
	if err != nil {
		return nil, err
	}

	opts.Metrics.RecordSkipped(ctx, len(plan.Skipped))

	storeOpts := state.Options{Compress: opts.State.Compress, RunID: opts.RunID, Plan: plan.Fingerprint()}

	var store state.Store = state.NewMemoryStore(plan.Root, storeOpts)
	if opts.State.Enabled {
		store = state.NewFileStore(opts.State.Dir, plan.Root, storeOpts)
	}

	report := &Report{RunID: opts.RunID, Stats: plan.Stats, Skipped: plan.Skipped}

	if opts.State.Clear {
		clearErr := store.Clear(ctx)
		if clearErr != nil {
			return nil, fmt.Errorf("clear state: %w", clearErr)
		}

		logger.InfoContext(ctx, "stored state cleared", "root", plan.Root)
	}

	buckets := plan.Buckets

	var resumeFrom *state.ProcessingState

	if opts.State.Resume {
		restored, warnings := restore(ctx, store, plan, logger)
		report.Warnings = append(report.Warnings, warnings...)

		if restored != nil {
			buckets = restored.Buckets
			resumeFrom = restored.State
			report.Resumed = true
			report.Stats = bucket.NewPlanner(plan.Limits).Statistics(buckets)
		}
	}

	acc := accumulate.New(opts.Generator, store, accumulate.Options{
		Strategy:    opts.Strategy,
		Checkpoint:  opts.State.Checkpoint,
		DiagramKind: opts.DiagramKind,
		Logger:      logger,
		Metrics:     opts.Metrics,
		Tracer:      opts.Tracer,
	})

	var (
		st       *state.ProcessingState
		warnings []accumulate.Warning
	)

	if resumeFrom != nil {
		st, warnings, err = acc.Resume(ctx, buckets, resumeFrom)
	} else {
		st, warnings, err = acc.Process(ctx, buckets, opts.Prior)
	}

	report.Warnings = append(report.Warnings, warnings...)
	report.Usage = acc.Usage()

	if err != nil {
		return nil, err
	}

	art, err := acc.Finalize(ctx, st, trailer(st, plan, report))
	if err != nil {
		return nil, fmt.Errorf("finalize: %w", err)
	}

	report.State = st
	report.Artifact = art
	report.Warnings = append(report.Warnings, art.Warnings...)

	if opts.OutputPath != "" {
		writeErr := writeArtifact(opts.OutputPath, art.Text)
		if writeErr != nil {
			return nil, writeErr
		}

		report.OutputPath = opts.OutputPath

		logger.InfoContext(ctx, "diagram written", "path", opts.OutputPath, "bytes", len(art.Text))
	}

	if !opts.State.Keep {
		clearErr := store.Clear(ctx)
		if clearErr != nil {
			logger.WarnContext(ctx, "clear state failed", "error", clearErr)
			report.Warnings = append(report.Warnings, accumulate.Warning{
				Kind: accumulate.WarningStorage, Message: fmt.Sprintf("clear state: %v", clearErr),
			})
		}
	}

	return report, nil
}

// restore loads a checkpoint matching plan. A missing, corrupt or mismatched
// checkpoint yields nil and the run starts fresh.
func restore(ctx context.Context, store state.Store, plan *Plan, logger *slog.Logger) (*state.Restored, []accumulate.Warning) {
	restored, err := store.LoadCheckpoint(ctx, plan.source)
	if err != nil {
		return nil, []accumulate.Warning{restoreWarning(ctx, logger, fmt.Sprintf("ignoring checkpoint: %v", err))}
	}

	if restored == nil {
		logger.InfoContext(ctx, "no checkpoint to resume from")

		return nil, nil
	}

	err = state.Validate(restored.Checkpoint, plan.Root, plan.Fingerprint())
	if err != nil {
		return nil, []accumulate.Warning{restoreWarning(ctx, logger, fmt.Sprintf("ignoring checkpoint: %v", err))}
	}

	warnings := make([]accumulate.Warning, 0, len(restored.Warnings))
	for _, msg := range restored.Warnings {
		warnings = append(warnings, restoreWarning(ctx, logger, msg))
	}

	logger.InfoContext(ctx, "checkpoint restored",
		"checkpoint_run_id", restored.Checkpoint.RunID,
		"completed_buckets", restored.State.CurrentBucket,
		"total_buckets", restored.State.TotalBuckets,
		"saved_at", restored.Checkpoint.Timestamp)

	return restored, warnings
}

func restoreWarning(ctx context.Context, logger *slog.Logger, msg string) accumulate.Warning {
	logger.WarnContext(ctx, "run warning", "kind", string(accumulate.WarningRestore), "message", msg)

	return accumulate.Warning{Kind: accumulate.WarningRestore, Message: msg}
}

// trailer builds the comment block appended to the diagram.
func trailer(st *state.ProcessingState, plan *Plan, report *Report) accumulate.Trailer {
	lines := []string{
		"",
		fmt.Sprintf("archgen run %s", report.RunID),
		fmt.Sprintf("buckets: %d, items: %d of %d", st.CurrentBucket, st.ProcessedItems, plan.Items),
	}

	if plan.SkippedSummary != "" {
		lines = append(lines, strings.TrimRight(plan.SkippedSummary, "\n"))
	}

	return accumulate.Trailer{Summary: st.AccumulatedSummary, Lines: lines}
}

func writeArtifact(path, text string) error {
	err := os.MkdirAll(filepath.Dir(path), outputDirPerm)
	if err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	err = state.WriteFileAtomic(path, []byte(text))
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	return nil
}
