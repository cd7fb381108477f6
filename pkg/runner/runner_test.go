package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/archgen/pkg/accumulate"
	"github.com/Sumatoshi-tech/archgen/pkg/bucket"
	"github.com/Sumatoshi-tech/archgen/pkg/generator"
	"github.com/Sumatoshi-tech/archgen/pkg/state"
)

var errBoom = errors.New("boom")

// oneItemPerBucket closes a bucket after every item.
var oneItemPerBucket = bucket.Limits{TargetCapacity: 1, SoftThreshold: 0.9, HardCeiling: 10000}

func writeRepo(t *testing.T) string {
	t.Helper()

	root := t.TempDir()

	files := map[string]string{
		"cmd/app/main.go":     "package main\n\nfunc main() { run() }\n",
		"internal/api/api.go": "package api\n\ntype Server struct{}\n",
		"internal/db/db.go":   "package db\n\nfunc Open() error { return nil }\n",
		"README.md":           "# App\n\nA small service.\n",
	}

	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o750))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	}

	return root
}

func baseOptions(t *testing.T, root string, gen accumulate.Generator) Options {
	t.Helper()

	return Options{
		PlanOptions: PlanOptions{
			Root:      root,
			Recursive: true,
			Limits:    oneItemPerBucket,
		},
		Generator:   gen,
		Strategy:    accumulate.StrategyDeferred,
		DiagramKind: "flowchart",
		State:       StateOptions{Enabled: true, Dir: t.TempDir(), Checkpoint: true},
		RunID:       "run-1",
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestRun_WritesArtifactAndClearsState(t *testing.T) {
	t.Parallel()

	root := writeRepo(t)
	gen := generator.NewScripted()
	opts := baseOptions(t, root, gen)
	opts.OutputPath = filepath.Join(t.TempDir(), "docs", "architecture.mmd")

	report, err := Run(context.Background(), opts)
	require.NoError(t, err)

	assert.Equal(t, "run-1", report.RunID)
	assert.False(t, report.Resumed)
	assert.Equal(t, 4, gen.Calls())
	assert.Equal(t, 4, report.Stats.Count)
	assert.Equal(t, 4, report.State.ProcessedItems)
	assert.True(t, report.State.Done())
	assert.Empty(t, report.Skipped)
	assert.Empty(t, report.Warnings)
	assert.Positive(t, report.Usage.InputTokens)

	data, err := os.ReadFile(opts.OutputPath)
	require.NoError(t, err)

	text := string(data)
	assert.Equal(t, report.Artifact.Text, text)
	assert.True(t, strings.HasPrefix(text, "flowchart TD\n"))
	assert.Contains(t, text, generator.NodeID("internal/db/db.go"))
	assert.Contains(t, text, "%% archgen run run-1\n")
	assert.Contains(t, text, "%% buckets: 4, items: 4 of 4\n")

	store := state.NewFileStore(opts.State.Dir, root, state.Options{})
	assert.False(t, store.Exists())
}

func TestRun_KeepState(t *testing.T) {
	t.Parallel()

	root := writeRepo(t)
	opts := baseOptions(t, root, generator.NewScripted())
	opts.State.Keep = true

	report, err := Run(context.Background(), opts)
	require.NoError(t, err)

	store := state.NewFileStore(opts.State.Dir, root, state.Options{})
	assert.True(t, store.Exists())

	saved, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, report.State, saved)
}

func TestRun_ResumeAfterFailure(t *testing.T) {
	t.Parallel()

	root := writeRepo(t)

	full, err := Run(context.Background(), baseOptions(t, root, generator.NewScripted()))
	require.NoError(t, err)

	opts := baseOptions(t, root, &generator.Scripted{FailOn: map[int]error{2: errBoom}})

	_, err = Run(context.Background(), opts)
	require.ErrorIs(t, err, errBoom)

	var genErr *accumulate.GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, 2, genErr.Bucket)

	second := generator.NewScripted()
	opts.Generator = second
	opts.State.Resume = true
	opts.RunID = "run-2"

	resumed, err := Run(context.Background(), opts)
	require.NoError(t, err)

	assert.True(t, resumed.Resumed)
	assert.Equal(t, 2, second.Calls())
	assert.Empty(t, resumed.Warnings)
	assert.Equal(t, full.State, resumed.State)
	assert.Equal(t, full.Artifact.Diagram, resumed.Artifact.Diagram)
}

func TestRun_ResumeIgnoresMismatchedPlan(t *testing.T) {
	t.Parallel()

	root := writeRepo(t)
	opts := baseOptions(t, root, &generator.Scripted{FailOn: map[int]error{1: errBoom}})

	_, err := Run(context.Background(), opts)
	require.ErrorIs(t, err, errBoom)

	gen := generator.NewScripted()
	opts.Generator = gen
	opts.State.Resume = true
	opts.Limits = bucket.Limits{TargetCapacity: 1000, SoftThreshold: 0.9, HardCeiling: 10000}

	report, err := Run(context.Background(), opts)
	require.NoError(t, err)

	assert.False(t, report.Resumed)
	assert.Equal(t, 1, gen.Calls())
	require.Len(t, report.Warnings, 1)
	assert.Equal(t, accumulate.WarningRestore, report.Warnings[0].Kind)
	assert.Contains(t, report.Warnings[0].Message, state.ErrPlanMismatch.Error())
}

func TestRun_ResumeWithoutCheckpoint(t *testing.T) {
	t.Parallel()

	root := writeRepo(t)
	gen := generator.NewScripted()
	opts := baseOptions(t, root, gen)
	opts.State.Resume = true

	report, err := Run(context.Background(), opts)
	require.NoError(t, err)
	assert.False(t, report.Resumed)
	assert.Equal(t, 4, gen.Calls())
}

func TestRun_InputErrors(t *testing.T) {
	t.Parallel()

	gen := generator.NewScripted()

	_, err := Run(context.Background(), baseOptions(t, t.TempDir(), gen))
	require.ErrorIs(t, err, ErrNoItems)

	var inputErr *InputError
	require.ErrorAs(t, err, &inputErr)

	opts := baseOptions(t, writeRepo(t), gen)
	opts.Limits = bucket.Limits{TargetCapacity: 1, SoftThreshold: 0.9, HardCeiling: 1}

	_, err = Run(context.Background(), opts)
	require.ErrorIs(t, err, ErrAllSkipped)
	require.ErrorAs(t, err, &inputErr)

	assert.Zero(t, gen.Calls())
}

func TestRun_MemoryStateWhenDisabled(t *testing.T) {
	t.Parallel()

	root := writeRepo(t)
	opts := baseOptions(t, root, generator.NewScripted())
	opts.State = StateOptions{Dir: t.TempDir(), Checkpoint: true, Keep: true}

	_, err := Run(context.Background(), opts)
	require.NoError(t, err)

	entries, err := os.ReadDir(opts.State.Dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestBuildPlan(t *testing.T) {
	t.Parallel()

	root := writeRepo(t)

	plan, err := BuildPlan(context.Background(), PlanOptions{
		Root:      root,
		Recursive: true,
		Limits:    bucket.Limits{TargetCapacity: 1000},
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, 4, plan.Items)
	assert.Equal(t, 1, plan.Stats.Count)
	assert.Equal(t, plan.Weight, plan.Stats.TotalWeight)
	assert.Equal(t, bucket.DefaultHardCeiling, plan.Limits.HardCeiling)
	assert.Empty(t, plan.SkippedSummary)
	assert.Equal(t, state.Fingerprint(plan.Limits, 4), plan.Fingerprint())
}

func TestBuildPlan_ReportsSkips(t *testing.T) {
	t.Parallel()

	root := writeRepo(t)
	big := strings.Repeat("word ", 400)
	require.NoError(t, os.WriteFile(filepath.Join(root, "big.txt"), []byte(big), 0o600))

	plan, err := BuildPlan(context.Background(), PlanOptions{
		Root:      root,
		Recursive: true,
		Limits:    bucket.Limits{TargetCapacity: 100, SoftThreshold: 0.9, HardCeiling: 150},
	}, nil)
	require.NoError(t, err)

	require.Len(t, plan.Skipped, 1)
	assert.Equal(t, "big.txt", plan.Skipped[0].Path)
	assert.Contains(t, plan.SkippedSummary, "exceeds hard limit of 150")
	assert.Equal(t, plan.Weight, plan.Stats.TotalWeight+plan.Skipped[0].Weight)
}

func TestRun_ClearDiscardsCheckpoint(t *testing.T) {
	t.Parallel()

	root := writeRepo(t)
	opts := baseOptions(t, root, &generator.Scripted{FailOn: map[int]error{2: errBoom}})

	_, err := Run(context.Background(), opts)
	require.ErrorIs(t, err, errBoom)

	gen := generator.NewScripted()
	opts.Generator = gen
	opts.State.Resume = true
	opts.State.Clear = true

	report, err := Run(context.Background(), opts)
	require.NoError(t, err)

	assert.False(t, report.Resumed)
	assert.Equal(t, 4, gen.Calls())
}
