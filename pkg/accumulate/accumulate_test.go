package accumulate_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/archgen/pkg/accumulate"
	"github.com/Sumatoshi-tech/archgen/pkg/bucket"
	"github.com/Sumatoshi-tech/archgen/pkg/generator"
	"github.com/Sumatoshi-tech/archgen/pkg/item"
	"github.com/Sumatoshi-tech/archgen/pkg/state"
)

var errBoom = errors.New("boom")

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// plan returns three buckets of two items each.
func plan() []*bucket.Bucket {
	items := make([]item.Item, 0, 6)
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		items = append(items, item.Item{Path: "pkg/" + name + ".go", Type: "go", Content: name, Weight: 40})
	}

	planner := bucket.NewPlanner(bucket.Limits{TargetCapacity: 100, SoftThreshold: 0.9, HardCeiling: 150}).WithLogger(quiet())

	return planner.CreateBuckets(items)
}

func newAccumulator(gen accumulate.Generator, store accumulate.StateStore, strategy accumulate.Strategy) *accumulate.Accumulator {
	return accumulate.New(gen, store, accumulate.Options{
		Strategy:    strategy,
		Checkpoint:  true,
		DiagramKind: "flowchart",
		Logger:      quiet(),
	})
}

// stubGenerator returns canned fragments per call.
type stubGenerator struct {
	fragments []string
	mergeErr  error
	calls     int
}

func (s *stubGenerator) ProcessBucket(_ context.Context, items []item.Item, _, _ string) (generator.Result, error) {
	frag := s.fragments[s.calls%len(s.fragments)]
	s.calls++

	return generator.Result{Summary: fmt.Sprintf("summary %d (%d items)", s.calls, len(items)), Fragment: frag}, nil
}

func (s *stubGenerator) MergeOrRepair(_ context.Context, existing string, fragments []string) (string, error) {
	if s.mergeErr != nil {
		return "", s.mergeErr
	}

	return existing + "%% merged " + fmt.Sprint(len(fragments)) + "\n", nil
}

// failingStore rejects every write.
type failingStore struct{}

func (failingStore) Save(context.Context, *state.ProcessingState) error { return errBoom }

func (failingStore) SaveCheckpoint(context.Context, *state.ProcessingState, []*bucket.Bucket) error {
	return errBoom
}

func TestPlanShape(t *testing.T) {
	t.Parallel()

	buckets := plan()
	require.Len(t, buckets, 3)

	for _, b := range buckets {
		assert.Equal(t, 2, b.Len())
	}
}

func TestProcess_Deferred(t *testing.T) {
	t.Parallel()

	gen := generator.NewScripted()
	store := state.NewMemoryStore("/repo", state.Options{})
	buckets := plan()

	st, warnings, err := newAccumulator(gen, store, accumulate.StrategyDeferred).
		Process(context.Background(), buckets, accumulate.Prior{})
	require.NoError(t, err)
	assert.Empty(t, warnings)

	assert.Equal(t, 3, st.CurrentBucket)
	assert.Equal(t, 3, st.TotalBuckets)
	assert.Equal(t, 6, st.ProcessedItems)
	assert.Equal(t, 6, st.TotalItems)
	assert.True(t, st.Done())
	assert.Len(t, st.Fragments, 3)
	assert.Empty(t, st.AccumulatedDiagram)
	assert.Equal(t, "flowchart", st.DiagramKind)

	parts := strings.Split(st.AccumulatedSummary, accumulate.DefaultSummaryDelimiter)
	assert.Equal(t, []string{
		"2 file(s): pkg/a.go, pkg/b.go",
		"2 file(s): pkg/c.go, pkg/d.go",
		"2 file(s): pkg/e.go, pkg/f.go",
	}, parts)

	for _, b := range buckets {
		assert.NotEmpty(t, b.Summary)
		assert.NotEmpty(t, b.Fragment)
	}

	assert.Equal(t, 3, store.Saves())

	saved, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, st, saved)
}

// recordingGenerator remembers the diagram context of every call.
type recordingGenerator struct {
	stubGenerator

	diagrams []string
}

func (r *recordingGenerator) ProcessBucket(ctx context.Context, items []item.Item, summary, diagramText string) (generator.Result, error) {
	r.diagrams = append(r.diagrams, diagramText)

	return r.stubGenerator.ProcessBucket(ctx, items, summary, diagramText)
}

func TestProcess_DeferredPassesAccumulatedView(t *testing.T) {
	t.Parallel()

	gen := &recordingGenerator{stubGenerator: stubGenerator{fragments: []string{
		"flowchart TD\n    a --> b\n",
		"flowchart TD\n    c --> d\n",
		"flowchart TD\n    e --> f\n",
	}}}

	st, _, err := newAccumulator(gen, nil, accumulate.StrategyDeferred).
		Process(context.Background(), plan(), accumulate.Prior{})
	require.NoError(t, err)

	require.Len(t, gen.diagrams, 3)
	assert.Empty(t, gen.diagrams[0])
	assert.Contains(t, gen.diagrams[1], "a --> b")
	assert.Contains(t, gen.diagrams[2], "a --> b")
	assert.Contains(t, gen.diagrams[2], "c --> d")
	assert.NotContains(t, gen.diagrams[2], "e --> f")

	assert.Len(t, st.Fragments, 3)
	assert.Empty(t, st.AccumulatedDiagram)
}

func TestProcess_DeferredViewIncludesPrior(t *testing.T) {
	t.Parallel()

	gen := &recordingGenerator{stubGenerator: stubGenerator{fragments: []string{"flowchart TD\n    x --> y\n"}}}

	_, _, err := newAccumulator(gen, nil, accumulate.StrategyDeferred).
		Process(context.Background(), plan(), accumulate.Prior{Diagram: "flowchart TD\n    old --> kept\n"})
	require.NoError(t, err)

	assert.Contains(t, gen.diagrams[0], "old --> kept")
	assert.Contains(t, gen.diagrams[1], "old --> kept")
	assert.Contains(t, gen.diagrams[1], "x --> y")
}

func TestDiagramView(t *testing.T) {
	t.Parallel()

	st := &state.ProcessingState{
		AccumulatedDiagram: "flowchart TD\n    a --> b\n",
		Fragments: []string{
			"flowchart TD\n    b --> c\n",
			"sequenceDiagram\n    A->>B: hi\n",
			"flowchart TD\n    a --> b\n",
		},
	}

	view := accumulate.DiagramView(st)
	assert.Equal(t, "flowchart TD\n    a --> b\n    b --> c\n", view)
	assert.Equal(t, "flowchart TD\n    a --> b\n", st.AccumulatedDiagram)
	assert.Empty(t, accumulate.DiagramView(&state.ProcessingState{}))
}

// splitGenerator returns only a summary or only a fragment from ProcessBucket
// and answers the dedicated calls.
type splitGenerator struct {
	stubGenerator

	noFragment  bool
	diagramErr  error
	diagramArgs []string
	summaryCall int
}

func (g *splitGenerator) ProcessBucket(_ context.Context, items []item.Item, _, _ string) (generator.Result, error) {
	if g.noFragment {
		return generator.Result{Summary: fmt.Sprintf("%d items", len(items)), Usage: generator.Usage{InputTokens: 10}}, nil
	}

	return generator.Result{Fragment: "flowchart TD\n    s --> t\n"}, nil
}

func (g *splitGenerator) GenerateDiagram(_ context.Context, items []item.Item, summary, _ string) (string, generator.Usage, error) {
	g.diagramArgs = append(g.diagramArgs, summary)
	if g.diagramErr != nil {
		return "", generator.Usage{InputTokens: 1}, g.diagramErr
	}

	return "flowchart TD\n    " + items[0].Content + " --> done\n", generator.Usage{InputTokens: 5, OutputTokens: 2}, nil
}

func (g *splitGenerator) GenerateSummary(_ context.Context, items []item.Item, prior string) (string, generator.Usage, error) {
	g.summaryCall++

	return fmt.Sprintf("described %d%s", len(items), prior), generator.Usage{OutputTokens: 3}, nil
}

func TestProcess_MissingFragmentUsesGenerateDiagram(t *testing.T) {
	t.Parallel()

	gen := &splitGenerator{noFragment: true}
	acc := newAccumulator(gen, nil, accumulate.StrategyDeferred)

	st, _, err := acc.Process(context.Background(), plan(), accumulate.Prior{})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"flowchart TD\n    a --> done\n",
		"flowchart TD\n    c --> done\n",
		"flowchart TD\n    e --> done\n",
	}, st.Fragments)
	require.Len(t, gen.diagramArgs, 3)
	assert.Equal(t, "2 items", gen.diagramArgs[0])
	assert.Equal(t, "2 items"+accumulate.DefaultSummaryDelimiter+"2 items", gen.diagramArgs[1])
	assert.Equal(t, generator.Usage{InputTokens: 45, OutputTokens: 6}, acc.Usage())
}

func TestProcess_NoDiagramFromDedicatedCallIsTolerated(t *testing.T) {
	t.Parallel()

	gen := &splitGenerator{noFragment: true, diagramErr: generator.ErrNoDiagram}

	st, _, err := newAccumulator(gen, nil, accumulate.StrategyDeferred).
		Process(context.Background(), plan(), accumulate.Prior{})
	require.NoError(t, err)
	assert.Empty(t, st.Fragments)
	assert.Equal(t, 3, st.CurrentBucket)
}

func TestProcess_DedicatedCallFailureIsFatal(t *testing.T) {
	t.Parallel()

	gen := &splitGenerator{noFragment: true, diagramErr: errBoom}

	_, _, err := newAccumulator(gen, nil, accumulate.StrategyDeferred).
		Process(context.Background(), plan(), accumulate.Prior{})

	var genErr *accumulate.GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, 0, genErr.Bucket)
	require.ErrorIs(t, err, errBoom)
}

func TestProcess_MissingSummaryUsesGenerateSummary(t *testing.T) {
	t.Parallel()

	gen := &splitGenerator{}
	buckets := plan()

	st, _, err := newAccumulator(gen, nil, accumulate.StrategyDeferred).
		Process(context.Background(), buckets, accumulate.Prior{})
	require.NoError(t, err)

	assert.Equal(t, 3, gen.summaryCall)
	assert.Empty(t, gen.diagramArgs)
	assert.Equal(t, "described 2", buckets[0].Summary)
	assert.Equal(t, strings.Repeat("described 2"+accumulate.DefaultSummaryDelimiter, 2)+"described 2", st.AccumulatedSummary)
}

func TestProcess_StructuralMergesSameKind(t *testing.T) {
	t.Parallel()

	gen := &stubGenerator{fragments: []string{
		"flowchart TD\n    a --> b\n",
		"sequenceDiagram\n    A->>B: hi\n",
		"flowchart TD\n    b --> c\n",
	}}

	st, _, err := newAccumulator(gen, nil, accumulate.StrategyStructural).
		Process(context.Background(), plan(), accumulate.Prior{})
	require.NoError(t, err)

	assert.Equal(t, "flowchart TD\n    a --> b\n    b --> c\n", st.AccumulatedDiagram)
	assert.Equal(t, []string{"sequenceDiagram\n    A->>B: hi\n"}, st.Fragments)
	assert.Equal(t, "flowchart", st.DiagramKind)
}

func TestProcess_PriorSeedsState(t *testing.T) {
	t.Parallel()

	prior := accumulate.Prior{Summary: "  existing notes ", Diagram: "classDiagram\n    class Store\n"}

	st, _, err := newAccumulator(generator.NewScripted(), nil, accumulate.StrategyDeferred).
		Process(context.Background(), plan()[:1], prior)
	require.NoError(t, err)

	assert.Equal(t, "classDiagram", st.DiagramKind)
	assert.Equal(t, prior.Diagram, st.AccumulatedDiagram)
	assert.True(t, strings.HasPrefix(st.AccumulatedSummary, "existing notes"+accumulate.DefaultSummaryDelimiter))
}

func TestProcess_GenerationErrorStopsRun(t *testing.T) {
	t.Parallel()

	gen := &generator.Scripted{FailOn: map[int]error{1: errBoom}}
	store := state.NewMemoryStore("/repo", state.Options{})

	st, _, err := newAccumulator(gen, store, accumulate.StrategyDeferred).
		Process(context.Background(), plan(), accumulate.Prior{})
	require.Error(t, err)
	assert.Nil(t, st)

	var genErr *accumulate.GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, 1, genErr.Bucket)
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, 2, gen.Calls())

	saved, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, saved.CurrentBucket)
	assert.Equal(t, 2, saved.ProcessedItems)
}

func TestResume_MatchesUninterruptedRun(t *testing.T) {
	t.Parallel()

	for _, strategy := range []accumulate.Strategy{accumulate.StrategyDeferred, accumulate.StrategyStructural} {
		t.Run(string(strategy), func(t *testing.T) {
			t.Parallel()

			trailer := accumulate.Trailer{Summary: "notes", Lines: []string{"buckets: 3"}}

			full := newAccumulator(generator.NewScripted(), nil, strategy)
			fullState, _, err := full.Process(context.Background(), plan(), accumulate.Prior{})
			require.NoError(t, err)

			want, err := full.Finalize(context.Background(), fullState, trailer)
			require.NoError(t, err)

			store := state.NewMemoryStore("/repo", state.Options{})
			first := &generator.Scripted{FailOn: map[int]error{2: errBoom}}

			_, _, err = newAccumulator(first, store, strategy).Process(context.Background(), plan(), accumulate.Prior{})
			require.ErrorIs(t, err, errBoom)

			saved, err := store.Load(context.Background())
			require.NoError(t, err)
			require.Equal(t, 2, saved.CurrentBucket)

			second := generator.NewScripted()
			resumed := newAccumulator(second, store, strategy)

			resumedState, _, err := resumed.Resume(context.Background(), plan(), saved)
			require.NoError(t, err)
			assert.Equal(t, 1, second.Calls())
			assert.Equal(t, fullState, resumedState)

			got, err := resumed.Finalize(context.Background(), resumedState, trailer)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestResume_CompletedStateMakesNoCalls(t *testing.T) {
	t.Parallel()

	acc := newAccumulator(generator.NewScripted(), nil, accumulate.StrategyDeferred)
	st, _, err := acc.Process(context.Background(), plan(), accumulate.Prior{})
	require.NoError(t, err)

	gen := generator.NewScripted()

	again, _, err := newAccumulator(gen, nil, accumulate.StrategyDeferred).Resume(context.Background(), plan(), st)
	require.NoError(t, err)
	assert.Zero(t, gen.Calls())
	assert.Equal(t, st, again)
}

func TestResume_RejectsMismatchedPlan(t *testing.T) {
	t.Parallel()

	st := &state.ProcessingState{CurrentBucket: 1, TotalBuckets: 5}

	_, _, err := newAccumulator(generator.NewScripted(), nil, accumulate.StrategyDeferred).
		Resume(context.Background(), plan(), st)
	require.ErrorIs(t, err, accumulate.ErrStateMismatch)
}

func TestResume_NilStateStartsFresh(t *testing.T) {
	t.Parallel()

	gen := generator.NewScripted()

	st, _, err := newAccumulator(gen, nil, accumulate.StrategyDeferred).Resume(context.Background(), plan(), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, gen.Calls())
	assert.Equal(t, 3, st.CurrentBucket)
}

func TestProcess_CanceledBeforeFirstBucket(t *testing.T) {
	t.Parallel()

	gen := generator.NewScripted()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := newAccumulator(gen, nil, accumulate.StrategyDeferred).Process(ctx, plan(), accumulate.Prior{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, gen.Calls())
}

func TestProcess_StorageFailuresAreWarnings(t *testing.T) {
	t.Parallel()

	st, warnings, err := newAccumulator(generator.NewScripted(), failingStore{}, accumulate.StrategyDeferred).
		Process(context.Background(), plan(), accumulate.Prior{})
	require.NoError(t, err)
	assert.True(t, st.Done())

	require.Len(t, warnings, 6)

	for _, w := range warnings {
		assert.Equal(t, accumulate.WarningStorage, w.Kind)
		assert.Contains(t, w.Message, "boom")
	}

	assert.Equal(t, "storage: save state after bucket 0: boom", warnings[0].String())
}

func TestProcess_EmptyBucketAdvancesCursor(t *testing.T) {
	t.Parallel()

	buckets := plan()
	buckets[1] = &bucket.Bucket{}

	gen := generator.NewScripted()

	st, _, err := newAccumulator(gen, nil, accumulate.StrategyDeferred).
		Process(context.Background(), buckets, accumulate.Prior{})
	require.NoError(t, err)
	assert.Equal(t, 2, gen.Calls())
	assert.Equal(t, 3, st.CurrentBucket)
	assert.Equal(t, 4, st.ProcessedItems)
	assert.Len(t, st.Fragments, 2)
}

func TestUsageAccumulates(t *testing.T) {
	t.Parallel()

	acc := newAccumulator(generator.NewScripted(), nil, accumulate.StrategyDeferred)

	_, _, err := acc.Process(context.Background(), plan(), accumulate.Prior{})
	require.NoError(t, err)
	assert.Equal(t, 240, acc.Usage().InputTokens)
	assert.Positive(t, acc.Usage().OutputTokens)
}

func TestFinalize_ModelMerge(t *testing.T) {
	t.Parallel()

	gen := &stubGenerator{fragments: []string{"flowchart TD\n    a --> b\n"}}
	acc := newAccumulator(gen, nil, accumulate.StrategyDeferred)

	st := &state.ProcessingState{
		AccumulatedDiagram: "flowchart TD\n    x --> y\n",
		Fragments:          []string{"flowchart TD\n    a --> b\n", "flowchart TD\n    b --> c\n"},
	}

	art, err := acc.Finalize(context.Background(), st, accumulate.Trailer{Summary: "Two services.", Lines: []string{"items: 4"}})
	require.NoError(t, err)
	assert.Empty(t, art.Warnings)
	assert.Equal(t, "flowchart TD\n    x --> y\n%% merged 2\n", art.Diagram)
	assert.Equal(t, "flowchart TD\n    x --> y\n%% merged 2\n\n%% Two services.\n%% items: 4\n", art.Text)
}

func TestFinalize_MergeFailureFallsBack(t *testing.T) {
	t.Parallel()

	gen := &generator.Scripted{MergeErr: errBoom}
	acc := newAccumulator(gen, nil, accumulate.StrategyDeferred)

	st := &state.ProcessingState{
		Fragments: []string{"flowchart TD\n    a --> b\n", "flowchart TD\n    b --> c\n    a --> b\n"},
	}

	art, err := acc.Finalize(context.Background(), st, accumulate.Trailer{})
	require.NoError(t, err)

	require.Len(t, art.Warnings, 1)
	assert.Equal(t, accumulate.WarningMerge, art.Warnings[0].Kind)
	assert.Equal(t, "flowchart TD\n    a --> b\n    b --> c\n", art.Diagram)
	assert.Equal(t, art.Diagram, art.Text)
}

func TestFinalize_ValidationWarnings(t *testing.T) {
	t.Parallel()

	acc := newAccumulator(generator.NewScripted(), nil, accumulate.StrategyDeferred)

	art, err := acc.Finalize(context.Background(), &state.ProcessingState{}, accumulate.Trailer{Summary: "nothing"})
	require.NoError(t, err)

	require.NotEmpty(t, art.Warnings)
	assert.Equal(t, accumulate.WarningValidation, art.Warnings[0].Kind)
	assert.Equal(t, "diagram is empty", art.Warnings[0].Message)
	assert.Equal(t, "%% nothing\n", art.Text)
}

func TestFinalize_CanceledMerge(t *testing.T) {
	t.Parallel()

	acc := newAccumulator(generator.NewScripted(), nil, accumulate.StrategyDeferred)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := acc.Finalize(ctx, &state.ProcessingState{Fragments: []string{"flowchart TD\n"}}, accumulate.Trailer{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestParseStrategy(t *testing.T) {
	t.Parallel()

	s, err := accumulate.ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, accumulate.StrategyDeferred, s)

	s, err = accumulate.ParseStrategy(" Structural ")
	require.NoError(t, err)
	assert.Equal(t, accumulate.StrategyStructural, s)

	_, err = accumulate.ParseStrategy("magic")
	require.ErrorIs(t, err, accumulate.ErrUnknownStrategy)
}
