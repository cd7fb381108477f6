package report_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/Sumatoshi-tech/archgen/pkg/accumulate"
	"github.com/Sumatoshi-tech/archgen/pkg/bucket"
	"github.com/Sumatoshi-tech/archgen/pkg/generator"
	"github.com/Sumatoshi-tech/archgen/pkg/item"
	"github.com/Sumatoshi-tech/archgen/pkg/report"
	"github.com/Sumatoshi-tech/archgen/pkg/runner"
	"github.com/Sumatoshi-tech/archgen/pkg/state"
)

func samplePlan() *runner.Plan {
	limits := bucket.Limits{TargetCapacity: 100, SoftThreshold: 0.9, HardCeiling: 150}
	planner := bucket.NewPlanner(limits)

	buckets := planner.CreateBuckets([]item.Item{
		{Path: "cmd/main.go", Type: "go", Size: 200, Weight: 50},
		{Path: "pkg/a.go", Type: "go", Size: 160, Weight: 40},
		{Path: "pkg/b.go", Type: "go", Size: 120, Weight: 30},
		{Path: "huge.sql", Type: "sql", Size: 4000, Weight: 1000},
	})

	return &runner.Plan{
		Root:    "/repo",
		Limits:  planner.Limits(),
		Items:   4,
		Weight:  1120,
		Buckets: buckets,
		Skipped: planner.Skipped(),
		Stats:   planner.Statistics(buckets),
	}
}

func TestParseFormat(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]report.Format{
		"":      report.FormatText,
		"text":  report.FormatText,
		" JSON": report.FormatJSON,
		"yaml":  report.FormatYAML,
	} {
		got, err := report.ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := report.ParseFormat("xml")
	require.ErrorIs(t, err, report.ErrUnknownFormat)
}

func TestNewPlanDocument(t *testing.T) {
	t.Parallel()

	doc := report.NewPlanDocument(samplePlan())

	require.Len(t, doc.Buckets, 2)
	assert.Equal(t, 0, doc.Buckets[0].Index)
	assert.Equal(t, 90, doc.Buckets[0].Weight)
	assert.InDelta(t, 90.0, doc.Buckets[0].Utilization, 0.001)
	assert.ElementsMatch(t, []string{"cmd/main.go", "pkg/a.go"}, doc.Buckets[0].Paths)
	assert.Equal(t, []string{"pkg/b.go"}, doc.Buckets[1].Paths)
	require.Len(t, doc.Skipped, 1)
	assert.Equal(t, "huge.sql", doc.Skipped[0].Path)
}

func TestNewPlanDocument_NoSkipsIsEmptyList(t *testing.T) {
	t.Parallel()

	plan := samplePlan()
	plan.Skipped = nil

	var buf bytes.Buffer
	require.NoError(t, report.RenderPlan(&buf, plan, report.FormatJSON))
	assert.Contains(t, buf.String(), `"skipped": []`)
}

func TestRenderPlan_JSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, report.RenderPlan(&buf, samplePlan(), report.FormatJSON))

	var doc report.PlanDocument
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, "/repo", doc.Root)
	assert.Equal(t, 2, doc.Stats.Count)
	assert.Equal(t, 100, doc.Limits.TargetCapacity)
	assert.Len(t, doc.Buckets, 2)
}

func TestRenderPlan_YAML(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, report.RenderPlan(&buf, samplePlan(), report.FormatYAML))

	var doc report.PlanDocument
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, "/repo", doc.Root)
	assert.Equal(t, 120, doc.Stats.TotalWeight)
	require.Len(t, doc.Buckets, 2)
	assert.Equal(t, []string{"pkg/b.go"}, doc.Buckets[1].Paths)
}

func TestRenderPlan_Text(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, report.RenderPlan(&buf, samplePlan(), report.FormatText))

	out := buf.String()
	assert.Contains(t, out, "Plan for /repo")
	assert.Contains(t, out, "pkg/b.go")
	assert.Contains(t, out, "90.0%")
	assert.Contains(t, out, "2 bucket(s)")
	assert.Contains(t, out, "huge.sql")
}

func TestRenderPlan_UnknownFormat(t *testing.T) {
	t.Parallel()

	err := report.RenderPlan(&bytes.Buffer{}, samplePlan(), report.Format("toml"))
	require.ErrorIs(t, err, report.ErrUnknownFormat)
}

func TestRenderRun(t *testing.T) {
	t.Parallel()

	rep := &runner.Report{
		RunID:      "run-42",
		Resumed:    true,
		State:      &state.ProcessingState{CurrentBucket: 3, TotalBuckets: 3, ProcessedItems: 7, TotalItems: 7},
		Usage:      generator.Usage{InputTokens: 12345, OutputTokens: 678},
		OutputPath: "architecture.mmd",
		Duration:   1500 * time.Millisecond,
		Warnings: []accumulate.Warning{
			{Kind: accumulate.WarningStorage, Message: "save failed"},
		},
	}

	var buf bytes.Buffer
	report.RenderRun(&buf, rep)

	out := buf.String()
	assert.Contains(t, out, "Run run-42")
	assert.Contains(t, out, "3 of 3")
	assert.Contains(t, out, "12,345")
	assert.Contains(t, out, "architecture.mmd")
	assert.Contains(t, out, "1 warning(s)")
	assert.Contains(t, out, "save failed")
}

type errWarning struct{ err error }

func (w errWarning) String() string { return w.err.Error() }

func TestRenderWarnings(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	report.RenderWarnings[errWarning](&buf, nil)
	assert.Empty(t, buf.String())

	report.RenderWarnings(&buf, []errWarning{{errors.New("a")}, {errors.New("b")}})
	assert.Contains(t, buf.String(), "2 warning(s)")
	assert.Contains(t, buf.String(), "- b")
}

func TestRenderEstimate(t *testing.T) {
	t.Parallel()

	est := report.Estimate{
		Provider:        "openai",
		Model:           "gpt-4o",
		Buckets:         3,
		InputTokens:     250000,
		MaxOutputTokens: 24576,
		MaxCost:         0.87,
	}

	var buf bytes.Buffer
	require.NoError(t, report.RenderEstimate(&buf, est, report.FormatText))
	assert.Contains(t, buf.String(), "Estimate for openai gpt-4o")
	assert.Contains(t, buf.String(), "250,000")
	assert.Contains(t, buf.String(), "0.8700")

	buf.Reset()
	require.NoError(t, report.RenderEstimate(&buf, est, report.FormatJSON))

	var decoded report.Estimate
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, est, decoded)
}
