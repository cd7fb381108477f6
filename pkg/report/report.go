// Package report renders bucket plans, run summaries, utilization charts and
// diagram diffs for the command line.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"gopkg.in/yaml.v3"

	"github.com/Sumatoshi-tech/archgen/pkg/bucket"
	"github.com/Sumatoshi-tech/archgen/pkg/runner"
)

// Format is an output format.
type Format string

// Supported formats.
const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ErrUnknownFormat is returned for unsupported format names.
var ErrUnknownFormat = errors.New("unknown output format")

// maxPathsShown limits the paths printed per bucket in text output.
const maxPathsShown = 3

// ParseFormat validates a format name. Empty selects FormatText.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatText, nil
	case FormatText, FormatJSON, FormatYAML:
		return f, nil
	default:
		return "", fmt.Errorf("%w: %q (want text, json or yaml)", ErrUnknownFormat, s)
	}
}

// BucketRow describes one planned bucket.
type BucketRow struct {
	Index       int      `json:"index" yaml:"index"`
	Items       int      `json:"items" yaml:"items"`
	Weight      int      `json:"weight" yaml:"weight"`
	Utilization float64  `json:"utilization" yaml:"utilization"`
	Paths       []string `json:"paths" yaml:"paths"`
}

// PlanDocument is the serializable form of a plan.
type PlanDocument struct {
	Root    string              `json:"root" yaml:"root"`
	Limits  bucket.Limits       `json:"limits" yaml:"limits"`
	Items   int                 `json:"items" yaml:"items"`
	Weight  int                 `json:"weight" yaml:"weight"`
	Stats   bucket.Statistics   `json:"stats" yaml:"stats"`
	Buckets []BucketRow         `json:"buckets" yaml:"buckets"`
	Skipped []bucket.SkipRecord `json:"skipped" yaml:"skipped"`
}

// NewPlanDocument flattens plan into a PlanDocument.
func NewPlanDocument(plan *runner.Plan) PlanDocument {
	planner := bucket.NewPlanner(plan.Limits)

	rows := make([]BucketRow, len(plan.Buckets))
	for i, b := range plan.Buckets {
		rows[i] = BucketRow{
			Index:       i,
			Items:       b.Len(),
			Weight:      b.Weight,
			Utilization: planner.Utilization(b),
			Paths:       b.Paths(),
		}
	}

	skipped := plan.Skipped
	if skipped == nil {
		skipped = []bucket.SkipRecord{}
	}

	return PlanDocument{
		Root:    plan.Root,
		Limits:  plan.Limits,
		Items:   plan.Items,
		Weight:  plan.Weight,
		Stats:   plan.Stats,
		Buckets: rows,
		Skipped: skipped,
	}
}

// RenderPlan writes plan to w in the given format.
func RenderPlan(w io.Writer, plan *runner.Plan, format Format) error {
	doc := NewPlanDocument(plan)

	switch format {
	case FormatJSON:
		return writeJSON(w, doc)
	case FormatYAML:
		return writeYAML(w, doc)
	case FormatText, "":
		renderPlanText(w, doc)

		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

func renderPlanText(w io.Writer, doc PlanDocument) {
	heading(w, "Plan for %s", doc.Root)

	fmt.Fprintf(w, "%s item(s), %s weight units, target %s / soft %.0f%% / hard %s\n\n",
		humanize.Comma(int64(doc.Items)), humanize.Comma(int64(doc.Weight)),
		humanize.Comma(int64(doc.Limits.TargetCapacity)), doc.Limits.SoftThreshold*100,
		humanize.Comma(int64(doc.Limits.HardCeiling)))

	tbl := newTable(w)
	tbl.AppendHeader(table.Row{"#", "Items", "Weight", "Utilization", "Paths"})

	for _, row := range doc.Buckets {
		tbl.AppendRow(table.Row{
			row.Index,
			row.Items,
			humanize.Comma(int64(row.Weight)),
			fmt.Sprintf("%.1f%%", row.Utilization),
			abbreviatePaths(row.Paths),
		})
	}

	tbl.AppendFooter(table.Row{
		"",
		doc.Stats.TotalItems,
		humanize.Comma(int64(doc.Stats.TotalWeight)),
		fmt.Sprintf("%.1f%%", doc.Stats.UtilizationRate),
		fmt.Sprintf("%d bucket(s)", doc.Stats.Count),
	})
	tbl.Render()

	if len(doc.Skipped) == 0 {
		return
	}

	fmt.Fprintln(w)
	color.New(color.FgYellow).Fprint(w, bucket.SkipReport(doc.Skipped))
}

// RenderRun writes a human-readable summary of a finished run.
func RenderRun(w io.Writer, rep *runner.Report) {
	heading(w, "Run %s", rep.RunID)

	tbl := newTable(w)
	tbl.AppendRows([]table.Row{
		{"Buckets", fmt.Sprintf("%d of %d", rep.State.CurrentBucket, rep.State.TotalBuckets)},
		{"Items", fmt.Sprintf("%d of %d", rep.State.ProcessedItems, rep.State.TotalItems)},
		{"Skipped", len(rep.Skipped)},
		{"Resumed", rep.Resumed},
		{"Input tokens", humanize.Comma(int64(rep.Usage.InputTokens))},
		{"Output tokens", humanize.Comma(int64(rep.Usage.OutputTokens))},
		{"Cost", fmt.Sprintf("%.4f", rep.Usage.Cost)},
		{"Duration", rep.Duration.Round(1e6).String()},
	})

	if rep.OutputPath != "" {
		tbl.AppendRow(table.Row{"Output", rep.OutputPath})
	}

	tbl.Render()

	RenderWarnings(w, rep.Warnings)
}

// RenderWarnings prints warnings in yellow, one per line.
func RenderWarnings[W fmt.Stringer](w io.Writer, warnings []W) {
	if len(warnings) == 0 {
		return
	}

	warn := color.New(color.FgYellow)

	fmt.Fprintln(w)
	warn.Fprintf(w, "%d warning(s):\n", len(warnings))

	for _, wr := range warnings {
		warn.Fprintf(w, "  - %s\n", wr.String())
	}
}

func heading(w io.Writer, format string, args ...any) {
	color.New(color.Bold, color.FgCyan).Fprintf(w, format+"\n", args...)
}

func newTable(w io.Writer) table.Writer {
	tbl := table.NewWriter()
	tbl.SetOutputMirror(w)
	tbl.SetStyle(table.StyleLight)
	tbl.Style().Options.SeparateRows = false
	tbl.Style().Options.DrawBorder = false
	tbl.Style().Format.Header = text.FormatDefault
	tbl.Style().Format.Footer = text.FormatDefault

	return tbl
}

func abbreviatePaths(paths []string) string {
	if len(paths) <= maxPathsShown {
		return strings.Join(paths, ", ")
	}

	return fmt.Sprintf("%s, +%d more", strings.Join(paths[:maxPathsShown], ", "), len(paths)-maxPathsShown)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	err := enc.Encode(v)
	if err != nil {
		return fmt.Errorf("encode json: %w", err)
	}

	return nil
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)

	err := enc.Encode(v)
	if err != nil {
		return fmt.Errorf("encode yaml: %w", err)
	}

	return enc.Close()
}

// Estimate projects the model usage of a plan.
type Estimate struct {
	Provider string `json:"provider" yaml:"provider"`
	Model    string `json:"model" yaml:"model"`
	Buckets  int    `json:"buckets" yaml:"buckets"`
	// InputTokens counts item content only; prompts and running context add to it.
	InputTokens int `json:"input_tokens" yaml:"input_tokens"`
	// MaxOutputTokens is the output bound across all bucket calls.
	MaxOutputTokens int     `json:"max_output_tokens" yaml:"max_output_tokens"`
	MaxCost         float64 `json:"max_cost" yaml:"max_cost"`
}

// RenderEstimate writes est to w in the given format.
func RenderEstimate(w io.Writer, est Estimate, format Format) error {
	switch format {
	case FormatJSON:
		return writeJSON(w, est)
	case FormatYAML:
		return writeYAML(w, est)
	case FormatText, "":
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}

	heading(w, "Estimate for %s %s", est.Provider, est.Model)

	tbl := newTable(w)
	tbl.AppendRows([]table.Row{
		{"Buckets", est.Buckets},
		{"Input tokens (min)", humanize.Comma(int64(est.InputTokens))},
		{"Output tokens (max)", humanize.Comma(int64(est.MaxOutputTokens))},
		{"Cost (max)", fmt.Sprintf("%.4f", est.MaxCost)},
	})
	tbl.Render()

	return nil
}
