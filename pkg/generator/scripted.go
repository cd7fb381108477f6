package generator

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/Sumatoshi-tech/archgen/pkg/diagram"
	"github.com/Sumatoshi-tech/archgen/pkg/item"
)

// Scripted is an offline provider that draws one flowchart node per item and
// an edge between consecutive items. Output depends only on the input, so a
// resumed run produces the same artifact as an uninterrupted one.
type Scripted struct {
	// FailOn makes the n-th ProcessBucket call (0-based) return the mapped error.
	FailOn map[int]error
	// MergeErr, when set, is returned by MergeOrRepair.
	MergeErr error
	// InputPricePerMTok and OutputPricePerMTok price projections made with
	// EstimateCost. Scripted calls themselves report no cost.
	InputPricePerMTok  float64
	OutputPricePerMTok float64

	mu    sync.Mutex
	calls int
}

// NewScripted returns a Scripted provider with no injected failures.
func NewScripted() *Scripted {
	return &Scripted{}
}

func (s *Scripted) Name() string { return ProviderScripted }

// Calls returns how many ProcessBucket calls were made.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.calls
}

func (s *Scripted) ProcessBucket(ctx context.Context, items []item.Item, _, _ string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	s.mu.Lock()
	n := s.calls
	s.calls++
	s.mu.Unlock()

	if err := s.FailOn[n]; err != nil {
		return Result{}, err
	}

	fragment := scriptedDiagram(items)

	return Result{
		Summary:  scriptedSummary(items),
		Fragment: fragment,
		Usage:    scriptedUsage(items, fragment),
	}, nil
}

func (s *Scripted) GenerateSummary(ctx context.Context, items []item.Item, priorSummary string) (string, Usage, error) {
	if err := ctx.Err(); err != nil {
		return "", Usage{}, err
	}

	summary := scriptedSummary(items)
	if priorSummary != "" {
		summary = priorSummary + "\n\n" + summary
	}

	return summary, scriptedUsage(items, summary), nil
}

func (s *Scripted) GenerateDiagram(ctx context.Context, items []item.Item, _, priorDiagram string) (string, Usage, error) {
	if err := ctx.Err(); err != nil {
		return "", Usage{}, err
	}

	fragment := diagram.StructuralMerge(priorDiagram, scriptedDiagram(items))

	return fragment, scriptedUsage(items, fragment), nil
}

func (s *Scripted) MergeOrRepair(ctx context.Context, existing string, fragments []string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if s.MergeErr != nil {
		return "", s.MergeErr
	}

	return diagram.MergeAll(existing, fragments), nil
}

func (s *Scripted) ValidateConnection(ctx context.Context) error {
	return ctx.Err()
}

func (s *Scripted) EstimateCost(inputTokens, outputTokens int) float64 {
	return EstimateCost(inputTokens, outputTokens, s.InputPricePerMTok, s.OutputPricePerMTok)
}

// NodeID turns an item path into a stable Mermaid identifier.
func NodeID(path string) string {
	var sb strings.Builder

	sb.WriteString("n_")

	for _, r := range path {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}

	return sb.String()
}

func scriptedDiagram(items []item.Item) string {
	if len(items) == 0 {
		return ""
	}

	var sb strings.Builder

	sb.WriteString("flowchart TD\n")

	for _, it := range items {
		fmt.Fprintf(&sb, "    %s[\"%s\"]\n", NodeID(it.Path), it.Path)
	}

	for i := 1; i < len(items); i++ {
		fmt.Fprintf(&sb, "    %s --> %s\n", NodeID(items[i-1].Path), NodeID(items[i].Path))
	}

	return sb.String()
}

func scriptedSummary(items []item.Item) string {
	paths := make([]string, len(items))
	for i, it := range items {
		paths[i] = it.Path
	}

	return fmt.Sprintf("%d file(s): %s", len(items), strings.Join(paths, ", "))
}

func scriptedUsage(items []item.Item, output string) Usage {
	const charsPerToken = 4

	return Usage{
		InputTokens:  item.TotalWeight(items),
		OutputTokens: (len(output) + charsPerToken - 1) / charsPerToken,
	}
}
