package generator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"text/template"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/Sumatoshi-tech/archgen/pkg/diagram"
	"github.com/Sumatoshi-tech/archgen/pkg/item"
)

// modelProvider implements Provider on top of a chat backend.
type modelProvider struct {
	name    string
	cfg     Config
	tmpl    *templates
	backend backend
	logger  *slog.Logger
}

func newModelProvider(name string, cfg Config, tmpl *templates, b backend) *modelProvider {
	return &modelProvider{
		name:    name,
		cfg:     cfg,
		tmpl:    tmpl,
		backend: b,
		logger:  cfg.Logger.With("provider", name),
	}
}

func (p *modelProvider) Name() string { return p.name }

func (p *modelProvider) data(items []item.Item, summary, diagramText string) PromptData {
	return PromptData{
		Kind:    p.cfg.DiagramKind,
		Style:   p.cfg.Style,
		Summary: summary,
		Diagram: strings.TrimSpace(diagramText),
		Items:   promptItems(items),
	}
}

// ProcessBucket sends the combined bucket prompt.
func (p *modelProvider) ProcessBucket(ctx context.Context, items []item.Item, summary, diagramText string) (Result, error) {
	resp, err := p.call(ctx, "bucket", p.tmpl.bucket, p.data(items, summary, diagramText))
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Summary:  diagram.ExtractSummary(resp.Text),
		Fragment: diagram.ExtractDiagram(resp.Text),
		Usage:    resp.Usage,
	}

	// A response with a diagram and no summary element still yields prose from
	// ExtractSummary, so both empty means the model returned nothing usable.
	if res.Summary == "" && res.Fragment == "" {
		return Result{}, fmt.Errorf("%s: %w", p.name, ErrEmptyResponse)
	}

	return res, nil
}

// GenerateSummary sends the summary-only prompt.
func (p *modelProvider) GenerateSummary(ctx context.Context, items []item.Item, priorSummary string) (string, Usage, error) {
	resp, err := p.call(ctx, "summary", p.tmpl.summary, p.data(items, priorSummary, ""))
	if err != nil {
		return "", Usage{}, err
	}

	summary := diagram.ExtractSummary(resp.Text)
	if summary == "" {
		return "", resp.Usage, fmt.Errorf("%s: %w", p.name, ErrEmptyResponse)
	}

	return summary, resp.Usage, nil
}

// GenerateDiagram sends the diagram-only prompt.
func (p *modelProvider) GenerateDiagram(ctx context.Context, items []item.Item, summary, priorDiagram string) (string, Usage, error) {
	resp, err := p.call(ctx, "diagram", p.tmpl.diagram, p.data(items, summary, priorDiagram))
	if err != nil {
		return "", Usage{}, err
	}

	fragment := diagram.ExtractDiagram(resp.Text)
	if fragment == "" {
		return "", resp.Usage, fmt.Errorf("%s: %w", p.name, ErrNoDiagram)
	}

	return fragment, resp.Usage, nil
}

// MergeOrRepair asks the model to fold fragments into existing.
func (p *modelProvider) MergeOrRepair(ctx context.Context, existing string, fragments []string) (string, error) {
	data := p.data(nil, "", existing)
	data.Fragments = make([]string, 0, len(fragments))

	for _, f := range fragments {
		if trimmed := strings.TrimSpace(f); trimmed != "" {
			data.Fragments = append(data.Fragments, trimmed)
		}
	}

	resp, err := p.call(ctx, "merge", p.tmpl.merge, data)
	if err != nil {
		return "", err
	}

	merged := diagram.ExtractDiagram(resp.Text)
	if merged == "" {
		return "", fmt.Errorf("%s: %w", p.name, ErrNoDiagram)
	}

	return merged, nil
}

// ValidateConnection checks that the backend accepts the credentials.
func (p *modelProvider) ValidateConnection(ctx context.Context) error {
	err := p.backend.ping(ctx)
	if err != nil {
		return fmt.Errorf("validate %s connection: %w", p.name, err)
	}

	return nil
}

func (p *modelProvider) EstimateCost(inputTokens, outputTokens int) float64 {
	return EstimateCost(inputTokens, outputTokens, p.cfg.InputPricePerMTok, p.cfg.OutputPricePerMTok)
}

// call renders the prompt pair and completes it, retrying transient failures.
func (p *modelProvider) call(ctx context.Context, op string, tmpl *template.Template, data PromptData) (chatResponse, error) {
	req, err := p.request(tmpl, data)
	if err != nil {
		return chatResponse{}, err
	}

	var (
		attempt int
		lastErr error
	)

	resp, err := backoff.Retry(ctx, func() (chatResponse, error) {
		attempt++
		start := time.Now()

		resp, callErr := p.backend.complete(ctx, req)
		if callErr != nil {
			lastErr = callErr

			return chatResponse{}, retryDecision(callErr)
		}

		resp.Usage.Cost = p.EstimateCost(resp.Usage.InputTokens, resp.Usage.OutputTokens)
		p.logger.DebugContext(ctx, "model call",
			"op", op,
			"attempt", attempt,
			"input_tokens", resp.Usage.InputTokens,
			"output_tokens", resp.Usage.OutputTokens,
			"duration", time.Since(start))

		return resp, nil
	},
		backoff.WithBackOff(newBackOff(p.cfg.RetryBackoff)),
		backoff.WithMaxTries(uint(max(p.cfg.MaxRetries, 0))+1),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(_ error, delay time.Duration) {
			p.logger.WarnContext(ctx, "model call failed, retrying",
				"op", op, "attempt", attempt, "delay", delay, "error", lastErr)
		}),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return chatResponse{}, ctxErr
		}

		return chatResponse{}, fmt.Errorf("%s %s: %w", p.name, op, lastErr)
	}

	return resp, nil
}

func (p *modelProvider) request(tmpl *template.Template, data PromptData) (chatRequest, error) {
	system, err := render(p.tmpl.system, data)
	if err != nil {
		return chatRequest{}, err
	}

	user, err := render(tmpl, data)
	if err != nil {
		return chatRequest{}, err
	}

	return chatRequest{
		System:      strings.TrimSpace(system),
		User:        user,
		MaxTokens:   p.cfg.MaxOutputTokens,
		Temperature: p.cfg.Temperature,
	}, nil
}
