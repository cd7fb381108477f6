// Package generator talks to the generative model that turns buckets of source
// items into prose summaries and Mermaid diagram fragments.
package generator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Sumatoshi-tech/archgen/pkg/item"
)

// Provider names accepted by New.
const (
	ProviderOpenAI     = "openai"
	ProviderOpenRouter = "openrouter"
	ProviderOllama     = "ollama"
	ProviderAnthropic  = "anthropic"
	ProviderScripted   = "scripted"
)

// Default generation settings.
const (
	DefaultTimeout         = 120 * time.Second
	DefaultMaxRetries      = 3
	DefaultMaxOutputTokens = 8192
	DefaultRetryBackoff    = 500 * time.Millisecond
	DefaultDiagramKind     = "flowchart"
)

// Sentinel errors for provider construction and responses.
var (
	ErrUnknownProvider = errors.New("unknown provider")
	ErrMissingAPIKey   = errors.New("missing api key")
	ErrEmptyResponse   = errors.New("empty model response")
	ErrNoDiagram       = errors.New("model response contains no diagram")
)

// Usage is the token accounting of one or more model calls.
type Usage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// Add returns the sum of u and other.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
		Cost:         u.Cost + other.Cost,
	}
}

// Result is the output of processing one bucket.
type Result struct {
	Summary  string
	Fragment string
	Usage    Usage
}

// Provider is the capability set of a generation backend.
type Provider interface {
	// Name identifies the backend in logs and reports.
	Name() string
	// ProcessBucket summarizes items and draws their diagram fragment in one call,
	// given the summary and diagram accumulated so far.
	ProcessBucket(ctx context.Context, items []item.Item, summary, diagram string) (Result, error)
	// GenerateSummary extends priorSummary with what items reveal.
	GenerateSummary(ctx context.Context, items []item.Item, priorSummary string) (string, Usage, error)
	// GenerateDiagram draws items given the running summary and diagram.
	GenerateDiagram(ctx context.Context, items []item.Item, summary, priorDiagram string) (string, Usage, error)
	// MergeOrRepair folds fragments into existing and returns one diagram.
	MergeOrRepair(ctx context.Context, existing string, fragments []string) (string, error)
	// ValidateConnection checks credentials and reachability.
	ValidateConnection(ctx context.Context) error
	// EstimateCost prices a call with the given token counts.
	EstimateCost(inputTokens, outputTokens int) float64
}

// Config selects and tunes a provider.
type Config struct {
	Provider        string
	Model           string
	BaseURL         string
	Timeout         time.Duration
	MaxRetries      int
	RetryBackoff    time.Duration
	MaxOutputTokens int
	Temperature     float64

	// DiagramKind is the Mermaid diagram type requested from the model.
	DiagramKind string
	// Style is free-form guidance appended to the system prompt.
	Style string

	// Pricing in currency units per million tokens.
	InputPricePerMTok  float64
	OutputPricePerMTok float64

	Prompts Prompts
	Logger  *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.Provider == "" {
		c.Provider = ProviderOpenAI
	}

	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}

	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}

	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}

	if c.MaxOutputTokens <= 0 {
		c.MaxOutputTokens = DefaultMaxOutputTokens
	}

	if c.DiagramKind == "" {
		c.DiagramKind = DefaultDiagramKind
	}

	if c.Prompts.isZero() {
		c.Prompts = DefaultPrompts()
	}

	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// New builds the provider named by cfg.Provider. A nil client gets a plain
// http.Client with cfg.Timeout.
func New(cfg Config, creds Credentials, client *http.Client) (Provider, error) {
	cfg.applyDefaults()

	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	tmpl, err := cfg.Prompts.parse()
	if err != nil {
		return nil, err
	}

	name := strings.ToLower(cfg.Provider)

	switch name {
	case ProviderScripted:
		s := NewScripted()
		s.InputPricePerMTok = cfg.InputPricePerMTok
		s.OutputPricePerMTok = cfg.OutputPricePerMTok

		return s, nil
	case ProviderOpenAI, ProviderOpenRouter, ProviderOllama:
		backend, backendErr := newOpenAI(name, cfg, creds, client)
		if backendErr != nil {
			return nil, backendErr
		}

		return newModelProvider(name, cfg, tmpl, backend), nil
	case ProviderAnthropic:
		backend, backendErr := newAnthropic(cfg, creds, client)
		if backendErr != nil {
			return nil, backendErr
		}

		return newModelProvider(name, cfg, tmpl, backend), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
}

// EstimateCost prices token counts with per-million-token rates.
func EstimateCost(inputTokens, outputTokens int, inputPerMTok, outputPerMTok float64) float64 {
	const perMillion = 1_000_000

	return float64(inputTokens)/perMillion*inputPerMTok + float64(outputTokens)/perMillion*outputPerMTok
}
