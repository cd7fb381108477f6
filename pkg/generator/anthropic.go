package generator

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// Anthropic Messages API defaults.
const (
	anthropicBaseURL = "https://api.anthropic.com"
	anthropicModel   = "claude-3-5-sonnet-latest"
	anthropicVersion = "2023-06-01"
)

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature float64            `json:"temperature"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// anthropic talks to the Anthropic Messages API.
type anthropic struct {
	http    httpJSON
	baseURL string
	model   string
}

func newAnthropic(cfg Config, creds Credentials, client *http.Client) (*anthropic, error) {
	key := creds.KeyFor(ProviderAnthropic)
	if key == "" {
		return nil, fmt.Errorf("%s: %w", ProviderAnthropic, ErrMissingAPIKey)
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = anthropicBaseURL
	}

	model := cfg.Model
	if model == "" {
		model = anthropicModel
	}

	return &anthropic{
		http: httpJSON{
			provider: ProviderAnthropic,
			client:   client,
			headers: map[string]string{
				"x-api-key":         key,
				"anthropic-version": anthropicVersion,
			},
		},
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
	}, nil
}

func (c *anthropic) complete(ctx context.Context, req chatRequest) (chatResponse, error) {
	body := anthropicRequest{
		Model:       c.model,
		MaxTokens:   req.MaxTokens,
		System:      req.System,
		Messages:    []anthropicMessage{{Role: "user", Content: req.User}},
		Temperature: req.Temperature,
	}

	var resp anthropicResponse

	err := c.http.do(ctx, http.MethodPost, c.baseURL+"/v1/messages", body, &resp)
	if err != nil {
		return chatResponse{}, err
	}

	var sb strings.Builder

	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	if strings.TrimSpace(sb.String()) == "" {
		return chatResponse{}, fmt.Errorf("%s: %w", ProviderAnthropic, ErrEmptyResponse)
	}

	return chatResponse{
		Text: sb.String(),
		Usage: Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}, nil
}

func (c *anthropic) ping(ctx context.Context) error {
	return c.http.do(ctx, http.MethodGet, c.baseURL+"/v1/models", nil, nil)
}
