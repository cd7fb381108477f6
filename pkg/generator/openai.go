package generator

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// Defaults for OpenAI-compatible endpoints, keyed by provider name.
var openAIDefaults = map[string]struct {
	baseURL string
	model   string
	keyless bool
}{
	ProviderOpenAI:     {baseURL: "https://api.openai.com/v1", model: "gpt-4.1-mini"},
	ProviderOpenRouter: {baseURL: "https://openrouter.ai/api/v1", model: "openai/gpt-4.1-mini"},
	ProviderOllama:     {baseURL: "http://localhost:11434/v1", model: "llama3.1", keyless: true},
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// openAI talks to /chat/completions of OpenAI and compatible services.
type openAI struct {
	http    httpJSON
	baseURL string
	model   string
}

func newOpenAI(name string, cfg Config, creds Credentials, client *http.Client) (*openAI, error) {
	def := openAIDefaults[name]

	key := creds.KeyFor(name)
	if key == "" && !def.keyless {
		return nil, fmt.Errorf("%s: %w", name, ErrMissingAPIKey)
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = def.baseURL
	}

	model := cfg.Model
	if model == "" {
		model = def.model
	}

	headers := map[string]string{}
	if key != "" {
		headers["Authorization"] = "Bearer " + key
	}

	return &openAI{
		http:    httpJSON{provider: name, client: client, headers: headers},
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
	}, nil
}

func (c *openAI) complete(ctx context.Context, req chatRequest) (chatResponse, error) {
	body := openAIRequest{
		Model:       c.model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	if req.System != "" {
		body.Messages = append(body.Messages, openAIMessage{Role: "system", Content: req.System})
	}

	body.Messages = append(body.Messages, openAIMessage{Role: "user", Content: req.User})

	var resp openAIResponse

	err := c.http.do(ctx, http.MethodPost, c.baseURL+"/chat/completions", body, &resp)
	if err != nil {
		return chatResponse{}, err
	}

	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return chatResponse{}, fmt.Errorf("%s: %w", c.http.provider, ErrEmptyResponse)
	}

	return chatResponse{
		Text: resp.Choices[0].Message.Content,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

func (c *openAI) ping(ctx context.Context) error {
	return c.http.do(ctx, http.MethodGet, c.baseURL+"/models", nil, nil)
}
