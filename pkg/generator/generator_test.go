package generator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/archgen/pkg/item"
)

const modelReply = "<summary>The gateway routes requests to the store.</summary>\n\n" +
	"```mermaid\nflowchart TD\n    gw[Gateway] --> store[(Store)]\n```\n"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testItems() []item.Item {
	return []item.Item{
		{Path: "cmd/main.go", Type: "go", Content: "package main", Weight: 3},
		{Path: "internal/store.go", Type: "go", Content: "package store", Weight: 4},
	}
}

func openAIServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request, req openAIRequest)) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openAIRequest
		if r.Body != nil && r.Method == http.MethodPost {
			_ = json.NewDecoder(r.Body).Decode(&req)
		}

		handler(w, r, req)
	}))
	t.Cleanup(srv.Close)

	return srv
}

func writeOpenAIReply(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": content}}},
		"usage":   map[string]int{"prompt_tokens": 120, "completion_tokens": 30},
	})
}

func TestNew_UnknownProvider(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Provider: "carrier-pigeon"}, Credentials{}, nil)
	require.ErrorIs(t, err, ErrUnknownProvider)
}

func TestNew_MissingAPIKey(t *testing.T) {
	t.Parallel()

	for _, name := range []string{ProviderOpenAI, ProviderOpenRouter, ProviderAnthropic} {
		_, err := New(Config{Provider: name}, Credentials{}, nil)
		require.ErrorIs(t, err, ErrMissingAPIKey, name)
	}
}

func TestNew_OllamaNeedsNoKey(t *testing.T) {
	t.Parallel()

	p, err := New(Config{Provider: ProviderOllama}, Credentials{}, nil)
	require.NoError(t, err)
	assert.Equal(t, ProviderOllama, p.Name())
}

func TestNew_Scripted(t *testing.T) {
	t.Parallel()

	p, err := New(Config{Provider: "Scripted"}, Credentials{}, nil)
	require.NoError(t, err)
	assert.IsType(t, &Scripted{}, p)

	priced, err := New(Config{Provider: ProviderScripted, InputPricePerMTok: 2, OutputPricePerMTok: 10}, Credentials{}, nil)
	require.NoError(t, err)
	assert.InDelta(t, 12.0, priced.EstimateCost(1_000_000, 1_000_000), 1e-9)
	assert.Zero(t, NewScripted().EstimateCost(1_000_000, 1_000_000))
}

func TestNew_BadPromptTemplate(t *testing.T) {
	t.Parallel()

	cfg := Config{Provider: ProviderScripted, Prompts: Prompts{Bucket: "{{.Missing"}}
	_, err := New(cfg, Credentials{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse bucket prompt")
}

func TestOpenAI_ProcessBucket(t *testing.T) {
	t.Parallel()

	var got openAIRequest

	srv := openAIServer(t, func(w http.ResponseWriter, r *http.Request, req openAIRequest) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		got = req

		writeOpenAIReply(w, modelReply)
	})

	p, err := New(Config{
		Provider:           ProviderOpenAI,
		BaseURL:            srv.URL + "/",
		Model:              "gpt-test",
		InputPricePerMTok:  1,
		OutputPricePerMTok: 2,
		Logger:             quietLogger(),
	}, Credentials{OpenAIKey: "sk-test"}, srv.Client())
	require.NoError(t, err)

	res, err := p.ProcessBucket(context.Background(), testItems(), "prior summary", "flowchart TD\n    a --> b\n")
	require.NoError(t, err)

	assert.Equal(t, "The gateway routes requests to the store.", res.Summary)
	assert.Equal(t, "flowchart TD\n    gw[Gateway] --> store[(Store)]\n", res.Fragment)
	assert.Equal(t, 120, res.Usage.InputTokens)
	assert.Equal(t, 30, res.Usage.OutputTokens)
	assert.InDelta(t, 120.0/1e6+60.0/1e6, res.Usage.Cost, 1e-12)

	assert.Equal(t, "gpt-test", got.Model)
	assert.Equal(t, DefaultMaxOutputTokens, got.MaxTokens)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Contains(t, got.Messages[0].Content, "Mermaid flowchart diagram")
	assert.Contains(t, got.Messages[1].Content, "prior summary")
	assert.Contains(t, got.Messages[1].Content, "### cmd/main.go (go)")
	assert.Contains(t, got.Messages[1].Content, "package store")
	assert.Contains(t, got.Messages[1].Content, "```mermaid\nflowchart TD\n    a --> b\n```")
}

func TestOpenAI_RetriesTransientFailures(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	srv := openAIServer(t, func(w http.ResponseWriter, _ *http.Request, _ openAIRequest) {
		if calls.Add(1) < 3 {
			http.Error(w, `{"error":"overloaded"}`, http.StatusServiceUnavailable)

			return
		}

		writeOpenAIReply(w, modelReply)
	})

	p, err := New(Config{
		Provider:     ProviderOpenAI,
		BaseURL:      srv.URL,
		RetryBackoff: time.Millisecond,
		MaxRetries:   3,
		Logger:       quietLogger(),
	}, Credentials{OpenAIKey: "k"}, srv.Client())
	require.NoError(t, err)

	_, err = p.ProcessBucket(context.Background(), testItems(), "", "")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestOpenAI_DoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	srv := openAIServer(t, func(w http.ResponseWriter, _ *http.Request, _ openAIRequest) {
		calls.Add(1)
		http.Error(w, "bad request", http.StatusBadRequest)
	})

	p, err := New(Config{
		Provider:     ProviderOpenAI,
		BaseURL:      srv.URL,
		RetryBackoff: time.Millisecond,
		Logger:       quietLogger(),
	}, Credentials{OpenAIKey: "k"}, srv.Client())
	require.NoError(t, err)

	_, err = p.ProcessBucket(context.Background(), testItems(), "", "")
	require.Error(t, err)

	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, http.StatusBadRequest, upstream.Status)
	assert.Equal(t, "bad request", upstream.Message)
	assert.Equal(t, int32(1), calls.Load())
}

func TestOpenAI_GivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	srv := openAIServer(t, func(w http.ResponseWriter, _ *http.Request, _ openAIRequest) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	})

	p, err := New(Config{
		Provider:     ProviderOpenAI,
		BaseURL:      srv.URL,
		RetryBackoff: time.Millisecond,
		MaxRetries:   2,
		Logger:       quietLogger(),
	}, Credentials{OpenAIKey: "k"}, srv.Client())
	require.NoError(t, err)

	_, err = p.MergeOrRepair(context.Background(), "", []string{"flowchart TD\n a\n"})

	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, http.StatusTooManyRequests, upstream.Status)
	assert.Equal(t, int32(3), calls.Load())
}

func TestOpenAI_EmptyResponse(t *testing.T) {
	t.Parallel()

	srv := openAIServer(t, func(w http.ResponseWriter, _ *http.Request, _ openAIRequest) {
		writeOpenAIReply(w, "   ")
	})

	p, err := New(Config{Provider: ProviderOpenAI, BaseURL: srv.URL, Logger: quietLogger()},
		Credentials{OpenAIKey: "k"}, srv.Client())
	require.NoError(t, err)

	_, err = p.ProcessBucket(context.Background(), testItems(), "", "")
	require.ErrorIs(t, err, ErrEmptyResponse)
}

func TestOpenAI_MergeWithoutDiagram(t *testing.T) {
	t.Parallel()

	srv := openAIServer(t, func(w http.ResponseWriter, _ *http.Request, _ openAIRequest) {
		writeOpenAIReply(w, "I could not merge these.")
	})

	p, err := New(Config{Provider: ProviderOpenAI, BaseURL: srv.URL, Logger: quietLogger()},
		Credentials{OpenAIKey: "k"}, srv.Client())
	require.NoError(t, err)

	_, err = p.MergeOrRepair(context.Background(), "flowchart TD\n", []string{"flowchart TD\n a\n"})
	require.ErrorIs(t, err, ErrNoDiagram)
}

func TestOpenAI_GenerateSummary(t *testing.T) {
	t.Parallel()

	var got openAIRequest

	srv := openAIServer(t, func(w http.ResponseWriter, _ *http.Request, req openAIRequest) {
		got = req

		writeOpenAIReply(w, "<summary>The store persists orders.</summary>")
	})

	p, err := New(Config{Provider: ProviderOpenAI, BaseURL: srv.URL, Logger: quietLogger()},
		Credentials{OpenAIKey: "k"}, srv.Client())
	require.NoError(t, err)

	summary, usage, err := p.GenerateSummary(context.Background(), testItems(), "The gateway exists.")
	require.NoError(t, err)
	assert.Equal(t, "The store persists orders.", summary)
	assert.Equal(t, 120, usage.InputTokens)

	require.Len(t, got.Messages, 2)
	assert.Contains(t, got.Messages[1].Content, "Architecture understood so far:\nThe gateway exists.")
	assert.Contains(t, got.Messages[1].Content, "Extend the description with what the following 2 file(s) reveal.")
	assert.Contains(t, got.Messages[1].Content, "### internal/store.go (go)")
	assert.Contains(t, got.Messages[1].Content, "Reply with a <summary></summary> element only.")
	assert.NotContains(t, got.Messages[1].Content, "mermaid")
}

func TestOpenAI_GenerateSummaryEmpty(t *testing.T) {
	t.Parallel()

	srv := openAIServer(t, func(w http.ResponseWriter, _ *http.Request, _ openAIRequest) {
		writeOpenAIReply(w, "  ")
	})

	p, err := New(Config{Provider: ProviderOpenAI, BaseURL: srv.URL, Logger: quietLogger()},
		Credentials{OpenAIKey: "k"}, srv.Client())
	require.NoError(t, err)

	_, usage, err := p.GenerateSummary(context.Background(), testItems(), "")
	require.ErrorIs(t, err, ErrEmptyResponse)
	assert.Equal(t, 30, usage.OutputTokens)
}

func TestOpenAI_GenerateDiagram(t *testing.T) {
	t.Parallel()

	var got openAIRequest

	srv := openAIServer(t, func(w http.ResponseWriter, _ *http.Request, req openAIRequest) {
		got = req

		writeOpenAIReply(w, modelReply)
	})

	p, err := New(Config{Provider: ProviderOpenAI, BaseURL: srv.URL, DiagramKind: "flowchart", Logger: quietLogger()},
		Credentials{OpenAIKey: "k"}, srv.Client())
	require.NoError(t, err)

	fragment, _, err := p.GenerateDiagram(context.Background(), testItems(), "A gateway and a store.", "flowchart TD\n    a --> b\n")
	require.NoError(t, err)
	assert.Equal(t, "flowchart TD\n    gw[Gateway] --> store[(Store)]\n", fragment)

	require.Len(t, got.Messages, 2)
	assert.Contains(t, got.Messages[1].Content, "System description:\nA gateway and a store.")
	assert.Contains(t, got.Messages[1].Content, "```mermaid\nflowchart TD\n    a --> b\n```")
	assert.Contains(t, got.Messages[1].Content, "Draw the components of the following 2 file(s).")
	assert.Contains(t, got.Messages[1].Content, "holding a flowchart diagram.")
}

func TestOpenAI_GenerateDiagramWithoutDiagram(t *testing.T) {
	t.Parallel()

	srv := openAIServer(t, func(w http.ResponseWriter, _ *http.Request, _ openAIRequest) {
		writeOpenAIReply(w, "I could not draw these.")
	})

	p, err := New(Config{Provider: ProviderOpenAI, BaseURL: srv.URL, Logger: quietLogger()},
		Credentials{OpenAIKey: "k"}, srv.Client())
	require.NoError(t, err)

	_, usage, err := p.GenerateDiagram(context.Background(), testItems(), "", "")
	require.ErrorIs(t, err, ErrNoDiagram)
	assert.Equal(t, 120, usage.InputTokens)
}

func TestOpenAI_ValidateConnection(t *testing.T) {
	t.Parallel()

	srv := openAIServer(t, func(w http.ResponseWriter, r *http.Request, _ openAIRequest) {
		if r.URL.Path != "/models" || r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)

			return
		}

		_, _ = io.WriteString(w, `{"data":[]}`)
	})

	good, err := New(Config{Provider: ProviderOpenAI, BaseURL: srv.URL}, Credentials{OpenAIKey: "good"}, srv.Client())
	require.NoError(t, err)
	require.NoError(t, good.ValidateConnection(context.Background()))

	bad, err := New(Config{Provider: ProviderOpenAI, BaseURL: srv.URL}, Credentials{OpenAIKey: "bad"}, srv.Client())
	require.NoError(t, err)

	err = bad.ValidateConnection(context.Background())

	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, http.StatusUnauthorized, upstream.Status)
}

func TestOpenAI_CanceledContext(t *testing.T) {
	t.Parallel()

	srv := openAIServer(t, func(w http.ResponseWriter, _ *http.Request, _ openAIRequest) {
		writeOpenAIReply(w, modelReply)
	})

	p, err := New(Config{Provider: ProviderOpenAI, BaseURL: srv.URL, Logger: quietLogger()},
		Credentials{OpenAIKey: "k"}, srv.Client())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = p.ProcessBucket(ctx, testItems(), "", "")
	require.ErrorIs(t, err, context.Canceled)
}

func TestAnthropic_ProcessBucket(t *testing.T) {
	t.Parallel()

	var got anthropicRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "ak-test", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]string{
				{"type": "text", "text": modelReply},
			},
			"usage": map[string]int{"input_tokens": 99, "output_tokens": 11},
		})
	}))
	t.Cleanup(srv.Close)

	p, err := New(Config{Provider: ProviderAnthropic, BaseURL: srv.URL, Logger: quietLogger()},
		Credentials{AnthropicKey: "ak-test"}, srv.Client())
	require.NoError(t, err)

	res, err := p.ProcessBucket(context.Background(), testItems(), "", "")
	require.NoError(t, err)

	assert.Equal(t, "The gateway routes requests to the store.", res.Summary)
	assert.Equal(t, 99, res.Usage.InputTokens)
	assert.Equal(t, 11, res.Usage.OutputTokens)
	assert.Equal(t, anthropicModel, got.Model)
	assert.Contains(t, got.System, "senior software architect")
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "user", got.Messages[0].Role)
}

func TestScripted_Deterministic(t *testing.T) {
	t.Parallel()

	s := NewScripted()

	first, err := s.ProcessBucket(context.Background(), testItems(), "", "")
	require.NoError(t, err)

	second, err := s.ProcessBucket(context.Background(), testItems(), "anything", "else")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 2, s.Calls())
	assert.Equal(t, "2 file(s): cmd/main.go, internal/store.go", first.Summary)
	assert.Equal(t, "flowchart TD\n"+
		"    n_cmd_main_go[\"cmd/main.go\"]\n"+
		"    n_internal_store_go[\"internal/store.go\"]\n"+
		"    n_cmd_main_go --> n_internal_store_go\n", first.Fragment)
	assert.Equal(t, 7, first.Usage.InputTokens)
}

func TestScripted_FailuresAndMerge(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	s := &Scripted{FailOn: map[int]error{1: boom}}

	_, err := s.ProcessBucket(context.Background(), testItems(), "", "")
	require.NoError(t, err)

	_, err = s.ProcessBucket(context.Background(), testItems(), "", "")
	require.ErrorIs(t, err, boom)

	merged, err := s.MergeOrRepair(context.Background(), "flowchart TD\n    a --> b\n",
		[]string{"flowchart TD\n    b --> c\n", "flowchart TD\n    a --> b\n"})
	require.NoError(t, err)
	assert.Equal(t, "flowchart TD\n    a --> b\n    b --> c\n", merged)

	s.MergeErr = boom
	_, err = s.MergeOrRepair(context.Background(), "", nil)
	require.ErrorIs(t, err, boom)
}

func TestScripted_GenerateSummaryAndDiagram(t *testing.T) {
	t.Parallel()

	s := NewScripted()
	items := testItems()

	summary, usage, err := s.GenerateSummary(context.Background(), items, "")
	require.NoError(t, err)
	assert.Equal(t, "2 file(s): cmd/main.go, internal/store.go", summary)
	assert.Equal(t, 7, usage.InputTokens)

	extended, _, err := s.GenerateSummary(context.Background(), items[:1], summary)
	require.NoError(t, err)
	assert.Equal(t, summary+"\n\n1 file(s): cmd/main.go", extended)

	prior := "flowchart TD\n    x --> y\n"
	fragment, _, err := s.GenerateDiagram(context.Background(), items, summary, prior)
	require.NoError(t, err)
	assert.Contains(t, fragment, "x --> y")
	assert.Contains(t, fragment, "n_cmd_main_go --> n_internal_store_go")
	assert.Zero(t, s.Calls())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err = s.GenerateSummary(ctx, items, "")
	require.ErrorIs(t, err, context.Canceled)
	_, _, err = s.GenerateDiagram(ctx, items, "", "")
	require.ErrorIs(t, err, context.Canceled)
}

func TestNodeID(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "n_pkg_a_b_go", NodeID("pkg/a-b.go"))
	assert.Equal(t, "n_", NodeID(""))
}

func TestCredentials_KeyFor(t *testing.T) {
	t.Parallel()

	c := Credentials{OpenAIKey: "o", AnthropicKey: "a", OpenRouterKey: "r"}
	assert.Equal(t, "o", c.KeyFor(ProviderOpenAI))
	assert.Equal(t, "a", c.KeyFor(ProviderAnthropic))
	assert.Equal(t, "r", c.KeyFor(ProviderOpenRouter))
	assert.Empty(t, c.KeyFor(ProviderOllama))

	c.Override = "x"
	assert.Equal(t, "x", c.KeyFor(ProviderAnthropic))
}

func TestLoadCredentials(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "from-env")
	t.Setenv("ANTHROPIC_API_KEY", "")

	creds, err := LoadCredentials(t.TempDir() + "/missing.env")
	require.NoError(t, err)
	assert.Equal(t, "from-env", creds.OpenAIKey)
	assert.Empty(t, creds.AnthropicKey)
}

func TestNewBackOff(t *testing.T) {
	t.Parallel()

	b := newBackOff(100 * time.Millisecond)
	assert.Equal(t, 100*time.Millisecond, b.InitialInterval)
	assert.Equal(t, maxBackoff, b.MaxInterval)

	for range 30 {
		assert.LessOrEqual(t, b.NextBackOff(), maxBackoff+maxBackoff/2)
	}
}

func TestRetryDecision(t *testing.T) {
	t.Parallel()

	var permanent *backoff.PermanentError
	require.ErrorAs(t, retryDecision(&UpstreamError{Status: http.StatusBadRequest}), &permanent)
	require.ErrorAs(t, retryDecision(context.Canceled), &permanent)

	var hint *backoff.RetryAfterError
	require.ErrorAs(t, retryDecision(&UpstreamError{Status: 429, RetryAfter: 2 * time.Second}), &hint)
	assert.Equal(t, 2*time.Second, hint.Duration)

	require.ErrorAs(t, retryDecision(&UpstreamError{Status: 429, RetryAfter: time.Hour}), &hint)
	assert.Equal(t, maxBackoff, hint.Duration)

	transient := &UpstreamError{Status: http.StatusBadGateway}
	assert.Same(t, transient, retryDecision(transient))
}

func TestOpenAI_HonorsRetryAfter(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	srv := openAIServer(t, func(w http.ResponseWriter, _ *http.Request, _ openAIRequest) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)

			return
		}

		writeOpenAIReply(w, modelReply)
	})

	p, err := New(Config{
		Provider:     ProviderOpenAI,
		BaseURL:      srv.URL,
		RetryBackoff: time.Millisecond,
		MaxRetries:   1,
		Logger:       quietLogger(),
	}, Credentials{OpenAIKey: "k"}, srv.Client())
	require.NoError(t, err)

	start := time.Now()
	_, err = p.ProcessBucket(context.Background(), testItems(), "", "")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRetryable(t *testing.T) {
	t.Parallel()

	assert.False(t, retryable(nil))
	assert.False(t, retryable(context.Canceled))
	assert.False(t, retryable(&UpstreamError{Status: http.StatusUnauthorized}))
	assert.True(t, retryable(&UpstreamError{Status: http.StatusBadGateway}))
	assert.True(t, retryable(&UpstreamError{Status: http.StatusTooManyRequests}))
	assert.False(t, retryable(errors.New("plain")))
}

func TestEstimateCost(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 3.5, EstimateCost(1_000_000, 250_000, 1.5, 8), 1e-9)
	assert.Zero(t, EstimateCost(0, 0, 1, 1))
}

func TestUsageAdd(t *testing.T) {
	t.Parallel()

	u := Usage{InputTokens: 1, OutputTokens: 2, Cost: 0.5}.Add(Usage{InputTokens: 3, OutputTokens: 4, Cost: 0.25})
	assert.Equal(t, Usage{InputTokens: 4, OutputTokens: 6, Cost: 0.75}, u)
}
