package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// maxErrorBody caps how much of an error response body is kept.
const maxErrorBody = 4 << 10

// UpstreamError is a non-2xx response from a model API.
type UpstreamError struct {
	Provider   string
	Status     int
	Message    string
	RetryAfter time.Duration
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s upstream %d: %s", e.Provider, e.Status, e.Message)
}

// Retryable reports whether the request may succeed when repeated.
func (e *UpstreamError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests ||
		e.Status == http.StatusRequestTimeout ||
		e.Status >= http.StatusInternalServerError
}

// chatRequest is a provider-neutral single-turn completion request.
type chatRequest struct {
	System      string
	User        string
	MaxTokens   int
	Temperature float64
}

// chatResponse is the text and token usage of a completion.
type chatResponse struct {
	Text  string
	Usage Usage
}

// backend is one model API.
type backend interface {
	complete(ctx context.Context, req chatRequest) (chatResponse, error)
	ping(ctx context.Context) error
}

// httpJSON performs one JSON request. A nil body sends no payload and a nil out
// discards the response.
type httpJSON struct {
	provider string
	client   *http.Client
	headers  map[string]string
}

func (h *httpJSON) do(ctx context.Context, method, url string, body, out any) error {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	for k, v := range h.headers {
		if k != "" && v != "" {
			req.Header.Set(k, v)
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		return fmt.Errorf("%s request: %w", h.provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

		return &UpstreamError{
			Provider:   h.provider,
			Status:     resp.StatusCode,
			Message:    strings.TrimSpace(string(slurp)),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)

		return nil
	}

	decodeErr := json.NewDecoder(resp.Body).Decode(out)
	if decodeErr != nil {
		return fmt.Errorf("%s decode response: %w", h.provider, decodeErr)
	}

	return nil
}

func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}

	return time.Duration(secs) * time.Second
}

// retryable reports whether err is worth another attempt.
func retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		return upstream.Retryable()
	}

	var netErr net.Error

	return errors.As(err, &netErr)
}

// maxBackoff caps the delay between attempts.
const maxBackoff = 30 * time.Second

// backoffMultiplier grows the delay between consecutive attempts.
const backoffMultiplier = 2

// newBackOff returns the exponential schedule starting at base.
func newBackOff(base time.Duration) *backoff.ExponentialBackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoffMultiplier,
		MaxInterval:         maxBackoff,
	}
}

// retryDecision maps a failed attempt to the error backoff.Retry expects.
// A server Retry-After hint overrides the computed delay.
func retryDecision(err error) error {
	if !retryable(err) {
		return backoff.Permanent(err)
	}

	var upstream *UpstreamError
	if errors.As(err, &upstream) && upstream.RetryAfter > 0 {
		return &backoff.RetryAfterError{Duration: min(upstream.RetryAfter, maxBackoff)}
	}

	return err
}
