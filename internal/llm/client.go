package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Message is one chat turn sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatChoice struct {
	Index        int     `json:"index"`
	FinishReason string  `json:"finish_reason"`
	Message      Message `json:"message"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
}

// Client talks to an OpenAI-compatible chat completions endpoint. Transient
// failures are retried with exponential backoff; a circuit breaker makes a
// dead vendor fail fast so classification fallbacks kick in without waiting
// out full timeouts on every utterance.
type Client struct {
	HTTPClient *http.Client

	baseURL string
	apiKey  string
	model   string
	breaker *gobreaker.CircuitBreaker
	log     *zap.Logger
}

// New constructs a Client for the given endpoint and model.
func New(baseURL, apiKey, model string, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		log:        log,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "llm",
			Timeout: 20 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 4
			},
		}),
	}
}

// Complete returns the model's text answer for the given conversation.
func (c *Client) Complete(ctx context.Context, messages []Message) (string, error) {
	return c.complete(ctx, messages, nil)
}

// CompleteJSON requests a structured json_object answer and unmarshals it
// into out. Code fences around the payload are tolerated.
func (c *Client) CompleteJSON(ctx context.Context, messages []Message, out any) error {
	raw, err := c.complete(ctx, messages, &responseFormat{Type: "json_object"})
	if err != nil {
		return err
	}
	raw = stripFences(raw)
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("llm: parse structured answer: %w", err)
	}
	return nil
}

func (c *Client) complete(ctx context.Context, messages []Message, format *responseFormat) (string, error) {
	if c.apiKey == "" {
		return "", fmt.Errorf("llm: api key missing")
	}

	var answer string
	attempt := func() error {
		res, err := c.breaker.Execute(func() (any, error) {
			return c.doRequest(ctx, messages, format)
		})
		if err != nil {
			if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
				return backoff.Permanent(err)
			}
			return err
		}
		answer = res.(string)
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		return "", err
	}
	return answer, nil
}

func (c *Client) doRequest(ctx context.Context, messages []Message, format *responseFormat) (string, error) {
	body, _ := json.Marshal(chatRequest{Model: c.model, Messages: messages, ResponseFormat: format})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		err := fmt.Errorf("llm: status=%d body=%s", resp.StatusCode, string(b))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return "", backoff.Permanent(err)
		}
		return "", err
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", fmt.Errorf("llm: decode response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return "", fmt.Errorf("llm: empty choices")
	}
	return strings.TrimSpace(cr.Choices[0].Message.Content), nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}
