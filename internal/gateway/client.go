// Package gateway talks to an OpenAI-compatible chat-completions provider.
// It resolves provider configuration per call, builds text and vision
// requests, and classifies failures for the caller.
package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"screenlens/internal/metrics"
	"screenlens/internal/session"
)

type Config struct {
	BaseURL        string
	APIKeyFallback string
	TextModel      string
	VisionModel    string
	Secrets        SecretSource
	HTTPClient     *http.Client
	MaxRetries     int
	BackoffBase    time.Duration
	Logger         zerolog.Logger
	Metrics        *metrics.Metrics
}

type Client struct {
	cfg     Config
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func New(cfg Config) *Client {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 400 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Client{cfg: cfg, logger: cfg.Logger, metrics: m}
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageRef `json:"image_url,omitempty"`
}

type imageRef struct {
	URL string `json:"url"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
}

// AnalyzeScreen sends one screenshot (optional) plus instruction and returns
// the model's flat answer text.
func (c *Client) AnalyzeScreen(ctx context.Context, image []byte, instruction string) (string, error) {
	c.metrics.AnalyzeRequests.Inc()

	pc, err := c.resolve(ctx)
	if err != nil {
		c.metrics.AnalyzeFailures.Inc()
		return "", err
	}

	parts := []contentPart{{Type: "text", Text: analysisPrompt(instruction)}}
	model := pc.TextModel
	if len(image) > 0 {
		model = pc.VisionModel
		parts = append(parts, contentPart{
			Type:     "image_url",
			ImageURL: &imageRef{URL: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(image)},
		})
	}

	text, err := c.send(ctx, pc, chatRequest{
		Model:    model,
		Messages: []chatMessage{{Role: "user", Content: parts}},
	})
	if err != nil {
		c.metrics.AnalyzeFailures.Inc()
		return "", err
	}
	return text, nil
}

// FollowUp continues the conversation seeded by an earlier analysis. The
// full transcript is embedded into a single context message.
func (c *Client) FollowUp(ctx context.Context, initialSummary string, msgs []session.Message) (string, error) {
	c.metrics.FollowUpRequests.Inc()

	pc, err := c.resolve(ctx)
	if err != nil {
		c.metrics.FollowUpFailures.Inc()
		return "", err
	}

	text, err := c.send(ctx, pc, chatRequest{
		Model: pc.TextModel,
		Messages: []chatMessage{{
			Role:    "user",
			Content: []contentPart{{Type: "text", Text: followUpPrompt(initialSummary, msgs)}},
		}},
	})
	if err != nil {
		c.metrics.FollowUpFailures.Inc()
		return "", err
	}
	return text, nil
}

// WarmUp pre-establishes the provider connection with a cheap models-list
// call. Every failure is discarded: this must never disturb the user and is
// never retried.
func (c *Client) WarmUp(ctx context.Context) {
	pc, err := c.resolve(ctx)
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pc.ModelsEndpoint(), nil)
	if err != nil {
		return
	}
	req.Header.Set("Authorization", "Bearer "+pc.Credential)
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		c.logger.Debug().Err(err).Msg("gateway warmup failed")
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
	c.logger.Debug().Int("status", resp.StatusCode).Msg("gateway warmed up")
}

func (c *Client) send(ctx context.Context, pc ProviderConfig, payload chatRequest) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal chat payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		text, retryable, err := c.callOnce(ctx, pc, body)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !retryable || attempt == c.cfg.MaxRetries {
			break
		}
		backoff := c.cfg.BackoffBase * (1 << attempt)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}
	}
	return "", lastErr
}

func (c *Client) callOnce(ctx context.Context, pc ProviderConfig, body []byte) (text string, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, pc.ChatEndpoint(), bytes.NewReader(body))
	if err != nil {
		return "", false, configErr("build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+pc.Credential)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", false, ctx.Err()
		}
		return "", true, connectivityErr(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", false, decodeErr(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return "", retryable, serverErr(resp.StatusCode, serverMessage(respBody))
	}

	text, err = parseAnswer(respBody)
	if err != nil {
		return "", false, err
	}
	return text, false, nil
}

// serverMessage extracts the provider's error message, falling back to the
// raw body text.
func serverMessage(body []byte) string {
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && strings.TrimSpace(payload.Error.Message) != "" {
		return payload.Error.Message
	}
	return strings.TrimSpace(string(body))
}

// parseAnswer pulls the first choice's message content out of a
// chat-completions response.
func parseAnswer(body []byte) (string, error) {
	var resp struct {
		Choices []struct {
			Message struct {
				Content any `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", decodeErr(err)
	}
	if len(resp.Choices) == 0 {
		return "", emptyResponseErr()
	}
	content := anyToText(resp.Choices[0].Message.Content)
	if strings.TrimSpace(content) == "" {
		return "", emptyResponseErr()
	}
	return content, nil
}

// anyToText handles providers that return content as a plain string and
// those that return an array of typed parts.
func anyToText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				if txt, ok := m["text"].(string); ok {
					parts = append(parts, txt)
				}
			}
		}
		return strings.Join(parts, "\n")
	default:
		return ""
	}
}
