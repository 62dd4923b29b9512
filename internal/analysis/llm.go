package analysis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"compliance-auditor/internal/config"
	"compliance-auditor/internal/contextbuild"
	"compliance-auditor/internal/errs"
	"compliance-auditor/internal/model"
)

// LLMConfig configures the OpenAI-compatible chat completions client.
type LLMConfig struct {
	APIKey      string
	Model       string
	APIBaseURL  string
	MaxRetries  int
	Timeout     time.Duration
	BackoffBase float64
	MaxWait     float64
}

// LLMConfigFrom derives the client configuration, auto-detecting
// Featherless keys (rc_ prefix) the way deployments mix providers.
func LLMConfigFrom(cfg config.Config) LLMConfig {
	baseURL := cfg.LLMAPIBaseURL
	if strings.HasPrefix(cfg.LLMAPIKey, "rc_") {
		baseURL = "https://api.featherless.ai/v1"
	} else if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	return LLMConfig{
		APIKey:      cfg.LLMAPIKey,
		Model:       cfg.LLMModelCompliance,
		APIBaseURL:  baseURL,
		MaxRetries:  cfg.LLMMaxRetries,
		Timeout:     time.Duration(cfg.LLMTimeout * float64(time.Second)),
		BackoffBase: cfg.RateLimitBackoffBase,
		MaxWait:     cfg.RateLimitMaxWait,
	}
}

// apiURL appends /chat/completions unless the base already carries it.
func (c LLMConfig) apiURL() string {
	base := strings.TrimRight(c.APIBaseURL, "/")
	if strings.Contains(base, "/chat/completions") {
		return base
	}
	return base + "/chat/completions"
}

// LLMClient is the production analysis client.
type LLMClient struct {
	cfg    LLMConfig
	client *http.Client
	logger *zap.Logger
}

// NewLLMClient builds the client; the API key is required.
func NewLLMClient(cfg LLMConfig, logger *zap.Logger) (*LLMClient, error) {
	if cfg.APIKey == "" {
		return nil, errs.Validation("LLM API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 10.0
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 120.0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	ResponseFormat map[string]any `json:"response_format"`
	Messages       []chatMessage  `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Analyze runs the two-message conversation and validates the response.
// 429s honor Retry-After (clamped) or exponential backoff up to the
// retry budget; 404 is a fatal model-configuration error; other failures
// are retried once before surfacing as an AnalysisError.
func (c *LLMClient) Analyze(ctx context.Context, chunk *model.Chunk, bundle *contextbuild.Bundle) (*Analysis, error) {
	tracer := otel.Tracer("compliance-auditor/analysis")
	ctx, span := tracer.Start(ctx, "llm.analyze")
	span.SetAttributes(
		attribute.String("chunk_id", chunk.ChunkID),
		attribute.String("model", c.cfg.Model),
	)
	defer span.End()

	payload, err := sonic.Marshal(chatRequest{
		Model:          c.cfg.Model,
		ResponseFormat: map[string]any{"type": "json_object"},
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildUserPrompt(bundle)},
		},
	})
	if err != nil {
		return nil, analysisErr("failed to encode LLM request", err)
	}

	var lastErr error
	rateLimited := false
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		result, retryAfter, err := c.call(ctx, payload)
		if err == nil {
			return result, nil
		}
		lastErr = err

		var rl *rateLimitError
		switch {
		case errors.As(err, &rl):
			rateLimited = true
			if attempt < c.cfg.MaxRetries {
				wait := c.backoff(attempt, retryAfter)
				c.logger.Warn("rate limit hit, backing off",
					zap.Float64("wait_seconds", wait),
					zap.Int("attempt", attempt),
					zap.Int("max_retries", c.cfg.MaxRetries))
				if err := sleep(ctx, wait); err != nil {
					return nil, err
				}
			}
		case errs.IsAnalysis(err):
			// Non-retryable, e.g. model not found.
			return nil, err
		default:
			rateLimited = false
			c.logger.Warn("compliance LLM attempt failed",
				zap.Int("attempt", attempt),
				zap.Int("max_retries", c.cfg.MaxRetries),
				zap.Error(err))
			if attempt < c.cfg.MaxRetries {
				if err := sleep(ctx, c.backoff(attempt, 0)); err != nil {
					return nil, err
				}
			}
		}
	}

	if rateLimited {
		return nil, errs.RateLimitExhausted(lastErr)
	}
	return nil, analysisErr("unable to obtain valid analysis", lastErr)
}

type rateLimitError struct {
	body string
}

func (e *rateLimitError) Error() string { return "rate limited (429): " + e.body }

// call performs one HTTP round trip. Returns the Retry-After value in
// seconds when the response carried one.
func (c *LLMClient) call(ctx context.Context, payload []byte) (*Analysis, float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.apiURL(), bytes.NewReader(payload))
	if err != nil {
		return nil, 0, analysisErr("failed to build LLM request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, &errs.TransientError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, &errs.TransientError{Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := 0.0
		if header := resp.Header.Get("Retry-After"); header != "" {
			if seconds, err := strconv.Atoi(header); err == nil {
				retryAfter = float64(seconds)
			}
		}
		return nil, retryAfter, &rateLimitError{body: truncateBody(body)}
	case resp.StatusCode == http.StatusNotFound:
		// Almost always a wrong model name; retrying cannot help.
		c.logger.Error("LLM endpoint returned 404",
			zap.String("model", c.cfg.Model),
			zap.String("body", truncateBody(body)))
		return nil, 0, analysisErr(
			fmt.Sprintf("model %q not found at %s", c.cfg.Model, c.cfg.APIBaseURL), nil)
	case resp.StatusCode != http.StatusOK:
		return nil, 0, &errs.TransientError{
			Err: fmt.Errorf("LLM endpoint returned %d: %s", resp.StatusCode, truncateBody(body)),
		}
	}

	var parsed chatResponse
	if err := sonic.Unmarshal(body, &parsed); err != nil {
		return nil, 0, fmt.Errorf("failed to decode LLM response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, 0, fmt.Errorf("LLM response missing choices")
	}
	content := parsed.Choices[0].Message.Content
	if content == "" {
		return nil, 0, fmt.Errorf("LLM response missing message content")
	}

	result, err := ParseAnalysis(content)
	if err != nil {
		c.logger.Error("LLM returned invalid analysis structure",
			zap.String("content", truncateBody([]byte(content))),
			zap.Error(err))
		return nil, 0, err
	}
	return result, 0, nil
}

// backoff computes the wait before the next attempt: Retry-After when
// given (clamped to MaxWait), else base * 2^(attempt-1) capped at
// MaxWait.
func (c *LLMClient) backoff(attempt int, retryAfter float64) float64 {
	if retryAfter > 0 {
		return math.Min(retryAfter, c.cfg.MaxWait)
	}
	return math.Min(c.cfg.BackoffBase*math.Pow(2, float64(attempt-1)), c.cfg.MaxWait)
}

func sleep(ctx context.Context, seconds float64) error {
	timer := time.NewTimer(time.Duration(seconds * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func truncateBody(body []byte) string {
	s := string(body)
	if len(s) > 500 {
		return s[:500]
	}
	return s
}
