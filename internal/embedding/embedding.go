// Package embedding generates query-side embeddings through an
// OpenAI-compatible /embeddings endpoint, with a SHA256-keyed file cache
// under DATA_ROOT/cache/embeddings.
package embedding

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"compliance-auditor/internal/errs"
)

// Client produces an embedding vector for a text.
type Client interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// HTTPClient calls an OpenAI-compatible embeddings endpoint.
type HTTPClient struct {
	baseURL  string
	apiKey   string
	model    string
	cacheDir string
	client   *http.Client
}

// NewHTTPClient builds a client. cacheDir may be empty to disable the
// file cache.
func NewHTTPClient(baseURL, apiKey, model, cacheDir string) *HTTPClient {
	return &HTTPClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		model:    model,
		cacheDir: cacheDir,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns the embedding for text, consulting the cache first.
func (c *HTTPClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, errs.Validation("cannot embed empty text")
	}

	cachePath := c.cachePath(text)
	if cachePath != "" {
		if cached, err := os.ReadFile(cachePath); err == nil {
			var vector []float32
			if err := sonic.Unmarshal(cached, &vector); err == nil && len(vector) > 0 {
				return vector, nil
			}
		}
	}

	body, err := sonic.Marshal(embedRequest{Model: c.model, Input: []string{text}})
	if err != nil {
		return nil, fmt.Errorf("failed to encode embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build embedding request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &errs.TransientError{Err: fmt.Errorf("embedding request failed: %w", err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &errs.TransientError{Err: fmt.Errorf("failed to read embedding response: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding endpoint returned %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var parsed embedResponse
	if err := sonic.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode embedding response: %w", err)
	}
	if len(parsed.Data) == 0 || len(parsed.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("embedding response contained no vectors")
	}

	vector := parsed.Data[0].Embedding
	if cachePath != "" {
		if encoded, err := sonic.Marshal(vector); err == nil {
			_ = os.MkdirAll(filepath.Dir(cachePath), 0o755)
			_ = os.WriteFile(cachePath, encoded, 0o644)
		}
	}
	return vector, nil
}

func (c *HTTPClient) cachePath(text string) string {
	if c.cacheDir == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(c.model + "\x00" + text))
	return filepath.Join(c.cacheDir, hex.EncodeToString(sum[:])+".json")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
