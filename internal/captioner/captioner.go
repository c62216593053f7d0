// Package captioner defines the external AI captioner collaborator and an
// HTTP client for an Ollama-compatible local vision endpoint.
package captioner

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/pakfur/metascan/pkg/config"
	apperrors "github.com/pakfur/metascan/pkg/errors"
	"github.com/pakfur/metascan/pkg/resilience"
)

// Captioner produces descriptive text for a media file. Implementations must
// honour context cancellation: captioning can take minutes on local models.
type Captioner interface {
	Caption(ctx context.Context, mediaFilePath string) (string, error)
}

// supportedExtensions lists the media formats the vision endpoint accepts.
var supportedExtensions = map[string]struct{}{
	".png":  {},
	".jpg":  {},
	".jpeg": {},
	".webp": {},
	".gif":  {},
	".bmp":  {},
}

// Client calls an Ollama-style /api/generate endpoint with the media file
// attached as a base64 image. Calls are wrapped in retry, per-request
// timeout, and a circuit breaker so a wedged local model does not stall
// batch ingestion.
type Client struct {
	cfg     config.CaptionerConfig
	http    *http.Client
	breaker *resilience.CircuitBreaker
	logger  *slog.Logger
}

// NewClient creates a captioner client for the configured endpoint.
func NewClient(cfg config.CaptionerConfig) *Client {
	return &Client{
		cfg:     cfg,
		http:    &http.Client{},
		breaker: resilience.NewCircuitBreaker("captioner", resilience.CircuitBreakerConfig{}),
		logger:  slog.Default().With("component", "captioner"),
	}
}

type generateRequest struct {
	Model  string   `json:"model"`
	Prompt string   `json:"prompt"`
	Images []string `json:"images"`
	Stream bool     `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// Caption reads the media file and asks the model to describe it. It fails
// with ErrCaption on unreadable or unsupported media and on endpoint errors.
func (c *Client) Caption(ctx context.Context, mediaFilePath string) (string, error) {
	ext := strings.ToLower(filepath.Ext(mediaFilePath))
	if _, ok := supportedExtensions[ext]; !ok {
		return "", apperrors.Newf(apperrors.ErrCaption, http.StatusUnprocessableEntity,
			"unsupported media format %q", ext)
	}
	data, err := os.ReadFile(mediaFilePath)
	if err != nil {
		return "", apperrors.Newf(apperrors.ErrCaption, http.StatusUnprocessableEntity,
			"reading %s: %v", mediaFilePath, err)
	}

	payload, err := json.Marshal(generateRequest{
		Model:  c.cfg.Model,
		Prompt: c.cfg.Prompt,
		Images: []string{base64.StdEncoding.EncodeToString(data)},
		Stream: false,
	})
	if err != nil {
		return "", fmt.Errorf("encoding caption request: %w", err)
	}

	var caption string
	retryCfg := resilience.RetryConfig{MaxAttempts: c.cfg.MaxAttempts}
	err = resilience.Retry(ctx, "caption", retryCfg, func() error {
		return c.breaker.Execute(func() error {
			return resilience.WithTimeout(ctx, c.cfg.RequestTimeout, "caption request", func(ctx context.Context) error {
				text, reqErr := c.generate(ctx, payload)
				if reqErr != nil {
					return reqErr
				}
				caption = text
				return nil
			})
		})
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("caption cancelled for %s: %w", mediaFilePath, ctx.Err())
		}
		return "", apperrors.Newf(apperrors.ErrCaption, http.StatusBadGateway,
			"captioning %s: %v", mediaFilePath, err)
	}
	c.logger.Debug("caption generated", "path", mediaFilePath, "length", len(caption))
	return strings.TrimSpace(caption), nil
}

func (c *Client) generate(ctx context.Context, payload []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.cfg.BaseURL, "/")+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("captioner returned status %d: %s", resp.StatusCode, string(body))
	}
	var result generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding caption response: %w", err)
	}
	return result.Response, nil
}
