package notequality

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"livenote/internal/metrics"
	"livenote/internal/ports"
)

// Config contains note-quality client configuration.
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

// Client implements ports.NoteQualityService over the make-objective and shorten endpoints.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("note-quality base URL cannot be empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")

	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type textRequest struct {
	Text string `json:"text"`
}

type objectiveResponse struct {
	ObjectiveText string          `json:"objectiveText"`
	Issues        []issueResponse `json:"issues"`
}

type shortenResponse struct {
	ShortenedText string `json:"shortenedText"`
}

// issueResponse accepts either a bare string or an object with a message.
type issueResponse struct {
	Message string
}

func (i *issueResponse) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		i.Message = text
		return nil
	}
	var object struct {
		Message     string `json:"message"`
		Description string `json:"description"`
		Type        string `json:"type"`
	}
	if err := json.Unmarshal(data, &object); err != nil {
		return err
	}
	switch {
	case object.Message != "":
		i.Message = object.Message
	case object.Description != "":
		i.Message = object.Description
	default:
		i.Message = object.Type
	}
	return nil
}

// Normalize rewrites text into a more objective clinical register.
func (c *Client) Normalize(ctx context.Context, text string) (ports.NormalizeResult, error) {
	var response objectiveResponse
	if err := c.post(ctx, "normalize", "/make-objective", text, &response); err != nil {
		return ports.NormalizeResult{}, err
	}
	if strings.TrimSpace(response.ObjectiveText) == "" {
		return ports.NormalizeResult{}, errors.New("make-objective returned empty text")
	}

	result := ports.NormalizeResult{Text: response.ObjectiveText}
	for _, issue := range response.Issues {
		if message := strings.TrimSpace(issue.Message); message != "" {
			result.Issues = append(result.Issues, message)
		}
	}
	return result, nil
}

// Condense shortens text.
func (c *Client) Condense(ctx context.Context, text string) (string, error) {
	var response shortenResponse
	if err := c.post(ctx, "condense", "/shorten", text, &response); err != nil {
		return "", err
	}
	if strings.TrimSpace(response.ShortenedText) == "" {
		return "", errors.New("shorten returned empty text")
	}
	return response.ShortenedText, nil
}

func (c *Client) post(ctx context.Context, operation, path, text string, out any) error {
	body, err := json.Marshal(textRequest{Text: text})
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", operation, err)
	}

	started := time.Now()
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.cfg.RetryDelay), uint64(c.cfg.MaxRetries)),
		ctx,
	)
	err = backoff.RetryNotify(func() error {
		return c.do(ctx, path, body, out)
	}, policy, func(err error, wait time.Duration) {
		c.logger.Warn("note-quality request failed, retrying", "operation", operation, "error", err, "retry_in", wait)
	})

	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	c.metrics.RecordQualityRequest(operation, outcome, time.Since(started).Seconds())
	if err != nil {
		return fmt.Errorf("%s request failed: %w", operation, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		statusErr := fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(statusErr)
		}
		return statusErr
	}

	if err := json.Unmarshal(payload, out); err != nil {
		return backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}
