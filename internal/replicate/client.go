// Package replicate talks to the Replicate predictions API.
package replicate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"iconforge/internal/logging"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
)

const (
	StatusStarting   = "starting"
	StatusProcessing = "processing"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
	StatusCanceled   = "canceled"
)

var (
	ErrNotConfigured     = errors.New("replicate api token not configured")
	ErrPredictionFailed  = errors.New("prediction failed")
	ErrPredictionTimeout = errors.New("prediction timed out")
	ErrEmptyOutput       = errors.New("prediction succeeded but returned no output")
	ErrNoOutputURL       = errors.New("could not extract output url")
	errPending           = errors.New("prediction pending")
)

type Prediction struct {
	ID     string `json:"id"`
	Model  string `json:"model"`
	Status string `json:"status"`
	Output any    `json:"output"`
	Error  any    `json:"error"`
}

func (p Prediction) Done() bool {
	switch p.Status {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

type Config struct {
	BaseURL      string
	Token        string
	PollInterval time.Duration
	MaxPolls     int
	HTTPClient   *http.Client
}

type Client struct {
	baseURL      string
	token        string
	pollInterval time.Duration
	maxPolls     int
	http         *http.Client
	logger       *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = logging.Discard()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		token:        cfg.Token,
		pollInterval: cfg.PollInterval,
		maxPolls:     cfg.MaxPolls,
		http:         httpClient,
		logger:       logger.With("component", "replicate"),
	}
}

// Create starts a prediction for an official model ("owner/name").
func (c *Client) Create(ctx context.Context, model string, input map[string]any) (Prediction, error) {
	body, err := json.Marshal(map[string]any{"input": input})
	if err != nil {
		return Prediction{}, fmt.Errorf("encode prediction input: %w", err)
	}
	var pred Prediction
	if err := c.do(ctx, http.MethodPost, "/v1/models/"+model+"/predictions", body, &pred); err != nil {
		return Prediction{}, fmt.Errorf("create prediction: %w", err)
	}
	return pred, nil
}

func (c *Client) Get(ctx context.Context, id string) (Prediction, error) {
	var pred Prediction
	if err := c.do(ctx, http.MethodGet, "/v1/predictions/"+url.PathEscape(id), nil, &pred); err != nil {
		return Prediction{}, fmt.Errorf("get prediction: %w", err)
	}
	return pred, nil
}

// Run creates a prediction and polls it until it finishes, at most MaxPolls
// times PollInterval apart. Errors while checking status are retried within
// the same budget. Running out of polls yields ErrPredictionTimeout.
func (c *Client) Run(ctx context.Context, model string, input map[string]any) (Prediction, error) {
	pred, err := c.Create(ctx, model, input)
	if err != nil {
		return Prediction{}, err
	}
	log := c.logger.With("model", model, "prediction_id", pred.ID)
	log.Debug("prediction created", "status", pred.Status)

	polls := 0
	if !pred.Done() {
		policy := backoff.WithContext(
			backoff.WithMaxRetries(backoff.NewConstantBackOff(c.pollInterval), uint64(max(0, c.maxPolls-1))),
			ctx,
		)
		err = backoff.Retry(func() error {
			polls++
			next, err := c.Get(ctx, pred.ID)
			if err != nil {
				log.Warn("prediction status check failed", "error", err, "poll", polls)
				return err
			}
			pred = next
			if !pred.Done() {
				return errPending
			}
			return nil
		}, policy)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return pred, ctxErr
			}
			log.Error("prediction timed out", "status", pred.Status, "polls", polls)
			return pred, fmt.Errorf("%w: %s still %q after %d polls", ErrPredictionTimeout, pred.ID, pred.Status, polls)
		}
	}

	switch pred.Status {
	case StatusFailed, StatusCanceled:
		log.Error("prediction failed", "status", pred.Status, "error", pred.Error)
		return pred, fmt.Errorf("%w: %s", ErrPredictionFailed, describeError(pred.Error))
	}
	if isEmptyOutput(pred.Output) {
		log.Error("prediction succeeded without output")
		return pred, ErrEmptyOutput
	}
	log.Info("prediction succeeded", "polls", polls)
	return pred, nil
}

// OutputURL extracts the first http(s) URL from a string or list output.
func OutputURL(output any) (string, error) {
	switch v := output.(type) {
	case string:
		if strings.HasPrefix(v, "http") {
			return v, nil
		}
	case []any:
		if len(v) > 0 {
			if s, ok := v[0].(string); ok && strings.HasPrefix(s, "http") {
				return s, nil
			}
		}
	case []string:
		if len(v) > 0 && strings.HasPrefix(v[0], "http") {
			return v[0], nil
		}
	}
	return "", ErrNoOutputURL
}

// Fetch downloads a prediction artifact, reading at most limit bytes.
func (c *Client) Fetch(ctx context.Context, rawURL string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "image/svg+xml, */*")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch output: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch output: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("fetch output: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("fetch output: body exceeds %d bytes", limit)
	}
	return data, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	if c.token == "" {
		return ErrNotConfigured
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("replicate %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func isEmptyOutput(output any) bool {
	switch v := output.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case []any:
		return len(v) == 0
	}
	return false
}

func describeError(e any) string {
	if e == nil {
		return "unknown error"
	}
	if s, ok := e.(string); ok && s != "" {
		return s
	}
	return fmt.Sprint(e)
}
