// Package delegate offloads large file processing to a remote ingest
// endpoint. Calls are expected to run under a circuit breaker, so the
// client makes exactly one attempt and reports the outcome; it never
// retries internally.
package delegate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/datalith/tabular-ingest/internal/ingest"
	"github.com/datalith/tabular-ingest/internal/logging"
	"github.com/datalith/tabular-ingest/internal/metrics"
)

// Request is one delegated processing job. Payload is carried base64
// inside the JSON body.
type Request struct {
	FileName  string      `json:"fileName"`
	Kind      ingest.Kind `json:"kind"`
	CallerKey string      `json:"callerKey"`
	Payload   []byte      `json:"payload"`
}

// Client posts processing jobs to a remote ingest endpoint.
type Client struct {
	endpoint string
	client   *http.Client
	log      *slog.Logger
}

// NewClient creates a delegate client for the endpoint.
func NewClient(endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		log:      logging.Component("delegate"),
	}
}

// Process sends the job and decodes the remote processing result.
func (c *Client) Process(ctx context.Context, req Request) (*ingest.ProcessingResult, error) {
	if m := metrics.Get(); m != nil {
		m.IncDelegateRequests()
	}

	result, err := c.post(ctx, req)
	if err != nil {
		if m := metrics.Get(); m != nil {
			m.IncDelegateFailures()
		}
		return nil, err
	}

	c.log.Debug("delegated processing completed",
		"file", req.FileName,
		"rows", result.RowCount,
		"errors", result.ErrorCount,
	)
	return result, nil
}

func (c *Client) post(ctx context.Context, dreq Request) (*ingest.ProcessingResult, error) {
	body, err := json.Marshal(dreq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
	}

	var result ingest.ProcessingResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &result, nil
}
