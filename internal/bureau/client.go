// Package bureau fetches opaque credit-bureau score reports.
package bureau

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ScoreReport is the fixed-shape report returned by the bureau.
type ScoreReport struct {
	ImporterID  string    `json:"importer_id"`
	Score       int       `json:"score"`
	Band        string    `json:"band"`
	Provider    string    `json:"provider,omitempty"`
	RetrievedAt time.Time `json:"retrieved_at"`
}

// Provider returns score reports for importers.
type Provider interface {
	Report(ctx context.Context, importerID string) (ScoreReport, error)
}

// ErrUnavailable indicates the bureau could not produce a report.
var ErrUnavailable = errors.New("bureau: report unavailable")

// Client wraps interactions with the bureau HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	now        func() time.Time
}

// NewClient constructs a new client.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		now: time.Now,
	}
}

// Report fetches GET {base}/reports/{importer}.
func (c *Client) Report(ctx context.Context, importerID string) (ScoreReport, error) {
	if c == nil || c.baseURL == "" {
		return ScoreReport{}, fmt.Errorf("%w: bureau not configured", ErrUnavailable)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/reports/%s", c.baseURL, url.PathEscape(importerID)), nil)
	if err != nil {
		return ScoreReport{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ScoreReport{}, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 400 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return ScoreReport{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	var report ScoreReport
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&report); err != nil {
		return ScoreReport{}, fmt.Errorf("bureau: decode report: %w", err)
	}
	if report.ImporterID == "" {
		report.ImporterID = importerID
	}
	if report.RetrievedAt.IsZero() {
		report.RetrievedAt = c.now().UTC()
	}
	return report, nil
}
