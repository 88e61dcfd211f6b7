package poll

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"oipulse/internal/model"
	"oipulse/pkg/optionchain"
)

// APIFetcher drives the scheduler off the collector daemon's REST API:
// History reads /api/history, Fetch posts /api/process. The server's
// 409 (no session configured) maps to ErrSkip and a 502 carrying a
// Retry-After header maps to RetryableError, so the scheduler's grace
// policy sees the same error classes as a direct upstream client.
type APIFetcher struct {
	BaseURL string
	Client  *http.Client
}

func NewAPIFetcher(baseURL string) *APIFetcher {
	return &APIFetcher{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{},
	}
}

func (f *APIFetcher) History(ctx context.Context) ([]model.Point, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.BaseURL+"/api/history", nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("history: HTTP %d", resp.StatusCode)
	}
	var points []model.Point
	if err := json.NewDecoder(resp.Body).Decode(&points); err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	return points, nil
}

// CustomIndicators lists the user-defined formulas stored on the
// collector side. The chart daemon compiles them into pane series.
func (f *APIFetcher) CustomIndicators(ctx context.Context) ([]model.CustomIndicator, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.BaseURL+"/api/custom-indicators", nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("custom indicators: HTTP %d", resp.StatusCode)
	}
	var customs []model.CustomIndicator
	if err := json.NewDecoder(resp.Body).Decode(&customs); err != nil {
		return nil, fmt.Errorf("custom indicators: %w", err)
	}
	return customs, nil
}

func (f *APIFetcher) Fetch(ctx context.Context) (*model.Point, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.BaseURL+"/api/process", strings.NewReader("{}"))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var p model.Point
		if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
			return nil, fmt.Errorf("process: %w", err)
		}
		return &p, nil
	case resp.StatusCode == http.StatusConflict:
		return nil, ErrSkip
	case resp.StatusCode == http.StatusBadGateway:
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				return nil, &optionchain.RetryableError{
					StatusCode: resp.StatusCode,
					RetryAfter: time.Duration(secs) * time.Second,
				}
			}
		}
		fallthrough
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("process: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
}
