package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const healthTimeout = 10 * time.Second

// Health is the outcome of probing the backend's /health endpoint.
type Health struct {
	OK      bool          `json:"ok"`
	Status  string        `json:"status,omitempty"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
}

// CheckHealth requests base/health, outside the /api/v1 prefix. An empty base
// checks the configured one. Failures are reported in the result.
func (c *Client) CheckHealth(ctx context.Context, base string) Health {
	if base == "" {
		base = c.BaseURL()
	}
	target := New(base, "")
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.BaseURL()+"/health", nil)
	if err != nil {
		return Health{Error: err.Error()}
	}
	start := time.Now()
	resp, err := target.Do(req)
	latency := time.Since(start)
	if err != nil {
		return Health{Error: fmt.Sprintf("connection failed: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Health{Latency: latency, Error: fmt.Sprintf("HTTP %d", resp.StatusCode)}
	}
	var body struct {
		Status string `json:"status"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	status := "ok"
	if json.Unmarshal(raw, &body) == nil {
		status = body.Status
		if status == "" {
			status = "unknown"
		}
	}
	return Health{OK: true, Status: status, Latency: latency}
}
