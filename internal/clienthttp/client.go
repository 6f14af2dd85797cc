package clienthttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sheerbytes/resched/internal/server"
)

// GetStats fetches a snapshot of the daemon's scheduler by calling
// GET /stats on serverURL.
// Uses a 5 second timeout for the HTTP request.
func GetStats(ctx context.Context, serverURL string) (server.StatsResponse, error) {
	// Build the URL
	url := strings.TrimSuffix(serverURL, "/") + "/stats"
	if !strings.HasPrefix(url, "http") {
		url = "http://" + url
	}

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return server.StatsResponse{}, fmt.Errorf("create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return server.StatsResponse{}, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return server.StatsResponse{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return server.StatsResponse{}, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var stats server.StatsResponse
	if err := json.Unmarshal(body, &stats); err != nil {
		return server.StatsResponse{}, fmt.Errorf("parse response: %w", err)
	}
	return stats, nil
}
