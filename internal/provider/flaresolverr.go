package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// FlareSolverr is a client for a FlareSolverr proxy, used to fetch pages
// from Cloudflare-protected hosts. One instance is shared by every provider
// configured with use_flaresolverr.
type FlareSolverr struct {
	endpoint string
	client   *http.Client
}

// NewFlareSolverr creates a client for the given endpoint
// (e.g. "http://localhost:8191"). timeout bounds the full solve round trip.
func NewFlareSolverr(endpoint string, timeout time.Duration) *FlareSolverr {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &FlareSolverr{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type solveRequest struct {
	Cmd        string `json:"cmd"`
	URL        string `json:"url"`
	MaxTimeout int    `json:"maxTimeout"`
}

type solveResponse struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	Solution struct {
		URL       string `json:"url"`
		Status    int    `json:"status"`
		Response  string `json:"response"`
		UserAgent string `json:"userAgent"`
	} `json:"solution"`
}

// Get fetches pageURL through FlareSolverr and returns the rendered body.
func (f *FlareSolverr) Get(ctx context.Context, pageURL string) (string, error) {
	payload, err := json.Marshal(solveRequest{
		Cmd:        "request.get",
		URL:        pageURL,
		MaxTimeout: int(f.client.Timeout / time.Millisecond),
	})
	if err != nil {
		return "", fmt.Errorf("marshal solve request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint+"/v1", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create solve request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("flaresolverr request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read flaresolverr response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("flaresolverr returned %d: %s", resp.StatusCode, truncate(body, 200))
	}

	var solved solveResponse
	if err := json.Unmarshal(body, &solved); err != nil {
		return "", fmt.Errorf("unmarshal flaresolverr response: %w", err)
	}
	if solved.Status != "ok" {
		return "", fmt.Errorf("flaresolverr solve failed: %s", solved.Message)
	}
	if solved.Solution.Status >= 400 {
		return "", fmt.Errorf("flaresolverr upstream status %d", solved.Solution.Status)
	}

	return solved.Solution.Response, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
