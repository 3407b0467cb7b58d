package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// HealthChecker reports whether a backend is loaded and able to serve.
type HealthChecker interface {
	Check(ctx context.Context, baseURL string) (bool, error)
}

// HTTPHealthChecker checks a llama.cpp style health endpoint. A 200
// response whose body carries status "ok", or no status at all, is healthy.
// 503 and "loading model" mean keep waiting.
type HTTPHealthChecker struct {
	Client *http.Client
	Path   string
	Logger *slog.Logger
}

func NewHTTPHealthChecker(logger *slog.Logger) *HTTPHealthChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHealthChecker{
		Client: &http.Client{Timeout: 2 * time.Second},
		Path:   "/health",
		Logger: logger,
	}
}

func (p *HTTPHealthChecker) Check(ctx context.Context, baseURL string) (bool, error) {
	url := strings.TrimRight(baseURL, "/") + p.Path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return false, err
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			p.Logger.Warn("supervisor.health.body_close_error", "error", err)
		}
	}(resp.Body)

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("health status %d", resp.StatusCode)
	}

	var body struct {
		Status string `json:"status"`
	}
	if len(raw) == 0 || json.Unmarshal(raw, &body) != nil || body.Status == "" {
		return true, nil
	}
	return strings.EqualFold(body.Status, "ok"), nil
}
