package supervisor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/joseph-ayodele/essay-pipeline/internal/common"
)

func TestHTTPHealthChecker(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		healthy bool
	}{
		{"ok status", http.StatusOK, `{"status":"ok"}`, true},
		{"no status field", http.StatusOK, `{}`, true},
		{"empty body", http.StatusOK, ``, true},
		{"loading model", http.StatusOK, `{"status":"loading model"}`, false},
		{"unavailable", http.StatusServiceUnavailable, `{"error":{"message":"Loading model"}}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/health" {
					t.Errorf("unexpected path %s", r.URL.Path)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			got, _ := NewHTTPHealthChecker(quietLogger()).Check(context.Background(), srv.URL)
			if got != tt.healthy {
				t.Fatalf("expected healthy=%v, got %v", tt.healthy, got)
			}
		})
	}
}

func TestHTTPHealthCheckerUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	healthy, err := NewHTTPHealthChecker(quietLogger()).Check(context.Background(), url)
	if healthy || err == nil {
		t.Fatalf("expected unhealthy with error, got %v %v", healthy, err)
	}
}

func TestBuildLlamaArgs(t *testing.T) {
	b := common.BackendConfig{
		ModelPath:  "/models/q.gguf",
		MMProjPath: "/models/proj.gguf",
		Host:       "127.0.0.1",
		Port:       8081,
		CtxSize:    4096,
		GPULayers:  99,
		Parallel:   4,
		Jinja:      true,
		FlashAttn:  false,
	}
	got := strings.Join(BuildLlamaArgs(b), " ")
	for _, want := range []string{
		"-m /models/q.gguf",
		"--mmproj /models/proj.gguf",
		"--port 8081",
		"-c 4096",
		"-ngl 99",
		"-np 4",
		"--jinja",
		"--no-cache-prompt",
		"--flash-attn off",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("args %q missing %q", got, want)
		}
	}
	if strings.Contains(got, "-t ") {
		t.Fatalf("threads flag should be omitted when unset: %q", got)
	}
}

func TestConfigFromBackend(t *testing.T) {
	cfg := common.LoadConfig()
	sc := ConfigFromBackend("llm", cfg.LLM)
	if sc.BaseURL != "http://127.0.0.1:8080" {
		t.Fatalf("unexpected base url %s", sc.BaseURL)
	}
	if err := sc.validate(); err != nil {
		t.Fatalf("derived config should validate: %v", err)
	}
}
