package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joseph-ayodele/essay-pipeline/constants"
	"github.com/joseph-ayodele/essay-pipeline/internal/common"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func completion(content string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []any{map[string]any{
			"message":       map[string]any{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
		"usage": map[string]any{"prompt_tokens": 11, "completion_tokens": 7, "total_tokens": 18},
	})
	return string(b)
}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL, Timeout: 2 * time.Second, Temperature: 0.2, TopK: 40}, quietLogger())
}

func TestCallReturnsFirstChoice(t *testing.T) {
	var got map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = io.WriteString(w, completion("  The corrected sentence.  "))
	})

	resp, err := c.Call(context.Background(), Request{Messages: []Message{SystemMessage("sys"), UserMessage("hi")}}, 0)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp.Content != "The corrected sentence." || resp.Usage.CompletionTokens != 7 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if got["cache_prompt"] != true || got["top_k"] != float64(40) {
		t.Fatalf("unexpected payload: %v", got)
	}
	msgs := got["messages"].([]any)
	if first := msgs[0].(map[string]any); first["role"] != "system" || first["content"] != "sys" {
		t.Fatalf("unexpected first message: %v", first)
	}
}

func TestCallAcceptsContentParts(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"choices":[{"message":{"content":[{"type":"text","text":"line one "},{"type":"text","text":"line two"}]}}]}`)
	})
	resp, err := c.Call(context.Background(), Request{Messages: []Message{UserMessage("x")}}, 0)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp.Content != "line one line two" {
		t.Fatalf("unexpected content %q", resp.Content)
	}
}

func TestCallErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"server error", http.StatusInternalServerError, `{"error":"boom"}`, common.ErrTransport},
		{"malformed body", http.StatusOK, `{"choices":`, common.ErrTransport},
		{"no choices", http.StatusOK, `{"choices":[]}`, common.ErrResponseShape},
		{"missing content", http.StatusOK, `{"choices":[{"message":{}}]}`, common.ErrResponseShape},
		{"blank content", http.StatusOK, completion("   "), common.ErrResponseShape},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})
			resp, err := c.Call(context.Background(), Request{Messages: []Message{UserMessage("x")}}, 0)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if resp.Content != "" {
				t.Fatalf("no content may be returned on failure, got %q", resp.Content)
			}
		})
	}
}

func TestCallConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(Config{BaseURL: url}, quietLogger())
	_, err := c.Call(context.Background(), Request{Messages: []Message{UserMessage("x")}}, time.Second)
	if common.ErrorCode(err) != common.CodeTransport {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestCallTimeoutIsTransportError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	})
	_, err := c.Call(context.Background(), Request{Messages: []Message{UserMessage("x")}}, 20*time.Millisecond)
	if !errors.Is(err, common.ErrTransport) {
		t.Fatalf("expected transport error on timeout, got %v", err)
	}
}

func TestMultimodalPayload(t *testing.T) {
	var got struct {
		Messages []struct {
			Role    string            `json:"role"`
			Content []json.RawMessage `json:"content"`
		} `json:"messages"`
	}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = io.WriteString(w, completion("text"))
	})
	if _, err := c.Call(context.Background(), NewOCRRequest("data:image/png;base64,AAAA", ""), 0); err != nil {
		t.Fatalf("call: %v", err)
	}
	if len(got.Messages) != 1 || len(got.Messages[0].Content) != 2 {
		t.Fatalf("unexpected message shape: %+v", got)
	}
	var img ContentPart
	_ = json.Unmarshal(got.Messages[0].Content[1], &img)
	if img.Type != "image_url" || img.ImageURL == nil || !strings.HasPrefix(img.ImageURL.URL, "data:image/png;base64,") {
		t.Fatalf("unexpected image part: %+v", img)
	}
}

func TestCallManyIsolatesFailures(t *testing.T) {
	var calls atomic.Int64
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var body struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Messages[0].Content == "fail" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, completion("echo "+body.Messages[0].Content))
	})

	reqs := []KeyedRequest{
		{Key: "a", Request: Request{Messages: []Message{UserMessage("one")}}},
		{Key: "b", Request: Request{Messages: []Message{UserMessage("fail")}}},
		{Key: "c", Request: Request{Messages: []Message{UserMessage("three")}}},
	}
	out, err := c.CallMany(context.Background(), reqs, 2, time.Second)
	if err != nil {
		t.Fatalf("call many: %v", err)
	}
	if out.Len() != 3 || calls.Load() != 3 {
		t.Fatalf("expected 3 entries and calls, got %d/%d", out.Len(), calls.Load())
	}
	a, _ := out.Get("a")
	if a.Status != constants.BatchOK || a.Value.(Response).Content != "echo one" {
		t.Fatalf("unexpected a: %+v", a)
	}
	b, _ := out.Get("b")
	if b.Status != constants.BatchFailed || !errors.Is(b.Err, common.ErrTransport) {
		t.Fatalf("unexpected b: %+v", b)
	}
}

func TestCallManyRejectsBadLimit(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://127.0.0.1:1"}, quietLogger())
	if _, err := c.CallMany(context.Background(), nil, 0, time.Second); !errors.Is(err, common.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
