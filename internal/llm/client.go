package llm

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/joseph-ayodele/essay-pipeline/internal/batch"
	"github.com/joseph-ayodele/essay-pipeline/internal/common"
)

// Config for an OpenAI-compatible chat completions backend.
type Config struct {
	BaseURL       string // e.g. http://127.0.0.1:8080
	ChatPath      string // default /v1/chat/completions
	Model         string
	Timeout       time.Duration // per call, when the caller passes none
	MaxTokens     int
	Temperature   float32
	TopP          float32
	TopK          int
	RepeatPenalty float32
	Headers       map[string]string
}

// ConfigFromBackend maps backend settings to client defaults.
func ConfigFromBackend(b common.BackendConfig) Config {
	return Config{
		BaseURL:       b.BaseURL(),
		Timeout:       b.RequestTimeout,
		MaxTokens:     b.MaxTokens,
		Temperature:   b.Temperature,
		TopP:          b.TopP,
		TopK:          b.TopK,
		RepeatPenalty: b.RepeatPenalty,
	}
}

// Client talks to one backend. It holds configuration only.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.ChatPath == "" {
		cfg.ChatPath = "/v1/chat/completions"
	}
	if cfg.Model == "" {
		cfg.Model = "local"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg: cfg,
		// Deadlines come from the per-call context.
		http:   &http.Client{},
		logger: logger,
	}
}

func (c *Client) Endpoint() string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + c.cfg.ChatPath
}

// Call sends one request. timeout <= 0 uses the configured default.
func (c *Client) Call(ctx context.Context, req Request, timeout time.Duration) (Response, error) {
	if len(req.Messages) == 0 {
		return Response{}, common.NewInvalidInputError("request has no messages", nil)
	}
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	raw, _, err := SendJSON(ctx, c.http, c.Endpoint(), c.payload(req), c.cfg.Headers, c.logger)
	if err != nil {
		return Response{}, err
	}

	var cc chatCompletion
	if err := json.Unmarshal(raw, &cc); err != nil {
		c.logger.Warn("llm.call.decode_error", "error", err, "raw_bytes", len(raw))
		return Response{}, common.NewTransportError("malformed response body", err)
	}
	if len(cc.Choices) == 0 {
		return Response{}, common.NewResponseShapeError("no choices in response", nil)
	}
	text, ok := contentText(cc.Choices[0].Message.Content)
	if !ok {
		return Response{}, common.NewResponseShapeError("choice has no message content", nil)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Response{}, common.NewResponseShapeError("empty message content", nil)
	}

	c.logger.Debug("llm.call.ok",
		"finish_reason", cc.Choices[0].FinishReason,
		"completion_tokens", cc.Usage.CompletionTokens,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return Response{Content: text, FinishReason: cc.Choices[0].FinishReason, Usage: cc.Usage}, nil
}

// KeyedRequest pairs a request with its batch key.
type KeyedRequest struct {
	Key     string
	Request Request
}

// CallMany runs Call for every request through a Batcher with the given limit.
// Successful entries carry a Response value.
func (c *Client) CallMany(ctx context.Context, reqs []KeyedRequest, limit int, timeoutPerCall time.Duration, opts ...batch.Option) (*batch.Outcome, error) {
	opts = append([]batch.Option{batch.WithLogger(c.logger)}, opts...)
	b, err := batch.New(limit, opts...)
	if err != nil {
		return nil, err
	}
	items := make([]batch.Item, len(reqs))
	for i, r := range reqs {
		items[i] = batch.Item{Key: r.Key, Payload: r.Request}
	}
	return b.Run(ctx, items, func(ctx context.Context, it batch.Item) (any, error) {
		return c.Call(ctx, it.Payload.(Request), timeoutPerCall)
	})
}

func (c *Client) payload(req Request) map[string]any {
	body := map[string]any{
		"model":        c.cfg.Model,
		"messages":     req.Messages,
		"max_tokens":   firstPositive(req.MaxTokens, c.cfg.MaxTokens),
		"temperature":  c.cfg.Temperature,
		"cache_prompt": true,
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if v := firstPositiveF(req.TopP, c.cfg.TopP); v > 0 {
		body["top_p"] = v
	}
	if v := firstPositive(req.TopK, c.cfg.TopK); v > 0 {
		body["top_k"] = v
	}
	if v := firstPositiveF(req.RepeatPenalty, c.cfg.RepeatPenalty); v > 0 {
		body["repeat_penalty"] = v
	}
	if req.Seed != 0 {
		body["seed"] = req.Seed
	}
	if len(req.Stop) > 0 {
		body["stop"] = req.Stop
	}
	if req.ResponseFormat != nil {
		body["response_format"] = req.ResponseFormat
	}
	return body
}

func firstPositive(a, b int) int {
	if a > 0 {
		return a
	}
	return b
}

func firstPositiveF(a, b float32) float32 {
	if a > 0 {
		return a
	}
	return b
}
