package llm

import (
	"encoding/json"
	"strings"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat message. Content is either Text or Parts.
type Message struct {
	Role  string
	Text  string
	Parts []ContentPart
}

// ContentPart is one element of a multimodal content list.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL string `json:"url"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	type wire struct {
		Role    string `json:"role"`
		Content any    `json:"content"`
	}
	w := wire{Role: m.Role, Content: m.Text}
	if len(m.Parts) > 0 {
		w.Content = m.Parts
	}
	return json.Marshal(w)
}

func SystemMessage(text string) Message { return Message{Role: RoleSystem, Text: text} }
func UserMessage(text string) Message   { return Message{Role: RoleUser, Text: text} }

// TextPart and ImagePart build multimodal content entries.
func TextPart(text string) ContentPart { return ContentPart{Type: "text", Text: text} }
func ImagePart(dataURI string) ContentPart {
	return ContentPart{Type: "image_url", ImageURL: &ImageURL{URL: dataURI}}
}

// Request is one chat completion. Zero sampling fields fall back to the
// client's defaults.
type Request struct {
	Messages       []Message
	MaxTokens      int
	Temperature    *float32
	TopP           float32
	TopK           int
	RepeatPenalty  float32
	Seed           int
	Stop           []string
	ResponseFormat map[string]any
}

// Usage mirrors the OpenAI-compatible usage block.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u *Usage) Add(o Usage) {
	u.PromptTokens += o.PromptTokens
	u.CompletionTokens += o.CompletionTokens
	u.TotalTokens += o.TotalTokens
}

// Response is the answer text of the first choice.
type Response struct {
	Content      string
	FinishReason string
	Usage        Usage
}

type chatCompletion struct {
	Choices []struct {
		Message struct {
			Content json.RawMessage `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

// contentText accepts either a JSON string or a list of text parts.
func contentText(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var parts []ContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", false
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String(), true
}
