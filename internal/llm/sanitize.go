package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ExtractJSONObject returns the outermost JSON object in a model answer,
// tolerating code fences and surrounding prose.
func ExtractJSONObject(content string) ([]byte, error) {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return nil, errors.New("no object delimiters")
	}
	candidate := s[start : end+1]
	if !json.Valid([]byte(candidate)) {
		return nil, errors.New("object is not valid JSON")
	}
	return []byte(candidate), nil
}

// NormalizeJSONObject
// - Drops keys not in allowed (closed schemas reject them otherwise)
// - Drops nulls
// - Trims strings and renders numbers/bools as strings
func NormalizeJSONObject(raw []byte, allowed []string) ([]byte, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("sanitize: decode: %w", err)
	}
	keep := make(map[string]struct{}, len(allowed))
	for _, k := range allowed {
		keep[k] = struct{}{}
	}
	for k, v := range m {
		if _, ok := keep[k]; !ok && len(keep) > 0 {
			delete(m, k)
			continue
		}
		switch t := v.(type) {
		case nil:
			delete(m, k)
		case string:
			m[k] = strings.TrimSpace(t)
		case float64:
			m[k] = strings.TrimSuffix(strings.TrimRight(fmt.Sprintf("%f", t), "0"), ".")
		case bool:
			m[k] = fmt.Sprintf("%t", t)
		}
	}
	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("sanitize: encode: %w", err)
	}
	return out, nil
}
