// Package worker serves the app facade over a line-delimited JSON protocol,
// one request object per input line and one response object per output line.
package worker

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/joseph-ayodele/essay-pipeline/internal/common"
)

// CodeProtocol marks a frame that could not be decoded as a request.
const CodeProtocol = "protocol_error"

// Request is one inbound frame.
type Request struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is one outbound frame. Exactly one of Result and Error is set.
type Response struct {
	ID     int64          `json:"id"`
	OK     bool           `json:"ok"`
	Result any            `json:"result,omitempty"`
	Error  *common.Detail `json:"error,omitempty"`
}

var errProtocol = errors.New("protocol error")

// DecodeRequest parses one line. The id must be present and the method
// non-empty; params, when present, must be an object.
func DecodeRequest(line []byte) (Request, error) {
	var raw struct {
		ID     *int64          `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(line, &raw); err != nil {
		return Request{}, fmt.Errorf("%w: %v", errProtocol, err)
	}
	if raw.ID == nil {
		return Request{}, fmt.Errorf("%w: field id is required", errProtocol)
	}
	if strings.TrimSpace(raw.Method) == "" {
		return Request{}, fmt.Errorf("%w: field method must be a non-empty string", errProtocol)
	}
	p := bytes.TrimSpace(raw.Params)
	if len(p) > 0 && !bytes.Equal(p, []byte("null")) && p[0] != '{' {
		return Request{}, fmt.Errorf("%w: field params must be an object", errProtocol)
	}
	return Request{ID: *raw.ID, Method: raw.Method, Params: p}, nil
}

func okResponse(id int64, result any) Response {
	if result == nil {
		result = struct{}{}
	}
	return Response{ID: id, OK: true, Result: result}
}

func errorResponse(id int64, err error) Response {
	d := common.DetailOf(err)
	if errors.Is(err, errProtocol) {
		d = &common.Detail{Code: CodeProtocol, Message: err.Error()}
	}
	return Response{ID: id, OK: false, Error: d}
}

// decodeParams fills out from p. Unknown fields are rejected.
func decodeParams(p json.RawMessage, out any) error {
	if len(p) == 0 || bytes.Equal(p, []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(p))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return common.NewInvalidInputError("invalid params", err)
	}
	return nil
}
