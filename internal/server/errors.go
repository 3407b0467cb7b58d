package server

import (
	"encoding/json"
	"net/http"

	"github.com/joseph-ayodele/essay-pipeline/internal/common"
)

var statusByCode = map[string]int{
	common.CodeInvalidInput:      http.StatusBadRequest,
	common.CodeNotFound:          http.StatusNotFound,
	common.CodeInvalidState:      http.StatusConflict,
	common.CodeCancelled:         http.StatusConflict,
	common.CodeDependencyMissing: http.StatusFailedDependency,
	common.CodeStartupTimeout:    http.StatusGatewayTimeout,
	common.CodeProcessLaunch:     http.StatusBadGateway,
	common.CodeTransport:         http.StatusBadGateway,
	common.CodeResponseShape:     http.StatusBadGateway,
	common.CodeConfiguration:     http.StatusInternalServerError,
}

// HTTPStatus maps an error's machine code to a response status.
func HTTPStatus(err error) int {
	if s, ok := statusByCode[common.ErrorCode(err)]; ok {
		return s
	}
	return http.StatusInternalServerError
}

type errorBody struct {
	Error *common.Detail `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, HTTPStatus(err), errorBody{Error: common.DetailOf(err)})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
