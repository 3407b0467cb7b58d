package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/joseph-ayodele/essay-pipeline/constants"
	"github.com/joseph-ayodele/essay-pipeline/internal/app"
	"github.com/joseph-ayodele/essay-pipeline/internal/common"
	"github.com/joseph-ayodele/essay-pipeline/internal/jobs"
	"github.com/joseph-ayodele/essay-pipeline/internal/models"
	"github.com/joseph-ayodele/essay-pipeline/internal/supervisor"
)

const maxFrameBytes = 4 << 20

// API is the subset of *app.App the worker dispatches to.
type API interface {
	SubmitRun(ctx context.Context, req app.RunRequest) (string, error)
	Job(ctx context.Context, id string) (jobs.Job, error)
	CancelJob(ctx context.Context, id string) (jobs.Job, error)
	ListJobs(ctx context.Context, limit int) ([]jobs.Job, error)
	BackendStatus() []supervisor.Status
	StartBackend(ctx context.Context, name string) (supervisor.Status, error)
	StopBackend(ctx context.Context, name string) (supervisor.Status, error)
	ListModels(ctx context.Context, kind string) ([]models.Choice, error)
	SwitchModel(ctx context.Context, kind, key string) (models.Spec, error)
	Health() app.Health
}

type handlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Server reads requests and writes responses sequentially.
type Server struct {
	api      API
	logger   *slog.Logger
	handlers map[string]handlerFunc

	mu  sync.Mutex
	out *bufio.Writer
	enc *json.Encoder
}

func NewServer(api API, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{api: api, logger: logger}
	s.handlers = map[string]handlerFunc{
		"health":     s.health,
		"llm-status": s.status,
		"llm-start":  s.start(constants.BackendLLM),
		"llm-stop":   s.stop(constants.BackendLLM),
		"ocr-start":  s.start(constants.BackendOCR),
		"ocr-stop":   s.stop(constants.BackendOCR),
		"llm-list":   s.listModels,
		"llm-switch": s.switchModel,
		"run-submit": s.runSubmit,
		"run-status": s.runStatus,
		"run-cancel": s.runCancel,
		"run-list":   s.runList,
	}
	return s
}

// Serve handles frames from r until EOF, a shutdown request, or ctx ends.
// Blank lines are ignored.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	s.mu.Lock()
	s.out = bufio.NewWriter(w)
	s.enc = json.NewEncoder(s.out)
	s.mu.Unlock()

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)
		for sc.Scan() {
			line := append([]byte(nil), sc.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("worker.stop", "reason", "context")
			return nil
		case line, ok := <-lines:
			if !ok {
				s.logger.Info("worker.stop", "reason", "eof")
				select {
				case err := <-scanErr:
					if err != nil {
						return common.NewTransportError("read worker input", err)
					}
				default:
				}
				return nil
			}
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			stop, err := s.handleLine(ctx, line)
			if err != nil {
				return err
			}
			if stop {
				s.logger.Info("worker.stop", "reason", "shutdown")
				return nil
			}
		}
	}
}

func (s *Server) handleLine(ctx context.Context, line []byte) (bool, error) {
	req, err := DecodeRequest(line)
	if err != nil {
		s.logger.Warn("worker.protocol_error", "error", err)
		return false, s.write(errorResponse(-1, err))
	}
	if req.Method == "shutdown" {
		return true, s.write(okResponse(req.ID, map[string]string{"message": "shutdown"}))
	}

	start := time.Now()
	h, ok := s.handlers[req.Method]
	var resp Response
	if !ok {
		resp = errorResponse(req.ID, common.NewInvalidInputError("unknown method "+req.Method, nil))
	} else {
		result, herr := h(common.WithRequestID(ctx, requestID(req.ID)), req.Params)
		if herr != nil {
			resp = errorResponse(req.ID, herr)
		} else {
			resp = okResponse(req.ID, result)
		}
	}
	s.logger.Debug("worker.request",
		"id", req.ID,
		"method", req.Method,
		"ok", resp.OK,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return false, s.write(resp)
}

func (s *Server) write(resp Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(resp); err != nil {
		return common.NewTransportError("write worker response", err)
	}
	if err := s.out.Flush(); err != nil {
		return common.NewTransportError("flush worker response", err)
	}
	return nil
}

type modelParams struct {
	ModelKey string `json:"model_key"`
}

type jobParams struct {
	JobID string `json:"job_id"`
}

type listParams struct {
	Kind  string `json:"kind"`
	Limit int    `json:"limit"`
}

func (s *Server) health(context.Context, json.RawMessage) (any, error) {
	return s.api.Health(), nil
}

func (s *Server) status(context.Context, json.RawMessage) (any, error) {
	return map[string]any{"backends": s.api.BackendStatus()}, nil
}

// start optionally switches the model before starting the backend.
func (s *Server) start(name string) handlerFunc {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		var p modelParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		out := map[string]any{}
		if p.ModelKey != "" {
			spec, err := s.api.SwitchModel(ctx, name, p.ModelKey)
			if err != nil {
				return nil, err
			}
			out["model"] = spec
		}
		st, err := s.api.StartBackend(ctx, name)
		if err != nil {
			return nil, err
		}
		out["status"] = st
		return out, nil
	}
}

func (s *Server) stop(name string) handlerFunc {
	return func(ctx context.Context, _ json.RawMessage) (any, error) {
		st, err := s.api.StopBackend(ctx, name)
		if err != nil {
			return nil, err
		}
		return map[string]any{"stopped": st.State == constants.ServerStopped, "status": st}, nil
	}
}

func (s *Server) listModels(ctx context.Context, params json.RawMessage) (any, error) {
	var p listParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Kind == "" {
		p.Kind = constants.BackendLLM
	}
	choices, err := s.api.ListModels(ctx, p.Kind)
	if err != nil {
		return nil, err
	}
	return map[string]any{"kind": p.Kind, "models": choices}, nil
}

func (s *Server) switchModel(ctx context.Context, params json.RawMessage) (any, error) {
	var p modelParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.ModelKey == "" {
		return nil, common.NewInvalidInputError("model_key is required for llm-switch", nil)
	}
	spec, err := s.api.SwitchModel(ctx, constants.BackendLLM, p.ModelKey)
	if err != nil {
		return nil, err
	}
	return map[string]any{"model": spec}, nil
}

func (s *Server) runSubmit(ctx context.Context, params json.RawMessage) (any, error) {
	var req app.RunRequest
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	id, err := s.api.SubmitRun(ctx, req)
	if err != nil {
		return nil, err
	}
	return map[string]any{"job_id": id}, nil
}

func (s *Server) jobID(params json.RawMessage) (string, error) {
	var p jobParams
	if err := decodeParams(params, &p); err != nil {
		return "", err
	}
	if p.JobID == "" {
		return "", common.NewInvalidInputError("job_id is required", nil)
	}
	return p.JobID, nil
}

func (s *Server) runStatus(ctx context.Context, params json.RawMessage) (any, error) {
	id, err := s.jobID(params)
	if err != nil {
		return nil, err
	}
	return s.api.Job(ctx, id)
}

func (s *Server) runCancel(ctx context.Context, params json.RawMessage) (any, error) {
	id, err := s.jobID(params)
	if err != nil {
		return nil, err
	}
	return s.api.CancelJob(ctx, id)
}

func (s *Server) runList(ctx context.Context, params json.RawMessage) (any, error) {
	var p listParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	list, err := s.api.ListJobs(ctx, p.Limit)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []jobs.Job{}
	}
	return map[string]any{"jobs": list}, nil
}

func requestID(id int64) string {
	return "worker-" + strconv.FormatInt(id, 10)
}
