package app

import (
	"context"

	"github.com/joseph-ayodele/essay-pipeline/constants"
	"github.com/joseph-ayodele/essay-pipeline/internal/common"
	"github.com/joseph-ayodele/essay-pipeline/internal/models"
	"github.com/joseph-ayodele/essay-pipeline/internal/supervisor"
)

func (a *App) BackendStatus() []supervisor.Status {
	return a.backends.Statuses()
}

func (a *App) backendConfig(name string) common.BackendConfig {
	if name == constants.BackendOCR {
		return a.cfg.OCR
	}
	return a.cfg.LLM
}

func (a *App) StartBackend(ctx context.Context, name string) (supervisor.Status, error) {
	sup, err := a.backends.Get(name)
	if err != nil {
		return supervisor.Status{}, err
	}
	if err := sup.Start(ctx, a.backendConfig(name).StartupTimeout); err != nil {
		return sup.Status(), err
	}
	return sup.Status(), nil
}

func (a *App) StopBackend(ctx context.Context, name string) (supervisor.Status, error) {
	sup, err := a.backends.Get(name)
	if err != nil {
		return supervisor.Status{}, err
	}
	if err := sup.Stop(ctx, a.backendConfig(name).StopTimeout); err != nil {
		return sup.Status(), err
	}
	return sup.Status(), nil
}

func (a *App) ListModels(ctx context.Context, kind string) ([]models.Choice, error) {
	if a.selection == nil {
		return nil, common.NewInvalidStateError("model catalog is not configured")
	}
	if kind != constants.BackendLLM && kind != constants.BackendOCR {
		return nil, common.NewInvalidInputError("kind must be llm or ocr", nil)
	}
	return a.selection.Choices(ctx, kind)
}

// SwitchModel persists the selection and points the backend at the new model.
// A ready backend is stopped, reconfigured and started again.
func (a *App) SwitchModel(ctx context.Context, kind, key string) (models.Spec, error) {
	if a.selection == nil {
		return models.Spec{}, common.NewInvalidStateError("model catalog is not configured")
	}
	spec, err := a.selection.Select(ctx, kind, key)
	if err != nil {
		return models.Spec{}, err
	}
	sup, err := a.backends.Get(kind)
	if err != nil {
		// Selection is persisted; the backend is not configured in this process.
		return spec, nil
	}

	bcfg := spec.Apply(a.backendConfig(kind))
	wasReady := sup.IsReady()
	if wasReady {
		if err := sup.Stop(ctx, bcfg.StopTimeout); err != nil {
			return spec, err
		}
	}
	if err := sup.Reconfigure(supervisor.ConfigFromBackend(kind, bcfg)); err != nil {
		return spec, err
	}
	a.logger.Info("app.model.switched", "kind", kind, "key", key, "restart", wasReady)
	if wasReady {
		if err := sup.Start(ctx, bcfg.StartupTimeout); err != nil {
			return spec, err
		}
	}
	return spec, nil
}

// Health summarizes readiness for health checks: the process is up, and each
// backend reports its own state.
type Health struct {
	Status   string                           `json:"status"`
	Backends map[string]constants.ServerState `json:"backends"`
}

func (a *App) Health() Health {
	h := Health{Status: "ok", Backends: map[string]constants.ServerState{}}
	for _, st := range a.backends.Statuses() {
		h.Backends[st.Name] = st.State
	}
	return h
}
