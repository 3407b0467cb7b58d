package app

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/joseph-ayodele/essay-pipeline/internal/common"
	"github.com/joseph-ayodele/essay-pipeline/internal/jobs"
	"github.com/joseph-ayodele/essay-pipeline/internal/kvstore"
	"github.com/joseph-ayodele/essay-pipeline/internal/models"
	"github.com/joseph-ayodele/essay-pipeline/internal/supervisor"
)

// WithBackendObserver adds a listener for backend state transitions, such
// as a gRPC health reporter.
func WithBackendObserver(fn supervisor.StateObserver) Option {
	return func(a *App) { a.observers = append(a.observers, fn) }
}

func withCloser(c io.Closer) Option {
	return func(a *App) { a.closers = append(a.closers, c) }
}

// OpenSelection loads the model catalog and opens the selection store. An
// empty state path keeps selections in memory.
func OpenSelection(ctx context.Context, cfg common.ModelsConfig, logger *slog.Logger) (*models.Selection, kvstore.Store, error) {
	catalog, err := models.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		return nil, nil, err
	}
	var kv kvstore.Store
	if cfg.StatePath == "" {
		kv = kvstore.NewMemoryStore()
	} else {
		sq, err := kvstore.OpenSQLite(ctx, cfg.StatePath, logger)
		if err != nil {
			return nil, nil, err
		}
		kv = sq
	}
	hw := models.DetectHardware()
	logger.Info("app.models.catalog",
		"path", cfg.CatalogPath,
		"models", len(catalog.Models),
		"ram_gb", hw.TotalRAMGB,
	)
	return models.NewSelection(kv, catalog, hw, logger), kv, nil
}

// Bootstrap opens the configured job store and model selection, then builds
// the App. Resources it opened are released by App.Close, or immediately
// when construction fails.
func Bootstrap(ctx context.Context, cfg *common.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	store, err := jobs.OpenStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	sel, kv, err := OpenSelection(ctx, cfg.Models, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	all := append([]Option{WithJobStore(store), WithSelection(sel), withCloser(kv)}, opts...)
	a, err := New(ctx, cfg, logger, all...)
	if err != nil {
		return nil, errors.Join(err, store.Close(), kv.Close())
	}
	return a, nil
}
