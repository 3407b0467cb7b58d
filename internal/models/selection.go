package models

import (
	"context"
	"errors"
	"log/slog"

	"github.com/joseph-ayodele/essay-pipeline/internal/common"
	"github.com/joseph-ayodele/essay-pipeline/internal/kvstore"
)

// Choice is a catalog entry annotated for display.
type Choice struct {
	Spec
	Installed   bool `json:"installed"`
	Fits        bool `json:"fits"`
	Recommended bool `json:"recommended"`
	Selected    bool `json:"selected"`
}

// Selection persists the chosen model per kind under "model.<kind>".
type Selection struct {
	kv      kvstore.Store
	catalog *Catalog
	hw      Hardware
	logger  *slog.Logger
}

func NewSelection(kv kvstore.Store, catalog *Catalog, hw Hardware, logger *slog.Logger) *Selection {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selection{kv: kv, catalog: catalog, hw: hw, logger: logger}
}

func selectionKey(kind string) string { return "model." + kind }

// Current returns the persisted choice for kind, or the recommendation when
// nothing valid is persisted. A persisted key no longer in the catalog is
// ignored.
func (s *Selection) Current(ctx context.Context, kind string) (Spec, error) {
	key, err := s.kv.Get(ctx, selectionKey(kind))
	switch {
	case err == nil:
		spec, findErr := s.catalog.Find(key)
		if findErr == nil && spec.Kind == kind {
			return spec, nil
		}
		s.logger.Warn("models.selection.stale", "kind", kind, "key", key)
	case !errors.Is(err, common.ErrNotFound):
		return Spec{}, err
	}
	return Recommend(s.catalog, kind, s.hw)
}

// Select validates and persists key as the model for kind.
func (s *Selection) Select(ctx context.Context, kind, key string) (Spec, error) {
	spec, err := s.catalog.Find(key)
	if err != nil {
		return Spec{}, err
	}
	if spec.Kind != kind {
		return Spec{}, common.NewInvalidInputError("model "+key+" is a "+spec.Kind+" model, not "+kind, nil)
	}
	if err := s.kv.Set(ctx, selectionKey(kind), key); err != nil {
		return Spec{}, err
	}
	s.logger.Info("models.selection.changed", "kind", kind, "key", key)
	return spec, nil
}

func (s *Selection) Choices(ctx context.Context, kind string) ([]Choice, error) {
	current, err := s.Current(ctx, kind)
	if err != nil {
		return nil, err
	}
	rec, err := Recommend(s.catalog, kind, s.hw)
	if err != nil {
		return nil, err
	}
	var out []Choice
	for _, spec := range s.catalog.ByKind(kind) {
		out = append(out, Choice{
			Spec:        spec,
			Installed:   spec.Installed(),
			Fits:        Fits(spec, s.hw),
			Recommended: spec.Key == rec.Key,
			Selected:    spec.Key == current.Key,
		})
	}
	return out, nil
}

func (s *Selection) Hardware() Hardware { return s.hw }
