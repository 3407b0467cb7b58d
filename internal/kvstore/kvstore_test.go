package kvstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/joseph-ayodele/essay-pipeline/internal/common"
)

func TestStores(t *testing.T) {
	sqlite, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "kv", "state.db"), nil)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer sqlite.Close()

	for name, s := range map[string]Store{"memory": NewMemoryStore(), "sqlite": sqlite} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := s.Get(ctx, "model.llm"); !errors.Is(err, common.ErrNotFound) {
				t.Fatalf("Get unset err = %v", err)
			}
			if err := s.Set(ctx, "model.llm", "qwen3_4b_q8"); err != nil {
				t.Fatalf("Set: %v", err)
			}
			if err := s.Set(ctx, "model.llm", "qwen3_8b_q8"); err != nil {
				t.Fatalf("Set overwrite: %v", err)
			}
			_ = s.Set(ctx, "model.ocr", "lightonocr")
			_ = s.Set(ctx, "model_x", "not matched")
			_ = s.Set(ctx, "other", "x")

			v, err := s.Get(ctx, "model.llm")
			if err != nil || v != "qwen3_8b_q8" {
				t.Fatalf("Get = %q, %v", v, err)
			}

			vals, keys, err := s.List(ctx, "model.")
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(keys) != 2 || keys[0] != "model.llm" || keys[1] != "model.ocr" || vals["model.ocr"] != "lightonocr" {
				t.Fatalf("List = %v %v", keys, vals)
			}

			if err := s.Delete(ctx, "model.llm"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, err := s.Get(ctx, "model.llm"); !errors.Is(err, common.ErrNotFound) {
				t.Fatalf("Get deleted err = %v", err)
			}
			if err := s.Set(ctx, "", "v"); !errors.Is(err, common.ErrInvalidInput) {
				t.Fatalf("empty key err = %v", err)
			}
		})
	}
}
