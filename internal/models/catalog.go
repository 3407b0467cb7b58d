// Package models describes the GGUF models the backends can load and keeps
// track of which one is selected per backend kind.
package models

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/joseph-ayodele/essay-pipeline/constants"
	"github.com/joseph-ayodele/essay-pipeline/internal/common"
)

// Spec is one catalog entry. Relative paths resolve against the catalog's
// directory.
type Spec struct {
	Key        string  `yaml:"key" json:"key"`
	Name       string  `yaml:"name" json:"name"`
	Kind       string  `yaml:"kind" json:"kind"`
	Path       string  `yaml:"path" json:"path"`
	MMProj     string  `yaml:"mmproj,omitempty" json:"mmproj,omitempty"`
	CtxSize    int     `yaml:"ctx_size,omitempty" json:"ctx_size,omitempty"`
	MinRAMGB   float64 `yaml:"min_ram_gb" json:"min_ram_gb"`
	MinVRAMGB  float64 `yaml:"min_vram_gb,omitempty" json:"min_vram_gb,omitempty"`
	ParamSizeB float64 `yaml:"param_size_b,omitempty" json:"param_size_b,omitempty"`
	Notes      string  `yaml:"notes,omitempty" json:"notes,omitempty"`
}

// Installed reports whether the model file (and projector, if any) exist.
func (s Spec) Installed() bool {
	if _, err := os.Stat(s.Path); err != nil {
		return false
	}
	if s.MMProj != "" {
		if _, err := os.Stat(s.MMProj); err != nil {
			return false
		}
	}
	return true
}

// Apply points backend settings at this model.
func (s Spec) Apply(b common.BackendConfig) common.BackendConfig {
	b.ModelPath = s.Path
	b.MMProjPath = s.MMProj
	if s.CtxSize > 0 {
		b.CtxSize = s.CtxSize
	}
	return b
}

type Catalog struct {
	Models []Spec `yaml:"models"`
}

// ParseCatalog decodes and validates catalog YAML. baseDir anchors relative
// model paths; empty leaves them untouched.
func ParseCatalog(data []byte, baseDir string) (*Catalog, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, common.NewConfigurationError("model catalog is empty", nil)
	}
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, common.NewConfigurationError("decode model catalog", err)
	}
	seen := map[string]bool{}
	for i := range c.Models {
		m := &c.Models[i]
		switch {
		case m.Key == "":
			return nil, common.NewConfigurationError(fmt.Sprintf("model %d: key is required", i), nil)
		case seen[m.Key]:
			return nil, common.NewConfigurationError("duplicate model key "+m.Key, nil)
		case m.Kind != constants.BackendLLM && m.Kind != constants.BackendOCR:
			return nil, common.NewConfigurationError(fmt.Sprintf("model %s: kind must be llm or ocr", m.Key), nil)
		case m.Path == "":
			return nil, common.NewConfigurationError(fmt.Sprintf("model %s: path is required", m.Key), nil)
		case m.Kind == constants.BackendOCR && m.MMProj == "":
			return nil, common.NewConfigurationError(fmt.Sprintf("model %s: ocr models need an mmproj", m.Key), nil)
		}
		seen[m.Key] = true
		if m.Name == "" {
			m.Name = m.Key
		}
		if baseDir != "" {
			m.Path = resolve(baseDir, m.Path)
			if m.MMProj != "" {
				m.MMProj = resolve(baseDir, m.MMProj)
			}
		}
	}
	return &c, nil
}

// LoadCatalog reads the catalog file. A missing file yields the built-in
// catalog anchored at the file's directory.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultCatalog(filepath.Dir(path)), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read model catalog %s: %w", path, err)
	}
	c, err := ParseCatalog(data, filepath.Dir(path))
	if err != nil {
		return nil, common.WrapError(err, path)
	}
	return c, nil
}

func (c *Catalog) Find(key string) (Spec, error) {
	for _, m := range c.Models {
		if m.Key == key {
			return m, nil
		}
	}
	return Spec{}, common.NewNotFoundError("model " + key)
}

// ByKind returns the models for kind, smallest first.
func (c *Catalog) ByKind(kind string) []Spec {
	var out []Spec
	for _, m := range c.Models {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].MinRAMGB < out[j].MinRAMGB })
	return out
}

// DefaultCatalog lists the models the project ships configuration for.
func DefaultCatalog(baseDir string) *Catalog {
	c := &Catalog{Models: []Spec{
		{
			Key: "qwen3_4b_instruct_q8", Name: "Qwen3 4B Q8_0 Instruct", Kind: constants.BackendLLM,
			Path: "Qwen3-4B-Instruct-2507-Q8_0.gguf", MinRAMGB: 6, MinVRAMGB: 6, ParamSizeB: 4,
		},
		{
			Key: "qwen3_8b_q8", Name: "Qwen3 8B Q8_0", Kind: constants.BackendLLM,
			Path: "Qwen3-8B-Q8_0.gguf", MinRAMGB: 12, MinVRAMGB: 6, ParamSizeB: 8,
		},
		{
			Key: "lightonocr_2_1b_q4_k_m", Name: "LightOnOCR 2 1B Q4_K_M", Kind: constants.BackendOCR,
			Path: "LightOnOCR-2-1B-Q4_K_M.gguf", MMProj: "mmproj-LightOnOCR-2-1B-Q8_0.gguf",
			MinRAMGB: 4, MinVRAMGB: 4, ParamSizeB: 1,
		},
	}}
	for i := range c.Models {
		c.Models[i].Path = resolve(baseDir, c.Models[i].Path)
		if c.Models[i].MMProj != "" {
			c.Models[i].MMProj = resolve(baseDir, c.Models[i].MMProj)
		}
	}
	return c
}

func resolve(baseDir, p string) string {
	if filepath.IsAbs(p) || baseDir == "" {
		return p
	}
	return filepath.Join(baseDir, p)
}
