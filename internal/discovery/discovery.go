package discovery

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joseph-ayodele/essay-pipeline/constants"
	"github.com/joseph-ayodele/essay-pipeline/internal/common"
	"github.com/joseph-ayodele/essay-pipeline/internal/pipeline"
)

type Options struct {
	SkipHidden bool
	// IncludeExts limits discovery to these extensions; empty means every
	// supported kind.
	IncludeExts []string
	// Exclude lists directories (relative to root) that are never walked,
	// e.g. the artifact output directory.
	Exclude []string
	Logger  *slog.Logger
}

type Stats struct {
	Scanned     int            `json:"scanned"`
	Matched     int            `json:"matched"`
	Unsupported int            `json:"unsupported"`
	Failed      int            `json:"failed"`
	ByKind      map[string]int `json:"by_kind"`
}

// Discover walks root and returns one DocumentUnit per supported file, sorted
// by relative path. The submission of a document is its first directory
// under root.
func Discover(ctx context.Context, root string, opts Options) ([]*pipeline.DocumentUnit, Stats, error) {
	stats := Stats{ByKind: map[string]int{}}
	if strings.TrimSpace(root) == "" {
		return nil, stats, common.NewInvalidInputError("input root is required", nil)
	}
	st, err := os.Stat(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, stats, common.NewNotFoundError("input root " + root + " does not exist")
		}
		return nil, stats, fmt.Errorf("stat input root: %w", err)
	}
	if !st.IsDir() {
		return nil, stats, common.NewInvalidInputError("input root "+root+" is not a directory", nil)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	include := map[string]struct{}{}
	for _, e := range opts.IncludeExts {
		if e = constants.NormalizeExt(strings.TrimSpace(e)); e != "" {
			include[e] = struct{}{}
		}
	}
	exclude := map[string]struct{}{}
	for _, e := range opts.Exclude {
		if abs, err := filepath.Abs(e); err == nil {
			exclude[abs] = struct{}{}
		}
	}

	var docs []*pipeline.DocumentUnit
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == root {
			return walkErr
		}
		stats.Scanned++
		if walkErr != nil {
			stats.Failed++
			logger.Warn("discovery.walk_error", "path", path, "error", walkErr)
			return nil
		}
		if opts.SkipHidden && isHidden(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if abs, err := filepath.Abs(path); err == nil {
				if _, skip := exclude[abs]; skip {
					return filepath.SkipDir
				}
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		ext := constants.NormalizeExt(filepath.Ext(path))
		if len(include) > 0 {
			if _, ok := include[ext]; !ok {
				return nil
			}
		}
		kind := constants.KindForExt(ext)
		if kind == constants.KindUnsupported {
			stats.Unsupported++
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			stats.Failed++
			return nil
		}
		stats.Matched++
		stats.ByKind[string(kind)]++
		docs = append(docs, pipeline.NewDocumentUnit(path, rel, submissionOf(rel), kind))
		return nil
	})
	if err != nil {
		if common.IsCancellation(err) {
			return nil, stats, common.NewCancelledError("discovery cancelled", err)
		}
		return nil, stats, fmt.Errorf("walk: %w", err)
	}

	sort.Slice(docs, func(i, j int) bool { return docs[i].RelPath < docs[j].RelPath })
	logger.Info("discovery.done",
		"root", root,
		"scanned", stats.Scanned,
		"matched", stats.Matched,
		"unsupported", stats.Unsupported,
	)
	return docs, stats, nil
}

func submissionOf(rel string) string {
	rel = filepath.ToSlash(rel)
	if dir, _, found := strings.Cut(rel, "/"); found {
		return dir
	}
	return ""
}

func isHidden(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ".")
}
