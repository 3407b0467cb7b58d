// Package watch reports new or changed documents under the input root.
package watch

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/joseph-ayodele/essay-pipeline/constants"
	"github.com/joseph-ayodele/essay-pipeline/internal/common"
)

type Config struct {
	Root string
	// Exclude lists directories that are never watched, such as the output root.
	Exclude []string
	// Debounce is the quiet period after the last event before a batch is emitted.
	Debounce time.Duration
}

// Watch adds Root and its subdirectories to an fsnotify watcher and emits
// batches of changed document paths. Both channels close when ctx ends.
func Watch(ctx context.Context, cfg Config, logger *slog.Logger) (<-chan []string, <-chan error, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Root == "" {
		return nil, nil, common.NewConfigurationError("watch root is required", nil)
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 2 * time.Second
	}
	exclude := make([]string, 0, len(cfg.Exclude))
	for _, e := range cfg.Exclude {
		if abs, err := filepath.Abs(e); err == nil {
			exclude = append(exclude, abs)
		}
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, common.WrapError(err, "create watcher")
	}
	addTree := func(root string) error {
		return filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if !d.IsDir() {
				return nil
			}
			if excluded(path, exclude) || (path != root && strings.HasPrefix(d.Name(), ".")) {
				return filepath.SkipDir
			}
			return w.Add(path)
		})
	}
	if err := addTree(cfg.Root); err != nil {
		_ = w.Close()
		return nil, nil, common.NewConfigurationError("watch "+cfg.Root, err)
	}
	logger.Info("watch.start", "root", cfg.Root, "debounce_ms", cfg.Debounce.Milliseconds())

	batches := make(chan []string, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(batches)
		defer close(errs)
		defer func() { _ = w.Close() }()

		pending := map[string]struct{}{}
		timer := time.NewTimer(cfg.Debounce)
		if !timer.Stop() {
			<-timer.C
		}
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-w.Events:
				if !ok {
					return
				}
				if e.Op.Has(fsnotify.Create) {
					if st, err := os.Stat(e.Name); err == nil && st.IsDir() && !excluded(e.Name, exclude) {
						if err := addTree(e.Name); err != nil {
							logger.Warn("watch.add_dir.failed", "path", e.Name, "error", err)
						}
						continue
					}
				}
				if !e.Op.Has(fsnotify.Create) && !e.Op.Has(fsnotify.Write) && !e.Op.Has(fsnotify.Rename) {
					continue
				}
				if !relevant(e.Name, exclude) {
					continue
				}
				pending[e.Name] = struct{}{}
				timer.Reset(cfg.Debounce)
			case <-timer.C:
				if len(pending) == 0 {
					continue
				}
				batch := make([]string, 0, len(pending))
				for p := range pending {
					batch = append(batch, p)
				}
				sort.Strings(batch)
				clear(pending)
				logger.Debug("watch.batch", "files", len(batch))
				select {
				case batches <- batch:
				case <-ctx.Done():
					return
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Error("watch.error", "error", err)
				select {
				case errs <- err:
				default:
				}
			}
		}
	}()
	return batches, errs, nil
}

// relevant reports whether path is a supported, visible document outside
// the excluded directories.
func relevant(path string, exclude []string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasPrefix(base, "~$") {
		return false
	}
	if constants.KindForExt(filepath.Ext(path)) == constants.KindUnsupported {
		return false
	}
	return !excluded(path, exclude)
}

func excluded(path string, exclude []string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	for _, e := range exclude {
		rel, err := filepath.Rel(e, abs)
		if err == nil && (rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))) {
			return true
		}
	}
	return false
}

// Submit calls submit once per emitted batch until the batches channel
// closes. Submission errors are logged and do not stop the loop.
func Submit(ctx context.Context, batches <-chan []string, submit func(ctx context.Context, paths []string) (string, error), logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	for batch := range batches {
		id, err := submit(ctx, batch)
		if errors.Is(err, context.Canceled) {
			return
		}
		if err != nil {
			logger.Warn("watch.submit.failed", "files", len(batch), "error", err)
			continue
		}
		logger.Info("watch.submit.ok", "job_id", id, "files", len(batch))
	}
}
