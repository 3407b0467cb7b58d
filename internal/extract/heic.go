package extract

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/joseph-ayodele/essay-pipeline/internal/common"
)

// ConvertHEIC converts a HEIC/HEIF image to PNG so the image decoder can read
// it. With a cache dir the PNG is kept at {cacheDir}/{sha256}.png and reused;
// otherwise it lives in a temp dir removed by cleanup. cleanup is never nil.
func (s *Service) ConvertHEIC(ctx context.Context, in string) (string, func(), error) {
	noop := func() {}

	var cached string
	if s.cfg.CacheDir != "" {
		sum, err := fileSHA256(in)
		if err != nil {
			return "", noop, err
		}
		cached = filepath.Join(s.cfg.CacheDir, sum+".png")
		if st, err := os.Stat(cached); err == nil && !st.IsDir() {
			s.logger.Debug("extract.heic.cache_hit", "cache", cached)
			return cached, noop, nil
		}
		if err := os.MkdirAll(s.cfg.CacheDir, 0o755); err != nil {
			return "", noop, err
		}
	}

	tmpDir, err := os.MkdirTemp("", "essay-heic-*")
	if err != nil {
		return "", noop, err
	}
	cleanup := func() { _ = os.RemoveAll(tmpDir) }
	out := filepath.Join(tmpDir, "page.png")

	var args []string
	switch s.cfg.HeicConverter {
	case "heif-convert", "magick":
		args = []string{in, out}
	case "sips":
		args = []string{"-s", "format", "png", in, "--out", out}
	default:
		cleanup()
		return "", noop, common.NewDependencyMissingError(
			"HEIC not supported: set the converter to one of heif-convert | magick | sips", nil)
	}
	if _, err := s.command(ctx, s.cfg.HeicConverter, args...); err != nil {
		cleanup()
		return "", noop, err
	}
	if _, err := os.Stat(out); err != nil {
		cleanup()
		return "", noop, fmt.Errorf("HEIC conversion produced no output: %w", err)
	}

	if cached == "" {
		return out, cleanup, nil
	}
	if err := moveFile(out, cached); err != nil {
		cleanup()
		return "", noop, err
	}
	cleanup()
	s.logger.Debug("extract.heic.cached", "cache", cached)
	return cached, noop, nil
}

// IsHEICPath reports whether path carries a HEIC/HEIF extension.
func IsHEICPath(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".heic" || ext == ".heif"
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// moveFile renames src to dst, copying when the rename crosses devices.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if st, err := os.Stat(dst); err == nil && !st.IsDir() {
		// another run already produced it
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
