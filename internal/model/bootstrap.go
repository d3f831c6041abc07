package model

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/micbridge/micbridge/internal/config"
)

const downloadTimeout = 5 * time.Minute

// Ready reports whether dir holds a usable model. Small Vosk models always
// ship graph/Gr.fst, which makes it a reliable marker.
func Ready(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, "graph", "Gr.fst"))
	return err == nil && !info.IsDir()
}

// Ensure makes the model directory usable, downloading and extracting the
// archive when necessary. A failure here is fatal at startup: the process
// must not serve traffic without recognition capability.
func Ensure(ctx context.Context, cfg config.ModelConfig, log *slog.Logger) error {
	if Ready(cfg.Dir) {
		log.Info("model already present", slog.String("dir", cfg.Dir))
		return nil
	}
	parent := filepath.Dir(cfg.Dir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("create model parent dir: %w", err)
	}

	log.Info("downloading model", slog.String("url", cfg.URL))
	archive, err := download(ctx, cfg.URL)
	if err != nil {
		return err
	}
	defer os.Remove(archive)

	if err := extract(archive, parent); err != nil {
		return err
	}

	// The archive may carry a different top-level folder name; adopt the
	// first extracted directory that passes the marker check.
	if !Ready(cfg.Dir) {
		if err := adoptExtracted(parent, cfg.Dir); err != nil {
			return err
		}
	}
	if !Ready(cfg.Dir) {
		return fmt.Errorf("model extracted but structure invalid at %s", cfg.Dir)
	}
	log.Info("model ready", slog.String("dir", cfg.Dir))
	return nil
}

func download(ctx context.Context, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build model request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download model: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download model: unexpected status %s", resp.Status)
	}

	tmp, err := os.CreateTemp("", "micbridge_model_*.zip")
	if err != nil {
		return "", fmt.Errorf("create temp archive: %w", err)
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("save model archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close temp archive: %w", err)
	}
	return tmp.Name(), nil
}

func extract(archive, dest string) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return fmt.Errorf("open model archive: %w", err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		target := filepath.Join(dest, f.Name)
		// Reject entries escaping the destination directory.
		if !strings.HasPrefix(filepath.Clean(target)+string(os.PathSeparator), filepath.Clean(dest)+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry escapes destination: %s", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create dir %s: %w", f.Name, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("create parent dir for %s: %w", f.Name, err)
		}
		if err := extractFile(f, target); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, target string) error {
	src, err := f.Open()
	if err != nil {
		return fmt.Errorf("open archive entry %s: %w", f.Name, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("extract %s: %w", f.Name, err)
	}
	return dst.Close()
}

func adoptExtracted(parent, want string) error {
	entries, err := os.ReadDir(parent)
	if err != nil {
		return fmt.Errorf("scan extracted model dir: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		candidate := filepath.Join(parent, entry.Name())
		if candidate == want || !Ready(candidate) {
			continue
		}
		if err := os.Rename(candidate, want); err != nil {
			return fmt.Errorf("rename extracted model dir: %w", err)
		}
		return nil
	}
	return nil
}
