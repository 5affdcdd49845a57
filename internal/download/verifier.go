// internal/download/verifier.go
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/uipilot/api/schemas"
	"github.com/xkilldash9x/uipilot/internal/browser"
	"github.com/xkilldash9x/uipilot/internal/config"
)

// Options tune capture and verification.
type Options struct {
	// Dir receives artifacts when the run names no output directory.
	Dir string
	// StagingDir is where the browser writes before relocation. Empty means
	// a per-subscription temp directory.
	StagingDir string
	MinBytes   int64
	// Format is assumed when the suggested name has no extension.
	Format  string
	Timeout time.Duration
}

// OptionsFromConfig maps the download config section.
func OptionsFromConfig(cfg config.DownloadConfig) Options {
	return Options{Dir: cfg.Dir, StagingDir: cfg.StagingDir, MinBytes: cfg.MinBytes, Format: cfg.Format, Timeout: cfg.Timeout}
}

// Verifier captures the export download, relocates it under its canonical
// name and checks it before anyone sees a path.
type Verifier struct {
	logger *zap.Logger
	opts   Options
}

// NewVerifier creates a Verifier.
func NewVerifier(logger *zap.Logger, opts Options) *Verifier {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	if opts.Dir == "" {
		opts.Dir = "downloads"
	}
	return &Verifier{logger: logger.Named("download"), opts: opts}
}

// Expect subscribes to the next download. It must be called before the
// click that triggers it.
func (v *Verifier) Expect(ctx context.Context, page browser.Page) (browser.PendingDownload, error) {
	dir := v.opts.StagingDir
	var err error
	if dir == "" {
		dir, err = os.MkdirTemp("", "uipilot-download-")
	} else {
		err = os.MkdirAll(dir, 0o755)
	}
	if err != nil {
		return nil, fmt.Errorf("prepare staging directory: %w", err)
	}
	if dir, err = filepath.Abs(dir); err != nil {
		return nil, err
	}
	pending, err := page.ExpectDownload(ctx, dir)
	if err != nil {
		return nil, err
	}
	return &stagedDownload{PendingDownload: pending, dir: dir, temp: v.opts.StagingDir == ""}, nil
}

// stagedDownload removes its temp staging directory once released.
type stagedDownload struct {
	browser.PendingDownload
	dir  string
	temp bool
}

func (s *stagedDownload) Cancel() {
	s.PendingDownload.Cancel()
	if s.temp {
		_ = os.RemoveAll(s.dir)
	}
}

// Await waits for the subscribed download, bounded by the configured
// timeout, then stores and verifies it.
func (v *Verifier) Await(ctx context.Context, pending browser.PendingDownload, params schemas.RunParams) (*schemas.DownloadArtifact, error) {
	defer pending.Cancel()

	waitCtx, cancel := context.WithTimeout(ctx, v.opts.Timeout)
	defer cancel()
	started := time.Now()

	ev, err := pending.Wait(waitCtx)
	switch {
	case err == nil:
	case errors.Is(err, browser.ErrDownloadCanceled):
		return nil, fmt.Errorf("%w: %v", schemas.ErrDownloadIntegrity, err)
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		return nil, fmt.Errorf("%w: no download finished within %s", schemas.ErrDownloadTimedOut, v.opts.Timeout)
	default:
		return nil, fmt.Errorf("wait for download: %w", err)
	}

	v.logger.Info("Download finished",
		zap.String("suggested_name", ev.SuggestedName),
		zap.String("url", ev.URL),
		zap.Duration("waited", time.Since(started)),
	)
	return v.Store(ev.Path, ev.SuggestedName, params)
}

// Store moves src to its canonical name in the output directory and runs
// the size and signature checks. A file that fails is deleted and no path
// is returned.
func (v *Verifier) Store(src, suggested string, params schemas.RunParams) (*schemas.DownloadArtifact, error) {
	stem, ext := splitName(suggested)
	if ext == "" {
		ext = normalizeFormat(v.opts.Format)
	}
	if stem == "" || stem == "." {
		stem = "download"
	}

	dir := params.OutputDir
	if dir == "" {
		dir = v.opts.Dir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	dst, err := reserve(dir, params.ContextID, params.Parameter, stem, ext)
	if err != nil {
		return nil, err
	}
	if err := move(src, dst); err != nil {
		_ = os.Remove(dst)
		return nil, fmt.Errorf("relocate download: %w", err)
	}

	artifact, err := v.verify(dst, suggested, ext)
	if err != nil {
		if rmErr := os.Remove(dst); rmErr != nil {
			v.logger.Error("Failed to delete rejected download", zap.String("path", dst), zap.Error(rmErr))
		}
		v.logger.Warn("Download rejected", zap.String("suggested_name", suggested), zap.Error(err))
		return nil, err
	}
	v.logger.Info("Artifact stored",
		zap.String("path", artifact.SavedPath),
		zap.Int64("bytes", artifact.SizeBytes),
		zap.String("format", artifact.Format),
	)
	return artifact, nil
}

func (v *Verifier) verify(path, suggested, format string) (*schemas.DownloadArtifact, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", schemas.ErrDownloadIntegrity, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", schemas.ErrDownloadIntegrity, err)
	}
	header := make([]byte, HeaderSize)
	n, err := io.ReadFull(f, header)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: read header: %v", schemas.ErrDownloadIntegrity, err)
	}
	header = header[:n]

	if info.Size() < v.opts.MinBytes {
		return nil, fmt.Errorf("%w: %d bytes is below the %d byte minimum", schemas.ErrDownloadIntegrity, info.Size(), v.opts.MinBytes)
	}
	if !Known(format) {
		return nil, fmt.Errorf("%w: no signature known for format %q", schemas.ErrDownloadIntegrity, format)
	}
	if !MatchesFormat(format, header) {
		return nil, fmt.Errorf("%w: header %x is not %s", schemas.ErrDownloadIntegrity, header, format)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return &schemas.DownloadArtifact{
		SuggestedName: suggested,
		SavedPath:     abs,
		SizeBytes:     info.Size(),
		HeaderBytes:   header,
		Format:        normalizeFormat(format),
	}, nil
}

// move renames src over the reserved dst, copying when they are on
// different filesystems.
func move(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
