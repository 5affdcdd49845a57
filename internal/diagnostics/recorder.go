// internal/diagnostics/recorder.go
package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/uipilot/internal/browser"
	"github.com/xkilldash9x/uipilot/internal/config"
)

// TimestampLayout is the UTC, filename-safe stamp in screenshot names.
const TimestampLayout = "20060102T150405.000Z"

var labelChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// Recorder writes diagnostic screenshots. It is a side channel: a failed
// capture is reported to the caller but never replaces the run's error.
type Recorder struct {
	logger  *zap.Logger
	dir     string
	timeout time.Duration
	now     func() time.Time
}

// NewRecorder creates a Recorder writing under cfg.Dir.
func NewRecorder(logger *zap.Logger, cfg config.DiagnosticsConfig) *Recorder {
	timeout := cfg.CaptureTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dir := cfg.Dir
	if dir == "" {
		dir = "diagnostics"
	}
	return &Recorder{logger: logger.Named("diagnostics"), dir: dir, timeout: timeout, now: time.Now}
}

// Capture saves {label}_{timestamp}.png. It works on a context detached from
// ctx, so a run that failed by timing out still gets its screenshot.
func (r *Recorder) Capture(ctx context.Context, page browser.Page, label string) (string, error) {
	captureCtx, cancel := context.WithTimeout(browser.Detach(ctx), r.timeout)
	defer cancel()

	png, err := page.Screenshot(captureCtx)
	if err != nil {
		return "", fmt.Errorf("screenshot %s: %w", label, err)
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return "", fmt.Errorf("create diagnostics directory: %w", err)
	}

	safe := labelChars.ReplaceAllString(label, "_")
	if safe == "" {
		safe = "capture"
	}
	stamp := r.now().UTC().Format(TimestampLayout)
	for i := 1; i < 100; i++ {
		name := fmt.Sprintf("%s_%s.png", safe, stamp)
		if i > 1 {
			name = fmt.Sprintf("%s_%s-%d.png", safe, stamp, i)
		}
		path := filepath.Join(r.dir, name)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		if _, err := f.Write(png); err != nil {
			f.Close()
			return "", err
		}
		if err := f.Close(); err != nil {
			return "", err
		}
		r.logger.Info("Diagnostic screenshot saved", zap.String("label", label), zap.String("path", path))
		return path, nil
	}
	return "", fmt.Errorf("no free screenshot name for %s at %s", safe, stamp)
}
