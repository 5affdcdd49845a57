// internal/audit/log.go
package audit

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/uipilot/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Sink receives every finished run.
type Sink interface {
	Append(ctx context.Context, result schemas.RunResult) error
}

// maxLine bounds a single entry when reading the log back.
const maxLine = 4 << 20

// Log is an append-only JSON Lines file. Entries are never rewritten.
type Log struct {
	path   string
	logger *zap.Logger
	// lockTimeout bounds the wait for the companion lock file.
	lockTimeout time.Duration
}

// NewLog creates a Log at path. The directory is created on first append.
func NewLog(logger *zap.Logger, path string) *Log {
	return &Log{path: path, logger: logger.Named("audit"), lockTimeout: 30 * time.Second}
}

// Path returns the log file location.
func (l *Log) Path() string { return l.path }

func lockPath(path string) string { return path + ".lock" }

// Append writes result as one line. The write happens under an exclusive
// flock on <path>.lock, so entries from concurrent processes never
// interleave.
func (l *Log) Append(ctx context.Context, result schemas.RunResult) error {
	line, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode run result: %w", err)
	}
	line = append(line, '\n')

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create audit directory: %w", err)
	}

	lock := flock.New(lockPath(l.path))
	lockCtx, cancel := context.WithTimeout(ctx, l.lockTimeout)
	defer cancel()
	locked, err := lock.TryLockContext(lockCtx, 25*time.Millisecond)
	if err != nil {
		return fmt.Errorf("lock audit log: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock audit log: %s is held by another process", lockPath(l.path))
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			l.logger.Warn("Failed to release audit lock", zap.Error(err))
		}
	}()

	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("append audit entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync audit log: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}

	l.logger.Debug("Run recorded", zap.String("run_id", result.RunID), zap.Bool("success", result.Success))
	return nil
}

// Read parses every entry in file order. A missing log reads as empty.
// Lines that do not parse are skipped with a warning.
func (l *Log) Read() ([]schemas.RunResult, error) {
	f, err := os.Open(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var out []schemas.RunResult
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var r schemas.RunResult
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			l.logger.Warn("Skipping unreadable audit entry", zap.Int("line", lineNo), zap.Error(err))
			continue
		}
		out = append(out, r)
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("read audit log: %w", err)
	}
	return out, nil
}
