// internal/audit/follow.go
package audit

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/hpcloud/tail"
	"go.uber.org/zap"

	"github.com/xkilldash9x/uipilot/api/schemas"
)

// Follow streams entries appended to the log at path until ctx is done or
// fn returns an error. With fromStart the existing entries are delivered
// first; otherwise only new ones are.
func Follow(ctx context.Context, logger *zap.Logger, path string, fromStart bool, fn func(schemas.RunResult) error) error {
	loc := &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd}
	if fromStart {
		loc = &tail.SeekInfo{Offset: 0, Whence: io.SeekStart}
	}
	t, err := tail.TailFile(path, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: false,
		Location:  loc,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to tail audit log: %w", err)
	}
	defer func() {
		_ = t.Stop()
		t.Cleanup()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-t.Lines:
			if !ok {
				if err := t.Err(); err != nil {
					return fmt.Errorf("audit tail stopped: %w", err)
				}
				return nil
			}
			if line.Err != nil {
				logger.Warn("Audit tail read error", zap.Error(line.Err))
				continue
			}
			text := strings.TrimSpace(line.Text)
			if text == "" {
				continue
			}
			var r schemas.RunResult
			if err := json.Unmarshal([]byte(text), &r); err != nil {
				logger.Warn("Skipping unreadable audit entry", zap.Error(err))
				continue
			}
			if err := fn(r); err != nil {
				return err
			}
		}
	}
}
