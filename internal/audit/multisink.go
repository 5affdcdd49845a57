// internal/audit/multisink.go
package audit

import (
	"context"

	"go.uber.org/zap"

	"github.com/xkilldash9x/uipilot/api/schemas"
)

// MultiSink writes to a primary sink and any number of mirrors. Only the
// primary's error is returned; mirror failures are logged.
type MultiSink struct {
	primary Sink
	mirrors []Sink
	logger  *zap.Logger
}

// NewMultiSink fans out to primary and mirrors.
func NewMultiSink(logger *zap.Logger, primary Sink, mirrors ...Sink) *MultiSink {
	return &MultiSink{primary: primary, mirrors: mirrors, logger: logger.Named("audit")}
}

func (m *MultiSink) Append(ctx context.Context, result schemas.RunResult) error {
	err := m.primary.Append(ctx, result)
	for _, s := range m.mirrors {
		if mErr := s.Append(ctx, result); mErr != nil {
			m.logger.Warn("Audit mirror failed", zap.String("run_id", result.RunID), zap.Error(mErr))
		}
	}
	return err
}
