// internal/runner/runner.go
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/uipilot/api/schemas"
	"github.com/xkilldash9x/uipilot/internal/audit"
	"github.com/xkilldash9x/uipilot/internal/browser"
	"github.com/xkilldash9x/uipilot/internal/config"
	"github.com/xkilldash9x/uipilot/internal/session"
	"github.com/xkilldash9x/uipilot/internal/workflow"
)

// ErrAccountBusy means another run held the session lock for too long.
var ErrAccountBusy = errors.New("another run is using this session")

// SessionLoader loads the session descriptor.
type SessionLoader interface {
	Load(path string) (*schemas.Session, error)
}

// Workflow drives the state machine against an opened page.
type Workflow interface {
	Run(ctx context.Context, page browser.Page, params schemas.RunParams, afterNavigate workflow.NavigateHook) workflow.Outcome
}

// Options configure a Runner.
type Options struct {
	SessionPath string
	// Origin is where local storage is replayed when the session names none.
	Origin        string
	Viewport      browser.Viewport
	UserAgent     string
	SerializeRuns bool
	LockTimeout   time.Duration

	Concurrency    int
	LaunchInterval time.Duration
}

// OptionsFromConfig gathers the runner settings from their sections.
func OptionsFromConfig(cfg config.Interface) Options {
	return Options{
		SessionPath:    cfg.Session().Path,
		Origin:         cfg.Target().Origin(),
		Viewport:       browser.Viewport{Width: cfg.Browser().Viewport.Width, Height: cfg.Browser().Viewport.Height},
		UserAgent:      cfg.Browser().UserAgent,
		SerializeRuns:  cfg.Session().SerializeRuns,
		LockTimeout:    cfg.Session().LockTimeout,
		Concurrency:    cfg.Batch().Concurrency,
		LaunchInterval: cfg.Batch().LaunchInterval,
	}
}

// Runner executes complete runs: session, browser, workflow, audit.
type Runner struct {
	logger   *zap.Logger
	sessions SessionLoader
	launcher browser.Launcher
	workflow Workflow
	sink     audit.Sink
	opts     Options

	now   func() time.Time
	newID func() string
}

// New creates a Runner. sink may be nil, in which case nothing is recorded.
func New(logger *zap.Logger, sessions SessionLoader, launcher browser.Launcher, wf Workflow, sink audit.Sink, opts Options) *Runner {
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 10 * time.Minute
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Runner{
		logger:   logger.Named("runner"),
		sessions: sessions,
		launcher: launcher,
		workflow: wf,
		sink:     sink,
		opts:     opts,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Run performs one run and always returns its result, which has already
// been appended to the audit sink when Run returns.
func (r *Runner) Run(ctx context.Context, params schemas.RunParams) (result schemas.RunResult) {
	started := r.now()
	result = schemas.RunResult{RunID: r.newID(), Params: params}
	logger := r.logger.With(zap.String("run_id", result.RunID), zap.String("context_id", params.ContextID))
	logger.Info("Run starting", zap.String("search", params.SearchText))

	defer func() {
		result.Timestamp = r.now().UTC().Format(time.RFC3339Nano)
		result.ElapsedMs = r.now().Sub(started).Milliseconds()
		r.record(ctx, logger, result)
	}()

	outcome, err := r.execute(ctx, logger, params)
	result.Steps = outcome.Steps
	result.Trace = outcome.Trace
	result.Screenshots = outcome.Screenshots
	result.FailedState = outcome.FailedState
	if err == nil {
		err = outcome.Err
	}
	if err != nil {
		result.Error = err.Error()
		result.ErrorKind = schemas.KindOf(err)
		logger.Error("Run failed", zap.String("kind", result.ErrorKind), zap.Error(err))
		return result
	}
	if outcome.Artifact == nil {
		result.Error = "workflow finished without an artifact"
		result.ErrorKind = schemas.KindInternal
		return result
	}
	result.Success = true
	result.ArtifactPath = outcome.Artifact.SavedPath
	result.SizeBytes = outcome.Artifact.SizeBytes
	logger.Info("Run succeeded", zap.String("artifact", result.ArtifactPath), zap.Int64("bytes", result.SizeBytes))
	return result
}

// execute returns an error only for failures before the workflow starts.
// Workflow failures are carried in the outcome.
func (r *Runner) execute(ctx context.Context, logger *zap.Logger, params schemas.RunParams) (workflow.Outcome, error) {
	sess, err := r.sessions.Load(r.opts.SessionPath)
	if err != nil {
		return workflow.Outcome{}, err
	}

	if r.opts.SerializeRuns {
		unlock, err := r.lockAccount(ctx, logger)
		if err != nil {
			return workflow.Outcome{}, err
		}
		defer unlock()
	}

	h, err := r.launcher.Open(ctx, sess, browser.OpenOptions{Viewport: r.opts.Viewport, UserAgent: r.opts.UserAgent})
	if err != nil {
		return workflow.Outcome{}, fmt.Errorf("open browser: %w", err)
	}
	defer func() {
		// Teardown must happen even when ctx is already done.
		if err := h.Close(browser.Detach(ctx)); err != nil {
			logger.Warn("Browser close reported an error", zap.Error(err))
		}
	}()

	page := h.Page()
	own := h.Session()
	if own == nil {
		own = sess
	}
	if err := session.ApplyCookies(ctx, page, own); err != nil {
		return workflow.Outcome{}, err
	}

	origin := own.Origin
	if origin == "" {
		origin = r.opts.Origin
	}
	return r.workflow.Run(ctx, page, params, replayHook(own, origin)), nil
}

// replayHook writes the session's local storage once the first navigation
// has put the page on the target origin, then loads the requested page again
// so the application starts with it. The origin check in ReplayLocalStorage
// still applies when the app has bounced to its own login page.
func replayHook(sess *schemas.Session, origin string) workflow.NavigateHook {
	return func(ctx context.Context, page browser.Page, target string) error {
		if len(sess.LocalStorage) == 0 {
			return nil
		}
		if err := session.ReplayLocalStorage(ctx, page, sess, origin); err != nil {
			return err
		}
		return page.Navigate(ctx, target)
	}
}

// lockAccount serialises runs sharing one session descriptor, across
// processes, by holding <session>.lock for the whole run.
func (r *Runner) lockAccount(ctx context.Context, logger *zap.Logger) (func(), error) {
	lock := flock.New(r.opts.SessionPath + ".lock")
	lockCtx, cancel := context.WithTimeout(ctx, r.opts.LockTimeout)
	defer cancel()

	locked, err := lock.TryLockContext(lockCtx, 250*time.Millisecond)
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil || !locked {
		return nil, fmt.Errorf("%w: waited %s for %s", ErrAccountBusy, r.opts.LockTimeout, lock.Path())
	}
	logger.Debug("Session lock acquired", zap.String("lock", lock.Path()))
	return func() {
		if err := lock.Unlock(); err != nil {
			logger.Warn("Failed to release session lock", zap.Error(err))
		}
	}, nil
}

func (r *Runner) record(ctx context.Context, logger *zap.Logger, result schemas.RunResult) {
	if r.sink == nil {
		return
	}
	// The entry is written even when the run was canceled.
	recordCtx, cancel := context.WithTimeout(browser.Detach(ctx), 30*time.Second)
	defer cancel()
	if err := r.sink.Append(recordCtx, result); err != nil {
		logger.Error("Failed to record run result", zap.Error(err))
	}
}
