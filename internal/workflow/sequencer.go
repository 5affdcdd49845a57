// internal/workflow/sequencer.go
package workflow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"text/template"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/uipilot/api/schemas"
	"github.com/xkilldash9x/uipilot/internal/browser"
	"github.com/xkilldash9x/uipilot/internal/config"
	"github.com/xkilldash9x/uipilot/internal/resolver"
)

// ElementResolver is the part of resolver.Resolver the sequencer uses.
type ElementResolver interface {
	Resolve(ctx context.Context, page browser.Page, q schemas.ElementQuery, timeout time.Duration) (resolver.Resolution, error)
	Probe(ctx context.Context, page browser.Page, q schemas.ElementQuery) (resolver.Resolution, error)
}

// Downloads subscribes to and verifies the artifact download.
type Downloads interface {
	Expect(ctx context.Context, page browser.Page) (browser.PendingDownload, error)
	Await(ctx context.Context, pending browser.PendingDownload, params schemas.RunParams) (*schemas.DownloadArtifact, error)
}

// Recorder captures diagnostic screenshots. It reports the written path.
type Recorder interface {
	Capture(ctx context.Context, page browser.Page, label string) (string, error)
}

// NavigateHook runs once, right after the first successful navigation and
// before the session check. target is the URL that navigation asked for;
// a hook that changes page state navigates there again.
type NavigateHook func(ctx context.Context, page browser.Page, target string) error

// Options tune the sequencer.
type Options struct {
	DefaultSettle      time.Duration
	DefaultStepTimeout time.Duration
	PollInterval       time.Duration
	PollMax            int
	AuthMarkers        []string
	Checkpoints        []string
	// Format is exposed to step templates as {{.Format}}.
	Format string
}

// OptionsFromConfig gathers the sequencer settings from their sections.
func OptionsFromConfig(cfg config.Interface) Options {
	return Options{
		DefaultSettle:      cfg.Workflow().DefaultSettle,
		DefaultStepTimeout: cfg.Workflow().DefaultStepTimeout,
		PollInterval:       cfg.Workflow().TransformPollInterval,
		PollMax:            cfg.Workflow().TransformPollMax,
		AuthMarkers:        cfg.Target().AuthMarkers,
		Checkpoints:        cfg.Diagnostics().Checkpoints,
		Format:             cfg.Download().Format,
	}
}

// Outcome is everything a run of the state machine produced.
type Outcome struct {
	Artifact    *schemas.DownloadArtifact
	Steps       []schemas.StepOutcome
	Trace       []schemas.ResolveAttempt
	Screenshots []string
	// FailedState is set when the machine ended in FAILED.
	FailedState schemas.State
	Err         error
}

// Sequencer drives one workflow against a page. It keeps no per-run state,
// so one Sequencer serves any number of concurrent runs.
type Sequencer struct {
	logger    *zap.Logger
	wf        schemas.Workflow
	resolver  ElementResolver
	downloads Downloads
	recorder  Recorder
	opts      Options

	// authCheck bounds each read of the page location.
	authCheck time.Duration
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewSequencer creates a Sequencer. recorder may be nil.
func NewSequencer(logger *zap.Logger, wf schemas.Workflow, r ElementResolver, d Downloads, rec Recorder, opts Options) *Sequencer {
	if opts.DefaultStepTimeout <= 0 {
		opts.DefaultStepTimeout = 20 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.PollMax <= 0 {
		opts.PollMax = 15
	}
	return &Sequencer{
		logger:    logger.Named("sequencer"),
		wf:        wf,
		resolver:  r,
		downloads: d,
		recorder:  rec,
		opts:      opts,
		authCheck: 5 * time.Second,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// templateData is what step templates see.
type templateData struct {
	schemas.RunParams
	Format string
}

// run carries the mutable state of one pass through the table.
type run struct {
	page     browser.Page
	data     templateData
	hook     NavigateHook
	out      *Outcome
	navCount int
	verifyMs int64
}

// Run executes the workflow in declared order. It never returns an error;
// the outcome carries it.
func (s *Sequencer) Run(ctx context.Context, page browser.Page, params schemas.RunParams, afterNavigate NavigateHook) Outcome {
	out := Outcome{}
	r := &run{page: page, data: templateData{RunParams: params, Format: s.opts.Format}, hook: afterNavigate, out: &out}
	state := schemas.StateNavStart

	for i, step := range s.wf.Steps {
		if step.State != state {
			s.logger.Debug("State transition", zap.String("from", string(state)), zap.String("to", string(step.State)))
			state = step.State
		}
		started := time.Now()
		outcome := schemas.StepOutcome{Name: step.Name, State: step.State}

		when, err := render(step.When, r.data)
		if err == nil && step.When != "" && strings.TrimSpace(when) == "" {
			outcome.Status = schemas.StepSkipped
			out.Steps = append(out.Steps, outcome)
			s.logger.Debug("Step skipped", zap.String("step", step.Name))
			continue
		}
		if err == nil {
			err = s.execute(ctx, r, step)
		}
		if err == nil {
			err = s.settle(ctx, r, step)
		}
		outcome.ElapsedMs = time.Since(started).Milliseconds()

		if err != nil {
			se := stepError(step, err)
			outcome.Error = se.Error()
			if s.recoverable(step, se) {
				outcome.Status = schemas.StepRecovered
				out.Steps = append(out.Steps, outcome)
				s.logger.Warn("Recoverable step failed, continuing", zap.String("step", step.Name),
					zap.String("state", string(step.State)), zap.Error(se))
				continue
			}
			outcome.Status = schemas.StepFailed
			out.Steps = append(out.Steps, outcome)
			s.fail(ctx, r, se)
			return out
		}

		outcome.Status = schemas.StepSucceeded
		out.Steps = append(out.Steps, outcome)
		if step.Action == schemas.ActionDownload {
			out.Steps = append(out.Steps, schemas.StepOutcome{
				Name: "verify", State: schemas.StateVerify, Status: schemas.StepSucceeded, ElapsedMs: r.verifyMs,
			})
		}
		if s.isCheckpoint(step.State) && (i == len(s.wf.Steps)-1 || s.wf.Steps[i+1].State != step.State) {
			s.capture(ctx, r, string(step.State))
		}
	}

	if out.Artifact == nil {
		s.fail(ctx, r, &schemas.StepError{State: state, Step: "end",
			Cause: errors.New("workflow finished without capturing a download")})
		return out
	}
	s.logger.Info("Workflow reached DONE", zap.String("artifact", out.Artifact.SavedPath), zap.Int64("bytes", out.Artifact.SizeBytes))
	return out
}

func (s *Sequencer) fail(ctx context.Context, r *run, se *schemas.StepError) {
	r.out.FailedState = se.State
	r.out.Err = se
	s.logger.Error("Workflow entered FAILED",
		zap.String("state", string(se.State)),
		zap.String("step", se.Step),
		zap.String("kind", schemas.KindOf(se)),
		zap.Error(se.Cause),
	)
	s.capture(ctx, r, string(se.State))
}

func (s *Sequencer) capture(ctx context.Context, r *run, label string) {
	if s.recorder == nil {
		return
	}
	path, err := s.recorder.Capture(ctx, r.page, label)
	if err != nil {
		s.logger.Warn("Diagnostic capture failed", zap.String("label", label), zap.Error(err))
		return
	}
	r.out.Screenshots = append(r.out.Screenshots, path)
}

func (s *Sequencer) isCheckpoint(state schemas.State) bool {
	for _, c := range s.opts.Checkpoints {
		if strings.EqualFold(c, string(state)) {
			return true
		}
	}
	return false
}

// recoverable applies the declared severity. A return to the login page
// always ends the run.
func (s *Sequencer) recoverable(step schemas.WorkflowStep, err error) bool {
	if !step.Recoverable() {
		return false
	}
	switch schemas.KindOf(err) {
	case schemas.KindElementNotFound, schemas.KindActionTimeout:
		return true
	}
	return false
}

func stepError(step schemas.WorkflowStep, err error) *schemas.StepError {
	var se *schemas.StepError
	if errors.As(err, &se) {
		return se
	}
	se = &schemas.StepError{State: step.State, Step: step.Name, Cause: err}
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, schemas.ErrActionTimeout) {
		se.Kind = schemas.ErrActionTimeout
	}
	return se
}

// settle observes the step's settle window, then checks that the session
// is still alive.
func (s *Sequencer) settle(ctx context.Context, r *run, step schemas.WorkflowStep) error {
	d := step.Settle
	if d == 0 {
		d = s.opts.DefaultSettle
	}
	if step.Action == schemas.ActionWaitFor || step.Action == schemas.ActionDownload {
		d = step.Settle
	}
	if err := s.sleep(ctx, d); err != nil {
		return err
	}
	return s.checkAuth(ctx, r.page, step)
}

// checkAuth fails with UnexpectedUIState when the page sits on an
// authentication URL.
func (s *Sequencer) checkAuth(ctx context.Context, page browser.Page, step schemas.WorkflowStep) error {
	if len(s.opts.AuthMarkers) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.authCheck)
	defer cancel()
	current, err := page.CurrentURL(ctx)
	if err != nil {
		s.logger.Debug("Could not read location for the session check", zap.Error(err))
		return nil
	}
	u, err := url.Parse(current)
	if err != nil {
		return nil
	}
	where := strings.ToLower(u.Path + "#" + u.Fragment)
	for _, m := range s.opts.AuthMarkers {
		if m != "" && strings.Contains(where, strings.ToLower(m)) {
			return &schemas.StepError{State: step.State, Step: step.Name, Kind: schemas.ErrUnexpectedUIState,
				Cause: fmt.Errorf("redirected to %s; the session has likely expired", current)}
		}
	}
	return nil
}

func (s *Sequencer) timeout(step schemas.WorkflowStep) time.Duration {
	if step.Timeout > 0 {
		return step.Timeout
	}
	return s.opts.DefaultStepTimeout
}

func (s *Sequencer) execute(ctx context.Context, r *run, step schemas.WorkflowStep) error {
	timeout := s.timeout(step)
	if step.Poll != nil {
		// The poll cap is the bound; the step timeout only covers one probe.
		interval, limit := s.pollBounds(step.Poll)
		timeout += interval * time.Duration(limit)
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.logger.Debug("Executing step", zap.String("step", step.Name), zap.String("state", string(step.State)),
		zap.String("action", string(step.Action)), zap.Duration("timeout", timeout))

	switch step.Action {
	case schemas.ActionNavigate:
		return s.navigate(stepCtx, r, step)
	case schemas.ActionClick:
		h, err := s.locate(stepCtx, r, step, *step.Target)
		if err != nil {
			return err
		}
		return r.page.Click(stepCtx, h)
	case schemas.ActionFill:
		value, err := render(step.Value, r.data)
		if err != nil {
			return err
		}
		h, err := s.locate(stepCtx, r, step, *step.Target)
		if err != nil {
			return err
		}
		return r.page.Fill(stepCtx, h, value)
	case schemas.ActionPress:
		key, err := render(step.Value, r.data)
		if err != nil {
			return err
		}
		if key == "" {
			key = "Enter"
		}
		h, err := s.locate(stepCtx, r, step, *step.Target)
		if err != nil {
			return err
		}
		return r.page.Press(stepCtx, h, key)
	case schemas.ActionWaitFor:
		if step.Poll != nil {
			return s.poll(stepCtx, r, step)
		}
		_, err := s.locate(stepCtx, r, step, *step.Target)
		return err
	case schemas.ActionDownload:
		return s.download(ctx, stepCtx, r, step)
	}
	return fmt.Errorf("unknown action %q", step.Action)
}

func (s *Sequencer) navigate(ctx context.Context, r *run, step schemas.WorkflowStep) error {
	target, err := render(step.Value, r.data)
	if err != nil {
		return err
	}
	target = resolveURL(s.wf.StartURL, target)
	if target == "" {
		return errors.New("navigate step has no URL and the workflow has no start URL")
	}
	if err := r.page.Navigate(ctx, target); err != nil {
		return err
	}
	r.navCount++
	if r.navCount == 1 && r.hook != nil {
		// Apps that keep their token in local storage bounce to the login
		// page until it is written, so the check waits for the hook.
		if err := r.hook(ctx, r.page, target); err != nil {
			return err
		}
	}
	return s.checkAuth(ctx, r.page, step)
}

func resolveURL(base, ref string) string {
	if ref == "" {
		return base
	}
	b, err := url.Parse(base)
	if err != nil || base == "" {
		return ref
	}
	u, err := b.Parse(ref)
	if err != nil {
		return ref
	}
	return u.String()
}

// locate resolves a step's control. Before reporting it missing, the page
// is checked for an auth redirect so an expired session never reads as
// selector drift.
func (s *Sequencer) locate(ctx context.Context, r *run, step schemas.WorkflowStep, target schemas.ElementQuery) (schemas.ElementHandle, error) {
	q, err := renderQuery(target, r.data)
	if err != nil {
		return schemas.ElementHandle{}, err
	}
	res, err := s.resolver.Resolve(ctx, r.page, q, s.timeout(step))
	r.out.Trace = append(r.out.Trace, res.Trace...)
	if authErr := s.checkAuth(context.WithoutCancel(ctx), r.page, step); authErr != nil && (err != nil || !res.Found) {
		return schemas.ElementHandle{}, authErr
	}
	if err != nil {
		return schemas.ElementHandle{}, err
	}
	if !res.Found {
		return schemas.ElementHandle{}, fmt.Errorf("%w: %q after %d strategies", schemas.ErrElementNotFound, q.Name, len(res.Trace))
	}
	return res.Handle, nil
}

func (s *Sequencer) pollBounds(p *schemas.PollSpec) (time.Duration, int) {
	interval, limit := p.Interval, p.MaxIterations
	if interval <= 0 {
		interval = s.opts.PollInterval
	}
	if limit <= 0 {
		limit = s.opts.PollMax
	}
	return interval, limit
}

// poll probes for a completion control at a fixed interval up to a hard cap.
func (s *Sequencer) poll(ctx context.Context, r *run, step schemas.WorkflowStep) error {
	q, err := renderQuery(step.Poll.Target, r.data)
	if err != nil {
		return err
	}
	interval, limit := s.pollBounds(step.Poll)

	for i := 1; i <= limit; i++ {
		res, err := s.resolver.Probe(ctx, r.page, q)
		r.out.Trace = append(r.out.Trace, res.Trace...)
		if err != nil {
			return err
		}
		if res.Found {
			s.logger.Info("Completion control appeared", zap.String("step", step.Name), zap.Int("iteration", i), zap.Int("cap", limit))
			return nil
		}
		if err := s.checkAuth(ctx, r.page, step); err != nil {
			return err
		}
		if i == limit {
			break
		}
		if err := s.sleep(ctx, interval); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w: %q not present after %d polls at %s", schemas.ErrActionTimeout, q.Name, limit, interval)
}

// download subscribes before the click, so the event cannot be missed,
// then waits for and verifies the file. The wait is bounded by the
// verifier's own timeout, not the step's.
func (s *Sequencer) download(runCtx, stepCtx context.Context, r *run, step schemas.WorkflowStep) error {
	pending, err := s.downloads.Expect(stepCtx, r.page)
	if err != nil {
		return fmt.Errorf("subscribe to download: %w", err)
	}
	h, err := s.locate(stepCtx, r, step, *step.Target)
	if err != nil {
		pending.Cancel()
		return err
	}
	if err := r.page.Click(stepCtx, h); err != nil {
		pending.Cancel()
		return err
	}

	started := time.Now()
	artifact, err := s.downloads.Await(runCtx, pending, r.data.RunParams)
	if err != nil {
		state := schemas.StateDownload
		if errors.Is(err, schemas.ErrDownloadIntegrity) {
			state = schemas.StateVerify
		}
		return &schemas.StepError{State: state, Step: step.Name, Cause: err}
	}
	r.out.Artifact = artifact
	r.verifyMs = time.Since(started).Milliseconds()
	return nil
}

func render(text string, data templateData) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	t, err := template.New("step").Option("missingkey=zero").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse template %q: %w", text, err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render template %q: %w", text, err)
	}
	return buf.String(), nil
}

func renderQuery(q schemas.ElementQuery, data templateData) (schemas.ElementQuery, error) {
	out := q
	out.Strategies = make([]schemas.Strategy, len(q.Strategies))
	for i, st := range q.Strategies {
		var err error
		if st.Value, err = render(st.Value, data); err != nil {
			return q, err
		}
		if st.Scope, err = render(st.Scope, data); err != nil {
			return q, err
		}
		if len(st.Keywords) > 0 {
			kws := make([]string, len(st.Keywords))
			for j, kw := range st.Keywords {
				if kws[j], err = render(kw, data); err != nil {
					return q, err
				}
			}
			st.Keywords = kws
		}
		out.Strategies[i] = st
	}
	return out, nil
}
