// internal/resolver/resolver.go
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/uipilot/api/schemas"
	"github.com/xkilldash9x/uipilot/internal/browser"
	"github.com/xkilldash9x/uipilot/internal/config"
)

// Options tune resolution.
type Options struct {
	PollInterval      time.Duration
	DefaultTimeout    time.Duration
	HeuristicKeywords []string
	MaxScanCandidates int
}

// OptionsFromConfig maps the resolver config section.
func OptionsFromConfig(cfg config.ResolverConfig) Options {
	return Options{
		PollInterval:      cfg.PollInterval,
		DefaultTimeout:    cfg.DefaultTimeout,
		HeuristicKeywords: cfg.HeuristicKeywords,
		MaxScanCandidates: cfg.MaxScanCandidates,
	}
}

// Resolution is the explicit found / not found outcome of one query.
type Resolution struct {
	Found  bool
	Handle schemas.ElementHandle
	Trace  []schemas.ResolveAttempt
}

// Resolver locates logical controls through an ordered list of strategies.
// It holds no page state; every call takes the page it works on.
type Resolver struct {
	logger *zap.Logger
	opts   Options

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Resolver.
func New(logger *zap.Logger, opts Options) *Resolver {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 15 * time.Second
	}
	if opts.MaxScanCandidates <= 0 {
		opts.MaxScanCandidates = 25
	}
	return &Resolver{
		logger: logger.Named("resolver"),
		opts:   opts,
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resolve tries each strategy in declared order and returns the first
// visible, enabled match. Every strategy gets an equal share of what is left
// of the budget, so time a fast-failing strategy does not use flows to the
// ones after it. Not finding anything is a Resolution with Found false; an
// error means the page or the context failed.
func (r *Resolver) Resolve(ctx context.Context, page browser.Page, q schemas.ElementQuery, timeout time.Duration) (Resolution, error) {
	if err := q.Validate(); err != nil {
		return Resolution{}, err
	}
	if timeout <= 0 {
		timeout = q.Timeout
	}
	if timeout <= 0 {
		timeout = r.opts.DefaultTimeout
	}

	start := r.now()
	deadline := start.Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	var res Resolution
	n := len(q.Strategies)
	for i, s := range q.Strategies {
		remaining := deadline.Sub(r.now())
		if remaining < 0 {
			remaining = 0
		}
		share := remaining / time.Duration(n-i)

		attempt, handle, found, err := r.runStrategy(ctx, page, q.Name, s, share)
		res.Trace = append(res.Trace, attempt)
		if err != nil {
			return res, err
		}
		if found {
			res.Found = true
			res.Handle = handle
			r.logger.Info("Element resolved",
				zap.String("query", q.Name),
				zap.String("strategy", attempt.Strategy),
				zap.Int("position", i),
				zap.String("handle", handle.String()),
				zap.Duration("elapsed", r.now().Sub(start)),
			)
			return res, nil
		}
	}

	r.logger.Warn("Element not found by any strategy",
		zap.String("query", q.Name),
		zap.Duration("budget", timeout),
		zap.String("trace", FormatTrace(res.Trace)),
	)
	return res, nil
}

// Probe makes a single pass over every strategy without waiting. It is what
// a bounded poll loop calls once per iteration.
func (r *Resolver) Probe(ctx context.Context, page browser.Page, q schemas.ElementQuery) (Resolution, error) {
	if err := q.Validate(); err != nil {
		return Resolution{}, err
	}
	var res Resolution
	for _, s := range q.Strategies {
		attempt, handle, found, err := r.runStrategy(ctx, page, q.Name, s, 0)
		res.Trace = append(res.Trace, attempt)
		if err != nil {
			return res, err
		}
		if found {
			res.Found = true
			res.Handle = handle
			return res, nil
		}
	}
	return res, nil
}

// runStrategy polls one strategy until it matches or its share runs out.
// It always polls at least once.
func (r *Resolver) runStrategy(ctx context.Context, page browser.Page, query string, s schemas.Strategy, share time.Duration) (schemas.ResolveAttempt, schemas.ElementHandle, bool, error) {
	start := r.now()
	until := start.Add(share)
	attempt := schemas.ResolveAttempt{Query: query, Strategy: s.String()}

	var lastErr error
	for {
		attempt.Polls++
		handle, note, err := r.locate(ctx, page, s)
		switch {
		case err == nil && handle.Selector != "":
			attempt.Succeeded = true
			attempt.Note = note
			attempt.ElapsedMs = r.now().Sub(start).Milliseconds()
			return attempt, handle, true, nil
		case err != nil && isContextErr(ctx, err):
			attempt.ElapsedMs = r.now().Sub(start).Milliseconds()
			attempt.Note = err.Error()
			return attempt, schemas.ElementHandle{}, false, err
		case errors.Is(err, browser.ErrInvalidSelector):
			attempt.ElapsedMs = r.now().Sub(start).Milliseconds()
			attempt.Note = "invalid selector: " + err.Error()
			r.logger.Debug("Strategy cannot match, skipping", zap.String("query", query), zap.String("strategy", attempt.Strategy), zap.Error(err))
			return attempt, schemas.ElementHandle{}, false, nil
		case err != nil:
			// Transient page errors (navigation in flight, detached node) are retried.
			lastErr = err
		}

		left := until.Sub(r.now())
		if left <= 0 {
			break
		}
		wait := r.opts.PollInterval
		if left < wait {
			wait = left
		}
		if err := r.sleep(ctx, wait); err != nil {
			attempt.ElapsedMs = r.now().Sub(start).Milliseconds()
			attempt.Note = err.Error()
			return attempt, schemas.ElementHandle{}, false, err
		}
	}

	attempt.ElapsedMs = r.now().Sub(start).Milliseconds()
	attempt.Note = "no visible, enabled match"
	if lastErr != nil {
		attempt.Note = fmt.Sprintf("%s (last error: %v)", attempt.Note, lastErr)
	}
	r.logger.Debug("Strategy exhausted",
		zap.String("query", query),
		zap.String("strategy", attempt.Strategy),
		zap.Int("polls", attempt.Polls),
		zap.Duration("share", share),
	)
	return attempt, schemas.ElementHandle{}, false, nil
}

func isContextErr(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// locate runs one pass of a strategy. A zero handle means no match.
func (r *Resolver) locate(ctx context.Context, page browser.Page, s schemas.Strategy) (schemas.ElementHandle, string, error) {
	if s.Kind == schemas.StrategyCSS {
		matches, err := page.QueryVisible(ctx, s.Value)
		if err != nil || len(matches) == 0 {
			return schemas.ElementHandle{}, "", err
		}
		m := matches[0]
		return schemas.ElementHandle{Selector: s.Value, Index: m.Index, Tag: m.Tag, Text: m.Text}, pickNote(s, len(matches)), nil
	}
	return r.scan(ctx, page, s)
}

// pickNote documents how a tie among several matches was broken.
func pickNote(s schemas.Strategy, n int) string {
	if n <= 1 {
		return ""
	}
	if s.PreferMostRecent {
		return fmt.Sprintf("prefer_most_recent: took the first of %d, assuming newest renders first", n)
	}
	return fmt.Sprintf("first of %d in document order", n)
}

// FormatTrace renders a trace as one line per attempt.
func FormatTrace(trace []schemas.ResolveAttempt) string {
	var b strings.Builder
	for i, a := range trace {
		if i > 0 {
			b.WriteString("; ")
		}
		status := "not found"
		if a.Succeeded {
			status = "found"
		}
		fmt.Fprintf(&b, "%s %s: %s after %d poll(s), %dms", a.Query, a.Strategy, status, a.Polls, a.ElapsedMs)
		if a.Note != "" {
			fmt.Fprintf(&b, " (%s)", a.Note)
		}
	}
	return b.String()
}
