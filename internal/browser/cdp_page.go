// internal/browser/cdp_page.go
package browser

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/uipilot/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var namedKeys = map[string]string{
	"enter":     kb.Enter,
	"tab":       kb.Tab,
	"escape":    kb.Escape,
	"backspace": kb.Backspace,
	"arrowdown": kb.ArrowDown,
	"arrowup":   kb.ArrowUp,
}

// cdpPage implements Page over one chromedp tab.
type cdpPage struct {
	tabCtx context.Context
	logger *zap.Logger
}

func newCDPPage(tabCtx context.Context, logger *zap.Logger) *cdpPage {
	return &cdpPage{tabCtx: tabCtx, logger: logger.Named("page")}
}

// run executes actions on the tab bounded by the caller's context.
func (p *cdpPage) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := CombineContext(p.tabCtx, ctx)
	defer cancel()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		// Report the caller's deadline rather than the derived cancellation.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}

func (p *cdpPage) Navigate(ctx context.Context, url string) error {
	if err := p.run(ctx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	return nil
}

func (p *cdpPage) CurrentURL(ctx context.Context) (string, error) {
	var loc string
	if err := p.run(ctx, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("read location: %w", err)
	}
	return loc, nil
}

func (p *cdpPage) QueryVisible(ctx context.Context, selector string) ([]Match, error) {
	var res struct {
		Error   string  `json:"error"`
		Matches []Match `json:"matches"`
	}
	if err := p.run(ctx, chromedp.Evaluate(queryVisibleExpr(selector), &res)); err != nil {
		return nil, fmt.Errorf("query %q: %w", selector, err)
	}
	if res.Error != "" {
		return nil, fmt.Errorf("%w: %q: %s", ErrInvalidSelector, selector, res.Error)
	}
	return res.Matches, nil
}

func (p *cdpPage) Snapshot(ctx context.Context) (string, error) {
	var html string
	if err := p.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("snapshot document: %w", err)
	}
	return html, nil
}

func (p *cdpPage) Click(ctx context.Context, h schemas.ElementHandle) error {
	ref := elementRef{selector: h.Selector, index: h.Index}
	var pos struct {
		Found bool    `json:"found"`
		X     float64 `json:"x"`
		Y     float64 `json:"y"`
	}
	if err := p.run(ctx, chromedp.Evaluate(elementCenterExpr(ref), &pos)); err != nil {
		return fmt.Errorf("locate %s: %w", h, err)
	}
	if !pos.Found {
		return fmt.Errorf("click %s: %w", h, ErrStaleElement)
	}
	if err := p.run(ctx, chromedp.MouseClickXY(pos.X, pos.Y)); err != nil {
		return fmt.Errorf("click %s: %w", h, err)
	}
	return nil
}

func (p *cdpPage) focus(ctx context.Context, h schemas.ElementHandle, clear bool) error {
	var ok bool
	if err := p.run(ctx, chromedp.Evaluate(focusExpr(elementRef{h.Selector, h.Index}, clear), &ok)); err != nil {
		return fmt.Errorf("focus %s: %w", h, err)
	}
	if !ok {
		return fmt.Errorf("focus %s: %w", h, ErrStaleElement)
	}
	return nil
}

func (p *cdpPage) Fill(ctx context.Context, h schemas.ElementHandle, value string) error {
	if err := p.focus(ctx, h, true); err != nil {
		return err
	}
	// Real key events, so the product sees what a typing user produces.
	if err := p.run(ctx, chromedp.KeyEvent(value)); err != nil {
		return fmt.Errorf("type into %s: %w", h, err)
	}
	return nil
}

func (p *cdpPage) Press(ctx context.Context, h schemas.ElementHandle, key string) error {
	if err := p.focus(ctx, h, false); err != nil {
		return err
	}
	seq, ok := namedKeys[strings.ToLower(key)]
	if !ok {
		seq = key
	}
	if err := p.run(ctx, chromedp.KeyEvent(seq)); err != nil {
		return fmt.Errorf("press %q on %s: %w", key, h, err)
	}
	return nil
}

func (p *cdpPage) SetCookies(ctx context.Context, cookies []schemas.Cookie) error {
	if len(cookies) == 0 {
		return nil
	}
	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		param := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		}
		if c.SameSite != "" {
			param.SameSite = network.CookieSameSite(c.SameSite)
		}
		if c.Expiry > 0 {
			sec := int64(c.Expiry)
			expires := cdp.TimeSinceEpoch(time.Unix(sec, int64((c.Expiry-float64(sec))*1e9)))
			param.Expires = &expires
		}
		params = append(params, param)
	}
	if err := p.run(ctx, network.SetCookies(params)); err != nil {
		return fmt.Errorf("set %d cookies: %w", len(params), err)
	}
	return nil
}

func (p *cdpPage) SetLocalStorage(ctx context.Context, entries map[string]string) error {
	tasks := chromedp.Tasks{}
	for k, v := range entries {
		tasks = append(tasks, chromedp.Evaluate(setLocalStorageExpr(k, v), nil))
	}
	if len(tasks) == 0 {
		return nil
	}
	if err := p.run(ctx, tasks); err != nil {
		return fmt.Errorf("write local storage: %w", err)
	}
	return nil
}

func (p *cdpPage) GetLocalStorage(ctx context.Context) (map[string]string, error) {
	var raw string
	if err := p.run(ctx, chromedp.Evaluate(readLocalStorageJS, &raw)); err != nil {
		return nil, fmt.Errorf("read local storage: %w", err)
	}
	out := map[string]string{}
	if raw == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode local storage: %w", err)
	}
	return out, nil
}

func (p *cdpPage) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := p.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("capture screenshot: %w", err)
	}
	return buf, nil
}

// ExpectDownload enables event-emitting downloads into dir and starts
// listening before returning, so a click issued afterwards cannot be missed.
func (p *cdpPage) ExpectDownload(ctx context.Context, dir string) (PendingDownload, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve download dir: %w", err)
	}

	listenCtx, cancel := context.WithCancel(p.tabCtx)
	d := &cdpDownload{dir: abs, cancel: cancel, done: make(chan DownloadEvent, 1)}
	// Depending on the Chrome build the events arrive on the target or the
	// browser session; handle dedupes.
	chromedp.ListenTarget(listenCtx, d.handle)
	chromedp.ListenBrowser(listenCtx, d.handle)

	behavior := cdpbrowser.SetDownloadBehavior(cdpbrowser.SetDownloadBehaviorBehaviorAllowAndName).
		WithDownloadPath(abs).
		WithEventsEnabled(true)
	if err := p.run(ctx, behavior); err != nil {
		cancel()
		return nil, fmt.Errorf("enable downloads: %w", err)
	}
	p.logger.Debug("Download subscription opened", zap.String("dir", abs))
	return d, nil
}

// cdpDownload tracks the first download that begins after subscription.
type cdpDownload struct {
	dir    string
	cancel context.CancelFunc

	mu       sync.Mutex
	guid     string
	url      string
	name     string
	finished bool
	done     chan DownloadEvent
}

// handle runs on the chromedp event loop and must never block.
func (d *cdpDownload) handle(ev interface{}) {
	switch e := ev.(type) {
	case *cdpbrowser.EventDownloadWillBegin:
		d.mu.Lock()
		if d.guid == "" {
			d.guid, d.url, d.name = e.GUID, e.URL, e.SuggestedFilename
		}
		d.mu.Unlock()
	case *cdpbrowser.EventDownloadProgress:
		var state DownloadState
		switch e.State {
		case cdpbrowser.DownloadProgressStateCompleted:
			state = DownloadCompleted
		case cdpbrowser.DownloadProgressStateCanceled:
			state = DownloadCanceled
		default:
			return
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.finished || e.GUID != d.guid {
			return
		}
		d.finished = true
		d.done <- DownloadEvent{
			GUID:          d.guid,
			URL:           d.url,
			SuggestedName: d.name,
			// AllowAndName stores the file under its GUID.
			Path:  filepath.Join(d.dir, d.guid),
			State: state,
		}
	}
}

func (d *cdpDownload) Wait(ctx context.Context) (DownloadEvent, error) {
	select {
	case ev := <-d.done:
		if ev.State == DownloadCanceled {
			return ev, ErrDownloadCanceled
		}
		return ev, nil
	case <-ctx.Done():
		return DownloadEvent{}, ctx.Err()
	}
}

func (d *cdpDownload) Cancel() {
	d.cancel()
}
