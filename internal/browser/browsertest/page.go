// Package browsertest provides an in-memory browser.Page backed by a static
// HTML document, for testing automation logic without Chrome.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/uipilot/api/schemas"
	"github.com/xkilldash9x/uipilot/internal/browser"
)

// PNG is what Screenshot returns.
var PNG = []byte("\x89PNG\r\n\x1a\nfake")

const blankDocument = "<html><head></head><body></body></html>"

// Action is one recorded interaction.
type Action struct {
	Kind     string
	Selector string
	Index    int
	Value    string
}

// Download is the file a click on an element with data-download="<name>" produces.
type Download struct {
	Data []byte
	// Canceled makes the browser report the download as canceled.
	Canceled bool
}

// Page is a fake browser tab.
//
// Elements are visible unless they or an ancestor carry the hidden
// attribute or an inline display:none, and enabled unless disabled or
// aria-disabled="true". Clicking an element with data-href navigates there.
type Page struct {
	mu        sync.Mutex
	url       string
	doc       string
	pages     map[string]string
	storage   map[string]map[string]string
	queries   map[string]int
	cookies   []schemas.Cookie
	navigated bool
	cookiesOK bool
	actions   []Action
	pending   *pendingDownload
	missed    int

	// Downloads maps data-download names to their payload.
	Downloads map[string]Download
	// Fail injects an error into the named method ("Navigate", "Click", ...).
	Fail map[string]error
	// OnQuery runs after QueryVisible with the per-selector call count.
	OnQuery func(p *Page, selector string, calls int)
	// OnAction runs after every recorded interaction.
	OnAction func(p *Page, a Action)
}

// New returns a page on about:blank.
func New() *Page {
	return &Page{
		url:       "about:blank",
		doc:       blankDocument,
		pages:     map[string]string{},
		storage:   map[string]map[string]string{},
		queries:   map[string]int{},
		Downloads: map[string]Download{},
		Fail:      map[string]error{},
	}
}

// Route registers the document served for a URL or path.
func (p *Page) Route(target, doc string) *Page {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pages[target] = doc
	return p
}

// SetHTML replaces the current document in place, like a client-side render.
func (p *Page) SetHTML(doc string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.doc = doc
}

// SetURL changes the location without loading a document, like pushState.
func (p *Page) SetURL(u string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = u
}

// Actions returns the recorded interactions.
func (p *Page) Actions() []Action {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Action(nil), p.actions...)
}

// Count returns how many recorded interactions have the given kind.
func (p *Page) Count(kind string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, a := range p.actions {
		if a.Kind == kind {
			n++
		}
	}
	return n
}

// Cookies returns what SetCookies received.
func (p *Page) Cookies() []schemas.Cookie {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]schemas.Cookie(nil), p.cookies...)
}

// CookiesBeforeNavigation reports whether cookies were set before the first navigation.
func (p *Page) CookiesBeforeNavigation() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cookiesOK
}

// Storage returns the local storage of an origin.
func (p *Page) Storage(origin string) map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := map[string]string{}
	for k, v := range p.storage[origin] {
		out[k] = v
	}
	return out
}

// MissedDownloads counts downloads triggered with no subscription open.
func (p *Page) MissedDownloads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.missed
}

// Queries returns how often a selector was passed to QueryVisible.
func (p *Page) Queries(selector string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queries[selector]
}

func (p *Page) fail(method string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Fail[method]
}

func (p *Page) record(a Action) {
	p.mu.Lock()
	p.actions = append(p.actions, a)
	hook := p.OnAction
	p.mu.Unlock()
	if hook != nil {
		hook(p, a)
	}
}

func (p *Page) Navigate(ctx context.Context, target string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.fail("Navigate"); err != nil {
		return err
	}
	p.mu.Lock()
	p.load(target)
	p.mu.Unlock()
	p.record(Action{Kind: "navigate", Value: target})
	return nil
}

// load must be called with mu held.
func (p *Page) load(target string) {
	if base, err := url.Parse(p.url); err == nil && base.Scheme != "about" {
		if ref, err := base.Parse(target); err == nil {
			target = ref.String()
		}
	}
	p.url = target
	p.navigated = true
	doc, ok := p.pages[target]
	if !ok {
		if u, err := url.Parse(target); err == nil {
			doc, ok = p.pages[u.Path]
		}
	}
	if !ok {
		doc = blankDocument
	}
	p.doc = doc
}

func (p *Page) CurrentURL(ctx context.Context) (string, error) {
	if err := p.fail("CurrentURL"); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

func (p *Page) parse() (*goquery.Document, error) {
	p.mu.Lock()
	doc := p.doc
	p.mu.Unlock()
	return goquery.NewDocumentFromReader(strings.NewReader(doc))
}

func hiddenOrDisabled(n *html.Node) (hidden, disabled bool) {
	for cur := n; cur != nil; cur = cur.Parent {
		if cur.Type != html.ElementNode {
			continue
		}
		for _, a := range cur.Attr {
			switch a.Key {
			case "hidden":
				hidden = true
			case "style":
				if strings.Contains(strings.ReplaceAll(a.Val, " ", ""), "display:none") {
					hidden = true
				}
			case "disabled":
				if cur == n {
					disabled = true
				}
			case "aria-disabled":
				if cur == n && a.Val == "true" {
					disabled = true
				}
			}
		}
	}
	return hidden, disabled
}

func (p *Page) QueryVisible(ctx context.Context, selector string) ([]browser.Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := p.fail("QueryVisible"); err != nil {
		return nil, err
	}
	if _, err := cascadia.Compile(selector); err != nil {
		return nil, fmt.Errorf("%w: %q: %v", browser.ErrInvalidSelector, selector, err)
	}

	p.mu.Lock()
	p.queries[selector]++
	calls := p.queries[selector]
	hook := p.OnQuery
	p.mu.Unlock()
	if hook != nil {
		hook(p, selector, calls)
	}

	doc, err := p.parse()
	if err != nil {
		return nil, err
	}
	var out []browser.Match
	doc.Find(selector).Each(func(i int, s *goquery.Selection) {
		hidden, disabled := hiddenOrDisabled(s.Get(0))
		if hidden || disabled {
			return
		}
		text := strings.TrimSpace(s.Text())
		if text == "" {
			text, _ = s.Attr("aria-label")
		}
		out = append(out, browser.Match{Index: i, Tag: goquery.NodeName(s), Text: text})
	})
	return out, nil
}

func (p *Page) Snapshot(ctx context.Context) (string, error) {
	if err := p.fail("Snapshot"); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.doc, nil
}

// element resolves a handle against the current document.
func (p *Page) element(h schemas.ElementHandle) (*goquery.Selection, error) {
	doc, err := p.parse()
	if err != nil {
		return nil, err
	}
	sel := doc.Find(h.Selector)
	if h.Index < 0 || h.Index >= sel.Length() {
		return nil, fmt.Errorf("%s: %w", h, browser.ErrStaleElement)
	}
	return sel.Eq(h.Index), nil
}

func (p *Page) Click(ctx context.Context, h schemas.ElementHandle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.fail("Click"); err != nil {
		return err
	}
	el, err := p.element(h)
	if err != nil {
		return err
	}
	if name, ok := el.Attr("data-download"); ok {
		p.triggerDownload(name)
	}
	if href, ok := el.Attr("data-href"); ok {
		p.mu.Lock()
		p.load(href)
		p.mu.Unlock()
	}
	p.record(Action{Kind: "click", Selector: h.Selector, Index: h.Index})
	return nil
}

func (p *Page) Fill(ctx context.Context, h schemas.ElementHandle, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.fail("Fill"); err != nil {
		return err
	}
	if _, err := p.element(h); err != nil {
		return err
	}
	p.record(Action{Kind: "fill", Selector: h.Selector, Index: h.Index, Value: value})
	return nil
}

func (p *Page) Press(ctx context.Context, h schemas.ElementHandle, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.fail("Press"); err != nil {
		return err
	}
	if _, err := p.element(h); err != nil {
		return err
	}
	p.record(Action{Kind: "press", Selector: h.Selector, Index: h.Index, Value: key})
	return nil
}

func (p *Page) SetCookies(ctx context.Context, cookies []schemas.Cookie) error {
	if err := p.fail("SetCookies"); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cookies = append(p.cookies, cookies...)
	p.cookiesOK = !p.navigated
	return nil
}

func (p *Page) origin() string {
	u, err := url.Parse(p.url)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func (p *Page) SetLocalStorage(ctx context.Context, entries map[string]string) error {
	if err := p.fail("SetLocalStorage"); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	origin := p.origin()
	if origin == "" {
		return errors.New("SecurityError: localStorage is not available for this document")
	}
	if p.storage[origin] == nil {
		p.storage[origin] = map[string]string{}
	}
	for k, v := range entries {
		p.storage[origin][k] = v
	}
	return nil
}

func (p *Page) GetLocalStorage(ctx context.Context) (map[string]string, error) {
	if err := p.fail("GetLocalStorage"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	origin := p.origin()
	if origin == "" {
		return nil, errors.New("SecurityError: localStorage is not available for this document")
	}
	out := map[string]string{}
	for k, v := range p.storage[origin] {
		out[k] = v
	}
	return out, nil
}

func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	if err := p.fail("Screenshot"); err != nil {
		return nil, err
	}
	return append([]byte(nil), PNG...), nil
}

func (p *Page) ExpectDownload(ctx context.Context, dir string) (browser.PendingDownload, error) {
	if err := p.fail("ExpectDownload"); err != nil {
		return nil, err
	}
	d := &pendingDownload{dir: dir, done: make(chan browser.DownloadEvent, 1)}
	p.mu.Lock()
	p.pending = d
	p.mu.Unlock()
	return d, nil
}

func (p *Page) triggerDownload(name string) {
	p.mu.Lock()
	d := p.pending
	p.pending = nil
	spec, ok := p.Downloads[name]
	if d == nil {
		p.missed++
	}
	p.mu.Unlock()
	if d == nil || !ok {
		return
	}

	guid := fmt.Sprintf("guid-%s", strings.ReplaceAll(name, ".", "-"))
	ev := browser.DownloadEvent{GUID: guid, SuggestedName: name, Path: filepath.Join(d.dir, guid), State: browser.DownloadCompleted}
	if spec.Canceled {
		ev.State = browser.DownloadCanceled
	} else if err := os.WriteFile(ev.Path, spec.Data, 0o644); err != nil {
		ev.State = browser.DownloadCanceled
	}
	d.done <- ev
}

type pendingDownload struct {
	dir  string
	done chan browser.DownloadEvent
	once sync.Once
}

func (d *pendingDownload) Wait(ctx context.Context) (browser.DownloadEvent, error) {
	select {
	case ev := <-d.done:
		if ev.State == browser.DownloadCanceled {
			return ev, browser.ErrDownloadCanceled
		}
		return ev, nil
	case <-ctx.Done():
		return browser.DownloadEvent{}, ctx.Err()
	}
}

func (d *pendingDownload) Cancel() {}

var _ browser.Page = (*Page)(nil)
