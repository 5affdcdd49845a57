// internal/resolver/resolver_test.go
package resolver

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/uipilot/api/schemas"
	"github.com/xkilldash9x/uipilot/internal/browser/browsertest"
)

// fakeClock advances only when the resolver sleeps.
type fakeClock struct {
	t      time.Time
	sleeps int
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.sleeps++
	c.t = c.t.Add(d)
	return nil
}

func newTestResolver(t *testing.T, logger *zap.Logger) (*Resolver, *fakeClock) {
	t.Helper()
	if logger == nil {
		logger = zaptest.NewLogger(t)
	}
	r := New(logger, Options{PollInterval: 250 * time.Millisecond, DefaultTimeout: 3 * time.Second, HeuristicKeywords: []string{"search"}})
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	r.now = clock.Now
	r.sleep = clock.Sleep
	return r, clock
}

func pageWith(t *testing.T, body string) *browsertest.Page {
	t.Helper()
	p := browsertest.New().Route("/", "<html><head></head><body>"+body+"</body></html>")
	require.NoError(t, p.Navigate(context.Background(), "https://studio.example.com/"))
	return p
}

func css(v string) schemas.Strategy { return schemas.Strategy{Kind: schemas.StrategyCSS, Value: v} }

func TestResolve_ValidStrategyAnyPosition(t *testing.T) {
	const timeout = 3 * time.Second
	valid := css(`input[type="search"]`)
	dead := []schemas.Strategy{css("#does-not-exist"), css(".also-missing")}

	for pos := 0; pos < 3; pos++ {
		strategies := append([]schemas.Strategy(nil), dead...)
		strategies = append(strategies[:pos], append([]schemas.Strategy{valid}, strategies[pos:]...)...)

		t.Run([]string{"first", "middle", "last"}[pos], func(t *testing.T) {
			r, clock := newTestResolver(t, nil)
			page := pageWith(t, `<input type="search" placeholder="Search">`)
			start := clock.Now()

			res, err := r.Resolve(context.Background(), page, schemas.ElementQuery{Name: "search input", Strategies: strategies}, timeout)
			require.NoError(t, err)
			require.True(t, res.Found)
			assert.Equal(t, `input[type="search"]`, res.Handle.Selector)
			assert.Len(t, res.Trace, pos+1)
			assert.True(t, res.Trace[pos].Succeeded)
			assert.LessOrEqual(t, clock.Now().Sub(start), timeout)
		})
	}
}

func TestResolve_BudgetRedistribution(t *testing.T) {
	r, clock := newTestResolver(t, nil)
	page := pageWith(t, `<button>Go</button>`)
	start := clock.Now()

	q := schemas.ElementQuery{Name: "go", Strategies: []schemas.Strategy{css("[[broken"), css("#missing"), css("#late")}}
	res, err := r.Resolve(context.Background(), page, q, 3*time.Second)
	require.NoError(t, err)
	assert.False(t, res.Found)
	require.Len(t, res.Trace, 3)

	// The broken selector fails on its first poll and costs nothing,
	// so the other two split the full budget.
	assert.Equal(t, 1, res.Trace[0].Polls)
	assert.Contains(t, res.Trace[0].Note, "invalid selector")
	assert.Equal(t, int64(1500), res.Trace[1].ElapsedMs)
	assert.Equal(t, int64(1500), res.Trace[2].ElapsedMs)
	assert.Equal(t, 3*time.Second, clock.Now().Sub(start))
}

func TestResolve_ScenarioASearchInput(t *testing.T) {
	query := schemas.ElementQuery{Name: "search input", Strategies: []schemas.Strategy{
		css(`input[type="search"]`),
		css(`input[placeholder*=Search]`),
		{Kind: schemas.StrategyHeuristic},
	}}

	t.Run("placeholder fallback", func(t *testing.T) {
		r, _ := newTestResolver(t, nil)
		page := pageWith(t, `<input type="text" placeholder="Search your library">`)
		res, err := r.Resolve(context.Background(), page, query, 0)
		require.NoError(t, err)
		require.True(t, res.Found)
		assert.Equal(t, `input[placeholder*=Search]`, res.Handle.Selector)
		assert.Len(t, res.Trace, 2)
	})

	t.Run("heuristic last resort", func(t *testing.T) {
		r, _ := newTestResolver(t, nil)
		page := pageWith(t, `<nav><a href="/home">Home</a></nav><div><input type="text" aria-label="search tracks"></div>`)
		res, err := r.Resolve(context.Background(), page, query, 0)
		require.NoError(t, err)
		require.True(t, res.Found)
		assert.Equal(t, "html > body:nth-child(2) > div:nth-child(2) > input:nth-child(1)", res.Handle.Selector)
		assert.Equal(t, "input", res.Handle.Tag)
		require.Len(t, res.Trace, 3)
		assert.True(t, res.Trace[2].Succeeded)
	})
}

func TestResolve_ScanStrategies(t *testing.T) {
	const body = `
<div role="button" aria-label="Export audio"></div>
<button data-testid="download-trigger">Save</button>
<ul id="history">
  <li hidden><span>ambient calm</span> (draft)</li>
  <li><span>ambient calm</span> v2</li>
  <li><span>ambient calm</span> v1</li>
</ul>
<button disabled>Export disabled</button>`

	tests := []struct {
		name     string
		strategy schemas.Strategy
		wantTag  string
		wantText string
	}{
		{"role with aria label", schemas.Strategy{Kind: schemas.StrategyRoleText, Role: "button", Value: "export"}, "div", "Export audio"},
		{"implicit role", schemas.Strategy{Kind: schemas.StrategyRoleText, Role: "button", Value: "save"}, "button", "Save"},
		{"named attribute", schemas.Strategy{Kind: schemas.StrategyAttributeScan, Attribute: "data-testid", Value: "DOWNLOAD"}, "button", "Save"},
		{"any attribute", schemas.Strategy{Kind: schemas.StrategyAttributeScan, Value: "trigger"}, "button", "Save"},
		{"text skips hidden, innermost", schemas.Strategy{Kind: schemas.StrategyTextScan, Value: "Ambient  Calm", Scope: "#history"}, "span", "ambient calm"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r, _ := newTestResolver(t, nil)
			res, err := r.Resolve(context.Background(), pageWith(t, body), schemas.ElementQuery{Name: tc.name, Strategies: []schemas.Strategy{tc.strategy}}, time.Second)
			require.NoError(t, err)
			require.True(t, res.Found, FormatTrace(res.Trace))
			assert.Equal(t, tc.wantTag, res.Handle.Tag)
			assert.Equal(t, tc.wantText, res.Handle.Text)
		})
	}

	t.Run("disabled control is never chosen", func(t *testing.T) {
		r, _ := newTestResolver(t, nil)
		res, err := r.Resolve(context.Background(), pageWith(t, body), schemas.ElementQuery{Name: "x", Strategies: []schemas.Strategy{
			{Kind: schemas.StrategyTextScan, Value: "export disabled"},
		}}, time.Second)
		require.NoError(t, err)
		assert.False(t, res.Found)
	})

	t.Run("invalid scope fails fast", func(t *testing.T) {
		r, clock := newTestResolver(t, nil)
		start := clock.Now()
		res, err := r.Resolve(context.Background(), pageWith(t, body), schemas.ElementQuery{Name: "x", Strategies: []schemas.Strategy{
			{Kind: schemas.StrategyTextScan, Value: "calm", Scope: "ul[["},
		}}, time.Second)
		require.NoError(t, err)
		assert.False(t, res.Found)
		assert.Equal(t, time.Duration(0), clock.Now().Sub(start))
	})
}

func TestResolve_PreferMostRecent(t *testing.T) {
	r, _ := newTestResolver(t, nil)
	page := pageWith(t, `<ol><li class="item">Take 3</li><li class="item">Take 2</li><li class="item">Take 1</li></ol>`)

	res, err := r.Resolve(context.Background(), page, schemas.ElementQuery{Name: "latest", Strategies: []schemas.Strategy{
		{Kind: schemas.StrategyCSS, Value: "li.item", PreferMostRecent: true},
	}}, time.Second)
	require.NoError(t, err)
	require.True(t, res.Found)
	assert.Equal(t, 0, res.Handle.Index)
	assert.Equal(t, "Take 3", res.Handle.Text)
	assert.Contains(t, res.Trace[0].Note, "prefer_most_recent")
}

func TestResolve_AppearsWhilePolling(t *testing.T) {
	r, clock := newTestResolver(t, nil)
	page := pageWith(t, `<div id="app"></div>`)
	page.OnQuery = func(p *browsertest.Page, selector string, calls int) {
		if calls == 3 {
			p.SetHTML(`<html><body><div id="app"><button id="ready">Ready</button></div></body></html>`)
		}
	}

	res, err := r.Resolve(context.Background(), page, schemas.ElementQuery{Name: "ready", Strategies: []schemas.Strategy{css("#ready")}}, 2*time.Second)
	require.NoError(t, err)
	require.True(t, res.Found)
	assert.Equal(t, 3, res.Trace[0].Polls)
	assert.Equal(t, 2, clock.sleeps)
}

func TestResolve_ContextCanceled(t *testing.T) {
	r, _ := newTestResolver(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Resolve(ctx, pageWith(t, ""), schemas.ElementQuery{Name: "x", Strategies: []schemas.Strategy{css("#a")}}, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResolve_InvalidQuery(t *testing.T) {
	r, _ := newTestResolver(t, nil)
	_, err := r.Resolve(context.Background(), pageWith(t, ""), schemas.ElementQuery{Name: "empty"}, time.Second)
	assert.Error(t, err)
}

func TestResolve_NotFoundIsLoggedWithTrace(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	r, _ := newTestResolver(t, zap.New(core))

	res, err := r.Resolve(context.Background(), pageWith(t, ""), schemas.ElementQuery{Name: "download button", Strategies: []schemas.Strategy{
		css("#download"), {Kind: schemas.StrategyHeuristic, Keywords: []string{"download"}},
	}}, time.Second)
	require.NoError(t, err)
	assert.False(t, res.Found)

	entries := logs.FilterMessage("Element not found by any strategy").All()
	require.Len(t, entries, 1)
	trace := entries[0].ContextMap()["trace"].(string)
	assert.Contains(t, trace, "css(#download): not found")
	assert.Contains(t, trace, "heuristic([download]): not found")
}

func TestProbe_SinglePassNoWaiting(t *testing.T) {
	r, clock := newTestResolver(t, nil)
	page := pageWith(t, `<button>Apply</button>`)

	res, err := r.Probe(context.Background(), page, schemas.ElementQuery{Name: "done", Strategies: []schemas.Strategy{css("#done")}})
	require.NoError(t, err)
	assert.False(t, res.Found)
	assert.Zero(t, clock.sleeps)
	assert.Equal(t, 1, page.Queries("#done"))

	res, err = r.Probe(context.Background(), page, schemas.ElementQuery{Name: "apply", Strategies: []schemas.Strategy{
		css("#done"), {Kind: schemas.StrategyRoleText, Role: "button", Value: "apply"},
	}})
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.Len(t, res.Trace, 2)
}

func TestStructuralPath(t *testing.T) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(`<html><head></head><body><p>a</p><div><span>x</span><b id="t">y</b></div></body></html>`))
	require.NoError(t, err)
	path := structuralPath(doc.Find("#t").Get(0))
	assert.Equal(t, "html > body:nth-child(2) > div:nth-child(2) > b:nth-child(2)", path)
	assert.Equal(t, 1, doc.Find(path).Length())
}
