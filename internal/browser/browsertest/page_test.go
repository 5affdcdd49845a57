package browsertest

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/uipilot/api/schemas"
	"github.com/xkilldash9x/uipilot/internal/browser"
)

const doc = `<html><body>
<div hidden><button>Ghost</button></div>
<button>Visible</button>
<button aria-disabled="true">Off</button>
<a id="dl" data-download="clip.wav">Export</a>
<a id="out" data-href="/login?next=/library">Logout</a>
</body></html>`

func TestQueryVisible(t *testing.T) {
	ctx := context.Background()
	p := New().Route("/library", doc)
	require.NoError(t, p.Navigate(ctx, "https://app.example.com/library"))

	matches, err := p.QueryVisible(ctx, "button")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, 1, matches[0].Index, "index counts hidden matches too")
	assert.Equal(t, "Visible", matches[0].Text)

	_, err = p.QueryVisible(ctx, "[[")
	assert.ErrorIs(t, err, browser.ErrInvalidSelector)
	assert.Equal(t, 1, p.Queries("button"))
}

func TestClickNavigatesAndStale(t *testing.T) {
	ctx := context.Background()
	p := New().Route("/library", doc)
	require.NoError(t, p.Navigate(ctx, "https://app.example.com/library"))

	require.NoError(t, p.Click(ctx, schemas.ElementHandle{Selector: "#out"}))
	u, err := p.CurrentURL(ctx)
	require.NoError(t, err)
	assert.Equal(t, "https://app.example.com/login?next=/library", u)

	err = p.Click(ctx, schemas.ElementHandle{Selector: "#out"})
	assert.ErrorIs(t, err, browser.ErrStaleElement)
}

func TestLocalStorageNeedsOrigin(t *testing.T) {
	ctx := context.Background()
	p := New()
	assert.Error(t, p.SetLocalStorage(ctx, map[string]string{"k": "v"}))

	require.NoError(t, p.Navigate(ctx, "https://app.example.com/"))
	require.NoError(t, p.SetLocalStorage(ctx, map[string]string{"k": "v"}))
	got, err := p.GetLocalStorage(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"k": "v"}, got)
}

func TestDownload(t *testing.T) {
	ctx := context.Background()
	p := New().Route("/library", doc)
	p.Downloads["clip.wav"] = Download{Data: []byte("RIFFdata")}
	require.NoError(t, p.Navigate(ctx, "https://app.example.com/library"))

	t.Run("lost without subscription", func(t *testing.T) {
		require.NoError(t, p.Click(ctx, schemas.ElementHandle{Selector: "#dl"}))
		assert.Equal(t, 1, p.MissedDownloads())
	})

	t.Run("delivered when subscribed first", func(t *testing.T) {
		pending, err := p.ExpectDownload(ctx, t.TempDir())
		require.NoError(t, err)
		require.NoError(t, p.Click(ctx, schemas.ElementHandle{Selector: "#dl"}))

		waitCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		ev, err := pending.Wait(waitCtx)
		require.NoError(t, err)
		assert.Equal(t, "clip.wav", ev.SuggestedName)
		data, err := os.ReadFile(ev.Path)
		require.NoError(t, err)
		assert.Equal(t, []byte("RIFFdata"), data)
	})
}
