// internal/session/store_test.go
package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/uipilot/api/schemas"
	"github.com/xkilldash9x/uipilot/internal/browser/browsertest"
)

const origin = "https://studio.example.com"

func writeDescriptor(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func newTestStore(t *testing.T) *Store {
	s := NewStore(zaptest.NewLogger(t), origin+"/")
	s.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return s
}

func TestLoad(t *testing.T) {
	t.Run("not found", func(t *testing.T) {
		_, err := newTestStore(t).Load(filepath.Join(t.TempDir(), "missing.json"))
		assert.ErrorIs(t, err, schemas.ErrSessionNotFound)
		assert.Equal(t, schemas.KindSessionNotFound, schemas.KindOf(err))
	})

	corrupt := map[string]string{
		"malformed json":  `{"cookies": [`,
		"empty":           `{}`,
		"nameless cookie": `{"cookies": [{"value": "x", "domain": "studio.example.com"}]}`,
		"all expired":     `{"cookies": [{"name": "sid", "value": "x", "domain": "studio.example.com", "expires": 1000}]}`,
	}
	for name, body := range corrupt {
		t.Run(name, func(t *testing.T) {
			_, err := newTestStore(t).Load(writeDescriptor(t, body))
			assert.ErrorIs(t, err, schemas.ErrSessionCorrupt)
		})
	}

	t.Run("flat shape", func(t *testing.T) {
		path := writeDescriptor(t, `{
			"cookies": [
				{"name": "sid", "value": "abc", "domain": ".example.com", "expires": 1900000000, "httpOnly": true, "secure": true},
				{"name": "session_only", "value": "1", "domain": "studio.example.com", "path": "/app"}
			],
			"localStorage": {"auth": "{\"token\":\"t\"}"},
			"userAgent": "Mozilla/5.0 (X11; Linux x86_64)"
		}`)
		sess, err := newTestStore(t).Load(path)
		require.NoError(t, err)
		require.Len(t, sess.Cookies, 2)
		assert.Equal(t, "/", sess.Cookies[0].Path)
		assert.True(t, sess.Cookies[0].HTTPOnly)
		assert.Equal(t, "/app", sess.Cookies[1].Path)
		assert.Equal(t, `{"token":"t"}`, sess.LocalStorage["auth"])
		assert.Equal(t, "Mozilla/5.0 (X11; Linux x86_64)", sess.UserAgent)
		assert.Equal(t, origin, sess.Origin)
		assert.Equal(t, path, sess.SourcePath)
	})

	t.Run("snake case storage", func(t *testing.T) {
		sess, err := newTestStore(t).Load(writeDescriptor(t, `{"local_storage": {"k": "v"}, "user_agent": "ua"}`))
		require.NoError(t, err)
		assert.Equal(t, "v", sess.LocalStorage["k"])
		assert.Equal(t, "ua", sess.UserAgent)
		assert.Empty(t, sess.Cookies)
	})

	t.Run("origins shape", func(t *testing.T) {
		sess, err := newTestStore(t).Load(writeDescriptor(t, `{
			"cookies": [{"name": "sid", "value": "abc", "domain": "studio.example.com"}],
			"origins": [{"origin": "https://studio.example.com", "localStorage": [{"name": "k", "value": "v"}]}]
		}`))
		require.NoError(t, err)
		assert.Equal(t, origin, sess.Origin)
		assert.Equal(t, map[string]string{"k": "v"}, sess.LocalStorage)
	})

	t.Run("expired cookies are dropped with a warning", func(t *testing.T) {
		core, logs := observer.New(zap.WarnLevel)
		s := NewStore(zap.New(core), origin)
		s.now = func() time.Time { return time.Unix(1_700_000_000, 0) }

		sess, err := s.Load(writeDescriptor(t, `{"cookies": [
			{"name": "old", "value": "x", "domain": "studio.example.com", "expires": 1000},
			{"name": "sid", "value": "y", "domain": "studio.example.com"}
		]}`))
		require.NoError(t, err)
		require.Len(t, sess.Cookies, 1)
		assert.Equal(t, "sid", sess.Cookies[0].Name)
		assert.Equal(t, 1, logs.FilterMessage("Dropping expired cookie.").Len())
	})
}

func TestApplyCookiesBeforeNavigation(t *testing.T) {
	ctx := context.Background()
	page := browsertest.New()
	sess := &schemas.Session{Cookies: []schemas.Cookie{{Name: "sid", Value: "abc", Domain: "studio.example.com", Path: "/"}}}

	require.NoError(t, ApplyCookies(ctx, page, sess))
	require.NoError(t, page.Navigate(ctx, origin+"/library"))

	assert.True(t, page.CookiesBeforeNavigation())
	assert.Equal(t, sess.Cookies, page.Cookies())
}

func TestReplayLocalStorage(t *testing.T) {
	ctx := context.Background()
	sess := &schemas.Session{LocalStorage: map[string]string{"auth": "t", "prefs": "dark"}}

	t.Run("before navigation fails loudly", func(t *testing.T) {
		page := browsertest.New()
		err := ReplayLocalStorage(ctx, page, sess, origin)
		assert.ErrorIs(t, err, schemas.ErrStorageReplay)
		assert.Equal(t, schemas.KindStorageReplay, schemas.KindOf(err))
		assert.Empty(t, page.Storage(origin))
	})

	t.Run("on another origin fails", func(t *testing.T) {
		page := browsertest.New()
		require.NoError(t, page.Navigate(ctx, "https://cdn.example.net/"))
		assert.ErrorIs(t, ReplayLocalStorage(ctx, page, sess, origin), schemas.ErrStorageReplay)
	})

	t.Run("after navigation succeeds", func(t *testing.T) {
		page := browsertest.New()
		require.NoError(t, page.Navigate(ctx, origin+"/library"))
		require.NoError(t, ReplayLocalStorage(ctx, page, sess, origin))
		assert.Equal(t, sess.LocalStorage, page.Storage(origin))
	})

	t.Run("write error is surfaced", func(t *testing.T) {
		page := browsertest.New()
		require.NoError(t, page.Navigate(ctx, origin+"/"))
		page.Fail["SetLocalStorage"] = assert.AnError
		err := ReplayLocalStorage(ctx, page, sess, origin)
		assert.ErrorIs(t, err, schemas.ErrStorageReplay)
	})

	t.Run("nothing to replay", func(t *testing.T) {
		assert.NoError(t, ReplayLocalStorage(ctx, browsertest.New(), &schemas.Session{}, origin))
	})
}
