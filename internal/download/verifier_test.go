// internal/download/verifier_test.go
package download

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/uipilot/api/schemas"
	"github.com/xkilldash9x/uipilot/internal/browser/browsertest"
)

func wavBytes(size int) []byte {
	b := make([]byte, size)
	copy(b, "RIFF\x00\x00\x00\x00WAVEfmt ")
	return b
}

func newTestVerifier(t *testing.T) (*Verifier, string) {
	out := t.TempDir()
	return NewVerifier(zaptest.NewLogger(t), Options{Dir: out, MinBytes: 1024, Format: "wav", Timeout: time.Second}), out
}

func stage(t *testing.T, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "8f0c-guid")
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p
}

var runParams = schemas.RunParams{ContextID: "vid42", Parameter: "30s", SearchText: "ambient calm"}

func TestStore(t *testing.T) {
	t.Run("valid file gets the canonical name", func(t *testing.T) {
		v, out := newTestVerifier(t)
		src := stage(t, wavBytes(4096))

		a, err := v.Store(src, "Ambient Calm.wav", runParams)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(out, "vid42_01_30s_Ambient_Calm.wav"), a.SavedPath)
		assert.Regexp(t, regexp.MustCompile(`^vid42_\d{2}_30s_Ambient_Calm\.wav$`), filepath.Base(a.SavedPath))
		assert.Equal(t, int64(4096), a.SizeBytes)
		assert.Equal(t, []byte("RIFF"), a.HeaderBytes[:4])
		assert.Equal(t, "wav", a.Format)
		assert.NoFileExists(t, src)
	})

	t.Run("too small", func(t *testing.T) {
		v, out := newTestVerifier(t)
		a, err := v.Store(stage(t, wavBytes(512)), "clip.wav", runParams)
		assert.ErrorIs(t, err, schemas.ErrDownloadIntegrity)
		assert.Equal(t, schemas.KindDownloadIntegrity, schemas.KindOf(err))
		assert.Nil(t, a)
		entries, _ := os.ReadDir(out)
		assert.Empty(t, entries, "rejected file must be deleted")
	})

	t.Run("exactly the minimum passes", func(t *testing.T) {
		v, _ := newTestVerifier(t)
		_, err := v.Store(stage(t, wavBytes(1024)), "clip.wav", runParams)
		assert.NoError(t, err)
	})

	t.Run("big enough but wrong header", func(t *testing.T) {
		v, out := newTestVerifier(t)
		html := append([]byte("<!doctype html><p>Session expired</p>"), make([]byte, 4096)...)
		a, err := v.Store(stage(t, html), "clip.wav", runParams)
		assert.ErrorIs(t, err, schemas.ErrDownloadIntegrity)
		assert.Nil(t, a)
		entries, _ := os.ReadDir(out)
		assert.Empty(t, entries)
	})

	t.Run("unknown format", func(t *testing.T) {
		v, _ := newTestVerifier(t)
		_, err := v.Store(stage(t, wavBytes(4096)), "clip.xyz", runParams)
		assert.ErrorIs(t, err, schemas.ErrDownloadIntegrity)
	})

	t.Run("missing extension falls back to configured format", func(t *testing.T) {
		v, out := newTestVerifier(t)
		a, err := v.Store(stage(t, wavBytes(2048)), "export", runParams)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(out, "vid42_01_30s_export.wav"), a.SavedPath)
	})

	t.Run("run output directory wins", func(t *testing.T) {
		v, _ := newTestVerifier(t)
		p := runParams
		p.OutputDir = filepath.Join(t.TempDir(), "nested", "out")
		a, err := v.Store(stage(t, wavBytes(2048)), "clip.wav", p)
		require.NoError(t, err)
		assert.Equal(t, p.OutputDir, filepath.Dir(a.SavedPath))
	})
}

func TestStore_NeverOverwrites(t *testing.T) {
	v, out := newTestVerifier(t)

	first, err := v.Store(stage(t, wavBytes(2048)), "clip.wav", runParams)
	require.NoError(t, err)
	second, err := v.Store(stage(t, wavBytes(3072)), "clip.wav", runParams)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(out, "vid42_01_30s_clip.wav"), first.SavedPath)
	assert.Equal(t, filepath.Join(out, "vid42_02_30s_clip.wav"), second.SavedPath)
	info, err := os.Stat(first.SavedPath)
	require.NoError(t, err)
	assert.Equal(t, int64(2048), info.Size())

	t.Run("concurrent stores get distinct names", func(t *testing.T) {
		var wg sync.WaitGroup
		paths := make([]string, 8)
		for i := range paths {
			src := stage(t, wavBytes(2048))
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				a, err := v.Store(src, "clip.wav", runParams)
				if assert.NoError(t, err) {
					paths[i] = a.SavedPath
				}
			}(i)
		}
		wg.Wait()
		seen := map[string]bool{}
		for _, p := range paths {
			assert.False(t, seen[p], "duplicate path %s", p)
			seen[p] = true
		}
	})
}

func TestCanonicalName(t *testing.T) {
	assert.Equal(t, "vid42_07_30s_ambient_calm.wav", CanonicalName("vid42", 7, "30s", "ambient calm", "wav"))
	assert.Equal(t, "vid42_123_none_clip.mp3", CanonicalName("vid42", 123, "", "clip", "mp3"))
	assert.Equal(t, "a_b_01_x_y_z.wav", CanonicalName("a/b", 1, "x y", "../z", "wav"))
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "ambient_calm", sanitize("ambient   calm"), "a run of spaces becomes one underscore")
	assert.Equal(t, "take__two", sanitize("take__two"), "existing underscores are kept")
	assert.Equal(t, "none", sanitize(" ._ "))
}

func TestMatchesFormat(t *testing.T) {
	cases := map[string][]byte{
		"wav":  []byte("RIFF\x10\x00\x00\x00WAVE"),
		"mp3":  []byte("ID3\x04\x00"),
		"flac": []byte("fLaC\x00"),
		"ogg":  []byte("OggS\x00"),
		"m4a":  []byte("\x00\x00\x00\x20ftypM4A "),
		"zip":  []byte("PK\x03\x04"),
	}
	for format, header := range cases {
		assert.True(t, MatchesFormat(format, header), format)
		assert.False(t, MatchesFormat(format, []byte("<html>")), format)
	}
	assert.True(t, MatchesFormat("MP3", []byte{0xFF, 0xFB, 0x90}))
	assert.False(t, MatchesFormat("wav", []byte("RIFF\x10\x00\x00\x00AVI ")))
	assert.False(t, MatchesFormat("exe", []byte("MZ")))
}

func TestExpectAwait(t *testing.T) {
	ctx := context.Background()
	doc := `<html><body><button id="dl" data-download="ambient calm.wav">Download</button></body></html>`

	t.Run("subscribe, click, verify", func(t *testing.T) {
		v, out := newTestVerifier(t)
		page := browsertest.New().Route("/item", doc)
		page.Downloads["ambient calm.wav"] = browsertest.Download{Data: wavBytes(4096)}
		require.NoError(t, page.Navigate(ctx, "https://studio.example.com/item"))

		pending, err := v.Expect(ctx, page)
		require.NoError(t, err)
		require.NoError(t, page.Click(ctx, schemas.ElementHandle{Selector: "#dl"}))

		a, err := v.Await(ctx, pending, runParams)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(out, "vid42_01_30s_ambient_calm.wav"), a.SavedPath)
	})

	t.Run("no event within the timeout", func(t *testing.T) {
		v, _ := newTestVerifier(t)
		v.opts.Timeout = 20 * time.Millisecond
		page := browsertest.New()
		pending, err := v.Expect(ctx, page)
		require.NoError(t, err)

		_, err = v.Await(ctx, pending, runParams)
		assert.ErrorIs(t, err, schemas.ErrDownloadTimedOut)
		assert.NotErrorIs(t, err, schemas.ErrDownloadIntegrity)
	})

	t.Run("canceled by the browser", func(t *testing.T) {
		v, _ := newTestVerifier(t)
		page := browsertest.New().Route("/item", doc)
		page.Downloads["ambient calm.wav"] = browsertest.Download{Canceled: true}
		require.NoError(t, page.Navigate(ctx, "https://studio.example.com/item"))

		pending, err := v.Expect(ctx, page)
		require.NoError(t, err)
		require.NoError(t, page.Click(ctx, schemas.ElementHandle{Selector: "#dl"}))
		_, err = v.Await(ctx, pending, runParams)
		assert.ErrorIs(t, err, schemas.ErrDownloadIntegrity)
	})
}
