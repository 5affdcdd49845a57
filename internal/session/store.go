// internal/session/store.go
package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/uipilot/api/schemas"
	"github.com/xkilldash9x/uipilot/internal/browser"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// descriptor accepts the shapes produced by the usual exporters: a flat
// localStorage map (camel or snake case) or a per-origin list.
type descriptor struct {
	Cookies        []schemas.Cookie  `json:"cookies"`
	LocalStorage   map[string]string `json:"localStorage"`
	LocalStorageSC map[string]string `json:"local_storage"`
	Origins        []struct {
		Origin       string `json:"origin"`
		LocalStorage []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"localStorage"`
	} `json:"origins"`
	UserAgent   string `json:"userAgent"`
	UserAgentSC string `json:"user_agent"`
	Origin      string `json:"origin"`
}

// Store loads session descriptors. It never writes them.
type Store struct {
	logger *zap.Logger
	// origin is assumed for storage entries whose descriptor names none.
	origin string
	now    func() time.Time
}

// NewStore creates a Store. defaultOrigin is usually the target base URL origin.
func NewStore(logger *zap.Logger, defaultOrigin string) *Store {
	return &Store{
		logger: logger.Named("session_store"),
		origin: strings.TrimRight(defaultOrigin, "/"),
		now:    time.Now,
	}
}

// Load reads and validates the descriptor at path.
func (s *Store) Load(path string) (*schemas.Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", schemas.ErrSessionNotFound, path)
		}
		return nil, fmt.Errorf("%w: reading %s: %v", schemas.ErrSessionCorrupt, path, err)
	}

	var d descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", schemas.ErrSessionCorrupt, path, err)
	}

	sess := &schemas.Session{
		UserAgent:    firstNonEmpty(d.UserAgent, d.UserAgentSC),
		Origin:       strings.TrimRight(d.Origin, "/"),
		LocalStorage: map[string]string{},
		SourcePath:   path,
	}
	for k, v := range d.LocalStorageSC {
		sess.LocalStorage[k] = v
	}
	for k, v := range d.LocalStorage {
		sess.LocalStorage[k] = v
	}
	for _, o := range d.Origins {
		if len(o.LocalStorage) == 0 {
			continue
		}
		origin := strings.TrimRight(o.Origin, "/")
		if sess.Origin != "" && origin != "" && origin != sess.Origin {
			s.logger.Warn("Ignoring local storage for a second origin.",
				zap.String("origin", origin), zap.String("kept", sess.Origin))
			continue
		}
		if sess.Origin == "" {
			sess.Origin = origin
		}
		for _, e := range o.LocalStorage {
			sess.LocalStorage[e.Name] = e.Value
		}
	}
	if sess.Origin == "" {
		sess.Origin = s.origin
	}
	if len(sess.LocalStorage) == 0 {
		sess.LocalStorage = nil
	}

	now := float64(s.now().Unix())
	for i, c := range d.Cookies {
		if c.Name == "" || c.Domain == "" {
			return nil, fmt.Errorf("%w: %s: cookie %d has no name or domain", schemas.ErrSessionCorrupt, path, i)
		}
		if c.Expiry > 0 && c.Expiry < now {
			s.logger.Warn("Dropping expired cookie.", zap.String("name", c.Name), zap.String("domain", c.Domain),
				zap.Time("expired", time.Unix(int64(c.Expiry), 0)))
			continue
		}
		if c.Path == "" {
			c.Path = "/"
		}
		sess.Cookies = append(sess.Cookies, c)
	}

	if len(sess.Cookies) == 0 && len(sess.LocalStorage) == 0 {
		if len(d.Cookies) > 0 {
			return nil, fmt.Errorf("%w: %s: every cookie has expired", schemas.ErrSessionCorrupt, path)
		}
		return nil, fmt.Errorf("%w: %s: no cookies and no local storage", schemas.ErrSessionCorrupt, path)
	}

	s.logger.Debug("Session descriptor loaded",
		zap.String("path", path),
		zap.Int("cookies", len(sess.Cookies)),
		zap.Int("local_storage", len(sess.LocalStorage)),
		zap.Bool("user_agent", sess.UserAgent != ""),
	)
	return sess, nil
}

// ApplyCookies injects the session cookies. It has to run before the first
// navigation so the first request is already authenticated.
func ApplyCookies(ctx context.Context, page browser.Page, sess *schemas.Session) error {
	if sess == nil || len(sess.Cookies) == 0 {
		return nil
	}
	if err := page.SetCookies(ctx, sess.Cookies); err != nil {
		return fmt.Errorf("apply cookies: %w", err)
	}
	return nil
}

// ReplayLocalStorage writes the session's storage entries into the page and
// reads every one back. The page must already be on origin: storage written
// anywhere else is lost, so that case is an error rather than a no-op.
func ReplayLocalStorage(ctx context.Context, page browser.Page, sess *schemas.Session, origin string) error {
	if sess == nil || len(sess.LocalStorage) == 0 {
		return nil
	}
	origin = strings.TrimRight(origin, "/")
	current, err := page.CurrentURL(ctx)
	if err != nil {
		return fmt.Errorf("%w: reading location: %v", schemas.ErrStorageReplay, err)
	}
	if origin == "" || !sameOrigin(current, origin) {
		return fmt.Errorf("%w: page is on %q, not %q; navigate first", schemas.ErrStorageReplay, current, origin)
	}

	if err := page.SetLocalStorage(ctx, sess.LocalStorage); err != nil {
		return fmt.Errorf("%w: %v", schemas.ErrStorageReplay, err)
	}
	got, err := page.GetLocalStorage(ctx)
	if err != nil {
		return fmt.Errorf("%w: read back: %v", schemas.ErrStorageReplay, err)
	}

	var mismatched []string
	for k, want := range sess.LocalStorage {
		if v, ok := got[k]; !ok || v != want {
			mismatched = append(mismatched, k)
		}
	}
	if len(mismatched) > 0 {
		sort.Strings(mismatched)
		return fmt.Errorf("%w: keys did not persist: %s", schemas.ErrStorageReplay, strings.Join(mismatched, ", "))
	}
	return nil
}

func sameOrigin(rawURL, origin string) bool {
	return rawURL == origin || strings.HasPrefix(rawURL, origin+"/") ||
		strings.HasPrefix(rawURL, origin+"?") || strings.HasPrefix(rawURL, origin+"#")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
