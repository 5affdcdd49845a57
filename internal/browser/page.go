// internal/browser/page.go
package browser

import (
	"context"
	"errors"

	"github.com/xkilldash9x/uipilot/api/schemas"
)

var (
	// ErrInvalidSelector means the selector can never match; callers should not retry it.
	ErrInvalidSelector = errors.New("invalid selector")
	// ErrStaleElement means the addressed element left the DOM between lookup and action.
	ErrStaleElement = errors.New("stale element")
	// ErrDownloadCanceled means the browser gave up on the download.
	ErrDownloadCanceled = errors.New("download was canceled by the browser")
)

// Match is a visible, enabled element returned by Page.QueryVisible.
type Match struct {
	// Index is the element's position among all matches of the selector,
	// hidden ones included, so Selector+Index addresses it later.
	Index int    `json:"index"`
	Tag   string `json:"tag"`
	Text  string `json:"text"`
}

// DownloadState is the terminal state of a browser download.
type DownloadState string

const (
	DownloadCompleted DownloadState = "completed"
	DownloadCanceled  DownloadState = "canceled"
)

// DownloadEvent describes a finished browser download.
type DownloadEvent struct {
	GUID          string
	URL           string
	SuggestedName string
	// Path is where the browser wrote the bytes.
	Path  string
	State DownloadState
}

// PendingDownload is a subscription opened before the triggering action.
type PendingDownload interface {
	// Wait blocks until the first download after the subscription finishes,
	// or ctx is done.
	Wait(ctx context.Context) (DownloadEvent, error)
	// Cancel releases the subscription. Safe to call more than once.
	Cancel()
}

// Page is the seam between the automation logic and the browser.
// Every method honours ctx for cancellation and deadlines.
type Page interface {
	Navigate(ctx context.Context, url string) error
	CurrentURL(ctx context.Context) (string, error)

	// QueryVisible returns the visible, enabled matches of a CSS selector in
	// document order. An unparsable selector returns ErrInvalidSelector.
	QueryVisible(ctx context.Context, selector string) ([]Match, error)
	// Snapshot returns the serialized document for offline scanning.
	Snapshot(ctx context.Context) (string, error)

	Click(ctx context.Context, h schemas.ElementHandle) error
	Fill(ctx context.Context, h schemas.ElementHandle, value string) error
	Press(ctx context.Context, h schemas.ElementHandle, key string) error

	SetCookies(ctx context.Context, cookies []schemas.Cookie) error
	SetLocalStorage(ctx context.Context, entries map[string]string) error
	GetLocalStorage(ctx context.Context) (map[string]string, error)

	Screenshot(ctx context.Context) ([]byte, error)
	// ExpectDownload subscribes to the next download, saved under dir.
	ExpectDownload(ctx context.Context, dir string) (PendingDownload, error)
}

// Viewport is the emulated window size.
type Viewport struct {
	Width  int64
	Height int64
}

// OpenOptions customise one browser context.
type OpenOptions struct {
	Viewport Viewport
	// UserAgent overrides the session's recorded user agent when set.
	UserAgent string
}

// Handle owns one isolated browser context. Close is idempotent.
type Handle interface {
	Page() Page
	// Session is the run's private copy of the descriptor.
	Session() *schemas.Session
	Close(ctx context.Context) error
}

// Launcher opens isolated browser contexts carrying a restored session.
type Launcher interface {
	Open(ctx context.Context, sess *schemas.Session, opts OpenOptions) (Handle, error)
}
