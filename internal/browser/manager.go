// internal/browser/manager.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/uipilot/api/schemas"
	"github.com/xkilldash9x/uipilot/internal/browser/stealth"
	"github.com/xkilldash9x/uipilot/internal/config"
)

// Manager launches one independent browser process per Open call, so no two
// runs ever share cookies, storage or a renderer.
type Manager struct {
	logger *zap.Logger
	cfg    config.BrowserConfig

	// wg tracks open handles for a graceful shutdown.
	wg sync.WaitGroup
}

// NewManager creates a Manager. No browser is started until Open.
func NewManager(logger *zap.Logger, cfg config.BrowserConfig) *Manager {
	return &Manager{
		logger: logger.Named("browser_manager"),
		cfg:    cfg,
	}
}

// DefaultAllocatorOptions assembles the Chrome flags for a configurable,
// automation-quiet browser instance.
func DefaultAllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}

	// Later flags replace earlier ones, which is how enable-automation from the
	// defaults gets switched off.
	flags := allocatorFlags(cfg)
	names := make([]string, 0, len(flags))
	for name := range flags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		opts = append(opts, chromedp.Flag(name, flags[name]))
	}
	return opts
}

// allocatorFlags returns the command line flags layered over chromedp's
// defaults, keyed by flag name without the leading dashes.
func allocatorFlags(cfg config.BrowserConfig) map[string]interface{} {
	flags := map[string]interface{}{
		"enable-automation":      false,
		"headless":               cfg.Headless,
		"disable-blink-features": "AutomationControlled",
		"disable-extensions":     true,
		"disable-gpu":            cfg.Headless,
	}
	if cfg.IgnoreTLSErrors {
		flags["ignore-certificate-errors"] = true
		flags["allow-insecure-localhost"] = true
	}
	if cfg.Viewport.Width > 0 && cfg.Viewport.Height > 0 {
		flags["window-size"] = fmt.Sprintf("%d,%d", cfg.Viewport.Width, cfg.Viewport.Height)
	}

	// Containers (Docker on Linux) cannot use the sandbox.
	if runtime.GOOS == "linux" {
		flags["no-sandbox"] = true
		flags["disable-dev-shm-usage"] = true
		flags["disable-setuid-sandbox"] = true
	}

	for _, arg := range cfg.Args {
		parts := strings.SplitN(arg, "=", 2)
		name := strings.TrimPrefix(parts[0], "--")
		if name == "" {
			continue
		}
		if len(parts) == 2 {
			flags[name] = parts[1]
		} else {
			flags[name] = true
		}
	}
	return flags
}

// persona picks the fingerprint for one context: explicit override first,
// then the user agent recorded with the session, then config.
func (m *Manager) persona(sess *schemas.Session, opts OpenOptions) stealth.Persona {
	ua := opts.UserAgent
	if ua == "" && sess != nil {
		ua = sess.UserAgent
	}
	if ua == "" {
		ua = m.cfg.UserAgent
	}
	vp := opts.Viewport
	if vp.Width <= 0 || vp.Height <= 0 {
		vp = Viewport{Width: m.cfg.Viewport.Width, Height: m.cfg.Viewport.Height}
	}
	var langs []string
	if m.cfg.Locale != "" {
		base := strings.SplitN(m.cfg.Locale, "-", 2)[0]
		langs = []string{m.cfg.Locale}
		if base != m.cfg.Locale {
			langs = append(langs, base)
		}
	}
	return stealth.Persona{
		UserAgent:  ua,
		Platform:   stealth.PlatformFor(ua),
		Languages:  langs,
		Locale:     m.cfg.Locale,
		TimezoneID: m.cfg.Timezone,
		Width:      vp.Width,
		Height:     vp.Height,
	}
}

// Open starts a fresh browser, applies the persona derived from the session
// and returns a handle on its only tab. Cookies are the caller's job and
// must be set before the first navigation. If any step fails, everything
// started so far is torn down.
func (m *Manager) Open(ctx context.Context, sess *schemas.Session, opts OpenOptions) (Handle, error) {
	own := sess.Clone()
	persona := m.persona(own, opts)

	allocOpts := DefaultAllocatorOptions(m.cfg)
	if persona.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(persona.UserAgent))
	}

	// The process must outlive the caller's per-step deadlines; Close ends it.
	allocCtx, allocCancel := chromedp.NewExecAllocator(Detach(ctx), allocOpts...)
	contextOpts := []chromedp.ContextOption{}
	if m.cfg.Debug {
		contextOpts = append(contextOpts, chromedp.WithDebugf(m.logger.Sugar().Debugf))
	}
	contextOpts = append(contextOpts, chromedp.WithErrorf(m.logger.Sugar().Errorf))
	tabCtx, tabCancel := chromedp.NewContext(allocCtx, contextOpts...)

	h := &cdpHandle{
		logger:       m.logger,
		closeTimeout: m.cfg.CloseTimeout,
		tabCtx:       tabCtx,
		tabCancel:    tabCancel,
		allocCancel:  allocCancel,
		session:      own,
		wg:           &m.wg,
	}
	h.page = newCDPPage(tabCtx, m.logger)
	m.wg.Add(1)

	launchTimeout := m.cfg.LaunchTimeout
	if launchTimeout <= 0 {
		launchTimeout = 45 * time.Second
	}
	launchCtx, cancel := context.WithTimeout(ctx, launchTimeout)
	defer cancel()

	// The first Run starts the process and attaches to the tab.
	if err := h.page.run(launchCtx, stealth.Apply(persona, m.logger)); err != nil {
		_ = h.Close(ctx)
		return nil, fmt.Errorf("browser failed to start or accept the persona: %w", err)
	}

	m.logger.Info("Browser context opened",
		zap.String("user_agent", persona.UserAgent),
		zap.Int64("width", persona.Width),
		zap.Int64("height", persona.Height),
		zap.Int("cookies", cookieCount(own)),
	)
	return h, nil
}

func cookieCount(s *schemas.Session) int {
	if s == nil {
		return 0
	}
	return len(s.Cookies)
}

// Shutdown waits for open handles to be closed, bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		m.logger.Warn("Shutdown deadline exceeded with browser contexts still open.", zap.Error(ctx.Err()))
		return ctx.Err()
	}
}

// cdpHandle owns one browser process and its tab.
type cdpHandle struct {
	logger       *zap.Logger
	closeTimeout time.Duration
	tabCtx       context.Context
	tabCancel    context.CancelFunc
	allocCancel  context.CancelFunc
	page         *cdpPage
	session      *schemas.Session
	wg           *sync.WaitGroup

	once     sync.Once
	closeErr error
}

func (h *cdpHandle) Page() Page                { return h.page }
func (h *cdpHandle) Session() *schemas.Session { return h.session }

// Close ends the tab gracefully, then the process. Bounded by closeTimeout
// even when ctx is already done.
func (h *cdpHandle) Close(ctx context.Context) error {
	h.once.Do(func() {
		defer h.wg.Done()
		timeout := h.closeTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		closeCtx, cancel := context.WithTimeout(Detach(ctx), timeout)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			done <- chromedp.Cancel(h.tabCtx)
		}()
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				h.closeErr = fmt.Errorf("close tab: %w", err)
			}
		case <-closeCtx.Done():
			h.closeErr = fmt.Errorf("close tab: %w", closeCtx.Err())
		}
		h.tabCancel()
		// Cancelling the allocator kills the process and waits for it to exit.
		h.allocCancel()
		h.logger.Debug("Browser context closed", zap.Error(h.closeErr))
	})
	return h.closeErr
}
