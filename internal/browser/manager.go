// internal/browser/manager.go
package browser

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/replaydock/internal/config"
	"github.com/xkilldash9x/replaydock/pkg/contextutil"
)

const launchTimeout = 60 * time.Second

// Manager owns the Chrome process. All sessions are tabs of one browser, so
// they share the profile in the configured user data directory.
type Manager struct {
	logger *zap.Logger
	cfg    config.Interface

	allocCtx    context.Context
	allocCancel context.CancelFunc

	// browserCtx carries the browser connection; tabs derive from it.
	browserCtx    context.Context
	browserCancel context.CancelFunc
	launchOnce    sync.Once
	launchErr     error

	mu       sync.Mutex
	sessions map[string]*Session
	// wg tracks open sessions for a graceful shutdown.
	wg sync.WaitGroup
}

// NewManager prepares the allocator. Chrome itself starts with the first
// session.
func NewManager(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Manager, error) {
	opts, err := AllocatorOptions(cfg.Browser())
	if err != nil {
		return nil, err
	}

	m := &Manager{
		logger:   logger.Named("browser_manager"),
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
	m.allocCtx, m.allocCancel = chromedp.NewExecAllocator(ctx, opts...)
	return m, nil
}

// AllocatorOptions builds the Chrome command line for cfg.
func AllocatorOptions(cfg config.BrowserConfig) ([]chromedp.ExecAllocatorOption, error) {
	flags, err := allocatorFlags(cfg)
	if err != nil {
		return nil, err
	}

	opts := make([]chromedp.ExecAllocatorOption, 0, len(chromedp.DefaultExecAllocatorOptions)+len(flags)+3)
	for _, opt := range chromedp.DefaultExecAllocatorOptions {
		opts = append(opts, opt)
	}
	names := make([]string, 0, len(flags))
	for name := range flags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		opts = append(opts, chromedp.Flag(name, flags[name]))
	}

	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.ExecutablePath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecutablePath))
	}
	if cfg.UserDataDir != "" {
		dir, err := homedir.Expand(cfg.UserDataDir)
		if err != nil {
			return nil, fmt.Errorf("expand user data dir: %w", err)
		}
		opts = append(opts, chromedp.UserDataDir(dir))
	}
	return opts, nil
}

// allocatorFlags returns the command line flags that differ from chromedp's
// defaults. Later entries of cfg.Args override computed ones.
func allocatorFlags(cfg config.BrowserConfig) (map[string]interface{}, error) {
	flags := map[string]interface{}{
		"headless": cfg.Headless,
		// Hide navigator.webdriver from the page.
		"disable-blink-features": "AutomationControlled",
		"enable-automation":      false,
	}
	if cfg.Headless {
		flags["disable-gpu"] = true
	}
	if cfg.IgnoreTLSErrors {
		flags["ignore-certificate-errors"] = true
		flags["allow-insecure-localhost"] = true
	}
	if cfg.DisableCache {
		flags["disk-cache-size"] = "0"
		flags["media-cache-size"] = "0"
		flags["disable-cache"] = true
	}
	if w, h := cfg.Viewport["width"], cfg.Viewport["height"]; w > 0 && h > 0 {
		flags["window-size"] = fmt.Sprintf("%d,%d", w, h)
	}
	if runtime.GOOS == "linux" {
		flags["no-sandbox"] = true
		flags["disable-dev-shm-usage"] = true
	}

	for _, arg := range cfg.Args {
		name, value, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if name == "" {
			return nil, fmt.Errorf("invalid browser argument %q", arg)
		}
		if hasValue {
			flags[name] = value
		} else {
			flags[name] = true
		}
	}
	return flags, nil
}

// launch starts Chrome once and checks it responds.
func (m *Manager) launch(ctx context.Context) error {
	m.launchOnce.Do(func() {
		m.logger.Info("Launching browser.", zap.Bool("headless", m.cfg.Browser().Headless))

		var opts []chromedp.ContextOption
		if m.cfg.Browser().Debug {
			opts = append(opts, chromedp.WithDebugf(m.logger.Sugar().Debugf))
		}
		m.browserCtx, m.browserCancel = chromedp.NewContext(m.allocCtx, opts...)

		launchCtx, cancel := context.WithTimeout(ctx, launchTimeout)
		defer cancel()
		runCtx, runCancel := contextutil.CombineContext(m.browserCtx, launchCtx)
		defer runCancel()
		if err := chromedp.Run(runCtx); err != nil {
			m.launchErr = fmt.Errorf("browser failed to start: %w", err)
			return
		}
		m.logger.Info("Browser launched.")
	})
	return m.launchErr
}

// NewSession opens a tab. The caller must Close it.
func (m *Manager) NewSession(ctx context.Context, opts SessionOptions) (*Session, error) {
	if err := m.launch(ctx); err != nil {
		return nil, err
	}

	tabCtx, tabCancel := chromedp.NewContext(m.browserCtx)
	s := newSession(tabCtx, tabCancel, m.cfg, opts, m.logger)

	m.wg.Add(1)
	s.onClose = func() {
		m.mu.Lock()
		delete(m.sessions, s.ID())
		m.mu.Unlock()
		m.wg.Done()
		m.logger.Debug("Session removed from manager.", zap.String("session_id", s.ID()))
	}

	if err := s.Initialize(ctx); err != nil {
		_ = s.Close(context.Background())
		return nil, fmt.Errorf("initialize session: %w", err)
	}

	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()
	m.logger.Debug("New session created.", zap.String("session_id", s.ID()))
	return s, nil
}

// Shutdown closes the remaining sessions, waits for them up to ctx's
// deadline and terminates the browser.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("Shutting down browser manager.")

	m.mu.Lock()
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.Unlock()
	for _, s := range open {
		go func(s *Session) {
			if err := s.Close(ctx); err != nil {
				m.logger.Warn("Error during session close in shutdown.", zap.String("session_id", s.ID()), zap.Error(err))
			}
		}(s)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Debug("All sessions closed.")
	case <-ctx.Done():
		m.logger.Warn("Timeout waiting for sessions to close. Forcing browser termination.", zap.Error(ctx.Err()))
	}

	if m.browserCancel != nil {
		m.browserCancel()
	}
	m.allocCancel()
	return nil
}
