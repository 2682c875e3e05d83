// internal/browser/session.go
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/replaydock/api/schemas"
	"github.com/xkilldash9x/replaydock/internal/config"
	"github.com/xkilldash9x/replaydock/internal/extract"
	"github.com/xkilldash9x/replaydock/pkg/contextutil"
)

const (
	stabilizeTimeout = 10 * time.Second
	closeTimeout     = 10 * time.Second
)

// SessionOptions configures one tab.
type SessionOptions struct {
	// AvailableActions enables optional action handlers.
	AvailableActions []string
	// CookiesPath is loaded at start and, with SaveCookies, written on Close.
	CookiesPath string
	SaveCookies bool
	// Logger overrides the manager's logger, e.g. to capture one run's log.
	Logger *zap.Logger
}

// Session is one browser tab. It implements schemas.Environment for the
// replay engine and schemas.Snapshotter for diagnostics. A session is owned
// by a single run at a time.
type Session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
	cfg    config.Interface
	opts   SessionOptions

	harvester *Harvester
	actions   *Registry

	mu      sync.Mutex
	lastMap schemas.SelectorMap

	onClose   func()
	closeOnce sync.Once
	closed    chan struct{}
}

var (
	_ schemas.Environment = (*Session)(nil)
	_ schemas.Snapshotter = (*Session)(nil)
)

func newSession(ctx context.Context, cancel context.CancelFunc, cfg config.Interface, opts SessionOptions, logger *zap.Logger) *Session {
	if opts.Logger != nil {
		logger = opts.Logger
	}
	id := uuid.New().String()
	sessionLogger := logger.Named("session").With(zap.String("session_id", id))
	return &Session{
		id:      id,
		ctx:     ctx,
		cancel:  cancel,
		logger:  sessionLogger,
		cfg:     cfg,
		opts:    opts,
		actions: NewRegistry(opts.AvailableActions, sessionLogger),
		closed:  make(chan struct{}),
	}
}

// Initialize opens the tab and prepares it: event harvesting, viewport,
// extra headers and stored cookies.
func (s *Session) Initialize(ctx context.Context) error {
	initCtx, cancel := contextutil.CombineContext(s.ctx, ctx)
	defer cancel()

	// The first Run on a fresh chromedp context creates the target.
	if err := chromedp.Run(s.ctx); err != nil {
		return fmt.Errorf("open browser tab: %w", err)
	}

	s.harvester = NewHarvester(s.ctx, s.logger)
	if err := s.harvester.Start(initCtx); err != nil {
		return err
	}

	var tasks chromedp.Tasks
	if vp := s.cfg.Browser().Viewport; vp["width"] > 0 && vp["height"] > 0 {
		tasks = append(tasks, chromedp.EmulateViewport(int64(vp["width"]), int64(vp["height"])))
	}
	if headers := s.cfg.Network().Headers; len(headers) > 0 {
		h := make(network.Headers, len(headers))
		for k, v := range headers {
			h[k] = v
		}
		tasks = append(tasks, network.SetExtraHTTPHeaders(h))
	}
	if s.cfg.Browser().DisableCache {
		tasks = append(tasks, network.SetCacheDisabled(true))
	}
	if err := chromedp.Run(initCtx, tasks); err != nil {
		return fmt.Errorf("prepare browser tab: %w", err)
	}

	if s.opts.CookiesPath != "" {
		if err := s.LoadCookies(initCtx, s.opts.CookiesPath); err != nil {
			s.logger.Warn("Could not load cookies.", zap.String("path", s.opts.CookiesPath), zap.Error(err))
		}
	}
	return nil
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Logger returns the session's logger.
func (s *Session) Logger() *zap.Logger {
	return s.logger
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// runActions runs chromedp actions bound to the tab (s.ctx) and to the
// caller's deadline (ctx).
func (s *Session) runActions(ctx context.Context, actions ...chromedp.Action) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	runCtx, cancel := contextutil.CombineContext(s.ctx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

// evalOnElement runs body as a function of the element with the given
// highlight index. body sees the element as el and may return a value.
func (s *Session) evalOnElement(ctx context.Context, index int, body string, res interface{}) error {
	script := fmt.Sprintf(`(function(el) {
  if (!el || !el.isConnected) { throw new Error('no element found at index %d'); }
  %s
})(%s)`, index, body, elementPath(index))
	return s.runActions(ctx, chromedp.Evaluate(script, res))
}

// requireIndex checks an index against the latest selector map, when one
// has been taken.
func (s *Session) requireIndex(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastMap == nil {
		return nil
	}
	if _, ok := s.lastMap[index]; !ok {
		return fmt.Errorf("%w: element with index %d does not exist", ErrElementNotFound, index)
	}
	return nil
}

// Navigate loads url and waits for the page to settle.
func (s *Session) Navigate(ctx context.Context, url string) error {
	navCtx := ctx
	if timeout := s.cfg.Network().NavigationTimeout; timeout > 0 {
		var cancel context.CancelFunc
		navCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	s.logger.Info("Navigating.", zap.String("url", url))
	if err := s.runActions(navCtx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	return s.stabilize(ctx)
}

// stabilize waits for the body and then for network quiet. Only
// cancellation of ctx is an error; a page that never goes quiet is logged.
func (s *Session) stabilize(ctx context.Context) error {
	stabCtx, cancel := context.WithTimeout(ctx, stabilizeTimeout)
	defer cancel()

	if err := s.runActions(stabCtx, chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Debug("WaitReady failed during stabilization.", zap.Error(err))
	}
	if s.harvester != nil {
		if err := s.harvester.WaitNetworkIdle(stabCtx, s.cfg.Network().PostLoadWait); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Debug("Network idle wait ended early.", zap.Error(err))
		}
	}
	return nil
}

// ElementTree takes a DOM snapshot of the page. It also refreshes the
// element registry the index-targeting handlers use.
func (s *Session) ElementTree(ctx context.Context) (schemas.ElementTree, error) {
	var raw []byte
	if err := s.runActions(ctx, chromedp.Evaluate(snapshotScript, &raw)); err != nil {
		return nil, fmt.Errorf("snapshot DOM: %w", err)
	}
	tree, err := decodeSnapshot(raw)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.lastMap = schemas.NewSelectorMap(tree)
	s.mu.Unlock()
	return tree, nil
}

// SelectorMap takes a DOM snapshot and returns its addressable elements.
func (s *Session) SelectorMap(ctx context.Context) (schemas.SelectorMap, error) {
	tree, err := s.ElementTree(ctx)
	if err != nil {
		return nil, err
	}
	return schemas.NewSelectorMap(tree), nil
}

// PerformAction dispatches an action to its handler. Handler failures are
// reported as failed outcomes; only a closed session is an error.
func (s *Session) PerformAction(ctx context.Context, action schemas.Action) (schemas.ActionOutcome, error) {
	if s.isClosed() {
		return schemas.ActionOutcome{}, ErrSessionClosed
	}

	handler, ok := s.actions.Lookup(action.Name)
	if !ok {
		return schemas.ActionOutcome{
			Action:    action.Name,
			Status:    schemas.OutcomeFailed,
			ErrorCode: schemas.ErrCodeUnknownAction,
			Error:     fmt.Sprintf("action %q is not available", action.Name),
		}, nil
	}

	s.logger.Debug("Performing action.", zap.Stringer("action", action))
	outcome, err := handler(ctx, s, action)
	if err != nil {
		code := ParseBrowserError(err)
		s.logger.Warn("Browser action execution failed", zap.String("action", action.Name), zap.String("error_code", string(code)), zap.Error(err))
		return schemas.ActionOutcome{
			Action:    action.Name,
			Status:    schemas.OutcomeFailed,
			ErrorCode: code,
			Error:     err.Error(),
		}, nil
	}
	outcome.Action = action.Name
	if outcome.Status == "" {
		outcome.Status = schemas.OutcomeSuccess
	}
	return outcome, nil
}

// ExtractVisibleAnswer reads the bracketed answer from the page.
func (s *Session) ExtractVisibleAnswer(ctx context.Context) (string, error) {
	page, err := s.PageHTML(ctx)
	if err != nil {
		return "", err
	}
	return extract.Answer(page)
}

// PageHTML returns the serialised document.
func (s *Session) PageHTML(ctx context.Context) (string, error) {
	var html string
	if err := s.runActions(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read page HTML: %w", err)
	}
	return html, nil
}

// Screenshot captures the viewport, or the whole page with fullPage, as PNG.
func (s *Session) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	var buf []byte
	var action chromedp.Action = chromedp.CaptureScreenshot(&buf)
	if fullPage {
		// Quality 100 keeps the PNG encoding.
		action = chromedp.FullScreenshot(&buf, 100)
	}
	if err := s.runActions(ctx, action); err != nil {
		return nil, fmt.Errorf("capture screenshot: %w", err)
	}
	return buf, nil
}

// CurrentURL returns the tab's location.
func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	var url string
	if err := s.runActions(ctx, chromedp.Location(&url)); err != nil {
		return "", err
	}
	return url, nil
}

// AvailableActions lists the actions this session can perform.
func (s *Session) AvailableActions() []string {
	return s.actions.Names()
}

// LoadCookies installs the cookies stored at path.
func (s *Session) LoadCookies(ctx context.Context, path string) error {
	cookies, err := ReadCookies(path)
	if err != nil {
		return err
	}
	params := cookieParams(cookies)
	if len(params) == 0 {
		return nil
	}
	if err := s.runActions(ctx, network.SetCookies(params)); err != nil {
		return fmt.Errorf("set cookies: %w", err)
	}
	s.logger.Debug("Cookies loaded.", zap.Int("count", len(params)))
	return nil
}

// SaveCookies writes the browser's cookies to path.
func (s *Session) SaveCookies(ctx context.Context, path string) error {
	var cookies []*network.Cookie
	err := s.runActions(ctx, chromedp.ActionFunc(func(c context.Context) error {
		var err error
		cookies, err = network.GetCookies().Do(c)
		return err
	}))
	if err != nil {
		return fmt.Errorf("get cookies: %w", err)
	}
	if err := WriteCookies(path, fromNetworkCookies(cookies)); err != nil {
		return err
	}
	s.logger.Debug("Cookies saved.", zap.String("path", path), zap.Int("count", len(cookies)))
	return nil
}

// Done is closed when the session closes, including when the tab goes away
// on its own (the user closing a headed window).
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Close saves cookies when configured, then closes the tab. It is safe to
// call more than once.
func (s *Session) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.logger.Debug("Closing browser session.")
		if s.opts.SaveCookies && s.opts.CookiesPath != "" && s.ctx.Err() == nil {
			saveCtx, cancel := context.WithTimeout(contextutil.Detach(ctx), closeTimeout)
			if saveErr := s.SaveCookies(saveCtx, s.opts.CookiesPath); saveErr != nil {
				s.logger.Warn("Could not save cookies.", zap.Error(saveErr))
				err = saveErr
			}
			cancel()
		}

		close(s.closed)
		if s.harvester != nil {
			s.harvester.Stop()
		}
		if s.cancel != nil {
			s.cancel()
		}
		if s.onClose != nil {
			s.onClose()
		}
	})
	return err
}
