// internal/browser/actions.go
package browser

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/replaydock/api/schemas"
	"github.com/xkilldash9x/replaydock/internal/extract"
	"github.com/xkilldash9x/replaydock/pkg/contextutil"
)

// ActionHandler performs one recorded action on a session. A returned error
// means the action ran and failed; PerformAction turns it into a failed
// outcome.
type ActionHandler func(ctx context.Context, s *Session, action schemas.Action) (schemas.ActionOutcome, error)

const (
	defaultWaitSeconds        = 3.0
	defaultWaitMessageTimeout = 90
	defaultWaitElementMs      = 10000
	clickTimeout              = 5 * time.Second
)

// streamSettle is how long wait_message sleeps before it looks at the open
// event streams, giving the page time to send the prompt.
var streamSettle = 5 * time.Second

var builtinHandlers = map[string]ActionHandler{
	"click_element": handleClickElement,
	"input_text":    handleInputText,
	"send_keys":     handleSendKeys,
	"go_to_url":     handleGoToURL,
	"go_back":       handleGoBack,
	"scroll_down":   handleScroll(1),
	"scroll_up":     handleScroll(-1),
	"wait":          handleWait,
	"done":          handleDone,
}

// optionalHandlers are registered only when an executor lists them in its
// available actions.
var optionalHandlers = map[string]ActionHandler{
	"wait_message":          handleWaitMessage,
	"wait_for_element":      handleWaitForElement,
	"click_element_by_text": handleClickElementByText,
	"extract_content":       handleExtractContent,
}

// Registry maps action names to handlers.
type Registry struct {
	handlers map[string]ActionHandler
}

// NewRegistry returns the built-in handlers plus the optional ones named in
// available. Unknown names are logged and skipped.
func NewRegistry(available []string, logger *zap.Logger) *Registry {
	r := &Registry{handlers: make(map[string]ActionHandler, len(builtinHandlers)+len(available))}
	for name, h := range builtinHandlers {
		r.handlers[name] = h
	}
	for _, name := range available {
		if h, ok := optionalHandlers[name]; ok {
			r.handlers[name] = h
			continue
		}
		if _, ok := builtinHandlers[name]; !ok {
			logger.Warn("Unknown action in available actions, ignoring.", zap.String("action", name))
		}
	}
	return r
}

// Lookup returns the handler for an action name.
func (r *Registry) Lookup(name string) (ActionHandler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered action names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func succeeded(format string, args ...interface{}) schemas.ActionOutcome {
	return schemas.ActionOutcome{Status: schemas.OutcomeSuccess, ExtractedContent: fmt.Sprintf(format, args...)}
}

func invalidParams(action, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidParameters, action, fmt.Sprintf(format, args...))
}

// -- Built-in handlers --

func handleClickElement(ctx context.Context, s *Session, a schemas.Action) (schemas.ActionOutcome, error) {
	index, ok := a.Index()
	if !ok {
		return schemas.ActionOutcome{}, invalidParams(a.Name, "an integer index is required")
	}
	if err := s.requireIndex(index); err != nil {
		return schemas.ActionOutcome{}, err
	}

	sel := elementPath(index)
	clickCtx, cancel := context.WithTimeout(ctx, clickTimeout)
	err := s.runActions(clickCtx,
		chromedp.ScrollIntoView(sel, chromedp.ByJSPath),
		chromedp.Click(sel, chromedp.ByJSPath),
	)
	cancel()
	if err != nil {
		// Overlays and zero-size wrappers defeat a mouse click; a script
		// click still reaches the handler.
		s.logger.Debug("Mouse click failed, falling back to a script click.", zap.Int("index", index), zap.Error(err))
		if jsErr := s.evalOnElement(ctx, index, "el.click(); return true;", nil); jsErr != nil {
			return schemas.ActionOutcome{}, fmt.Errorf("click element %d: %w", index, jsErr)
		}
	}
	return succeeded("Clicked element with index %d", index), nil
}

const clearInputBody = `
el.focus();
const tag = el.tagName;
if (tag === 'INPUT' || tag === 'TEXTAREA') {
  el.value = '';
  el.dispatchEvent(new Event('input', {bubbles: true}));
} else if (el.isContentEditable) {
  const range = document.createRange();
  range.selectNodeContents(el);
  const sel = window.getSelection();
  sel.removeAllRanges();
  sel.addRange(range);
  document.execCommand('delete');
}
return true;`

func handleInputText(ctx context.Context, s *Session, a schemas.Action) (schemas.ActionOutcome, error) {
	index, ok := a.Index()
	if !ok {
		return schemas.ActionOutcome{}, invalidParams(a.Name, "an integer index is required")
	}
	text, ok := a.Params["text"].(string)
	if !ok {
		return schemas.ActionOutcome{}, invalidParams(a.Name, "text is required")
	}
	if err := s.requireIndex(index); err != nil {
		return schemas.ActionOutcome{}, err
	}

	if err := s.evalOnElement(ctx, index, clearInputBody, nil); err != nil {
		return schemas.ActionOutcome{}, fmt.Errorf("focus element %d: %w", index, err)
	}
	if err := s.runActions(ctx, input.InsertText(text)); err != nil {
		return schemas.ActionOutcome{}, fmt.Errorf("input text into index %d: %w", index, err)
	}
	return succeeded("Input %d characters into index %d", utf8.RuneCountInString(text), index), nil
}

var namedKeys = map[string]string{
	"enter":      kb.Enter,
	"return":     kb.Enter,
	"tab":        kb.Tab,
	"escape":     kb.Escape,
	"esc":        kb.Escape,
	"backspace":  kb.Backspace,
	"delete":     kb.Delete,
	"arrowup":    kb.ArrowUp,
	"arrowdown":  kb.ArrowDown,
	"arrowleft":  kb.ArrowLeft,
	"arrowright": kb.ArrowRight,
	"home":       kb.Home,
	"end":        kb.End,
	"pageup":     kb.PageUp,
	"pagedown":   kb.PageDown,
	"space":      " ",
}

// keySequence translates a recorded chord such as "Control+Enter" into the
// key string and modifiers chromedp.KeyEvent expects.
func keySequence(combo string) (string, []input.Modifier, error) {
	data, err := schemas.ParseKeyCombo(combo)
	if err != nil {
		return "", nil, err
	}

	key, named := namedKeys[strings.ToLower(data.Key)]
	if !named {
		if utf8.RuneCountInString(data.Key) != 1 {
			return "", nil, fmt.Errorf("unsupported key %q", data.Key)
		}
		key = data.Key
	}

	var mods []input.Modifier
	if data.Modifiers&schemas.ModAlt != 0 {
		mods = append(mods, input.ModifierAlt)
	}
	if data.Modifiers&schemas.ModCtrl != 0 {
		mods = append(mods, input.ModifierCtrl)
	}
	if data.Modifiers&schemas.ModMeta != 0 {
		mods = append(mods, input.ModifierMeta)
	}
	if data.Modifiers&schemas.ModShift != 0 {
		mods = append(mods, input.ModifierShift)
	}
	return key, mods, nil
}

func handleSendKeys(ctx context.Context, s *Session, a schemas.Action) (schemas.ActionOutcome, error) {
	combo := a.StringParam("keys")
	key, mods, err := keySequence(combo)
	if err != nil {
		return schemas.ActionOutcome{}, invalidParams(a.Name, "%v", err)
	}
	if err := s.runActions(ctx, chromedp.KeyEvent(key, chromedp.KeyModifiers(mods...))); err != nil {
		return schemas.ActionOutcome{}, fmt.Errorf("send keys %q: %w", combo, err)
	}
	return succeeded("Sent keys: %s", combo), nil
}

func handleGoToURL(ctx context.Context, s *Session, a schemas.Action) (schemas.ActionOutcome, error) {
	url := a.StringParam("url")
	if url == "" {
		return schemas.ActionOutcome{}, invalidParams(a.Name, "url is required")
	}
	if err := s.Navigate(ctx, url); err != nil {
		return schemas.ActionOutcome{}, err
	}
	return succeeded("Navigated to %s", url), nil
}

func handleGoBack(ctx context.Context, s *Session, a schemas.Action) (schemas.ActionOutcome, error) {
	if err := s.runActions(ctx, chromedp.NavigateBack()); err != nil {
		return schemas.ActionOutcome{}, fmt.Errorf("navigate back: %w", err)
	}
	if err := s.stabilize(ctx); err != nil {
		return schemas.ActionOutcome{}, err
	}
	return succeeded("Navigated back"), nil
}

func handleScroll(direction int) ActionHandler {
	return func(ctx context.Context, s *Session, a schemas.Action) (schemas.ActionOutcome, error) {
		amount := a.IntParam("amount", 0)
		script := fmt.Sprintf(`window.scrollBy(0, %d * (%d > 0 ? %d : window.innerHeight))`, direction, amount, amount)
		if err := s.runActions(ctx, chromedp.Evaluate(script, nil)); err != nil {
			return schemas.ActionOutcome{}, fmt.Errorf("scroll: %w", err)
		}
		if amount > 0 {
			return succeeded("Scrolled %d pixels", direction*amount), nil
		}
		return succeeded("Scrolled one page"), nil
	}
}

func handleWait(ctx context.Context, _ *Session, a schemas.Action) (schemas.ActionOutcome, error) {
	seconds := a.FloatParam("seconds", defaultWaitSeconds)
	if err := contextutil.Sleep(ctx, contextutil.Seconds(seconds)); err != nil {
		return schemas.ActionOutcome{}, err
	}
	return succeeded("Waited for %v seconds", seconds), nil
}

func handleDone(_ context.Context, _ *Session, a schemas.Action) (schemas.ActionOutcome, error) {
	return schemas.ActionOutcome{
		Status:           schemas.OutcomeSuccess,
		IsDone:           true,
		ExtractedContent: a.StringParam("text"),
	}, nil
}

// -- Optional handlers --

func handleWaitMessage(ctx context.Context, s *Session, a schemas.Action) (schemas.ActionOutcome, error) {
	timeout := time.Duration(a.IntParam("timeout", defaultWaitMessageTimeout)) * time.Second

	start := time.Now()
	if err := contextutil.Sleep(ctx, streamSettle); err != nil {
		return schemas.ActionOutcome{}, err
	}
	pending := 0
	if s.harvester != nil {
		var err error
		if pending, err = s.harvester.WaitStreams(ctx, timeout); err != nil {
			return schemas.ActionOutcome{}, err
		}
	}

	msg := fmt.Sprintf("Waited %.3fs for message streams to finish", time.Since(start).Seconds())
	if pending > 0 {
		msg += fmt.Sprintf(" (%d still open at timeout)", pending)
	}
	return succeeded("%s", msg), nil
}

func handleWaitForElement(ctx context.Context, s *Session, a schemas.Action) (schemas.ActionOutcome, error) {
	selector := a.StringParam("selector")
	if selector == "" {
		return schemas.ActionOutcome{}, invalidParams(a.Name, "selector is required")
	}
	timeoutMs := a.IntParam("timeout", defaultWaitElementMs)

	waitCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()
	if err := s.runActions(waitCtx, chromedp.WaitVisible(selector, chromedp.ByQuery)); err != nil {
		if waitCtx.Err() != nil && ctx.Err() == nil {
			return schemas.ActionOutcome{}, fmt.Errorf("element %q not visible within %dms: %w", selector, timeoutMs, context.DeadlineExceeded)
		}
		return schemas.ActionOutcome{}, fmt.Errorf("wait for element %q: %w", selector, err)
	}
	return succeeded("Element with selector %q became visible within %dms", selector, timeoutMs), nil
}

const clickByTextScript = `((text, type, nth) => {
  const nodes = Array.from(document.querySelectorAll(type || '*')).filter((el) => {
    const t = (el.innerText || el.textContent || '').trim();
    return t.includes(text) && el.getClientRects().length > 0;
  });
  const innermost = nodes.filter((el) => !nodes.some((o) => o !== el && el.contains(o)));
  const el = innermost[nth];
  if (!el) return false;
  el.scrollIntoView({block: 'center'});
  el.click();
  return true;
})(%s, %s, %d)`

func handleClickElementByText(ctx context.Context, s *Session, a schemas.Action) (schemas.ActionOutcome, error) {
	text := a.StringParam("text")
	if text == "" {
		return schemas.ActionOutcome{}, invalidParams(a.Name, "text is required")
	}
	nth := a.IntParam("nth", 0)
	if nth < 0 {
		return schemas.ActionOutcome{}, invalidParams(a.Name, "nth must not be negative")
	}
	textLit, _ := json.Marshal(text)
	typeLit, _ := json.Marshal(a.StringParam("element_type"))

	var clicked bool
	script := fmt.Sprintf(clickByTextScript, textLit, typeLit, nth)
	if err := s.runActions(ctx, chromedp.Evaluate(script, &clicked)); err != nil {
		return schemas.ActionOutcome{}, fmt.Errorf("click element with text %q: %w", text, err)
	}
	if !clicked {
		return schemas.ActionOutcome{}, fmt.Errorf("%w: no element with text %q", ErrElementNotFound, text)
	}
	return succeeded("Clicked on element with text %q", text), nil
}

func handleExtractContent(ctx context.Context, s *Session, a schemas.Action) (schemas.ActionOutcome, error) {
	page, err := s.PageHTML(ctx)
	if err != nil {
		return schemas.ActionOutcome{}, err
	}
	md, err := extract.PageMarkdown(page, a.BoolParam("should_strip_link_urls", false))
	if err != nil {
		return schemas.ActionOutcome{}, err
	}
	return schemas.ActionOutcome{Status: schemas.OutcomeSuccess, ExtractedContent: md}, nil
}
