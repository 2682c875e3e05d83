package browser

import (
	"fmt"
	"strconv"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/replaydock/api/schemas"
)

// elementRegistry is the page global the snapshot script fills with the
// addressable elements. Handlers reach element N through elementPath(N),
// which also works inside open shadow roots where no selector does.
const elementRegistry = "window.__replaydockElements"

func elementPath(index int) string {
	return elementRegistry + "[" + strconv.Itoa(index) + "]"
}

// snapshotScript walks the document, descending into open shadow roots and
// same-origin iframes, and returns one record per element in document order.
// Visible interactive elements get consecutive highlight indices starting at
// zero; every other element gets -1. XPaths are relative to the nearest
// shadow root or frame boundary; branch paths start below body and end with
// the element's own tag.
const snapshotScript = `(() => {
  const INTERACTIVE_TAGS = new Set(['a', 'button', 'input', 'select', 'textarea', 'details', 'summary', 'label', 'option']);
  const INTERACTIVE_ROLES = new Set(['button', 'link', 'menuitem', 'menuitemradio', 'menuitemcheckbox', 'radio', 'checkbox', 'tab', 'switch', 'slider', 'spinbutton', 'combobox', 'searchbox', 'textbox', 'option', 'scrollbar']);
  const SKIP_TAGS = new Set(['script', 'style', 'noscript', 'link', 'meta', 'head', 'svg', 'path']);

  const registry = [];
  const out = [];

  const isVisible = (el) => {
    if (!el.getClientRects || el.getClientRects().length === 0) return false;
    const style = window.getComputedStyle(el);
    return style.visibility !== 'hidden' && style.display !== 'none' && el.offsetWidth > 0 && el.offsetHeight > 0;
  };

  const isInteractive = (el, tag) => {
    if (INTERACTIVE_TAGS.has(tag)) {
      return !(el.disabled === true) && !(tag === 'input' && el.type === 'hidden');
    }
    const role = el.getAttribute('role');
    if (role && INTERACTIVE_ROLES.has(role)) return true;
    if (el.isContentEditable && el.getAttribute('contenteditable') !== null) return true;
    if (el.hasAttribute('onclick')) return true;
    const tabindex = el.getAttribute('tabindex');
    if (tabindex !== null && tabindex !== '-1') return true;
    return window.getComputedStyle(el).cursor === 'pointer' &&
      !(el.parentElement && window.getComputedStyle(el.parentElement).cursor === 'pointer');
  };

  const segment = (el) => {
    let index = 0;
    for (let s = el.previousElementSibling; s; s = s.previousElementSibling) {
      if (s.nodeName === el.nodeName) index++;
    }
    return el.nodeName.toLowerCase() + (index > 0 ? '[' + (index + 1) + ']' : '');
  };

  const attributesOf = (el) => {
    const attrs = {};
    for (const a of el.attributes) attrs[a.name] = a.value;
    return attrs;
  };

  const text = (el) => {
    const t = (el.innerText || el.textContent || '').trim();
    return t.length > 200 ? t.slice(0, 200) : t;
  };

  const walk = (el, xpath, branch, isRoot) => {
    const tag = el.nodeName.toLowerCase();
    if (SKIP_TAGS.has(tag)) return;
    const ownXPath = xpath.concat([segment(el)]);
    const ownBranch = isRoot ? [] : branch.concat([tag]);
    const visible = isVisible(el);
    const interactive = isInteractive(el, tag);
    let index = -1;
    if (visible && interactive) {
      index = registry.length;
      registry.push(el);
    }
    out.push({
      index: index,
      tag_name: tag,
      xpath: ownXPath.join('/'),
      attributes: attributesOf(el),
      parent_branch_path: ownBranch,
      interactive: interactive,
      visible: visible,
      shadow_root: !!el.shadowRoot,
      text: index >= 0 ? text(el) : ''
    });

    if (el.shadowRoot) {
      for (const child of el.shadowRoot.children) walk(child, [], ownBranch);
    }
    if (tag === 'iframe') {
      try {
        const doc = el.contentDocument;
        if (doc && doc.body) walk(doc.body, [], ownBranch);
      } catch (e) { /* cross-origin */ }
    }
    for (const child of el.children) walk(child, ownXPath, ownBranch);
  };

  if (document.body) {
    const root = document.documentElement;
    walk(document.body, [segment(root)], [], true);
  }
  ` + elementRegistry + ` = registry;
  return out;
})()`

// snapshotRecord mirrors one object returned by snapshotScript.
type snapshotRecord struct {
	Index            int               `json:"index"`
	TagName          string            `json:"tag_name"`
	XPath            string            `json:"xpath"`
	Attributes       map[string]string `json:"attributes"`
	ParentBranchPath []string          `json:"parent_branch_path"`
	Interactive      bool              `json:"interactive"`
	Visible          bool              `json:"visible"`
	ShadowRoot       bool              `json:"shadow_root"`
	Text             string            `json:"text"`
}

// decodeSnapshot turns the script's raw JSON result into an element tree.
func decodeSnapshot(raw []byte) (schemas.ElementTree, error) {
	var records []snapshotRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("decode DOM snapshot: %w", err)
	}

	tree := make(schemas.ElementTree, 0, len(records))
	seen := make(map[int]struct{})
	for i, r := range records {
		if r.TagName == "" {
			return nil, fmt.Errorf("decode DOM snapshot: element %d has no tag name", i)
		}
		if r.Index >= 0 {
			if _, dup := seen[r.Index]; dup {
				return nil, fmt.Errorf("decode DOM snapshot: duplicate highlight index %d", r.Index)
			}
			seen[r.Index] = struct{}{}
		} else {
			r.Index = -1
		}
		tree = append(tree, schemas.DOMElement{
			Index:            r.Index,
			TagName:          r.TagName,
			XPath:            r.XPath,
			Attributes:       r.Attributes,
			ParentBranchPath: r.ParentBranchPath,
			Interactive:      r.Interactive,
			Visible:          r.Visible,
			ShadowRoot:       r.ShadowRoot,
			Text:             r.Text,
		})
	}
	return tree, nil
}
