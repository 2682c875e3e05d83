package schemas

// ElementDescriptor is the recorder's snapshot of the element an action
// targeted. The field names follow the recorder's DOM history format.
type ElementDescriptor struct {
	TagName          string            `json:"tag_name"`
	XPath            string            `json:"xpath"`
	HighlightIndex   *int              `json:"highlight_index,omitempty"`
	ParentBranchPath []string          `json:"entire_parent_branch_path"`
	Attributes       map[string]string `json:"attributes"`
	ShadowRoot       bool              `json:"shadow_root"`
	CSSSelector      string            `json:"css_selector,omitempty"`
}

// Identity returns the structural identity of the recorded element.
func (d ElementDescriptor) Identity() ElementIdentity {
	return NewElementIdentity(d.ParentBranchPath, d.Attributes, d.XPath)
}

// Locator is the human readable handle used in errors and logs.
func (d ElementDescriptor) Locator() string {
	if d.XPath != "" {
		return d.XPath
	}
	return d.CSSSelector
}

// DOMElement is one element of the live page as seen by the environment.
type DOMElement struct {
	// Index is the highlight index of an addressable element, or -1.
	Index            int               `json:"index"`
	TagName          string            `json:"tag_name"`
	XPath            string            `json:"xpath"`
	Attributes       map[string]string `json:"attributes,omitempty"`
	ParentBranchPath []string          `json:"parent_branch_path"`
	Interactive      bool              `json:"interactive"`
	Visible          bool              `json:"visible"`
	ShadowRoot       bool              `json:"shadow_root,omitempty"`
	Text             string            `json:"text,omitempty"`
}

// Identity returns the structural identity of the live element.
func (e DOMElement) Identity() ElementIdentity {
	return NewElementIdentity(e.ParentBranchPath, e.Attributes, e.XPath)
}

// Addressable reports whether actions can target the element by index.
func (e DOMElement) Addressable() bool {
	return e.Index >= 0
}

// ElementTree is the flattened live element tree in document order. Every
// element carries its parent branch path, so the tree shape is recoverable.
type ElementTree []DOMElement

// SelectorMap maps highlight indices to the addressable elements of the page.
type SelectorMap map[int]DOMElement

// NewSelectorMap indexes the addressable elements of a tree.
func NewSelectorMap(tree ElementTree) SelectorMap {
	m := make(SelectorMap)
	for _, el := range tree {
		if el.Addressable() {
			m[el.Index] = el
		}
	}
	return m
}

// StructuralKeys returns the set of element identities present in the map.
// Two snapshots with the same keys have the same set of structural positions,
// regardless of how the indices were assigned.
func (m SelectorMap) StructuralKeys() map[string]struct{} {
	keys := make(map[string]struct{}, len(m))
	for _, el := range m {
		keys[el.Identity().String()] = struct{}{}
	}
	return keys
}
