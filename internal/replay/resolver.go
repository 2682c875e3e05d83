package replay

import (
	"github.com/xkilldash9x/replaydock/api/schemas"
)

// Resolver re-locates recorded elements in a live element tree by structural
// identity. Numeric indices are ignored; they are reassigned on every render.
type Resolver struct {
	byIdentity map[schemas.ElementIdentity]schemas.DOMElement
}

// NewResolver indexes a live element tree. When two elements share an
// identity the addressable one wins, then the earlier one in document order.
func NewResolver(tree schemas.ElementTree) *Resolver {
	r := &Resolver{byIdentity: make(map[schemas.ElementIdentity]schemas.DOMElement, len(tree))}
	for _, el := range tree {
		id := el.Identity()
		if prev, ok := r.byIdentity[id]; ok && (prev.Addressable() || !el.Addressable()) {
			continue
		}
		r.byIdentity[id] = el
	}
	return r
}

// Resolve returns the live element occupying the recorded element's
// structural position.
func (r *Resolver) Resolve(desc schemas.ElementDescriptor) (schemas.DOMElement, bool) {
	el, ok := r.byIdentity[desc.Identity()]
	return el, ok
}

// Resolve is the one-shot form of Resolver.Resolve.
func Resolve(desc schemas.ElementDescriptor, tree schemas.ElementTree) (schemas.DOMElement, bool) {
	return NewResolver(tree).Resolve(desc)
}

// resolveActions rewrites every index-targeting action of a step to the
// current index of its recorded element. Actions without an index or without
// a recorded element pass through unchanged. Nothing is executed here; any
// unresolvable target fails the whole step up front.
func resolveActions(step schemas.RecordedStep, tree schemas.ElementTree, onMove func(action schemas.Action, from, to int)) ([]schemas.Action, error) {
	var resolver *Resolver
	out := make([]schemas.Action, 0, len(step.Actions))
	for i, a := range step.Actions {
		if a == nil {
			continue
		}
		recordedIndex, targeted := a.Index()
		desc := step.Element(i)
		if !targeted || desc == nil {
			out = append(out, *a)
			continue
		}

		if resolver == nil {
			resolver = NewResolver(tree)
		}
		el, ok := resolver.Resolve(*desc)
		if !ok || !el.Addressable() {
			return nil, &TargetingError{Action: a.Name, Position: i, Locator: desc.Locator()}
		}
		if el.Index != recordedIndex && onMove != nil {
			onMove(*a, recordedIndex, el.Index)
		}
		out = append(out, a.WithIndex(el.Index))
	}
	return out, nil
}
