package schemas

import "context"

// Environment is the live page a recording is replayed against. One replay
// run owns an Environment exclusively for its whole duration.
type Environment interface {
	// SelectorMap returns the currently addressable elements keyed by index.
	SelectorMap(ctx context.Context) (SelectorMap, error)
	// ElementTree returns every element of the page for structural resolution.
	ElementTree(ctx context.Context) (ElementTree, error)
	// PerformAction runs one action. Indices in the action refer to the
	// latest selector map. A returned error means the action could not be
	// dispatched at all; an outcome with StatusFailed means it ran and failed.
	PerformAction(ctx context.Context, action Action) (ActionOutcome, error)
	// ExtractVisibleAnswer reads the answer text from the page. Callers use it
	// after a successful run; the replay engine never does.
	ExtractVisibleAnswer(ctx context.Context) (string, error)
}

// Snapshotter exposes the page state captured in a diagnostics bundle.
type Snapshotter interface {
	Screenshot(ctx context.Context, fullPage bool) ([]byte, error)
	PageHTML(ctx context.Context) (string, error)
	AvailableActions() []string
}
