package replay

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/mock"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/replaydock/api/schemas"
)

// fakeEnv is a scripted page. Actions are identified by their "label"
// parameter; failures counts down scripted failures per label, -1 meaning
// always fail.
type fakeEnv struct {
	mu           sync.Mutex
	tree         schemas.ElementTree
	failures     map[string]int
	performed    []string
	received     []schemas.Action
	snapshots    int
	afterPerform func(ctx context.Context, e *fakeEnv, a schemas.Action)
}

func newFakeEnv() *fakeEnv {
	return &fakeEnv{failures: map[string]int{}}
}

func (e *fakeEnv) SelectorMap(context.Context) (schemas.SelectorMap, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.snapshots++
	return schemas.NewSelectorMap(e.tree), nil
}

func (e *fakeEnv) ElementTree(context.Context) (schemas.ElementTree, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append(schemas.ElementTree(nil), e.tree...), nil
}

func (e *fakeEnv) PerformAction(ctx context.Context, a schemas.Action) (schemas.ActionOutcome, error) {
	e.mu.Lock()
	label := a.StringParam("label")
	e.performed = append(e.performed, label)
	e.received = append(e.received, a)
	remaining, scripted := e.failures[label]
	if scripted && remaining > 0 {
		e.failures[label] = remaining - 1
	}
	hook := e.afterPerform
	e.mu.Unlock()

	if hook != nil {
		hook(ctx, e, a)
	}
	if scripted && remaining != 0 {
		return schemas.ActionOutcome{Action: a.Name, Status: schemas.OutcomeFailed, Error: "boom " + label}, nil
	}
	return schemas.ActionOutcome{Action: a.Name, Status: schemas.OutcomeSuccess, ExtractedContent: "did " + label}, nil
}

func (e *fakeEnv) ExtractVisibleAnswer(context.Context) (string, error) {
	return "", nil
}

func (e *fakeEnv) Performed() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.performed...)
}

// mockEnv is a testify mock for call counting.
type mockEnv struct {
	mock.Mock
}

func (m *mockEnv) SelectorMap(ctx context.Context) (schemas.SelectorMap, error) {
	args := m.Called(ctx)
	return args.Get(0).(schemas.SelectorMap), args.Error(1)
}

func (m *mockEnv) ElementTree(ctx context.Context) (schemas.ElementTree, error) {
	args := m.Called(ctx)
	return args.Get(0).(schemas.ElementTree), args.Error(1)
}

func (m *mockEnv) PerformAction(ctx context.Context, a schemas.Action) (schemas.ActionOutcome, error) {
	args := m.Called(ctx, a)
	return args.Get(0).(schemas.ActionOutcome), args.Error(1)
}

func (m *mockEnv) ExtractVisibleAnswer(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func act(label string) *schemas.Action {
	a := schemas.NewAction("click", map[string]interface{}{"label": label})
	return &a
}

// step builds an untargeted step with one action per label and no settle
// delay.
func step(labels ...string) schemas.RecordedStep {
	s := schemas.RecordedStep{
		Actions:  make([]*schemas.Action, len(labels)),
		Elements: make([]*schemas.ElementDescriptor, len(labels)),
	}
	for i, l := range labels {
		s.Actions[i] = act(l)
	}
	return s
}

func noopStep() schemas.RecordedStep {
	return schemas.RecordedStep{
		Actions:  []*schemas.Action{nil},
		Elements: []*schemas.ElementDescriptor{nil},
	}
}

func node(s schemas.RecordedStep, children ...*schemas.TreeRecord) *schemas.TreeRecord {
	return &schemas.TreeRecord{Step: s, Children: children}
}

func testOptions(maxRetries int) Options {
	return Options{MaxRetries: maxRetries, CheckNewElements: true}
}

func button(index int, xpath string, branch ...string) schemas.DOMElement {
	return schemas.DOMElement{
		Index:            index,
		TagName:          branch[len(branch)-1],
		XPath:            xpath,
		ParentBranchPath: branch,
		Interactive:      index >= 0,
		Visible:          true,
		Attributes:       map[string]string{"id": fmt.Sprintf("el-%s", xpath)},
	}
}

func descriptorOf(el schemas.DOMElement, recordedIndex int) *schemas.ElementDescriptor {
	return &schemas.ElementDescriptor{
		TagName:          el.TagName,
		XPath:            el.XPath,
		HighlightIndex:   &recordedIndex,
		ParentBranchPath: el.ParentBranchPath,
		Attributes:       el.Attributes,
	}
}

func contents(outcomes []schemas.ActionOutcome) []string {
	out := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		out = append(out, o.ExtractedContent)
	}
	return out
}

func newLinear(t *testing.T, opts Options, steps ...schemas.RecordedStep) *LinearReplayer {
	t.Helper()
	r, err := NewLinearReplayer(schemas.LinearHistory{Steps: steps}, opts, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewLinearReplayer: %v", err)
	}
	return r
}

func newTreeReplayer(t *testing.T, opts Options, root *schemas.TreeRecord) *TreeReplayer {
	t.Helper()
	r, err := NewTreeReplayer(root, FixedPolicy{}, opts, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewTreeReplayer: %v", err)
	}
	return r
}
