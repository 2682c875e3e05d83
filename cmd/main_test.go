package cmd

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/replaydock/api/schemas"
	"github.com/xkilldash9x/replaydock/internal/browser"
	"github.com/xkilldash9x/replaydock/internal/config"
	"github.com/xkilldash9x/replaydock/internal/executor"
	"github.com/xkilldash9x/replaydock/internal/observability"
	"github.com/xkilldash9x/replaydock/internal/store"
)

const testRecording = `{"history": [
	{"action": [{"input_text": {"text": "<PLACEHOLDER>"}}], "interacted_element": [null], "delay": 0},
	{"action": [{"send_keys": {"keys": "Enter"}}], "interacted_element": [null], "delay": 0}
]}`

// resetForTest silences the global logger for the duration of a test.
func resetForTest(t *testing.T) {
	t.Helper()
	observability.ResetForTest()
	observability.Initialize(config.LoggerConfig{Level: "fatal", Format: "console", ServiceName: "test"}, zapcore.AddSync(io.Discard))
	t.Cleanup(observability.ResetForTest)
}

// fakePage answers with the prompt it was given. Prompts starting with "bad"
// make the typing action fail.
type fakePage struct {
	mu     sync.Mutex
	typed  string
	url    string
	closed int
}

func (p *fakePage) SelectorMap(context.Context) (schemas.SelectorMap, error) {
	return schemas.NewSelectorMap(nil), nil
}

func (p *fakePage) ElementTree(context.Context) (schemas.ElementTree, error) {
	return schemas.ElementTree{}, nil
}

func (p *fakePage) PerformAction(_ context.Context, a schemas.Action) (schemas.ActionOutcome, error) {
	if a.Name == "input_text" {
		text := a.StringParam("text")
		if strings.HasPrefix(text, "bad") {
			return schemas.ActionOutcome{Action: a.Name, Status: schemas.OutcomeFailed, Error: "input is disabled"}, nil
		}
		p.mu.Lock()
		p.typed = text
		p.mu.Unlock()
	}
	return schemas.ActionOutcome{Action: a.Name, Status: schemas.OutcomeSuccess}, nil
}

func (p *fakePage) ExtractVisibleAnswer(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return "echo: " + p.typed, nil
}

func (p *fakePage) Screenshot(context.Context, bool) ([]byte, error) { return nil, nil }
func (p *fakePage) PageHTML(context.Context) (string, error)         { return "", nil }
func (p *fakePage) AvailableActions() []string                       { return nil }

func (p *fakePage) Navigate(_ context.Context, url string) error {
	p.url = url
	return nil
}

func (p *fakePage) Close(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

type fakeSessions struct {
	mu    sync.Mutex
	pages []*fakePage
	opts  []browser.SessionOptions
}

func (f *fakeSessions) NewSession(_ context.Context, opts browser.SessionOptions) (executor.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakePage{}
	f.pages = append(f.pages, p)
	f.opts = append(f.opts, opts)
	return p, nil
}

type memStore struct {
	store.Nop
	mu   sync.Mutex
	runs []store.Run
}

func (s *memStore) SaveRun(_ context.Context, run *store.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, *run)
	return nil
}

func (s *memStore) ListRuns(_ context.Context, filter store.Filter) ([]store.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Run
	for _, r := range s.runs {
		if filter.Executor == "" || r.Executor == filter.Executor {
			out = append(out, r)
		}
	}
	return out, nil
}

// harness runs commands against fake components and records what they saw.
type harness struct {
	t          *testing.T
	configFile string
	sessions   *fakeSessions
	store      *memStore
	cfg        config.Interface
	builds     int
}

func newHarness(t *testing.T, extraConfig string) *harness {
	t.Helper()
	resetForTest(t)

	dir := t.TempDir()
	recording := filepath.Join(dir, "history.json")
	require.NoError(t, os.WriteFile(recording, []byte(testRecording), 0o644))

	content := `
logger:
  log_file: ""
replay:
  max_retries: 2
  retry_delay: 0s
  wait_between_actions: 0s
diagnostics:
  enabled: false
database:
  driver: none
session:
  cookies_path: ` + filepath.Join(dir, "cookies.json") + `
executors:
  test:
    url: https://chat.example.com/
    recording: ` + recording + `
    mode: list
    prompt_suffix: ""
` + extraConfig
	configFile := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte(content), 0o644))

	return &harness{
		t:          t,
		configFile: configFile,
		sessions:   &fakeSessions{},
		store:      &memStore{},
	}
}

func (h *harness) factory(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*components, error) {
	h.cfg = cfg
	h.builds++
	return &components{
		Store:    h.store,
		Sessions: h.sessions,
		Registry: executor.NewRegistry(cfg, h.sessions, h.store, logger),
	}, nil
}

// run executes the command line with stdin and returns the combined output.
func (h *harness) run(stdin string, args ...string) (string, error) {
	h.t.Helper()
	root := newRootCmd(h.factory)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--config", h.configFile}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

// findCommand returns the subcommand called name.
func findCommand(root *cobra.Command, name string) *cobra.Command {
	for _, c := range root.Commands() {
		if c.Name() == name {
			return c
		}
	}
	return nil
}
