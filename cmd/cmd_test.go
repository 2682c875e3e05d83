package cmd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/replaydock/api/schemas"
	"github.com/xkilldash9x/replaydock/internal/store"
)

func TestExecuteCmd(t *testing.T) {
	t.Run("PrintsAnswer", func(t *testing.T) {
		h := newHarness(t, "")
		out, err := h.run("", "execute", "hello there", "test")
		require.NoError(t, err)
		assert.Equal(t, "echo: hello there\n", out)

		require.Len(t, h.sessions.pages, 1)
		page := h.sessions.pages[0]
		assert.Equal(t, "https://chat.example.com/", page.url)
		assert.Equal(t, 1, page.closed)
		require.Len(t, h.store.runs, 1)
		assert.Equal(t, store.StatusSucceeded, h.store.runs[0].Status)
	})

	t.Run("JSONOutput", func(t *testing.T) {
		h := newHarness(t, "")
		out, err := h.run("", "execute", "hello", "test", "--output", "json")
		require.NoError(t, err)

		var answer map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(out), &answer))
		assert.Equal(t, "echo: hello", answer["answer"])
		assert.Equal(t, "test", answer["executor"])
		assert.NotEmpty(t, answer["run_id"])
	})

	t.Run("FlagsOverrideConfig", func(t *testing.T) {
		h := newHarness(t, "")
		_, err := h.run("", "execute", "hello", "test", "--headless=false", "--seed", "42", "--selection", "random")
		require.NoError(t, err)

		require.NotNil(t, h.cfg)
		assert.False(t, h.cfg.Browser().Headless)
		assert.Equal(t, int64(42), h.cfg.Replay().Seed)
		assert.Equal(t, "random", h.cfg.Replay().Selection)
		assert.Equal(t, 2, h.cfg.Replay().MaxRetries, "file values survive")
	})

	t.Run("UnsetFlagsKeepConfig", func(t *testing.T) {
		h := newHarness(t, "browser:\n  headless: false\n")
		_, err := h.run("", "execute", "hello", "test")
		require.NoError(t, err)
		assert.False(t, h.cfg.Browser().Headless)
	})

	t.Run("EnvironmentOverridesFile", func(t *testing.T) {
		h := newHarness(t, "")
		t.Setenv("REPLAYDOCK_REPLAY_MAX_RETRIES", "5")
		_, err := h.run("", "execute", "hello", "test")
		require.NoError(t, err)
		assert.Equal(t, 5, h.cfg.Replay().MaxRetries)
	})

	t.Run("FailedRun", func(t *testing.T) {
		h := newHarness(t, "")
		_, err := h.run("", "execute", "bad prompt", "test")
		require.Error(t, err)
		assert.ErrorContains(t, err, "executor test run")
		require.Len(t, h.store.runs, 1)
		assert.Equal(t, store.StatusFailed, h.store.runs[0].Status)
		assert.Equal(t, schemas.ErrCodeRetriesExhausted, h.store.runs[0].ErrorCode)
	})

	t.Run("UnknownExecutor", func(t *testing.T) {
		h := newHarness(t, "")
		_, err := h.run("", "execute", "hello", "nope")
		assert.ErrorContains(t, err, `unknown executor "nope"`)
		assert.Empty(t, h.sessions.pages)
	})
}

func TestCommandValidation(t *testing.T) {
	cases := []struct {
		name string
		args []string
		want string
	}{
		{"ExecuteNeedsTwoArgs", []string{"execute", "hello"}, "accepts 2 arg(s), received 1"},
		{"BatchNeedsFile", []string{"batch", "test"}, `required flag(s) "file" not set`},
		{"BadOutputFormat", []string{"execute", "hello", "test", "--output", "xml"}, "--output must be text or json"},
		{"NegativeLimit", []string{"history", "--limit", "-1"}, "--limit must not be negative"},
		{"BadSelection", []string{"execute", "hello", "test", "--selection", "greedy"}, "selection must be fixed or random"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, "")
			_, err := h.run("", tc.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
			assert.Zero(t, h.builds, "no components are built for invalid input")
		})
	}
}

func TestBatchCmd(t *testing.T) {
	writePrompts := func(t *testing.T, content string) string {
		t.Helper()
		path := filepath.Join(t.TempDir(), "prompts.txt")
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		return path
	}

	t.Run("MixedResults", func(t *testing.T) {
		h := newHarness(t, "batch:\n  launch_rate: 0\n")
		file := writePrompts(t, "# questions\nfirst\n\nbad second\nthird\n")

		out, err := h.run("", "batch", "test", "--file", file, "--concurrency", "2")
		require.Error(t, err)
		assert.EqualError(t, err, "1 of 3 runs failed")
		assert.Equal(t, 2, h.cfg.Batch().Concurrency)

		assert.Contains(t, out, "=== [1] first\necho: first")
		assert.Contains(t, out, "=== [2] bad second\nERROR:")
		assert.Contains(t, out, "=== [3] third\necho: third")
		assert.Len(t, h.sessions.pages, 3, "every prompt gets its own session")
	})

	t.Run("JSONFromStdin", func(t *testing.T) {
		h := newHarness(t, "batch:\n  launch_rate: 0\n")
		out, err := h.run("one\ntwo\n", "batch", "test", "--file", "-", "-o", "json")
		require.NoError(t, err)

		var results []batchResult
		require.NoError(t, json.Unmarshal([]byte(out), &results))
		require.Len(t, results, 2)
		assert.Equal(t, "two", results[1].Prompt)
		assert.Equal(t, "echo: two", results[1].Answer.Text)
		assert.Empty(t, results[1].Error)
	})

	t.Run("EmptyFile", func(t *testing.T) {
		h := newHarness(t, "")
		_, err := h.run("", "batch", "test", "--file", writePrompts(t, "# nothing\n\n"))
		assert.ErrorContains(t, err, "no prompts found")
		assert.Zero(t, h.builds)
	})
}

func TestHistoryCmd(t *testing.T) {
	h := newHarness(t, "")
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	h.store.runs = []store.Run{
		{ID: "run-2", Executor: "test", Prompt: "second   prompt", Status: store.StatusFailed, ErrorCode: schemas.ErrCodeNoViablePath,
			BundlePath: "log/crashlog-1.zip", StartedAt: started, FinishedAt: started.Add(90 * time.Second)},
		{ID: "run-1", Executor: "other", Prompt: "first", Status: store.StatusSucceeded, StartedAt: started, FinishedAt: started.Add(time.Second)},
	}

	out, err := h.run("", "history")
	require.NoError(t, err)
	assert.Contains(t, out, "RUN")
	assert.Contains(t, out, "failed (NO_VIABLE_PATH)")
	assert.Contains(t, out, "1m30s")
	assert.Contains(t, out, "second prompt")
	assert.Contains(t, out, "diagnostics: log/crashlog-1.zip")

	out, err = h.run("", "history", "--executor", "other", "-o", "json")
	require.NoError(t, err)
	var runs []store.Run
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].ID)

	h.store.runs = nil
	out, err = h.run("", "history")
	require.NoError(t, err)
	assert.Equal(t, "No runs recorded.\n", out)
}

func TestLoginCmd(t *testing.T) {
	h := newHarness(t, "")

	out, err := h.run("\n", "login", "test")
	require.NoError(t, err)
	assert.Contains(t, out, "Log in to https://chat.example.com/")
	assert.Contains(t, out, "Cookies saved to")

	assert.False(t, h.cfg.Browser().Headless, "login always shows the browser")
	require.Len(t, h.sessions.opts, 1)
	assert.True(t, h.sessions.opts[0].SaveCookies)
	assert.Equal(t, h.cfg.Session().CookiesPath, h.sessions.opts[0].CookiesPath)
	assert.Equal(t, 1, h.sessions.pages[0].closed)
}

func TestExecutorsCmd(t *testing.T) {
	h := newHarness(t, "")
	out, err := h.run("", "executors")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.NotEmpty(t, lines)
	assert.True(t, strings.HasPrefix(lines[0], "NAME"))
	assert.Contains(t, out, "test")
	assert.Contains(t, out, "yuanbao-list")
	assert.Contains(t, out, "https://chat.example.com/")
	assert.Zero(t, h.builds, "listing executors opens nothing")
}

func TestConfigShowCmd(t *testing.T) {
	h := newHarness(t, "")
	out, err := h.run("", "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "max_retries: 2")
	assert.Contains(t, out, "retry_delay: 0s")
	assert.Contains(t, out, "test:")

	assert.Equal(t, "postgres://app:xxxxx@db:5432/replay", redactURL("postgres://app:secret@db:5432/replay"))
	assert.Equal(t, "~/.replaydock/runs.db", redactURL("~/.replaydock/runs.db"))
}

func TestReadPrompts(t *testing.T) {
	prompts, err := readPrompts("-", strings.NewReader("  a  \n#skip\n\nb c\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b c"}, prompts)

	_, err = readPrompts(filepath.Join(t.TempDir(), "missing.txt"), nil)
	assert.ErrorContains(t, err, "open prompts file")
}

func TestShorten(t *testing.T) {
	assert.Equal(t, "short", shorten("short", 10))
	assert.Equal(t, "a b", shorten("a \n  b", 10))
	assert.Equal(t, "abcdefg...", shorten("abcdefghijklmnop", 10))
}
