package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRootCmd_VersionFlag tests if the --version flag works correctly.
func TestRootCmd_VersionFlag(t *testing.T) {
	resetForTest(t)
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--version"})

	require.NoError(t, root.ExecuteContext(context.Background()))
	assert.Equal(t, "replaydock version dev\n", out.String())
}

func TestVersionCmd(t *testing.T) {
	h := newHarness(t, "")
	out, err := h.run("", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "replaydock dev (go")
}

// TestRootCmd_NoArgs tests the behavior when no arguments are provided.
func TestRootCmd_NoArgs(t *testing.T) {
	resetForTest(t)
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{})

	require.NoError(t, root.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), "Replays recorded browser interactions")
	for _, name := range []string{"execute", "batch", "login", "history", "executors", "config", "version"} {
		assert.NotNil(t, findCommand(root, name), name)
	}
}

func TestRootCmd_BadConfigFile(t *testing.T) {
	h := newHarness(t, "")
	require.NoError(t, os.WriteFile(h.configFile, []byte("replay: [unclosed"), 0o644))

	_, err := h.run("", "executors")
	assert.ErrorContains(t, err, "failed to initialize configuration")
}

func TestRootCmd_InvalidConfig(t *testing.T) {
	h := newHarness(t, "batch:\n  concurrency: 0\n")
	_, err := h.run("", "executors")
	assert.ErrorContains(t, err, "batch.concurrency must be a positive integer")
}

func TestRootCmd_MissingExplicitConfig(t *testing.T) {
	h := newHarness(t, "")
	h.configFile = filepath.Join(t.TempDir(), "absent.yaml")
	_, err := h.run("", "executors")
	assert.Error(t, err, "an explicitly named config file must exist")
}

func TestGetConfigFromContext(t *testing.T) {
	_, err := getConfigFromContext(context.Background())
	assert.EqualError(t, err, "configuration not loaded")
}
