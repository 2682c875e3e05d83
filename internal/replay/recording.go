package replay

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	json "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/replaydock/api/schemas"
)

// Kind selects how a recording file is interpreted.
type Kind string

const (
	KindAuto Kind = "auto"
	KindList Kind = "list"
	KindTree Kind = "tree"
)

// ParseKind accepts the names used in configuration.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case "", KindAuto:
		return KindAuto, nil
	case KindList, "linear":
		return KindList, nil
	case KindTree:
		return KindTree, nil
	}
	return "", fmt.Errorf("unknown recording kind %q", s)
}

// Recording is a decoded recording of either kind.
type Recording struct {
	Kind   Kind
	Linear *schemas.LinearHistory
	Tree   *schemas.TreeRecord
}

// Substitute replaces every occurrence of placeholder in a raw recording with
// value, escaped so the document stays valid JSON.
func Substitute(raw []byte, placeholder, value string) ([]byte, error) {
	if placeholder == "" {
		return raw, nil
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode substitution value: %w", err)
	}
	// Drop the surrounding quotes; the placeholder already sits inside a
	// JSON string.
	escaped := encoded[1 : len(encoded)-1]
	return bytes.ReplaceAll(raw, []byte(placeholder), escaped), nil
}

// ParseRecording decodes a recording. KindAuto picks list for a top-level
// "history" key and tree for a top-level "data" key.
func ParseRecording(raw []byte, kind Kind) (*Recording, error) {
	if kind == "" || kind == KindAuto {
		detected, err := detectKind(raw)
		if err != nil {
			return nil, err
		}
		kind = detected
	}

	switch kind {
	case KindList:
		var h schemas.LinearHistory
		if err := json.Unmarshal(raw, &h); err != nil {
			return nil, fmt.Errorf("decode list recording: %w", err)
		}
		return &Recording{Kind: KindList, Linear: &h}, nil
	case KindTree:
		var t schemas.TreeRecord
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, fmt.Errorf("decode tree recording: %w", err)
		}
		return &Recording{Kind: KindTree, Tree: &t}, nil
	}
	return nil, fmt.Errorf("unknown recording kind %q", kind)
}

func detectKind(raw []byte) (Kind, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return "", fmt.Errorf("recording must be a JSON object: %w", err)
	}
	if _, ok := top["history"]; ok {
		return KindList, nil
	}
	if _, ok := top["data"]; ok {
		return KindTree, nil
	}
	return "", fmt.Errorf("cannot tell recording kind: expected a top-level \"history\" or \"data\" key")
}

// LoadRecording reads a recording from disk, applies the placeholder
// substitution and decodes it. A leading ~ in path is expanded.
func LoadRecording(path string, kind Kind, placeholder, value string) (*Recording, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("expand recording path: %w", err)
	}
	raw, err := os.ReadFile(expanded)
	if err != nil {
		return nil, fmt.Errorf("read recording: %w", err)
	}
	raw, err = Substitute(raw, placeholder, value)
	if err != nil {
		return nil, err
	}
	rec, err := ParseRecording(raw, kind)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", expanded, err)
	}
	return rec, nil
}

// Replayer builds a replayer for one run of the recording. The policy is only
// consulted for trees.
func (r *Recording) Replayer(opts Options, policy SelectionPolicy, logger *zap.Logger) (Replayer, error) {
	switch r.Kind {
	case KindList:
		return NewLinearReplayer(*r.Linear, opts, logger)
	case KindTree:
		return NewTreeReplayer(r.Tree, policy, opts, logger)
	}
	return nil, fmt.Errorf("unknown recording kind %q", r.Kind)
}

// Steps counts the recorded steps.
func (r *Recording) Steps() int {
	switch r.Kind {
	case KindList:
		return len(r.Linear.Steps)
	case KindTree:
		return countNodes(r.Tree)
	}
	return 0
}

func countNodes(t *schemas.TreeRecord) int {
	if t == nil {
		return 0
	}
	n := 1
	for _, c := range t.Children {
		n += countNodes(c)
	}
	return n
}
