package schemas

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	json "github.com/json-iterator/go"
)

// DefaultStepDelay is the settle time, in seconds, of a step whose recording
// does not specify one.
const DefaultStepDelay = 3.0

var nullJSON = []byte("null")

// Action is a single recorded controller call. On the wire it is an object
// with exactly one key, the action name, mapping to its parameters:
//
//	{"click_element": {"index": 12}}
type Action struct {
	Name   string
	Params map[string]interface{}
}

// NewAction builds an action from a name and parameters.
func NewAction(name string, params map[string]interface{}) Action {
	if params == nil {
		params = map[string]interface{}{}
	}
	return Action{Name: name, Params: params}
}

func (a Action) MarshalJSON() ([]byte, error) {
	params := a.Params
	if params == nil {
		params = map[string]interface{}{}
	}
	return json.Marshal(map[string]interface{}{a.Name: params})
}

func (a *Action) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("action must be a JSON object: %w", err)
	}
	if len(raw) != 1 {
		return fmt.Errorf("action must have exactly one key, got %d", len(raw))
	}
	for name, body := range raw {
		params := map[string]interface{}{}
		body = bytes.TrimSpace(body)
		if len(body) > 0 && !bytes.Equal(body, nullJSON) {
			if err := json.Unmarshal(body, &params); err != nil {
				return fmt.Errorf("parameters of action %q: %w", name, err)
			}
		}
		a.Name = name
		a.Params = params
	}
	return nil
}

// Index returns the element index the action targets, if any.
func (a Action) Index() (int, bool) {
	v, ok := a.Params["index"]
	if !ok {
		return 0, false
	}
	return toInt(v)
}

// WithIndex returns a copy of the action targeting a different index.
func (a Action) WithIndex(index int) Action {
	params := make(map[string]interface{}, len(a.Params))
	for k, v := range a.Params {
		params[k] = v
	}
	params["index"] = index
	return Action{Name: a.Name, Params: params}
}

// String renders the action the way it appears in a recording.
func (a Action) String() string {
	keys := make([]string, 0, len(a.Params))
	for k := range a.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, a.Params[k]))
	}
	return a.Name + "(" + strings.Join(parts, ", ") + ")"
}

// StringParam returns a string parameter, or "" when absent.
func (a Action) StringParam(key string) string {
	switch v := a.Params[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// IntParam returns an integer parameter, or def when absent or not a number.
func (a Action) IntParam(key string, def int) int {
	if n, ok := toInt(a.Params[key]); ok {
		return n
	}
	return def
}

// FloatParam returns a numeric parameter, or def when absent.
func (a Action) FloatParam(key string, def float64) float64 {
	switch v := a.Params[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

// BoolParam returns a boolean parameter, or def when absent.
func (a Action) BoolParam(key string, def bool) bool {
	if v, ok := a.Params[key].(bool); ok {
		return v
	}
	return def
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	case float32:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	}
	return 0, false
}

// RecordedStep is one unit of replay. Actions and Elements are parallel; a nil
// action entry is the no-op sentinel and a nil element means the action had no
// recorded target.
type RecordedStep struct {
	Actions  []*Action
	Elements []*ElementDescriptor
	// Delay is the settle time in seconds after the step.
	Delay float64
}

type recordedStepWire struct {
	Actions  []json.RawMessage `json:"action"`
	Elements []json.RawMessage `json:"interacted_element"`
	Delay    *float64          `json:"delay,omitempty"`
}

func (s *RecordedStep) UnmarshalJSON(data []byte) error {
	var wire recordedStepWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	s.Actions = make([]*Action, len(wire.Actions))
	for i, raw := range wire.Actions {
		if isNull(raw) {
			continue
		}
		var a Action
		if err := json.Unmarshal(raw, &a); err != nil {
			return fmt.Errorf("action %d: %w", i, err)
		}
		s.Actions[i] = &a
	}

	s.Elements = make([]*ElementDescriptor, len(wire.Elements))
	for i, raw := range wire.Elements {
		if isNull(raw) {
			continue
		}
		var d ElementDescriptor
		if err := json.Unmarshal(raw, &d); err != nil {
			return fmt.Errorf("interacted_element %d: %w", i, err)
		}
		s.Elements[i] = &d
	}

	s.Delay = DefaultStepDelay
	if wire.Delay != nil {
		s.Delay = *wire.Delay
	}
	return nil
}

func (s RecordedStep) MarshalJSON() ([]byte, error) {
	delay := s.Delay
	return json.Marshal(struct {
		Actions  []*Action            `json:"action"`
		Elements []*ElementDescriptor `json:"interacted_element"`
		Delay    *float64             `json:"delay"`
	}{s.Actions, s.Elements, &delay})
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, nullJSON)
}

// IsNoop reports whether the step carries no executable action.
func (s RecordedStep) IsNoop() bool {
	for _, a := range s.Actions {
		if a != nil {
			return false
		}
	}
	return true
}

// Validate checks the structural invariants of the step.
func (s RecordedStep) Validate() error {
	if len(s.Actions) != len(s.Elements) {
		return fmt.Errorf("step has %d actions but %d interacted elements", len(s.Actions), len(s.Elements))
	}
	if s.Delay < 0 {
		return fmt.Errorf("step delay must not be negative, got %v", s.Delay)
	}
	for i, a := range s.Actions {
		if a != nil && a.Name == "" {
			return fmt.Errorf("action %d has no name", i)
		}
	}
	return nil
}

// Element returns the recorded target of the i-th action, or nil.
func (s RecordedStep) Element(i int) *ElementDescriptor {
	if i < 0 || i >= len(s.Elements) {
		return nil
	}
	return s.Elements[i]
}

// LinearHistory is a recording replayed top to bottom.
type LinearHistory struct {
	Steps []RecordedStep `json:"history"`
}

// TreeRecord is one node of a branching recording. Children are alternative
// next steps. Probability, when present, weights the children for random
// exploration.
type TreeRecord struct {
	Step        RecordedStep  `json:"data"`
	Children    []*TreeRecord `json:"children"`
	Probability []float64     `json:"probability,omitempty"`
}
