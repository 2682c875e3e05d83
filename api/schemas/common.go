package schemas

import (
	"fmt"
	"strings"
)

// -- Common Schemas --

// KeyEventData represents a structured key event, including the main key and active modifiers.
type KeyEventData struct {
	// Key is the primary key pressed (e.g., "a", "Enter", "Tab").
	// This should match the names understood by chromedp/kb.
	Key string
	// Modifiers is a bitmask of active modifiers.
	Modifiers KeyModifier
}

// KeyModifier represents keyboard modifiers (Ctrl, Alt, Shift, Meta).
// These values correspond directly to the CDP input.DispatchKeyEvent modifiers bitfield.
type KeyModifier int

const (
	ModNone  KeyModifier = 0
	ModAlt   KeyModifier = 1 // Corresponds to CDP modifier 1
	ModCtrl  KeyModifier = 2 // Corresponds to CDP modifier 2
	ModMeta  KeyModifier = 4 // Corresponds to CDP modifier 4
	ModShift KeyModifier = 8 // Corresponds to CDP modifier 8
)

var modifierNames = map[string]KeyModifier{
	"alt":     ModAlt,
	"option":  ModAlt,
	"control": ModCtrl,
	"ctrl":    ModCtrl,
	"meta":    ModMeta,
	"command": ModMeta,
	"cmd":     ModMeta,
	"shift":   ModShift,
}

// ParseKeyCombo parses a recorded send_keys chord such as "Control+Enter" or
// "Shift+Tab". The last segment is the key; every preceding segment must be a
// modifier name.
func ParseKeyCombo(combo string) (KeyEventData, error) {
	combo = strings.TrimSpace(combo)
	if combo == "" {
		return KeyEventData{}, fmt.Errorf("empty key combination")
	}
	// A lone "+" is a key, not a separator.
	if combo == "+" {
		return KeyEventData{Key: "+"}, nil
	}

	parts := strings.Split(combo, "+")
	data := KeyEventData{Key: parts[len(parts)-1]}
	if data.Key == "" {
		return KeyEventData{}, fmt.Errorf("key combination %q has no key", combo)
	}
	for _, part := range parts[:len(parts)-1] {
		mod, ok := modifierNames[strings.ToLower(strings.TrimSpace(part))]
		if !ok {
			return KeyEventData{}, fmt.Errorf("unknown modifier %q in %q", part, combo)
		}
		data.Modifiers |= mod
	}
	return data, nil
}
