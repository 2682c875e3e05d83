package browser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/replaydock/api/schemas"
)

func TestDecodeSnapshot(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		raw := []byte(`[
			{"index": -1, "tag_name": "div", "xpath": "html/body/div", "attributes": {"id": "app"}, "parent_branch_path": ["div"], "interactive": false, "visible": true},
			{"index": 0, "tag_name": "button", "xpath": "html/body/div/button[2]", "attributes": {"type": "submit"}, "parent_branch_path": ["div", "button"], "interactive": true, "visible": true, "text": "Send"},
			{"index": -7, "tag_name": "span", "xpath": "html/body/div/span", "parent_branch_path": ["div", "span"]}
		]`)

		tree, err := decodeSnapshot(raw)
		require.NoError(t, err)
		require.Len(t, tree, 3)

		assert.Equal(t, -1, tree[2].Index, "negative indices normalise to -1")
		assert.Equal(t, "Send", tree[1].Text)
		assert.Equal(t, []string{"div", "button"}, tree[1].ParentBranchPath)

		m := schemas.NewSelectorMap(tree)
		require.Len(t, m, 1)
		assert.Equal(t, "button", m[0].TagName)
	})

	t.Run("DuplicateIndex", func(t *testing.T) {
		raw := []byte(`[{"index": 0, "tag_name": "a"}, {"index": 0, "tag_name": "button"}]`)
		_, err := decodeSnapshot(raw)
		assert.ErrorContains(t, err, "duplicate highlight index 0")
	})

	t.Run("MissingTag", func(t *testing.T) {
		_, err := decodeSnapshot([]byte(`[{"index": 0}]`))
		assert.ErrorContains(t, err, "no tag name")
	})

	t.Run("Malformed", func(t *testing.T) {
		_, err := decodeSnapshot([]byte(`{"index": 0}`))
		assert.Error(t, err)
	})

	t.Run("Empty", func(t *testing.T) {
		tree, err := decodeSnapshot([]byte(`[]`))
		require.NoError(t, err)
		assert.Empty(t, tree)
	})
}

func TestElementPath(t *testing.T) {
	assert.Equal(t, "window.__replaydockElements[12]", elementPath(12))
}
