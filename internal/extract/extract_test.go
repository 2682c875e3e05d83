package extract

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnswer(t *testing.T) {
	t.Run("picks the longest match above the threshold", func(t *testing.T) {
		page := `<html><body>
			<div class="prompt">wrap it like this: [[[your full answer here]]]</div>
			<div class="reply"><p>[[[A short but valid answer text.]]]</p></div>
			<div class="reply"><p>[[[The <strong>longest</strong> answer on the whole page wins here.]]]</p></div>
		</body></html>`

		got, err := Answer(page)
		require.NoError(t, err)
		assert.Equal(t, "The **longest** answer on the whole page wins here.", got)
	})

	t.Run("matches across lines", func(t *testing.T) {
		page := "<div>[[[<p>First paragraph of the reply.</p>\n\n\n\n<p>Second paragraph.</p>]]]</div>"

		got, err := Answer(page)
		require.NoError(t, err)
		assert.Contains(t, got, "First paragraph of the reply.")
		assert.Contains(t, got, "Second paragraph.")
		assert.NotContains(t, got, "\n\n\n")
	})

	t.Run("sanitises scripts away", func(t *testing.T) {
		page := `[[[Safe text that is long enough.<script>alert(1)</script>]]]`

		got, err := Answer(page)
		require.NoError(t, err)
		assert.Equal(t, "Safe text that is long enough.", got)
	})

	t.Run("counts characters, not bytes", func(t *testing.T) {
		// Thirteen runes but well over 25 bytes.
		_, err := Answer("[[[这是一个很短的中文回答内容]]]")
		assert.ErrorIs(t, err, ErrNoAnswer)
	})

	t.Run("no answer", func(t *testing.T) {
		_, err := Answer("<html><body>still thinking...</body></html>")
		assert.ErrorIs(t, err, ErrNoAnswer)

		_, err = Answer("[[[" + strings.Repeat("x", MinAnswerLength) + "]]]")
		assert.ErrorIs(t, err, ErrNoAnswer, "the threshold is exclusive")
	})
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"blank lines", "a\n\n\n\nb", "a\n\nb"},
		{"wide spaces", "a     b", "a  b"},
		{"two spaces kept", "a  b", "a  b"},
		{"long token", "id abcdefghij0123456789_XYZ end", "id abcdefghij...9_XYZ end"},
		{"nineteen chars kept", "abcdefghij012345678", "abcdefghij012345678"},
		{"trimmed", "\n text \n", "text"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestPageMarkdown(t *testing.T) {
	page := `<html><body><h1>Title</h1><p>See <a href="https://example.com/x">the docs</a> <img src="a.png" alt="pic"> now.</p></body></html>`

	t.Run("keeps links", func(t *testing.T) {
		md, err := PageMarkdown(page, false)
		require.NoError(t, err)
		assert.Contains(t, md, "# Title")
		assert.Contains(t, md, "[the docs](https://example.com/x)")
	})

	t.Run("strips links and images", func(t *testing.T) {
		md, err := PageMarkdown(page, true)
		require.NoError(t, err)
		assert.Contains(t, md, "See the docs")
		assert.NotContains(t, md, "https://example.com/x")
		assert.NotContains(t, md, "a.png")
	})
}
