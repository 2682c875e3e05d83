// Package extract turns the HTML of a chat page into the answer text.
package extract

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

// ErrNoAnswer is returned when the page holds no bracketed answer long enough
// to be the model's reply.
var ErrNoAnswer = errors.New("no answer found on the page")

// MinAnswerLength is the number of characters a bracketed match must exceed.
// Shorter matches are the prompt's own formatting instructions echoed back.
const MinAnswerLength = 25

var (
	answerPattern = regexp.MustCompile(`(?s)\[\[\[(.*?)\]\]\]`)
	blankLines    = regexp.MustCompile(`\n{3,}`)
	wideSpaces    = regexp.MustCompile(` {3,}`)
	longTokens    = regexp.MustCompile(`[A-Za-z0-9_]{20,}`)
)

var (
	sanitizer   = bluemonday.UGCPolicy()
	mdConverter = converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
			table.NewTablePlugin(),
		),
	)
)

// Answer finds the longest [[[...]]] block of the page and returns it as
// normalised markdown.
func Answer(page string) (string, error) {
	var best string
	bestLen := MinAnswerLength
	for _, m := range answerPattern.FindAllStringSubmatch(page, -1) {
		if n := utf8.RuneCountInString(m[1]); n > bestLen {
			best, bestLen = m[1], n
		}
	}
	if best == "" {
		return "", ErrNoAnswer
	}

	md, err := mdConverter.ConvertString(sanitizer.Sanitize(best))
	if err != nil {
		return "", fmt.Errorf("convert answer to markdown: %w", err)
	}
	return Normalize(md), nil
}

// PageMarkdown converts a whole page to markdown. With stripLinks, anchors
// are unwrapped to their text and images are dropped.
func PageMarkdown(page string, stripLinks bool) (string, error) {
	if stripLinks {
		stripped, err := unwrapLinks(page)
		if err != nil {
			return "", err
		}
		page = stripped
	}
	md, err := mdConverter.ConvertString(page)
	if err != nil {
		return "", fmt.Errorf("convert page to markdown: %w", err)
	}
	return Normalize(md), nil
}

// Normalize collapses runs of blank lines and spaces and shortens long
// identifier-like tokens (hashes, ids, tracking strings) to their ends.
func Normalize(md string) string {
	md = blankLines.ReplaceAllString(md, "\n\n")
	md = wideSpaces.ReplaceAllString(md, "  ")
	md = longTokens.ReplaceAllStringFunc(md, func(tok string) string {
		return tok[:10] + "..." + tok[len(tok)-5:]
	})
	return strings.TrimSpace(md)
}

func unwrapLinks(page string) (string, error) {
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return "", fmt.Errorf("parse page: %w", err)
	}
	stripNodes(doc)

	var sb strings.Builder
	if err := html.Render(&sb, doc); err != nil {
		return "", fmt.Errorf("render page: %w", err)
	}
	return sb.String(), nil
}

func stripNodes(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		stripNodes(c)
		if c.Type == html.ElementNode {
			switch c.Data {
			case "img":
				n.RemoveChild(c)
			case "a":
				for gc := c.FirstChild; gc != nil; {
					gnext := gc.NextSibling
					c.RemoveChild(gc)
					n.InsertBefore(gc, c)
					gc = gnext
				}
				n.RemoveChild(c)
			}
		}
		c = next
	}
}
