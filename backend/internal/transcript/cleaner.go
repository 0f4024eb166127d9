package transcript

import (
	"context"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ============================================================================
// Transcript Cleaning
// ============================================================================

var markup = regexp.MustCompile(`<(?:[a-zA-Z][a-zA-Z0-9]*|/[a-zA-Z][a-zA-Z0-9]*|!--)[^>]*>`)

// Elements whose content is never conversation text
const noiseSelector = "script, style, noscript, iframe, svg, head"

// Elements that end a line of text
const blockSelector = "p, div, li, tr, h1, h2, h3, h4, h5, h6, blockquote, pre"

// Cleaner strips markup from a transcript, normalizes whitespace, drops
// empty and consecutively repeated lines, and caps the length. It is pure:
// the same input always gives the same output. The output never contains
// tag-like text, so cleaning it again changes nothing.
type Cleaner struct {
	MaxChars int
}

func NewCleaner(maxChars int) *Cleaner {
	return &Cleaner{MaxChars: maxChars}
}

func (c *Cleaner) Clean(ctx context.Context, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if markup.MatchString(text) {
		stripped, err := stripHTML(text)
		if err != nil {
			return "", err
		}
		text = stripped
	}
	return Truncate(normalizeLines(dropTags(text)), c.MaxChars), nil
}

// dropTags removes tag-like runs left in plain text, including the ones
// decoded from entities such as &lt;b&gt;. Removal can join the halves of
// a nested run into a new one, so it repeats until none is left.
func dropTags(text string) string {
	for markup.MatchString(text) {
		text = markup.ReplaceAllString(text, "")
	}
	return text
}

// stripHTML extracts text from markup, keeping block boundaries as newlines
func stripHTML(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}
	doc.Find(noiseSelector).Remove()
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find(blockSelector).Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})
	return doc.Text(), nil
}

// normalizeLines collapses whitespace inside lines and drops empty lines and
// lines that repeat the one before them
func normalizeLines(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			continue
		}
		if len(kept) > 0 && kept[len(kept)-1] == line {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

// Truncate caps text at max runes, cutting at the last line break that fits
// when there is one
func Truncate(text string, max int) string {
	if max <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	cut := string(runes[:max])
	if i := strings.LastIndex(cut, "\n"); i > 0 {
		return cut[:i]
	}
	return strings.TrimSpace(cut)
}
