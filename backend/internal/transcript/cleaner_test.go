package transcript

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClean_PlainTranscript(t *testing.T) {
	c := NewCleaner(0)
	in := "Alice:   hi there  \r\n\r\n\nBob: hello\nBob: hello\nAlice: x < y and 3 > 2"

	out, err := c.Clean(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "Alice: hi there\nBob: hello\nAlice: x < y and 3 > 2", out)
}

func TestClean_StripsHTML(t *testing.T) {
	c := NewCleaner(0)
	in := `<html><head><title>t</title><style>p{color:red}</style></head><body>
		<div>Alice: I started <b>pottery</b> &amp; painting</div>
		<script>alert(1)</script><!-- hidden -->
		<p>Bob: nice!<br>What kind?</p></body></html>`

	out, err := c.Clean(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "Alice: I started pottery & painting\nBob: nice!\nWhat kind?", out)
	assert.NotContains(t, out, "alert")
	assert.NotContains(t, out, "hidden")
}

func TestClean_Idempotent(t *testing.T) {
	c := NewCleaner(40)
	inputs := []string{
		"<p>Alice: one</p><p>Bob: two</p><p>Alice: three four five six seven</p>",
		"  plain   text \n\n with lines ",
		strings.Repeat("word ", 30),
		"<p>use &lt;b&gt;bold&lt;/b&gt; tags</p>",
		"<p>&lt;&lt;i&gt;i&gt;nested</p>",
	}
	for _, in := range inputs {
		once, err := c.Clean(context.Background(), in)
		require.NoError(t, err)
		twice, err := c.Clean(context.Background(), once)
		require.NoError(t, err)
		assert.Equal(t, once, twice)
	}
}

func TestClean_EscapedTagsDoNotSurvive(t *testing.T) {
	out, err := NewCleaner(0).Clean(context.Background(), "<p>use &lt;b&gt;bold&lt;/b&gt; tags &amp; more</p>")
	require.NoError(t, err)
	assert.Equal(t, "use bold tags & more", out)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 0))
	assert.Equal(t, "line one", Truncate("line one\nline two", 12))
	assert.Equal(t, "ééé", Truncate("éééééé", 3))
}

func TestClean_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewCleaner(0).Clean(ctx, "x")
	assert.Error(t, err)
}
