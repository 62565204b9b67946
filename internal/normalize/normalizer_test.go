package normalize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitecorpus/internal/scrape"
)

func longText(prefix string) string {
	return prefix + " " + strings.Repeat("lorem ipsum dolor sit amet ", 8)
}

func TestNormalize_MixedInput(t *testing.T) {
	t.Parallel()

	pages := []scrape.PageRecord{
		{URL: "https://example.com/short", Title: "Short", Text: "tiny page!"},
		{
			URL:         "https://example.com/long",
			Title:       "Long",
			Description: "A page about things",
			Text:        strings.Repeat("x", 200),
		},
	}

	doc := Normalize(pages)

	require.Equal(t, 1, doc.PageCount)
	require.Equal(t, 1, strings.Count(doc.Text, Delimiter))
	require.Contains(t, doc.Text, "SOURCE_URL: https://example.com/long\n")
	require.Contains(t, doc.Text, "SUMMARY: A page about things\n")
	require.NotContains(t, doc.Text, "example.com/short")
}

func TestNormalize_AllDiscarded(t *testing.T) {
	t.Parallel()

	doc := Normalize([]scrape.PageRecord{
		{URL: "https://a", Text: ""},
		{URL: "https://b", Text: strings.Repeat("y", MinTextLength-1)},
	})

	require.True(t, doc.Empty())
	require.Empty(t, doc.Text)
}

func TestNormalize_BoundaryLengthKept(t *testing.T) {
	t.Parallel()

	doc := Normalize([]scrape.PageRecord{{URL: "https://a", Text: strings.Repeat("z", MinTextLength)}})

	require.Equal(t, 1, doc.PageCount)
}

func TestNormalize_CountsRunesNotBytes(t *testing.T) {
	t.Parallel()

	// 49 multi-byte characters exceed 50 bytes but not 50 characters.
	doc := Normalize([]scrape.PageRecord{{URL: "https://a", Text: strings.Repeat("é", MinTextLength-1)}})

	require.True(t, doc.Empty())
}

func TestNormalize_PreservesOrderAndDefaults(t *testing.T) {
	t.Parallel()

	pages := []scrape.PageRecord{
		{URL: "https://example.com/1", Text: longText("first")},
		{URL: "https://example.com/2", Title: "Second", Text: longText("second")},
		{URL: "https://example.com/3", Title: "Third", Text: longText("third")},
	}

	doc := Normalize(pages)

	require.Equal(t, 3, doc.PageCount)
	blocks := strings.Split(strings.TrimSpace(doc.Text), Delimiter)
	blocks = blocks[:len(blocks)-1]
	require.Len(t, blocks, 3)
	for i, block := range blocks {
		require.Contains(t, block, pages[i].URL)
	}
	require.Contains(t, blocks[0], "TITLE: "+DefaultTitle)
	require.NotContains(t, blocks[0], "SUMMARY:")
}

func TestClean(t *testing.T) {
	t.Parallel()

	in := "  Intro [link text] here\n\n\n   \nBody line\r\n\r\nTail [x]\n  "
	got := Clean(in)

	require.Equal(t, "Intro  here\nBody line\nTail", got)
}

func TestClean_CollapsesUnicodeSpaceLines(t *testing.T) {
	t.Parallel()

	got := Clean("first paragraph line\n\u00a0\n\u00a0\n\u2003\nsecond paragraph line")

	require.Equal(t, "first paragraph line\nsecond paragraph line", got)
}

func TestClean_BracketOnlyLineDoesNotLeaveBlankRun(t *testing.T) {
	t.Parallel()

	got := Clean("alpha\n[nav]\nbeta")

	require.Equal(t, "alpha\nbeta", got)
	require.NotContains(t, got, "\n\n")
}

func TestNormalize_NoBlankRunsInsideContent(t *testing.T) {
	t.Parallel()

	text := longText("a") + "\n\n\n\n" + "[menu]\n\n" + longText("b")
	doc := Normalize([]scrape.PageRecord{{URL: "https://a", Text: text}})

	content := doc.Text[strings.Index(doc.Text, "CONTENT:\n")+len("CONTENT:\n"):]
	content = content[:strings.Index(content, Delimiter)]
	require.NotContains(t, strings.TrimSpace(content), "\n\n")
}
