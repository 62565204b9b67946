// Package normalize folds crawled page records into a single plain-text
// document suitable for embedding pipelines.
package normalize

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/JakeFAU/sitecorpus/internal/scrape"
)

// MinTextLength is the shortest body (in characters) a record may have
// before it is treated as an error or empty page and dropped.
const MinTextLength = 50

// Delimiter separates record blocks in the output document.
const Delimiter = "--------------------------------------------------"

// DefaultTitle labels records without a title.
const DefaultTitle = "No Title"

var (
	blankRuns  = regexp.MustCompile(`\n[\s\p{Z}]*\n`)
	bracketed  = regexp.MustCompile(`\[.*?\]`)
	lineEnding = strings.NewReplacer("\r\n", "\n", "\r", "\n")
)

// Document is the normalized output.
type Document struct {
	Text      string
	PageCount int
}

// Empty reports whether every record was discarded.
func (d Document) Empty() bool { return d.PageCount == 0 }

// Normalize builds a Document from page records, preserving input order.
// Records with a missing or too-short body are skipped.
func Normalize(pages []scrape.PageRecord) Document {
	var (
		b     strings.Builder
		count int
	)
	for _, page := range pages {
		if !usable(page) {
			continue
		}
		writeBlock(&b, page)
		count++
	}
	return Document{Text: b.String(), PageCount: count}
}

func usable(page scrape.PageRecord) bool {
	return page.Text != "" && utf8.RuneCountInString(page.Text) >= MinTextLength
}

func writeBlock(b *strings.Builder, page scrape.PageRecord) {
	title := strings.TrimSpace(page.Title)
	if title == "" {
		title = DefaultTitle
	}
	b.WriteString("SOURCE_URL: ")
	b.WriteString(page.URL)
	b.WriteString("\nTITLE: ")
	b.WriteString(title)
	b.WriteString("\n")
	if desc := strings.TrimSpace(page.Description); desc != "" {
		b.WriteString("SUMMARY: ")
		b.WriteString(desc)
		b.WriteString("\n")
	}
	b.WriteString("CONTENT:\n")
	b.WriteString(Clean(page.Text))
	b.WriteString("\n\n")
	b.WriteString(Delimiter)
	b.WriteString("\n\n")
}

// Clean strips bracketed inline markup, collapses runs of blank lines into a
// single line break and trims surrounding whitespace.
func Clean(text string) string {
	text = lineEnding.Replace(text)
	text = bracketed.ReplaceAllString(text, "")
	text = blankRuns.ReplaceAllString(text, "\n")
	return strings.TrimSpace(text)
}
