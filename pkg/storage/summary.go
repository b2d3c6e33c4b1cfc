package storage

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// PageSummary is the part of a page snapshot kept in the journal in place
// of the full body.
type PageSummary struct {
	Title     string `json:"title,omitempty"`
	HTMLBytes int    `json:"html_bytes"`
	LinkCount int    `json:"link_count"`
}

// Summarize extracts the document title and link count from html.
// Unparseable markup still reports its size.
func Summarize(html string) PageSummary {
	summary := PageSummary{HTMLBytes: len(html)}
	if strings.TrimSpace(html) == "" {
		return summary
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return summary
	}
	summary.Title = strings.Join(strings.Fields(doc.Find("title").First().Text()), " ")
	summary.LinkCount = doc.Find("a[href]").Length()
	return summary
}
