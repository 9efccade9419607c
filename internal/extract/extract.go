// Package extract pulls page metadata and readable text out of raw HTML.
package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/JakeFAU/ghostfetch/internal/job"
	"github.com/PuerkitoBio/goquery"
)

var (
	authorSelectors = []string{
		"meta[name='author']",
		"meta[property='article:author']",
	}
	dateSelectors = []string{
		"meta[name='publish-date']",
		"meta[property='article:published_time']",
		"meta[name='date']",
	}
	descriptionSelectors = []string{
		"meta[name='description']",
		"meta[property='og:description']",
	}
	strippedTags = "script, style, meta, noscript, svg, template"
)

// Document is the extracted view of one page.
type Document struct {
	Metadata job.Metadata
	Text     string
}

// Parse extracts metadata and visible text from body.
func Parse(body []byte) (Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Document{}, fmt.Errorf("parse html: %w", err)
	}

	meta := job.Metadata{
		Title:       strings.TrimSpace(doc.Find("title").First().Text()),
		Author:      firstContent(doc, authorSelectors),
		PublishDate: firstContent(doc, dateSelectors),
		Description: firstContent(doc, descriptionSelectors),
	}
	seen := make(map[string]struct{})
	doc.Find("img[src]").Each(func(_ int, s *goquery.Selection) {
		src := strings.TrimSpace(s.AttrOr("src", ""))
		if !strings.HasPrefix(src, "http://") && !strings.HasPrefix(src, "https://") {
			return
		}
		if _, dup := seen[src]; dup {
			return
		}
		seen[src] = struct{}{}
		meta.Images = append(meta.Images, src)
	})

	doc.Find(strippedTags).Remove()
	root := doc.Find("body")
	if root.Length() == 0 {
		root = doc.Selection
	}
	return Document{Metadata: meta, Text: collapse(root.Text())}, nil
}

func firstContent(doc *goquery.Document, selectors []string) string {
	for _, sel := range selectors {
		if v, ok := doc.Find(sel).First().Attr("content"); ok {
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		}
	}
	return ""
}

// collapse squeezes runs of whitespace and drops blank lines.
func collapse(text string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
