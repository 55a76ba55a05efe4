package crawler

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Default marker selectors for bulletin listings.
const (
	DefaultPagerSelector    = "a.ModulePager"
	DefaultArticleSelector  = "a.img-scale"
	DefaultDocumentSelector = "iframe"
)

// ExtractPaginationLinks returns pager anchors resolved against domain.
func ExtractPaginationLinks(markup, domain string) []string {
	return ExtractLinks(markup, DefaultPagerSelector, "href", domain)
}

// ExtractArticleLinks returns article teaser anchors resolved against domain.
func ExtractArticleLinks(markup, domain string) []string {
	return ExtractLinks(markup, DefaultArticleSelector, "href", domain)
}

// ExtractDocumentLinks returns embedded viewer sources resolved against domain.
func ExtractDocumentLinks(markup, domain string) []string {
	return ExtractLinks(markup, DefaultDocumentSelector, "src", domain)
}

// ExtractLinks collects attr from every element matching selector, in
// document order. Unparseable markup or a selector that matches nothing
// yields nil.
func ExtractLinks(markup, selector, attr, domain string) []string {
	if strings.TrimSpace(markup) == "" {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil
	}
	return extractFromDocument(doc, selector, attr, domain)
}

func extractFromDocument(doc *goquery.Document, selector, attr, domain string) []string {
	var links []string
	doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		val, ok := s.Attr(attr)
		if !ok {
			return
		}
		if resolved := ResolveLink(domain, val); resolved != "" {
			links = append(links, resolved)
		}
	})
	return links
}
