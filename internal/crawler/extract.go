package crawler

import (
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// defaultFileExtensions are the document types a crawl downloads when the
// configuration names none.
var defaultFileExtensions = []string{
	".pdf", ".zip", ".tar.gz", ".txt", ".ppt", ".pptx", ".doc", ".docx",
	".xls", ".xlsx", ".csv", ".mp4",
}

// extractLinks parses a listing page and splits its anchors into subpages to
// crawl and files to download. Fragments are dropped, duplicates within the
// page are collapsed, and only links on the same host as base are kept.
func extractLinks(base *url.URL, body io.Reader, fileExts []string) (pages, files []*url.URL, err error) {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, nil, fmt.Errorf("crawler: parse page %s: %w", base, err)
	}

	seen := make(map[string]bool)
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") ||
			strings.HasPrefix(href, "mailto:") || strings.HasPrefix(href, "javascript:") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		link := base.ResolveReference(ref)
		link.Fragment = ""
		if link.Host != base.Host || (link.Scheme != "http" && link.Scheme != "https") {
			return
		}
		key := link.String()
		if seen[key] {
			return
		}
		seen[key] = true

		if isFileLink(link, fileExts) {
			files = append(files, link)
		} else {
			pages = append(pages, link)
		}
	})
	return pages, files, nil
}

func isFileLink(u *url.URL, fileExts []string) bool {
	name := strings.ToLower(path.Base(u.Path))
	for _, ext := range fileExts {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}
