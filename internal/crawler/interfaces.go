package crawler

import (
	"context"
	"net/http"
)

// Fetcher issues an authenticated GET for the crawl. *session.Session
// satisfies it; the crawler never touches the transport, cookie, or re-login
// machinery directly.
type Fetcher interface {
	Get(ctx context.Context, url string) (*http.Response, error)
}

// Target is one page the crawl still has to visit.
type Target struct {
	URL   string
	Depth int
}

// Download is one discovered file waiting to be streamed to disk.
type Download struct {
	URL  string
	Path string
}
