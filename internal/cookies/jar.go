// Package cookies provides a persistent HTTP cookie jar. Cookies live in a
// standard publicsuffix-aware jar during the crawl and are saved to disk in
// the Netscape cookie-file format, so a later run can reuse an existing
// session instead of logging in again.
package cookies

import (
	"bufio"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
)

const fileHeader = "# Netscape HTTP Cookie File"

// Jar wraps net/http/cookiejar and additionally records every cookie the
// server sets, because the standard jar offers no way to enumerate its
// contents for persistence. Jar implements http.CookieJar.
type Jar struct {
	inner *cookiejar.Jar

	mu   sync.Mutex
	seen map[string]persistedCookie
}

type persistedCookie struct {
	domain string
	cookie *http.Cookie
}

// NewJar builds an empty Jar using the public suffix list for domain
// matching.
func NewJar() (*Jar, error) {
	inner, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("cookies: build jar: %w", err)
	}
	return &Jar{
		inner: inner,
		seen:  make(map[string]persistedCookie),
	}, nil
}

// SetCookies implements http.CookieJar, recording the cookies for later Save.
func (j *Jar) SetCookies(u *url.URL, cs []*http.Cookie) {
	j.mu.Lock()
	for _, c := range cs {
		domain := c.Domain
		if domain == "" {
			domain = u.Hostname()
		}
		key := domain + "\x00" + c.Path + "\x00" + c.Name
		if c.MaxAge < 0 || (!c.Expires.IsZero() && c.Expires.Before(time.Now())) {
			delete(j.seen, key)
			continue
		}
		j.seen[key] = persistedCookie{domain: domain, cookie: c}
	}
	j.mu.Unlock()
	j.inner.SetCookies(u, cs)
}

// Cookies implements http.CookieJar.
func (j *Jar) Cookies(u *url.URL) []*http.Cookie {
	return j.inner.Cookies(u)
}

// Load reads a Netscape-format cookie file into the jar. A missing file is an
// error the caller is expected to treat as recoverable (the jar simply stays
// empty).
func (j *Jar) Load(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("cookies: open %s: %w", path, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		domain, cookie, err := parseNetscapeLine(line)
		if err != nil {
			return fmt.Errorf("cookies: %s line %d: %w", path, lineNum, err)
		}
		if !cookie.Expires.IsZero() && cookie.Expires.Before(time.Now()) {
			continue
		}
		j.SetCookies(cookieURL(domain, cookie), []*http.Cookie{cookie})
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("cookies: read %s: %w", path, err)
	}
	return nil
}

// Save writes all recorded cookies to path in Netscape format. The file is
// written with owner-only permissions since it holds session credentials.
func (j *Jar) Save(path string) error {
	j.mu.Lock()
	lines := make([]string, 0, len(j.seen))
	for _, pc := range j.seen {
		lines = append(lines, formatNetscapeLine(pc.domain, pc.cookie))
	}
	j.mu.Unlock()
	sort.Strings(lines)

	var b strings.Builder
	b.WriteString(fileHeader + "\n")
	for _, line := range lines {
		b.WriteString(line + "\n")
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("cookies: write %s: %w", path, err)
	}
	return nil
}

// parseNetscapeLine parses one 7-field tab-separated cookie line:
// domain, include-subdomains flag, path, secure, expiration, name, value.
func parseNetscapeLine(line string) (string, *http.Cookie, error) {
	fields := strings.Split(line, "\t")
	if len(fields) != 7 {
		return "", nil, fmt.Errorf("expected 7 fields, got %d", len(fields))
	}

	var expires time.Time
	if fields[4] != "0" {
		ts, err := strconv.ParseInt(fields[4], 10, 64)
		if err != nil {
			return "", nil, fmt.Errorf("invalid expiration %q: %w", fields[4], err)
		}
		expires = time.Unix(ts, 0)
	}

	domain := strings.TrimPrefix(fields[0], ".")
	cookie := &http.Cookie{
		Name:    fields[5],
		Value:   fields[6],
		Path:    fields[2],
		Expires: expires,
		Secure:  fields[3] == "TRUE",
	}
	// The include-subdomains flag (or a legacy leading dot) marks a domain
	// cookie; keep the Domain attribute so it stays subdomain-wide after a
	// load/save cycle.
	if fields[1] == "TRUE" || strings.HasPrefix(fields[0], ".") {
		cookie.Domain = domain
	}
	return domain, cookie, nil
}

func formatNetscapeLine(domain string, c *http.Cookie) string {
	includeSub := "FALSE"
	if c.Domain != "" {
		includeSub = "TRUE"
		domain = "." + strings.TrimPrefix(domain, ".")
	}
	secure := "FALSE"
	if c.Secure {
		secure = "TRUE"
	}
	expires := "0"
	if !c.Expires.IsZero() {
		expires = strconv.FormatInt(c.Expires.Unix(), 10)
	}
	path := c.Path
	if path == "" {
		path = "/"
	}
	return strings.Join([]string{domain, includeSub, path, secure, expires, c.Name, c.Value}, "\t")
}

// cookieURL synthesizes a URL under which a loaded cookie is valid, so it can
// be fed back through the standard jar's SetCookies.
func cookieURL(domain string, c *http.Cookie) *url.URL {
	scheme := "http"
	if c.Secure {
		scheme = "https"
	}
	path := c.Path
	if path == "" {
		path = "/"
	}
	return &url.URL{Scheme: scheme, Host: domain, Path: path}
}
