package auth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
)

// ErrLoginRejected indicates the portal did not accept the supplied
// credentials. It is fatal for the crawl.
var ErrLoginRejected = errors.New("auth: login rejected")

// Doer issues a single HTTP request. *http.Client satisfies it; the form
// authenticator needs nothing more from the transport.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// FormConfig locates the portal's login form and supplies credentials.
type FormConfig struct {
	// LoginURL is the page carrying the login form.
	LoginURL string
	// FormSelector narrows the form lookup; defaults to "form".
	FormSelector string
	// UserField and PassField name the credential inputs.
	UserField string
	PassField string
	Username  string
	Password  string
	UserAgent string
	// PasswordFunc supplies the password interactively when Password is
	// empty, e.g. through a terminal prompt. It is asked at most once.
	PasswordFunc func(ctx context.Context) (string, error)
}

// FormAuthenticator logs in by fetching the login page, collecting the form's
// hidden inputs (CSRF tokens and the like), and posting the credentials to the
// form's action URL. It shares the session's HTTP client so the resulting
// cookies land in the shared jar.
type FormAuthenticator struct {
	client   Doer
	cfg      FormConfig
	logger   *zap.Logger
	password string
}

// NewFormAuthenticator builds a FormAuthenticator. client must share the
// session's cookie jar for the login to be visible to request workers.
func NewFormAuthenticator(client Doer, cfg FormConfig, logger *zap.Logger) *FormAuthenticator {
	if cfg.FormSelector == "" {
		cfg.FormSelector = "form"
	}
	if cfg.UserField == "" {
		cfg.UserField = "username"
	}
	if cfg.PassField == "" {
		cfg.PassField = "password"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FormAuthenticator{client: client, cfg: cfg, logger: logger}
}

// Authenticate implements Authenticator. It returns nil only when the portal
// accepted the credentials and the session cookies are set.
func (a *FormAuthenticator) Authenticate(ctx context.Context) error {
	form, action, err := a.fetchLoginForm(ctx)
	if err != nil {
		return err
	}

	// Only ask for the password once a usable form is in hand; a broken
	// login page should not cost the user a prompt.
	password, err := a.resolvePassword(ctx)
	if err != nil {
		return err
	}

	form.Set(a.cfg.UserField, a.cfg.Username)
	form.Set(a.cfg.PassField, password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, action, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("auth: build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if a.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", a.cfg.UserAgent)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("auth: submit login form: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("auth: read login response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("auth: login returned status %d: %w", resp.StatusCode, ErrLoginRejected)
	}
	// A successful login must not bounce us back to the login form.
	if a.looksLikeLoginPage(body) {
		return ErrLoginRejected
	}

	a.logger.Debug("login form accepted", zap.String("url", action))
	return nil
}

// resolvePassword returns the configured password, asking PasswordFunc once
// if none is configured. The answer is kept for later refreshes so the user
// is not prompted again mid-crawl.
func (a *FormAuthenticator) resolvePassword(ctx context.Context) (string, error) {
	if a.cfg.Password != "" {
		return a.cfg.Password, nil
	}
	if a.password != "" {
		return a.password, nil
	}
	if a.cfg.PasswordFunc == nil {
		return "", errors.New("auth: no password configured and no prompt available")
	}
	password, err := a.cfg.PasswordFunc(ctx)
	if err != nil {
		return "", fmt.Errorf("auth: prompt password: %w", err)
	}
	a.password = password
	return password, nil
}

// fetchLoginForm loads the login page and returns the form's prefilled values
// plus its resolved action URL.
func (a *FormAuthenticator) fetchLoginForm(ctx context.Context) (url.Values, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.LoginURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("auth: build login page request: %w", err)
	}
	if a.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", a.cfg.UserAgent)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("auth: fetch login page: %w", err)
	}
	defer resp.Body.Close()

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("auth: parse login page: %w", err)
	}

	sel := doc.Find(a.cfg.FormSelector).First()
	if sel.Length() == 0 {
		return nil, "", fmt.Errorf("auth: no form matching %q on login page", a.cfg.FormSelector)
	}

	form := url.Values{}
	sel.Find("input").Each(func(_ int, input *goquery.Selection) {
		name, ok := input.Attr("name")
		if !ok || name == "" {
			return
		}
		value, _ := input.Attr("value")
		form.Set(name, value)
	})

	action := a.cfg.LoginURL
	if raw, ok := sel.Attr("action"); ok && raw != "" {
		base, err := url.Parse(a.cfg.LoginURL)
		if err != nil {
			return nil, "", fmt.Errorf("auth: parse login url: %w", err)
		}
		ref, err := url.Parse(raw)
		if err != nil {
			return nil, "", fmt.Errorf("auth: parse form action: %w", err)
		}
		action = base.ResolveReference(ref).String()
	}
	return form, action, nil
}

func (a *FormAuthenticator) looksLikeLoginPage(body []byte) bool {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return false
	}
	found := false
	doc.Find(a.cfg.FormSelector).Each(func(_ int, form *goquery.Selection) {
		if form.Find(fmt.Sprintf("input[name=%q]", a.cfg.PassField)).Length() > 0 {
			found = true
		}
	})
	return found
}
