// Package session owns the authenticated HTTP session one crawl runs on: one
// HTTP client with a persistent cookie jar, the auth-refresh coordinator
// shared by all request workers, and the terminal conductor all output goes
// through.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kursfetch/kursfetch/internal/auth"
	"github.com/kursfetch/kursfetch/internal/cookies"
	"github.com/kursfetch/kursfetch/internal/terminal"
)

// ErrStillStale is returned when a request keeps hitting the login wall even
// after a successful re-authentication.
var ErrStillStale = errors.New("session: request still unauthenticated after refresh")

// StalenessFunc reports whether a response indicates the session's
// authentication went stale. It must not consume the response body.
type StalenessFunc func(*http.Response) bool

// Config controls the session.
type Config struct {
	UserAgent  string
	CookiePath string
	// LoginURL marks responses redirected to the login page as stale.
	LoginURL string
	Timeout  time.Duration
}

// Session is the composition root for one crawl run.
type Session struct {
	cfg       Config
	client    *http.Client
	jar       *cookies.Jar
	coord     *auth.Coordinator
	conductor *terminal.Conductor
	stale     StalenessFunc
	logger    *zap.Logger
}

// New builds a Session. newAuth receives the session's HTTP client (sharing
// the cookie jar) and must return the login capability; a nil authenticator is
// a construction-time error, not a lazy runtime failure. Existing cookies are
// loaded from cfg.CookiePath if present; load failures are logged and ignored.
func New(
	cfg Config,
	conductor *terminal.Conductor,
	newAuth func(auth.Doer) auth.Authenticator,
	logger *zap.Logger,
) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	jar, err := cookies.NewJar()
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	client := &http.Client{
		Jar:     jar,
		Timeout: cfg.Timeout,
	}

	var authenticator auth.Authenticator
	if newAuth != nil {
		authenticator = newAuth(client)
	}

	s := &Session{
		cfg:       cfg,
		client:    client,
		jar:       jar,
		conductor: conductor,
		logger:    logger,
	}
	s.stale = s.defaultStaleness

	coord, err := auth.NewCoordinator(authenticator, s.saveCookies, logger)
	if err != nil {
		return nil, err
	}
	s.coord = coord

	if cfg.CookiePath != "" {
		if err := jar.Load(cfg.CookiePath); err != nil {
			logger.Warn("could not load cookies, starting with an empty jar",
				zap.String("path", cfg.CookiePath),
				zap.Error(err),
			)
		} else {
			logger.Debug("cookies loaded", zap.String("path", cfg.CookiePath))
		}
	}
	return s, nil
}

// PrepareRequest waits for any in-flight authentication and returns the
// ticket a worker should hold while issuing its request.
func (s *Session) PrepareRequest(ctx context.Context) (int, error) {
	return s.coord.CurrentTicket(ctx)
}

// Refresh re-authenticates if observed is still the current ticket. See
// auth.Coordinator.Refresh.
func (s *Session) Refresh(ctx context.Context, observed int) error {
	return s.coord.Refresh(ctx, observed)
}

// Get issues an authenticated GET. If the response indicates a stale session,
// Get triggers at most one refresh with the ticket it observed beforehand and
// retries the request once. The caller owns the response body.
func (s *Session) Get(ctx context.Context, url string) (*http.Response, error) {
	ticket, err := s.PrepareRequest(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := s.do(ctx, url)
	if err != nil {
		return nil, err
	}
	if !s.stale(resp) {
		return resp, nil
	}
	resp.Body.Close()

	s.logger.Debug("stale session detected", zap.String("url", url), zap.Int("ticket", ticket))
	if err := s.coord.Refresh(ctx, ticket); err != nil {
		return nil, err
	}

	resp, err = s.do(ctx, url)
	if err != nil {
		return nil, err
	}
	if s.stale(resp) {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s", ErrStillStale, url)
	}
	return resp, nil
}

// Conductor returns the terminal conductor for this crawl.
func (s *Session) Conductor() *terminal.Conductor {
	return s.conductor
}

// Client exposes the session's HTTP client, sharing its cookie jar.
func (s *Session) Client() *http.Client {
	return s.client
}

// SetStalenessFunc overrides staleness detection. Intended for portals with
// unusual login walls.
func (s *Session) SetStalenessFunc(fn StalenessFunc) {
	if fn != nil {
		s.stale = fn
	}
}

// Close persists cookies one final time. Cookies are already saved after each
// successful authentication, so this only catches server-side refreshes.
func (s *Session) Close(ctx context.Context) {
	s.saveCookies(ctx)
}

func (s *Session) do(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("session: build request for %s: %w", url, err)
	}
	if s.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", s.cfg.UserAgent)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("session: get %s: %w", url, err)
	}
	return resp, nil
}

// defaultStaleness flags auth-required status codes and redirects that landed
// on the login page.
func (s *Session) defaultStaleness(resp *http.Response) bool {
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return true
	}
	if s.cfg.LoginURL == "" || resp.Request == nil || resp.Request.URL == nil {
		return false
	}
	return strings.HasPrefix(resp.Request.URL.String(), s.cfg.LoginURL)
}

// saveCookies persists the jar. Failures only risk a redundant login on the
// next run, so they are logged as warnings and otherwise ignored.
func (s *Session) saveCookies(context.Context) {
	if s.cfg.CookiePath == "" {
		return
	}
	if err := s.jar.Save(s.cfg.CookiePath); err != nil {
		s.logger.Warn("could not save cookies", zap.String("path", s.cfg.CookiePath), zap.Error(err))
		return
	}
	s.logger.Debug("cookies saved", zap.String("path", s.cfg.CookiePath))
}
