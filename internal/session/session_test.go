package session

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kursfetch/kursfetch/internal/auth"
	"github.com/kursfetch/kursfetch/internal/terminal"
)

// portalServer simulates a session-authenticated portal: /data requires the
// session cookie, otherwise it responds 401. /grant issues the cookie and
// counts logins.
type portalServer struct {
	srv    *httptest.Server
	logins atomic.Int64
}

func newPortalServer(t *testing.T) *portalServer {
	t.Helper()
	p := &portalServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/grant", func(w http.ResponseWriter, _ *http.Request) {
		p.logins.Add(1)
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "v", Path: "/"})
	})
	mux.HandleFunc("/data", func(w http.ResponseWriter, r *http.Request) {
		if _, err := r.Cookie("session"); err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, "payload")
	})
	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

// grantAuthenticator logs in by hitting the portal's /grant endpoint through
// the session's own client, landing the cookie in the shared jar.
type grantAuthenticator struct {
	client auth.Doer
	url    string
	fail   bool
}

func (g *grantAuthenticator) Authenticate(ctx context.Context) error {
	if g.fail {
		return fmt.Errorf("credentials rejected")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.url+"/grant", nil)
	if err != nil {
		return err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func newTestSession(t *testing.T, portal *portalServer, fail bool) *Session {
	t.Helper()
	conductor := terminal.NewConductor(terminal.NewPrettyRenderer(io.Discard))
	s, err := New(
		Config{
			UserAgent:  "kursfetch-test",
			CookiePath: filepath.Join(t.TempDir(), ".cookies"),
			Timeout:    5 * time.Second,
		},
		conductor,
		func(client auth.Doer) auth.Authenticator {
			return &grantAuthenticator{client: client, url: portal.srv.URL, fail: fail}
		},
		nil,
	)
	require.NoError(t, err)
	return s
}

// TestGetAuthenticatesOnStaleSession verifies the 401 → refresh → retry flow.
func TestGetAuthenticatesOnStaleSession(t *testing.T) {
	t.Parallel()

	portal := newPortalServer(t)
	s := newTestSession(t, portal, false)

	resp, err := s.Get(context.Background(), portal.srv.URL+"/data")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, "payload", string(body))
	require.Equal(t, int64(1), portal.logins.Load())
}

// TestConcurrentGetsLoginOnce is the refresh-storm scenario end to end: many
// workers hit the login wall at the same time, yet the portal sees one login.
func TestConcurrentGetsLoginOnce(t *testing.T) {
	t.Parallel()

	portal := newPortalServer(t)
	s := newTestSession(t, portal, false)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := s.Get(context.Background(), portal.srv.URL+"/data")
			if err == nil {
				resp.Body.Close()
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int64(1), portal.logins.Load())
}

// TestGetReusesSession verifies no further logins happen once authenticated.
func TestGetReusesSession(t *testing.T) {
	t.Parallel()

	portal := newPortalServer(t)
	s := newTestSession(t, portal, false)

	for range 3 {
		resp, err := s.Get(context.Background(), portal.srv.URL+"/data")
		require.NoError(t, err)
		resp.Body.Close()
	}
	require.Equal(t, int64(1), portal.logins.Load())
}

// TestGetPropagatesFatalAuthError verifies a failed login surfaces to the
// caller instead of degrading into unauthenticated crawling.
func TestGetPropagatesFatalAuthError(t *testing.T) {
	t.Parallel()

	portal := newPortalServer(t)
	s := newTestSession(t, portal, true)

	_, err := s.Get(context.Background(), portal.srv.URL+"/data")
	require.Error(t, err)
	require.Contains(t, err.Error(), "credentials rejected")
	require.Equal(t, int64(0), portal.logins.Load())
}

// TestNewRequiresAuthenticator verifies the capability check happens at
// construction time.
func TestNewRequiresAuthenticator(t *testing.T) {
	t.Parallel()

	conductor := terminal.NewConductor(terminal.NewPrettyRenderer(io.Discard))
	_, err := New(Config{}, conductor, nil, nil)
	require.ErrorIs(t, err, auth.ErrNoAuthenticator)
}

// TestCookiesPersistAcrossSessions verifies a second session reuses the saved
// cookies without logging in again.
func TestCookiesPersistAcrossSessions(t *testing.T) {
	t.Parallel()

	portal := newPortalServer(t)
	cookiePath := filepath.Join(t.TempDir(), ".cookies")
	conductor := terminal.NewConductor(terminal.NewPrettyRenderer(io.Discard))

	newSess := func() *Session {
		s, err := New(
			Config{CookiePath: cookiePath, Timeout: 5 * time.Second},
			conductor,
			func(client auth.Doer) auth.Authenticator {
				return &grantAuthenticator{client: client, url: portal.srv.URL}
			},
			nil,
		)
		require.NoError(t, err)
		return s
	}

	first := newSess()
	resp, err := first.Get(context.Background(), portal.srv.URL+"/data")
	require.NoError(t, err)
	resp.Body.Close()
	first.Close(context.Background())
	require.Equal(t, int64(1), portal.logins.Load())

	second := newSess()
	resp, err = second.Get(context.Background(), portal.srv.URL+"/data")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, int64(1), portal.logins.Load(), "saved cookies should make the login redundant")
}
