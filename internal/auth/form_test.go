package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

const loginPage = `<html><body>
<form action="/do-login" method="post">
<input type="hidden" name="csrf" value="token-123">
<input type="text" name="username">
<input type="password" name="password">
</form>
</body></html>`

// TestFormAuthenticateSuccess verifies the authenticator carries hidden form
// fields through to the login POST and accepts a non-login response.
func TestFormAuthenticateSuccess(t *testing.T) {
	t.Parallel()

	postedCh := make(chan url.Values, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, loginPage)
	})
	mux.HandleFunc("/do-login", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		postedCh <- r.PostForm
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "abc"})
		fmt.Fprint(w, `<html><body>Welcome</body></html>`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := &http.Client{Jar: jar}

	a := NewFormAuthenticator(client, FormConfig{
		LoginURL: srv.URL + "/login",
		Username: "alice",
		Password: "hunter2",
	}, nil)

	require.NoError(t, a.Authenticate(context.Background()))
	posted := <-postedCh
	require.Equal(t, "alice", posted.Get("username"))
	require.Equal(t, "hunter2", posted.Get("password"))
	require.Equal(t, "token-123", posted.Get("csrf"))

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	require.NotEmpty(t, jar.Cookies(u))
}

// TestFormAuthenticateRejected asserts a bounce back to the login form is
// treated as rejected credentials.
func TestFormAuthenticateRejected(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, loginPage)
	})
	mux.HandleFunc("/do-login", func(w http.ResponseWriter, _ *http.Request) {
		// Wrong password: the portal re-renders the login form.
		fmt.Fprint(w, loginPage)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a := NewFormAuthenticator(srv.Client(), FormConfig{
		LoginURL: srv.URL + "/login",
		Username: "alice",
		Password: "wrong",
	}, nil)

	err := a.Authenticate(context.Background())
	require.ErrorIs(t, err, ErrLoginRejected)
}

// TestFormAuthenticateMissingForm verifies a page without a login form is an
// error rather than a silent no-op, and that the user is not prompted for a
// password the broken page could never accept.
func TestFormAuthenticateMissingForm(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><body>Maintenance</body></html>`)
	}))
	defer srv.Close()

	a := NewFormAuthenticator(srv.Client(), FormConfig{
		LoginURL: srv.URL,
		PasswordFunc: func(context.Context) (string, error) {
			t.Error("password prompted without a login form")
			return "", nil
		},
	}, nil)
	err := a.Authenticate(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "no form")
}
