package itchio

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testSecret = "JBSWY3DPEHPK3PXP"

func TestNormalizeTOTP(t *testing.T) {
	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)

	code, err := NormalizeTOTP("", now)
	require.NoError(t, err)
	require.Empty(t, code)

	code, err = NormalizeTOTP("123456", now)
	require.NoError(t, err)
	require.Equal(t, "123456", code)

	fromSecret, err := NormalizeTOTP(testSecret, now)
	require.NoError(t, err)
	require.Len(t, fromSecret, 6)

	// case and spacing of the secret must not matter
	relaxed, err := NormalizeTOTP("jbsw y3dp ehpk 3pxp", now)
	require.NoError(t, err)
	require.Equal(t, fromSecret, relaxed)
}

func newTestClient(t *testing.T, server *httptest.Server) *Client {
	client, err := NewClient(context.Background(), ClientOptions{BaseUrl: server.URL})
	require.NoError(t, err)
	return client
}

func loginPage(csrf string) string {
	return fmt.Sprintf(`<html><body><form action="/login" method="post">
<input name="csrf_token" value="%s">
<input name="username"><input name="password">
</form></body></html>`, csrf)
}

func TestLogin(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /login", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, loginPage("tok123"))
	})
	mux.HandleFunc("POST /login", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "tok123", r.PostForm.Get("csrf_token"))
		if r.PostForm.Get("username") == "user" && r.PostForm.Get("password") == "pass" {
			http.Redirect(w, r, "/dashboard", http.StatusFound)
			return
		}
		fmt.Fprint(w, `<html><body><div class="form_errors"><ul><li>Incorrect username or password</li></ul></div></body></html>`)
	})
	mux.HandleFunc("GET /dashboard", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body>home</body></html>")
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	ctx := context.Background()

	t.Run("good credentials", func(t *testing.T) {
		client := newTestClient(t, server)
		require.NoError(t, client.Login(ctx, "user", "pass", ""))
	})

	t.Run("bad credentials", func(t *testing.T) {
		client := newTestClient(t, server)
		err := client.Login(ctx, "user", "wrong", "")

		var authErr *AuthError
		require.ErrorAs(t, err, &authErr)
		require.Contains(t, authErr.Message, "Incorrect username or password")
		require.False(t, authErr.Transient)
	})
}

func TestLoginWithSecondFactor(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /login", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, loginPage("tok123"))
	})
	mux.HandleFunc("POST /login", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/totp/verify", http.StatusFound)
	})
	mux.HandleFunc("GET /totp/verify", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><form method="post">
<input name="csrf_token" value="tok123">
<input name="code">
</form></body></html>`)
	})
	mux.HandleFunc("POST /totp/verify", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.PostForm.Get("code") == "123456" {
			http.Redirect(w, r, "/dashboard", http.StatusFound)
			return
		}
		fmt.Fprint(w, `<html><body><div class="form_errors"><ul><li>Invalid code</li></ul></div></body></html>`)
	})
	mux.HandleFunc("GET /dashboard", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body>home</body></html>")
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	ctx := context.Background()

	t.Run("with code", func(t *testing.T) {
		client := newTestClient(t, server)
		require.NoError(t, client.Login(ctx, "user", "pass", "123456"))
	})

	t.Run("missing code", func(t *testing.T) {
		client := newTestClient(t, server)
		err := client.Login(ctx, "user", "pass", "")

		var authErr *AuthError
		require.ErrorAs(t, err, &authErr)
		require.Contains(t, authErr.Message, "second factor")
	})

	t.Run("wrong code", func(t *testing.T) {
		client := newTestClient(t, server)
		err := client.Login(ctx, "user", "pass", "999999")

		var authErr *AuthError
		require.ErrorAs(t, err, &authErr)
		require.Contains(t, authErr.Message, "Invalid code")
	})
}

func TestGameClaimable(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/claimable", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><div class="buy_row"><a class="button buy_btn">Download or claim</a></div></body></html>`)
	})
	mux.HandleFunc("/download-only", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><div class="buy_row"><a class="button buy_btn">Download Now</a></div></body></html>`)
	})
	mux.HandleFunc("/limited", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	ctx := context.Background()
	client := newTestClient(t, server)

	claimable, err := client.GameClaimable(ctx, server.URL+"/claimable")
	require.NoError(t, err)
	require.True(t, claimable)

	claimable, err = client.GameClaimable(ctx, server.URL+"/download-only")
	require.NoError(t, err)
	require.False(t, claimable)

	_, err = client.GameClaimable(ctx, server.URL+"/limited")
	require.True(t, errors.Is(err, ErrRateLimited))
}
