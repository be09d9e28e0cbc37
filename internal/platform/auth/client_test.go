package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/lingo-exchange/client/internal/errs"
	model "github.com/zhouzirui/lingo-exchange/client/internal/model/auth"
	"github.com/zhouzirui/lingo-exchange/client/internal/platform/transport"
)

func newAuthServer(t *testing.T) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Post("/auth/v1/token", func(w http.ResponseWriter, req *http.Request) {
		switch req.URL.Query().Get("grant_type") {
		case "password":
			var body map[string]string
			_ = json.NewDecoder(req.Body).Decode(&body)
			if body["password"] != "secret" {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Invalid login credentials"}`))
				return
			}
			_, _ = w.Write([]byte(`{"access_token":"at-1","refresh_token":"rt-1","token_type":"bearer","expires_in":3600,"user":{"id":"u-1","email":"alice@example.com"}}`))
		case "refresh_token":
			var body map[string]string
			_ = json.NewDecoder(req.Body).Decode(&body)
			if body["refresh_token"] == "revoked" {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Invalid Refresh Token"}`))
				return
			}
			_, _ = w.Write([]byte(`{"access_token":"at-2","refresh_token":"rt-2","token_type":"bearer","expires_in":3600,"user":{"id":"u-1","email":"alice@example.com"}}`))
		}
	})
	r.Get("/auth/v1/user", func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("Authorization") != "Bearer oauth-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"id":"u-2","email":"bob@example.com"}`))
	})
	r.Get("/rest/v1/profiles", func(w http.ResponseWriter, req *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"authorization": req.Header.Get("Authorization")})
	})
	r.Post("/auth/v1/logout", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	r.Post("/auth/v1/signup", func(w http.ResponseWriter, req *http.Request) {
		if !strings.HasPrefix(req.URL.Query().Get("redirect_to"), "http://app.test") {
			t.Errorf("missing redirect_to")
		}
		_, _ = w.Write([]byte(`{"id":"u-3","email":"new@example.com"}`))
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func nextEvent(t *testing.T, ch <-chan model.Event) model.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for auth event")
		return model.Event{}
	}
}

func TestSignInInstallsSessionAndNotifies(t *testing.T) {
	srv := newAuthServer(t)
	c := New(srv.URL, "anon")
	events, unsubscribe := c.OnAuthStateChange()
	defer unsubscribe()

	session, err := c.SignInWithPassword(context.Background(), "alice@example.com", "secret")
	if err != nil {
		t.Fatalf("SignIn err: %v", err)
	}
	if session.User.ID != "u-1" || c.AccessToken() != "at-1" {
		t.Fatalf("session not installed: %+v", session)
	}
	if session.ExpiresAt == 0 {
		t.Fatal("expires_at should be derived from expires_in")
	}

	ev := nextEvent(t, events)
	if ev.Kind != model.EventSignedIn || ev.Session == nil || ev.Session.User.Email != "alice@example.com" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestSignInBadCredentials(t *testing.T) {
	srv := newAuthServer(t)
	c := New(srv.URL, "anon")

	_, err := c.SignInWithPassword(context.Background(), "alice@example.com", "nope")
	if !errs.IsRemote(err) {
		t.Fatalf("expected remote error, got %v", err)
	}
	if c.AccessToken() != "" {
		t.Fatal("failed sign in must not install a session")
	}
}

func TestSessionRefreshesWhenExpired(t *testing.T) {
	srv := newAuthServer(t)
	c := New(srv.URL, "anon")
	if _, err := c.SignInWithPassword(context.Background(), "alice@example.com", "secret"); err != nil {
		t.Fatalf("SignIn err: %v", err)
	}
	events, unsubscribe := c.OnAuthStateChange()
	defer unsubscribe()

	c.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	session, err := c.Session(context.Background())
	if err != nil {
		t.Fatalf("Session err: %v", err)
	}
	if session.AccessToken != "at-2" {
		t.Fatalf("expected refreshed token, got %s", session.AccessToken)
	}
	if ev := nextEvent(t, events); ev.Kind != model.EventTokenRefreshed {
		t.Fatalf("expected TOKEN_REFRESHED, got %s", ev.Kind)
	}
}

func TestExpiredTokenIsRefreshedForPlatformCalls(t *testing.T) {
	srv := newAuthServer(t)
	c := New(srv.URL, "anon")
	if _, err := c.SignInWithPassword(context.Background(), "alice@example.com", "secret"); err != nil {
		t.Fatalf("SignIn err: %v", err)
	}
	events, unsubscribe := c.OnAuthStateChange()
	defer unsubscribe()

	c.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	caller := transport.NewCaller(srv.URL, "anon", c)
	var out map[string]string
	if _, err := caller.Do(context.Background(), transport.Request{Op: "get profiles", Method: http.MethodGet, Path: "/rest/v1/profiles", Out: &out}); err != nil {
		t.Fatalf("Do err: %v", err)
	}
	if out["authorization"] != "Bearer at-2" {
		t.Fatalf("expected refreshed bearer, got %q", out["authorization"])
	}
	if ev := nextEvent(t, events); ev.Kind != model.EventTokenRefreshed || ev.Session.AccessToken != "at-2" {
		t.Fatalf("expected TOKEN_REFRESHED, got %+v", ev)
	}

	// the refreshed session is valid again, so no second refresh happens
	if got := c.AccessToken(); got != "at-2" {
		t.Fatalf("unexpected token %q", got)
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected second event %s", ev.Kind)
	default:
	}
}

func TestConcurrentReadersShareOneRefresh(t *testing.T) {
	srv := newAuthServer(t)
	c := New(srv.URL, "anon")
	if _, err := c.SignInWithPassword(context.Background(), "alice@example.com", "secret"); err != nil {
		t.Fatalf("SignIn err: %v", err)
	}
	events, unsubscribe := c.OnAuthStateChange()
	defer unsubscribe()

	later := time.Now().Add(2 * time.Hour)
	c.now = func() time.Time { return later }

	var wg sync.WaitGroup
	tokens := make([]string, 8)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i] = c.AccessToken()
		}(i)
	}
	wg.Wait()

	for i, tok := range tokens {
		if tok != "at-2" {
			t.Fatalf("reader %d got %q", i, tok)
		}
	}
	if ev := nextEvent(t, events); ev.Kind != model.EventTokenRefreshed {
		t.Fatalf("expected TOKEN_REFRESHED, got %s", ev.Kind)
	}
	select {
	case ev := <-events:
		t.Fatalf("expected a single refresh, got another %s", ev.Kind)
	default:
	}
}

func TestFailedRefreshSignsOut(t *testing.T) {
	srv := newAuthServer(t)
	c := New(srv.URL, "anon")
	c.install(&model.Session{
		AccessToken:  "at-old",
		RefreshToken: "revoked",
		ExpiresAt:    time.Now().Add(-time.Minute).Unix(),
		User:         model.User{ID: "u-1"},
	}, model.EventSignedIn)
	events, unsubscribe := c.OnAuthStateChange()
	defer unsubscribe()

	if got := c.AccessToken(); got != "" {
		t.Fatalf("expired session must not yield a token, got %q", got)
	}
	ev := nextEvent(t, events)
	if ev.Kind != model.EventSignedOut || ev.Session != nil {
		t.Fatalf("expected SIGNED_OUT, got %+v", ev)
	}
	if s, err := c.Session(context.Background()); err != nil || s != nil {
		t.Fatalf("expected no session, got %+v (%v)", s, err)
	}
}

func TestSignOutClearsEvenOnRemoteFailure(t *testing.T) {
	srv := newAuthServer(t)
	c := New(srv.URL, "anon")
	if _, err := c.SignInWithPassword(context.Background(), "alice@example.com", "secret"); err != nil {
		t.Fatalf("SignIn err: %v", err)
	}
	events, unsubscribe := c.OnAuthStateChange()
	defer unsubscribe()

	if err := c.SignOut(context.Background()); err == nil {
		t.Fatal("expected remote failure to be reported")
	}
	if c.AccessToken() != "" {
		t.Fatal("local session must be cleared")
	}
	ev := nextEvent(t, events)
	if ev.Kind != model.EventSignedOut || ev.Session != nil {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestSessionFromURLCompletesProviderFlow(t *testing.T) {
	srv := newAuthServer(t)
	c := New(srv.URL, "anon")

	session, err := c.SessionFromURL(context.Background(),
		"http://app.test/dashboard#access_token=oauth-token&refresh_token=r&expires_in=3600&token_type=bearer")
	if err != nil {
		t.Fatalf("SessionFromURL err: %v", err)
	}
	if session.User.ID != "u-2" || session.ExpiresAt == 0 {
		t.Fatalf("unexpected session %+v", session)
	}
}

func TestSessionFromURLReportsProviderError(t *testing.T) {
	c := New("http://example.test", "anon")
	_, err := c.SessionFromURL(context.Background(), "http://app.test/#error=access_denied&error_description=denied")

	var remote *errs.RemoteError
	if !errors.As(err, &remote) || remote.Code != "access_denied" {
		t.Fatalf("expected provider error, got %v", err)
	}
}

func TestAuthorizeURL(t *testing.T) {
	c := New("http://example.test/", "anon")
	got, err := c.AuthorizeURL("google", "http://app.test/dashboard")
	if err != nil {
		t.Fatalf("AuthorizeURL err: %v", err)
	}
	want := "http://example.test/auth/v1/authorize?provider=google&redirect_to=http%3A%2F%2Fapp.test%2Fdashboard"
	if got != want {
		t.Fatalf("unexpected url\n got %s\nwant %s", got, want)
	}
	if _, err := c.AuthorizeURL(" ", ""); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSignUpDoesNotInstallSession(t *testing.T) {
	srv := newAuthServer(t)
	c := New(srv.URL, "anon")
	if err := c.SignUp(context.Background(), "new@example.com", "secret", "http://app.test/dashboard"); err != nil {
		t.Fatalf("SignUp err: %v", err)
	}
	if c.AccessToken() != "" {
		t.Fatal("sign up must not install a session")
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	c := New("http://example.test", "anon")
	events, unsubscribe := c.OnAuthStateChange()
	unsubscribe()
	unsubscribe()
	if _, ok := <-events; ok {
		t.Fatal("expected closed channel")
	}
}
