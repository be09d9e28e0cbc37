// Package auth is a client for the hosted GoTrue-style auth service.
package auth

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zhouzirui/lingo-exchange/client/internal/errs"
	model "github.com/zhouzirui/lingo-exchange/client/internal/model/auth"
	"github.com/zhouzirui/lingo-exchange/client/internal/platform/transport"
)

const listenerBuffer = 16

// Client holds the current session in memory and notifies listeners of
// every change to it.
type Client struct {
	caller *transport.Caller
	now    func() time.Time

	// refreshMu lets one caller refresh an expired session while the others
	// wait for its result.
	refreshMu sync.Mutex

	mu        sync.RWMutex
	session   *model.Session
	listeners map[int]chan model.Event
	nextID    int
}

// New returns an auth client for the platform at baseURL.
func New(baseURL, apiKey string) *Client {
	return &Client{
		caller:    transport.NewCaller(baseURL, apiKey, nil),
		now:       time.Now,
		listeners: make(map[int]chan model.Event),
	}
}

// AccessToken returns the bearer token of the current session, or "". An
// expired session is refreshed first; when the refresh fails the session is
// dropped and "" returned.
func (c *Client) AccessToken() string {
	current := c.CurrentSession()
	if current == nil {
		return ""
	}
	if !current.Expired(c.now()) {
		return current.AccessToken
	}

	ctx, cancel := context.WithTimeout(context.Background(), transport.DefaultTimeout)
	defer cancel()
	session, err := c.refreshExpired(ctx)
	if err != nil {
		log.Printf("[auth] failed to refresh expired session: %v", err)
		return ""
	}
	if session == nil {
		return ""
	}
	return session.AccessToken
}

// CurrentSession returns the installed session as is, without refreshing it.
func (c *Client) CurrentSession() *model.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copySession(c.session)
}

// SignUp registers a new identity. The service sends a verification email;
// no session is installed until the user signs in.
func (c *Client) SignUp(ctx context.Context, email, password, redirectTo string) error {
	path := "/auth/v1/signup"
	if redirectTo != "" {
		path += "?redirect_to=" + url.QueryEscape(redirectTo)
	}
	_, err := c.caller.Do(ctx, transport.Request{
		Op:     "sign up",
		Method: http.MethodPost,
		Path:   path,
		JSON:   map[string]string{"email": email, "password": password},
	})
	return err
}

// SignInWithPassword exchanges credentials for a session and emits SIGNED_IN.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*model.Session, error) {
	var session model.Session
	_, err := c.caller.Do(ctx, transport.Request{
		Op:     "sign in",
		Method: http.MethodPost,
		Path:   "/auth/v1/token?grant_type=password",
		JSON:   map[string]string{"email": email, "password": password},
		Out:    &session,
	})
	if err != nil {
		return nil, err
	}
	return c.install(&session, model.EventSignedIn), nil
}

// AuthorizeURL returns the provider redirect that starts an OAuth sign-in.
// Completion arrives through SessionFromURL and the change stream.
func (c *Client) AuthorizeURL(provider, redirectTo string) (string, error) {
	provider = strings.TrimSpace(provider)
	if provider == "" {
		return "", fmt.Errorf("%w: provider is required", errs.ErrValidation)
	}
	params := url.Values{}
	params.Set("provider", provider)
	if redirectTo != "" {
		params.Set("redirect_to", redirectTo)
	}
	return c.caller.BaseURL + "/auth/v1/authorize?" + params.Encode(), nil
}

// SessionFromURL completes a redirect sign-in from the callback URL, whose
// fragment (or query) carries the issued tokens.
func (c *Client) SessionFromURL(ctx context.Context, callbackURL string) (*model.Session, error) {
	parsed, err := url.Parse(callbackURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid callback url: %v", errs.ErrValidation, err)
	}
	params, err := url.ParseQuery(parsed.Fragment)
	if err != nil || len(params) == 0 {
		params = parsed.Query()
	}

	if desc := params.Get("error_description"); desc != "" || params.Get("error") != "" {
		return nil, &errs.RemoteError{Op: "oauth callback", Status: http.StatusUnauthorized, Code: params.Get("error"), Message: desc}
	}

	session := model.Session{
		AccessToken:  params.Get("access_token"),
		RefreshToken: params.Get("refresh_token"),
		TokenType:    params.Get("token_type"),
	}
	if session.AccessToken == "" {
		return nil, fmt.Errorf("%w: callback carries no access token", errs.ErrValidation)
	}
	if v, err := strconv.ParseInt(params.Get("expires_in"), 10, 64); err == nil {
		session.ExpiresIn = v
	}
	if v, err := strconv.ParseInt(params.Get("expires_at"), 10, 64); err == nil {
		session.ExpiresAt = v
	} else if session.ExpiresIn > 0 {
		session.ExpiresAt = c.now().Unix() + session.ExpiresIn
	}

	user, err := c.fetchUser(ctx, session.AccessToken)
	if err != nil {
		return nil, err
	}
	session.User = user

	return c.install(&session, model.EventSignedIn), nil
}

// Session returns the current session, refreshing it when the access token
// has expired. It returns nil when signed out.
func (c *Client) Session(ctx context.Context) (*model.Session, error) {
	current := c.CurrentSession()
	if current == nil || !current.Expired(c.now()) {
		return current, nil
	}
	return c.refreshExpired(ctx)
}

// refreshExpired refreshes the session once however many callers find it
// expired at the same time. Callers that waited get the refreshed session.
func (c *Client) refreshExpired(ctx context.Context) (*model.Session, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	current := c.CurrentSession()
	if current == nil || !current.Expired(c.now()) {
		return current, nil
	}
	log.Printf("[auth] access token expired, refreshing session of %s", current.User.ID)
	return c.refresh(ctx, current.RefreshToken)
}

func (c *Client) refresh(ctx context.Context, refreshToken string) (*model.Session, error) {
	var session model.Session
	_, err := c.caller.Do(ctx, transport.Request{
		Op:     "refresh session",
		Method: http.MethodPost,
		Path:   "/auth/v1/token?grant_type=refresh_token",
		JSON:   map[string]string{"refresh_token": refreshToken},
		Out:    &session,
	})
	if err != nil {
		c.install(nil, model.EventSignedOut)
		return nil, err
	}
	return c.install(&session, model.EventTokenRefreshed), nil
}

func (c *Client) fetchUser(ctx context.Context, token string) (model.User, error) {
	var user model.User
	_, err := c.caller.Do(ctx, transport.Request{
		Op:     "get user",
		Method: http.MethodGet,
		Path:   "/auth/v1/user",
		Bearer: token,
		Out:    &user,
	})
	return user, err
}

// SignOut revokes the session remotely. The local session is dropped and
// SIGNED_OUT emitted even when the remote call fails.
func (c *Client) SignOut(ctx context.Context) error {
	var err error
	if current := c.CurrentSession(); current != nil {
		_, err = c.caller.Do(ctx, transport.Request{
			Op:     "sign out",
			Method: http.MethodPost,
			Path:   "/auth/v1/logout",
			Bearer: current.AccessToken,
		})
	}
	c.install(nil, model.EventSignedOut)
	return err
}

// OnAuthStateChange registers a listener. The returned function removes it and
// closes the channel; it is safe to call more than once.
func (c *Client) OnAuthStateChange() (<-chan model.Event, func()) {
	ch := make(chan model.Event, listenerBuffer)

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = ch
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
			close(ch)
		})
	}
}

func (c *Client) install(session *model.Session, kind model.EventKind) *model.Session {
	c.mu.Lock()
	c.session = copySession(session)
	if c.session != nil && c.session.ExpiresAt == 0 && c.session.ExpiresIn > 0 {
		c.session.ExpiresAt = c.now().Unix() + c.session.ExpiresIn
	}
	event := model.Event{Kind: kind, Session: copySession(c.session)}
	for id, ch := range c.listeners {
		select {
		case ch <- event:
		default:
			log.Printf("[auth] listener %d is full, dropping %s", id, kind)
		}
	}
	c.mu.Unlock()
	return event.Session
}

func copySession(s *model.Session) *model.Session {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}
