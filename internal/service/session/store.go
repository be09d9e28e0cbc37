// Package session owns the authenticated identity, its session tokens and the
// derived profile record.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/zhouzirui/lingo-exchange/client/internal/errs"
	"github.com/zhouzirui/lingo-exchange/client/internal/model/auth"
	"github.com/zhouzirui/lingo-exchange/client/internal/model/profile"
	"github.com/zhouzirui/lingo-exchange/client/internal/notify"
	"github.com/zhouzirui/lingo-exchange/client/internal/service/guard"
)

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("session store already started")

// AuthClient is the hosted auth service.
type AuthClient interface {
	SignUp(ctx context.Context, email, password, redirectTo string) error
	SignInWithPassword(ctx context.Context, email, password string) (*auth.Session, error)
	AuthorizeURL(provider, redirectTo string) (string, error)
	SessionFromURL(ctx context.Context, callbackURL string) (*auth.Session, error)
	Session(ctx context.Context) (*auth.Session, error)
	CurrentSession() *auth.Session
	SignOut(ctx context.Context) error
	OnAuthStateChange() (<-chan auth.Event, func())
}

// ProfileStore reads and writes profile rows.
type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (profile.Profile, error)
	CreateProfile(ctx context.Context, p profile.Profile) (profile.Profile, error)
	UpdateProfile(ctx context.Context, userID string, u profile.Update) error
}

// IdentityHook observes identity changes. user is nil after sign-out.
type IdentityHook func(user *auth.User)

// Options configures a Store.
type Options struct {
	// RedirectURL is where verification emails and provider flows return to.
	RedirectURL    string
	Notifier       notify.Notifier
	Navigator      guard.Navigator
	OnTokenRefresh func(token string)
}

// Snapshot is a consistent read of the store.
type Snapshot struct {
	Session       *auth.Session    `json:"-"`
	User          *auth.User       `json:"user"`
	Profile       *profile.Profile `json:"profile"`
	Loading       bool             `json:"loading"`
	Authenticated bool             `json:"authenticated"`
}

// GuardState converts the snapshot for navigation decisions.
func (s Snapshot) GuardState() guard.State {
	return guard.State{Loading: s.Loading, Authenticated: s.Authenticated, Profile: s.Profile}
}

// Store is the explicitly constructed session context handed to the
// components that need the current identity.
type Store struct {
	auth     AuthClient
	profiles ProfileStore
	opts     Options
	now      func() time.Time

	// applyMu serializes state replacement so lazy profile creation runs once.
	applyMu sync.Mutex

	mu          sync.RWMutex
	session     *auth.Session
	profile     *profile.Profile
	started     bool
	pending     int
	hooks       []IdentityHook
	cancel      context.CancelFunc
	unsubscribe func()
	done        chan struct{}
}

// NewStore builds a Store. Call Start to restore and follow the session.
func NewStore(authClient AuthClient, profiles ProfileStore, opts Options) *Store {
	if opts.Notifier == nil {
		opts.Notifier = notify.Discard{}
	}
	return &Store{
		auth:     authClient,
		profiles: profiles,
		opts:     opts,
		now:      time.Now,
	}
}

// OnIdentity registers a hook called whenever the signed-in user changes.
func (s *Store) OnIdentity(hook IdentityHook) {
	s.mu.Lock()
	s.hooks = append(s.hooks, hook)
	s.mu.Unlock()
}

// Start restores the current session and subscribes, for the lifetime of the
// store, to auth changes. Close releases the subscription.
func (s *Store) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.pending++
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	events, unsubscribe := s.auth.OnAuthStateChange()
	s.mu.Lock()
	s.unsubscribe = unsubscribe
	s.mu.Unlock()

	current, err := s.auth.Session(ctx)
	if err != nil {
		log.Printf("[session] error initializing auth: %v", err)
		s.opts.Notifier.Error("Authentication error. Please try again.")
	} else if current != nil {
		s.apply(ctx, auth.Event{Kind: auth.EventInitialSession, Session: current})
	}
	s.endOp()

	go s.loop(loopCtx, events)
	return err
}

func (s *Store) loop(ctx context.Context, events <-chan auth.Event) {
	defer close(s.done)
	for ev := range events {
		log.Printf("[session] auth state changed: %s", ev.Kind)
		s.apply(ctx, ev)
	}
}

// superseded reports whether ev repeats the state the store already holds or
// describes a session the auth client has since replaced. Sign-in and
// sign-out apply their result directly, so the stream echoes them later.
func (s *Store) superseded(ev auth.Event) bool {
	token := tokenOf(ev.Session)
	if token != tokenOf(s.auth.CurrentSession()) {
		return true
	}
	if ev.Kind == auth.EventUserUpdated {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return token == tokenOf(s.session)
}

func tokenOf(session *auth.Session) string {
	if session == nil {
		return ""
	}
	return session.AccessToken
}

// Close tears down the auth-change subscription.
func (s *Store) Close() {
	s.mu.Lock()
	unsubscribe, cancel, done := s.unsubscribe, s.cancel, s.done
	s.unsubscribe = nil
	s.mu.Unlock()

	if unsubscribe == nil {
		return
	}
	unsubscribe()
	cancel()
	<-done
}

// apply fully replaces session, user and profile from one auth event. Events
// the store has already applied, and events for a session that is no longer
// current, are skipped.
func (s *Store) apply(ctx context.Context, ev auth.Event) {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	if s.superseded(ev) {
		log.Printf("[session] skipping %s, already reflected in local state", ev.Kind)
		return
	}

	prev := s.userID()

	if ev.Session == nil {
		s.mu.Lock()
		s.session, s.profile = nil, nil
		s.mu.Unlock()
		s.fireHooks(prev, nil)
		return
	}

	session := *ev.Session
	s.mu.Lock()
	s.session = &session
	s.mu.Unlock()

	p, err := s.loadOrCreateProfile(ctx, session.User)
	if err != nil {
		log.Printf("[session] error fetching profile for %s: %v", session.User.ID, err)
	}

	s.mu.Lock()
	s.profile = p
	s.mu.Unlock()

	if ev.Kind == auth.EventTokenRefreshed && s.opts.OnTokenRefresh != nil {
		s.opts.OnTokenRefresh(session.AccessToken)
	}

	user := session.User
	s.fireHooks(prev, &user)
}

func (s *Store) fireHooks(prev string, user *auth.User) {
	next := ""
	if user != nil {
		next = user.ID
	}
	if prev == next {
		return
	}
	s.mu.RLock()
	hooks := append([]IdentityHook(nil), s.hooks...)
	s.mu.RUnlock()
	for _, hook := range hooks {
		hook(user)
	}
}

func (s *Store) loadOrCreateProfile(ctx context.Context, user auth.User) (*profile.Profile, error) {
	p, err := s.profiles.GetProfile(ctx, user.ID)
	if err == nil {
		return &p, nil
	}
	if !errors.Is(err, errs.ErrNotFound) {
		return nil, err
	}

	created, err := s.profiles.CreateProfile(ctx, profile.DefaultFor(user))
	if err != nil {
		return nil, fmt.Errorf("create default profile: %w", err)
	}
	log.Printf("[session] created profile %s for %s", created.Username, user.ID)
	return &created, nil
}

// SignUp registers a new identity. No session is established until the
// address is verified.
func (s *Store) SignUp(ctx context.Context, email, password string) error {
	s.beginOp()
	defer s.endOp()

	if err := s.auth.SignUp(ctx, email, password, s.opts.RedirectURL); err != nil {
		log.Printf("[session] error during sign up: %v", err)
		s.opts.Notifier.Error("Sign up failed: " + errorMessage(err))
		return fmt.Errorf("sign up: %w", err)
	}
	s.opts.Notifier.Success("Sign up successful! Please check your email to verify your account.")
	return nil
}

// SignIn authenticates with email and password, loads the profile and routes
// to the dashboard.
func (s *Store) SignIn(ctx context.Context, email, password string) error {
	s.beginOp()
	defer s.endOp()

	session, err := s.auth.SignInWithPassword(ctx, email, password)
	if err != nil {
		log.Printf("[session] error during sign in: %v", err)
		s.opts.Notifier.Error("Sign in failed: " + errorMessage(err))
		return fmt.Errorf("sign in: %w", err)
	}

	s.apply(ctx, auth.Event{Kind: auth.EventSignedIn, Session: session})
	s.markPresence(ctx, session.User.ID, true)

	s.opts.Notifier.Success("Sign in successful!")
	s.navigate(guard.RouteDashboard)
	return nil
}

// SignInWithProvider starts a redirect-based provider flow and returns the URL
// to send the user to. Completion arrives through the auth-change stream.
func (s *Store) SignInWithProvider(_ context.Context, provider string) (string, error) {
	target, err := s.auth.AuthorizeURL(provider, s.opts.RedirectURL)
	if err != nil {
		log.Printf("[session] error signing in with %s: %v", provider, err)
		s.opts.Notifier.Error(fmt.Sprintf("Failed to sign in with %s. Please try again.", provider))
		return "", fmt.Errorf("sign in with %s: %w", provider, err)
	}
	return target, nil
}

// CompleteProviderSignIn installs the session carried by the provider
// callback URL.
func (s *Store) CompleteProviderSignIn(ctx context.Context, callbackURL string) error {
	s.beginOp()
	defer s.endOp()

	session, err := s.auth.SessionFromURL(ctx, callbackURL)
	if err != nil {
		log.Printf("[session] provider callback failed: %v", err)
		s.opts.Notifier.Error("Sign in failed: " + errorMessage(err))
		return fmt.Errorf("complete provider sign in: %w", err)
	}
	s.apply(ctx, auth.Event{Kind: auth.EventSignedIn, Session: session})
	s.markPresence(ctx, session.User.ID, true)
	s.navigate(guard.RouteDashboard)
	return nil
}

// SignOut ends the session. Local session, user and profile are cleared even
// when the remote call fails; the remote error is still returned.
func (s *Store) SignOut(ctx context.Context) error {
	s.beginOp()
	defer s.endOp()

	if userID := s.userID(); userID != "" {
		s.markPresence(ctx, userID, false)
	}

	err := s.auth.SignOut(ctx)
	s.apply(ctx, auth.Event{Kind: auth.EventSignedOut})
	s.navigate(guard.RouteLogin)

	if err != nil {
		log.Printf("[session] error signing out: %v", err)
		s.opts.Notifier.Error("Failed to sign out cleanly. Local session was cleared.")
		return fmt.Errorf("sign out: %w", err)
	}
	s.opts.Notifier.Success("Signed out successfully")
	return nil
}

// markPresence records online state on the profile. Failures are logged only.
func (s *Store) markPresence(ctx context.Context, userID string, online bool) {
	now := s.now().UTC()
	update := profile.Update{IsOnline: &online, LastOnline: &now}
	if err := s.profiles.UpdateProfile(ctx, userID, update); err != nil {
		log.Printf("[session] failed to record presence for %s: %v", userID, err)
		return
	}
	s.mu.Lock()
	if s.profile != nil && s.profile.ID == userID {
		p := update.Apply(*s.profile)
		s.profile = &p
	}
	s.mu.Unlock()
}

func (s *Store) navigate(route guard.Route) {
	if s.opts.Navigator != nil {
		s.opts.Navigator.Navigate(route)
	}
}

func (s *Store) beginOp() {
	s.mu.Lock()
	s.pending++
	s.mu.Unlock()
}

func (s *Store) endOp() {
	s.mu.Lock()
	s.pending--
	s.mu.Unlock()
}

func (s *Store) userID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return ""
	}
	return s.session.User.ID
}

// CurrentUser returns the signed-in user.
func (s *Store) CurrentUser() (auth.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return auth.User{}, false
	}
	return s.session.User, true
}

// Profile returns the profile of the signed-in user, when loaded.
func (s *Store) Profile() (profile.Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.profile == nil {
		return profile.Profile{}, false
	}
	return *s.profile, true
}

// SetProfile replaces the local profile when it belongs to the signed-in user.
func (s *Store) SetProfile(p profile.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil || s.session.User.ID != p.ID {
		return
	}
	s.profile = &p
}

// Session returns a copy of the current session.
func (s *Store) Session() (auth.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return auth.Session{}, false
	}
	return *s.session, true
}

// AccessToken returns the current bearer token, or "".
func (s *Store) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return ""
	}
	return s.session.AccessToken
}

// Authenticated reports whether a session is present.
func (s *Store) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session != nil
}

// Loading reports whether the store is restoring or changing the session.
func (s *Store) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.started || s.pending > 0
}

// Snapshot returns a consistent copy of the store state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{Loading: !s.started || s.pending > 0, Authenticated: s.session != nil}
	if s.session != nil {
		session := *s.session
		user := session.User
		snap.Session = &session
		snap.User = &user
	}
	if s.profile != nil {
		p := *s.profile
		snap.Profile = &p
	}
	return snap
}

func errorMessage(err error) string {
	var remote *errs.RemoteError
	if errors.As(err, &remote) && remote.Message != "" {
		return remote.Message
	}
	return err.Error()
}
