// Package guard decides where navigation lands given session and profile
// state.
package guard

import (
	"strings"
	"sync"

	"github.com/zhouzirui/lingo-exchange/client/internal/model/profile"
)

// Route is an application path.
type Route string

const (
	RouteHome       Route = "/"
	RouteLogin      Route = "/login"
	RouteSignup     Route = "/signup"
	RouteOnboarding Route = "/onboarding"
	RouteDashboard  Route = "/dashboard"
)

// Action is the outcome of a navigation decision.
type Action string

const (
	ActionWait     Action = "wait"
	ActionAllow    Action = "allow"
	ActionRedirect Action = "redirect"
)

// State is the session view the guard decides on.
type State struct {
	Loading       bool
	Authenticated bool
	Profile       *profile.Profile
}

// Request is a navigation attempt.
type Request struct {
	Path        string
	RequireAuth bool
}

// Decision tells the caller whether to render, wait or redirect.
type Decision struct {
	Action Action `json:"action"`
	Route  Route  `json:"route,omitempty"`
}

// Decide applies the navigation rules. The onboarding flag is the only gate
// between onboarding and the main application.
func Decide(s State, req Request) Decision {
	if s.Loading {
		return Decision{Action: ActionWait}
	}

	path := normalize(req.Path)

	if !s.Authenticated {
		if req.RequireAuth {
			return Decision{Action: ActionRedirect, Route: RouteLogin}
		}
		return Decision{Action: ActionAllow, Route: Route(path)}
	}

	if s.Profile != nil && !s.Profile.OnboardingCompleted {
		if Route(path) == RouteOnboarding {
			return Decision{Action: ActionAllow, Route: RouteOnboarding}
		}
		return Decision{Action: ActionRedirect, Route: RouteOnboarding}
	}

	if PublicOnly(path) {
		return Decision{Action: ActionRedirect, Route: RouteDashboard}
	}
	return Decision{Action: ActionAllow, Route: Route(path)}
}

// PublicOnly reports whether path is meant for signed-out visitors only.
func PublicOnly(path string) bool {
	switch Route(normalize(path)) {
	case RouteHome, RouteLogin, RouteSignup:
		return true
	}
	return false
}

func normalize(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return string(RouteHome)
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
	}
	return path
}

// Navigator receives redirects requested outside a page render, such as after
// sign-in.
type Navigator interface {
	Navigate(route Route)
}

// Recorder is a Navigator that remembers the last requested route until it is
// taken.
type Recorder struct {
	mu      sync.Mutex
	pending Route
}

func (r *Recorder) Navigate(route Route) {
	r.mu.Lock()
	r.pending = route
	r.mu.Unlock()
}

// Take returns and clears the pending route.
func (r *Recorder) Take() (Route, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	route := r.pending
	r.pending = ""
	return route, route != ""
}
