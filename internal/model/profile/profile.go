package profile

import (
	"strings"
	"time"

	"github.com/zhouzirui/lingo-exchange/client/internal/model/auth"
)

// Profile is a row of the profiles table, keyed by the identity id.
type Profile struct {
	ID                  string     `json:"id"`
	Username            string     `json:"username"`
	FullName            string     `json:"full_name,omitempty"`
	AvatarURL           string     `json:"avatar_url,omitempty"`
	Bio                 string     `json:"bio,omitempty"`
	NativeLanguage      string     `json:"native_language,omitempty"`
	LearningLanguages   []string   `json:"learning_languages,omitempty"`
	OnboardingCompleted bool       `json:"onboarding_completed"`
	CreatedAt           time.Time  `json:"created_at"`
	LastOnline          *time.Time `json:"last_online,omitempty"`
	IsOnline            *bool      `json:"is_online,omitempty"`
}

// Update carries a partial profile write. Nil fields are left untouched.
type Update struct {
	Username            *string    `json:"username,omitempty"`
	FullName            *string    `json:"full_name,omitempty"`
	AvatarURL           *string    `json:"avatar_url,omitempty"`
	Bio                 *string    `json:"bio,omitempty"`
	NativeLanguage      *string    `json:"native_language,omitempty"`
	LearningLanguages   *[]string  `json:"learning_languages,omitempty"`
	OnboardingCompleted *bool      `json:"onboarding_completed,omitempty"`
	LastOnline          *time.Time `json:"last_online,omitempty"`
	IsOnline            *bool      `json:"is_online,omitempty"`
}

// Empty reports whether the update writes nothing.
func (u Update) Empty() bool {
	return u == Update{}
}

// Apply returns p with the non-nil fields of u written over it.
func (u Update) Apply(p Profile) Profile {
	if u.Username != nil {
		p.Username = *u.Username
	}
	if u.FullName != nil {
		p.FullName = *u.FullName
	}
	if u.AvatarURL != nil {
		p.AvatarURL = *u.AvatarURL
	}
	if u.Bio != nil {
		p.Bio = *u.Bio
	}
	if u.NativeLanguage != nil {
		p.NativeLanguage = *u.NativeLanguage
	}
	if u.LearningLanguages != nil {
		p.LearningLanguages = append([]string(nil), (*u.LearningLanguages)...)
	}
	if u.OnboardingCompleted != nil {
		p.OnboardingCompleted = *u.OnboardingCompleted
	}
	if u.LastOnline != nil {
		t := *u.LastOnline
		p.LastOnline = &t
	}
	if u.IsOnline != nil {
		v := *u.IsOnline
		p.IsOnline = &v
	}
	return p
}

// NewProfile is the insert payload for a profile row.
type NewProfile struct {
	ID                  string `json:"id"`
	Username            string `json:"username"`
	OnboardingCompleted bool   `json:"onboarding_completed"`
}

// Row returns the insert payload for p.
func (p Profile) Row() NewProfile {
	return NewProfile{ID: p.ID, Username: p.Username, OnboardingCompleted: p.OnboardingCompleted}
}

// DefaultFor builds the profile created lazily on the first authenticated
// session of user.
func DefaultFor(user auth.User) Profile {
	return Profile{
		ID:                  user.ID,
		Username:            UsernameFromEmail(user.Email, user.ID),
		OnboardingCompleted: false,
	}
}

// UsernameFromEmail derives a username from the local part of email, falling
// back to a prefix of the user id.
func UsernameFromEmail(email, userID string) string {
	local, _, _ := strings.Cut(strings.TrimSpace(email), "@")
	if local != "" {
		return local
	}
	if len(userID) > 8 {
		userID = userID[:8]
	}
	return "user-" + userID
}
