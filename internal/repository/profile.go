package repository

import (
	"context"
	"fmt"

	"github.com/zhouzirui/lingo-exchange/client/internal/model/profile"
	"github.com/zhouzirui/lingo-exchange/client/internal/platform/rest"
)

// Profiles reads and writes profile rows.
type Profiles struct {
	db *rest.Client
}

// NewProfiles wraps db.
func NewProfiles(db *rest.Client) *Profiles {
	return &Profiles{db: db}
}

// GetProfile returns the profile of userID, or errs.ErrNotFound.
func (r *Profiles) GetProfile(ctx context.Context, userID string) (profile.Profile, error) {
	var p profile.Profile
	err := r.db.From(TableProfiles).Eq("id", userID).Single().Get(ctx, &p)
	if err != nil {
		return profile.Profile{}, fmt.Errorf("fetch profile %s: %w", userID, err)
	}
	return p, nil
}

// CreateProfile inserts p and returns the stored row.
func (r *Profiles) CreateProfile(ctx context.Context, p profile.Profile) (profile.Profile, error) {
	var created profile.Profile
	if err := r.db.From(TableProfiles).Single().Insert(ctx, p.Row(), &created); err != nil {
		return profile.Profile{}, fmt.Errorf("create profile %s: %w", p.ID, err)
	}
	return created, nil
}

// UpdateProfile writes the non-nil fields of u.
func (r *Profiles) UpdateProfile(ctx context.Context, userID string, u profile.Update) error {
	if u.Empty() {
		return nil
	}
	if err := r.db.From(TableProfiles).Eq("id", userID).Update(ctx, u); err != nil {
		return fmt.Errorf("update profile %s: %w", userID, err)
	}
	return nil
}
