package profile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"strings"
	"sync"

	"github.com/zhouzirui/lingo-exchange/client/internal/errs"
	"github.com/zhouzirui/lingo-exchange/client/internal/model/auth"
	"github.com/zhouzirui/lingo-exchange/client/internal/model/profile"
	"github.com/zhouzirui/lingo-exchange/client/internal/notify"
	"github.com/zhouzirui/lingo-exchange/client/internal/platform/storage"
)

// MaxAvatarBytes bounds avatar uploads.
const MaxAvatarBytes = 5 << 20

// DefaultAvatarBucket holds profile pictures.
const DefaultAvatarBucket = "profiles"

// ErrAvatarOutOfSync is returned when the avatar was stored but the profile
// could not be pointed at it. Retrying UpdateProfile with the returned URL
// repairs the record.
var ErrAvatarOutOfSync = errors.New("avatar uploaded but profile not updated")

// Identity exposes the signed-in user and the local profile copy.
type Identity interface {
	CurrentUser() (auth.User, bool)
	Profile() (profile.Profile, bool)
	SetProfile(p profile.Profile)
}

// Writer persists partial profile updates.
type Writer interface {
	UpdateProfile(ctx context.Context, userID string, u profile.Update) error
}

// AvatarStorage stores avatar objects.
type AvatarStorage interface {
	ListBuckets(ctx context.Context) ([]storage.Bucket, error)
	CreateBucket(ctx context.Context, bucket storage.Bucket) error
	Upload(ctx context.Context, bucket, path string, data []byte, contentType string, upsert bool) error
	PublicURL(bucket, path string) string
}

// Service edits the profile of the signed-in user.
type Service struct {
	identity Identity
	writer   Writer
	storage  AvatarStorage
	notifier notify.Notifier
	bucket   string

	bucketMu    sync.Mutex
	bucketReady bool
}

// NewService wires a profile Service. An empty bucket selects the default.
func NewService(identity Identity, writer Writer, store AvatarStorage, notifier notify.Notifier, bucket string) *Service {
	if notifier == nil {
		notifier = notify.Discard{}
	}
	if bucket == "" {
		bucket = DefaultAvatarBucket
	}
	return &Service{
		identity: identity,
		writer:   writer,
		storage:  store,
		notifier: notifier,
		bucket:   bucket,
	}
}

// UpdateProfile writes the non-nil fields of u. The local copy is updated
// before the remote write and restored if the write fails.
func (s *Service) UpdateProfile(ctx context.Context, u profile.Update) error {
	user, ok := s.identity.CurrentUser()
	if !ok {
		return errs.ErrUnauthenticated
	}
	if u.Empty() {
		return nil
	}

	previous, hadLocal := s.identity.Profile()
	if hadLocal {
		s.identity.SetProfile(u.Apply(previous))
	}

	if err := s.writer.UpdateProfile(ctx, user.ID, u); err != nil {
		if hadLocal {
			s.identity.SetProfile(previous)
		}
		log.Printf("[profile] error updating profile %s: %v", user.ID, err)
		s.notifier.Error("Failed to update profile")
		return fmt.Errorf("update profile: %w", err)
	}

	s.notifier.Success("Profile updated successfully")
	return nil
}

// UploadAvatar stores data as the avatar of the signed-in user and points the
// profile at its public URL.
func (s *Service) UploadAvatar(ctx context.Context, filename string, data []byte) (string, error) {
	user, ok := s.identity.CurrentUser()
	if !ok {
		return "", errs.ErrUnauthenticated
	}
	if len(data) > MaxAvatarBytes {
		s.notifier.Error("File size must be less than 5MB")
		return "", fmt.Errorf("avatar of %d bytes: %w", len(data), errs.ErrPayloadTooLarge)
	}

	if err := s.ensureBucket(ctx); err != nil {
		log.Printf("[profile] error preparing avatar bucket: %v", err)
		s.notifier.Error("Failed to upload avatar")
		return "", fmt.Errorf("prepare avatar bucket: %w", err)
	}

	objectPath := AvatarPath(user.ID, filename)
	if err := s.storage.Upload(ctx, s.bucket, objectPath, data, "", true); err != nil {
		log.Printf("[profile] error uploading avatar %s: %v", objectPath, err)
		s.notifier.Error("Failed to upload avatar")
		return "", fmt.Errorf("upload avatar: %w", err)
	}

	url := s.storage.PublicURL(s.bucket, objectPath)
	if err := s.UpdateProfile(ctx, profile.Update{AvatarURL: &url}); err != nil {
		return url, fmt.Errorf("%w: %w", ErrAvatarOutOfSync, err)
	}
	return url, nil
}

// CompleteOnboarding writes u and marks onboarding done.
func (s *Service) CompleteOnboarding(ctx context.Context, u profile.Update) error {
	done := true
	u.OnboardingCompleted = &done
	return s.UpdateProfile(ctx, u)
}

// ensureBucket creates the avatar bucket when missing. A successful check is
// remembered for the life of the process.
func (s *Service) ensureBucket(ctx context.Context) error {
	s.bucketMu.Lock()
	defer s.bucketMu.Unlock()
	if s.bucketReady {
		return nil
	}

	buckets, err := s.storage.ListBuckets(ctx)
	if err != nil {
		return err
	}
	for _, b := range buckets {
		if b.Name == s.bucket || b.ID == s.bucket {
			s.bucketReady = true
			return nil
		}
	}

	err = s.storage.CreateBucket(ctx, storage.Bucket{
		Name:          s.bucket,
		Public:        true,
		FileSizeLimit: MaxAvatarBytes,
	})
	if err != nil {
		return err
	}
	log.Printf("[profile] created bucket %s", s.bucket)
	s.bucketReady = true
	return nil
}

// AvatarPath returns the object path of a user's avatar. Every upload for a
// user overwrites the same object for a given extension.
func AvatarPath(userID, filename string) string {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(filename)), ".")
	if ext == "" {
		ext = "png"
	}
	return fmt.Sprintf("avatars/%s.%s", userID, ext)
}
