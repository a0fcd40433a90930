package services

import (
	"context"
	"errors"
	"path"
	"strings"
	"time"

	"github.com/capsule-auction/backend/internal/apperr"
	"github.com/capsule-auction/backend/internal/config"
	"github.com/capsule-auction/backend/internal/models"
	"github.com/capsule-auction/backend/internal/ton"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const AvatarBucket = "avatars"

type ProfileService struct {
	profiles ProfileStore
	images   ImageStore
	cfg      *config.Config
	log      *zap.Logger
	now      func() time.Time
}

func NewProfileService(profiles ProfileStore, images ImageStore, cfg *config.Config, log *zap.Logger) *ProfileService {
	return &ProfileService{profiles: profiles, images: images, cfg: cfg, log: log, now: time.Now}
}

// EnsureProfile returns the actor's profile, provisioning a default one on
// first use instead of failing with PROFILE_MISSING.
func (s *ProfileService) EnsureProfile(ctx context.Context, actor Actor) (*models.Profile, error) {
	p, err := s.profiles.GetByID(ctx, actor.ID)
	if err != nil {
		return nil, err
	}
	if p != nil {
		return p, nil
	}

	fresh := models.DefaultProfile(actor.ID, actor.Email, s.now())
	p, err = s.profiles.Create(ctx, fresh)
	if errors.Is(err, apperr.ErrValidation) {
		// Default username taken by someone else.
		s.log.Debug("default username taken", zap.String("user_id", actor.ID.String()), zap.Stringp("username", fresh.Username))
		p, err = s.profiles.Create(ctx, fresh.WithUsernameSuffix())
		if errors.Is(err, apperr.ErrValidation) {
			anon := *fresh
			anon.Username = nil
			p, err = s.profiles.Create(ctx, &anon)
		}
	}
	if err != nil {
		return nil, err
	}
	s.log.Info("profile provisioned", zap.String("user_id", actor.ID.String()))
	return p, nil
}

func (s *ProfileService) Get(ctx context.Context, userID uuid.UUID) (*models.Profile, error) {
	p, err := s.profiles.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, apperr.New(apperr.CodeProfileMissing, "profile not found").WithDetail("user_id", userID.String())
	}
	return p, nil
}

func (s *ProfileService) Update(ctx context.Context, actor Actor, username, fullName *string) (*models.Profile, error) {
	if username != nil {
		u := strings.TrimSpace(*username)
		if len(u) < 3 || len(u) > 32 {
			return nil, apperr.Validation("username", "must be 3 to 32 characters")
		}
		username = &u
	}
	if fullName != nil {
		n := strings.TrimSpace(*fullName)
		if n == "" || len(n) > 100 {
			return nil, apperr.Validation("full_name", "must be 1 to 100 characters")
		}
		fullName = &n
	}
	if _, err := s.EnsureProfile(ctx, actor); err != nil {
		return nil, err
	}
	return s.profiles.Update(ctx, actor.ID, username, fullName)
}

func (s *ProfileService) SetWallet(ctx context.Context, actor Actor, addr string) (*models.Profile, error) {
	normalized, err := ton.NormalizeAddress(addr)
	if err != nil {
		return nil, err
	}
	if _, err := s.EnsureProfile(ctx, actor); err != nil {
		return nil, err
	}
	return s.profiles.SetWallet(ctx, actor.ID, normalized)
}

// UploadAvatar stores the image at avatars/<user>/<random>.<ext>.
func (s *ProfileService) UploadAvatar(ctx context.Context, actor Actor, file Upload) (*models.Profile, error) {
	if err := validateImage(file, s.cfg.MaxImageBytes); err != nil {
		return nil, err
	}
	if _, err := s.EnsureProfile(ctx, actor); err != nil {
		return nil, err
	}
	if err := s.images.EnsureBucket(ctx, AvatarBucket); err != nil {
		return nil, apperr.Infrastructure("ensure avatar bucket", err)
	}

	key := actor.ID.String() + "/" + uuid.NewString() + imageExt(file)
	url, err := s.images.Upload(ctx, AvatarBucket, key, file.Body, file.Size, file.ContentType)
	if err != nil {
		return nil, apperr.Infrastructure("upload avatar", err)
	}
	return s.profiles.SetAvatar(ctx, actor.ID, url)
}

func validateImage(file Upload, maxBytes int) error {
	if file.Body == nil || file.Size <= 0 {
		return apperr.Validation("image", "file is empty")
	}
	if maxBytes > 0 && file.Size > int64(maxBytes) {
		return apperr.Validation("image", "file is too large")
	}
	if !strings.HasPrefix(file.ContentType, "image/") {
		return apperr.Validation("image", "must be an image")
	}
	return nil
}

func imageExt(file Upload) string {
	if ext := strings.ToLower(path.Ext(file.Filename)); ext != "" && len(ext) <= 6 {
		return ext
	}
	if sub := strings.TrimPrefix(file.ContentType, "image/"); sub != "" && sub != file.ContentType {
		return "." + sub
	}
	return ".bin"
}
