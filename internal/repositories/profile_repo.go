package repositories

import (
	"context"
	"errors"

	"github.com/capsule-auction/backend/internal/apperr"
	"github.com/capsule-auction/backend/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ProfileRepo struct {
	pool *pgxpool.Pool
}

func NewProfileRepo(pool *pgxpool.Pool) *ProfileRepo {
	return &ProfileRepo{pool: pool}
}

const profileColumns = `id, username, full_name, avatar_url, wallet_address, created_at, updated_at`

func scanProfile(row pgx.Row) (*models.Profile, error) {
	var p models.Profile
	if err := row.Scan(&p.ID, &p.Username, &p.FullName, &p.AvatarURL, &p.WalletAddress, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetByID returns nil without error when the user has no profile yet.
func (r *ProfileRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Profile, error) {
	p, err := scanProfile(r.pool.QueryRow(ctx, `SELECT `+profileColumns+` FROM profiles WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Infrastructure("get profile", err)
	}
	return p, nil
}

// Create inserts p, or returns the existing row if another request
// provisioned the same user first. A username held by another user is a
// validation error.
func (r *ProfileRepo) Create(ctx context.Context, p *models.Profile) (*models.Profile, error) {
	created, err := scanProfile(r.pool.QueryRow(ctx, `
		INSERT INTO profiles (id, username, full_name, avatar_url, wallet_address)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET id = EXCLUDED.id
		RETURNING `+profileColumns,
		p.ID, p.Username, p.FullName, p.AvatarURL, p.WalletAddress))
	if isUniqueViolation(err) {
		return nil, apperr.Validation("username", "already taken")
	}
	if err != nil {
		return nil, apperr.Infrastructure("create profile", err)
	}
	return created, nil
}

// Update sets the display fields; nil arguments keep the stored value.
func (r *ProfileRepo) Update(ctx context.Context, id uuid.UUID, username, fullName *string) (*models.Profile, error) {
	return r.update(ctx, "update profile", `
		UPDATE profiles SET
			username = COALESCE($2, username),
			full_name = COALESCE($3, full_name),
			updated_at = now()
		WHERE id = $1
		RETURNING `+profileColumns, id, username, fullName)
}

func (r *ProfileRepo) SetWallet(ctx context.Context, id uuid.UUID, address string) (*models.Profile, error) {
	return r.update(ctx, "set wallet", `
		UPDATE profiles SET wallet_address = $2, updated_at = now()
		WHERE id = $1
		RETURNING `+profileColumns, id, address)
}

func (r *ProfileRepo) SetAvatar(ctx context.Context, id uuid.UUID, url string) (*models.Profile, error) {
	return r.update(ctx, "set avatar", `
		UPDATE profiles SET avatar_url = $2, updated_at = now()
		WHERE id = $1
		RETURNING `+profileColumns, id, url)
}

func (r *ProfileRepo) update(ctx context.Context, op, query string, args ...any) (*models.Profile, error) {
	p, err := scanProfile(r.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.CodeProfileMissing, "profile not found")
	}
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apperr.Validation("username", "already taken")
		}
		return nil, apperr.Infrastructure(op, err)
	}
	return p, nil
}
