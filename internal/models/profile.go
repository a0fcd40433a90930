package models

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Profile struct {
	ID            uuid.UUID `json:"id"`
	Username      *string   `json:"username,omitempty"`
	FullName      *string   `json:"full_name,omitempty"`
	AvatarURL     *string   `json:"avatar_url,omitempty"`
	WalletAddress *string   `json:"wallet_address,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type ProfileSummary struct {
	ID        uuid.UUID `json:"id"`
	Username  *string   `json:"username,omitempty"`
	AvatarURL *string   `json:"avatar_url,omitempty"`
}

// DefaultProfile builds the minimal profile provisioned when a user acts
// before setting one up. The username comes from the email local part, or
// user_<last 4 digits of the unix millis> when no email is known.
func DefaultProfile(userID uuid.UUID, email string, now time.Time) *Profile {
	var username, fullName string
	if local, _, ok := strings.Cut(email, "@"); ok && local != "" {
		username = local
		fullName = local
	} else {
		ms := strconv.FormatInt(now.UnixMilli(), 10)
		username = "user_" + ms[len(ms)-4:]
		fullName = "User"
	}
	return &Profile{
		ID:       userID,
		Username: &username,
		FullName: &fullName,
	}
}

// WithUsernameSuffix returns a copy of p whose username carries the first
// eight characters of the user id, used when the default name is taken.
func (p Profile) WithUsernameSuffix() *Profile {
	base := "user"
	if p.Username != nil && *p.Username != "" {
		base = *p.Username
	}
	username := base + "_" + p.ID.String()[:8]
	p.Username = &username
	return &p
}
