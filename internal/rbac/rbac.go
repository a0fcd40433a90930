package rbac

import (
	"github.com/capsule-auction/backend/internal/models"
	"github.com/google/uuid"
)

// Role constants, relative to one capsule.
const (
	RoleCreator = "creator"
	RoleWinner  = "winner"
	RoleBidder  = "bidder"
)

// Permission constants
const (
	PermAcceptBid   = "accept_bid"
	PermPlaceBid    = "place_bid"
	PermViewContent = "view_content"
)

// RolePermissions defines what each role can do.
var RolePermissions = map[string][]string{
	RoleCreator: {
		PermAcceptBid, PermViewContent,
		// Creator CANNOT: PermPlaceBid
	},
	RoleWinner: {
		PermViewContent,
	},
	RoleBidder: {
		PermPlaceBid,
	},
}

// RoleFor returns the role userID plays on c. Anyone who is neither creator
// nor winner is a (potential) bidder.
func RoleFor(c *models.Capsule, userID uuid.UUID) string {
	switch {
	case c.CreatorID == userID:
		return RoleCreator
	case c.WinnerID != nil && *c.WinnerID == userID:
		return RoleWinner
	default:
		return RoleBidder
	}
}

// HasPermission checks if a role has a specific permission.
func HasPermission(role, permission string) bool {
	perms, ok := RolePermissions[role]
	if !ok {
		return false
	}
	for _, p := range perms {
		if p == permission {
			return true
		}
	}
	return false
}

// Can reports whether userID holds permission on c.
func Can(c *models.Capsule, userID uuid.UUID, permission string) bool {
	return HasPermission(RoleFor(c, userID), permission)
}
