package models

import (
	"time"

	"github.com/google/uuid"
)

// Audit actions
const (
	AuditCapsuleCreated = "capsule_created"
	AuditCapsuleOpened  = "capsule_opened"
	AuditBidPlaced      = "bid_placed"
	AuditBidAccepted    = "bid_accepted"
	AuditBidCacheFixed  = "bid_cache_reconciled"
)

const (
	EntityCapsule = "capsule"

	ActorUser   = "user"
	ActorSystem = "system"
)

type AuditLog struct {
	ID          uuid.UUID  `json:"id"`
	ActorUserID *uuid.UUID `json:"actor_user_id,omitempty"`
	ActorType   string     `json:"actor_type"` // user/system
	Action      string     `json:"action"`
	EntityType  string     `json:"entity_type"`
	EntityID    *uuid.UUID `json:"entity_id,omitempty"`
	Meta        any        `json:"meta,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}
