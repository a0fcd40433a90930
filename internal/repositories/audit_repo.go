package repositories

import (
	"context"

	"github.com/capsule-auction/backend/internal/apperr"
	"github.com/capsule-auction/backend/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type AuditRepo struct {
	pool *pgxpool.Pool
}

func NewAuditRepo(pool *pgxpool.Pool) *AuditRepo {
	return &AuditRepo{pool: pool}
}

// GetByEntity returns the audit trail of one capsule or bid, newest first.
func (r *AuditRepo) GetByEntity(ctx context.Context, entityType string, entityID uuid.UUID, limit, offset int) ([]models.AuditLog, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, actor_user_id, actor_type, action, entity_type, entity_id, meta, created_at
		FROM audit_log WHERE entity_type = $1 AND entity_id = $2
		ORDER BY created_at DESC LIMIT $3 OFFSET $4
	`, entityType, entityID, limit, offset)
	if err != nil {
		return nil, apperr.Infrastructure("list audit log", err)
	}
	defer rows.Close()

	logs := []models.AuditLog{}
	for rows.Next() {
		var l models.AuditLog
		if err := rows.Scan(&l.ID, &l.ActorUserID, &l.ActorType, &l.Action, &l.EntityType, &l.EntityID, &l.Meta, &l.CreatedAt); err != nil {
			return nil, apperr.Infrastructure("scan audit log", err)
		}
		logs = append(logs, l)
	}
	return logs, apperr.Infrastructure("list audit log", rows.Err())
}
