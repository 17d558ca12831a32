// Package audit persists emergency bypass decisions for later review.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/medrelay/admission/internal/models"
	"github.com/medrelay/admission/internal/ratelimit"
)

// Recorder writes grant audit rows. A nil Recorder is a no-op, so audit
// storage stays optional.
type Recorder struct {
	db *gorm.DB
}

// NewRecorder constructs a Recorder over an open audit database.
func NewRecorder(db *gorm.DB) *Recorder {
	return &Recorder{db: db}
}

// RecordGrant appends one grant or denied-elevation row.
func (r *Recorder) RecordGrant(ctx context.Context, grant ratelimit.Grant, granted bool) error {
	if r == nil || r.db == nil {
		return nil
	}
	row := models.EmergencyGrant{
		GrantID:   grant.ID,
		SubjectID: grant.SubjectID,
		Role:      string(grant.Role),
		Operation: string(grant.Operation),
		Granted:   granted,
		Reason:    grant.Reason,
	}
	if granted {
		expiry := grant.Expiry
		row.ExpiresAt = &expiry
	}
	meta, errMarshal := json.Marshal(map[string]any{
		"recorded_at": time.Now().UTC().Format(time.RFC3339),
	})
	if errMarshal == nil {
		row.Meta = datatypes.JSON(meta)
	}
	if errCreate := r.db.WithContext(ctx).Create(&row).Error; errCreate != nil {
		return fmt.Errorf("audit: record grant: %w", errCreate)
	}
	return nil
}

// RecentGrants returns up to limit of the newest audit rows.
func (r *Recorder) RecentGrants(ctx context.Context, limit int) ([]models.EmergencyGrant, error) {
	if r == nil || r.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	var rows []models.EmergencyGrant
	if errFind := r.db.WithContext(ctx).
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("audit: list grants: %w", errFind)
	}
	return rows, nil
}
