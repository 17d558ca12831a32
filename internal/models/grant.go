// Package models defines the database schema for the audit trail.
package models

import (
	"time"

	"gorm.io/datatypes"
)

// EmergencyGrant records one emergency bypass grant or denied elevation
// attempt. Rows are append-only; the engine never reads them on the
// request path.
type EmergencyGrant struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	GrantID   string `gorm:"type:text;index"`          // Grant UUID.
	SubjectID string `gorm:"type:text;not null;index"` // Subject the elevation was requested for.
	Role      string `gorm:"type:text;not null"`       // Subject role at request time.
	Operation string `gorm:"type:text"`                // Operation type that triggered the request.

	Granted bool   `gorm:"not null;default:false"` // Whether the elevation succeeded.
	Reason  string `gorm:"type:text"`              // Caller-supplied reason.

	ExpiresAt *time.Time     `gorm:""` // Grant expiry, nil for denied attempts.
	Meta      datatypes.JSON `gorm:""` // Extra request context.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Record timestamp.
}
