package models

import (
	"errors"
	"maguey/src/types"
	"time"

	"gorm.io/gorm"
)

var ErrAppendOnly = errors.New("scan log is append-only")

// ScanLog is the audit trail of every scan attempt.
type ScanLog struct {
	ID             uint                 `gorm:"primarykey" json:"id"`
	CredentialKind types.CredentialKind `gorm:"type:varchar(16)" json:"credential_kind,omitempty"`
	CredentialID   *uint                `json:"credential_id,omitempty"`
	Token          string               `gorm:"index;size:512" json:"token"`
	ReservationID  *uint                `gorm:"index" json:"reservation_id,omitempty"`
	EventID        *uint                `json:"event_id,omitempty"`
	Outcome        types.ScanOutcome    `gorm:"type:varchar(16);not null" json:"outcome"`
	Code           string               `gorm:"size:32" json:"code,omitempty"`
	Reason         string               `json:"reason,omitempty"`
	OperatorID     string               `gorm:"size:64" json:"operator_id"`
	DeviceID       string               `gorm:"size:64" json:"device_id"`
	ScannedAt      time.Time            `json:"scanned_at"`
	RecordedAt     time.Time            `json:"recorded_at"`
	IdempotencyKey *string              `gorm:"uniqueIndex;size:128" json:"idempotency_key,omitempty"`
	Context        types.JSONB          `gorm:"type:jsonb" json:"context,omitempty"`
}

func (s *ScanLog) BeforeUpdate(tx *gorm.DB) error {
	return ErrAppendOnly
}

func (s *ScanLog) BeforeDelete(tx *gorm.DB) error {
	return ErrAppendOnly
}
