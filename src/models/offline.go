package models

import (
	"maguey/src/types"
	"time"
)

// OfflineScan is a scan captured on a device while it could not reach the
// server. Rows live in the device-local store.
type OfflineScan struct {
	ID             uint             `gorm:"primarykey" json:"id"`
	DeviceID       string           `gorm:"uniqueIndex:idx_offline_device_seq;size:64;not null" json:"device_id"`
	LocalSeq       int64            `gorm:"uniqueIndex:idx_offline_device_seq;not null" json:"local_seq"`
	Token          string           `gorm:"size:512;not null" json:"token"`
	OperatorID     string           `gorm:"size:64" json:"operator_id"`
	LocalTimestamp time.Time        `json:"local_timestamp"`
	SyncStatus     types.SyncStatus `gorm:"type:varchar(16);index;not null" json:"sync_status"`
	Attempts       int              `gorm:"not null;default:0" json:"attempts"`
	NextAttemptAt  *time.Time       `json:"next_attempt_at,omitempty"`
	LastError      string           `json:"last_error,omitempty"`
	Outcome        string           `gorm:"size:16" json:"outcome,omitempty"`
	Reason         string           `json:"reason,omitempty"`
	SyncedAt       *time.Time       `json:"synced_at,omitempty"`

	types.Timestamps
}

// IdempotencyKey identifies the scan on the server across replays.
func (o *OfflineScan) IdempotencyKey() string {
	return OfflineIdempotencyKey(o.DeviceID, o.LocalSeq)
}
