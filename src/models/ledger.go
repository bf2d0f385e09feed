package models

import "time"

// CapacityLedger holds the reserved count of one resource. Rows are only
// mutated through the ledger package.
type CapacityLedger struct {
	ResourceID uint      `gorm:"primaryKey;autoIncrement:false" json:"resource_id"`
	Capacity   int64     `gorm:"not null" json:"capacity"`
	Reserved   int64     `gorm:"not null;default:0" json:"reserved"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// CapacityHold records one granted reservation of capacity so that its
// release happens at most once.
type CapacityHold struct {
	ID         uint       `gorm:"primarykey" json:"id"`
	Ref        string     `gorm:"uniqueIndex;size:64;not null" json:"ref"`
	ResourceID uint       `gorm:"index;not null" json:"resource_id"`
	Qty        int64      `gorm:"not null" json:"qty"`
	ReleasedAt *time.Time `json:"released_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}
