package models

import (
	"maguey/src/types"
	"time"
)

// StatusTrail records every reservation status change. Rows are only ever
// inserted.
type StatusTrail struct {
	ID            uint                    `gorm:"primarykey" json:"id"`
	ReservationID uint                    `gorm:"index;not null" json:"reservation_id"`
	From          types.ReservationStatus `gorm:"type:varchar(16);not null" json:"from"`
	To            types.ReservationStatus `gorm:"type:varchar(16);not null" json:"to"`
	Initiator     string                  `gorm:"size:64" json:"initiator"`
	At            time.Time               `gorm:"not null" json:"at"`
}
