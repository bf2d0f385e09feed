package models

import (
	"maguey/src/types"
	"time"
)

// Ticket is a general admission credential. It is valid for a single entry
// unless it is linked to a reservation.
type Ticket struct {
	ID          uint               `gorm:"primarykey" json:"id"`
	EventID     uint               `gorm:"index" json:"event_id"`
	ResourceID  uint               `gorm:"index" json:"resource_id"`
	HolderName  string             `json:"holder_name,omitempty"`
	HolderEmail string             `json:"holder_email,omitempty"`
	Token       string             `gorm:"uniqueIndex;size:64;not null" json:"token"`
	Status      types.TicketStatus `gorm:"type:varchar(16);not null" json:"status"`
	HoldRef     string             `gorm:"size:64" json:"-"`
	CheckedInAt *time.Time         `json:"checked_in_at,omitempty"`
	LastEntryAt *time.Time         `json:"last_entry_at,omitempty"`

	Event *Event `json:"event,omitempty"`

	types.Timestamps
}

// LinkedTicket attaches a ticket to a reservation. It shares the ticket's
// token and takes precedence over it when a token is resolved.
type LinkedTicket struct {
	ID            uint             `gorm:"primarykey" json:"id"`
	TicketID      uint             `gorm:"uniqueIndex;not null" json:"ticket_id"`
	ReservationID uint             `gorm:"index;not null" json:"reservation_id"`
	Token         string           `gorm:"uniqueIndex;size:64;not null" json:"token"`
	Status        types.PassStatus `gorm:"type:varchar(16);not null" json:"status"`
	CheckedInAt   *time.Time       `json:"checked_in_at,omitempty"`
	LastEntryAt   *time.Time       `json:"last_entry_at,omitempty"`

	// Bundled tickets were issued together with the reservation and are
	// voided when it is cancelled.
	Bundled bool `gorm:"not null;default:false" json:"bundled"`

	Ticket      *Ticket      `json:"ticket,omitempty"`
	Reservation *Reservation `json:"reservation,omitempty"`

	types.Timestamps
}
