package models

import (
	"maguey/src/types"
	"time"
)

type Reservation struct {
	ID             uint                    `gorm:"primarykey" json:"id"`
	EventID        uint                    `gorm:"index" json:"event_id"`
	ResourceID     uint                    `gorm:"index" json:"resource_id"`
	Status         types.ReservationStatus `gorm:"type:varchar(16);index;not null" json:"status"`
	PartySize      int                     `gorm:"not null" json:"party_size"`
	CheckedInCount int                     `gorm:"not null;default:0" json:"checked_in_count"`

	PurchaserName   string `json:"purchaser_name,omitempty"`
	PurchaserEmail  string `json:"purchaser_email,omitempty"`
	PurchaserPhone  string `json:"purchaser_phone,omitempty"`
	PurchaserPassID *uint  `json:"purchaser_pass_id,omitempty"`

	HoldRef          string     `gorm:"size:64" json:"-"`
	HoldExpiresAt    *time.Time `gorm:"index" json:"hold_expires_at,omitempty"`
	PaymentReference *string    `gorm:"size:191" json:"payment_reference,omitempty"`

	ConfirmedAt        *time.Time `json:"confirmed_at,omitempty"`
	CheckedInAt        *time.Time `json:"checked_in_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
	ExpiredAt          *time.Time `json:"expired_at,omitempty"`
	CancellationReason *string    `json:"cancellation_reason,omitempty"`
	CancelledBy        *string    `json:"cancelled_by,omitempty"`

	Event         *Event         `json:"event,omitempty"`
	Resource      *Resource      `json:"resource,omitempty"`
	GuestPasses   []GuestPass    `json:"guest_passes,omitempty"`
	LinkedTickets []LinkedTicket `json:"linked_tickets,omitempty"`

	types.Timestamps
}

// GuestPass is one admission credential of a reservation; seq 1 belongs to
// the purchaser.
type GuestPass struct {
	ID            uint             `gorm:"primarykey" json:"id"`
	ReservationID uint             `gorm:"uniqueIndex:idx_guest_pass_seq;not null" json:"reservation_id"`
	Seq           int              `gorm:"uniqueIndex:idx_guest_pass_seq;not null" json:"seq"`
	Token         string           `gorm:"uniqueIndex;size:64;not null" json:"token"`
	Status        types.PassStatus `gorm:"type:varchar(16);not null" json:"status"`
	CheckedInAt   *time.Time       `json:"checked_in_at,omitempty"`
	LastEntryAt   *time.Time       `json:"last_entry_at,omitempty"`

	Reservation *Reservation `json:"reservation,omitempty"`

	types.Timestamps
}
