package types

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

type Timestamps struct {
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at,omitempty"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at,omitempty"`
}

type JSONB map[string]any

func (a JSONB) Value() (driver.Value, error) {
	valueString, err := json.Marshal(a)
	return string(valueString), err
}

// Scan accepts both []byte (postgres) and string (sqlite) payloads.
func (a *JSONB) Scan(value any) error {
	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	case nil:
		*a = nil
		return nil
	default:
		return errors.New("type assertion to []byte failed")
	}
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	return nil
}

type Environment string

const (
	Local      Environment = "local"
	Test       Environment = "test"
	Production Environment = "production"
)

type ReservationStatus string

const (
	RESERVATION_PENDING    ReservationStatus = "pending"
	RESERVATION_CONFIRMED  ReservationStatus = "confirmed"
	RESERVATION_CHECKED_IN ReservationStatus = "checked_in"
	RESERVATION_COMPLETED  ReservationStatus = "completed"
	RESERVATION_CANCELLED  ReservationStatus = "cancelled"
	RESERVATION_EXPIRED    ReservationStatus = "expired"
)

// Active reports whether the reservation admits guests at the door.
func (s ReservationStatus) Active() bool {
	return s == RESERVATION_CONFIRMED || s == RESERVATION_CHECKED_IN
}

type PassStatus string

const (
	PASS_ISSUED     PassStatus = "issued"
	PASS_CHECKED_IN PassStatus = "checked_in"
)

type TicketStatus string

const (
	TICKET_ISSUED     TicketStatus = "issued"
	TICKET_CHECKED_IN TicketStatus = "checked_in"
	TICKET_VOIDED     TicketStatus = "voided"
)

type CredentialKind string

const (
	CREDENTIAL_GUEST_PASS    CredentialKind = "guest_pass"
	CREDENTIAL_LINKED_TICKET CredentialKind = "linked_ticket"
	CREDENTIAL_TICKET        CredentialKind = "ticket"
)

type ScanOutcome string

const (
	SCAN_FIRST_ENTRY ScanOutcome = "first_entry"
	SCAN_REENTRY     ScanOutcome = "reentry"
	SCAN_REJECTED    ScanOutcome = "rejected"
)

type SyncStatus string

const (
	SYNC_PENDING SyncStatus = "pending"
	SYNC_SYNCED  SyncStatus = "synced"
	SYNC_FAILED  SyncStatus = "failed"
)

type ResourceKind string

const (
	RESOURCE_TABLE   ResourceKind = "table"
	RESOURCE_SECTION ResourceKind = "section"
	RESOURCE_GENERAL ResourceKind = "general"
)

type CreateEventRequestBody struct {
	Name     string    `json:"name" binding:"required"`
	StartsAt time.Time `json:"starts_at" binding:"required"`
	EndsAt   time.Time `json:"ends_at" binding:"required,gtfield=StartsAt"`
}

type CreateResourceRequestBody struct {
	EventID  uint         `json:"event" binding:"required"`
	Name     string       `json:"name" binding:"required"`
	Kind     ResourceKind `json:"kind" binding:"required,oneof=table section general"`
	Capacity uint         `json:"capacity" binding:"required,min=1"`
}

type CreateReservationRequestBody struct {
	EventID        uint   `json:"event" binding:"required"`
	ResourceID     uint   `json:"resource" binding:"required"`
	PartySize      uint   `json:"party_size" binding:"required,min=1,max=50"`
	PurchaserName  string `json:"name" binding:"required"`
	PurchaserEmail string `json:"email" binding:"required,email"`
	PurchaserPhone string `json:"phone,omitempty"`
	// GA resource debited for the purchaser's linked ticket.
	TicketResourceID *uint `json:"ticket_resource,omitempty"`
}

type PaymentConfirmationRequestBody struct {
	PaymentReference string `json:"payment_reference" binding:"required"`
}

type CancelReservationRequestBody struct {
	Reason string `json:"reason" binding:"required"`
}

type IssueTicketRequestBody struct {
	EventID     uint   `json:"event" binding:"required"`
	ResourceID  uint   `json:"resource" binding:"required"`
	HolderName  string `json:"name" binding:"required"`
	HolderEmail string `json:"email" binding:"required,email"`
}

type LinkTicketRequestBody struct {
	ReservationID uint `json:"reservation" binding:"required"`
}

type ScanRequestBody struct {
	Token          string     `json:"token" binding:"required_without=Code"`
	Code           string     `json:"code" binding:"required_without=Token"`
	DeviceID       string     `json:"device_id" binding:"required"`
	ScannedAt      *time.Time `json:"scanned_at,omitempty"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
}

type SimpleRequestParams struct {
	ID uint `uri:"id" binding:"required"`
}

type TokenRequestParams struct {
	Token string `uri:"token" binding:"required"`
}

type IssueTokenRequestBody struct {
	Username string `json:"username" binding:"required"`
	Role     string `json:"role" binding:"required,oneof=admin operator box_office"`
	DeviceID string `json:"device_id,omitempty"`
	TTLHours int    `json:"ttl_hours" binding:"omitempty,min=1,max=720"`
}

type Handler func(payload string)
