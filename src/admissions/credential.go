package admissions

import (
	"errors"
	"fmt"
	"maguey/src/errs"
	"maguey/src/models"
	"maguey/src/models/scopes"
	"maguey/src/types"
	"time"

	"gorm.io/gorm"
)

const (
	statusIssued    = "issued"
	statusCheckedIn = "checked_in"
	statusVoided    = "voided"
)

// Credential is the scannable view of a guest pass, linked ticket or plain
// ticket. The scan path only ever looks at this shape.
type Credential struct {
	Kind          types.CredentialKind
	ID            uint
	Token         string
	Status        string
	ReservationID *uint
	// EventID is known up front for plain tickets and filled in from the
	// reservation otherwise.
	EventID       uint
	LastEntryAt   *time.Time
}

// ReentryEligible is true for credentials backed by a reservation.
func (c *Credential) ReentryEligible() bool {
	return c.Kind == types.CREDENTIAL_GUEST_PASS || c.Kind == types.CREDENTIAL_LINKED_TICKET
}

func (c *Credential) model() any {
	switch c.Kind {
	case types.CREDENTIAL_GUEST_PASS:
		return &models.GuestPass{}
	case types.CREDENTIAL_LINKED_TICKET:
		return &models.LinkedTicket{}
	default:
		return &models.Ticket{}
	}
}

// Resolve finds the credential for token and locks its row for the rest of
// tx. A linked ticket shares its token with the underlying ticket and takes
// precedence over it.
func Resolve(tx *gorm.DB, token string) (*Credential, error) {
	return find(tx, token, true)
}

func find(tx *gorm.DB, token string, lock bool) (*Credential, error) {
	q := func() *gorm.DB {
		if lock {
			return tx.Scopes(scopes.ForUpdate)
		}
		return tx
	}
	var pass models.GuestPass
	err := q().Where("token = ?", token).First(&pass).Error
	if err == nil {
		return &Credential{
			Kind:          types.CREDENTIAL_GUEST_PASS,
			ID:            pass.ID,
			Token:         pass.Token,
			Status:        string(pass.Status),
			ReservationID: &pass.ReservationID,
			LastEntryAt:   pass.LastEntryAt,
		}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	var link models.LinkedTicket
	err = q().Where("token = ?", token).First(&link).Error
	if err == nil {
		return &Credential{
			Kind:          types.CREDENTIAL_LINKED_TICKET,
			ID:            link.ID,
			Token:         link.Token,
			Status:        string(link.Status),
			ReservationID: &link.ReservationID,
			LastEntryAt:   link.LastEntryAt,
		}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	var t models.Ticket
	err = q().Where("token = ?", token).First(&t).Error
	if err == nil && lock {
		// a link committed while we waited on the ticket row wins
		var linked int64
		if err := tx.Model(&models.LinkedTicket{}).Where("ticket_id = ?", t.ID).Count(&linked).Error; err != nil {
			return nil, err
		}
		if linked > 0 {
			return find(tx, token, lock)
		}
	}
	if err == nil {
		return &Credential{
			Kind:        types.CREDENTIAL_TICKET,
			ID:          t.ID,
			Token:       t.Token,
			Status:      string(t.Status),
			EventID:     t.EventID,
			LastEntryAt: t.LastEntryAt,
		}, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("token %q: %w", token, errs.ErrCredentialNotFound)
	}
	return nil, err
}

// checkIn moves the credential from issued to checked_in. It reports false
// when another scan got there first.
func checkIn(tx *gorm.DB, c *Credential, at time.Time) (bool, error) {
	result := tx.Model(c.model()).
		Where("id = ? AND status = ?", c.ID, statusIssued).
		Updates(map[string]any{
			"status":        statusCheckedIn,
			"checked_in_at": at,
			"last_entry_at": at,
		})
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	c.Status = statusCheckedIn
	c.LastEntryAt = &at
	return true, nil
}

func touch(tx *gorm.DB, c *Credential, at time.Time) error {
	return tx.Model(c.model()).Where("id = ?", c.ID).Update("last_entry_at", at).Error
}
