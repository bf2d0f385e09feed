package reservations

import (
	"context"
	"errors"
	"fmt"
	"maguey/src/db"
	"maguey/src/errs"
	"maguey/src/models"
	"maguey/src/models/scopes"
	"maguey/src/notifier"
	"maguey/src/transitions"
	"maguey/src/types"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type IssueTicketRequest struct {
	EventID     uint   `validate:"required"`
	ResourceID  uint   `validate:"required"`
	HolderName  string `validate:"required,max=191"`
	HolderEmail string `validate:"required,email"`
}

// IssueTicket sells one general admission ticket against a resource.
func (e *Engine) IssueTicket(ctx context.Context, req IssueTicketRequest) (*models.Ticket, error) {
	if err := e.check(req); err != nil {
		return nil, err
	}
	now := e.clock()
	var t *models.Ticket
	err := db.Transaction(ctx, e.db, func(tx *gorm.DB) error {
		issued, err := e.issueTicket(ctx, tx, req)
		t = issued
		return err
	})
	if err != nil {
		return nil, err
	}
	e.notify.Publish(notifier.ChangeEvent{
		EntityType: notifier.ENTITY_TICKET,
		EntityID:   t.ID,
		EventID:    t.EventID,
		ResourceID: t.ResourceID,
		NewState:   string(t.Status),
		OccurredAt: now,
	})
	e.notify.Trigger(notifier.NotificationTrigger{
		Kind:       notifier.TRIGGER_TICKET_ISSUED,
		TicketID:   t.ID,
		EventID:    t.EventID,
		Recipient:  t.HolderEmail,
		OccurredAt: now,
	})
	return t, nil
}

func (e *Engine) issueTicket(ctx context.Context, tx *gorm.DB, req IssueTicketRequest) (*models.Ticket, error) {
	ev, res, err := loadResource(tx, req.EventID, req.ResourceID)
	if err != nil {
		return nil, err
	}
	if res.Kind != types.RESOURCE_GENERAL {
		return nil, errs.Validation("tickets are only issued against general admission resources")
	}
	if !e.clock().Before(ev.EndsAt) {
		return nil, errs.Validation("event %d has ended", ev.ID)
	}
	holdRef := uuid.NewString()
	ok, err := e.ledger.WithTx(tx).TryReserve(ctx, res.ID, 1, holdRef)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("resource %d: %w", res.ID, errs.ErrCapacityExceeded)
	}
	t := models.Ticket{
		EventID:     ev.ID,
		ResourceID:  res.ID,
		HolderName:  req.HolderName,
		HolderEmail: req.HolderEmail,
		Token:       NewToken(),
		Status:      types.TICKET_ISSUED,
		HoldRef:     holdRef,
	}
	if err := tx.Create(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// LinkTicket attaches an unused ticket to a reservation of the same event so
// its holder gets the reservation's re-entry privilege. The ticket row is
// locked before the reservation, matching the order a door scan takes.
func (e *Engine) LinkTicket(ctx context.Context, ticketID, reservationID uint) (*models.LinkedTicket, error) {
	var link models.LinkedTicket
	err := db.Transaction(ctx, e.db, func(tx *gorm.DB) error {
		var t models.Ticket
		err := tx.Scopes(scopes.ForUpdate).Where(&models.Ticket{ID: ticketID}).First(&t).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("ticket %d: %w", ticketID, errs.ErrNotFound)
		}
		if err != nil {
			return err
		}
		switch t.Status {
		case types.TICKET_CHECKED_IN:
			return fmt.Errorf("ticket %d: %w", t.ID, errs.ErrAlreadyUsed)
		case types.TICKET_VOIDED:
			return errs.Validation("ticket %d is void", t.ID)
		}

		r, _, err := transitions.Lock(tx, reservationID)
		if err != nil {
			return err
		}
		switch r.Status {
		case types.RESERVATION_PENDING, types.RESERVATION_CONFIRMED, types.RESERVATION_CHECKED_IN:
		default:
			return errs.Validation("reservation %d is %s", r.ID, r.Status)
		}
		if t.EventID != r.EventID {
			return errs.Validation("ticket %d is for another event", t.ID)
		}
		link = models.LinkedTicket{
			TicketID:      t.ID,
			ReservationID: r.ID,
			Token:         t.Token,
			Status:        types.PASS_ISSUED,
		}
		if err := tx.Create(&link).Error; err != nil {
			if db.IsDuplicate(err) {
				return errs.Validation("ticket %d is already linked", t.ID)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &link, nil
}
