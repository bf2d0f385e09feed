// Package reservations creates reservations and their credentials and drives
// every lifecycle change that does not happen at the door.
package reservations

import (
	"context"
	"errors"
	"fmt"
	"log"
	"maguey/src/config"
	"maguey/src/db"
	"maguey/src/errs"
	"maguey/src/ledger"
	"maguey/src/models"
	"maguey/src/notifier"
	"maguey/src/transitions"
	"maguey/src/types"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Engine struct {
	db         *gorm.DB
	ledger     *ledger.Ledger
	notify     notifier.Emitter
	validate   *validator.Validate
	now        func() time.Time
	holdWindow time.Duration
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithNotifier(n notifier.Emitter) Option {
	return func(e *Engine) { e.notify = n }
}

func WithHoldWindow(d time.Duration) Option {
	return func(e *Engine) { e.holdWindow = d }
}

func New(d *gorm.DB, opts ...Option) *Engine {
	e := &Engine{
		db:         d,
		ledger:     ledger.New(d),
		notify:     notifier.Discard,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		now:        time.Now,
		holdWindow: config.HoldWindow(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Ledger() *ledger.Ledger {
	return e.ledger
}

func (e *Engine) clock() time.Time {
	return e.now().UTC()
}

// NewToken returns an opaque credential token.
func NewToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

type CreateRequest struct {
	EventID        uint   `validate:"required"`
	ResourceID     uint   `validate:"required"`
	PartySize      int    `validate:"min=1,max=50"`
	PurchaserName  string `validate:"required,max=191"`
	PurchaserEmail string `validate:"required,email"`
	PurchaserPhone string `validate:"omitempty,max=32"`
	// When set, a general admission ticket is issued against this resource
	// and linked to the reservation for the purchaser.
	TicketResourceID *uint
}

type PaymentConfirmation struct {
	ReservationID    uint   `validate:"required"`
	PaymentReference string `validate:"required,max=191"`
}

type CancelRequest struct {
	ReservationID uint   `validate:"required"`
	Reason        string `validate:"required,max=500"`
	RequestedBy   string `validate:"required,max=64"`
}

func (e *Engine) check(v any) error {
	if err := e.validate.Struct(v); err != nil {
		return errs.Validation("%s", err.Error())
	}
	return nil
}

// outbox collects what to emit once the transaction committed.
type outbox struct {
	changes  []notifier.ChangeEvent
	triggers []notifier.NotificationTrigger
}

func (o *outbox) change(entity string, id, eventID, resourceID uint, state string, at time.Time) {
	o.changes = append(o.changes, notifier.ChangeEvent{
		EntityType: entity,
		EntityID:   id,
		EventID:    eventID,
		ResourceID: resourceID,
		NewState:   state,
		OccurredAt: at,
	})
}

func (o *outbox) trigger(t notifier.NotificationTrigger) {
	o.triggers = append(o.triggers, t)
}

func (e *Engine) flush(o *outbox) {
	for _, c := range o.changes {
		e.notify.Publish(c)
	}
	for _, t := range o.triggers {
		e.notify.Trigger(t)
	}
}

func loadResource(tx *gorm.DB, eventID, resourceID uint) (*models.Event, *models.Resource, error) {
	var res models.Resource
	err := tx.Where(&models.Resource{ID: resourceID}).First(&res).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, fmt.Errorf("resource %d: %w", resourceID, errs.ErrNotFound)
	}
	if err != nil {
		return nil, nil, err
	}
	if res.EventID != eventID {
		return nil, nil, errs.Validation("resource %d does not belong to event %d", resourceID, eventID)
	}
	var ev models.Event
	err = tx.Where(&models.Event{ID: eventID}).First(&ev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, fmt.Errorf("event %d: %w", eventID, errs.ErrNotFound)
	}
	if err != nil {
		return nil, nil, err
	}
	return &ev, &res, nil
}

// CreateReservation debits the resource, creates a pending reservation with
// one guest pass per party member and optionally a linked ticket, all in one
// transaction. Without capacity nothing is written.
func (e *Engine) CreateReservation(ctx context.Context, req CreateRequest) (*models.Reservation, error) {
	if err := e.check(req); err != nil {
		return nil, err
	}
	now := e.clock()
	var out outbox
	var r models.Reservation

	err := db.Transaction(ctx, e.db, func(tx *gorm.DB) error {
		ev, res, err := loadResource(tx, req.EventID, req.ResourceID)
		if err != nil {
			return err
		}
		if !now.Before(ev.EndsAt) {
			return errs.Validation("event %d has ended", ev.ID)
		}

		holdRef := uuid.NewString()
		ok, err := e.ledger.WithTx(tx).TryReserve(ctx, res.ID, int64(req.PartySize), holdRef)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("resource %d, party of %d: %w", res.ID, req.PartySize, errs.ErrCapacityExceeded)
		}

		expires := now.Add(e.holdWindow)
		r = models.Reservation{
			EventID:        ev.ID,
			ResourceID:     res.ID,
			Status:         types.RESERVATION_PENDING,
			PartySize:      req.PartySize,
			PurchaserName:  req.PurchaserName,
			PurchaserEmail: req.PurchaserEmail,
			PurchaserPhone: req.PurchaserPhone,
			HoldRef:        holdRef,
			HoldExpiresAt:  &expires,
		}
		if err := tx.Create(&r).Error; err != nil {
			return err
		}

		passes := make([]models.GuestPass, req.PartySize)
		for i := range passes {
			passes[i] = models.GuestPass{
				ReservationID: r.ID,
				Seq:           i + 1,
				Token:         NewToken(),
				Status:        types.PASS_ISSUED,
			}
		}
		if err := tx.Create(&passes).Error; err != nil {
			return err
		}
		purchaser := passes[0].ID
		if err := tx.Model(&models.Reservation{}).Where("id = ?", r.ID).Update("purchaser_pass_id", purchaser).Error; err != nil {
			return err
		}
		r.PurchaserPassID = &purchaser
		r.GuestPasses = passes

		if req.TicketResourceID != nil {
			t, err := e.issueTicket(ctx, tx, IssueTicketRequest{
				EventID:     ev.ID,
				ResourceID:  *req.TicketResourceID,
				HolderName:  req.PurchaserName,
				HolderEmail: req.PurchaserEmail,
			})
			if err != nil {
				return err
			}
			link := models.LinkedTicket{
				TicketID:      t.ID,
				ReservationID: r.ID,
				Token:         t.Token,
				Status:        types.PASS_ISSUED,
				Bundled:       true,
			}
			if err := tx.Create(&link).Error; err != nil {
				return err
			}
			link.Ticket = t
			r.LinkedTickets = []models.LinkedTicket{link}
			out.change(notifier.ENTITY_TICKET, t.ID, ev.ID, t.ResourceID, string(t.Status), now)
		}

		out.change(notifier.ENTITY_RESERVATION, r.ID, ev.ID, res.ID, string(r.Status), now)
		out.change(notifier.ENTITY_LEDGER, res.ID, ev.ID, res.ID, "reserved", now)
		out.trigger(notifier.NotificationTrigger{
			Kind:          notifier.TRIGGER_RESERVATION_CREATED,
			ReservationID: r.ID,
			EventID:       ev.ID,
			Recipient:     r.PurchaserEmail,
			Data:          map[string]any{"party_size": r.PartySize, "hold_expires_at": expires},
			OccurredAt:    now,
		})
		return nil
	})
	if err != nil {
		log.Printf("[reservations] create for resource %d failed: %s\n", req.ResourceID, err.Error())
		return nil, err
	}
	e.flush(&out)
	return &r, nil
}

// ConfirmPayment moves a pending reservation to confirmed. Repeated
// callbacks for an already confirmed reservation change nothing.
func (e *Engine) ConfirmPayment(ctx context.Context, p PaymentConfirmation) (*models.Reservation, error) {
	if err := e.check(p); err != nil {
		return nil, err
	}
	now := e.clock()
	var out outbox
	var r *models.Reservation

	err := db.Transaction(ctx, e.db, func(tx *gorm.DB) error {
		locked, ev, err := transitions.Lock(tx, p.ReservationID)
		if err != nil {
			return err
		}
		r = locked
		switch r.Status {
		case types.RESERVATION_CONFIRMED, types.RESERVATION_CHECKED_IN, types.RESERVATION_COMPLETED:
			if r.PaymentReference != nil && *r.PaymentReference != p.PaymentReference {
				log.Printf("[reservations] reservation %d already paid with %s, ignoring %s\n", r.ID, *r.PaymentReference, p.PaymentReference)
			}
			return nil
		}
		err = transitions.Apply(tx, r, types.RESERVATION_CONFIRMED, now, ev.StartsAt, map[string]any{
			"payment_reference": p.PaymentReference,
			"hold_expires_at":   nil,
		})
		if err != nil {
			return err
		}
		ref := p.PaymentReference
		r.PaymentReference = &ref
		r.HoldExpiresAt = nil
		out.change(notifier.ENTITY_RESERVATION, r.ID, r.EventID, r.ResourceID, string(r.Status), now)
		out.trigger(notifier.NotificationTrigger{
			Kind:          notifier.TRIGGER_RESERVATION_CONFIRMED,
			ReservationID: r.ID,
			EventID:       r.EventID,
			Recipient:     r.PurchaserEmail,
			OccurredAt:    now,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.flush(&out)
	return r, nil
}

// Cancel cancels the reservation and returns its capacity in one
// transaction. It is refused once the event has started.
func (e *Engine) Cancel(ctx context.Context, req CancelRequest) (*models.Reservation, error) {
	if err := e.check(req); err != nil {
		return nil, err
	}
	now := e.clock()
	var out outbox
	var r *models.Reservation

	err := db.Transaction(ctx, e.db, func(tx *gorm.DB) error {
		locked, ev, err := transitions.Lock(tx, req.ReservationID)
		if err != nil {
			return err
		}
		r = locked
		if r.Status == types.RESERVATION_CANCELLED {
			return nil
		}
		err = transitions.Apply(tx, r, types.RESERVATION_CANCELLED, now, ev.StartsAt, map[string]any{
			"cancellation_reason": req.Reason,
			"cancelled_by":        req.RequestedBy,
			"hold_expires_at":     nil,
		})
		if err != nil {
			return err
		}
		r.CancellationReason = &req.Reason
		r.CancelledBy = &req.RequestedBy
		if err := e.releaseAll(ctx, tx, r, now, &out); err != nil {
			return err
		}
		out.change(notifier.ENTITY_RESERVATION, r.ID, r.EventID, r.ResourceID, string(r.Status), now)
		out.trigger(notifier.NotificationTrigger{
			Kind:          notifier.TRIGGER_RESERVATION_CANCELLED,
			ReservationID: r.ID,
			EventID:       r.EventID,
			Recipient:     r.PurchaserEmail,
			Data:          map[string]any{"reason": req.Reason},
			OccurredAt:    now,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.flush(&out)
	return r, nil
}

// releaseAll returns the party's capacity and voids bundled tickets.
func (e *Engine) releaseAll(ctx context.Context, tx *gorm.DB, r *models.Reservation, now time.Time, out *outbox) error {
	l := e.ledger.WithTx(tx)
	if err := l.Release(ctx, r.ResourceID, int64(r.PartySize), r.HoldRef); err != nil {
		return err
	}
	out.change(notifier.ENTITY_LEDGER, r.ResourceID, r.EventID, r.ResourceID, "released", now)

	var bundled []models.LinkedTicket
	if err := tx.Where("reservation_id = ? AND bundled = ?", r.ID, true).Preload("Ticket").Find(&bundled).Error; err != nil {
		return err
	}
	for _, link := range bundled {
		t := link.Ticket
		if t == nil || t.Status != types.TICKET_ISSUED || link.Status != types.PASS_ISSUED {
			continue
		}
		voided := tx.Model(&models.Ticket{}).
			Where("id = ? AND status = ?", t.ID, types.TICKET_ISSUED).
			Update("status", types.TICKET_VOIDED)
		if voided.Error != nil {
			return voided.Error
		}
		if voided.RowsAffected == 0 {
			continue
		}
		if err := l.Release(ctx, t.ResourceID, 1, t.HoldRef); err != nil {
			return err
		}
		out.change(notifier.ENTITY_TICKET, t.ID, t.EventID, t.ResourceID, string(types.TICKET_VOIDED), now)
	}
	return nil
}

// Expire moves a pending reservation whose payment never arrived to
// expired and returns its capacity.
func (e *Engine) Expire(ctx context.Context, id uint) (*models.Reservation, error) {
	now := e.clock()
	var out outbox
	var r *models.Reservation

	err := db.Transaction(ctx, e.db, func(tx *gorm.DB) error {
		locked, ev, err := transitions.Lock(tx, id)
		if err != nil {
			return err
		}
		r = locked
		if r.Status == types.RESERVATION_EXPIRED {
			return nil
		}
		if err := transitions.Apply(tx, r, types.RESERVATION_EXPIRED, now, ev.StartsAt, map[string]any{"hold_expires_at": nil}); err != nil {
			return err
		}
		if err := e.releaseAll(ctx, tx, r, now, &out); err != nil {
			return err
		}
		out.change(notifier.ENTITY_RESERVATION, r.ID, r.EventID, r.ResourceID, string(r.Status), now)
		out.trigger(notifier.NotificationTrigger{
			Kind:          notifier.TRIGGER_RESERVATION_EXPIRED,
			ReservationID: r.ID,
			EventID:       r.EventID,
			Recipient:     r.PurchaserEmail,
			OccurredAt:    now,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.flush(&out)
	return r, nil
}

// Get loads a reservation with its credentials.
func (e *Engine) Get(ctx context.Context, id uint) (*models.Reservation, error) {
	var r models.Reservation
	err := e.db.WithContext(ctx).
		Where(&models.Reservation{ID: id}).
		Preload("Event").
		Preload("Resource").
		Preload("GuestPasses", func(db *gorm.DB) *gorm.DB { return db.Order("seq asc") }).
		Preload("LinkedTickets").
		First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("reservation %d: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// History returns the status changes of a reservation, oldest first.
func (e *Engine) History(ctx context.Context, id uint) ([]models.StatusTrail, error) {
	var trail []models.StatusTrail
	err := e.db.WithContext(ctx).
		Where("reservation_id = ?", id).
		Order("at asc, id asc").
		Find(&trail).Error
	if err != nil {
		return nil, err
	}
	if len(trail) == 0 {
		if _, err := e.Get(ctx, id); err != nil {
			return nil, err
		}
	}
	return trail, nil
}
