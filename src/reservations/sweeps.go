package reservations

import (
	"context"
	"errors"
	"log"
	"maguey/src/db"
	"maguey/src/errs"
	"maguey/src/models"
	"maguey/src/models/scopes"
	"maguey/src/notifier"
	"maguey/src/transitions"
	"maguey/src/types"

	"gorm.io/gorm"
)

const sweepBatch = 100

// ExpireStaleHolds expires pending reservations whose hold window elapsed.
// A reservation confirmed in the meantime is skipped.
func (e *Engine) ExpireStaleHolds(ctx context.Context) (int, error) {
	var ids []uint
	err := e.db.WithContext(ctx).
		Model(&models.Reservation{}).
		Scopes(scopes.HoldExpiredBefore(e.clock())).
		Order("hold_expires_at asc").
		Limit(sweepBatch).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, id := range ids {
		if _, err := e.Expire(ctx, id); err != nil {
			if errors.Is(err, errs.ErrInvalidTransition) {
				continue
			}
			log.Printf("[reservations] expire %d: %s\n", id, err.Error())
			continue
		}
		expired++
	}
	if expired > 0 {
		log.Printf("[reservations] expired %d stale holds\n", expired)
	}
	return expired, nil
}

// CompleteEvent closes checked-in reservations of an event that has ended.
func (e *Engine) CompleteEvent(ctx context.Context, eventID uint) (int, error) {
	now := e.clock()
	var ev models.Event
	if err := e.db.WithContext(ctx).Where(&models.Event{ID: eventID}).First(&ev).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, errs.ErrNotFound
		}
		return 0, err
	}
	if now.Before(ev.EndsAt) {
		return 0, errs.Validation("event %d has not ended", eventID)
	}
	var ids []uint
	err := e.db.WithContext(ctx).
		Model(&models.Reservation{}).
		Scopes(scopes.ForEvent(eventID), scopes.WithStatus(types.RESERVATION_CHECKED_IN)).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, err
	}
	completed := 0
	for _, id := range ids {
		err := db.Transaction(ctx, e.db, func(tx *gorm.DB) error {
			r, ev, err := transitions.Lock(tx, id)
			if err != nil {
				return err
			}
			return transitions.Apply(tx, r, types.RESERVATION_COMPLETED, now, ev.StartsAt, nil)
		})
		if err != nil {
			log.Printf("[reservations] complete %d: %s\n", id, err.Error())
			continue
		}
		completed++
		e.notify.Publish(notifier.ChangeEvent{
			EntityType: notifier.ENTITY_RESERVATION,
			EntityID:   id,
			EventID:    eventID,
			NewState:   string(types.RESERVATION_COMPLETED),
			OccurredAt: now,
		})
	}
	return completed, nil
}

// CompleteEndedEvents runs CompleteEvent for every ended event that still
// has checked-in reservations.
func (e *Engine) CompleteEndedEvents(ctx context.Context) (int, error) {
	var eventIDs []uint
	err := e.db.WithContext(ctx).
		Model(&models.Reservation{}).
		Joins("JOIN events ON events.id = reservations.event_id").
		Where("reservations.status = ? AND events.ends_at < ?", types.RESERVATION_CHECKED_IN, e.clock()).
		Distinct().
		Pluck("reservations.event_id", &eventIDs).Error
	if err != nil {
		return 0, err
	}
	total := 0
	for _, id := range eventIDs {
		n, err := e.CompleteEvent(ctx, id)
		if err != nil {
			log.Printf("[reservations] complete event %d: %s\n", id, err.Error())
			continue
		}
		total += n
	}
	return total, nil
}
