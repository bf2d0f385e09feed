// Package transitions owns the reservation lifecycle. Apply is the only code
// path that writes reservations.status.
package transitions

import (
	"maguey/src/errs"
	"maguey/src/models"
	"maguey/src/types"
	"time"

	"gorm.io/gorm"
)

var edges = map[types.ReservationStatus][]types.ReservationStatus{
	types.RESERVATION_PENDING:    {types.RESERVATION_CONFIRMED, types.RESERVATION_CANCELLED, types.RESERVATION_EXPIRED},
	types.RESERVATION_CONFIRMED:  {types.RESERVATION_CHECKED_IN, types.RESERVATION_CANCELLED},
	types.RESERVATION_CHECKED_IN: {types.RESERVATION_COMPLETED},
}

// Edges returns a copy of the legal transition table.
func Edges() map[types.ReservationStatus][]types.ReservationStatus {
	out := make(map[types.ReservationStatus][]types.ReservationStatus, len(edges))
	for from, tos := range edges {
		out[from] = append([]types.ReservationStatus(nil), tos...)
	}
	return out
}

func allowed(from, to types.ReservationStatus) bool {
	for _, t := range edges[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Validate checks the edge from -> to at time at. Cancellation is refused
// once eventStartsAt has passed. A no-op is always valid.
func Validate(from, to types.ReservationStatus, at, eventStartsAt time.Time) error {
	if from == to {
		return nil
	}
	if !allowed(from, to) {
		return &errs.TransitionError{From: string(from), To: string(to), Reason: "edge not allowed"}
	}
	if to == types.RESERVATION_CANCELLED && !eventStartsAt.IsZero() && !at.Before(eventStartsAt) {
		return &errs.TransitionError{From: string(from), To: string(to), Reason: "event already started"}
	}
	return nil
}

// Apply validates and persists the transition of r inside tx. The update is
// conditional on the status r was read with, so a concurrent writer makes it
// fail instead of overwriting. extra columns are written in the same
// statement. Each applied change appends a StatusTrail row.
func Apply(tx *gorm.DB, r *models.Reservation, to types.ReservationStatus, at, eventStartsAt time.Time, extra map[string]any) error {
	from := r.Status
	if err := Validate(from, to, at, eventStartsAt); err != nil {
		return err
	}
	if from == to {
		return nil
	}

	updates := map[string]any{"status": to}
	ts := at
	switch to {
	case types.RESERVATION_CONFIRMED:
		updates["confirmed_at"] = at
		r.ConfirmedAt = &ts
	case types.RESERVATION_CHECKED_IN:
		updates["checked_in_at"] = at
		r.CheckedInAt = &ts
	case types.RESERVATION_COMPLETED:
		updates["completed_at"] = at
		r.CompletedAt = &ts
	case types.RESERVATION_CANCELLED:
		updates["cancelled_at"] = at
		r.CancelledAt = &ts
	case types.RESERVATION_EXPIRED:
		updates["expired_at"] = at
		r.ExpiredAt = &ts
	}
	for k, v := range extra {
		updates[k] = v
	}

	result := tx.Model(&models.Reservation{}).
		Where("id = ? AND status = ?", r.ID, from).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return &errs.TransitionError{From: string(from), To: string(to), Reason: "status changed concurrently"}
	}
	initiator := "system"
	if by, ok := extra["cancelled_by"].(string); ok && by != "" {
		initiator = by
	}
	trail := models.StatusTrail{ReservationID: r.ID, From: from, To: to, Initiator: initiator, At: at}
	if err := tx.Create(&trail).Error; err != nil {
		return err
	}
	r.Status = to
	return nil
}
