package scopes

import (
	"maguey/src/types"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func ForEvent(eventID uint) func(db *gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("event_id = ?", eventID)
	}
}

func WithStatus(statuses ...types.ReservationStatus) func(db *gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if len(statuses) == 1 {
			return db.Where("status = ?", statuses[0])
		}
		return db.Where("status IN ?", statuses)
	}
}

// ForUpdate takes a row lock on postgres. Dialects without row locks ignore
// the clause and rely on their own write serialization.
func ForUpdate(db *gorm.DB) *gorm.DB {
	return db.Clauses(clause.Locking{Strength: "UPDATE"})
}

// HoldExpiredBefore selects pending reservations whose hold window elapsed.
func HoldExpiredBefore(t time.Time) func(db *gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Scopes(WithStatus(types.RESERVATION_PENDING)).
			Where("hold_expires_at IS NOT NULL AND hold_expires_at < ?", t)
	}
}
