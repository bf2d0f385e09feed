package transitions

import (
	"errors"
	"fmt"
	"maguey/src/errs"
	"maguey/src/models"
	"maguey/src/models/scopes"

	"gorm.io/gorm"
)

// Lock reads the reservation and its event with the reservation row locked
// for the rest of tx.
func Lock(tx *gorm.DB, id uint) (*models.Reservation, *models.Event, error) {
	var r models.Reservation
	err := tx.Scopes(scopes.ForUpdate).
		Where(&models.Reservation{ID: id}).
		First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, fmt.Errorf("reservation %d: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return nil, nil, err
	}
	var ev models.Event
	if err := tx.Where(&models.Event{ID: r.EventID}).First(&ev).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, fmt.Errorf("event %d: %w", r.EventID, errs.ErrNotFound)
		}
		return nil, nil, err
	}
	return &r, &ev, nil
}
