// Package ledger tracks reserved capacity per resource. Every mutation is a
// single conditional statement so concurrent callers never oversell.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"maguey/src/db"
	"maguey/src/errs"
	"maguey/src/models"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Entry struct {
	ResourceID uint  `json:"resource_id"`
	Capacity   int64 `json:"capacity"`
	Reserved   int64 `json:"reserved"`
}

func (e Entry) Available() int64 {
	return e.Capacity - e.Reserved
}

type Ledger struct {
	db   *gorm.DB
	inTx bool
}

func New(d *gorm.DB) *Ledger {
	return &Ledger{db: d}
}

// WithTx binds the ledger to a caller's transaction; its writes commit or
// roll back with the caller's other writes.
func (l *Ledger) WithTx(tx *gorm.DB) *Ledger {
	return &Ledger{db: tx, inTx: true}
}

func (l *Ledger) run(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if l.inTx {
		return db.Translate(fn(l.db.WithContext(ctx)))
	}
	return db.Transaction(ctx, l.db, fn)
}

// Provision creates the entry for a resource or resizes it. Shrinking below
// the reserved count is refused.
func (l *Ledger) Provision(ctx context.Context, resourceID uint, capacity int64) error {
	if capacity < 0 {
		return errs.Validation("capacity must not be negative")
	}
	return l.run(ctx, func(tx *gorm.DB) error {
		created := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&models.CapacityLedger{ResourceID: resourceID, Capacity: capacity})
		if created.Error != nil {
			return created.Error
		}
		if created.RowsAffected == 1 {
			return nil
		}
		resized := tx.Model(&models.CapacityLedger{}).
			Where("resource_id = ? AND reserved <= ?", resourceID, capacity).
			Update("capacity", capacity)
		if resized.Error != nil {
			return resized.Error
		}
		if resized.RowsAffected == 0 {
			return errs.Validation("capacity %d is below the reserved count of resource %d", capacity, resourceID)
		}
		return nil
	})
}

// TryReserve atomically adds qty to the reserved count when it fits. A
// granted reservation is recorded under ref so it can be released once.
func (l *Ledger) TryReserve(ctx context.Context, resourceID uint, qty int64, ref string) (bool, error) {
	if qty <= 0 {
		return false, errs.Validation("qty must be positive")
	}
	if ref == "" {
		return false, errs.Validation("hold ref is required")
	}
	granted := false
	err := l.run(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&models.CapacityLedger{}).
			Where("resource_id = ? AND reserved + ? <= capacity", resourceID, qty).
			Update("reserved", gorm.Expr("reserved + ?", qty))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var n int64
			if err := tx.Model(&models.CapacityLedger{}).Where("resource_id = ?", resourceID).Count(&n).Error; err != nil {
				return err
			}
			if n == 0 {
				return fmt.Errorf("ledger entry for resource %d: %w", resourceID, errs.ErrNotFound)
			}
			return nil
		}
		hold := models.CapacityHold{Ref: ref, ResourceID: resourceID, Qty: qty}
		if err := tx.Create(&hold).Error; err != nil {
			if db.IsDuplicate(err) {
				return errs.Validation("hold ref %s already used", ref)
			}
			return err
		}
		granted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if !granted {
		log.Printf("[ledger] resource %d cannot fit %d more\n", resourceID, qty)
	}
	return granted, nil
}

// Release returns the capacity held under ref. Releasing an already
// released hold is a no-op; qty larger than the hold is ErrOverRelease.
func (l *Ledger) Release(ctx context.Context, resourceID uint, qty int64, ref string) error {
	if qty <= 0 {
		return errs.Validation("qty must be positive")
	}
	return l.run(ctx, func(tx *gorm.DB) error {
		var hold models.CapacityHold
		err := tx.Where(&models.CapacityHold{Ref: ref}).First(&hold).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("hold %s: %w", ref, errs.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if hold.ResourceID != resourceID {
			return errs.Validation("hold %s belongs to resource %d", ref, hold.ResourceID)
		}
		if qty > hold.Qty {
			return fmt.Errorf("hold %s has %d, asked %d: %w", ref, hold.Qty, qty, errs.ErrOverRelease)
		}
		if qty < hold.Qty {
			return errs.Validation("hold %s must be released whole (%d)", ref, hold.Qty)
		}
		if hold.ReleasedAt != nil {
			return nil
		}

		marked := tx.Model(&models.CapacityHold{}).
			Where("id = ? AND released_at IS NULL", hold.ID).
			Update("released_at", time.Now().UTC())
		if marked.Error != nil {
			return marked.Error
		}
		if marked.RowsAffected == 0 {
			return nil
		}
		res := tx.Model(&models.CapacityLedger{}).
			Where("resource_id = ? AND reserved >= ?", resourceID, qty).
			Update("reserved", gorm.Expr("reserved - ?", qty))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("resource %d: %w", resourceID, errs.ErrOverRelease)
		}
		return nil
	})
}

// Available reads the current entry for a resource.
func (l *Ledger) Available(ctx context.Context, resourceID uint) (Entry, error) {
	var row models.CapacityLedger
	err := l.db.WithContext(ctx).Where(&models.CapacityLedger{ResourceID: resourceID}).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{}, fmt.Errorf("ledger entry for resource %d: %w", resourceID, errs.ErrNotFound)
	}
	if err != nil {
		return Entry{}, err
	}
	return Entry{ResourceID: row.ResourceID, Capacity: row.Capacity, Reserved: row.Reserved}, nil
}
