package reservations

import (
	"context"
	"errors"
	"fmt"
	"maguey/src/db"
	"maguey/src/errs"
	"maguey/src/models"
	"maguey/src/types"
	"time"

	"github.com/gosimple/slug"
	"gorm.io/gorm"
)

type CreateEventRequest struct {
	Name     string    `validate:"required,max=191"`
	StartsAt time.Time `validate:"required"`
	EndsAt   time.Time `validate:"required,gtfield=StartsAt"`
}

type CreateResourceRequest struct {
	EventID  uint               `validate:"required"`
	Name     string             `validate:"required,max=191"`
	Kind     types.ResourceKind `validate:"required,oneof=table section general"`
	Capacity int64              `validate:"min=1"`
}

func (e *Engine) CreateEvent(ctx context.Context, req CreateEventRequest) (*models.Event, error) {
	if err := e.check(req); err != nil {
		return nil, err
	}
	ev := models.Event{
		Name:     req.Name,
		Slug:     slug.Make(fmt.Sprintf("%s %s", req.Name, req.StartsAt.UTC().Format("2006-01-02"))),
		StartsAt: req.StartsAt.UTC(),
		EndsAt:   req.EndsAt.UTC(),
	}
	if err := e.db.WithContext(ctx).Create(&ev).Error; err != nil {
		if db.IsDuplicate(err) {
			return nil, errs.Validation("an event named %q already exists on that date", req.Name)
		}
		return nil, err
	}
	return &ev, nil
}

// CreateResource adds a resource to an event and provisions its ledger entry
// in the same transaction.
func (e *Engine) CreateResource(ctx context.Context, req CreateResourceRequest) (*models.Resource, error) {
	if err := e.check(req); err != nil {
		return nil, err
	}
	var res models.Resource
	err := db.Transaction(ctx, e.db, func(tx *gorm.DB) error {
		var ev models.Event
		err := tx.Where(&models.Event{ID: req.EventID}).First(&ev).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("event %d: %w", req.EventID, errs.ErrNotFound)
		}
		if err != nil {
			return err
		}
		res = models.Resource{
			EventID:  ev.ID,
			Name:     req.Name,
			Slug:     slug.Make(req.Name),
			Kind:     req.Kind,
			Capacity: req.Capacity,
		}
		if err := tx.Create(&res).Error; err != nil {
			return err
		}
		return e.ledger.WithTx(tx).Provision(ctx, res.ID, req.Capacity)
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// ResourceView is a resource with its live ledger counts.
type ResourceView struct {
	models.Resource
	Reserved  int64 `json:"reserved"`
	Available int64 `json:"available"`
}

func (e *Engine) GetResource(ctx context.Context, id uint) (*ResourceView, error) {
	var res models.Resource
	err := e.db.WithContext(ctx).Where(&models.Resource{ID: id}).First(&res).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("resource %d: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	entry, err := e.ledger.Available(ctx, id)
	if err != nil {
		return nil, err
	}
	return &ResourceView{Resource: res, Reserved: entry.Reserved, Available: entry.Available()}, nil
}
