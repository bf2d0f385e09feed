package models

import (
	"maguey/src/types"
	"time"
)

type Event struct {
	ID       uint      `gorm:"primarykey" json:"id"`
	Name     string    `json:"name,omitempty"`
	Slug     string    `gorm:"uniqueIndex;size:191" json:"slug,omitempty"`
	StartsAt time.Time `json:"starts_at"`
	EndsAt   time.Time `json:"ends_at"`

	Resources []Resource `json:"resources,omitempty"`

	types.Timestamps
}

// Resource is a capacity-limited unit of an event: a table, a section or
// general admission.
type Resource struct {
	ID       uint               `gorm:"primarykey" json:"id"`
	EventID  uint               `gorm:"index" json:"event_id"`
	Name     string             `json:"name,omitempty"`
	Slug     string             `gorm:"size:191" json:"slug,omitempty"`
	Kind     types.ResourceKind `gorm:"type:varchar(16)" json:"kind,omitempty"`
	Capacity int64              `json:"capacity"`

	Event *Event `json:"-"`

	types.Timestamps
}
