package audit

import (
	"time"

	"gorm.io/datatypes"
)

// Event is an append-only record of a state mutation. Rows are never
// updated or deleted.
type Event struct {
	ID        string         `gorm:"column:id;primaryKey"`
	Actor     string         `gorm:"column:actor;index"`
	Action    string         `gorm:"column:action;index"`
	RefID     string         `gorm:"column:ref_id;index"`
	Detail    datatypes.JSON `gorm:"column:detail"`
	CreatedAt time.Time      `gorm:"column:created_at"`
}

func (Event) TableName() string {
	return "audit_events"
}
