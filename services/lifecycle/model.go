package lifecycle

import "time"

const (
	KindReminder = "reminder"
)

// Notification records that a given reminder threshold fired for a
// license, so a sweep that runs twice in one day cannot notify twice.
type Notification struct {
	ID        uint      `gorm:"column:id;primaryKey;autoIncrement"`
	CreatedAt time.Time `gorm:"column:created_at"`

	LicenseID     string    `gorm:"column:license_id;index"`
	Kind          string    `gorm:"column:kind"`
	ThresholdDays int       `gorm:"column:threshold_days"`
	SentAt        time.Time `gorm:"column:sent_at"`
}

func (Notification) TableName() string {
	return "lifecycle_notifications"
}
