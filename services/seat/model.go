package seat

import "time"

// SeatAssignment binds one named user to one license. The (license, user)
// pair is the identity; releasing a seat keeps the row for history and
// flips Active off.
type SeatAssignment struct {
	LicenseID string `gorm:"column:license_id;primaryKey"`
	UserID    string `gorm:"column:user_id;primaryKey"`

	Active     bool       `gorm:"column:active;index"`
	AssignedAt time.Time  `gorm:"column:assigned_at"`
	ReleasedAt *time.Time `gorm:"column:released_at"`
}

func (SeatAssignment) TableName() string {
	return "seat_assignments"
}
