package organization

import "time"

type OrgType string

const (
	OEM              OrgType = "oem"
	Customer         OrgType = "customer"
	LicensedEngineer OrgType = "licensed-engineer"
)

func (t OrgType) Valid() bool {
	switch t {
	case OEM, Customer, LicensedEngineer:
		return true
	default:
		return false
	}
}

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

type Organization struct {
	ID        string    `gorm:"column:id;primaryKey"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
	Type      OrgType   `gorm:"column:type"`
	Name      string    `gorm:"column:name"`
	Slug      string    `gorm:"column:slug;uniqueIndex"`
	Email     string    `gorm:"column:email"`
	Phone     string    `gorm:"column:phone"`
	Address   string    `gorm:"column:address"`
	// Billing contact may differ from the technical contact.
	BillingEmail string `gorm:"column:billing_email"`

	// Engineer fields are only populated for the licensed-engineer type.
	EngineerLicenseNumber string         `gorm:"column:engineer_license_number"`
	EngineerLicenseState  string         `gorm:"column:engineer_license_state"`
	ApprovalStatus        ApprovalStatus `gorm:"column:approval_status"`
}

type RegisterRequest struct {
	Type                  OrgType
	Name                  string
	Slug                  string
	Email                 string
	Phone                 string
	Address               string
	BillingEmail          string
	EngineerLicenseNumber string
	EngineerLicenseState  string
}
