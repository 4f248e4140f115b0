package license

import (
	"time"

	"licensing-controlplane/pkg/canonical"

	"gorm.io/datatypes"
)

// License is the signed, distributable artifact end-users actually hold.
// Revocation and suspension are orthogonal flags: both kill validity, but
// only revocation is permanent.
type License struct {
	ID        string    `gorm:"column:id;primaryKey"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`

	OrgID           string  `gorm:"column:org_id;index"`
	Program         string  `gorm:"column:program"`
	AuthorizationID string  `gorm:"column:authorization_id;index"`
	TemplateTier    string  `gorm:"column:template_tier"`
	OrderID         *string `gorm:"column:order_id"`

	IssuedAt  time.Time `gorm:"column:issued_at"`
	ExpiresAt time.Time `gorm:"column:expires_at;index"`

	Trial     bool `gorm:"column:trial"`
	AutoRenew bool `gorm:"column:auto_renew"`
	// SeatLimit mirrors the template's seat entitlement for the seat
	// manager's atomic check; 0 means unlimited.
	SeatLimit int `gorm:"column:seat_limit"`

	Revoked      bool       `gorm:"column:revoked"`
	RevokedAt    *time.Time `gorm:"column:revoked_at"`
	RevokeReason string     `gorm:"column:revoke_reason"`

	Suspended     bool       `gorm:"column:suspended"`
	SuspendedAt   *time.Time `gorm:"column:suspended_at"`
	SuspendReason string     `gorm:"column:suspend_reason"`

	GracePeriodEndsAt *time.Time `gorm:"column:grace_period_ends_at"`

	// Renewal chain links, symmetric between the old and new record.
	PreviousLicenseID *string `gorm:"column:previous_license_id"`
	RenewalLicenseID  *string `gorm:"column:renewal_license_id"`

	// Payload holds the canonical bytes of the full signed document,
	// exactly as distributed.
	Payload datatypes.JSON `gorm:"column:payload"`
	KeyID   string         `gorm:"column:key_id"`
}

// Document decodes the stored signed payload.
func (l *License) Document() (map[string]any, error) {
	return canonical.Decode(l.Payload)
}

type IssueRequest struct {
	Actor           string
	AuthorizationID string
	OrderID         *string
	// Scope carries the requested bindings (project/site/meter identifiers)
	// checked against the template's declared limits.
	Scope             map[string]any
	Trial             bool
	AutoRenew         bool
	PreviousLicenseID *string

	// claimRenewal carries the predecessor's id; the renewal link is then
	// claimed in the same transaction that inserts the successor, so a lost
	// claim rolls the whole insert back.
	claimRenewal *string
}
