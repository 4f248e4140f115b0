package authorization

import (
	"time"

	"licensing-controlplane/services/entitlement"

	"gorm.io/datatypes"
)

type Status string

const (
	StatusActive     Status = "active"
	StatusSuspended  Status = "suspended"
	StatusTerminated Status = "terminated"
)

// Authorization is the grant of a template to an organization for exactly
// one program, over a half-open validity window [StartsAt, EndsAt). A
// license always references one authorization; an authorization may produce
// many licenses over its lifetime through reissues and renewals.
type Authorization struct {
	ID        string    `gorm:"column:id;primaryKey"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`

	OrgID        string `gorm:"column:org_id;index"`
	Program      string `gorm:"column:program"`
	TemplateTier string `gorm:"column:template_tier"`

	StartsAt time.Time `gorm:"column:starts_at"`
	EndsAt   time.Time `gorm:"column:ends_at"`
	Status   Status    `gorm:"column:status"`

	// ScopeOverrides narrow or rebind the template's default bindings, e.g.
	// which project/site/meter identifiers the grant covers. Explicit
	// overrides win over template defaults at issuance.
	ScopeOverrides datatypes.JSONMap `gorm:"column:scope_overrides"`

	SuspendedAt  *time.Time `gorm:"column:suspended_at"`
	TerminatedAt *time.Time `gorm:"column:terminated_at"`
	StatusReason string     `gorm:"column:status_reason"`
}

// InTerm reports whether now falls inside the half-open validity window.
func (a *Authorization) InTerm(now time.Time) bool {
	return !now.Before(a.StartsAt) && now.Before(a.EndsAt)
}

type CreateRequest struct {
	OrgID          string
	Program        entitlement.Program
	Tier           string
	StartsAt       time.Time
	EndsAt         time.Time
	ScopeOverrides map[string]any
}
