package apikey

import (
	"time"

	"github.com/lib/pq"
)

type Status string

const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
)

// Scopes grantable to partner-facing API keys.
const (
	ScopeLicenseVerify = "license.verify"
	ScopeLicenseIssue  = "license.issue"
	ScopeSeatManage    = "seat.manage"
	ScopeWebhookManage = "webhook.manage"
)

// APIKey authenticates a partner integration. Only the argon2 hash of the
// secret is stored; the plaintext is shown once at issuance.
type APIKey struct {
	ID        string    `gorm:"column:id;primaryKey"`
	CreatedAt time.Time `gorm:"column:created_at"`

	OrgID      string         `gorm:"column:org_id;not null;index"`
	KeyID      string         `gorm:"column:key_id;uniqueIndex;not null"` // e.g. lck_live_xxx
	SecretHash string         `gorm:"column:secret_hash;not null"`
	Scopes     pq.StringArray `gorm:"column:scopes;type:text[];not null"`
	Status     Status         `gorm:"column:status;default:'active';not null"`
	CreatedBy  string         `gorm:"column:created_by"`
	RevokedAt  *time.Time     `gorm:"column:revoked_at"`
	LastUsedAt *time.Time     `gorm:"column:last_used_at"`
}

func (APIKey) TableName() string {
	return "api_keys"
}

func (k *APIKey) HasScope(scope string) bool {
	for _, s := range k.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// IssuedKey carries the one-time plaintext secret back to the caller.
type IssuedKey struct {
	Key    *APIKey `json:"key"`
	Secret string  `json:"secret"`
}
