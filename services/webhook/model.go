package webhook

import (
	"time"

	"gorm.io/datatypes"
)

// Lifecycle event types listeners may subscribe to. A subscription of "*"
// receives everything.
const (
	EventLicenseIssued   = "license.issued"
	EventLicenseRevoked  = "license.revoked"
	EventLicenseSuspend  = "license.suspended"
	EventLicenseResumed  = "license.resumed"
	EventLicenseExpired  = "license.expired"
	EventLicenseRenewed  = "license.renewed"
	EventLicenseExpiring = "license.expiring"

	Wildcard = "*"
)

// SignatureHeader carries the hex HMAC-SHA256 of the exact bytes sent, as
// "sha256=<hex>", when the webhook has a shared secret.
const SignatureHeader = "X-Webhook-Signature"

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// Webhook is a registered listener endpoint.
type Webhook struct {
	ID        string    `gorm:"column:id;primaryKey"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`

	// OrgID scopes the listener to one organization's events; nil receives
	// events for every organization.
	OrgID  *string                     `gorm:"column:org_id;index"`
	URL    string                      `gorm:"column:url"`
	Secret string                      `gorm:"column:secret"`
	Events datatypes.JSONSlice[string] `gorm:"column:events"`
	Active bool                        `gorm:"column:active"`
}

// Subscribed reports whether the listener wants the event type.
func (w *Webhook) Subscribed(event string) bool {
	for _, e := range w.Events {
		if e == event || e == Wildcard {
			return true
		}
	}
	return false
}

// Delivery is one event's delivery state against one webhook. Payload holds
// the exact bytes POSTed, which are also the bytes the HMAC signature
// covers.
type Delivery struct {
	ID        string    `gorm:"column:id;primaryKey"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`

	WebhookID string         `gorm:"column:webhook_id;index"`
	Event     string         `gorm:"column:event"`
	Payload   datatypes.JSON `gorm:"column:payload"`

	AttemptNumber int            `gorm:"column:attempt_number"`
	StatusCode    int            `gorm:"column:status_code"`
	Response      string         `gorm:"column:response"`
	LastError     string         `gorm:"column:last_error"`
	Status        DeliveryStatus `gorm:"column:status"`
	DeliveredAt   *time.Time     `gorm:"column:delivered_at"`
}

type RegisterRequest struct {
	OrgID  *string
	URL    string
	Secret string
	Events []string
}
