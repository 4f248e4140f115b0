package billing

import "time"

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderPaid      OrderStatus = "paid"
	OrderOverdue   OrderStatus = "overdue"
	OrderCancelled OrderStatus = "cancelled"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

// Order is a priced, termed purchase intent. One order yields at most one
// license, recorded via LicenseID once fulfilled.
type Order struct {
	ID        string    `gorm:"column:id;primaryKey"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`

	OrgID        string `gorm:"column:org_id;index"`
	Program      string `gorm:"column:program"`
	TemplateTier string `gorm:"column:template_tier"`

	AmountCents int64  `gorm:"column:amount_cents"`
	Currency    string `gorm:"column:currency"`
	TermDays    int    `gorm:"column:term_days"`

	Status    OrderStatus `gorm:"column:status"`
	PaidAt    *time.Time  `gorm:"column:paid_at"`
	LicenseID *string     `gorm:"column:license_id"`
}

// Payment is a gateway transaction record attached to an order.
type Payment struct {
	ID        string    `gorm:"column:id;primaryKey"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`

	OrderID     string        `gorm:"column:order_id;index"`
	AmountCents int64         `gorm:"column:amount_cents"`
	Status      PaymentStatus `gorm:"column:status"`
	GatewayRef  string        `gorm:"column:gateway_ref"`
}

type CreateOrderRequest struct {
	OrgID        string
	Program      string
	TemplateTier string
	AmountCents  int64
	Currency     string
	TermDays     int
}
