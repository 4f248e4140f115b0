package billing

import (
	"context"
	"errors"
	"time"

	"licensing-controlplane/pkg/errutil"
	"licensing-controlplane/services/audit"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db    *gorm.DB
	node  *snowflake.Node
	audit *audit.Service
}

type ServiceParams struct {
	fx.In
	DB    *gorm.DB
	Node  *snowflake.Node
	Audit *audit.Service
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:    p.DB,
		node:  p.Node,
		audit: p.Audit,
	}
}

func (s *Service) CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error) {
	if req.OrgID == "" || req.Program == "" || req.TemplateTier == "" {
		return nil, errutil.ValidationFailed("org_id, program and template_tier are required")
	}

	order := &Order{
		ID:           s.node.Generate().String(),
		OrgID:        req.OrgID,
		Program:      req.Program,
		TemplateTier: req.TemplateTier,
		AmountCents:  req.AmountCents,
		Currency:     req.Currency,
		TermDays:     req.TermDays,
		Status:       OrderPending,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}

	if err := s.db.WithContext(ctx).Create(order).Error; err != nil {
		return nil, errutil.Internal("failed to create order", errutil.WithErr(err))
	}

	s.audit.Record(ctx, "system", "order.created", order.ID, map[string]any{
		"org_id": order.OrgID,
		"tier":   order.TemplateTier,
	})

	return order, nil
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	var order Order
	if err := s.db.WithContext(ctx).Where("id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound("order not found")
		}
		return nil, errutil.Internal("failed to get order", errutil.WithErr(err))
	}
	return &order, nil
}

// RecordPayment stores the gateway's transaction outcome against an order.
func (s *Service) RecordPayment(ctx context.Context, orderID string, status PaymentStatus, amountCents int64, gatewayRef string) (*Payment, error) {
	if _, err := s.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}

	payment := &Payment{
		ID:          s.node.Generate().String(),
		OrderID:     orderID,
		AmountCents: amountCents,
		Status:      status,
		GatewayRef:  gatewayRef,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}

	if err := s.db.WithContext(ctx).Create(payment).Error; err != nil {
		return nil, errutil.Internal("failed to record payment", errutil.WithErr(err))
	}

	s.audit.Record(ctx, "gateway", "payment."+string(status), orderID, map[string]any{
		"payment_id":  payment.ID,
		"gateway_ref": gatewayRef,
	})

	return payment, nil
}

// MarkOrderPaid flips an order to paid. It refuses unless a completed
// payment exists; a paid order without verified money is the one state the
// billing gate must never produce.
func (s *Service) MarkOrderPaid(ctx context.Context, actor, orderID string) (*Order, error) {
	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if order.Status == OrderCancelled {
		return nil, errutil.UnprocessableEntity("order is cancelled",
			errutil.WithReason("order_cancelled"))
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&Payment{}).
		Where("order_id = ? AND status = ?", orderID, PaymentCompleted).
		Count(&count).Error; err != nil {
		return nil, errutil.Internal("failed to check payments", errutil.WithErr(err))
	}
	if count == 0 {
		s.audit.Record(ctx, actor, "order.paid.rejected", orderID, map[string]any{
			"reason": "billing_incomplete",
		})
		return nil, errutil.UnprocessableEntity("no completed payment for order",
			errutil.WithReason("billing_incomplete"))
	}

	now := time.Now()
	if err := s.db.WithContext(ctx).Model(order).Updates(map[string]any{
		"status":     OrderPaid,
		"paid_at":    now,
		"updated_at": now,
	}).Error; err != nil {
		return nil, errutil.Internal("failed to mark order paid", errutil.WithErr(err))
	}

	order.Status = OrderPaid
	order.PaidAt = &now
	s.audit.Record(ctx, actor, "order.paid", orderID, nil)
	zap.L().Info("order marked paid", zap.String("order_id", orderID))

	return order, nil
}

func (s *Service) MarkOverdue(ctx context.Context, actor, orderID string) error {
	return s.adminTransition(ctx, actor, orderID, OrderOverdue)
}

func (s *Service) CancelOrder(ctx context.Context, actor, orderID string) error {
	return s.adminTransition(ctx, actor, orderID, OrderCancelled)
}

func (s *Service) adminTransition(ctx context.Context, actor, orderID string, target OrderStatus) error {
	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status == OrderPaid {
		return errutil.UnprocessableEntity("paid orders cannot be reopened",
			errutil.WithReason("order_already_paid"))
	}

	if err := s.db.WithContext(ctx).Model(order).Updates(map[string]any{
		"status":     target,
		"updated_at": time.Now(),
	}).Error; err != nil {
		return errutil.Internal("failed to update order", errutil.WithErr(err))
	}

	s.audit.Record(ctx, actor, "order."+string(target), orderID, nil)
	return nil
}

// RequirePaidOrder is the issuer's precondition: the order must be paid and
// backed by a completed payment, and must not already hold a license.
func (s *Service) RequirePaidOrder(ctx context.Context, orderID string) (*Order, error) {
	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if order.Status != OrderPaid {
		return nil, errutil.UnprocessableEntity("order is not paid",
			errutil.WithReason("billing_incomplete"))
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&Payment{}).
		Where("order_id = ? AND status = ?", orderID, PaymentCompleted).
		Count(&count).Error; err != nil {
		return nil, errutil.Internal("failed to check payments", errutil.WithErr(err))
	}
	if count == 0 {
		return nil, errutil.UnprocessableEntity("no completed payment for order",
			errutil.WithReason("billing_incomplete"))
	}

	if order.LicenseID != nil {
		return nil, errutil.Conflict("order already fulfilled",
			errutil.WithReason("order_fulfilled"))
	}

	return order, nil
}

// AttachLicense links the issued license to its order inside the issuance
// transaction. One order yields at most one license.
func (s *Service) AttachLicense(tx *gorm.DB, orderID, licenseID string) error {
	res := tx.Model(&Order{}).
		Where("id = ? AND license_id IS NULL", orderID).
		Updates(map[string]any{
			"license_id": licenseID,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return errutil.Internal("failed to attach license to order", errutil.WithErr(res.Error))
	}
	if res.RowsAffected == 0 {
		return errutil.Conflict("order already fulfilled", errutil.WithReason("order_fulfilled"))
	}
	return nil
}
