package billing

import (
	"context"
	"testing"

	"licensing-controlplane/pkg/errutil"
	"licensing-controlplane/services/audit"
	"licensing-controlplane/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()

	db := testutil.NewTestDB(t, &Order{}, &Payment{}, &audit.Event{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	auditSvc := audit.NewService(audit.ServiceParams{DB: db, Node: node})
	return NewService(ServiceParams{DB: db, Node: node, Audit: auditSvc}), db
}

func newOrder(t *testing.T, svc *Service) *Order {
	t.Helper()
	order, err := svc.CreateOrder(context.Background(), CreateOrderRequest{
		OrgID:        "org-1",
		Program:      "program-a",
		TemplateTier: "pro",
		AmountCents:  49900,
		Currency:     "USD",
		TermDays:     365,
	})
	require.NoError(t, err)
	return order
}

func TestMarkPaidRequiresCompletedPayment(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	order := newOrder(t, svc)

	_, err := svc.MarkOrderPaid(ctx, "admin", order.ID)
	require.Error(t, err)
	require.Equal(t, "billing_incomplete", errutil.Reason(err))

	// A failed payment does not count.
	_, err = svc.RecordPayment(ctx, order.ID, PaymentFailed, order.AmountCents, "txn-1")
	require.NoError(t, err)
	_, err = svc.MarkOrderPaid(ctx, "admin", order.ID)
	require.Error(t, err)
	require.Equal(t, "billing_incomplete", errutil.Reason(err))

	_, err = svc.RecordPayment(ctx, order.ID, PaymentCompleted, order.AmountCents, "txn-2")
	require.NoError(t, err)

	paid, err := svc.MarkOrderPaid(ctx, "admin", order.ID)
	require.NoError(t, err)
	require.Equal(t, OrderPaid, paid.Status)
	require.NotNil(t, paid.PaidAt)
}

func TestRequirePaidOrder(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	order := newOrder(t, svc)

	_, err := svc.RequirePaidOrder(ctx, order.ID)
	require.Error(t, err)
	require.Equal(t, "billing_incomplete", errutil.Reason(err))

	_, err = svc.RecordPayment(ctx, order.ID, PaymentCompleted, order.AmountCents, "txn-1")
	require.NoError(t, err)
	_, err = svc.MarkOrderPaid(ctx, "admin", order.ID)
	require.NoError(t, err)

	got, err := svc.RequirePaidOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, order.ID, got.ID)
}

func TestAttachLicenseSingleShot(t *testing.T) {
	svc, db := newTestService(t)
	order := newOrder(t, svc)

	require.NoError(t, svc.AttachLicense(db, order.ID, "lic_1"))

	err := svc.AttachLicense(db, order.ID, "lic_2")
	require.Error(t, err)
	require.Equal(t, "order_fulfilled", errutil.Reason(err))

	got, err := svc.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, "lic_1", *got.LicenseID)
}

func TestFulfilledOrderRejectsReuse(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	order := newOrder(t, svc)

	_, err := svc.RecordPayment(ctx, order.ID, PaymentCompleted, order.AmountCents, "txn-1")
	require.NoError(t, err)
	_, err = svc.MarkOrderPaid(ctx, "admin", order.ID)
	require.NoError(t, err)
	require.NoError(t, svc.AttachLicense(db, order.ID, "lic_1"))

	_, err = svc.RequirePaidOrder(ctx, order.ID)
	require.Error(t, err)
	require.Equal(t, "order_fulfilled", errutil.Reason(err))
}

func TestPaidOrderCannotBeReopened(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	order := newOrder(t, svc)

	_, err := svc.RecordPayment(ctx, order.ID, PaymentCompleted, order.AmountCents, "txn-1")
	require.NoError(t, err)
	_, err = svc.MarkOrderPaid(ctx, "admin", order.ID)
	require.NoError(t, err)

	err = svc.CancelOrder(ctx, "admin", order.ID)
	require.Error(t, err)
	require.Equal(t, "order_already_paid", errutil.Reason(err))

	err = svc.MarkOverdue(ctx, "admin", order.ID)
	require.Error(t, err)
	require.Equal(t, "order_already_paid", errutil.Reason(err))
}

func TestCancelledOrderCannotBePaid(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	order := newOrder(t, svc)

	require.NoError(t, svc.CancelOrder(ctx, "admin", order.ID))

	_, err := svc.RecordPayment(ctx, order.ID, PaymentCompleted, order.AmountCents, "txn-1")
	require.NoError(t, err)
	_, err = svc.MarkOrderPaid(ctx, "admin", order.ID)
	require.Error(t, err)
	require.Equal(t, "order_cancelled", errutil.Reason(err))
}
