package license

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"licensing-controlplane/pkg/config"
	"licensing-controlplane/pkg/errutil"
	"licensing-controlplane/pkg/signing"
	"licensing-controlplane/services/audit"
	"licensing-controlplane/services/authorization"
	"licensing-controlplane/services/billing"
	"licensing-controlplane/services/entitlement"
	"licensing-controlplane/services/organization"
	"licensing-controlplane/services/testutil"
	"licensing-controlplane/services/webhook"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

const proTemplate = `{
  "tier": "pro",
  "products": {"program-a": true},
  "features": ["metering", "reports"],
  "roles": ["viewer", "analyst"],
  "limits": {"seat_limit": 2, "meter_limit": 2, "project_limit": 1},
  "term_days": 365
}`

type harness struct {
	db       *gorm.DB
	cfg      *config.Config
	signer   *signing.Signer
	svc      *Service
	orgs     *organization.Service
	authz    *authorization.Service
	billing  *billing.Service
	webhooks *webhook.Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db := testutil.NewTestDB(t,
		&organization.Organization{},
		&authorization.Authorization{},
		&License{},
		&billing.Order{},
		&billing.Payment{},
		&webhook.Webhook{},
		&webhook.Delivery{},
		&audit.Event{},
	)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Licensing.GraceDays = 14
	cfg.Licensing.ReminderDays = []int{30, 7}
	cfg.Licensing.RenewalWindowDays = 30
	cfg.Licensing.AutoRenewEnabled = true
	cfg.Licensing.CacheTTLSec = 300
	cfg.Licensing.GraceSeconds = 3600
	cfg.Webhook.MaxAttempts = 3
	cfg.Webhook.Timeout = 2 * time.Second

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "program-a"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "program-a", "pro.json"), []byte(proTemplate), 0o644))
	cfg.Licensing.TemplatesDir = dir

	seed := []byte("license-service-test-seed-32bits")
	provider, err := signing.NewStaticProvider("k1", map[string][]byte{"k1": seed})
	require.NoError(t, err)
	signer := signing.New(provider)

	auditSvc := audit.NewService(audit.ServiceParams{DB: db, Node: node})
	orgs := organization.NewService(organization.ServiceParams{DB: db, Node: node, Audit: auditSvc})
	ents := entitlement.NewServiceFromDir(dir)
	authzSvc := authorization.NewService(authorization.ServiceParams{
		DB: db, Node: node, Entitlements: ents, Orgs: orgs, Audit: auditSvc,
	})
	billingSvc := billing.NewService(billing.ServiceParams{DB: db, Node: node, Audit: auditSvc})
	webhooks := webhook.NewService(webhook.ServiceParams{DB: db, Node: node, Config: cfg})

	svc := NewService(ServiceParams{
		DB:           db,
		Node:         node,
		Signer:       signer,
		Entitlements: ents,
		Orgs:         orgs,
		Authz:        authzSvc,
		Billing:      billingSvc,
		Webhooks:     webhooks,
		Audit:        auditSvc,
		Config:       cfg,
	})

	return &harness{
		db: db, cfg: cfg, signer: signer, svc: svc,
		orgs: orgs, authz: authzSvc, billing: billingSvc, webhooks: webhooks,
	}
}

func (h *harness) grant(t *testing.T) *authorization.Authorization {
	t.Helper()
	ctx := context.Background()

	org, err := h.orgs.Register(ctx, organization.RegisterRequest{
		Type: organization.Customer,
		Name: "Acme " + t.Name(),
	})
	require.NoError(t, err)

	now := time.Now().UTC()
	authz, err := h.authz.Create(ctx, authorization.CreateRequest{
		OrgID:    org.ID,
		Program:  entitlement.ProgramA,
		Tier:     "pro",
		StartsAt: now.AddDate(0, 0, -1),
		EndsAt:   now.AddDate(1, 0, 0),
	})
	require.NoError(t, err)
	return authz
}

func TestIssueSignsAndPersists(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	authz := h.grant(t)

	lic, err := h.svc.Issue(ctx, IssueRequest{
		Actor:           "admin",
		AuthorizationID: authz.ID,
		Scope:           map[string]any{"meters": []any{"m1", "m2"}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, lic.ID)
	require.Equal(t, authz.OrgID, lic.OrgID)
	require.Equal(t, "program-a", lic.Program)
	require.Equal(t, 2, lic.SeatLimit)
	require.Equal(t, "k1", lic.KeyID)

	doc, err := lic.Document()
	require.NoError(t, err)
	require.NoError(t, h.signer.Verify(doc))
	require.Equal(t, lic.ID, doc["license_id"])
	require.Equal(t, "pro", doc["tier"])

	org := doc["org"].(map[string]any)
	require.Equal(t, authz.OrgID, org["id"])

	bindings := doc["bindings"].(map[string]any)
	require.Len(t, bindings["meters"], 2)
}

func TestIssueRejectsInactiveAuthorization(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	authz := h.grant(t)

	_, err := h.authz.Suspend(ctx, "admin", authz.ID, "nonpayment")
	require.NoError(t, err)

	_, err = h.svc.Issue(ctx, IssueRequest{Actor: "admin", AuthorizationID: authz.ID})
	require.Error(t, err)
	require.Equal(t, "authorization_inactive", errutil.Reason(err))
}

func TestIssueEnforcesScopeLimits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	authz := h.grant(t)

	_, err := h.svc.Issue(ctx, IssueRequest{
		Actor:           "admin",
		AuthorizationID: authz.ID,
		Scope:           map[string]any{"meters": []any{"m1", "m2", "m3"}},
	})
	require.Error(t, err)
	require.Equal(t, "meter_limit_exceeded", errutil.Reason(err))

	_, err = h.svc.Issue(ctx, IssueRequest{
		Actor:           "admin",
		AuthorizationID: authz.ID,
		Scope:           map[string]any{"projects": []any{"p1", "p2"}},
	})
	require.Error(t, err)
	require.Equal(t, "project_limit_exceeded", errutil.Reason(err))

	_, err = h.svc.Issue(ctx, IssueRequest{
		Actor:           "admin",
		AuthorizationID: authz.ID,
		Scope:           map[string]any{"users": []any{"u1", "u2", "u3"}},
	})
	require.Error(t, err)
	require.Equal(t, "seat_limit_exceeded", errutil.Reason(err))
}

func TestIssueBillingGate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	authz := h.grant(t)

	order, err := h.billing.CreateOrder(ctx, billing.CreateOrderRequest{
		OrgID: authz.OrgID, Program: "program-a", TemplateTier: "pro",
		AmountCents: 49900, Currency: "USD", TermDays: 365,
	})
	require.NoError(t, err)

	_, err = h.svc.Issue(ctx, IssueRequest{
		Actor: "admin", AuthorizationID: authz.ID, OrderID: &order.ID,
	})
	require.Error(t, err)
	require.Equal(t, "billing_incomplete", errutil.Reason(err))

	_, err = h.billing.RecordPayment(ctx, order.ID, billing.PaymentCompleted, order.AmountCents, "txn-1")
	require.NoError(t, err)
	_, err = h.billing.MarkOrderPaid(ctx, "admin", order.ID)
	require.NoError(t, err)

	lic, err := h.svc.Issue(ctx, IssueRequest{
		Actor: "admin", AuthorizationID: authz.ID, OrderID: &order.ID,
	})
	require.NoError(t, err)

	fulfilled, err := h.billing.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, lic.ID, *fulfilled.LicenseID)

	// One order, one license.
	_, err = h.svc.Issue(ctx, IssueRequest{
		Actor: "admin", AuthorizationID: authz.ID, OrderID: &order.ID,
	})
	require.Error(t, err)
	require.Equal(t, "order_fulfilled", errutil.Reason(err))
}

func TestRevokeIsIdempotentAndTerminal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	authz := h.grant(t)

	lic, err := h.svc.Issue(ctx, IssueRequest{Actor: "admin", AuthorizationID: authz.ID})
	require.NoError(t, err)

	revoked, err := h.svc.Revoke(ctx, "admin", lic.ID, "key leak")
	require.NoError(t, err)
	require.True(t, revoked.Revoked)
	require.Equal(t, "key leak", revoked.RevokeReason)

	again, err := h.svc.Revoke(ctx, "admin", lic.ID, "other reason")
	require.NoError(t, err)
	require.Equal(t, "key leak", again.RevokeReason)

	_, err = h.svc.Suspend(ctx, "admin", lic.ID, "x")
	require.Error(t, err)
	require.Equal(t, "license_revoked", errutil.Reason(err))
}

func TestSuspendResume(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	authz := h.grant(t)

	lic, err := h.svc.Issue(ctx, IssueRequest{Actor: "admin", AuthorizationID: authz.ID})
	require.NoError(t, err)

	suspended, err := h.svc.Suspend(ctx, "admin", lic.ID, "nonpayment")
	require.NoError(t, err)
	require.True(t, suspended.Suspended)

	resumed, err := h.svc.Resume(ctx, "admin", lic.ID)
	require.NoError(t, err)
	require.False(t, resumed.Suspended)
	require.Empty(t, resumed.SuspendReason)
}

func TestResumeNeverRevivesRevoked(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	authz := h.grant(t)

	lic, err := h.svc.Issue(ctx, IssueRequest{Actor: "admin", AuthorizationID: authz.ID})
	require.NoError(t, err)

	_, err = h.svc.Suspend(ctx, "admin", lic.ID, "nonpayment")
	require.NoError(t, err)
	_, err = h.svc.Revoke(ctx, "admin", lic.ID, "fraud")
	require.NoError(t, err)

	resumed, err := h.svc.Resume(ctx, "admin", lic.ID)
	require.NoError(t, err)
	require.False(t, resumed.Suspended)
	require.True(t, resumed.Revoked)
}

func TestRenewChainsLicenses(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	authz := h.grant(t)

	lic, err := h.svc.Issue(ctx, IssueRequest{
		Actor:           "admin",
		AuthorizationID: authz.ID,
		AutoRenew:       true,
		Scope:           map[string]any{"meters": []any{"m1"}},
	})
	require.NoError(t, err)

	next, err := h.svc.Renew(ctx, "admin", lic.ID)
	require.NoError(t, err)
	require.NotEqual(t, lic.ID, next.ID)
	require.Equal(t, lic.ID, *next.PreviousLicenseID)
	require.True(t, next.AutoRenew)

	old, err := h.svc.Get(ctx, lic.ID)
	require.NoError(t, err)
	require.Equal(t, next.ID, *old.RenewalLicenseID)

	// The new term starts where the old one ended and keeps its bindings.
	doc, err := next.Document()
	require.NoError(t, err)
	bindings := doc["bindings"].(map[string]any)
	require.Len(t, bindings["meters"], 1)

	// A second renew returns the existing successor.
	same, err := h.svc.Renew(ctx, "admin", lic.ID)
	require.NoError(t, err)
	require.Equal(t, next.ID, same.ID)
}

func TestRenewRejectsRevokedAndSuspended(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	authz := h.grant(t)

	lic, err := h.svc.Issue(ctx, IssueRequest{Actor: "admin", AuthorizationID: authz.ID})
	require.NoError(t, err)

	_, err = h.svc.Suspend(ctx, "admin", lic.ID, "nonpayment")
	require.NoError(t, err)
	_, err = h.svc.Renew(ctx, "admin", lic.ID)
	require.Error(t, err)
	require.Equal(t, "license_suspended", errutil.Reason(err))

	_, err = h.svc.Resume(ctx, "admin", lic.ID)
	require.NoError(t, err)
	_, err = h.svc.Revoke(ctx, "admin", lic.ID, "fraud")
	require.NoError(t, err)
	_, err = h.svc.Renew(ctx, "admin", lic.ID)
	require.Error(t, err)
	require.Equal(t, "license_revoked", errutil.Reason(err))
}

func TestRenewConcurrentlyMintsOneSuccessor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	authz := h.grant(t)

	lic, err := h.svc.Issue(ctx, IssueRequest{
		Actor:           "admin",
		AuthorizationID: authz.ID,
		AutoRenew:       true,
	})
	require.NoError(t, err)

	const sweeps = 4
	renewals := make([]*License, sweeps)
	errs := make([]error, sweeps)
	var wg sync.WaitGroup
	for i := 0; i < sweeps; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			renewals[i], errs[i] = h.svc.Renew(ctx, "scheduler", lic.ID)
		}(i)
	}
	wg.Wait()

	// Every caller gets the same successor back.
	for i := 0; i < sweeps; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, renewals[0].ID, renewals[i].ID)
	}

	// Exactly one successor row exists; losing inserts rolled back.
	var licenses int64
	require.NoError(t, h.db.Model(&License{}).Count(&licenses).Error)
	require.EqualValues(t, 2, licenses)

	// Only the original and the winning renewal authorization stay active.
	var active int64
	require.NoError(t, h.db.Model(&authorization.Authorization{}).
		Where("status = ?", authorization.StatusActive).
		Count(&active).Error)
	require.EqualValues(t, 2, active)
}

func TestIssueRollsBackLostRenewalClaim(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	authz := h.grant(t)

	lic, err := h.svc.Issue(ctx, IssueRequest{Actor: "admin", AuthorizationID: authz.ID})
	require.NoError(t, err)
	next, err := h.svc.Renew(ctx, "admin", lic.ID)
	require.NoError(t, err)

	now := time.Now().UTC()
	spare, err := h.authz.Create(ctx, authorization.CreateRequest{
		OrgID:    authz.OrgID,
		Program:  entitlement.ProgramA,
		Tier:     "pro",
		StartsAt: now.AddDate(0, 0, -1),
		EndsAt:   now.AddDate(1, 0, 0),
	})
	require.NoError(t, err)

	// The renewal slot is already taken; a competing claim must not leave
	// its successor behind.
	_, err = h.svc.Issue(ctx, IssueRequest{
		Actor:           "admin",
		AuthorizationID: spare.ID,
		claimRenewal:    &lic.ID,
	})
	require.Error(t, err)
	require.Equal(t, "license_already_renewed", errutil.Reason(err))

	var count int64
	require.NoError(t, h.db.Model(&License{}).Count(&count).Error)
	require.EqualValues(t, 2, count)

	old, err := h.svc.Get(ctx, lic.ID)
	require.NoError(t, err)
	require.Equal(t, next.ID, *old.RenewalLicenseID)
}
