package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"licensing-controlplane/pkg/config"
	"licensing-controlplane/pkg/security"
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

	db := testutil.NewTestDB(t, &Webhook{}, &Delivery{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Webhook.MaxAttempts = 3
	cfg.Webhook.Timeout = 2 * time.Second

	return NewService(ServiceParams{DB: db, Node: node, Config: cfg}), db
}

func TestRegisterValidatesInput(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, RegisterRequest{URL: "ftp://nope", Events: []string{Wildcard}})
	require.Error(t, err)

	_, err = svc.Register(ctx, RegisterRequest{URL: "https://listener.test/hook"})
	require.Error(t, err)

	hook, err := svc.Register(ctx, RegisterRequest{
		URL:    "https://listener.test/hook",
		Events: []string{EventLicenseIssued, EventLicenseRevoked},
	})
	require.NoError(t, err)
	require.True(t, hook.Active)
	require.True(t, hook.Subscribed(EventLicenseIssued))
	require.False(t, hook.Subscribed(EventLicenseExpired))
}

func TestEmitFansOutToSubscribers(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	orgID := "org-1"
	scoped, err := svc.Register(ctx, RegisterRequest{
		OrgID: &orgID, URL: "https://a.test/hook", Events: []string{EventLicenseIssued},
	})
	require.NoError(t, err)

	global, err := svc.Register(ctx, RegisterRequest{
		URL: "https://b.test/hook", Events: []string{Wildcard},
	})
	require.NoError(t, err)

	otherOrg := "org-2"
	_, err = svc.Register(ctx, RegisterRequest{
		OrgID: &otherOrg, URL: "https://c.test/hook", Events: []string{EventLicenseIssued},
	})
	require.NoError(t, err)

	wrongEvent, err := svc.Register(ctx, RegisterRequest{
		OrgID: &orgID, URL: "https://d.test/hook", Events: []string{EventLicenseRevoked},
	})
	require.NoError(t, err)

	require.NoError(t, svc.Emit(ctx, EventLicenseIssued, orgID, map[string]any{
		"license_id": "lic_1",
	}))

	scopedDeliveries, err := svc.ListDeliveries(ctx, scoped.ID)
	require.NoError(t, err)
	require.Len(t, scopedDeliveries, 1)
	require.Equal(t, DeliveryPending, scopedDeliveries[0].Status)

	globalDeliveries, err := svc.ListDeliveries(ctx, global.ID)
	require.NoError(t, err)
	require.Len(t, globalDeliveries, 1)

	none, err := svc.ListDeliveries(ctx, wrongEvent.ID)
	require.NoError(t, err)
	require.Empty(t, none)

	// The payload carries the event name and survives byte-for-byte.
	var payload map[string]any
	require.NoError(t, json.Unmarshal(scopedDeliveries[0].Payload, &payload))
	require.Equal(t, EventLicenseIssued, payload["event"])
	require.Equal(t, "lic_1", payload["license_id"])
}

func TestEmitWithoutOrgReachesGlobalListenersOnly(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	orgID := "org-1"
	scoped, err := svc.Register(ctx, RegisterRequest{
		OrgID: &orgID, URL: "https://a.test/hook", Events: []string{Wildcard},
	})
	require.NoError(t, err)

	global, err := svc.Register(ctx, RegisterRequest{
		URL: "https://b.test/hook", Events: []string{Wildcard},
	})
	require.NoError(t, err)

	require.NoError(t, svc.Emit(ctx, EventLicenseIssued, "", map[string]any{
		"license_id": "lic_1",
	}))

	none, err := svc.ListDeliveries(ctx, scoped.ID)
	require.NoError(t, err)
	require.Empty(t, none)

	globalDeliveries, err := svc.ListDeliveries(ctx, global.ID)
	require.NoError(t, err)
	require.Len(t, globalDeliveries, 1)
}

func TestDeliverSignsAndMarksDelivered(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	var gotSig atomic.Value
	var gotBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody.Store(body)
		gotSig.Store(r.Header.Get(SignatureHeader))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	hook, err := svc.Register(ctx, RegisterRequest{
		URL: srv.URL, Secret: "shh", Events: []string{Wildcard},
	})
	require.NoError(t, err)
	require.NoError(t, svc.Emit(ctx, EventLicenseIssued, "", map[string]any{"license_id": "lic_1"}))

	deliveries, err := svc.ListDeliveries(ctx, hook.ID)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)

	require.NoError(t, svc.Deliver(ctx, deliveries[0].ID))

	got, err := svc.ListDeliveries(ctx, hook.ID)
	require.NoError(t, err)
	require.Equal(t, DeliveryDelivered, got[0].Status)
	require.Equal(t, 1, got[0].AttemptNumber)
	require.Equal(t, http.StatusOK, got[0].StatusCode)
	require.NotNil(t, got[0].DeliveredAt)

	body := gotBody.Load().([]byte)
	require.Equal(t, "sha256="+security.SignHMAC("shh", body), gotSig.Load().(string))
	require.Equal(t, []byte(got[0].Payload), body)

	// Redelivering a delivered event is a no-op.
	require.NoError(t, svc.Deliver(ctx, deliveries[0].ID))
	got, err = svc.ListDeliveries(ctx, hook.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got[0].AttemptNumber)
}

func TestDeliverRetriesUntilBudgetExhausted(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	hook, err := svc.Register(ctx, RegisterRequest{URL: srv.URL, Events: []string{Wildcard}})
	require.NoError(t, err)
	require.NoError(t, svc.Emit(ctx, EventLicenseIssued, "", map[string]any{"license_id": "lic_1"}))

	deliveries, err := svc.ListDeliveries(ctx, hook.ID)
	require.NoError(t, err)
	deliveryID := deliveries[0].ID

	// Attempts below the budget surface an error so the queue retries.
	require.Error(t, svc.Deliver(ctx, deliveryID))
	require.Error(t, svc.Deliver(ctx, deliveryID))

	// The final attempt swallows the error and records permanent failure.
	require.NoError(t, svc.Deliver(ctx, deliveryID))

	got, err := svc.ListDeliveries(ctx, hook.ID)
	require.NoError(t, err)
	require.Equal(t, DeliveryFailed, got[0].Status)
	require.Equal(t, 3, got[0].AttemptNumber)
	require.NotEmpty(t, got[0].LastError)
	require.Equal(t, int32(3), hits.Load())
}

func TestDeactivatedHookReceivesNothing(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	hook, err := svc.Register(ctx, RegisterRequest{
		URL: "https://a.test/hook", Events: []string{Wildcard},
	})
	require.NoError(t, err)
	require.NoError(t, svc.Deactivate(ctx, hook.ID))

	require.NoError(t, svc.Emit(ctx, EventLicenseIssued, "", map[string]any{"license_id": "lic_1"}))

	deliveries, err := svc.ListDeliveries(ctx, hook.ID)
	require.NoError(t, err)
	require.Empty(t, deliveries)
}
