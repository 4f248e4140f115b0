package seat

import (
	"context"
	"sync"
	"testing"
	"time"

	"licensing-controlplane/pkg/errutil"
	"licensing-controlplane/services/audit"
	"licensing-controlplane/services/license"
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

	db := testutil.NewTestDB(t, &license.License{}, &SeatAssignment{}, &audit.Event{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	auditSvc := audit.NewService(audit.ServiceParams{DB: db, Node: node})
	return NewService(ServiceParams{DB: db, Audit: auditSvc}), db
}

func seedLicense(t *testing.T, db *gorm.DB, seatLimit int) *license.License {
	t.Helper()
	lic := &license.License{
		ID:        "lic_" + t.Name(),
		OrgID:     "org-1",
		Program:   "program-a",
		SeatLimit: seatLimit,
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().AddDate(1, 0, 0),
	}
	require.NoError(t, db.Create(lic).Error)
	return lic
}

func TestAssignWithinLimit(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	lic := seedLicense(t, db, 2)

	_, err := svc.Assign(ctx, "admin", lic.ID, "alice")
	require.NoError(t, err)
	_, err = svc.Assign(ctx, "admin", lic.ID, "bob")
	require.NoError(t, err)

	n, err := svc.ActiveCount(ctx, lic.ID)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestAssignBeyondLimitRejected(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	lic := seedLicense(t, db, 1)

	_, err := svc.Assign(ctx, "admin", lic.ID, "alice")
	require.NoError(t, err)

	_, err = svc.Assign(ctx, "admin", lic.ID, "bob")
	require.Error(t, err)
	require.Equal(t, "seat_limit_exceeded", errutil.Reason(err))
}

func TestAssignIsIdempotentPerUser(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	lic := seedLicense(t, db, 1)

	first, err := svc.Assign(ctx, "admin", lic.ID, "alice")
	require.NoError(t, err)

	// The same user re-claiming their seat never consumes capacity.
	again, err := svc.Assign(ctx, "admin", lic.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, first.UserID, again.UserID)

	n, err := svc.ActiveCount(ctx, lic.ID)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestReleaseFreesSeatAndKeepsHistory(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	lic := seedLicense(t, db, 1)

	_, err := svc.Assign(ctx, "admin", lic.ID, "alice")
	require.NoError(t, err)
	require.NoError(t, svc.Release(ctx, "admin", lic.ID, "alice"))

	n, err := svc.ActiveCount(ctx, lic.ID)
	require.NoError(t, err)
	require.Zero(t, n)

	// Freed capacity goes to the next claimant.
	_, err = svc.Assign(ctx, "admin", lic.ID, "bob")
	require.NoError(t, err)

	history, err := svc.List(ctx, lic.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)

	// Releasing a seat the user does not hold is a no-op.
	require.NoError(t, svc.Release(ctx, "admin", lic.ID, "carol"))
}

func TestReassignAfterRelease(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	lic := seedLicense(t, db, 2)

	_, err := svc.Assign(ctx, "admin", lic.ID, "alice")
	require.NoError(t, err)
	require.NoError(t, svc.Release(ctx, "admin", lic.ID, "alice"))

	back, err := svc.Assign(ctx, "admin", lic.ID, "alice")
	require.NoError(t, err)
	require.True(t, back.Active)
	require.Nil(t, back.ReleasedAt)
}

func TestAssignRejectsRevokedAndSuspended(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	lic := seedLicense(t, db, 2)

	require.NoError(t, db.Model(lic).Update("suspended", true).Error)
	_, err := svc.Assign(ctx, "admin", lic.ID, "alice")
	require.Error(t, err)
	require.Equal(t, "license_suspended", errutil.Reason(err))

	require.NoError(t, db.Model(lic).Update("revoked", true).Error)
	_, err = svc.Assign(ctx, "admin", lic.ID, "alice")
	require.Error(t, err)
	require.Equal(t, "license_revoked", errutil.Reason(err))
}

func TestUnlimitedSeats(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	lic := seedLicense(t, db, 0)

	for _, user := range []string{"a", "b", "c", "d", "e"} {
		_, err := svc.Assign(ctx, "admin", lic.ID, user)
		require.NoError(t, err)
	}
}

func TestConcurrentAssignsNeverOversubscribe(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	lic := seedLicense(t, db, 2)

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i, user := range []string{"alice", "bob", "carol"} {
		wg.Add(1)
		go func(i int, user string) {
			defer wg.Done()
			_, errs[i] = svc.Assign(ctx, "worker", lic.ID, user)
		}(i, user)
	}
	wg.Wait()

	var rejected int
	for _, err := range errs {
		if err != nil {
			require.Equal(t, "seat_limit_exceeded", errutil.Reason(err))
			rejected++
		}
	}
	require.Equal(t, 1, rejected)

	n, err := svc.ActiveCount(ctx, lic.ID)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}
