package license

import (
	"context"
	"errors"
	"time"

	"licensing-controlplane/pkg/canonical"
	"licensing-controlplane/pkg/config"
	"licensing-controlplane/pkg/errutil"
	"licensing-controlplane/pkg/rediskey"
	"licensing-controlplane/pkg/signing"
	"licensing-controlplane/services/audit"
	"licensing-controlplane/services/authorization"
	"licensing-controlplane/services/billing"
	"licensing-controlplane/services/entitlement"
	"licensing-controlplane/services/organization"
	"licensing-controlplane/services/webhook"

	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db           *gorm.DB
	node         *snowflake.Node
	signer       *signing.Signer
	entitlements *entitlement.Service
	orgs         *organization.Service
	authz        *authorization.Service
	billing      *billing.Service
	webhooks     *webhook.Service
	audit        *audit.Service
	rdb          *redis.Client
	config       *config.Config
}

type ServiceParams struct {
	fx.In
	DB           *gorm.DB
	Node         *snowflake.Node
	Signer       *signing.Signer
	Entitlements *entitlement.Service
	Orgs         *organization.Service
	Authz        *authorization.Service
	Billing      *billing.Service
	Webhooks     *webhook.Service
	Audit        *audit.Service
	Redis        *redis.Client `optional:"true"`
	Config       *config.Config
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:           p.DB,
		node:         p.Node,
		signer:       p.Signer,
		entitlements: p.Entitlements,
		orgs:         p.Orgs,
		authz:        p.Authz,
		billing:      p.Billing,
		webhooks:     p.Webhooks,
		audit:        p.Audit,
		rdb:          p.Redis,
		config:       p.Config,
	}
}

// Issue composes template + authorization + organization into a new signed
// license. The signature is self-verified before anything is persisted:
// an artifact the deployment itself cannot verify must never reach the
// store.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (*License, error) {
	span := trace.SpanFromContext(ctx)
	zapLog := zap.L().With(
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
	)

	authz, err := s.authz.Get(ctx, req.AuthorizationID)
	if err != nil {
		return nil, err
	}
	if authz.Status != authorization.StatusActive {
		return nil, errutil.UnprocessableEntity("authorization is not active",
			errutil.WithReason("authorization_inactive"))
	}

	org, err := s.orgs.Get(ctx, authz.OrgID)
	if err != nil {
		return nil, err
	}

	if req.OrderID != nil {
		if _, err := s.billing.RequirePaidOrder(ctx, *req.OrderID); err != nil {
			s.audit.Record(ctx, req.Actor, "license.issue.rejected", authz.ID, map[string]any{
				"reason": errutil.Reason(err),
			})
			return nil, err
		}
	}

	program := entitlement.Program(authz.Program)
	tpl, err := s.entitlements.LoadValidated(program, authz.TemplateTier)
	if err != nil {
		return nil, err
	}

	bindings := mergeBindings(req.Scope, authz.ScopeOverrides)
	if err := checkScopeLimits(tpl, bindings); err != nil {
		s.audit.Record(ctx, req.Actor, "license.issue.rejected", authz.ID, map[string]any{
			"reason": errutil.Reason(err),
		})
		return nil, err
	}

	licenseID := "lic_" + s.node.Generate().String()
	now := time.Now().UTC()

	doc := map[string]any{
		"license_id":       licenseID,
		"program":          authz.Program,
		"authorization_id": authz.ID,
		"tier":             tpl.Tier,
		"org": map[string]any{
			"id":   org.ID,
			"name": org.Name,
			"type": string(org.Type),
		},
		"entitlements": map[string]any{
			"features": toAnySlice(tpl.Features),
			"roles":    toAnySlice(tpl.Roles),
			"limits":   toAnyMap(tpl.Limits),
		},
		"bindings":   bindings,
		"issued_at":  now.Format(time.RFC3339),
		"starts_at":  authz.StartsAt.UTC().Format(time.RFC3339),
		"expires_at": authz.EndsAt.UTC().Format(time.RFC3339),
		"trial":      req.Trial || tpl.Trial,
		"auto_renew": req.AutoRenew,
		"revocation_policy": map[string]any{
			"cache_ttl_sec": s.config.Licensing.CacheTTLSec,
			"grace_seconds": s.config.Licensing.GraceSeconds,
		},
	}

	signed, err := s.signer.Sign(doc)
	if err != nil {
		zapLog.Error("failed to sign license", zap.Error(err))
		return nil, errutil.Internal("failed to sign license", errutil.WithErr(err))
	}

	// Fail closed: abort issuance rather than persist an unverifiable
	// artifact.
	if err := s.signer.Verify(signed); err != nil {
		zapLog.Error("license self-verification failed", zap.String("license_id", licenseID), zap.Error(err))
		return nil, errutil.Internal("license self-verification failed",
			errutil.WithReason("self_verification_failed"), errutil.WithErr(err))
	}

	payload, err := canonical.Marshal(signed)
	if err != nil {
		return nil, errutil.Internal("failed to encode license payload", errutil.WithErr(err))
	}

	keyID := signed[canonical.SignatureField].(map[string]any)["key_id"].(string)

	lic := &License{
		ID:                licenseID,
		OrgID:             org.ID,
		Program:           authz.Program,
		AuthorizationID:   authz.ID,
		TemplateTier:      tpl.Tier,
		OrderID:           req.OrderID,
		IssuedAt:          now,
		ExpiresAt:         authz.EndsAt,
		Trial:             req.Trial || tpl.Trial,
		AutoRenew:         req.AutoRenew,
		SeatLimit:         tpl.SeatLimit(),
		PreviousLicenseID: req.PreviousLicenseID,
		Payload:           payload,
		KeyID:             keyID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(lic).Error; err != nil {
			return err
		}
		if req.OrderID != nil {
			if err := s.billing.AttachLicense(tx, *req.OrderID, lic.ID); err != nil {
				return err
			}
		}
		if req.claimRenewal != nil {
			// The IS NULL guard makes renewal single-shot even under a
			// concurrent sweep; losing the claim aborts the insert so no
			// unlinked successor survives.
			res := tx.Model(&License{}).
				Where("id = ? AND renewal_license_id IS NULL", *req.claimRenewal).
				Updates(map[string]any{
					"renewal_license_id": lic.ID,
					"updated_at":         now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return errutil.Conflict("license already renewed",
					errutil.WithReason("license_already_renewed"))
			}
		}
		return nil
	}); err != nil {
		var base errutil.BaseError
		if errors.As(err, &base) {
			return nil, err
		}
		zapLog.Error("failed to persist license", zap.Error(err))
		return nil, errutil.Internal("failed to persist license", errutil.WithErr(err))
	}

	s.audit.Record(ctx, req.Actor, "license.issued", lic.ID, map[string]any{
		"org_id":           lic.OrgID,
		"program":          lic.Program,
		"authorization_id": lic.AuthorizationID,
	})
	s.emit(ctx, webhook.EventLicenseIssued, lic)

	zapLog.Info("license issued",
		zap.String("license_id", lic.ID),
		zap.String("org_id", lic.OrgID),
		zap.String("program", lic.Program),
	)
	return lic, nil
}

func (s *Service) Get(ctx context.Context, licenseID string) (*License, error) {
	var lic License
	if err := s.db.WithContext(ctx).Where("id = ?", licenseID).First(&lic).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound("license not found")
		}
		return nil, errutil.Internal("failed to get license", errutil.WithErr(err))
	}
	return &lic, nil
}

func (s *Service) ListByOrg(ctx context.Context, orgID string) ([]*License, error) {
	var licenses []*License
	if err := s.db.WithContext(ctx).
		Where("org_id = ?", orgID).
		Order("issued_at asc").
		Find(&licenses).Error; err != nil {
		return nil, errutil.Internal("failed to list licenses", errutil.WithErr(err))
	}
	return licenses, nil
}

// Revoke is terminal from any state. Revoking an already revoked license is
// a no-op.
func (s *Service) Revoke(ctx context.Context, actor, licenseID, reason string) (*License, error) {
	lic, err := s.Get(ctx, licenseID)
	if err != nil {
		return nil, err
	}
	if lic.Revoked {
		return lic, nil
	}

	now := time.Now()
	if err := s.db.WithContext(ctx).Model(lic).Updates(map[string]any{
		"revoked":       true,
		"revoked_at":    now,
		"revoke_reason": reason,
		"updated_at":    now,
	}).Error; err != nil {
		return nil, errutil.Internal("failed to revoke license", errutil.WithErr(err))
	}

	lic.Revoked = true
	lic.RevokedAt = &now
	lic.RevokeReason = reason

	s.invalidateCache(ctx, lic.ID)
	s.audit.Record(ctx, actor, "license.revoked", lic.ID, map[string]any{"reason": reason})
	s.emit(ctx, webhook.EventLicenseRevoked, lic)

	return lic, nil
}

// Suspend disables a license reversibly.
func (s *Service) Suspend(ctx context.Context, actor, licenseID, reason string) (*License, error) {
	lic, err := s.Get(ctx, licenseID)
	if err != nil {
		return nil, err
	}
	if lic.Revoked {
		return nil, errutil.UnprocessableEntity("license is revoked",
			errutil.WithReason("license_revoked"))
	}
	if lic.Suspended {
		return lic, nil
	}

	now := time.Now()
	if err := s.db.WithContext(ctx).Model(lic).Updates(map[string]any{
		"suspended":      true,
		"suspended_at":   now,
		"suspend_reason": reason,
		"updated_at":     now,
	}).Error; err != nil {
		return nil, errutil.Internal("failed to suspend license", errutil.WithErr(err))
	}

	lic.Suspended = true
	lic.SuspendedAt = &now
	lic.SuspendReason = reason

	s.invalidateCache(ctx, lic.ID)
	s.audit.Record(ctx, actor, "license.suspended", lic.ID, map[string]any{"reason": reason})
	s.emit(ctx, webhook.EventLicenseSuspend, lic)

	return lic, nil
}

// Resume clears a suspension. Revocation dominates: resuming a revoked
// license clears the suspension metadata but never restores validity.
func (s *Service) Resume(ctx context.Context, actor, licenseID string) (*License, error) {
	lic, err := s.Get(ctx, licenseID)
	if err != nil {
		return nil, err
	}
	if !lic.Suspended {
		return lic, nil
	}

	if err := s.db.WithContext(ctx).Model(lic).Updates(map[string]any{
		"suspended":      false,
		"suspended_at":   nil,
		"suspend_reason": "",
		"updated_at":     time.Now(),
	}).Error; err != nil {
		return nil, errutil.Internal("failed to resume license", errutil.WithErr(err))
	}

	lic.Suspended = false
	lic.SuspendedAt = nil
	lic.SuspendReason = ""

	s.audit.Record(ctx, actor, "license.resumed", lic.ID, nil)
	if !lic.Revoked {
		s.invalidateCache(ctx, lic.ID)
		s.emit(ctx, webhook.EventLicenseResumed, lic)
	}

	return lic, nil
}

// Renew mints a fresh authorization and a fresh signed license chained to
// the old one. Calling it again for an already renewed license returns the
// existing renewal without side effects.
func (s *Service) Renew(ctx context.Context, actor, licenseID string) (*License, error) {
	lic, err := s.Get(ctx, licenseID)
	if err != nil {
		return nil, err
	}

	if lic.RenewalLicenseID != nil {
		return s.Get(ctx, *lic.RenewalLicenseID)
	}
	if lic.Revoked {
		return nil, errutil.UnprocessableEntity("revoked licenses cannot be renewed",
			errutil.WithReason("license_revoked"))
	}
	if lic.Suspended {
		return nil, errutil.UnprocessableEntity("suspended licenses cannot be renewed",
			errutil.WithReason("license_suspended"))
	}

	prevAuthz, err := s.authz.Get(ctx, lic.AuthorizationID)
	if err != nil {
		return nil, err
	}
	if prevAuthz.Status != authorization.StatusActive {
		return nil, errutil.UnprocessableEntity("authorization is not active",
			errutil.WithReason("authorization_inactive"))
	}

	nextAuthz, err := s.authz.MintRenewal(ctx, prevAuthz)
	if err != nil {
		return nil, err
	}

	doc, err := lic.Document()
	if err != nil {
		return nil, errutil.Internal("failed to decode license payload", errutil.WithErr(err))
	}
	scope, _ := doc["bindings"].(map[string]any)

	next, err := s.Issue(ctx, IssueRequest{
		Actor:             actor,
		AuthorizationID:   nextAuthz.ID,
		Scope:             scope,
		Trial:             false,
		AutoRenew:         lic.AutoRenew,
		PreviousLicenseID: &lic.ID,
		claimRenewal:      &lic.ID,
	})
	if err != nil {
		if errutil.Reason(err) != "license_already_renewed" {
			return nil, err
		}
		// Lost a concurrent renewal: the successor's insert rolled back, so
		// only the surplus authorization is left to clean up before handing
		// back the winner.
		zap.L().Warn("license renewed concurrently", zap.String("license_id", lic.ID))
		if _, terr := s.authz.Terminate(ctx, actor, nextAuthz.ID, "superseded by concurrent renewal"); terr != nil {
			zap.L().Error("failed to terminate surplus renewal authorization",
				zap.String("authorization_id", nextAuthz.ID),
				zap.Error(terr),
			)
		}
		cur, err := s.Get(ctx, licenseID)
		if err != nil {
			return nil, err
		}
		if cur.RenewalLicenseID == nil {
			return nil, errutil.Internal("renewal link missing after lost claim")
		}
		return s.Get(ctx, *cur.RenewalLicenseID)
	}

	s.audit.Record(ctx, actor, "license.renewed", lic.ID, map[string]any{
		"renewal_license_id": next.ID,
	})
	s.emit(ctx, webhook.EventLicenseRenewed, next)

	return next, nil
}

func (s *Service) emit(ctx context.Context, event string, lic *License) {
	if err := s.webhooks.Emit(ctx, event, lic.OrgID, map[string]any{
		"license_id": lic.ID,
		"org_id":     lic.OrgID,
		"program":    lic.Program,
	}); err != nil {
		// Delivery problems never affect the triggering mutation.
		zap.L().Error("failed to emit webhook event",
			zap.String("event", event),
			zap.String("license_id", lic.ID),
			zap.Error(err),
		)
	}
}

func (s *Service) invalidateCache(ctx context.Context, licenseID string) {
	if s.rdb == nil {
		return
	}
	if err := s.rdb.Del(ctx, rediskey.Verification(licenseID)).Err(); err != nil {
		zap.L().Warn("failed to invalidate verification cache",
			zap.String("license_id", licenseID),
			zap.Error(err),
		)
	}
}

// mergeBindings lays authorization overrides over the requested scope;
// explicit overrides win.
func mergeBindings(scope map[string]any, overrides map[string]any) map[string]any {
	out := make(map[string]any, len(scope)+len(overrides))
	for k, v := range scope {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

func checkScopeLimits(tpl *entitlement.Template, bindings map[string]any) error {
	if limit := tpl.SeatLimit(); limit > 0 {
		if n := bindingCount(bindings["users"]); n > limit {
			return errutil.UnprocessableEntity("requested users exceed the template's seat limit",
				errutil.WithReason("seat_limit_exceeded"))
		}
	}
	if limit := tpl.MeterLimit(); limit > 0 {
		if n := bindingCount(bindings["meters"]); n > limit {
			return errutil.UnprocessableEntity("requested meters exceed the template's meter limit",
				errutil.WithReason("meter_limit_exceeded"))
		}
	}
	if limit := tpl.ProjectLimit(); limit > 0 {
		if n := bindingCount(bindings["projects"]); n > limit {
			return errutil.UnprocessableEntity("requested projects exceed the template's project limit",
				errutil.WithReason("project_limit_exceeded"))
		}
	}
	return nil
}

func bindingCount(v any) int {
	switch val := v.(type) {
	case []any:
		return len(val)
	case []string:
		return len(val)
	default:
		return 0
	}
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

func toAnyMap(in map[string]int) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
