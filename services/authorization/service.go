package authorization

import (
	"context"
	"errors"
	"time"

	"licensing-controlplane/pkg/errutil"
	"licensing-controlplane/services/audit"
	"licensing-controlplane/services/entitlement"
	"licensing-controlplane/services/organization"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db           *gorm.DB
	node         *snowflake.Node
	entitlements *entitlement.Service
	orgs         *organization.Service
	audit        *audit.Service
}

type ServiceParams struct {
	fx.In
	DB           *gorm.DB
	Node         *snowflake.Node
	Entitlements *entitlement.Service
	Orgs         *organization.Service
	Audit        *audit.Service
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:           p.DB,
		node:         p.Node,
		entitlements: p.Entitlements,
		orgs:         p.Orgs,
		audit:        p.Audit,
	}
}

func (s *Service) Create(ctx context.Context, req CreateRequest) (*Authorization, error) {
	span := trace.SpanFromContext(ctx)
	zapLog := zap.L().With(
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
	)

	org, err := s.orgs.Get(ctx, req.OrgID)
	if err != nil {
		return nil, err
	}
	if org.Type == organization.LicensedEngineer && org.ApprovalStatus != organization.ApprovalApproved {
		return nil, errutil.UnprocessableEntity("engineer organization is not approved",
			errutil.WithReason("engineer_not_approved"))
	}

	if !req.EndsAt.After(req.StartsAt) {
		return nil, errutil.ValidationFailed("ends_at must be after starts_at")
	}

	// The guardrail runs before every authorization creation; an invalid
	// template is never stored.
	if _, err := s.entitlements.LoadValidated(req.Program, req.Tier); err != nil {
		return nil, err
	}

	authz := &Authorization{
		ID:             s.node.Generate().String(),
		OrgID:          org.ID,
		Program:        string(req.Program),
		TemplateTier:   req.Tier,
		StartsAt:       req.StartsAt,
		EndsAt:         req.EndsAt,
		Status:         StatusActive,
		ScopeOverrides: req.ScopeOverrides,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}

	if err := s.db.WithContext(ctx).Create(authz).Error; err != nil {
		zapLog.Error("failed to create authorization", zap.Error(err))
		return nil, errutil.Internal("failed to create authorization", errutil.WithErr(err))
	}

	s.audit.Record(ctx, "system", "authorization.created", authz.ID, map[string]any{
		"org_id":  authz.OrgID,
		"program": authz.Program,
		"tier":    authz.TemplateTier,
	})

	return authz, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Authorization, error) {
	var authz Authorization
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&authz).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound("authorization not found")
		}
		return nil, errutil.Internal("failed to get authorization", errutil.WithErr(err))
	}
	return &authz, nil
}

// Suspend moves an active authorization to suspended. Reversible.
func (s *Service) Suspend(ctx context.Context, actor, id, reason string) (*Authorization, error) {
	return s.transition(ctx, actor, id, StatusSuspended, reason)
}

// Resume moves a suspended authorization back to active.
func (s *Service) Resume(ctx context.Context, actor, id string) (*Authorization, error) {
	return s.transition(ctx, actor, id, StatusActive, "")
}

// Terminate is terminal; a terminated authorization never becomes active
// again.
func (s *Service) Terminate(ctx context.Context, actor, id, reason string) (*Authorization, error) {
	return s.transition(ctx, actor, id, StatusTerminated, reason)
}

func (s *Service) transition(ctx context.Context, actor, id string, target Status, reason string) (*Authorization, error) {
	authz, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if authz.Status == StatusTerminated {
		return nil, errutil.UnprocessableEntity("authorization is terminated",
			errutil.WithReason("authorization_terminated"))
	}

	switch target {
	case StatusSuspended:
		if authz.Status != StatusActive {
			return nil, errutil.UnprocessableEntity("only an active authorization can be suspended",
				errutil.WithReason("invalid_transition"))
		}
	case StatusActive:
		if authz.Status != StatusSuspended {
			return nil, errutil.UnprocessableEntity("only a suspended authorization can be resumed",
				errutil.WithReason("invalid_transition"))
		}
	}

	now := time.Now()
	updates := map[string]any{
		"status":        target,
		"status_reason": reason,
		"updated_at":    now,
	}
	switch target {
	case StatusSuspended:
		updates["suspended_at"] = now
	case StatusTerminated:
		updates["terminated_at"] = now
	case StatusActive:
		updates["suspended_at"] = nil
	}

	if err := s.db.WithContext(ctx).Model(authz).Updates(updates).Error; err != nil {
		return nil, errutil.Internal("failed to update authorization", errutil.WithErr(err))
	}

	authz.Status = target
	authz.StatusReason = reason
	s.audit.Record(ctx, actor, "authorization."+string(target), authz.ID, map[string]any{
		"reason": reason,
	})

	return authz, nil
}

// MintRenewal creates a fresh authorization continuing prev: same template
// and scope, same duration, shifted to start the day after the old term
// ends. Used by the lifecycle sweep's auto-renewal.
func (s *Service) MintRenewal(ctx context.Context, prev *Authorization) (*Authorization, error) {
	duration := prev.EndsAt.Sub(prev.StartsAt)
	startsAt := prev.EndsAt.AddDate(0, 0, 1)

	next := &Authorization{
		ID:             s.node.Generate().String(),
		OrgID:          prev.OrgID,
		Program:        prev.Program,
		TemplateTier:   prev.TemplateTier,
		StartsAt:       startsAt,
		EndsAt:         startsAt.Add(duration),
		Status:         StatusActive,
		ScopeOverrides: prev.ScopeOverrides,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}

	if err := s.db.WithContext(ctx).Create(next).Error; err != nil {
		return nil, errutil.Internal("failed to mint renewal authorization", errutil.WithErr(err))
	}

	s.audit.Record(ctx, "scheduler", "authorization.renewed", next.ID, map[string]any{
		"previous_authorization_id": prev.ID,
	})

	return next, nil
}
