package organization

import (
	"context"
	"errors"
	"strings"
	"time"

	"licensing-controlplane/pkg/errutil"
	"licensing-controlplane/services/audit"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"go.opentelemetry.io/otel/trace"
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

func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Organization, error) {
	span := trace.SpanFromContext(ctx)
	zapLog := zap.L().With(
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
	)

	if !req.Type.Valid() {
		return nil, errutil.ValidationFailed("unknown organization type", errutil.WithReason("invalid_org_type"))
	}
	if strings.TrimSpace(req.Name) == "" {
		return nil, errutil.ValidationFailed("organization name is required")
	}
	if req.Type == LicensedEngineer && strings.TrimSpace(req.EngineerLicenseNumber) == "" {
		return nil, errutil.ValidationFailed("engineer license number is required",
			errutil.WithReason("engineer_license_missing"))
	}

	slugName := req.Slug
	if slugName == "" {
		slugName = slug.Make(req.Name)
	}

	var existing Organization
	err := s.db.WithContext(ctx).Where("slug = ?", slugName).First(&existing).Error
	if err == nil {
		zapLog.Warn("organization already exists", zap.String("slug", slugName))
		return nil, errutil.Conflict("organization already exists")
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		zapLog.Error("failed to check existing organization", zap.Error(err))
		return nil, errutil.Internal("failed to register organization", errutil.WithErr(err))
	}

	org := &Organization{
		ID:                    s.node.Generate().String(),
		Type:                  req.Type,
		Name:                  req.Name,
		Slug:                  slugName,
		Email:                 req.Email,
		Phone:                 req.Phone,
		Address:               req.Address,
		BillingEmail:          req.BillingEmail,
		EngineerLicenseNumber: req.EngineerLicenseNumber,
		EngineerLicenseState:  req.EngineerLicenseState,
		CreatedAt:             time.Now(),
		UpdatedAt:             time.Now(),
	}

	// Engineers need an admin approval before any grant references them.
	if req.Type == LicensedEngineer {
		org.ApprovalStatus = ApprovalPending
	}

	if err := s.db.WithContext(ctx).Create(org).Error; err != nil {
		zapLog.Error("failed to create organization", zap.Error(err))
		return nil, errutil.Internal("failed to register organization", errutil.WithErr(err))
	}

	s.audit.Record(ctx, "system", "organization.registered", org.ID, map[string]any{
		"type": string(org.Type),
		"slug": org.Slug,
	})

	return org, nil
}

func (s *Service) Get(ctx context.Context, orgID string) (*Organization, error) {
	if strings.TrimSpace(orgID) == "" {
		return nil, errutil.BadRequest("org_id is required")
	}

	var org Organization
	if err := s.db.WithContext(ctx).Where("id = ?", orgID).First(&org).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound("organization not found")
		}
		return nil, errutil.Internal("failed to get organization", errutil.WithErr(err))
	}
	return &org, nil
}

func (s *Service) List(ctx context.Context, orgType OrgType) ([]*Organization, error) {
	q := s.db.WithContext(ctx)
	if orgType != "" {
		q = q.Where("type = ?", orgType)
	}

	var orgs []*Organization
	if err := q.Order("created_at asc").Find(&orgs).Error; err != nil {
		return nil, errutil.Internal("failed to list organizations", errutil.WithErr(err))
	}
	return orgs, nil
}

// Approve marks a licensed-engineer organization approved. Only engineers
// carry an approval flow.
func (s *Service) Approve(ctx context.Context, actor, orgID string) (*Organization, error) {
	return s.setApproval(ctx, actor, orgID, ApprovalApproved)
}

func (s *Service) Reject(ctx context.Context, actor, orgID string) (*Organization, error) {
	return s.setApproval(ctx, actor, orgID, ApprovalRejected)
}

func (s *Service) setApproval(ctx context.Context, actor, orgID string, status ApprovalStatus) (*Organization, error) {
	org, err := s.Get(ctx, orgID)
	if err != nil {
		return nil, err
	}

	if org.Type != LicensedEngineer {
		return nil, errutil.UnprocessableEntity("approval only applies to licensed engineers",
			errutil.WithReason("not_an_engineer"))
	}

	if err := s.db.WithContext(ctx).Model(org).Updates(map[string]any{
		"approval_status": status,
		"updated_at":      time.Now(),
	}).Error; err != nil {
		return nil, errutil.Internal("failed to update approval status", errutil.WithErr(err))
	}

	org.ApprovalStatus = status
	s.audit.Record(ctx, actor, "organization.approval."+string(status), org.ID, nil)

	zap.L().Info("organization approval updated",
		zap.String("org_id", org.ID),
		zap.String("status", string(status)),
	)
	return org, nil
}
