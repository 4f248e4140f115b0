package verification

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"licensing-controlplane/pkg/config"
	"licensing-controlplane/pkg/errutil"
	"licensing-controlplane/pkg/rediskey"
	"licensing-controlplane/pkg/signing"
	"licensing-controlplane/services/authorization"
	"licensing-controlplane/services/license"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db       *gorm.DB
	verifier *signing.Signer
	rdb      *redis.Client
	config   *config.Config
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Verifier *signing.Signer
	Redis    *redis.Client `optional:"true"`
	Config   *config.Config
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:       p.DB,
		verifier: p.Verifier,
		rdb:      p.Redis,
		config:   p.Config,
	}
}

// Verify answers whether a presented license document is currently valid.
// Checks short-circuit in a fixed order so a caller always sees the most
// fundamental failure first: signature, identity, revocation, suspension,
// authorization state, then the validity window. A valid signature alone
// never yields a positive verdict; the store is always consulted.
func (s *Service) Verify(ctx context.Context, doc map[string]any) (*Result, error) {
	if err := s.verifier.Verify(doc); err != nil {
		return &Result{Valid: false, Reason: ReasonBadSignature}, nil
	}

	licenseID, _ := doc["license_id"].(string)
	if licenseID == "" {
		return &Result{Valid: false, Reason: ReasonMissingLicenseID}, nil
	}

	if cached := s.cached(ctx, licenseID); cached != nil {
		return cached, nil
	}

	var lic license.License
	if err := s.db.WithContext(ctx).Where("id = ?", licenseID).First(&lic).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &Result{Valid: false, Reason: ReasonUnknownLicenseID, LicenseID: licenseID}, nil
		}
		return nil, errutil.Internal("failed to load license", errutil.WithErr(err))
	}

	res := s.evaluate(ctx, &lic)
	if res.Valid {
		s.cache(ctx, res)
	}
	return res, nil
}

// VerifyID re-checks a license already known to the store, including its
// stored signature. Used by session validation, where the caller holds an
// identifier rather than the full document.
func (s *Service) VerifyID(ctx context.Context, licenseID string) (*Result, error) {
	if cached := s.cached(ctx, licenseID); cached != nil {
		return cached, nil
	}

	var lic license.License
	if err := s.db.WithContext(ctx).Where("id = ?", licenseID).First(&lic).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &Result{Valid: false, Reason: ReasonUnknownLicenseID, LicenseID: licenseID}, nil
		}
		return nil, errutil.Internal("failed to load license", errutil.WithErr(err))
	}

	doc, err := lic.Document()
	if err != nil {
		return &Result{Valid: false, Reason: ReasonBadSignature, LicenseID: licenseID}, nil
	}
	if err := s.verifier.Verify(doc); err != nil {
		return &Result{Valid: false, Reason: ReasonBadSignature, LicenseID: licenseID}, nil
	}

	res := s.evaluate(ctx, &lic)
	if res.Valid {
		s.cache(ctx, res)
	}
	return res, nil
}

func (s *Service) evaluate(ctx context.Context, lic *license.License) *Result {
	res := &Result{
		LicenseID:       lic.ID,
		ProgramID:       lic.Program,
		AuthorizationID: lic.AuthorizationID,
	}

	if lic.Revoked {
		res.Reason = ReasonRevoked
		return res
	}
	if lic.Suspended {
		res.Reason = ReasonSuspended
		return res
	}

	var authz authorization.Authorization
	if err := s.db.WithContext(ctx).Where("id = ?", lic.AuthorizationID).First(&authz).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			res.Reason = ReasonAuthorizationMissing
			return res
		}
		zap.L().Error("failed to load authorization during verification",
			zap.String("license_id", lic.ID),
			zap.Error(err),
		)
		res.Reason = ReasonAuthorizationMissing
		return res
	}
	if authz.Status != authorization.StatusActive {
		res.Reason = ReasonAuthorizationInactive
		return res
	}

	now := time.Now().UTC()
	if now.Before(authz.StartsAt) {
		res.Reason = ReasonNotYetActive
		return res
	}
	end := authz.EndsAt
	if lic.ExpiresAt.After(end) {
		end = lic.ExpiresAt
	}
	// A license the sweep moved into its grace window stays usable until the
	// stamped grace end, even though the nominal term has lapsed.
	if lic.GracePeriodEndsAt != nil && lic.GracePeriodEndsAt.After(end) {
		end = *lic.GracePeriodEndsAt
	}
	if !now.Before(end) {
		res.Reason = ReasonExpired
		return res
	}

	res.Valid = true
	res.CacheTTLSec = s.config.Licensing.CacheTTLSec
	res.GraceSeconds = s.config.Licensing.GraceSeconds
	return res
}

// Only positive verdicts are cached. Negative state must always be read
// fresh so a revocation is visible immediately.
func (s *Service) cache(ctx context.Context, res *Result) {
	if s.rdb == nil || !res.Valid {
		return
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return
	}
	ttl := time.Duration(s.config.Licensing.CacheTTLSec) * time.Second
	if err := s.rdb.Set(ctx, rediskey.Verification(res.LicenseID), raw, ttl).Err(); err != nil {
		zap.L().Warn("failed to cache verification result",
			zap.String("license_id", res.LicenseID),
			zap.Error(err),
		)
	}
}

func (s *Service) cached(ctx context.Context, licenseID string) *Result {
	if s.rdb == nil {
		return nil
	}
	raw, err := s.rdb.Get(ctx, rediskey.Verification(licenseID)).Bytes()
	if err != nil {
		return nil
	}
	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil
	}
	return &res
}
