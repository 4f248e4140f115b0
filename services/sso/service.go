package sso

import (
	"context"
	"errors"
	"time"

	"licensing-controlplane/pkg/config"
	"licensing-controlplane/pkg/errutil"
	"licensing-controlplane/services/license"
	"licensing-controlplane/services/verification"

	"github.com/bwmarrin/snowflake"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Service struct {
	licenses *license.Service
	verifier *verification.Service
	node     *snowflake.Node
	secret   []byte
	ttl      time.Duration
}

type ServiceParams struct {
	fx.In
	Licenses *license.Service
	Verifier *verification.Service
	Node     *snowflake.Node
	Config   *config.Config
}

func NewService(p ServiceParams) *Service {
	return &Service{
		licenses: p.Licenses,
		verifier: p.Verifier,
		node:     p.Node,
		secret:   []byte(p.Config.SSO.Secret),
		ttl:      p.Config.SSO.TokenTTL,
	}
}

// IssueToken mints a session token for a user of a license. The license is
// fully verified first; the token then carries the roles and features out
// of the signed document so downstream products never re-read the store.
func (s *Service) IssueToken(ctx context.Context, licenseID, userID string) (*Session, error) {
	if userID == "" {
		return nil, errutil.BadRequest("user id is required")
	}

	res, err := s.verifier.VerifyID(ctx, licenseID)
	if err != nil {
		return nil, err
	}
	if !res.Valid {
		return nil, errutil.UnprocessableEntity("license failed verification",
			errutil.WithReason(res.Reason))
	}

	lic, err := s.licenses.Get(ctx, licenseID)
	if err != nil {
		return nil, err
	}
	doc, err := lic.Document()
	if err != nil {
		return nil, errutil.Internal("failed to decode license payload", errutil.WithErr(err))
	}
	roles, features := entitlementsOf(doc)

	now := time.Now().UTC()
	exp := now.Add(s.ttl)
	claims := &Claims{
		OrgID:     lic.OrgID,
		LicenseID: lic.ID,
		ProgramID: lic.Program,
		Roles:     roles,
		Features:  features,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        s.node.Generate().String(),
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, errutil.Internal("failed to sign session token", errutil.WithErr(err))
	}

	zap.L().Info("session token issued",
		zap.String("license_id", lic.ID),
		zap.String("org_id", lic.OrgID),
	)
	return &Session{Token: token, ExpiresAt: exp.Unix(), Claims: claims}, nil
}

// ValidateToken checks a presented session token and re-verifies the
// backing license. An expired token is reported distinctly from a forged
// or malformed one so clients know a silent refresh will succeed.
func (s *Service) ValidateToken(ctx context.Context, raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, errutil.Unauthorized("session token has expired",
				errutil.WithReason(ReasonTokenExpired))
		}
		return nil, errutil.Unauthorized("session token is invalid",
			errutil.WithReason(ReasonTokenInvalid), errutil.WithErr(err))
	}

	// Token validity never outlasts license validity inside the TTL.
	res, err := s.verifier.VerifyID(ctx, claims.LicenseID)
	if err != nil {
		return nil, err
	}
	if !res.Valid {
		return nil, errutil.Unauthorized("backing license failed verification",
			errutil.WithReason(res.Reason))
	}

	return claims, nil
}

func entitlementsOf(doc map[string]any) (roles, features []string) {
	ent, _ := doc["entitlements"].(map[string]any)
	return stringsOf(ent["roles"]), stringsOf(ent["features"])
}

func stringsOf(v any) []string {
	items, _ := v.([]any)
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
