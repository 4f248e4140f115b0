package apikey

import (
	"context"
	"errors"
	"time"

	"licensing-controlplane/pkg/errutil"
	"licensing-controlplane/pkg/security"
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
	return &Service{db: p.DB, node: p.Node, audit: p.Audit}
}

// Issue creates a key for an organization and returns the plaintext secret
// exactly once.
func (s *Service) Issue(ctx context.Context, actor, orgID string, scopes []string) (*IssuedKey, error) {
	if orgID == "" {
		return nil, errutil.BadRequest("org id is required")
	}
	if len(scopes) == 0 {
		return nil, errutil.BadRequest("at least one scope is required")
	}

	secret, err := security.GenerateBase64Secret(32)
	if err != nil {
		return nil, errutil.Internal("failed to generate secret", errutil.WithErr(err))
	}
	hash, err := security.HashArgon2(secret)
	if err != nil {
		return nil, errutil.Internal("failed to hash secret", errutil.WithErr(err))
	}

	key := &APIKey{
		ID:         s.node.Generate().String(),
		OrgID:      orgID,
		KeyID:      "lck_live_" + s.node.Generate().String(),
		SecretHash: hash,
		Scopes:     scopes,
		Status:     StatusActive,
		CreatedBy:  actor,
		CreatedAt:  time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(key).Error; err != nil {
		return nil, errutil.Internal("failed to create api key", errutil.WithErr(err))
	}

	s.audit.Record(ctx, actor, "apikey.issued", key.KeyID, map[string]any{
		"org_id": orgID,
		"scopes": scopes,
	})
	return &IssuedKey{Key: key, Secret: secret}, nil
}

// Authenticate resolves a key id and secret to the active key record.
func (s *Service) Authenticate(ctx context.Context, keyID, secret string) (*APIKey, error) {
	var key APIKey
	if err := s.db.WithContext(ctx).Where("key_id = ?", keyID).First(&key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.Unauthorized("unknown api key")
		}
		return nil, errutil.Internal("failed to load api key", errutil.WithErr(err))
	}
	if key.Status != StatusActive {
		return nil, errutil.Unauthorized("api key is revoked")
	}

	if !security.VerifyArgon2(secret, key.SecretHash) {
		return nil, errutil.Unauthorized("invalid api key secret")
	}

	now := time.Now()
	if err := s.db.WithContext(ctx).Model(&key).Update("last_used_at", now).Error; err != nil {
		zap.L().Warn("failed to stamp api key usage", zap.String("key_id", keyID), zap.Error(err))
	}
	key.LastUsedAt = &now
	return &key, nil
}

// Revoke deactivates a key. Revoking twice is a no-op.
func (s *Service) Revoke(ctx context.Context, actor, keyID string) error {
	var key APIKey
	if err := s.db.WithContext(ctx).Where("key_id = ?", keyID).First(&key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errutil.NotFound("api key not found")
		}
		return errutil.Internal("failed to load api key", errutil.WithErr(err))
	}
	if key.Status == StatusRevoked {
		return nil
	}

	now := time.Now()
	if err := s.db.WithContext(ctx).Model(&key).Updates(map[string]any{
		"status":     StatusRevoked,
		"revoked_at": now,
	}).Error; err != nil {
		return errutil.Internal("failed to revoke api key", errutil.WithErr(err))
	}

	s.audit.Record(ctx, actor, "apikey.revoked", keyID, nil)
	return nil
}
