package bootstrap

import (
	"context"
	"fmt"
	"time"

	"licensing-controlplane/pkg/config"
	"licensing-controlplane/pkg/security"
	"licensing-controlplane/services/apikey"
	"licensing-controlplane/services/audit"
	"licensing-controlplane/services/authorization"
	"licensing-controlplane/services/billing"
	"licensing-controlplane/services/license"
	"licensing-controlplane/services/lifecycle"
	"licensing-controlplane/services/organization"
	"licensing-controlplane/services/seat"
	"licensing-controlplane/services/webhook"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db     *gorm.DB
	node   *snowflake.Node
	config *config.Config
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Config *config.Config
}

func NewService(p ServiceParams) *Service {
	return &Service{db: p.DB, node: p.Node, config: p.Config}
}

// Migrate creates the schema and seeds the operator API key on a fresh
// deployment. Running it against an existing store is a no-op beyond
// schema reconciliation.
func (s *Service) Migrate() error {
	ctx := context.Background()

	if err := s.db.AutoMigrate(
		&organization.Organization{},
		&authorization.Authorization{},
		&license.License{},
		&billing.Order{},
		&billing.Payment{},
		&seat.SeatAssignment{},
		&lifecycle.Notification{},
		&webhook.Webhook{},
		&webhook.Delivery{},
		&apikey.APIKey{},
		&audit.Event{},
	); err != nil {
		zap.L().Error("[bootstrap] migration failed", zap.Error(err))
		return err
	}

	var keys int64
	if err := s.db.WithContext(ctx).Model(&apikey.APIKey{}).Count(&keys).Error; err != nil {
		return err
	}
	if keys > 0 {
		zap.L().Info("[bootstrap] schema up to date")
		return nil
	}

	secret, err := security.GenerateBase64Secret(32)
	if err != nil {
		return fmt.Errorf("failed to generate operator key secret: %w", err)
	}
	hash, err := security.HashArgon2(secret)
	if err != nil {
		return fmt.Errorf("failed to hash operator key secret: %w", err)
	}

	keyID := fmt.Sprintf("lck_live_%s", s.node.Generate().String())
	key := &apikey.APIKey{
		ID:         s.node.Generate().String(),
		OrgID:      "system",
		KeyID:      keyID,
		SecretHash: hash,
		Scopes:     []string{"*"},
		Status:     apikey.StatusActive,
		CreatedBy:  "bootstrap",
		CreatedAt:  time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(key).Error; err != nil {
		return fmt.Errorf("failed to create operator api key: %w", err)
	}

	// The secret is printed exactly once; it is not recoverable afterwards.
	zap.L().Info("[bootstrap] operator api key created",
		zap.String("key_id", keyID),
		zap.String("secret", secret),
	)
	return nil
}
