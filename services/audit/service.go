package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db   *gorm.DB
	node *snowflake.Node
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:   p.DB,
		node: p.Node,
	}
}

// Record appends one audit event. Failures are logged and swallowed so a
// broken audit write never rolls back the mutation it describes.
func (s *Service) Record(ctx context.Context, actor, action, refID string, detail map[string]any) {
	var raw []byte
	if detail != nil {
		var err error
		raw, err = json.Marshal(detail)
		if err != nil {
			zap.L().Error("failed to encode audit detail", zap.String("action", action), zap.Error(err))
			raw = nil
		}
	}

	event := &Event{
		ID:        s.node.Generate().String(),
		Actor:     actor,
		Action:    action,
		RefID:     refID,
		Detail:    raw,
		CreatedAt: time.Now(),
	}

	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		zap.L().Error("failed to record audit event",
			zap.String("action", action),
			zap.String("ref_id", refID),
			zap.Error(err),
		)
	}
}

func (s *Service) ListByRef(ctx context.Context, refID string) ([]*Event, error) {
	var events []*Event
	if err := s.db.WithContext(ctx).
		Where("ref_id = ?", refID).
		Order("created_at asc").
		Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}
