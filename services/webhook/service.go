package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"licensing-controlplane/pkg/canonical"
	"licensing-controlplane/pkg/config"
	"licensing-controlplane/pkg/errutil"
	"licensing-controlplane/pkg/security"
	"licensing-controlplane/pkg/task"
	"licensing-controlplane/pkg/taskname"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db     *gorm.DB
	node   *snowflake.Node
	asynq  task.Enqueuer
	client *http.Client
	config *config.Config
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Asynq  task.Enqueuer `optional:"true"`
	Config *config.Config
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:     p.DB,
		node:   p.Node,
		asynq:  p.Asynq,
		client: &http.Client{Timeout: p.Config.Webhook.Timeout},
		config: p.Config,
	}
}

func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Webhook, error) {
	if !strings.HasPrefix(req.URL, "http://") && !strings.HasPrefix(req.URL, "https://") {
		return nil, errutil.ValidationFailed("webhook url must be http or https")
	}
	if len(req.Events) == 0 {
		return nil, errutil.ValidationFailed("at least one event subscription is required")
	}

	hook := &Webhook{
		ID:        s.node.Generate().String(),
		OrgID:     req.OrgID,
		URL:       req.URL,
		Secret:    req.Secret,
		Events:    req.Events,
		Active:    true,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	if err := s.db.WithContext(ctx).Create(hook).Error; err != nil {
		return nil, errutil.Internal("failed to register webhook", errutil.WithErr(err))
	}
	return hook, nil
}

func (s *Service) Deactivate(ctx context.Context, webhookID string) error {
	res := s.db.WithContext(ctx).Model(&Webhook{}).
		Where("id = ?", webhookID).
		Updates(map[string]any{"active": false, "updated_at": time.Now()})
	if res.Error != nil {
		return errutil.Internal("failed to deactivate webhook", errutil.WithErr(res.Error))
	}
	if res.RowsAffected == 0 {
		return errutil.NotFound("webhook not found")
	}
	return nil
}

// Emit fans an event out to every matching active listener: the delivery
// intent is persisted first, then handed to the queue (durable outbox).
// Errors are returned for logging only; emission must never fail the state
// change that produced the event.
func (s *Service) Emit(ctx context.Context, event, orgID string, payload map[string]any) error {
	doc := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		doc[k] = v
	}
	doc["event"] = event

	body, err := canonical.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	var hooks []*Webhook
	q := s.db.WithContext(ctx).Where("active = ?", true)
	if orgID != "" {
		q = q.Where("org_id IS NULL OR org_id = ?", orgID)
	} else {
		// Events with no organization scope go to global listeners only.
		q = q.Where("org_id IS NULL")
	}
	if err := q.Find(&hooks).Error; err != nil {
		return fmt.Errorf("list webhooks: %w", err)
	}

	for _, hook := range hooks {
		if !hook.Subscribed(event) {
			continue
		}

		delivery := &Delivery{
			ID:        s.node.Generate().String(),
			WebhookID: hook.ID,
			Event:     event,
			Payload:   body,
			Status:    DeliveryPending,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		}
		if err := s.db.WithContext(ctx).Create(delivery).Error; err != nil {
			zap.L().Error("failed to persist webhook delivery",
				zap.String("webhook_id", hook.ID),
				zap.String("event", event),
				zap.Error(err),
			)
			continue
		}

		if s.asynq == nil {
			continue
		}

		taskPayload, _ := json.Marshal(map[string]string{"delivery_id": delivery.ID})
		if _, err := s.asynq.Enqueue(
			asynq.NewTask(taskname.WebhookDeliver, taskPayload),
			asynq.Queue("default"),
			asynq.MaxRetry(s.config.Webhook.MaxAttempts-1),
		); err != nil {
			zap.L().Error("failed to enqueue webhook delivery",
				zap.String("delivery_id", delivery.ID),
				zap.Error(err),
			)
		}
	}

	return nil
}

// HandleDeliveryTask is the asynq worker entrypoint.
func (s *Service) HandleDeliveryTask(ctx context.Context, t *asynq.Task) error {
	var payload struct {
		DeliveryID string `json:"delivery_id"`
	}
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		zap.L().Error("invalid webhook delivery payload", zap.Error(err))
		return err
	}
	return s.Deliver(ctx, payload.DeliveryID)
}

// Deliver performs one delivery attempt. A non-2xx response or transport
// failure returns an error so the queue retries, until the configured
// attempt budget is exhausted; the delivery is then recorded as permanently
// failed and the error swallowed.
func (s *Service) Deliver(ctx context.Context, deliveryID string) error {
	var delivery Delivery
	if err := s.db.WithContext(ctx).Where("id = ?", deliveryID).First(&delivery).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			zap.L().Warn("webhook delivery vanished", zap.String("delivery_id", deliveryID))
			return nil
		}
		return err
	}
	if delivery.Status == DeliveryDelivered {
		return nil
	}

	var hook Webhook
	if err := s.db.WithContext(ctx).Where("id = ?", delivery.WebhookID).First(&hook).Error; err != nil {
		return err
	}

	attempt := delivery.AttemptNumber + 1
	statusCode, response, attemptErr := s.post(ctx, &hook, delivery.Payload)

	now := time.Now()
	updates := map[string]any{
		"attempt_number": attempt,
		"status_code":    statusCode,
		"response":       response,
		"updated_at":     now,
	}

	if attemptErr == nil {
		updates["status"] = DeliveryDelivered
		updates["delivered_at"] = now
		updates["last_error"] = ""
		if err := s.db.WithContext(ctx).Model(&delivery).Updates(updates).Error; err != nil {
			return err
		}
		zap.L().Info("webhook delivered",
			zap.String("delivery_id", delivery.ID),
			zap.String("event", delivery.Event),
			zap.Int("attempt", attempt),
		)
		return nil
	}

	updates["last_error"] = attemptErr.Error()
	if attempt >= s.config.Webhook.MaxAttempts {
		// Attempt budget exhausted: record as permanently failed and stop
		// retrying. Visible via delivery history.
		updates["status"] = DeliveryFailed
		if err := s.db.WithContext(ctx).Model(&delivery).Updates(updates).Error; err != nil {
			return err
		}
		zap.L().Warn("webhook delivery permanently failed",
			zap.String("delivery_id", delivery.ID),
			zap.String("event", delivery.Event),
			zap.Int("attempts", attempt),
			zap.Error(attemptErr),
		)
		return nil
	}

	if err := s.db.WithContext(ctx).Model(&delivery).Updates(updates).Error; err != nil {
		return err
	}
	return fmt.Errorf("webhook delivery attempt %d: %w", attempt, attemptErr)
}

func (s *Service) post(ctx context.Context, hook *Webhook, body []byte) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if hook.Secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+security.SignHMAC(hook.Secret, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, string(respBody), fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return resp.StatusCode, string(respBody), nil
}

func (s *Service) ListDeliveries(ctx context.Context, webhookID string) ([]*Delivery, error) {
	var deliveries []*Delivery
	if err := s.db.WithContext(ctx).
		Where("webhook_id = ?", webhookID).
		Order("created_at asc").
		Find(&deliveries).Error; err != nil {
		return nil, errutil.Internal("failed to list deliveries", errutil.WithErr(err))
	}
	return deliveries, nil
}
