package lifecycle

import (
	"context"
	"errors"
	"time"

	"licensing-controlplane/pkg/config"
	"licensing-controlplane/pkg/errutil"
	"licensing-controlplane/services/license"
	"licensing-controlplane/services/webhook"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const sweepActor = "system:lifecycle"

type Service struct {
	db       *gorm.DB
	licenses *license.Service
	webhooks *webhook.Service
	config   *config.Config
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Licenses *license.Service
	Webhooks *webhook.Service
	Config   *config.Config
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:       p.DB,
		licenses: p.Licenses,
		webhooks: p.Webhooks,
		config:   p.Config,
	}
}

// Run executes one lifecycle sweep as of now. Each phase works through its
// whole candidate set and reports the first error afterwards, so one bad
// record never stalls the rest of the fleet. The sweep is idempotent:
// running it twice at the same instant produces no extra effects.
func (s *Service) Run(ctx context.Context, now time.Time) error {
	now = now.UTC()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.sendReminders(ctx, now) })
	g.Go(func() error { return s.renewDue(ctx, now) })
	g.Go(func() error {
		// Grace stamping must land before expiry suspension reads it.
		if err := s.stampGrace(ctx, now); err != nil {
			return err
		}
		return s.suspendExpired(ctx, now)
	})
	return g.Wait()
}

// sendReminders emits license.expiring once per configured threshold. A
// notification row per (license, threshold) is the dedupe record.
func (s *Service) sendReminders(ctx context.Context, now time.Time) error {
	var firstErr error
	for _, days := range s.config.Licensing.ReminderDays {
		cutoff := now.AddDate(0, 0, days)

		var due []*license.License
		if err := s.db.WithContext(ctx).
			Where("revoked = ? AND suspended = ?", false, false).
			Where("expires_at > ? AND expires_at <= ?", now, cutoff).
			Where("id NOT IN (?)", s.db.Model(&Notification{}).
				Select("license_id").
				Where("kind = ? AND threshold_days = ?", KindReminder, days)).
			Find(&due).Error; err != nil {
			return errutil.Internal("failed to query expiring licenses", errutil.WithErr(err))
		}

		for _, lic := range due {
			if err := s.remind(ctx, lic, days, now); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (s *Service) remind(ctx context.Context, lic *license.License, days int, now time.Time) error {
	note := &Notification{
		LicenseID:     lic.ID,
		Kind:          KindReminder,
		ThresholdDays: days,
		SentAt:        now,
		CreatedAt:     now,
	}
	if err := s.db.WithContext(ctx).Create(note).Error; err != nil {
		return errutil.Internal("failed to record reminder", errutil.WithErr(err))
	}

	if err := s.webhooks.Emit(ctx, webhook.EventLicenseExpiring, lic.OrgID, map[string]any{
		"license_id":     lic.ID,
		"org_id":         lic.OrgID,
		"program":        lic.Program,
		"expires_at":     lic.ExpiresAt.UTC().Format(time.RFC3339),
		"days_remaining": days,
	}); err != nil {
		zap.L().Error("failed to emit expiry reminder",
			zap.String("license_id", lic.ID),
			zap.Int("threshold_days", days),
			zap.Error(err),
		)
	}
	return nil
}

// stampGrace extends freshly expired licenses by the configured grace
// window instead of cutting them off at midnight.
func (s *Service) stampGrace(ctx context.Context, now time.Time) error {
	var expired []*license.License
	if err := s.db.WithContext(ctx).
		Where("revoked = ? AND suspended = ?", false, false).
		Where("expires_at <= ? AND grace_period_ends_at IS NULL", now).
		Find(&expired).Error; err != nil {
		return errutil.Internal("failed to query expired licenses", errutil.WithErr(err))
	}

	for _, lic := range expired {
		graceEnd := lic.ExpiresAt.AddDate(0, 0, s.config.Licensing.GraceDays)
		if err := s.db.WithContext(ctx).Model(lic).Updates(map[string]any{
			"grace_period_ends_at": graceEnd,
			"updated_at":           now,
		}).Error; err != nil {
			return errutil.Internal("failed to stamp grace period", errutil.WithErr(err))
		}
		zap.L().Info("license entered grace period",
			zap.String("license_id", lic.ID),
			zap.Time("grace_ends_at", graceEnd),
		)
	}
	return nil
}

// suspendExpired suspends licenses whose grace period has run out and
// announces the expiry to subscribers.
func (s *Service) suspendExpired(ctx context.Context, now time.Time) error {
	var lapsed []*license.License
	if err := s.db.WithContext(ctx).
		Where("revoked = ? AND suspended = ?", false, false).
		Where("grace_period_ends_at IS NOT NULL AND grace_period_ends_at <= ?", now).
		Find(&lapsed).Error; err != nil {
		return errutil.Internal("failed to query lapsed licenses", errutil.WithErr(err))
	}

	var firstErr error
	for _, lic := range lapsed {
		if _, err := s.licenses.Suspend(ctx, sweepActor, lic.ID, "expired"); err != nil {
			zap.L().Error("failed to suspend expired license",
				zap.String("license_id", lic.ID),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := s.webhooks.Emit(ctx, webhook.EventLicenseExpired, lic.OrgID, map[string]any{
			"license_id": lic.ID,
			"org_id":     lic.OrgID,
			"program":    lic.Program,
		}); err != nil {
			zap.L().Error("failed to emit expiry event",
				zap.String("license_id", lic.ID),
				zap.Error(err),
			)
		}
	}
	return firstErr
}

// renewDue renews opted-in licenses entering the renewal window. The
// renewal link guard in the license service keeps a double sweep from
// minting two successors.
func (s *Service) renewDue(ctx context.Context, now time.Time) error {
	if !s.config.Licensing.AutoRenewEnabled {
		return nil
	}

	cutoff := now.AddDate(0, 0, s.config.Licensing.RenewalWindowDays)

	var due []*license.License
	if err := s.db.WithContext(ctx).
		Where("auto_renew = ? AND revoked = ? AND suspended = ?", true, false, false).
		Where("renewal_license_id IS NULL").
		Where("expires_at > ? AND expires_at <= ?", now, cutoff).
		Find(&due).Error; err != nil {
		return errutil.Internal("failed to query renewable licenses", errutil.WithErr(err))
	}

	var firstErr error
	for _, lic := range due {
		next, err := s.licenses.Renew(ctx, sweepActor, lic.ID)
		if err != nil {
			// Inactive authorizations and similar conditions are expected
			// here; the sweep retries tomorrow.
			var base errutil.BaseError
			if errors.As(err, &base) {
				zap.L().Warn("auto-renew skipped",
					zap.String("license_id", lic.ID),
					zap.String("reason", errutil.Reason(err)),
				)
				continue
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		zap.L().Info("license auto-renewed",
			zap.String("license_id", lic.ID),
			zap.String("renewal_license_id", next.ID),
		)
	}
	return firstErr
}
