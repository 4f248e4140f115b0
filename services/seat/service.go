package seat

import (
	"context"
	"errors"
	"time"

	"licensing-controlplane/pkg/errutil"
	"licensing-controlplane/services/audit"
	"licensing-controlplane/services/license"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Service struct {
	db    *gorm.DB
	audit *audit.Service
}

type ServiceParams struct {
	fx.In
	DB    *gorm.DB
	Audit *audit.Service
}

func NewService(p ServiceParams) *Service {
	return &Service{db: p.DB, audit: p.Audit}
}

// Assign claims a seat for a user. The count-and-insert runs in one
// transaction with the license row locked, so two concurrent claims for
// the last seat cannot both succeed. Re-assigning a user who already
// holds an active seat is a no-op and never consumes capacity.
func (s *Service) Assign(ctx context.Context, actor, licenseID, userID string) (*SeatAssignment, error) {
	if userID == "" {
		return nil, errutil.BadRequest("user id is required")
	}

	var assignment *SeatAssignment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx
		// SQLite serializes writers on its own and rejects FOR UPDATE.
		if tx.Dialector.Name() != "sqlite" {
			q = tx.Clauses(clause.Locking{Strength: "UPDATE"})
		}

		var lic license.License
		if err := q.Where("id = ?", licenseID).First(&lic).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errutil.NotFound("license not found")
			}
			return errutil.Internal("failed to load license", errutil.WithErr(err))
		}
		if lic.Revoked {
			return errutil.UnprocessableEntity("license is revoked",
				errutil.WithReason("license_revoked"))
		}
		if lic.Suspended {
			return errutil.UnprocessableEntity("license is suspended",
				errutil.WithReason("license_suspended"))
		}

		var existing SeatAssignment
		err := tx.Where("license_id = ? AND user_id = ?", licenseID, userID).First(&existing).Error
		switch {
		case err == nil && existing.Active:
			assignment = &existing
			return nil
		case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
			return errutil.Internal("failed to load seat assignment", errutil.WithErr(err))
		}

		if lic.SeatLimit > 0 {
			var active int64
			if err := tx.Model(&SeatAssignment{}).
				Where("license_id = ? AND active = ?", licenseID, true).
				Count(&active).Error; err != nil {
				return errutil.Internal("failed to count seats", errutil.WithErr(err))
			}
			if active >= int64(lic.SeatLimit) {
				return errutil.UnprocessableEntity("all seats on this license are taken",
					errutil.WithReason("seat_limit_exceeded"))
			}
		}

		now := time.Now()
		if err == nil {
			// Released seat reclaimed by the same user.
			if err := tx.Model(&existing).Updates(map[string]any{
				"active":      true,
				"assigned_at": now,
				"released_at": nil,
			}).Error; err != nil {
				return errutil.Internal("failed to reassign seat", errutil.WithErr(err))
			}
			existing.Active = true
			existing.AssignedAt = now
			existing.ReleasedAt = nil
			assignment = &existing
			return nil
		}

		next := &SeatAssignment{
			LicenseID:  licenseID,
			UserID:     userID,
			Active:     true,
			AssignedAt: now,
		}
		if err := tx.Create(next).Error; err != nil {
			return errutil.Internal("failed to assign seat", errutil.WithErr(err))
		}
		assignment = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, actor, "seat.assigned", licenseID, map[string]any{"user_id": userID})
	return assignment, nil
}

// Release frees a seat. Releasing a seat the user does not hold is a no-op.
func (s *Service) Release(ctx context.Context, actor, licenseID, userID string) error {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&SeatAssignment{}).
		Where("license_id = ? AND user_id = ? AND active = ?", licenseID, userID, true).
		Updates(map[string]any{
			"active":      false,
			"released_at": now,
		})
	if res.Error != nil {
		return errutil.Internal("failed to release seat", errutil.WithErr(res.Error))
	}
	if res.RowsAffected == 0 {
		zap.L().Debug("seat release was a no-op",
			zap.String("license_id", licenseID),
			zap.String("user_id", userID),
		)
		return nil
	}

	s.audit.Record(ctx, actor, "seat.released", licenseID, map[string]any{"user_id": userID})
	return nil
}

// ActiveCount reports how many seats a license currently consumes.
func (s *Service) ActiveCount(ctx context.Context, licenseID string) (int, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&SeatAssignment{}).
		Where("license_id = ? AND active = ?", licenseID, true).
		Count(&n).Error; err != nil {
		return 0, errutil.Internal("failed to count seats", errutil.WithErr(err))
	}
	return int(n), nil
}

// List returns every assignment for a license, active and released.
func (s *Service) List(ctx context.Context, licenseID string) ([]*SeatAssignment, error) {
	var assignments []*SeatAssignment
	if err := s.db.WithContext(ctx).
		Where("license_id = ?", licenseID).
		Order("assigned_at asc").
		Find(&assignments).Error; err != nil {
		return nil, errutil.Internal("failed to list seats", errutil.WithErr(err))
	}
	return assignments, nil
}
