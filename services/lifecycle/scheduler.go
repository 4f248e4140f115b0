package lifecycle

import (
	"context"
	"time"

	"licensing-controlplane/pkg/config"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type SchedulerParams struct {
	fx.In
	Lifecycle fx.Lifecycle
	Service   *Service
	Config    *config.Config
}

// RunScheduler runs the daily sweep loop at the configured hour for as
// long as the application is up.
func RunScheduler(p SchedulerParams) {
	ctx, cancel := context.WithCancel(context.Background())

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go loop(ctx, p.Service, p.Config.Licensing.SweepHour)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

func loop(ctx context.Context, service *Service, hour int) {
	for {
		next := nextRunTime(time.Now().UTC(), hour)
		zap.L().Info("lifecycle sweep scheduled", zap.Time("next_run", next))

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
		}

		if err := service.Run(ctx, time.Now()); err != nil {
			zap.L().Error("lifecycle sweep failed", zap.Error(err))
		}
	}
}

func nextRunTime(now time.Time, hour int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// HandleSweepTask lets the sweep also be triggered through the task queue,
// e.g. by an operator enqueueing a one-off run.
func (s *Service) HandleSweepTask(ctx context.Context, _ *asynq.Task) error {
	return s.Run(ctx, time.Now())
}
