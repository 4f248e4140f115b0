package main

import (
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"licensing-controlplane/pkg/config"
	"licensing-controlplane/pkg/db"
	"licensing-controlplane/pkg/gen"
	"licensing-controlplane/pkg/logger"
	redispkg "licensing-controlplane/pkg/redis"
	"licensing-controlplane/pkg/signing"
	"licensing-controlplane/pkg/task"
	"licensing-controlplane/services/audit"
	"licensing-controlplane/services/authorization"
	"licensing-controlplane/services/billing"
	"licensing-controlplane/services/entitlement"
	"licensing-controlplane/services/license"
	"licensing-controlplane/services/lifecycle"
	"licensing-controlplane/services/organization"
	"licensing-controlplane/services/webhook"
)

// The worker owns the delivery queue and the lifecycle sweep; the API
// process only enqueues.
func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		db.Module,
		redispkg.Module,
		gen.Module,
		signing.Module,
		task.Client,
		task.Server,

		audit.Module,
		organization.Module,
		entitlement.Module,
		authorization.Module,
		billing.Module,
		license.Module,
		webhook.WorkerModule,
		lifecycle.WorkerModule,

		fxLogger,
	)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})
