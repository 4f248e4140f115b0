package main

import (
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"licensing-controlplane/internal/httpapi"
	"licensing-controlplane/internal/server"
	"licensing-controlplane/pkg/config"
	"licensing-controlplane/pkg/db"
	"licensing-controlplane/pkg/gen"
	"licensing-controlplane/pkg/logger"
	redispkg "licensing-controlplane/pkg/redis"
	"licensing-controlplane/pkg/signing"
	"licensing-controlplane/pkg/task"
	"licensing-controlplane/services/apikey"
	"licensing-controlplane/services/audit"
	"licensing-controlplane/services/authorization"
	"licensing-controlplane/services/billing"
	"licensing-controlplane/services/bootstrap"
	"licensing-controlplane/services/entitlement"
	"licensing-controlplane/services/license"
	"licensing-controlplane/services/lifecycle"
	"licensing-controlplane/services/organization"
	"licensing-controlplane/services/seat"
	"licensing-controlplane/services/sso"
	"licensing-controlplane/services/verification"
	"licensing-controlplane/services/webhook"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		db.Module,
		redispkg.Module,
		gen.Module,
		signing.Module,
		task.Client,

		bootstrap.Module,
		audit.Module,
		organization.Module,
		entitlement.Module,
		authorization.Module,
		billing.Module,
		webhook.Module,
		license.Module,
		verification.Module,
		seat.Module,
		lifecycle.Module,
		sso.Module,
		apikey.Module,

		fx.Provide(
			httpapi.ProvideMux,
			server.ProvideHTTPServer,
		),
		fx.Invoke(server.Run),
		fxLogger,
	)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})
