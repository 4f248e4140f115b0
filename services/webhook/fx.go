package webhook

import (
	"licensing-controlplane/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

var Module = fx.Module("webhook.module",
	fx.Provide(NewService),
)

// WorkerModule additionally registers the delivery handler on the asynq mux.
var WorkerModule = fx.Module("webhook.worker",
	Module,
	fx.Invoke(registerHandlers),
)

func registerHandlers(mux *asynq.ServeMux, service *Service) {
	mux.HandleFunc(taskname.WebhookDeliver, service.HandleDeliveryTask)
}
