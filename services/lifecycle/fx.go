package lifecycle

import (
	"licensing-controlplane/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

var Module = fx.Module("lifecycle.module",
	fx.Provide(NewService),
)

// WorkerModule runs the daily scheduler and accepts queued sweep tasks.
var WorkerModule = fx.Module("lifecycle.worker",
	Module,
	fx.Invoke(RunScheduler),
	fx.Invoke(registerHandlers),
)

func registerHandlers(mux *asynq.ServeMux, service *Service) {
	mux.HandleFunc(taskname.LicenseSweep, service.HandleSweepTask)
}
