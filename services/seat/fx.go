package seat

import "go.uber.org/fx"

var Module = fx.Module("seat.module",
	fx.Provide(NewService),
)
