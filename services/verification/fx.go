package verification

import "go.uber.org/fx"

var Module = fx.Module("verification.module",
	fx.Provide(NewService),
)
