package entitlement

import "go.uber.org/fx"

var Module = fx.Module("entitlement.module",
	fx.Provide(NewService),
)
