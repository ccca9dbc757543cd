package account

import "go.uber.org/fx"

var Module = fx.Module("account.pool",
	fx.Provide(NewSelector),
)
