package task

import "go.uber.org/fx"

var Module = fx.Module("task.queue",
	fx.Provide(NewService),
)
