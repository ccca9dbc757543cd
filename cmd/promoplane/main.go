package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	asynqfx "promoplane/pkg/asynq"
	"promoplane/pkg/clock"
	"promoplane/pkg/config"
	"promoplane/pkg/db"
	"promoplane/pkg/logger"
	"promoplane/pkg/redis"
	"promoplane/pkg/sequence"
	"promoplane/pkg/taskname"
	"promoplane/services/account"
	"promoplane/services/bootstrap"
	"promoplane/services/dependency"
	"promoplane/services/dripfeed"
	"promoplane/services/ledger"
	"promoplane/services/order"
	"promoplane/services/provider"
	"promoplane/services/reversal"
	"promoplane/services/sweeper"
	"promoplane/services/task"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		clock.Module,
		db.Module,
		redis.Module,
		sequence.Module,
		asynqfx.Client,
		asynqfx.Server,
		fx.Provide(provideSnowflakeNode),
		bootstrap.Module,
		account.Module,
		ledger.Module,
		task.Module,
		order.Module,
		dripfeed.Module,
		dependency.Module,
		reversal.Module,
		provider.Module,
		sweeper.Module,
		fx.Invoke(registerHandlers),
		fxLogger,
	)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func provideSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

func registerHandlers(mux *asynq.ServeMux, drip *dripfeed.Service, rev *reversal.Service, gate *dependency.Gate, prov *provider.Service) {
	mux.HandleFunc(taskname.DripfeedSweep, drip.HandleSweep)
	mux.HandleFunc(taskname.ReversalSweep, rev.HandleSweep)
	mux.HandleFunc(taskname.DependencyVerify, gate.HandleVerify)
	mux.HandleFunc(taskname.ProviderSync, prov.HandleSync)
}
