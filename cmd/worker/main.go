package main

import (
	"os"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"promoplane/pkg/clock"
	"promoplane/pkg/config"
	"promoplane/pkg/db"
	"promoplane/pkg/logger"
	"promoplane/pkg/redis"
	"promoplane/pkg/sequence"
	"promoplane/services/account"
	"promoplane/services/ledger"
	"promoplane/services/order"
	"promoplane/services/reversal"
	"promoplane/services/task"
	"promoplane/services/transport"
	"promoplane/services/worker"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		clock.Module,
		db.Module,
		redis.Module,
		sequence.Module,
		fx.Provide(
			provideSnowflakeNode,
			provideExecutor,
		),
		account.Module,
		ledger.Module,
		task.Module,
		order.Module,
		reversal.Module,
		worker.Module,
		fxLogger,
	)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func provideSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(2)
}

func provideExecutor(cfg *config.Config) transport.Executor {
	if cfg.Transport.DryRun {
		zap.L().Warn("running with dry-run executor, no actions will be performed")
		return transport.NewDryRunExecutor()
	}

	zap.L().Error("no automation backend configured, set TRANSPORT.DRY_RUN=true for development")
	os.Exit(1)
	return nil
}
