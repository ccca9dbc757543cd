// Package bootstrap migrates the schema on startup.
package bootstrap

import (
	"os"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"promoplane/services/account"
	"promoplane/services/ledger"
	"promoplane/services/order"
	"promoplane/services/provider"
	"promoplane/services/reversal"
	"promoplane/services/task"
)

func Migrate(db *gorm.DB) {
	err := db.AutoMigrate(
		&account.Account{},
		&account.Session{},
		&order.Order{},
		&task.Task{},
		&ledger.Entry{},
		&reversal.Reversal{},
		&provider.OrderMirror{},
	)
	if err != nil {
		zap.L().Error("[DB] Migration failed", zap.Error(err))
		os.Exit(1)
	}
	zap.L().Info("[DB] Migration completed")
}

var Module = fx.Module("bootstrap",
	fx.Invoke(Migrate),
)
