package config

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/vault-client-go"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var config = viper.New()

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	Database   struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Worker struct {
		Count          int           `mapstructure:"COUNT"`
		LeaseDuration  time.Duration `mapstructure:"LEASE_DURATION"`
		ExecuteTimeout time.Duration `mapstructure:"EXECUTE_TIMEOUT"`
		PollInterval   time.Duration `mapstructure:"POLL_INTERVAL"`
		MaxAttempts    int           `mapstructure:"MAX_ATTEMPTS"`
		RetryBackoff   time.Duration `mapstructure:"RETRY_BACKOFF"`
	} `mapstructure:"WORKER"`
	Pool struct {
		FloodCooldown    time.Duration `mapstructure:"FLOOD_COOLDOWN"`
		DisableThreshold int           `mapstructure:"DISABLE_THRESHOLD"`
		SuccessDecay     int           `mapstructure:"SUCCESS_DECAY"`
	} `mapstructure:"POOL"`
	Scheduler struct {
		DripfeedInterval   time.Duration `mapstructure:"DRIPFEED_INTERVAL"`
		ReversalInterval   time.Duration `mapstructure:"REVERSAL_INTERVAL"`
		DependencyInterval time.Duration `mapstructure:"DEPENDENCY_INTERVAL"`
		ProviderInterval   time.Duration `mapstructure:"PROVIDER_INTERVAL"`
	} `mapstructure:"SCHEDULER"`
	Provider struct {
		LockTTL      time.Duration `mapstructure:"LOCK_TTL"`
		StaleAfter   time.Duration `mapstructure:"STALE_AFTER"`
		FetchTimeout time.Duration `mapstructure:"FETCH_TIMEOUT"`
	} `mapstructure:"PROVIDER"`
	Transport struct {
		DryRun bool `mapstructure:"DRY_RUN"`
	} `mapstructure:"TRANSPORT"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

type Params struct {
	fx.In
	Vault *vault.Client `optional:"true"`
}

func LoadConfig(p Params) *Config {
	config.SetConfigName("config")
	config.SetConfigType("yaml")
	config.AddConfigPath(".")

	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	config.AutomaticEnv()

	if err := config.ReadInConfig(); err != nil {
		os.Exit(1)
	}

	var cfg Config
	if err := config.Unmarshal(&cfg); err != nil {
		os.Exit(1)
	}

	ApplyDefaults(&cfg)

	if p.Vault != nil {
		client := p.Vault
		ctx := context.Background()

		zap.L().Info("Starting Get Secrets", zap.String("path", cfg.AppEnv))
		secret, err := client.Secrets.KvV2Read(ctx, cfg.AppEnv, vault.WithMountPath("secret"))
		if err != nil {
			zap.L().Error("failed get secret from vault", zap.Error(err))
			os.Exit(1)
		}
		zap.L().Info("Success Get Secret")

		get := func(key string) string {
			if val, ok := secret.Data.Data[key].(string); ok {
				return val
			}
			return ""
		}

		cfg.Database.User = get("postgres_user")
		cfg.Database.Password = get("postgres_password")
		cfg.Redis.Password = get("redis_password")
	}

	return &cfg
}

// ApplyDefaults fills scheduler and pool knobs that are unset in config.yaml.
func ApplyDefaults(cfg *Config) {
	if cfg.Worker.Count <= 0 {
		cfg.Worker.Count = 4
	}
	if cfg.Worker.LeaseDuration <= 0 {
		cfg.Worker.LeaseDuration = 2 * time.Minute
	}
	if cfg.Worker.ExecuteTimeout <= 0 {
		cfg.Worker.ExecuteTimeout = 90 * time.Second
	}
	if cfg.Worker.PollInterval <= 0 {
		cfg.Worker.PollInterval = 3 * time.Second
	}
	if cfg.Worker.MaxAttempts <= 0 {
		cfg.Worker.MaxAttempts = 3
	}
	if cfg.Worker.RetryBackoff <= 0 {
		cfg.Worker.RetryBackoff = 30 * time.Second
	}
	if cfg.Pool.FloodCooldown <= 0 {
		cfg.Pool.FloodCooldown = 30 * time.Minute
	}
	if cfg.Pool.DisableThreshold <= 0 {
		cfg.Pool.DisableThreshold = 10
	}
	if cfg.Pool.SuccessDecay <= 0 {
		cfg.Pool.SuccessDecay = 5
	}
	if cfg.Scheduler.DripfeedInterval <= 0 {
		cfg.Scheduler.DripfeedInterval = time.Minute
	}
	if cfg.Scheduler.ReversalInterval <= 0 {
		cfg.Scheduler.ReversalInterval = time.Minute
	}
	if cfg.Scheduler.DependencyInterval <= 0 {
		cfg.Scheduler.DependencyInterval = time.Minute
	}
	if cfg.Scheduler.ProviderInterval <= 0 {
		cfg.Scheduler.ProviderInterval = 5 * time.Minute
	}
	if cfg.Provider.LockTTL <= 0 {
		cfg.Provider.LockTTL = 2 * time.Minute
	}
	if cfg.Provider.StaleAfter <= 0 {
		cfg.Provider.StaleAfter = 10 * time.Minute
	}
	if cfg.Provider.FetchTimeout <= 0 {
		cfg.Provider.FetchTimeout = 30 * time.Second
	}
}
