package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var config = viper.New()

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	TLS        struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Database struct {
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
	Signing struct {
		// ActiveKeyID selects which entry in Keys signs new licenses.
		// Verification accepts any key id present in Keys.
		ActiveKeyID string `mapstructure:"ACTIVE_KEY_ID"`
		// Keys maps key id to a base64-encoded Ed25519 seed.
		Keys map[string]string `mapstructure:"KEYS"`
	} `mapstructure:"SIGNING"`
	Licensing struct {
		TemplatesDir      string `mapstructure:"TEMPLATES_DIR"`
		GraceDays         int    `mapstructure:"GRACE_DAYS"`
		ReminderDays      []int  `mapstructure:"REMINDER_DAYS"`
		RenewalWindowDays int    `mapstructure:"RENEWAL_WINDOW_DAYS"`
		AutoRenewEnabled  bool   `mapstructure:"AUTO_RENEW_ENABLED"`
		CacheTTLSec       int    `mapstructure:"CACHE_TTL_SEC"`
		GraceSeconds      int    `mapstructure:"GRACE_SECONDS"`
		SweepHour         int    `mapstructure:"SWEEP_HOUR"`
	} `mapstructure:"LICENSING"`
	SSO struct {
		Secret   string        `mapstructure:"SECRET"`
		TokenTTL time.Duration `mapstructure:"TOKEN_TTL"`
	} `mapstructure:"SSO"`
	Webhook struct {
		MaxAttempts int           `mapstructure:"MAX_ATTEMPTS"`
		Timeout     time.Duration `mapstructure:"TIMEOUT"`
	} `mapstructure:"WEBHOOK"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

func LoadConfig() *Config {

	config.SetConfigName("config")
	config.SetConfigType("yaml")
	config.AddConfigPath(".")

	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	config.AutomaticEnv()

	if err := config.ReadInConfig(); err != nil {
		zap.L().Error("failed to read config", zap.Error(err))
		os.Exit(1)
	}

	var cfg Config
	if err := config.Unmarshal(&cfg); err != nil {
		zap.L().Error("failed to unmarshal config", zap.Error(err))
		os.Exit(1)
	}

	applyDefaults(&cfg)

	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Licensing.GraceDays == 0 {
		cfg.Licensing.GraceDays = 14
	}
	if len(cfg.Licensing.ReminderDays) == 0 {
		cfg.Licensing.ReminderDays = []int{90, 60, 30, 7, 1}
	}
	if cfg.Licensing.RenewalWindowDays == 0 {
		cfg.Licensing.RenewalWindowDays = 30
	}
	if cfg.Licensing.CacheTTLSec == 0 {
		cfg.Licensing.CacheTTLSec = 300
	}
	if cfg.Licensing.GraceSeconds == 0 {
		cfg.Licensing.GraceSeconds = 3600
	}
	if cfg.SSO.TokenTTL == 0 {
		cfg.SSO.TokenTTL = 15 * time.Minute
	}
	if cfg.Webhook.MaxAttempts == 0 {
		cfg.Webhook.MaxAttempts = 5
	}
	if cfg.Webhook.Timeout == 0 {
		cfg.Webhook.Timeout = 10 * time.Second
	}
}
