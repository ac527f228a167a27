// Package config loads settings from an optional YAML file and CHAINCHAT_*
// environment variables.
package config

import (
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"

	"github.com/pliu/chainchat/internal/content"
)

const EnvPrefix = "CHAINCHAT"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Content   ContentConfig   `mapstructure:"content"`
	Listener  ListenerConfig  `mapstructure:"listener"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Addr          string        `mapstructure:"addr"`
	SessionSecret string        `mapstructure:"sessionSecret"`
	AdminToken    string        `mapstructure:"adminToken"`
	SessionTTL    time.Duration `mapstructure:"sessionTTL"`
	StaticDir     string        `mapstructure:"staticDir"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type LedgerConfig struct {
	RPCURL          string `mapstructure:"rpcURL"`
	ContractAddress string `mapstructure:"contractAddress"`
}

type ContentConfig struct {
	PinningURL     string        `mapstructure:"pinningURL"`
	Gateways       []string      `mapstructure:"gateways"`
	MaxRetries     int           `mapstructure:"maxRetries"`
	RequestTimeout time.Duration `mapstructure:"requestTimeout"`
	HealthTimeout  time.Duration `mapstructure:"healthTimeout"`
	SlowThreshold  time.Duration `mapstructure:"slowThreshold"`
}

type ListenerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	DedupCapacity    int           `mapstructure:"dedupCapacity"`
	PruneInterval    time.Duration `mapstructure:"pruneInterval"`
	ResubscribeDelay time.Duration `mapstructure:"resubscribeDelay"`
}

type ReconcileConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Interval     time.Duration `mapstructure:"interval"`
	ContentBatch int           `mapstructure:"contentBatch"`
	LedgerRate   int           `mapstructure:"ledgerRate"`
	OrphanGrace  time.Duration `mapstructure:"orphanGrace"`

	// SkipWhenDegraded skips content validation while no gateway is healthy.
	SkipWhenDegraded bool `mapstructure:"skipWhenDegraded"`
}

type RedisConfig struct {
	Addr            string `mapstructure:"addr"`
	Password        string `mapstructure:"password"`
	DB              int    `mapstructure:"db"`
	ProcessingQueue string `mapstructure:"processingQueue"`
	CachingQueue    string `mapstructure:"cachingQueue"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.sessionSecret", "")
	v.SetDefault("server.adminToken", "")
	v.SetDefault("server.sessionTTL", "24h")
	v.SetDefault("server.staticDir", "")

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "chainchat.db")

	v.SetDefault("ledger.rpcURL", "")
	v.SetDefault("ledger.contractAddress", "")

	v.SetDefault("content.pinningURL", "")
	v.SetDefault("content.gateways", content.DefaultGateways)
	v.SetDefault("content.maxRetries", content.DefaultMaxRetries)
	v.SetDefault("content.requestTimeout", content.DefaultRequestTimeout.String())
	v.SetDefault("content.healthTimeout", "5s")
	v.SetDefault("content.slowThreshold", "2s")

	v.SetDefault("listener.enabled", true)
	v.SetDefault("listener.dedupCapacity", 1000)
	v.SetDefault("listener.pruneInterval", "1m")
	v.SetDefault("listener.resubscribeDelay", "5s")

	v.SetDefault("reconcile.enabled", true)
	v.SetDefault("reconcile.interval", "5m")
	v.SetDefault("reconcile.contentBatch", 100)
	v.SetDefault("reconcile.ledgerRate", 20)
	v.SetDefault("reconcile.orphanGrace", "10m")
	v.SetDefault("reconcile.skipWhenDegraded", false)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.processingQueue", "chainchat:processing")
	v.SetDefault("redis.cachingQueue", "chainchat:caching")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
}

// Load reads path (when non-empty) and the environment into a Config.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		return errors.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	if (c.Ledger.RPCURL == "") != (c.Ledger.ContractAddress == "") {
		return errors.New("ledger.rpcURL and ledger.contractAddress must be set together")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// LedgerEnabled reports whether a ledger node is configured.
func (c *Config) LedgerEnabled() bool {
	return c.Ledger.RPCURL != ""
}

func ParseLevel(level string) (jww.Threshold, error) {
	switch strings.ToLower(level) {
	case "trace":
		return jww.LevelTrace, nil
	case "debug":
		return jww.LevelDebug, nil
	case "info", "":
		return jww.LevelInfo, nil
	case "warn":
		return jww.LevelWarn, nil
	case "error":
		return jww.LevelError, nil
	default:
		return jww.LevelInfo, errors.Errorf("unknown log level %q", level)
	}
}

// InitLog sets the jww thresholds and, when file is set, sends log output
// there instead of stdout.
func InitLog(level, file string) error {
	threshold, err := ParseLevel(level)
	if err != nil {
		return err
	}
	if file != "" && file != "-" {
		out, err := os.OpenFile(file, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return errors.Wrapf(err, "open log file %s", file)
		}
		jww.SetStdoutOutput(io.Discard)
		jww.SetLogOutput(out)
	}
	jww.SetStdoutThreshold(threshold)
	jww.SetLogThreshold(threshold)
	if threshold <= jww.LevelDebug {
		jww.SetFlags(log.LstdFlags | log.Lmicroseconds)
	}
	return nil
}
