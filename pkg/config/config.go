package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/xcrystal627/commune/pkg/store"
)

const EnvPrefix = "MODNET"

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// RateConfig holds the stake rate model knobs shared by gateway callers.
type RateConfig struct {
	AdminRate       float64 `mapstructure:"admin_rate"`
	OwnerRate       float64 `mapstructure:"owner_rate"`
	LocalRate       float64 `mapstructure:"local_rate"`
	MaxRate         float64 `mapstructure:"max_rate"`
	MinRate         float64 `mapstructure:"min_rate"`
	StakePrice      float64 `mapstructure:"stake_price"`
	DirectWeight    float64 `mapstructure:"direct_weight"`
	DelegatedWeight float64 `mapstructure:"delegated_weight"`
	OwnerWeight     float64 `mapstructure:"owner_weight"`
}

type GatewayConfig struct {
	Environment         string                `mapstructure:"environment"`
	StrictProdSecurity  bool                  `mapstructure:"strict_prod_security"`
	Name                string                `mapstructure:"name"`
	KeyName             string                `mapstructure:"key_name"`
	KeyRoot             string                `mapstructure:"key_root"`
	Network             string                `mapstructure:"network"`
	Host                string                `mapstructure:"host"`
	PortMin             int                   `mapstructure:"port_min"`
	PortMax             int                   `mapstructure:"port_max"`
	Free                bool                  `mapstructure:"free"`
	MaxRequestStaleness time.Duration         `mapstructure:"max_request_staleness"`
	MaxNetworkStaleness time.Duration         `mapstructure:"max_network_staleness"`
	MaxBodyBytes        int64                 `mapstructure:"max_body_bytes"`
	RateWindow          time.Duration         `mapstructure:"rate_window"`
	AdminKeys           []string              `mapstructure:"admin_keys"`
	FatalErrors         []string              `mapstructure:"fatal_errors"`
	HistoryRoot         string                `mapstructure:"history_root"`
	HistoryLifetime     time.Duration         `mapstructure:"history_lifetime"`
	RetentionInterval   time.Duration         `mapstructure:"retention_interval"`
	DirectoryURL        string                `mapstructure:"directory_url"`
	CORSAllowedOrigins  string                `mapstructure:"cors_allowed_origins"`
	Rate                RateConfig            `mapstructure:"rate"`
	Redis               store.RedisOptions    `mapstructure:"redis"`
	Postgres            store.PostgresOptions `mapstructure:"postgres"`
	Log                 LogConfig             `mapstructure:"log"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type ValidatorConfig struct {
	Environment        string             `mapstructure:"environment"`
	StrictProdSecurity bool               `mapstructure:"strict_prod_security"`
	Name               string             `mapstructure:"name"`
	KeyName            string             `mapstructure:"key_name"`
	KeyRoot            string             `mapstructure:"key_root"`
	Network            string             `mapstructure:"network"`
	Tempo              time.Duration      `mapstructure:"tempo"`
	BatchSize          int                `mapstructure:"batch_size"`
	Timeout            time.Duration      `mapstructure:"timeout"`
	Search             string             `mapstructure:"search"`
	ValiRoot           string             `mapstructure:"vali_root"`
	ScoreboardBackend  string             `mapstructure:"scoreboard_backend"`
	MaxAge             time.Duration      `mapstructure:"max_age"`
	DirectoryURL       string             `mapstructure:"directory_url"`
	ListenAddr         string             `mapstructure:"listen_addr"`
	CORSAllowedOrigins string             `mapstructure:"cors_allowed_origins"`
	AdminKeys          []string           `mapstructure:"admin_keys"`
	Kafka              KafkaConfig        `mapstructure:"kafka"`
	Redis              store.RedisOptions `mapstructure:"redis"`
	Log                LogConfig          `mapstructure:"log"`
}

type DirectoryConfig struct {
	Environment        string             `mapstructure:"environment"`
	StrictProdSecurity bool               `mapstructure:"strict_prod_security"`
	ListenAddr         string             `mapstructure:"listen_addr"`
	Backend            string             `mapstructure:"backend"`
	Prefix             string             `mapstructure:"prefix"`
	Redis              store.RedisOptions `mapstructure:"redis"`
	Log                LogConfig          `mapstructure:"log"`
}

func setCommonDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.tls", false)
	v.SetDefault("redis.tls_insecure", false)
	v.SetDefault("redis.allow_insecure_tls", false)
	v.SetDefault("redis.tls_server_name", "")
	v.SetDefault("redis.tls_ca_cert_file", "")
	v.SetDefault("redis.tls_cert_file", "")
	v.SetDefault("redis.tls_key_file", "")
	v.SetDefault("redis.require_tls", false)
}

func gatewayDefaults(v *viper.Viper) {
	setCommonDefaults(v)
	v.SetDefault("strict_prod_security", true)
	v.SetDefault("name", "module")
	v.SetDefault("key_name", "")
	v.SetDefault("key_root", "./data/keys")
	v.SetDefault("network", "local/0")
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port_min", 50050)
	v.SetDefault("port_max", 50250)
	v.SetDefault("free", false)
	v.SetDefault("max_request_staleness", 100*time.Second)
	v.SetDefault("max_network_staleness", 60*time.Second)
	v.SetDefault("max_body_bytes", 1<<20)
	v.SetDefault("rate_window", 60*time.Second)
	v.SetDefault("admin_keys", []string{})
	v.SetDefault("fatal_errors", []string{"CUDA out of memory", "PYTORCH_CUDA_ALLOC_CONF", "out of memory"})
	v.SetDefault("history_root", "./data/history")
	v.SetDefault("history_lifetime", 24*time.Hour)
	v.SetDefault("retention_interval", 10*time.Minute)
	v.SetDefault("directory_url", "")
	v.SetDefault("cors_allowed_origins", "")
	v.SetDefault("rate.admin_rate", 1000.0)
	v.SetDefault("rate.owner_rate", 1000.0)
	v.SetDefault("rate.local_rate", 1000.0)
	v.SetDefault("rate.max_rate", 1000.0)
	v.SetDefault("rate.min_rate", 1.0)
	v.SetDefault("rate.stake_price", 1000.0)
	v.SetDefault("rate.direct_weight", 1.0)
	v.SetDefault("rate.delegated_weight", 1.0)
	v.SetDefault("rate.owner_weight", 1.0)
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.require_tls", false)
	v.SetDefault("postgres.max_conns", 10)
}

func validatorDefaults(v *viper.Viper) {
	setCommonDefaults(v)
	v.SetDefault("strict_prod_security", true)
	v.SetDefault("name", "vali")
	v.SetDefault("key_name", "")
	v.SetDefault("key_root", "./data/keys")
	v.SetDefault("network", "local/0")
	v.SetDefault("tempo", 60*time.Second)
	v.SetDefault("batch_size", 128)
	v.SetDefault("timeout", 3*time.Second)
	v.SetDefault("search", "")
	v.SetDefault("vali_root", "./data/vali")
	v.SetDefault("scoreboard_backend", "file")
	v.SetDefault("max_age", time.Duration(0))
	v.SetDefault("directory_url", "")
	v.SetDefault("listen_addr", "127.0.0.1:8090")
	v.SetDefault("admin_keys", []string{})
	v.SetDefault("cors_allowed_origins", "")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "modnet.validator")
}

func directoryDefaults(v *viper.Viper) {
	setCommonDefaults(v)
	v.SetDefault("strict_prod_security", true)
	v.SetDefault("listen_addr", ":8070")
	v.SetDefault("backend", "memory")
	v.SetDefault("prefix", "modnet:")
}

func newViper(path string, defaults func(*viper.Viper)) (*viper.Viper, error) {
	v := viper.New()
	defaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return v, nil
}

// LoadGateway reads defaults, then the optional file at path, then MODNET_* env.
func LoadGateway(path string) (*GatewayConfig, error) {
	v, err := newViper(path, gatewayDefaults)
	if err != nil {
		return nil, err
	}
	var c GatewayConfig
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if c.KeyName == "" {
		c.KeyName = "module." + c.Name
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *GatewayConfig) validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("gateway name is required")
	}
	if c.PortMin > c.PortMax {
		return fmt.Errorf("port_min %d exceeds port_max %d", c.PortMin, c.PortMax)
	}
	if c.MaxRequestStaleness <= 0 {
		return fmt.Errorf("max_request_staleness must be positive")
	}
	return nil
}

func LoadValidator(path string) (*ValidatorConfig, error) {
	v, err := newViper(path, validatorDefaults)
	if err != nil {
		return nil, err
	}
	var c ValidatorConfig
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if c.KeyName == "" {
		c.KeyName = "vali." + c.Name
	}
	if c.BatchSize <= 0 {
		return nil, fmt.Errorf("batch_size must be positive")
	}
	if c.Tempo <= 0 {
		return nil, fmt.Errorf("tempo must be positive")
	}
	switch c.ScoreboardBackend {
	case "file", "redis":
	default:
		return nil, fmt.Errorf("unknown scoreboard_backend %q", c.ScoreboardBackend)
	}
	return &c, nil
}

func LoadDirectory(path string) (*DirectoryConfig, error) {
	v, err := newViper(path, directoryDefaults)
	if err != nil {
		return nil, err
	}
	var c DirectoryConfig
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &c, nil
}
