package config

import (
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Store    StoreConfig    `mapstructure:"store"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Notifier NotifierConfig `mapstructure:"notifier"`
}

// ServerConfig holds the HTTP server configuration
type ServerConfig struct {
	Port            string `mapstructure:"port"`
	AllowedOrigins  string `mapstructure:"allowedOrigins"`
	ShutdownTimeout int    `mapstructure:"shutdownTimeout"`
}

// StoreConfig selects the relational backend for rules, alerts and events
type StoreConfig struct {
	Driver string `mapstructure:"driver"` // sqlite or postgres
	DSN    string `mapstructure:"dsn"`
}

// RedisConfig holds the Value Source connection configuration
type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dialTimeout"`
	ReadTimeout time.Duration `mapstructure:"readTimeout"`
	PoolSize    int           `mapstructure:"poolSize"`
}

// MonitorConfig holds the scheduler settings
type MonitorConfig struct {
	DataFetchInterval   time.Duration `mapstructure:"dataFetchInterval"`
	HeartbeatInterval   time.Duration `mapstructure:"heartbeatInterval"`
	WorkerPoolSize      int           `mapstructure:"workerPoolSize"`
	FetchTimeout        time.Duration `mapstructure:"fetchTimeout"`
	MaxConcurrentChecks int           `mapstructure:"maxConcurrentChecks"`
	StartupPingAttempts int           `mapstructure:"startupPingAttempts"`
}

// NotifierConfig lists the broadcast sinks
type NotifierConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	Sinks   []string      `mapstructure:"sinks"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	NATS    NATSConfig    `mapstructure:"nats"`
}

// KafkaConfig enables the Kafka sink when brokers and topic are set
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// NATSConfig enables the NATS sink when url is set
type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

// LoadConfig loads the application configuration from file or environment variables
func LoadConfig(configPath string) (*Config, error) {
	var config Config
	v := viper.New()

	// Set default values
	v.SetDefault("server.port", "6002")
	v.SetDefault("server.allowedOrigins", "*")
	v.SetDefault("server.shutdownTimeout", 10)

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "alarm.db")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.dialTimeout", "5s")
	v.SetDefault("redis.readTimeout", "5s")
	v.SetDefault("redis.poolSize", 4)

	v.SetDefault("monitor.dataFetchInterval", "5s")
	v.SetDefault("monitor.heartbeatInterval", "30s")
	v.SetDefault("monitor.workerPoolSize", 4)
	v.SetDefault("monitor.fetchTimeout", "5s")
	v.SetDefault("monitor.maxConcurrentChecks", 64)
	v.SetDefault("monitor.startupPingAttempts", 3)

	v.SetDefault("notifier.timeout", "3s")
	v.SetDefault("notifier.sinks", []string{})
	v.SetDefault("notifier.kafka.brokers", []string{})
	v.SetDefault("notifier.kafka.topic", "")
	v.SetDefault("notifier.nats.url", "")
	v.SetDefault("notifier.nats.subject", "alarm.events")

	// Allow environment variables to override config file
	v.SetEnvPrefix("ALARM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// If config file is provided, read it
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			logrus.Warnf("Error reading config file: %v", err)
		}
	}

	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// AllowedOriginList splits the comma-separated origin setting
func (c ServerConfig) AllowedOriginList() []string {
	origins := make([]string, 0)
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}
