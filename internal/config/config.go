package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/eidos-exchange/eidos-endpoints/internal/model"
	"github.com/eidos-exchange/eidos-endpoints/internal/prober"
	"github.com/eidos-exchange/eidos-endpoints/internal/registry"
	"github.com/eidos-exchange/eidos-endpoints/internal/scorer"
	"github.com/eidos-exchange/eidos-endpoints/pkg/alert"
	"github.com/eidos-exchange/eidos-endpoints/pkg/circuitbreaker"
	"github.com/eidos-exchange/eidos-endpoints/pkg/errors"
	"github.com/eidos-exchange/eidos-endpoints/pkg/kafka"
)

// Config 配置
type Config struct {
	Service   ServiceConfig   `yaml:"service" json:"service"`
	Server    ServerConfig    `yaml:"server" json:"server"`
	Log       LogConfig       `yaml:"log" json:"log"`
	Registry  RegistryConfig  `yaml:"registry" json:"registry"`
	Prober    prober.Config   `yaml:"prober" json:"prober"`
	Scoring   scorer.Params   `yaml:"scoring" json:"scoring"`
	Reconcile ReconcileConfig `yaml:"reconcile" json:"reconcile"`
	Redis     RedisConfig     `yaml:"redis" json:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka" json:"kafka"`
	Postgres  PostgresConfig  `yaml:"postgres" json:"postgres"`
	Alert     alert.Config    `yaml:"alert" json:"alert"`
	Events    EventsConfig    `yaml:"events" json:"events"`
}

// ServiceConfig 服务配置
type ServiceConfig struct {
	Name string `yaml:"name" json:"name"`
	Env  string `yaml:"env" json:"env"`
}

// ServerConfig 对外服务端口
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port" json:"http_port"`
	GRPCPort        int           `yaml:"grpc_port" json:"grpc_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

// ReconcileConfig 对账 (探测 + 重新选择) 配置
type ReconcileConfig struct {
	// Interval 两轮对账的最小间隔，调用方在间隔内直接拿缓存
	Interval time.Duration `yaml:"interval" json:"interval"`
	// Background 是否启用定时对账任务
	Background bool   `yaml:"background" json:"background"`
	Cron       string `yaml:"cron" json:"cron"`
	// LockEnabled 多实例部署时用 redis 锁保证每个周期只有一个实例探测
	LockEnabled bool          `yaml:"lock_enabled" json:"lock_enabled"`
	LockTTL     time.Duration `yaml:"lock_ttl" json:"lock_ttl"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Enabled   bool     `yaml:"enabled" json:"enabled"`
	Addresses []string `yaml:"addresses" json:"addresses"`
	Password  string   `yaml:"password" json:"password"`
	DB        int      `yaml:"db" json:"db"`
	PoolSize  int      `yaml:"pool_size" json:"pool_size"`
	KeyPrefix string   `yaml:"key_prefix" json:"key_prefix"`
}

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	Enabled      bool   `yaml:"enabled" json:"enabled"`
	Topic        string `yaml:"topic" json:"topic"`
	kafka.Config `yaml:",inline"`
}

// PostgresConfig PostgreSQL 配置 (探测历史)
type PostgresConfig struct {
	Enabled         bool   `yaml:"enabled" json:"enabled"`
	Host            string `yaml:"host" json:"host"`
	Port            int    `yaml:"port" json:"port"`
	Database        string `yaml:"database" json:"database"`
	User            string `yaml:"user" json:"user"`
	Password        string `yaml:"password" json:"password"`
	SSLMode         string `yaml:"ssl_mode" json:"ssl_mode"`
	MaxConnections  int    `yaml:"max_connections" json:"max_connections"`
	MaxIdleConns    int    `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	AutoMigrate     bool   `yaml:"auto_migrate" json:"auto_migrate"`

	// HistoryRetention 探测历史保留时长，由定时任务清理
	HistoryRetention time.Duration `yaml:"history_retention" json:"history_retention"`
	CleanupCron      string        `yaml:"cleanup_cron" json:"cleanup_cron"`
}

// DSN 连接串
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// EventsConfig 选择事件投递配置
type EventsConfig struct {
	// Timeout 单个外部投递 (redis / kafka / 告警) 的超时
	Timeout time.Duration         `yaml:"timeout" json:"timeout"`
	Breaker circuitbreaker.Config `yaml:"breaker" json:"breaker"`
}

// Load 加载配置
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, errors.WrapWithCause(errors.ErrConfiguration, err, "read %s", configPath)
	}
	return Parse(data)
}

// Parse 解析配置内容: 环境变量替换、反序列化、默认值、校验
func Parse(data []byte) (*Config, error) {
	content := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
		return nil, errors.WrapWithCause(errors.ErrConfiguration, err, "parse config")
	}

	if err := setDefaults(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// expandEnvVars 展开环境变量 ${VAR:default}
func expandEnvVars(s string) string {
	result := s
	offset := 0
	for {
		start := strings.Index(result[offset:], "${")
		if start == -1 {
			break
		}
		start += offset
		end := strings.Index(result[start:], "}")
		if end == -1 {
			break
		}
		end += start

		expr := result[start+2 : end]
		parts := strings.SplitN(expr, ":", 2)
		varName := parts[0]
		defaultVal := ""
		if len(parts) > 1 {
			defaultVal = parts[1]
		}

		value := os.Getenv(varName)
		if value == "" {
			value = defaultVal
		}

		result = result[:start] + value + result[end+1:]
		offset = start + len(value)
	}
	return result
}

// setDefaults 设置默认值。未声明端点时使用内置目录
func setDefaults(cfg *Config) error {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "eidos-endpoints"
	}
	if cfg.Service.Env == "" {
		cfg.Service.Env = "dev"
	}

	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8090
	}
	if cfg.Server.GRPCPort == 0 {
		cfg.Server.GRPCPort = 50060
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}

	if len(cfg.Registry.Endpoints) == 0 {
		catalog, err := DefaultCatalog()
		if err != nil {
			return err
		}
		cfg.Registry.Endpoints = catalog.Endpoints
		if len(cfg.Registry.Selection) == 0 {
			cfg.Registry.Selection = catalog.Selection
		}
	}
	if cfg.Registry.DefaultKind == "" {
		cfg.Registry.DefaultKind = model.KindBlockchainRPC
	}
	if cfg.Registry.ProtocolKind == "" {
		cfg.Registry.ProtocolKind = model.KindProtocolAPI
	}

	cfg.Prober = cfg.Prober.WithDefaults()
	cfg.Scoring = cfg.Scoring.WithDefaults()

	if cfg.Reconcile.Interval <= 0 {
		cfg.Reconcile.Interval = 300 * time.Second
	}
	if cfg.Reconcile.Cron == "" {
		cfg.Reconcile.Cron = "0 */5 * * * *"
	}
	if cfg.Reconcile.LockTTL <= 0 {
		cfg.Reconcile.LockTTL = 2 * time.Minute
	}

	if len(cfg.Redis.Addresses) == 0 {
		cfg.Redis.Addresses = []string{"localhost:6379"}
	}
	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 20
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "eidos:endpoints"
	}

	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "endpoint-selection-events"
	}
	if cfg.Kafka.ClientID == "" {
		cfg.Kafka.ClientID = cfg.Service.Name
	}

	if cfg.Postgres.Host == "" {
		cfg.Postgres.Host = "localhost"
	}
	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = 5432
	}
	if cfg.Postgres.SSLMode == "" {
		cfg.Postgres.SSLMode = "disable"
	}
	if cfg.Postgres.MaxConnections == 0 {
		cfg.Postgres.MaxConnections = 10
	}
	if cfg.Postgres.MaxIdleConns == 0 {
		cfg.Postgres.MaxIdleConns = 2
	}
	if cfg.Postgres.ConnMaxLifetime == 0 {
		cfg.Postgres.ConnMaxLifetime = 3600
	}
	if cfg.Postgres.HistoryRetention <= 0 {
		cfg.Postgres.HistoryRetention = 7 * 24 * time.Hour
	}
	if cfg.Postgres.CleanupCron == "" {
		cfg.Postgres.CleanupCron = "0 30 3 * * *"
	}

	if cfg.Alert.ServiceName == "" {
		cfg.Alert.ServiceName = cfg.Service.Name
	}
	if cfg.Alert.Environment == "" {
		cfg.Alert.Environment = cfg.Service.Env
	}

	if cfg.Events.Timeout <= 0 {
		cfg.Events.Timeout = 3 * time.Second
	}
	def := circuitbreaker.DefaultConfig()
	if cfg.Events.Breaker.FailureThreshold <= 0 {
		cfg.Events.Breaker.FailureThreshold = def.FailureThreshold
	}
	if cfg.Events.Breaker.SuccessThreshold <= 0 {
		cfg.Events.Breaker.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.Events.Breaker.OpenTimeout <= 0 {
		cfg.Events.Breaker.OpenTimeout = def.OpenTimeout
	}
	if cfg.Events.Breaker.MaxHalfOpenRequests <= 0 {
		cfg.Events.Breaker.MaxHalfOpenRequests = def.MaxHalfOpenRequests
	}
	return nil
}

// Validate 校验配置，失败返回 ErrConfiguration
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return errors.Wrapf(errors.ErrConfiguration, "invalid http_port %d", c.Server.HTTPPort)
	}
	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		return errors.Wrapf(errors.ErrConfiguration, "invalid grpc_port %d", c.Server.GRPCPort)
	}

	endpoints := c.Registry.Models()
	if err := registry.Validate(endpoints); err != nil {
		return err
	}
	if err := c.Registry.validateSelection(endpoints); err != nil {
		return err
	}

	if err := c.Scoring.Validate(); err != nil {
		return errors.WrapWithCause(errors.ErrConfiguration, err, "scoring")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errors.Wrapf(errors.ErrConfiguration, "kafka enabled without brokers")
	}
	if c.Postgres.Enabled && c.Postgres.Database == "" {
		return errors.Wrapf(errors.ErrConfiguration, "postgres enabled without database")
	}
	if c.Reconcile.LockEnabled && !c.Redis.Enabled {
		return errors.Wrapf(errors.ErrConfiguration, "reconcile lock requires redis")
	}
	return nil
}

// GetEnvInt 获取环境变量整数值
func GetEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// GetEnvString 获取环境变量字符串值
func GetEnvString(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// GetEnvBool 获取环境变量布尔值
func GetEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}
