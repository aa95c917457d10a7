// Package config 负责加载和管理服务端的配置
// 使用 viper 库支持 YAML 配置文件和环境变量覆盖
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// 存储驱动
const (
	StorageMySQL  = "mysql"  // MySQL 持久化
	StorageMemory = "memory" // 进程内存储（开发/演示用）
)

// Config 是服务端的根配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`   // 服务器配置
	Storage  StorageConfig  `mapstructure:"storage"`  // 存储配置
	MySQL    MySQLConfig    `mapstructure:"mysql"`    // MySQL 配置
	Redis    RedisConfig    `mapstructure:"redis"`    // Redis 配置
	JWT      JWTConfig      `mapstructure:"jwt"`      // JWT 配置
	Log      LogConfig      `mapstructure:"log"`      // 日志配置
	Session  SessionConfig  `mapstructure:"session"`  // 会话配置
	Device   DeviceConfig   `mapstructure:"device"`   // 设备配置
	Relay    RelayConfig    `mapstructure:"relay"`    // 信令中继配置
	Transfer TransferConfig `mapstructure:"transfer"` // 文件传输配置
	Policy   PolicyConfig   `mapstructure:"policy"`   // 审批策略
}

// ServerConfig 服务器相关配置
type ServerConfig struct {
	Port int      `mapstructure:"port"` // 监听端口，默认 8080
	Mode string   `mapstructure:"mode"` // 运行模式: debug / release
	CORS []string `mapstructure:"cors"` // CORS 允许的域名
}

// StorageConfig 存储配置
type StorageConfig struct {
	Driver string `mapstructure:"driver"` // mysql / memory
}

// MySQLConfig MySQL 数据库连接配置
type MySQLConfig struct {
	Host         string `mapstructure:"host"`           // 数据库主机地址
	Port         int    `mapstructure:"port"`           // 数据库端口
	Username     string `mapstructure:"username"`       // 数据库用户名
	Password     string `mapstructure:"password"`       // 数据库密码
	Database     string `mapstructure:"database"`       // 数据库名称
	Charset      string `mapstructure:"charset"`        // 字符集
	MaxIdleConns int    `mapstructure:"max_idle_conns"` // 最大空闲连接数
	MaxOpenConns int    `mapstructure:"max_open_conns"` // 最大打开连接数
	MaxLifetime  int    `mapstructure:"max_lifetime"`   // 连接最大生命周期（秒）
}

// DSN 构建 MySQL 连接串
func (c MySQLConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=True&loc=Local",
		c.Username, c.Password, c.Host, c.Port, c.Database, c.Charset)
}

// RedisConfig Redis 连接配置
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`   // 关闭时使用进程内缓存
	Host     string `mapstructure:"host"`      // Redis 主机地址
	Port     int    `mapstructure:"port"`      // Redis 端口
	Username string `mapstructure:"username"`  // Redis 用户名
	Password string `mapstructure:"password"`  // Redis 密码
	DB       int    `mapstructure:"db"`        // 数据库索引 (0-15)
	PoolSize int    `mapstructure:"pool_size"` // 连接池大小
}

// JWTConfig JWT 认证配置
type JWTConfig struct {
	Secret        string        `mapstructure:"secret"`         // JWT 签名密钥，至少32字符
	AccessExpire  time.Duration `mapstructure:"access_expire"`  // Access Token 过期时间
	RefreshExpire time.Duration `mapstructure:"refresh_expire"` // Refresh Token 过期时间
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`  // 日志级别: debug/info/warn/error
	Format string `mapstructure:"format"` // 日志格式: json/text
}

// SessionConfig 会话注册表配置
type SessionConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`            // 会话默认有效期
	SweepInterval time.Duration `mapstructure:"sweep_interval"` // 过期清扫周期
}

// DeviceConfig 设备注册表配置
type DeviceConfig struct {
	PendingTimeout time.Duration `mapstructure:"pending_timeout"` // 待认领会话的超时时间
	WakeThrottle   time.Duration `mapstructure:"wake_throttle"`   // 两次唤醒之间的最小间隔
	WakeBroadcast  string        `mapstructure:"wake_broadcast"`  // 唤醒包广播地址
}

// RelayConfig 信令中继配置
type RelayConfig struct {
	QueueSize    int           `mapstructure:"queue_size"`    // 每个接收方的队列长度
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`  // 无流量多久关闭通道
	MaxRetries   int           `mapstructure:"max_retries"`   // 投递失败的重试次数
	RetryBackoff time.Duration `mapstructure:"retry_backoff"` // 重试间隔

	// TouchInterval 通道流量续期会话的最小间隔，必须小于 session.ttl
	TouchInterval time.Duration `mapstructure:"touch_interval"`
}

// TransferConfig 文件传输配置
type TransferConfig struct {
	TTL       time.Duration `mapstructure:"ttl"`        // 暂存文件有效期
	Dir       string        `mapstructure:"dir"`        // 暂存目录
	ChunkSize int           `mapstructure:"chunk_size"` // 分块大小（字节）
	MaxSize   int64         `mapstructure:"max_size"`   // 单个文件最大大小（字节）
}

// PolicyConfig 审批策略
type PolicyConfig struct {
	MultiTechnician bool `mapstructure:"multi_technician"` // 是否允许多个技术员同时接入
}

// Load 从指定路径加载配置文件
// 支持环境变量覆盖配置项
// 参数:
//   - configPath: 配置文件目录路径 (如 "./configs")
//
// 返回:
//   - *Config: 配置对象
//   - error: 如果加载失败则返回错误
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)

	// 将环境变量中的 _ 映射到配置的 .
	// 例如: MYSQL_HOST -> mysql.host
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	bindEnvVariables(v)
	setDefaults(v)

	// 配置文件不存在时继续使用默认值和环境变量
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validate 检查互相依赖的配置项
func (c *Config) validate() error {
	switch c.Storage.Driver {
	case StorageMySQL, StorageMemory:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("session.ttl must be positive")
	}
	if c.Relay.TouchInterval <= 0 || c.Relay.TouchInterval >= c.Session.TTL {
		return fmt.Errorf("relay.touch_interval must be positive and shorter than session.ttl")
	}
	if c.Relay.QueueSize <= 0 {
		return fmt.Errorf("relay.queue_size must be positive")
	}
	if c.Transfer.ChunkSize <= 0 {
		return fmt.Errorf("transfer.chunk_size must be positive")
	}
	return nil
}

// bindEnvVariables 绑定环境变量到配置项
func bindEnvVariables(v *viper.Viper) {
	// 服务器配置
	v.BindEnv("server.port", "SERVER_PORT")
	v.BindEnv("server.mode", "SERVER_MODE")
	v.BindEnv("storage.driver", "STORAGE_DRIVER")

	// MySQL 配置
	v.BindEnv("mysql.host", "MYSQL_HOST")
	v.BindEnv("mysql.port", "MYSQL_PORT")
	v.BindEnv("mysql.username", "MYSQL_USERNAME")
	v.BindEnv("mysql.password", "MYSQL_PASSWORD")
	v.BindEnv("mysql.database", "MYSQL_DATABASE")

	// Redis 配置
	v.BindEnv("redis.enabled", "REDIS_ENABLED")
	v.BindEnv("redis.host", "REDIS_HOST")
	v.BindEnv("redis.port", "REDIS_PORT")
	v.BindEnv("redis.username", "REDIS_USERNAME")
	v.BindEnv("redis.password", "REDIS_PASSWORD")

	// JWT 配置
	v.BindEnv("jwt.secret", "JWT_SECRET")

	v.BindEnv("transfer.dir", "TRANSFER_DIR")
	v.BindEnv("policy.multi_technician", "POLICY_MULTI_TECHNICIAN")
}

// setDefaults 设置配置项的默认值
func setDefaults(v *viper.Viper) {
	// 服务器默认配置
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.cors", []string{"http://localhost:3000", "http://localhost:5173"})
	v.SetDefault("storage.driver", StorageMySQL)

	// MySQL 默认配置
	v.SetDefault("mysql.host", "localhost")
	v.SetDefault("mysql.port", 3306)
	v.SetDefault("mysql.database", "remote_assist")
	v.SetDefault("mysql.charset", "utf8mb4")
	v.SetDefault("mysql.max_idle_conns", 10)
	v.SetDefault("mysql.max_open_conns", 100)
	v.SetDefault("mysql.max_lifetime", 3600)

	// Redis 默认配置
	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 100)

	// JWT 默认配置
	v.SetDefault("jwt.access_expire", "24h")
	v.SetDefault("jwt.refresh_expire", "168h")

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("session.ttl", "10m")
	v.SetDefault("session.sweep_interval", "30s")

	v.SetDefault("device.pending_timeout", "2m")
	v.SetDefault("device.wake_throttle", "1m")
	v.SetDefault("device.wake_broadcast", "255.255.255.255:9")

	v.SetDefault("relay.queue_size", 256)
	v.SetDefault("relay.idle_timeout", "15m")
	v.SetDefault("relay.max_retries", 3)
	v.SetDefault("relay.retry_backoff", "200ms")
	v.SetDefault("relay.touch_interval", "30s")

	v.SetDefault("transfer.ttl", "1h")
	v.SetDefault("transfer.dir", "./data/transfers")
	v.SetDefault("transfer.chunk_size", 64*1024)
	v.SetDefault("transfer.max_size", int64(2<<30))

	v.SetDefault("policy.multi_technician", false)
}
