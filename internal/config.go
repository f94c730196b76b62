package internal

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 整個應用的配置
type Config struct {
	Server struct {
		Addr          string        `yaml:"addr"`
		SweepInterval time.Duration `yaml:"sweep_interval"`
		IdleTimeout   time.Duration `yaml:"idle_timeout"`
		WriteTimeout  time.Duration `yaml:"write_timeout"`
		SendQueueSize int           `yaml:"send_queue_size"`
		MaxFrameSize  int           `yaml:"max_frame_size"`
		Lobby         string        `yaml:"lobby"`
	} `yaml:"server"`

	HTTP struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"http"`

	Auth struct {
		Backend    string            `yaml:"backend"` // memory | postgres | redis
		BcryptCost int               `yaml:"bcrypt_cost"`
		Timeout    time.Duration     `yaml:"timeout"`
		SeedUsers  map[string]string `yaml:"seed_users"` // 僅 memory 使用
	} `yaml:"auth"`

	Postgres struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		DBName   string `yaml:"dbname"`
		MaxConns int32  `yaml:"max_conns"`
		MinConns int32  `yaml:"min_conns"`
	} `yaml:"postgres"`

	Redis struct {
		Addr      string `yaml:"addr"`
		Password  string `yaml:"password"`
		DB        int    `yaml:"db"`
		KeyPrefix string `yaml:"key_prefix"`
	} `yaml:"redis"`

	Log struct {
		Level     string `yaml:"level"`
		Format    string `yaml:"format"`
		Output    string `yaml:"output"`
		AddSource bool   `yaml:"add_source"`
	} `yaml:"log"`
}

// DefaultConfig 全部使用預設值的配置
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig 載入配置檔案；path 為空時只使用預設值與環境變數
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		// #nosec G304 - path 來自命令列參數
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyDefaults()

	// 支援環境變數覆蓋（生產環境常用）
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	def := DefaultServerConfig()
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.SweepInterval == 0 {
		c.Server.SweepInterval = def.SweepInterval
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = def.IdleTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = def.WriteTimeout
	}
	if c.Server.SendQueueSize == 0 {
		c.Server.SendQueueSize = def.SendQueueSize
	}
	if c.Server.MaxFrameSize == 0 {
		c.Server.MaxFrameSize = def.MaxFrameSize
	}
	if c.Server.Lobby == "" {
		c.Server.Lobby = DefaultLobby
	}

	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8081"
	}

	if c.Auth.Backend == "" {
		c.Auth.Backend = "memory"
	}
	if c.Auth.BcryptCost == 0 {
		c.Auth.BcryptCost = 10
	}
	if c.Auth.Timeout == 0 {
		c.Auth.Timeout = def.AuthTimeout
	}

	if c.Postgres.Host == "" {
		c.Postgres.Host = "localhost"
	}
	if c.Postgres.Port == 0 {
		c.Postgres.Port = 5432
	}
	if c.Postgres.DBName == "" {
		c.Postgres.DBName = "chat"
	}
	if c.Postgres.MaxConns == 0 {
		c.Postgres.MaxConns = 10
	}
	if c.Postgres.MinConns == 0 {
		c.Postgres.MinConns = 2
	}

	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "chat:user:"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

func (c *Config) validate() error {
	switch c.Auth.Backend {
	case "memory", "postgres", "redis":
	default:
		return fmt.Errorf("invalid auth backend %q", c.Auth.Backend)
	}
	if c.Server.SendQueueSize < 0 || c.Server.MaxFrameSize < 0 {
		return fmt.Errorf("send_queue_size and max_frame_size must be positive")
	}
	return nil
}

// ServerConfig 轉成事件迴圈設定；idle_timeout 為負值表示關閉閒置檢查
func (c *Config) ServerConfig() ServerConfig {
	idle := c.Server.IdleTimeout
	if idle < 0 {
		idle = 0
	}
	return ServerConfig{
		Lobby:         c.Server.Lobby,
		SweepInterval: c.Server.SweepInterval,
		IdleTimeout:   idle,
		WriteTimeout:  c.Server.WriteTimeout,
		SendQueueSize: c.Server.SendQueueSize,
		MaxFrameSize:  c.Server.MaxFrameSize,
		AuthTimeout:   c.Auth.Timeout,
	}
}

// PostgresURL 生成 PostgreSQL 連線 URL，pgxpool 與 golang-migrate 都接受這個格式
func (c *Config) PostgresURL() string {
	// 支援環境變數覆蓋（生產環境常用）
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.Postgres.User, c.Postgres.Password),
		Host:     net.JoinHostPort(c.Postgres.Host, strconv.Itoa(c.Postgres.Port)),
		Path:     c.Postgres.DBName,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}
