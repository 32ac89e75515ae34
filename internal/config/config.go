package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DatabaseType 数据库类型
type DatabaseType string

const (
	DatabaseTypeSQLite DatabaseType = "sqlite"
	DatabaseTypeMySQL  DatabaseType = "mysql"
)

// 环境变量覆盖（敏感信息不建议写入配置文件）
const (
	EnvBackendAPIKey = "CHAT_RELAY_BACKEND_API_KEY"
	EnvAdminPassword = "CHAT_RELAY_ADMIN_PASSWORD"
)

// SQLiteConfig SQLite 数据库配置
type SQLiteConfig struct {
	Path string `yaml:"path" json:"path"`
}

// MySQLConfig MySQL 数据库配置
type MySQLConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	User     string `yaml:"user" json:"user"`
	Password string `yaml:"password" json:"password"`
	Database string `yaml:"database" json:"database"`
	Charset  string `yaml:"charset" json:"charset"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Type   DatabaseType `yaml:"type" json:"type"`
	SQLite SQLiteConfig `yaml:"sqlite" json:"sqlite"`
	MySQL  MySQLConfig  `yaml:"mysql" json:"mysql"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
}

// BackendConfig 生成后端配置
type BackendConfig struct {
	BaseURL   string            `yaml:"base_url" json:"base_url"`
	APIKey    string            `yaml:"api_key" json:"-"`
	HTTPProxy string            `yaml:"http_proxy" json:"http_proxy"` // http/https/socks5
	Timeout   time.Duration     `yaml:"timeout" json:"timeout"`
	Models    map[string]string `yaml:"models" json:"models"` // tier -> 模型标识，数据库映射优先
}

// PromptConfig 提示词组装配置
type PromptConfig struct {
	Timezone string `yaml:"timezone" json:"timezone"`
}

// AdminConfig 管理后台配置
type AdminConfig struct {
	Password   string        `yaml:"password" json:"-"`
	SessionTTL time.Duration `yaml:"session_ttl" json:"session_ttl"`
}

// RedisConfig Redis 配置，Addr 为空时会话保存在内存
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"-"`
	DB       int    `yaml:"db" json:"db"`
}

// RabbitMQConfig 对话完成事件投递配置，URL 为空时不投递
type RabbitMQConfig struct {
	URL   string `yaml:"url" json:"-"`
	Queue string `yaml:"queue" json:"queue"`
}

// LogConfig 日志文件配置
type LogConfig struct {
	Dir        string `yaml:"dir" json:"dir"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`
}

// Config 应用配置
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Server   ServerConfig   `yaml:"server"`
	Backend  BackendConfig  `yaml:"backend"`
	Prompt   PromptConfig   `yaml:"prompt"`
	Admin    AdminConfig    `yaml:"admin"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Log      LogConfig      `yaml:"log"`

	// 调试模式
	Debug bool `yaml:"debug"`
}

// Load 返回默认配置
func Load() *Config {
	return &Config{
		Database: DatabaseConfig{
			Type: DatabaseTypeSQLite,
			SQLite: SQLiteConfig{
				Path: "data.sqlite3",
			},
			MySQL: MySQLConfig{
				Host:     "localhost",
				Port:     3306,
				User:     "root",
				Password: "",
				Database: "chat_relay",
				Charset:  "utf8mb4",
			},
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 62311,
		},
		Backend: BackendConfig{
			BaseURL: "https://api.openai.com/v1",
			Timeout: 300 * time.Second,
			Models: map[string]string{
				"normal":   "gpt-4o-mini",
				"enhanced": "gpt-4o",
				"pro":      "gpt-4.1",
			},
		},
		Prompt: PromptConfig{
			Timezone: "Asia/Shanghai",
		},
		Admin: AdminConfig{
			Password:   "admin",
			SessionTTL: 24 * time.Hour,
		},
		RabbitMQ: RabbitMQConfig{
			Queue: "chat.turns",
		},
		Log: LogConfig{
			Dir:        "logs",
			MaxSizeMB:  100,
			MaxBackups: 7,
			MaxAgeDays: 30,
		},
		Debug: false,
	}
}

// LoadFromYAML 从 YAML 配置文件加载配置，未填写的字段保留默认值
func LoadFromYAML(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var fileCfg Config
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return nil, err
	}

	cfg := Load()
	cfg.merge(&fileCfg)
	return cfg, nil
}

// merge 将文件配置中的非零值覆盖到默认配置
func (c *Config) merge(f *Config) {
	if f.Database.Type != "" {
		c.Database.Type = f.Database.Type
	}
	if f.Database.SQLite.Path != "" {
		c.Database.SQLite.Path = f.Database.SQLite.Path
	}
	if f.Database.MySQL.Host != "" {
		c.Database.MySQL.Host = f.Database.MySQL.Host
	}
	if f.Database.MySQL.Port != 0 {
		c.Database.MySQL.Port = f.Database.MySQL.Port
	}
	if f.Database.MySQL.User != "" {
		c.Database.MySQL.User = f.Database.MySQL.User
	}
	if f.Database.MySQL.Password != "" {
		c.Database.MySQL.Password = f.Database.MySQL.Password
	}
	if f.Database.MySQL.Database != "" {
		c.Database.MySQL.Database = f.Database.MySQL.Database
	}
	if f.Database.MySQL.Charset != "" {
		c.Database.MySQL.Charset = f.Database.MySQL.Charset
	}
	if f.Server.Host != "" {
		c.Server.Host = f.Server.Host
	}
	if f.Server.Port != 0 {
		c.Server.Port = f.Server.Port
	}
	if f.Backend.BaseURL != "" {
		c.Backend.BaseURL = f.Backend.BaseURL
	}
	if f.Backend.APIKey != "" {
		c.Backend.APIKey = f.Backend.APIKey
	}
	if f.Backend.HTTPProxy != "" {
		c.Backend.HTTPProxy = f.Backend.HTTPProxy
	}
	if f.Backend.Timeout != 0 {
		c.Backend.Timeout = f.Backend.Timeout
	}
	for tier, model := range f.Backend.Models {
		if model != "" {
			c.Backend.Models[tier] = model
		}
	}
	if f.Prompt.Timezone != "" {
		c.Prompt.Timezone = f.Prompt.Timezone
	}
	if f.Admin.Password != "" {
		c.Admin.Password = f.Admin.Password
	}
	if f.Admin.SessionTTL != 0 {
		c.Admin.SessionTTL = f.Admin.SessionTTL
	}
	if f.Redis.Addr != "" {
		c.Redis = f.Redis
	}
	if f.RabbitMQ.URL != "" {
		c.RabbitMQ.URL = f.RabbitMQ.URL
	}
	if f.RabbitMQ.Queue != "" {
		c.RabbitMQ.Queue = f.RabbitMQ.Queue
	}
	if f.Log.Dir != "" {
		c.Log.Dir = f.Log.Dir
	}
	if f.Log.MaxSizeMB != 0 {
		c.Log.MaxSizeMB = f.Log.MaxSizeMB
	}
	if f.Log.MaxBackups != 0 {
		c.Log.MaxBackups = f.Log.MaxBackups
	}
	if f.Log.MaxAgeDays != 0 {
		c.Log.MaxAgeDays = f.Log.MaxAgeDays
	}
	c.Debug = f.Debug
}

// applyEnv 使用环境变量覆盖敏感配置
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvBackendAPIKey); v != "" {
		c.Backend.APIKey = v
	}
	if v := os.Getenv(EnvAdminPassword); v != "" {
		c.Admin.Password = v
	}
}

// LoadConfig 智能加载配置文件（config.yaml 优先，其次 config.yml），最后叠加环境变量
func LoadConfig() (*Config, error) {
	var cfg *Config
	var err error

	switch {
	case fileExists("config.yaml"):
		cfg, err = LoadFromYAML("config.yaml")
	case fileExists("config.yml"):
		cfg, err = LoadFromYAML("config.yml")
	default:
		cfg = Load()
	}
	if err != nil {
		return nil, err
	}

	cfg.applyEnv()
	return cfg, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
