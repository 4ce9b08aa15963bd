// Package config 统一配置管理
//
// 配置加载策略：
//  1. 从 .env 加载敏感信息和 APP_ENV
//  2. 根据 APP_ENV 加载对应的 configs/{env}.yaml 配置文件
//  3. 环境变量可覆盖 YAML 配置
//
// 凭据单一数据源：密码只存在 .env 中，YAML 不存储任何密码。
//
// 使用方式：
//   - 开发环境: APP_ENV=dev (默认)
//   - 测试环境: APP_ENV=test
//   - 生产环境: APP_ENV=prod
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment 环境类型
type Environment string

const (
	EnvProduction  Environment = "prod"
	EnvTest        Environment = "test"
	EnvDevelopment Environment = "dev"
)

// YAMLConfig YAML 配置文件结构
type YAMLConfig struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Token       TokenConfig       `yaml:"token"`
	Selector    SelectorConfig    `yaml:"selector"`
	WarmPool    WarmPoolConfig    `yaml:"warm_pool"`
	Driver      DriverConfig      `yaml:"driver"`
	Recovery    RecoveryConfig    `yaml:"recovery"`
	Provisioner ProvisionerConfig `yaml:"provisioner"`
}

type ServerConfig struct {
	Port string `yaml:"port"`

	// CallbackBaseURL 控制面对外地址（下发给远程机器回调用）
	CallbackBaseURL string `yaml:"callback_base_url"`
}

type DatabaseConfig struct {
	// Driver "sqlite" 或 "postgres"
	Driver string `yaml:"driver"`

	// Path SQLite 文件路径
	Path string `yaml:"path"`

	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	User    string `yaml:"user"`
	Name    string `yaml:"name"`
	SSLMode string `yaml:"sslmode"`
}

type RedisConfig struct {
	// Enabled 关闭时心跳缓存退化为进程内存实现
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	DB      int    `yaml:"db"`
}

// TokenConfig 回调令牌配置
type TokenConfig struct {
	Issuer string `yaml:"issuer"`
}

// SelectorConfig 节点选择器阈值
type SelectorConfig struct {
	MaxWorkspacesPerNode int     `yaml:"max_workspaces_per_node"`
	CPULoadThreshold     float64 `yaml:"cpu_load_threshold"`
	MemoryThreshold      float64 `yaml:"memory_threshold"`
}

// WarmPoolConfig 温池配置
type WarmPoolConfig struct {
	IdleTTL time.Duration `yaml:"idle_ttl"`
}

// DriverConfig 编排驱动配置
type DriverConfig struct {
	AgentPort                   int           `yaml:"agent_port"`
	MaxNodesPerUser             int           `yaml:"max_nodes_per_user"`
	MaxActiveWorkspacesPerUser  int           `yaml:"max_active_workspaces_per_user"`
	MaxSessionsPerWorkspace     int           `yaml:"max_sessions_per_workspace"`
	DefaultVMSize               string        `yaml:"default_vm_size"`
	DefaultVMLocation           string        `yaml:"default_vm_location"`
	WorkspaceIdleTimeoutSeconds int           `yaml:"workspace_idle_timeout_seconds"`
	NodeReadyTimeout            time.Duration `yaml:"node_ready_timeout"`
	WorkspaceReadyTimeout       time.Duration `yaml:"workspace_ready_timeout"`
	PollBaseInterval            time.Duration `yaml:"poll_base_interval"`
	PollMaxInterval             time.Duration `yaml:"poll_max_interval"`
}

// ProvisionerConfig 外部 VM 供给服务配置
//
// 访问令牌不入 YAML，经 PROVISIONER_TOKEN 环境变量注入。
type ProvisionerConfig struct {
	URL string `yaml:"url"`
}

// RecoveryConfig 卡死任务恢复扫描配置
type RecoveryConfig struct {
	// Enabled 关闭时恢复扫描由外部调度器负责
	Enabled        bool          `yaml:"enabled"`
	Interval       time.Duration `yaml:"interval"`
	StaleThreshold time.Duration `yaml:"stale_threshold"`
}

// Config 应用配置（最终使用的配置）
type Config struct {
	Env             Environment
	DatabaseDriver  string
	DatabaseURL     string
	RedisURL        string
	RedisEnabled    bool
	APIPort         string
	CallbackBaseURL string
	TokenIssuer     string

	ProvisionerURL   string
	ProvisionerToken string

	Selector SelectorConfig
	WarmPool WarmPoolConfig
	Driver   DriverConfig
	Recovery RecoveryConfig
}

var configPaths = []string{
	"configs",
	"../configs",
	"../../configs",
	"../../../configs",
}

var envPaths = []string{
	".env",
	"../.env",
	"../../.env",
	"../../../.env",
}

// Load 加载配置
//  1. 加载 .env（敏感信息 + APP_ENV）
//  2. 根据 APP_ENV 加载 configs/{env}.yaml
//  3. 环境变量覆盖，构建最终配置
func Load() *Config {
	for _, p := range envPaths {
		if err := godotenv.Load(p); err == nil {
			break
		}
	}

	env := parseEnv(getEnv("APP_ENV", "dev"))
	yamlCfg := loadYAMLConfig(env)

	dbPassword := getEnv("DB_PASSWORD", "fleet_dev_password")

	cfg := &Config{
		Env:              env,
		DatabaseDriver:   getEnv("DATABASE_DRIVER", yamlCfg.Database.Driver),
		RedisEnabled:     yamlCfg.Redis.Enabled,
		APIPort:          getEnv("API_PORT", yamlCfg.Server.Port),
		CallbackBaseURL:  getEnv("CALLBACK_BASE_URL", yamlCfg.Server.CallbackBaseURL),
		TokenIssuer:      getEnv("TOKEN_ISSUER", yamlCfg.Token.Issuer),
		ProvisionerURL:   getEnv("PROVISIONER_URL", yamlCfg.Provisioner.URL),
		ProvisionerToken: os.Getenv("PROVISIONER_TOKEN"),
		Selector:         yamlCfg.Selector,
		WarmPool:         yamlCfg.WarmPool,
		Driver:           yamlCfg.Driver,
		Recovery:         yamlCfg.Recovery,
	}

	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.DatabaseURL = url
		if strings.HasPrefix(url, "postgres") {
			cfg.DatabaseDriver = "postgres"
		}
	} else {
		cfg.DatabaseURL = buildDatabaseURL(cfg.DatabaseDriver, yamlCfg.Database, dbPassword)
	}

	if url := os.Getenv("REDIS_URL"); url != "" {
		cfg.RedisURL = url
		cfg.RedisEnabled = true
	} else {
		cfg.RedisURL = buildRedisURL(yamlCfg.Redis)
	}

	return cfg
}

// loadYAMLConfig 加载 YAML 配置文件
// 加载顺序：默认值 → common.yaml → {env}.yaml
func loadYAMLConfig(env Environment) *YAMLConfig {
	cfg := &YAMLConfig{
		Server: ServerConfig{Port: "8080", CallbackBaseURL: "http://localhost:8080"},
		Database: DatabaseConfig{
			Driver: "sqlite", Path: "data/fleet.db",
			Host: "localhost", Port: 5432, User: "fleet", Name: "agent_fleet", SSLMode: "disable",
		},
		Redis: RedisConfig{Enabled: false, Host: "localhost", Port: 6379, DB: 0},
		Token: TokenConfig{Issuer: "agent-fleet"},
		Selector: SelectorConfig{
			MaxWorkspacesPerNode: 4,
			CPULoadThreshold:     80,
			MemoryThreshold:      85,
		},
		WarmPool: WarmPoolConfig{IdleTTL: 10 * time.Minute},
		Driver: DriverConfig{
			AgentPort:                   8088,
			MaxNodesPerUser:             3,
			MaxActiveWorkspacesPerUser:  5,
			MaxSessionsPerWorkspace:     3,
			DefaultVMSize:               "standard-4",
			DefaultVMLocation:           "eu-west",
			WorkspaceIdleTimeoutSeconds: 1800,
			NodeReadyTimeout:            5 * time.Minute,
			WorkspaceReadyTimeout:       5 * time.Minute,
			PollBaseInterval:            time.Second,
			PollMaxInterval:             15 * time.Second,
		},
		Recovery:    RecoveryConfig{Enabled: false, Interval: time.Minute, StaleThreshold: 30 * time.Minute},
		Provisioner: ProvisionerConfig{URL: "http://localhost:9090"},
	}

	paths := configPaths
	if dir := os.Getenv("CONFIG_DIR"); dir != "" {
		paths = []string{dir}
	}

	for _, base := range paths {
		path := filepath.Join(base, "common.yaml")
		if data, err := os.ReadFile(path); err == nil {
			yaml.Unmarshal(data, cfg)
			break
		}
	}

	filename := fmt.Sprintf("%s.yaml", env)
	for _, base := range paths {
		path := filepath.Join(base, filename)
		if data, err := os.ReadFile(path); err == nil {
			yaml.Unmarshal(data, cfg)
			break
		}
	}

	return cfg
}

// buildDatabaseURL 构建数据库连接字符串
func buildDatabaseURL(driver string, db DatabaseConfig, password string) string {
	if driver == "postgres" {
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			db.User, password, db.Host, db.Port, db.Name, db.SSLMode)
	}
	return db.Path
}

// buildRedisURL 构建 Redis 连接字符串
func buildRedisURL(redis RedisConfig) string {
	return fmt.Sprintf("redis://%s:%d/%d", redis.Host, redis.Port, redis.DB)
}

func parseEnv(env string) Environment {
	switch strings.ToLower(env) {
	case "test":
		return EnvTest
	case "prod", "production":
		return EnvProduction
	default:
		return EnvDevelopment
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// IsTest 是否为测试环境
func (c *Config) IsTest() bool {
	return c.Env == EnvTest
}

// String 返回配置摘要（隐藏密码）
func (c *Config) String() string {
	return fmt.Sprintf("Config{Env: %s, Driver: %s, DB: %s, Redis: %s(enabled=%v)}",
		c.Env, c.DatabaseDriver, maskPassword(c.DatabaseURL), c.RedisURL, c.RedisEnabled)
}

// maskPassword 隐藏连接串中的密码
func maskPassword(url string) string {
	re := regexp.MustCompile(`(://[^:]+:)([^@]+)(@)`)
	return re.ReplaceAllString(url, "${1}***${3}")
}
