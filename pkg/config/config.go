package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

const defaultJWTSecret = "your-secret-key-change-in-production"

// Config 应用配置结构
type Config struct {
	// 环境配置
	Environment string
	ListenAddr  string // TCP action server
	HTTPAddr    string // optional HTTP gateway, disabled when empty

	// 数据库配置
	UseLocalDB     bool
	LocalDataDir   string
	PostgresDSN    string
	AutoMigrate    bool
	DBMaxOpenConns int
	DBConnLifetime time.Duration

	// 会话令牌
	JWTSecret    string
	TokenTTL     time.Duration
	RequireToken bool
	BcryptCost   int

	// 连接服务器
	MaxConnections  int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	RequestTimeout  time.Duration
	MaxMessageBytes int64

	// CORS配置
	AllowedOrigins []string

	// 日志/调试配置
	LogLevel string
	Debug    bool
}

// LoadConfig 加载配置
func LoadConfig() *Config {
	// 根据环境加载对应的 .env 文件
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	switch env {
	case "production":
		loadEnvFile(".env.production")
	default:
		loadEnvFile(".env.local")
	}

	config := &Config{
		Environment:     getEnvWithDefault("ENVIRONMENT", "development"),
		ListenAddr:      getEnvWithDefault("LISTEN_ADDR", ":5000"),
		HTTPAddr:        strings.TrimSpace(os.Getenv("HTTP_ADDR")),
		UseLocalDB:      getEnvBool("USE_LOCAL_DB", true),
		LocalDataDir:    strings.TrimSpace(os.Getenv("LOCAL_DATA_DIR")),
		AutoMigrate:     getEnvBool("AUTO_MIGRATE", true),
		DBMaxOpenConns:  getEnvInt("DB_MAX_OPEN_CONNS", 20),
		DBConnLifetime:  getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		JWTSecret:       getEnvWithDefault("JWT_SECRET", defaultJWTSecret),
		TokenTTL:        getEnvDuration("TOKEN_TTL", 24*time.Hour),
		RequireToken:    getEnvBool("REQUIRE_TOKEN", false),
		BcryptCost:      getEnvInt("BCRYPT_COST", 10),
		MaxConnections:  getEnvInt("MAX_CONNECTIONS", 64),
		ReadTimeout:     getEnvDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:    getEnvDuration("WRITE_TIMEOUT", 10*time.Second),
		RequestTimeout:  getEnvDuration("REQUEST_TIMEOUT", 15*time.Second),
		MaxMessageBytes: int64(getEnvInt("MAX_MESSAGE_BYTES", 1<<20)),
		LogLevel:        getEnvWithDefault("LOG_LEVEL", "info"),
		Debug:           getEnvBool("DEBUG", false),
	}

	// Trim whitespace to avoid trailing spaces/newlines from env sources
	config.PostgresDSN = strings.TrimSpace(os.Getenv("POSTGRES_DSN"))

	// CORS配置
	allowedOrigins := getEnvWithDefault("ALLOWED_ORIGINS", "*")
	if allowedOrigins == "*" {
		config.AllowedOrigins = []string{"*"}
	} else {
		config.AllowedOrigins = strings.Split(allowedOrigins, ",")
	}

	// 环境特定配置
	if config.Environment == "production" {
		if config.PostgresDSN != "" {
			config.UseLocalDB = false
		} else {
			slog.Warn("⚠️  Production environment using local database. Please configure POSTGRES_DSN")
		}
		// 生产环境关闭调试
		config.Debug = false
	}

	return config
}

// Cached config (initialized once per process)
var (
	cachedConfig *Config
	configOnce   sync.Once
)

// GetCached returns the process-wide cached Config.
func GetCached() *Config {
	configOnce.Do(func() {
		cachedConfig = LoadConfig()
	})
	return cachedConfig
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("LISTEN_ADDR is required")
	}

	if c.JWTSecret == "" || c.JWTSecret == defaultJWTSecret {
		if c.IsProduction() {
			return fmt.Errorf("JWT_SECRET must be set in production")
		}
		slog.Warn("⚠️  Using default JWT secret (not recommended for production)")
	}

	if c.PostgresDSN == "" && !c.UseLocalDB {
		return fmt.Errorf("数据库配置不完整：请配置 POSTGRES_DSN 或 USE_LOCAL_DB=true")
	}

	if c.MaxConnections <= 0 {
		return fmt.Errorf("MAX_CONNECTIONS must be positive, got %d", c.MaxConnections)
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("MAX_MESSAGE_BYTES must be positive, got %d", c.MaxMessageBytes)
	}
	if c.ReadTimeout <= 0 || c.WriteTimeout <= 0 || c.RequestTimeout <= 0 {
		return fmt.Errorf("READ_TIMEOUT, WRITE_TIMEOUT and REQUEST_TIMEOUT must be positive")
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		return fmt.Errorf("BCRYPT_COST must be between 4 and 31, got %d", c.BcryptCost)
	}

	return nil
}

// IsProduction 检查是否为生产环境
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// IsDevelopment 检查是否为开发环境
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// 辅助函数

// getEnvWithDefault 获取环境变量，如果不存在则使用默认值
func getEnvWithDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool 获取布尔类型的环境变量
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return parsed
		}
		slog.Warn("ignoring malformed integer setting", "key", key, "value", value)
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("30s", "5m") or plain seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	slog.Warn("ignoring malformed duration setting", "key", key, "value", value)
	return defaultValue
}

// loadEnvFile 加载 .env 文件到环境变量
func loadEnvFile(filename string) {
	file, err := os.Open(filename)
	if err != nil {
		return // 文件不存在或无法打开，静默返回
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// 跳过空行和注释行
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// 解析 KEY=VALUE 格式
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// 移除值两端的引号（如果有）
		if len(value) >= 2 {
			if (strings.HasPrefix(value, "\"") && strings.HasSuffix(value, "\"")) ||
				(strings.HasPrefix(value, "'") && strings.HasSuffix(value, "'")) {
				value = value[1 : len(value)-1]
			}
		}

		// 只有当环境变量不存在时才设置
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}
