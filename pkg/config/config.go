package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Supported query store drivers.
const (
	StoreDriverPostgres = "postgres"
	StoreDriverDynamoDB = "dynamodb"
	StoreDriverMemory   = "memory"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database      DatabaseConfig
	Redis         RedisConfig
	JWT           JWTConfig
	CORS          CORSConfig
	Log           LogConfig
	Queries       QueriesConfig
	Directory     DirectoryConfig
	Notifications NotificationsConfig
	Dynamo        DynamoConfig
	Telemetry     TelemetryConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string
	Expiration time.Duration
	Issuer     string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// QueriesConfig tunes the query lifecycle engine.
type QueriesConfig struct {
	StoreDriver          string
	MaxCASRetries        int
	RetryInitialInterval time.Duration
	DepartmentScoping    bool
	SensitiveRoles       []string
	StatsCacheEnabled    bool
	StatsCacheTTL        time.Duration
}

// DirectoryConfig controls user directory caching.
type DirectoryConfig struct {
	CacheTTL time.Duration
}

// NotificationsConfig configures best-effort notification delivery.
type NotificationsConfig struct {
	Enabled      bool
	SlackToken   string
	SlackChannel string
	Workers      int
	Retries      int
}

// DynamoConfig is used when QUERY_STORE_DRIVER=dynamodb.
type DynamoConfig struct {
	TableName string
	Region    string
	Endpoint  string
}

// TelemetryConfig enables OTLP trace export when an endpoint is set.
type TelemetryConfig struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string
	Headers        string
}

// Enabled reports whether traces should be exported.
func (t TelemetryConfig) Enabled() bool {
	return t.Endpoint != ""
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !isMissingFile(err) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret:     v.GetString("JWT_SECRET"),
		Expiration: parseDuration(v.GetString("JWT_EXPIRATION"), 24*time.Hour),
		Issuer:     v.GetString("JWT_ISSUER"),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Queries = QueriesConfig{
		StoreDriver:          strings.ToLower(strings.TrimSpace(v.GetString("QUERY_STORE_DRIVER"))),
		MaxCASRetries:        v.GetInt("QUERY_MAX_CAS_RETRIES"),
		RetryInitialInterval: parseDuration(v.GetString("QUERY_RETRY_INITIAL_INTERVAL"), 10*time.Millisecond),
		DepartmentScoping:    v.GetBool("QUERY_DEPARTMENT_SCOPING"),
		SensitiveRoles:       splitAndTrim(strings.ToUpper(v.GetString("QUERY_SENSITIVE_ROLES"))),
		StatsCacheEnabled:    v.GetBool("ENABLE_QUERY_STATS_CACHE"),
		StatsCacheTTL:        parseDuration(v.GetString("QUERY_STATS_CACHE_TTL"), 2*time.Minute),
	}

	cfg.Directory = DirectoryConfig{
		CacheTTL: parseDuration(v.GetString("USER_DIRECTORY_CACHE_TTL"), 5*time.Minute),
	}

	cfg.Notifications = NotificationsConfig{
		Enabled:      v.GetBool("ENABLE_NOTIFICATIONS"),
		SlackToken:   v.GetString("SLACK_BOT_TOKEN"),
		SlackChannel: v.GetString("SLACK_CHANNEL"),
		Workers:      v.GetInt("NOTIFICATION_WORKERS"),
		Retries:      v.GetInt("NOTIFICATION_RETRIES"),
	}

	cfg.Dynamo = DynamoConfig{
		TableName: v.GetString("DYNAMO_TABLE_NAME"),
		Region:    v.GetString("DYNAMO_REGION"),
		Endpoint:  v.GetString("DYNAMO_ENDPOINT"),
	}

	cfg.Telemetry = TelemetryConfig{
		ServiceName:    v.GetString("OTEL_SERVICE_NAME"),
		ServiceVersion: v.GetString("OTEL_SERVICE_VERSION"),
		Endpoint:       v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Headers:        v.GetString("OTEL_EXPORTER_OTLP_HEADERS"),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "admin_panel_sma")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_EXPIRATION", "24h")
	v.SetDefault("JWT_ISSUER", "sma-query-api")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("QUERY_STORE_DRIVER", StoreDriverPostgres)
	v.SetDefault("QUERY_MAX_CAS_RETRIES", 5)
	v.SetDefault("QUERY_RETRY_INITIAL_INTERVAL", "10ms")
	v.SetDefault("QUERY_DEPARTMENT_SCOPING", false)
	v.SetDefault("QUERY_SENSITIVE_ROLES", "SUPERADMIN,ADMIN")
	v.SetDefault("ENABLE_QUERY_STATS_CACHE", false)
	v.SetDefault("QUERY_STATS_CACHE_TTL", "2m")

	v.SetDefault("USER_DIRECTORY_CACHE_TTL", "5m")

	v.SetDefault("ENABLE_NOTIFICATIONS", false)
	v.SetDefault("SLACK_BOT_TOKEN", "")
	v.SetDefault("SLACK_CHANNEL", "")
	v.SetDefault("NOTIFICATION_WORKERS", 2)
	v.SetDefault("NOTIFICATION_RETRIES", 3)

	v.SetDefault("DYNAMO_TABLE_NAME", "sma_queries")
	v.SetDefault("DYNAMO_REGION", "ap-southeast-1")
	v.SetDefault("DYNAMO_ENDPOINT", "")

	v.SetDefault("OTEL_SERVICE_NAME", "sma-query-api")
	v.SetDefault("OTEL_SERVICE_VERSION", "0.1.0")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_HEADERS", "")
}

func isMissingFile(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "no such file")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
