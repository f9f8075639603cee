package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/netforge/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Postgres      PostgresConfig
	Mongo         MongoConfig
	Redis         RedisConfig
	Storage       StorageConfig
	Auth          AuthConfig
	OIDC          OIDCConfig
	Billing       BillingConfig
	Reports       ReportsConfig
	Collab        CollabConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string

	// Comma separated list, "*" allows every origin
	CORSOrigins []string
}

// PostgresConfig holds relational database settings
type PostgresConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// MongoConfig holds document store settings
type MongoConfig struct {
	URI            string
	Database       string
	ConnectTimeout time.Duration
}

// RedisConfig holds cache and pub/sub settings. An empty URL disables Redis.
type RedisConfig struct {
	URL        string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	CacheTTL   time.Duration
	L1Size     int
}

// StorageConfig selects the object store used for uploads and rendered reports
type StorageConfig struct {
	Backend        string // s3 or filesystem
	FilesystemRoot string

	S3Endpoint     string
	S3Region       string
	S3Bucket       string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool

	MaxUploadBytes int64
}

// AuthConfig holds session token settings
type AuthConfig struct {
	JWTSecret  string
	SessionTTL time.Duration
	Issuer     string
}

// OIDCConfig holds the identity provider settings
type OIDCConfig struct {
	Enabled      bool
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
}

// BillingConfig holds payment provider settings
type BillingConfig struct {
	StripeSecretKey     string
	StripeWebhookSecret string
	StripeAPIBase       string
	SyncSchedule        string
	UsageResetSchedule  string
}

// ReportsConfig holds report rendering settings
type ReportsConfig struct {
	ChromeBin     string
	Headless      bool
	RenderTimeout time.Duration
	Workers       int
	QueueSize     int
}

// CollabConfig holds websocket settings
type CollabConfig struct {
	AllowedOrigins []string
	PingInterval   time.Duration
	SendBuffer     int
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection

	// JSON-lines audit trail next to the database one; empty disables it
	AuditLogDir string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Postgres:      loadPostgresConfig(),
		Mongo:         loadMongoConfig(),
		Redis:         loadRedisConfig(),
		Storage:       loadStorageConfig(),
		Auth:          loadAuthConfig(),
		OIDC:          loadOIDCConfig(),
		Billing:       loadBillingConfig(),
		Reports:       loadReportsConfig(),
		Collab:        loadCollabConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("NETFORGE_HOST", "0.0.0.0"),
		Port:            getEnv("NETFORGE_PORT", "8080"),
		ReadTimeout:     getEnvDuration("NETFORGE_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("NETFORGE_WRITE_TIMEOUT", 60*time.Second),
		IdleTimeout:     getEnvDuration("NETFORGE_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("NETFORGE_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("NETFORGE_HEALTH_PORT", "9090"),
		CORSOrigins:     getEnvList("NETFORGE_CORS_ORIGINS", []string{"*"}),
	}
}

func loadPostgresConfig() PostgresConfig {
	return PostgresConfig{
		URL:             getEnv("NETFORGE_POSTGRES_URL", ""),
		MaxOpenConns:    getEnvInt("NETFORGE_POSTGRES_MAX_CONNS", 20),
		MaxIdleConns:    getEnvInt("NETFORGE_POSTGRES_MIN_CONNS", 5),
		ConnMaxLifetime: getEnvDuration("NETFORGE_POSTGRES_CONN_LIFETIME", 30*time.Minute),
	}
}

func loadMongoConfig() MongoConfig {
	return MongoConfig{
		URI:            getEnv("NETFORGE_MONGO_URI", "mongodb://localhost:27017"),
		Database:       getEnv("NETFORGE_MONGO_DATABASE", "netforge"),
		ConnectTimeout: getEnvDuration("NETFORGE_MONGO_CONNECT_TIMEOUT", 10*time.Second),
	}
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		URL:        getEnv("NETFORGE_REDIS_URL", ""),
		Password:   getEnv("NETFORGE_REDIS_PASSWORD", ""),
		DB:         getEnvInt("NETFORGE_REDIS_DB", 0),
		PoolSize:   getEnvInt("NETFORGE_REDIS_POOL_SIZE", 10),
		MaxRetries: getEnvInt("NETFORGE_REDIS_MAX_RETRIES", 3),
		CacheTTL:   getEnvDuration("NETFORGE_CACHE_TTL", 5*time.Minute),
		L1Size:     getEnvInt("NETFORGE_L1_CACHE_SIZE", 1024),
	}
}

func loadStorageConfig() StorageConfig {
	return StorageConfig{
		Backend:        strings.ToLower(getEnv("NETFORGE_STORAGE_BACKEND", "filesystem")),
		FilesystemRoot: getEnv("NETFORGE_FILESYSTEM_ROOT", "./data"),
		S3Endpoint:     getEnv("NETFORGE_S3_ENDPOINT", ""),
		S3Region:       getEnv("NETFORGE_S3_REGION", "us-east-1"),
		S3Bucket:       getEnv("NETFORGE_S3_BUCKET", ""),
		S3AccessKey:    getEnv("NETFORGE_S3_ACCESS_KEY", ""),
		S3SecretKey:    getEnv("NETFORGE_S3_SECRET_KEY", ""),
		S3UsePathStyle: getEnvBool("NETFORGE_S3_USE_PATH_STYLE", false),
		MaxUploadBytes: getEnvInt64("NETFORGE_MAX_UPLOAD_BYTES", 25<<20),
	}
}

func loadAuthConfig() AuthConfig {
	return AuthConfig{
		JWTSecret:  getEnv("NETFORGE_JWT_SECRET", ""),
		SessionTTL: getEnvDuration("NETFORGE_SESSION_TTL", 12*time.Hour),
		Issuer:     getEnv("NETFORGE_JWT_ISSUER", "netforge"),
	}
}

func loadOIDCConfig() OIDCConfig {
	return OIDCConfig{
		Enabled:      getEnvBool("NETFORGE_OIDC_ENABLED", false),
		IssuerURL:    getEnv("NETFORGE_OIDC_ISSUER", ""),
		ClientID:     getEnv("NETFORGE_OIDC_CLIENT_ID", ""),
		ClientSecret: getEnv("NETFORGE_OIDC_CLIENT_SECRET", ""),
		RedirectURL:  getEnv("NETFORGE_OIDC_REDIRECT_URL", ""),
		Scopes:       getEnvList("NETFORGE_OIDC_SCOPES", []string{"openid", "profile", "email"}),
	}
}

func loadBillingConfig() BillingConfig {
	return BillingConfig{
		StripeSecretKey:     getEnv("NETFORGE_STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: getEnv("NETFORGE_STRIPE_WEBHOOK_SECRET", ""),
		StripeAPIBase:       getEnv("NETFORGE_STRIPE_API_BASE", "https://api.stripe.com"),
		SyncSchedule:        getEnv("NETFORGE_BILLING_SYNC_SCHEDULE", "@every 6h"),
		UsageResetSchedule:  getEnv("NETFORGE_USAGE_RESET_SCHEDULE", "0 0 1 * *"),
	}
}

func loadReportsConfig() ReportsConfig {
	return ReportsConfig{
		ChromeBin:     getEnv("NETFORGE_CHROME_BIN", ""),
		Headless:      getEnvBool("NETFORGE_CHROME_HEADLESS", true),
		RenderTimeout: getEnvDuration("NETFORGE_REPORT_TIMEOUT", 60*time.Second),
		Workers:       getEnvInt("NETFORGE_REPORT_WORKERS", 4),
		QueueSize:     getEnvInt("NETFORGE_REPORT_QUEUE", 64),
	}
}

func loadCollabConfig() CollabConfig {
	return CollabConfig{
		AllowedOrigins: getEnvList("NETFORGE_COLLAB_ORIGINS", nil),
		PingInterval:   getEnvDuration("NETFORGE_COLLAB_PING_INTERVAL", 30*time.Second),
		SendBuffer:     getEnvInt("NETFORGE_COLLAB_SEND_BUFFER", 64),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           parseLogLevel(getEnv("NETFORGE_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("NETFORGE_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("NETFORGE_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("NETFORGE_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("NETFORGE_OTEL_SERVICE_NAME", "netforge"),
		OTelServiceVersion: getEnv("NETFORGE_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("NETFORGE_OTEL_INSECURE", true),
		AuditLogDir:        getEnv("NETFORGE_AUDIT_LOG_DIR", ""),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := validatePort("server port", c.Server.Port); err != nil {
		return err
	}
	if err := validatePort("health port", c.Server.HealthPort); err != nil {
		return err
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Postgres.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}
	if c.Mongo.URI == "" || c.Mongo.Database == "" {
		return fmt.Errorf("mongo URI and database are required")
	}

	switch c.Storage.Backend {
	case "filesystem":
		if c.Storage.FilesystemRoot == "" {
			return fmt.Errorf("filesystem root is required for filesystem storage")
		}
	case "s3":
		if c.Storage.S3Bucket == "" {
			return fmt.Errorf("S3 bucket is required for s3 storage")
		}
	default:
		return fmt.Errorf("invalid storage backend: %s (must be filesystem or s3)", c.Storage.Backend)
	}
	if c.Storage.MaxUploadBytes <= 0 {
		return fmt.Errorf("max upload bytes must be positive")
	}

	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("JWT secret must be at least 32 bytes")
	}
	if c.Auth.SessionTTL <= 0 {
		return fmt.Errorf("session TTL must be positive")
	}

	if c.OIDC.Enabled {
		if c.OIDC.IssuerURL == "" || c.OIDC.ClientID == "" || c.OIDC.RedirectURL == "" {
			return fmt.Errorf("OIDC issuer, client ID and redirect URL are required when OIDC is enabled")
		}
	}

	if c.Observability.LogLevel == "" {
		return fmt.Errorf("invalid log level")
	}

	// Validate OpenTelemetry config
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// Addr returns the API listen address
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

func validatePort(name, port string) error {
	if port == "" {
		return fmt.Errorf("%s is required", name)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("%s must be between 1 and 65535, got %q", name, port)
	}
	return nil
}

// parseLogLevel maps a level name to a LogLevel. Unknown names yield "".
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info", "":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return ""
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList splits a comma separated variable, dropping empty entries
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
