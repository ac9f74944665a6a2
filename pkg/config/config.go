package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variable.
type Config struct {
	// Database Configurations
	DBHost     string `mapstructure:"DB_HOST"`
	DBUser     string `mapstructure:"DB_USER"`
	DBPassword string `mapstructure:"DB_PASSWORD"`
	DBName     string `mapstructure:"DB_NAME"`
	DBPort     string `mapstructure:"DB_PORT"`

	// Server Configurations
	ServerAddress string `mapstructure:"SERVER_ADDRESS"`
	TLSCertFile   string `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile    string `mapstructure:"TLS_KEY_FILE"`
	NodeName      string `mapstructure:"NODE_NAME"`

	// Security/Encryption Configurations
	JWTSecret     string `mapstructure:"JWT_SECRET"`
	EncryptionKey string `mapstructure:"ACS_SECRET"`
	AdminUser     string `mapstructure:"ACS_ADMIN_USER"`
	AdminHash     string `mapstructure:"ACS_ADMIN_HASH"`

	// Authentication
	SessionDurationHours int `mapstructure:"SESSION_DURATION_HOURS"`

	// CWMP endpoint
	DefaultOrgID     string `mapstructure:"CWMP_DEFAULT_ORG"`
	CwmpAuthRequired bool   `mapstructure:"CWMP_AUTH_REQUIRED"`
	CwmpUsername     string `mapstructure:"CWMP_USERNAME"`
	CwmpPasswordHash string `mapstructure:"CWMP_PASSWORD_HASH"`

	// Session engine
	SessionShards             int    `mapstructure:"SESSION_SHARDS"`
	SessionTimeoutSeconds     int    `mapstructure:"CWMP_SESSION_TIMEOUT_SECONDS"`
	NbiInactiveTimeoutSeconds int    `mapstructure:"CWMP_NBI_INACTIVE_TIMEOUT_SECONDS"`
	QueuePollIntervalMs       int    `mapstructure:"CWMP_QUEUE_POLL_INTERVAL_MS"`
	CallbackTimeoutSeconds    int    `mapstructure:"CWMP_CALLBACK_TIMEOUT_SECONDS"`
	StoreCallTimeoutSeconds   int    `mapstructure:"STORE_CALL_TIMEOUT_SECONDS"`
	SessionRecordTTLSeconds   int    `mapstructure:"SESSION_RECORD_TTL_SECONDS"`
	ExternalQueueBackend      string `mapstructure:"EXTERNAL_QUEUE_BACKEND"`

	// Connection requests
	ConnReqTimeoutSeconds     int `mapstructure:"CONNREQ_TIMEOUT_SECONDS"`
	ConnReqFailureSoakSeconds int `mapstructure:"CONNREQ_FAILURE_SOAK_SECONDS"`
	ConnReqRetryDelayMs       int `mapstructure:"CONNREQ_RETRY_DELAY_MS"`
	ConnReqWorkerConcurrency  int `mapstructure:"CONNREQ_WORKER_CONCURRENCY"`

	// Default execution policy
	OpDefaultTimeoutSeconds       int `mapstructure:"OP_DEFAULT_TIMEOUT_SECONDS"`
	OpDownloadTimeoutSeconds      int `mapstructure:"OP_DOWNLOAD_TIMEOUT_SECONDS"`
	OpDefaultMaxRetries           int `mapstructure:"OP_DEFAULT_MAX_RETRIES"`
	OpDefaultRetryIntervalSeconds int `mapstructure:"OP_DEFAULT_RETRY_INTERVAL_SECONDS"`
	DispatcherTickMs              int `mapstructure:"DISPATCHER_TICK_MS"`

	// Health monitor
	HealthFailureWindowMinutes int `mapstructure:"HEALTH_FAILURE_WINDOW_MINUTES"`
	HealthFailureThreshold     int `mapstructure:"HEALTH_FAILURE_THRESHOLD"`

	// Internal Queue Settings
	InternalQueueSize int `mapstructure:"INTERNAL_QUEUE_SIZE"`

	// Communication log
	CommLogBatchSize            int `mapstructure:"COMMLOG_BATCH_SIZE"`
	CommLogFlushIntervalSeconds int `mapstructure:"COMMLOG_FLUSH_INTERVAL_SECONDS"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// 1. Set Defaults
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_USER", "acs")
	v.SetDefault("DB_PASSWORD", "acs")
	v.SetDefault("DB_NAME", "acs")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("SERVER_ADDRESS", ":8080")
	v.SetDefault("NODE_NAME", defaultNodeName())
	v.SetDefault("JWT_SECRET", "default-insecure-secret-change-me")
	v.SetDefault("ACS_SECRET", "1234567890123456789012345678901212345678901234567890123456789012")
	v.SetDefault("ACS_ADMIN_USER", "admin")
	v.SetDefault("ACS_ADMIN_HASH", "$2a$10$BST/uOdLLXUyqO4fN.b9cuwVwoXEJWWFzpc4iirHiu3GcgbuJqtdu")
	v.SetDefault("SESSION_DURATION_HOURS", 24)
	v.SetDefault("CWMP_DEFAULT_ORG", "default")
	v.SetDefault("CWMP_AUTH_REQUIRED", false)
	v.SetDefault("CWMP_USERNAME", "cpe")
	v.SetDefault("CWMP_PASSWORD_HASH", "")
	v.SetDefault("SESSION_SHARDS", 16)
	v.SetDefault("CWMP_SESSION_TIMEOUT_SECONDS", 120)
	v.SetDefault("CWMP_NBI_INACTIVE_TIMEOUT_SECONDS", 10)
	v.SetDefault("CWMP_QUEUE_POLL_INTERVAL_MS", 1000)
	v.SetDefault("CWMP_CALLBACK_TIMEOUT_SECONDS", 30)
	v.SetDefault("STORE_CALL_TIMEOUT_SECONDS", 10)
	v.SetDefault("SESSION_RECORD_TTL_SECONDS", 300)
	v.SetDefault("EXTERNAL_QUEUE_BACKEND", "postgres")
	v.SetDefault("CONNREQ_TIMEOUT_SECONDS", 30)
	v.SetDefault("CONNREQ_FAILURE_SOAK_SECONDS", 10)
	v.SetDefault("CONNREQ_RETRY_DELAY_MS", 1000)
	v.SetDefault("CONNREQ_WORKER_CONCURRENCY", 8)
	v.SetDefault("OP_DEFAULT_TIMEOUT_SECONDS", 30)
	v.SetDefault("OP_DOWNLOAD_TIMEOUT_SECONDS", 300)
	v.SetDefault("OP_DEFAULT_MAX_RETRIES", 0)
	v.SetDefault("OP_DEFAULT_RETRY_INTERVAL_SECONDS", 60)
	v.SetDefault("DISPATCHER_TICK_MS", 200)
	v.SetDefault("HEALTH_FAILURE_WINDOW_MINUTES", 10)
	v.SetDefault("HEALTH_FAILURE_THRESHOLD", 3)
	v.SetDefault("INTERNAL_QUEUE_SIZE", 100)
	v.SetDefault("COMMLOG_BATCH_SIZE", 100)
	v.SetDefault("COMMLOG_FLUSH_INTERVAL_SECONDS", 2)

	// 2. Read app.yaml if exists
	v.AddConfigPath(path)
	v.SetConfigName("app")
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	// 3. Read .env if exists (overriding app.yaml)
	v.SetConfigName(".env")
	v.SetConfigType("env")
	_ = v.MergeInConfig()

	// 4. Allow Viper to read Environment Variables (highest priority)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func defaultNodeName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "acs-node"
	}
	return host
}

// Seconds converts an integer setting to a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Millis converts an integer setting to a duration.
func Millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
