package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config holds all application configuration in a structured way.
type Config struct {
	App        AppConfig
	Paths      PathsConfig
	Database   DatabaseConfig
	Scheduler  SchedulerConfig
	Platforms  PlatformsConfig
	WorkerPool WorkerPoolConfig
	Security   SecurityConfig
}

type AppConfig struct {
	Version            string
	Port               string
	Debug              bool
	Environment        string
	BasicAuth          []string
	BasePath           string
	TrustedProxies     []string
	BaseUrl            string
	CorsAllowedOrigins []string
	ServerID           string
	Timezone           string // zone used for schedule times given without an offset
}

type PathsConfig struct {
	BaseDir  string
	Storages string
}

type DatabaseConfig struct {
	Driver          string
	Host            string
	Port            int
	User            string
	Password        string
	Name            string // File path for SQLite, DB Name for Postgres
	SSLMode         string
	ValkeyEnabled   bool
	ValkeyAddress   string
	ValkeyPassword  string
	ValkeyDB        int
	ValkeyKeyPrefix string
}

type SchedulerConfig struct {
	ConflictWindow       time.Duration
	ExpiryWindow         time.Duration
	StuckThreshold       time.Duration
	MaxFailed            int64
	MaxPending           int64
	LocalAttempts        int
	LocalBackoff         time.Duration
	BatchLimit           int
	PollInterval         time.Duration
	LeaseDuration        time.Duration
	SweepSchedule        string // cron spec, seconds optional
	ProcessSchedule      string // cron spec for the batch processor, empty disables it
	EventsChannel        string
	ContentLimitX        int
	ContentLimitLinkedIn int
}

type PlatformConfig struct {
	BaseURL      string
	AccessToken  string
	AuthorURN    string
	Interval     time.Duration
	Burst        int
	OptimalDelay time.Duration
}

type PlatformsConfig struct {
	Timeout  time.Duration
	LinkedIn PlatformConfig
	X        PlatformConfig
}

type WorkerPoolConfig struct {
	Size      int
	QueueSize int
}

type SecurityConfig struct {
	SecretKey string
}

// Global provides access to the loaded configuration globally
var Global *Config

// LoadConfig loads configuration from Environment Variables or defaults.
func LoadConfig() (*Config, error) {
	baseDir := getEnv("APP_BASE_DIR", "storages")

	debug := getEnvBool("APP_DEBUG", false) || getEnvBool("DEBUG", false)

	var basicAuth []string
	if v := os.Getenv("APP_BASIC_AUTH"); v != "" {
		basicAuth = strings.Split(v, ",")
	}

	corsOrigins := []string{"http://localhost:3000", "http://localhost:5173"}
	if v := os.Getenv("APP_CORS_ALLOWED_ORIGINS"); v != "" {
		corsOrigins = strings.Split(v, ",")
	}

	appCfg := AppConfig{
		Version:            "v1.0.0",
		Port:               getEnv("APP_PORT", "3000"),
		Debug:              debug,
		Environment:        getEnv("APP_ENV", "development"),
		BasicAuth:          basicAuth,
		BasePath:           getEnv("APP_BASE_PATH", ""),
		BaseUrl:            getEnv("APP_BASE_URL", "http://localhost:3000"),
		CorsAllowedOrigins: corsOrigins,
		ServerID:           getEnv("SERVER_ID", ""),
		Timezone:           getEnv("APP_TIMEZONE", "UTC"),
	}
	if v := os.Getenv("APP_TRUSTED_PROXIES"); v != "" {
		appCfg.TrustedProxies = strings.Split(v, ",")
	}

	pathsCfg := PathsConfig{
		BaseDir:  baseDir,
		Storages: baseDir,
	}

	dbDriver := getEnv("DB_DRIVER", "sqlite")
	dbName := filepath.Join(pathsCfg.Storages, "scheduler.db")
	if dbDriver == "postgres" {
		dbName = getEnv("DB_NAME", "azpost")
	}
	dbCfg := DatabaseConfig{
		Driver:          dbDriver,
		Name:            getEnv("DB_NAME", dbName),
		Host:            getEnv("DB_HOST", "localhost"),
		Port:            getEnvInt("DB_PORT", 5432),
		User:            getEnv("DB_USER", "postgres"),
		Password:        getEnv("DB_PASSWORD", ""),
		SSLMode:         getEnv("DB_SSLMODE", "disable"),
		ValkeyEnabled:   getEnvBool("VALKEY_ENABLED", false),
		ValkeyAddress:   getEnv("VALKEY_ADDRESS", "localhost:6379"),
		ValkeyPassword:  getEnv("VALKEY_PASSWORD", ""),
		ValkeyDB:        getEnvInt("VALKEY_DB", 0),
		ValkeyKeyPrefix: getEnv("VALKEY_KEY_PREFIX", "azpost:"),
	}

	schedCfg := SchedulerConfig{
		ConflictWindow:       getEnvDuration("SCHEDULER_CONFLICT_WINDOW", 30*time.Minute),
		ExpiryWindow:         getEnvDuration("SCHEDULER_EXPIRY_WINDOW", 24*time.Hour),
		StuckThreshold:       getEnvDuration("SCHEDULER_STUCK_THRESHOLD", 5*time.Minute),
		MaxFailed:            getEnvInt64("SCHEDULER_MAX_FAILED", 10),
		MaxPending:           getEnvInt64("SCHEDULER_MAX_PENDING", 50),
		LocalAttempts:        getEnvInt("SCHEDULER_LOCAL_ATTEMPTS", 3),
		LocalBackoff:         getEnvDuration("SCHEDULER_LOCAL_BACKOFF", 2*time.Second),
		BatchLimit:           getEnvInt("SCHEDULER_BATCH_LIMIT", 100),
		PollInterval:         getEnvDuration("SCHEDULER_POLL_INTERVAL", 30*time.Second),
		LeaseDuration:        getEnvDuration("SCHEDULER_LEASE_DURATION", 5*time.Minute),
		SweepSchedule:        getEnv("SCHEDULER_SWEEP_SCHEDULE", "@every 1h"),
		ProcessSchedule:      getEnv("SCHEDULER_PROCESS_SCHEDULE", ""),
		EventsChannel:        getEnv("SCHEDULER_EVENTS_CHANNEL", "events:scheduler"),
		ContentLimitX:        getEnvInt("SCHEDULER_CONTENT_LIMIT_X", 280),
		ContentLimitLinkedIn: getEnvInt("SCHEDULER_CONTENT_LIMIT_LINKEDIN", 3000),
	}

	platformsCfg := PlatformsConfig{
		Timeout: getEnvDuration("PLATFORM_TIMEOUT", 30*time.Second),
		LinkedIn: PlatformConfig{
			BaseURL:      getEnv("LINKEDIN_API_BASE_URL", "https://api.linkedin.com"),
			AccessToken:  getEnv("LINKEDIN_ACCESS_TOKEN", ""),
			AuthorURN:    getEnv("LINKEDIN_AUTHOR_URN", ""),
			Interval:     getEnvDuration("LINKEDIN_RATE_INTERVAL", time.Minute),
			Burst:        getEnvInt("LINKEDIN_RATE_BURST", 10),
			OptimalDelay: getEnvDuration("LINKEDIN_OPTIMAL_DELAY", 5*time.Second),
		},
		X: PlatformConfig{
			BaseURL:      getEnv("X_API_BASE_URL", "https://api.twitter.com"),
			AccessToken:  getEnv("X_ACCESS_TOKEN", ""),
			Interval:     getEnvDuration("X_RATE_INTERVAL", 9*time.Second),
			Burst:        getEnvInt("X_RATE_BURST", 10),
			OptimalDelay: getEnvDuration("X_OPTIMAL_DELAY", 3*time.Second),
		},
	}

	cfg := &Config{
		App:        appCfg,
		Paths:      pathsCfg,
		Database:   dbCfg,
		Scheduler:  schedCfg,
		Platforms:  platformsCfg,
		WorkerPool: WorkerPoolConfig{Size: getEnvInt("WORKER_POOL_SIZE", 8), QueueSize: getEnvInt("WORKER_QUEUE_SIZE", 100)},
		Security:   SecurityConfig{SecretKey: getEnv("APP_SECRET_KEY", "changeme_please_change_me_in_prod_12345")},
	}

	Global = cfg
	return cfg, nil
}
