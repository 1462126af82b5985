package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Database DatabaseConfig
	Server   ServerConfig
	Auth     AuthConfig
	Security SecurityConfig
	Redis    RedisConfig
	Email    EmailConfig
	Cookie   CookieConfig
}

type DatabaseConfig struct {
	Host              string
	Port              int
	User              string
	Password          string
	Name              string
	SSLMode           string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

type ServerConfig struct {
	Port            string
	Env             string
	LogLevel        string
	AllowedOrigins  []string
	TrustedProxies  []string // CIDR ranges allowed to set X-Forwarded-For
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// AuthConfig configures the local identity provider
type AuthConfig struct {
	JWTSecret       string
	TokenExpiry     time.Duration
	IdentityTimeout time.Duration
	AdminEmail      string
	AdminPassword   string
	AdminName       string
	AdminMFA        bool
}

// SecurityConfig holds every lifetime and threshold of the security core
type SecurityConfig struct {
	MaxAttempts     int
	LockoutDuration time.Duration
	AttemptWindow   time.Duration

	SessionTimeout          time.Duration
	ActivityTimeout         time.Duration
	RefreshThreshold        time.Duration
	ActivityPersistInterval time.Duration

	MFACodeExpiry   time.Duration
	CSRFTokenLength int
	CSRFCapacity    int
	MaxInputLength  int

	EventLogMaxEntries int
	EventLogMaxAge     time.Duration

	FastCleanupInterval time.Duration
	SlowCleanupInterval time.Duration

	LoginRequestsPerMinute int
	TimingBaseDelay        time.Duration
	TimingRandomDelay      time.Duration

	WriteQueueSize int
	WriteTimeout   time.Duration
}

// RedisConfig selects and configures the shared session store
type RedisConfig struct {
	Enabled   bool
	Addrs     []string
	Password  string
	DB        int
	KeyPrefix string
}

type EmailConfig struct {
	Provider    string // "log" or "ses"
	Region      string
	FromAddress string
}

type CookieConfig struct {
	Domain   string
	Secure   bool
	SameSite string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	jwtSecret := getEnv("JWT_SECRET", "")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	env := getEnv("ENV", "development")

	cfg := &Config{
		Database: DatabaseConfig{
			Host:              getEnv("DB_HOST", "localhost"),
			Port:              getEnvAsInt("DB_PORT", 5432),
			User:              getEnv("DB_USER", "postgres"),
			Password:          getEnv("DB_PASSWORD", ""),
			Name:              getEnv("DB_NAME", "revguard"),
			SSLMode:           getEnv("DB_SSLMODE", "disable"),
			MaxConns:          int32(getEnvAsInt("DB_MAX_CONNS", 25)),
			MinConns:          int32(getEnvAsInt("DB_MIN_CONNS", 5)),
			MaxConnLifetime:   getEnvAsDuration("DB_MAX_CONN_LIFETIME", 5*time.Minute),
			MaxConnIdleTime:   getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 1*time.Minute),
			HealthCheckPeriod: getEnvAsDuration("DB_HEALTH_CHECK_PERIOD", 1*time.Minute),
		},
		Server: ServerConfig{
			Port:            getEnv("PORT", "8080"),
			Env:             env,
			LogLevel:        getEnv("LOG_LEVEL", "info"),
			AllowedOrigins:  parseAllowedOrigins(env),
			TrustedProxies:  getEnvAsList("TRUSTED_PROXIES", nil),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Auth: AuthConfig{
			JWTSecret:       jwtSecret,
			TokenExpiry:     getEnvAsDuration("SESSION_TOKEN_EXPIRY", 1*time.Hour),
			IdentityTimeout: getEnvAsDuration("IDENTITY_TIMEOUT", 10*time.Second),
			AdminEmail:      getEnv("ADMIN_EMAIL", ""),
			AdminPassword:   getEnv("ADMIN_PASSWORD", ""),
			AdminName:       getEnv("ADMIN_NAME", "Owner"),
			AdminMFA:        getEnvAsBool("ADMIN_MFA_ENABLED", true),
		},
		Security: SecurityConfig{
			MaxAttempts:     getEnvAsInt("RATE_LIMIT_MAX_ATTEMPTS", 5),
			LockoutDuration: getEnvAsDuration("RATE_LIMIT_LOCKOUT", 15*time.Minute),
			AttemptWindow:   getEnvAsDuration("RATE_LIMIT_WINDOW", 60*time.Second),

			SessionTimeout:          getEnvAsDuration("SESSION_TIMEOUT", 24*time.Hour),
			ActivityTimeout:         getEnvAsDuration("SESSION_ACTIVITY_TIMEOUT", 30*time.Minute),
			RefreshThreshold:        getEnvAsDuration("SESSION_REFRESH_THRESHOLD", 5*time.Minute),
			ActivityPersistInterval: getEnvAsDuration("SESSION_ACTIVITY_PERSIST_INTERVAL", 1*time.Minute),

			MFACodeExpiry:   getEnvAsDuration("MFA_CODE_EXPIRY", 5*time.Minute),
			CSRFTokenLength: getEnvAsInt("CSRF_TOKEN_LENGTH", 32),
			CSRFCapacity:    getEnvAsInt("CSRF_CAPACITY", 100),
			MaxInputLength:  getEnvAsInt("MAX_INPUT_LENGTH", 1000),

			EventLogMaxEntries: getEnvAsInt("EVENT_LOG_MAX_ENTRIES", 1000),
			EventLogMaxAge:     getEnvAsDuration("EVENT_LOG_MAX_AGE", 24*time.Hour),

			FastCleanupInterval: getEnvAsDuration("CLEANUP_FAST_INTERVAL", 1*time.Minute),
			SlowCleanupInterval: getEnvAsDuration("CLEANUP_SLOW_INTERVAL", 5*time.Minute),

			LoginRequestsPerMinute: getEnvAsInt("LOGIN_REQUESTS_PER_MINUTE", 20),
			TimingBaseDelay:        getEnvAsDuration("TIMING_BASE_DELAY", 500*time.Millisecond),
			TimingRandomDelay:      getEnvAsDuration("TIMING_RANDOM_DELAY", 100*time.Millisecond),

			WriteQueueSize: getEnvAsInt("PERSIST_QUEUE_SIZE", 1024),
			WriteTimeout:   getEnvAsDuration("PERSIST_WRITE_TIMEOUT", 5*time.Second),
		},
		Redis: RedisConfig{
			Enabled:   getEnv("SESSION_BACKEND", "postgres") == "redis",
			Addrs:     getEnvAsList("REDIS_ADDRS", []string{"localhost:6379"}),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvAsInt("REDIS_DB", 0),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "revguard"),
		},
		Email: EmailConfig{
			Provider:    getEnv("EMAIL_PROVIDER", "log"),
			Region:      getEnv("AWS_REGION", "us-east-1"),
			FromAddress: getEnv("EMAIL_FROM", "noreply@localhost"),
		},
		Cookie: CookieConfig{
			Domain:   getEnv("COOKIE_DOMAIN", ""),
			Secure:   getEnvAsBool("COOKIE_SECURE", env == "production"),
			SameSite: getEnv("COOKIE_SAMESITE", "strict"),
		},
	}

	if cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required")
	}

	if err := validateJWTSecret(jwtSecret, env); err != nil {
		return nil, err
	}

	if err := cfg.Security.validate(); err != nil {
		return nil, err
	}

	switch cfg.Email.Provider {
	case "log", "ses":
	default:
		return nil, fmt.Errorf("EMAIL_PROVIDER must be \"log\" or \"ses\" (got %q)", cfg.Email.Provider)
	}

	return cfg, nil
}

// validateJWTSecret enforces minimum security standards for JWT secret
func validateJWTSecret(secret, env string) error {
	minLength := 16
	if env == "production" {
		minLength = 32
	}

	if len(secret) < minLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters in %s environment (got %d)",
			minLength, env, len(secret))
	}

	weakSecrets := []string{
		"secret", "test", "password", "12345", "changeme",
		"admin", "root", "default", "example",
	}

	secretLower := strings.ToLower(secret)
	for _, weak := range weakSecrets {
		if secretLower == weak {
			return fmt.Errorf("JWT_SECRET cannot be a common weak value")
		}
	}

	return nil
}

func (s *SecurityConfig) validate() error {
	if s.MaxAttempts < 1 {
		return fmt.Errorf("RATE_LIMIT_MAX_ATTEMPTS must be positive")
	}
	if s.ActivityTimeout > s.SessionTimeout {
		return fmt.Errorf("SESSION_ACTIVITY_TIMEOUT (%s) cannot exceed SESSION_TIMEOUT (%s)", s.ActivityTimeout, s.SessionTimeout)
	}
	if s.CSRFTokenLength < 16 {
		return fmt.Errorf("CSRF_TOKEN_LENGTH must be at least 16")
	}
	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultVal
}

func getEnvAsList(key string, defaultVal []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultVal
	}

	items := make([]string, 0)
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func parseAllowedOrigins(env string) []string {
	if env == "production" {
		return getEnvAsList("ALLOWED_ORIGINS", []string{})
	}

	// Development: the dashboard dev servers
	return []string{
		"http://localhost:3000",
		"http://localhost:5173",
		"http://127.0.0.1:3000",
		"http://127.0.0.1:5173",
	}
}
