package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/vibast-solutions/ms-go-mailer/app/entity"
)

type Config struct {
	HTTPHost string
	HTTPPort string
	GRPCHost string
	GRPCPort string

	LogLevel  string
	LogFormat string

	StoreDriver  string
	MySQLDSN     string
	MySQLMaxOpen int
	MySQLMaxIdle int
	MySQLMaxLife time.Duration
	SQLitePath   string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Transport string
	AWSRegion string

	SMTPAddress            string
	SMTPPort               int
	SMTPDomain             string
	SMTPUserName           string
	SMTPPassword           string
	SMTPAuthentication     string
	SMTPEnableStartTLSAuto bool
	SMTPMaxAttempts        int

	JobPriority int
	JobQueue    string
	NotifyJobs  bool

	LockBackend string
	LockTTL     time.Duration

	ShutdownTimeout time.Duration
}

// Load reads configuration from the environment, after loading .env when one
// is present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	p := &parser{}
	defaults := entity.DefaultDeliverySettings()

	cfg := &Config{
		HTTPHost: getEnv("HTTP_HOST", "0.0.0.0"),
		HTTPPort: getEnv("HTTP_PORT", "8080"),
		GRPCHost: getEnv("GRPC_HOST", "0.0.0.0"),
		GRPCPort: getEnv("GRPC_PORT", "9090"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		StoreDriver:  strings.ToLower(getEnv("STORE_DRIVER", "mysql")),
		MySQLDSN:     getEnv("MYSQL_DSN", "root:root@tcp(localhost:3306)/mailer?parseTime=true"),
		MySQLMaxOpen: p.intEnv("MYSQL_MAX_OPEN", 10),
		MySQLMaxIdle: p.intEnv("MYSQL_MAX_IDLE", 5),
		MySQLMaxLife: p.durationEnv("MYSQL_MAX_LIFETIME", 5*time.Minute),
		SQLitePath:   getEnv("SQLITE_PATH", "mailer.db"),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       p.intEnv("REDIS_DB", 0),

		Transport: strings.ToLower(getEnv("TRANSPORT", "smtp")),
		AWSRegion: getEnv("AWS_REGION", "eu-west-1"),

		SMTPAddress:            getEnv("SMTP_ADDRESS", defaults.Address),
		SMTPPort:               p.intEnv("SMTP_PORT", defaults.Port),
		SMTPDomain:             getEnv("SMTP_DOMAIN", defaults.Domain),
		SMTPUserName:           getEnv("SMTP_USER_NAME", ""),
		SMTPPassword:           getEnv("SMTP_PASSWORD", ""),
		SMTPAuthentication:     getEnv("SMTP_AUTHENTICATION", ""),
		SMTPEnableStartTLSAuto: p.boolEnv("SMTP_ENABLE_STARTTLS_AUTO", defaults.EnableStartTLSAuto),
		SMTPMaxAttempts:        p.intEnv("SMTP_MAX_ATTEMPTS", 0),

		JobPriority: p.intEnv("JOB_PRIORITY", 0),
		JobQueue:    getEnv("JOB_QUEUE", "mailers"),
		NotifyJobs:  p.boolEnv("NOTIFY_JOBS", true),

		LockBackend: strings.ToLower(getEnv("LOCK_BACKEND", "none")),
		LockTTL:     p.durationEnv("LOCK_TTL", 5*time.Minute),

		ShutdownTimeout: p.durationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	if err := p.err(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DeliverySettings builds the immutable settings the engine runs with.
// SMTP_MAX_ATTEMPTS of 0 means no ceiling.
func (c *Config) DeliverySettings() (entity.DeliverySettings, error) {
	auth, err := entity.ParseAuthMode(c.SMTPAuthentication)
	if err != nil {
		return entity.DeliverySettings{}, err
	}

	settings := entity.DeliverySettings{
		Address:            c.SMTPAddress,
		Port:               c.SMTPPort,
		Domain:             c.SMTPDomain,
		UserName:           c.SMTPUserName,
		Password:           c.SMTPPassword,
		Authentication:     auth,
		EnableStartTLSAuto: c.SMTPEnableStartTLSAuto,
	}
	if c.SMTPMaxAttempts < 0 {
		return entity.DeliverySettings{}, &entity.ConfigurationError{Reason: fmt.Sprintf("SMTP_MAX_ATTEMPTS must not be negative, got %d", c.SMTPMaxAttempts)}
	}
	if c.SMTPMaxAttempts > 0 {
		settings.MaxAttempts = entity.IntPtr(c.SMTPMaxAttempts)
	}

	if err := settings.Validate(); err != nil {
		return entity.DeliverySettings{}, err
	}
	return settings, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parser collects every malformed value so Load can report them together.
type parser struct {
	errs []error
}

func (p *parser) intEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid integer %q", key, value))
		return defaultValue
	}
	return n
}

func (p *parser) boolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid boolean %q", key, value))
		return defaultValue
	}
	return b
}

func (p *parser) durationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid duration %q", key, value))
		return defaultValue
	}
	return d
}

func (p *parser) err() error {
	return errors.Join(p.errs...)
}
