package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/adhocore/gronx"
	"github.com/joho/godotenv"
)

// Store backends
const (
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
	BackendMemory   = "memory"
)

// Email transports
const (
	TransportSES = "ses"
	TransportLog = "log"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	StoreBackend string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Mongo
	MongoURI      string
	MongoDatabase string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// AWS Services
	AWSRegion          string
	EmailTransport     string
	SESFromEmail       string
	SNSAlertTopicARN   string // empty disables operator alerts
	SQSTriggerQueueURL string // empty means the gateway dispatches inline

	// Dispatch
	LeadTime         time.Duration
	Tolerance        time.Duration
	Pacing           time.Duration
	ClaimLease       time.Duration
	DispatchSchedule string
	// DispatchLockTTL bounds how long a crashed scheduler can block others.
	DispatchLockTTL  time.Duration
	ReminderTimezone *time.Location
	// GatewayScheduler runs DispatchSchedule inside the gateway process.
	GatewayScheduler bool

	// Circuit breaker around the email transport
	BreakerMaxFailures int
	BreakerRecovery    time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory, if present, is loaded first and never
// overrides variables already set.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		StoreBackend: BackendPostgres,

		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "postgres",
		DBName:    "quiethours",
		DBSSLMode: "disable",

		MongoURI:      "mongodb://localhost:27017",
		MongoDatabase: "quiethours",

		RedisHost: "localhost",
		RedisPort: 6379,

		AWSRegion:      "us-east-1",
		EmailTransport: TransportSES,
		SESFromEmail:   "noreply@quiethours.local",

		LeadTime:         10 * time.Minute,
		Tolerance:        30 * time.Second,
		Pacing:           100 * time.Millisecond,
		ClaimLease:       15 * time.Minute,
		DispatchSchedule: "* * * * *",
		DispatchLockTTL:  30 * time.Second,
		ReminderTimezone: time.UTC,

		BreakerMaxFailures: 5,
		BreakerRecovery:    30 * time.Second,
	}

	var err error
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if err != nil {
			return
		}
		if v := os.Getenv(key); v != "" {
			n, perr := strconv.Atoi(v)
			if perr != nil {
				err = fmt.Errorf("invalid %s: %w", key, perr)
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if err != nil {
			return
		}
		if v := os.Getenv(key); v != "" {
			b, perr := strconv.ParseBool(v)
			if perr != nil {
				err = fmt.Errorf("invalid %s: %w", key, perr)
				return
			}
			*dst = b
		}
	}
	dur := func(key string, dst *time.Duration) {
		if err != nil {
			return
		}
		if v := os.Getenv(key); v != "" {
			d, perr := time.ParseDuration(v)
			if perr != nil {
				err = fmt.Errorf("invalid %s: %w", key, perr)
				return
			}
			if d <= 0 {
				err = fmt.Errorf("invalid %s: must be positive", key)
				return
			}
			*dst = d
		}
	}

	num("PORT", &cfg.Port)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("ENV", &cfg.Env)
	str("STORE_BACKEND", &cfg.StoreBackend)

	str("DB_HOST", &cfg.DBHost)
	num("DB_PORT", &cfg.DBPort)
	str("DB_USER", &cfg.DBUser)
	str("DB_PASSWORD", &cfg.DBPassword)
	str("DB_NAME", &cfg.DBName)
	str("DB_SSLMODE", &cfg.DBSSLMode)

	str("MONGO_URI", &cfg.MongoURI)
	str("MONGO_DATABASE", &cfg.MongoDatabase)

	str("REDIS_HOST", &cfg.RedisHost)
	num("REDIS_PORT", &cfg.RedisPort)
	str("REDIS_PASSWORD", &cfg.RedisPassword)
	num("REDIS_DB", &cfg.RedisDB)

	str("AWS_REGION", &cfg.AWSRegion)
	str("EMAIL_TRANSPORT", &cfg.EmailTransport)
	str("SES_FROM_EMAIL", &cfg.SESFromEmail)
	str("SNS_ALERT_TOPIC_ARN", &cfg.SNSAlertTopicARN)
	str("SQS_TRIGGER_QUEUE_URL", &cfg.SQSTriggerQueueURL)

	dur("NOTIFY_LEAD_TIME", &cfg.LeadTime)
	dur("NOTIFY_TOLERANCE", &cfg.Tolerance)
	dur("NOTIFY_PACING", &cfg.Pacing)
	dur("CLAIM_LEASE", &cfg.ClaimLease)
	str("DISPATCH_SCHEDULE", &cfg.DispatchSchedule)
	dur("DISPATCH_LOCK_TTL", &cfg.DispatchLockTTL)
	flag("GATEWAY_SCHEDULER", &cfg.GatewayScheduler)

	num("BREAKER_MAX_FAILURES", &cfg.BreakerMaxFailures)
	dur("BREAKER_RECOVERY", &cfg.BreakerRecovery)

	if err != nil {
		return nil, err
	}

	if tz := os.Getenv("REMINDER_TIMEZONE"); tz != "" {
		loc, lerr := time.LoadLocation(tz)
		if lerr != nil {
			return nil, fmt.Errorf("invalid REMINDER_TIMEZONE: %w", lerr)
		}
		cfg.ReminderTimezone = loc
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints after parsing.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendPostgres, BackendMongo, BackendMemory:
	default:
		return fmt.Errorf("invalid STORE_BACKEND %q: want postgres, mongo or memory", c.StoreBackend)
	}

	switch c.EmailTransport {
	case TransportSES, TransportLog:
	default:
		return fmt.Errorf("invalid EMAIL_TRANSPORT %q: want ses or log", c.EmailTransport)
	}

	if !gronx.New().IsValid(c.DispatchSchedule) {
		return fmt.Errorf("invalid DISPATCH_SCHEDULE %q", c.DispatchSchedule)
	}

	// The shortest cron interval is one minute; a dead holder must not
	// outlive the next tick.
	if c.DispatchLockTTL >= time.Minute {
		return fmt.Errorf("DISPATCH_LOCK_TTL %s must be below 1m", c.DispatchLockTTL)
	}

	if c.Tolerance >= c.LeadTime {
		return fmt.Errorf("NOTIFY_TOLERANCE %s must be below NOTIFY_LEAD_TIME %s", c.Tolerance, c.LeadTime)
	}

	// A claim younger than this may still be mid-send.
	if c.ClaimLease < time.Minute {
		return fmt.Errorf("CLAIM_LEASE %s must be at least 1m", c.ClaimLease)
	}

	if c.BreakerMaxFailures <= 0 {
		return fmt.Errorf("invalid BREAKER_MAX_FAILURES: must be positive")
	}

	return nil
}
