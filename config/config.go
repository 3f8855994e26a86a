package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the settings of libraryd, read from the environment.
type Config struct {
	ListenAddr string

	DBDriver string
	DBDSN    string

	JWTSecret    string
	TokenTTL     time.Duration
	CookieSecure bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	LoanPeriodDays     int
	FineDailyRateCents int64

	LogLevel  string
	LogFormat string

	CORSAllowedOrigins []string
}

// Load reads an optional .env file (or the given files) and then the
// environment. Missing env files are not an error.
func Load(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	cfg := &Config{
		ListenAddr:         getEnv("LISTEN_ADDR", ":8080"),
		DBDriver:           getEnv("DB_DRIVER", "sqlite3"),
		DBDSN:              getEnv("DB_DSN", "library.db"),
		JWTSecret:          getEnv("JWT_SECRET", ""),
		TokenTTL:           getEnvAsDuration("TOKEN_TTL", 24*time.Hour),
		CookieSecure:       getEnvAsBool("COOKIE_SECURE", false),
		RedisAddr:          getEnv("REDIS_ADDR", ""),
		RedisPassword:      getEnv("REDIS_PASSWORD", ""),
		RedisDB:            getEnvAsInt("REDIS_DB", 0),
		LoanPeriodDays:     getEnvAsInt("LOAN_PERIOD_DAYS", 14),
		FineDailyRateCents: int64(getEnvAsInt("FINE_DAILY_RATE_CENTS", 25)),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFormat:          getEnv("LOG_FORMAT", "text"),
		CORSAllowedOrigins: splitList(getEnv("CORS_ALLOWED_ORIGINS", "")),
	}
	return cfg, nil
}

// Validate reports settings that would keep the server from running.
func (c *Config) Validate() error {
	var problems []string
	switch c.DBDriver {
	case "sqlite3", "postgres", "pgx":
	default:
		problems = append(problems, fmt.Sprintf("DB_DRIVER %q is not one of sqlite3, postgres, pgx", c.DBDriver))
	}
	if c.DBDSN == "" {
		problems = append(problems, "DB_DSN is empty")
	}
	if len(c.JWTSecret) < 16 {
		problems = append(problems, "JWT_SECRET must be at least 16 characters")
	}
	if c.TokenTTL <= 0 {
		problems = append(problems, "TOKEN_TTL must be positive")
	}
	if c.LoanPeriodDays <= 0 {
		problems = append(problems, "LOAN_PERIOD_DAYS must be positive")
	}
	if c.FineDailyRateCents <= 0 {
		problems = append(problems, "FINE_DAILY_RATE_CENTS must be positive")
	}
	if len(problems) > 0 {
		return errors.New("invalid configuration: " + strings.Join(problems, "; "))
	}
	return nil
}

// LoanPeriod is LoanPeriodDays as a duration.
func (c *Config) LoanPeriod() time.Duration {
	return time.Duration(c.LoanPeriodDays) * 24 * time.Hour
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
