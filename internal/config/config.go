package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                  string `mapstructure:"PORT"`
	Env                   string `mapstructure:"ENV"`
	DatabaseURL           string `mapstructure:"DATABASE_URL"`
	DBMaxConns            int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns            int32  `mapstructure:"DB_MIN_CONNS"`
	JWTSecret             string `mapstructure:"JWT_SECRET"`
	MigrationsDir         string `mapstructure:"MIGRATIONS_DIR"`
	AuditEncryptSensitive bool   `mapstructure:"AUDIT_ENCRYPT_SENSITIVE"`
	RoutineIntervalWeeks  int    `mapstructure:"ROUTINE_INTERVAL_WEEKS"`
	UrgentDeadlineDays    int    `mapstructure:"URGENT_DEADLINE_DAYS"`
	CloseTimeoutHours     int    `mapstructure:"CLOSE_TIMEOUT_HOURS"`
	RawRetentionHours     int    `mapstructure:"WIZARD_RAW_RETENTION_HOURS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("MIGRATIONS_DIR", "migrations")
	v.SetDefault("AUDIT_ENCRYPT_SENSITIVE", true)
	v.SetDefault("ROUTINE_INTERVAL_WEEKS", 26)
	v.SetDefault("URGENT_DEADLINE_DAYS", 3)
	v.SetDefault("CLOSE_TIMEOUT_HOURS", 72)
	v.SetDefault("WIZARD_RAW_RETENTION_HOURS", 0)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("JWT_SECRET")
	v.BindEnv("MIGRATIONS_DIR")
	v.BindEnv("AUDIT_ENCRYPT_SENSITIVE")
	v.BindEnv("ROUTINE_INTERVAL_WEEKS")
	v.BindEnv("URGENT_DEADLINE_DAYS")
	v.BindEnv("CLOSE_TIMEOUT_HOURS")
	v.BindEnv("WIZARD_RAW_RETENTION_HOURS")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that the configuration is safe to run. Outside development
// mode a real JWT secret is mandatory.
func (c *Config) Validate() error {
	if !c.IsDev() && len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET of at least 32 bytes is required when ENV=%q", c.Env)
	}
	if c.RoutineIntervalWeeks <= 0 {
		return fmt.Errorf("ROUTINE_INTERVAL_WEEKS must be positive, got %d", c.RoutineIntervalWeeks)
	}
	if c.UrgentDeadlineDays <= 0 {
		return fmt.Errorf("URGENT_DEADLINE_DAYS must be positive, got %d", c.UrgentDeadlineDays)
	}
	return nil
}

// Interval returns the deadline interval for a control of the given kind.
// Routine controls recur per disease protocol; urgent controls have a short
// fixed deadline.
func (c *Config) Interval(kind string) time.Duration {
	if strings.EqualFold(kind, "urgent") {
		return time.Duration(c.UrgentDeadlineDays) * 24 * time.Hour
	}
	return time.Duration(c.RoutineIntervalWeeks) * 7 * 24 * time.Hour
}

// CloseTimeout returns how long a handled request may wait for dispatch
// confirmation before it is closed anyway.
func (c *Config) CloseTimeout() time.Duration {
	return time.Duration(c.CloseTimeoutHours) * time.Hour
}

// RawRetention bounds how long unvalidated wizard input is kept. Zero keeps
// blobs until the request finalizes.
func (c *Config) RawRetention() time.Duration {
	return time.Duration(c.RawRetentionHours) * time.Hour
}
