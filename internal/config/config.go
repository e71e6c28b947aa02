// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vetohq/veto/internal/model"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Archive settings. DatabaseURL selects Postgres; SQLitePath selects
	// SQLite. When both are empty the audit chain is memory-only.
	DatabaseURL string
	SQLitePath  string

	// JWT settings.
	JWTPrivateKeyPath string // Path to Ed25519 private key PEM file.
	JWTPublicKeyPath  string // Path to Ed25519 public key PEM file.
	JWTExpiration     time.Duration

	// API key bootstrap. When both are empty, authentication is disabled
	// and every request is treated as admin (development mode).
	AdminAPIKey    string
	ProducerAPIKey string

	// Governance settings.
	Autonomy              int
	HighValueThreshold    float64
	AlwaysRequireApproval []model.Category

	// Approval queue settings.
	QueueMaxPending    int
	QueueEscalateAfter time.Duration
	QueueExpireAfter   time.Duration

	// Executor settings.
	ExecMaxConcurrent   int
	ExecHourlyCap       int
	ExecCooldown        time.Duration
	DisableAutoRollback bool

	// Rollback settings.
	CheckpointTTL      time.Duration
	CheckpointCapacity int

	// Audit settings.
	AuditWindow    int
	AuditRetention time.Duration

	// Boundary overrides. Zero keeps the built-in default.
	MaxActionValue   float64
	MaxDailySpend    float64
	MaxPostsPerDay   int
	MaxLinesChanged  int
	MaxFilesChanged  int
	MaxDeploysPerDay int
	MaxPositionValue float64
	MaxTradesPerDay  int
	ActiveStartHour  int
	ActiveEndHour    int

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel            string
	RateLimitEnabled    bool
	RateLimitRPS        float64
	RateLimitBurst      int
	MaxRequestBodyBytes int64
	TrustProxy          bool
	CORSAllowedOrigins  []string
	ShutdownHTTPTimeout time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                  envInt("VETO_PORT", 8080),
		ReadTimeout:           envDuration("VETO_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:          envDuration("VETO_WRITE_TIMEOUT", 30*time.Second),
		DatabaseURL:           envStr("DATABASE_URL", ""),
		SQLitePath:            envStr("VETO_SQLITE_PATH", ""),
		JWTPrivateKeyPath:     envStr("VETO_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:      envStr("VETO_JWT_PUBLIC_KEY", ""),
		JWTExpiration:         envDuration("VETO_JWT_EXPIRATION", 24*time.Hour),
		AdminAPIKey:           envStr("VETO_ADMIN_API_KEY", ""),
		ProducerAPIKey:        envStr("VETO_PRODUCER_API_KEY", ""),
		Autonomy:              envInt("VETO_AUTONOMY_LEVEL", 2),
		HighValueThreshold:    envFloat("VETO_HIGH_VALUE_THRESHOLD", 200),
		AlwaysRequireApproval: envCategories("VETO_ALWAYS_REQUIRE_APPROVAL"),
		QueueMaxPending:       envInt("VETO_QUEUE_MAX_PENDING", 100),
		QueueEscalateAfter:    envDuration("VETO_QUEUE_ESCALATE_AFTER", 12*time.Hour),
		QueueExpireAfter:      envDuration("VETO_QUEUE_EXPIRE_AFTER", 48*time.Hour),
		ExecMaxConcurrent:     envInt("VETO_EXEC_MAX_CONCURRENT", 5),
		ExecHourlyCap:         envInt("VETO_EXEC_HOURLY_CAP", 100),
		ExecCooldown:          envDuration("VETO_EXEC_COOLDOWN", 60*time.Second),
		DisableAutoRollback:   envBool("VETO_DISABLE_AUTO_ROLLBACK", false),
		CheckpointTTL:         envDuration("VETO_CHECKPOINT_TTL", 24*time.Hour),
		CheckpointCapacity:    envInt("VETO_CHECKPOINT_CAPACITY", 100),
		AuditWindow:           envInt("VETO_AUDIT_WINDOW", 1000),
		AuditRetention:        envDuration("VETO_AUDIT_RETENTION", 90*24*time.Hour),
		MaxActionValue:        envFloat("VETO_MAX_ACTION_VALUE", 0),
		MaxDailySpend:         envFloat("VETO_MAX_DAILY_SPEND", 0),
		MaxPostsPerDay:        envInt("VETO_MAX_POSTS_PER_DAY", 0),
		MaxLinesChanged:       envInt("VETO_MAX_LINES_CHANGED", 0),
		MaxFilesChanged:       envInt("VETO_MAX_FILES_CHANGED", 0),
		MaxDeploysPerDay:      envInt("VETO_MAX_DEPLOYS_PER_DAY", 0),
		MaxPositionValue:      envFloat("VETO_MAX_POSITION_VALUE", 0),
		MaxTradesPerDay:       envInt("VETO_MAX_TRADES_PER_DAY", 0),
		ActiveStartHour:       envInt("VETO_ACTIVE_START_HOUR", -1),
		ActiveEndHour:         envInt("VETO_ACTIVE_END_HOUR", -1),
		OTELEndpoint:          envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:          envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:           envStr("OTEL_SERVICE_NAME", "veto"),
		LogLevel:              envStr("VETO_LOG_LEVEL", "info"),
		RateLimitEnabled:      envBool("VETO_RATE_LIMIT_ENABLED", true),
		RateLimitRPS:          envFloat("VETO_RATE_LIMIT_RPS", 20),
		RateLimitBurst:        envInt("VETO_RATE_LIMIT_BURST", 40),
		MaxRequestBodyBytes:   int64(envInt("VETO_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
		TrustProxy:            envBool("VETO_TRUST_PROXY", false),
		CORSAllowedOrigins:    envList("VETO_CORS_ALLOWED_ORIGINS"),
		ShutdownHTTPTimeout:   envDuration("VETO_SHUTDOWN_HTTP_TIMEOUT", 10*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	if c.Autonomy < 1 || c.Autonomy > 4 {
		return fmt.Errorf("config: VETO_AUTONOMY_LEVEL must be 1-4, got %d", c.Autonomy)
	}
	if c.HighValueThreshold <= 0 {
		return fmt.Errorf("config: VETO_HIGH_VALUE_THRESHOLD must be positive")
	}
	if c.DatabaseURL != "" && c.SQLitePath != "" {
		return fmt.Errorf("config: DATABASE_URL and VETO_SQLITE_PATH are mutually exclusive")
	}
	if c.ExecHourlyCap <= 0 {
		return fmt.Errorf("config: VETO_EXEC_HOURLY_CAP must be positive")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: VETO_MAX_REQUEST_BODY_BYTES must be positive")
	}
	for _, cat := range c.AlwaysRequireApproval {
		if !model.KnownCategory(cat) {
			return fmt.Errorf("config: VETO_ALWAYS_REQUIRE_APPROVAL contains unknown category %q", cat)
		}
	}
	return nil
}

// Boundaries merges the env overrides onto the built-in defaults.
func (c Config) Boundaries() model.Boundaries {
	b := model.DefaultBoundaries()
	if c.MaxActionValue > 0 {
		b.Financial.MaxActionValue = c.MaxActionValue
	}
	if c.MaxDailySpend > 0 {
		b.Financial.MaxDailySpend = c.MaxDailySpend
	}
	if c.MaxPostsPerDay > 0 {
		b.Content.MaxPostsPerDay = c.MaxPostsPerDay
	}
	if c.MaxLinesChanged > 0 {
		b.Development.MaxLinesChanged = c.MaxLinesChanged
	}
	if c.MaxFilesChanged > 0 {
		b.Development.MaxFilesChanged = c.MaxFilesChanged
	}
	if c.MaxDeploysPerDay > 0 {
		b.Development.MaxDeploysPerDay = c.MaxDeploysPerDay
	}
	if c.MaxPositionValue > 0 {
		b.Trading.MaxPositionValue = c.MaxPositionValue
	}
	if c.MaxTradesPerDay > 0 {
		b.Trading.MaxTradesPerDay = c.MaxTradesPerDay
	}
	if c.ActiveStartHour >= 0 {
		b.Time.ActiveStartHour = c.ActiveStartHour
	}
	if c.ActiveEndHour >= 0 {
		b.Time.ActiveEndHour = c.ActiveEndHour
	}
	return b
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envCategories(key string) []model.Category {
	var out []model.Category
	for _, s := range envList(key) {
		out = append(out, model.Category(strings.ToLower(s)))
	}
	return out
}
