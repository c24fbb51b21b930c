package app

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces every environment variable the server reads.
const EnvPrefix = "MSGR"

// Config contains the process-level runtime configuration. Package-level
// settings (session, realtime, REST throttling) are loaded by their own
// packages from the same environment.
type Config struct {
	HTTPAddr  string `mapstructure:"http_addr"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"` // auto | json | text

	ReadHeaderTimeout time.Duration `mapstructure:"http_read_header_timeout"`
	ReadTimeout       time.Duration `mapstructure:"http_read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"http_write_timeout"`
	IdleTimeout       time.Duration `mapstructure:"http_idle_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"http_shutdown_timeout"`
	MaxHeaderBytes    int           `mapstructure:"http_max_header_bytes"`

	DatabaseURL string `mapstructure:"database_url"`
	DBMaxConns  int32  `mapstructure:"db_max_conns"`
	DBMinConns  int32  `mapstructure:"db_min_conns"`
	DBTrace     bool   `mapstructure:"db_trace"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool `mapstructure:"readiness_require_db"`

	// If true, MSGR_TOKEN_HMAC_KEY must be set (>= 32 bytes) and token digests are HMAC-based.
	RequireTokenHMAC bool `mapstructure:"require_token_hmac"`

	// LoginCode is the one-time code accepted for every phone while no SMS
	// provider is wired.
	LoginCode string `mapstructure:"login_code"`

	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	EventsTopic  string   `mapstructure:"events_topic"`

	MetricsEnabled bool `mapstructure:"metrics_enabled"`

	CORSAllowedOrigins   []string `mapstructure:"cors_allowed_origins"`
	CORSAllowCredentials bool     `mapstructure:"cors_allow_credentials"`
	CORSMaxAgeSeconds    int      `mapstructure:"cors_max_age_seconds"`
}

var defaults = map[string]any{
	"http_addr":    "0.0.0.0:8080",
	"log_level":    "info",
	"log_format":   "auto",
	"login_code":   "",
	"database_url": "",

	"http_read_header_timeout": 5 * time.Second,
	"http_read_timeout":        15 * time.Second,
	"http_write_timeout":       15 * time.Second,
	"http_idle_timeout":        60 * time.Second,
	"http_shutdown_timeout":    10 * time.Second,
	"http_max_header_bytes":    1 << 20,

	"db_max_conns":         10,
	"db_min_conns":         0,
	"db_trace":             false,
	"auto_migrate":         false,
	"readiness_require_db": false,
	"require_token_hmac":   false,

	"kafka_brokers":   "",
	"events_topic":    "messenger.sessions",
	"metrics_enabled": true,

	"cors_allowed_origins":   "",
	"cors_allow_credentials": false,
	"cors_max_age_seconds":   600,
}

// LoadConfig loads Config from the environment. envFile, when non-empty, is
// loaded into the process environment first; otherwise ".env" is tried and a
// missing file is ignored. Values already present in the environment win.
func LoadConfig(envFile string) (Config, error) {
	if err := loadEnvFile(envFile); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers)
	cfg.CORSAllowedOrigins = splitList(cfg.CORSAllowedOrigins)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late at startup.
func (c Config) Validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return errors.New("config: MSGR_HTTP_ADDR must be set")
	}
	switch strings.ToLower(c.LogFormat) {
	case "auto", "json", "text":
	default:
		return fmt.Errorf("config: MSGR_LOG_FORMAT must be auto, json or text, got %q", c.LogFormat)
	}
	if c.DBMinConns < 0 || c.DBMaxConns < 0 || (c.DBMaxConns > 0 && c.DBMinConns > c.DBMaxConns) {
		return errors.New("config: MSGR_DB_MIN_CONNS must not exceed MSGR_DB_MAX_CONNS")
	}
	if c.AutoMigrate && c.DatabaseURL == "" {
		return errors.New("config: MSGR_AUTO_MIGRATE requires MSGR_DATABASE_URL")
	}
	if len(c.KafkaBrokers) > 0 && strings.TrimSpace(c.EventsTopic) == "" {
		return errors.New("config: MSGR_EVENTS_TOPIC must be set when MSGR_KAFKA_BROKERS is")
	}
	return nil
}

func loadEnvFile(path string) error {
	if path == "" {
		err := godotenv.Load()
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: .env: %w", err)
		}
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("config: %s: %w", path, err)
	}
	return nil
}

// splitList normalizes list settings. Viper hands env values over as a single
// comma separated element.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, p := range strings.Split(item, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
