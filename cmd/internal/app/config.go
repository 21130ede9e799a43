package app

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains all runtime configuration.
//
// Sources in increasing precedence: built-in defaults, the YAML file named by COLLAB_CONFIG_FILE,
// COLLAB_* environment variables.
type Config struct {
	HTTPAddr  string `yaml:"http_addr"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // json | pretty

	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`
	MaxBodyBytes      int           `yaml:"max_body_bytes"`

	DatabaseURL string `yaml:"database_url"`
	DBMaxConns  int32  `yaml:"db_max_conns"`
	DBMinConns  int32  `yaml:"db_min_conns"`
	DBSchema    string `yaml:"db_schema"`

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool `yaml:"readiness_require_db"`

	// StrictTransitions enforces the negotiation state machine. false keeps last-write-wins.
	StrictTransitions bool `yaml:"strict_transitions"`

	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisChannel  string `yaml:"redis_channel"`

	CORSAllowedOrigins   []string `yaml:"cors_allowed_origins"`
	CORSAllowCredentials bool     `yaml:"cors_allow_credentials"`
	CORSMaxAgeSeconds    int      `yaml:"cors_max_age_seconds"`

	WSOriginRequired   bool          `yaml:"ws_origin_required"`
	WSAllowedOrigins   []string      `yaml:"ws_allowed_origins"`
	WSDevInsecure      bool          `yaml:"ws_dev_insecure"`
	WSSendQueueSize    int           `yaml:"ws_send_queue_size"`
	WSMaxSubscriptions int           `yaml:"ws_max_subscriptions"`
	WSRateEvents       int           `yaml:"ws_rate_events"`
	WSRateWindow       time.Duration `yaml:"ws_rate_window"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:  "0.0.0.0:8080",
		LogLevel:  "info",
		LogFormat: "json",

		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		MaxHeaderBytes:    1 << 20,
		MaxBodyBytes:      64 << 10,

		DBMaxConns: 10,
		DBSchema:   "collab",

		StrictTransitions: true,

		KafkaTopic:   "offer-events",
		RedisChannel: "collab:offers:changes",

		CORSMaxAgeSeconds: 600,

		WSOriginRequired:   true,
		WSAllowedOrigins:   []string{"http://localhost", "http://127.0.0.1"},
		WSSendQueueSize:    64,
		WSMaxSubscriptions: 32,
		WSRateEvents:       60,
		WSRateWindow:       10 * time.Second,
	}
}

// LoadConfig builds Config from defaults, the optional YAML file, and the environment.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()

	if path := EnvString("COLLAB_CONFIG_FILE", ""); path != "" {
		if err := loadConfigFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.HTTPAddr = EnvString("COLLAB_HTTP_ADDR", cfg.HTTPAddr)
	cfg.LogLevel = EnvString("COLLAB_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = EnvString("COLLAB_LOG_FORMAT", cfg.LogFormat)

	cfg.ReadHeaderTimeout = EnvDuration("COLLAB_HTTP_READ_HEADER_TIMEOUT", cfg.ReadHeaderTimeout)
	cfg.ReadTimeout = EnvDuration("COLLAB_HTTP_READ_TIMEOUT", cfg.ReadTimeout)
	cfg.WriteTimeout = EnvDuration("COLLAB_HTTP_WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.IdleTimeout = EnvDuration("COLLAB_HTTP_IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.ShutdownTimeout = EnvDuration("COLLAB_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	cfg.MaxHeaderBytes = EnvInt("COLLAB_HTTP_MAX_HEADER_BYTES", cfg.MaxHeaderBytes)
	cfg.MaxBodyBytes = EnvInt("COLLAB_HTTP_MAX_BODY_BYTES", cfg.MaxBodyBytes)

	cfg.DatabaseURL = EnvString("COLLAB_DATABASE_URL", cfg.DatabaseURL)
	cfg.DBMaxConns = EnvInt32("COLLAB_DB_MAX_CONNS", cfg.DBMaxConns)
	cfg.DBMinConns = EnvInt32("COLLAB_DB_MIN_CONNS", cfg.DBMinConns)
	cfg.DBSchema = EnvString("COLLAB_DB_SCHEMA", cfg.DBSchema)
	cfg.ReadinessRequireDB = EnvBool("COLLAB_READINESS_REQUIRE_DB", cfg.ReadinessRequireDB)

	cfg.StrictTransitions = EnvBool("COLLAB_STRICT_TRANSITIONS", cfg.StrictTransitions)

	cfg.KafkaBrokers = EnvCSV("COLLAB_KAFKA_BROKERS", cfg.KafkaBrokers)
	cfg.KafkaTopic = EnvString("COLLAB_KAFKA_TOPIC", cfg.KafkaTopic)

	cfg.RedisAddr = EnvString("COLLAB_REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = EnvString("COLLAB_REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = EnvInt("COLLAB_REDIS_DB", cfg.RedisDB)
	cfg.RedisChannel = EnvString("COLLAB_REDIS_CHANNEL", cfg.RedisChannel)

	cfg.CORSAllowedOrigins = EnvCSV("COLLAB_CORS_ALLOWED_ORIGINS", cfg.CORSAllowedOrigins)
	cfg.CORSAllowCredentials = EnvBool("COLLAB_CORS_ALLOW_CREDENTIALS", cfg.CORSAllowCredentials)
	cfg.CORSMaxAgeSeconds = EnvInt("COLLAB_CORS_MAX_AGE_SECONDS", cfg.CORSMaxAgeSeconds)

	cfg.WSOriginRequired = EnvBool("COLLAB_WS_ORIGIN_REQUIRED", cfg.WSOriginRequired)
	cfg.WSAllowedOrigins = EnvCSV("COLLAB_WS_ALLOWED_ORIGINS", cfg.WSAllowedOrigins)
	cfg.WSDevInsecure = EnvBool("COLLAB_WS_DEV_INSECURE", cfg.WSDevInsecure)
	cfg.WSSendQueueSize = EnvInt("COLLAB_WS_SEND_QUEUE_SIZE", cfg.WSSendQueueSize)
	cfg.WSMaxSubscriptions = EnvInt("COLLAB_WS_MAX_SUBSCRIPTIONS", cfg.WSMaxSubscriptions)
	cfg.WSRateEvents = EnvInt("COLLAB_WS_RATE_EVENTS", cfg.WSRateEvents)
	cfg.WSRateWindow = EnvDuration("COLLAB_WS_RATE_WINDOW", cfg.WSRateWindow)
}
