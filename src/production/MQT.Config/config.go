package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Reading store backends selectable through READING_STORE.
const (
	ReadingStoreTimescale = "timescale"
	ReadingStoreMongo     = "mongo"
	ReadingStoreMemory    = "memory"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	MQTT     MQTTConfig     `json:"mqtt"`
	Commands CommandConfig  `json:"commands"`
	Ingest   IngestConfig   `json:"ingest"`
	Session  SessionConfig  `json:"session"`
	Store    StoreConfig    `json:"store"`
	Redis    RedisConfig    `json:"redis"`
	Mongo    MongoConfig    `json:"mongo"`
	Logging  LoggingConfig  `json:"logging"`
	CORS     CORSConfig     `json:"cors"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port         string        `json:"port"`
	BasePath     string        `json:"base_path"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
}

// DatabaseConfig holds database-related configuration. The same
// TimescaleDB instance backs the relational tables and the sensordata
// hypertable.
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	SSLMode  string `json:"ssl_mode"`
	MaxConns int    `json:"max_conns"`
	MinConns int    `json:"min_conns"`
}

// MQTTConfig holds broker connection settings and the topic convention
// shared with the sensors.
type MQTTConfig struct {
	BrokerHost     string        `json:"broker_host"`
	BrokerPort     int           `json:"broker_port"`
	BrokerUser     string        `json:"broker_user"`
	BrokerPass     string        `json:"-"`
	UseTLS         bool          `json:"use_tls"`
	CACertPath     string        `json:"ca_cert_path"`
	ClientID       string        `json:"client_id"`
	SensorSuffix   string        `json:"sensor_suffix"`
	ServerSuffix   string        `json:"server_suffix"`
	KeepAlive      time.Duration `json:"keep_alive"`
	PingTimeout    time.Duration `json:"ping_timeout"`
	ConnectTimeout time.Duration `json:"connect_timeout"`
	PublishTimeout time.Duration `json:"publish_timeout"`
}

// CommandConfig holds the reply deadlines for sensor commands
type CommandConfig struct {
	PingTimeout    time.Duration `json:"ping_timeout"`
	CommandTimeout time.Duration `json:"command_timeout"`
}

// IngestConfig holds batching configuration for the telemetry ingestor
type IngestConfig struct {
	BufferSize       int           `json:"buffer_size"`
	BacklogLimit     int           `json:"backlog_limit"`
	BatchSize        int           `json:"batch_size"`
	BatchWindow      time.Duration `json:"batch_window"`
	MaxRetries       int           `json:"max_retries"`
	RetryDelay       time.Duration `json:"retry_delay"`
	RefreshInterval  time.Duration `json:"refresh_interval"`
	DeadLetterPrefix string        `json:"dead_letter_prefix"`
}

// SessionConfig holds session gate settings
type SessionConfig struct {
	LateReadingGrace time.Duration `json:"late_reading_grace"`
	JanitorInterval  time.Duration `json:"janitor_interval"`
}

// StoreConfig selects the reading store backend
type StoreConfig struct {
	ReadingBackend string `json:"reading_backend"`
}

// RedisConfig holds the last-value cache settings. An empty Addr disables
// the cache.
type RedisConfig struct {
	Addr     string        `json:"addr"`
	Password string        `json:"-"`
	DB       int           `json:"db"`
	TTL      time.Duration `json:"ttl"`
}

// MongoConfig is only read when READING_STORE=mongo
type MongoConfig struct {
	URI        string `json:"-"`
	Database   string `json:"database"`
	Collection string `json:"collection"`
}

// LoggingConfig holds logging-related configuration
type LoggingConfig struct {
	Level        string `json:"level"`
	Format       string `json:"format"` // json or text
	Output       string `json:"output"` // stdout, stderr, or file path
	EnableCaller bool   `json:"enable_caller"`
}

// CORSConfig holds CORS-related configuration
type CORSConfig struct {
	AllowedOrigins   []string `json:"allowed_origins"`
	AllowedMethods   []string `json:"allowed_methods"`
	AllowedHeaders   []string `json:"allowed_headers"`
	ExposedHeaders   []string `json:"exposed_headers"`
	AllowCredentials bool     `json:"allow_credentials"`
	MaxAge           int      `json:"max_age"`
}

// Load loads configuration from environment variables with fallback defaults.
// A .env file in the working directory is honoured when present.
func Load() (*Config, error) {
	// Variables set directly in the environment win over .env
	_ = godotenv.Load()

	env := &loader{}
	config := &Config{
		Server: ServerConfig{
			Port:         env.getEnv("PORT", "9002"),
			BasePath:     env.getEnv("API_BASE_PATH", "/api"),
			ReadTimeout:  env.getDuration("READ_TIMEOUT", 30*time.Second),
			WriteTimeout: env.getDuration("WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  env.getDuration("IDLE_TIMEOUT", 120*time.Second),
		},
		Database: DatabaseConfig{
			Host:     env.getEnv("POSTGRES_HOST", "localhost"),
			Port:     env.getInt("POSTGRES_PORT", 5432),
			User:     env.getEnv("POSTGRES_USER", ""),
			Password: env.getEnv("POSTGRES_PASSWORD", ""),
			DBName:   env.getEnv("POSTGRES_DB", "sensors"),
			SSLMode:  env.getEnv("POSTGRES_SSLMODE", "disable"),
			MaxConns: env.getInt("POSTGRES_MAX_CONNS", 25),
			MinConns: env.getInt("POSTGRES_MIN_CONNS", 5),
		},
		MQTT: MQTTConfig{
			BrokerHost:     env.getEnv("BROKER_HOST", "localhost"),
			BrokerPort:     env.getInt("BROKER_PORT", 8883),
			BrokerUser:     env.getEnv("BROKER_USER", ""),
			BrokerPass:     env.getEnv("BROKER_PASS", ""),
			UseTLS:         env.getBool("BROKER_TLS", true),
			CACertPath:     env.getEnv("BROKER_CA_FILE", ""),
			ClientID:       env.getEnv("MQTT_CLIENT_ID", "sensor-gateway"),
			SensorSuffix:   env.getEnv("MQTT_SENSOR_SUFFIX", "/sensor"),
			ServerSuffix:   env.getEnv("MQTT_SERVER_SUFFIX", "/server"),
			KeepAlive:      env.getDuration("MQTT_KEEP_ALIVE", 30*time.Second),
			PingTimeout:    env.getDuration("MQTT_PING_TIMEOUT", 10*time.Second),
			ConnectTimeout: env.getDuration("MQTT_CONNECT_TIMEOUT", 10*time.Second),
			PublishTimeout: env.getDuration("MQTT_PUBLISH_TIMEOUT", 5*time.Second),
		},
		Commands: CommandConfig{
			PingTimeout:    env.getDuration("PING_TIMEOUT", 2*time.Second),
			CommandTimeout: env.getDuration("COMMAND_TIMEOUT", 2*time.Second),
		},
		Ingest: IngestConfig{
			BufferSize:       env.getInt("INGEST_BUFFER_SIZE", 4096),
			BacklogLimit:     env.getInt("INGEST_BACKLOG_LIMIT", 16384),
			BatchSize:        env.getInt("INGEST_BATCH_SIZE", 500),
			BatchWindow:      env.getDuration("INGEST_BATCH_WINDOW", time.Second),
			MaxRetries:       env.getInt("INGEST_MAX_RETRIES", 5),
			RetryDelay:       env.getDuration("INGEST_RETRY_DELAY", 200*time.Millisecond),
			RefreshInterval:  env.getDuration("SENSOR_REFRESH_INTERVAL", time.Minute),
			DeadLetterPrefix: env.getEnv("INGEST_DEAD_LETTER_PREFIX", "ingestor/errors"),
		},
		Session: SessionConfig{
			LateReadingGrace: env.getDuration("SESSION_LATE_READING_GRACE", time.Minute),
			JanitorInterval:  env.getDuration("SESSION_JANITOR_INTERVAL", 30*time.Second),
		},
		Store: StoreConfig{
			ReadingBackend: strings.ToLower(env.getEnv("READING_STORE", ReadingStoreTimescale)),
		},
		Redis: RedisConfig{
			Addr:     env.getEnv("REDIS_ADDR", ""),
			Password: env.getEnv("REDIS_PASSWORD", ""),
			DB:       env.getInt("REDIS_DB", 0),
			TTL:      env.getDuration("REDIS_LAST_VALUE_TTL", 24*time.Hour),
		},
		Mongo: MongoConfig{
			URI:        env.getEnv("MONGODB_URI", ""),
			Database:   env.getEnv("DB_NAME", "sensors"),
			Collection: env.getEnv("COLL_NAME", "readings"),
		},
		Logging: LoggingConfig{
			Level:        env.getEnv("LOG_LEVEL", "info"),
			Format:       env.getEnv("LOG_FORMAT", "text"),
			Output:       env.getEnv("LOG_OUTPUT", "stdout"),
			EnableCaller: env.getBool("LOG_ENABLE_CALLER", false),
		},
		CORS: CORSConfig{
			AllowedOrigins:   env.getStringSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
			AllowedMethods:   env.getStringSlice("CORS_ALLOWED_METHODS", []string{"GET", "POST", "DELETE", "OPTIONS"}),
			AllowedHeaders:   env.getStringSlice("CORS_ALLOWED_HEADERS", []string{"Origin", "Content-Type", "Accept"}),
			ExposedHeaders:   env.getStringSlice("CORS_EXPOSED_HEADERS", []string{"Content-Length"}),
			AllowCredentials: env.getBool("CORS_ALLOW_CREDENTIALS", true),
			MaxAge:           env.getInt("CORS_MAX_AGE", 43200), // 12 hours
		},
	}

	if len(env.errs) > 0 {
		return nil, fmt.Errorf("invalid environment: %w", errors.Join(env.errs...))
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Database.User == "" {
		return fmt.Errorf("POSTGRES_USER is required")
	}
	if c.Database.Password == "" {
		return fmt.Errorf("POSTGRES_PASSWORD is required")
	}
	if c.MQTT.BrokerHost == "" {
		return fmt.Errorf("BROKER_HOST is required")
	}
	if c.MQTT.SensorSuffix == "" || c.MQTT.ServerSuffix == "" {
		return fmt.Errorf("MQTT_SENSOR_SUFFIX and MQTT_SERVER_SUFFIX must not be empty")
	}
	if c.MQTT.SensorSuffix == c.MQTT.ServerSuffix {
		return fmt.Errorf("MQTT_SENSOR_SUFFIX and MQTT_SERVER_SUFFIX must differ")
	}
	if c.Commands.PingTimeout <= 0 || c.Commands.CommandTimeout <= 0 {
		return fmt.Errorf("PING_TIMEOUT and COMMAND_TIMEOUT must be positive")
	}
	if c.Ingest.BatchSize <= 0 || c.Ingest.BufferSize <= 0 {
		return fmt.Errorf("INGEST_BATCH_SIZE and INGEST_BUFFER_SIZE must be positive")
	}
	if c.Ingest.BatchWindow <= 0 {
		return fmt.Errorf("INGEST_BATCH_WINDOW must be positive")
	}
	switch c.Store.ReadingBackend {
	case ReadingStoreTimescale, ReadingStoreMemory:
	case ReadingStoreMongo:
		if c.Mongo.URI == "" {
			return fmt.Errorf("MONGODB_URI is required when READING_STORE=mongo")
		}
	default:
		return fmt.Errorf("unknown READING_STORE %q", c.Store.ReadingBackend)
	}
	return nil
}

// GetDatabaseDSN returns the lib/pq connection string
func (c *Config) GetDatabaseDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host, c.Database.Port, c.Database.User, c.Database.Password, c.Database.DBName, c.Database.SSLMode)
}

// GetTimescaleURL returns the same database as a URL for pgxpool
func (c *Config) GetTimescaleURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.Database.User, c.Database.Password),
		Host:     fmt.Sprintf("%s:%d", c.Database.Host, c.Database.Port),
		Path:     "/" + c.Database.DBName,
		RawQuery: url.Values{"sslmode": {c.Database.SSLMode}, "pool_max_conns": {strconv.Itoa(c.Database.MaxConns)}}.Encode(),
	}
	return u.String()
}

// GetMQTTBrokerURL returns the MQTT broker URL
func (c *Config) GetMQTTBrokerURL() string {
	return c.MQTT.BrokerURL()
}

// BrokerURL returns tcp:// or tcps:// depending on UseTLS
func (m MQTTConfig) BrokerURL() string {
	scheme := "tcp"
	if m.UseTLS {
		scheme = "tcps"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, m.BrokerHost, m.BrokerPort)
}

// loader reads typed environment variables and keeps every parse error so
// that a misconfigured deployment reports all of them at once.
type loader struct {
	errs []error
}

func (l *loader) getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func (l *loader) getInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("invalid %s: %w", key, err))
		return defaultValue
	}
	return intValue
}

func (l *loader) getBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	switch strings.ToLower(value) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	}
	l.errs = append(l.errs, fmt.Errorf("invalid %s: %q (expected true/false or 1/0)", key, value))
	return defaultValue
}

func (l *loader) getDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("invalid %s: %w", key, err))
		return defaultValue
	}
	return duration
}

func (l *loader) getStringSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := make([]string, 0)
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
