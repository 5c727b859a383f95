package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port           string   `yaml:"port"`
	Environment    string   `yaml:"environment"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	JWTSecret      string   `yaml:"jwt_secret"`
	LogLevel       string   `yaml:"log_level"`
	DevLogin       bool     `yaml:"dev_login"`

	Redis     RedisConfig     `yaml:"redis"`
	Rooms     RoomsConfig     `yaml:"rooms"`
	History   HistoryConfig   `yaml:"history"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	S3        S3Config        `yaml:"s3"`
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type RoomsConfig struct {
	DefaultMaxSize       int           `yaml:"default_max_size"`
	MaxRoomSize          int           `yaml:"max_room_size"`
	PendingTimeout       time.Duration `yaml:"pending_timeout"`
	PendingSweepInterval time.Duration `yaml:"pending_sweep_interval"`
	PasswordCost         int           `yaml:"password_cost"`
}

type HistoryConfig struct {
	TTL             time.Duration `yaml:"ttl"`
	RecorderWorkers int           `yaml:"recorder_workers"`
	RecorderQueue   int           `yaml:"recorder_queue"`
}

type WebSocketConfig struct {
	ReadLimit    int64         `yaml:"read_limit"`
	PongWait     time.Duration `yaml:"pong_wait"`
	PingInterval time.Duration `yaml:"ping_interval"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	SendBuffer   int           `yaml:"send_buffer"`
}

// S3Config enables archiving of finished calls when Bucket is set.
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Prefix    string `yaml:"prefix"`
}

const defaultJWTSecret = "change-me-in-production"

func Default() *Config {
	return &Config{
		Port:           "8080",
		Environment:    "development",
		AllowedOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		JWTSecret:      defaultJWTSecret,
		LogLevel:       "info",
		DevLogin:       true,
		Redis: RedisConfig{
			Host: "localhost",
			Port: "6379",
		},
		Rooms: RoomsConfig{
			DefaultMaxSize:       8,
			MaxRoomSize:          55,
			PendingTimeout:       5 * time.Minute,
			PendingSweepInterval: 15 * time.Second,
			PasswordCost:         10,
		},
		History: HistoryConfig{
			TTL:             30 * 24 * time.Hour,
			RecorderWorkers: 4,
			RecorderQueue:   1024,
		},
		WebSocket: WebSocketConfig{
			ReadLimit:    64 << 10,
			PongWait:     60 * time.Second,
			PingInterval: 54 * time.Second,
			WriteTimeout: 10 * time.Second,
			SendBuffer:   256,
		},
		S3: S3Config{
			Region: "us-east-1",
			Prefix: "calls",
		},
	}
}

// Load builds the configuration from defaults, the YAML file named by
// CONFIG_FILE if set, then environment variables.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFromEnv() error {
	var errs []error
	c.Port = getEnv("PORT", c.Port)
	c.Environment = getEnv("ENVIRONMENT", c.Environment)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		c.AllowedOrigins = splitList(origins)
	}
	c.JWTSecret = getEnv("JWT_SECRET", c.JWTSecret)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.DevLogin = getEnvBool("DEV_LOGIN", c.DevLogin, &errs)

	c.Redis.Host = getEnv("REDIS_HOST", c.Redis.Host)
	c.Redis.Port = getEnv("REDIS_PORT", c.Redis.Port)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvInt("REDIS_DB", c.Redis.DB, &errs)

	c.Rooms.DefaultMaxSize = getEnvInt("DEFAULT_MAX_SIZE", c.Rooms.DefaultMaxSize, &errs)
	c.Rooms.MaxRoomSize = getEnvInt("MAX_ROOM_SIZE", c.Rooms.MaxRoomSize, &errs)
	c.Rooms.PendingTimeout = getEnvDuration("PENDING_TIMEOUT", c.Rooms.PendingTimeout, &errs)
	c.Rooms.PendingSweepInterval = getEnvDuration("PENDING_SWEEP_INTERVAL", c.Rooms.PendingSweepInterval, &errs)
	c.Rooms.PasswordCost = getEnvInt("PASSWORD_COST", c.Rooms.PasswordCost, &errs)

	c.History.TTL = getEnvDuration("HISTORY_TTL", c.History.TTL, &errs)
	c.History.RecorderWorkers = getEnvInt("RECORDER_WORKERS", c.History.RecorderWorkers, &errs)
	c.History.RecorderQueue = getEnvInt("RECORDER_QUEUE", c.History.RecorderQueue, &errs)

	c.WebSocket.ReadLimit = int64(getEnvInt("WS_READ_LIMIT", int(c.WebSocket.ReadLimit), &errs))
	c.WebSocket.PongWait = getEnvDuration("WS_PONG_WAIT", c.WebSocket.PongWait, &errs)
	c.WebSocket.PingInterval = getEnvDuration("WS_PING_INTERVAL", c.WebSocket.PingInterval, &errs)
	c.WebSocket.WriteTimeout = getEnvDuration("WS_WRITE_TIMEOUT", c.WebSocket.WriteTimeout, &errs)
	c.WebSocket.SendBuffer = getEnvInt("WS_SEND_BUFFER", c.WebSocket.SendBuffer, &errs)

	c.S3.Bucket = getEnv("S3_BUCKET", c.S3.Bucket)
	c.S3.Region = getEnv("S3_REGION", c.S3.Region)
	c.S3.Endpoint = getEnv("S3_ENDPOINT", c.S3.Endpoint)
	c.S3.AccessKey = getEnv("S3_ACCESS_KEY", c.S3.AccessKey)
	c.S3.SecretKey = getEnv("S3_SECRET_KEY", c.S3.SecretKey)
	c.S3.Prefix = getEnv("S3_PREFIX", c.S3.Prefix)

	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// LoginEnabled reports whether the token-minting login route is mounted.
// It is never mounted in production.
func (c *Config) LoginEnabled() bool {
	return c.DevLogin && !c.IsProduction()
}

// Validate reports every setting that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("PORT is required"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() && c.JWTSecret == defaultJWTSecret {
		errs = append(errs, errors.New("JWT_SECRET must be changed in production"))
	}
	if c.Rooms.MaxRoomSize < 1 {
		errs = append(errs, errors.New("MAX_ROOM_SIZE must be at least 1"))
	}
	if c.Rooms.DefaultMaxSize < 1 || c.Rooms.DefaultMaxSize > c.Rooms.MaxRoomSize {
		errs = append(errs, fmt.Errorf("DEFAULT_MAX_SIZE must be between 1 and %d", c.Rooms.MaxRoomSize))
	}
	if c.Rooms.PendingTimeout <= 0 || c.Rooms.PendingSweepInterval <= 0 {
		errs = append(errs, errors.New("PENDING_TIMEOUT and PENDING_SWEEP_INTERVAL must be positive"))
	}
	if c.Rooms.PasswordCost < 4 || c.Rooms.PasswordCost > 31 {
		errs = append(errs, errors.New("PASSWORD_COST must be between 4 and 31"))
	}
	if c.WebSocket.PingInterval >= c.WebSocket.PongWait {
		errs = append(errs, errors.New("WS_PING_INTERVAL must be shorter than WS_PONG_WAIT"))
	}
	if c.S3.Bucket != "" && c.S3.Region == "" {
		errs = append(errs, errors.New("S3_REGION is required when S3_BUCKET is set"))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int, errs *[]error) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return n
}

func getEnvDuration(key string, defaultValue time.Duration, errs *[]error) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return d
}

func getEnvBool(key string, defaultValue bool, errs *[]error) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return b
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
