package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Room      RoomConfig      `yaml:"room"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string        `yaml:"port" env:"GW_SERVER_PORT"`
	Interface    string        `yaml:"interface" env:"GW_SERVER_INTERFACE"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"GW_SERVER_READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"GW_SERVER_WRITE_TIMEOUT"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" env:"GW_SERVER_IDLE_TIMEOUT"`
}

// RedisConfig holds Redis configuration for the registry and bus
type RedisConfig struct {
	Host     string `yaml:"host" env:"GW_REDIS_HOST"`
	Port     string `yaml:"port" env:"GW_REDIS_PORT"`
	Password string `yaml:"password" env:"GW_REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"GW_REDIS_DB"`
}

// Addr returns the host:port address of the Redis server
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// AuthConfig holds the external auth service configuration
type AuthConfig struct {
	ServiceURL string        `yaml:"service_url" env:"GW_AUTH_SERVICE_URL"`
	Timeout    time.Duration `yaml:"timeout" env:"GW_AUTH_TIMEOUT"`
}

// WebSocketConfig holds socket tuning parameters
type WebSocketConfig struct {
	ReadLimitBytes  int64         `yaml:"read_limit_bytes" env:"GW_WS_READ_LIMIT_BYTES"`
	PongTimeout     time.Duration `yaml:"pong_timeout" env:"GW_WS_PONG_TIMEOUT"`
	PingInterval    time.Duration `yaml:"ping_interval" env:"GW_WS_PING_INTERVAL"`
	SendBufferSize  int           `yaml:"send_buffer_size" env:"GW_WS_SEND_BUFFER_SIZE"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"GW_WS_WRITE_TIMEOUT"`
}

// RoomConfig holds room lifecycle parameters
type RoomConfig struct {
	// ReconnectGrace is how long a disconnected participant may be absent
	// before departure is finalized. Registry entry TTL matches this window
	// so entries written by a crashed instance expire on the same schedule.
	ReconnectGrace time.Duration `yaml:"reconnect_grace" env:"GW_ROOM_RECONNECT_GRACE"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level" env:"GW_LOG_LEVEL"`
	IsDev            bool   `yaml:"is_dev" env:"GW_LOG_IS_DEV"`
	LogDir           string `yaml:"log_dir" env:"GW_LOG_DIR"`
	MaxAgeDays       int    `yaml:"max_age_days" env:"GW_LOG_MAX_AGE_DAYS"`
	MaxSizeMB        int    `yaml:"max_size_mb" env:"GW_LOG_MAX_SIZE_MB"`
	MaxBackups       int    `yaml:"max_backups" env:"GW_LOG_MAX_BACKUPS"`
	AlsoLogToConsole bool   `yaml:"also_log_to_console" env:"GW_LOG_CONSOLE"`
}

// Load loads configuration from a YAML file with environment variable overrides
func Load(configFile string) (*Config, error) {
	config := getDefaultConfig()

	if configFile != "" {
		if err := loadFromYAML(config, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config from YAML: %w", err)
		}
	}

	if err := overrideWithEnv(config); err != nil {
		return nil, fmt.Errorf("failed to override with environment variables: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// getDefaultConfig returns a configuration with default values
func getDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         "8080",
			Interface:    "0.0.0.0",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Redis: RedisConfig{
			Host:     "localhost",
			Port:     "6379",
			Password: "",
			DB:       0,
		},
		Auth: AuthConfig{
			ServiceURL: "http://localhost:8081/api/auth",
			Timeout:    5 * time.Second,
		},
		WebSocket: WebSocketConfig{
			ReadLimitBytes: 65536,
			PongTimeout:    60 * time.Second,
			PingInterval:   30 * time.Second,
			SendBufferSize: 256,
			WriteTimeout:   10 * time.Second,
		},
		Room: RoomConfig{
			ReconnectGrace: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:            "info",
			IsDev:            false,
			LogDir:           "logs",
			MaxAgeDays:       7,
			MaxSizeMB:        100,
			MaxBackups:       10,
			AlsoLogToConsole: true,
		},
	}
}

// loadFromYAML loads configuration from a YAML file on top of config
func loadFromYAML(config *Config, configFile string) error {
	data, err := os.ReadFile(configFile) // #nosec G304 - path comes from the operator
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", configFile, err)
	}
	return nil
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port must not be empty")
	}
	if _, err := strconv.Atoi(c.Server.Port); err != nil {
		return fmt.Errorf("server port must be numeric: %s", c.Server.Port)
	}
	if c.Redis.Host == "" {
		return fmt.Errorf("redis host must not be empty")
	}
	if c.Auth.ServiceURL == "" {
		return fmt.Errorf("auth service URL must not be empty")
	}
	if c.Room.ReconnectGrace <= 0 {
		return fmt.Errorf("reconnect grace period must be positive")
	}
	if c.WebSocket.PingInterval >= c.WebSocket.PongTimeout {
		return fmt.Errorf("websocket ping interval must be shorter than pong timeout")
	}
	return nil
}

// overrideWithEnv overrides configuration values with environment variables
func overrideWithEnv(config *Config) error {
	return overrideStructWithEnv(reflect.ValueOf(config).Elem())
}

// overrideStructWithEnv recursively overrides struct fields with environment variables
func overrideStructWithEnv(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if !field.CanSet() {
			continue
		}

		if field.Kind() == reflect.Struct {
			if err := overrideStructWithEnv(field); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}

		envValue := os.Getenv(envTag)
		if envValue == "" {
			continue
		}

		if err := setFieldFromString(field, envValue); err != nil {
			return fmt.Errorf("failed to set field %s from env %s: %w", fieldType.Name, envTag, err)
		}
	}

	return nil
}

// setFieldFromString sets a struct field value from a string based on the field type
func setFieldFromString(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		boolVal, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid bool value: %s", value)
		}
		field.SetBool(boolVal)
	case reflect.Int:
		intVal, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid int value: %s", value)
		}
		field.SetInt(int64(intVal))
	case reflect.Int64:
		// time.Duration fields accept Go duration strings
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			duration, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration value: %s", value)
			}
			field.SetInt(int64(duration))
		} else {
			intVal, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid int64 value: %s", value)
			}
			field.SetInt(intVal)
		}
	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			slice := make([]string, 0, len(parts))
			for _, part := range parts {
				trimmed := strings.TrimSpace(part)
				if trimmed != "" {
					slice = append(slice, trimmed)
				}
			}
			field.Set(reflect.ValueOf(slice))
		} else {
			return fmt.Errorf("unsupported slice type: %s", field.Type().Elem().Kind())
		}
	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}
	return nil
}
