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

// Config holds all application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Relay    RelayConfig    `yaml:"relay"`
	Store    StoreConfig    `yaml:"store"`
	Activity ActivityConfig `yaml:"activity"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string        `yaml:"port" env:"SERVER_PORT"`
	Interface    string        `yaml:"interface" env:"SERVER_INTERFACE"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT"`
}

// GatewayConfig holds upstream gateway connection configuration
type GatewayConfig struct {
	URL                  string        `yaml:"url" env:"GATEWAY_URL"`
	Token                string        `yaml:"token" env:"GATEWAY_TOKEN"`
	ClientID             string        `yaml:"client_id" env:"GATEWAY_CLIENT_ID"`
	ClientVersion        string        `yaml:"client_version" env:"GATEWAY_CLIENT_VERSION"`
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout" env:"GATEWAY_HANDSHAKE_TIMEOUT"`
	SendTimeout          time.Duration `yaml:"send_timeout" env:"GATEWAY_SEND_TIMEOUT"`
	HistoryTimeout       time.Duration `yaml:"history_timeout" env:"GATEWAY_HISTORY_TIMEOUT"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay" env:"GATEWAY_RECONNECT_BASE_DELAY"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts" env:"GATEWAY_MAX_RECONNECT_ATTEMPTS"`
}

// RelayConfig holds the downstream relay endpoint configuration
type RelayConfig struct {
	// Password is the shared secret downstream clients present on connect
	Password string `yaml:"password" env:"RELAY_PASSWORD"`
	// ScopeBroadcasts limits gateway chat fan-out to the event's session
	// instead of every connected client
	ScopeBroadcasts bool `yaml:"scope_broadcasts" env:"RELAY_SCOPE_BROADCASTS"`
	// SendBufferSize is the per-client outbound queue length
	SendBufferSize int `yaml:"send_buffer_size" env:"RELAY_SEND_BUFFER_SIZE"`
}

// StoreConfig holds flat-file record store configuration
type StoreConfig struct {
	CashflowFile string `yaml:"cashflow_file" env:"STORE_CASHFLOW_FILE"`
	TasksFile    string `yaml:"tasks_file" env:"STORE_TASKS_FILE"`
}

// ActivityConfig holds activity log sink configuration
type ActivityConfig struct {
	File       string `yaml:"file" env:"ACTIVITY_FILE"`
	MaxEntries int    `yaml:"max_entries" env:"ACTIVITY_MAX_ENTRIES"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level" env:"LOGGING_LEVEL"`
	IsDev            bool   `yaml:"is_dev" env:"LOGGING_IS_DEV"`
	LogDir           string `yaml:"log_dir" env:"LOGGING_LOG_DIR"`
	MaxAgeDays       int    `yaml:"max_age_days" env:"LOGGING_MAX_AGE_DAYS"`
	MaxSizeMB        int    `yaml:"max_size_mb" env:"LOGGING_MAX_SIZE_MB"`
	MaxBackups       int    `yaml:"max_backups" env:"LOGGING_MAX_BACKUPS"`
	AlsoLogToConsole bool   `yaml:"also_log_to_console" env:"LOGGING_ALSO_LOG_TO_CONSOLE"`
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
			Port:         "3001",
			Interface:    "0.0.0.0",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Gateway: GatewayConfig{
			URL:                  "ws://127.0.0.1:18789",
			Token:                "",
			ClientID:             "webchat",
			ClientVersion:        "1.0.0",
			HandshakeTimeout:     10 * time.Second,
			SendTimeout:          30 * time.Second,
			HistoryTimeout:       10 * time.Second,
			ReconnectBaseDelay:   time.Second,
			MaxReconnectAttempts: 5,
		},
		Relay: RelayConfig{
			Password:        "",
			ScopeBroadcasts: false,
			SendBufferSize:  256,
		},
		Store: StoreConfig{
			CashflowFile: "data/cashflow.json",
			TasksFile:    "data/tasks.json",
		},
		Activity: ActivityConfig{
			File:       "data/activity_logs.json",
			MaxEntries: 2000,
		},
		Logging: LoggingConfig{
			Level:            "info",
			IsDev:            true,
			LogDir:           "logs",
			MaxAgeDays:       7,
			MaxSizeMB:        100,
			MaxBackups:       10,
			AlsoLogToConsole: true,
		},
	}
}

// loadFromYAML loads configuration from a YAML file
func loadFromYAML(config *Config, filename string) error {
	data, err := os.ReadFile(filename) // #nosec G304
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
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

		// Time durations are typed int64s; handle them before the struct case
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			if err := setFieldFromEnv(field, fieldType); err != nil {
				return err
			}
			continue
		}

		if field.Kind() == reflect.Struct {
			if err := overrideStructWithEnv(field); err != nil {
				return err
			}
			continue
		}

		if err := setFieldFromEnv(field, fieldType); err != nil {
			return err
		}
	}

	return nil
}

func setFieldFromEnv(field reflect.Value, fieldType reflect.StructField) error {
	envTag := fieldType.Tag.Get("env")
	if envTag == "" {
		return nil
	}

	envValue, exists := os.LookupEnv(envTag)
	if !exists {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(envValue)
	case reflect.Bool:
		b, err := strconv.ParseBool(envValue)
		if err != nil {
			return fmt.Errorf("invalid boolean value for %s: %s", envTag, envValue)
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(envValue)
			if err != nil {
				return fmt.Errorf("invalid duration value for %s: %s", envTag, envValue)
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(envValue, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer value for %s: %s", envTag, envValue)
		}
		field.SetInt(n)
	default:
		return fmt.Errorf("unsupported field kind %s for %s", field.Kind(), envTag)
	}

	return nil
}

// Validate checks the configuration for required values
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if _, err := strconv.Atoi(c.Server.Port); err != nil {
		return fmt.Errorf("server port must be numeric: %s", c.Server.Port)
	}
	if c.Gateway.URL == "" {
		return fmt.Errorf("gateway URL is required")
	}
	if !strings.HasPrefix(c.Gateway.URL, "ws://") && !strings.HasPrefix(c.Gateway.URL, "wss://") {
		return fmt.Errorf("gateway URL must use ws:// or wss:// scheme: %s", c.Gateway.URL)
	}
	if c.Gateway.MaxReconnectAttempts < 1 {
		return fmt.Errorf("gateway max_reconnect_attempts must be at least 1")
	}
	if c.Gateway.ReconnectBaseDelay <= 0 {
		return fmt.Errorf("gateway reconnect_base_delay must be positive")
	}
	if c.Relay.SendBufferSize < 1 {
		return fmt.Errorf("relay send_buffer_size must be at least 1")
	}
	return nil
}

// ListenAddress returns the interface:port address for the HTTP server
func (c *ServerConfig) ListenAddress() string {
	return c.Interface + ":" + c.Port
}
