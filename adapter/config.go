package marketplace

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Refresh strategies
const (
	StrategyJWT    = "jwt"
	StrategyOAuth2 = "oauth2"
)

// Store drivers
const (
	DriverMemory = "memory"
	DriverFile   = "file"
	DriverRedis  = "redis"
)

// EnvPrefix prefixes every environment variable read by LoadConfig
const EnvPrefix = "MARKETPLACE"

// Config holds the client configuration loaded from a config file and
// MARKETPLACE_* environment variables.
type Config struct {
	Auth    AuthConfig    `mapstructure:"auth"`
	Store   StoreConfig   `mapstructure:"store"`
	Events  EventsConfig  `mapstructure:"events"`
	Bridge  BridgeConfig  `mapstructure:"bridge"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Log     LogConfig     `mapstructure:"log"`
}

// AuthConfig configures the session manager and its refresh strategy
type AuthConfig struct {
	BaseURL         string `mapstructure:"base_url" default:"http://localhost:8000" validate:"required,url"`
	LoginPath       string `mapstructure:"login_path" default:"/api/auth/login/"`
	RefreshPath     string `mapstructure:"refresh_path" default:"/api/auth/token/refresh/"`
	RefreshStrategy string `mapstructure:"refresh_strategy" default:"jwt" validate:"oneof=jwt oauth2"`

	// OAuth2 strategy only
	TokenURL     string   `mapstructure:"token_url" validate:"required_if=RefreshStrategy oauth2"`
	ClientID     string   `mapstructure:"client_id" validate:"required_if=RefreshStrategy oauth2"`
	ClientSecret string   `mapstructure:"client_secret" secret:"true"`
	Scopes       []string `mapstructure:"scopes"`

	RefreshThreshold time.Duration `mapstructure:"refresh_threshold" default:"5m" validate:"gt=0"`
	RetryDelay       time.Duration `mapstructure:"retry_delay" default:"30s" validate:"gt=0"`
	MaxRetries       int           `mapstructure:"max_retries" default:"3" validate:"gte=0"`
	RefreshTimeout   time.Duration `mapstructure:"refresh_timeout" default:"15s" validate:"gt=0"`
}

// LoginURL is the absolute login endpoint
func (a AuthConfig) LoginURL() string {
	return strings.TrimRight(a.BaseURL, "/") + a.LoginPath
}

// RefreshURL is the absolute token refresh endpoint
func (a AuthConfig) RefreshURL() string {
	return strings.TrimRight(a.BaseURL, "/") + a.RefreshPath
}

// StoreConfig selects and configures the credential store
type StoreConfig struct {
	Driver    string `mapstructure:"driver" default:"file" validate:"oneof=memory file redis"`
	Dir       string `mapstructure:"dir" default:"data"`
	Filename  string `mapstructure:"filename" default:"session.json"`
	RedisURL  string `mapstructure:"redis_url" secret:"true" validate:"required_if=Driver redis"`
	Namespace string `mapstructure:"namespace" default:"vendor"`
}

// EventsConfig configures the vendor event stream
type EventsConfig struct {
	URL                  string        `mapstructure:"url" default:"ws://localhost:8000" validate:"required"`
	PathTemplate         string        `mapstructure:"path_template" default:"/ws/vendor/{tenant}/" validate:"required"`
	BearerAuth           bool          `mapstructure:"bearer_auth" default:"true"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval" default:"30s" validate:"gt=0"`
	HeartbeatTimeout     time.Duration `mapstructure:"heartbeat_timeout" default:"5s" validate:"gt=0"`
	ReconnectBaseDelay   time.Duration `mapstructure:"reconnect_base_delay" default:"1s" validate:"gt=0"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts" default:"5" validate:"gt=0"`
	ReconnectMaxDelay    time.Duration `mapstructure:"reconnect_max_delay" default:"5m" validate:"gtefield=ReconnectBaseDelay"`
	TopicPrefix          string        `mapstructure:"topic_prefix" default:"marketplace"`
}

// Bridge drivers
const (
	BridgeNone        = "none"
	BridgeRedisStream = "redisstream"
)

// BridgeConfig selects an external watermill publisher that events are
// forwarded to in addition to local output
type BridgeConfig struct {
	Driver   string `mapstructure:"driver" default:"none" validate:"oneof=none redisstream"`
	RedisURL string `mapstructure:"redis_url" secret:"true" validate:"required_if=Driver redisstream"`
}

// MetricsConfig configures the prometheus exporter
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr" default:":9090"`
	Path    string `mapstructure:"path" default:"/metrics"`
}

// LogConfig configures the slog handler built by the CLI
type LogConfig struct {
	Level  string `mapstructure:"level" default:"INFO" validate:"oneof=DEBUG INFO WARN ERROR"`
	Format string `mapstructure:"format" default:"text" validate:"oneof=text json"`
}

// DefaultConfig returns a Config with every default applied
func DefaultConfig() *Config {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		panic("failed to set struct defaults: " + err.Error())
	}
	return cfg
}

// LoadConfig loads configuration from path (or ./config.yaml when path is
// empty and the file exists) overlaid with environment variables, then
// validates it.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	// Nested keys are only visible to Unmarshal once bound
	bindEnvVars(v, reflect.TypeOf(*cfg), "")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cfg against its validation tags
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func bindEnvVars(v *viper.Viper, t reflect.Type, prefix string) {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		key := field.Tag.Get("mapstructure")
		if key == "" {
			key = strings.ToLower(field.Name)
		}
		if prefix != "" {
			key = prefix + "." + key
		}
		if field.Type.Kind() == reflect.Struct {
			bindEnvVars(v, field.Type, key)
			continue
		}
		_ = v.BindEnv(key)
	}
}

// String returns the config with secret fields redacted
func (c *Config) String() string {
	var sb strings.Builder
	writeRedacted(&sb, reflect.ValueOf(*c))
	return sb.String()
}

func writeRedacted(sb *strings.Builder, v reflect.Value) {
	t := v.Type()
	sb.WriteString(t.Name() + "{")
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(field.Name + ": ")
		fv := v.Field(i)
		switch {
		case field.Tag.Get("secret") == "true" && !fv.IsZero():
			sb.WriteString("***REDACTED***")
		case fv.Kind() == reflect.Struct:
			writeRedacted(sb, fv)
		default:
			sb.WriteString(fmt.Sprintf("%v", fv.Interface()))
		}
	}
	sb.WriteString("}")
}
