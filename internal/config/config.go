// Package config defines all configuration for the chat-service client.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via DSESS_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure.
type Config struct {
	Token   string        `mapstructure:"token"`
	Intents *int64        `mapstructure:"intents"`
	WS      WSConfig      `mapstructure:"ws"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Rest    RestConfig    `mapstructure:"rest"`
	Store   StoreConfig   `mapstructure:"store"`
	Logging LoggingConfig `mapstructure:"logging"`

	WaitGuildTimeout time.Duration `mapstructure:"wait_guild_timeout"`
	CloseTimeout     time.Duration `mapstructure:"close_timeout"`
}

// WSConfig tunes the gateway connection.
type WSConfig struct {
	Gateway          string           `mapstructure:"gateway"` // empty: discovered via GET /gateway/bot
	Version          int              `mapstructure:"version"`
	Encoding         string           `mapstructure:"encoding"`
	Compress         bool             `mapstructure:"compress"`
	ShardCount       int              `mapstructure:"shard_count"`
	UseQosHeartbeat  bool             `mapstructure:"use_qos_heartbeat"`
	Properties       PropertiesConfig `mapstructure:"properties"`
	GatewayScheduler SchedulerConfig  `mapstructure:"gateway_scheduler"`
}

// PropertiesConfig identifies the client build to both surfaces.
type PropertiesConfig struct {
	OS      string `mapstructure:"os"`
	Browser string `mapstructure:"browser"`
	Device  string `mapstructure:"device"`
}

// SchedulerConfig bounds outbound gateway sends: capacity frames per window
// with at most important_burst priority frames in a row.
type SchedulerConfig struct {
	Capacity       int           `mapstructure:"capacity"`
	Window         time.Duration `mapstructure:"window"`
	ImportantBurst int           `mapstructure:"important_burst"`
}

// HTTPConfig holds the REST endpoints and identity headers.
type HTTPConfig struct {
	API            string            `mapstructure:"api"`
	Version        int               `mapstructure:"version"`
	CDN            string            `mapstructure:"cdn"`
	UserAgent      string            `mapstructure:"user_agent"`
	Headers        map[string]string `mapstructure:"headers"`
	Agent          string            `mapstructure:"agent"` // proxy URL
	Locale         string            `mapstructure:"locale"`
	Timezone       string            `mapstructure:"timezone"`
	InstallationID string            `mapstructure:"installation_id"`
}

// RestConfig tunes the request pipeline.
type RestConfig struct {
	GlobalRateLimit               int           `mapstructure:"global_rate_limit"` // requests per second
	RequestTimeout                time.Duration `mapstructure:"request_timeout"`
	TimeOffset                    time.Duration `mapstructure:"time_offset"`
	SweepInterval                 time.Duration `mapstructure:"sweep_interval"`
	RetryLimit                    int           `mapstructure:"retry_limit"`
	InvalidRequestWarningInterval int           `mapstructure:"invalid_request_warning_interval"`
	CaptchaRetryLimit             int           `mapstructure:"captcha_retry_limit"`
	TOTPKey                       string        `mapstructure:"totp_key"`
	RejectOnRateLimit             []string      `mapstructure:"reject_on_rate_limit"` // bucket route prefixes
}

// StoreConfig sets where session cookies are persisted.
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: DSESS_TOKEN, DSESS_TOTP_KEY.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("DSESS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if token := os.Getenv("DSESS_TOKEN"); token != "" {
		cfg.Token = token
	}
	if key := os.Getenv("DSESS_TOTP_KEY"); key != "" {
		cfg.Rest.TOTPKey = key
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ws.version", 9)
	v.SetDefault("ws.encoding", "json")
	v.SetDefault("ws.compress", true)
	v.SetDefault("ws.shard_count", 1)
	v.SetDefault("ws.properties.os", "linux")
	v.SetDefault("ws.properties.browser", "chrome")
	v.SetDefault("ws.properties.device", "")
	v.SetDefault("ws.gateway_scheduler.capacity", 115)
	v.SetDefault("ws.gateway_scheduler.window", time.Minute)
	v.SetDefault("ws.gateway_scheduler.important_burst", 16)
	v.SetDefault("wait_guild_timeout", 15*time.Second)
	v.SetDefault("close_timeout", 5*time.Second)

	v.SetDefault("http.version", 9)
	v.SetDefault("http.user_agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	v.SetDefault("http.locale", "en-US")

	v.SetDefault("rest.global_rate_limit", 50)
	v.SetDefault("rest.request_timeout", 15*time.Second)
	v.SetDefault("rest.sweep_interval", time.Minute)
	v.SetDefault("rest.retry_limit", 3)
	v.SetDefault("rest.invalid_request_warning_interval", 500)
	v.SetDefault("rest.captcha_retry_limit", 3)

	v.SetDefault("store.data_dir", "data")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf("token is required (set DSESS_TOKEN)")
	}
	if c.HTTP.API == "" {
		return fmt.Errorf("http.api is required")
	}
	if c.WS.Encoding != "json" {
		return fmt.Errorf("ws.encoding must be json, got %q", c.WS.Encoding)
	}
	if c.WS.ShardCount <= 0 {
		return fmt.Errorf("ws.shard_count must be > 0")
	}
	if c.WS.GatewayScheduler.Capacity <= 0 {
		return fmt.Errorf("ws.gateway_scheduler.capacity must be > 0")
	}
	if c.WS.GatewayScheduler.Window <= 0 {
		return fmt.Errorf("ws.gateway_scheduler.window must be > 0")
	}
	if c.WS.GatewayScheduler.ImportantBurst <= 0 {
		return fmt.Errorf("ws.gateway_scheduler.important_burst must be > 0")
	}
	if c.Rest.GlobalRateLimit <= 0 {
		return fmt.Errorf("rest.global_rate_limit must be > 0")
	}
	if c.Rest.RetryLimit < 0 {
		return fmt.Errorf("rest.retry_limit must be >= 0")
	}
	return nil
}
