package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config captures the runtime configuration for the skill service.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Compass       CompassConfig       `mapstructure:"compass"`
	Vectorise     VectoriseConfig     `mapstructure:"vectorise"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Gate          GateConfig          `mapstructure:"gate"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Health        HealthConfig        `mapstructure:"health"`
	Log           LogConfig           `mapstructure:"log"`
}

type ServerConfig struct {
	ListenAddr            string        `mapstructure:"listen_addr"`
	Route                 string        `mapstructure:"route"`
	BodyLimitMB           int           `mapstructure:"body_limit_mb"`
	ReadTimeout           time.Duration `mapstructure:"read_timeout"`
	WriteTimeout          time.Duration `mapstructure:"write_timeout"`
	GracefulShutdownDelay time.Duration `mapstructure:"graceful_shutdown_delay"`
}

// CompassConfig identifies the Azure OpenAI compatible embedding deployment.
type CompassConfig struct {
	APIKey         string        `mapstructure:"api_key"`
	Endpoint       string        `mapstructure:"endpoint"`
	APIVersion     string        `mapstructure:"api_version"`
	EmbeddingModel string        `mapstructure:"embedding_model"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type VectoriseConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffBase    int           `mapstructure:"backoff_base"`
	BackoffUnit    time.Duration `mapstructure:"backoff_unit"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// GateConfig limits provider calls across every replica sharing Redis.
type GateConfig struct {
	Key               string `mapstructure:"key"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute"`
	ParallelRequests  int    `mapstructure:"parallel_requests"`
}

type ObservabilityConfig struct {
	OTLPEndpoint  string `mapstructure:"otlp_endpoint"`
	EnableOTLP    bool   `mapstructure:"enable_otlp"`
	EnableMetrics bool   `mapstructure:"enable_metrics"`
}

type HealthConfig struct {
	CheckInterval time.Duration `mapstructure:"check_interval"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Options controls the config loader behavior.
type Options struct {
	ConfigFile string
	EnvFile    string
}

// legacyEnv maps keys to the variable names used by the original function app deployment.
var legacyEnv = map[string]string{
	"compass.api_key":         "COMPASS_API_KEY",
	"compass.endpoint":        "COMPASS_ENDPOINT",
	"compass.api_version":     "COMPASS_API_VERSION",
	"compass.embedding_model": "COMPASS_EMBEDDING_MODEL",
}

// Load returns the merged configuration sourced from YAML and environment variables.
func Load(opts Options) (*Config, error) {
	if opts.EnvFile != "" {
		_ = godotenv.Load(opts.EnvFile)
	} else {
		_ = godotenv.Load()
	}

	v := viper.New()
	setDefaults(v)

	explicitFile := false
	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		explicitFile = true
	} else {
		if cfg := os.Getenv("SKILL_CONFIG_FILE"); cfg != "" {
			v.SetConfigFile(cfg)
			explicitFile = true
		}
	}

	if !explicitFile {
		v.SetConfigName("skill")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("SKILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		if err := v.BindEnv(key, "SKILL_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(timeStringToDurationHook())); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate ensures required values are set.
func (c *Config) Validate() error {
	var missing []string

	if strings.TrimSpace(c.Compass.APIKey) == "" {
		missing = append(missing, "COMPASS_API_KEY")
	}
	if strings.TrimSpace(c.Compass.Endpoint) == "" {
		missing = append(missing, "COMPASS_ENDPOINT")
	}
	if strings.TrimSpace(c.Compass.APIVersion) == "" {
		missing = append(missing, "COMPASS_API_VERSION")
	}
	if strings.TrimSpace(c.Compass.EmbeddingModel) == "" {
		missing = append(missing, "COMPASS_EMBEDDING_MODEL")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	if err := c.Server.validate(); err != nil {
		return err
	}
	if err := c.Vectorise.validate(); err != nil {
		return err
	}
	if c.Compass.RequestTimeout < 0 {
		return fmt.Errorf("compass.request_timeout must be >= 0")
	}
	if c.Redis.PoolSize < 0 {
		return fmt.Errorf("redis.pool_size must be >= 0")
	}
	if c.Gate.RequestsPerMinute < 0 || c.Gate.ParallelRequests < 0 {
		return fmt.Errorf("gate limits must be >= 0")
	}
	if strings.TrimSpace(c.Gate.Key) == "" {
		c.Gate.Key = "compass"
	}

	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "", "info":
		c.Log.Level = "info"
	case "debug", "warn", "error":
		c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}

	return nil
}

func (s *ServerConfig) validate() error {
	if s.BodyLimitMB <= 0 {
		return fmt.Errorf("server.body_limit_mb must be > 0")
	}
	route := strings.TrimSpace(s.Route)
	if route == "" {
		route = "/ai_search_2_compass"
	}
	if !strings.HasPrefix(route, "/") {
		route = "/" + route
	}
	s.Route = route
	return nil
}

func (v *VectoriseConfig) validate() error {
	if v.MaxAttempts <= 0 {
		return fmt.Errorf("vectorise.max_attempts must be > 0")
	}
	if v.BackoffBase < 1 {
		return fmt.Errorf("vectorise.backoff_base must be >= 1")
	}
	if v.BackoffUnit < 0 {
		return fmt.Errorf("vectorise.backoff_unit must be >= 0")
	}
	if v.MaxConcurrency < 0 {
		return fmt.Errorf("vectorise.max_concurrency must be >= 0")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.route", "/ai_search_2_compass")
	v.SetDefault("server.body_limit_mb", 16)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "0s")
	v.SetDefault("server.graceful_shutdown_delay", "5s")

	v.SetDefault("compass.request_timeout", "60s")

	v.SetDefault("vectorise.max_attempts", 3)
	v.SetDefault("vectorise.backoff_base", 15)
	v.SetDefault("vectorise.backoff_unit", "1s")
	v.SetDefault("vectorise.max_concurrency", 0)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("gate.key", "compass")
	v.SetDefault("gate.requests_per_minute", 0)
	v.SetDefault("gate.parallel_requests", 0)

	v.SetDefault("observability.enable_otlp", false)
	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.otlp_endpoint", "http://localhost:4317")

	v.SetDefault("health.check_interval", "60s")
	v.SetDefault("health.timeout", "5s")

	v.SetDefault("log.level", "info")
}

func timeStringToDurationHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case time.Duration:
			return v, nil
		case string:
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, err
			}
			return d, nil
		default:
			return nil, fmt.Errorf("cannot decode %T into time.Duration", data)
		}
	}
}
