package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/app/configs")

	viper.SetEnvPrefix("SIM")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Allow common env vars without SIM_ prefix for Docker/VM deploys
	viper.BindEnv("supervision.urls", "SUPERVISION_URLS", "SIM_SUPERVISION_URLS")
	viper.BindEnv("ui_server.port", "UI_SERVER_PORT", "SIM_UI_SERVER_PORT")
	viper.BindEnv("broadcast.nats.url", "NATS_URL", "SIM_BROADCAST_NATS_URL")
	viper.BindEnv("broadcast.amqp.url", "AMQP_URL", "SIM_BROADCAST_AMQP_URL")
	viper.BindEnv("cache.url", "REDIS_URL", "SIM_CACHE_URL")
	viper.BindEnv("app.environment", "SIM_ENVIRONMENT")
	viper.BindEnv("logging.level", "LOG_LEVEL")

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file is fine; env vars and defaults carry the setup.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("app.name", "sigec-sim")
	viper.SetDefault("app.version", "dev")
	viper.SetDefault("app.environment", "development")

	viper.SetDefault("supervision.distribution", "round-robin")
	viper.SetDefault("supervision.reconnect.base_delay", time.Second)
	viper.SetDefault("supervision.reconnect.max_delay", 180*time.Second)
	viper.SetDefault("supervision.reconnect.max_retries", -1)

	viper.SetDefault("ui_server.enabled", true)
	viper.SetDefault("ui_server.host", "0.0.0.0")
	viper.SetDefault("ui_server.port", 8080)
	viper.SetDefault("ui_server.type", UIServerTypeAll)
	viper.SetDefault("ui_server.version", "0.0.1")
	viper.SetDefault("ui_server.auth.type", AuthTypeBasic)
	viper.SetDefault("ui_server.aggregation_timeout", 120*time.Second)
	viper.SetDefault("ui_server.body_limit", 1<<20)

	viper.SetDefault("broadcast.backend", "local")
	viper.SetDefault("cache.backend", "local")

	viper.SetDefault("ocpp.socket_timeout", 60*time.Second)

	viper.SetDefault("prometheus.enabled", true)
	viper.SetDefault("prometheus.path", "/metrics")
	viper.SetDefault("prometheus.port", 9090)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")

	viper.SetDefault("rate_limiting.enabled", true)
	viper.SetDefault("rate_limiting.max_requests", 60)
	viper.SetDefault("rate_limiting.window", 60*time.Second)
}

func validate(cfg *Config) error {
	if len(cfg.Supervision.URLs) == 0 {
		return fmt.Errorf("config: supervision.urls must list at least one endpoint")
	}
	switch cfg.Supervision.Distribution {
	case "round-robin", "random", "charging-station-affinity":
	default:
		return fmt.Errorf("config: unknown supervision.distribution %q", cfg.Supervision.Distribution)
	}
	if len(cfg.Templates) == 0 {
		return fmt.Errorf("config: station_templates must list at least one template")
	}
	for i, t := range cfg.Templates {
		if t.File == "" {
			return fmt.Errorf("config: station_templates[%d] has no file", i)
		}
		if t.NumberOfStations < 0 {
			return fmt.Errorf("config: station_templates[%d] has a negative number_of_stations", i)
		}
	}
	switch cfg.Broadcast.Backend {
	case "local", "nats", "amqp":
	default:
		return fmt.Errorf("config: unknown broadcast.backend %q", cfg.Broadcast.Backend)
	}
	switch cfg.UIServer.Type {
	case "", UIServerTypeWS, UIServerTypeHTTP, UIServerTypeAll:
	default:
		return fmt.Errorf("config: unknown ui_server.type %q", cfg.UIServer.Type)
	}
	switch cfg.UIServer.Auth.Type {
	case "", AuthTypeBasic, AuthTypeProtocolBasic:
	default:
		return fmt.Errorf("config: unknown ui_server.auth.type %q", cfg.UIServer.Auth.Type)
	}
	return nil
}
