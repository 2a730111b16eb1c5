package config

import "time"

type Config struct {
	App           AppConfig           `mapstructure:"app"`
	Supervision   SupervisionConfig   `mapstructure:"supervision"`
	Templates     []TemplateConfig    `mapstructure:"station_templates"`
	UIServer      UIServerConfig      `mapstructure:"ui_server"`
	Broadcast     BroadcastConfig     `mapstructure:"broadcast"`
	Cache         CacheConfig         `mapstructure:"cache"`
	OCPP          OCPPConfig          `mapstructure:"ocpp"`
	OpenTelemetry OpenTelemetryConfig `mapstructure:"opentelemetry"`
	Prometheus    PrometheusConfig    `mapstructure:"prometheus"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	RateLimiting  RateLimitingConfig  `mapstructure:"rate_limiting"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

// SupervisionConfig says where the simulated stations connect and how the
// URLs are spread across them.
type SupervisionConfig struct {
	// URLs accepts one or many ws:// endpoints.
	URLs []string `mapstructure:"urls"`
	// Distribution is round-robin, random or charging-station-affinity.
	Distribution string          `mapstructure:"distribution"`
	Auth         SupervisionAuth `mapstructure:"auth"`
	Reconnect    ReconnectConfig `mapstructure:"reconnect"`
}

type SupervisionAuth struct {
	Enabled  bool   `mapstructure:"enabled"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type ReconnectConfig struct {
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// TemplateConfig references one station template file and how many instances
// to derive from it.
type TemplateConfig struct {
	File             string `mapstructure:"file"`
	NumberOfStations int    `mapstructure:"number_of_stations"`
}

// UI server transports.
const (
	UIServerTypeWS   = "ws"
	UIServerTypeHTTP = "http"
	UIServerTypeAll  = "all"
)

// UI authentication types.
const (
	AuthTypeBasic         = "basic-auth"
	AuthTypeProtocolBasic = "protocol-basic-auth"
)

type UIServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	// Type selects the served transport: ws, http, or all for both.
	Type string `mapstructure:"type"`
	// Version is the protocol version segment of the UI paths, e.g. "0.0.1".
	Version string       `mapstructure:"version"`
	Auth    UIServerAuth `mapstructure:"auth"`
	// AggregationTimeout bounds how long an aggregated request waits for
	// station responses.
	AggregationTimeout time.Duration `mapstructure:"aggregation_timeout"`
	BodyLimit          int           `mapstructure:"body_limit"`
}

type UIServerAuth struct {
	Enabled bool `mapstructure:"enabled"`
	// Type is basic-auth (Authorization header) or protocol-basic-auth
	// (credentials carried in the WebSocket subprotocol offer).
	Type     string `mapstructure:"type"`
	Username string `mapstructure:"username"`
	// PasswordHash is a bcrypt hash; Password is the plaintext fallback for
	// development setups.
	Password     string `mapstructure:"password"`
	PasswordHash string `mapstructure:"password_hash"`
}

type BroadcastConfig struct {
	// Backend is local, nats or amqp.
	Backend string     `mapstructure:"backend"`
	NATS    NATSConfig `mapstructure:"nats"`
	AMQP    AMQPConfig `mapstructure:"amqp"`
}

type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type AMQPConfig struct {
	URL string `mapstructure:"url"`
}

type CacheConfig struct {
	// Backend is local or redis.
	Backend string `mapstructure:"backend"`
	URL     string `mapstructure:"url"`
}

type OCPPConfig struct {
	// SocketTimeout is the per-CALL response deadline.
	SocketTimeout time.Duration `mapstructure:"socket_timeout"`
}

type OpenTelemetryConfig struct {
	Enabled     bool         `mapstructure:"enabled"`
	ServiceName string       `mapstructure:"service_name"`
	Jaeger      JaegerConfig `mapstructure:"jaeger"`
}

type JaegerConfig struct {
	Endpoint string `mapstructure:"endpoint"`
}

type PrometheusConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	Port    int    `mapstructure:"port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

type RateLimitingConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MaxRequests int           `mapstructure:"max_requests"`
	Window      time.Duration `mapstructure:"window"`
}
