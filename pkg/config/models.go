package config

import "time"

type Config struct {
	Server      ServerConfig
	Transport   TransportConfig
	Auth        AuthConfig
	Station     StationConfig
	Hoppie      HoppieConfig
	Store       StoreConfig
	Maintenance MaintenanceConfig
	RateLimit   RateLimitConfig `mapstructure:"ratelimit"`
	Log         LogConfig
}

type ServerConfig struct {
	Address       string
	MaxConnsPerIP int `mapstructure:"maxConnsPerIP"`
	// OriginPatterns are passed to the websocket handshake; empty means
	// same-origin only.
	OriginPatterns  []string      `mapstructure:"originPatterns"`
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
	// TrustProxy takes the client address from X-Forwarded-For.
	TrustProxy bool `mapstructure:"trustProxy"`
}

type TransportConfig struct {
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
	PingInterval time.Duration `mapstructure:"pingInterval"`
	ReadLimit    int64         `mapstructure:"readLimit"`
	SendBuffer   int           `mapstructure:"sendBuffer"`
}

type AuthConfig struct {
	// Deadline is how long a new connection may stay unauthenticated.
	Deadline          time.Duration `mapstructure:"deadline"`
	CloseUnauthorized bool          `mapstructure:"closeUnauthorized"`
	JWTSecret         string        `mapstructure:"jwtSecret"`
	SessionTTL        time.Duration `mapstructure:"sessionTTL"`
}

const (
	MailboxAdopt  = "adopt"
	MailboxStrict = "strict"
)

type StationConfig struct {
	MailboxPolicy     string        `mapstructure:"mailboxPolicy"`
	CleanupGrace      time.Duration `mapstructure:"cleanupGrace"`
	CleanupRetries    int           `mapstructure:"cleanupRetries"`
	CleanupRetryDelay time.Duration `mapstructure:"cleanupRetryDelay"`
}

type HoppieConfig struct {
	Enabled       bool
	URL           string        `mapstructure:"url"`
	Timeout       time.Duration `mapstructure:"timeout"`
	CycleInterval time.Duration `mapstructure:"cycleInterval"`
	JitterMin     time.Duration `mapstructure:"jitterMin"`
	JitterMax     time.Duration `mapstructure:"jitterMax"`
}

const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

type StoreConfig struct {
	Driver   string
	Path     string
	PoolSize int `mapstructure:"poolSize"`
}

type MaintenanceConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	MessageRetention time.Duration `mapstructure:"messageRetention"`
	MailboxIdle      time.Duration `mapstructure:"mailboxIdle"`
}

type RateLimitConfig struct {
	// PerSecond is the sustained frame rate per connection; zero disables
	// the limiter.
	PerSecond float64 `mapstructure:"perSecond"`
	Burst     int     `mapstructure:"burst"`
}

type LogConfig struct {
	Level  string
	Format string
}
