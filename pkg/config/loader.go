package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// flagKeys maps command line flags onto configuration keys.
var flagKeys = map[string]string{
	"address":   "server.address",
	"log-level": "log.level",
	"db":        "store.path",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.maxConnsPerIP", 5)
	v.SetDefault("server.shutdownTimeout", "10s")
	v.SetDefault("server.trustProxy", false)

	v.SetDefault("transport.readTimeout", "0s")
	v.SetDefault("transport.writeTimeout", "10s")
	v.SetDefault("transport.pingInterval", "30s")
	v.SetDefault("transport.readLimit", 64<<10)
	v.SetDefault("transport.sendBuffer", 256)

	v.SetDefault("auth.deadline", "5s")
	v.SetDefault("auth.closeUnauthorized", true)
	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.sessionTTL", "1h")

	v.SetDefault("station.mailboxPolicy", MailboxAdopt)
	v.SetDefault("station.cleanupGrace", "2s")
	v.SetDefault("station.cleanupRetries", 3)
	v.SetDefault("station.cleanupRetryDelay", "500ms")

	v.SetDefault("hoppie.enabled", true)
	v.SetDefault("hoppie.url", "https://www.hoppie.nl/acars/system/connect.html")
	v.SetDefault("hoppie.timeout", "15s")
	v.SetDefault("hoppie.cycleInterval", "75s")
	v.SetDefault("hoppie.jitterMin", "45s")
	v.SetDefault("hoppie.jitterMax", "75s")

	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.path", "acars-relay.db")
	v.SetDefault("store.poolSize", 0)

	v.SetDefault("maintenance.interval", "1m")
	v.SetDefault("maintenance.messageRetention", "120m")
	v.SetDefault("maintenance.mailboxIdle", "60m")

	v.SetDefault("ratelimit.perSecond", 10)
	v.SetDefault("ratelimit.burst", 20)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads configuration from defaults, an optional yaml file, ACARS_*
// environment variables and finally any flags that were set explicitly.
// fileName may be a bare name looked up in the working directory or a path.
func Load(logger *slog.Logger, fileName string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	// 1. Set default values
	setDefaults(v)

	// 2. Set config file details
	if strings.ContainsAny(fileName, `/\`) || strings.HasSuffix(fileName, ".yaml") {
		v.SetConfigFile(fileName)
	} else {
		v.SetConfigName(fileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".") // look for config in the working directory
	}

	// 3. Set up environment variable handling
	v.SetEnvPrefix("ACARS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 4. Bind flags
	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("binding flag %s: %w", name, err)
				}
			}
		}
	}

	// 5. Read the configuration file
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			// Config file was found but another error was produced
			return nil, err
		}
		logger.Warn("config file not found, relying on defaults and env vars")
	}

	// 6. Unmarshal the configuration into our struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// minSecretLen is the shortest configured session signing key accepted.
const minSecretLen = 32

func (c *Config) Validate() error {
	var errs []error
	switch c.Station.MailboxPolicy {
	case MailboxAdopt, MailboxStrict:
	default:
		errs = append(errs, fmt.Errorf("station.mailboxPolicy must be %q or %q, got %q", MailboxAdopt, MailboxStrict, c.Station.MailboxPolicy))
	}
	switch c.Store.Driver {
	case DriverSQLite, DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("store.driver must be %q or %q, got %q", DriverSQLite, DriverMemory, c.Store.Driver))
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < minSecretLen {
		errs = append(errs, fmt.Errorf("auth.jwtSecret must be at least %d bytes or empty for a per-process random key", minSecretLen))
	}
	if c.Auth.Deadline <= 0 {
		errs = append(errs, errors.New("auth.deadline must be positive"))
	}
	if c.Hoppie.JitterMin < 0 || c.Hoppie.JitterMax < c.Hoppie.JitterMin {
		errs = append(errs, errors.New("hoppie jitter window must satisfy 0 <= jitterMin <= jitterMax"))
	}
	if c.Hoppie.Enabled && c.Hoppie.CycleInterval <= 0 {
		errs = append(errs, errors.New("hoppie.cycleInterval must be positive"))
	}
	if c.Station.CleanupRetries < 1 {
		errs = append(errs, errors.New("station.cleanupRetries must be at least 1"))
	}
	return errors.Join(errs...)
}
