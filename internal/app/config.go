package app

import (
	"net/http"
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"

	"github.com/xenking/digigoods-checkout/pkg/httpmiddleware"
)

const defaultAddr = "0.0.0.0:8080"

// minSecretLen is the HS256 key size.
const minSecretLen = 32

// Config holds the complete application configuration, loadable from
// environment variables (CHECKOUT_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL string `usage:"PostgreSQL connection URL (CHECKOUT_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	Auth        AuthConfig
	Checkout    CheckoutConfig
	Kafka       KafkaConfig
	Outbox      OutboxConfig
	LoginLimit  LoginLimitConfig
	Graceful    GracefulConfig
}

// AuthConfig controls bearer token issuance.
type AuthConfig struct {
	Secret   string        `usage:"HMAC secret for signing tokens, at least 32 bytes" flag:"auth-secret"`
	TokenTTL time.Duration `default:"24h" usage:"Lifetime of issued tokens" flag:"token-ttl"`
}

// CheckoutConfig controls order placement.
type CheckoutConfig struct {
	Timezone   string        `default:"UTC" usage:"Zone whose calendar date decides discount validity"`
	TxAttempts int           `default:"3" usage:"Attempts for a checkout transaction hitting a serialization failure or deadlock"`
	TxBackoff  time.Duration `default:"20ms" usage:"Backoff step between transaction attempts"`
	TxTimeout  time.Duration `default:"10s" usage:"Upper bound for one checkout transaction"`
}

// KafkaConfig enables publishing of order events. The relay is disabled
// when no brokers are set.
type KafkaConfig struct {
	Brokers []string `usage:"Kafka bootstrap brokers"`
	Topic   string   `default:"order.created" usage:"Topic for order events"`
}

// OutboxConfig controls the outbox relay.
type OutboxConfig struct {
	Interval  time.Duration `default:"1s" usage:"Poll interval of the outbox relay"`
	BatchSize int           `default:"100" usage:"Events published per poll"`
}

// LoginLimitConfig throttles POST /auth/login per client IP.
type LoginLimitConfig struct {
	Rate  float64 `default:"1" usage:"Sustained login attempts per second"`
	Burst int     `default:"10" usage:"Login attempts allowed in a burst"`
	// TrustedProxies lists reverse proxies, as CIDRs or addresses, whose
	// X-Forwarded-For header identifies the client. Empty keys on the
	// connection address.
	TrustedProxies []string `usage:"Reverse proxies whose X-Forwarded-For is trusted"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from flags, environment variables and YAML
// config files, then applies platform defaults.
func LoadConfig() (*Config, error) {
	return loadConfig(aconfig.Config{
		EnvPrefix: "CHECKOUT",
		Files:     []string{"config.yaml", "/etc/checkout/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
}

func loadConfig(ac aconfig.Config) (*Config, error) {
	var cfg Config
	if err := aconfig.LoaderFor(&cfg, ac).Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database URL is required: set CHECKOUT_DATABASE_URL or DATABASE_URL")
	}
	if len(c.Auth.Secret) < minSecretLen {
		return errors.Errorf("auth secret must be at least %d bytes: set CHECKOUT_AUTH_SECRET", minSecretLen)
	}
	if _, err := c.Checkout.Location(); err != nil {
		return err
	}
	if c.Checkout.TxAttempts < 1 {
		return errors.New("checkout tx attempts must be positive")
	}
	if _, err := c.LoginLimit.KeyFunc(); err != nil {
		return errors.Wrap(err, "login limit trusted proxies")
	}
	if c.Outbox.Interval <= 0 {
		return errors.New("outbox interval must be positive")
	}
	if c.Outbox.BatchSize < 1 {
		return errors.New("outbox batch size must be positive")
	}
	return nil
}

// Location resolves Timezone.
func (c CheckoutConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, errors.Wrapf(err, "load timezone %q", c.Timezone)
	}
	return loc, nil
}

// KeyFunc returns the client key for the login rate limiter.
func (c LoginLimitConfig) KeyFunc() (func(*http.Request) string, error) {
	proxies, err := httpmiddleware.ParseProxies(c.TrustedProxies)
	if err != nil {
		return nil, err
	}
	if len(proxies) == 0 {
		return httpmiddleware.ClientIP, nil
	}
	return httpmiddleware.ForwardedClientIP(proxies), nil
}

// applyPlatformDefaults maps platform-provided DATABASE_URL and PORT onto
// the CHECKOUT_ configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == defaultAddr {
		c.Addr = "0.0.0.0:" + port
	}
}
