package main

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/mihaimyh/creditledger/pkg/billing"
)

// Storage drivers
const (
	DriverMemory    = "memory"
	DriverPostgres  = "postgres"
	DriverRedis     = "redis"
	DriverFirestore = "firestore"
)

// Config is the binary's configuration
type Config struct {
	HTTP struct {
		Addr            string        `mapstructure:"addr"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"http"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	Storage struct {
		Driver string `mapstructure:"driver"`
	} `mapstructure:"storage"`

	Postgres struct {
		DSN         string `mapstructure:"dsn"`
		MaxConns    int32  `mapstructure:"max_conns"`
		AutoMigrate bool   `mapstructure:"auto_migrate"`
	} `mapstructure:"postgres"`

	Redis struct {
		Addr      string `mapstructure:"addr"`
		Password  string `mapstructure:"password"`
		DB        int    `mapstructure:"db"`
		KeyPrefix string `mapstructure:"key_prefix"`
	} `mapstructure:"redis"`

	Firestore struct {
		ProjectID string `mapstructure:"project_id"`
	} `mapstructure:"firestore"`

	Stripe struct {
		APIKey        string `mapstructure:"api_key"`
		WebhookSecret string `mapstructure:"webhook_secret"`
	} `mapstructure:"stripe"`

	Sweeper struct {
		Schedule string        `mapstructure:"schedule"`
		Timeout  time.Duration `mapstructure:"timeout"`
		Enabled  bool          `mapstructure:"enabled"`
	} `mapstructure:"sweeper"`

	Metrics struct {
		Namespace string `mapstructure:"namespace"`
	} `mapstructure:"metrics"`

	Catalog struct {
		Plans    []billing.Plan    `mapstructure:"plans"`
		Packages []billing.Package `mapstructure:"packages"`
	} `mapstructure:"catalog"`

	// Memberships is org -> user -> role for the built-in authorizer
	Memberships map[string]map[string]string `mapstructure:"memberships"`
}

// setDefaults registers every key so AutomaticEnv can override it on Unmarshal
func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 15*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("storage.driver", DriverMemory)
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.max_conns", 10)
	v.SetDefault("postgres.auto_migrate", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "creditledger:")
	v.SetDefault("firestore.project_id", "")
	v.SetDefault("stripe.api_key", "")
	v.SetDefault("stripe.webhook_secret", "")
	v.SetDefault("sweeper.schedule", "@every 1h")
	v.SetDefault("sweeper.timeout", 10*time.Minute)
	v.SetDefault("sweeper.enabled", true)
	v.SetDefault("metrics.namespace", "creditledger")
}

// LoadConfig reads .env, then the optional config file, then CREDITLEDGER_*
// environment variables, in increasing precedence
func LoadConfig(file string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("CREDITLEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks driver-specific requirements
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Postgres.DSN == "" {
			return fmt.Errorf("postgres.dsn is required for the postgres driver")
		}
	case DriverRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required for the redis driver")
		}
	case DriverFirestore:
		if c.Firestore.ProjectID == "" {
			return fmt.Errorf("firestore.project_id is required for the firestore driver")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	for org, users := range c.Memberships {
		for user, role := range users {
			if _, err := billing.ParseRole(role); err != nil {
				return fmt.Errorf("memberships.%s.%s: %w", org, user, err)
			}
		}
	}
	return nil
}

// BuildCatalog returns the configured catalog, or the built-in one
func (c *Config) BuildCatalog() billing.Catalog {
	if len(c.Catalog.Plans) == 0 && len(c.Catalog.Packages) == 0 {
		return billing.DefaultCatalog()
	}
	plans := c.Catalog.Plans
	if len(plans) == 0 {
		plans = billing.DefaultPlans()
	}
	packages := c.Catalog.Packages
	if len(packages) == 0 {
		packages = billing.DefaultPackages()
	}
	return billing.NewStaticCatalog(plans, packages)
}

// BuildMemberships returns the static authorizer table
func (c *Config) BuildMemberships() *billing.StaticMemberships {
	table := make(map[string]map[string]billing.Role, len(c.Memberships))
	for org, users := range c.Memberships {
		table[org] = make(map[string]billing.Role, len(users))
		for user, role := range users {
			r, _ := billing.ParseRole(role)
			table[org][user] = r
		}
	}
	return billing.NewStaticMemberships(table)
}
