package ledger

import (
	"fmt"
	"time"
)

const (
	defaultBonusExpiry      = 90 * 24 * time.Hour
	defaultExpiringSoon     = 30 * 24 * time.Hour
	defaultMaxRetries       = 5
	defaultRetryBackoff     = 10 * time.Millisecond
	defaultSweepBatchSize   = 500
	defaultSweepConcurrency = 4
	defaultPageSize         = 50
	defaultMaxPageSize      = 200
)

// Config holds engine configuration
type Config struct {
	// Pools is the consumption priority (default: DefaultPools)
	Pools []Pool

	// DefaultBonusExpiry is how long bonus credits live when the caller
	// gives no expiry (default: 90 days)
	DefaultBonusExpiry time.Duration

	// ExpiringSoonWindow is the horizon of the "expiring soon" subtotal
	// in breakdowns (default: 30 days)
	ExpiringSoonWindow time.Duration

	// MaxRetries bounds retries on storage write conflicts (default: 5)
	MaxRetries int

	// RetryBackoff is the base delay between conflict retries, grown
	// linearly per attempt (default: 10ms)
	RetryBackoff time.Duration

	// SweepBatchSize is how many lapsed entries a sweep lists at a time (default: 500)
	SweepBatchSize int

	// SweepConcurrency bounds entries expired in parallel (default: 4)
	SweepConcurrency int

	// DefaultPageSize and MaxPageSize bound transaction history pages (default: 50 / 200)
	DefaultPageSize int
	MaxPageSize     int

	// TimeSource overrides the clock, e.g. with storage time (default: local UTC clock)
	TimeSource TimeSource

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Metrics is used for tracking ledger operations (default: NoopMetrics)
	Metrics Metrics
}

// DefaultConfig returns a Config with every default filled in
func DefaultConfig() Config {
	c := Config{}
	c.setDefaults()
	return c
}

func (c *Config) setDefaults() {
	if len(c.Pools) == 0 {
		c.Pools = DefaultPools
	}
	if c.DefaultBonusExpiry == 0 {
		c.DefaultBonusExpiry = defaultBonusExpiry
	}
	if c.ExpiringSoonWindow == 0 {
		c.ExpiringSoonWindow = defaultExpiringSoon
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = defaultRetryBackoff
	}
	if c.SweepBatchSize == 0 {
		c.SweepBatchSize = defaultSweepBatchSize
	}
	if c.SweepConcurrency == 0 {
		c.SweepConcurrency = defaultSweepConcurrency
	}
	if c.DefaultPageSize == 0 {
		c.DefaultPageSize = defaultPageSize
	}
	if c.MaxPageSize == 0 {
		c.MaxPageSize = defaultMaxPageSize
	}
	if c.Logger == nil {
		c.Logger = &NoopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
}

// Validate checks the configuration after defaults are applied
func (c *Config) Validate() error {
	seen := make(map[CreditType]bool, len(c.Pools))
	for _, p := range c.Pools {
		if !p.Type.Valid() {
			return fmt.Errorf("pool %q: %w", p.Type, ErrInvalidCreditType)
		}
		if seen[p.Type] {
			return fmt.Errorf("pool %q listed twice", p.Type)
		}
		seen[p.Type] = true
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative")
	}
	if c.DefaultPageSize > c.MaxPageSize {
		return fmt.Errorf("default page size %d exceeds max page size %d", c.DefaultPageSize, c.MaxPageSize)
	}
	if c.SweepBatchSize < 1 || c.SweepConcurrency < 1 {
		return fmt.Errorf("sweep batch size and concurrency must be positive")
	}
	return nil
}
