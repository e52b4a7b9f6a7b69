// Package sweeper runs the ledger expiration sweep on a cron schedule.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mihaimyh/creditledger/pkg/ledger"
)

// ErrAlreadyRunning is returned by RunOnce while another sweep is in progress
var ErrAlreadyRunning = errors.New("sweep already running")

// Expirer is the part of ledger.Engine the sweeper drives
type Expirer interface {
	ExpireSweep(ctx context.Context) (*ledger.SweepResult, error)
}

// Config holds sweeper configuration
type Config struct {
	// Schedule is a cron spec or descriptor (default: "@every 1h")
	Schedule string

	// Timeout bounds a single sweep (default: 10m)
	Timeout time.Duration

	Logger  ledger.Logger
	Metrics ledger.Metrics
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Schedule: "@every 1h",
		Timeout:  10 * time.Minute,
	}
}

// Sweeper periodically expires lapsed credit entries. Runs never overlap:
// a tick that fires while a sweep is still going is skipped.
type Sweeper struct {
	expirer  Expirer
	config   Config
	schedule cron.Schedule
	running  sync.Mutex
}

// New validates the schedule and returns a Sweeper
func New(expirer Expirer, config Config) (*Sweeper, error) {
	if expirer == nil {
		return nil, fmt.Errorf("expirer is required")
	}
	defaults := DefaultConfig()
	if config.Schedule == "" {
		config.Schedule = defaults.Schedule
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.Logger == nil {
		config.Logger = &ledger.NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &ledger.NoopMetrics{}
	}

	schedule, err := cron.ParseStandard(config.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid sweeper schedule %q: %w", config.Schedule, err)
	}
	return &Sweeper{expirer: expirer, config: config, schedule: schedule}, nil
}

// RunOnce performs a single sweep
func (s *Sweeper) RunOnce(ctx context.Context) (*ledger.SweepResult, error) {
	if !s.running.TryLock() {
		return nil, ErrAlreadyRunning
	}
	defer s.running.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	start := time.Now()
	res, err := s.expirer.ExpireSweep(ctx)
	elapsed := time.Since(start)
	s.config.Metrics.RecordOperation("scheduled_sweep", elapsed, err)
	if err != nil {
		s.config.Logger.Error("Expiration sweep failed",
			ledger.Field{Key: "error", Value: err},
			ledger.Field{Key: "duration", Value: elapsed})
		return res, err
	}

	level := s.config.Logger.Debug
	if res.ExpiredEntries > 0 || res.Failed > 0 {
		level = s.config.Logger.Info
	}
	level("Expiration sweep finished",
		ledger.Field{Key: "expiredEntries", Value: res.ExpiredEntries},
		ledger.Field{Key: "totalExpired", Value: res.TotalExpired},
		ledger.Field{Key: "failed", Value: res.Failed},
		ledger.Field{Key: "duration", Value: elapsed})
	return res, nil
}

// Start runs sweeps on the schedule until ctx is cancelled, then waits for
// an in-flight sweep to finish.
func (s *Sweeper) Start(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.Recover(cronLogger{s.config.Logger})))
	c.Schedule(s.schedule, cron.FuncJob(func() {
		if _, err := s.RunOnce(ctx); errors.Is(err, ErrAlreadyRunning) {
			s.config.Logger.Warn("Skipping expiration sweep, previous run still in progress")
		}
	}))

	s.config.Logger.Info("Expiration sweeper started", ledger.Field{Key: "schedule", Value: s.config.Schedule})
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	s.config.Logger.Info("Expiration sweeper stopped")
	return nil
}

// cronLogger adapts ledger.Logger to cron.Logger
type cronLogger struct {
	logger ledger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, fields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(fields(keysAndValues), ledger.Field{Key: "error", Value: err})...)
}

func fields(keysAndValues []interface{}) []ledger.Field {
	out := make([]ledger.Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		out = append(out, ledger.Field{Key: fmt.Sprint(keysAndValues[i]), Value: keysAndValues[i+1]})
	}
	return out
}
