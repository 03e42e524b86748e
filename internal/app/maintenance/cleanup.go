package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	iauth "github.com/keyfold/keyfold/internal/auth"
	"github.com/keyfold/keyfold/internal/ratelimit"
	"github.com/keyfold/keyfold/internal/services"
	"github.com/keyfold/keyfold/pkg/logger"
)

const (
	defaultAccessLogRetention = 90 * 24 * time.Hour
	defaultCounterIdle        = 24 * time.Hour
	defaultSessionSpec        = "@hourly"
	defaultTokenSpec          = "@daily"
	defaultCounterSpec        = "@hourly"
	defaultAccessLogSpec      = "@daily"
)

// Cleaner coordinates background maintenance: purging expired sessions,
// deleting spent reset tokens, dropping idle rate-limit counters, and
// pruning aged access history.
type Cleaner struct {
	sessions *iauth.SessionService
	resets   *iauth.ResetService
	access   *services.AccessLogService
	counters ratelimit.CounterStore

	cron *cron.Cron
	now  func() time.Time
	log  *zap.Logger

	accessLogRetention time.Duration
	counterIdle        time.Duration

	sessionSchedule   string
	tokenSchedule     string
	counterSchedule   string
	accessLogSchedule string
}

// Option customises the Cleaner.
type Option func(*Cleaner)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(cleaner *Cleaner) {
		if c != nil {
			cleaner.cron = c
		}
	}
}

// WithNow overrides the clock used for cleanup cutoffs.
func WithNow(now func() time.Time) Option {
	return func(cleaner *Cleaner) {
		if now != nil {
			cleaner.now = now
		}
	}
}

// WithAccessLogRetention adjusts how long access history is retained.
func WithAccessLogRetention(d time.Duration) Option {
	return func(cleaner *Cleaner) {
		if d > 0 {
			cleaner.accessLogRetention = d
		}
	}
}

// WithCounterIdle adjusts when an untouched rate-limit counter counts as idle.
func WithCounterIdle(d time.Duration) Option {
	return func(cleaner *Cleaner) {
		if d > 0 {
			cleaner.counterIdle = d
		}
	}
}

// WithSchedules overrides the cron specifications for the four jobs. Empty
// strings keep the defaults.
func WithSchedules(session, token, counter, accessLog string) Option {
	return func(cleaner *Cleaner) {
		if session != "" {
			cleaner.sessionSchedule = session
		}
		if token != "" {
			cleaner.tokenSchedule = token
		}
		if counter != "" {
			cleaner.counterSchedule = counter
		}
		if accessLog != "" {
			cleaner.accessLogSchedule = accessLog
		}
	}
}

// NewCleaner builds a Cleaner with hourly session/counter sweeps and daily
// token/access-log sweeps by default.
func NewCleaner(sessions *iauth.SessionService, resets *iauth.ResetService, access *services.AccessLogService, counters ratelimit.CounterStore, opts ...Option) (*Cleaner, error) {
	switch {
	case sessions == nil:
		return nil, errors.New("maintenance: session service is required")
	case resets == nil:
		return nil, errors.New("maintenance: reset service is required")
	case access == nil:
		return nil, errors.New("maintenance: access log service is required")
	case counters == nil:
		return nil, errors.New("maintenance: counter store is required")
	}

	cleaner := &Cleaner{
		sessions: sessions,
		resets:   resets,
		access:   access,
		counters: counters,
		cron:     cron.New(),
		now:      time.Now,
		log:      logger.WithModule("maintenance"),

		accessLogRetention: defaultAccessLogRetention,
		counterIdle:        defaultCounterIdle,

		sessionSchedule:   defaultSessionSpec,
		tokenSchedule:     defaultTokenSpec,
		counterSchedule:   defaultCounterSpec,
		accessLogSchedule: defaultAccessLogSpec,
	}

	for _, opt := range opts {
		opt(cleaner)
	}

	return cleaner, nil
}

// Start registers the cleanup jobs and begins scheduling.
func (c *Cleaner) Start() error {
	jobs := []struct {
		spec string
		name string
		run  func(context.Context) error
	}{
		{c.sessionSchedule, "sessions", c.cleanSessions},
		{c.tokenSchedule, "reset_tokens", c.cleanResetTokens},
		{c.counterSchedule, "rate_counters", c.cleanCounters},
		{c.accessLogSchedule, "access_logs", c.cleanAccessLogs},
	}

	for _, job := range jobs {
		job := job
		if _, err := c.cron.AddFunc(job.spec, func() {
			if err := job.run(context.Background()); err != nil {
				c.log.Warn("cleanup job failed", zap.String("job", job.name), zap.Error(err))
			}
		}); err != nil {
			return fmt.Errorf("schedule %s cleanup: %w", job.name, err)
		}
	}

	c.cron.Start()
	return nil
}

// Stop halts scheduling and returns a context that is done once in-flight
// jobs have finished.
func (c *Cleaner) Stop() context.Context {
	return c.cron.Stop()
}

// RunOnce executes every cleanup job immediately, collecting all failures.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	return multierr.Combine(
		c.cleanSessions(ctx),
		c.cleanResetTokens(ctx),
		c.cleanCounters(ctx),
		c.cleanAccessLogs(ctx),
	)
}

func (c *Cleaner) cleanSessions(ctx context.Context) error {
	removed, err := c.sessions.CleanupExpired(ctx)
	if err != nil {
		return fmt.Errorf("cleanup sessions: %w", err)
	}
	if removed > 0 {
		c.log.Info("expired sessions removed", zap.Int64("count", removed))
	}
	return nil
}

func (c *Cleaner) cleanResetTokens(ctx context.Context) error {
	removed, err := c.resets.CleanupExpired(ctx)
	if err != nil {
		return fmt.Errorf("cleanup reset tokens: %w", err)
	}
	if removed > 0 {
		c.log.Info("expired reset tokens removed", zap.Int64("count", removed))
	}
	return nil
}

func (c *Cleaner) cleanCounters(ctx context.Context) error {
	cutoff := c.now().Add(-c.counterIdle)
	removed, err := c.counters.DeleteIdleBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("cleanup rate counters: %w", err)
	}
	if removed > 0 {
		c.log.Info("idle rate counters removed", zap.Int64("count", removed))
	}
	return nil
}

func (c *Cleaner) cleanAccessLogs(ctx context.Context) error {
	removed, err := c.access.CleanupOlderThan(ctx, c.accessLogRetention)
	if err != nil {
		return fmt.Errorf("cleanup access logs: %w", err)
	}
	if removed > 0 {
		c.log.Info("aged access logs removed", zap.Int64("count", removed))
	}
	return nil
}
