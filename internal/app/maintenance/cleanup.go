package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/nestaid/nestaid-server/internal/models"
	"github.com/nestaid/nestaid-server/internal/services"
	"github.com/nestaid/nestaid-server/pkg/logger"
)

const (
	defaultHistoryRetentionDays = 90
	defaultExpirySpec           = "@every 10m"
	defaultHistorySpec          = "@daily"
)

// Cleaner coordinates background maintenance tasks: expiring overdue
// invitations and pruning finished batch history. Token touches also expire
// invitations inline, so the sweep interval only bounds how stale the stored
// status of an untouched invitation can get.
type Cleaner struct {
	db          *gorm.DB
	invitations *services.InvitationService
	cron        *cron.Cron
	now         func() time.Time
	log         *zap.Logger
	enabled     bool
	retention   int

	expirySchedule  string
	historySchedule string
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

// WithNow overrides the clock used for scheduling and cleanup comparisons.
func WithNow(now func() time.Time) Option {
	return func(cleaner *Cleaner) {
		if now != nil {
			cleaner.now = now
		}
	}
}

// WithHistoryRetentionDays adjusts how long finished import batches, sync
// sessions and invitation batches are retained.
func WithHistoryRetentionDays(days int) Option {
	return func(cleaner *Cleaner) {
		if days > 0 {
			cleaner.retention = days
		}
	}
}

// WithExpirySchedule overrides the cron specification for the invitation expiry sweep.
func WithExpirySchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.expirySchedule = spec
		}
	}
}

// WithHistorySchedule overrides the cron specification for history pruning.
func WithHistorySchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.historySchedule = spec
		}
	}
}

// NewCleaner constructs a Cleaner with sensible defaults. Any nil dependency
// results in the corresponding job being skipped.
func NewCleaner(db *gorm.DB, invitations *services.InvitationService, opts ...Option) *Cleaner {
	cleaner := &Cleaner{
		db:              db,
		invitations:     invitations,
		now:             time.Now,
		retention:       defaultHistoryRetentionDays,
		expirySchedule:  defaultExpirySpec,
		historySchedule: defaultHistorySpec,
		log:             logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(cleaner)
	}

	if cleaner.cron == nil {
		cleaner.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	cleaner.enabled = cleaner.invitations != nil || cleaner.db != nil

	return cleaner
}

// Start registers jobs with the cron scheduler and launches it if at least one job is enabled.
func (c *Cleaner) Start() error {
	if !c.enabled {
		return nil
	}

	if c.invitations != nil {
		if _, err := c.cron.AddFunc(c.expirySchedule, func() {
			ctx := context.Background()
			if _, err := c.invitations.ExpireDue(ctx, c.now()); err != nil {
				c.log.Warn("invitation expiry sweep failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	if c.db != nil && c.retention > 0 {
		if _, err := c.cron.AddFunc(c.historySchedule, func() {
			ctx := context.Background()
			cutoff := c.now().AddDate(0, 0, -c.retention)
			if _, err := PruneHistory(ctx, c.db, cutoff); err != nil {
				c.log.Warn("batch history pruning failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	c.cron.Start()
	return nil
}

// Stop halts the underlying scheduler, waiting for any running jobs to complete.
func (c *Cleaner) Stop() context.Context {
	if c.cron == nil {
		return context.Background()
	}
	return c.cron.Stop()
}

// RunOnce executes all configured maintenance routines sequentially. Primarily
// used in tests and during graceful shutdown.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error

	if c.invitations != nil {
		if _, err := c.invitations.ExpireDue(ctx, c.now()); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if c.db != nil && c.retention > 0 {
		cutoff := c.now().AddDate(0, 0, -c.retention)
		if _, err := PruneHistory(ctx, c.db, cutoff); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	return errs
}

// HistoryStats captures the number of records removed per table.
type HistoryStats struct {
	ImportBatches     int64
	SyncSessions      int64
	InvitationBatches int64
}

// Total returns the combined number of pruned records.
func (s HistoryStats) Total() int64 {
	return s.ImportBatches + s.SyncSessions + s.InvitationBatches
}

// PruneHistory removes finished batch records that completed before the cutoff.
// Batches still pending or processing are always kept.
func PruneHistory(ctx context.Context, db *gorm.DB, cutoff time.Time) (HistoryStats, error) {
	if db == nil {
		return HistoryStats{}, errors.New("prune history: db is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	stats := HistoryStats{}

	if result := db.WithContext(ctx).
		Where("completed_at IS NOT NULL AND completed_at < ?", cutoff).
		Delete(&models.ImportBatch{}); result.Error != nil {
		return stats, fmt.Errorf("prune history: import batches: %w", result.Error)
	} else {
		stats.ImportBatches = result.RowsAffected
	}

	if result := db.WithContext(ctx).
		Where("completed_at IS NOT NULL AND completed_at < ?", cutoff).
		Delete(&models.SyncSession{}); result.Error != nil {
		return stats, fmt.Errorf("prune history: sync sessions: %w", result.Error)
	} else {
		stats.SyncSessions = result.RowsAffected
	}

	if result := db.WithContext(ctx).
		Where("completed_at IS NOT NULL AND completed_at < ?", cutoff).
		Delete(&models.InvitationBatch{}); result.Error != nil {
		return stats, fmt.Errorf("prune history: invitation batches: %w", result.Error)
	} else {
		stats.InvitationBatches = result.RowsAffected
	}

	return stats, nil
}
