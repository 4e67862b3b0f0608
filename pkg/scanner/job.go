package scanner

import (
	"context"
	"errors"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/redis"
)

const jobLockKey = "duplicate-scan"

// Lease serializes the scheduled scan across replicas.
type Lease interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error
}

// PairPublisher receives the review queue produced by a scheduled scan.
type PairPublisher interface {
	Publish(ctx context.Context, key string, headers map[string]string, value any) error
}

type JobConfig struct {
	Interval time.Duration `json:"interval"`
	// LeaseTTL must outlast one scan.
	LeaseTTL time.Duration `json:"lease_ttl"`
	Query    Query         `json:"query"`
}

// Job runs the scanner on an interval and publishes each pair it finds. Only the replica holding the
// lease scans; the others skip the tick.
type Job struct {
	logger    ectologger.Logger
	scanner   *Scanner
	lease     Lease
	publisher PairPublisher
	config    JobConfig
}

func NewJob(logger ectologger.Logger, scanner *Scanner, lease Lease, publisher PairPublisher, config JobConfig) *Job {
	if config.Interval <= 0 {
		config.Interval = time.Hour
	}
	if config.LeaseTTL <= 0 {
		config.LeaseTTL = config.Interval
	}
	return &Job{logger: logger, scanner: scanner, lease: lease, publisher: publisher, config: config}
}

// Run scans on every tick until ctx is done.
func (j *Job) Run(ctx context.Context) {
	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				j.logger.WithContext(ctx).WithError(err).Error("Scheduled duplicate scan failed")
			}
		}
	}
}

// RunOnce performs a single leased scan. Losing the lease race is not an error.
func (j *Job) RunOnce(ctx context.Context) error {
	scan := func(ctx context.Context) error {
		pairs, err := j.scanner.FindDuplicates(ctx, j.config.Query)
		if err != nil {
			return err
		}
		return j.publish(ctx, pairs)
	}

	var err error
	if j.lease == nil {
		err = scan(ctx)
	} else {
		err = j.lease.WithLock(ctx, jobLockKey, j.config.LeaseTTL, scan)
	}
	if errors.Is(err, redis.ErrLockNotAcquired) {
		j.logger.WithContext(ctx).Debug("Duplicate scan already running elsewhere")
		return nil
	}
	return err
}

func (j *Job) publish(ctx context.Context, pairs []models.DuplicatePair) error {
	if j.publisher == nil {
		return nil
	}
	var errs []error
	for _, p := range pairs {
		headers := map[string]string{
			"entity_type": string(p.EntityType),
			"method":      string(p.Method),
		}
		if err := j.publisher.Publish(ctx, p.EntityA+":"+p.EntityB, headers, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
