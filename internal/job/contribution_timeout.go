package job

import (
	"context"
	"log/slog"
	"time"

	"circlefund/internal/config"
)

// StaleContributionExpirer fails PENDING contributions created before a cutoff.
type StaleContributionExpirer interface {
	ExpireStalePending(ctx context.Context, before time.Time, limit int) (int, error)
}

// ContributionTimeoutJob fails contributions whose gateway confirmation never
// arrived within business.contribution_timeout_minutes.
type ContributionTimeoutJob struct {
	expirer   StaleContributionExpirer
	stopCh    chan struct{}
	interval  time.Duration
	timeout   time.Duration
	batchSize int
	now       func() time.Time
}

func NewContributionTimeoutJob(expirer StaleContributionExpirer, cfg *config.Config) *ContributionTimeoutJob {
	timeout := time.Duration(cfg.Business.ContributionTimeoutMinutes) * time.Minute
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &ContributionTimeoutJob{
		expirer:   expirer,
		stopCh:    make(chan struct{}),
		interval:  30 * time.Second,
		timeout:   timeout,
		batchSize: 100,
		now:       time.Now,
	}
}

func (j *ContributionTimeoutJob) Start(ctx context.Context) {
	slog.Info("contribution timeout job started", "timeout", j.timeout)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("contribution timeout job exiting", "reason", ctx.Err())
			return
		case <-j.stopCh:
			slog.Info("contribution timeout job stopped")
			return
		case <-ticker.C:
			j.expireStale(ctx)
		}
	}
}

func (j *ContributionTimeoutJob) Stop() {
	close(j.stopCh)
}

func (j *ContributionTimeoutJob) expireStale(ctx context.Context) {
	cutoff := j.now().Add(-j.timeout)
	expired, err := j.expirer.ExpireStalePending(ctx, cutoff, j.batchSize)
	if err != nil {
		slog.ErrorContext(ctx, "expire stale contributions", "error", err)
		return
	}
	if expired > 0 {
		slog.InfoContext(ctx, "stale contributions expired", "count", expired, "cutoff", cutoff)
	}
}
