package job

import (
	"context"
	"log/slog"
	"time"

	"circlefund/internal/config"
	"circlefund/internal/service"
)

// PenaltyAccruer is the part of the disbursement tracker the job drives.
type PenaltyAccruer interface {
	AccruePenalties(ctx context.Context, now time.Time) (*service.AccrualReport, error)
}

// PenaltyAccrualJob periodically charges overdue installments. Accrual is
// safe to repeat within a cycle, so several instances may run it.
type PenaltyAccrualJob struct {
	accruer  PenaltyAccruer
	stopCh   chan struct{}
	interval time.Duration
	now      func() time.Time
}

func NewPenaltyAccrualJob(accruer PenaltyAccruer, cfg *config.Config) *PenaltyAccrualJob {
	interval := time.Duration(cfg.Business.PenaltyScanIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Hour
	}
	return &PenaltyAccrualJob{
		accruer:  accruer,
		stopCh:   make(chan struct{}),
		interval: interval,
		now:      time.Now,
	}
}

func (j *PenaltyAccrualJob) Start(ctx context.Context) {
	slog.Info("penalty accrual job started", "interval", j.interval)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("penalty accrual job exiting", "reason", ctx.Err())
			return
		case <-j.stopCh:
			slog.Info("penalty accrual job stopped")
			return
		case <-ticker.C:
			j.accrue(ctx)
		}
	}
}

func (j *PenaltyAccrualJob) Stop() {
	close(j.stopCh)
}

func (j *PenaltyAccrualJob) accrue(ctx context.Context) {
	report, err := j.accruer.AccruePenalties(ctx, j.now())
	if err != nil {
		slog.ErrorContext(ctx, "penalty accrual failed", "error", err)
		return
	}
	if report.Scanned > 0 {
		slog.InfoContext(ctx, "penalty accrual pass",
			"scanned", report.Scanned, "penalized", report.Penalized, "defaulted", report.Defaulted)
	}
}
