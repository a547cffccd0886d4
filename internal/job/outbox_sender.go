package job

import (
	"context"
	"log/slog"
	"time"

	"circlefund/internal/config"
	"circlefund/internal/infrastructure/mq"
	"circlefund/internal/model"
	"circlefund/internal/repository"

	"gorm.io/gorm"
)

// OutboxSender relays PENDING outbox messages to Kafka. A message that keeps
// failing is parked as FAILED after business.max_retry_count attempts.
type OutboxSender struct {
	outboxRepo *repository.OutboxRepository
	publisher  mq.Publisher
	cfg        *config.Config
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
}

func NewOutboxSender(db *gorm.DB, publisher mq.Publisher, cfg *config.Config) *OutboxSender {
	return &OutboxSender{
		outboxRepo: repository.NewOutboxRepository(db),
		publisher:  publisher,
		cfg:        cfg,
		stopCh:     make(chan struct{}),
		interval:   100 * time.Millisecond,
		batchSize:  100,
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	slog.Info("outbox sender started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("outbox sender exiting", "reason", ctx.Err())
			return
		case <-s.stopCh:
			slog.Info("outbox sender stopped")
			return
		case <-ticker.C:
			s.processPendingMessages(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

func (s *OutboxSender) processPendingMessages(ctx context.Context) {
	messages, err := s.outboxRepo.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		slog.ErrorContext(ctx, "load pending outbox messages", "error", err)
		return
	}

	for _, msg := range messages {
		s.sendMessage(ctx, msg)
	}
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) {
	err := s.publisher.Publish(msg.Topic, msg.MessageKey, msg.Payload)
	if err == nil {
		if err := s.outboxRepo.MarkSent(ctx, msg.ID); err != nil {
			slog.ErrorContext(ctx, "mark outbox message sent", "id", msg.ID, "error", err)
			return
		}
		slog.DebugContext(ctx, "outbox message sent",
			"id", msg.ID, "topic", msg.Topic, "event", msg.EventType, "key", msg.MessageKey)
		return
	}

	slog.WarnContext(ctx, "publish outbox message", "id", msg.ID, "event", msg.EventType, "error", err)

	if err := s.outboxRepo.IncrementRetryCount(ctx, msg.ID); err != nil {
		slog.ErrorContext(ctx, "increment outbox retry count", "id", msg.ID, "error", err)
	}

	if msg.RetryCount+1 >= s.cfg.Business.MaxRetryCount {
		if err := s.outboxRepo.MarkAsFailed(ctx, msg.ID); err != nil {
			slog.ErrorContext(ctx, "mark outbox message failed", "id", msg.ID, "error", err)
			return
		}
		slog.ErrorContext(ctx, "outbox message gave up after max retries",
			"id", msg.ID, "event", msg.EventType, "retries", msg.RetryCount+1)
	}
}
