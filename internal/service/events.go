package service

import (
	"context"
	"fmt"
	"time"

	"circlefund/internal/config"
	"circlefund/internal/repository"

	"gorm.io/gorm"
)

const (
	EventProposalCreated             = "proposal.created"
	EventProposalResolved            = "proposal.resolved"
	EventProposalDisbursed           = "proposal.disbursed"
	EventProposalRejectedAtExecution = "proposal.rejected_at_execution"
	EventLoanClosed                  = "loan.closed"
	EventLoanDefaulted               = "loan.defaulted"
	EventContributionCompleted       = "contribution.completed"
)

// ProposalEvent is the body of every proposal.* and loan.* message.
type ProposalEvent struct {
	EventType  string    `json:"event_type"`
	ProposalNo string    `json:"proposal_no"`
	CircleID   int64     `json:"circle_id"`
	Kind       string    `json:"kind"`
	Amount     int64     `json:"amount"`
	Status     string    `json:"status"`
	OccurredAt time.Time `json:"occurred_at"`
}

// LedgerEvent is the body of contribution.* messages.
type LedgerEvent struct {
	EventType  string    `json:"event_type"`
	ReceiptNo  string    `json:"receipt_no"`
	CircleID   int64     `json:"circle_id"`
	Kind       string    `json:"kind"`
	Amount     int64     `json:"amount"`
	OccurredAt time.Time `json:"occurred_at"`
}

// eventWriter appends domain events to the outbox inside the caller's transaction.
type eventWriter struct {
	outbox *repository.OutboxRepository
	topics config.KafkaTopicConfig
}

func (w *eventWriter) proposal(ctx context.Context, tx *gorm.DB, eventType string, p ProposalEvent) error {
	p.EventType = eventType
	p.OccurredAt = time.Now().UTC()
	if err := w.outbox.Append(ctx, tx, w.topics.ProposalEvents, p.ProposalNo, eventType, p); err != nil {
		return fmt.Errorf("append %s: %w", eventType, err)
	}
	return nil
}

func (w *eventWriter) ledger(ctx context.Context, tx *gorm.DB, eventType string, e LedgerEvent) error {
	e.EventType = eventType
	e.OccurredAt = time.Now().UTC()
	if err := w.outbox.Append(ctx, tx, w.topics.LedgerEvents, e.ReceiptNo, eventType, e); err != nil {
		return fmt.Errorf("append %s: %w", eventType, err)
	}
	return nil
}
