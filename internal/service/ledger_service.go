package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"circlefund/internal/config"
	"circlefund/internal/infrastructure/lock"
	"circlefund/internal/infrastructure/metrics"
	"circlefund/internal/model"
	"circlefund/internal/repository"
	"circlefund/pkg/idgen"

	"gorm.io/gorm"
)

// LedgerService owns the fund balance of every circle and the contribution
// log it is derived from.
//
// Every balance movement happens in one transaction together with the row
// that justifies it (a completed contribution record or a disbursed proposal)
// and a FundTransaction journal entry, after re-reading the circle row under
// a row lock.
type LedgerService struct {
	db               *gorm.DB
	cfg              *config.Config
	locker           lock.Locker
	metrics          *metrics.Recorder
	circleRepo       *repository.CircleRepository
	memberRepo       *repository.MemberRepository
	contributionRepo *repository.ContributionRepository
	fundRepo         *repository.FundTransactionRepository
	proposalRepo     *repository.ProposalRepository
	events           *eventWriter
}

func NewLedgerService(db *gorm.DB, cfg *config.Config, locker lock.Locker, recorder *metrics.Recorder) *LedgerService {
	if locker == nil {
		locker = lock.NopLocker{}
	}
	return &LedgerService{
		db:               db,
		cfg:              cfg,
		locker:           locker,
		metrics:          recorder,
		circleRepo:       repository.NewCircleRepository(db),
		memberRepo:       repository.NewMemberRepository(db),
		contributionRepo: repository.NewContributionRepository(db),
		fundRepo:         repository.NewFundTransactionRepository(db),
		proposalRepo:     repository.NewProposalRepository(db),
		events:           &eventWriter{outbox: repository.NewOutboxRepository(db), topics: cfg.Kafka.Topic},
	}
}

// RecordContributionRequest is the payment-confirmed event for a contribution
// that was never initiated through this engine.
type RecordContributionRequest struct {
	CircleID    int64  `json:"circle_id" binding:"required"`
	PersonID    int64  `json:"person_id" binding:"required"`
	Amount      int64  `json:"amount" binding:"required"`
	Method      string `json:"method" binding:"required,max=32"`
	ExternalRef string `json:"external_ref" binding:"required,max=128"`
	CycleLabel  string `json:"cycle_label" binding:"max=32"`
}

type InitiateContributionRequest struct {
	CircleID   int64  `json:"-"`
	PersonID   int64  `json:"-"`
	Amount     int64  `json:"amount" binding:"required"`
	Method     string `json:"method" binding:"required,max=32"`
	CycleLabel string `json:"cycle_label" binding:"max=32"`
}

type AdjustmentRequest struct {
	CircleID         int64  `json:"-"`
	ExecutorPersonID int64  `json:"-"`
	MemberID         int64  `json:"member_id" binding:"required"`
	Amount           int64  `json:"amount" binding:"required"`
	Reason           string `json:"reason" binding:"required,max=256"`
}

// Reconciliation compares the cached balance with the one derived from the
// contribution log and the disbursed proposals.
type Reconciliation struct {
	CircleID          int64  `json:"circle_id"`
	CachedBalance     int64  `json:"cached_balance"`
	CompletedInflow   int64  `json:"completed_inflow"`
	DisbursedOutflow  int64  `json:"disbursed_outflow"`
	DerivedBalance    int64  `json:"derived_balance"`
	Consistent        bool   `json:"consistent"`
	LastTransactionNo string `json:"last_transaction_no,omitempty"`
}

// WithCircleLock runs fn while holding the circle's distributed lease. When
// the lock backend is unreachable fn still runs; the row lock and the
// conditional balance update keep the fund consistent on their own.
func (s *LedgerService) WithCircleLock(ctx context.Context, circleID int64, fn func() error) error {
	lease, err := s.locker.Obtain(ctx, lock.CircleKey(circleID))
	if err != nil {
		if errors.Is(err, lock.ErrLockFailed) {
			return ErrCircleBusy
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.WarnContext(ctx, "circle lock unavailable, falling back to row lock",
			"circle_id", circleID, "error", err)
		return fn()
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			slog.WarnContext(ctx, "release circle lock", "circle_id", circleID, "error", err)
		}
	}()
	return fn()
}

// RecordContribution books a confirmed payment as a completed contribution.
// It is idempotent on ExternalRef: replaying the same reference returns the
// record created the first time and leaves the balance alone.
func (s *LedgerService) RecordContribution(ctx context.Context, req *RecordContributionRequest) (*model.ContributionRecord, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	ref := strings.TrimSpace(req.ExternalRef)
	if ref == "" {
		return nil, ErrInvalidPaymentRef
	}

	existing, err := s.contributionRepo.GetByExternalRef(ctx, nil, ref)
	if err != nil {
		return nil, storeError("lookup contribution", err)
	}
	if existing != nil {
		if existing.Status == model.ContributionStatusPending {
			return s.ConfirmContribution(ctx, ref)
		}
		return existing, nil
	}

	var record *model.ContributionRecord
	err = s.WithCircleLock(ctx, req.CircleID, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			circle, err := loadCircle(ctx, tx, s.circleRepo, req.CircleID, true)
			if err != nil {
				return err
			}
			if !circle.Active {
				return ErrCircleInactive
			}
			member, err := requireActiveMember(ctx, tx, s.memberRepo, circle.ID, req.PersonID, ErrNotAMember)
			if err != nil {
				return err
			}

			now := time.Now()
			record = &model.ContributionRecord{
				ReceiptNo:   idgen.GenerateReceiptNo(),
				CircleID:    circle.ID,
				MemberID:    member.ID,
				Amount:      req.Amount,
				Kind:        model.ContributionKindContribution,
				Method:      req.Method,
				ExternalRef: &ref,
				CycleLabel:  req.CycleLabel,
				Status:      model.ContributionStatusCompleted,
				CompletedAt: &now,
			}
			if err := s.contributionRepo.Create(ctx, tx, record); err != nil {
				return err
			}
			return s.applyCompleted(ctx, tx, circle, record)
		})
	})

	if errors.Is(err, repository.ErrDuplicateExternalRef) {
		// a concurrent delivery of the same event won the insert
		existing, ferr := s.contributionRepo.GetByExternalRef(ctx, nil, ref)
		if ferr != nil {
			return nil, storeError("lookup contribution", ferr)
		}
		if existing != nil {
			return existing, nil
		}
	}
	if err != nil {
		return nil, storeError("record contribution", err)
	}

	s.metrics.Contribution(record.Kind, record.Status)
	slog.InfoContext(ctx, "contribution recorded",
		"circle_id", record.CircleID, "receipt_no", record.ReceiptNo, "amount", record.Amount)
	return record, nil
}

// InitiateContribution opens a PENDING record while the gateway round trip is
// in flight. The receipt number doubles as the external reference the gateway
// echoes back on confirmation.
func (s *LedgerService) InitiateContribution(ctx context.Context, req *InitiateContributionRequest) (*model.ContributionRecord, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	circle, err := loadCircle(ctx, nil, s.circleRepo, req.CircleID, false)
	if err != nil {
		return nil, err
	}
	if !circle.Active {
		return nil, ErrCircleInactive
	}
	member, err := requireActiveMember(ctx, nil, s.memberRepo, circle.ID, req.PersonID, ErrNotAMember)
	if err != nil {
		return nil, err
	}

	receiptNo := idgen.GenerateReceiptNo()
	record := &model.ContributionRecord{
		ReceiptNo:   receiptNo,
		CircleID:    circle.ID,
		MemberID:    member.ID,
		Amount:      req.Amount,
		Kind:        model.ContributionKindContribution,
		Method:      req.Method,
		ExternalRef: &receiptNo,
		CycleLabel:  req.CycleLabel,
		Status:      model.ContributionStatusPending,
	}
	if err := s.contributionRepo.Create(ctx, nil, record); err != nil {
		return nil, storeError("create pending contribution", err)
	}
	return record, nil
}

// ConfirmContribution completes a PENDING record and credits the fund.
// Confirming an already completed record returns it unchanged; a FAILED record
// is also returned unchanged and never credited.
func (s *LedgerService) ConfirmContribution(ctx context.Context, externalRef string) (*model.ContributionRecord, error) {
	record, err := s.contributionRepo.GetByExternalRef(ctx, nil, externalRef)
	if err != nil {
		return nil, storeError("lookup contribution", err)
	}
	if record == nil {
		return nil, ErrContributionNotFound
	}
	if record.Status != model.ContributionStatusPending {
		return record, nil
	}

	err = s.WithCircleLock(ctx, record.CircleID, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			circle, err := loadCircle(ctx, tx, s.circleRepo, record.CircleID, true)
			if err != nil {
				return err
			}
			if err := s.contributionRepo.MarkCompleted(ctx, tx, record.ID); err != nil {
				return err
			}
			now := time.Now()
			record.Status = model.ContributionStatusCompleted
			record.CompletedAt = &now
			return s.applyCompleted(ctx, tx, circle, record)
		})
	})
	if errors.Is(err, repository.ErrContributionStatusInvalid) {
		// settled by a concurrent confirmation or the timeout job
		current, ferr := s.contributionRepo.GetByExternalRef(ctx, nil, externalRef)
		if ferr != nil {
			return nil, storeError("lookup contribution", ferr)
		}
		return current, nil
	}
	if err != nil {
		return nil, storeError("confirm contribution", err)
	}

	s.metrics.Contribution(record.Kind, record.Status)
	slog.InfoContext(ctx, "contribution confirmed",
		"circle_id", record.CircleID, "receipt_no", record.ReceiptNo, "amount", record.Amount)
	return record, nil
}

// FailContribution marks a PENDING record FAILED. Failing an already failed
// record is a no-op; failing a completed one is refused.
func (s *LedgerService) FailContribution(ctx context.Context, externalRef, reason string) (*model.ContributionRecord, error) {
	record, err := s.contributionRepo.GetByExternalRef(ctx, nil, externalRef)
	if err != nil {
		return nil, storeError("lookup contribution", err)
	}
	if record == nil {
		return nil, ErrContributionNotFound
	}
	switch record.Status {
	case model.ContributionStatusFailed:
		return record, nil
	case model.ContributionStatusCompleted:
		return nil, ErrContributionNotPending
	}

	if err := s.contributionRepo.MarkFailed(ctx, nil, record.ID, reason); err != nil {
		if errors.Is(err, repository.ErrContributionStatusInvalid) {
			return nil, ErrContributionNotPending
		}
		return nil, storeError("fail contribution", err)
	}
	record.Status = model.ContributionStatusFailed
	record.Reason = reason

	s.metrics.Contribution(record.Kind, record.Status)
	return record, nil
}

// ExpireStalePending fails PENDING records created before the cutoff and
// returns how many it expired.
func (s *LedgerService) ExpireStalePending(ctx context.Context, before time.Time, limit int) (int, error) {
	records, err := s.contributionRepo.GetStalePending(ctx, before, limit)
	if err != nil {
		return 0, storeError("list stale contributions", err)
	}

	expired := 0
	for _, record := range records {
		err := s.contributionRepo.MarkFailed(ctx, nil, record.ID, "payment confirmation timed out")
		if errors.Is(err, repository.ErrContributionStatusInvalid) {
			continue
		}
		if err != nil {
			slog.ErrorContext(ctx, "expire contribution", "receipt_no", record.ReceiptNo, "error", err)
			continue
		}
		expired++
		s.metrics.Contribution(record.Kind, model.ContributionStatusFailed)
	}
	return expired, nil
}

// RecordAdjustment books a signed correction. Only a chair or treasurer may
// adjust, and a negative adjustment cannot take the balance below zero.
func (s *LedgerService) RecordAdjustment(ctx context.Context, req *AdjustmentRequest) (*model.ContributionRecord, error) {
	reason := strings.TrimSpace(req.Reason)
	if req.Amount == 0 || reason == "" {
		return nil, ErrInvalidAdjustment
	}

	var record *model.ContributionRecord
	err := s.WithCircleLock(ctx, req.CircleID, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			circle, err := loadCircle(ctx, tx, s.circleRepo, req.CircleID, true)
			if err != nil {
				return err
			}
			if !circle.Active {
				return ErrCircleInactive
			}
			executor, err := requireActiveMember(ctx, tx, s.memberRepo, circle.ID, req.ExecutorPersonID, ErrNotAMember)
			if err != nil {
				return err
			}
			if !executor.CanExecuteDisbursement() {
				return ErrForbidden
			}
			target, err := s.memberRepo.GetByID(ctx, tx, req.MemberID)
			if errors.Is(err, repository.ErrMemberNotFound) || (err == nil && target.CircleID != circle.ID) {
				return ErrMemberNotFound
			}
			if err != nil {
				return err
			}

			now := time.Now()
			record = &model.ContributionRecord{
				ReceiptNo:   idgen.GenerateReceiptNo(),
				CircleID:    circle.ID,
				MemberID:    target.ID,
				Amount:      req.Amount,
				Kind:        model.ContributionKindAdjustment,
				Method:      model.ContributionKindAdjustment,
				Status:      model.ContributionStatusCompleted,
				Reason:      reason,
				CompletedAt: &now,
			}
			if err := s.contributionRepo.Create(ctx, tx, record); err != nil {
				return err
			}
			return s.applyCompleted(ctx, tx, circle, record)
		})
	})
	if err != nil {
		return nil, storeError("record adjustment", err)
	}

	s.metrics.Contribution(record.Kind, record.Status)
	slog.InfoContext(ctx, "adjustment recorded",
		"circle_id", record.CircleID, "receipt_no", record.ReceiptNo, "amount", record.Amount)
	return record, nil
}

// Debit takes amount out of the fund inside the caller's transaction. The
// circle row is re-read under lock and the update only applies while the
// balance still covers amount.
func (s *LedgerService) Debit(ctx context.Context, tx *gorm.DB, circleID, amount int64, refType string, refID int64, remark string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	circle, err := loadCircle(ctx, tx, s.circleRepo, circleID, true)
	if err != nil {
		return err
	}
	return s.post(ctx, tx, circle, -amount, refType, refID, remark)
}

// CreditRepayment books a loan repayment as a completed REPAYMENT record
// inside the caller's transaction. The payment reference becomes the record's
// external reference, so one payment can never be booked twice.
func (s *LedgerService) CreditRepayment(ctx context.Context, tx *gorm.DB, circleID, memberID, amount int64, paymentRef, label string) (*model.ContributionRecord, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	circle, err := loadCircle(ctx, tx, s.circleRepo, circleID, true)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	ref := paymentRef
	record := &model.ContributionRecord{
		ReceiptNo:   idgen.GenerateReceiptNo(),
		CircleID:    circleID,
		MemberID:    memberID,
		Amount:      amount,
		Kind:        model.ContributionKindRepayment,
		Method:      model.ContributionKindRepayment,
		ExternalRef: &ref,
		CycleLabel:  label,
		Status:      model.ContributionStatusCompleted,
		CompletedAt: &now,
	}
	if err := s.contributionRepo.Create(ctx, tx, record); err != nil {
		if errors.Is(err, repository.ErrDuplicateExternalRef) {
			return nil, ErrPaymentRefUsed
		}
		return nil, err
	}
	if err := s.applyCompleted(ctx, tx, circle, record); err != nil {
		return nil, err
	}
	return record, nil
}

// applyCompleted moves the balance by a freshly completed record and announces it.
func (s *LedgerService) applyCompleted(ctx context.Context, tx *gorm.DB, circle *model.Circle, record *model.ContributionRecord) error {
	remark := fmt.Sprintf("%s %s", record.Kind, record.ReceiptNo)
	if err := s.post(ctx, tx, circle, record.Amount, model.FundRefContribution, record.ID, remark); err != nil {
		return err
	}
	return s.events.ledger(ctx, tx, EventContributionCompleted, LedgerEvent{
		ReceiptNo: record.ReceiptNo,
		CircleID:  record.CircleID,
		Kind:      record.Kind,
		Amount:    record.Amount,
	})
}

// post applies a signed movement to a circle already locked by tx and journals it.
func (s *LedgerService) post(ctx context.Context, tx *gorm.DB, circle *model.Circle, amount int64, refType string, refID int64, remark string) error {
	var err error
	if amount < 0 {
		err = s.circleRepo.Debit(ctx, tx, circle.ID, -amount)
	} else {
		err = s.circleRepo.Credit(ctx, tx, circle.ID, amount)
	}
	if errors.Is(err, repository.ErrBalanceNotEnough) {
		return ErrInsufficientFunds
	}
	if errors.Is(err, repository.ErrCircleNotFound) {
		return ErrCircleNotFound
	}
	if err != nil {
		return err
	}

	entry := &model.FundTransaction{
		TransactionNo: idgen.GenerateTransactionNo(),
		CircleID:      circle.ID,
		RefType:       refType,
		RefID:         refID,
		Amount:        amount,
		BalanceBefore: circle.Balance,
		BalanceAfter:  circle.Balance + amount,
		Remark:        remark,
	}
	if err := s.fundRepo.Create(ctx, tx, entry); err != nil {
		return fmt.Errorf("journal balance movement: %w", err)
	}
	circle.Balance = entry.BalanceAfter
	return nil
}

func (s *LedgerService) GetBalance(ctx context.Context, circleID int64) (int64, error) {
	circle, err := loadCircle(ctx, nil, s.circleRepo, circleID, false)
	if err != nil {
		return 0, err
	}
	return circle.Balance, nil
}

func (s *LedgerService) ListContributions(ctx context.Context, circleID int64, page, pageSize int) ([]*model.ContributionRecord, int64, error) {
	if _, err := loadCircle(ctx, nil, s.circleRepo, circleID, false); err != nil {
		return nil, 0, err
	}
	page, pageSize = normalizePage(page, pageSize)
	records, total, err := s.contributionRepo.ListByCircle(ctx, circleID, page, pageSize)
	if err != nil {
		return nil, 0, storeError("list contributions", err)
	}
	return records, total, nil
}

func (s *LedgerService) ListFundTransactions(ctx context.Context, circleID int64, page, pageSize int) ([]*model.FundTransaction, int64, error) {
	if _, err := loadCircle(ctx, nil, s.circleRepo, circleID, false); err != nil {
		return nil, 0, err
	}
	page, pageSize = normalizePage(page, pageSize)
	entries, total, err := s.fundRepo.ListByCircle(ctx, circleID, page, pageSize)
	if err != nil {
		return nil, 0, storeError("list fund transactions", err)
	}
	return entries, total, nil
}

// Reconcile recomputes the balance from its sources in one read transaction.
func (s *LedgerService) Reconcile(ctx context.Context, circleID int64) (*Reconciliation, error) {
	result := &Reconciliation{CircleID: circleID}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		circle, err := loadCircle(ctx, tx, s.circleRepo, circleID, false)
		if err != nil {
			return err
		}
		inflow, err := s.contributionRepo.SumCompleted(ctx, tx, circleID)
		if err != nil {
			return err
		}
		outflow, err := s.proposalRepo.SumDisbursed(ctx, tx, circleID)
		if err != nil {
			return err
		}
		result.CachedBalance = circle.Balance
		result.CompletedInflow = inflow
		result.DisbursedOutflow = outflow
		result.DerivedBalance = inflow - outflow
		result.Consistent = result.CachedBalance == result.DerivedBalance
		return nil
	})
	if err != nil {
		return nil, storeError("reconcile", err)
	}

	latest, err := s.fundRepo.GetLatest(ctx, circleID)
	if err != nil {
		return nil, storeError("load latest fund transaction", err)
	}
	if latest != nil {
		result.LastTransactionNo = latest.TransactionNo
	}

	if !result.Consistent {
		slog.ErrorContext(ctx, "circle balance drift",
			"circle_id", circleID, "cached", result.CachedBalance, "derived", result.DerivedBalance)
	}
	return result, nil
}
