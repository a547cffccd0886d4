package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"circlefund/internal/config"
	"circlefund/internal/infrastructure/metrics"
	"circlefund/internal/model"
	"circlefund/internal/repository"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// maxChargeableCycles bounds the overdue-cycle count of a single installment.
const maxChargeableCycles = 1000

// DisbursementService moves approved money out of the fund and tracks loans
// until they are repaid or defaulted.
type DisbursementService struct {
	db              *gorm.DB
	cfg             *config.Config
	ledger          *LedgerService
	metrics         *metrics.Recorder
	now             func() time.Time
	circleRepo      *repository.CircleRepository
	memberRepo      *repository.MemberRepository
	proposalRepo    *repository.ProposalRepository
	installmentRepo *repository.InstallmentRepository
	events          *eventWriter
}

func NewDisbursementService(db *gorm.DB, cfg *config.Config, ledger *LedgerService, recorder *metrics.Recorder) *DisbursementService {
	return &DisbursementService{
		db:              db,
		cfg:             cfg,
		ledger:          ledger,
		metrics:         recorder,
		now:             time.Now,
		circleRepo:      repository.NewCircleRepository(db),
		memberRepo:      repository.NewMemberRepository(db),
		proposalRepo:    repository.NewProposalRepository(db),
		installmentRepo: repository.NewInstallmentRepository(db),
		events:          &eventWriter{outbox: repository.NewOutboxRepository(db), topics: cfg.Kafka.Topic},
	}
}

type DisbursementResult struct {
	Proposal     *model.Proposal               `json:"proposal"`
	Installments []*model.RepaymentInstallment `json:"installments,omitempty"`
	Balance      int64                         `json:"balance"`
}

type RepaymentRequest struct {
	InstallmentID int64  `json:"installment_id" binding:"required"`
	PaymentRef    string `json:"payment_ref" binding:"required,max=128"`
}

// AccrualReport summarizes one AccruePenalties pass.
type AccrualReport struct {
	Scanned       int   `json:"scanned"`
	Penalized     int   `json:"penalized"`
	PenaltyAmount int64 `json:"penalty_amount"`
	Defaulted     int   `json:"defaulted"`
}

// Execute disburses an approved proposal.
//
// The balance is re-read under the circle row lock. If it no longer covers
// the amount, the proposal is moved to REJECTED and that transition is
// committed before ErrInsufficientFunds is returned.
func (s *DisbursementService) Execute(ctx context.Context, proposalID, executorPersonID int64) (*DisbursementResult, error) {
	proposal, err := loadProposal(ctx, nil, s.proposalRepo, proposalID, false)
	if err != nil {
		return nil, err
	}

	var (
		result     *DisbursementResult
		evaporated bool
	)
	err = s.ledger.WithCircleLock(ctx, proposal.CircleID, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			circle, err := loadCircle(ctx, tx, s.circleRepo, proposal.CircleID, true)
			if err != nil {
				return err
			}
			p, err := loadProposal(ctx, tx, s.proposalRepo, proposalID, true)
			if err != nil {
				return err
			}
			if p.Status != model.ProposalStatusApproved {
				return ErrProposalNotApproved
			}
			executor, err := requireActiveMember(ctx, tx, s.memberRepo, circle.ID, executorPersonID, ErrNotAMember)
			if err != nil {
				return err
			}
			if !executor.CanExecuteDisbursement() {
				return ErrForbidden
			}

			if circle.Balance < p.Amount {
				if err := s.transition(ctx, tx, p, model.ProposalStatusRejected, &executor.ID); err != nil {
					return err
				}
				evaporated = true
				return s.events.proposal(ctx, tx, EventProposalRejectedAtExecution, proposalEvent(p))
			}

			remark := fmt.Sprintf("%s %s", p.Kind, p.ProposalNo)
			if err := s.ledger.Debit(ctx, tx, circle.ID, p.Amount, model.FundRefDisbursement, p.ID, remark); err != nil {
				return err
			}

			result = &DisbursementResult{Proposal: p, Balance: circle.Balance - p.Amount}
			target := model.ProposalStatusDisbursed
			if p.IsLoan() {
				target = model.ProposalStatusRepaying
				result.Installments = BuildSchedule(p, s.now())
				if err := s.installmentRepo.CreateBatch(ctx, tx, result.Installments); err != nil {
					return err
				}
			}
			if err := s.transition(ctx, tx, p, target, &executor.ID); err != nil {
				return err
			}
			return s.events.proposal(ctx, tx, EventProposalDisbursed, proposalEvent(p))
		})
	})
	if err != nil {
		s.metrics.Disbursement("error")
		return nil, storeError("execute proposal", err)
	}

	if evaporated {
		s.metrics.Disbursement("rejected")
		slog.WarnContext(ctx, "proposal rejected at execution, funds no longer available",
			"proposal_id", proposalID, "amount", proposal.Amount)
		return nil, ErrInsufficientFunds
	}

	s.metrics.Disbursement("disbursed")
	slog.InfoContext(ctx, "proposal disbursed",
		"proposal_no", result.Proposal.ProposalNo, "circle_id", result.Proposal.CircleID,
		"amount", result.Proposal.Amount, "balance", result.Balance)
	return result, nil
}

// transition applies a status CAS from the proposal's current status.
func (s *DisbursementService) transition(ctx context.Context, tx *gorm.DB, p *model.Proposal, to string, actorMemberID *int64) error {
	err := s.proposalRepo.UpdateStatus(ctx, tx, p.ID, p.Status, to, actorMemberID)
	if errors.Is(err, repository.ErrProposalStatusInvalid) {
		if p.Status == model.ProposalStatusRepaying {
			return ErrLoanNotRepaying
		}
		return ErrProposalNotApproved
	}
	if err != nil {
		return err
	}
	p.Status = to
	return nil
}

// BuildSchedule splits a loan's total repayable evenly over its repayment
// months. Integer remainder goes on the last installment, so the amounts
// always sum to the total. Due dates fall one month apart, the first one
// month after disbursedAt.
func BuildSchedule(p *model.Proposal, disbursedAt time.Time) []*model.RepaymentInstallment {
	n := p.RepaymentMonths
	if !p.IsLoan() || n <= 0 {
		return nil
	}

	total := p.TotalRepayable()
	base := total / int64(n)
	remainder := total - base*int64(n)

	installments := make([]*model.RepaymentInstallment, 0, n)
	for seq := 1; seq <= n; seq++ {
		amount := base
		if seq == n {
			amount += remainder
		}
		installments = append(installments, &model.RepaymentInstallment{
			ProposalID: p.ID,
			Seq:        seq,
			AmountDue:  amount,
			DueDate:    disbursedAt.AddDate(0, seq, 0),
		})
	}
	return installments
}

// RecordRepayment settles an installment and credits the fund with what was
// owed including penalties. Replaying the same payment reference returns the
// settled installment without crediting again. When the last installment is
// paid the loan closes.
func (s *DisbursementService) RecordRepayment(ctx context.Context, req *RepaymentRequest) (*model.RepaymentInstallment, error) {
	ref := strings.TrimSpace(req.PaymentRef)
	if ref == "" {
		return nil, ErrInvalidPaymentRef
	}

	installment, err := s.loadInstallment(ctx, req.InstallmentID)
	if err != nil {
		return nil, err
	}
	if installment.Paid {
		return settledInstallment(installment, ref)
	}
	proposal, err := loadProposal(ctx, nil, s.proposalRepo, installment.ProposalID, false)
	if err != nil {
		return nil, err
	}

	var (
		settled *model.RepaymentInstallment
		closed  bool
	)
	err = s.ledger.WithCircleLock(ctx, proposal.CircleID, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if _, err := loadCircle(ctx, tx, s.circleRepo, proposal.CircleID, true); err != nil {
				return err
			}
			p, err := loadProposal(ctx, tx, s.proposalRepo, proposal.ID, true)
			if err != nil {
				return err
			}
			inst, err := s.installmentRepo.GetByIDForUpdate(ctx, tx, installment.ID)
			if err != nil {
				return err
			}
			if inst.Paid {
				settled, err = settledInstallment(inst, ref)
				return err
			}
			if p.Status != model.ProposalStatusRepaying {
				return ErrLoanNotRepaying
			}

			paidAt := s.now()
			if err := s.installmentRepo.MarkPaid(ctx, tx, inst.ID, ref, paidAt); err != nil {
				if errors.Is(err, repository.ErrInstallmentStateChange) {
					return ErrInstallmentAlreadyPaid
				}
				return err
			}
			label := fmt.Sprintf("%s#%d", p.ProposalNo, inst.Seq)
			if _, err := s.ledger.CreditRepayment(ctx, tx, p.CircleID, p.RequesterMemberID, inst.TotalOwed(), ref, label); err != nil {
				return err
			}

			inst.Paid = true
			inst.PaidAt = &paidAt
			inst.PaymentRef = &ref
			inst.PenaltyCycles = 0
			settled = inst

			unpaid, err := s.installmentRepo.CountUnpaid(ctx, tx, p.ID)
			if err != nil {
				return err
			}
			if unpaid > 0 {
				return nil
			}
			if err := s.transition(ctx, tx, p, model.ProposalStatusClosed, nil); err != nil {
				return err
			}
			closed = true
			return s.events.proposal(ctx, tx, EventLoanClosed, proposalEvent(p))
		})
	})
	if err != nil {
		return nil, storeError("record repayment", err)
	}

	slog.InfoContext(ctx, "installment repaid",
		"proposal_no", proposal.ProposalNo, "seq", settled.Seq, "amount", settled.TotalOwed())
	if closed {
		slog.InfoContext(ctx, "loan closed", "proposal_no", proposal.ProposalNo)
	}
	return settled, nil
}

func (s *DisbursementService) loadInstallment(ctx context.Context, id int64) (*model.RepaymentInstallment, error) {
	installment, err := s.installmentRepo.GetByID(ctx, nil, id)
	if errors.Is(err, repository.ErrInstallmentNotFound) {
		return nil, ErrInstallmentNotFound
	}
	if err != nil {
		return nil, storeError("load installment", err)
	}
	return installment, nil
}

// settledInstallment makes a repayment replay idempotent: the same reference
// gets the installment back, any other reference is refused.
func settledInstallment(inst *model.RepaymentInstallment, ref string) (*model.RepaymentInstallment, error) {
	if inst.PaymentRef != nil && *inst.PaymentRef == ref {
		return inst, nil
	}
	return nil, ErrInstallmentAlreadyPaid
}

// AccruePenalties charges overdue installments of loans in repayment and
// defaults loans that stayed overdue past their grace period.
//
// An installment is charged one penalty per contribution cycle it has been
// overdue. PenaltyCycles records how many cycles were already charged, so
// calling this any number of times within one cycle charges nothing extra.
func (s *DisbursementService) AccruePenalties(ctx context.Context, now time.Time) (*AccrualReport, error) {
	batch := s.cfg.Business.PenaltyScanBatchSize
	if batch <= 0 {
		batch = 200
	}

	report := &AccrualReport{}
	proposals := make(map[int64]*model.Proposal)
	circles := make(map[int64]*model.Circle)

	var afterID int64
	for {
		overdue, err := s.installmentRepo.ListOverdue(ctx, now, afterID, batch)
		if err != nil {
			return report, storeError("list overdue installments", err)
		}

		for _, inst := range overdue {
			afterID = inst.ID
			report.Scanned++

			p, circle, err := s.loanContext(ctx, inst.ProposalID, proposals, circles)
			if err != nil {
				return report, err
			}
			if p.Status != model.ProposalStatusRepaying {
				continue
			}

			if now.After(DefaultDeadline(circle, p, inst)) {
				if err := s.defaultLoan(ctx, p); err != nil {
					slog.ErrorContext(ctx, "default loan", "proposal_no", p.ProposalNo, "error", err)
					continue
				}
				report.Defaulted++
				continue
			}

			cycles := OverdueCycles(circle, inst.DueDate, now)
			if cycles <= inst.PenaltyCycles {
				continue
			}
			amount := PenaltyPerCycle(circle, inst) * int64(cycles-inst.PenaltyCycles)
			err = s.installmentRepo.AddPenalty(ctx, nil, inst.ID, amount, inst.PenaltyCycles, cycles)
			if errors.Is(err, repository.ErrInstallmentStateChange) {
				// paid or charged concurrently
				continue
			}
			if err != nil {
				return report, storeError("accrue penalty", err)
			}
			report.Penalized++
			report.PenaltyAmount += amount
			s.metrics.PenaltyAccrued(amount)
		}

		if len(overdue) < batch {
			break
		}
	}

	if report.Penalized > 0 || report.Defaulted > 0 {
		slog.InfoContext(ctx, "penalty accrual finished",
			"scanned", report.Scanned, "penalized", report.Penalized,
			"amount", report.PenaltyAmount, "defaulted", report.Defaulted)
	}
	return report, nil
}

func (s *DisbursementService) loanContext(ctx context.Context, proposalID int64, proposals map[int64]*model.Proposal, circles map[int64]*model.Circle) (*model.Proposal, *model.Circle, error) {
	p, ok := proposals[proposalID]
	if !ok {
		var err error
		if p, err = loadProposal(ctx, nil, s.proposalRepo, proposalID, false); err != nil {
			return nil, nil, err
		}
		proposals[proposalID] = p
	}
	circle, ok := circles[p.CircleID]
	if !ok {
		var err error
		if circle, err = loadCircle(ctx, nil, s.circleRepo, p.CircleID, false); err != nil {
			return nil, nil, err
		}
		circles[p.CircleID] = circle
	}
	return p, circle, nil
}

func (s *DisbursementService) defaultLoan(ctx context.Context, p *model.Proposal) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.transition(ctx, tx, p, model.ProposalStatusDefaulted, nil); err != nil {
			return err
		}
		return s.events.proposal(ctx, tx, EventLoanDefaulted, proposalEvent(p))
	})
	if err != nil {
		return err
	}
	s.metrics.LoanDefaulted()
	slog.WarnContext(ctx, "loan defaulted", "proposal_no", p.ProposalNo, "circle_id", p.CircleID)
	return nil
}

// OverdueCycles counts the contribution cycles started since dueDate, the
// first one starting the moment the installment becomes overdue.
func OverdueCycles(circle *model.Circle, dueDate, now time.Time) int {
	cycles := 0
	for cycles < maxChargeableCycles && circle.AddCycles(dueDate, cycles).Before(now) {
		cycles++
	}
	return cycles
}

// PenaltyPerCycle is the charge for one overdue cycle: the fixed value, or a
// percentage of the installment's amount due, in minor units.
func PenaltyPerCycle(circle *model.Circle, inst *model.RepaymentInstallment) int64 {
	if circle.PenaltyType == model.PenaltyTypeFixed {
		return circle.PenaltyValue.Round(0).IntPart()
	}
	return decimal.NewFromInt(inst.AmountDue).
		Mul(circle.PenaltyValue).
		Div(decimal.NewFromInt(100)).
		Round(0).
		IntPart()
}

// DefaultDeadline is the moment an overdue installment defaults its loan:
// default_grace_multiple × repayment_months months after its due date, with
// a fractional month counted as 30 days.
func DefaultDeadline(circle *model.Circle, p *model.Proposal, inst *model.RepaymentInstallment) time.Time {
	months := circle.DefaultGraceMultiple.Mul(decimal.NewFromInt(int64(p.RepaymentMonths)))
	whole := months.Floor()
	days := months.Sub(whole).Mul(decimal.NewFromInt(30)).Round(0).IntPart()
	return inst.DueDate.AddDate(0, int(whole.IntPart()), int(days))
}

func (s *DisbursementService) ListInstallments(ctx context.Context, proposalID int64) ([]*model.RepaymentInstallment, error) {
	if _, err := loadProposal(ctx, nil, s.proposalRepo, proposalID, false); err != nil {
		return nil, err
	}
	installments, err := s.installmentRepo.ListByProposal(ctx, nil, proposalID)
	if err != nil {
		return nil, storeError("list installments", err)
	}
	return installments, nil
}
