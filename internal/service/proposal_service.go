package service

import (
	"context"
	"log/slog"
	"strings"
	"unicode/utf8"

	"circlefund/internal/config"
	"circlefund/internal/infrastructure/metrics"
	"circlefund/internal/model"
	"circlefund/internal/repository"
	"circlefund/pkg/idgen"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type ProposalService struct {
	db           *gorm.DB
	cfg          *config.Config
	metrics      *metrics.Recorder
	circleRepo   *repository.CircleRepository
	memberRepo   *repository.MemberRepository
	proposalRepo *repository.ProposalRepository
	voteRepo     *repository.VoteRepository
	events       *eventWriter
}

func NewProposalService(db *gorm.DB, cfg *config.Config, recorder *metrics.Recorder) *ProposalService {
	return &ProposalService{
		db:           db,
		cfg:          cfg,
		metrics:      recorder,
		circleRepo:   repository.NewCircleRepository(db),
		memberRepo:   repository.NewMemberRepository(db),
		proposalRepo: repository.NewProposalRepository(db),
		voteRepo:     repository.NewVoteRepository(db),
		events:       &eventWriter{outbox: repository.NewOutboxRepository(db), topics: cfg.Kafka.Topic},
	}
}

// LoanTerms are required for loans and forbidden for withdrawals.
type LoanTerms struct {
	InterestRate    *decimal.Decimal `json:"interest_rate"`
	RepaymentMonths int              `json:"repayment_months"`
}

type CreateProposalRequest struct {
	CircleID  int64      `json:"-"`
	PersonID  int64      `json:"-"`
	Amount    int64      `json:"amount" binding:"required"`
	Kind      string     `json:"kind" binding:"required"`
	Purpose   string     `json:"purpose" binding:"required"`
	LoanTerms *LoanTerms `json:"loan_terms"`
}

// TallyView is a proposal's current vote count and status.
type TallyView struct {
	ProposalNo string `json:"proposal_no"`
	Status     string `json:"status"`
	Tally
}

// CreateProposal validates a withdrawal or loan request and files it as
// PENDING. No money moves here; the balance check is advisory and is repeated
// authoritatively at execution.
func (s *ProposalService) CreateProposal(ctx context.Context, req *CreateProposalRequest) (*model.Proposal, error) {
	if !model.IsValidProposalKind(req.Kind) {
		return nil, ErrInvalidKind
	}

	var proposal *model.Proposal
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		circle, err := loadCircle(ctx, tx, s.circleRepo, req.CircleID, true)
		if err != nil {
			return err
		}
		if !circle.Active {
			return ErrCircleInactive
		}
		requester, err := requireActiveMember(ctx, tx, s.memberRepo, circle.ID, req.PersonID, ErrNotAMember)
		if err != nil {
			return err
		}

		purpose := strings.TrimSpace(req.Purpose)
		rate, months, err := s.validate(circle, req, purpose)
		if err != nil {
			return err
		}
		if req.Amount > circle.Balance {
			return ErrInsufficientFunds
		}

		proposal = &model.Proposal{
			ProposalNo:        idgen.GenerateProposalNo(),
			CircleID:          circle.ID,
			RequesterMemberID: requester.ID,
			Amount:            req.Amount,
			Kind:              req.Kind,
			Purpose:           purpose,
			InterestRate:      rate,
			RepaymentMonths:   months,
			Status:            model.ProposalStatusPending,
		}
		if err := s.proposalRepo.Create(ctx, tx, proposal); err != nil {
			return err
		}
		return s.events.proposal(ctx, tx, EventProposalCreated, proposalEvent(proposal))
	})
	if err != nil {
		return nil, storeError("create proposal", err)
	}

	s.metrics.ProposalCreated(proposal.Kind)
	slog.InfoContext(ctx, "proposal created",
		"proposal_no", proposal.ProposalNo, "circle_id", proposal.CircleID,
		"kind", proposal.Kind, "amount", proposal.Amount)
	return proposal, nil
}

// validate applies the amount, purpose and loan-term rules in that order and
// returns the normalized loan terms.
func (s *ProposalService) validate(circle *model.Circle, req *CreateProposalRequest, purpose string) (decimal.Decimal, int, error) {
	gov := s.cfg.Governance

	if req.Amount <= 0 || req.Amount < circle.MinProposalAmount {
		return decimal.Zero, 0, ErrInvalidAmount
	}
	if req.Amount > circle.MaxProposalAmount() {
		return decimal.Zero, 0, ErrAmountExceedsLimit
	}

	length := utf8.RuneCountInString(purpose)
	if length < gov.MinPurposeLen {
		return decimal.Zero, 0, ErrPurposeTooShort
	}
	if length > gov.MaxPurposeLen {
		return decimal.Zero, 0, ErrPurposeTooLong
	}

	if req.Kind == model.ProposalKindWithdrawal {
		if req.LoanTerms != nil {
			return decimal.Zero, 0, ErrInvalidLoanTerms.WithMessage("withdrawals do not take loan terms")
		}
		return decimal.Zero, 0, nil
	}

	terms := req.LoanTerms
	if terms == nil || terms.InterestRate == nil {
		return decimal.Zero, 0, ErrInvalidLoanTerms
	}
	rate := *terms.InterestRate
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(int64(gov.MaxLoanInterestRate))) {
		return decimal.Zero, 0, ErrInvalidLoanTerms.WithMessage("interest rate is out of range")
	}
	if terms.RepaymentMonths < gov.MinRepaymentMonths || terms.RepaymentMonths > gov.MaxRepaymentMonths {
		return decimal.Zero, 0, ErrInvalidLoanTerms.WithMessage("repayment period is out of range")
	}
	return rate, terms.RepaymentMonths, nil
}

func (s *ProposalService) GetProposal(ctx context.Context, proposalID int64) (*model.Proposal, error) {
	return loadProposal(ctx, nil, s.proposalRepo, proposalID, false)
}

func (s *ProposalService) ListProposals(ctx context.Context, circleID int64, status string, page, pageSize int) ([]*model.Proposal, int64, error) {
	if _, err := loadCircle(ctx, nil, s.circleRepo, circleID, false); err != nil {
		return nil, 0, err
	}
	page, pageSize = normalizePage(page, pageSize)
	proposals, total, err := s.proposalRepo.ListByCircle(ctx, circleID, status, page, pageSize)
	if err != nil {
		return nil, 0, storeError("list proposals", err)
	}
	return proposals, total, nil
}

// GetTally counts a proposal's votes against the current active membership.
func (s *ProposalService) GetTally(ctx context.Context, proposalID int64) (*TallyView, error) {
	view := &TallyView{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		proposal, err := loadProposal(ctx, tx, s.proposalRepo, proposalID, false)
		if err != nil {
			return err
		}
		total, approve, err := s.voteRepo.Tally(ctx, tx, proposalID)
		if err != nil {
			return err
		}
		active, err := s.memberRepo.CountActive(ctx, tx, proposal.CircleID)
		if err != nil {
			return err
		}
		view.ProposalNo = proposal.ProposalNo
		view.Status = proposal.Status
		view.Tally = Tally{
			TotalVotes:    total,
			ApproveVotes:  approve,
			RejectVotes:   total - approve,
			ActiveMembers: active,
		}
		return nil
	})
	if err != nil {
		return nil, storeError("tally proposal", err)
	}
	return view, nil
}

func (s *ProposalService) ListVotes(ctx context.Context, proposalID int64) ([]*model.Vote, error) {
	if _, err := loadProposal(ctx, nil, s.proposalRepo, proposalID, false); err != nil {
		return nil, err
	}
	votes, err := s.voteRepo.ListByProposal(ctx, proposalID)
	if err != nil {
		return nil, storeError("list votes", err)
	}
	return votes, nil
}
