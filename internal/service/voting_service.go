package service

import (
	"context"
	"errors"
	"log/slog"

	"circlefund/internal/config"
	"circlefund/internal/infrastructure/metrics"
	"circlefund/internal/model"
	"circlefund/internal/repository"

	"gorm.io/gorm"
)

// VotingService records votes and resolves proposals.
//
// A vote, the recount and the status flip share one transaction. The flip is
// a compare-and-swap on status = PENDING, so when several voters race to
// finalize the same proposal exactly one of them performs the transition and
// the others roll back with ErrVotingClosed, vote included.
type VotingService struct {
	db           *gorm.DB
	metrics      *metrics.Recorder
	circleRepo   *repository.CircleRepository
	memberRepo   *repository.MemberRepository
	proposalRepo *repository.ProposalRepository
	voteRepo     *repository.VoteRepository
	events       *eventWriter
}

func NewVotingService(db *gorm.DB, cfg *config.Config, recorder *metrics.Recorder) *VotingService {
	return &VotingService{
		db:           db,
		metrics:      recorder,
		circleRepo:   repository.NewCircleRepository(db),
		memberRepo:   repository.NewMemberRepository(db),
		proposalRepo: repository.NewProposalRepository(db),
		voteRepo:     repository.NewVoteRepository(db),
		events:       &eventWriter{outbox: repository.NewOutboxRepository(db), topics: cfg.Kafka.Topic},
	}
}

type CastVoteRequest struct {
	ProposalID int64  `json:"-"`
	PersonID   int64  `json:"-"`
	Choice     string `json:"choice" binding:"required"`
	Comment    string `json:"comment" binding:"max=512"`
}

type VoteResult struct {
	Vote   *model.Vote `json:"vote"`
	Status string      `json:"status"`
	Tally  Tally       `json:"tally"`
}

// CastVote records one immutable vote and resolves the proposal if the
// counts now allow it.
func (s *VotingService) CastVote(ctx context.Context, req *CastVoteRequest) (*VoteResult, error) {
	if !model.IsValidChoice(req.Choice) {
		return nil, ErrInvalidChoice
	}

	result := &VoteResult{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		proposal, err := loadProposal(ctx, tx, s.proposalRepo, req.ProposalID, true)
		if err != nil {
			return err
		}
		if proposal.Status != model.ProposalStatusPending {
			return ErrVotingClosed
		}
		voter, err := requireActiveMember(ctx, tx, s.memberRepo, proposal.CircleID, req.PersonID, ErrNotEligible)
		if err != nil {
			return err
		}

		voted, err := s.voteRepo.Exists(ctx, tx, proposal.ID, voter.PersonID)
		if err != nil {
			return err
		}
		if voted {
			return ErrAlreadyVoted
		}

		vote := &model.Vote{
			ProposalID:    proposal.ID,
			MemberID:      voter.ID,
			VoterPersonID: voter.PersonID,
			Choice:        req.Choice,
			Comment:       req.Comment,
		}
		if err := s.voteRepo.Create(ctx, tx, vote); err != nil {
			if errors.Is(err, repository.ErrDuplicateVote) {
				return ErrAlreadyVoted
			}
			return err
		}

		tally, err := s.resolve(ctx, tx, proposal, &voter.ID)
		if err != nil {
			return err
		}
		result.Vote = vote
		result.Status = proposal.Status
		result.Tally = tally
		return nil
	})
	if err != nil {
		return nil, storeError("cast vote", err)
	}

	s.metrics.VoteCast(req.Choice)
	if result.Status != model.ProposalStatusPending {
		s.metrics.ProposalResolved(result.Status)
		slog.InfoContext(ctx, "proposal resolved",
			"proposal_id", req.ProposalID, "status", result.Status,
			"approve", result.Tally.ApproveVotes, "total", result.Tally.TotalVotes,
			"active", result.Tally.ActiveMembers)
	}
	return result, nil
}

// Reevaluate re-applies the resolution rule without a new vote, for when the
// active membership changed under a pending proposal. actorMemberID is the
// member whose change triggered it and is recorded if the proposal resolves.
// A proposal that is no longer pending is returned as is.
func (s *VotingService) Reevaluate(ctx context.Context, proposalID int64, actorMemberID *int64) (*model.Proposal, error) {
	var (
		proposal *model.Proposal
		resolved bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		proposal, err = loadProposal(ctx, tx, s.proposalRepo, proposalID, true)
		if err != nil {
			return err
		}
		if proposal.Status != model.ProposalStatusPending {
			return nil
		}
		if _, err = s.resolve(ctx, tx, proposal, actorMemberID); err != nil {
			return err
		}
		resolved = proposal.Status != model.ProposalStatusPending
		return nil
	})
	if err != nil {
		return nil, storeError("re-evaluate proposal", err)
	}

	if resolved {
		s.metrics.ProposalResolved(proposal.Status)
		slog.InfoContext(ctx, "proposal resolved on re-evaluation",
			"proposal_id", proposal.ID, "status", proposal.Status)
	}
	return proposal, nil
}

// resolve recounts inside tx and, if the rule settles the proposal, flips its
// status and queues the resolution event. proposal.Status is updated in place.
func (s *VotingService) resolve(ctx context.Context, tx *gorm.DB, proposal *model.Proposal, actorMemberID *int64) (Tally, error) {
	circle, err := loadCircle(ctx, tx, s.circleRepo, proposal.CircleID, false)
	if err != nil {
		return Tally{}, err
	}
	total, approve, err := s.voteRepo.Tally(ctx, tx, proposal.ID)
	if err != nil {
		return Tally{}, err
	}
	active, err := s.memberRepo.CountActive(ctx, tx, proposal.CircleID)
	if err != nil {
		return Tally{}, err
	}

	tally := Tally{
		TotalVotes:    total,
		ApproveVotes:  approve,
		RejectVotes:   total - approve,
		ActiveMembers: active,
	}
	outcome := Resolve(tally, circle.QuorumPercent)
	if outcome == model.ProposalStatusPending {
		return tally, nil
	}

	err = s.proposalRepo.UpdateStatus(ctx, tx, proposal.ID, model.ProposalStatusPending, outcome, actorMemberID)
	if errors.Is(err, repository.ErrProposalStatusInvalid) {
		return tally, ErrVotingClosed
	}
	if err != nil {
		return tally, err
	}

	proposal.Status = outcome
	return tally, s.events.proposal(ctx, tx, EventProposalResolved, proposalEvent(proposal))
}
