package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"circlefund/internal/config"
	"circlefund/internal/model"
	"circlefund/internal/repository"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ProposalReevaluator re-applies the resolution rule to a pending proposal.
type ProposalReevaluator interface {
	Reevaluate(ctx context.Context, proposalID int64, actorMemberID *int64) (*model.Proposal, error)
}

type MembershipService struct {
	db           *gorm.DB
	cfg          *config.Config
	circleRepo   *repository.CircleRepository
	memberRepo   *repository.MemberRepository
	proposalRepo *repository.ProposalRepository
	reevaluator  ProposalReevaluator
}

func NewMembershipService(db *gorm.DB, cfg *config.Config, reevaluator ProposalReevaluator) *MembershipService {
	return &MembershipService{
		db:           db,
		cfg:          cfg,
		circleRepo:   repository.NewCircleRepository(db),
		memberRepo:   repository.NewMemberRepository(db),
		proposalRepo: repository.NewProposalRepository(db),
		reevaluator:  reevaluator,
	}
}

// CreateCircleRequest carries the circle settings. Nil policy fields take the
// engine-wide defaults.
type CreateCircleRequest struct {
	FounderPersonID      int64            `json:"-"`
	Name                 string           `json:"name" binding:"required,max=128"`
	ContributionAmount   int64            `json:"contribution_amount" binding:"required,gt=0"`
	ContributionCycle    string           `json:"contribution_cycle" binding:"required,oneof=WEEKLY MONTHLY"`
	MinProposalAmount    *int64           `json:"min_proposal_amount" binding:"omitempty,gt=0"`
	MaxProposalMultiple  *int             `json:"max_proposal_multiple" binding:"omitempty,gt=0"`
	QuorumPercent        *int             `json:"quorum_percent" binding:"omitempty,min=0,max=100"`
	PenaltyType          *string          `json:"penalty_type" binding:"omitempty,oneof=FIXED PERCENT"`
	PenaltyValue         *decimal.Decimal `json:"penalty_value"`
	DefaultGraceMultiple *decimal.Decimal `json:"default_grace_multiple"`
}

type AddMemberRequest struct {
	CircleID      int64  `json:"-"`
	ActorPersonID int64  `json:"-"`
	PersonID      int64  `json:"person_id" binding:"required"`
	Role          string `json:"role"`
}

// CreateCircle opens a circle and makes the founder its chair.
func (s *MembershipService) CreateCircle(ctx context.Context, req *CreateCircleRequest) (*model.Circle, error) {
	circle, err := s.buildCircle(req)
	if err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.circleRepo.Create(ctx, tx, circle); err != nil {
			return err
		}
		return s.memberRepo.Create(ctx, tx, &model.Member{
			CircleID:   circle.ID,
			PersonID:   req.FounderPersonID,
			ActiveSlot: model.ActiveSlotValue(),
			Role:       model.RoleChair,
			Active:     true,
			JoinedAt:   time.Now(),
		})
	})
	if err != nil {
		return nil, storeError("create circle", err)
	}

	slog.InfoContext(ctx, "circle created", "circle_id", circle.ID, "founder", req.FounderPersonID)
	return circle, nil
}

func (s *MembershipService) buildCircle(req *CreateCircleRequest) (*model.Circle, error) {
	gov := s.cfg.Governance

	name := strings.TrimSpace(req.Name)
	if name == "" || req.FounderPersonID <= 0 {
		return nil, ErrInvalidCircle.WithMessage("circle needs a name and a founder")
	}
	if req.ContributionAmount <= 0 {
		return nil, ErrInvalidCircle.WithMessage("contribution amount must be positive")
	}
	if !model.IsValidCycle(req.ContributionCycle) {
		return nil, ErrInvalidCircle.WithMessage("contribution cycle must be WEEKLY or MONTHLY")
	}

	penaltyValue, err := decimal.NewFromString(gov.DefaultPenaltyValue)
	if err != nil {
		return nil, fmt.Errorf("governance.default_penalty_value: %w", err)
	}
	grace, err := decimal.NewFromString(gov.DefaultGraceMultiple)
	if err != nil {
		return nil, fmt.Errorf("governance.default_grace_multiple: %w", err)
	}

	circle := &model.Circle{
		Name:                 name,
		FounderPersonID:      req.FounderPersonID,
		ContributionAmount:   req.ContributionAmount,
		ContributionCycle:    req.ContributionCycle,
		MinProposalAmount:    gov.DefaultMinProposalAmount,
		MaxProposalMultiple:  gov.DefaultMaxProposalMultiple,
		QuorumPercent:        gov.DefaultQuorumPercent,
		PenaltyType:          gov.DefaultPenaltyType,
		PenaltyValue:         penaltyValue,
		DefaultGraceMultiple: grace,
		Active:               true,
	}
	if req.MinProposalAmount != nil {
		circle.MinProposalAmount = *req.MinProposalAmount
	}
	if req.MaxProposalMultiple != nil {
		circle.MaxProposalMultiple = *req.MaxProposalMultiple
	}
	if req.QuorumPercent != nil {
		circle.QuorumPercent = *req.QuorumPercent
	}
	if req.PenaltyType != nil {
		circle.PenaltyType = *req.PenaltyType
	}
	if req.PenaltyValue != nil {
		circle.PenaltyValue = *req.PenaltyValue
	}
	if req.DefaultGraceMultiple != nil {
		circle.DefaultGraceMultiple = *req.DefaultGraceMultiple
	}

	switch {
	case circle.MinProposalAmount < 1:
		return nil, ErrInvalidCircle.WithMessage("minimum proposal amount must be at least 1")
	case circle.MaxProposalMultiple < 1:
		return nil, ErrInvalidCircle.WithMessage("maximum proposal multiple must be at least 1")
	case circle.MinProposalAmount > circle.MaxProposalAmount():
		return nil, ErrInvalidCircle.WithMessage("minimum proposal amount exceeds the proposal limit")
	case circle.QuorumPercent < 0 || circle.QuorumPercent > 100:
		return nil, ErrInvalidCircle.WithMessage("quorum percent must be between 0 and 100")
	case !model.IsValidPenaltyType(circle.PenaltyType):
		return nil, ErrInvalidCircle.WithMessage("penalty type must be FIXED or PERCENT")
	case circle.PenaltyValue.IsNegative():
		return nil, ErrInvalidCircle.WithMessage("penalty value must not be negative")
	case !circle.DefaultGraceMultiple.IsPositive():
		return nil, ErrInvalidCircle.WithMessage("default grace multiple must be positive")
	}
	return circle, nil
}

func (s *MembershipService) GetCircle(ctx context.Context, circleID int64) (*model.Circle, error) {
	return loadCircle(ctx, nil, s.circleRepo, circleID, false)
}

// CloseCircle deactivates a circle. Only the chair may close it, and only
// once no proposal is pending, approved or in repayment.
func (s *MembershipService) CloseCircle(ctx context.Context, circleID, personID int64) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		circle, err := loadCircle(ctx, tx, s.circleRepo, circleID, true)
		if err != nil {
			return err
		}
		if !circle.Active {
			return ErrCircleInactive
		}
		actor, err := requireActiveMember(ctx, tx, s.memberRepo, circleID, personID, ErrNotAMember)
		if err != nil {
			return err
		}
		if actor.Role != model.RoleChair {
			return ErrForbidden
		}
		open, err := s.proposalRepo.CountOpen(ctx, tx, circleID)
		if err != nil {
			return err
		}
		if open > 0 {
			return ErrCircleHasOpenProposals
		}
		return s.circleRepo.Deactivate(ctx, tx, circleID)
	})
	if err != nil {
		return storeError("close circle", err)
	}

	slog.InfoContext(ctx, "circle closed", "circle_id", circleID)
	return nil
}

// AddMember enrols a person. Chairs and secretaries may add members; only a
// chair may hand out the CHAIR or TREASURER role.
func (s *MembershipService) AddMember(ctx context.Context, req *AddMemberRequest) (*model.Member, error) {
	role := req.Role
	if role == "" {
		role = model.RoleMember
	}
	if !model.IsValidRole(role) {
		return nil, ErrInvalidRole
	}

	member := &model.Member{
		CircleID:   req.CircleID,
		PersonID:   req.PersonID,
		ActiveSlot: model.ActiveSlotValue(),
		Role:       role,
		Active:     true,
		JoinedAt:   time.Now(),
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		circle, err := loadCircle(ctx, tx, s.circleRepo, req.CircleID, false)
		if err != nil {
			return err
		}
		if !circle.Active {
			return ErrCircleInactive
		}
		actor, err := requireActiveMember(ctx, tx, s.memberRepo, circle.ID, req.ActorPersonID, ErrNotAMember)
		if err != nil {
			return err
		}
		if !actor.CanManageMembers() {
			return ErrForbidden
		}
		if (role == model.RoleChair || role == model.RoleTreasurer) && actor.Role != model.RoleChair {
			return ErrForbidden
		}

		existing, err := s.memberRepo.GetActive(ctx, tx, circle.ID, req.PersonID)
		if err != nil {
			return err
		}
		if existing != nil {
			return ErrAlreadyMember
		}
		if err := s.memberRepo.Create(ctx, tx, member); err != nil {
			if errors.Is(err, repository.ErrMemberExists) {
				return ErrAlreadyMember
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, storeError("add member", err)
	}

	slog.InfoContext(ctx, "member added", "circle_id", member.CircleID, "member_id", member.ID, "role", member.Role)
	return member, nil
}

// DeactivateMember ends a membership. A manager may deactivate anyone and a
// member may leave on their own; the last active chair cannot leave.
//
// Votes already cast stay and keep counting. The active count shrinks, so
// the circle's pending proposals are re-evaluated afterwards.
func (s *MembershipService) DeactivateMember(ctx context.Context, circleID, actorPersonID, personID int64) error {
	var actorMemberID int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := loadCircle(ctx, tx, s.circleRepo, circleID, true); err != nil {
			return err
		}
		actor, err := requireActiveMember(ctx, tx, s.memberRepo, circleID, actorPersonID, ErrNotAMember)
		if err != nil {
			return err
		}
		if actorPersonID != personID && !actor.CanManageMembers() {
			return ErrForbidden
		}
		actorMemberID = actor.ID
		target, err := requireActiveMember(ctx, tx, s.memberRepo, circleID, personID, ErrMemberNotFound)
		if err != nil {
			return err
		}

		if target.Role == model.RoleChair {
			members, err := s.memberRepo.ListActive(ctx, tx, circleID)
			if err != nil {
				return err
			}
			chairs := 0
			for _, m := range members {
				if m.Role == model.RoleChair {
					chairs++
				}
			}
			if chairs <= 1 {
				return ErrForbidden.WithMessage("circle must keep an active chair")
			}
		}

		return s.memberRepo.Deactivate(ctx, tx, target.ID)
	})
	if err != nil {
		return storeError("deactivate member", err)
	}

	slog.InfoContext(ctx, "member deactivated", "circle_id", circleID, "person_id", personID)
	s.reevaluatePending(ctx, circleID, actorMemberID)
	return nil
}

func (s *MembershipService) reevaluatePending(ctx context.Context, circleID, actorMemberID int64) {
	if s.reevaluator == nil {
		return
	}
	ids, err := s.proposalRepo.ListPendingIDs(ctx, circleID)
	if err != nil {
		slog.ErrorContext(ctx, "list pending proposals", "circle_id", circleID, "error", err)
		return
	}
	for _, id := range ids {
		if _, err := s.reevaluator.Reevaluate(ctx, id, &actorMemberID); err != nil {
			slog.ErrorContext(ctx, "re-evaluate proposal", "proposal_id", id, "error", err)
		}
	}
}

// IsActiveMember reports whether the person is active in the circle and
// with which role.
func (s *MembershipService) IsActiveMember(ctx context.Context, circleID, personID int64) (bool, string, error) {
	member, err := s.memberRepo.GetActive(ctx, nil, circleID, personID)
	if err != nil {
		return false, "", storeError("load membership", err)
	}
	if member == nil {
		return false, "", nil
	}
	return true, member.Role, nil
}

// ListActiveMembers returns the member ids that currently count for quorum.
func (s *MembershipService) ListActiveMembers(ctx context.Context, circleID int64) ([]int64, error) {
	members, err := s.ListMembers(ctx, circleID)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func (s *MembershipService) ListMembers(ctx context.Context, circleID int64) ([]*model.Member, error) {
	if _, err := loadCircle(ctx, nil, s.circleRepo, circleID, false); err != nil {
		return nil, err
	}
	members, err := s.memberRepo.ListActive(ctx, nil, circleID)
	if err != nil {
		return nil, storeError("list members", err)
	}
	return members, nil
}
