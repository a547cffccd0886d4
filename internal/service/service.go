package service

import (
	"context"
	"errors"

	"circlefund/internal/model"
	"circlefund/internal/repository"

	"gorm.io/gorm"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return page, pageSize
}

// requireActiveMember resolves personID to its active membership row in the
// circle, failing with notMember when there is none.
func requireActiveMember(ctx context.Context, tx *gorm.DB, members *repository.MemberRepository, circleID, personID int64, notMember *Error) (*model.Member, error) {
	member, err := members.GetActive(ctx, tx, circleID, personID)
	if err != nil {
		return nil, storeError("load membership", err)
	}
	if member == nil {
		return nil, notMember
	}
	return member, nil
}

// loadCircle reads a circle, locking the row when tx is a transaction that
// will write the balance.
func loadCircle(ctx context.Context, tx *gorm.DB, circles *repository.CircleRepository, circleID int64, forUpdate bool) (*model.Circle, error) {
	var (
		circle *model.Circle
		err    error
	)
	if forUpdate {
		circle, err = circles.GetByIDForUpdate(ctx, tx, circleID)
	} else {
		circle, err = circles.GetByID(ctx, tx, circleID)
	}
	if errors.Is(err, repository.ErrCircleNotFound) {
		return nil, ErrCircleNotFound
	}
	if err != nil {
		return nil, storeError("load circle", err)
	}
	return circle, nil
}

func loadProposal(ctx context.Context, tx *gorm.DB, proposals *repository.ProposalRepository, proposalID int64, forUpdate bool) (*model.Proposal, error) {
	var (
		proposal *model.Proposal
		err      error
	)
	if forUpdate {
		proposal, err = proposals.GetByIDForUpdate(ctx, tx, proposalID)
	} else {
		proposal, err = proposals.GetByID(ctx, tx, proposalID)
	}
	if errors.Is(err, repository.ErrProposalNotFound) {
		return nil, ErrProposalNotFound
	}
	if err != nil {
		return nil, storeError("load proposal", err)
	}
	return proposal, nil
}

func proposalEvent(p *model.Proposal) ProposalEvent {
	return ProposalEvent{
		ProposalNo: p.ProposalNo,
		CircleID:   p.CircleID,
		Kind:       p.Kind,
		Amount:     p.Amount,
		Status:     p.Status,
	}
}
