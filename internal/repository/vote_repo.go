package repository

import (
	"context"
	"errors"

	"circlefund/internal/model"

	"gorm.io/gorm"
)

var ErrDuplicateVote = errors.New("person already voted on proposal")

type VoteRepository struct {
	db *gorm.DB
}

func NewVoteRepository(db *gorm.DB) *VoteRepository {
	return &VoteRepository{db: db}
}

// Create inserts the vote. A unique-index violation means a concurrent request
// by the same person got there first.
func (r *VoteRepository) Create(ctx context.Context, tx *gorm.DB, vote *model.Vote) error {
	if tx == nil {
		tx = r.db
	}
	err := tx.WithContext(ctx).Create(vote).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateVote
	}
	return err
}

// Exists reports whether the person already voted on the proposal under any
// of their membership rows.
func (r *VoteRepository) Exists(ctx context.Context, tx *gorm.DB, proposalID, personID int64) (bool, error) {
	if tx == nil {
		tx = r.db
	}
	var count int64
	err := tx.WithContext(ctx).
		Model(&model.Vote{}).
		Where("proposal_id = ? AND voter_person_id = ?", proposalID, personID).
		Count(&count).Error
	return count > 0, err
}

// Tally counts all votes and approvals on a proposal. Votes of members that
// were deactivated later still count.
func (r *VoteRepository) Tally(ctx context.Context, tx *gorm.DB, proposalID int64) (total int64, approve int64, err error) {
	if tx == nil {
		tx = r.db
	}
	var row struct {
		Total   int64
		Approve int64
	}
	err = tx.WithContext(ctx).
		Model(&model.Vote{}).
		Select("COUNT(*) AS total, COALESCE(SUM(CASE WHEN choice = ? THEN 1 ELSE 0 END), 0) AS approve", model.VoteApprove).
		Where("proposal_id = ?", proposalID).
		Scan(&row).Error
	return row.Total, row.Approve, err
}

func (r *VoteRepository) ListByProposal(ctx context.Context, proposalID int64) ([]*model.Vote, error) {
	var votes []*model.Vote
	err := r.db.WithContext(ctx).
		Where("proposal_id = ?", proposalID).
		Order("id ASC").
		Find(&votes).Error
	return votes, err
}
