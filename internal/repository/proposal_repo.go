package repository

import (
	"context"
	"errors"
	"time"

	"circlefund/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrProposalNotFound      = errors.New("proposal not found")
	ErrProposalStatusInvalid = errors.New("proposal status invalid")
)

type ProposalRepository struct {
	db *gorm.DB
}

func NewProposalRepository(db *gorm.DB) *ProposalRepository {
	return &ProposalRepository{db: db}
}

func (r *ProposalRepository) Create(ctx context.Context, tx *gorm.DB, proposal *model.Proposal) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(proposal).Error
}

func (r *ProposalRepository) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*model.Proposal, error) {
	if tx == nil {
		tx = r.db
	}
	var proposal model.Proposal
	err := tx.WithContext(ctx).Where("id = ?", id).First(&proposal).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProposalNotFound
		}
		return nil, err
	}
	return &proposal, nil
}

func (r *ProposalRepository) GetByIDForUpdate(ctx context.Context, tx *gorm.DB, id int64) (*model.Proposal, error) {
	var proposal model.Proposal
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&proposal).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProposalNotFound
		}
		return nil, err
	}
	return &proposal, nil
}

// UpdateStatus is a compare-and-swap on the status column: the row only changes
// if it is still in fromStatus. Of several concurrent callers exactly one sees
// success; the others get ErrProposalStatusInvalid.
func (r *ProposalRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, id int64, fromStatus, toStatus string, actorMemberID *int64) error {
	if !model.CanTransitionTo(fromStatus, toStatus) {
		return ErrProposalStatusInvalid
	}

	if tx == nil {
		tx = r.db
	}

	now := time.Now()
	updates := map[string]interface{}{
		"status": toStatus,
	}

	switch toStatus {
	case model.ProposalStatusApproved, model.ProposalStatusRejected:
		updates["resolved_at"] = &now
		updates["resolved_by_member_id"] = actorMemberID
	case model.ProposalStatusDisbursed, model.ProposalStatusRepaying:
		updates["disbursed_at"] = &now
	case model.ProposalStatusClosed, model.ProposalStatusDefaulted:
		updates["closed_at"] = &now
	}

	result := tx.WithContext(ctx).
		Model(&model.Proposal{}).
		Where("id = ? AND status = ?", id, fromStatus).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrProposalStatusInvalid
	}

	return nil
}

func (r *ProposalRepository) ListByCircle(ctx context.Context, circleID int64, status string, page, pageSize int) ([]*model.Proposal, int64, error) {
	var proposals []*model.Proposal
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Proposal{}).Where("circle_id = ?", circleID)
	if status != "" {
		query = query.Where("status = ?", status)
	}

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&proposals).Error

	return proposals, total, err
}

func (r *ProposalRepository) ListPendingIDs(ctx context.Context, circleID int64) ([]int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).
		Model(&model.Proposal{}).
		Where("circle_id = ? AND status = ?", circleID, model.ProposalStatusPending).
		Order("id ASC").
		Pluck("id", &ids).Error
	return ids, err
}

func (r *ProposalRepository) CountOpen(ctx context.Context, tx *gorm.DB, circleID int64) (int64, error) {
	if tx == nil {
		tx = r.db
	}
	var count int64
	err := tx.WithContext(ctx).
		Model(&model.Proposal{}).
		Where("circle_id = ? AND status IN ?", circleID, model.OpenProposalStatuses).
		Count(&count).Error
	return count, err
}

// SumDisbursed is the debit side of the balance invariant.
func (r *ProposalRepository) SumDisbursed(ctx context.Context, tx *gorm.DB, circleID int64) (int64, error) {
	if tx == nil {
		tx = r.db
	}
	var sum int64
	err := tx.WithContext(ctx).
		Model(&model.Proposal{}).
		Where("circle_id = ? AND status IN ?", circleID, model.DisbursedProposalStatuses).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&sum).Error
	return sum, err
}
