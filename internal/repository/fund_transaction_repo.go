package repository

import (
	"context"

	"circlefund/internal/model"

	"gorm.io/gorm"
)

type FundTransactionRepository struct {
	db *gorm.DB
}

func NewFundTransactionRepository(db *gorm.DB) *FundTransactionRepository {
	return &FundTransactionRepository{db: db}
}

func (r *FundTransactionRepository) Create(ctx context.Context, tx *gorm.DB, trans *model.FundTransaction) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(trans).Error
}

func (r *FundTransactionRepository) ListByCircle(ctx context.Context, circleID int64, page, pageSize int) ([]*model.FundTransaction, int64, error) {
	var transactions []*model.FundTransaction
	var total int64

	query := r.db.WithContext(ctx).Model(&model.FundTransaction{}).Where("circle_id = ?", circleID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&transactions).Error

	return transactions, total, err
}

// GetLatest returns the newest journal row of a circle, or nil if it has none.
func (r *FundTransactionRepository) GetLatest(ctx context.Context, circleID int64) (*model.FundTransaction, error) {
	var transactions []*model.FundTransaction
	err := r.db.WithContext(ctx).
		Where("circle_id = ?", circleID).
		Order("id DESC").
		Limit(1).
		Find(&transactions).Error
	if err != nil || len(transactions) == 0 {
		return nil, err
	}
	return transactions[0], nil
}
