package repository

import (
	"context"
	"errors"

	"circlefund/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrCircleNotFound   = errors.New("circle not found")
	ErrBalanceNotEnough = errors.New("fund balance not enough")
)

type CircleRepository struct {
	db *gorm.DB
}

func NewCircleRepository(db *gorm.DB) *CircleRepository {
	return &CircleRepository{db: db}
}

func (r *CircleRepository) Create(ctx context.Context, tx *gorm.DB, circle *model.Circle) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(circle).Error
}

func (r *CircleRepository) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*model.Circle, error) {
	if tx == nil {
		tx = r.db
	}
	var circle model.Circle
	err := tx.WithContext(ctx).Where("id = ?", id).First(&circle).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCircleNotFound
		}
		return nil, err
	}
	return &circle, nil
}

// GetByIDForUpdate re-reads the circle row under a row lock. Every balance
// check that leads to a write goes through here.
func (r *CircleRepository) GetByIDForUpdate(ctx context.Context, tx *gorm.DB, id int64) (*model.Circle, error) {
	var circle model.Circle
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&circle).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCircleNotFound
		}
		return nil, err
	}
	return &circle, nil
}

// Debit subtracts amount only if the balance still covers it. The check and the
// write are one statement, so two debits can never both pass on a stale read.
func (r *CircleRepository) Debit(ctx context.Context, tx *gorm.DB, id int64, amount int64) error {
	result := tx.WithContext(ctx).
		Model(&model.Circle{}).
		Where("id = ? AND balance >= ?", id, amount).
		Updates(map[string]interface{}{
			"balance": gorm.Expr("balance - ?", amount),
			"version": gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		if _, err := r.GetByID(ctx, tx, id); err != nil {
			return err
		}
		return ErrBalanceNotEnough
	}

	return nil
}

func (r *CircleRepository) Credit(ctx context.Context, tx *gorm.DB, id int64, amount int64) error {
	result := tx.WithContext(ctx).
		Model(&model.Circle{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"balance": gorm.Expr("balance + ?", amount),
			"version": gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrCircleNotFound
	}

	return nil
}

func (r *CircleRepository) Deactivate(ctx context.Context, tx *gorm.DB, id int64) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).
		Model(&model.Circle{}).
		Where("id = ? AND active = ?", id, true).
		Update("active", false).Error
}
