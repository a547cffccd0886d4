package repository

import (
	"context"
	"errors"
	"time"

	"circlefund/internal/model"

	"gorm.io/gorm"
)

var (
	ErrContributionNotFound      = errors.New("contribution not found")
	ErrContributionStatusInvalid = errors.New("contribution status invalid")
	ErrDuplicateExternalRef      = errors.New("external reference already recorded")
)

type ContributionRepository struct {
	db *gorm.DB
}

func NewContributionRepository(db *gorm.DB) *ContributionRepository {
	return &ContributionRepository{db: db}
}

func (r *ContributionRepository) Create(ctx context.Context, tx *gorm.DB, record *model.ContributionRecord) error {
	if tx == nil {
		tx = r.db
	}
	err := tx.WithContext(ctx).Create(record).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateExternalRef
	}
	return err
}

// GetByExternalRef returns nil, nil when the reference has never been seen.
func (r *ContributionRepository) GetByExternalRef(ctx context.Context, tx *gorm.DB, externalRef string) (*model.ContributionRecord, error) {
	if tx == nil {
		tx = r.db
	}
	var record model.ContributionRecord
	err := tx.WithContext(ctx).Where("external_ref = ?", externalRef).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// MarkCompleted moves a PENDING record to COMPLETED. A record that already left
// PENDING is reported as ErrContributionStatusInvalid and stays untouched.
func (r *ContributionRepository) MarkCompleted(ctx context.Context, tx *gorm.DB, id int64) error {
	now := time.Now()
	return r.transition(ctx, tx, id, map[string]interface{}{
		"status":       model.ContributionStatusCompleted,
		"completed_at": &now,
	})
}

func (r *ContributionRepository) MarkFailed(ctx context.Context, tx *gorm.DB, id int64, reason string) error {
	return r.transition(ctx, tx, id, map[string]interface{}{
		"status": model.ContributionStatusFailed,
		"reason": reason,
	})
}

func (r *ContributionRepository) transition(ctx context.Context, tx *gorm.DB, id int64, updates map[string]interface{}) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.ContributionRecord{}).
		Where("id = ? AND status = ?", id, model.ContributionStatusPending).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrContributionStatusInvalid
	}

	return nil
}

func (r *ContributionRepository) GetStalePending(ctx context.Context, before time.Time, limit int) ([]*model.ContributionRecord, error) {
	var records []*model.ContributionRecord
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", model.ContributionStatusPending, before).
		Order("id ASC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

func (r *ContributionRepository) ListByCircle(ctx context.Context, circleID int64, page, pageSize int) ([]*model.ContributionRecord, int64, error) {
	var records []*model.ContributionRecord
	var total int64

	query := r.db.WithContext(ctx).Model(&model.ContributionRecord{}).Where("circle_id = ?", circleID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&records).Error

	return records, total, err
}

// SumCompleted is the credit side of the balance invariant.
func (r *ContributionRepository) SumCompleted(ctx context.Context, tx *gorm.DB, circleID int64) (int64, error) {
	if tx == nil {
		tx = r.db
	}
	var sum int64
	err := tx.WithContext(ctx).
		Model(&model.ContributionRecord{}).
		Where("circle_id = ? AND status = ?", circleID, model.ContributionStatusCompleted).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&sum).Error
	return sum, err
}
