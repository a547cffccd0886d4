package repository

import (
	"context"
	"errors"
	"time"

	"circlefund/internal/model"

	"gorm.io/gorm"
)

var (
	ErrMemberNotFound = errors.New("member not found")
	ErrMemberExists   = errors.New("active membership already exists")
)

type MemberRepository struct {
	db *gorm.DB
}

func NewMemberRepository(db *gorm.DB) *MemberRepository {
	return &MemberRepository{db: db}
}

func (r *MemberRepository) Create(ctx context.Context, tx *gorm.DB, member *model.Member) error {
	if tx == nil {
		tx = r.db
	}
	err := tx.WithContext(ctx).Create(member).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrMemberExists
	}
	return err
}

func (r *MemberRepository) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*model.Member, error) {
	if tx == nil {
		tx = r.db
	}
	var member model.Member
	err := tx.WithContext(ctx).Where("id = ?", id).First(&member).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMemberNotFound
		}
		return nil, err
	}
	return &member, nil
}

// GetActive returns the person's active row in the circle, or nil if there is none.
func (r *MemberRepository) GetActive(ctx context.Context, tx *gorm.DB, circleID, personID int64) (*model.Member, error) {
	if tx == nil {
		tx = r.db
	}
	var member model.Member
	err := tx.WithContext(ctx).
		Where("circle_id = ? AND person_id = ? AND active = ?", circleID, personID, true).
		First(&member).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &member, nil
}

func (r *MemberRepository) ListActive(ctx context.Context, tx *gorm.DB, circleID int64) ([]*model.Member, error) {
	if tx == nil {
		tx = r.db
	}
	var members []*model.Member
	err := tx.WithContext(ctx).
		Where("circle_id = ? AND active = ?", circleID, true).
		Order("id ASC").
		Find(&members).Error
	return members, err
}

func (r *MemberRepository) CountActive(ctx context.Context, tx *gorm.DB, circleID int64) (int64, error) {
	if tx == nil {
		tx = r.db
	}
	var count int64
	err := tx.WithContext(ctx).
		Model(&model.Member{}).
		Where("circle_id = ? AND active = ?", circleID, true).
		Count(&count).Error
	return count, err
}

// Deactivate flips an active row to inactive. Rows are never deleted, so votes
// cast by the member keep pointing at a real row.
func (r *MemberRepository) Deactivate(ctx context.Context, tx *gorm.DB, memberID int64) error {
	if tx == nil {
		tx = r.db
	}
	now := time.Now()
	result := tx.WithContext(ctx).
		Model(&model.Member{}).
		Where("id = ? AND active = ?", memberID, true).
		Updates(map[string]interface{}{
			"active":      false,
			"active_slot": nil,
			"left_at":     &now,
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrMemberNotFound
	}

	return nil
}
