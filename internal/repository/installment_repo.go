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
	ErrInstallmentNotFound    = errors.New("installment not found")
	ErrInstallmentStateChange = errors.New("installment changed concurrently")
)

type InstallmentRepository struct {
	db *gorm.DB
}

func NewInstallmentRepository(db *gorm.DB) *InstallmentRepository {
	return &InstallmentRepository{db: db}
}

func (r *InstallmentRepository) CreateBatch(ctx context.Context, tx *gorm.DB, installments []*model.RepaymentInstallment) error {
	if len(installments) == 0 {
		return nil
	}
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(&installments).Error
}

func (r *InstallmentRepository) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*model.RepaymentInstallment, error) {
	if tx == nil {
		tx = r.db
	}
	var installment model.RepaymentInstallment
	err := tx.WithContext(ctx).Where("id = ?", id).First(&installment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInstallmentNotFound
		}
		return nil, err
	}
	return &installment, nil
}

func (r *InstallmentRepository) GetByIDForUpdate(ctx context.Context, tx *gorm.DB, id int64) (*model.RepaymentInstallment, error) {
	var installment model.RepaymentInstallment
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&installment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInstallmentNotFound
		}
		return nil, err
	}
	return &installment, nil
}

func (r *InstallmentRepository) ListByProposal(ctx context.Context, tx *gorm.DB, proposalID int64) ([]*model.RepaymentInstallment, error) {
	if tx == nil {
		tx = r.db
	}
	var installments []*model.RepaymentInstallment
	err := tx.WithContext(ctx).
		Where("proposal_id = ?", proposalID).
		Order("seq ASC").
		Find(&installments).Error
	return installments, err
}

// MarkPaid settles an unpaid installment and clears its penalty tracking.
// PenaltyAmount stays as the record of what was collected.
func (r *InstallmentRepository) MarkPaid(ctx context.Context, tx *gorm.DB, id int64, paymentRef string, paidAt time.Time) error {
	result := tx.WithContext(ctx).
		Model(&model.RepaymentInstallment{}).
		Where("id = ? AND paid = ?", id, false).
		Updates(map[string]interface{}{
			"paid":           true,
			"paid_at":        &paidAt,
			"payment_ref":    paymentRef,
			"penalty_cycles": 0,
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrInstallmentStateChange
	}

	return nil
}

func (r *InstallmentRepository) CountUnpaid(ctx context.Context, tx *gorm.DB, proposalID int64) (int64, error) {
	if tx == nil {
		tx = r.db
	}
	var count int64
	err := tx.WithContext(ctx).
		Model(&model.RepaymentInstallment{}).
		Where("proposal_id = ? AND paid = ?", proposalID, false).
		Count(&count).Error
	return count, err
}

// ListOverdue returns unpaid installments of loans still being repaid whose due
// date is before now, keyset-paginated on id.
func (r *InstallmentRepository) ListOverdue(ctx context.Context, now time.Time, afterID int64, limit int) ([]*model.RepaymentInstallment, error) {
	var installments []*model.RepaymentInstallment
	err := r.db.WithContext(ctx).
		Joins("JOIN proposal ON proposal.id = repayment_installment.proposal_id").
		Where("repayment_installment.paid = ? AND repayment_installment.due_date < ?", false, now).
		Where("proposal.status = ?", model.ProposalStatusRepaying).
		Where("repayment_installment.id > ?", afterID).
		Order("repayment_installment.id ASC").
		Limit(limit).
		Find(&installments).Error
	return installments, err
}

// AddPenalty charges amount and advances the charged-cycle counter from
// fromCycles to toCycles. The counter doubles as the CAS guard, so two accrual
// runs racing over the same installment charge a cycle only once.
func (r *InstallmentRepository) AddPenalty(ctx context.Context, tx *gorm.DB, id int64, amount int64, fromCycles, toCycles int) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.RepaymentInstallment{}).
		Where("id = ? AND paid = ? AND penalty_cycles = ?", id, false, fromCycles).
		Updates(map[string]interface{}{
			"penalty_amount": gorm.Expr("penalty_amount + ?", amount),
			"penalty_cycles": toCycles,
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrInstallmentStateChange
	}

	return nil
}
