package model

import (
	"time"
)

// RepaymentInstallment is one scheduled slice of a disbursed loan.
//
// PenaltyCycles counts the overdue cycles already charged, which is what makes
// penalty accrual safe to run any number of times within one cycle.
type RepaymentInstallment struct {
	ID            int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	ProposalID    int64      `gorm:"not null;uniqueIndex:uk_installment_seq,priority:1" json:"proposal_id"`
	Seq           int        `gorm:"not null;uniqueIndex:uk_installment_seq,priority:2" json:"seq"`
	AmountDue     int64      `gorm:"not null" json:"amount_due"`
	DueDate       time.Time  `gorm:"not null;index:idx_installment_due,priority:2" json:"due_date"`
	Paid          bool       `gorm:"not null;index:idx_installment_due,priority:1" json:"paid"`
	PaidAt        *time.Time `json:"paid_at,omitempty"`
	PenaltyAmount int64      `gorm:"not null;default:0" json:"penalty_amount"`
	PenaltyCycles int        `gorm:"not null;default:0" json:"penalty_cycles"`
	PaymentRef    *string    `gorm:"type:varchar(128)" json:"payment_ref,omitempty"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (RepaymentInstallment) TableName() string {
	return "repayment_installment"
}

// TotalOwed is what settles the installment today.
func (i *RepaymentInstallment) TotalOwed() int64 {
	return i.AmountDue + i.PenaltyAmount
}
