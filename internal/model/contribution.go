package model

import (
	"time"
)

const (
	ContributionStatusPending   = "PENDING"
	ContributionStatusCompleted = "COMPLETED"
	ContributionStatusFailed    = "FAILED"
)

const (
	ContributionKindContribution = "CONTRIBUTION" // regular member contribution
	ContributionKindRepayment    = "REPAYMENT"    // loan installment paid back into the fund
	ContributionKindAdjustment   = "ADJUSTMENT"   // signed correction, never an in-place edit
)

// ContributionRecord is a receipt of money entering (or, for negative
// adjustments, leaving) the fund outside of a proposal disbursement.
//
// Only COMPLETED records count towards the balance, and a COMPLETED record is
// never updated again.
type ContributionRecord struct {
	ID          int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	ReceiptNo   string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"receipt_no"`
	CircleID    int64      `gorm:"index:idx_contribution_circle_status,priority:1;not null" json:"circle_id"`
	MemberID    int64      `gorm:"index;not null" json:"member_id"`
	Amount      int64      `gorm:"not null" json:"amount"`
	Kind        string     `gorm:"type:varchar(16);not null" json:"kind"`
	Method      string     `gorm:"type:varchar(32);not null" json:"method"`
	ExternalRef *string    `gorm:"type:varchar(128);uniqueIndex" json:"external_ref,omitempty"`
	CycleLabel  string     `gorm:"type:varchar(32)" json:"cycle_label"`
	Status      string     `gorm:"type:varchar(16);index:idx_contribution_circle_status,priority:2;not null" json:"status"`
	Reason      string     `gorm:"type:varchar(256)" json:"reason,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (ContributionRecord) TableName() string {
	return "contribution_record"
}

func (r *ContributionRecord) IsCompleted() bool {
	return r.Status == ContributionStatusCompleted
}
