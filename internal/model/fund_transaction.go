package model

import (
	"time"
)

const (
	FundRefContribution = "CONTRIBUTION"
	FundRefDisbursement = "DISBURSEMENT"
)

// FundTransaction is the append-only journal of balance movements.
// Each row records the balance on both sides of the movement so a circle's
// history can be replayed and checked against its cached balance.
type FundTransaction struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionNo string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"`
	CircleID      int64     `gorm:"index;not null" json:"circle_id"`
	RefType       string    `gorm:"type:varchar(20);not null" json:"ref_type"`
	RefID         int64     `gorm:"not null" json:"ref_id"`
	Amount        int64     `gorm:"not null" json:"amount"` // positive credits, negative debits
	BalanceBefore int64     `gorm:"not null" json:"balance_before"`
	BalanceAfter  int64     `gorm:"not null" json:"balance_after"`
	Remark        string    `gorm:"type:varchar(256)" json:"remark"`
	CreatedAt     time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (FundTransaction) TableName() string {
	return "fund_transaction"
}
