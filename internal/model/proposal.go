package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	ProposalStatusPending   = "PENDING"
	ProposalStatusApproved  = "APPROVED"
	ProposalStatusRejected  = "REJECTED"
	ProposalStatusDisbursed = "DISBURSED"
	ProposalStatusRepaying  = "REPAYING"
	ProposalStatusClosed    = "CLOSED"
	ProposalStatusDefaulted = "DEFAULTED"
)

// ValidStatusTransitions is the whole proposal lifecycle. Anything not listed
// here is refused by the repository before it reaches the store.
var ValidStatusTransitions = map[string][]string{
	ProposalStatusPending:  {ProposalStatusApproved, ProposalStatusRejected},
	ProposalStatusApproved: {ProposalStatusDisbursed, ProposalStatusRepaying, ProposalStatusRejected},
	ProposalStatusRepaying: {ProposalStatusClosed, ProposalStatusDefaulted},
}

func CanTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidStatusTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// OpenProposalStatuses block a circle from being closed.
var OpenProposalStatuses = []string{
	ProposalStatusPending,
	ProposalStatusApproved,
	ProposalStatusRepaying,
}

// DisbursedProposalStatuses are the statuses whose amount has left the fund.
var DisbursedProposalStatuses = []string{
	ProposalStatusDisbursed,
	ProposalStatusRepaying,
	ProposalStatusClosed,
	ProposalStatusDefaulted,
}

const (
	ProposalKindWithdrawal = "WITHDRAWAL"
	ProposalKindLoan       = "LOAN"
)

// Proposal is a withdrawal or loan request against a circle's fund.
// Amount is fixed at creation; status only moves along ValidStatusTransitions.
type Proposal struct {
	ID                 int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	ProposalNo         string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"proposal_no"`
	CircleID           int64           `gorm:"index:idx_proposal_circle_status,priority:1;not null" json:"circle_id"`
	RequesterMemberID  int64           `gorm:"index;not null" json:"requester_member_id"`
	Amount             int64           `gorm:"not null" json:"amount"`
	Kind               string          `gorm:"type:varchar(16);not null" json:"kind"`
	Purpose            string          `gorm:"type:varchar(1024);not null" json:"purpose"`
	InterestRate       decimal.Decimal `gorm:"type:decimal(6,2);not null" json:"interest_rate"`
	RepaymentMonths    int             `gorm:"not null" json:"repayment_months"`
	Status             string          `gorm:"type:varchar(16);index:idx_proposal_circle_status,priority:2;not null" json:"status"`
	ResolvedAt         *time.Time      `json:"resolved_at,omitempty"`
	ResolvedByMemberID *int64          `json:"resolved_by_member_id,omitempty"`
	DisbursedAt        *time.Time      `json:"disbursed_at,omitempty"`
	ClosedAt           *time.Time      `json:"closed_at,omitempty"`
	CreatedAt          time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt          time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Proposal) TableName() string {
	return "proposal"
}

func (p *Proposal) IsLoan() bool {
	return p.Kind == ProposalKindLoan
}

// TotalRepayable is principal plus flat simple interest, rounded to the
// nearest minor unit. Withdrawals owe nothing back.
func (p *Proposal) TotalRepayable() int64 {
	if !p.IsLoan() {
		return 0
	}
	factor := decimal.NewFromInt(1).Add(p.InterestRate.Div(decimal.NewFromInt(100)))
	return decimal.NewFromInt(p.Amount).Mul(factor).Round(0).IntPart()
}

func IsValidProposalKind(kind string) bool {
	return kind == ProposalKindWithdrawal || kind == ProposalKindLoan
}
