package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	CycleWeekly  = "WEEKLY"
	CycleMonthly = "MONTHLY"
)

const (
	PenaltyTypeFixed   = "FIXED"
	PenaltyTypePercent = "PERCENT"
)

// Circle is a savings group and the owner of one pooled fund.
//
// Balance is a cache of Σ completed contribution records − Σ disbursed proposal
// amounts. It is only ever changed together with the row that justifies the
// change, inside one transaction.
type Circle struct {
	ID                   int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	Name                 string          `gorm:"type:varchar(128);not null" json:"name"`
	FounderPersonID      int64           `gorm:"index;not null" json:"founder_person_id"`
	ContributionAmount   int64           `gorm:"not null" json:"contribution_amount"`
	ContributionCycle    string          `gorm:"type:varchar(16);not null" json:"contribution_cycle"`
	Balance              int64           `gorm:"not null;default:0" json:"balance"`
	Version              int             `gorm:"not null;default:0" json:"version"`
	MinProposalAmount    int64           `gorm:"not null" json:"min_proposal_amount"`
	MaxProposalMultiple  int             `gorm:"not null" json:"max_proposal_multiple"`
	QuorumPercent        int             `gorm:"not null" json:"quorum_percent"`
	PenaltyType          string          `gorm:"type:varchar(16);not null" json:"penalty_type"`
	PenaltyValue         decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"penalty_value"`
	DefaultGraceMultiple decimal.Decimal `gorm:"type:decimal(8,2);not null" json:"default_grace_multiple"`
	Active               bool            `gorm:"not null" json:"active"`
	CreatedAt            time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Circle) TableName() string {
	return "circle"
}

// MaxProposalAmount is the upper bound for a single proposal.
func (c *Circle) MaxProposalAmount() int64 {
	return c.ContributionAmount * int64(c.MaxProposalMultiple)
}

// AddCycles moves t forward by n contribution cycles.
func (c *Circle) AddCycles(t time.Time, n int) time.Time {
	if c.ContributionCycle == CycleWeekly {
		return t.AddDate(0, 0, 7*n)
	}
	return t.AddDate(0, n, 0)
}

func IsValidCycle(cycle string) bool {
	return cycle == CycleWeekly || cycle == CycleMonthly
}

func IsValidPenaltyType(t string) bool {
	return t == PenaltyTypeFixed || t == PenaltyTypePercent
}
