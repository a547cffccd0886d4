package model

import (
	"time"
)

const (
	VoteApprove = "APPROVE"
	VoteReject  = "REJECT"
)

// Vote is immutable once written. It is keyed by the voting person as well as
// the membership row: a person who leaves and rejoins gets a new member id but
// still has only one vote per proposal.
type Vote struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ProposalID    int64     `gorm:"not null;uniqueIndex:uk_vote_proposal_member,priority:1;uniqueIndex:uk_vote_proposal_person,priority:1" json:"proposal_id"`
	MemberID      int64     `gorm:"not null;uniqueIndex:uk_vote_proposal_member,priority:2" json:"member_id"`
	VoterPersonID int64     `gorm:"not null;uniqueIndex:uk_vote_proposal_person,priority:2" json:"voter_person_id"`
	Choice        string    `gorm:"type:varchar(16);not null" json:"choice"`
	Comment       string    `gorm:"type:varchar(512)" json:"comment,omitempty"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (Vote) TableName() string {
	return "proposal_vote"
}

func IsValidChoice(choice string) bool {
	return choice == VoteApprove || choice == VoteReject
}
